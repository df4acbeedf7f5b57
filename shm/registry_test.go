// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shm

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testRegistry opens a registry under a test-unique name and tears it down.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	name := fmt.Sprintf("/nexus_test_%d_%s", os.Getpid(),
		strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_")))
	Unlink(name)
	r, err := OpenRegistryAt(name)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		Unlink(name)
	})
	return r
}

func TestRegisterAndFind(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Register("node1", "/shm1"))
	require.NoError(t, r.Register("node2", "/shm2"))

	info, ok := r.FindNode("node1")
	require.True(t, ok)
	require.Equal(t, "node1", info.NodeID)
	require.Equal(t, "/shm1", info.ShmName)
	require.Equal(t, os.Getpid(), info.PID)
	require.True(t, info.Active)

	_, ok = r.FindNode("nobody")
	require.False(t, ok)
}

func TestRegisterRefreshesHeartbeat(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Register("node1", "/shm1"))
	first, _ := r.FindNode("node1")

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Register("node1", "/shm1"))
	second, _ := r.FindNode("node1")

	require.GreaterOrEqual(t, second.LastHeartbeat, first.LastHeartbeat)
	require.Len(t, r.ActiveNodes(time.Minute), 1)
}

func TestUnregister(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Register("node1", "/shm1"))
	require.True(t, r.Unregister("node1"))
	require.False(t, r.Unregister("node1"))
	require.False(t, r.NodeExists("node1"))
}

// TestStaleCleanup follows the two-node expiry scenario: node1 stops
// heartbeating, node2 keeps going, and only node1 is reclaimed.
func TestStaleCleanup(t *testing.T) {
	r := testRegistry(t)
	timeout := 200 * time.Millisecond

	require.NoError(t, r.Register("node1", "/shm1"))
	require.NoError(t, r.Register("node2", "/shm2"))
	require.Len(t, r.ActiveNodes(time.Minute), 2)

	deadline := time.Now().Add(timeout + 100*time.Millisecond)
	for time.Now().Before(deadline) {
		r.UpdateHeartbeat("node2")
		time.Sleep(20 * time.Millisecond)
	}

	require.Equal(t, 1, r.CleanupStale(timeout))
	require.False(t, r.NodeExists("node1"))
	require.True(t, r.NodeExists("node2"))
}

func TestRegistryFull(t *testing.T) {
	r := testRegistry(t)

	for i := 0; i < MaxEntries; i++ {
		require.NoError(t, r.Register(fmt.Sprintf("node%03d", i), "/x"))
	}
	err := r.Register("one-too-many", "/x")
	require.ErrorIs(t, err, ErrRegistryFull)
}

func TestStringSlotLimits(t *testing.T) {
	r := testRegistry(t)

	long := strings.Repeat("a", StringSize)
	require.ErrorIs(t, r.Register(long, "/x"), ErrStringTooLong)
	require.ErrorIs(t, r.Register("ok", "/"+long), ErrStringTooLong)

	max := strings.Repeat("b", StringSize-1)
	require.NoError(t, r.Register(max, "/shm"))
	info, ok := r.FindNode(max)
	require.True(t, ok)
	require.Equal(t, max, info.NodeID)
}

func TestSecondHandleSeesEntries(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register("node1", "/shm1"))

	other, err := OpenRegistryAt(r.region.Name())
	require.NoError(t, err)
	defer other.Close()

	require.True(t, other.NodeExists("node1"))
	nodes := other.ActiveNodes(time.Minute)
	require.Len(t, nodes, 1)
	require.Equal(t, "/shm1", nodes[0].ShmName)
}

func TestRegionRoundTrip(t *testing.T) {
	name := fmt.Sprintf("/nexus_test_region_%d", os.Getpid())
	Unlink(name)
	defer Unlink(name)

	r, err := CreateRegion(name, 8192)
	require.NoError(t, err)
	copy(r.Bytes(), "marker")

	o, err := OpenRegion(name)
	require.NoError(t, err)
	require.Equal(t, 8192, o.Size())
	require.Equal(t, "marker", string(o.Bytes()[:6]))

	require.NoError(t, o.Close())
	require.NoError(t, r.Close())
	require.NoError(t, Unlink(name))
	require.False(t, Exists(name))
}

func TestListByPrefix(t *testing.T) {
	prefix := fmt.Sprintf("/nexus_test_list_%d", os.Getpid())
	var created []string
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("%s_%d", prefix, i)
		r, err := CreateRegion(name, 4096)
		require.NoError(t, err)
		r.Close()
		created = append(created, name)
	}
	defer func() {
		for _, n := range created {
			Unlink(n)
		}
	}()

	names, err := List(prefix)
	require.NoError(t, err)
	require.Len(t, names, 3)
	for _, n := range names {
		require.True(t, strings.HasPrefix(n, prefix))
	}
}
