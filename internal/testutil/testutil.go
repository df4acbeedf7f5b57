// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil holds helpers shared by the nexus package tests.
package testutil

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// Collector is a thread-safe recorder for delivered messages.
type Collector struct {
	mu       sync.Mutex
	payloads []string
	count    atomic.Int64
}

// Record stores one payload.
func (c *Collector) Record(payload []byte) {
	c.mu.Lock()
	c.payloads = append(c.payloads, string(payload))
	c.mu.Unlock()
	c.count.Add(1)
}

// Count returns how many payloads were recorded.
func (c *Collector) Count() int {
	return int(c.count.Load())
}

// Payloads returns a copy of the recorded payloads in arrival order.
func (c *Collector) Payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

// Distinct returns the set of recorded payloads.
func (c *Collector) Distinct() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.payloads))
	for _, p := range c.payloads {
		out[p]++
	}
	return out
}

var prefixSeq atomic.Uint64

// UniqueShmPrefix returns a bus name prefix that will not collide with other
// tests or processes on the same host.
func UniqueShmPrefix(name string) string {
	return fmt.Sprintf("/nxt_%d_%s_%d", os.Getpid(), name, prefixSeq.Add(1))
}
