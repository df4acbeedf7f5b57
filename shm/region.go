// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shm manages named shared-memory regions and the process registry
// that nexus nodes use to discover each other on the local host.
//
// Regions are files under /dev/shm mapped with golang.org/x/sys/unix, the
// POSIX shm_open equivalent. Region names follow the POSIX convention of a
// single leading slash, e.g. "/nexus_registry".
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

var (
	// ErrBadName indicates a region name without the leading slash or with
	// embedded path separators.
	ErrBadName = errors.New("shm: region name must be \"/name\" with no inner slashes")
)

// Region is a mapped shared-memory region.
type Region struct {
	name  string
	fd    int
	mem   []byte
	owner bool
}

// pathFor maps a POSIX-style region name to its /dev/shm file.
func pathFor(name string) (string, error) {
	if len(name) < 2 || name[0] != '/' || strings.ContainsRune(name[1:], '/') {
		return "", ErrBadName
	}
	return filepath.Join(shmDir, name[1:]), nil
}

// CreateRegion creates and maps a new region of the given size. It fails if
// the region already exists.
func CreateRegion(name string, size int) (*Region, error) {
	path, err := pathFor(name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("shm: resize %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("shm: map %s: %w", name, err)
	}
	return &Region{name: name, fd: fd, mem: mem, owner: true}, nil
}

// OpenRegion maps an existing region at its current size.
func OpenRegion(name string) (*Region, error) {
	path, err := pathFor(name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: map %s: %w", name, err)
	}
	return &Region{name: name, fd: fd, mem: mem}, nil
}

// Name returns the region's POSIX-style name.
func (r *Region) Name() string {
	return r.name
}

// Bytes returns the mapped memory. The slice stays valid until Close.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Size returns the mapped length in bytes.
func (r *Region) Size() int {
	return len(r.mem)
}

// Close unmaps the region and closes its descriptor. The backing file stays
// until Unlink.
func (r *Region) Close() error {
	var first error
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			first = err
		}
		r.mem = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && first == nil {
			first = err
		}
		r.fd = -1
	}
	return first
}

// Unlink removes a region's backing file. Mappings held by other processes
// survive until they unmap.
func Unlink(name string) error {
	path, err := pathFor(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether a region's backing file is present.
func Exists(name string) bool {
	path, err := pathFor(name)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// List returns the names of regions whose name starts with prefix, sorted
// by name. Used by nodes to find per-sender inbound rings.
func List(prefix string) ([]string, error) {
	if len(prefix) < 2 || prefix[0] != '/' {
		return nil, ErrBadName
	}
	entries, err := os.ReadDir(shmDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix[1:]) {
			names = append(names, "/"+e.Name())
		}
	}
	return names, nil
}
