// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shm

import (
	"encoding/binary"
	"errors"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Registry region layout. A 64-byte header is followed by MaxEntries fixed
// 192-byte slots. Node id and region name are stored as 8-byte atomic words
// so a reader can never observe a torn string.
const (
	// RegistryName is the well-known region holding the node table.
	RegistryName = "/nexus_registry"

	// MaxEntries bounds the number of simultaneously registered nodes.
	MaxEntries = 256

	registryMagic   = 0x4C525247 // "GRRL" little-endian on the wire
	registryVersion = 1

	headerSize = 64
	entrySize  = 192

	// Header field offsets.
	offMagic      = 0
	offVersion    = 4
	offNumEntries = 8
	offCapacity   = 12
	offRefCount   = 16 // inside the header padding area

	// Entry field offsets.
	offFlags     = 0
	offPID       = 4
	offHeartbeat = 8
	offNodeID    = 16
	offShmName   = 80

	// StringSize is the fixed storage for node ids and region names; the
	// usable length is one byte less, leaving a NUL terminator.
	StringSize = 64
	stringWords = StringSize / 8

	flagValid  = 1 << 0
	flagActive = 1 << 1

	// RegistrySize is the full region length.
	RegistrySize = headerSize + MaxEntries*entrySize
)

var (
	// ErrRegistryFull indicates all slots hold valid entries.
	ErrRegistryFull = errors.New("shm: registry full")

	// ErrBadRegistry indicates a region with the wrong magic or version.
	ErrBadRegistry = errors.New("shm: bad registry region")

	// ErrStringTooLong indicates a node id or region name over 63 bytes.
	ErrStringTooLong = errors.New("shm: string exceeds slot size")
)

// NodeInfo is a snapshot of one registry slot.
type NodeInfo struct {
	NodeID        string
	ShmName       string
	PID           int
	LastHeartbeat uint64 // milliseconds since the Unix epoch
	Active        bool
}

// Registry is a process handle on the shared node table.
type Registry struct {
	region *Region
	mem    []byte
}

// word returns the atomic 64-bit word at the given byte offset.
func (r *Registry) word(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.mem[off]))
}

// word32 returns the atomic 32-bit word at the given byte offset.
func (r *Registry) word32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Registry) entryOff(i int) int {
	return headerSize + i*entrySize
}

// OpenRegistry creates the registry region if absent, or maps the existing
// one, and takes a reference on it. Callers must Close the handle; the last
// close unlinks the region.
func OpenRegistry() (*Registry, error) {
	return OpenRegistryAt(RegistryName)
}

// OpenRegistryAt is OpenRegistry with an explicit region name, for buses
// that run under a non-default name prefix.
func OpenRegistryAt(name string) (*Registry, error) {
	region, err := CreateRegion(name, RegistrySize)
	created := err == nil
	if !created {
		region, err = OpenRegion(name)
		if err != nil {
			return nil, err
		}
	}
	if region.Size() < RegistrySize {
		region.Close()
		return nil, ErrBadRegistry
	}

	r := &Registry{region: region, mem: region.Bytes()}
	if created {
		r.word32(offVersion).Store(registryVersion)
		r.word32(offCapacity).Store(MaxEntries)
		// Magic is published last so openers never see a half-built header.
		r.word32(offMagic).Store(registryMagic)
	} else {
		// The creator may still be initializing; give it a moment.
		ok := false
		for i := 0; i < 100; i++ {
			if r.word32(offMagic).Load() == registryMagic {
				ok = true
				break
			}
			time.Sleep(time.Millisecond)
		}
		if !ok || r.word32(offVersion).Load() != registryVersion {
			region.Close()
			return nil, ErrBadRegistry
		}
	}
	r.word32(offRefCount).Add(1)
	return r, nil
}

// Close drops this process's reference. The last reference unlinks the
// backing file so a fresh bus start begins from an empty table.
func (r *Registry) Close() error {
	if r.region == nil {
		return nil
	}
	last := r.word32(offRefCount).Add(^uint32(0)) == 0
	name := r.region.Name()
	err := r.region.Close()
	r.region = nil
	r.mem = nil
	if last {
		if uerr := Unlink(name); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// writeAtomicString stores s into the word array at off, zero padded.
// Word stores keep concurrent readers from seeing torn bytes.
func (r *Registry) writeAtomicString(off int, s string) {
	var buf [StringSize]byte
	copy(buf[:StringSize-1], s)
	for w := 0; w < stringWords; w++ {
		r.word(off + w*8).Store(binary.LittleEndian.Uint64(buf[w*8:]))
	}
}

// readAtomicString loads the word array at off and trims the NUL padding.
func (r *Registry) readAtomicString(off int) string {
	var buf [StringSize]byte
	for w := 0; w < stringWords; w++ {
		binary.LittleEndian.PutUint64(buf[w*8:], r.word(off+w*8).Load())
	}
	n := 0
	for n < StringSize && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// nowMillis returns the wall clock in milliseconds.
func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// processAlive reports whether pid exists. Signal 0 probes without delivery;
// EPERM still means the process is there.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// findEntry returns the slot index holding nodeID, or -1.
func (r *Registry) findEntry(nodeID string) int {
	for i := 0; i < MaxEntries; i++ {
		off := r.entryOff(i)
		if r.word32(off+offFlags).Load()&flagValid == 0 {
			continue
		}
		if r.readAtomicString(off+offNodeID) == nodeID {
			return i
		}
	}
	return -1
}

// Register adds nodeID with its region name to the table. Re-registering a
// live id refreshes its heartbeat. A full table returns ErrRegistryFull.
func (r *Registry) Register(nodeID, shmName string) error {
	if len(nodeID) >= StringSize || len(shmName) >= StringSize {
		return ErrStringTooLong
	}
	if nodeID == "" {
		return ErrBadName
	}

	if i := r.findEntry(nodeID); i >= 0 {
		off := r.entryOff(i)
		r.word(off + offHeartbeat).Store(nowMillis())
		return nil
	}

	for i := 0; i < MaxEntries; i++ {
		off := r.entryOff(i)
		flags := r.word32(off + offFlags)
		// Claim the slot first so two processes cannot fill it at once.
		if !flags.CompareAndSwap(0, flagValid) {
			continue
		}
		r.writeAtomicString(off+offNodeID, nodeID)
		r.writeAtomicString(off+offShmName, shmName)
		r.word32(off + offPID).Store(uint32(os.Getpid()))
		r.word(off + offHeartbeat).Store(nowMillis())
		flags.Store(flagValid | flagActive)
		r.word32(offNumEntries).Add(1)
		return nil
	}
	return ErrRegistryFull
}

// Unregister clears nodeID's slot. It returns false when the id is unknown.
func (r *Registry) Unregister(nodeID string) bool {
	i := r.findEntry(nodeID)
	if i < 0 {
		return false
	}
	r.clearSlot(i)
	return true
}

func (r *Registry) clearSlot(i int) {
	off := r.entryOff(i)
	flags := r.word32(off + offFlags)
	// Drop active first, then valid, so scanners fail fast on the slot.
	flags.Store(flagValid)
	r.writeAtomicString(off+offNodeID, "")
	r.writeAtomicString(off+offShmName, "")
	r.word32(off + offPID).Store(0)
	r.word(off + offHeartbeat).Store(0)
	flags.Store(0)
	r.word32(offNumEntries).Add(^uint32(0))
}

// UpdateHeartbeat stamps nodeID's slot with the current time.
func (r *Registry) UpdateHeartbeat(nodeID string) bool {
	i := r.findEntry(nodeID)
	if i < 0 {
		return false
	}
	r.word(r.entryOff(i) + offHeartbeat).Store(nowMillis())
	return true
}

// snapshot reads one slot. ok is false when the slot is not fully valid.
func (r *Registry) snapshot(i int) (NodeInfo, bool) {
	off := r.entryOff(i)
	flags := r.word32(off + offFlags).Load()
	if flags&flagValid == 0 {
		return NodeInfo{}, false
	}
	info := NodeInfo{
		NodeID:        r.readAtomicString(off + offNodeID),
		ShmName:       r.readAtomicString(off + offShmName),
		PID:           int(r.word32(off + offPID).Load()),
		LastHeartbeat: r.word(off + offHeartbeat).Load(),
		Active:        flags&flagActive != 0,
	}
	if info.NodeID == "" {
		return NodeInfo{}, false
	}
	return info, true
}

// ActiveNodes returns every live entry: valid, active, process present, and
// heartbeat younger than timeout.
func (r *Registry) ActiveNodes(timeout time.Duration) []NodeInfo {
	now := nowMillis()
	limit := uint64(timeout / time.Millisecond)
	var nodes []NodeInfo
	for i := 0; i < MaxEntries; i++ {
		info, ok := r.snapshot(i)
		if !ok || !info.Active {
			continue
		}
		if !processAlive(info.PID) {
			continue
		}
		if limit > 0 && now-info.LastHeartbeat > limit {
			continue
		}
		nodes = append(nodes, info)
	}
	return nodes
}

// Entries returns every valid slot with no liveness filtering. Callers that
// need to know which nodes a cleanup pass removed diff this against the
// post-cleanup view.
func (r *Registry) Entries() []NodeInfo {
	var nodes []NodeInfo
	for i := 0; i < MaxEntries; i++ {
		if info, ok := r.snapshot(i); ok {
			nodes = append(nodes, info)
		}
	}
	return nodes
}

// FindNode returns the entry for nodeID.
func (r *Registry) FindNode(nodeID string) (NodeInfo, bool) {
	i := r.findEntry(nodeID)
	if i < 0 {
		return NodeInfo{}, false
	}
	return r.snapshot(i)
}

// NodeExists reports whether nodeID has a valid, active slot.
func (r *Registry) NodeExists(nodeID string) bool {
	info, ok := r.FindNode(nodeID)
	return ok && info.Active
}

// ActiveCount returns the number of live entries.
func (r *Registry) ActiveCount(timeout time.Duration) int {
	return len(r.ActiveNodes(timeout))
}

// CleanupStale clears every slot whose heartbeat is older than timeout or
// whose process is gone, and returns how many were reclaimed.
func (r *Registry) CleanupStale(timeout time.Duration) int {
	now := nowMillis()
	limit := uint64(timeout / time.Millisecond)
	reclaimed := 0
	for i := 0; i < MaxEntries; i++ {
		info, ok := r.snapshot(i)
		if !ok {
			continue
		}
		stale := now-info.LastHeartbeat > limit
		if !stale && processAlive(info.PID) {
			continue
		}
		r.clearSlot(i)
		reclaimed++
	}
	return reclaimed
}
