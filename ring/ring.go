// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ring implements a lock-free single-producer/single-consumer ring
// buffer carrying variable-length frames inside a contiguous byte region.
//
// The region layout is position independent, so a buffer can overlay a
// heap allocation or a shared-memory mapping: three leading cache lines hold
// the write cursor, the read cursor, and the statistics counters, followed by
// a power-of-two data area. Frames are 8-byte aligned; a padding frame tells
// the reader to wrap to offset zero.
//
// Exactly one producer and one consumer are permitted per buffer. The sealed
// Producer and Consumer endpoints are handed out once; fan-in is achieved by
// giving each producer its own ring, never by locking.
package ring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

const (
	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 2040

	// frameHeaderSize is the fixed per-frame prefix: length u32 + magic u32.
	frameHeaderSize = 8

	// RegionOverhead is the size of the cursor/statistics header that
	// precedes the data area: one cache line each for head, tail, and stats.
	RegionOverhead = 192

	// MinDataSize is the smallest accepted data area. Shared-memory rings
	// use 4 KiB or more; tiny sizes exist so wrap arithmetic stays testable.
	MinDataSize = 64

	magicValid   = 0xCAFEBABE // frame carries a payload
	magicPadding = 0xDEADBEEF // frame tells the reader to wrap to offset 0

	headOffset  = 0
	tailOffset  = 64
	statsOffset = 128
)

var (
	// ErrBadSize indicates the data area is not a power of two or too small.
	ErrBadSize = errors.New("ring: data size must be a power of two >= 64")

	// ErrBadRegion indicates a region whose length does not match
	// RegionOverhead plus a valid data size.
	ErrBadRegion = errors.New("ring: region length does not hold a valid buffer")

	// ErrEndpointTaken indicates a second Producer or Consumer request.
	ErrEndpointTaken = errors.New("ring: endpoint already taken")
)

// Stats is a snapshot of the buffer counters.
type Stats struct {
	Written   uint64 // frames successfully written
	Read      uint64 // frames successfully read
	Dropped   uint64 // writes rejected because the buffer was full
	Corrupted uint64 // frames the reader refused to decode
}

// Buffer is an SPSC frame ring over a byte region.
type Buffer struct {
	mem  []byte
	data []byte
	size uint64
	mask uint64

	head *atomic.Uint64
	tail *atomic.Uint64

	written   *atomic.Uint64
	read      *atomic.Uint64
	dropped   *atomic.Uint64
	corrupted *atomic.Uint64

	producerTaken atomic.Bool
	consumerTaken atomic.Bool

	// backing pins the heap allocation for buffers created by New; nil for
	// buffers overlaid on caller memory.
	backing []uint64
}

// RegionSize returns the total byte length a region must have to hold a
// buffer with the given data area.
func RegionSize(dataSize int) int {
	return RegionOverhead + dataSize
}

// validSize reports whether n is a power of two >= MinDataSize.
func validSize(n int) bool {
	return n >= MinDataSize && n&(n-1) == 0
}

// New allocates a heap-backed buffer with the given power-of-two data size.
func New(dataSize int) (*Buffer, error) {
	if !validSize(dataSize) {
		return nil, ErrBadSize
	}
	// Backing is a []uint64 so the cursor words are always 8-byte aligned.
	total := RegionSize(dataSize)
	backing := make([]uint64, total/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), total)
	b, err := attach(mem)
	if err != nil {
		return nil, err
	}
	b.backing = backing
	return b, nil
}

// Init overlays a buffer on mem and zeroes its cursors and statistics.
// mem must be 8-byte aligned and RegionSize(S) long for a valid S. Use it on
// a freshly created shared region; use Attach to open one that is in use.
func Init(mem []byte) (*Buffer, error) {
	b, err := attach(mem)
	if err != nil {
		return nil, err
	}
	b.head.Store(0)
	b.tail.Store(0)
	b.written.Store(0)
	b.read.Store(0)
	b.dropped.Store(0)
	b.corrupted.Store(0)
	return b, nil
}

// Attach overlays a buffer on mem without touching its state.
func Attach(mem []byte) (*Buffer, error) {
	return attach(mem)
}

func attach(mem []byte) (*Buffer, error) {
	dataSize := len(mem) - RegionOverhead
	if dataSize <= 0 || !validSize(dataSize) {
		return nil, ErrBadRegion
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, ErrBadRegion
	}
	word := func(off int) *atomic.Uint64 {
		return (*atomic.Uint64)(unsafe.Pointer(&mem[off]))
	}
	return &Buffer{
		mem:       mem,
		data:      mem[RegionOverhead:],
		size:      uint64(dataSize),
		mask:      uint64(dataSize) - 1,
		head:      word(headOffset),
		tail:      word(tailOffset),
		written:   word(statsOffset),
		read:      word(statsOffset + 8),
		dropped:   word(statsOffset + 16),
		corrupted: word(statsOffset + 24),
	}, nil
}

// Size returns the data area size in bytes.
func (b *Buffer) Size() int {
	return int(b.size)
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Written:   b.written.Load(),
		Read:      b.read.Load(),
		Dropped:   b.dropped.Load(),
		Corrupted: b.corrupted.Load(),
	}
}

// Empty reports whether the buffer holds no frames.
func (b *Buffer) Empty() bool {
	return b.head.Load() == b.tail.Load()
}

// Used returns the number of bytes currently occupied by frames and padding.
func (b *Buffer) Used() int {
	return int(b.head.Load() - b.tail.Load())
}

// Producer returns the single write endpoint. The second call fails.
func (b *Buffer) Producer() (*Producer, error) {
	if !b.producerTaken.CompareAndSwap(false, true) {
		return nil, ErrEndpointTaken
	}
	return &Producer{b: b}, nil
}

// Consumer returns the single read endpoint. The second call fails.
func (b *Buffer) Consumer() (*Consumer, error) {
	if !b.consumerTaken.CompareAndSwap(false, true) {
		return nil, ErrEndpointTaken
	}
	return &Consumer{b: b}, nil
}

// Producer is the sealed write endpoint of a Buffer.
type Producer struct {
	b *Buffer
}

// Consumer is the sealed read endpoint of a Buffer.
type Consumer struct {
	b *Buffer
}

// align8 rounds n up to the next multiple of 8.
func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// putFrame writes a frame header and payload at the given data offset.
// The cursor release-store that follows publishes these bytes.
func (b *Buffer) putFrame(off uint64, payload []byte) {
	binary.LittleEndian.PutUint32(b.data[off:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(b.data[off+4:], magicValid)
	copy(b.data[off+frameHeaderSize:], payload)
}

// putPadding writes a padding frame covering [off, size).
func (b *Buffer) putPadding(off uint64) {
	binary.LittleEndian.PutUint32(b.data[off:], uint32(b.size-off))
	binary.LittleEndian.PutUint32(b.data[off+4:], magicPadding)
}

// TryWrite appends one frame carrying data. It returns false when data is empty,
// larger than MaxPayload, or the buffer lacks space. A full buffer counts a
// drop; the write never blocks and never overwrites unread frames.
func (p *Producer) TryWrite(data []byte) bool {
	b := p.b
	size := uint64(len(data))
	if size == 0 || size > MaxPayload {
		return false
	}
	needed := align8(frameHeaderSize + size)

	head := b.head.Load()
	tail := b.tail.Load()

	// head catching up to tail is indistinguishable from empty in wrapped
	// offsets, so a completely full buffer is rejected up front.
	if head-tail == b.size {
		b.dropped.Add(1)
		return false
	}

	h := head & b.mask
	t := tail & b.mask

	switch {
	case h >= t:
		// Free space is [h, size) plus [0, t).
		if h+needed <= b.size {
			b.putFrame(h, data)
			b.head.Store(head + needed)
			b.written.Add(1)
			return true
		}
		if needed < t { // strict: preserves the empty sentinel
			b.putPadding(h)
			b.putFrame(0, data)
			b.head.Store(head + (b.size - h) + needed)
			b.written.Add(1)
			return true
		}
	default: // h < t
		// Free space is [h, t).
		if h+needed < t { // strict
			b.putFrame(h, data)
			b.head.Store(head + needed)
			b.written.Add(1)
			return true
		}
	}

	b.dropped.Add(1)
	return false
}

// TryRead copies the next frame payload into out and returns its length.
// It returns (0, false) when the buffer is empty, when out is too small for
// the pending payload, or when the frame fails validation. A corrupt frame
// does not advance the read cursor, so a restarted consumer observes it again.
func (c *Consumer) TryRead(out []byte) (int, bool) {
	b := c.b

	tail := b.tail.Load()
	head := b.head.Load()
	if tail == head {
		return 0, false
	}

	t := tail & b.mask
	length := binary.LittleEndian.Uint32(b.data[t:])
	magic := binary.LittleEndian.Uint32(b.data[t+4:])

	if magic == magicPadding {
		// Skip to offset 0 and free the padding back to the producer.
		tail += b.size - t
		b.tail.Store(tail)
		if tail == head {
			return 0, false
		}
		t = 0
		length = binary.LittleEndian.Uint32(b.data[t:])
		magic = binary.LittleEndian.Uint32(b.data[t+4:])
	}

	if magic != magicValid || length > MaxPayload {
		b.corrupted.Add(1)
		return 0, false
	}
	n := int(length)
	if len(out) < n {
		return 0, false
	}

	copy(out, b.data[t+frameHeaderSize:t+frameHeaderSize+uint64(n)])
	b.tail.Store(tail + align8(frameHeaderSize+uint64(length)))
	b.read.Add(1)
	return n, true
}
