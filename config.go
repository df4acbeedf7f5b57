// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"os"
	"strconv"
	"time"
)

// Default configuration values and clamp bounds.
const (
	DefaultNumThreads    = 4
	MinNumThreads        = 1
	MaxNumThreads        = 16
	DefaultQueueCapacity = 1024
	MinQueueCapacity     = 64
	MaxQueueCapacity     = 1024
	DefaultMaxInbound    = 32
	MinMaxInbound        = 8
	MaxMaxInbound        = 64
	DefaultMaxQueueSize  = 25000

	DefaultShmQueueKiB = 256
	MinShmQueueKiB     = 64
	MaxShmQueueKiB     = 1024

	DefaultHeartbeatInterval = 1000 * time.Millisecond
	DefaultNodeTimeout       = 5000 * time.Millisecond
	DefaultReaperInterval    = 2000 * time.Millisecond

	DefaultLargeBufferSize = 64 << 20 // large-data ring region
	DefaultMaxBlockSize    = 8 << 20  // single large-data payload

	// Reserved loopback port range for auto-binding and probe discovery.
	DefaultPortBase = 47200
	DefaultPortMax  = 47999
)

// OverflowPolicy selects what a full dispatch lane does with a new message.
type OverflowPolicy int

const (
	// DropOldest discards queued messages until the new one fits.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming message.
	DropNewest
	// Block is documented to behave as DropOldest in this version.
	Block
)

// String returns the string representation of the policy
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DROP_OLDEST"
	case DropNewest:
		return "DROP_NEWEST"
	case Block:
		return "BLOCK"
	default:
		return "UNKNOWN"
	}
}

// Config holds node configuration. The zero value is not usable; obtain one
// from ConfigFromEnv and adjust fields before passing it to NewNodeWithConfig.
type Config struct {
	// NumThreads is the dispatch pool size (NUM_THREADS, 1-16).
	NumThreads int
	// QueueCapacity is the per-lane dispatch queue depth (QUEUE_CAPACITY, 64-1024).
	QueueCapacity int
	// MaxInboundQueues bounds how many per-sender shared-memory rings a node
	// will drain concurrently (MAX_INBOUND_QUEUES, 8-64).
	MaxInboundQueues int
	// MaxQueueSize bounds total in-flight messages across all lanes (MAX_QUEUE_SIZE).
	MaxQueueSize int
	// ShmQueueBytes is the byte size of per-sender shared-memory rings,
	// derived from SHM_QUEUE_CAPACITY (KiB, 64-1024) and rounded up to a
	// power of two.
	ShmQueueBytes int

	HeartbeatInterval time.Duration // HEARTBEAT_INTERVAL_MS
	NodeTimeout       time.Duration // NODE_TIMEOUT_MS
	ReaperInterval    time.Duration

	// LargeBufferSize is the region size for large-data rings (BUFFER_SIZE).
	LargeBufferSize int
	// MaxBlockSize is the largest payload SendLargeData accepts (MAX_BLOCK_SIZE).
	MaxBlockSize int

	// PortBase/PortMax bound the reserved loopback range used for auto-binding
	// and the startup discovery probe.
	PortBase int
	PortMax  int

	// UDPPort pins the UDP bind port; 0 selects from the reserved range.
	UDPPort int

	// EnableUDP and EnableSharedMemory toggle the two inter-process transports.
	// In-process delivery is always on.
	EnableUDP          bool
	EnableSharedMemory bool

	// ShmPrefix names the bus instance: the registry region is
	// "<prefix>_registry" and per-node rings hang off "<prefix>_node_...".
	ShmPrefix string

	Overflow OverflowPolicy

	Logger *Logger
}

// ConfigFromEnv builds a Config from the recognized environment variables.
// Invalid or out-of-range values are clamped silently.
func ConfigFromEnv() *Config {
	return &Config{
		NumThreads:         envInt("NUM_THREADS", DefaultNumThreads, MinNumThreads, MaxNumThreads),
		QueueCapacity:      envInt("QUEUE_CAPACITY", DefaultQueueCapacity, MinQueueCapacity, MaxQueueCapacity),
		MaxInboundQueues:   envInt("MAX_INBOUND_QUEUES", DefaultMaxInbound, MinMaxInbound, MaxMaxInbound),
		MaxQueueSize:       envInt("MAX_QUEUE_SIZE", DefaultMaxQueueSize, 1, 1<<30),
		ShmQueueBytes:      nextPowerOfTwo(envInt("SHM_QUEUE_CAPACITY", DefaultShmQueueKiB, MinShmQueueKiB, MaxShmQueueKiB) * 1024),
		HeartbeatInterval:  envDuration("HEARTBEAT_INTERVAL_MS", DefaultHeartbeatInterval),
		NodeTimeout:        envDuration("NODE_TIMEOUT_MS", DefaultNodeTimeout),
		ReaperInterval:     DefaultReaperInterval,
		LargeBufferSize:    envInt("BUFFER_SIZE", DefaultLargeBufferSize, 1<<20, 1<<30),
		MaxBlockSize:       envInt("MAX_BLOCK_SIZE", DefaultMaxBlockSize, 1, 1<<30),
		PortBase:           DefaultPortBase,
		PortMax:            DefaultPortMax,
		EnableUDP:          true,
		EnableSharedMemory: true,
		ShmPrefix:          "/nexus",
		Overflow:           DropOldest,
		Logger:             DefaultLogger,
	}
}

// envInt reads an integer environment variable, clamping it to [min, max].
func envInt(name string, def, min, max int) int {
	v := def
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			v = n
		}
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}

// envDuration reads a millisecond environment variable.
func envDuration(name string, def time.Duration) time.Duration {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

// nextPowerOfTwo rounds n up to a power of two, minimum 4096.
func nextPowerOfTwo(n int) int {
	if n < 4096 {
		return 4096
	}
	x := uint64(n)
	if x&(x-1) == 0 {
		return n
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	return int(x)
}
