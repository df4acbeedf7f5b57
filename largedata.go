// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/nexusipc/nexus/ring"
	"github.com/nexusipc/nexus/shm"
)

// Large-data payloads travel outside the datagram path: the sender streams
// the block through a named SPSC ring and publishes a small notification on
// the normal bus; subscribers open the ring by name and drain it.
const (
	// largeMagic prefixes a LargeDataNotification payload ("NXLD" on the wire).
	largeMagic = 0x444C584E

	// blockMagic marks the in-ring frame that precedes a block's chunks.
	blockMagic = 0x4842584E // "NXBH"

	blockHeaderSize  = 16
	notificationSize = 1 + 4 + 1 + 8 + blake2b.Size256 // min, with a one-byte channel name

	// drainPollInterval paces the reader while it waits for the producer.
	drainPollInterval = 200 * time.Microsecond
)

// LargeDataNotification announces a block waiting in a named channel ring.
// It is the payload of the DATA message published on (group, topic).
type LargeDataNotification struct {
	Channel string
	Size    uint64
	Digest  [blake2b.Size256]byte // integrity check over the block bytes
}

// encode serializes the notification.
func (ln *LargeDataNotification) encode() []byte {
	buf := make([]byte, 4+1+len(ln.Channel)+8+blake2b.Size256)
	binary.LittleEndian.PutUint32(buf, largeMagic)
	buf[4] = byte(len(ln.Channel))
	off := 5 + copy(buf[5:], ln.Channel)
	binary.LittleEndian.PutUint64(buf[off:], ln.Size)
	copy(buf[off+8:], ln.Digest[:])
	return buf
}

// decodeNotification parses a payload; ok is false when it is not one.
func decodeNotification(payload []byte) (LargeDataNotification, bool) {
	var ln LargeDataNotification
	if len(payload) < notificationSize {
		return ln, false
	}
	if binary.LittleEndian.Uint32(payload) != largeMagic {
		return ln, false
	}
	chLen := int(payload[4])
	if len(payload) < 5+chLen+8+blake2b.Size256 {
		return ln, false
	}
	ln.Channel = string(payload[5 : 5+chLen])
	off := 5 + chLen
	ln.Size = binary.LittleEndian.Uint64(payload[off:])
	copy(ln.Digest[:], payload[off+8:])
	return ln, true
}

// isLargeNotification cheaply tests a DATA payload for the magic prefix.
func isLargeNotification(payload []byte) bool {
	return len(payload) >= notificationSize &&
		binary.LittleEndian.Uint32(payload) == largeMagic
}

// largeChannel is the writer side of one named channel.
type largeChannel struct {
	name     string
	region   *shm.Region
	producer *ring.Producer
	dataSize int
}

// largeDrain is the reader side: one goroutine per channel keeps the ring's
// single-consumer discipline while any number of notifications queue up.
type largeDrain struct {
	name     string
	pending  chan drainJob
	consumer *ring.Consumer
	region   *shm.Region
}

type drainJob struct {
	source string
	group  string
	topic  string
	note   LargeDataNotification
}

// largeDataManager owns a node's channel writers and drains.
type largeDataManager struct {
	n *Node

	mutex    sync.Mutex
	channels map[string]*largeChannel
	drains   map[string]*largeDrain
	closed   bool
}

func newLargeDataManager(n *Node) *largeDataManager {
	return &largeDataManager{
		n:        n,
		channels: make(map[string]*largeChannel),
		drains:   make(map[string]*largeDrain),
	}
}

// SendLargeData streams data through the named channel ring, creating the
// ring on first use, then publishes a LargeDataNotification on (group,
// topic) through the normal publish path.
//
// A payload larger than MaxBlockSize, or than the channel ring can hold, is
// rejected with ErrInvalidArg; a channel that exists but cannot be mapped
// returns ErrNotFound.
func (n *Node) SendLargeData(group, channel, topic string, data []byte) error {
	if group == "" || topic == "" || len(data) == 0 {
		return ErrInvalidArg
	}
	if len(channel) < 2 || channel[0] != '/' || len(channel) >= shm.StringSize {
		return ErrInvalidArg
	}
	if !n.running.Load() {
		return ErrNotInitialized
	}
	if len(data) > n.cfg.MaxBlockSize {
		return fmt.Errorf("%w: block %d exceeds max block size %d",
			ErrInvalidArg, len(data), n.cfg.MaxBlockSize)
	}
	return n.large.send(group, channel, topic, data)
}

func (m *largeDataManager) send(group, channel, topic string, data []byte) error {
	ch, err := m.channel(channel)
	if err != nil {
		return err
	}
	if framedSize(len(data)) >= ch.dataSize {
		return fmt.Errorf("%w: block %d does not fit channel %s",
			ErrInvalidArg, len(data), channel)
	}

	digest := blake2b.Sum256(data)

	if err := m.writeBlock(ch, data); err != nil {
		return err
	}

	// Announce the channel as a large-data service, then notify subscribers.
	globalRegistry.services.register(ServiceDescriptor{
		NodeID:     m.n.id,
		Group:      group,
		Topic:      topic,
		Type:       ServiceLargeData,
		Transport:  TransportSharedMemory,
		ShmChannel: channel,
	})

	note := LargeDataNotification{Channel: channel, Size: uint64(len(data)), Digest: digest}
	return m.n.Publish(group, topic, note.encode())
}

// framedSize returns the ring bytes a block occupies including the header
// frame and per-chunk framing. Wrap padding is not counted.
func framedSize(n int) int {
	chunks := (n + ring.MaxPayload - 1) / ring.MaxPayload
	return chunks*16 + (8 + blockHeaderSize) + n // chunk headers + alignment upper bound, plus the header frame
}

// channel returns the writer for name, mapping or creating the ring region.
func (m *largeDataManager) channel(name string) (*largeChannel, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, ErrNotInitialized
	}
	if ch, ok := m.channels[name]; ok {
		return ch, nil
	}

	size := ring.RegionSize(nextPowerOfTwo(m.n.cfg.LargeBufferSize))
	region, err := shm.CreateRegion(name, size)
	var buffer *ring.Buffer
	if err == nil {
		buffer, err = ring.Init(region.Bytes())
	} else {
		region, err = shm.OpenRegion(name)
		if err != nil {
			return nil, ErrNotFound
		}
		buffer, err = ring.Attach(region.Bytes())
	}
	if err != nil {
		region.Close()
		return nil, ErrNotFound
	}
	producer, err := buffer.Producer()
	if err != nil {
		region.Close()
		return nil, ErrNotFound
	}

	ch := &largeChannel{
		name:     name,
		region:   region,
		producer: producer,
		dataSize: buffer.Size(),
	}
	m.channels[name] = ch
	return ch, nil
}

// writeBlock frames the block into the channel ring: a header frame carrying
// the byte count, then the chunks. Full-ring conditions are retried until the
// node timeout elapses.
func (m *largeDataManager) writeBlock(ch *largeChannel, data []byte) error {
	header := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(header, blockMagic)
	binary.LittleEndian.PutUint64(header[8:], uint64(len(data)))

	deadline := time.Now().Add(m.n.cfg.NodeTimeout)
	write := func(frame []byte) error {
		for !ch.producer.TryWrite(frame) {
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: channel %s full", ErrTimeout, ch.name)
			}
			time.Sleep(drainPollInterval)
		}
		return nil
	}

	if err := write(header); err != nil {
		return err
	}
	for off := 0; off < len(data); off += ring.MaxPayload {
		end := off + ring.MaxPayload
		if end > len(data) {
			end = len(data)
		}
		if err := write(data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// handleNotification queues a drain job for the announced channel. Called
// from the dispatch path of the receiving node.
func (m *largeDataManager) handleNotification(source, group, topic string, note LargeDataNotification) {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	d, ok := m.drains[note.Channel]
	if !ok {
		d = &largeDrain{name: note.Channel, pending: make(chan drainJob, 16)}
		m.drains[note.Channel] = d
		m.n.wg.Add(1)
		go m.drainLoop(d)
	}
	m.mutex.Unlock()

	select {
	case d.pending <- drainJob{source: source, group: group, topic: topic, note: note}:
	default:
		m.n.log.Warn("node %s: drain backlog full on %s", m.n.id, note.Channel)
	}
}

// drainLoop services one channel: opens the ring lazily, reassembles each
// announced block, verifies its digest, and dispatches the payload.
func (m *largeDataManager) drainLoop(d *largeDrain) {
	defer m.n.wg.Done()

	for {
		select {
		case <-m.n.ctx.Done():
			return
		case job := <-d.pending:
			data, err := m.readBlock(d, job.note)
			if err != nil {
				m.n.log.Error("node %s: large-data drain on %s: %v", m.n.id, d.name, err)
				continue
			}
			m.n.dispatchDirect(job.source, job.group, job.topic, data)
		}
	}
}

// openDrain maps the channel ring for reading.
func (m *largeDataManager) openDrain(d *largeDrain) error {
	if d.consumer != nil {
		return nil
	}
	region, err := shm.OpenRegion(d.name)
	if err != nil {
		return err
	}
	buffer, err := ring.Attach(region.Bytes())
	if err != nil {
		region.Close()
		return err
	}
	consumer, err := buffer.Consumer()
	if err != nil {
		region.Close()
		return err
	}
	d.region = region
	d.consumer = consumer
	return nil
}

// readBlock reassembles one announced block: skip to the next header frame,
// then concatenate chunks until the declared size is reached.
func (m *largeDataManager) readBlock(d *largeDrain, note LargeDataNotification) ([]byte, error) {
	if err := m.openDrain(d); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(m.n.cfg.NodeTimeout)
	frame := make([]byte, ring.MaxPayload)
	read := func() (int, error) {
		for {
			if n, ok := d.consumer.TryRead(frame); ok {
				return n, nil
			}
			if time.Now().After(deadline) {
				return 0, fmt.Errorf("%w: channel %s", ErrTimeout, d.name)
			}
			select {
			case <-m.n.ctx.Done():
				return 0, ErrNotInitialized
			default:
				time.Sleep(drainPollInterval)
			}
		}
	}

	// Resynchronize on the block header; stray frames from an aborted write
	// are discarded.
	var size uint64
	for {
		n, err := read()
		if err != nil {
			return nil, err
		}
		if n == blockHeaderSize && binary.LittleEndian.Uint32(frame) == blockMagic {
			size = binary.LittleEndian.Uint64(frame[8:])
			break
		}
	}
	if size != note.Size {
		m.n.log.Warn("node %s: channel %s header size %d != announced %d",
			m.n.id, d.name, size, note.Size)
	}

	data := make([]byte, 0, size)
	for uint64(len(data)) < size {
		n, err := read()
		if err != nil {
			return nil, err
		}
		data = append(data, frame[:n]...)
	}

	digest := blake2b.Sum256(data)
	if !bytes.Equal(digest[:], note.Digest[:]) {
		return nil, fmt.Errorf("%w: digest mismatch on %s", ErrUnexpected, d.name)
	}
	return data, nil
}

// close releases every channel mapping. Writer-created regions are unlinked;
// drained regions belong to their writers and are only unmapped.
func (m *largeDataManager) close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.channels {
		ch.region.Close()
		shm.Unlink(ch.name)
	}
	m.channels = map[string]*largeChannel{}
	for _, d := range m.drains {
		if d.region != nil {
			d.region.Close()
		}
	}
	m.drains = map[string]*largeDrain{}
}
