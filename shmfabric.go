// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nexusipc/nexus/ring"
	"github.com/nexusipc/nexus/shm"
)

// Shared-memory fabric timing. Rings are drained with a short poll and new
// per-sender rings are discovered by a slower directory rescan.
const (
	shmPollInterval   = time.Millisecond
	shmRescanInterval = 200 * time.Millisecond
	shmDrainBatch     = 256 // frames per ring per poll tick
)

// outboundRing is a per-destination SPSC ring this node produces into.
type outboundRing struct {
	name     string
	region   *shm.Region
	producer *ring.Producer
}

// inboundRing is a per-sender SPSC ring this node drains.
type inboundRing struct {
	name     string
	region   *shm.Region
	consumer *ring.Consumer
}

// shmFabric is the node's shared-memory side: its slot in the host registry,
// the inbound rings senders address to it, and the outbound rings it opens
// toward other nodes.
//
// Every producer gets its own ring: the ring name is the destination's
// inbound prefix plus a hash of the sender id. The destination discovers new
// rings by prefix scan, so no handshake is needed before the first frame.
type shmFabric struct {
	n             *Node
	registry      *shm.Registry
	inboundPrefix string

	mutex    sync.Mutex
	inbound  map[string]*inboundRing  // keyed by region name
	outbound map[string]*outboundRing // keyed by destination node id
}

// newShmFabric opens the host registry, registers the node, and starts the
// poll goroutine on the node's wait group.
func newShmFabric(n *Node) (*shmFabric, error) {
	registryName := n.cfg.ShmPrefix + "_registry"
	registry, err := shm.OpenRegistryAt(registryName)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%s_node_%d_%08x", n.cfg.ShmPrefix, os.Getpid(), fnv1a(n.id, ""))
	if err := registry.Register(n.id, prefix); err != nil {
		registry.Close()
		return nil, err
	}

	f := &shmFabric{
		n:             n,
		registry:      registry,
		inboundPrefix: prefix,
		inbound:       make(map[string]*inboundRing),
		outbound:      make(map[string]*outboundRing),
	}

	n.wg.Add(1)
	go f.pollLoop()
	return f, nil
}

// ringName derives the per-sender ring name under a destination prefix.
func ringName(dstPrefix, senderID string) string {
	return fmt.Sprintf("%s_f%08x", dstPrefix, fnv1a(senderID, ""))
}

// pollLoop drains inbound rings and periodically rescans for new senders.
func (f *shmFabric) pollLoop() {
	defer f.n.wg.Done()

	poll := time.NewTicker(shmPollInterval)
	defer poll.Stop()
	rescan := time.NewTicker(shmRescanInterval)
	defer rescan.Stop()

	f.rescanInbound()
	buf := make([]byte, ring.MaxPayload)

	for {
		select {
		case <-f.n.ctx.Done():
			return
		case <-rescan.C:
			f.rescanInbound()
		case <-poll.C:
			f.drainInbound(buf)
		}
	}
}

// rescanInbound opens any new per-sender rings addressed to this node, up to
// the configured inbound cap.
func (f *shmFabric) rescanInbound() {
	names, err := shm.List(f.inboundPrefix + "_f")
	if err != nil {
		return
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	for _, name := range names {
		if _, open := f.inbound[name]; open {
			continue
		}
		if len(f.inbound) >= f.n.cfg.MaxInboundQueues {
			f.n.log.Warn("node %s: inbound ring cap %d reached, ignoring %s",
				f.n.id, f.n.cfg.MaxInboundQueues, name)
			return
		}
		region, err := shm.OpenRegion(name)
		if err != nil {
			continue
		}
		buffer, err := ring.Attach(region.Bytes())
		if err != nil {
			// The sender may still be sizing the region; retry next rescan.
			region.Close()
			continue
		}
		consumer, err := buffer.Consumer()
		if err != nil {
			region.Close()
			continue
		}
		f.inbound[name] = &inboundRing{name: name, region: region, consumer: consumer}
		f.n.log.Debug("node %s: draining inbound ring %s", f.n.id, name)
	}
}

// drainInbound reads pending frames from every inbound ring and hands the
// packets to the node. Each ring is bounded per tick so one busy sender
// cannot starve the others.
func (f *shmFabric) drainInbound(buf []byte) {
	f.mutex.Lock()
	rings := make([]*inboundRing, 0, len(f.inbound))
	for _, r := range f.inbound {
		rings = append(rings, r)
	}
	f.mutex.Unlock()

	for _, r := range rings {
		for i := 0; i < shmDrainBatch; i++ {
			n, ok := r.consumer.TryRead(buf)
			if !ok {
				break
			}
			var pkt MessagePacket
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				f.n.log.Warn("node %s: bad frame on %s: %v", f.n.id, r.name, err)
				continue
			}
			f.n.handlePacket(&pkt, "", TransportSharedMemory)
		}
	}
}

// ringForPeer returns the outbound ring toward dst, creating the region on
// first use. The sender is the single producer of this ring by construction.
func (f *shmFabric) ringForPeer(dstID, dstPrefix string) *outboundRing {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if out, ok := f.outbound[dstID]; ok {
		return out
	}

	name := ringName(dstPrefix, f.n.id)
	size := ring.RegionSize(f.n.cfg.ShmQueueBytes)

	region, err := shm.CreateRegion(name, size)
	var buffer *ring.Buffer
	if err == nil {
		buffer, err = ring.Init(region.Bytes())
	} else {
		// A previous incarnation of this sender left the region behind.
		region, err = shm.OpenRegion(name)
		if err != nil {
			return nil
		}
		buffer, err = ring.Attach(region.Bytes())
	}
	if err != nil {
		region.Close()
		return nil
	}
	producer, err := buffer.Producer()
	if err != nil {
		region.Close()
		return nil
	}

	out := &outboundRing{name: name, region: region, producer: producer}
	f.outbound[dstID] = out
	return out
}

// send writes one encoded packet into the ring toward dst. It returns false
// when the packet exceeds the frame limit, the ring is full, or the ring
// cannot be opened; the caller falls back to UDP.
func (f *shmFabric) send(dstID, dstPrefix string, packet []byte) bool {
	if len(packet) > ring.MaxPayload || dstPrefix == "" {
		return false
	}
	out := f.ringForPeer(dstID, dstPrefix)
	if out == nil {
		return false
	}
	return out.producer.TryWrite(packet)
}

// sendToPrefix is send for callers that learned the destination prefix from
// a packet rather than from a descriptor.
func (f *shmFabric) sendToPrefix(dstID, dstPrefix string, packet []byte) bool {
	return f.send(dstID, dstPrefix, packet)
}

// broadcast writes packet into the ring of every active registry node except
// ourselves and nodes living in this process.
func (f *shmFabric) broadcast(packet []byte) {
	if packet == nil {
		return
	}
	for _, info := range f.registry.ActiveNodes(f.n.cfg.NodeTimeout) {
		if info.NodeID == f.n.id || globalRegistry.isLocal(info.NodeID) {
			continue
		}
		f.send(info.NodeID, info.ShmName, packet)
	}
}

// announceJoin introduces this node to every registry peer: a NODE_JOIN
// carrying our inbound prefix, then one SERVICE_REGISTER per local service.
func (f *shmFabric) announceJoin() {
	join := MessagePacket{
		Type:    MsgNodeJoin,
		NodeID:  f.n.id,
		UDPPort: f.n.UDPPort(),
		Payload: encodeServicePayload(ServiceNormal, f.inboundPrefix),
	}
	if data, err := join.Marshal(); err == nil {
		f.broadcast(data)
	}

	for group, topics := range f.n.Subscriptions() {
		for _, topic := range topics {
			f.broadcast(f.n.buildServicePacket(MsgServiceRegister, group, topic, f.inboundPrefix))
		}
	}
}

// heartbeat refreshes this node's registry slot.
func (f *shmFabric) heartbeat() {
	f.registry.UpdateHeartbeat(f.n.id)
}

// reap reclaims stale registry slots and tears down the services of every
// node that disappeared.
func (f *shmFabric) reap() {
	before := f.registry.Entries()
	if f.registry.CleanupStale(f.n.cfg.NodeTimeout) == 0 {
		return
	}
	after := make(map[string]bool)
	for _, info := range f.registry.Entries() {
		after[info.NodeID] = true
	}
	for _, info := range before {
		if after[info.NodeID] || info.NodeID == f.n.id {
			continue
		}
		f.n.log.Info("node %s: reaped stale node %s", f.n.id, info.NodeID)
		globalRegistry.services.unregisterNode(info.NodeID)
		f.forgetPeer(info.NodeID)
	}
}

// forgetPeer drops the outbound ring toward a node that left or died.
func (f *shmFabric) forgetPeer(nodeID string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if out, ok := f.outbound[nodeID]; ok {
		out.region.Close()
		shm.Unlink(out.name)
		delete(f.outbound, nodeID)
	}
}

// close unregisters the node and releases every ring. Inbound rings are
// unlinked here because they are addressed to this node and nobody else will.
func (f *shmFabric) close() {
	f.registry.Unregister(f.n.id)

	f.mutex.Lock()
	for _, out := range f.outbound {
		out.region.Close()
		shm.Unlink(out.name)
	}
	f.outbound = map[string]*outboundRing{}
	for _, in := range f.inbound {
		in.region.Close()
		shm.Unlink(in.name)
	}
	f.inbound = map[string]*inboundRing{}
	f.mutex.Unlock()

	f.registry.Close()
}
