// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// Callback receives messages for a subscribed group. One callback serves the
// whole group; re-subscribing replaces it.
type Callback func(group, topic string, payload []byte)

// subscriptionInfo tracks one group subscription.
type subscriptionInfo struct {
	topics   map[string]struct{}
	callback Callback
}

// Node is a process-local participant on the bus. A node joins message
// groups, subscribes to topics, and publishes payloads; the bus picks the
// cheapest transport per destination (in-process call, shared-memory ring,
// or UDP datagram) without the caller knowing which was used.
//
// A node is owned by its creator: the process registry only holds a weak
// reference, and Close releases every transport resource. The finalizer path
// sweeps service descriptors for nodes that are collected without Close.
type Node struct {
	id  string
	cfg *Config
	log *Logger

	running atomic.Bool

	subsMutex sync.RWMutex
	subs      map[string]*subscriptionInfo

	udp   *UDPTransport // nil when UDP is disabled
	peers *peerTable

	fabric *shmFabric // nil when shared memory is disabled or unavailable
	large  *largeDataManager

	pool *dispatchPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// nodeSeq disambiguates ids generated in the same millisecond.
var nodeSeq atomic.Uint64

// generateNodeID derives an id from the wall clock, with a sequence suffix so
// several nodes created in one millisecond stay distinct.
func generateNodeID() string {
	return fmt.Sprintf("node_%012x_%04x", time.Now().UnixMilli(), nodeSeq.Add(1)&0xFFFF)
}

// validNodeID accepts non-empty printable tokens of at most 63 bytes.
func validNodeID(id string) bool {
	if id == "" || len(id) >= NodeIDSize {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= 0x20 || id[i] >= 0x7F {
			return false
		}
	}
	return true
}

// NewNode creates and initializes a node with configuration taken from the
// environment. An empty id is auto-generated.
func NewNode(id string) (*Node, error) {
	return NewNodeWithConfig(id, ConfigFromEnv())
}

// NewNodeWithConfig creates and initializes a node. Initialization binds the
// UDP socket, opens the shared-memory fabric, announces the node, and starts
// the dispatch pool, heartbeat, and reaper.
func NewNodeWithConfig(id string, cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = ConfigFromEnv()
	}
	if id == "" {
		id = generateNodeID()
	}
	if !validNodeID(id) {
		return nil, fmt.Errorf("%w: node id %q", ErrInvalidArg, id)
	}
	log := cfg.Logger
	if log == nil {
		log = DefaultLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:     id,
		cfg:    cfg,
		log:    log,
		subs:   make(map[string]*subscriptionInfo),
		peers:  newPeerTable(),
		ctx:    ctx,
		cancel: cancel,
	}
	n.pool = newDispatchPool(cfg.NumThreads, cfg.QueueCapacity, cfg.MaxQueueSize,
		cfg.Overflow, log, n.invokeCallback)
	n.large = newLargeDataManager(n)

	if err := globalRegistry.registerNode(n); err != nil {
		cancel()
		return nil, err
	}

	n.running.Store(true)
	n.pool.start()

	if cfg.EnableUDP {
		n.udp = NewUDPTransport(cfg.PortBase, cfg.PortMax, log)
		n.udp.SetReceiveCallback(n.onDatagram)
		if err := n.udp.Initialize(cfg.UDPPort); err != nil {
			n.teardown()
			return nil, err
		}
	}

	if cfg.EnableSharedMemory {
		fabric, err := newShmFabric(n)
		if err != nil {
			// Shared memory is an optimization; UDP and in-process delivery
			// stay functional without it.
			log.Warn("node %s: shared memory unavailable: %v", id, err)
		} else {
			n.fabric = fabric
		}
	}

	n.wg.Add(2)
	go n.heartbeatLoop()
	go n.reaperLoop()

	// Zero-configuration discovery: ask every port in the reserved range for
	// existing subscriptions, and introduce ourselves on the shm fabric.
	if n.udp != nil {
		n.queryExistingSubscriptions()
	}
	if n.fabric != nil {
		n.fabric.announceJoin()
	}

	// Nodes collected without Close must not leave zombie descriptors.
	runtime.AddCleanup(n, func(nodeID string) {
		globalRegistry.unregisterNode(nodeID)
	}, id)

	log.Info("node %s: initialized (udp=%v shm=%v)", id, n.udp != nil, n.fabric != nil)
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.id
}

// UDPPort returns the bound UDP port, 0 when UDP is disabled.
func (n *Node) UDPPort() uint16 {
	if n.udp == nil {
		return 0
	}
	return n.udp.Port()
}

// SetOverflowCallback installs a notifier invoked with (group, topic, count)
// whenever the dispatch pool drops messages.
func (n *Node) SetOverflowCallback(cb OverflowCallback) {
	n.pool.setOverflowCallback(cb)
}

// Publish broadcasts payload to every subscriber of (group, topic). Local
// nodes are dispatched in process; each remote node reachable by a matching
// service descriptor receives exactly one copy via the descriptor's
// transport.
func (n *Node) Publish(group, topic string, payload []byte) error {
	if group == "" || topic == "" {
		return ErrInvalidArg
	}
	if len(group) > MaxNameLen || len(topic) > MaxNameLen || len(payload) > MaxPayloadSize {
		return ErrInvalidArg
	}
	if !n.running.Load() {
		return ErrNotInitialized
	}

	// In-process fan-out to every other live local node.
	for _, local := range globalRegistry.liveNodes() {
		if local == n {
			continue
		}
		local.enqueueInbound(n.id, group, topic, payload)
	}

	// Remote fan-out: the descriptor table holds at most one descriptor per
	// (node, group, topic), so transport precedence already de-duplicated.
	descriptors := globalRegistry.services.match(group, topic)
	if len(descriptors) == 0 {
		return nil
	}

	var packet []byte
	for _, d := range descriptors {
		if d.NodeID == n.id || globalRegistry.isLocal(d.NodeID) {
			continue
		}
		if packet == nil {
			p := MessagePacket{
				Type:    MsgData,
				NodeID:  n.id,
				UDPPort: n.UDPPort(),
				Group:   group,
				Topic:   topic,
				Payload: payload,
			}
			var err error
			if packet, err = p.Marshal(); err != nil {
				return err
			}
		}
		n.sendToDescriptor(&d, packet)
	}
	return nil
}

// sendToDescriptor delivers one encoded packet along the descriptor's
// transport, falling back from shared memory to UDP for oversized frames.
func (n *Node) sendToDescriptor(d *ServiceDescriptor, packet []byte) {
	if d.Transport == TransportSharedMemory && n.fabric != nil {
		if n.fabric.send(d.NodeID, d.ShmChannel, packet) {
			return
		}
	}
	if n.udp != nil && d.UDPAddr != "" && d.UDPPort != 0 {
		if err := n.udp.Send(packet, d.UDPAddr, int(d.UDPPort)); err != nil {
			n.log.Warn("node %s: send to %s failed: %v", n.id, d.NodeID, err)
		}
		return
	}
	n.log.Debug("node %s: no usable transport for %s", n.id, d.NodeID)
}

// Subscribe adds topics to the group subscription and installs cb as the
// group's callback, replacing any previous one. Each new (group, topic) is
// registered as a service and announced on the fabric.
func (n *Node) Subscribe(group string, topics []string, cb Callback) error {
	if group == "" || len(group) > MaxNameLen || len(topics) == 0 || cb == nil {
		return ErrInvalidArg
	}
	if !n.running.Load() {
		return ErrNotInitialized
	}

	n.subsMutex.Lock()
	info, ok := n.subs[group]
	if !ok {
		info = &subscriptionInfo{topics: make(map[string]struct{})}
		n.subs[group] = info
	}
	info.callback = cb
	var added []string
	for _, topic := range topics {
		if topic == "" || len(topic) > MaxNameLen {
			continue
		}
		if _, dup := info.topics[topic]; !dup {
			info.topics[topic] = struct{}{}
			added = append(added, topic)
		}
	}
	n.subsMutex.Unlock()

	for _, topic := range added {
		globalRegistry.services.register(ServiceDescriptor{
			NodeID:    n.id,
			Group:     group,
			Topic:     topic,
			Type:      ServiceNormal,
			Transport: TransportInProcess,
		})
		n.announceService(group, topic, true)
	}
	return nil
}

// Unsubscribe removes topics from the group subscription. An empty topic
// list removes the whole group. Removing the last topic drops the group.
func (n *Node) Unsubscribe(group string, topics []string) error {
	if group == "" {
		return ErrInvalidArg
	}
	if !n.running.Load() {
		return ErrNotInitialized
	}

	n.subsMutex.Lock()
	info, ok := n.subs[group]
	if !ok {
		n.subsMutex.Unlock()
		return ErrNotFound
	}
	var removed []string
	if len(topics) == 0 {
		for topic := range info.topics {
			removed = append(removed, topic)
		}
		delete(n.subs, group)
	} else {
		for _, topic := range topics {
			if _, had := info.topics[topic]; had {
				delete(info.topics, topic)
				removed = append(removed, topic)
			}
		}
		if len(info.topics) == 0 {
			delete(n.subs, group)
		}
	}
	n.subsMutex.Unlock()

	for _, topic := range removed {
		globalRegistry.services.unregister(group, n.id, topic)
		n.announceService(group, topic, false)
	}
	return nil
}

// Subscriptions returns a sorted snapshot of (group, topics) pairs.
func (n *Node) Subscriptions() map[string][]string {
	n.subsMutex.RLock()
	defer n.subsMutex.RUnlock()

	out := make(map[string][]string, len(n.subs))
	for group, info := range n.subs {
		topics := make([]string, 0, len(info.topics))
		for topic := range info.topics {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		out[group] = topics
	}
	return out
}

// IsSubscribed reports whether the node subscribes to (group, topic).
func (n *Node) IsSubscribed(group, topic string) bool {
	n.subsMutex.RLock()
	defer n.subsMutex.RUnlock()

	info, ok := n.subs[group]
	if !ok {
		return false
	}
	_, ok = info.topics[topic]
	return ok
}

// DiscoverServices returns a snapshot of the descriptor table, optionally
// filtered by group. A negative typeFilter selects every service type.
func (n *Node) DiscoverServices(group string, typeFilter ServiceType) []ServiceDescriptor {
	return globalRegistry.services.find(group, typeFilter, typeFilter < 0)
}

// RemoteNodes returns the node's UDP view of its peers.
func (n *Node) RemoteNodes() []RemoteNodeInfo {
	return n.peers.snapshot()
}

// DroppedMessages returns how many inbound messages overflow has discarded.
func (n *Node) DroppedMessages() uint64 {
	return n.pool.droppedCount()
}

// enqueueInbound queues one delivery for this node's dispatch pool. The
// subscription filter runs here so unrelated traffic never occupies a lane,
// and again at delivery time in case of a late unsubscribe. Large-data
// notifications are diverted to the channel drain instead of the lanes.
func (n *Node) enqueueInbound(source, group, topic string, payload []byte) {
	if !n.running.Load() || !n.IsSubscribed(group, topic) {
		return
	}
	if isLargeNotification(payload) {
		if note, ok := decodeNotification(payload); ok {
			n.large.handleNotification(source, group, topic, note)
			return
		}
	}
	n.pool.enqueue(inboundMessage{source: source, group: group, topic: topic, payload: payload})
}

// dispatchDirect queues a reassembled large-data block, skipping the
// notification check so payloads that happen to carry the magic stay intact.
func (n *Node) dispatchDirect(source, group, topic string, payload []byte) {
	if !n.running.Load() || !n.IsSubscribed(group, topic) {
		return
	}
	n.pool.enqueue(inboundMessage{source: source, group: group, topic: topic, payload: payload})
}

// invokeCallback runs on a dispatch worker and delivers one message.
func (n *Node) invokeCallback(msg inboundMessage) {
	n.subsMutex.RLock()
	info, ok := n.subs[msg.group]
	var cb Callback
	if ok {
		if _, subscribed := info.topics[msg.topic]; subscribed {
			cb = info.callback
		}
	}
	n.subsMutex.RUnlock()

	if cb != nil {
		cb(msg.group, msg.topic, msg.payload)
	}
}

// announceService pushes a SERVICE_REGISTER or SERVICE_UNREGISTER for
// (group, topic) to the fabric: shared-memory peers first, then known UDP
// peers, then, for a registration only, a loopback range probe when no UDP
// peer is known yet.
func (n *Node) announceService(group, topic string, register bool) {
	typ := MsgServiceRegister
	if !register {
		typ = MsgServiceUnregister
	}

	if n.fabric != nil {
		n.fabric.broadcast(n.buildServicePacket(typ, group, topic, n.fabric.inboundPrefix))
	}
	if n.udp == nil {
		return
	}

	p := MessagePacket{
		Type:    typ,
		NodeID:  n.id,
		UDPPort: n.UDPPort(),
		Group:   group,
		Topic:   topic,
		Payload: encodeServicePayload(ServiceNormal, ""),
	}
	packet, err := p.Marshal()
	if err != nil {
		return
	}

	peers := n.peers.snapshot()
	for _, peer := range peers {
		n.udp.Send(packet, peer.Addr, int(peer.Port))
	}
	if len(peers) == 0 && register {
		n.probeRange(packet)
	}
}

// buildServicePacket encodes a service announcement destined for the
// shared-memory fabric, carrying our inbound ring prefix.
func (n *Node) buildServicePacket(typ MessageType, group, topic, shmPrefix string) []byte {
	p := MessagePacket{
		Type:    typ,
		NodeID:  n.id,
		UDPPort: n.UDPPort(),
		Group:   group,
		Topic:   topic,
		Payload: encodeServicePayload(ServiceNormal, shmPrefix),
	}
	packet, err := p.Marshal()
	if err != nil {
		return nil
	}
	return packet
}

// heartbeatLoop stamps the registry slot and pings UDP peers.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n.fabric != nil {
				n.fabric.heartbeat()
			}
			if n.udp != nil {
				n.sendHeartbeats()
			}
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) sendHeartbeats() {
	p := MessagePacket{
		Type:    MsgHeartbeat,
		NodeID:  n.id,
		UDPPort: n.UDPPort(),
	}
	packet, err := p.Marshal()
	if err != nil {
		return
	}
	for _, peer := range n.peers.snapshot() {
		n.udp.Send(packet, peer.Addr, int(peer.Port))
	}
}

// reaperLoop reclaims stale registry slots and expires silent UDP peers,
// synthesising service teardown for every dead node.
func (n *Node) reaperLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n.fabric != nil {
				n.fabric.reap()
			}
			for _, dead := range n.peers.expire(n.cfg.NodeTimeout) {
				n.log.Info("node %s: peer %s timed out", n.id, dead)
				globalRegistry.services.unregisterNode(dead)
				n.peers.remove(dead)
			}
		case <-n.ctx.Done():
			return
		}
	}
}

// Close unregisters the node, emits NODE_LEAVE, stops every owned goroutine,
// and releases transports. It is safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.running.Store(false)

		lp := MessagePacket{
			Type:    MsgNodeLeave,
			NodeID:  n.id,
			UDPPort: n.UDPPort(),
		}
		leave, err := lp.Marshal()
		if err == nil {
			if n.fabric != nil {
				n.fabric.broadcast(leave)
			}
			if n.udp != nil {
				for _, peer := range n.peers.snapshot() {
					n.udp.Send(leave, peer.Addr, int(peer.Port))
				}
			}
		}

		n.cancel()
		n.wg.Wait()

		if n.udp != nil {
			n.udp.Shutdown()
		}
		n.large.close()
		if n.fabric != nil {
			n.fabric.close()
		}
		n.pool.stop()

		globalRegistry.unregisterNode(n.id)
		n.log.Info("node %s: closed", n.id)
	})
	return nil
}

// teardown rolls back a partially constructed node.
func (n *Node) teardown() {
	n.running.Store(false)
	n.cancel()
	if n.udp != nil {
		n.udp.Shutdown()
	}
	n.pool.stop()
	globalRegistry.unregisterNode(n.id)
}

// Default node singleton, shared by callers that do not manage their own.
var (
	defaultNodeMutex sync.Mutex
	defaultNode      weak.Pointer[Node]
)

// DefaultNode returns the process-wide shared node, creating it on first use
// or after the previous one was closed and collected. The caller shares
// ownership; the package keeps only a weak reference.
func DefaultNode() (*Node, error) {
	defaultNodeMutex.Lock()
	defer defaultNodeMutex.Unlock()

	if node := defaultNode.Value(); node != nil && node.running.Load() {
		return node, nil
	}
	node, err := NewNode(fmt.Sprintf("default_node_%d", os.Getpid()))
	if err != nil {
		return nil, err
	}
	defaultNode = weak.Make(node)
	return node, nil
}
