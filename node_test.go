// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nexusipc/nexus/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// inprocConfig keeps tests hermetic: no sockets, no shared memory.
func inprocConfig() *Config {
	cfg := ConfigFromEnv()
	cfg.EnableUDP = false
	cfg.EnableSharedMemory = false
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ReaperInterval = 100 * time.Millisecond
	cfg.Logger = DevNullLogger
	return cfg
}

func newTestNode(t *testing.T, id string, cfg *Config) *Node {
	t.Helper()
	if cfg == nil {
		cfg = inprocConfig()
	}
	n, err := NewNodeWithConfig(id, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNodeIDValidation(t *testing.T) {
	cfg := inprocConfig()

	n, err := NewNodeWithConfig("", cfg)
	require.NoError(t, err)
	defer n.Close()
	assert.NotEmpty(t, n.ID())

	for _, bad := range []string{"has space", "has\ttab", "x" + string(byte(0x01)), string(make([]byte, 64))} {
		_, err := NewNodeWithConfig(bad, cfg)
		assert.ErrorIs(t, err, ErrInvalidArg, "id %q", bad)
	}
}

func TestDuplicateNodeID(t *testing.T) {
	newTestNode(t, "dup_id_node", nil)
	_, err := NewNodeWithConfig("dup_id_node", inprocConfig())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestPublishValidation(t *testing.T) {
	n := newTestNode(t, "pub_validation", nil)

	assert.ErrorIs(t, n.Publish("", "t", []byte("x")), ErrInvalidArg)
	assert.ErrorIs(t, n.Publish("g", "", []byte("x")), ErrInvalidArg)
	assert.NoError(t, n.Publish("g", "t", nil)) // empty payload is legal

	n.Close()
	assert.ErrorIs(t, n.Publish("g", "t", []byte("x")), ErrNotInitialized)
}

func TestSubscribeValidation(t *testing.T) {
	n := newTestNode(t, "sub_validation", nil)
	cb := func(string, string, []byte) {}

	assert.ErrorIs(t, n.Subscribe("", []string{"t"}, cb), ErrInvalidArg)
	assert.ErrorIs(t, n.Subscribe("g", nil, cb), ErrInvalidArg)
	assert.ErrorIs(t, n.Subscribe("g", []string{"t"}, nil), ErrInvalidArg)
	assert.ErrorIs(t, n.Unsubscribe("", nil), ErrInvalidArg)
	assert.ErrorIs(t, n.Unsubscribe("never-subscribed", nil), ErrNotFound)
}

// TestTwoNodeDelivery is the basic end-to-end scenario: B subscribes to
// ("sensor", "temperature"), A publishes "T=21C", and B's callback fires
// exactly once with that payload.
func TestTwoNodeDelivery(t *testing.T) {
	a := newTestNode(t, "node_a", nil)
	b := newTestNode(t, "node_b", nil)

	var c testutil.Collector
	require.NoError(t, b.Subscribe("sensor", []string{"temperature"}, func(group, topic string, payload []byte) {
		c.Record(payload)
	}))

	require.NoError(t, a.Publish("sensor", "temperature", []byte("T=21C")))

	testutil.WaitFor(t, time.Second, func() bool { return c.Count() == 1 }, "delivery")
	assert.Equal(t, []string{"T=21C"}, c.Payloads())

	// No further deliveries sneak in.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.Count())
}

func TestNoSelfReception(t *testing.T) {
	a := newTestNode(t, "node_self", nil)

	var c testutil.Collector
	require.NoError(t, a.Subscribe("g", []string{"t"}, func(_, _ string, payload []byte) {
		c.Record(payload)
	}))
	require.NoError(t, a.Publish("g", "t", []byte("loop")))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.Count(), "a node must not hear its own publishes")
}

// TestThreeNodeCrossTraffic has three nodes each publishing on their own
// topic while subscribing to another's: full cross delivery with no echo.
func TestThreeNodeCrossTraffic(t *testing.T) {
	a := newTestNode(t, "cross_a", nil)
	b := newTestNode(t, "cross_b", nil)
	c := newTestNode(t, "cross_c", nil)

	var recvA, recvB, recvC testutil.Collector
	require.NoError(t, a.Subscribe("bus", []string{"pressure"}, func(_, _ string, p []byte) { recvA.Record(p) }))
	require.NoError(t, b.Subscribe("bus", []string{"temperature"}, func(_, _ string, p []byte) { recvB.Record(p) }))
	require.NoError(t, c.Subscribe("bus", []string{"humidity"}, func(_, _ string, p []byte) { recvC.Record(p) }))

	const count = 50
	for i := 0; i < count; i++ {
		require.NoError(t, a.Publish("bus", "temperature", fmt.Appendf(nil, "TEMP-A-%d", i)))
		require.NoError(t, b.Publish("bus", "humidity", fmt.Appendf(nil, "HUM-B-%d", i)))
		require.NoError(t, c.Publish("bus", "pressure", fmt.Appendf(nil, "PRES-C-%d", i)))
	}

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return recvA.Count() == count && recvB.Count() == count && recvC.Count() == count
	}, "cross delivery")

	for _, p := range recvA.Payloads() {
		assert.NotContains(t, p, "TEMP-A-", "node A must not receive its own traffic")
	}
	assert.Len(t, recvA.Distinct(), count)
	assert.Len(t, recvB.Distinct(), count)
	assert.Len(t, recvC.Distinct(), count)
}

// TestSoakDelivery sends 200 sequenced messages on one topic and expects the
// receiver to record all 200 distinct ids, in order.
func TestSoakDelivery(t *testing.T) {
	sender := newTestNode(t, "soak_sender", nil)
	receiver := newTestNode(t, "soak_receiver", nil)

	var c testutil.Collector
	require.NoError(t, receiver.Subscribe("test", []string{"data"}, func(_, _ string, p []byte) {
		c.Record(p)
	}))

	const count = 200
	for i := 1; i <= count; i++ {
		require.NoError(t, sender.Publish("test", "data", fmt.Appendf(nil, "MSG-%d", i)))
		time.Sleep(2 * time.Millisecond)
	}

	testutil.WaitFor(t, 10*time.Second, func() bool { return c.Count() == count }, "soak delivery")

	payloads := c.Payloads()
	assert.Len(t, c.Distinct(), count)
	for i, p := range payloads {
		assert.Equal(t, fmt.Sprintf("MSG-%d", i+1), p, "ordering preserved per topic")
	}
}

func TestSubscribeUnionAndReplace(t *testing.T) {
	n := newTestNode(t, "union_node", nil)

	cb1Called := false
	cb1 := func(string, string, []byte) { cb1Called = true }
	require.NoError(t, n.Subscribe("g", []string{"a", "b"}, cb1))
	cb2Called := false
	require.NoError(t, n.Subscribe("g", []string{"b", "c"}, func(string, string, []byte) { cb2Called = true }))

	assert.Equal(t, []string{"a", "b", "c"}, n.Subscriptions()["g"])
	assert.True(t, n.IsSubscribed("g", "a"))
	assert.True(t, n.IsSubscribed("g", "c"))
	assert.False(t, n.IsSubscribed("g", "z"))

	// The second Subscribe replaced the group callback for every topic,
	// including "a" from the first call.
	n.invokeCallback(inboundMessage{group: "g", topic: "a"})
	assert.False(t, cb1Called)
	assert.True(t, cb2Called)
}

func TestUnsubscribeSemantics(t *testing.T) {
	n := newTestNode(t, "unsub_node", nil)
	cb := func(string, string, []byte) {}

	require.NoError(t, n.Subscribe("g", []string{"a", "b", "c"}, cb))

	// Removing one topic keeps the group.
	require.NoError(t, n.Unsubscribe("g", []string{"a"}))
	assert.Equal(t, []string{"b", "c"}, n.Subscriptions()["g"])

	// Removing the last topics drops the group entry.
	require.NoError(t, n.Unsubscribe("g", []string{"b", "c"}))
	_, ok := n.Subscriptions()["g"]
	assert.False(t, ok)

	// Empty topic list removes the whole group.
	require.NoError(t, n.Subscribe("g2", []string{"x", "y"}, cb))
	require.NoError(t, n.Unsubscribe("g2", nil))
	assert.Empty(t, n.Subscriptions())
}

// TestSubscribeUnsubscribeRoundTrip: the pair leaves the subscription
// snapshot exactly as it was.
func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	n := newTestNode(t, "roundtrip_node", nil)
	cb := func(string, string, []byte) {}

	require.NoError(t, n.Subscribe("keep", []string{"k"}, cb))
	before := n.Subscriptions()

	require.NoError(t, n.Subscribe("g", []string{"t1", "t2"}, cb))
	require.NoError(t, n.Unsubscribe("g", []string{"t1", "t2"}))

	assert.Equal(t, before, n.Subscriptions())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	a := newTestNode(t, "stop_a", nil)
	b := newTestNode(t, "stop_b", nil)

	var c testutil.Collector
	require.NoError(t, b.Subscribe("g", []string{"t"}, func(_, _ string, p []byte) { c.Record(p) }))
	require.NoError(t, a.Publish("g", "t", []byte("one")))
	testutil.WaitFor(t, time.Second, func() bool { return c.Count() == 1 }, "first delivery")

	require.NoError(t, b.Unsubscribe("g", []string{"t"}))
	require.NoError(t, a.Publish("g", "t", []byte("two")))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.Count(), "no delivery after unsubscribe")
}

func TestCloseSweepsServices(t *testing.T) {
	n := newTestNode(t, "sweep_node", nil)
	require.NoError(t, n.Subscribe("g", []string{"a", "b"}, func(string, string, []byte) {}))

	assert.Len(t, n.DiscoverServices("g", -1), 2)

	n.Close()
	other := newTestNode(t, "sweep_observer", nil)
	assert.Empty(t, other.DiscoverServices("g", -1),
		"closing a node must remove every descriptor bearing its id")
}

func TestLiveNodesAndCloseUnregister(t *testing.T) {
	n := newTestNode(t, "compact_node", nil)

	found := false
	for _, ln := range globalRegistry.liveNodes() {
		if ln == n {
			found = true
		}
	}
	assert.True(t, found)

	n.Close()
	assert.Nil(t, globalRegistry.findNode("compact_node"))
}

func TestDiscoverServicesFilter(t *testing.T) {
	n := newTestNode(t, "filter_node", nil)
	require.NoError(t, n.Subscribe("g", []string{"t"}, func(string, string, []byte) {}))

	assert.Len(t, n.DiscoverServices("g", ServiceNormal), 1)
	assert.Empty(t, n.DiscoverServices("g", ServiceLargeData))
	assert.NotEmpty(t, n.DiscoverServices("", -1))
}

// TestRemoteServiceRegistration drives the packet handlers directly: a
// SERVICE_REGISTER from a fake remote adds a UDP descriptor, NODE_LEAVE
// removes everything.
func TestRemoteServiceRegistration(t *testing.T) {
	n := newTestNode(t, "handler_node", nil)

	pkt := &MessagePacket{
		Type:    MsgServiceRegister,
		NodeID:  "fake_remote",
		UDPPort: 48000,
		Group:   "rg",
		Topic:   "rt",
		Payload: encodeServicePayload(ServiceNormal, ""),
	}
	n.handlePacket(pkt, "127.0.0.1", TransportUDP)

	svcs := n.DiscoverServices("rg", -1)
	require.Len(t, svcs, 1)
	assert.Equal(t, TransportUDP, svcs[0].Transport)
	assert.Equal(t, "127.0.0.1", svcs[0].UDPAddr)
	assert.Equal(t, uint16(48000), svcs[0].UDPPort)

	// Peer state machine: any packet makes the peer SEEN, a heartbeat ALIVE.
	peers := n.RemoteNodes()
	require.Len(t, peers, 1)
	assert.Equal(t, PeerSeen, peers[0].State)

	n.handlePacket(&MessagePacket{Type: MsgHeartbeat, NodeID: "fake_remote", UDPPort: 48000},
		"127.0.0.1", TransportUDP)
	peers = n.RemoteNodes()
	require.Len(t, peers, 1)
	assert.Equal(t, PeerAlive, peers[0].State)

	n.handlePacket(&MessagePacket{Type: MsgNodeLeave, NodeID: "fake_remote"}, "127.0.0.1", TransportUDP)
	assert.Empty(t, n.DiscoverServices("rg", -1))
	assert.Empty(t, n.RemoteNodes())
}

func TestSelfPacketsDropped(t *testing.T) {
	n := newTestNode(t, "self_pkt_node", nil)

	n.handlePacket(&MessagePacket{
		Type:    MsgServiceRegister,
		NodeID:  "self_pkt_node",
		UDPPort: 48000,
		Group:   "g",
		Topic:   "t",
	}, "127.0.0.1", TransportUDP)

	assert.Empty(t, n.RemoteNodes())
	assert.Empty(t, n.DiscoverServices("g", -1))
}

// TestReaperExpiresPeers installs a remote peer, lets its heartbeat age out,
// and checks that the reaper synthesizes the service teardown.
func TestReaperExpiresPeers(t *testing.T) {
	cfg := inprocConfig()
	cfg.NodeTimeout = 150 * time.Millisecond
	cfg.ReaperInterval = 50 * time.Millisecond
	n := newTestNode(t, "reaper_node", cfg)

	n.handlePacket(&MessagePacket{
		Type:    MsgServiceRegister,
		NodeID:  "dying_remote",
		UDPPort: 48001,
		Group:   "g",
		Topic:   "t",
		Payload: encodeServicePayload(ServiceNormal, ""),
	}, "127.0.0.1", TransportUDP)
	require.Len(t, n.DiscoverServices("g", -1), 1)

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return len(n.DiscoverServices("g", -1)) == 0 && len(n.RemoteNodes()) == 0
	}, "reaper purged the dead peer and its services")
}

// TestUDPRemoteDelivery registers a descriptor pointing at a raw loopback
// socket and checks that Publish emits exactly one valid DATA packet to it.
func TestUDPRemoteDelivery(t *testing.T) {
	cfg := inprocConfig()
	cfg.EnableUDP = true
	n := newTestNode(t, "udp_pub_node", cfg)

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()
	sinkPort := uint16(sink.LocalAddr().(*net.UDPAddr).Port)

	var mu sync.Mutex
	var packets [][]byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 65536)
		deadline := time.Now().Add(2 * time.Second)
		var firstAt time.Time
		for time.Now().Before(deadline) {
			// Once a packet arrives, linger briefly to catch any duplicates.
			if !firstAt.IsZero() && time.Since(firstAt) > 150*time.Millisecond {
				return
			}
			sink.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			nr, _, err := sink.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			// The node also heartbeats the sink once it is a known peer;
			// only DATA packets count as deliveries.
			var probe MessagePacket
			if probe.Unmarshal(buf[:nr]) == nil && probe.Type != MsgData {
				continue
			}
			mu.Lock()
			packets = append(packets, append([]byte(nil), buf[:nr]...))
			if firstAt.IsZero() {
				firstAt = time.Now()
			}
			mu.Unlock()
		}
	}()

	n.handlePacket(&MessagePacket{
		Type:    MsgSubscriptionReply,
		NodeID:  "udp_remote",
		UDPPort: sinkPort,
		Group:   "g",
		Topic:   "t",
		Payload: encodeServicePayload(ServiceNormal, ""),
	}, "127.0.0.1", TransportUDP)

	require.NoError(t, n.Publish("g", "t", []byte("over-the-wire")))

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, packets, 1, "exactly one copy per remote recipient")

	var pkt MessagePacket
	require.NoError(t, pkt.Unmarshal(packets[0]))
	assert.Equal(t, MsgData, pkt.Type)
	assert.Equal(t, "udp_pub_node", pkt.NodeID)
	assert.Equal(t, "g", pkt.Group)
	assert.Equal(t, "t", pkt.Topic)
	assert.Equal(t, "over-the-wire", string(pkt.Payload))
}

func TestOverflowCallbackFires(t *testing.T) {
	cfg := inprocConfig()
	cfg.Overflow = DropNewest
	cfg.QueueCapacity = 64
	a := newTestNode(t, "ovf_a", cfg)
	b := newTestNode(t, "ovf_b", cfg)

	gate := make(chan struct{})
	require.NoError(t, b.Subscribe("g", []string{"t"}, func(string, string, []byte) {
		<-gate
	}))

	var mu sync.Mutex
	dropped := 0
	b.SetOverflowCallback(func(group, topic string, n int) {
		mu.Lock()
		dropped += n
		mu.Unlock()
	})

	for i := 0; i < 500; i++ {
		require.NoError(t, a.Publish("g", "t", []byte{byte(i)}))
	}
	close(gate)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, dropped, 0, "overflow callback observed drops")
	assert.Greater(t, b.DroppedMessages(), uint64(0))
}

func TestDefaultNodeSingleton(t *testing.T) {
	// DefaultNode builds its node from the environment configuration, so it
	// binds real UDP and shared-memory transports; skip when that fails.
	n1, err := DefaultNode()
	if err != nil {
		t.Skipf("default node unavailable in this environment: %v", err)
	}
	defer n1.Close()

	n2, err := DefaultNode()
	require.NoError(t, err)
	assert.Same(t, n1, n2)
}
