// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"net"

	"golang.org/x/sync/errgroup"
)

// probeParallelism bounds the concurrent sends of a port-range probe.
const probeParallelism = 64

// encodeServicePayload packs the service type and optional shared-memory
// channel name carried by SERVICE_REGISTER announcements.
func encodeServicePayload(typ ServiceType, channel string) []byte {
	out := make([]byte, 1+len(channel))
	out[0] = byte(typ)
	copy(out[1:], channel)
	return out
}

// decodeServicePayload is the inverse of encodeServicePayload.
func decodeServicePayload(payload []byte) (ServiceType, string) {
	if len(payload) == 0 {
		return ServiceNormal, ""
	}
	return ServiceType(payload[0]), string(payload[1:])
}

// onDatagram is the UDP receive callback: decode, validate, handle.
func (n *Node) onDatagram(data []byte, from *net.UDPAddr) {
	var pkt MessagePacket
	if err := pkt.Unmarshal(data); err != nil {
		n.log.Debug("node %s: dropping datagram from %s: %v", n.id, from, err)
		return
	}
	n.handlePacket(&pkt, from.IP.String(), TransportUDP)
}

// handlePacket routes one validated packet from either transport. Self-sent
// packets are dropped first; a packet that arrived over UDP refreshes the
// sender's peer-table entry before being dispatched by type.
func (n *Node) handlePacket(pkt *MessagePacket, fromAddr string, via Transport) {
	if pkt.NodeID == "" || pkt.NodeID == n.id {
		return
	}
	if !n.running.Load() {
		return
	}

	if via == TransportUDP && fromAddr != "" {
		n.peers.observe(pkt.NodeID, fromAddr, pkt.UDPPort)
	}

	switch pkt.Type {
	case MsgData:
		n.enqueueInbound(pkt.NodeID, pkt.Group, pkt.Topic, pkt.Payload)

	case MsgSubscribe, MsgServiceRegister:
		n.handleServiceRegister(pkt, fromAddr, via)

	case MsgUnsubscribe, MsgServiceUnregister:
		globalRegistry.services.unregister(pkt.Group, pkt.NodeID, pkt.Topic)

	case MsgQuerySubscriptions:
		n.handleQuerySubscriptions(pkt, fromAddr)

	case MsgSubscriptionReply:
		n.peers.markAlive(pkt.NodeID)
		n.handleServiceRegister(pkt, fromAddr, via)

	case MsgNodeJoin:
		n.peers.markAlive(pkt.NodeID)
		n.handleNodeJoin(pkt, fromAddr, via)

	case MsgNodeLeave:
		globalRegistry.services.unregisterNode(pkt.NodeID)
		n.peers.remove(pkt.NodeID)
		if n.fabric != nil {
			n.fabric.forgetPeer(pkt.NodeID)
		}

	case MsgHeartbeat:
		n.peers.markAlive(pkt.NodeID)

	default:
		n.log.Debug("node %s: unknown packet type %d from %s", n.id, pkt.Type, pkt.NodeID)
	}
}

// handleServiceRegister records a remote service reachable over the
// transport the announcement arrived on. The precedence rule in the table
// keeps shared memory ahead of UDP when both are announced.
func (n *Node) handleServiceRegister(pkt *MessagePacket, fromAddr string, via Transport) {
	if pkt.Group == "" || pkt.Topic == "" {
		return
	}
	typ, channel := decodeServicePayload(pkt.Payload)

	d := ServiceDescriptor{
		NodeID:    pkt.NodeID,
		Group:     pkt.Group,
		Topic:     pkt.Topic,
		Type:      typ,
		Transport: via,
	}
	switch via {
	case TransportSharedMemory:
		if channel == "" {
			return
		}
		d.ShmChannel = channel
	case TransportUDP:
		if fromAddr == "" || pkt.UDPPort == 0 {
			return
		}
		d.UDPAddr = fromAddr
		d.UDPPort = pkt.UDPPort
	default:
		return
	}
	globalRegistry.services.register(d)
}

// handleQuerySubscriptions answers a newcomer's probe with one
// SUBSCRIPTION_REPLY per locally subscribed (group, topic).
func (n *Node) handleQuerySubscriptions(pkt *MessagePacket, fromAddr string) {
	if n.udp == nil || fromAddr == "" || pkt.UDPPort == 0 {
		return
	}
	for group, topics := range n.Subscriptions() {
		for _, topic := range topics {
			reply := MessagePacket{
				Type:    MsgSubscriptionReply,
				NodeID:  n.id,
				UDPPort: n.UDPPort(),
				Group:   group,
				Topic:   topic,
				Payload: encodeServicePayload(ServiceNormal, ""),
			}
			data, err := reply.Marshal()
			if err != nil {
				continue
			}
			n.udp.Send(data, fromAddr, int(pkt.UDPPort))
		}
	}
}

// handleNodeJoin introduces our services to a node that just joined the
// fabric, over the transport it announced on.
func (n *Node) handleNodeJoin(pkt *MessagePacket, fromAddr string, via Transport) {
	_, channel := decodeServicePayload(pkt.Payload)

	for group, topics := range n.Subscriptions() {
		for _, topic := range topics {
			switch via {
			case TransportSharedMemory:
				if n.fabric == nil || channel == "" {
					continue
				}
				data := n.buildServicePacket(MsgServiceRegister, group, topic, n.fabric.inboundPrefix)
				if data != nil {
					n.fabric.sendToPrefix(pkt.NodeID, channel, data)
				}
			case TransportUDP:
				if n.udp == nil || fromAddr == "" || pkt.UDPPort == 0 {
					continue
				}
				reply := MessagePacket{
					Type:    MsgServiceRegister,
					NodeID:  n.id,
					UDPPort: n.UDPPort(),
					Group:   group,
					Topic:   topic,
					Payload: encodeServicePayload(ServiceNormal, ""),
				}
				if data, err := reply.Marshal(); err == nil {
					n.udp.Send(data, fromAddr, int(pkt.UDPPort))
				}
			}
		}
	}
}

// queryExistingSubscriptions broadcasts a QUERY_SUBSCRIPTIONS to every port
// in the reserved loopback range. It runs once at startup; replies populate
// the peer table and the service table.
func (n *Node) queryExistingSubscriptions() {
	query := MessagePacket{
		Type:    MsgQuerySubscriptions,
		NodeID:  n.id,
		UDPPort: n.UDPPort(),
	}
	data, err := query.Marshal()
	if err != nil {
		return
	}
	n.probeRange(data)
}

// probeRange fires packet at every port in the reserved range except our
// own. Sends are fire-and-forget; each runs on its own errgroup goroutine,
// with at most probeParallelism of them running at once.
func (n *Node) probeRange(packet []byte) {
	if n.udp == nil {
		return
	}
	own := int(n.UDPPort())

	var g errgroup.Group
	g.SetLimit(probeParallelism)
	for port := n.cfg.PortBase; port <= n.cfg.PortMax; port++ {
		if port == own {
			continue
		}
		port := port
		g.Go(func() error {
			n.udp.Send(packet, "127.0.0.1", port)
			return nil
		})
	}
	g.Wait()
}
