// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"sync"
	"time"
)

// PeerState tracks a remote node through its UDP liveness state machine:
// UNKNOWN → SEEN on any packet, SEEN → ALIVE on a subscription reply or
// heartbeat, ALIVE → DEAD on heartbeat timeout, then deletion after the
// service sweep.
type PeerState int

const (
	PeerUnknown PeerState = iota
	PeerSeen
	PeerAlive
	PeerDead
)

// String returns the string representation of the peer state
func (s PeerState) String() string {
	switch s {
	case PeerUnknown:
		return "UNKNOWN"
	case PeerSeen:
		return "SEEN"
	case PeerAlive:
		return "ALIVE"
	case PeerDead:
		return "DEAD"
	default:
		return "INVALID"
	}
}

// RemoteNodeInfo is a snapshot of one remote node as seen over UDP.
type RemoteNodeInfo struct {
	NodeID        string
	Addr          string
	Port          uint16
	State         PeerState
	LastHeartbeat time.Time
}

// peerTable holds the per-node UDP view of remote peers.
type peerTable struct {
	mutex sync.RWMutex
	peers map[string]*RemoteNodeInfo
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*RemoteNodeInfo)}
}

// observe records a packet from nodeID and returns whether the peer is new.
// Any packet refreshes the heartbeat and endpoint.
func (t *peerTable) observe(nodeID, addr string, port uint16) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	p, ok := t.peers[nodeID]
	if !ok {
		t.peers[nodeID] = &RemoteNodeInfo{
			NodeID:        nodeID,
			Addr:          addr,
			Port:          port,
			State:         PeerSeen,
			LastHeartbeat: time.Now(),
		}
		return true
	}
	p.Addr = addr
	if port != 0 {
		p.Port = port
	}
	p.LastHeartbeat = time.Now()
	if p.State == PeerDead {
		p.State = PeerSeen
	}
	return false
}

// markAlive promotes a SEEN peer on its first subscription reply or heartbeat.
func (t *peerTable) markAlive(nodeID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if p, ok := t.peers[nodeID]; ok && p.State != PeerDead {
		p.State = PeerAlive
		p.LastHeartbeat = time.Now()
	}
}

// remove deletes a peer entry.
func (t *peerTable) remove(nodeID string) {
	t.mutex.Lock()
	delete(t.peers, nodeID)
	t.mutex.Unlock()
}

// get returns a copy of the peer entry.
func (t *peerTable) get(nodeID string) (RemoteNodeInfo, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if p, ok := t.peers[nodeID]; ok {
		return *p, true
	}
	return RemoteNodeInfo{}, false
}

// snapshot returns copies of all peer entries.
func (t *peerTable) snapshot() []RemoteNodeInfo {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make([]RemoteNodeInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// expire transitions peers whose heartbeat is older than timeout to DEAD and
// returns their ids. The caller sweeps their services and then deletes them.
func (t *peerTable) expire(timeout time.Duration) []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := time.Now()
	var dead []string
	for id, p := range t.peers {
		if p.State == PeerDead {
			continue
		}
		if now.Sub(p.LastHeartbeat) > timeout {
			p.State = PeerDead
			dead = append(dead, id)
		}
	}
	return dead
}
