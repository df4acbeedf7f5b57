// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"sync"
	"weak"
)

// processRegistry is the process-wide singleton behind all nodes: a map of
// live local nodes and the shared service descriptor table.
//
// Nodes are held through weak pointers so the registry never keeps a node
// alive; a node is owned by its creator and unregisters itself on Close.
// Readers compact entries whose node has been collected.
type processRegistry struct {
	nodesMutex sync.Mutex
	nodes      map[string]weak.Pointer[Node]

	services *serviceTable
}

var globalRegistry = &processRegistry{
	nodes:    make(map[string]weak.Pointer[Node]),
	services: newServiceTable(),
}

// registerNode records a live node. An id collision with a live node fails;
// a collision with a collected node steals the slot.
func (r *processRegistry) registerNode(n *Node) error {
	r.nodesMutex.Lock()
	defer r.nodesMutex.Unlock()

	if p, ok := r.nodes[n.id]; ok && p.Value() != nil {
		return ErrAlreadyExists
	}
	r.nodes[n.id] = weak.Make(n)
	return nil
}

// unregisterNode drops the node entry and sweeps its service descriptors.
func (r *processRegistry) unregisterNode(id string) {
	r.nodesMutex.Lock()
	delete(r.nodes, id)
	r.nodesMutex.Unlock()

	r.services.unregisterNode(id)
}

// liveNodes returns every node still alive, compacting expired entries.
func (r *processRegistry) liveNodes() []*Node {
	r.nodesMutex.Lock()
	defer r.nodesMutex.Unlock()

	out := make([]*Node, 0, len(r.nodes))
	for id, p := range r.nodes {
		if n := p.Value(); n != nil {
			out = append(out, n)
		} else {
			delete(r.nodes, id)
		}
	}
	return out
}

// findNode returns the live node with the given id, or nil.
func (r *processRegistry) findNode(id string) *Node {
	r.nodesMutex.Lock()
	defer r.nodesMutex.Unlock()

	if p, ok := r.nodes[id]; ok {
		if n := p.Value(); n != nil {
			return n
		}
		delete(r.nodes, id)
	}
	return nil
}

// isLocal reports whether id names a live node in this process.
func (r *processRegistry) isLocal(id string) bool {
	return r.findNode(id) != nil
}
