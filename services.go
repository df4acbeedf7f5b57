// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"sort"
	"sync"
)

// Transport identifies the delivery path recorded in a service descriptor.
// Precedence when the same service is reachable more than one way:
// SHARED_MEMORY > UDP > IN_PROCESS.
type Transport int

const (
	TransportInProcess Transport = iota
	TransportUDP
	TransportSharedMemory
)

// String returns the string representation of the transport
func (tr Transport) String() string {
	switch tr {
	case TransportInProcess:
		return "IN_PROCESS"
	case TransportUDP:
		return "UDP"
	case TransportSharedMemory:
		return "SHARED_MEMORY"
	default:
		return "UNKNOWN"
	}
}

// ServiceType distinguishes normal subscriptions from large-data channels.
type ServiceType int

const (
	ServiceNormal ServiceType = iota
	ServiceLargeData
)

// String returns the string representation of the service type
func (st ServiceType) String() string {
	switch st {
	case ServiceNormal:
		return "NORMAL"
	case ServiceLargeData:
		return "LARGE_DATA"
	default:
		return "UNKNOWN"
	}
}

// ServiceDescriptor records that a node serves (group, topic) over a
// transport. Identity for deduplication is (NodeID, Group, Topic).
type ServiceDescriptor struct {
	NodeID    string
	Group     string
	Topic     string
	Type      ServiceType
	Transport Transport

	// UDPAddr/UDPPort locate the node when Transport is UDP.
	UDPAddr string
	UDPPort uint16

	// ShmChannel names the inbound ring prefix when Transport is SHARED_MEMORY.
	ShmChannel string
}

// sameIdentity reports whether two descriptors describe the same service.
func (d *ServiceDescriptor) sameIdentity(o *ServiceDescriptor) bool {
	return d.NodeID == o.NodeID && d.Group == o.Group && d.Topic == o.Topic
}

// serviceTable is the process-wide descriptor table, keyed by group.
type serviceTable struct {
	mutex    sync.RWMutex
	services map[string][]ServiceDescriptor
}

func newServiceTable() *serviceTable {
	return &serviceTable{services: make(map[string][]ServiceDescriptor)}
}

// register applies the transport-precedence rule and reports whether the
// descriptor was stored (appended or replaced an inferior transport).
func (t *serviceTable) register(svc ServiceDescriptor) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	list := t.services[svc.Group]
	for i := range list {
		if !list[i].sameIdentity(&svc) {
			continue
		}
		switch {
		case list[i].Transport == svc.Transport:
			// Same path again; the stored descriptor is kept.
			return false
		case list[i].Transport == TransportSharedMemory:
			return false
		case svc.Transport == TransportSharedMemory:
			list[i] = svc
			return true
		default:
			return false
		}
	}
	t.services[svc.Group] = append(list, svc)
	return true
}

// unregister removes all descriptors matching (nodeID, topic) in group.
func (t *serviceTable) unregister(group, nodeID, topic string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	list, ok := t.services[group]
	if !ok {
		return false
	}
	kept := list[:0]
	removed := false
	for _, d := range list {
		if d.NodeID == nodeID && d.Topic == topic {
			removed = true
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		delete(t.services, group)
	} else {
		t.services[group] = kept
	}
	return removed
}

// unregisterNode sweeps every descriptor belonging to nodeID. This is what
// keeps zombie services from outliving their node.
func (t *serviceTable) unregisterNode(nodeID string) []ServiceDescriptor {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var swept []ServiceDescriptor
	for group, list := range t.services {
		kept := list[:0]
		for _, d := range list {
			if d.NodeID == nodeID {
				swept = append(swept, d)
				continue
			}
			kept = append(kept, d)
		}
		if len(kept) == 0 {
			delete(t.services, group)
		} else {
			t.services[group] = kept
		}
	}
	return swept
}

// find returns a snapshot of descriptors; an empty group selects all groups,
// and all selects every service type regardless of typeFilter.
func (t *serviceTable) find(group string, typeFilter ServiceType, all bool) []ServiceDescriptor {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var out []ServiceDescriptor
	appendGroup := func(list []ServiceDescriptor) {
		for _, d := range list {
			if !all && d.Type != typeFilter {
				continue
			}
			out = append(out, d)
		}
	}
	if group != "" {
		appendGroup(t.services[group])
		return out
	}
	groups := make([]string, 0, len(t.services))
	for g := range t.services {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		appendGroup(t.services[g])
	}
	return out
}

// match returns the descriptors serving exactly (group, topic).
func (t *serviceTable) match(group, topic string) []ServiceDescriptor {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var out []ServiceDescriptor
	for _, d := range t.services[group] {
		if d.Topic == topic {
			out = append(out, d)
		}
	}
	return out
}
