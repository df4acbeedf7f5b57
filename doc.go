// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nexus implements a multi-transport publish/subscribe message bus
// for nodes that may live in the same process, in sibling processes on the
// same host, or on different hosts.
//
// Each node joins message groups, subscribes to topics within those groups,
// and publishes payloads. The bus selects the cheapest available transport
// per destination - direct in-process dispatch, a shared-memory SPSC ring,
// or a UDP datagram - without the caller knowing which one was used, with
// the precedence order SHARED_MEMORY > UDP > IN_PROCESS resolving nodes
// reachable more than one way.
//
// Discovery is zero-configuration on a single host: nodes register in a
// shared-memory registry with heartbeat-based liveness, and probe a reserved
// loopback port range (47200-47999) to find UDP peers. Payloads too large
// for a datagram travel through named shared-memory channels announced
// in-band (see Node.SendLargeData).
package nexus
