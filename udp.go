// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nexus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// ReceiveCallback is handed every inbound datagram together with the sender
// address. It runs on the transport's receive goroutine.
type ReceiveCallback func(data []byte, from *net.UDPAddr)

// UDPTransport is a thin best-effort datagram primitive: one socket, a
// receive goroutine, and targeted sends. Discovery and routing live above it.
type UDPTransport struct {
	portBase int
	portMax  int
	log      *Logger

	mutex       sync.RWMutex
	conn        *net.UDPConn
	port        uint16
	cb          ReceiveCallback
	initialized bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPTransport returns an uninitialized transport bound to nothing.
func NewUDPTransport(portBase, portMax int, log *Logger) *UDPTransport {
	if log == nil {
		log = DevNullLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UDPTransport{
		portBase: portBase,
		portMax:  portMax,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Initialize binds the socket and starts the receive loop. A port of 0 scans
// the reserved range from a time-seeded offset and falls back to an ephemeral
// port when the whole range is taken. Calling Initialize on an initialized
// transport is a no-op.
func (t *UDPTransport) Initialize(port int) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.initialized {
		return nil
	}

	var conn *net.UDPConn
	var err error
	if port != 0 {
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err != nil {
			return fmt.Errorf("%w: bind %d: %v", ErrNetwork, port, err)
		}
	} else {
		conn, err = t.bindInRange()
		if err != nil {
			// Whole range taken; let the system choose.
			conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
			if err != nil {
				return fmt.Errorf("%w: bind ephemeral: %v", ErrNetwork, err)
			}
			t.log.Warn("udp: reserved range exhausted, bound ephemeral port %d",
				conn.LocalAddr().(*net.UDPAddr).Port)
		}
	}

	t.conn = conn
	t.port = uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	t.initialized = true

	t.wg.Add(1)
	go t.receiveLoop(conn)

	t.log.Debug("udp: listening on port %d", t.port)
	return nil
}

// bindInRange tries every port in the reserved range starting from a
// time-seeded offset, to spread concurrent processes across the range.
func (t *UDPTransport) bindInRange() (*net.UDPConn, error) {
	count := t.portMax - t.portBase + 1
	start := int(time.Now().UnixNano() % int64(count))
	for i := 0; i < count; i++ {
		port := t.portBase + (start+i)%count
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("%w: no free port in %d-%d", ErrNetwork, t.portBase, t.portMax)
}

// Port returns the bound port, 0 before Initialize.
func (t *UDPTransport) Port() uint16 {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.port
}

// IsInitialized reports whether the socket is bound.
func (t *UDPTransport) IsInitialized() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.initialized
}

// SetReceiveCallback installs the datagram handler.
func (t *UDPTransport) SetReceiveCallback(cb ReceiveCallback) {
	t.mutex.Lock()
	t.cb = cb
	t.mutex.Unlock()
}

// Send transmits data to addr:port. It rejects empty buffers, unparseable
// addresses, and calls before Initialize.
func (t *UDPTransport) Send(data []byte, addr string, port int) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty datagram", ErrInvalidArg)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidArg, port)
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("%w: address %q", ErrInvalidArg, addr)
	}

	t.mutex.RLock()
	conn := t.conn
	initialized := t.initialized
	t.mutex.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	if _, err := conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: port}); err != nil {
		return fmt.Errorf("%w: send to %s:%d: %v", ErrNetwork, addr, port, err)
	}
	return nil
}

// Broadcast sends data to the loopback broadcast address on the given port.
func (t *UDPTransport) Broadcast(data []byte, port int) error {
	return t.Send(data, "127.255.255.255", port)
}

// Shutdown stops the receive loop and closes the socket. It is idempotent.
func (t *UDPTransport) Shutdown() {
	t.mutex.Lock()
	if !t.initialized {
		t.mutex.Unlock()
		return
	}
	t.initialized = false
	conn := t.conn
	t.conn = nil
	t.mutex.Unlock()

	t.cancel()
	t.wg.Wait()
	if conn != nil {
		conn.Close()
	}
}

// receiveLoop reads datagrams until shutdown, handing each to the callback.
func (t *UDPTransport) receiveLoop(conn *net.UDPConn) {
	defer t.wg.Done()

	buffer := make([]byte, 65536)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				continue
			}

			t.mutex.RLock()
			cb := t.cb
			t.mutex.RUnlock()
			if cb != nil {
				data := make([]byte, n)
				copy(data, buffer[:n])
				cb(data, addr)
			}
		}
	}
}
