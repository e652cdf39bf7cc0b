// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"net"
	"sync"
	"time"
)

// conn wraps one peer TCP connection with an asynchronous write queue, so
// the registry lock is never held across network I/O.
type conn struct {
	nc net.Conn

	outgoing chan []byte
	closed   chan struct{}

	mu           sync.Mutex
	uid          string // peer UID; empty for inbound connections until identified
	lastActivity time.Time

	closeOnce sync.Once
}

// sendQueueDepth bounds the per-connection write backlog. Overflow drops the
// frame; periodic re-broadcast repairs the gap.
const sendQueueDepth = 64

func newConn(uid string, nc net.Conn) *conn {
	return &conn{
		uid:          uid,
		nc:           nc,
		outgoing:     make(chan []byte, sendQueueDepth),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// peerUID returns the UID the connection is bound to, or "" while it is
// still anonymous. The read loop sets it; the sweep and send paths read it
// concurrently.
func (c *conn) peerUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

func (c *conn) setPeerUID(uid string) {
	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
}

// send queues a frame without blocking. Returns false when the queue is full
// or the connection is closed.
func (c *conn) send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outgoing <- frame:
		return true
	default:
		return false
	}
}

// touch records inbound or outbound activity.
func (c *conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *conn) activity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()
	})
}

// writeLoop drains the outgoing queue onto the socket. A write failure
// closes the connection; the read loop then runs the shared teardown path.
func (c *conn) writeLoop() {
	for {
		select {
		case frame := <-c.outgoing:
			c.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := c.nc.Write(frame); err != nil {
				c.close()
				return
			}
			c.touch()
		case <-c.closed:
			return
		}
	}
}
