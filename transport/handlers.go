// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/gridworks/msucoord/event"
	"github.com/gridworks/msucoord/internal/telemetry"
	"github.com/gridworks/msucoord/msu"
	"github.com/gridworks/msucoord/protocol"
)

// startConn launches the write and read loops for a connection. Returns
// false (closing the connection) when the transport is shutting down.
func (t *Transport) startConn(c *conn) bool {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		c.close()
		return false
	}
	t.all[c] = struct{}{}
	t.wg.Add(2)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer t.wg.Done()
		t.readLoop(c)
	}()
	return true
}

// readLoop decodes and dispatches inbound messages until the connection
// dies. Malformed payloads are logged and dropped; only I/O errors end the
// loop. No decode or handler failure may propagate out of here.
func (t *Transport) readLoop(c *conn) {
	dec := protocol.NewDecoder(c.nc)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				telemetry.MessagesTotal.WithLabelValues("malformed", "received").Inc()
				t.log.Warn("dropping malformed message",
					zap.String("peer", c.peerUID()), zap.Error(err))
				continue
			}
			t.teardownConn(c, err)
			return
		}
		c.touch()
		t.dispatch(c, msg)
	}
}

// dispatch routes one decoded message to its handler, registering anonymous
// inbound connections under the sender's UID first.
func (t *Transport) dispatch(c *conn, msg interface{}) {
	switch m := msg.(type) {
	case *protocol.StateUpdate:
		telemetry.MessagesTotal.WithLabelValues(protocol.TypeStateUpdate, "received").Inc()
		t.identifyConn(c, m.SourceMSUID)
		t.handleStateUpdate(m)
	case *protocol.Heartbeat:
		telemetry.MessagesTotal.WithLabelValues(protocol.TypeHeartbeat, "received").Inc()
		t.identifyConn(c, m.SourceMSUID)
		t.handleHeartbeat(m)
	case *protocol.Discovery:
		telemetry.MessagesTotal.WithLabelValues(protocol.TypeDiscovery, "received").Inc()
		t.identifyConn(c, m.SourceMSUID)
		t.handleDiscovery(c, m)
	case *protocol.Coordination:
		telemetry.MessagesTotal.WithLabelValues(protocol.TypeCoordination, "received").Inc()
		telemetry.CoordinationRequestsTotal.WithLabelValues(string(m.RequestType), "received").Inc()
		t.identifyConn(c, m.SourceMSUID)
		t.handleCoordination(m)
	default:
		telemetry.MessagesTotal.WithLabelValues("unknown", "received").Inc()
		t.log.Warn("dropping unrecognized message", zap.String("peer", c.peerUID()))
	}
}

// identifyConn binds an inbound connection to the peer UID carried by its
// first message. When a connection for that peer is already registered, the
// newer one takes over and the old one is closed: a peer that reconnects
// does so because its previous path died.
func (t *Transport) identifyConn(c *conn, uid string) {
	if c.peerUID() != "" || uid == "" {
		return
	}
	c.setPeerUID(uid)

	t.mu.Lock()
	replaced := t.conns[uid]
	t.conns[uid] = c
	telemetry.PeersConnected.Set(float64(len(t.conns)))
	t.mu.Unlock()

	if replaced != nil {
		replaced.close()
		t.log.Info("peer reconnected, replacing old connection", zap.String("peer", uid))
		return
	}
	t.log.Info("peer identified", zap.String("peer", uid))
}

// handleStateUpdate refreshes the remote registry and publishes the change
// events after the registry lock is released.
func (t *Transport) handleStateUpdate(m *protocol.StateUpdate) {
	t.mu.Lock()
	r, known := t.remotes[m.SourceMSUID]
	var prev RemoteState
	if known {
		prev = *r
	} else {
		r = &RemoteState{UID: m.SourceMSUID}
		t.remotes[m.SourceMSUID] = r
	}
	r.CombinationType = m.CombinationType
	r.X = m.XCoord
	r.Y = m.YCoord
	r.CombinedUIDs = append([]string(nil), m.CombinedMSUIDs...)
	r.LastContact = time.Now()
	becameAvailable := !known || !prev.Available
	r.Available = true
	telemetry.PeersAvailable.Set(float64(t.availableCountLocked()))

	events := []event.Event{{
		Kind:            event.RemoteStateChanged,
		UID:             m.SourceMSUID,
		Available:       true,
		CombinationType: m.CombinationType,
		PrevAvailable:   prev.Available,
		PrevType:        prev.CombinationType,
	}}
	if becameAvailable && t.adjacentRosterPeerLocked(m.SourceMSUID) {
		events = append(events, event.Event{
			Kind:            event.AdjacentAvailabilityChanged,
			UID:             m.SourceMSUID,
			Available:       true,
			CombinationType: m.CombinationType,
		})
	}
	t.mu.Unlock()

	for _, ev := range events {
		t.bus.Publish(ev)
	}
}

// handleHeartbeat refreshes contact time and availability for the sender.
func (t *Transport) handleHeartbeat(m *protocol.Heartbeat) {
	t.mu.Lock()
	r, known := t.remotes[m.SourceMSUID]
	if !known {
		r = &RemoteState{UID: m.SourceMSUID, CombinationType: protocol.Single}
		t.remotes[m.SourceMSUID] = r
	}
	becameAvailable := !known || !r.Available
	r.LastContact = time.Now()
	r.Available = true
	telemetry.PeersAvailable.Set(float64(t.availableCountLocked()))

	var events []event.Event
	if becameAvailable && t.adjacentRosterPeerLocked(m.SourceMSUID) {
		events = append(events, event.Event{
			Kind:            event.AdjacentAvailabilityChanged,
			UID:             m.SourceMSUID,
			Available:       true,
			CombinationType: r.CombinationType,
		})
	}
	t.mu.Unlock()

	for _, ev := range events {
		t.bus.Publish(ev)
	}
}

// handleDiscovery answers a discovery request with a response plus an
// immediate StateUpdate, so a freshly connected peer learns our state
// without waiting a heartbeat interval. Discovery is first contact on the
// normal handshake path, so the availability transition fires here.
func (t *Transport) handleDiscovery(c *conn, m *protocol.Discovery) {
	t.mu.Lock()
	r, known := t.remotes[m.SourceMSUID]
	if !known {
		r = &RemoteState{UID: m.SourceMSUID, CombinationType: protocol.Single}
		t.remotes[m.SourceMSUID] = r
	}
	becameAvailable := !known || !r.Available
	r.LastContact = time.Now()
	r.Available = true
	telemetry.PeersAvailable.Set(float64(t.availableCountLocked()))

	var events []event.Event
	if becameAvailable && t.adjacentRosterPeerLocked(m.SourceMSUID) {
		events = append(events, event.Event{
			Kind:            event.AdjacentAvailabilityChanged,
			UID:             m.SourceMSUID,
			Available:       true,
			CombinationType: r.CombinationType,
		})
	}
	update := t.localStateUpdateLocked()
	t.mu.Unlock()

	for _, ev := range events {
		t.bus.Publish(ev)
	}

	if m.IsResponse {
		return
	}

	resp, err := protocol.Encode(&protocol.Discovery{
		SourceMSUID: t.identity.UID,
		IsResponse:  true,
	})
	if err == nil {
		t.enqueue(c, resp, protocol.TypeDiscovery)
	}
	if frame, err := protocol.Encode(update); err == nil {
		t.enqueue(c, frame, protocol.TypeStateUpdate)
	}
}

// handleCoordination republishes the handshake step for the coordination
// layer and outside observers.
func (t *Transport) handleCoordination(m *protocol.Coordination) {
	t.bus.Publish(event.Event{
		Kind:          event.CoordinationRequested,
		RequestType:   m.RequestType,
		RequesterUID:  m.SourceMSUID,
		UID:           m.MasterMSUID,
		RequestedType: m.RequestedType,
		TargetUIDs:    append([]string(nil), m.TargetMSUIDs...),
	})
}

// teardownConn removes a dead connection and flips its peer to unavailable.
// A connection that lost its registration to a newer one tears down
// silently: the peer is still reachable over the replacement.
func (t *Transport) teardownConn(c *conn, cause error) {
	c.close()
	uid := c.peerUID()

	t.mu.Lock()
	delete(t.all, c)
	registered := uid != "" && t.conns[uid] == c
	var events []event.Event
	if registered {
		delete(t.conns, uid)
		telemetry.PeersConnected.Set(float64(len(t.conns)))
		events = t.markUnavailableLocked(uid)
	}
	running := t.running
	t.mu.Unlock()

	if running && registered && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
		t.log.Warn("peer connection lost", zap.String("peer", uid), zap.Error(cause))
	}
	for _, ev := range events {
		t.bus.Publish(ev)
	}
}

func (t *Transport) adjacentRosterPeerLocked(uid string) bool {
	p, ok := t.peers[uid]
	return ok && msu.AdjacentTo(t.identity, p.Identity)
}
