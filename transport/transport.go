// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport maintains the peer-to-peer TCP mesh between MSUs: it
// dials roster peers on a discovery schedule, broadcasts heartbeats,
// replicates combination state, prunes stale connections and publishes
// availability transitions on the event bus. Delivery is fire-and-forget,
// at-most-once; convergence relies on the periodic re-broadcast cycles, not
// on per-message reliability.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridworks/msucoord/event"
	"github.com/gridworks/msucoord/internal/telemetry"
	"github.com/gridworks/msucoord/msu"
	"github.com/gridworks/msucoord/protocol"
)

// Peer pairs a roster identity with its dialable address.
type Peer struct {
	Identity msu.Identity
	Addr     string // host:port
}

// RemoteState is the transport's view of one peer, created on first contact
// and refreshed by every StateUpdate or Heartbeat.
type RemoteState struct {
	UID             string
	CombinationType protocol.CombinationType
	X               int
	Y               int
	LastContact     time.Time
	Available       bool
	CombinedUIDs    []string
}

// Occupied reports whether the peer is part of a combined group.
func (r RemoteState) Occupied() bool {
	return r.CombinationType != protocol.Single || len(r.CombinedUIDs) > 0
}

// AdjacentMSU is a roster peer that shares a grid edge with the local unit,
// together with the transport's latest view of it.
type AdjacentMSU struct {
	Identity msu.Identity
	State    RemoteState
	Known    bool // false until the peer has been heard from at least once
}

// Config parameterizes a Transport. Identity and ListenAddr are required;
// zero intervals fall back to the protocol defaults.
type Config struct {
	Identity          msu.Identity
	Peers             []Peer // roster peers, excluding the local unit
	ListenAddr        string // e.g. ":7700"
	DiscoveryInterval time.Duration
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	Bus               *event.Bus
	Logger            *zap.Logger
}

// Transport owns the connection and remote-state registries and the three
// periodic loops (discovery, heartbeat, staleness sweep).
type Transport struct {
	identity msu.Identity
	peers    map[string]Peer // roster, keyed by UID
	addr     string

	discoveryInterval time.Duration
	heartbeatInterval time.Duration
	connectionTimeout time.Duration

	bus *event.Bus
	log *zap.Logger

	mu       sync.Mutex
	conns    map[string]*conn        // registered connections, keyed by peer UID
	all      map[*conn]struct{}      // every started connection, identified or not
	remotes  map[string]*RemoteState
	listener net.Listener
	running  bool

	// Local combination state carried in StateUpdates. Guarded by mu.
	localType    protocol.CombinationType
	localMembers []string

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Transport from the config. Start must be called before any
// traffic flows.
func New(cfg Config) (*Transport, error) {
	if cfg.Identity.UID == "" {
		return nil, fmt.Errorf("transport: config missing identity")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("transport: config missing listen address")
	}
	if cfg.Bus == nil {
		cfg.Bus = event.NewBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DiscoveryInterval == 0 {
		cfg.DiscoveryInterval = protocol.DefaultDiscoveryInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = protocol.DefaultHeartbeatInterval
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = protocol.DefaultConnectionTimeout
	}

	peers := make(map[string]Peer, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.Identity.UID == cfg.Identity.UID {
			continue
		}
		peers[p.Identity.UID] = p
	}

	return &Transport{
		identity:          cfg.Identity,
		peers:             peers,
		addr:              cfg.ListenAddr,
		discoveryInterval: cfg.DiscoveryInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		connectionTimeout: cfg.ConnectionTimeout,
		bus:               cfg.Bus,
		log:               cfg.Logger.Named("transport"),
		conns:             make(map[string]*conn),
		all:               make(map[*conn]struct{}),
		remotes:           make(map[string]*RemoteState),
		localType:         protocol.Single,
		done:              make(chan struct{}),
	}, nil
}

// Start binds the listener and launches the accept, discovery, heartbeat and
// sweep loops.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("transport: already started")
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.addr, err)
	}
	t.listener = ln
	t.running = true

	t.wg.Add(4)
	go t.acceptLoop(ln)
	go t.discoveryLoop()
	go t.heartbeatLoop()
	go t.sweepLoop()

	t.log.Info("transport started",
		zap.String("uid", t.identity.UID),
		zap.String("addr", ln.Addr().String()),
		zap.Int("roster_peers", len(t.peers)))
	return nil
}

// Stop halts the loops, closes the listener and tears down every connection.
// Sends in flight may be dropped.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.done)
	t.listener.Close()
	conns := make([]*conn, 0, len(t.all))
	for c := range t.all {
		conns = append(conns, c)
	}
	t.all = make(map[*conn]struct{})
	t.conns = make(map[string]*conn)
	t.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	t.wg.Wait()
	telemetry.PeersConnected.Set(0)
	t.log.Info("transport stopped", zap.String("uid", t.identity.UID))
}

// Addr returns the bound listen address, useful when the config used an
// ephemeral port.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.addr
	}
	return t.listener.Addr().String()
}

// SetLocalState records the local combination state carried in outgoing
// StateUpdates and broadcasts it to every connected peer. The broadcast is
// asynchronous; the caller does not block on delivery.
func (t *Transport) SetLocalState(typ protocol.CombinationType, memberUIDs []string) {
	t.mu.Lock()
	t.localType = typ
	t.localMembers = append([]string(nil), memberUIDs...)
	t.mu.Unlock()
	t.BroadcastStateUpdate()
}

// LocalState returns the combination state currently advertised by this
// transport.
func (t *Transport) LocalState() (protocol.CombinationType, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localType, append([]string(nil), t.localMembers...)
}

// BroadcastStateUpdate queues the local StateUpdate to every connected peer.
func (t *Transport) BroadcastStateUpdate() {
	t.mu.Lock()
	update := t.localStateUpdateLocked()
	conns := t.liveConnsLocked()
	t.mu.Unlock()

	frame, err := protocol.Encode(update)
	if err != nil {
		t.log.Error("encoding state update", zap.Error(err))
		return
	}
	for _, c := range conns {
		t.enqueue(c, frame, protocol.TypeStateUpdate)
	}
}

// Send encodes and queues one message for a specific peer. Returns a
// connection error when no live connection to the peer exists.
func (t *Transport) Send(uid string, msg interface{}) error {
	t.mu.Lock()
	c, ok := t.conns[uid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no connection to %s", uid)
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	t.enqueue(c, frame, messageTag(msg))
	return nil
}

// Connected reports whether a live connection to the peer exists.
func (t *Transport) Connected(uid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[uid]
	return ok
}

// RemoteStates returns a snapshot of every known peer state.
func (t *Transport) RemoteStates() map[string]RemoteState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]RemoteState, len(t.remotes))
	for uid, r := range t.remotes {
		out[uid] = *r
	}
	return out
}

// AdjacentMSUs returns the roster peers sharing a grid edge with the local
// unit, each with the latest remote state if the peer has been heard from.
func (t *Transport) AdjacentMSUs() []AdjacentMSU {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []AdjacentMSU
	for _, p := range t.peers {
		if !msu.AdjacentTo(t.identity, p.Identity) {
			continue
		}
		a := AdjacentMSU{Identity: p.Identity}
		if r, ok := t.remotes[p.Identity.UID]; ok {
			a.State = *r
			a.Known = true
		}
		out = append(out, a)
	}
	return out
}

// localStateUpdateLocked builds the StateUpdate for the local unit. Caller
// holds mu.
func (t *Transport) localStateUpdateLocked() *protocol.StateUpdate {
	return &protocol.StateUpdate{
		SourceMSUID:     t.identity.UID,
		CombinationType: t.localType,
		XCoord:          t.identity.X,
		YCoord:          t.identity.Y,
		CombinedMSUIDs:  append([]string(nil), t.localMembers...),
		Timestamp:       time.Now(),
	}
}

func (t *Transport) liveConnsLocked() []*conn {
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

// enqueue hands a frame to the connection's writer without blocking. Full
// queues drop the frame; the periodic cycles repair any resulting gaps.
func (t *Transport) enqueue(c *conn, frame []byte, tag string) {
	if c.send(frame) {
		telemetry.MessagesTotal.WithLabelValues(tag, "sent").Inc()
	} else {
		telemetry.MessagesTotal.WithLabelValues(tag, "dropped").Inc()
		t.log.Warn("send queue full, dropping message",
			zap.String("peer", c.peerUID()), zap.String("type", tag))
	}
}

// acceptLoop admits inbound peer connections until the listener closes.
func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.log.Warn("accept failed", zap.Error(err))
			continue
		}
		// Inbound connections are anonymous until the first message names
		// its source; the read loop registers them then.
		if !t.startConn(newConn("", nc)) {
			return
		}
	}
}

// discoveryLoop dials every unconnected roster peer once per interval. The
// first pass runs immediately so a restarted node rejoins without waiting.
func (t *Transport) discoveryLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.discoveryInterval)
	defer ticker.Stop()

	t.runDiscovery()
	for {
		select {
		case <-ticker.C:
			t.runDiscovery()
		case <-t.done:
			return
		}
	}
}

func (t *Transport) runDiscovery() {
	t.mu.Lock()
	var targets []Peer
	for uid, p := range t.peers {
		// Connections are initiated from the lower UID toward the higher,
		// so the two ends of a pair never race to dial each other.
		if uid < t.identity.UID {
			continue
		}
		if _, ok := t.conns[uid]; !ok {
			targets = append(targets, p)
		}
	}
	t.mu.Unlock()

	// Dials are tracked on the wait group; discoveryLoop's own count keeps
	// it from racing Stop's Wait.
	for _, p := range targets {
		t.wg.Add(1)
		go func(p Peer) {
			defer t.wg.Done()
			t.dialPeer(p)
		}(p)
	}
}

// dialPeer attempts one outbound connection and opens the discovery
// handshake. Failures are logged and retried on the next discovery cycle.
func (t *Transport) dialPeer(p Peer) {
	nc, err := net.DialTimeout("tcp", p.Addr, t.connectionTimeout)
	if err != nil {
		t.log.Debug("peer unreachable",
			zap.String("peer", p.Identity.UID),
			zap.String("addr", p.Addr),
			zap.Error(err))
		return
	}

	c := newConn(p.Identity.UID, nc)

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		nc.Close()
		return
	}
	if _, ok := t.conns[p.Identity.UID]; ok {
		// Lost the race with an inbound connection from the same peer.
		t.mu.Unlock()
		nc.Close()
		return
	}
	t.conns[p.Identity.UID] = c
	telemetry.PeersConnected.Set(float64(len(t.conns)))
	t.mu.Unlock()

	if !t.startConn(c) {
		return
	}
	t.log.Info("connected to peer",
		zap.String("peer", p.Identity.UID), zap.String("addr", p.Addr))

	if frame, err := protocol.Encode(&protocol.Discovery{SourceMSUID: t.identity.UID}); err == nil {
		t.enqueue(c, frame, protocol.TypeDiscovery)
	}
	// Announce our state right away so the peer does not wait a heartbeat
	// interval to learn it.
	t.mu.Lock()
	update := t.localStateUpdateLocked()
	t.mu.Unlock()
	if frame, err := protocol.Encode(update); err == nil {
		t.enqueue(c, frame, protocol.TypeStateUpdate)
	}
}

// heartbeatLoop broadcasts a heartbeat to every connected peer.
func (t *Transport) heartbeatLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.broadcastHeartbeat()
		case <-t.done:
			return
		}
	}
}

func (t *Transport) broadcastHeartbeat() {
	frame, err := protocol.Encode(&protocol.Heartbeat{
		SourceMSUID: t.identity.UID,
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.log.Error("encoding heartbeat", zap.Error(err))
		return
	}

	t.mu.Lock()
	conns := t.liveConnsLocked()
	t.mu.Unlock()

	for _, c := range conns {
		t.enqueue(c, frame, protocol.TypeHeartbeat)
	}
}

// sweepLoop prunes connections whose last activity exceeds the timeout.
func (t *Transport) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.connectionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweepStale()
		case <-t.done:
			return
		}
	}
}

func (t *Transport) sweepStale() {
	now := time.Now()

	t.mu.Lock()
	var pruned []*conn
	for c := range t.all {
		if now.Sub(c.activity()) > t.connectionTimeout {
			delete(t.all, c)
			pruned = append(pruned, c)
		}
	}
	var events []event.Event
	for _, c := range pruned {
		uid := c.peerUID()
		if uid == "" || t.conns[uid] != c {
			continue
		}
		delete(t.conns, uid)
		events = append(events, t.markUnavailableLocked(uid)...)
	}
	if len(pruned) > 0 {
		telemetry.PeersConnected.Set(float64(len(t.conns)))
	}
	t.mu.Unlock()

	for _, c := range pruned {
		c.close()
		telemetry.StalePruned.Inc()
		t.log.Warn("pruned stale peer connection", zap.String("peer", c.peerUID()))
	}
	for _, ev := range events {
		t.bus.Publish(ev)
	}
}

// markUnavailableLocked flips a peer to unavailable and returns the events
// for the transition. Firing happens after mu is released. The availability
// event is produced only on an actual true→false transition, never again on
// later sweeps. Caller holds mu.
func (t *Transport) markUnavailableLocked(uid string) []event.Event {
	r, ok := t.remotes[uid]
	if !ok || !r.Available {
		return nil
	}
	prev := *r
	r.Available = false
	telemetry.PeersAvailable.Set(float64(t.availableCountLocked()))

	events := []event.Event{{
		Kind:            event.RemoteStateChanged,
		UID:             uid,
		Available:       false,
		CombinationType: r.CombinationType,
		PrevAvailable:   prev.Available,
		PrevType:        prev.CombinationType,
	}}
	if p, ok := t.peers[uid]; ok && msu.AdjacentTo(t.identity, p.Identity) {
		events = append(events, event.Event{
			Kind:            event.AdjacentAvailabilityChanged,
			UID:             uid,
			Available:       false,
			CombinationType: r.CombinationType,
		})
	}
	return events
}

func (t *Transport) availableCountLocked() int {
	n := 0
	for _, r := range t.remotes {
		if r.Available {
			n++
		}
	}
	return n
}

func messageTag(msg interface{}) string {
	switch msg.(type) {
	case *protocol.StateUpdate:
		return protocol.TypeStateUpdate
	case *protocol.Heartbeat:
		return protocol.TypeHeartbeat
	case *protocol.Discovery:
		return protocol.TypeDiscovery
	case *protocol.Coordination:
		return protocol.TypeCoordination
	default:
		return "unknown"
	}
}
