// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package combine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/msucoord/event"
	"github.com/gridworks/msucoord/msu"
	"github.com/gridworks/msucoord/protocol"
)

// fakeSender records coordination sends and simulates connectivity.
type fakeSender struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []*protocol.Coordination
}

func newFakeSender(uids ...string) *fakeSender {
	s := &fakeSender{connected: make(map[string]bool)}
	for _, uid := range uids {
		s.connected[uid] = true
	}
	return s
}

func (s *fakeSender) Connected(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[uid]
}

func (s *fakeSender) Send(uid string, msg interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := msg.(*protocol.Coordination); ok {
		s.sent = append(s.sent, m)
	}
	return nil
}

func (s *fakeSender) sentOfType(rt protocol.RequestType) []*protocol.Coordination {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Coordination
	for _, m := range s.sent {
		if m.RequestType == rt {
			out = append(out, m)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, connected ...string) (*Coordinator, *StateMachine, *fakePeerView, *fakeSender, *event.Bus) {
	t.Helper()
	view := &fakePeerView{}
	bus := event.NewBus()
	sender := newFakeSender(connected...)
	self := msu.Identity{UID: "A", X: 0, Y: 0}
	sm := NewStateMachine(self, view, bus, nil)
	co := NewCoordinator(self, sm, sender, bus, nil)
	return co, sm, view, sender, bus
}

func TestInitiateCombineSendsRequests(t *testing.T) {
	co, sm, view, sender, _ := newTestCoordinator(t, "B", "C")
	view.addPeer("B", 1, 0, true, protocol.Single)
	view.addPeer("C", 0, 1, true, protocol.Single)

	require.True(t, co.InitiateCombine(protocol.Monster))
	assert.Equal(t, protocol.Monster, sm.Type())
	assert.True(t, sm.IsMaster())

	reqs := sender.sentOfType(protocol.RequestCombination)
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.Equal(t, "A", req.MasterMSUID)
		assert.Equal(t, protocol.Monster, req.RequestedType)
		assert.ElementsMatch(t, []string{"A", "C", "B"}, req.TargetMSUIDs)
	}
}

func TestInitiateCombineIllegalLocally(t *testing.T) {
	co, sm, _, sender, _ := newTestCoordinator(t, "B")

	assert.False(t, co.InitiateCombine(protocol.Mega))
	assert.Equal(t, protocol.Single, sm.Type())
	assert.Empty(t, sender.sent)
}

func TestRequestCoordinationUnreachableTarget(t *testing.T) {
	// B is connected, C is not: the call fails overall but B still gets
	// its request. No rollback is attempted; the periodic state broadcast
	// reconciles the partial result.
	co, sm, view, sender, _ := newTestCoordinator(t, "B")
	view.addPeer("B", 1, 0, true, protocol.Single)
	view.addPeer("C", 0, 1, true, protocol.Single)

	assert.False(t, co.InitiateCombine(protocol.Monster))

	// Local master state was applied before the failure surfaced.
	assert.Equal(t, protocol.Monster, sm.Type())
	assert.True(t, sm.IsMaster())

	reqs := sender.sentOfType(protocol.RequestCombination)
	require.Len(t, reqs, 1)
}

func TestInboundCombinationRequestAccepted(t *testing.T) {
	_, sm, _, sender, bus := newTestCoordinator(t, "B")

	// Transport republishes an inbound request from master B.
	bus.Publish(event.Event{
		Kind:          event.CoordinationRequested,
		RequestType:   protocol.RequestCombination,
		RequesterUID:  "B",
		RequestedType: protocol.Mega,
		TargetUIDs:    []string{"B", "A"},
	})

	assert.Equal(t, protocol.Mega, sm.Type())
	assert.False(t, sm.IsMaster())
	assert.Equal(t, "B", sm.MasterUID())

	accepts := sender.sentOfType(protocol.Accept)
	require.Len(t, accepts, 1)
	assert.Equal(t, "B", accepts[0].MasterMSUID)
}

func TestInboundCombinationRequestRejectedWhenOccupied(t *testing.T) {
	_, sm, _, sender, bus := newTestCoordinator(t, "B", "C")

	require.True(t, sm.ApplyRemoteCombination("B", protocol.Mega, []string{"B", "A"}))

	// A competing master C asks for the already-combined A.
	bus.Publish(event.Event{
		Kind:          event.CoordinationRequested,
		RequestType:   protocol.RequestCombination,
		RequesterUID:  "C",
		RequestedType: protocol.Mega,
		TargetUIDs:    []string{"C", "A"},
	})

	assert.Equal(t, "B", sm.MasterUID(), "membership unchanged")
	rejects := sender.sentOfType(protocol.Reject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "C", rejects[0].MasterMSUID)
}

func TestInboundUncombine(t *testing.T) {
	_, sm, _, sender, bus := newTestCoordinator(t, "B")
	require.True(t, sm.ApplyRemoteCombination("B", protocol.Mega, []string{"B", "A"}))

	bus.Publish(event.Event{
		Kind:         event.CoordinationRequested,
		RequestType:  protocol.RequestUncombine,
		RequesterUID: "B",
	})

	assert.Equal(t, protocol.Single, sm.Type())
	confirms := sender.sentOfType(protocol.ConfirmUncombine)
	require.Len(t, confirms, 1)
}

func TestInitiateUncombineNotifiesMembers(t *testing.T) {
	co, sm, view, sender, _ := newTestCoordinator(t, "B")
	view.addPeer("B", 1, 0, true, protocol.Single)

	require.True(t, co.InitiateCombine(protocol.Mega))
	require.True(t, co.InitiateUncombine())

	assert.Equal(t, protocol.Single, sm.Type())
	reqs := sender.sentOfType(protocol.RequestUncombine)
	require.Len(t, reqs, 1)
	assert.Equal(t, "A", reqs[0].MasterMSUID)
}

func TestRespond(t *testing.T) {
	co, _, _, sender, _ := newTestCoordinator(t, "B")

	assert.True(t, co.Respond("B", protocol.Accept))
	assert.False(t, co.Respond("Z", protocol.Accept), "unknown peer is unreachable")

	accepts := sender.sentOfType(protocol.Accept)
	require.Len(t, accepts, 1)
	assert.Equal(t, "A", accepts[0].SourceMSUID)
}
