// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package combine owns the local unit's combination state machine and the
// coordination protocol that drives multi-node combine/uncombine handshakes.
// Legality failures surface as boolean results, never errors; callers must
// check them.
package combine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gridworks/msucoord/event"
	"github.com/gridworks/msucoord/internal/telemetry"
	"github.com/gridworks/msucoord/msu"
	"github.com/gridworks/msucoord/protocol"
	"github.com/gridworks/msucoord/transport"
)

// PeerView is the slice of the transport the state machine depends on:
// adjacency-filtered peer states for legality checks, and the local-state
// sink that triggers replication.
type PeerView interface {
	AdjacentMSUs() []transport.AdjacentMSU
	SetLocalState(typ protocol.CombinationType, memberUIDs []string)
}

// Member is one unit of the local combined group.
type Member struct {
	Identity msu.Identity
	Master   bool
}

// StateMachine tracks the local unit's combination type and group
// membership. A single mutex guards all state; no two mutating calls
// interleave.
type StateMachine struct {
	self  msu.Identity
	peers PeerView
	bus   *event.Bus
	log   *zap.Logger

	mu        sync.Mutex
	typ       protocol.CombinationType
	members   []Member // empty when Single; ordered, exactly one master otherwise
	master    bool
	masterUID string
}

// NewStateMachine creates a Single state machine for the local unit.
func NewStateMachine(self msu.Identity, peers PeerView, bus *event.Bus, log *zap.Logger) *StateMachine {
	if log == nil {
		log = zap.NewNop()
	}
	return &StateMachine{
		self:  self,
		peers: peers,
		bus:   bus,
		log:   log.Named("combine"),
		typ:   protocol.Single,
	}
}

// Type returns the current combination type.
func (s *StateMachine) Type() protocol.CombinationType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

// IsMaster reports whether the local unit is the master of its group.
// Always false when Single.
func (s *StateMachine) IsMaster() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// MasterUID returns the UID of the group master, or "" when Single.
func (s *StateMachine) MasterUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterUID
}

// Members returns a copy of the current group membership. Empty when Single.
func (s *StateMachine) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Member(nil), s.members...)
}

// MemberUIDs returns the UIDs of the current group, master first.
func (s *StateMachine) MemberUIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memberUIDs(s.members)
}

// CanCombine reports whether a combination of the given type could be
// initiated right now: the local unit must be Single or already master of a
// group, and enough adjacent peers must be available, unoccupied and
// uncombined to cover the type's additional member count.
func (s *StateMachine) CanCombine(typ protocol.CombinationType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canCombineLocked(typ)
}

func (s *StateMachine) canCombineLocked(typ protocol.CombinationType) bool {
	if typ != protocol.Mega && typ != protocol.Monster {
		return false
	}
	// Only a Single unit or the current master may initiate; a combined
	// slave never starts a new combination.
	if s.typ != protocol.Single && !s.master {
		return false
	}
	return len(s.eligiblePeers()) >= typ.AdditionalPeers()
}

// eligiblePeers returns the adjacent peers that could join a new group:
// heard from, available, and not already part of a combination. Members of
// the local group stay eligible so a master can grow Mega into Monster
// without dissolving first. Enumeration is fixed north, south, east, west of
// the local unit so selection is deterministic.
func (s *StateMachine) eligiblePeers() []msu.Identity {
	adjacent := s.peers.AdjacentMSUs()

	own := make(map[string]bool, len(s.members))
	if s.master {
		for _, m := range s.members {
			own[m.Identity.UID] = true
		}
	}

	byPos := make(map[[2]int]transport.AdjacentMSU, len(adjacent))
	for _, a := range adjacent {
		byPos[[2]int{a.Identity.X, a.Identity.Y}] = a
	}

	order := [][2]int{
		{s.self.X, s.self.Y + 1}, // north
		{s.self.X, s.self.Y - 1}, // south
		{s.self.X + 1, s.self.Y}, // east
		{s.self.X - 1, s.self.Y}, // west
	}

	var out []msu.Identity
	for _, pos := range order {
		a, ok := byPos[pos]
		if !ok || !a.Known {
			continue
		}
		if !a.State.Available {
			continue
		}
		if a.State.Occupied() && !own[a.Identity.UID] {
			continue
		}
		out = append(out, a.Identity)
	}
	return out
}

// Combine transitions the local unit to master of a new group of the given
// type, selecting members from adjacent peers in north/south/east/west
// order. Legality is re-checked under the state lock; returns false when
// prerequisites are no longer met. On success the new state is published as
// a CombinationChanged event and handed to the transport for asynchronous
// broadcast.
func (s *StateMachine) Combine(typ protocol.CombinationType) bool {
	s.mu.Lock()
	if !s.canCombineLocked(typ) {
		s.mu.Unlock()
		return false
	}

	selected := s.eligiblePeers()[:typ.AdditionalPeers()]
	members := make([]Member, 0, typ.Size())
	members = append(members, Member{Identity: s.self, Master: true})
	for _, id := range selected {
		members = append(members, Member{Identity: id})
	}

	s.typ = typ
	s.members = members
	s.master = true
	s.masterUID = s.self.UID
	uids := memberUIDs(members)
	ev := s.changedEventLocked()
	s.mu.Unlock()

	telemetry.CombinationSize.Set(float64(typ.Size()))
	s.log.Info("combined",
		zap.String("type", string(typ)),
		zap.Strings("members", uids))
	s.bus.Publish(ev)
	s.peers.SetLocalState(typ, uids)
	return true
}

// Uncombine dissolves the local group. Only the master may dissolve a
// group; a Single unit succeeds as a no-op. Returns false when called on a
// combined slave.
func (s *StateMachine) Uncombine() bool {
	s.mu.Lock()
	if s.typ == protocol.Single {
		s.mu.Unlock()
		return true
	}
	if !s.master {
		s.mu.Unlock()
		return false
	}

	prev := s.typ
	s.resetLocked()
	ev := s.changedEventLocked()
	s.mu.Unlock()

	telemetry.CombinationSize.Set(1)
	s.log.Info("uncombined", zap.String("was", string(prev)))
	s.bus.Publish(ev)
	s.peers.SetLocalState(protocol.Single, nil)
	return true
}

// ApplyRemoteCombination applies a master-initiated combination in which
// the local unit participates as a slave. This is the
// UpdateLocalCombinationState surface used by the coordination layer and
// external collaborators. Returns false when the local unit is already part
// of another group.
func (s *StateMachine) ApplyRemoteCombination(masterUID string, typ protocol.CombinationType, uids []string) bool {
	if !typ.Valid() || typ == protocol.Single {
		return false
	}

	s.mu.Lock()
	if s.typ != protocol.Single && s.masterUID != masterUID {
		s.mu.Unlock()
		return false
	}

	members := make([]Member, 0, len(uids))
	for _, uid := range uids {
		members = append(members, Member{
			Identity: msu.Identity{UID: uid},
			Master:   uid == masterUID,
		})
	}
	s.typ = typ
	s.members = members
	s.master = masterUID == s.self.UID
	s.masterUID = masterUID
	ev := s.changedEventLocked()
	s.mu.Unlock()

	telemetry.CombinationSize.Set(float64(typ.Size()))
	s.log.Info("joined combination",
		zap.String("master", masterUID),
		zap.String("type", string(typ)))
	s.bus.Publish(ev)
	s.peers.SetLocalState(typ, uids)
	return true
}

// ApplyRemoteUncombine dissolves the group on a slave when its master asks
// for dissolution. Requests from units that are not the current master are
// ignored.
func (s *StateMachine) ApplyRemoteUncombine(masterUID string) bool {
	s.mu.Lock()
	if s.typ == protocol.Single {
		s.mu.Unlock()
		return true
	}
	if s.masterUID != masterUID {
		s.mu.Unlock()
		return false
	}

	s.resetLocked()
	ev := s.changedEventLocked()
	s.mu.Unlock()

	telemetry.CombinationSize.Set(1)
	s.log.Info("left combination", zap.String("master", masterUID))
	s.bus.Publish(ev)
	s.peers.SetLocalState(protocol.Single, nil)
	return true
}

// resetLocked returns the unit to Single. Caller holds mu.
func (s *StateMachine) resetLocked() {
	s.typ = protocol.Single
	s.members = nil
	s.master = false
	s.masterUID = ""
}

// changedEventLocked snapshots the state for a CombinationChanged event.
// Caller holds mu; publishing happens after release.
func (s *StateMachine) changedEventLocked() event.Event {
	ev := event.Event{
		Kind:            event.CombinationChanged,
		CombinationType: s.typ,
	}
	for _, m := range s.members {
		ev.Members = append(ev.Members, event.Member{UID: m.Identity.UID, Master: m.Master})
	}
	return ev
}

func memberUIDs(members []Member) []string {
	uids := make([]string, 0, len(members))
	for _, m := range members {
		uids = append(uids, m.Identity.UID)
	}
	return uids
}
