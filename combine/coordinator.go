// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package combine

import (
	"go.uber.org/zap"

	"github.com/gridworks/msucoord/event"
	"github.com/gridworks/msucoord/internal/telemetry"
	"github.com/gridworks/msucoord/msu"
	"github.com/gridworks/msucoord/protocol"
)

// Sender is the slice of the transport the coordinator uses to reach peers.
type Sender interface {
	Send(uid string, msg interface{}) error
	Connected(uid string) bool
}

// Coordinator executes multi-node combine/uncombine handshakes. There is no
// two-phase commit: each node applies its local transition on send or
// receive, and a partition mid-handshake leaves disagreement until the
// periodic StateUpdate cycle reconciles it.
type Coordinator struct {
	self   msu.Identity
	sm     *StateMachine
	sender Sender
	bus    *event.Bus
	log    *zap.Logger
}

// NewCoordinator wires a coordinator to the state machine and transport and
// subscribes it to inbound coordination events on the bus.
func NewCoordinator(self msu.Identity, sm *StateMachine, sender Sender, bus *event.Bus, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		self:   self,
		sm:     sm,
		sender: sender,
		bus:    bus,
		log:    log.Named("coordination"),
	}
	bus.Subscribe(c.onEvent)
	return c
}

// InitiateCombine applies the combination locally and requests coordination
// from the selected members. Returns false when the local transition is
// illegal or any member could not be reached.
func (c *Coordinator) InitiateCombine(typ protocol.CombinationType) bool {
	if !c.sm.Combine(typ) {
		return false
	}
	var targets []string
	for _, uid := range c.sm.MemberUIDs() {
		if uid != c.self.UID {
			targets = append(targets, uid)
		}
	}
	return c.RequestCoordination(targets, typ)
}

// InitiateUncombine dissolves the local group and asks every former member
// to do the same. Master-only; a Single unit succeeds as a no-op.
func (c *Coordinator) InitiateUncombine() bool {
	targets := make([]string, 0)
	for _, uid := range c.sm.MemberUIDs() {
		if uid != c.self.UID {
			targets = append(targets, uid)
		}
	}
	if !c.sm.Uncombine() {
		return false
	}
	ok := true
	for _, uid := range targets {
		if !c.sendCoordination(uid, &protocol.Coordination{
			RequestType: protocol.RequestUncombine,
			SourceMSUID: c.self.UID,
			MasterMSUID: c.self.UID,
		}) {
			ok = false
		}
	}
	return ok
}

// RequestCoordination sends a combination request to each target over its
// existing connection. A target without a live connection counts as an
// immediate local failure and fails the call, but targets already notified
// are not compensated; the periodic StateUpdate cycle reconciles any
// resulting disagreement.
func (c *Coordinator) RequestCoordination(targetUIDs []string, typ protocol.CombinationType) bool {
	members := c.sm.MemberUIDs()
	ok := true
	for _, uid := range targetUIDs {
		if !c.sendCoordination(uid, &protocol.Coordination{
			RequestType:   protocol.RequestCombination,
			SourceMSUID:   c.self.UID,
			MasterMSUID:   c.self.UID,
			RequestedType: typ,
			TargetMSUIDs:  members,
		}) {
			ok = false
		}
	}
	return ok
}

// Respond sends a coordination response (Accept, Reject, RequestUncombine
// or ConfirmUncombine) to the requester.
func (c *Coordinator) Respond(requesterUID string, responseType protocol.RequestType) bool {
	return c.sendCoordination(requesterUID, &protocol.Coordination{
		RequestType: responseType,
		SourceMSUID: c.self.UID,
		MasterMSUID: requesterUID,
	})
}

func (c *Coordinator) sendCoordination(uid string, msg *protocol.Coordination) bool {
	if !c.sender.Connected(uid) {
		c.log.Warn("coordination target unreachable",
			zap.String("target", uid),
			zap.String("request", string(msg.RequestType)))
		return false
	}
	if err := c.sender.Send(uid, msg); err != nil {
		c.log.Warn("coordination send failed",
			zap.String("target", uid), zap.Error(err))
		return false
	}
	telemetry.CoordinationRequestsTotal.WithLabelValues(string(msg.RequestType), "sent").Inc()
	return true
}

// onEvent handles inbound coordination steps republished by the transport.
func (c *Coordinator) onEvent(ev event.Event) {
	if ev.Kind != event.CoordinationRequested {
		return
	}

	switch ev.RequestType {
	case protocol.RequestCombination:
		// The requester is the prospective master. Apply the slave-side
		// transition and answer.
		if c.sm.ApplyRemoteCombination(ev.RequesterUID, ev.RequestedType, ev.TargetUIDs) {
			c.Respond(ev.RequesterUID, protocol.Accept)
		} else {
			c.log.Warn("rejecting combination request",
				zap.String("master", ev.RequesterUID),
				zap.String("type", string(ev.RequestedType)))
			c.Respond(ev.RequesterUID, protocol.Reject)
		}
	case protocol.RequestUncombine:
		if c.sm.ApplyRemoteUncombine(ev.RequesterUID) {
			c.Respond(ev.RequesterUID, protocol.ConfirmUncombine)
		}
	case protocol.Accept:
		c.log.Debug("combination accepted", zap.String("member", ev.RequesterUID))
	case protocol.Reject:
		// The member refused after we already applied our master-side
		// state. No automatic retry or rollback; the caller decides.
		c.log.Warn("combination rejected", zap.String("member", ev.RequesterUID))
	case protocol.ConfirmUncombine:
		c.log.Debug("uncombine confirmed", zap.String("member", ev.RequesterUID))
	}
}
