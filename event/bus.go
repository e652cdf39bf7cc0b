// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package event provides the publish/subscribe bus that carries coordination
// events between the transport, the combination state machine and outside
// observers. Delivery is synchronous and subscription-ordered on the
// goroutine that published, so a subscriber always observes events in the
// order the state mutations happened.
package event

import (
	"sync"

	"github.com/gridworks/msucoord/protocol"
)

// Kind discriminates the event union.
type Kind string

// Event kinds.
const (
	RemoteStateChanged          Kind = "RemoteStateChanged"
	AdjacentAvailabilityChanged Kind = "AdjacentMSUAvailabilityChanged"
	CoordinationRequested       Kind = "CombinationCoordinationRequested"
	CombinationChanged          Kind = "CombinationChanged"
)

// Member is one unit of a combined group as seen by observers.
type Member struct {
	UID    string
	Master bool
}

// Event is the tagged union delivered to subscribers. Only the fields for
// the event's Kind are populated.
type Event struct {
	Kind Kind

	// RemoteStateChanged / AdjacentAvailabilityChanged
	UID             string
	Available       bool
	CombinationType protocol.CombinationType
	PrevAvailable   bool
	PrevType        protocol.CombinationType

	// CoordinationRequested
	RequestType   protocol.RequestType
	RequesterUID  string
	RequestedType protocol.CombinationType
	TargetUIDs    []string

	// CombinationChanged
	Members []Member
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events. There is no
// unsubscribe; buses live as long as the node.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to every subscriber, in the order they
// subscribed, before returning.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
