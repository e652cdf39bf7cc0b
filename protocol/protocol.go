// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package protocol defines the peer-to-peer wire messages exchanged between
// MSUs and the framed codec that carries them over TCP. Every message is a
// length-prefixed JSON object tagged with a MessageType field, so a stream
// of coalesced or split TCP writes always decodes into whole messages.
package protocol

import (
	"time"
)

// Default timing parameters for the peer transport.
const (
	DefaultDiscoveryInterval = 30 * time.Second // Outbound connect attempts to unconnected roster peers
	DefaultHeartbeatInterval = 10 * time.Second // Heartbeat broadcast interval
	DefaultConnectionTimeout = 20 * time.Second // Idle time before a connection is considered stale

	// MaxMessageSize bounds a single framed message. Anything larger is
	// rejected as malformed before allocation.
	MaxMessageSize = 64 * 1024
)

// Message type tags.
const (
	TypeStateUpdate  = "StateUpdate"
	TypeHeartbeat    = "Heartbeat"
	TypeDiscovery    = "Discovery"
	TypeCoordination = "CombinationCoordination"
)

// CombinationType is the grouping state of an MSU.
type CombinationType string

// Combination types and their group sizes.
const (
	Single  CombinationType = "Single"  // Standalone unit, size 1
	Mega    CombinationType = "Mega"    // Two combined units
	Monster CombinationType = "Monster" // Three combined units
)

// Size returns the total member count required by the combination type.
func (t CombinationType) Size() int {
	switch t {
	case Mega:
		return 2
	case Monster:
		return 3
	default:
		return 1
	}
}

// AdditionalPeers returns how many peers beyond the master the type needs.
func (t CombinationType) AdditionalPeers() int {
	return t.Size() - 1
}

// Valid reports whether t is a known combination type.
func (t CombinationType) Valid() bool {
	switch t {
	case Single, Mega, Monster:
		return true
	}
	return false
}

// RequestType identifies the intent of a coordination message.
type RequestType string

// Coordination request types.
const (
	RequestCombination RequestType = "RequestCombination" // Master asks targets to join a group
	Accept             RequestType = "Accept"             // Target accepts a combination request
	Reject             RequestType = "Reject"             // Target rejects a combination request
	RequestUncombine   RequestType = "RequestUncombine"   // Master asks members to dissolve the group
	ConfirmUncombine   RequestType = "ConfirmUncombine"   // Member confirms dissolution
)

// StateUpdate replicates a unit's combination state and grid position.
type StateUpdate struct {
	SourceMSUID     string          `json:"SourceMSUID"`
	CombinationType CombinationType `json:"CombinationType"`
	XCoord          int             `json:"XCoord"`
	YCoord          int             `json:"YCoord"`
	CombinedMSUIDs  []string        `json:"CombinedMSUIDs,omitempty"`
	Timestamp       time.Time       `json:"Timestamp"`
}

// Heartbeat is the periodic liveness signal.
type Heartbeat struct {
	SourceMSUID string    `json:"SourceMSUID"`
	Timestamp   time.Time `json:"Timestamp"`
}

// Discovery opens the handshake on a fresh connection. The receiver of a
// request (IsResponse=false) answers with IsResponse=true followed
// immediately by its own StateUpdate.
type Discovery struct {
	SourceMSUID string `json:"SourceMSUID"`
	IsResponse  bool   `json:"IsResponse"`
}

// Coordination carries a combine/uncombine handshake step between a master
// and its targets.
type Coordination struct {
	RequestType   RequestType     `json:"RequestType"`
	SourceMSUID   string          `json:"SourceMSUID"`
	MasterMSUID   string          `json:"MasterMSUID"`
	RequestedType CombinationType `json:"RequestedType,omitempty"`
	TargetMSUIDs  []string        `json:"TargetMSUIDs,omitempty"`
}
