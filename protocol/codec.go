// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrMalformed is returned for payloads that cannot be decoded into a known
// message. Read loops log and drop these; they must never crash on them.
var ErrMalformed = errors.New("protocol: malformed message")

// envelope is the wire shape of every framed message: the type tag plus the
// union of all type-specific fields.
type envelope struct {
	MessageType string `json:"MessageType"`

	SourceMSUID     string          `json:"SourceMSUID"`
	CombinationType CombinationType `json:"CombinationType,omitempty"`
	XCoord          int             `json:"XCoord,omitempty"`
	YCoord          int             `json:"YCoord,omitempty"`
	CombinedMSUIDs  []string        `json:"CombinedMSUIDs,omitempty"`
	Timestamp       string          `json:"Timestamp,omitempty"`
	IsResponse      bool            `json:"IsResponse,omitempty"`
	RequestType     RequestType     `json:"RequestType,omitempty"`
	MasterMSUID     string          `json:"MasterMSUID,omitempty"`
	RequestedType   CombinationType `json:"RequestedType,omitempty"`
	TargetMSUIDs    []string        `json:"TargetMSUIDs,omitempty"`
}

// Timestamps travel as RFC 3339 text.
const timeLayout = time.RFC3339Nano

// Encode serializes a message (StateUpdate, Heartbeat, Discovery or
// Coordination) into a single frame: a 4-byte big-endian length prefix
// followed by the JSON payload.
func Encode(msg interface{}) ([]byte, error) {
	var env envelope

	switch m := msg.(type) {
	case *StateUpdate:
		env = envelope{
			MessageType:     TypeStateUpdate,
			SourceMSUID:     m.SourceMSUID,
			CombinationType: m.CombinationType,
			XCoord:          m.XCoord,
			YCoord:          m.YCoord,
			CombinedMSUIDs:  m.CombinedMSUIDs,
			Timestamp:       m.Timestamp.Format(timeLayout),
		}
	case *Heartbeat:
		env = envelope{
			MessageType: TypeHeartbeat,
			SourceMSUID: m.SourceMSUID,
			Timestamp:   m.Timestamp.Format(timeLayout),
		}
	case *Discovery:
		env = envelope{
			MessageType: TypeDiscovery,
			SourceMSUID: m.SourceMSUID,
			IsResponse:  m.IsResponse,
		}
	case *Coordination:
		env = envelope{
			MessageType:   TypeCoordination,
			SourceMSUID:   m.SourceMSUID,
			RequestType:   m.RequestType,
			MasterMSUID:   m.MasterMSUID,
			RequestedType: m.RequestedType,
			TargetMSUIDs:  m.TargetMSUIDs,
		}
	default:
		return nil, fmt.Errorf("protocol: unsupported message type %T", msg)
	}

	payload, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s: %w", env.MessageType, err)
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// Decoder reads framed messages off a stream. It is not safe for concurrent
// use; each connection owns exactly one.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps a stream for framed reads.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next frame and returns the typed message it carries:
// one of *StateUpdate, *Heartbeat, *Discovery, *Coordination. A closed or
// broken stream surfaces the underlying I/O error; undecodable payloads
// return an error wrapping ErrMalformed and leave the stream positioned at
// the next frame.
func (d *Decoder) Decode() (interface{}, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > MaxMessageSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformed, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.SourceMSUID == "" {
		return nil, fmt.Errorf("%w: missing SourceMSUID", ErrMalformed)
	}

	switch env.MessageType {
	case TypeStateUpdate:
		if !env.CombinationType.Valid() {
			return nil, fmt.Errorf("%w: combination type %q", ErrMalformed, env.CombinationType)
		}
		ts, err := parseTimestamp(env.Timestamp)
		if err != nil {
			return nil, err
		}
		return &StateUpdate{
			SourceMSUID:     env.SourceMSUID,
			CombinationType: env.CombinationType,
			XCoord:          env.XCoord,
			YCoord:          env.YCoord,
			CombinedMSUIDs:  env.CombinedMSUIDs,
			Timestamp:       ts,
		}, nil
	case TypeHeartbeat:
		ts, err := parseTimestamp(env.Timestamp)
		if err != nil {
			return nil, err
		}
		return &Heartbeat{SourceMSUID: env.SourceMSUID, Timestamp: ts}, nil
	case TypeDiscovery:
		return &Discovery{SourceMSUID: env.SourceMSUID, IsResponse: env.IsResponse}, nil
	case TypeCoordination:
		switch env.RequestType {
		case RequestCombination, Accept, Reject, RequestUncombine, ConfirmUncombine:
		default:
			return nil, fmt.Errorf("%w: request type %q", ErrMalformed, env.RequestType)
		}
		return &Coordination{
			RequestType:   env.RequestType,
			SourceMSUID:   env.SourceMSUID,
			MasterMSUID:   env.MasterMSUID,
			RequestedType: env.RequestedType,
			TargetMSUIDs:  env.TargetMSUIDs,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, env.MessageType)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, s)
	}
	return ts, nil
}
