// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateUpdateRoundTrip(t *testing.T) {
	msg := &StateUpdate{
		SourceMSUID:     "M1",
		CombinationType: Mega,
		XCoord:          2,
		YCoord:          3,
		CombinedMSUIDs:  []string{"M1", "M2"},
		Timestamp:       time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
	}

	frame, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := NewDecoder(bytes.NewReader(frame)).Decode()
	require.NoError(t, err)

	got, ok := decoded.(*StateUpdate)
	require.True(t, ok, "decoded %T", decoded)
	assert.Equal(t, "M1", got.SourceMSUID)
	assert.Equal(t, Mega, got.CombinationType)
	assert.Equal(t, 2, got.XCoord)
	assert.Equal(t, 3, got.YCoord)
	assert.Equal(t, []string{"M1", "M2"}, got.CombinedMSUIDs)
	assert.True(t, got.Timestamp.Equal(msg.Timestamp))
}

func TestAllMessageTypesRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	msgs := []interface{}{
		&Heartbeat{SourceMSUID: "M2", Timestamp: now},
		&Discovery{SourceMSUID: "M3", IsResponse: true},
		&Discovery{SourceMSUID: "M3", IsResponse: false},
		&Coordination{
			RequestType:   RequestCombination,
			SourceMSUID:   "M1",
			MasterMSUID:   "M1",
			RequestedType: Monster,
			TargetMSUIDs:  []string{"M2", "M3"},
		},
		&Coordination{RequestType: ConfirmUncombine, SourceMSUID: "M2", MasterMSUID: "M1"},
	}

	for _, msg := range msgs {
		frame, err := Encode(msg)
		require.NoError(t, err, "%T", msg)

		decoded, err := NewDecoder(bytes.NewReader(frame)).Decode()
		require.NoError(t, err, "%T", msg)
		assert.Equal(t, msg, decoded)
	}
}

func TestFramingSurvivesCoalescedWrites(t *testing.T) {
	// Two messages written back to back must decode as two messages, not
	// one concatenated blob.
	a, err := Encode(&Heartbeat{SourceMSUID: "M1", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	b, err := Encode(&Discovery{SourceMSUID: "M2", IsResponse: false})
	require.NoError(t, err)

	dec := NewDecoder(bytes.NewReader(append(append([]byte{}, a...), b...)))

	first, err := dec.Decode()
	require.NoError(t, err)
	require.IsType(t, &Heartbeat{}, first)

	second, err := dec.Decode()
	require.NoError(t, err)
	require.IsType(t, &Discovery{}, second)
	assert.Equal(t, "M2", second.(*Discovery).SourceMSUID)
}

// slowReader delivers one byte per Read call to simulate TCP splitting a
// frame across arbitrary boundaries.
type slowReader struct{ data []byte }

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestFramingSurvivesSplitWrites(t *testing.T) {
	frame, err := Encode(&StateUpdate{
		SourceMSUID:     "M7",
		CombinationType: Monster,
		XCoord:          1,
		YCoord:          1,
		Timestamp:       time.Now().UTC(),
	})
	require.NoError(t, err)

	decoded, err := NewDecoder(&slowReader{data: frame}).Decode()
	require.NoError(t, err)
	assert.Equal(t, "M7", decoded.(*StateUpdate).SourceMSUID)
}

func TestDecodeMalformed(t *testing.T) {
	frameFor := func(payload string) []byte {
		frame := make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
		copy(frame[4:], payload)
		return frame
	}

	cases := map[string][]byte{
		"not json":            frameFor("{{{"),
		"unknown type":        frameFor(`{"MessageType":"Bogus","SourceMSUID":"M1"}`),
		"missing source":      frameFor(`{"MessageType":"Heartbeat"}`),
		"bad combination":     frameFor(`{"MessageType":"StateUpdate","SourceMSUID":"M1","CombinationType":"Giga","Timestamp":"2025-06-01T00:00:00Z"}`),
		"bad request type":    frameFor(`{"MessageType":"CombinationCoordination","SourceMSUID":"M1","RequestType":"Maybe"}`),
		"missing timestamp":   frameFor(`{"MessageType":"Heartbeat","SourceMSUID":"M1"}`),
		"unparsable timestamp": frameFor(`{"MessageType":"Heartbeat","SourceMSUID":"M1","Timestamp":"yesterday"}`),
		"zero frame length":   {0, 0, 0, 0},
	}

	for name, data := range cases {
		_, err := NewDecoder(bytes.NewReader(data)).Decode()
		require.Error(t, err, name)
		assert.ErrorIs(t, err, ErrMalformed, name)
	}

	// Oversized frame length rejected before allocation.
	huge := make([]byte, 4)
	binary.BigEndian.PutUint32(huge, MaxMessageSize+1)
	_, err := NewDecoder(bytes.NewReader(huge)).Decode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMalformedFrameDoesNotPoisonStream(t *testing.T) {
	bad := make([]byte, 4+7)
	binary.BigEndian.PutUint32(bad[:4], 7)
	copy(bad[4:], "garbage")

	good, err := Encode(&Discovery{SourceMSUID: "M9"})
	require.NoError(t, err)

	dec := NewDecoder(bytes.NewReader(append(bad, good...)))

	_, err = dec.Decode()
	require.ErrorIs(t, err, ErrMalformed)

	decoded, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "M9", decoded.(*Discovery).SourceMSUID)
}

func TestCombinationTypeSizes(t *testing.T) {
	assert.Equal(t, 1, Single.Size())
	assert.Equal(t, 2, Mega.Size())
	assert.Equal(t, 3, Monster.Size())
	assert.Equal(t, 0, Single.AdditionalPeers())
	assert.Equal(t, 1, Mega.AdditionalPeers())
	assert.Equal(t, 2, Monster.AdditionalPeers())

	assert.True(t, Mega.Valid())
	assert.False(t, CombinationType("Giga").Valid())
}
