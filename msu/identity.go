// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package msu defines MSU identities and the pure grid functions used to
// resolve a local unit against a roster and compute 4-directional adjacency.
package msu

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Default coordinates for a unit that could not be matched against the
// roster and runs standalone.
const (
	StandaloneX = 0
	StandaloneY = 0
)

// ErrUnidentified is returned when no roster entry matches the local
// hardware address.
var ErrUnidentified = errors.New("msu: no roster entry for hardware address")

// Identity describes a single MSU on the grid. Immutable once resolved.
type Identity struct {
	UID    string // Unique unit identifier
	Name   string // Human-readable unit name
	MAC    string // Hardware address, normalized form
	X      int    // Grid column
	Y      int    // Grid row
	ZoneID string // Zone the unit belongs to
}

// NormalizeMAC canonicalizes a hardware address for comparison: separators
// (":", "-", ".", spaces) are stripped and hex digits upper-cased, so
// "aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF" and "aabbccddeeff" all compare
// equal.
func NormalizeMAC(mac string) string {
	var b strings.Builder
	b.Grow(len(mac))
	for _, r := range mac {
		switch r {
		case ':', '-', '.', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Resolve matches a local hardware address against the roster and returns
// the corresponding Identity. The returned identity carries the normalized
// MAC regardless of the form used in the roster.
func Resolve(mac string, roster []Identity) (Identity, error) {
	want := NormalizeMAC(mac)
	if want == "" {
		return Identity{}, fmt.Errorf("%w: empty address", ErrUnidentified)
	}
	for _, id := range roster {
		if NormalizeMAC(id.MAC) == want {
			id.MAC = want
			return id, nil
		}
	}
	return Identity{}, fmt.Errorf("%w: %q", ErrUnidentified, mac)
}

// Standalone builds the synthetic fallback identity for a unit whose
// hardware address has no roster entry. The unit gets default coordinates
// and a UID derived from its address so it stays stable across restarts.
func Standalone(mac string) Identity {
	norm := NormalizeMAC(mac)
	return Identity{
		UID:  "MSU-" + norm,
		Name: "standalone",
		MAC:  norm,
		X:    StandaloneX,
		Y:    StandaloneY,
	}
}

// LocalHardwareAddrs enumerates the MAC addresses of the host's non-loopback
// network interfaces, in interface order. Used by the daemon to find the
// address to resolve against the roster.
func LocalHardwareAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	var addrs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		addrs = append(addrs, iface.HardwareAddr.String())
	}
	return addrs, nil
}
