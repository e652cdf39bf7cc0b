// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msu

// Adjacent reports whether two grid positions share an edge: exactly one
// axis differs by 1 and the other is equal. Diagonal neighbors are never
// adjacent.
func Adjacent(x1, y1, x2, y2 int) bool {
	dx := abs(x1 - x2)
	dy := abs(y1 - y2)
	return (dx == 1 && dy == 0) || (dx == 0 && dy == 1)
}

// AdjacentTo reports whether two identities occupy edge-sharing positions.
func AdjacentTo(a, b Identity) bool {
	return Adjacent(a.X, a.Y, b.X, b.Y)
}

// AdjacentOf returns the subset of candidates whose positions share an edge
// with local. Pure, O(n) over candidates; order is preserved.
func AdjacentOf(local Identity, candidates []Identity) []Identity {
	var out []Identity
	for _, c := range candidates {
		if Adjacent(local.X, local.Y, c.X, c.Y) {
			out = append(out, c)
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
