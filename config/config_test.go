// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen_port: 7700
discovery_interval: 5s
heartbeat_interval: 2s
connection_timeout: 4s
nodes:
  - uid: M1
    name: alpha
    mac: "aa:bb:cc:dd:ee:01"
    host: 10.0.0.11
    x: 0
    y: 0
    zone: lounge
  - uid: M2
    name: beta
    mac: "aa:bb:cc:dd:ee:02"
    host: 10.0.0.12
    port: 7701
    x: 1
    y: 0
    zone: lounge
  - uid: M3
    name: gamma
    mac: "aa:bb:cc:dd:ee:03"
    host: 10.0.0.13
    x: 0
    y: 1
    zone: lounge
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 7700, cfg.ListenPort)
	assert.Equal(t, 5*time.Second, cfg.DiscoveryInterval.Std())
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, 4*time.Second, cfg.ConnectionTimeout.Std())
	require.Len(t, cfg.Nodes, 3)
	assert.Equal(t, "lounge", cfg.Nodes[0].Zone)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msucoord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Nodes, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRoster(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	roster := cfg.Roster()
	require.Len(t, roster, 3)
	assert.Equal(t, "M1", roster[0].UID)
	assert.Equal(t, "AABBCCDDEE01", roster[0].MAC, "roster MACs are normalized")
	assert.Equal(t, 1, roster[1].X)
}

func TestPeersExcludeSelfAndDefaultPort(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	peers := cfg.Peers("M1")
	require.Len(t, peers, 2)

	addrs := map[string]string{}
	for _, p := range peers {
		addrs[p.Identity.UID] = p.Addr
	}
	assert.Equal(t, "10.0.0.12:7701", addrs["M2"], "explicit node port wins")
	assert.Equal(t, "10.0.0.13:7700", addrs["M3"], "listen_port is the default")
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"bad port": `
listen_port: 0
nodes:
  - {uid: M1, mac: "aa:bb:cc:dd:ee:01", host: h1, x: 0, y: 0}
`,
		"empty roster": `
listen_port: 7700
nodes: []
`,
		"duplicate uid": `
listen_port: 7700
nodes:
  - {uid: M1, mac: "aa:bb:cc:dd:ee:01", host: h1, x: 0, y: 0}
  - {uid: M1, mac: "aa:bb:cc:dd:ee:02", host: h2, x: 1, y: 0}
`,
		"duplicate mac differing only in form": `
listen_port: 7700
nodes:
  - {uid: M1, mac: "aa:bb:cc:dd:ee:01", host: h1, x: 0, y: 0}
  - {uid: M2, mac: "AA-BB-CC-DD-EE-01", host: h2, x: 1, y: 0}
`,
		"duplicate grid cell": `
listen_port: 7700
nodes:
  - {uid: M1, mac: "aa:bb:cc:dd:ee:01", host: h1, x: 0, y: 0}
  - {uid: M2, mac: "aa:bb:cc:dd:ee:02", host: h2, x: 0, y: 0}
`,
		"missing host": `
listen_port: 7700
nodes:
  - {uid: M1, mac: "aa:bb:cc:dd:ee:01", x: 0, y: 0}
`,
		"missing mac": `
listen_port: 7700
nodes:
  - {uid: M1, host: h1, x: 0, y: 0}
`,
	}

	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}
