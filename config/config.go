// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the YAML roster describing every MSU on the grid and
// the local communication settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridworks/msucoord/msu"
	"github.com/gridworks/msucoord/transport"
)

// Node is one roster entry.
type Node struct {
	UID  string `yaml:"uid"`
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
	Host string `yaml:"host"`
	Port int    `yaml:"port,omitempty"` // defaults to listen_port
	X    int    `yaml:"x"`
	Y    int    `yaml:"y"`
	Zone string `yaml:"zone,omitempty"`
}

// Duration decodes "30s"-style YAML values into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	ListenPort        int      `yaml:"listen_port"`
	DiscoveryInterval Duration `yaml:"discovery_interval,omitempty"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
	ConnectionTimeout Duration `yaml:"connection_timeout,omitempty"`
	Nodes             []Node   `yaml:"nodes"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: invalid listen_port %d", c.ListenPort)
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: empty node roster")
	}

	uids := make(map[string]bool, len(c.Nodes))
	macs := make(map[string]bool, len(c.Nodes))
	cells := make(map[[2]int]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.UID == "" {
			return fmt.Errorf("config: node %d missing uid", i)
		}
		if n.MAC == "" {
			return fmt.Errorf("config: node %s missing mac", n.UID)
		}
		if n.Host == "" {
			return fmt.Errorf("config: node %s missing host", n.UID)
		}
		if uids[n.UID] {
			return fmt.Errorf("config: duplicate uid %s", n.UID)
		}
		uids[n.UID] = true

		mac := msu.NormalizeMAC(n.MAC)
		if macs[mac] {
			return fmt.Errorf("config: duplicate mac %s (node %s)", n.MAC, n.UID)
		}
		macs[mac] = true

		cell := [2]int{n.X, n.Y}
		if cells[cell] {
			return fmt.Errorf("config: duplicate grid position (%d,%d) for node %s", n.X, n.Y, n.UID)
		}
		cells[cell] = true
	}
	return nil
}

// Roster converts the node list into identities.
func (c *Config) Roster() []msu.Identity {
	roster := make([]msu.Identity, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		roster = append(roster, identityOf(n))
	}
	return roster
}

// Peers builds the transport peer list for the given local unit: every
// roster node except the unit itself, with its dialable address.
func (c *Config) Peers(localUID string) []transport.Peer {
	peers := make([]transport.Peer, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.UID == localUID {
			continue
		}
		port := n.Port
		if port == 0 {
			port = c.ListenPort
		}
		peers = append(peers, transport.Peer{
			Identity: identityOf(n),
			Addr:     fmt.Sprintf("%s:%d", n.Host, port),
		})
	}
	return peers
}

func identityOf(n Node) msu.Identity {
	return msu.Identity{
		UID:    n.UID,
		Name:   n.Name,
		MAC:    msu.NormalizeMAC(n.MAC),
		X:      n.X,
		Y:      n.Y,
		ZoneID: n.Zone,
	}
}
