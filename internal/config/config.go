// Package config loads Serial Keel's YAML configuration document and
// translates it into the core's registry.Config. Parsing itself is a
// collaborator outside the core per spec.md §6; this package is that
// collaborator, built the way the teacher's internal/hub/config and
// internal/worker/config load and validate runtime configuration, but
// against a real document instead of flags alone (SPEC_FULL.md §2.2).
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/serial-keel/serial-keel/internal/endpoint"
	"github.com/serial-keel/serial-keel/internal/registry"
	"github.com/serial-keel/serial-keel/internal/session"
)

// EndpointConfig is one entry under "endpoints" or a group's
// "endpoints": exactly one of Tty/Mock must be set.
type EndpointConfig struct {
	Tty    string   `koanf:"tty"`
	Mock   string   `koanf:"mock"`
	Labels []string `koanf:"labels"`
}

// GroupConfig is one entry under "groups": an ordered member list
// controlled atomically, plus its own labels.
type GroupConfig struct {
	Name      string           `koanf:"name"`
	Labels    []string         `koanf:"labels"`
	Endpoints []EndpointConfig `koanf:"endpoints"`
}

// Config is the parsed form of the YAML document described in
// SPEC_FULL.md §2.2.
type Config struct {
	Addr      string           `koanf:"addr"`
	MockMode  string           `koanf:"mock_mode"`
	Endpoints []EndpointConfig `koanf:"endpoints"`
	Groups    []GroupConfig    `koanf:"groups"`
}

var defaults = map[string]interface{}{
	"addr":      ":7861",
	"mock_mode": "per-session",
}

// Load reads path as YAML, applies SERIALKEEL_-prefixed environment
// overrides, and validates the result. An empty path loads only
// defaults and environment overrides, for tests and mock-only setups.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("SERIALKEEL_", ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKeyTransform(s string) string {
	s = strings.TrimPrefix(s, "SERIALKEEL_")
	return strings.ReplaceAll(strings.ToLower(s), "_", ".")
}

// Validate checks that the document is internally consistent: every
// endpoint names exactly one kind, and addr/mock_mode hold recognized
// values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	switch c.MockMode {
	case "per-session", "shared":
	default:
		return fmt.Errorf("config: mock_mode must be \"per-session\" or \"shared\", got %q", c.MockMode)
	}

	for i, ec := range c.Endpoints {
		if err := ec.validate(); err != nil {
			return fmt.Errorf("config: endpoints[%d]: %w", i, err)
		}
	}
	for i, gc := range c.Groups {
		for j, ec := range gc.Endpoints {
			if err := ec.validate(); err != nil {
				return fmt.Errorf("config: groups[%d].endpoints[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (ec EndpointConfig) validate() error {
	if (ec.Tty == "") == (ec.Mock == "") {
		return fmt.Errorf("exactly one of tty/mock must be set")
	}
	return nil
}

func (ec EndpointConfig) id() endpoint.ID {
	if ec.Tty != "" {
		return endpoint.Tty(ec.Tty)
	}
	return endpoint.Mock(ec.Mock)
}

// Mode translates the mock_mode document field into the session
// package's enum.
func (c *Config) Mode() session.MockMode {
	if c.MockMode == "shared" {
		return session.ModeShared
	}
	return session.ModePerSession
}

// Registry translates this document's endpoints and groups into a
// registry.Config, ready for registry.Build.
func (c *Config) Registry() registry.Config {
	rc := registry.Config{
		Endpoints: make([]registry.EndpointConfig, 0, len(c.Endpoints)),
		Groups:    make([]registry.GroupConfig, 0, len(c.Groups)),
	}
	for _, ec := range c.Endpoints {
		rc.Endpoints = append(rc.Endpoints, registry.EndpointConfig{ID: ec.id(), Labels: ec.Labels})
	}
	for i, gc := range c.Groups {
		name := gc.Name
		if name == "" {
			name = fmt.Sprintf("group%d", i)
		}
		members := make([]registry.EndpointConfig, 0, len(gc.Endpoints))
		for _, ec := range gc.Endpoints {
			members = append(members, registry.EndpointConfig{ID: ec.id(), Labels: ec.Labels})
		}
		rc.Groups = append(rc.Groups, registry.GroupConfig{Name: name, Labels: gc.Labels, Endpoints: members})
	}
	return rc
}

// TtyPaths returns the device path for every configured Tty endpoint,
// standalone or group member, for the caller to open and wire with
// session.Core.RegisterTTY.
func (c *Config) TtyPaths() map[endpoint.ID]string {
	paths := make(map[endpoint.ID]string)
	for _, ec := range c.Endpoints {
		if ec.Tty != "" {
			paths[ec.id()] = ec.Tty
		}
	}
	for _, gc := range c.Groups {
		for _, ec := range gc.Endpoints {
			if ec.Tty != "" {
				paths[ec.id()] = ec.Tty
			}
		}
	}
	return paths
}
