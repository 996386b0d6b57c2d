// SPDX-License-Identifier: MPL-2.0

// Package config loads the process-wide structured configuration document
// (§6.5): data root, multicast endpoint, per-channel list, and supervisor/
// clock cadences. There is no environment-variable configuration surface;
// LOG_LEVEL remains an optional override applied by cmd/tsrecorder, not by
// this package.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/hfstation/tsrecorder/rtpio"
)

// Multicast describes the RTP input socket (§6.1).
type Multicast struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Interface string `yaml:"interface"` // empty = kernel default
}

// Supervisor describes the process-wide periodic tick cadences (§4.7).
type Supervisor struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	SilenceWarn  time.Duration `yaml:"silence_warn"`
	SilenceFlush time.Duration `yaml:"silence_flush"`
}

// Clock describes the external time authority (§4.1/§6.2).
type Clock struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Command         []string      `yaml:"command"`
}

// Channel is one entry of the per-channel list (§3, ChannelSpec).
type Channel struct {
	Name        string `yaml:"name"`
	SSRC        uint32 `yaml:"ssrc"`
	FrequencyHz float64 `yaml:"frequency_hz"`
	SampleRate  uint32 `yaml:"sample_rate"`
	Kind        string `yaml:"kind"` // "wideband" or "narrowband-carrier"
}

// Spec converts the config entry into the immutable rtpio.ChannelSpec this
// system uses internally.
func (c Channel) Spec() (rtpio.ChannelSpec, error) {
	var kind rtpio.ChannelKind
	switch c.Kind {
	case "wideband":
		kind = rtpio.Wideband
	case "narrowband-carrier":
		kind = rtpio.NarrowbandCarrier
	default:
		return rtpio.ChannelSpec{}, fmt.Errorf("config: channel %q: unknown kind %q", c.Name, c.Kind)
	}
	return rtpio.ChannelSpec{
		SSRC:        c.SSRC,
		FrequencyHz: c.FrequencyHz,
		SampleRate:  c.SampleRate,
		Name:        c.Name,
		Kind:        kind,
	}, nil
}

// Config is the top-level document loaded from YAML (§6.5).
type Config struct {
	DataRoot   string     `yaml:"data_root"`
	Multicast  Multicast  `yaml:"multicast"`
	Supervisor Supervisor `yaml:"supervisor"`
	Clock      Clock      `yaml:"clock"`
	Channels   []Channel  `yaml:"channels"`
}

// defaults mirrors the cadences recommended in §4.1/§4.7 so a config file
// that omits them still gets sane behavior, matching sptp/client.Config's
// pre-populated-then-unmarshal pattern.
func defaults() Config {
	return Config{
		Supervisor: Supervisor{
			TickInterval: 10 * time.Second,
			SilenceWarn:  60 * time.Second,
			SilenceFlush: 5 * time.Minute,
		},
		Clock: Clock{
			RefreshInterval: 10 * time.Second,
			Command:         []string{"chronyc", "tracking"},
		},
	}
}

// Load reads and parses the YAML document at path, pre-populated with
// defaults before unmarshalling so a sparse config still resolves the
// cadences §4 recommends.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the cross-field invariants Load can't enforce via
// unmarshalling alone: a non-empty data root, a non-empty multicast
// address with a nonzero port (whether it can be bound is not checked), and
// a channel list with unique names and SSRCs.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("config: data_root is required")
	}
	if c.Multicast.Address == "" || c.Multicast.Port == 0 {
		return fmt.Errorf("config: multicast.address and multicast.port are required")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: at least one channel is required")
	}

	names := make(map[string]bool, len(c.Channels))
	ssrcs := make(map[uint32]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("config: channel with empty name")
		}
		if names[ch.Name] {
			return fmt.Errorf("config: duplicate channel name %q", ch.Name)
		}
		names[ch.Name] = true

		if ssrcs[ch.SSRC] {
			return fmt.Errorf("config: duplicate ssrc %d (channel %q)", ch.SSRC, ch.Name)
		}
		ssrcs[ch.SSRC] = true

		if ch.SampleRate == 0 {
			return fmt.Errorf("config: channel %q: sample_rate must be nonzero", ch.Name)
		}
		if _, err := ch.Spec(); err != nil {
			return err
		}
	}
	return nil
}
