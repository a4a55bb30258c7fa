// Package config loads the protocol tables, safety policy and session
// tuning an equipment session is built from.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/j1939"
	"github.com/kstaniek/go-equip-server/internal/safety"
	"github.com/kstaniek/go-equip-server/internal/telemetry"
)

type Config struct {
	Tables  codec.Tables  `yaml:"tables"`
	Policy  safety.Policy `yaml:"policy"`
	Session SessionConfig `yaml:"session"`
}

type SessionConfig struct {
	// SourceAddress is our J1939 address; nil keeps the codec default.
	SourceAddress *uint8        `yaml:"source_address"`
	TPTimeout     time.Duration `yaml:"tp_timeout"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	HistoryDepth  int           `yaml:"history_depth"`
}

// Default is the built-in configuration: standard tables, default policy.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads a YAML file. Omitted sections fall back to the built-ins.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := codec.DefaultTables()
	if len(c.Tables.SPNs) == 0 {
		c.Tables.SPNs = def.SPNs
	}
	if len(c.Tables.Commands) == 0 {
		c.Tables.Commands = def.Commands
	}
	if len(c.Tables.PIDs) == 0 {
		c.Tables.PIDs = def.PIDs
	}
	if c.Tables.Modbus == nil {
		c.Tables.Modbus = def.Modbus
	}
	pol := safety.DefaultPolicy()
	if c.Policy.Signals == nil {
		c.Policy.Signals = pol.Signals
	}
	if c.Policy.Commands == nil {
		c.Policy.Commands = pol.Commands
	}
	if c.Session.TPTimeout == 0 {
		c.Session.TPTimeout = j1939.DefaultTPTimeout
	}
	if c.Session.SendTimeout == 0 {
		c.Session.SendTimeout = 250 * time.Millisecond
	}
	if c.Session.HistoryDepth == 0 {
		c.Session.HistoryDepth = telemetry.DefaultHistory
	}
}

func (c *Config) validate() error {
	cd, err := c.Codec()
	if err != nil {
		return fmt.Errorf("tables: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	for name := range c.Policy.Commands {
		if _, ok := cd.Lookup(name); !ok {
			return fmt.Errorf("policy: command %q has no table entry", name)
		}
	}
	if c.Session.TPTimeout < 50*time.Millisecond || c.Session.TPTimeout > 10*time.Second {
		return fmt.Errorf("session.tp_timeout %s outside 50ms..10s", c.Session.TPTimeout)
	}
	if c.Session.SendTimeout <= 0 {
		return fmt.Errorf("session.send_timeout must be > 0")
	}
	if c.Session.HistoryDepth < 1 || c.Session.HistoryDepth > 1_000_000 {
		return fmt.Errorf("session.history_depth %d outside 1..1000000", c.Session.HistoryDepth)
	}
	return nil
}

// Codec builds the codec the tables describe.
func (c *Config) Codec() (*codec.Codec, error) {
	var opts []codec.Option
	if c.Session.SourceAddress != nil {
		opts = append(opts, codec.WithSourceAddress(*c.Session.SourceAddress))
	}
	return codec.New(c.Tables, opts...)
}

// Reassembly returns the reassembler settings for a codec built by Codec.
func (c *Config) Reassembly(cd *codec.Codec) j1939.ReassemblerConfig {
	return j1939.ReassemblerConfig{Timeout: c.Session.TPTimeout, Address: cd.Address()}
}
