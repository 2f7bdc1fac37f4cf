// Package config loads the agent configuration file.
package config

import (
	"fmt"
	"hyperstart/pkg/protocol"
	"os"

	"gopkg.in/yaml.v3"
)

// Runtime backends.
const (
	RuntimeLocal  = "local"
	RuntimeDocker = "docker"
)

// Config is the top-level agent configuration.
type Config struct {
	ControlSocket  string       `yaml:"control_socket"`
	TTYSocket      string       `yaml:"tty_socket"`
	SharedDir      string       `yaml:"shared_dir"`
	StatePath      string       `yaml:"state_path"`
	AuditPath      string       `yaml:"audit_path"`
	Runtime        string       `yaml:"runtime"`
	AllowedUIDs    []int        `yaml:"allowed_uids,omitempty"` // empty allows only the agent's own uid
	MaxMessageSize int          `yaml:"max_message_size,omitempty"`
	Decoder        DecoderLimit `yaml:"decoder,omitempty"`
	Docker         DockerConfig `yaml:"docker,omitempty"`
}

// DecoderLimit sets the initial token buffer sizes of the message decoder.
type DecoderLimit struct {
	SpecTokens    int `yaml:"spec_tokens,omitempty"`
	CommandTokens int `yaml:"command_tokens,omitempty"`
}

// DockerConfig configures the docker runtime backend.
type DockerConfig struct {
	Host    string `yaml:"host,omitempty"` // empty uses DOCKER_HOST or the default socket
	Network string `yaml:"network,omitempty"`
}

// Load reads a configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.ControlSocket == "" {
		c.ControlSocket = protocol.DefaultControlSocket
	}
	if c.TTYSocket == "" {
		c.TTYSocket = protocol.DefaultTTYSocket
	}
	if c.SharedDir == "" {
		c.SharedDir = "/run/hyperstart/shared"
	}
	if c.StatePath == "" {
		c.StatePath = "/run/hyperstart/pod.state.json"
	}
	if c.AuditPath == "" {
		c.AuditPath = "/var/log/hyperstart/audit.jsonl"
	}
	if c.Runtime == "" {
		c.Runtime = RuntimeLocal
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if c.Decoder.SpecTokens == 0 {
		c.Decoder.SpecTokens = protocol.DefaultSpecTokens
	}
	if c.Decoder.CommandTokens == 0 {
		c.Decoder.CommandTokens = protocol.DefaultCommandTokens
	}
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	switch c.Runtime {
	case RuntimeLocal, RuntimeDocker:
	default:
		return fmt.Errorf("invalid runtime %q (want %s or %s)", c.Runtime, RuntimeLocal, RuntimeDocker)
	}
	if c.MaxMessageSize < protocol.MessageHeaderSize {
		return fmt.Errorf("max_message_size %d is smaller than a message header", c.MaxMessageSize)
	}
	if c.Decoder.SpecTokens < 0 || c.Decoder.CommandTokens < 0 {
		return fmt.Errorf("decoder token counts must be positive")
	}
	for _, uid := range c.AllowedUIDs {
		if uid < 0 {
			return fmt.Errorf("invalid uid %d in allowed_uids", uid)
		}
	}
	return nil
}

// DecoderConfig returns the decoder settings for this configuration.
func (c *Config) DecoderConfig() protocol.DecoderConfig {
	return protocol.DecoderConfig{
		SpecTokens:    c.Decoder.SpecTokens,
		CommandTokens: c.Decoder.CommandTokens,
	}
}
