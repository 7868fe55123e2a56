// Package config loads and validates the eidchat configuration file.
//
// The file is YAML with a closed option set: any option the core does not
// recognize is rejected at startup, so typos surface as configuration
// errors instead of silently-ignored keys.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Defaults for every recognized option.
const (
	DefaultUDPPort          = 6666
	DefaultListenIP         = "0.0.0.0"
	DefaultHandshakeTimeout = 3.0
	DefaultMessageRetry     = 2.0
	DefaultIdleSuspend      = 300
)

// Config is the full recognized option set.
type Config struct {
	UDPPort                 int     `yaml:"udp_port"`
	ListenIP                string  `yaml:"listen_ip"`
	HandshakeTimeoutSeconds float64 `yaml:"handshake_timeout_seconds"`
	MessageRetrySeconds     float64 `yaml:"message_retry_seconds"`
	IdleSuspendSeconds      int     `yaml:"idle_suspend_seconds"`
	PKCSModulePath          string  `yaml:"pkcs_module_path"`
	DiscoveryServiceName    string  `yaml:"discovery_service_name"`
	DBPath                  string  `yaml:"db_path"`
	LogPath                 string  `yaml:"log_path"`
	Debug                   bool    `yaml:"debug"`
}

// Default returns a configuration with every option at its default.
func Default() *Config {
	return &Config{
		UDPPort:                 DefaultUDPPort,
		ListenIP:                DefaultListenIP,
		HandshakeTimeoutSeconds: DefaultHandshakeTimeout,
		MessageRetrySeconds:     DefaultMessageRetry,
		IdleSuspendSeconds:      DefaultIdleSuspend,
	}
}

// Load reads and validates a configuration file. Options absent from the
// file keep their defaults; unknown options are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Parse",
		"package":  "config",
		"udp_port": cfg.UDPPort,
		"debug":    cfg.Debug,
	}).Debug("Configuration loaded")

	return cfg, nil
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.UDPPort < 1 || c.UDPPort > 65535 {
		return fmt.Errorf("udp_port %d out of range", c.UDPPort)
	}
	if c.HandshakeTimeoutSeconds <= 0 {
		return fmt.Errorf("handshake_timeout_seconds must be positive")
	}
	if c.MessageRetrySeconds <= 0 {
		return fmt.Errorf("message_retry_seconds must be positive")
	}
	if c.IdleSuspendSeconds <= 0 {
		return fmt.Errorf("idle_suspend_seconds must be positive")
	}
	return nil
}

// ListenAddr returns the host:port string for the UDP bind.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.UDPPort)
}
