// Package config loads the application's YAML configuration. Values
// absent from the file keep their defaults, and a missing file is not
// an error at the call sites that can run without one. Interval fields
// are plain seconds in the file, matching the protocol's own units.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Tor      TorConfig      `yaml:"tor"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// TorConfig locates the Tor daemon and the local listener the hidden
// service forwards to.
type TorConfig struct {
	// SOCKSAddress is the daemon's SOCKS5 endpoint.
	SOCKSAddress  string `yaml:"socks_address"`
	SOCKSUsername string `yaml:"socks_username"`
	SOCKSPassword string `yaml:"socks_password"`

	// ListenAddress is the loopback bind the hidden service forwards
	// its virtual port to.
	ListenAddress string `yaml:"listen_address"`

	// PeerPort is the virtual port peers are dialed on.
	PeerPort uint16 `yaml:"peer_port"`

	// AcceptRate and AcceptBurst bound inbound stream admission.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
}

// ProtocolConfig tunes handshake and session behavior. Interval values
// are seconds.
type ProtocolConfig struct {
	Version              int `yaml:"version"`
	HandshakeTimeoutSec  int `yaml:"handshake_timeout"`
	KeepaliveIntervalSec int `yaml:"keepalive_interval"`
	DialTimeoutSec       int `yaml:"connection_timeout"`
	MaxReconnectAttempts int `yaml:"max_retries"`
	AuthFailureThreshold int `yaml:"auth_failure_threshold"`
}

// StorageConfig locates the data directory. An empty DataDir selects
// the per-user default.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// MetricsConfig controls the optional local metrics endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the stock configuration: a local Tor daemon on its
// standard SOCKS port and the protocol's shipped timing.
func Default() *Config {
	return &Config{
		Tor: TorConfig{
			SOCKSAddress:  "127.0.0.1:9050",
			ListenAddress: "127.0.0.1:8080",
			PeerPort:      8080,
			AcceptRate:    1,
			AcceptBurst:   5,
		},
		Protocol: ProtocolConfig{
			Version:              1,
			HandshakeTimeoutSec:  30,
			KeepaliveIntervalSec: 60,
			DialTimeoutSec:       30,
			MaxReconnectAttempts: 3,
			AuthFailureThreshold: 5,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9035",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file
// keep their default values. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv lets deployment environments adjust the few values that
// change between machines without editing the file. Load calls it
// after parsing; callers that skip the file entirely can apply it to
// Default directly.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("TORPASTE_SOCKS_ADDRESS"); v != "" {
		cfg.Tor.SOCKSAddress = v
	}
	if v := os.Getenv("TORPASTE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("TORPASTE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects configurations the core cannot run under.
func (c Config) Validate() error {
	if c.Tor.SOCKSAddress == "" {
		return fmt.Errorf("config: tor.socks_address required")
	}
	if c.Tor.ListenAddress == "" {
		return fmt.Errorf("config: tor.listen_address required")
	}
	if c.Tor.PeerPort == 0 {
		return fmt.Errorf("config: tor.peer_port required")
	}
	if c.Protocol.Version != 1 {
		return fmt.Errorf("config: unsupported protocol version %d", c.Protocol.Version)
	}
	if c.Protocol.HandshakeTimeoutSec <= 0 {
		return fmt.Errorf("config: protocol.handshake_timeout must be positive")
	}
	if c.Protocol.KeepaliveIntervalSec <= 0 {
		return fmt.Errorf("config: protocol.keepalive_interval must be positive")
	}
	if c.Protocol.DialTimeoutSec <= 0 {
		return fmt.Errorf("config: protocol.connection_timeout must be positive")
	}
	if c.Protocol.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config: protocol.max_retries cannot be negative")
	}
	if c.Protocol.AuthFailureThreshold < 1 {
		return fmt.Errorf("config: protocol.auth_failure_threshold must be at least 1")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("config: metrics.listen_address required when metrics are enabled")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: invalid log.level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: log.format must be text or json")
	}
	return nil
}

// WriteFile writes the configuration as YAML, for seeding a starter
// file.
func (c Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// HandshakeTimeout returns the handshake completion bound.
func (c ProtocolConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// KeepaliveInterval returns the send-idle keep-alive cadence.
func (c ProtocolConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalSec) * time.Second
}

// DialTimeout returns the bound on one connect through the proxy.
func (c ProtocolConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSec) * time.Second
}

// ApplyLogging configures the process-wide logger from the log section.
func ApplyLogging(c LogConfig) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("config: invalid log.level %q", c.Level)
	}
	logrus.SetLevel(level)

	switch c.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("config: log.format must be text or json")
	}
	return nil
}
