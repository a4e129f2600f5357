// Package config defines the TOML-loaded configuration structs consumed by
// every engine constructor. Loading is a thin wrapper around BurntSushi/toml;
// the CLI binding that decides where the file lives is out of scope.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mailstack/mailstack/internal/helpers"
)

// LoggingConfig controls the internal/logger package's global logger.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// TLSConfig describes a cert/key pair and the handshake policy for a listener.
type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	Implicit bool   `toml:"implicit"` // true: TLS begins immediately; false: STARTTLS/STLS capable
}

// ServerConfig is the shared listener configuration for SSE and PSE.
type ServerConfig struct {
	Addr            string    `toml:"addr"`
	Hostname        string    `toml:"hostname"`
	MaxConnections  int       `toml:"max_connections"`
	MaxConnsPerIP   int       `toml:"max_connections_per_ip"`
	IdleTimeout     string    `toml:"idle_timeout"`
	TotalTimeout    string    `toml:"total_timeout"`
	GracePeriod     string    `toml:"grace_period"`
	TLS             TLSConfig `toml:"tls"`
	TrustedNetworks []string  `toml:"trusted_networks"`
}

func (s *ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.IdleTimeout)
}

func (s *ServerConfig) GetTotalTimeout() (time.Duration, error) {
	if s.TotalTimeout == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(s.TotalTimeout)
}

func (s *ServerConfig) GetGracePeriod() (time.Duration, error) {
	if s.GracePeriod == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(s.GracePeriod)
}

// SMTPConfig configures the SMTP Server Engine.
type SMTPConfig struct {
	ServerConfig
	MaxMessageBytes int64 `toml:"max_message_bytes"`
	AuthRequired    bool  `toml:"auth_required"`
}

// POP3Config configures the POP3 Server Engine.
type POP3Config struct {
	ServerConfig
	APOPEnabled bool `toml:"apop_enabled"`
}

// DatabaseEndpointConfig describes one pgx pool endpoint.
type DatabaseEndpointConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int32  `toml:"max_conns"`
	MinConns        int32  `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
}

func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds the split read/write pool configuration for DS.
type DatabaseConfig struct {
	Debug        bool                    `toml:"debug"`
	QueryTimeout string                  `toml:"query_timeout"`
	WriteTimeout string                  `toml:"write_timeout"`
	Write        *DatabaseEndpointConfig `toml:"write"`
	Read         *DatabaseEndpointConfig `toml:"read"`
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// ContentConfig configures the Content Manager.
type ContentConfig struct {
	EmailsDir string `toml:"emails_dir"`
}

// AuthConfig configures the Auth Module.
type AuthConfig struct {
	BcryptCost int `toml:"bcrypt_cost"`
}

// Config is the root configuration tree passed by value into each engine
// constructor (no process-wide singleton is held by the core).
type Config struct {
	Logging LoggingConfig   `toml:"logging"`
	SMTP    SMTPConfig      `toml:"smtp"`
	POP3    POP3Config      `toml:"pop3"`
	Database DatabaseConfig `toml:"database"`
	Content ContentConfig   `toml:"content"`
	Auth    AuthConfig      `toml:"auth"`
}

// Load reads and parses a TOML configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %q: %w", path, err)
	}
	return &cfg, nil
}
