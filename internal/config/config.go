package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds all configuration for the room server.
type Server struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	TCPPort     int    `yaml:"tcp_port"`
	WSPort      int    `yaml:"ws_port"` // 0 disables the WebSocket listener
	WSPath      string `yaml:"ws_path"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Token verification key, hex-encoded 32 bytes.
	TokenKey string `yaml:"token_key"`

	// Session
	SendQueueSize     int           `yaml:"send_queue_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	MaxViolations     int           `yaml:"max_violations"`
	CompressThreshold int           `yaml:"compress_threshold"`

	// Stage
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`
	MailboxHighWater int           `yaml:"mailbox_high_water"`
	MailboxLowWater  int           `yaml:"mailbox_low_water"`
	DrainBatch       int           `yaml:"drain_batch"`
	AsyncWorkers     int           `yaml:"async_workers"`
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline"`

	// Database (optional account gate; empty host disables it)
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection parameters for the account gate.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// Enabled reports whether the account gate is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// DefaultServer returns Server config with sensible defaults.
func DefaultServer() Server {
	return Server{
		BindAddress:       "0.0.0.0",
		TCPPort:           7777,
		WSPort:            7778,
		WSPath:            "/ws",
		LogLevel:          "info",
		SendQueueSize:     1024,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		MaxViolations:     3,
		CompressThreshold: 512,
		ReconnectTimeout:  30 * time.Second,
		MailboxHighWater:  10_000,
		MailboxLowWater:   1_000,
		DrainBatch:        256,
		AsyncWorkers:      32,
		ShutdownDeadline:  10 * time.Second,
	}
}

// LoadServer loads server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
