// Package config handles configuration loading, validation, and persistence
// for the volley server and client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultGamePort   = 7777
	DefaultAPIPort    = 5000
)

// Config is the root configuration structure for volley.
type Config struct {
	mu   sync.RWMutex
	path string

	Network   NetworkConfig   `json:"network"`
	Server    ServerConfig    `json:"server"`
	Client    ClientConfig    `json:"client"`
	API       APIConfig       `json:"api"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Database  DatabaseConfig  `json:"database"`
	Logging   LoggingConfig   `json:"logging"`
}

// NetworkConfig holds transport settings shared by server and client.
type NetworkConfig struct {
	ListenAddress string `json:"listen_address"`
	Port          int    `json:"port"`

	ProtocolName       string   `json:"protocol_name"`
	ProtocolVersion    string   `json:"protocol_version"`
	CompatibleVersions []string `json:"compatible_versions"`

	MaxPacketSize int `json:"max_packet_size"`
	// Inbound datagrams per second accepted from one source address; 0
	// disables limiting.
	RateLimitPPS float64 `json:"rate_limit_pps"`
	RateBurst    int     `json:"rate_burst"`
}

// ServerConfig holds game server settings.
type ServerConfig struct {
	FrameRate       int    `json:"frame_rate"`
	SendRate        int    `json:"send_rate"`
	SendRateBad     int    `json:"send_rate_bad"`
	LogIntervalSec  int    `json:"log_interval_sec"`
	LevelsDirectory string `json:"levels_directory"`
	DefaultLevel    string `json:"default_level"`
}

// ClientConfig holds game client settings.
type ClientConfig struct {
	ServerAddress string  `json:"server_address"`
	Interpolation float64 `json:"interpolation"`
	// LevelURL is the base URL levels are downloaded from when missing
	// locally. Empty disables downloads.
	LevelURL        string `json:"level_url"`
	LevelsDirectory string `json:"levels_directory"`
}

// APIConfig holds the HTTP diagnostics API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	MetricsEnabled bool     `json:"metrics_enabled"`
}

// TelemetryConfig holds MQTT telemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
	IntervalSec int    `json:"interval_sec"`
}

// DatabaseConfig holds the session journal settings.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// RetentionDays is how long finished sessions are kept. Zero keeps
	// them forever.
	RetentionDays int `json:"retention_days"`
	// CleanupTime is the local "HH:MM" at which old sessions are pruned.
	CleanupTime string `json:"cleanup_time"`
}

// Retention returns the session retention period.
func (d DatabaseConfig) Retention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level"`
	Directory string `json:"directory"`
	// File enables the JSON log file next to the console output.
	File bool `json:"file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			ListenAddress:   "0.0.0.0",
			Port:            DefaultGamePort,
			ProtocolName:    "volley",
			ProtocolVersion: "1",
			MaxPacketSize:   1200,
			RateLimitPPS:    200,
			RateBurst:       400,
		},
		Server: ServerConfig{
			FrameRate:       100,
			SendRate:        30,
			SendRateBad:     10,
			LogIntervalSec:  10,
			LevelsDirectory: "levels",
			DefaultLevel:    "arena",
		},
		Client: ClientConfig{
			ServerAddress:   fmt.Sprintf("127.0.0.1:%d", DefaultGamePort),
			Interpolation:   0.1,
			LevelURL:        fmt.Sprintf("http://127.0.0.1:%d", DefaultAPIPort),
			LevelsDirectory: filepath.Join("cache", "levels"),
		},
		API: APIConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           DefaultAPIPort,
			RateLimitRPS:   100,
			MetricsEnabled: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "volley",
			IntervalSec: 10,
		},
		Database: DatabaseConfig{
			Enabled: true,
			Path:          filepath.Join("data", "volley.db"),
			RetentionDays: 30,
			CleanupTime:   "04:00",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Directory: "logs",
			File:      true,
		},
	}
}

// Load reads configuration from configDir/config.json. A missing file is
// created with the defaults.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")
	return cfg, nil
}

// Init writes the default configuration to configDir. An existing file is
// only replaced when overwrite is set.
func Init(configDir string, overwrite bool) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(configDir, DefaultConfigFile)
	if _, err := os.Stat(cfg.path); err == nil && !overwrite {
		return nil, fmt.Errorf("config file %s already exists", cfg.path)
	}
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// ListenAddr returns host:port of the game socket.
func (n NetworkConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", n.ListenAddress, n.Port)
}

// Addr returns host:port of the HTTP API.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// FrameTime returns the simulation step.
func (s ServerConfig) FrameTime() time.Duration {
	return rateToPeriod(s.FrameRate)
}

// SendTime returns the snapshot interval on a good link.
func (s ServerConfig) SendTime() time.Duration {
	return rateToPeriod(s.SendRate)
}

// SendTimeBad returns the snapshot interval on a bad link.
func (s ServerConfig) SendTimeBad() time.Duration {
	return rateToPeriod(s.SendRateBad)
}

// LogInterval returns the period of the server summary log.
func (s ServerConfig) LogInterval() time.Duration {
	return time.Duration(s.LogIntervalSec) * time.Second
}

// Interval returns the telemetry publish period.
func (t TelemetryConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSec) * time.Second
}

func rateToPeriod(perSecond int) time.Duration {
	if perSecond <= 0 {
		return 0
	}
	return time.Second / time.Duration(perSecond)
}
