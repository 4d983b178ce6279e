package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateNetwork(&cfg.Network, result)
	validateServer(&cfg.Server, result)
	validateClient(&cfg.Client, result)
	validateAPI(&cfg.API, cfg.Network.Port, result)
	validateTelemetry(&cfg.Telemetry, result)

	validateDatabase(&cfg.Database, result)

	return result
}

func validateDatabase(d *DatabaseConfig, result *ValidationResult) {
	if !d.Enabled {
		return
	}
	if strings.TrimSpace(d.Path) == "" {
		result.AddError("database.path", "database path is required when enabled")
	}
	if d.RetentionDays < 0 {
		result.AddError("database.retention_days", "must not be negative")
	}
	if _, _, err := ParseClock(d.CleanupTime); err != nil {
		result.AddError("database.cleanup_time", err.Error())
	}
}

// ParseClock parses a local "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	if n.ListenAddress != "" && net.ParseIP(n.ListenAddress) == nil {
		result.AddError("network.listen_address", fmt.Sprintf("not an IP address: %s", n.ListenAddress))
	}
	validatePort(n.Port, "network.port", result)

	if strings.TrimSpace(n.ProtocolName) == "" {
		result.AddError("network.protocol_name", "protocol name is required")
	}
	if strings.TrimSpace(n.ProtocolVersion) == "" {
		result.AddError("network.protocol_version", "protocol version is required")
	}

	if n.MaxPacketSize < 64 {
		result.AddError("network.max_packet_size", "max packet size must be at least 64 bytes")
	}
	if n.MaxPacketSize > 1400 {
		result.AddWarning("network.max_packet_size",
			fmt.Sprintf("packets of %d bytes may be fragmented by the IP layer", n.MaxPacketSize))
	}

	if n.RateLimitPPS < 0 {
		result.AddError("network.rate_limit_pps", "rate limit cannot be negative")
	} else if n.RateLimitPPS == 0 {
		result.AddWarning("network.rate_limit_pps", "inbound rate limiting is disabled")
	}
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if s.FrameRate < 1 || s.FrameRate > 1000 {
		result.AddError("server.frame_rate", "frame rate must be between 1 and 1000")
	}
	if s.SendRate < 1 {
		result.AddError("server.send_rate", "send rate must be at least 1")
	}
	if s.SendRateBad < 1 {
		result.AddError("server.send_rate_bad", "bad-link send rate must be at least 1")
	}
	if s.SendRateBad > s.SendRate {
		result.AddWarning("server.send_rate_bad", "bad-link send rate is higher than the good-link rate")
	}
	if s.SendRate > s.FrameRate {
		result.AddWarning("server.send_rate", "send rate above frame rate sends duplicate snapshots")
	}
	if strings.TrimSpace(s.LevelsDirectory) == "" {
		result.AddError("server.levels_directory", "levels directory is required")
	}
	if strings.TrimSpace(s.DefaultLevel) == "" {
		result.AddError("server.default_level", "default level is required")
	}
}

func validateClient(c *ClientConfig, result *ValidationResult) {
	if _, _, err := net.SplitHostPort(c.ServerAddress); err != nil {
		result.AddError("client.server_address", fmt.Sprintf("invalid address: %v", err))
	}
	if c.Interpolation < 0 || c.Interpolation > 1 {
		result.AddError("client.interpolation", "interpolation must be between 0 and 1 seconds")
	}
	if c.LevelURL != "" {
		if u, err := url.Parse(c.LevelURL); err != nil || u.Scheme == "" || u.Host == "" {
			result.AddError("client.level_url", fmt.Sprintf("invalid URL: %s", c.LevelURL))
		}
	}
}

func validateAPI(a *APIConfig, gamePort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == gamePort {
		result.AddWarning("api.port", "API and game socket share a port number")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateTelemetry(t *TelemetryConfig, result *ValidationResult) {
	if !t.Enabled {
		return
	}
	if strings.TrimSpace(t.BrokerURL) == "" {
		result.AddError("telemetry.broker_url", "MQTT broker URL is required when enabled")
	}
	if t.Port < 1 || t.Port > 65535 {
		result.AddError("telemetry.port", "invalid MQTT port")
	}
	if t.IntervalSec < 1 {
		result.AddError("telemetry.interval_sec", "publish interval must be at least 1 second")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
