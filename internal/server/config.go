// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat service.
package server

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/linechat/internal/keepalive"
	"github.com/Tyrowin/linechat/internal/protocol"
)

// DefaultGreeting is sent to every new connection.
const DefaultGreeting = "Welcome to the chatroom! Please login to start chatting!"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// KeepaliveConfig mirrors the ping_time_ms and ping_time_ms_delta_allowed
// settings of the protocol.
type KeepaliveConfig struct {
	Interval  time.Duration
	Tolerance time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	// TCPAddr is the line-protocol listener address.
	TCPAddr string
	// HTTPAddr serves health, status and the WebSocket endpoint. Empty disables it.
	HTTPAddr       string
	AllowedOrigins []string
	MaxMessageSize int
	SendQueueSize  int
	WriteTimeout   time.Duration
	Greeting       string
	Keepalive      KeepaliveConfig
	RateLimit      RateLimitConfig
	LogLevel       string
	LogFormat      string
}

func defaultConfig() Config {
	return Config{
		TCPAddr:  ":1337",
		HTTPAddr: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: protocol.DefaultMaxLineSize,
		SendQueueSize:  256,
		WriteTimeout:   10 * time.Second,
		Greeting:       DefaultGreeting,
		Keepalive: KeepaliveConfig{
			Interval:  keepalive.DefaultInterval,
			Tolerance: keepalive.DefaultTolerance,
		},
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Sanitize returns a copy of cfg with every unset or invalid field replaced by
// its default.
func (cfg Config) Sanitize() Config {
	def := defaultConfig()

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = def.TCPAddr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Greeting == "" {
		cfg.Greeting = def.Greeting
	}
	if cfg.Keepalive.Interval <= 0 {
		cfg.Keepalive.Interval = def.Keepalive.Interval
	}
	if cfg.Keepalive.Tolerance < 0 {
		cfg.Keepalive.Tolerance = def.Keepalive.Tolerance
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfigFile reads a JSON configuration file on top of the defaults.
// Durations are given in milliseconds.
func LoadConfigFile(path string) (*Config, error) {
	cfg := defaultConfig()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fileConfig is the on-disk shape; durations are milliseconds.
type fileConfig struct {
	TCPAddr        *string  `json:"tcp_addr"`
	HTTPAddr       *string  `json:"http_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
	MaxMessageSize *int     `json:"max_message_size"`
	SendQueueSize  *int     `json:"send_queue_size"`
	WriteTimeoutMS *int     `json:"write_timeout_ms"`
	Greeting       *string  `json:"greeting"`
	PingTimeMS     *int     `json:"ping_time_ms"`
	PingDeltaMS    *int     `json:"ping_time_ms_delta_allowed"`
	RateLimitBurst *int     `json:"rate_limit_burst"`
	RateRefillMS   *int     `json:"rate_limit_refill_ms"`
	LogLevel       *string  `json:"log_level"`
	LogFormat      *string  `json:"log_format"`
}

func (cfg *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	setString(&cfg.TCPAddr, fc.TCPAddr)
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	if fc.AllowedOrigins != nil {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	setInt(&cfg.MaxMessageSize, fc.MaxMessageSize)
	setInt(&cfg.SendQueueSize, fc.SendQueueSize)
	setMillis(&cfg.WriteTimeout, fc.WriteTimeoutMS)
	setString(&cfg.Greeting, fc.Greeting)
	setMillis(&cfg.Keepalive.Interval, fc.PingTimeMS)
	setMillis(&cfg.Keepalive.Tolerance, fc.PingDeltaMS)
	setInt(&cfg.RateLimit.Burst, fc.RateLimitBurst)
	setMillis(&cfg.RateLimit.RefillInterval, fc.RateRefillMS)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setMillis(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Millisecond
	}
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	cfg.ApplyEnv()
	return &cfg
}

// ApplyEnv overrides cfg with any recognised environment variables.
func (cfg *Config) ApplyEnv() {
	if addr := os.Getenv("CHAT_TCP_ADDR"); addr != "" {
		cfg.TCPAddr = addr
	}

	// An explicitly empty CHAT_HTTP_ADDR disables the HTTP listener.
	if addr, ok := os.LookupEnv("CHAT_HTTP_ADDR"); ok {
		cfg.HTTPAddr = addr
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseIntValue(maxSize, cfg.MaxMessageSize)
	}

	if size := os.Getenv("SEND_QUEUE_SIZE"); size != "" {
		cfg.SendQueueSize = parseIntValue(size, cfg.SendQueueSize)
	}

	if ms := os.Getenv("PING_TIME_MS"); ms != "" {
		cfg.Keepalive.Interval = parseMillis(ms, cfg.Keepalive.Interval)
	}

	if ms := os.Getenv("PING_TIME_MS_DELTA_ALLOWED"); ms != "" {
		cfg.Keepalive.Tolerance = parseMillis(ms, cfg.Keepalive.Tolerance)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseMillis(value string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
