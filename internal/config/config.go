// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WebSocketConfig holds the client-facing HTTP/WebSocket listener settings.
type WebSocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port" yaml:"port"`
	// Path is the route that upgrades to a WebSocket.
	Path string `mapstructure:"path" yaml:"path"`
	// AllowedOrigins restricts the Origin header on upgrade. Empty or "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// ReadBufferBytes and WriteBufferBytes size the upgrader's I/O buffers.
	ReadBufferBytes  int `mapstructure:"read_buffer_bytes" yaml:"read_buffer_bytes"`
	WriteBufferBytes int `mapstructure:"write_buffer_bytes" yaml:"write_buffer_bytes"`
	// MaxMessageBytes is the largest inbound frame accepted.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// IdleTimeout disconnects a peer that sends nothing (not even a pong) for this long.
	// Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// PingInterval is how often the server pings each peer. Zero disables pings.
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	// SendBuffer is the per-connection outbound queue capacity.
	SendBuffer int `mapstructure:"send_buffer" yaml:"send_buffer"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// RoomsConfig holds room lifecycle settings.
type RoomsConfig struct {
	// CodeLength is the number of characters in a generated room code.
	CodeLength int `mapstructure:"code_length" yaml:"code_length"`
	// CodeAttempts bounds regeneration when a generated code is already live.
	CodeAttempts int `mapstructure:"code_attempts" yaml:"code_attempts"`
	// RepeatStartGame re-broadcasts start_game to every member on each join past
	// the two-member threshold instead of only once per room.
	RepeatStartGame bool `mapstructure:"repeat_start_game" yaml:"repeat_start_game"`
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	GRPCHost string `mapstructure:"grpc_host" yaml:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port" yaml:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	WebSocket WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
	Rooms     RoomsConfig     `mapstructure:"rooms" yaml:"rooms"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateWebSocket(c.WebSocket); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRooms(c.Rooms); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHealth(c.Health); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.Port < 1 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("websocket.port must be 1-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	if w.ReadBufferBytes < 0 || w.WriteBufferBytes < 0 {
		errs = append(errs, "websocket buffer sizes must not be negative")
	}
	if w.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_bytes must be >= 1, got %d", w.MaxMessageBytes))
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.IdleTimeout < 0 {
		errs = append(errs, "websocket.idle_timeout must not be negative")
	}
	if w.PingInterval < 0 {
		errs = append(errs, "websocket.ping_interval must not be negative")
	}
	if w.IdleTimeout > 0 && w.PingInterval > 0 && w.PingInterval >= w.IdleTimeout {
		errs = append(errs, "websocket.ping_interval must be shorter than websocket.idle_timeout")
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRooms(r RoomsConfig) error {
	var errs []string
	if r.CodeLength < 4 || r.CodeLength > 12 {
		errs = append(errs, fmt.Sprintf("rooms.code_length must be 4-12, got %d", r.CodeLength))
	}
	if r.CodeAttempts < 1 {
		errs = append(errs, fmt.Sprintf("rooms.code_attempts must be >= 1, got %d", r.CodeAttempts))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if !h.Enabled {
		return nil
	}
	var errs []string
	if h.GRPCHost == "" {
		errs = append(errs, "health.grpc_host must not be empty")
	}
	if h.GRPCPort < 1 || h.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("health.grpc_port must be 1-65535, got %d", h.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load builds the configuration from defaults, the optional YAML file at path and
// environment overrides, then validates the result.
//
// Environment variables use the RELAY_ prefix with "." replaced by "_"
// (RELAY_WEBSOCKET_PORT). The bare PORT variable also sets websocket.port.
//
// Precondition: path is empty or names a readable YAML file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and environment bindings applied.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// BindEnv only fails when given no key.
	_ = v.BindEnv("websocket.port", "RELAY_WEBSOCKET_PORT", "PORT")

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 9090)
	v.SetDefault("websocket.path", "/")
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("websocket.read_buffer_bytes", 1024)
	v.SetDefault("websocket.write_buffer_bytes", 1024)
	v.SetDefault("websocket.max_message_bytes", 65536)
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.idle_timeout", "60s")
	v.SetDefault("websocket.ping_interval", "25s")
	v.SetDefault("websocket.send_buffer", 64)

	v.SetDefault("rooms.code_length", 5)
	v.SetDefault("rooms.code_attempts", 16)
	v.SetDefault("rooms.repeat_start_game", false)

	// Off by default: the fixed gRPC port would collide between relays on one host.
	v.SetDefault("health.enabled", false)
	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
