// Package config provides the configuration schema, loader, and provider registry
// for the livelab audio bridge.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the livelab server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultProvider         = "gemini-live"
	DefaultVoice            = "Zephyr"
	DefaultInstructions     = "Anda adalah teman ngobrol yang ramah dan cerdas dalam Bahasa Indonesia."
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultConnectTimeout   = 15 * time.Second
	DefaultSendQueue        = 32
	DefaultMaxFailures      = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultHalfOpenMax      = 1

	// APIKeyEnv is consulted when provider.api_key is empty.
	APIKeyEnv = "GEMINI_API_KEY"
)

// Config is the root configuration structure for livelab.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderEntry    `yaml:"provider"`
	Session    SessionConfig    `yaml:"session"`
	Audio      AudioConfig      `yaml:"audio"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns accepted for the browser WebSocket
	// in addition to the server's own origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxSessions caps concurrent browser sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to TLS certificate and key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry is the configuration for the live provider.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates with the provider. A value of the form ${VAR} is
	// read from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the model identifier.
	Model string `yaml:"model"`

	// Options holds provider-specific settings. The gemini-live provider
	// reads "keepalive" (a duration string such as "20s").
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails to connect or its
	// circuit breaker is open. Only the top-level provider may have them.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Label names the entry in logs and health reports.
func (e ProviderEntry) Label() string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

// SessionConfig is applied to every new live session. Changes picked up by
// the watcher take effect on the next session.
type SessionConfig struct {
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
}

// AudioConfig fixes the wire formats and buffering of the bridge.
type AudioConfig struct {
	InputSampleRate  int           `yaml:"input_sample_rate"`
	OutputSampleRate int           `yaml:"output_sample_rate"`
	FrameSize        int           `yaml:"frame_size"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	SendQueue        int           `yaml:"send_queue"`
}

// ResilienceConfig tunes the circuit breaker in front of provider connects.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}
