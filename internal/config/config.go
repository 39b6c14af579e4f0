// Package config provides the configuration schema, loader, hot-reload
// watcher, and capture backend registry for earshot.
package config

import "time"

// LogLevel controls log verbosity.
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

// Capture backend names understood by the default registry.
const (
	BackendPortAudio = "portaudio"
	BackendNone      = "none"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = "127.0.0.1:7070"
	DefaultEndpoint        = "ws://localhost:8080/ws"
	DefaultDialTimeout     = 10 * time.Second
	DefaultSendQueue       = 8
	DefaultBackend         = BackendPortAudio
	DefaultPreferredDevice = "MicPlusSystemAudio"
	DefaultFramesPerBuffer = 4096
	DefaultServiceName     = "earshot"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Capture   CaptureConfig   `yaml:"capture"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the control surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control HTTP surface.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// StreamConfig configures the backend connection.
type StreamConfig struct {
	// Endpoint is the backend WebSocket URL, e.g. "ws://localhost:8080/ws".
	Endpoint string `yaml:"endpoint"`

	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// SendQueue is how many audio frames may wait for the socket writer
	// before newer frames are dropped.
	SendQueue int `yaml:"send_queue"`
}

// CaptureConfig selects the audio backend and input device.
type CaptureConfig struct {
	// Backend names a registered capture backend: "portaudio" or "none".
	Backend string `yaml:"backend"`

	// PreferredDevice is matched against input device names ignoring case and
	// surrounding whitespace. Hot-reloadable; applies to the next session.
	PreferredDevice string `yaml:"preferred_device"`

	// FramesPerBuffer is the number of frames per capture callback.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel service name.
	ServiceName string `yaml:"service_name"`

	// Metrics enables the Prometheus /metrics endpoint. Defaults to true.
	Metrics *bool `yaml:"metrics"`
}

// MetricsEnabled reports whether the /metrics endpoint should be served.
func (t TelemetryConfig) MetricsEnabled() bool {
	return t.Metrics == nil || *t.Metrics
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Stream.Endpoint == "" {
		cfg.Stream.Endpoint = DefaultEndpoint
	}
	if cfg.Stream.DialTimeout == 0 {
		cfg.Stream.DialTimeout = DefaultDialTimeout
	}
	if cfg.Stream.SendQueue == 0 {
		cfg.Stream.SendQueue = DefaultSendQueue
	}
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = DefaultBackend
	}
	if cfg.Capture.PreferredDevice == "" {
		cfg.Capture.PreferredDevice = DefaultPreferredDevice
	}
	if cfg.Capture.FramesPerBuffer == 0 {
		cfg.Capture.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
