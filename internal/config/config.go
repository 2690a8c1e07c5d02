// Package config provides the configuration schema, loader, and file watcher
// for the voxaline voice client.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

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

// TransportKind selects the voice channel implementation.
type TransportKind string

const (
	// TransportWebSocket carries control and audio on one WebSocket.
	TransportWebSocket TransportKind = "websocket"

	// TransportMQTT signals over an MQTT broker and streams encrypted audio
	// over UDP.
	TransportMQTT TransportKind = "mqtt"
)

// IsValid reports whether t is a recognised transport kind.
func (t TransportKind) IsValid() bool {
	return t == TransportWebSocket || t == TransportMQTT
}

// ListeningMode selects the default microphone behaviour.
type ListeningMode string

const (
	ListeningAuto     ListeningMode = "auto"
	ListeningRealtime ListeningMode = "realtime"
	ListeningManual   ListeningMode = "manual"
)

// IsValid reports whether m is a recognised listening mode.
func (m ListeningMode) IsValid() bool {
	switch m {
	case ListeningAuto, ListeningRealtime, ListeningManual:
		return true
	}
	return false
}

// ResampleQuality selects the interpolation used for rate conversion.
type ResampleQuality string

const (
	ResampleLowLatency ResampleQuality = "low_latency"
	ResampleHigh       ResampleQuality = "high"
)

// IsValid reports whether q is a recognised quality setting.
func (q ResampleQuality) IsValid() bool {
	return q == ResampleLowLatency || q == ResampleHigh
}

// Duration wraps [time.Duration] so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Defaults to info.
	LogLevel LogLevel `yaml:"log_level"`

	// DeviceID identifies this physical device to the service,
	// conventionally its MAC address. Required.
	DeviceID string `yaml:"device_id"`

	// ClientID identifies this installation. Generated and logged at startup
	// when empty.
	ClientID string `yaml:"client_id"`

	// WakeWord is reported to the service when a wake word triggers a
	// session.
	WakeWord string `yaml:"wake_word"`

	Audio     AudioConfig     `yaml:"audio"`
	Listening ListeningConfig `yaml:"listening"`
	Transport TransportConfig `yaml:"transport"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Observe   ObserveConfig   `yaml:"observability"`
}

// AudioConfig holds device and pipeline settings.
type AudioConfig struct {
	// InputDevice and OutputDevice select devices by name substring. Empty
	// selects the system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// CaptureRate and PlaybackRate are the hardware sample rates. Zero uses
	// the wire rates.
	CaptureRate  int `yaml:"capture_rate"`
	PlaybackRate int `yaml:"playback_rate"`

	// FrameDuration is the codec frame length. Defaults to 60ms.
	FrameDuration Duration `yaml:"frame_duration"`

	// EchoCancellation enables the acoustic echo canceller. Required for
	// realtime listening during playback.
	EchoCancellation bool `yaml:"echo_cancellation"`

	// ResampleQuality selects the rate conversion interpolation. Defaults to
	// low_latency.
	ResampleQuality ResampleQuality `yaml:"resample_quality"`

	// PlaybackQueueFrames bounds the playback queue.
	PlaybackQueueFrames int `yaml:"playback_queue_frames"`
}

// ListeningConfig holds session behaviour settings.
type ListeningConfig struct {
	// Mode is the default listening mode. Defaults to auto.
	Mode ListeningMode `yaml:"mode"`
}

// TransportConfig selects and configures the voice channel.
type TransportConfig struct {
	// Kind selects the implementation. Defaults to websocket.
	Kind TransportKind `yaml:"type"`

	// HandshakeTimeout bounds the wait for the server hello. Defaults to
	// 10s.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// WebSocketConfig holds WebSocket endpoint settings.
type WebSocketConfig struct {
	// URL is the WebSocket endpoint, e.g. "wss://host/voice".
	URL string `yaml:"url"`

	// Token is the bearer token sent on connect.
	Token string `yaml:"token"`
}

// MQTTConfig holds broker settings for the MQTT-signalled transport.
type MQTTConfig struct {
	// Broker is the MQTT endpoint, e.g. "ssl://broker.example.com:8883".
	Broker string `yaml:"broker"`

	// ClientID is the MQTT client identifier. Defaults to the device's
	// client id.
	ClientID string `yaml:"client_id"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// PublishTopic carries outbound control messages; SubscribeTopic carries
	// inbound ones.
	PublishTopic   string `yaml:"publish_topic"`
	SubscribeTopic string `yaml:"subscribe_topic"`

	// LivenessTimeout is how long the channel may stay silent before it is
	// declared lost. Defaults to 60s.
	LivenessTimeout Duration `yaml:"liveness_timeout"`
}

// ReconnectConfig controls automatic reconnection after channel loss.
type ReconnectConfig struct {
	// Enabled turns reconnection on. Off by default: a lost channel is
	// terminal unless explicitly opted in.
	Enabled bool `yaml:"enabled"`

	// MaxAttempts bounds retries per drop. Defaults to 10.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is the initial retry delay, doubling up to MaxBackoff.
	// Defaults to 1s and 30s.
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
}

// ObserveConfig holds metrics and health endpoint settings.
type ObserveConfig struct {
	// MetricsAddr is the TCP address serving Prometheus metrics and health
	// probes. Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`
}
