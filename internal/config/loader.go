package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validFrameDurationsMs lists the Opus frame lengths the codec accepts.
var validFrameDurationsMs = []int{10, 20, 40, 60}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.DeviceID == "" {
		errs = append(errs, errors.New("device_id is required"))
	}

	// Audio
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d is negative", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d is negative", cfg.Audio.PlaybackRate))
	}
	if d := cfg.Audio.FrameDuration.Std(); d != 0 {
		ms := int(d.Milliseconds())
		if !slices.Contains(validFrameDurationsMs, ms) {
			errs = append(errs, fmt.Errorf("audio.frame_duration %s is not a supported codec frame length; valid values: 10ms, 20ms, 40ms, 60ms", d))
		}
	}
	if cfg.Audio.ResampleQuality != "" && !cfg.Audio.ResampleQuality.IsValid() {
		errs = append(errs, fmt.Errorf("audio.resample_quality %q is invalid; valid values: low_latency, high", cfg.Audio.ResampleQuality))
	}
	if cfg.Audio.PlaybackQueueFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_queue_frames %d is negative", cfg.Audio.PlaybackQueueFrames))
	}

	// Listening
	if cfg.Listening.Mode != "" && !cfg.Listening.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("listening.mode %q is invalid; valid values: auto, realtime, manual", cfg.Listening.Mode))
	}
	if cfg.Listening.Mode == ListeningRealtime && !cfg.Audio.EchoCancellation {
		slog.Warn("listening.mode is realtime but audio.echo_cancellation is off; the microphone will mute during playback")
	}

	// Transport
	kind := cfg.Transport.Kind
	if kind != "" && !kind.IsValid() {
		errs = append(errs, fmt.Errorf("transport.type %q is invalid; valid values: websocket, mqtt", kind))
	}
	switch kind {
	case "", TransportWebSocket:
		if cfg.Transport.WebSocket.URL == "" {
			errs = append(errs, errors.New("transport.websocket.url is required when transport.type is websocket"))
		}
	case TransportMQTT:
		if cfg.Transport.MQTT.Broker == "" {
			errs = append(errs, errors.New("transport.mqtt.broker is required when transport.type is mqtt"))
		}
		if cfg.Transport.MQTT.PublishTopic == "" {
			errs = append(errs, errors.New("transport.mqtt.publish_topic is required when transport.type is mqtt"))
		}
		if cfg.Transport.MQTT.SubscribeTopic == "" {
			errs = append(errs, errors.New("transport.mqtt.subscribe_topic is required when transport.type is mqtt"))
		}
	}
	if cfg.Transport.HandshakeTimeout.Std() < 0 {
		errs = append(errs, fmt.Errorf("transport.handshake_timeout %s is negative", cfg.Transport.HandshakeTimeout.Std()))
	}

	// Reconnect
	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d is negative", cfg.Reconnect.MaxAttempts))
	}
	if b, m := cfg.Reconnect.Backoff.Std(), cfg.Reconnect.MaxBackoff.Std(); b > 0 && m > 0 && b > m {
		errs = append(errs, fmt.Errorf("reconnect.backoff %s exceeds reconnect.max_backoff %s", b, m))
	}

	return errors.Join(errs...)
}
