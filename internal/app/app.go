// Package app wires all Voxaline subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the session loop, and Shutdown tears everything
// down in order (goodbye → channel close → audio engine).
//
// For testing, inject doubles via functional options (WithEngine, WithDial,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxaline/voxaline/internal/config"
	"github.com/voxaline/voxaline/internal/engine"
	"github.com/voxaline/voxaline/internal/observe"
	"github.com/voxaline/voxaline/internal/protocol"
	"github.com/voxaline/voxaline/internal/state"
	"github.com/voxaline/voxaline/internal/transport"
	"github.com/voxaline/voxaline/pkg/audio"
)

// ErrSessionClosed is returned by Run when the service closes the session
// with a goodbye message. It signals an orderly end, not a failure.
var ErrSessionClosed = errors.New("app: session closed by service")

// AudioEngine is the surface of the audio device pipeline the app drives.
// Implemented by [engine.Engine]; tests substitute a fake.
type AudioEngine interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	SetGate(gate func() bool)
	SetRemoteRate(rate int) error
	Encoded() <-chan audio.EncodedFrame
	EnqueuePlayback(payload []byte) bool
	ClearPlayback()
	PlaybackDropped() uint64
}

// App owns all subsystem lifetimes and orchestrates the voice session.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	machine    *state.Machine
	eng        AudioEngine
	dispatcher *protocol.Dispatcher
	dial       transport.Dial
	reconn     *transport.Reconnector

	// mu guards the active transport and the hot-reloadable settings.
	mu       sync.Mutex
	tr       transport.Transport
	mode     state.ListeningMode
	wakeWord string

	// next and failed carry reconnector outcomes into the session loop.
	next   chan transport.Transport
	failed chan error

	// orderly marks a deliberate close (goodbye or Shutdown) so the session
	// loop does not treat the dropped channel as a failure.
	orderly atomic.Bool

	// playbackDropped is the engine's drop total already reported to metrics.
	// Touched only by the session loop.
	playbackDropped uint64

	// Collaborator hooks. Nil hooks drop their messages with a debug log.
	onSentence   func(text string)
	onTranscript func(text string)
	onIoT        func(payload json.RawMessage)
	onMCP        func(payload json.RawMessage)

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles
// and collaborator hooks.
type Option func(*App)

// WithEngine injects an audio engine instead of opening real devices.
func WithEngine(e AudioEngine) Option {
	return func(a *App) { a.eng = e }
}

// WithDial injects the channel dialer instead of building one from config.
func WithDial(d transport.Dial) Option {
	return func(a *App) { a.dial = d }
}

// WithMetrics injects a metrics set instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSentenceHandler registers a hook for tts sentence_start text.
func WithSentenceHandler(fn func(text string)) Option {
	return func(a *App) { a.onSentence = fn }
}

// WithTranscriptHandler registers a hook for stt recognition results.
func WithTranscriptHandler(fn func(text string)) Option {
	return func(a *App) { a.onTranscript = fn }
}

// WithIoTHandler registers a hook receiving raw iot command payloads.
func WithIoTHandler(fn func(payload json.RawMessage)) Option {
	return func(a *App) { a.onIoT = fn }
}

// WithMCPHandler registers a hook receiving raw mcp payloads. Registering
// one also advertises the mcp feature in the hello.
func WithMCPHandler(fn func(payload json.RawMessage)) Option {
	return func(a *App) { a.onMCP = fn }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		next:   make(chan transport.Transport, 1),
		failed: make(chan error, 1),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.mode = state.ParseMode(string(cfg.Listening.Mode))
	a.wakeWord = cfg.WakeWord

	a.machine = state.New(cfg.Audio.EchoCancellation)
	a.machine.OnChange(func(from, to state.Device) {
		a.metrics.RecordStateTransition(context.Background(), from.String(), to.String())
	})

	if a.eng == nil {
		eng, err := engine.New(engineConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("app: audio engine: %w", err)
		}
		a.eng = eng
	}
	a.eng.SetGate(a.machine.AllowTransmit)

	a.dispatcher = protocol.NewDispatcher()
	a.registerHandlers()

	if a.dial == nil {
		a.dial = a.buildDial()
	}
	a.reconn = transport.NewReconnector(transport.ReconnectorConfig{
		Dial:        a.dial,
		Enabled:     cfg.Reconnect.Enabled,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Backoff:     cfg.Reconnect.Backoff.Std(),
		MaxBackoff:  cfg.Reconnect.MaxBackoff.Std(),
		OnReconnect: func(t transport.Transport) {
			a.metrics.RecordReconnect(context.Background(), "success")
			select {
			case a.next <- t:
			default:
			}
		},
		OnFailure: func(err error) {
			a.metrics.RecordReconnect(context.Background(), "failure")
			select {
			case a.failed <- err:
			default:
			}
		},
	})

	return a, nil
}

// engineConfig maps the YAML audio section onto an engine configuration.
func engineConfig(cfg *config.Config) engine.Config {
	quality := audio.QualityLowLatency
	if cfg.Audio.ResampleQuality == config.ResampleHigh {
		quality = audio.QualityHigh
	}
	return engine.Config{
		WireCaptureRate:     audio.CaptureWireRate,
		DeviceCaptureRate:   cfg.Audio.CaptureRate,
		DevicePlaybackRate:  cfg.Audio.PlaybackRate,
		FrameDuration:       cfg.Audio.FrameDuration.Std(),
		InputDevice:         cfg.Audio.InputDevice,
		OutputDevice:        cfg.Audio.OutputDevice,
		EnableAEC:           cfg.Audio.EchoCancellation,
		ResampleQuality:     quality,
		PlaybackQueueFrames: cfg.Audio.PlaybackQueueFrames,
	}
}

// buildDial returns a dialer that constructs the configured transport kind,
// opens it, and records the handshake latency.
func (a *App) buildDial() transport.Dial {
	cfg := a.cfg
	frameDur := cfg.Audio.FrameDuration.Std()
	if frameDur <= 0 {
		frameDur = audio.DefaultFrameDuration
	}
	params := protocol.AudioParams{
		Format:        audio.WireFormat,
		SampleRate:    audio.CaptureWireRate,
		Channels:      audio.Channels,
		FrameDuration: int(frameDur / time.Millisecond),
	}
	features := protocol.Features{
		AEC: cfg.Audio.EchoCancellation,
		MCP: a.onMCP != nil,
	}

	return func(ctx context.Context) (transport.Transport, error) {
		var t transport.Transport
		switch cfg.Transport.Kind {
		case config.TransportMQTT:
			clientID := cfg.Transport.MQTT.ClientID
			if clientID == "" {
				clientID = cfg.ClientID
			}
			t = transport.NewMQTT(transport.MQTTConfig{
				Broker:           cfg.Transport.MQTT.Broker,
				ClientID:         clientID,
				Username:         cfg.Transport.MQTT.Username,
				Password:         cfg.Transport.MQTT.Password,
				PublishTopic:     cfg.Transport.MQTT.PublishTopic,
				SubscribeTopic:   cfg.Transport.MQTT.SubscribeTopic,
				Audio:            params,
				Features:         features,
				HandshakeTimeout: cfg.Transport.HandshakeTimeout.Std(),
				LivenessTimeout:  cfg.Transport.MQTT.LivenessTimeout.Std(),
			})
		default:
			t = transport.NewWS(transport.WSConfig{
				URL:              cfg.Transport.WebSocket.URL,
				Token:            cfg.Transport.WebSocket.Token,
				DeviceID:         cfg.DeviceID,
				ClientID:         cfg.ClientID,
				Audio:            params,
				Features:         features,
				HandshakeTimeout: cfg.Transport.HandshakeTimeout.Std(),
			})
		}

		ctx, span := observe.StartSpan(ctx, "voice.connect")
		defer span.End()

		start := time.Now()
		if err := t.Open(ctx); err != nil {
			span.RecordError(err)
			return nil, err
		}
		a.metrics.RecordHandshake(ctx, string(cfg.Transport.Kind), time.Since(start).Seconds())
		return t, nil
	}
}

// transport returns the currently attached channel, or nil between sessions.
func (a *App) transport() transport.Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tr
}

// State reports the current device state.
func (a *App) State() state.Device { return a.machine.State() }

// SetListeningMode changes the default mode used for subsequent listening
// turns. Safe to call at any time; the active turn keeps its mode.
func (a *App) SetListeningMode(mode state.ListeningMode) {
	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()
}

// SetWakeWord changes the wake word reported on detection.
func (a *App) SetWakeWord(word string) {
	a.mu.Lock()
	a.wakeWord = word
	a.mu.Unlock()
}

func (a *App) currentMode() state.ListeningMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *App) currentWakeWord() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wakeWord
}
