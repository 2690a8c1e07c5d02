// Package engine drives the audio devices.
//
// The engine owns the capture and playback streams. Captured PCM is
// resampled to the wire rate, run through echo cancellation and Opus
// encoding, and the resulting frames are published on a channel for the
// transport to send; inbound Opus frames are decoded, resampled to the
// device rate and queued for playback. Both device loops are real-time:
// they never block on downstream consumers, dropping the oldest work
// instead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/voxaline/voxaline/pkg/audio"
)

// ErrDeviceUnavailable is returned when no usable audio device matches the
// configuration.
var ErrDeviceUnavailable = errors.New("engine: audio device unavailable")

// ErrAlreadyRunning is returned by Start on a running engine.
var ErrAlreadyRunning = errors.New("engine: already running")

const (
	defaultPlaybackQueueFrames = 16
	encodedQueueFrames         = 8
)

// Config configures an [Engine].
type Config struct {
	// WireCaptureRate is the sample rate sent to the service.
	WireCaptureRate int

	// WirePlaybackRate is the decoded source rate announced by the service.
	WirePlaybackRate int

	// DeviceCaptureRate and DevicePlaybackRate are the rates the hardware is
	// opened at. Zero means same as the corresponding wire rate.
	DeviceCaptureRate  int
	DevicePlaybackRate int

	// FrameDuration is the codec frame length.
	FrameDuration time.Duration

	// InputDevice and OutputDevice select devices by case-insensitive name
	// substring. Empty selects the system default.
	InputDevice  string
	OutputDevice string

	// EnableAEC turns on acoustic echo cancellation on the capture path.
	EnableAEC bool

	// ResampleQuality selects the interpolation used when wire and device
	// rates differ.
	ResampleQuality audio.Quality

	// PlaybackQueueFrames bounds the playback queue. Defaults to 16.
	PlaybackQueueFrames int
}

func (c *Config) applyDefaults() {
	if c.WireCaptureRate <= 0 {
		c.WireCaptureRate = audio.CaptureWireRate
	}
	if c.WirePlaybackRate <= 0 {
		c.WirePlaybackRate = audio.DefaultPlaybackRate
	}
	if c.DeviceCaptureRate <= 0 {
		c.DeviceCaptureRate = c.WireCaptureRate
	}
	if c.DevicePlaybackRate <= 0 {
		c.DevicePlaybackRate = c.WirePlaybackRate
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = audio.DefaultFrameDuration
	}
	if c.PlaybackQueueFrames <= 0 {
		c.PlaybackQueueFrames = defaultPlaybackQueueFrames
	}
}

// Engine is the audio device pipeline. Create one with [New], then
// [Engine.Start].
type Engine struct {
	cfg Config

	capture  *captureChain
	playback *playbackSink
	decoder  *audio.Decoder

	// downlink converts decoded audio from the wire rate to the device rate.
	// Nil when the rates match.
	downlinkMu sync.Mutex
	downlink   *audio.Resampler

	mu        sync.Mutex
	encoded   chan audio.EncodedFrame
	ran       bool
	running   bool
	inStream  *portaudio.Stream
	outStream *portaudio.Stream
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an engine. No devices are touched until [Engine.Start].
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()

	capture, err := newCaptureChain(cfg)
	if err != nil {
		return nil, err
	}
	decoder, err := audio.NewDecoder(cfg.WirePlaybackRate, cfg.FrameDuration)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		capture: capture,
		decoder: decoder,
		playback: newPlaybackSink(
			audio.SamplesPerFrame(cfg.DevicePlaybackRate, cfg.FrameDuration),
			cfg.PlaybackQueueFrames,
		),
		encoded: make(chan audio.EncodedFrame, encodedQueueFrames),
	}
	if cfg.DevicePlaybackRate != cfg.WirePlaybackRate {
		e.downlink = audio.NewResampler(cfg.WirePlaybackRate, cfg.DevicePlaybackRate, cfg.ResampleQuality)
	}
	return e, nil
}

// SetGate installs the transmit gate consulted for each captured frame. A
// nil gate transmits everything.
func (e *Engine) SetGate(gate func() bool) { e.capture.setGate(gate) }

// SetRemoteRate adopts the decoded source rate announced by the service in
// its hello, rebuilding the decoder and downlink resampler if it differs
// from the configured rate. Call after the handshake and before the first
// playback frame of the session arrives.
func (e *Engine) SetRemoteRate(rate int) error {
	if rate <= 0 || rate == e.cfg.WirePlaybackRate {
		return nil
	}
	decoder, err := audio.NewDecoder(rate, e.cfg.FrameDuration)
	if err != nil {
		return fmt.Errorf("engine: remote rate %d: %w", rate, err)
	}

	e.downlinkMu.Lock()
	defer e.downlinkMu.Unlock()
	e.cfg.WirePlaybackRate = rate
	e.decoder = decoder
	if rate != e.cfg.DevicePlaybackRate {
		e.downlink = audio.NewResampler(rate, e.cfg.DevicePlaybackRate, e.cfg.ResampleQuality)
	} else {
		e.downlink = nil
	}
	return nil
}

// Encoded delivers the outbound encoded frames. The channel is closed when
// the engine stops; a later Start replaces it, so re-fetch after a restart.
func (e *Engine) Encoded() <-chan audio.EncodedFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoded
}

// resetEncoded replaces the encoded channel that a previous run's capture
// loop closed on exit. The first run keeps the channel made by New. Caller
// holds mu.
func (e *Engine) resetEncoded() {
	if !e.ran {
		e.ran = true
		return
	}
	e.encoded = make(chan audio.EncodedFrame, encodedQueueFrames)
}

// Detection exposes the bounded tap of processed capture frames for
// wake-word and VAD consumers. Frames arrive regardless of the transmit
// gate; a lagging consumer sees the oldest frames evicted.
func (e *Engine) Detection() *audio.FrameQueue { return e.capture.detection }

// EnqueuePlayback decodes one inbound Opus frame and queues it for playback,
// reporting whether the frame was accepted; a failed decode drops it. The
// decoded audio also feeds the echo canceller's reference signal.
func (e *Engine) EnqueuePlayback(payload []byte) bool {
	pcm, ok := e.decoder.Decode(audio.EncodedFrame{Payload: payload})
	if !ok {
		return false
	}
	e.capture.addEchoReference(pcm)

	if e.downlink != nil {
		e.downlinkMu.Lock()
		pcm = e.downlink.Push(pcm)
		e.downlinkMu.Unlock()
		if len(pcm) == 0 {
			// Buffered in the resampler, not dropped.
			return true
		}
	}
	e.playback.push(pcm)
	return true
}

// ClearPlayback discards any queued playback audio, e.g. on abort.
func (e *Engine) ClearPlayback() {
	e.playback.clear()
	e.capture.resetEcho()
	if e.downlink != nil {
		e.downlinkMu.Lock()
		e.downlink.Flush()
		e.downlinkMu.Unlock()
	}
}

// Running reports whether the device streams are open.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// PlaybackDropped reports how many playback frames were discarded because
// the device could not keep up.
func (e *Engine) PlaybackDropped() uint64 { return e.playback.droppedFrames() }

// Start opens the audio devices and runs the capture and playback loops
// until ctx is cancelled or [Engine.Stop] is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("engine: portaudio init: %w", err)
	}

	inDev, outDev, err := e.selectDevices()
	if err != nil {
		_ = portaudio.Terminate()
		return err
	}

	deviceFrame := audio.SamplesPerFrame(e.cfg.DeviceCaptureRate, e.cfg.FrameDuration)
	inBuf := make([]int16, deviceFrame)
	inStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inDev,
			Channels: audio.Channels,
			Latency:  inDev.DefaultLowInputLatency,
		},
		SampleRate:      float64(e.cfg.DeviceCaptureRate),
		FramesPerBuffer: deviceFrame,
	}, inBuf)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("engine: open capture stream: %w", err)
	}

	outBuf := make([]int16, e.playback.frameSamples)
	outStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: audio.Channels,
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(e.cfg.DevicePlaybackRate),
		FramesPerBuffer: e.playback.frameSamples,
	}, outBuf)
	if err != nil {
		inStream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("engine: open playback stream: %w", err)
	}

	if err := inStream.Start(); err != nil {
		inStream.Close()
		outStream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("engine: start capture: %w", err)
	}
	if err := outStream.Start(); err != nil {
		_ = inStream.Stop()
		inStream.Close()
		outStream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("engine: start playback: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.resetEncoded()
	e.inStream = inStream
	e.outStream = outStream
	e.cancel = cancel
	e.running = true

	slog.Info("audio engine started",
		"input", inDev.Name,
		"output", outDev.Name,
		"capture_rate", e.cfg.DeviceCaptureRate,
		"playback_rate", e.cfg.DevicePlaybackRate,
		"frame", e.cfg.FrameDuration,
		"aec", e.cfg.EnableAEC,
	)

	e.wg.Add(2)
	go e.captureLoop(runCtx, inStream, inBuf, e.encoded)
	go e.playbackLoop(runCtx, outStream, outBuf)
	return nil
}

// selectDevices resolves the configured device names against the host.
func (e *Engine) selectDevices() (in, out *portaudio.DeviceInfo, err error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("engine: enumerate devices: %w", err)
	}

	in = matchDevice(devices, e.cfg.InputDevice, true)
	if in == nil {
		if in, err = portaudio.DefaultInputDevice(); err != nil || in == nil {
			return nil, nil, fmt.Errorf("%w: no input device matching %q", ErrDeviceUnavailable, e.cfg.InputDevice)
		}
	}
	out = matchDevice(devices, e.cfg.OutputDevice, false)
	if out == nil {
		if out, err = portaudio.DefaultOutputDevice(); err != nil || out == nil {
			return nil, nil, fmt.Errorf("%w: no output device matching %q", ErrDeviceUnavailable, e.cfg.OutputDevice)
		}
	}
	return in, out, nil
}

// matchDevice finds the first device whose name contains the given substring,
// case-insensitively. Returns nil for an empty name.
func matchDevice(devices []*portaudio.DeviceInfo, name string, input bool) *portaudio.DeviceInfo {
	if name == "" {
		return nil
	}
	needle := strings.ToLower(name)
	for _, dev := range devices {
		if input && dev.MaxInputChannels < 1 {
			continue
		}
		if !input && dev.MaxOutputChannels < 1 {
			continue
		}
		if strings.Contains(strings.ToLower(dev.Name), needle) {
			return dev
		}
	}
	return nil
}

// captureLoop reads device frames, runs the capture chain and publishes the
// encoded frames. Runs until the stream dies or the context ends, then closes
// its encoded channel.
func (e *Engine) captureLoop(ctx context.Context, stream *portaudio.Stream, buf []int16, encoded chan audio.EncodedFrame) {
	defer e.wg.Done()
	defer close(encoded)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if ctx.Err() == nil {
				slog.Warn("capture read failed", "error", err)
			}
			return
		}

		for _, frame := range e.capture.process(buf) {
			select {
			case encoded <- frame:
			default:
				slog.Debug("encoded frame queue full, dropping frame")
			}
		}
	}
}

// playbackLoop fills device buffers from the playback sink and writes them
// out. Underruns play silence.
func (e *Engine) playbackLoop(ctx context.Context, stream *portaudio.Stream, buf []int16) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.playback.fill(buf)
		if err := stream.Write(); err != nil {
			if ctx.Err() == nil {
				slog.Warn("playback write failed", "error", err)
			}
			return
		}
	}
}

// Stop shuts the engine down in two phases: the device streams are stopped
// and the loops drained first, then the streams are closed and the host
// released. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	inStream := e.inStream
	outStream := e.outStream
	e.inStream = nil
	e.outStream = nil
	e.mu.Unlock()

	cancel()
	if inStream != nil {
		_ = inStream.Stop()
	}
	if outStream != nil {
		_ = outStream.Stop()
	}
	e.wg.Wait()

	if inStream != nil {
		_ = inStream.Close()
	}
	if outStream != nil {
		_ = outStream.Close()
	}
	_ = portaudio.Terminate()
	slog.Info("audio engine stopped", "playback_frames_dropped", e.playback.droppedFrames())
}
