package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxaline/voxaline/pkg/audio"
)

// detectionQueueFrames bounds the detection tap. Wake-word and VAD consumers
// that lag simply see older frames evicted.
const detectionQueueFrames = 32

// captureChain turns raw device buffers into encoded wire frames: resampling
// to the wire rate, echo cancellation, a detection tap, Opus encoding behind
// the transmit gate. The resampler output length varies by a sample either
// way, so a small accumulator rebuffers it into exact codec frames.
type captureChain struct {
	encoder      *audio.Encoder
	aec          *audio.EchoCanceler
	uplink       *audio.Resampler // nil when device and wire rates match
	frameSamples int
	wireRate     int
	frameDur     time.Duration

	// detection receives every processed frame regardless of the gate, so
	// wake-word listening works while the device is idle.
	detection *audio.FrameQueue

	gateMu sync.RWMutex
	gate   func() bool

	accum []int16
}

func newCaptureChain(cfg Config) (*captureChain, error) {
	encoder, err := audio.NewEncoder(cfg.WireCaptureRate, cfg.FrameDuration)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	c := &captureChain{
		encoder:      encoder,
		frameSamples: encoder.FrameSize(),
		wireRate:     cfg.WireCaptureRate,
		frameDur:     cfg.FrameDuration,
		detection:    audio.NewFrameQueue(detectionQueueFrames),
	}
	if cfg.EnableAEC {
		c.aec = audio.NewEchoCanceler(cfg.WireCaptureRate)
	}
	if cfg.DeviceCaptureRate != cfg.WireCaptureRate {
		c.uplink = audio.NewResampler(cfg.DeviceCaptureRate, cfg.WireCaptureRate, cfg.ResampleQuality)
	}
	return c, nil
}

func (c *captureChain) setGate(gate func() bool) {
	c.gateMu.Lock()
	c.gate = gate
	c.gateMu.Unlock()
}

// addEchoReference feeds decoded playback audio into the echo canceller.
// No-op when echo cancellation is off.
func (c *captureChain) addEchoReference(pcm []int16) {
	if c.aec != nil {
		c.aec.AddReference(pcm)
	}
}

// resetEcho clears the echo canceller's reference history.
func (c *captureChain) resetEcho() {
	if c.aec != nil {
		c.aec.Reset()
	}
}

// process runs one device buffer through the chain. Every full frame lands
// on the detection queue; encoded frames are returned only while the gate is
// open. An encoder drop yields nothing for that frame. Called only from the
// capture loop.
func (c *captureChain) process(pcm []int16) []audio.EncodedFrame {
	c.gateMu.RLock()
	gate := c.gate
	c.gateMu.RUnlock()
	transmit := gate == nil || gate()

	if c.uplink != nil {
		pcm = c.uplink.Push(pcm)
	}
	c.accum = append(c.accum, pcm...)

	var frames []audio.EncodedFrame
	for len(c.accum) >= c.frameSamples {
		if c.aec != nil {
			copy(c.accum, c.aec.Process(c.accum[:c.frameSamples]))
		}

		det := make([]int16, c.frameSamples)
		copy(det, c.accum[:c.frameSamples])
		c.detection.Push(audio.Frame{PCM: det, SampleRate: c.wireRate, Duration: c.frameDur})

		if transmit {
			if frame, ok := c.encoder.Encode(c.accum[:c.frameSamples]); ok {
				frames = append(frames, frame)
			}
		}
		c.accum = c.accum[:copy(c.accum, c.accum[c.frameSamples:])]
	}
	return frames
}

// playbackSink feeds the playback device from a bounded frame queue. Pushes
// never block: when the queue is full the oldest frame is discarded. The
// fill side keeps a carry buffer because queued frames and device buffers
// need not be the same length; a dry queue yields silence.
type playbackSink struct {
	frameSamples int
	queue        *audio.FrameQueue

	mu    sync.Mutex
	carry []int16
}

func newPlaybackSink(frameSamples, queueFrames int) *playbackSink {
	return &playbackSink{
		frameSamples: frameSamples,
		queue:        audio.NewFrameQueue(queueFrames),
	}
}

// push queues decoded audio for playback.
func (s *playbackSink) push(pcm []int16) {
	s.queue.Push(audio.Frame{PCM: pcm})
}

// fill populates buf with queued audio, padding with silence when the queue
// runs dry.
func (s *playbackSink) fill(buf []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(buf) {
		if len(s.carry) == 0 {
			frame, ok := s.queue.TryPop()
			if !ok {
				break
			}
			s.carry = frame.PCM
		}
		copied := copy(buf[n:], s.carry)
		s.carry = s.carry[copied:]
		n += copied
	}
	for ; n < len(buf); n++ {
		buf[n] = 0
	}
}

// clear discards all queued and carried audio.
func (s *playbackSink) clear() {
	s.mu.Lock()
	s.carry = nil
	s.mu.Unlock()
	s.queue.Clear()
}

// droppedFrames reports how many frames the bounded queue discarded.
func (s *playbackSink) droppedFrames() uint64 { return s.queue.Dropped() }
