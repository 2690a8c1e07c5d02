package audio

import "sync"

// Default NLMS filter tuning. The tail covers the acoustic path between
// loudspeaker and microphone on a small device; longer tails converge slower
// for little gain at 16 kHz.
const (
	defaultTailMs  = 16
	maxFilterTaps  = 512
	nlmsStepSize   = 0.35
	nlmsRegularise = 1e-3
	// refRingFrames sizes the reference ring in frame-duration multiples so
	// playback can lead capture by a few callback periods.
	refRingFrames = 8
)

// EchoCanceler removes loudspeaker leakage from captured audio using a
// normalised-LMS adaptive filter. Playback frames are fed in as the reference
// signal via [EchoCanceler.AddReference]; capture frames pass through
// [EchoCanceler.Process].
//
// The canceler degrades transparently: with no reference buffered (nothing is
// playing, or the canceler is disabled) Process returns the capture signal
// untouched rather than failing.
//
// AddReference is called from the playback side and Process from the capture
// side, so the reference ring is mutex-protected. Process itself is
// single-caller.
type EchoCanceler struct {
	taps int
	w    []float64 // adaptive filter weights
	x    []float64 // reference delay line, newest first

	mu      sync.Mutex
	ref     []int16 // reference ring buffer
	refHead int
	refLen  int

	enabled bool
}

// NewEchoCanceler creates a canceler for mono capture at the given sample
// rate. A nil receiver or a disabled canceler is a valid passthrough.
func NewEchoCanceler(sampleRate int) *EchoCanceler {
	taps := sampleRate * defaultTailMs / 1000
	if taps > maxFilterTaps {
		taps = maxFilterTaps
	}
	if taps < 8 {
		taps = 8
	}
	ringSize := SamplesPerFrame(sampleRate, DefaultFrameDuration) * refRingFrames
	return &EchoCanceler{
		taps:    taps,
		w:       make([]float64, taps),
		x:       make([]float64, taps),
		ref:     make([]int16, ringSize),
		enabled: true,
	}
}

// AddReference buffers a playback frame as the far-end reference signal.
// When the ring is full the oldest reference samples are overwritten.
func (c *EchoCanceler) AddReference(pcm []int16) {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	for _, s := range pcm {
		c.ref[c.refHead] = s
		c.refHead = (c.refHead + 1) % len(c.ref)
		if c.refLen < len(c.ref) {
			c.refLen++
		}
	}
	c.mu.Unlock()
}

// Process returns the echo-suppressed version of a capture frame. If the
// canceler is nil, disabled, or has no reference signal buffered, the input
// is returned unprocessed.
func (c *EchoCanceler) Process(capture []int16) []int16 {
	if c == nil || !c.enabled {
		return capture
	}

	c.mu.Lock()
	if c.refLen < len(capture) {
		c.mu.Unlock()
		return capture
	}
	// Pull the oldest len(capture) reference samples out of the ring.
	refFrame := make([]int16, len(capture))
	start := (c.refHead - c.refLen + len(c.ref)) % len(c.ref)
	for i := range refFrame {
		refFrame[i] = c.ref[(start+i)%len(c.ref)]
	}
	c.refLen -= len(capture)
	c.mu.Unlock()

	out := make([]int16, len(capture))
	for i, d := range capture {
		// Shift the reference delay line.
		copy(c.x[1:], c.x[:len(c.x)-1])
		c.x[0] = float64(refFrame[i])

		// Filter output: estimated echo.
		var y, power float64
		for t := range c.w {
			y += c.w[t] * c.x[t]
			power += c.x[t] * c.x[t]
		}

		e := float64(d) - y
		out[i] = clampInt16(e)

		// NLMS weight update.
		step := nlmsStepSize / (nlmsRegularise + power)
		for t := range c.w {
			c.w[t] += step * e * c.x[t]
		}
	}
	return out
}

// Reset clears the adaptive state, for reuse across sessions.
func (c *EchoCanceler) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.refLen = 0
	c.refHead = 0
	c.mu.Unlock()
	for i := range c.w {
		c.w[i] = 0
	}
	for i := range c.x {
		c.x[i] = 0
	}
}
