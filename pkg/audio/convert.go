package audio

// Quality selects the interpolation kernel used by a [Resampler].
type Quality int

const (
	// QualityLowLatency uses linear interpolation. Cheapest per sample and
	// the default for the real-time capture path.
	QualityLowLatency Quality = iota

	// QualityHigh uses 4-point Catmull-Rom interpolation. Slightly more CPU
	// for noticeably less aliasing on the playback path.
	QualityHigh
)

// Resampler is a stateful streaming sample-rate converter between the device
// rate and the fixed wire rates. Push may return 0..N samples per call —
// the converter buffers input internally so interpolation never reads past
// the data it has — and must be flushed explicitly at stream end.
//
// A Resampler serves exactly one stream direction and is not safe for
// concurrent use.
type Resampler struct {
	srcRate int
	dstRate int
	quality Quality

	// buf holds unconsumed source samples plus the history the kernel needs.
	buf []int16
	// pos is the fractional read position within buf.
	pos float64
}

// NewResampler creates a streaming converter from srcRate to dstRate.
// When the rates are equal the converter is a passthrough.
func NewResampler(srcRate, dstRate int, quality Quality) *Resampler {
	return &Resampler{srcRate: srcRate, dstRate: dstRate, quality: quality}
}

// Ratio reports dstRate/srcRate, useful for sizing output buffers.
func (r *Resampler) Ratio() float64 {
	return float64(r.dstRate) / float64(r.srcRate)
}

// Push feeds source samples in and returns whatever converted samples are
// ready. The returned slice is owned by the caller. For equal rates the
// input slice is returned unchanged.
func (r *Resampler) Push(samples []int16) []int16 {
	if r.srcRate == r.dstRate {
		return samples
	}
	r.buf = append(r.buf, samples...)
	return r.produce(false)
}

// Flush drains the remaining buffered input, extending the final sample as
// needed, and resets the converter for a new stream.
func (r *Resampler) Flush() []int16 {
	if r.srcRate == r.dstRate {
		return nil
	}
	out := r.produce(true)
	r.buf = r.buf[:0]
	r.pos = 0
	return out
}

func (r *Resampler) produce(flush bool) []int16 {
	step := float64(r.srcRate) / float64(r.dstRate)

	// lookahead is how many samples beyond int(pos) the kernel reads.
	lookahead := 1
	if r.quality == QualityHigh {
		lookahead = 2
	}

	out := make([]int16, 0, int(float64(len(r.buf))/step)+2)
	for {
		idx := int(r.pos)
		if flush {
			if idx >= len(r.buf) {
				break
			}
		} else if idx+lookahead >= len(r.buf) {
			break
		}
		frac := r.pos - float64(idx)
		if r.quality == QualityHigh {
			out = append(out, r.cubicAt(idx, frac))
		} else {
			out = append(out, r.linearAt(idx, frac))
		}
		r.pos += step
	}

	if !flush {
		// Drop consumed input, keeping one sample of history for the
		// Catmull-Rom kernel's i-1 tap.
		hist := 0
		if r.quality == QualityHigh {
			hist = 1
		}
		keep := int(r.pos) - hist
		if keep > 0 {
			if keep > len(r.buf) {
				keep = len(r.buf)
			}
			r.buf = append(r.buf[:0], r.buf[keep:]...)
			r.pos -= float64(keep)
		}
	}
	return out
}

// sampleAt returns buf[i] with edge clamping.
func (r *Resampler) sampleAt(i int) float64 {
	if i < 0 {
		i = 0
	}
	if i >= len(r.buf) {
		i = len(r.buf) - 1
	}
	if i < 0 {
		return 0
	}
	return float64(r.buf[i])
}

func (r *Resampler) linearAt(idx int, frac float64) int16 {
	s0 := r.sampleAt(idx)
	s1 := r.sampleAt(idx + 1)
	return clampInt16(s0*(1-frac) + s1*frac)
}

func (r *Resampler) cubicAt(idx int, frac float64) int16 {
	p0 := r.sampleAt(idx - 1)
	p1 := r.sampleAt(idx)
	p2 := r.sampleAt(idx + 1)
	p3 := r.sampleAt(idx + 2)

	// Catmull-Rom spline.
	a := -0.5*p0 + 1.5*p1 - 1.5*p2 + 0.5*p3
	b := p0 - 2.5*p1 + 2*p2 - 0.5*p3
	c := -0.5*p0 + 0.5*p2
	v := ((a*frac+b)*frac+c)*frac + p1
	return clampInt16(v)
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
