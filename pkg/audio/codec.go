package audio

import (
	"fmt"
	"log/slog"
	"time"

	"layeh.com/gopus"
)

// Encoder wraps a gopus Opus encoder for the capture stream. A single Encoder
// serves one session; gopus maintains codec state across consecutive frames,
// so frames must be fed in capture order.
//
// Encoder is not safe for concurrent use. The engine's send path is the sole
// caller.
type Encoder struct {
	enc        *gopus.Encoder
	sampleRate int
	frameSize  int
}

// NewEncoder creates an Opus encoder for mono voice at the given sample rate
// and frame duration.
func NewEncoder(sampleRate int, frameDuration time.Duration) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &Encoder{
		enc:        enc,
		sampleRate: sampleRate,
		frameSize:  SamplesPerFrame(sampleRate, frameDuration),
	}, nil
}

// FrameSize returns the number of mono samples the encoder consumes per frame.
func (e *Encoder) FrameSize() int { return e.frameSize }

// Encode encodes one PCM frame into an Opus packet. A failed encode (wrong
// frame length, codec error) returns ok=false and the frame is dropped; one
// bad encode must never stop the stream, so no error propagates upward.
func (e *Encoder) Encode(pcm []int16) (EncodedFrame, bool) {
	if len(pcm) != e.frameSize {
		slog.Debug("opus encode: wrong frame length, dropping",
			"got", len(pcm), "want", e.frameSize)
		return EncodedFrame{}, false
	}
	payload, err := e.enc.Encode(pcm, e.frameSize, maxOpusPacket)
	if err != nil {
		slog.Debug("opus encode failed, dropping frame", "err", err)
		return EncodedFrame{}, false
	}
	return EncodedFrame{Payload: payload, PCMSamples: e.frameSize}, true
}

// Decoder wraps a gopus Opus decoder for the playback stream. Like the
// encoder it is stateful and single-session; not safe for concurrent use.
type Decoder struct {
	dec        *gopus.Decoder
	sampleRate int
	frameSize  int
}

// NewDecoder creates an Opus decoder for mono audio at the given sample rate
// and frame duration.
func NewDecoder(sampleRate int, frameDuration time.Duration) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Decoder{
		dec:        dec,
		sampleRate: sampleRate,
		frameSize:  SamplesPerFrame(sampleRate, frameDuration),
	}, nil
}

// FrameSize returns the number of mono samples the decoder produces per frame.
func (d *Decoder) FrameSize() int { return d.frameSize }

// Decode decodes one Opus packet into PCM. Decode failures and wrong-length
// output both return ok=false; the packet is dropped and the stream continues.
func (d *Decoder) Decode(frame EncodedFrame) ([]int16, bool) {
	if len(frame.Payload) == 0 {
		return nil, false
	}
	pcm, err := d.dec.Decode(frame.Payload, d.frameSize, false)
	if err != nil {
		slog.Debug("opus decode failed, dropping packet", "err", err, "bytes", len(frame.Payload))
		return nil, false
	}
	if len(pcm) != d.frameSize {
		slog.Debug("opus decode: wrong output length, dropping",
			"got", len(pcm), "want", d.frameSize)
		return nil, false
	}
	return pcm, true
}
