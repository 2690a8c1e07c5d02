// Package audio provides the frame types, Opus codec wrappers, sample-rate
// conversion, and echo cancellation that make up the Voxaline audio pipeline.
//
// Audio flows through the pipeline as [Frame] values (raw mono 16-bit PCM)
// until it is encoded into an [EncodedFrame] for transport. Ownership of a
// frame transfers on every pipeline hop — a stage that has passed a frame on
// must not touch its sample slice again.
//
// This package lives under pkg/ because external code (wake-word and VAD
// detectors, GUI front ends) consumes frames from the engine's detection
// queue and is expected to depend on these types.
package audio

import "time"

// Wire-format constants shared by both transports. The remote service always
// receives 16 kHz mono Opus; it replies at either 16 or 24 kHz depending on
// the negotiated hello.
const (
	// CaptureWireRate is the sample rate of audio sent to the service.
	CaptureWireRate = 16000

	// DefaultPlaybackRate is the sample rate of synthesized speech received
	// from the service unless the server hello negotiates otherwise.
	DefaultPlaybackRate = 24000

	// Channels is the channel count on the wire. Mono only.
	Channels = 1

	// WireFormat is the codec name advertised in hello messages.
	WireFormat = "opus"

	// DefaultFrameDuration is the frame length advertised in the client hello.
	DefaultFrameDuration = 60 * time.Millisecond
)

// maxOpusPacket is the largest Opus payload the encoder may produce for a
// single frame.
const maxOpusPacket = 1500

// Frame is a fixed-duration buffer of raw mono 16-bit PCM samples tagged with
// its sample rate and frame duration. The holder of a Frame owns PCM
// exclusively; passing a Frame to another pipeline stage transfers ownership.
type Frame struct {
	// PCM holds the samples. len(PCM) == samples-per-frame for the tagged
	// rate and duration, except for partial frames produced by a flush.
	PCM []int16

	// SampleRate in Hz.
	SampleRate int

	// Duration is the nominal frame length (10, 20 or 60 ms).
	Duration time.Duration
}

// SamplesPerFrame returns the mono sample count for one frame at the given
// rate and duration.
func SamplesPerFrame(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// EncodedFrame is an opaque Opus payload plus the PCM frame size it decodes
// to. The payload length says nothing about the decoded length — only a
// successful decode does.
type EncodedFrame struct {
	// Payload is the raw Opus packet.
	Payload []byte

	// PCMSamples is the number of mono samples the payload decodes to.
	PCMSamples int
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
