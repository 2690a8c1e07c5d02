// Package transport provides the voice channel implementations.
//
// Two transports are available: a WebSocket channel that carries both control
// JSON and binary audio frames on one connection, and an MQTT-signalled
// channel where control messages travel over the broker and encrypted audio
// flows over a dedicated UDP socket. Both perform the same hello handshake
// after connecting and expose the same channel-based inbound surface, so the
// rest of the application does not care which one is active.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxaline/voxaline/internal/protocol"
)

// DefaultHandshakeTimeout bounds the wait for the server's hello reply.
const DefaultHandshakeTimeout = 10 * time.Second

// Sentinel errors returned by transports.
var (
	// ErrNotConnected is returned when sending on a transport that has no
	// open channel.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAlreadyOpen is returned by Open on a transport whose channel is
	// already established.
	ErrAlreadyOpen = errors.New("transport: already open")

	// ErrHandshakeTimeout is returned when the server hello does not arrive
	// within the handshake timeout.
	ErrHandshakeTimeout = errors.New("transport: hello handshake timed out")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("transport: closed")
)

// State describes the lifecycle of a transport channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateOpen
	StateClosing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Transport is a bidirectional voice channel to the service. Implementations
// are safe for concurrent use.
//
// After a successful [Transport.Open], inbound control JSON arrives on
// Control and inbound encoded audio frames on Audio. Both channels are
// closed when the receive side shuts down. Connection loss is reported
// exactly once on Lost.
type Transport interface {
	// Open establishes the channel and performs the hello handshake.
	Open(ctx context.Context) error

	// SendControl writes a control message to the channel.
	SendControl(msg *protocol.Message) error

	// SendAudio writes one encoded audio frame to the channel.
	SendAudio(payload []byte) error

	// Control delivers inbound control messages as raw JSON.
	Control() <-chan []byte

	// Audio delivers inbound encoded audio frames.
	Audio() <-chan []byte

	// Lost delivers the error that terminated an open channel. At most one
	// value is ever sent.
	Lost() <-chan error

	// SessionID returns the server-assigned session identifier, or "" before
	// the handshake completes.
	SessionID() string

	// RemoteAudio returns the audio parameters announced in the server
	// hello. Zero-valued before the handshake completes.
	RemoteAudio() protocol.AudioParams

	// State returns the current channel state.
	State() State

	// Close tears the channel down. Idempotent.
	Close() error
}

// events is the inbound channel set shared by the transport implementations.
// Control messages block (they are rare and must not be lost); audio frames
// are dropped when the consumer lags, keeping the receive loop real-time.
type events struct {
	control chan []byte
	audio   chan []byte
	lost    chan error

	lostOnce sync.Once

	// closeMu serialises delivery against the close: a receive loop or broker
	// callback may still hold a frame it read before the connection died, and
	// a send on a closed channel panics.
	closeMu sync.RWMutex
	closed  bool

	audioDropped atomic.Uint64
}

func newEvents() *events {
	return &events{
		control: make(chan []byte, 32),
		audio:   make(chan []byte, 64),
		lost:    make(chan error, 1),
	}
}

// deliverControl hands a control message to the consumer, giving up when the
// transport context ends or the channels are already closed.
func (e *events) deliverControl(ctx context.Context, data []byte) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.control <- data:
	case <-ctx.Done():
	}
}

// deliverAudio hands an audio frame to the consumer without ever blocking
// the receive loop. A full queue drops the frame, as does a closed channel.
func (e *events) deliverAudio(data []byte) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.audio <- data:
	default:
		e.audioDropped.Add(1)
	}
}

// signalLost reports the terminating error. Only the first call wins.
func (e *events) signalLost(err error) {
	e.lostOnce.Do(func() { e.lost <- err })
}

// closeChannels closes the inbound channels. Idempotent. Callers cancel the
// transport context first so an in-flight deliverControl cannot hold the read
// side of closeMu indefinitely.
func (e *events) closeChannels() {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.control)
	close(e.audio)
}

// stateVar is an atomic [State] holder embedded by the implementations.
type stateVar struct{ v atomic.Int32 }

func (s *stateVar) State() State      { return State(s.v.Load()) }
func (s *stateVar) setState(st State) { s.v.Store(int32(st)) }
func (s *stateVar) is(st State) bool  { return s.State() == st }
func (s *stateVar) cas(old, new State) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}
