// Package state implements the device session state machine.
//
// The machine holds the single authoritative [Device] state. Transitions are
// triggered by local commands (start/stop listening, abort) and by transport
// events (channel opened/closed, tts start/stop); everything else in the
// process only reads. Observer broadcast happens outside the state lock so a
// slow observer can never stall the next transition, and re-entrant no-op
// transitions are suppressed before broadcast.
package state

import (
	"log/slog"
	"sync"
)

// Device is the session-visible device state.
type Device int

const (
	// Idle — no active voice session.
	Idle Device = iota

	// Connecting — transport handshake in progress.
	Connecting

	// Listening — microphone audio is streaming to the service.
	Listening

	// Speaking — synthesized speech is being played back.
	Speaking
)

// String returns the human-readable name of the device state.
func (d Device) String() string {
	switch d {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// ListeningMode selects whether audio keeps streaming across a synthesized
// speech turn. Orthogonal to [Device].
type ListeningMode int

const (
	// ModeAutoStop stops listening after each utterance; the server restarts
	// the turn.
	ModeAutoStop ListeningMode = iota

	// ModeRealtime keeps the microphone streaming continuously, including
	// while the device is speaking (requires echo cancellation).
	ModeRealtime

	// ModeManual streams only while explicitly held open (push-to-talk).
	ModeManual
)

// String returns the human-readable name of the mode.
func (m ListeningMode) String() string {
	switch m {
	case ModeRealtime:
		return "realtime"
	case ModeAutoStop:
		return "auto"
	case ModeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Wire returns the protocol string for the mode, as carried in listen
// messages.
func (m ListeningMode) Wire() string { return m.String() }

// ParseMode maps a wire mode string onto a [ListeningMode]. Unknown strings
// fall back to auto.
func ParseMode(s string) ListeningMode {
	switch s {
	case "realtime":
		return ModeRealtime
	case "manual":
		return ModeManual
	default:
		return ModeAutoStop
	}
}

// Observer is notified after each effective state transition. Observers run
// on the goroutine that triggered the transition, outside the machine's
// lock; they may read the machine but should return quickly.
type Observer func(from, to Device)

// Machine is the session state machine. Safe for concurrent use; it is the
// sole writer of the device state.
type Machine struct {
	aecAvailable bool

	mu            sync.Mutex
	state         Device
	mode          ListeningMode
	keepListening bool
	observers     []Observer
}

// New creates a machine in the Idle state. aecAvailable reports whether the
// capture pipeline has echo cancellation, which gates realtime transmit
// during playback.
func New(aecAvailable bool) *Machine {
	return &Machine{aecAvailable: aecAvailable, state: Idle}
}

// State returns the current device state.
func (m *Machine) State() Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the current listening mode.
func (m *Machine) Mode() ListeningMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// KeepListening reports whether the microphone stays open across a
// synthesized speech turn.
func (m *Machine) KeepListening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepListening
}

// OnChange registers an observer for state transitions.
func (m *Machine) OnChange(fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// AllowTransmit reports whether captured audio may be sent to the service
// right now. True while Listening; while Speaking only in realtime
// keep-listening mode with echo cancellation available.
func (m *Machine) AllowTransmit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Listening:
		return true
	case Speaking:
		return m.keepListening && m.mode == ModeRealtime && m.aecAvailable
	}
	return false
}

// ── Local commands ───────────────────────────────────────────────────────────

// StartListening begins a listening turn in the given mode. Realtime and
// auto modes keep the session alive across speech turns; manual does not.
// Invalid from Idle with no channel — the caller sequences Connecting first.
func (m *Machine) StartListening(mode ListeningMode) {
	m.mu.Lock()
	m.mode = mode
	m.keepListening = mode != ModeManual
	m.mu.Unlock()
	m.transition(Listening)
}

// StopListening ends the current listening turn. A stop while not Listening
// is silently ignored.
func (m *Machine) StopListening() {
	m.mu.Lock()
	if m.state != Listening {
		m.mu.Unlock()
		slog.Debug("stop_listening ignored", "state", m.state.String())
		return
	}
	m.mu.Unlock()
	m.transition(Idle)
}

// Abort interrupts the current speech turn, e.g. on wake-word detection.
// With keep-listening set the device returns to Listening, otherwise Idle.
// Ignored unless Speaking.
func (m *Machine) Abort() {
	m.mu.Lock()
	if m.state != Speaking {
		m.mu.Unlock()
		return
	}
	next := Idle
	if m.keepListening {
		next = Listening
	}
	m.mu.Unlock()
	m.transition(next)
}

// ── Transport events ─────────────────────────────────────────────────────────

// Connecting moves the machine into the handshake state.
func (m *Machine) Connecting() { m.transition(Connecting) }

// ChannelOpened records a completed handshake; the device starts listening.
func (m *Machine) ChannelOpened() { m.transition(Listening) }

// ChannelOpenedIdle records a completed handshake without opening a turn;
// push-to-talk sessions wait for an explicit StartListening.
func (m *Machine) ChannelOpenedIdle() { m.transition(Idle) }

// ChannelClosed returns the device to Idle from any state.
func (m *Machine) ChannelClosed() { m.transition(Idle) }

// TTSStart handles an inbound tts:start. In realtime keep-listening mode the
// device stays Listening; otherwise it moves to Speaking.
func (m *Machine) TTSStart() {
	m.mu.Lock()
	stay := m.keepListening && m.mode == ModeRealtime && m.state == Listening
	m.mu.Unlock()
	if stay {
		return
	}
	m.transition(Speaking)
}

// TTSStop handles an inbound tts:stop. With keep-listening set the device
// resumes Listening, otherwise it returns to Idle.
func (m *Machine) TTSStop() {
	m.mu.Lock()
	if m.state != Speaking {
		m.mu.Unlock()
		return
	}
	next := Idle
	if m.keepListening {
		next = Listening
	}
	m.mu.Unlock()
	m.transition(next)
}

// transition performs the state write under the lock and broadcasts outside
// it. Setting the current state again is suppressed before broadcast.
func (m *Machine) transition(to Device) {
	m.mu.Lock()
	if m.state == to {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = to
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	slog.Debug("device state", "from", from.String(), "to", to.String())
	for _, fn := range observers {
		fn(from, to)
	}
}
