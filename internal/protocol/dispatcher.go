package protocol

import (
	"log/slog"
	"sync"
)

// Handler consumes one inbound control message. Handlers run on the
// transport's receive goroutine and must not block.
type Handler func(*Message)

// Dispatcher routes inbound control messages to handlers registered by type.
// External collaborators (plugins, UI) register for the types they care
// about; unknown types are logged and dropped, never fatal.
//
// Safe for concurrent use.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	sessionID string
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]Handler)}
}

// SetSessionID installs the session id established by the handshake.
// Session-scoped messages not matching it are ignored from then on.
func (d *Dispatcher) SetSessionID(id string) {
	d.mu.Lock()
	d.sessionID = id
	d.mu.Unlock()
}

// SessionID returns the current session id, or "" before the handshake.
func (d *Dispatcher) SessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionID
}

// On registers fn for a message type. Multiple handlers per type are invoked
// in registration order.
func (d *Dispatcher) On(msgType string, fn Handler) {
	d.mu.Lock()
	d.handlers[msgType] = append(d.handlers[msgType], fn)
	d.mu.Unlock()
}

// Dispatch parses raw and fans the message out to its type's handlers.
// Parse failures and session mismatches drop the message with a debug log.
func (d *Dispatcher) Dispatch(raw []byte) {
	m, err := Parse(raw)
	if err != nil {
		slog.Debug("dropping unparseable control message", "err", err)
		return
	}
	d.DispatchMessage(m)
}

// DispatchMessage routes an already-parsed message.
func (d *Dispatcher) DispatchMessage(m *Message) {
	d.mu.RLock()
	sessionID := d.sessionID
	handlers := d.handlers[m.Type]
	d.mu.RUnlock()

	if !m.ForSession(sessionID) {
		slog.Debug("ignoring message for other session",
			"type", m.Type, "session_id", m.SessionID, "want", sessionID)
		return
	}
	if len(handlers) == 0 {
		slog.Debug("no handler for message type", "type", m.Type)
		return
	}
	for _, fn := range handlers {
		fn(m)
	}
}
