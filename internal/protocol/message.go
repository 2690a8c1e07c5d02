// Package protocol defines the JSON control messages exchanged with the
// voice service and a type-keyed dispatcher for inbound messages.
//
// Both transports speak the same protocol: a hello/hello handshake
// establishing codec parameters and a session id, followed by session-scoped
// listen/abort/tts/stt/goodbye traffic plus opaque iot/mcp payloads that the
// core forwards to external collaborators without interpreting.
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Version is the protocol version advertised in the client hello.
const Version = 1

// Message type tags.
const (
	TypeHello   = "hello"
	TypeListen  = "listen"
	TypeAbort   = "abort"
	TypeTTS     = "tts"
	TypeSTT     = "stt"
	TypeIoT     = "iot"
	TypeMCP     = "mcp"
	TypeGoodbye = "goodbye"
)

// Listen states and modes.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"

	ModeRealtime = "realtime"
	ModeAuto     = "auto"
	ModeManual   = "manual"
)

// TTS states sent by the server.
const (
	TTSStart         = "start"
	TTSStop          = "stop"
	TTSSentenceStart = "sentence_start"
)

// AbortReasonWakeWord is sent when a wake word interrupts synthesized speech.
const AbortReasonWakeWord = "wake_word_detected"

// Transport names used in hello messages.
const (
	TransportWebSocket = "websocket"
	TransportUDP       = "udp"
)

// AudioParams describes the Opus stream in a hello message.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"` // milliseconds
}

// Features advertises optional client capabilities in the hello.
type Features struct {
	AEC bool `json:"aec,omitempty"`
	MCP bool `json:"mcp,omitempty"`
}

// UDPParams is the UDP channel descriptor carried in the server hello on the
// MQTT transport: endpoint plus hex-encoded session key material.
type UDPParams struct {
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Encryption string `json:"encryption,omitempty"` // e.g. "aes-128-ctr"
	Key        string `json:"key"`
	Nonce      string `json:"nonce"`
}

// KeyMaterial decodes the hex key and base nonce.
func (u *UDPParams) KeyMaterial() (key, nonce []byte, err error) {
	key, err = hex.DecodeString(u.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: decode udp key: %w", err)
	}
	nonce, err = hex.DecodeString(u.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: decode udp nonce: %w", err)
	}
	return key, nonce, nil
}

// Message is the wire envelope for every control message, inbound and
// outbound. Only the fields relevant to a given Type are populated; the full
// original bytes are retained in Raw so opaque iot/mcp payloads can be
// forwarded intact.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// hello
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	Features    *Features    `json:"features,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	UDP         *UDPParams   `json:"udp,omitempty"`

	// listen / tts
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`

	// tts / stt
	Text string `json:"text,omitempty"`

	// abort
	Reason string `json:"reason,omitempty"`

	// mcp
	Payload json.RawMessage `json:"payload,omitempty"`

	// Raw is the unmodified message bytes, set by Parse. Not serialized.
	Raw json.RawMessage `json:"-"`
}

// Parse decodes a control message, retaining the original bytes in Raw.
func Parse(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("protocol: parse message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("protocol: message has no type")
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return m, nil
}

// Encode serializes m for the wire.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type, err)
	}
	return data, nil
}

// sessionScoped reports whether a message type is correlated by session id.
// hello establishes the id; iot and mcp payloads are routed to collaborators
// regardless of session.
func sessionScoped(msgType string) bool {
	switch msgType {
	case TypeListen, TypeAbort, TypeTTS, TypeSTT, TypeGoodbye:
		return true
	}
	return false
}

// ForSession reports whether m should be processed by the session with the
// given id. Session-scoped messages with a mismatched or absent id are
// ignored, never fatal.
func (m *Message) ForSession(sessionID string) bool {
	if !sessionScoped(m.Type) {
		return true
	}
	return m.SessionID != "" && m.SessionID == sessionID
}

// ── Outbound constructors ────────────────────────────────────────────────────

// NewHello builds the client hello advertising codec parameters and features.
func NewHello(transport string, params AudioParams, features Features) *Message {
	return &Message{
		Type:        TypeHello,
		Version:     Version,
		Transport:   transport,
		Features:    &features,
		AudioParams: &params,
	}
}

// NewListen builds a listen message for the given state and mode.
func NewListen(sessionID, state, mode string) *Message {
	return &Message{Type: TypeListen, SessionID: sessionID, State: state, Mode: mode}
}

// NewDetect builds the wake-word report sent when a local detector fires.
func NewDetect(sessionID, wakeWord string) *Message {
	return &Message{Type: TypeListen, SessionID: sessionID, State: ListenDetect, Text: wakeWord}
}

// NewAbort builds an abort message. Reason may be empty.
func NewAbort(sessionID, reason string) *Message {
	return &Message{Type: TypeAbort, SessionID: sessionID, Reason: reason}
}

// NewGoodbye builds the orderly-close message.
func NewGoodbye(sessionID string) *Message {
	return &Message{Type: TypeGoodbye, SessionID: sessionID}
}
