package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxaline/voxaline/internal/protocol"
)

// Compile-time assertion that WS satisfies [Transport].
var _ Transport = (*WS)(nil)

const wsPingInterval = 30 * time.Second

// WSConfig configures a WebSocket transport.
type WSConfig struct {
	// URL is the WebSocket endpoint, e.g. "wss://host/voice".
	URL string

	// Token is the bearer token sent in the Authorization header. May be
	// empty.
	Token string

	// DeviceID and ClientID identify this device to the service and are sent
	// as request headers.
	DeviceID string
	ClientID string

	// Audio announces the client's capture format in the hello message.
	Audio protocol.AudioParams

	// Features announces optional capabilities in the hello message.
	Features protocol.Features

	// HandshakeTimeout bounds the wait for the server hello. Defaults to
	// [DefaultHandshakeTimeout] if zero.
	HandshakeTimeout time.Duration
}

// WS is the WebSocket voice channel. Control JSON travels as text frames and
// encoded audio as binary frames on the same connection.
type WS struct {
	cfg WSConfig

	stateVar
	*events

	mu        sync.Mutex // guards conn writes and the fields below
	conn      *websocket.Conn
	sessionID string
	remote    protocol.AudioParams

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWS creates a WebSocket transport. The channel is not established until
// [WS.Open].
func NewWS(cfg WSConfig) *WS {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &WS{cfg: cfg, events: newEvents()}
}

// Open dials the endpoint, sends the client hello and waits for the server
// hello. On success the receive and keepalive loops are running and the
// transport is ready for traffic.
func (w *WS) Open(ctx context.Context) error {
	if !w.cas(StateDisconnected, StateConnecting) {
		return ErrAlreadyOpen
	}

	header := http.Header{
		"Protocol-Version": []string{fmt.Sprintf("%d", protocol.Version)},
	}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	if w.cfg.DeviceID != "" {
		header.Set("Device-Id", w.cfg.DeviceID)
	}
	if w.cfg.ClientID != "" {
		header.Set("Client-Id", w.cfg.ClientID)
	}

	conn, _, err := websocket.Dial(ctx, w.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("transport: websocket dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.conn = conn
	w.ctx = runCtx
	w.cancel = cancel
	w.mu.Unlock()

	w.setState(StateAwaitingHello)
	hello := protocol.NewHello(protocol.TransportWebSocket, w.cfg.Audio, w.cfg.Features)
	if err := w.writeMessage(hello); err != nil {
		w.teardown(websocket.StatusInternalError, "hello failed")
		return fmt.Errorf("transport: send hello: %w", err)
	}

	if err := w.awaitServerHello(ctx, conn); err != nil {
		w.teardown(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	w.setState(StateOpen)
	slog.Info("websocket channel open",
		"url", w.cfg.URL,
		"session_id", w.SessionID(),
		"server_sample_rate", w.RemoteAudio().SampleRate,
	)

	go w.receiveLoop(runCtx, conn)
	go w.pingLoop(runCtx, conn)
	return nil
}

// awaitServerHello reads frames until the server hello arrives. Any other
// text frames received before it are queued for the consumer.
func (w *WS) awaitServerHello(ctx context.Context, conn *websocket.Conn) error {
	helloCtx, cancel := context.WithTimeout(ctx, w.cfg.HandshakeTimeout)
	defer cancel()

	for {
		typ, data, err := conn.Read(helloCtx)
		if err != nil {
			if helloCtx.Err() != nil {
				return ErrHandshakeTimeout
			}
			return fmt.Errorf("transport: handshake read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			slog.Debug("discarding malformed handshake frame", "error", err)
			continue
		}
		if msg.Type != protocol.TypeHello {
			w.deliverControl(helloCtx, data)
			continue
		}

		w.mu.Lock()
		w.sessionID = msg.SessionID
		if msg.AudioParams != nil {
			w.remote = *msg.AudioParams
		}
		w.mu.Unlock()
		return nil
	}
}

// receiveLoop reads frames until the connection dies. Text frames go to the
// control channel, binary frames to the audio channel. It owns the inbound
// channels and closes them on exit.
func (w *WS) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	defer w.closeChannels()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.setState(StateDisconnected)
			w.signalLost(fmt.Errorf("transport: websocket read: %w", err))
			return
		}

		switch typ {
		case websocket.MessageText:
			w.deliverControl(ctx, data)
		case websocket.MessageBinary:
			w.deliverAudio(data)
		}
	}
}

// pingLoop keeps the connection alive through idle periods.
func (w *WS) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				if ctx.Err() == nil {
					slog.Debug("websocket ping failed", "error", err)
				}
				return
			}
		}
	}
}

// SendControl writes a control message as a text frame.
func (w *WS) SendControl(msg *protocol.Message) error {
	if w.State() != StateOpen {
		return ErrNotConnected
	}
	return w.writeMessage(msg)
}

// SendAudio writes one encoded audio frame as a binary frame.
func (w *WS) SendAudio(payload []byte) error {
	if w.State() != StateOpen {
		return ErrNotConnected
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ErrNotConnected
	}
	return w.conn.Write(w.ctx, websocket.MessageBinary, payload)
}

// writeMessage marshals msg and writes it as a text frame. Writes are
// serialized under the transport mutex.
func (w *WS) writeMessage(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ErrNotConnected
	}
	return w.conn.Write(w.ctx, websocket.MessageText, data)
}

// Control implements [Transport].
func (w *WS) Control() <-chan []byte { return w.control }

// Audio implements [Transport].
func (w *WS) Audio() <-chan []byte { return w.audio }

// Lost implements [Transport].
func (w *WS) Lost() <-chan error { return w.lost }

// SessionID implements [Transport].
func (w *WS) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// RemoteAudio implements [Transport].
func (w *WS) RemoteAudio() protocol.AudioParams {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remote
}

// Close shuts the channel down. Idempotent.
func (w *WS) Close() error {
	w.setState(StateClosing)
	w.teardown(websocket.StatusNormalClosure, "session closed")
	w.setState(StateDisconnected)
	w.closeChannels()
	return nil
}

func (w *WS) teardown(code websocket.StatusCode, reason string) {
	w.mu.Lock()
	conn := w.conn
	cancel := w.cancel
	w.conn = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(code, reason)
	}
	if w.State() != StateClosing {
		w.setState(StateDisconnected)
	}
}
