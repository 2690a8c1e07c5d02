package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxaline/voxaline/internal/protocol"
	"github.com/voxaline/voxaline/internal/transport"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startVoiceServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startVoiceServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// serverHello is the canned handshake reply used by most tests.
func serverHello(sessionID string) map[string]any {
	return map[string]any{
		"type":       "hello",
		"session_id": sessionID,
		"transport":  "websocket",
		"audio_params": map[string]any{
			"format":         "opus",
			"sample_rate":    24000,
			"channels":       1,
			"frame_duration": 60,
		},
	}
}

func testConfig(url string) transport.WSConfig {
	return transport.WSConfig{
		URL:      url,
		Token:    "test-token",
		DeviceID: "aa:bb:cc:dd:ee:ff",
		ClientID: "client-1",
		Audio: protocol.AudioParams{
			Format:        "opus",
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 60,
		},
		HandshakeTimeout: 3 * time.Second,
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestWSHandshake(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := startVoiceServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()

		var hello map[string]any
		readJSON(t, conn, &hello)
		if hello["type"] != "hello" {
			t.Errorf("first client frame type = %v; want hello", hello["type"])
		}
		writeJSON(t, conn, serverHello("sess-42"))
		<-conn.CloseRead(context.Background()).Done()
	})

	ws := transport.NewWS(testConfig(wsURL(srv)))
	if err := ws.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	if got := ws.SessionID(); got != "sess-42" {
		t.Errorf("SessionID() = %q; want sess-42", got)
	}
	if got := ws.RemoteAudio().SampleRate; got != 24000 {
		t.Errorf("RemoteAudio().SampleRate = %d; want 24000", got)
	}
	if got := ws.State(); got != transport.StateOpen {
		t.Errorf("State() = %v; want open", got)
	}

	h := <-headers
	if got := h.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("Authorization header = %q", got)
	}
	if got := h.Get("Device-Id"); got != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Device-Id header = %q", got)
	}
	if got := h.Get("Protocol-Version"); got != "1" {
		t.Errorf("Protocol-Version header = %q", got)
	}
}

func TestWSHandshakeTimeout(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Swallow the client hello and never reply.
		var hello map[string]any
		readJSON(t, conn, &hello)
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := testConfig(wsURL(srv))
	cfg.HandshakeTimeout = 200 * time.Millisecond
	ws := transport.NewWS(cfg)

	err := ws.Open(context.Background())
	if err == nil {
		t.Fatal("Open succeeded without a server hello")
	}
	if err != transport.ErrHandshakeTimeout {
		t.Errorf("Open error = %v; want ErrHandshakeTimeout", err)
	}
	if got := ws.State(); got != transport.StateDisconnected {
		t.Errorf("State() after failed handshake = %v; want disconnected", got)
	}
}

func TestWSBidirectionalTraffic(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var hello map[string]any
		readJSON(t, conn, &hello)
		writeJSON(t, conn, serverHello("sess-1"))

		// Receive one control message and one audio frame from the client.
		var listen map[string]any
		readJSON(t, conn, &listen)
		if listen["type"] != "listen" || listen["state"] != "start" {
			t.Errorf("unexpected client control frame: %v", listen)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("server audio read: %v", err)
			return
		}
		if typ != websocket.MessageBinary || len(frame) != 3 {
			t.Errorf("server got frame type=%v len=%d", typ, len(frame))
		}

		// Send one control message and one audio frame back.
		writeJSON(t, conn, map[string]any{
			"type": "tts", "state": "start", "session_id": "sess-1",
		})
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{9, 8, 7, 6})
		<-conn.CloseRead(context.Background()).Done()
	})

	ws := transport.NewWS(testConfig(wsURL(srv)))
	if err := ws.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	listen := protocol.NewListen(ws.SessionID(), protocol.ListenStart, protocol.ModeAuto)
	if err := ws.SendControl(listen); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	if err := ws.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case data := <-ws.Control():
		msg, err := protocol.Parse(data)
		if err != nil {
			t.Fatalf("parse inbound control: %v", err)
		}
		if msg.Type != protocol.TypeTTS || msg.State != protocol.TTSStart {
			t.Errorf("inbound control = %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound control")
	}

	select {
	case frame := <-ws.Audio():
		if len(frame) != 4 {
			t.Errorf("inbound audio frame len = %d; want 4", len(frame))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound audio")
	}
}

func TestWSSendBeforeOpen(t *testing.T) {
	t.Parallel()

	ws := transport.NewWS(testConfig("ws://127.0.0.1:0"))
	if err := ws.SendAudio([]byte{1}); err != transport.ErrNotConnected {
		t.Errorf("SendAudio before open = %v; want ErrNotConnected", err)
	}
	if err := ws.SendControl(protocol.NewGoodbye("x")); err != transport.ErrNotConnected {
		t.Errorf("SendControl before open = %v; want ErrNotConnected", err)
	}
}

func TestWSConnectionLostReported(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var hello map[string]any
		readJSON(t, conn, &hello)
		writeJSON(t, conn, serverHello("sess-9"))
		// Drop the connection abruptly.
		conn.Close(websocket.StatusGoingAway, "server shutdown")
	})

	ws := transport.NewWS(testConfig(wsURL(srv)))
	if err := ws.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	select {
	case err := <-ws.Lost():
		if err == nil {
			t.Error("Lost() delivered nil error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection loss report")
	}
}

func TestWSOpenTwice(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var hello map[string]any
		readJSON(t, conn, &hello)
		writeJSON(t, conn, serverHello("sess-2"))
		<-conn.CloseRead(context.Background()).Done()
	})

	ws := transport.NewWS(testConfig(wsURL(srv)))
	if err := ws.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	if err := ws.Open(context.Background()); err != transport.ErrAlreadyOpen {
		t.Errorf("second Open = %v; want ErrAlreadyOpen", err)
	}
}
