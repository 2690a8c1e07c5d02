package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParse_ServerHelloWithUDP(t *testing.T) {
	raw := []byte(`{
		"type": "hello",
		"version": 1,
		"transport": "udp",
		"session_id": "sess-1",
		"audio_params": {"format": "opus", "sample_rate": 24000, "channels": 1, "frame_duration": 60},
		"udp": {
			"server": "10.0.0.5",
			"port": 8884,
			"encryption": "aes-128-ctr",
			"key": "00112233445566778899aabbccddeeff",
			"nonce": "0102000000000000000000000000ff00"
		}
	}`)

	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Type != TypeHello || m.SessionID != "sess-1" || m.Transport != TransportUDP {
		t.Fatalf("unexpected envelope: %+v", m)
	}
	if m.AudioParams == nil || m.AudioParams.SampleRate != 24000 {
		t.Fatalf("audio params not parsed: %+v", m.AudioParams)
	}
	if m.UDP == nil || m.UDP.Port != 8884 {
		t.Fatalf("udp params not parsed: %+v", m.UDP)
	}

	key, nonce, err := m.UDP.KeyMaterial()
	if err != nil {
		t.Fatalf("KeyMaterial: %v", err)
	}
	if len(key) != 16 || len(nonce) != 16 {
		t.Fatalf("key/nonce lengths = %d/%d, want 16/16", len(key), len(nonce))
	}
	if key[0] != 0x00 || key[15] != 0xff || nonce[0] != 0x01 {
		t.Error("hex decode produced wrong bytes")
	}
}

func TestUDPParams_BadHex(t *testing.T) {
	u := &UDPParams{Key: "zz", Nonce: "00"}
	if _, _, err := u.KeyMaterial(); err == nil {
		t.Error("bad key hex accepted")
	}
	u = &UDPParams{Key: "00", Nonce: "zz"}
	if _, _, err := u.KeyMaterial(); err == nil {
		t.Error("bad nonce hex accepted")
	}
}

func TestParse_Rejects(t *testing.T) {
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("non-JSON accepted")
	}
	if _, err := Parse([]byte(`{"state":"start"}`)); err == nil {
		t.Error("typeless message accepted")
	}
}

func TestNewHello_Encoding(t *testing.T) {
	hello := NewHello(TransportWebSocket,
		AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60},
		Features{AEC: true, MCP: true})
	data, err := hello.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "hello" || decoded["transport"] != "websocket" {
		t.Fatalf("bad envelope: %v", decoded)
	}
	if decoded["version"].(float64) != 1 {
		t.Errorf("version = %v, want 1", decoded["version"])
	}
	ap := decoded["audio_params"].(map[string]any)
	if ap["format"] != "opus" || ap["sample_rate"].(float64) != 16000 {
		t.Errorf("audio_params = %v", ap)
	}
	if _, hasSession := decoded["session_id"]; hasSession {
		t.Error("client hello must not carry a session_id")
	}
}

func TestForSession(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"tts matching id", Message{Type: TypeTTS, SessionID: "s1"}, true},
		{"tts wrong id", Message{Type: TypeTTS, SessionID: "s2"}, false},
		{"tts absent id", Message{Type: TypeTTS}, false},
		{"goodbye wrong id", Message{Type: TypeGoodbye, SessionID: "x"}, false},
		{"hello never scoped", Message{Type: TypeHello}, true},
		{"iot never scoped", Message{Type: TypeIoT}, true},
		{"mcp never scoped", Message{Type: TypeMCP, SessionID: "other"}, true},
	}
	for _, tt := range tests {
		if got := tt.msg.ForSession("s1"); got != tt.want {
			t.Errorf("%s: ForSession = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDispatcher_RoutesByType(t *testing.T) {
	d := NewDispatcher()
	d.SetSessionID("s1")

	var gotTTS, gotSTT []string
	d.On(TypeTTS, func(m *Message) { gotTTS = append(gotTTS, m.State) })
	d.On(TypeSTT, func(m *Message) { gotSTT = append(gotSTT, m.Text) })

	d.Dispatch([]byte(`{"type":"tts","state":"start","session_id":"s1"}`))
	d.Dispatch([]byte(`{"type":"stt","text":"hello there","session_id":"s1"}`))
	d.Dispatch([]byte(`{"type":"tts","state":"stop","session_id":"s1"}`))

	if len(gotTTS) != 2 || gotTTS[0] != TTSStart || gotTTS[1] != TTSStop {
		t.Errorf("tts handler calls = %v", gotTTS)
	}
	if len(gotSTT) != 1 || gotSTT[0] != "hello there" {
		t.Errorf("stt handler calls = %v", gotSTT)
	}
}

func TestDispatcher_IgnoresMismatchedSession(t *testing.T) {
	d := NewDispatcher()
	d.SetSessionID("s1")

	calls := 0
	d.On(TypeTTS, func(*Message) { calls++ })

	d.Dispatch([]byte(`{"type":"tts","state":"start","session_id":"other"}`))
	d.Dispatch([]byte(`{"type":"tts","state":"start"}`))
	if calls != 0 {
		t.Fatalf("handler invoked %d times for foreign-session messages", calls)
	}

	d.Dispatch([]byte(`{"type":"tts","state":"start","session_id":"s1"}`))
	if calls != 1 {
		t.Fatalf("handler invoked %d times for matching session, want 1", calls)
	}
}

func TestDispatcher_OpaquePayloadIntact(t *testing.T) {
	d := NewDispatcher()
	raw := []byte(`{"type":"mcp","payload":{"jsonrpc":"2.0","method":"tools/list","id":3}}`)

	var forwarded []byte
	d.On(TypeMCP, func(m *Message) { forwarded = m.Raw })
	d.Dispatch(raw)

	if !bytes.Equal(forwarded, raw) {
		t.Fatalf("raw payload altered:\n got %s\nwant %s", forwarded, raw)
	}
}

func TestDispatcher_UnknownTypeDropped(t *testing.T) {
	d := NewDispatcher()
	// Must not panic or error visibly.
	d.Dispatch([]byte(`{"type":"llm","emotion":"happy"}`))
	d.Dispatch([]byte(`garbage`))
}
