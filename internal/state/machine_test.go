package state

import (
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	events []Device
}

func (r *recorder) observe(_, to Device) {
	r.mu.Lock()
	r.events = append(r.events, to)
	r.mu.Unlock()
}

func (r *recorder) states() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, len(r.events))
	copy(out, r.events)
	return out
}

func TestSessionLifecycle(t *testing.T) {
	m := New(true)
	rec := &recorder{}
	m.OnChange(rec.observe)

	m.Connecting()
	m.ChannelOpened()
	m.ChannelClosed()

	want := []Device{Connecting, Listening, Idle}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("got %d transitions, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestChannelOpenedIdleSkipsListening(t *testing.T) {
	m := New(false)
	rec := &recorder{}
	m.OnChange(rec.observe)

	m.Connecting()
	m.ChannelOpenedIdle()

	if m.State() != Idle {
		t.Fatalf("state = %v, want Idle", m.State())
	}
	// Push-to-talk connects must never broadcast a Listening flap.
	for _, s := range rec.states() {
		if s == Listening {
			t.Fatalf("observed Listening during push-to-talk connect: %v", rec.states())
		}
	}
}

func TestIdempotentTransitionSuppressed(t *testing.T) {
	m := New(false)
	rec := &recorder{}
	m.OnChange(rec.observe)

	m.Connecting()
	m.Connecting()
	m.Connecting()

	if n := len(rec.states()); n != 1 {
		t.Fatalf("got %d broadcasts for repeated transition, want 1", n)
	}
}

func TestStopListeningIgnoredWhenIdle(t *testing.T) {
	m := New(false)
	rec := &recorder{}
	m.OnChange(rec.observe)

	m.StopListening()

	if m.State() != Idle {
		t.Fatalf("state = %v, want Idle", m.State())
	}
	if len(rec.states()) != 0 {
		t.Fatalf("unexpected broadcasts: %v", rec.states())
	}
}

func TestTTSTurnAutoStop(t *testing.T) {
	m := New(false)
	m.StartListening(ModeAutoStop)

	m.TTSStart()
	if m.State() != Speaking {
		t.Fatalf("after tts start: state = %v, want Speaking", m.State())
	}
	m.TTSStop()
	if m.State() != Listening {
		t.Fatalf("after tts stop with keep-listening: state = %v, want Listening", m.State())
	}
}

func TestTTSTurnManualReturnsIdle(t *testing.T) {
	m := New(false)
	m.StartListening(ModeManual)

	m.TTSStart()
	if m.State() != Speaking {
		t.Fatalf("state = %v, want Speaking", m.State())
	}
	m.TTSStop()
	if m.State() != Idle {
		t.Fatalf("after tts stop in manual mode: state = %v, want Idle", m.State())
	}
}

func TestRealtimeStaysListeningThroughTTS(t *testing.T) {
	m := New(true)
	rec := &recorder{}
	m.OnChange(rec.observe)
	m.StartListening(ModeRealtime)

	m.TTSStart()
	if m.State() != Listening {
		t.Fatalf("realtime tts start: state = %v, want Listening", m.State())
	}
	if n := len(rec.states()); n != 1 {
		t.Fatalf("got %d broadcasts, want 1 (only the initial Listening)", n)
	}
}

func TestAllowTransmit(t *testing.T) {
	tests := []struct {
		name string
		prep func(*Machine)
		aec  bool
		want bool
	}{
		{name: "idle", prep: func(*Machine) {}, aec: true, want: false},
		{name: "listening", prep: func(m *Machine) { m.StartListening(ModeAutoStop) }, aec: false, want: true},
		{name: "speaking auto", prep: func(m *Machine) {
			m.StartListening(ModeAutoStop)
			m.TTSStart()
		}, aec: true, want: false},
		{name: "speaking realtime with aec", prep: func(m *Machine) {
			m.StartListening(ModeRealtime)
			// Force Speaking despite realtime mode, as after an explicit
			// server-driven transition.
			m.transition(Speaking)
		}, aec: true, want: true},
		{name: "speaking realtime without aec", prep: func(m *Machine) {
			m.StartListening(ModeRealtime)
			m.transition(Speaking)
		}, aec: false, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.aec)
			tt.prep(m)
			if got := m.AllowTransmit(); got != tt.want {
				t.Errorf("AllowTransmit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAbort(t *testing.T) {
	m := New(false)
	m.StartListening(ModeAutoStop)
	m.TTSStart()

	m.Abort()
	if m.State() != Listening {
		t.Fatalf("abort with keep-listening: state = %v, want Listening", m.State())
	}

	// Abort outside Speaking is a no-op.
	m.Abort()
	if m.State() != Listening {
		t.Fatalf("abort while listening changed state to %v", m.State())
	}
}

func TestObserverMayReadMachine(t *testing.T) {
	m := New(false)
	done := make(chan Device, 1)
	m.OnChange(func(_, to Device) {
		// Broadcast runs outside the lock, so reads must not deadlock.
		done <- m.State()
	})

	m.Connecting()
	if got := <-done; got != Connecting {
		t.Fatalf("observer read state %v, want Connecting", got)
	}
}
