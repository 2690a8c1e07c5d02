package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/voxaline/voxaline/internal/protocol"
	"github.com/voxaline/voxaline/internal/state"
	"github.com/voxaline/voxaline/internal/transport"
)

// errChannelClosed marks a transport whose channels drained without a
// reported cause.
var errChannelClosed = errors.New("app: channel closed")

// Run starts the audio engine, connects the voice channel, and processes the
// session until ctx is cancelled, the service says goodbye, or the channel is
// lost beyond recovery. A goodbye from the service returns nil.
func (a *App) Run(ctx context.Context) error {
	if err := a.eng.Start(ctx); err != nil {
		return fmt.Errorf("app: start audio: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Observe.MetricsAddr; addr != "" {
		g.Go(func() error { return a.serveHTTP(ctx, addr) })
	}
	g.Go(func() error { return a.sessionLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// sessionLoop owns the transport lifecycle: initial connect, per-session
// pumping, and the handoff to the reconnector when the channel drops.
func (a *App) sessionLoop(ctx context.Context) error {
	a.machine.Connecting()
	tr, err := a.reconn.Connect(ctx)
	if err != nil {
		a.machine.ChannelClosed()
		return fmt.Errorf("app: connect: %w", err)
	}
	a.reconn.Monitor(ctx)

	for {
		a.attach(ctx, tr)
		cause := a.pump(ctx, tr)
		a.detach()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case a.orderly.Load():
			return ErrSessionClosed
		}

		if cause == nil {
			cause = errChannelClosed
		}
		slog.Warn("voice channel lost", "err", cause)
		a.machine.Connecting()
		a.reconn.NotifyDisconnect(cause)

		select {
		case tr = <-a.next:
		case err := <-a.failed:
			a.machine.ChannelClosed()
			return fmt.Errorf("app: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attach binds an opened transport to the session: session id, remote rate,
// device state, and the opening listen message for hands-free modes.
func (a *App) attach(ctx context.Context, tr transport.Transport) {
	a.mu.Lock()
	a.tr = tr
	a.mu.Unlock()

	a.dispatcher.SetSessionID(tr.SessionID())
	remote := tr.RemoteAudio()
	if err := a.eng.SetRemoteRate(remote.SampleRate); err != nil {
		slog.Warn("cannot adopt remote sample rate", "rate", remote.SampleRate, "err", err)
	}
	a.metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session open",
		"session_id", tr.SessionID(),
		"transport", string(a.cfg.Transport.Kind),
		"remote_rate", remote.SampleRate,
	)

	if mode := a.currentMode(); mode == state.ModeManual {
		// Push-to-talk: the channel opens idle until an explicit
		// StartListening.
		a.machine.ChannelOpenedIdle()
	} else {
		a.machine.ChannelOpened()
		if err := a.sendListen(protocol.ListenStart, mode); err != nil {
			slog.Warn("opening listen not delivered", "err", err)
		}
	}
}

// detach unbinds the transport after its channels die and flushes the
// session's playback-queue drop count to the metrics.
func (a *App) detach() {
	a.mu.Lock()
	a.tr = nil
	a.mu.Unlock()

	if n := a.eng.PlaybackDropped(); n > a.playbackDropped {
		a.metrics.RecordFrameDrops(context.Background(), "playback_queue", int64(n-a.playbackDropped))
		a.playbackDropped = n
	}
	a.metrics.ActiveSessions.Add(context.Background(), -1)
	a.machine.ChannelClosed()
}

// pump moves traffic between the audio engine and one transport until the
// channel is lost, its queues close, or ctx is cancelled. It returns the loss
// cause, or nil for ctx cancellation and engine shutdown.
func (a *App) pump(ctx context.Context, tr transport.Transport) error {
	controlCh := tr.Control()
	audioCh := tr.Audio()
	lostCh := tr.Lost()

	for {
		if controlCh == nil && audioCh == nil {
			return errChannelClosed
		}

		select {
		case <-ctx.Done():
			return nil

		case err := <-lostCh:
			return err

		case frame, ok := <-a.eng.Encoded():
			if !ok {
				return nil
			}
			if err := tr.SendAudio(frame.Payload); err != nil {
				a.metrics.RecordFrameDrop(ctx, "send")
			} else {
				a.metrics.FramesSent.Add(ctx, 1)
			}

		case data, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			if a.eng.EnqueuePlayback(data) {
				a.metrics.FramesReceived.Add(ctx, 1)
			} else {
				a.metrics.RecordFrameDrop(ctx, "decode")
			}

		case raw, ok := <-controlCh:
			if !ok {
				controlCh = nil
				continue
			}
			msg, err := protocol.Parse(raw)
			if err != nil {
				slog.Warn("bad control message", "err", err)
				continue
			}
			a.metrics.RecordControlMessage(ctx, msg.Type, "in")
			a.dispatcher.DispatchMessage(msg)
		}
	}
}

// ── Inbound control handlers ─────────────────────────────────────────────────

func (a *App) registerHandlers() {
	a.dispatcher.On(protocol.TypeTTS, a.handleTTS)
	a.dispatcher.On(protocol.TypeSTT, a.handleSTT)
	a.dispatcher.On(protocol.TypeIoT, a.handleIoT)
	a.dispatcher.On(protocol.TypeMCP, a.handleMCP)
	a.dispatcher.On(protocol.TypeGoodbye, a.handleGoodbye)
}

func (a *App) handleTTS(msg *protocol.Message) {
	switch msg.State {
	case protocol.TTSStart:
		a.machine.TTSStart()

	case protocol.TTSSentenceStart:
		if msg.Text == "" {
			return
		}
		slog.Debug("speaking sentence", "text", msg.Text)
		if a.onSentence != nil {
			a.onSentence(msg.Text)
		}

	case protocol.TTSStop:
		a.machine.TTSStop()
		// In keep-listening modes the device resumes the turn; tell the
		// service the microphone is open again.
		if a.machine.State() == state.Listening {
			if err := a.sendListen(protocol.ListenStart, a.currentMode()); err != nil {
				slog.Warn("resume listen not delivered", "err", err)
			}
		}
	}
}

func (a *App) handleSTT(msg *protocol.Message) {
	if msg.Text == "" {
		return
	}
	slog.Info("recognized", "text", msg.Text)
	if a.onTranscript != nil {
		a.onTranscript(msg.Text)
	}
}

func (a *App) handleIoT(msg *protocol.Message) {
	if a.onIoT == nil {
		slog.Debug("iot command with no handler registered")
		return
	}
	a.onIoT(msg.Raw)
}

func (a *App) handleMCP(msg *protocol.Message) {
	if a.onMCP == nil {
		slog.Debug("mcp payload with no handler registered")
		return
	}
	a.onMCP(msg.Payload)
}

func (a *App) handleGoodbye(_ *protocol.Message) {
	slog.Info("service closed the session")
	a.orderly.Store(true)
	if tr := a.transport(); tr != nil {
		_ = tr.Close()
	}
}

// ── Session commands ─────────────────────────────────────────────────────────

// StartListening opens a listening turn in the given mode and informs the
// service. Realtime and auto modes keep the session alive across speech
// turns; manual streams only until StopListening.
func (a *App) StartListening(mode state.ListeningMode) error {
	a.machine.StartListening(mode)
	return a.sendListen(protocol.ListenStart, mode)
}

// StopListening ends the current listening turn.
func (a *App) StopListening() error {
	a.machine.StopListening()
	return a.sendListen(protocol.ListenStop, a.currentMode())
}

// AbortSpeaking interrupts playback, discards queued audio, and tells the
// service to stop synthesizing. Reason may be empty.
func (a *App) AbortSpeaking(reason string) error {
	a.eng.ClearPlayback()
	a.machine.Abort()
	tr := a.transport()
	if tr == nil {
		return transport.ErrNotConnected
	}
	return a.sendControl(protocol.NewAbort(tr.SessionID(), reason))
}

// WakeWordDetected reports a wake-word hit from an external detector. If the
// device is speaking, playback is aborted first; the device then starts a
// listening turn in the current default mode. An empty word reports the
// configured wake word.
func (a *App) WakeWordDetected(word string) error {
	tr := a.transport()
	if tr == nil {
		return transport.ErrNotConnected
	}
	if word == "" {
		word = a.currentWakeWord()
	}

	if a.machine.State() == state.Speaking {
		a.eng.ClearPlayback()
		if err := a.sendControl(protocol.NewAbort(tr.SessionID(), protocol.AbortReasonWakeWord)); err != nil {
			return err
		}
	}
	if err := a.sendControl(protocol.NewDetect(tr.SessionID(), word)); err != nil {
		return err
	}
	return a.StartListening(a.currentMode())
}

// sendListen sends a listen message for the current session.
func (a *App) sendListen(phase string, mode state.ListeningMode) error {
	tr := a.transport()
	if tr == nil {
		return transport.ErrNotConnected
	}
	return a.sendControl(protocol.NewListen(tr.SessionID(), phase, mode.Wire()))
}

// sendControl sends one control message and counts it.
func (a *App) sendControl(msg *protocol.Message) error {
	tr := a.transport()
	if tr == nil {
		return transport.ErrNotConnected
	}
	if err := tr.SendControl(msg); err != nil {
		return err
	}
	a.metrics.RecordControlMessage(context.Background(), msg.Type, "out")
	return nil
}

// ── Shutdown ─────────────────────────────────────────────────────────────────

// Shutdown tears the client down in order: goodbye to the service, channel
// close, reconnector stop, then the audio engine. Safe to call more than
// once. Respects ctx between steps.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		a.orderly.Store(true)

		if tr := a.transport(); tr != nil {
			if sendErr := a.sendControl(protocol.NewGoodbye(tr.SessionID())); sendErr != nil {
				slog.Debug("goodbye not delivered", "err", sendErr)
			}
			_ = tr.Close()
		}
		_ = a.reconn.Stop()

		if ctx.Err() != nil {
			err = ctx.Err()
			return
		}
		a.eng.Stop()
		slog.Info("shutdown complete")
	})
	return err
}
