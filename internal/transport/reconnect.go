package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts = 10
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Dial establishes a fresh transport channel. It is called for the initial
// connection and again for every reconnection attempt.
type Dial func(ctx context.Context) (Transport, error)

// Reconnector monitors a transport and automatically re-establishes the
// channel on disconnection.
//
// Callers obtain the initial transport via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// drops. When a drop is detected (via [Reconnector.NotifyDisconnect]), the
// monitor redials with exponential backoff and invokes the configured
// OnReconnect callback on success. If every attempt fails, OnFailure is
// invoked exactly once and monitoring stops.
//
// Reconnection is opt-in: a Reconnector whose config disables it reports the
// first drop straight to OnFailure.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial        Dial
	enabled     bool
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(Transport)
	onFailure   func(error)

	mu           sync.Mutex
	current      Transport
	done         chan struct{}
	stopOnce     sync.Once
	failureOnce  sync.Once
	disconnected chan error // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dial establishes transport channels. Required.
	Dial Dial

	// Enabled turns automatic reconnection on. When false, the first
	// disconnect is terminal.
	Enabled bool

	// MaxAttempts is the maximum number of reconnection attempts per drop
	// before giving up. Defaults to 10 if zero.
	MaxAttempts int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection with the new
	// transport. May be nil.
	OnReconnect func(Transport)

	// OnFailure is called at most once, when reconnection is disabled or all
	// attempts are exhausted. May be nil.
	OnFailure func(error)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		dial:         cfg.Dial,
		enabled:      cfg.Enabled,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		onFailure:    cfg.OnFailure,
		done:         make(chan struct{}),
		disconnected: make(chan error, 1),
	}
}

// Connect establishes the initial channel.
func (r *Reconnector) Connect(ctx context.Context) (Transport, error) {
	t, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconnector initial connect: %w", err)
	}

	r.mu.Lock()
	r.current = t
	r.mu.Unlock()

	return t, nil
}

// Monitor starts watching for disconnects in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the channel has been lost and
// reconnection should be attempted. Safe to call multiple times; only the
// first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect(cause error) {
	select {
	case r.disconnected <- cause:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current channel. Safe to call
// multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	t := r.current
	r.current = nil
	r.mu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

// Current returns the active transport. May return nil during reconnection.
func (r *Reconnector) Current() Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case cause := <-r.disconnected:
			if !r.enabled {
				r.fail(fmt.Errorf("reconnector: channel lost: %w", cause))
				return
			}
			if !r.attemptReconnect(ctx, cause) {
				return
			}
		}
	}
}

// attemptReconnect redials with exponential backoff. It reports whether
// monitoring should continue.
func (r *Reconnector) attemptReconnect(ctx context.Context, cause error) bool {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		default:
		}

		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"backoff", currentBackoff,
			"cause", cause,
		)

		t, err := r.dial(ctx)
		if err == nil {
			r.mu.Lock()
			old := r.current
			r.current = t
			r.mu.Unlock()

			// Close the old (failed) channel to release its resources.
			if old != nil {
				_ = old.Close()
			}

			slog.Info("reconnection successful", "attempt", attempt)

			if r.onReconnect != nil {
				r.onReconnect(t)
			}
			return true
		}

		slog.Warn("reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.fail(fmt.Errorf("reconnector: gave up after %d attempts: %w", r.maxAttempts, cause))
	return false
}

// fail reports the terminal error exactly once.
func (r *Reconnector) fail(err error) {
	slog.Error("reconnection abandoned", "error", err)
	r.failureOnce.Do(func() {
		if r.onFailure != nil {
			r.onFailure(err)
		}
	})
}
