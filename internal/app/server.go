package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxaline/voxaline/internal/health"
	"github.com/voxaline/voxaline/internal/observe"
	"github.com/voxaline/voxaline/internal/transport"
)

// serveHTTP runs the metrics and health listener until ctx is cancelled.
func (a *App) serveHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "transport", Check: a.checkTransport},
		health.Checker{Name: "audio", Check: a.checkAudio},
	).Register(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics listener up", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: metrics listener: %w", err)
	}
}

// checkTransport reports readiness of the voice channel.
func (a *App) checkTransport(_ context.Context) error {
	tr := a.transport()
	if tr == nil {
		return transport.ErrNotConnected
	}
	if st := tr.State(); st != transport.StateOpen {
		return fmt.Errorf("channel %s", st)
	}
	return nil
}

// checkAudio reports readiness of the audio device pipeline.
func (a *App) checkAudio(_ context.Context) error {
	if !a.eng.Running() {
		return errors.New("audio engine stopped")
	}
	return nil
}
