// Command voxaline is the Voxaline voice-session client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/voxaline/voxaline/internal/app"
	"github.com/voxaline/voxaline/internal/config"
	"github.com/voxaline/voxaline/internal/observe"
	"github.com/voxaline/voxaline/internal/state"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxaline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxaline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can change it without
	// rebuilding the handler.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		slog.Info("generated client id", "client_id", cfg.ClientID)
	}

	slog.Info("voxaline starting",
		"version", version,
		"config", *configPath,
		"device_id", cfg.DeviceID,
		"transport", string(cfg.Transport.Kind),
		"log_level", string(cfg.LogLevel),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxaline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.Empty() {
			return
		}
		if diff.LogLevelChanged {
			levelVar.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", string(diff.NewLogLevel))
		}
		if diff.ListeningModeChanged {
			application.SetListeningMode(state.ParseMode(string(diff.NewListeningMode)))
			slog.Info("listening mode changed", "mode", string(diff.NewListeningMode))
		}
		if diff.WakeWordChanged {
			application.SetWakeWord(diff.NewWakeWord)
			slog.Info("wake word changed", "wake_word", diff.NewWakeWord)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("client ready — press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voxaline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Transport", string(cfg.Transport.Kind))
	printField("Device id", cfg.DeviceID)
	printField("Mode", string(cfg.Listening.Mode))
	printField("Echo cancel", onOff(cfg.Audio.EchoCancellation))
	printField("Reconnect", onOff(cfg.Reconnect.Enabled))
	if cfg.Observe.MetricsAddr != "" {
		printField("Metrics addr", cfg.Observe.MetricsAddr)
	} else {
		printField("Metrics addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
