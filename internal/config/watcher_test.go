package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voxaline/voxaline/internal/config"
)

const watcherValidYAML = `
log_level: info
device_id: "aa:bb:cc:dd:ee:ff"
transport:
  type: websocket
  websocket:
    url: wss://voice.example.com/v1
`

const watcherUpdatedYAML = `
log_level: debug
device_id: "aa:bb:cc:dd:ee:ff"
transport:
  type: websocket
  websocket:
    url: wss://voice.example.com/v1
`

const watcherInvalidYAML = `
log_level: shouty
device_id: ""
transport:
  type: websocket
`

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "voxaline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, t.TempDir(), watcherValidYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().LogLevel; got != config.LogInfo {
		t.Errorf("initial LogLevel = %q; want info", got)
	}
}

func TestWatcher_InitialLoadFailsOnInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, t.TempDir(), watcherInvalidYAML)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher succeeded on invalid config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfigFile(t, dir, watcherValidYAML)

	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	changed := make(chan struct{}, 1)

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		gotOld, gotNew = old, new
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Rewrite with a different mtime and content.
	time.Sleep(20 * time.Millisecond)
	writeConfigFile(t, dir, watcherUpdatedYAML)

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld.LogLevel != config.LogInfo || gotNew.LogLevel != config.LogDebug {
		t.Errorf("callback got old=%q new=%q", gotOld.LogLevel, gotNew.LogLevel)
	}
	if w.Current().LogLevel != config.LogDebug {
		t.Errorf("Current() not updated, LogLevel = %q", w.Current().LogLevel)
	}
}

func TestWatcher_KeepsOldConfigOnInvalidUpdate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfigFile(t, dir, watcherValidYAML)

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		t.Error("onChange fired for an invalid update")
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeConfigFile(t, dir, watcherInvalidYAML)
	time.Sleep(100 * time.Millisecond)

	if got := w.Current().LogLevel; got != config.LogInfo {
		t.Errorf("Current().LogLevel = %q after invalid update; want info", got)
	}
}
