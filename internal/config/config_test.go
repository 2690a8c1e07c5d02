package config_test

import (
	"testing"

	"github.com/voxaline/voxaline/internal/config"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("verbose should be invalid")
	}
}

func TestTransportKind_IsValid(t *testing.T) {
	t.Parallel()
	if !config.TransportWebSocket.IsValid() || !config.TransportMQTT.IsValid() {
		t.Error("known transport kinds reported invalid")
	}
	if config.TransportKind("grpc").IsValid() {
		t.Error("grpc should be invalid")
	}
}

func TestListeningMode_IsValid(t *testing.T) {
	t.Parallel()
	for _, m := range []config.ListeningMode{config.ListeningAuto, config.ListeningRealtime, config.ListeningManual} {
		if !m.IsValid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if config.ListeningMode("always").IsValid() {
		t.Error("always should be invalid")
	}
}

func TestResampleQuality_IsValid(t *testing.T) {
	t.Parallel()
	if !config.ResampleLowLatency.IsValid() || !config.ResampleHigh.IsValid() {
		t.Error("known qualities reported invalid")
	}
	if config.ResampleQuality("ultra").IsValid() {
		t.Error("ultra should be invalid")
	}
}
