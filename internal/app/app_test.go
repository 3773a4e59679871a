package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/config"
	"live-transcription-service/internal/service/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("AUDIO_SOURCE", "fake")
	t.Setenv("STT_PROVIDER", "mock")
	t.Setenv("SPEAKER_STORE", "memory")
	t.Setenv("STORAGE_SINK", "log")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("TRACING_ENABLED", "false")
	return config.Load()
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		provider string
		wantName string
		wantErr  bool
	}{
		{"mock", "mock", false},
		{"", "mock", false},
		{"google", "google", false},
		{"deepgram", "deepgram", false},
		{"whisper", "", true},
	}

	for _, tt := range tests {
		backend, err := newBackend(config.STTConfig{Provider: tt.provider, GoogleMaxSpeakers: 2})
		if tt.wantErr {
			if apperr.KindOf(err) != apperr.KindConfiguration {
				t.Errorf("provider %q: expected configuration error, got %v", tt.provider, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("provider %q: unexpected error: %v", tt.provider, err)
		}
		if backend.Name() != tt.wantName {
			t.Errorf("provider %q: got backend %s", tt.provider, backend.Name())
		}
	}
}

func TestNewCapture_Fake(t *testing.T) {
	open := newCapture(config.AudioConfig{Source: "fake", CaptureRateHz: 48000})

	dev, err := open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if dev.SampleRate() != 48000 {
		t.Errorf("expected 48000 Hz, got %d", dev.SampleRate())
	}
	_ = dev.Close()
}

func TestNewLabelStore_SQLite(t *testing.T) {
	a := &Application{}
	store, err := a.newLabelStore(context.Background(), config.SpeakersConfig{
		Store:      "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "labels.db"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.closeAll()

	ctx := context.Background()
	if err := store.Set(ctx, "Guest-1", "Alice"); err != nil {
		t.Fatalf("set: %v", err)
	}
	label, ok, err := store.Get(ctx, "Guest-1")
	if err != nil || !ok || label != "Alice" {
		t.Errorf("Get = %q, %v, %v", label, ok, err)
	}
	if len(a.closers) != 1 {
		t.Errorf("expected sqlite store to be closed on shutdown, closers=%d", len(a.closers))
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Sink = "s3"

	_, err := New(context.Background(), cfg)
	if apperr.KindOf(err) != apperr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestApplication_Lifecycle(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Ready() {
		t.Error("application must not be ready before Start")
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Ready() {
		t.Error("application should be ready after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Session.Start(ctx); err != nil {
		t.Fatalf("session start: %v", err)
	}
	if a.Session.State() != session.StateActive {
		t.Fatalf("expected ACTIVE, got %s", a.Session.State())
	}

	a.Shutdown(ctx)

	if a.Ready() {
		t.Error("application should not be ready after Shutdown")
	}
	if a.Session.State() != session.StateIdle {
		t.Errorf("expected shutdown to stop the recording, got %s", a.Session.State())
	}
	if err := a.Session.Start(ctx); !errors.Is(err, session.ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
}
