package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/signaling-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := &recordingHandler{mu: h.mu, records: h.records}
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return cp
}

func (h *recordingHandler) WithGroup(string) slog.Handler {
	return h
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:           config.ModeDev,
		AllowedOrigins: []string{"*"},
	})

	if !warningCodes(records())["allowed_origins_wildcard"] {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_NoTURNInProd(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:           config.ModeProd,
		AllowedOrigins: []string{"https://app.example.com"},
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	})

	if !warningCodes(records())["no_turn_in_prod"] {
		t.Fatalf("expected warning_code=no_turn_in_prod, got %#v", records())
	}
}

func TestStartupSecurityWarnings_TURNConfiguredNoWarning(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:           config.ModeProd,
		AllowedOrigins: []string{"https://app.example.com"},
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "c"},
		},
	})

	if warningCodes(records())["no_turn_in_prod"] {
		t.Fatalf("unexpected no_turn_in_prod warning: %#v", records())
	}
}

func TestStartupSecurityWarnings_LooseHardeningLimits(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:                     config.ModeDev,
		MaxSignalingMessageBytes: 4 << 20,
		SweepInterval:            10 * time.Minute,
	})

	codes := warningCodes(records())
	if !codes["max_signaling_message_large"] {
		t.Fatalf("expected warning_code=max_signaling_message_large, got %#v", records())
	}
	if !codes["sweep_interval_large"] {
		t.Fatalf("expected warning_code=sweep_interval_large, got %#v", records())
	}
}
