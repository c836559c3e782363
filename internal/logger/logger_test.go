package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestInitWriter_EmitsServiceField(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	log := InitWriter(&buf, "trader", slog.LevelInfo)
	log.Debug("hidden")
	log.Info("hello", "k", 1)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "trader" || line["msg"] != "hello" {
		t.Errorf("unexpected record %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestCycleID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := CycleID(ctx); id != "" {
		t.Errorf("expected empty cycle id, got %q", id)
	}
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	id := NewCycleID("BTC-PERP", ts)
	if id != "BTC-PERP-1705314600000" {
		t.Errorf("unexpected cycle id %q", id)
	}
	ctx = WithCycleID(ctx, id)
	if got := CycleID(ctx); got != id {
		t.Errorf("expected %q, got %q", id, got)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	FromContext(context.Background(), base).Info("plain")
	if bytes.Contains(buf.Bytes(), []byte("cycle_id")) {
		t.Errorf("no cycle id expected: %s", buf.String())
	}
	buf.Reset()
	FromContext(WithCycleID(context.Background(), "X-1"), base).Info("tagged")
	if !bytes.Contains(buf.Bytes(), []byte(`"cycle_id":"X-1"`)) {
		t.Errorf("cycle id missing: %s", buf.String())
	}
}
