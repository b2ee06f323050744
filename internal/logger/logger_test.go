package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestWithCycleID_And_CycleIDFromContext(t *testing.T) {
	ctx := context.Background()
	cycleID := "cycle-12345"

	// Initially empty
	if got := CycleIDFromContext(ctx); got != "" {
		t.Errorf("CycleIDFromContext() on empty ctx = %v, want empty", got)
	}

	// After setting
	ctx = WithCycleID(ctx, cycleID)
	if got := CycleIDFromContext(ctx); got != cycleID {
		t.Errorf("CycleIDFromContext() = %v, want %v", got, cycleID)
	}
}

func TestFromContext_AttachesCycleID(t *testing.T) {
	var buf bytes.Buffer
	base, err := New(Options{Output: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := WithCycleID(context.Background(), "cycle-67890")
	FromContext(ctx, base).Info("drained mailbox")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["cycle_id"] != "cycle-67890" {
		t.Errorf("cycle_id = %v", line["cycle_id"])
	}

	// Without a cycle ID the base logger comes back unchanged.
	if FromContext(context.Background(), base) != base {
		t.Error("FromContext() without cycle ID should return base")
	}
}

func TestNew_LevelAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "orchestrator.log")

	l, err := New(Options{Level: "warn", File: path, Output: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown")

	if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Errorf("level filtering failed: %s", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Contains(data, []byte("shown")) {
		t.Errorf("log file missing entry: %q, %v", data, err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range tests {
		if got, err := ParseLevel(in); err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
