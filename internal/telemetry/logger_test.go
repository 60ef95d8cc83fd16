package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerRedactsCredentialAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactSensitive}))

	logger.Info("login attempt", "sid", "s1", "pwd", "hunter2", "token", "eyJabc")

	out := buf.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "eyJabc") {
		t.Fatalf("expected credential values to be redacted, got: %s", out)
	}
	if !strings.Contains(out, "s1") {
		t.Fatalf("expected non-credential attrs to survive, got: %s", out)
	}
}

func TestNewLoggerDefaultsToInfoAndJSON(t *testing.T) {
	logger := NewLogger("", "")
	if logger == nil {
		t.Fatalf("expected a non-nil logger")
	}
	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Fatalf("expected info level to be enabled by default")
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Fatalf("expected debug level to be disabled by default")
	}
}
