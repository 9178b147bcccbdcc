package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"WARNING", slog.LevelWarn},
		{" warn ", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestFromContext(t *testing.T) {
	fallback := slog.New(slog.NewTextHandler(io.Discard, nil))
	scoped := WithRunID(fallback, "run-1")

	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Error("expected fallback logger for empty context")
	}
	if got := FromContext(context.Background(), nil); got != slog.Default() {
		t.Error("expected default logger without fallback")
	}

	ctx := WithLogger(context.Background(), scoped)
	if got := FromContext(ctx, fallback); got != scoped {
		t.Error("expected logger stored in context")
	}
}
