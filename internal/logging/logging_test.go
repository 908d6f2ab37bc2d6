package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_FallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "bogus", Output: "stderr"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.GetLevel() != zerolog.InfoLevel {
		t.Errorf("level = %s, want info", l.GetLevel())
	}
}

func TestContextLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), base)
	ctx, _ = TickContext(ctx, 7)
	ctx, _ = WithTraceContext(ctx)
	ctx, l := UserContext(ctx, "user-1")

	l.Info().Msg("evaluated")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["user_id"] != "user-1" || entry["tick"] != float64(7) {
		t.Errorf("log fields = %v", entry)
	}
	if id := TraceID(ctx); id == "" || entry["trace_id"] != id {
		t.Errorf("trace id %q not carried into log %v", id, entry)
	}
}

func TestFromContext_DefaultsWhenMissing(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(zerolog.New(&buf))
	defer SetDefault(prev)

	l := FromContext(context.Background())
	l.Info().Msg("hello")
	if buf.Len() == 0 {
		t.Error("default logger not used")
	}
}
