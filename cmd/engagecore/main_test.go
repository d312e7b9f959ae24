package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/engagecore/internal/agent/orchestrator"
	"github.com/MrWong99/engagecore/internal/config"
)

type echoRouter struct {
	msgs []string
	mc   orchestrator.MessageContext
}

func (r *echoRouter) RouteMessage(_ context.Context, msg, userID string, mc orchestrator.MessageContext) string {
	r.msgs = append(r.msgs, msg)
	r.mc = mc
	return userID + ": " + strings.ToUpper(msg)
}

func TestChatLoop(t *testing.T) {
	t.Parallel()
	r := &echoRouter{}
	var out bytes.Buffer
	mc := orchestrator.MessageContext{ActionContext: map[string]any{"task_id": "11"}}

	chatLoop(context.Background(), strings.NewReader("hello\n\n   \nbye\n"), &out, r, "42", mc)

	if len(r.msgs) != 2 || r.msgs[0] != "hello" || r.msgs[1] != "bye" {
		t.Errorf("routed %q, want [hello bye]", r.msgs)
	}
	if r.mc.ActionContext["task_id"] != "11" {
		t.Errorf("message context not forwarded: %+v", r.mc)
	}
	for _, want := range []string{"42: HELLO", "42: BYE"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q misses %q", out.String(), want)
		}
	}
}

func TestChatLoop_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &echoRouter{}
	// An unread pipe would block forever; cancellation must still return.
	pr, pw := io.Pipe()
	defer pw.Close()
	chatLoop(ctx, pr, &bytes.Buffer{}, r, "42", orchestrator.MessageContext{})
	if len(r.msgs) != 0 {
		t.Errorf("routed %q after cancel", r.msgs)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
