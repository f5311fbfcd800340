package mqttservice

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestRenderPrefersParamsOverTokens(t *testing.T) {
	got := render("topic={{topic}}&q={{q}}",
		map[string]string{"topic": "sensors/front"},
		map[string]string{"topic": "fallback", "q": "1"})
	if got != "topic=sensors/front&q=1" {
		t.Fatalf("render() = %q", got)
	}
}

func TestRenderLeavesUnresolvedLiteral(t *testing.T) {
	got := render("q={{missing}}", nil, nil)
	if got != "q={{missing}}" {
		t.Fatalf("render() = %q", got)
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	for i := 0; i < 5; i++ {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}

	if rl.allow() {
		t.Error("6th message should have been rate-limited")
	}
	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 200; j++ {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
