package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")), Err(nil))
	log.Trace("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) || m["err"] != "boom" {
		t.Fatalf("line = %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not zero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"trace": LevelTrace, " Warning ": LevelWarn, "ERROR": LevelError, "bogus": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q) = %v", in, got)
		}
	}
}

func TestRenderChatLine(t *testing.T) {
	got := renderChatLine([]byte(`{"level":"warn","time":"x","message":"send failed","comp":"delivery","recipient":"u1","err":"closed"}`))
	want := "⚠️ [delivery] send failed\nerr: closed\nrecipient: u1"
	if got != want {
		t.Fatalf("got %q", got)
	}
	if got := renderChatLine([]byte("not json")); got != "not json" {
		t.Fatalf("raw = %q", got)
	}
}

type captureSender struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, text)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestChatSinkFiltersByLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}}, sender)
	defer svc.Close()
	svc.SetChatTarget(-100, 0)

	log.Info("not forwarded")
	log.Warn("forwarded", String("comp", "x"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.lines) != 1 || !strings.Contains(sender.lines[0], "[x] forwarded") {
		t.Fatalf("lines = %q", sender.lines)
	}
}
