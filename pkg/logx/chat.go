package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatLineMax  = 3500
	chatValueMax = 600
)

type chatLine struct {
	chatID   int64
	threadID int
	text     string
}

// chatSink is a zerolog.LevelWriter that hands rate-limited lines to a
// single worker. Writes never block the logger; excess lines are dropped.
type chatSink struct {
	sender Sender
	queue  chan chatLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	min      zerolog.Level
	limiter  *rate.Limiter

	start  sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newChatSink(sender Sender, threadID int) *chatSink {
	return &chatSink{
		sender:   sender,
		queue:    make(chan chatLine, 256),
		threadID: threadID,
		min:      LevelWarn,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (c *chatSink) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatID = chatID
	if threadID != 0 {
		c.threadID = threadID
	}
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(cfg.RatePerSec, 1)
	c.mu.Lock()
	c.min = ParseLevel(cfg.MinLevel, LevelWarn)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		c.threadID = cfg.ThreadID
	}
	c.mu.Unlock()
	if cfg.Enabled {
		c.start.Do(c.run)
	}
}

func (c *chatSink) run() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case l := <-c.queue:
				sctx, stop := context.WithTimeout(ctx, 10*time.Second)
				_ = c.sender.SendLog(sctx, l.chatID, l.threadID, l.text)
				stop()
			}
		}
	}()
}

func (c *chatSink) close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chatID, threadID, floor, lim := c.chatID, c.threadID, c.min, c.limiter
	c.mu.Unlock()
	if chatID == 0 || level < floor || !lim.Allow() {
		return len(p), nil
	}
	text := renderChatLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatLine{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}

var levelMark = map[string]string{
	"warn":  "⚠️",
	"error": "🛑",
	"fatal": "🛑",
	"panic": "🛑",
}

// renderChatLine turns a JSON log line into "<mark> [comp] message" with
// the remaining fields as sorted "key: value" lines.
func renderChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), chatLineMax)
	}
	level, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	comp, _ := m["comp"].(string)

	var b strings.Builder
	if mark, ok := levelMark[level]; ok {
		b.WriteString(mark + " ")
	} else if level != "" {
		b.WriteString(strings.ToUpper(level) + " ")
	}
	if comp != "" {
		b.WriteString("[" + comp + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(m[k]), chatValueMax))
	}
	return clip(b.String(), chatLineMax)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n-1], "") + "…"
}
