// Package telegram connects the ops console and the log sink to Telegram.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const (
	maxMenuEntries  = 100
	maxMenuDescLen  = 256
	dropReportEvery = 5 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter long-polls the bot API. Only slash commands are forwarded; the
// console decides who may run them.
type Adapter struct {
	bot *tele.Bot
	log logx.Logger

	mu   sync.Mutex
	out  chan<- kit.Update
	poll *supervisor.Supervisor

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	menuMu  sync.Mutex
	menuSig string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{bot: bot, log: log}
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil || !strings.HasPrefix(m.Text, "/") {
		return nil
	}
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return nil
	}
	up := kit.Update{Message: &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		FromID:   m.Sender.ID,
		Text:     m.Text,
	}}
	select {
	case out <- up:
		a.forwarded.Add(1)
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start begins long polling and forwards commands to out. A second call
// while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.poll != nil {
		return nil
	}
	a.out = out
	a.poll = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.poll.Go0("telegram.drops", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				a.flushDrops(cap(out))
			case <-c.Done():
				a.flushDrops(cap(out))
				return
			}
		}
	})
	a.poll.Go0("telegram.unblock", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop. It is restarted if it returns early.
	a.poll.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped", logx.Uint64("forwarded", a.forwarded.Load()))
		return nil
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second), supervisor.WithStopOnCleanExit(false))
	return nil
}

func (a *Adapter) flushDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("console commands dropped, queue full", logx.Uint64("count", n), logx.Int("queue_cap", capacity))
	}
}

// Stop ends polling. A pending long poll is abandoned after a short grace
// period rather than holding up shutdown.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	poll := a.poll
	a.poll, a.out = nil, nil
	a.mu.Unlock()
	if poll == nil {
		return nil
	}

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := poll.Stop(wctx); err != nil {
		a.log.Debug("telegram poller still winding down", logx.Err(err))
	}
	return nil
}

// SendText splits text at the message limit and sends the parts in order.
// The returned ref points at the first part.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	chat := &tele.Chat{ID: to.ChatID}
	send := &tele.SendOptions{ParseMode: o.ParseMode, DisableWebPagePreview: o.DisablePreview, ThreadID: to.ThreadID}

	for _, part := range splitText(text, textLimit, o.ParseMode) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		msg, err := a.bot.Send(chat, part, send)
		if err != nil {
			return ref, err
		}
		if ref.MessageID == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// SendLog implements logx.Sender.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// UpdateMenuCommands publishes the command menu unless it matches the one
// published last.
func (a *Adapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	list, sig := menu(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sig == a.menuSig {
		return nil
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuSig = sig
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

func menu(cmds []kit.BotCommand) ([]tele.Command, string) {
	var sig strings.Builder
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		if len(list) == maxMenuEntries {
			break
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		desc = clipRunes(desc, maxMenuDescLen)
		list = append(list, tele.Command{Text: c.Command, Description: desc})
		sig.WriteString(c.Command)
		sig.WriteByte(0)
		sig.WriteString(desc)
		sig.WriteByte(0)
	}
	return list, sig.String()
}

func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
