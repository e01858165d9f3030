// Package loop runs the bot's single runtime goroutine.
//
// Every read or write of the roster happens inside a task executed by Run,
// so roster state needs no locks. Tasks must be quick: network calls belong
// on goroutines started with Spawn, which re-enter the loop through Do only
// to touch state.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"castbot/internal/roster"
	"castbot/internal/runtime/supervisor"
	logx "castbot/pkg/logx"
)

var ErrStopped = errors.New("runtime loop stopped")

// Task runs on the loop goroutine with exclusive access to the roster.
type Task func(r *roster.Roster) error

type queued struct {
	name string
	fn   Task
	done chan error // nil for Post
}

type Loop struct {
	tasks   chan queued
	roster  *roster.Roster
	sup     *supervisor.Supervisor
	log     logx.Logger
	stopped chan struct{}
	once    sync.Once

	ran    atomic.Uint64
	panics atomic.Uint64
}

type Stats struct {
	Ran     uint64 `json:"ran"`
	Panics  uint64 `json:"panics"`
	Pending int    `json:"pending"`
}

// New builds a loop owning r. buffer bounds the number of pending tasks;
// Do waits for space, Post drops when full.
func New(r *roster.Roster, sup *supervisor.Supervisor, log logx.Logger, buffer int) *Loop {
	if r == nil {
		r = roster.New()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		tasks:   make(chan queued, buffer),
		roster:  r,
		sup:     sup,
		log:     log,
		stopped: make(chan struct{}),
	}
}

// Run executes tasks until ctx is done. A panicking task is recovered and
// reported to its caller; the loop keeps going.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.stopped) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-l.tasks:
			err := l.exec(t)
			if t.done != nil {
				t.done <- err
			} else if err != nil {
				l.log.Warn("loop task failed", logx.String("task", t.name), logx.Err(err))
			}
		}
	}
}

func (l *Loop) exec(t queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.log.Error("loop task panicked", logx.String("task", t.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	l.ran.Add(1)
	return t.fn(l.roster)
}

// Do runs fn on the loop and waits for it. It must not be called from a
// loop task.
func (l *Loop) Do(ctx context.Context, name string, fn Task) error {
	t := queued{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case l.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrStopped
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrStopped
	}
}

// Post enqueues fn without waiting. It reports false when the queue is full
// or the loop has stopped.
func (l *Loop) Post(name string, fn Task) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.tasks <- queued{name: name, fn: fn}:
		return true
	default:
		l.log.Warn("loop queue full; task dropped", logx.String("task", name))
		return false
	}
}

// Spawn runs fn on a supervised goroutine off the loop.
func (l *Loop) Spawn(name string, fn func(ctx context.Context)) {
	if l.sup == nil {
		go fn(context.Background())
		return
	}
	l.sup.Go0(name, fn)
}

func (l *Loop) Stats() Stats {
	return Stats{Ran: l.ran.Load(), Panics: l.panics.Load(), Pending: len(l.tasks)}
}
