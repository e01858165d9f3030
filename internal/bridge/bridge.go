// Package bridge lets any goroutine request work from the bot runtime and
// wait for the correlated result.
//
// Callers Submit a request (never blocks), then Await its id. A single
// Dispatcher pops requests in FIFO order, runs the registered Handler and
// stores the Result. Results are write-once and read-once; abandoned ones
// are removed by the ResultStore reaper.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Bridge struct {
	queue        *Queue
	results      *ResultStore
	awaitTimeout atomic.Int64
	now          func() time.Time
}

func New(q *Queue, rs *ResultStore, awaitTimeout time.Duration) *Bridge {
	b := &Bridge{queue: q, results: rs, now: time.Now}
	b.SetAwaitTimeout(awaitTimeout)
	return b
}

// SetAwaitTimeout changes the default wait used when Await gets timeout <= 0.
func (b *Bridge) SetAwaitTimeout(t time.Duration) {
	if t <= 0 {
		t = 30 * time.Second
	}
	b.awaitTimeout.Store(int64(t))
}

// Submit enqueues an operation and returns its id. payload may be a
// json.RawMessage, []byte of JSON, nil, or any value json can encode.
func (b *Bridge) Submit(kind Kind, payload any) (string, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("bridge: encode %s payload: %w", kind, err)
	}
	req := Request{ID: uuid.NewString(), Kind: kind, Payload: raw, SubmittedAt: b.now()}
	b.results.Reserve(req.ID)
	if err := b.queue.Push(req); err != nil {
		b.results.Release(req.ID)
		return "", err
	}
	return req.ID, nil
}

// Await waits for the result of id. timeout <= 0 uses the configured default.
func (b *Bridge) Await(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	if strings.TrimSpace(id) == "" {
		return Result{}, ErrUnknown
	}
	if timeout <= 0 {
		timeout = time.Duration(b.awaitTimeout.Load())
	}
	return b.results.Await(ctx, id, timeout)
}

// Call submits and waits with the default timeout.
func (b *Bridge) Call(ctx context.Context, kind Kind, payload any) (Result, error) {
	id, err := b.Submit(kind, payload)
	if err != nil {
		return Result{}, err
	}
	return b.Await(ctx, id, 0)
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
