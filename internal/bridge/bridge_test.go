package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

type echoPayload struct {
	N int `json:"n"`
}

func startBridge(t *testing.T, handlers map[Kind]Handler) (*Bridge, *Dispatcher, *ResultStore) {
	t.Helper()
	q := NewQueue()
	rs := NewResultStore()
	d := NewDispatcher(q, rs, eventbus.Nop(), logx.Nop())
	for k, h := range handlers {
		d.Handle(k, h)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return New(q, rs, 5*time.Second), d, rs
}

func echoHandler(_ context.Context, req Request) (any, error) {
	var p echoPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, err
	}
	return p.N, nil
}

func TestRoundTripWithConcurrentSubmits(t *testing.T) {
	b, d, rs := startBridge(t, map[Kind]Handler{KindQuickNotify: echoHandler})

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Call(context.Background(), KindQuickNotify, echoPayload{N: i})
			if err != nil {
				errs <- err
				return
			}
			if !res.Success || res.Data != i {
				errs <- fmt.Errorf("call %d got %+v", i, res)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := d.Stats().Processed; got != n {
		t.Fatalf("processed = %d, want %d", got, n)
	}
	if rs.Len() != 0 {
		t.Fatalf("result store should be empty after collection, has %d", rs.Len())
	}
}

func TestAwaitTimeoutIsDistinctAndNeverDeliversTwice(t *testing.T) {
	release := make(chan struct{})
	b, _, rs := startBridge(t, map[Kind]Handler{
		KindSetAvatar: func(ctx context.Context, req Request) (any, error) {
			<-release
			return "done", nil
		},
	})

	id, err := b.Submit(KindSetAvatar, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Await(context.Background(), id, 20*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}

	close(release)
	res, err := b.Await(context.Background(), id, time.Second)
	if err != nil || !res.Success || res.Data != "done" {
		t.Fatalf("late await = %+v, %v", res, err)
	}

	// The entry was consumed; a third wait fails without waiting.
	began := time.Now()
	if _, err := b.Await(context.Background(), id, 5*time.Second); !errors.Is(err, ErrUnknown) {
		t.Fatalf("third await err = %v, want ErrUnknown", err)
	}
	if waited := time.Since(began); waited > time.Second {
		t.Fatalf("third await blocked for %v", waited)
	}
	if rs.Len() != 0 {
		t.Fatalf("result store has %d entries after collection", rs.Len())
	}
}

func TestAwaitUnknownIDFailsFast(t *testing.T) {
	rs := NewResultStore()
	began := time.Now()
	if _, err := rs.Await(context.Background(), "never-submitted", 5*time.Second); !errors.Is(err, ErrUnknown) {
		t.Fatalf("err = %v, want ErrUnknown", err)
	}
	if waited := time.Since(began); waited > time.Second {
		t.Fatalf("await blocked for %v", waited)
	}
	if rs.Len() != 0 {
		t.Fatalf("await created %d slots", rs.Len())
	}
}

func TestSubmitOnClosedQueueLeavesNoSlot(t *testing.T) {
	q, rs := NewQueue(), NewResultStore()
	b := New(q, rs, time.Second)
	q.Close()
	for i := 0; i < 3; i++ {
		if _, err := b.Submit(KindSetAvatar, nil); !errors.Is(err, ErrClosed) {
			t.Fatalf("submit %d err = %v, want ErrClosed", i, err)
		}
	}
	if rs.Len() != 0 {
		t.Fatalf("result store holds %d slots for rejected requests", rs.Len())
	}
}

func TestUnboundedHandlerOutlivesOpTimeout(t *testing.T) {
	q, rs := NewQueue(), NewResultStore()
	d := NewDispatcher(q, rs, eventbus.Nop(), logx.Nop())
	slow := func(ctx context.Context, _ Request) (any, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return "finished", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.Handle(KindTestReachability, slow)
	d.HandleUnbounded(KindQuickNotify, slow)
	d.SetOpTimeout(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	b := New(q, rs, 5*time.Second)

	res, err := b.Call(context.Background(), KindQuickNotify, nil)
	if err != nil || !res.Success || res.Data != "finished" {
		t.Fatalf("unbounded result = %+v, %v", res, err)
	}
	res, err = b.Call(context.Background(), KindTestReachability, nil)
	if err != nil || res.Success || res.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("bounded result = %+v, %v", res, err)
	}
}

func TestUnknownKindAndHandlerFailures(t *testing.T) {
	b, d, _ := startBridge(t, map[Kind]Handler{
		KindSetPresence: func(context.Context, Request) (any, error) { return nil, errors.New("Bot is not ready") },
		KindSetAvatar:   func(context.Context, Request) (any, error) { panic("nil avatar") },
	})
	ctx := context.Background()

	cases := []struct {
		kind    Kind
		wantErr string
	}{
		{Kind("reboot"), "unsupported operation"},
		{KindSetPresence, "Bot is not ready"},
		{KindSetAvatar, "internal error: nil avatar"},
	}
	for _, tc := range cases {
		res, err := b.Call(ctx, tc.kind, nil)
		if err != nil {
			t.Fatalf("%s: transport error %v", tc.kind, err)
		}
		if res.Success || res.Error != tc.wantErr {
			t.Fatalf("%s: result = %+v, want error %q", tc.kind, res, tc.wantErr)
		}
	}

	// The dispatcher kept running after the panic.
	res, err := b.Call(ctx, KindSetPresence, nil)
	if err != nil || res.Success {
		t.Fatalf("after panic: %+v %v", res, err)
	}
	if d.Stats().Panics != 1 {
		t.Fatalf("panics = %d", d.Stats().Panics)
	}
}

func TestOpTimeoutCancelsHandlerContext(t *testing.T) {
	b, d, _ := startBridge(t, map[Kind]Handler{
		KindTestReachability: func(ctx context.Context, _ Request) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	d.SetOpTimeout(10 * time.Millisecond)
	res, err := b.Call(context.Background(), KindTestReachability, nil)
	if err != nil || res.Success || res.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("result = %+v, %v", res, err)
	}
}

func TestSubmitRejectsInvalidRawPayload(t *testing.T) {
	b := New(NewQueue(), NewResultStore(), 0)
	if _, err := b.Submit(KindQuickNotify, json.RawMessage(`{"role_id":`)); err == nil {
		t.Fatal("expected encode error")
	}
}

func TestReapEvictsStaleResults(t *testing.T) {
	rs := NewResultStore()
	now := time.Unix(1000, 0)
	rs.now = func() time.Time { return now }

	rs.Put("orphan", Ok(1))
	rs.Reserve("abandoned")
	now = now.Add(time.Minute)
	rs.Put("fresh", Ok(2))

	if n := rs.Reap(30 * time.Second); n != 2 {
		t.Fatalf("reaped %d, want 2", n)
	}
	res, err := rs.Await(context.Background(), "fresh", time.Second)
	if err != nil || res.Data != 2 {
		t.Fatalf("fresh result = %+v, %v", res, err)
	}
}

func TestQueueIsFIFOAndCloses(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 3; i++ {
		if err := q.Push(Request{ID: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()
	if err := q.Push(Request{ID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close = %v", err)
	}
	for i := 0; i < 3; i++ {
		r, err := q.Pop(context.Background())
		if err != nil || r.ID != fmt.Sprint(i) {
			t.Fatalf("pop %d = %+v, %v", i, r, err)
		}
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("pop on drained closed queue = %v", err)
	}
}
