package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castbot/internal/roster"
	logx "castbot/pkg/logx"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(roster.New(), nil, logx.Nop(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(cancel)
	return l, cancel
}

func TestDoSerializesRosterAccess(t *testing.T) {
	l, _ := startLoop(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			_ = l.Do(ctx, "upsert", func(r *roster.Roster) error {
				m, _ := r.Member(id)
				m.ID = id
				m.Roles = append(m.Roles, "r")
				r.UpsertMember(m)
				return nil
			})
		}(i)
	}
	wg.Wait()

	var total int
	_ = l.Do(ctx, "count", func(r *roster.Roster) error {
		_, total = r.Counts()
		return nil
	})
	if total != 26 {
		t.Fatalf("members = %d, want 26", total)
	}
}

func TestDoRecoversPanic(t *testing.T) {
	l, _ := startLoop(t)
	err := l.Do(context.Background(), "boom", func(*roster.Roster) error { panic("bad") })
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if err := l.Do(context.Background(), "after", func(*roster.Roster) error { return nil }); err != nil {
		t.Fatalf("loop did not survive panic: %v", err)
	}
	if l.Stats().Panics != 1 {
		t.Fatalf("panics = %d", l.Stats().Panics)
	}
}

func TestDoAfterStopReturnsErrStopped(t *testing.T) {
	l, cancel := startLoop(t)
	cancel()
	deadline := time.Now().Add(time.Second)
	for {
		err := l.Do(context.Background(), "late", func(*roster.Roster) error { return nil })
		if errors.Is(err, ErrStopped) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Do after stop = %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPostRuns(t *testing.T) {
	l, _ := startLoop(t)
	done := make(chan struct{})
	if !l.Post("p", func(*roster.Roster) error { close(done); return nil }) {
		t.Fatal("Post rejected")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted task never ran")
	}
}
