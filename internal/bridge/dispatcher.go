package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

const unsupportedOperation = "unsupported operation"

// Handler performs one kind of operation. The returned value becomes
// Result.Data; a non-nil error becomes a failed Result carrying its message.
type Handler func(ctx context.Context, req Request) (any, error)

// Dispatcher is the single consumer of the request queue.
type Dispatcher struct {
	queue   *Queue
	results *ResultStore
	bus     eventbus.Publisher
	log     logx.Logger

	mu       sync.RWMutex
	handlers map[Kind]route

	opTimeout atomic.Int64

	processed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
}

type route struct {
	h Handler
	// unbounded routes ignore the op timeout and stop only with Run's ctx.
	unbounded bool
}

type DispatcherStats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Panics    uint64 `json:"panics"`
	Pending   int    `json:"pending"`
}

func NewDispatcher(q *Queue, rs *ResultStore, bus eventbus.Publisher, log logx.Logger) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{queue: q, results: rs, bus: bus, log: log, handlers: map[Kind]route{}}
}

// Handle registers h for kind, replacing any previous handler. Calls are
// bounded by the op timeout.
func (d *Dispatcher) Handle(kind Kind, h Handler) {
	d.register(kind, route{h: h})
}

// HandleUnbounded registers h without the op timeout. It suits fan-outs
// that must reach every recipient once started; h is cancelled only when
// Run's context ends.
func (d *Dispatcher) HandleUnbounded(kind Kind, h Handler) {
	d.register(kind, route{h: h, unbounded: true})
}

func (d *Dispatcher) register(kind Kind, r route) {
	d.mu.Lock()
	d.handlers[kind] = r
	d.mu.Unlock()
}

// SetOpTimeout bounds each Handle call. Zero disables the bound.
func (d *Dispatcher) SetOpTimeout(t time.Duration) { d.opTimeout.Store(int64(t)) }

// Run pops and dispatches requests one at a time until ctx is done or the
// queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		req, err := d.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.dispatch(ctx, req)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) {
	started := time.Now()
	res := d.execute(ctx, req)

	d.processed.Add(1)
	if !res.Success {
		d.failed.Add(1)
	}
	if !d.results.Put(req.ID, res) {
		d.log.Warn("duplicate result dropped", logx.String("id", req.ID), logx.String("kind", string(req.Kind)))
	}

	ev := OperationEvent{
		ID:       req.ID,
		Kind:     req.Kind,
		Success:  res.Success,
		Error:    res.Error,
		Waited:   started.Sub(req.SubmittedAt),
		Duration: time.Since(started),
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.OperationFinished, Subject: req.ID, Data: ev})

	fields := []logx.Field{
		logx.String("id", req.ID),
		logx.String("kind", string(req.Kind)),
		logx.Bool("success", res.Success),
		logx.Duration("took", ev.Duration),
	}
	if res.Success {
		d.log.Debug("operation finished", fields...)
	} else {
		d.log.Info("operation failed", append(fields, logx.String("error", res.Error))...)
	}
}

func (d *Dispatcher) execute(ctx context.Context, req Request) (res Result) {
	d.mu.RLock()
	rt := d.handlers[req.Kind]
	d.mu.RUnlock()
	if rt.h == nil {
		return Fail(unsupportedOperation)
	}

	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.log.Error("operation handler panicked",
				logx.String("id", req.ID),
				logx.String("kind", string(req.Kind)),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			res = Fail(fmt.Sprintf("internal error: %v", r))
		}
	}()

	if t := time.Duration(d.opTimeout.Load()); t > 0 && !rt.unbounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	data, err := rt.h(ctx, req)
	if err != nil {
		return Fail(err.Error())
	}
	return Ok(data)
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Processed: d.processed.Load(),
		Failed:    d.failed.Load(),
		Panics:    d.panics.Load(),
		Pending:   d.queue.Len(),
	}
}
