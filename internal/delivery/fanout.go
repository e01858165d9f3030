package delivery

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	logx "castbot/pkg/logx"

	"golang.org/x/time/rate"
)

// maxReportedErrors caps Report.Errors so a large failing audience does not
// bloat results.
const maxReportedErrors = 20

type RecipientError struct {
	RecipientID string `json:"recipient_id"`
	Status      string `json:"status"`
	Error       string `json:"error"`
}

type Report struct {
	Total       int              `json:"total"`
	Delivered   int              `json:"delivered"`
	Unreachable int              `json:"unreachable"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	Errors      []RecipientError `json:"errors,omitempty"`
}

func (r *Report) record(id string, o Outcome) {
	switch o.Status {
	case Delivered:
		r.Delivered++
		return
	case Unreachable:
		r.Unreachable++
	default:
		r.Failed++
	}
	if len(r.Errors) < maxReportedErrors {
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		r.Errors = append(r.Errors, RecipientError{RecipientID: id, Status: o.Status.String(), Error: msg})
	}
}

// Fanout sends a message to many recipients one at a time behind a token
// bucket. One recipient's failure never stops the rest.
type Fanout struct {
	ch  Channel
	log logx.Logger

	mu      sync.RWMutex
	limiter *rate.Limiter
}

func NewFanout(ch Channel, perSec float64, burst int, log logx.Logger) *Fanout {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Fanout{ch: ch, log: log}
	f.SetRate(perSec, burst)
	return f
}

// SetRate replaces the limiter. perSec <= 0 disables limiting.
func (f *Fanout) SetRate(perSec float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, burst)
	if perSec > 0 {
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	f.mu.Lock()
	f.limiter = lim
	f.mu.Unlock()
}

func (f *Fanout) currentLimiter() *rate.Limiter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.limiter
}

// Send delivers msg to every recipient. skipped is carried into the report
// for recipients filtered out before the fan-out. If ctx ends early the
// remaining recipients are counted as failed.
func (f *Fanout) Send(ctx context.Context, recipients []string, msg Message, skipped int) Report {
	rep := Report{Total: len(recipients) + skipped, Skipped: skipped}
	lim := f.currentLimiter()
	for i, id := range recipients {
		if err := lim.Wait(ctx); err != nil {
			for _, rest := range recipients[i:] {
				rep.record(rest, Error(fmt.Errorf("fan-out aborted: %w", err)))
			}
			f.log.Warn("fan-out aborted", logx.Int("remaining", len(recipients)-i), logx.Err(err))
			break
		}
		o := f.sendOne(ctx, id, msg)
		rep.record(id, o)
		switch o.Status {
		case Unreachable:
			f.log.Debug("recipient unreachable", logx.String("recipient", id), logx.Err(o.Err))
		case Failed:
			f.log.Warn("delivery failed", logx.String("recipient", id), logx.Err(o.Err))
		}
	}
	return rep
}

// SendOne delivers to a single recipient under the shared limiter.
func (f *Fanout) SendOne(ctx context.Context, recipientID string, msg Message) Outcome {
	if err := f.currentLimiter().Wait(ctx); err != nil {
		return Error(err)
	}
	return f.sendOne(ctx, recipientID, msg)
}

func (f *Fanout) sendOne(ctx context.Context, id string, msg Message) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("delivery panicked", logx.String("recipient", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			o = Error(fmt.Errorf("panic: %v", r))
		}
	}()
	return f.ch.Send(ctx, id, msg)
}
