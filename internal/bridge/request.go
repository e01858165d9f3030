package bridge

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrTimedOut means the caller stopped waiting. It is not a failed
	// operation: the handler may still finish and its result is reaped.
	ErrTimedOut = errors.New("bridge: timed out waiting for result")
	ErrClosed   = errors.New("bridge: closed")
	ErrUnknown  = errors.New("bridge: unknown request id")
)

// Kind names an operation the runtime knows how to perform.
type Kind string

const (
	KindQuickNotify      Kind = "quick_notify"
	KindTestReachability Kind = "test_reachability"
	KindSetAvatar        Kind = "set_avatar"
	KindSetPresence      Kind = "set_presence"
)

// Request is immutable once submitted.
type Request struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Ok(data any) Result { return Result{Success: true, Data: data} }

func Fail(msg string) Result { return Result{Success: false, Error: msg} }

// OperationEvent is published on the event bus after every dispatched request.
type OperationEvent struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Waited   time.Duration `json:"waited"`
	Duration time.Duration `json:"duration"`
}
