package notify

import (
	"context"
	"time"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Notification is a one-shot message for the user.
type Notification struct {
	SessionID string    `json:"session_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Sink receives user-facing notifications. Calls are fire-and-forget.
type Sink interface {
	Success(ctx context.Context, message string)
	Error(ctx context.Context, message string)
}

// Multi fans a notification out to every sink in order.
type Multi []Sink

func (m Multi) Success(ctx context.Context, message string) {
	for _, s := range m {
		s.Success(ctx, message)
	}
}

func (m Multi) Error(ctx context.Context, message string) {
	for _, s := range m {
		s.Error(ctx, message)
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Success(context.Context, string) {}
func (Discard) Error(context.Context, string)   {}
