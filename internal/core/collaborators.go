package core

import (
	"context"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

// RPC is the async call capability into the excluded server layer. Call
// surfaces failures to the caller; CallSilent is the best-effort variant
// for background traffic (heartbeat, notification flush) whose failures
// must never reach the UI.
type RPC interface {
	Call(ctx context.Context, route string, params any, out any) error
	CallSilent(ctx context.Context, route string, params any, out any) error
}

// SessionEnded is the server-forced removal notice for one session.
type SessionEnded struct {
	SessionID domain.SessionID `json:"session_id"`
}

// Event is one inbound message from the notification bus. Exactly one
// field is non-nil.
type Event struct {
	Signals *signal.Envelope
	Ended   *SessionEnded
}

// Bus is the inbound event stream from the server relay.
type Bus interface {
	Subscribe() (events <-chan Event, cancel func())
}

// Notifier surfaces the few user-visible conditions: unsupported
// transport, media-permission denial, and server-forced disconnection.
type Notifier interface {
	Warn(msg string)
	Info(msg string)
}

// NopNotifier discards notifications; used when no UI is attached.
type NopNotifier struct{}

func (NopNotifier) Warn(string) {}
func (NopNotifier) Info(string) {}
