// Package relay batches outbound signaling notifications into
// notify_call_members RPCs so rapid negotiation bursts produce one
// network call instead of many.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

const flushTimeout = 10 * time.Second

// Notifier queues PendingNotifications and flushes them through the
// server relay after a short batching window. A failed flush keeps the
// entries queued and retries as soon as the in-flight flag clears.
type Notifier struct {
	rpc    core.RPC
	window time.Duration

	mu       sync.Mutex
	queue    []domain.PendingNotification
	armed    bool
	inFlight bool
}

func NewNotifier(rpc core.RPC, window time.Duration) *Notifier {
	return &Notifier{rpc: rpc, window: window}
}

// Enqueue adds one notification for the given targets. Delivery happens
// on the next flush; entries are removed only after an acknowledged send.
func (n *Notifier) Enqueue(channel domain.ChannelID, sender domain.SessionID, targets []domain.SessionID, kind signal.Kind, payload any) {
	entry := domain.PendingNotification{
		ID:      uuid.NewString(),
		Channel: channel,
		Sender:  sender,
		Targets: targets,
		Kind:    string(kind),
		Payload: payload,
	}
	n.mu.Lock()
	n.queue = append(n.queue, entry)
	arm := !n.armed && !n.inFlight
	if arm {
		n.armed = true
	}
	n.mu.Unlock()
	if arm {
		time.AfterFunc(n.window, n.flush)
	}
}

// PendingCount reports queued, not-yet-acknowledged entries.
func (n *Notifier) PendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

type notifyParams struct {
	Channel       domain.ChannelID `json:"channel"`
	Sender        domain.SessionID `json:"sender"`
	Notifications []notifyEntry    `json:"notifications"`
}

type notifyEntry struct {
	ID      string             `json:"id"`
	Targets []domain.SessionID `json:"targets"`
	Kind    string             `json:"event"`
	Payload any                `json:"payload,omitempty"`
}

func (n *Notifier) flush() {
	n.mu.Lock()
	n.armed = false
	if n.inFlight || len(n.queue) == 0 {
		n.mu.Unlock()
		return
	}
	batch := n.queue
	n.queue = nil
	n.inFlight = true
	n.mu.Unlock()

	// All entries of a flush share one network call. The batch carries
	// the channel and sender of its first entry; a call only ever has
	// one channel and one local session at a time.
	params := notifyParams{Channel: batch[0].Channel, Sender: batch[0].Sender}
	for _, e := range batch {
		params.Notifications = append(params.Notifications, notifyEntry{
			ID:      e.ID,
			Targets: e.Targets,
			Kind:    e.Kind,
			Payload: e.Payload,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	err := n.rpc.CallSilent(ctx, "notify_call_members", params, nil)
	cancel()

	n.mu.Lock()
	n.inFlight = false
	if err != nil {
		// Undelivered entries go back to the head of the queue; retry
		// right after releasing the in-flight flag.
		n.queue = append(batch, n.queue...)
		n.mu.Unlock()
		log.Warn().Err(err).Str("module", "relay").Int("pending", len(batch)).Msg("notification flush failed, retrying")
		go n.flush()
		return
	}
	rearm := len(n.queue) > 0 && !n.armed
	if rearm {
		n.armed = true
	}
	n.mu.Unlock()
	if rearm {
		time.AfterFunc(n.window, n.flush)
	}
}
