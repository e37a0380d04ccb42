package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

type recordingRPC struct {
	mu      sync.Mutex
	batches []notifyParams
	fail    int
}

func (r *recordingRPC) Call(ctx context.Context, route string, params any, out any) error {
	return r.CallSilent(ctx, route, params, out)
}

func (r *recordingRPC) CallSilent(_ context.Context, route string, params any, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if route != "notify_call_members" {
		return nil
	}
	if r.fail > 0 {
		r.fail--
		return errors.New("relay unavailable")
	}
	r.batches = append(r.batches, params.(notifyParams))
	return nil
}

func (r *recordingRPC) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingRPC) batch(i int) notifyParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEnqueueBatchesWithinWindow(t *testing.T) {
	rpc := &recordingRPC{}
	n := NewNotifier(rpc, 20*time.Millisecond)

	n.Enqueue("chan", "self", []domain.SessionID{"s1"}, signal.KindOffer, nil)
	n.Enqueue("chan", "self", []domain.SessionID{"s1"}, signal.KindCandidate, nil)
	n.Enqueue("chan", "self", []domain.SessionID{"s2"}, signal.KindCandidate, nil)

	waitFor(t, func() bool { return rpc.batchCount() == 1 })

	b := rpc.batch(0)
	if len(b.Notifications) != 3 {
		t.Fatalf("batched entries = %d, want 3", len(b.Notifications))
	}
	if b.Channel != "chan" || b.Sender != "self" {
		t.Fatalf("batch header = %s/%s, want chan/self", b.Channel, b.Sender)
	}
	if b.Notifications[0].Kind != string(signal.KindOffer) {
		t.Fatalf("entry order lost: first kind = %s", b.Notifications[0].Kind)
	}
	if n.PendingCount() != 0 {
		t.Fatalf("pending after ack = %d, want 0", n.PendingCount())
	}
}

func TestEntriesHaveUniqueIDs(t *testing.T) {
	rpc := &recordingRPC{}
	n := NewNotifier(rpc, time.Millisecond)

	n.Enqueue("chan", "self", []domain.SessionID{"s1"}, signal.KindOffer, nil)
	n.Enqueue("chan", "self", []domain.SessionID{"s1"}, signal.KindOffer, nil)
	waitFor(t, func() bool { return rpc.batchCount() >= 1 })

	seen := make(map[string]bool)
	for i := 0; i < rpc.batchCount(); i++ {
		for _, e := range rpc.batch(i).Notifications {
			if e.ID == "" || seen[e.ID] {
				t.Fatalf("duplicate or empty notification id %q", e.ID)
			}
			seen[e.ID] = true
		}
	}
}

func TestFailedFlushKeepsEntriesAndRetries(t *testing.T) {
	rpc := &recordingRPC{fail: 2}
	n := NewNotifier(rpc, time.Millisecond)

	n.Enqueue("chan", "self", []domain.SessionID{"s1"}, signal.KindOffer, nil)

	// Two failures, then the retry loop lands the batch.
	waitFor(t, func() bool { return rpc.batchCount() == 1 })
	if n.PendingCount() != 0 {
		t.Fatalf("pending after eventual ack = %d, want 0", n.PendingCount())
	}
	if len(rpc.batch(0).Notifications) != 1 {
		t.Fatalf("delivered entries = %d, want the original 1", len(rpc.batch(0).Notifications))
	}
}

func TestEnqueueDuringFlushIsNotLost(t *testing.T) {
	rpc := &recordingRPC{}
	n := NewNotifier(rpc, time.Millisecond)

	n.Enqueue("chan", "self", []domain.SessionID{"s1"}, signal.KindOffer, nil)
	waitFor(t, func() bool { return rpc.batchCount() == 1 })
	n.Enqueue("chan", "self", []domain.SessionID{"s2"}, signal.KindAnswer, nil)
	waitFor(t, func() bool { return rpc.batchCount() == 2 })

	if got := rpc.batch(1).Notifications[0].Kind; got != string(signal.KindAnswer) {
		t.Fatalf("second batch kind = %s, want answer", got)
	}
}
