package wsbus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huddlekit/huddle/internal/core"
)

func TestRPCCallRoundTrip(t *testing.T) {
	var gotRoute, gotToken string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRoute = r.URL.Path
		if c, err := r.Cookie("ct"); err == nil {
			gotToken = c.Value
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"session_id": "sid-1"})
	}))
	defer srv.Close()

	rpc := NewRPCClient(srv.URL, "tok")
	var out map[string]string
	err := rpc.Call(context.Background(), "join_call", map[string]string{"channel": "chan"}, &out)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotRoute != "/rtc/join_call" {
		t.Fatalf("route = %s, want /rtc/join_call", gotRoute)
	}
	if gotToken != "tok" {
		t.Fatalf("token cookie = %q, want tok", gotToken)
	}
	if gotBody["channel"] != "chan" {
		t.Fatalf("body = %v, want channel chan", gotBody)
	}
	if out["session_id"] != "sid-1" {
		t.Fatalf("decoded response = %v", out)
	}
}

func TestRPCErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	rpc := NewRPCClient(srv.URL, "tok")
	if err := rpc.CallSilent(context.Background(), "ping", nil, nil); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestBusDispatchesFrames(t *testing.T) {
	frames := []string{
		`{"type":"notifications","sender":"s1","notifications":[{"event":"disconnect"}]}`,
		`{"type":"session_ended","session_id":"s2"}`,
		`{"type":"something_else"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rtc/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// Keep the socket open so the client does not redial mid-test.
		time.Sleep(time.Second)
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBusClient(srv.URL, "tok")
	events, unsub := bus.Subscribe()
	defer unsub()
	go bus.Run(ctx)

	var got []core.Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d events, want 2", len(got))
		}
	}

	if got[0].Signals == nil || got[0].Signals.Sender != "s1" || len(got[0].Signals.Notifications) != 1 {
		t.Fatalf("first event = %+v, want notifications from s1", got[0])
	}
	if got[1].Ended == nil || got[1].Ended.SessionID != "s2" {
		t.Fatalf("second event = %+v, want session_ended s2", got[1])
	}

	// The unknown frame type is dropped, not delivered.
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
