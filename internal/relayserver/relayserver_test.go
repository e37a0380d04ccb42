package relayserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/domain"
)

func TestJoinReturnsExistingChannelMembers(t *testing.T) {
	h := NewHub([]string{"stun:stun.example:3478"})

	sidA, others := h.Join("alice", "chan", false)
	if len(others) != 0 {
		t.Fatalf("first joiner sees %d peers, want 0", len(others))
	}
	_, others = h.Join("bob", "chan", true)
	if len(others) != 1 || others[0].ID != sidA {
		t.Fatalf("second joiner peers = %+v, want [%s]", others, sidA)
	}

	// A different channel is invisible.
	_, others = h.Join("carol", "other", false)
	if len(others) != 0 {
		t.Fatalf("cross-channel peers = %d, want 0", len(others))
	}
}

func TestRejoinEvictsPreviousSession(t *testing.T) {
	h := NewHub(nil)
	first, _ := h.Join("alice", "chan", false)
	second, _ := h.Join("alice", "chan", false)
	if first == second {
		t.Fatal("rejoin must mint a fresh session id")
	}
	active, _ := h.Reconcile("chan", second, nil)
	if len(active) != 0 {
		t.Fatalf("stale sessions remain: %+v", active)
	}
}

func TestReconcileReportsOutdated(t *testing.T) {
	h := NewHub(nil)
	sidA, _ := h.Join("alice", "chan", false)
	sidB, _ := h.Join("bob", "chan", false)
	h.Leave("bob")

	active, outdated := h.Reconcile("chan", sidA, []domain.SessionID{sidA, sidB})
	if len(active) != 0 {
		t.Fatalf("active = %+v, want none", active)
	}
	if len(outdated) != 1 || outdated[0] != sidB {
		t.Fatalf("outdated = %+v, want [%s]", outdated, sidB)
	}
}

func TestUpdateMergesFlags(t *testing.T) {
	h := NewHub(nil)
	sidA, _ := h.Join("alice", "chan", false)
	sidB, _ := h.Join("bob", "chan", false)

	h.Update("alice", domain.SessionInfo{ID: sidA, IsMute: true, IsCameraOn: true})
	active, _ := h.Reconcile("chan", sidB, nil)
	if len(active) != 1 || !active[0].IsMute || !active[0].IsCameraOn {
		t.Fatalf("reconciled view = %+v, want alice muted with camera", active)
	}

	// A client can only update its own session.
	h.Update("bob", domain.SessionInfo{ID: sidA, IsMute: false})
	active, _ = h.Reconcile("chan", sidB, nil)
	if !active[0].IsMute {
		t.Fatal("foreign update must be ignored")
	}
}

func testServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub([]string{"stun:stun.example:3478"})
	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	router := SetupRouter(t.Context(), cfg, hub)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub
}

func postJSON(t *testing.T, srv *httptest.Server, token, route string, body any, out any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rtc/"+route, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "ct", Value: token})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", route, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", route, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", route, err)
		}
	}
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(srv.URL, "http", "ws", 1) + "/rtc/ws"
	header := http.Header{}
	header.Set("Cookie", "ct="+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("bad frame %s: %v", data, err)
	}
	return frame
}

func TestNotifyDeliveredOverWebsocket(t *testing.T) {
	srv, _ := testServer(t)

	var alice, bob joinReply
	postJSON(t, srv, "alice", "join_call", joinRequest{Channel: "chan"}, &alice)
	postJSON(t, srv, "bob", "join_call", joinRequest{Channel: "chan"}, &bob)

	bobWS := dialWS(t, srv, "bob")

	payload := json.RawMessage(`{"event":"offer","description":{"type":"offer","sdp":"v=0"}}`)
	postJSON(t, srv, "alice", "notify_call_members", notifyRequest{
		Channel: "chan",
		Sender:  alice.SessionID,
		Notifications: []NotifyEntry{{
			ID:      "n1",
			Targets: []domain.SessionID{bob.SessionID},
			Kind:    "offer",
			Payload: payload,
		}},
	}, nil)

	frame := readFrame(t, bobWS)
	if string(frame["type"]) != `"notifications"` {
		t.Fatalf("frame type = %s, want notifications", frame["type"])
	}
	var notifications []json.RawMessage
	if err := json.Unmarshal(frame["notifications"], &notifications); err != nil || len(notifications) != 1 {
		t.Fatalf("notifications = %s, want 1 payload", frame["notifications"])
	}
	if !bytes.Contains(notifications[0], []byte(`"offer"`)) {
		t.Fatalf("payload not forwarded verbatim: %s", notifications[0])
	}
}

func TestLeaveBroadcastsSessionEnded(t *testing.T) {
	srv, _ := testServer(t)

	var alice, bob joinReply
	postJSON(t, srv, "alice", "join_call", joinRequest{Channel: "chan"}, &alice)
	postJSON(t, srv, "bob", "join_call", joinRequest{Channel: "chan"}, &bob)
	bobWS := dialWS(t, srv, "bob")

	postJSON(t, srv, "alice", "leave_call", struct{}{}, nil)

	frame := readFrame(t, bobWS)
	if string(frame["type"]) != `"session_ended"` {
		t.Fatalf("frame type = %s, want session_ended", frame["type"])
	}
	var sid domain.SessionID
	if err := json.Unmarshal(frame["session_id"], &sid); err != nil || sid != alice.SessionID {
		t.Fatalf("session_id = %s, want %s", frame["session_id"], alice.SessionID)
	}
}
