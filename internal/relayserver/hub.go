// Package relayserver is the development relay: an in-memory signaling
// server speaking the same /rtc HTTP+websocket protocol the client
// adapters expect. One process, no persistence.
package relayserver

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
)

type member struct {
	token string
	info  domain.SessionInfo
}

// Hub holds every live session and websocket. One client token owns at
// most one session at a time; a fresh join evicts the previous one.
type Hub struct {
	ice []string

	mu      sync.Mutex
	members map[domain.SessionID]*member
	byToken map[string]domain.SessionID
	conns   map[string]*wsConn
}

func NewHub(iceServers []string) *Hub {
	return &Hub{
		ice:     iceServers,
		members: make(map[domain.SessionID]*member),
		byToken: make(map[string]domain.SessionID),
		conns:   make(map[string]*wsConn),
	}
}

// Join registers a new session for the client and returns its id plus a
// snapshot of the other sessions already in the channel.
func (h *Hub) Join(token string, channel domain.ChannelID, camera bool) (domain.SessionID, []domain.SessionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.byToken[token]; ok {
		h.dropLocked(old)
	}

	sid := domain.SessionID(uuid.NewString())
	h.members[sid] = &member{
		token: token,
		info:  domain.SessionInfo{ID: sid, ChannelID: channel, IsCameraOn: camera},
	}
	h.byToken[token] = sid

	var others []domain.SessionInfo
	for id, m := range h.members {
		if id != sid && m.info.ChannelID == channel {
			others = append(others, m.info)
		}
	}
	log.Info().Str("module", "relayserver").Str("sid", string(sid)).Str("channel", string(channel)).Int("peers", len(others)).Msg("session joined")
	return sid, others
}

// Leave removes the client's session and tells the channel it is gone.
func (h *Hub) Leave(token string) {
	h.mu.Lock()
	sid, ok := h.byToken[token]
	if !ok {
		h.mu.Unlock()
		return
	}
	h.dropLocked(sid)
	h.mu.Unlock()
	log.Info().Str("module", "relayserver").Str("sid", string(sid)).Msg("session left")
}

// dropLocked removes the session and broadcasts session_ended to the
// remaining members of its channel.
func (h *Hub) dropLocked(sid domain.SessionID) {
	m, ok := h.members[sid]
	if !ok {
		return
	}
	delete(h.members, sid)
	delete(h.byToken, m.token)

	frame, err := json.Marshal(map[string]any{
		"type":       "session_ended",
		"session_id": sid,
	})
	if err != nil {
		return
	}
	for id, peer := range h.members {
		if id == sid || peer.info.ChannelID != m.info.ChannelID {
			continue
		}
		h.sendLocked(peer.token, frame)
	}
}

// Reconcile answers a heartbeat ping: which of the caller's known
// sessions are still in the channel, and which are gone.
func (h *Hub) Reconcile(channel domain.ChannelID, caller domain.SessionID, known []domain.SessionID) (active []domain.SessionInfo, outdated []domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, m := range h.members {
		if id != caller && m.info.ChannelID == channel {
			active = append(active, m.info)
		}
	}
	for _, id := range known {
		if id == caller {
			continue
		}
		m, ok := h.members[id]
		if !ok || m.info.ChannelID != channel {
			outdated = append(outdated, id)
		}
	}
	return active, outdated
}

// Update merges the client-reported flags into its session.
func (h *Hub) Update(token string, info domain.SessionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sid, ok := h.byToken[token]
	if !ok || sid != info.ID {
		return
	}
	m := h.members[sid]
	m.info.IsMute = info.IsMute
	m.info.IsDeaf = info.IsDeaf
	m.info.IsCameraOn = info.IsCameraOn
	m.info.IsScreenOn = info.IsScreenOn
}

// Notify fans a batch of signaling notifications out to their targets.
// Payloads are forwarded verbatim; the relay never inspects them.
func (h *Hub) Notify(channel domain.ChannelID, sender domain.SessionID, entries []NotifyEntry) {
	perTarget := make(map[domain.SessionID][]json.RawMessage)
	for _, e := range entries {
		for _, target := range e.Targets {
			perTarget[target] = append(perTarget[target], e.Payload)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for target, payloads := range perTarget {
		m, ok := h.members[target]
		if !ok || m.info.ChannelID != channel {
			continue
		}
		frame, err := json.Marshal(map[string]any{
			"type":          "notifications",
			"sender":        sender,
			"notifications": payloads,
		})
		if err != nil {
			continue
		}
		h.sendLocked(m.token, frame)
	}
}

// Bind attaches the client's websocket, replacing any previous one.
func (h *Hub) Bind(token string, conn *wsConn) {
	h.mu.Lock()
	if old, ok := h.conns[token]; ok {
		old.Close()
	}
	h.conns[token] = conn
	h.mu.Unlock()
}

// Unbind detaches the websocket if it is still the bound one.
func (h *Hub) Unbind(token string, conn *wsConn) {
	h.mu.Lock()
	if h.conns[token] == conn {
		delete(h.conns, token)
	}
	h.mu.Unlock()
}

func (h *Hub) sendLocked(token string, frame []byte) {
	conn, ok := h.conns[token]
	if !ok {
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "relayserver").Msg("frame dropped")
	}
}
