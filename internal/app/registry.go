package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// Entry is one tracked participant: server-reported meta plus the locally
// owned connection resources. The registry is the single source of truth
// for "does session X have a live PeerConnection"; only the call
// controller mutates it.
type Entry struct {
	Session *domain.RtcSession

	Conn        core.PeerConnection
	RemoteAudio core.RemoteTrack
	RemoteVideo core.RemoteTrack
	AudioSink   AudioSink

	// SendingVideo remembers whether this connection had an outbound
	// video track; removing it must be signaled to the peer out of band.
	SendingVideo bool
}

// AudioSink is where a session's remote audio is rendered. Deafening
// force-mutes every sink locally without waiting for peer broadcasts.
type AudioSink interface {
	SetMuted(muted bool)
}

type Registry struct {
	mu      sync.RWMutex
	entries map[domain.SessionID]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.SessionID]*Entry)}
}

// Upsert inserts or updates a session from server-reported data. Live
// connection-state fields are locally authoritative and never overwritten.
func (r *Registry) Upsert(info domain.SessionInfo) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[info.ID]; ok {
		e.Session.ApplyServerInfo(info)
		return e
	}
	sess := &domain.RtcSession{ID: info.ID, ChannelID: info.ChannelID, State: domain.StateNew}
	sess.ApplyServerInfo(info)
	e := &Entry{Session: sess}
	r.entries[info.ID] = e
	log.Debug().Str("module", "app.registry").Str("sid", string(info.ID)).Msg("session added")
	return e
}

func (r *Registry) Get(sid domain.SessionID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sid]
	return e, ok
}

// Remove tears down the entry's PeerConnection, if any, and deletes the
// entry. Reconciliation relies on this to avoid leaking connections for
// sessions the server reports as outdated.
func (r *Registry) Remove(sid domain.SessionID) {
	r.mu.Lock()
	e, ok := r.entries[sid]
	delete(r.entries, sid)
	r.mu.Unlock()
	if !ok {
		return
	}
	if e.Conn != nil {
		if err := e.Conn.Close(); err != nil {
			log.Error().Err(err).Str("module", "app.registry").Str("sid", string(sid)).Msg("close on remove")
		}
		e.Conn = nil
	}
	e.Session.State = domain.StateClosed
	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Msg("session removed")
}

// FilterActiveExcept returns every entry except the one given, i.e. the
// other participants as seen from self.
func (r *Registry) FilterActiveExcept(sid domain.SessionID) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for id, e := range r.entries {
		if id == sid {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *Registry) IDs() []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SessionID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear removes every entry, closing owned connections. Used when a new
// call replaces the previous one.
func (r *Registry) Clear() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[domain.SessionID]*Entry)
	r.mu.Unlock()
	for sid, e := range entries {
		if e.Conn != nil {
			if err := e.Conn.Close(); err != nil {
				log.Error().Err(err).Str("module", "app.registry").Str("sid", string(sid)).Msg("close on clear")
			}
		}
		e.Session.State = domain.StateClosed
	}
}
