package call

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

func disconnectMessage() signal.Message {
	return signal.Message{Kind: signal.KindDisconnect}
}

// recoverLocked arms the session's recovery timer. A session has at most
// one pending recovery timer; re-arming while one is pending is a no-op,
// so only the first caller's delay and reason take effect.
func (c *Controller) recoverLocked(e *app.Entry, delay time.Duration, reason string) {
	sid := e.Session.ID
	armed := c.timers.Arm(sid, app.TimerRecovery, delay, func() {
		c.onRecoveryFire(sid, reason)
	})
	if armed {
		log.Debug().Str("module", "call").Str("sid", string(sid)).Dur("delay", delay).Str("reason", reason).Msg("recovery armed")
	}
}

// onRecoveryFire redials a stalled session. The side that detects the
// failure becomes the dialer, inverting the original direction — unless
// this session is one we are already dialing out to, in which case the
// remote side owns the retry and we do nothing.
func (c *Controller) onRecoveryFire(sid domain.SessionID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.call == nil {
		return
	}
	e, ok := c.registry.Get(sid)
	if !ok || e.Conn == nil {
		return
	}
	if e.Session.IsOutgoing {
		return
	}
	if e.Session.State == domain.StateConnected {
		return
	}

	log.Warn().Str("module", "call").Str("sid", string(sid)).Str("reason", reason).Msg("recovering connection")
	c.notifySessionsLocked([]domain.SessionID{sid}, disconnectMessage())
	c.closeConnLocked(e)
	if err := c.connectLocked(context.Background(), e); err != nil {
		log.Error().Err(err).Str("module", "call").Str("sid", string(sid)).Msg("redial failed")
	}
}

// disconnectLocked is the cooperative teardown for one session: close
// the connection, drop media references, cancel its timers, clear the
// outgoing flag. The entry stays registered until the server reports it
// gone.
func (c *Controller) disconnectLocked(e *app.Entry) {
	sid := e.Session.ID
	c.timers.CancelSession(sid)
	c.closeConnLocked(e)
	e.Session.IsOutgoing = false
	e.Session.State = domain.StateDisconnected
	c.emit(*e.Session)
	log.Info().Str("module", "call").Str("sid", string(sid)).Msg("session disconnected")
}

func (c *Controller) closeConnLocked(e *app.Entry) {
	if e.Conn == nil {
		return
	}
	if err := e.Conn.Close(); err != nil {
		log.Error().Err(err).Str("module", "call").Str("sid", string(e.Session.ID)).Msg("close connection")
	}
	e.Conn = nil
	e.RemoteAudio = nil
	e.RemoteVideo = nil
	e.SendingVideo = false
}

type pingParams struct {
	Channel   domain.ChannelID   `json:"channel"`
	SessionID domain.SessionID   `json:"session_id"`
	Known     []domain.SessionID `json:"known_sessions"`
}

type pingResponse struct {
	Active   []domain.SessionInfo `json:"active"`
	Outdated []domain.SessionID   `json:"outdated"`
}

// Ping reconciles the registry against the server's authoritative view:
// active sessions are upserted, outdated ones fully disconnected and
// removed.
func (c *Controller) Ping(ctx context.Context) {
	c.mu.Lock()
	if c.call == nil {
		c.mu.Unlock()
		return
	}
	channel := c.call.Channel.ID
	params := pingParams{Channel: channel, SessionID: c.call.SelfSessionID, Known: c.registry.IDs()}
	c.mu.Unlock()

	var resp pingResponse
	if err := c.rpc.CallSilent(ctx, "ping", params, &resp); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil || c.call.Channel.ID != channel {
		// A different call started while the ping was in flight.
		return
	}
	for _, info := range resp.Active {
		c.registry.Upsert(info)
	}
	for _, sid := range resp.Outdated {
		if sid == c.call.SelfSessionID {
			continue
		}
		if e, ok := c.registry.Get(sid); ok {
			c.disconnectLocked(e)
		}
		c.registry.Remove(sid)
	}
}

// Run pumps the notification bus and the heartbeat until ctx is done.
// The heartbeat repairs connections that never got a chance to start,
// e.g. when both peers lost a simultaneous initial offer.
func (c *Controller) Run(ctx context.Context) {
	events, cancel := c.bus.Subscribe()
	defer cancel()

	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Ping(ctx)
			c.Call(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleBusEvent(ev)
		}
	}
}

func (c *Controller) handleBusEvent(ev core.Event) {
	switch {
	case ev.Signals != nil:
		for _, raw := range ev.Signals.Notifications {
			c.HandleRawNotification(ev.Signals.Sender, raw)
		}
	case ev.Ended != nil:
		c.handleSessionEnded(ev.Ended.SessionID)
	}
}

// handleSessionEnded reacts to a server-forced session end: for the
// local session the whole call ends with a user-visible notice; a known
// remote session is torn down and removed.
func (c *Controller) handleSessionEnded(sid domain.SessionID) {
	c.mu.Lock()
	self := c.call != nil && c.call.SelfSessionID == sid
	c.mu.Unlock()

	if self {
		c.endCall("removed by server")
		c.notify.Info("the server ended your call session")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return
	}
	if e, ok := c.registry.Get(sid); ok {
		c.disconnectLocked(e)
		c.registry.Remove(sid)
	}
}
