package call

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

// Call dials every session that lacks a PeerConnection. Idempotent: it
// is invoked on join and again by every heartbeat tick to pick up
// sessions whose initial negotiation was lost.
func (c *Controller) Call(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callLocked(ctx)
}

func (c *Controller) callLocked(ctx context.Context) {
	if c.call == nil {
		return
	}
	for _, e := range c.registry.FilterActiveExcept(c.call.SelfSessionID) {
		if e.Conn != nil {
			continue
		}
		if err := c.connectLocked(ctx, e); err != nil {
			log.Error().Err(err).Str("module", "call").Str("sid", string(e.Session.ID)).Msg("connect failed")
		}
	}
}

// connectLocked creates the PeerConnection for a session, primes the
// transceivers, and sends the initial offer. The session is marked
// outgoing so the recovery path never calls it back while we dial.
func (c *Controller) connectLocked(ctx context.Context, e *app.Entry) error {
	if e.Conn != nil {
		return nil
	}
	sid := e.Session.ID
	var conn core.PeerConnection
	created, err := c.peers.NewPeerConnection(sid, c.call.ICEServers, c.hooksFor(sid, &conn))
	if err != nil {
		if err == core.ErrUnsupported {
			c.warnNoTransportLocked()
		}
		return err
	}
	conn = created
	e.Conn = conn
	e.SendingVideo = false
	e.Session.IsOutgoing = true
	e.Session.State = domain.StateConnecting
	c.emit(*e.Session)

	if err := c.updateRemoteLocked(e, webrtc.RTPCodecTypeAudio); err != nil {
		log.Error().Err(err).Str("module", "call").Str("sid", string(sid)).Str("step", "prime audio").Msg("negotiation error")
	}
	if err := c.updateRemoteLocked(e, webrtc.RTPCodecTypeVideo); err != nil {
		log.Error().Err(err).Str("module", "call").Str("sid", string(sid)).Str("step", "prime video").Msg("negotiation error")
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		c.logStepLocked(sid, "createOffer", err)
		c.failDialLocked(e)
		return nil
	}
	if err := conn.SetLocalDescription(ctx, offer); err != nil {
		c.logStepLocked(sid, "setLocalDescription", err)
		c.failDialLocked(e)
		return nil
	}
	c.notifySessionsLocked([]domain.SessionID{sid}, signal.Message{Kind: signal.KindOffer, Description: &offer})
	return nil
}

// failDialLocked abandons a dial that never produced an offer. Recovery
// skips outgoing sessions, so the half-made connection is closed and the
// outgoing flag cleared; the next heartbeat's Call sees a conn-less
// entry and redials from scratch.
func (c *Controller) failDialLocked(e *app.Entry) {
	c.closeConnLocked(e)
	e.Session.IsOutgoing = false
	e.Session.State = domain.StateFailed
	c.emit(*e.Session)
}

// hooksFor wires the connection primitive's callbacks back into the
// controller. Every hook re-enters through the controller lock, and
// every hook is bound to its own connection instance through owner: a
// late callback from a connection that recovery already closed and
// replaced must not touch the fresh connection's state. owner is
// assigned under the same lock right after the connection is created,
// so no callback can observe it unset.
func (c *Controller) hooksFor(sid domain.SessionID, owner *core.PeerConnection) core.PeerHooks {
	return core.PeerHooks{
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.call == nil {
				return
			}
			if _, ok := c.liveEntryLocked(sid, owner); !ok {
				return
			}
			c.notifySessionsLocked([]domain.SessionID{sid}, signal.Message{Kind: signal.KindCandidate, Candidate: &cand})
		},
		OnICEStateChange: func(state webrtc.ICEConnectionState) {
			c.handleICEStateChange(sid, owner, state)
		},
		OnNegotiationNeeded: func() {
			c.handleNegotiationNeeded(sid, owner)
		},
		OnTrack: func(track core.RemoteTrack) {
			c.mu.Lock()
			defer c.mu.Unlock()
			e, ok := c.liveEntryLocked(sid, owner)
			if !ok {
				return
			}
			// The transport reports remote tracks as always enabled;
			// mute/stop arrives via trackChange instead.
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				e.RemoteAudio = track
			case webrtc.RTPCodecTypeVideo:
				e.RemoteVideo = track
			}
			c.emit(*e.Session)
		},
		OnSignal: func(payload []byte) {
			c.HandleRawNotification(sid, payload)
		},
	}
}

// liveEntryLocked resolves the session entry only while the given
// connection is still the registered one.
func (c *Controller) liveEntryLocked(sid domain.SessionID, owner *core.PeerConnection) (*app.Entry, bool) {
	e, ok := c.registry.Get(sid)
	if !ok || e.Conn == nil || e.Conn != *owner {
		return nil, false
	}
	return e, true
}

func (c *Controller) handleICEStateChange(sid domain.SessionID, owner *core.PeerConnection, state webrtc.ICEConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.liveEntryLocked(sid, owner)
	if !ok {
		return
	}
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		e.Session.State = domain.StateConnected
	case webrtc.ICEConnectionStateDisconnected:
		e.Session.State = domain.StateDisconnected
		c.recoverLocked(e, c.cfg.RecoveryDelay, "ICE disconnected")
	case webrtc.ICEConnectionStateFailed:
		e.Session.State = domain.StateFailed
		c.recoverLocked(e, c.cfg.RecoveryDelay, "ICE failed")
	case webrtc.ICEConnectionStateClosed:
		e.Session.State = domain.StateDisconnected
	default:
		return
	}
	c.emit(*e.Session)
}

// handleNegotiationNeeded renegotiates after track changes on an
// established connection. The initial offer is sent explicitly by
// connectLocked; anything fired mid-negotiation is dropped by the
// stable-state guard here and by the remote offer guard.
func (c *Controller) handleNegotiationNeeded(sid domain.SessionID, owner *core.PeerConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return
	}
	e, ok := c.liveEntryLocked(sid, owner)
	if !ok {
		return
	}
	if e.Conn.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	if e.Session.State != domain.StateConnected {
		return
	}
	ctx := context.Background()
	offer, err := e.Conn.CreateOffer(ctx)
	if err != nil {
		c.logStepLocked(sid, "createOffer", err)
		return
	}
	if err := e.Conn.SetLocalDescription(ctx, offer); err != nil {
		c.logStepLocked(sid, "setLocalDescription", err)
		return
	}
	c.notifySessionsLocked([]domain.SessionID{sid}, signal.Message{Kind: signal.KindOffer, Description: &offer})
}

// HandleRawNotification decodes one signaling payload and dispatches it.
// Malformed or unknown payloads are logged and dropped.
func (c *Controller) HandleRawNotification(sender domain.SessionID, data []byte) {
	msg, err := signal.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Str("sid", string(sender)).Msg("undecodable signal")
		return
	}
	c.HandleNotification(sender, msg)
}

// HandleNotification dispatches one decoded signaling payload. Events
// referencing unknown sessions and stale offers/answers are silently
// ignored; nothing here propagates an error to the caller.
func (c *Controller) HandleNotification(sender domain.SessionID, msg signal.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return
	}
	e, ok := c.registry.Get(sender)
	if !ok || sender == c.call.SelfSessionID {
		log.Debug().Str("module", "call").Str("sid", string(sender)).Str("event", string(msg.Kind)).Msg("signal for unknown session ignored")
		return
	}

	switch msg.Kind {
	case signal.KindOffer:
		c.handleOfferLocked(e, msg)
	case signal.KindAnswer:
		c.handleAnswerLocked(e, msg)
	case signal.KindCandidate:
		c.handleCandidateLocked(e, msg)
	case signal.KindDisconnect:
		c.disconnectLocked(e)
	case signal.KindTrackChange:
		c.handleTrackChangeLocked(e, msg.Track)
	}
}

func (c *Controller) handleOfferLocked(e *app.Entry, msg signal.Message) {
	ctx := context.Background()
	sid := e.Session.ID

	if e.Conn != nil {
		ss := e.Conn.SignalingState()
		ice := e.Conn.ICEConnectionState()
		if ss == webrtc.SignalingStateHaveRemoteOffer || ice == webrtc.ICEConnectionStateClosed {
			log.Debug().Str("module", "call").Str("sid", string(sid)).Str("state", ss.String()).Msg("incompatible offer dropped")
			return
		}
	}
	if e.Conn == nil {
		var conn core.PeerConnection
		created, err := c.peers.NewPeerConnection(sid, c.call.ICEServers, c.hooksFor(sid, &conn))
		if err != nil {
			c.logStepLocked(sid, "createPeerConnection", err)
			return
		}
		conn = created
		e.Conn = conn
		e.SendingVideo = false
	}
	// The remote side dialed us; this session is not ours to redial-protect.
	e.Session.IsOutgoing = false
	e.Session.State = domain.StateConnecting
	c.emit(*e.Session)

	if err := e.Conn.SetRemoteDescription(ctx, *msg.Description); err != nil {
		c.logStepLocked(sid, "setRemoteDescription", err)
		c.recoverLocked(e, c.cfg.RecoveryTimeout, "remote offer rejected")
		return
	}
	if err := c.updateRemoteLocked(e, webrtc.RTPCodecTypeAudio); err != nil {
		c.logStepLocked(sid, "updateRemote audio", err)
	}
	if err := c.updateRemoteLocked(e, webrtc.RTPCodecTypeVideo); err != nil {
		c.logStepLocked(sid, "updateRemote video", err)
	}
	answer, err := e.Conn.CreateAnswer(ctx)
	if err != nil {
		c.logStepLocked(sid, "createAnswer", err)
		c.recoverLocked(e, c.cfg.RecoveryTimeout, "answer creation failed")
		return
	}
	if err := e.Conn.SetLocalDescription(ctx, answer); err != nil {
		c.logStepLocked(sid, "setLocalDescription", err)
		c.recoverLocked(e, c.cfg.RecoveryTimeout, "local answer rejected")
		return
	}
	c.notifySessionsLocked([]domain.SessionID{sid}, signal.Message{Kind: signal.KindAnswer, Description: &answer})
	// Safety net: if the answer is lost in transit the connection never
	// progresses; recovery redials after the timeout.
	c.recoverLocked(e, c.cfg.RecoveryTimeout, "answer timeout")
}

func (c *Controller) handleAnswerLocked(e *app.Entry, msg signal.Message) {
	sid := e.Session.ID
	if e.Conn == nil {
		return
	}
	ss := e.Conn.SignalingState()
	if ss == webrtc.SignalingStateStable || ss == webrtc.SignalingStateHaveRemoteOffer {
		log.Debug().Str("module", "call").Str("sid", string(sid)).Str("state", ss.String()).Msg("stale answer dropped")
		return
	}
	if err := e.Conn.SetRemoteDescription(context.Background(), *msg.Description); err != nil {
		// Acceptable: a concurrent offer may have already resolved this
		// transaction.
		c.logStepLocked(sid, "setRemoteDescription", err)
	}
}

func (c *Controller) handleCandidateLocked(e *app.Entry, msg signal.Message) {
	if e.Conn == nil {
		return
	}
	if err := e.Conn.AddICECandidate(*msg.Candidate); err != nil {
		c.logStepLocked(e.Session.ID, "addIceCandidate", err)
		c.recoverLocked(e, c.cfg.RecoveryTimeout, "candidate rejected")
	}
}

func (c *Controller) handleTrackChangeLocked(e *app.Entry, tc *signal.TrackChange) {
	switch tc.Type {
	case signal.TrackAudio:
		e.Session.IsMute = tc.IsMute
		e.Session.IsDeaf = tc.IsDeaf
		e.Session.IsTalking = tc.IsTalking
	case signal.TrackVideo:
		if tc.Stopped {
			// Clear the cached stream reference only; the transport
			// never signals track end natively.
			e.RemoteVideo = nil
			e.Session.IsCameraOn = false
			e.Session.IsScreenOn = false
		}
	}
	c.emit(*e.Session)
}

// notifySessionsLocked routes one signaling message: trackChange goes
// peer-to-peer over the data channel (loss acceptable), everything else
// through the batched server relay.
func (c *Controller) notifySessionsLocked(targets []domain.SessionID, msg signal.Message) {
	if c.call == nil {
		return
	}
	if msg.Kind == signal.KindTrackChange {
		data, err := signal.Encode(msg)
		if err != nil {
			log.Error().Err(err).Str("module", "call").Msg("encode trackChange")
			return
		}
		for _, sid := range targets {
			e, ok := c.registry.Get(sid)
			if !ok || e.Conn == nil {
				continue
			}
			if err := e.Conn.SendSignal(data); err != nil {
				log.Debug().Err(err).Str("module", "call").Str("sid", string(sid)).Msg("peer notification dropped")
			}
		}
		return
	}
	c.relay.Enqueue(c.call.Channel.ID, c.call.SelfSessionID, targets, msg.Kind, msg)
}

// updateRemoteLocked is the central renegotiation primitive: it swaps
// the local track for one media kind on the session's connection and
// sets the transceiver direction. Removing a video track additionally
// notifies the peer out of band that sending stopped.
func (c *Controller) updateRemoteLocked(e *app.Entry, kind webrtc.RTPCodecType) error {
	if e.Conn == nil {
		return nil
	}

	var local core.LocalTrack
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		local = c.micTrack
	case webrtc.RTPCodecTypeVideo:
		local = c.screenTrack
		if local == nil {
			local = c.cameraTrack
		}
	}

	recv := true
	if kind == webrtc.RTPCodecTypeVideo && c.focused != "" && c.focused != e.Session.ID {
		recv = false
	}

	var direction webrtc.RTPTransceiverDirection
	switch {
	case local != nil && recv:
		direction = webrtc.RTPTransceiverDirectionSendrecv
	case local != nil:
		direction = webrtc.RTPTransceiverDirectionSendonly
	case recv:
		direction = webrtc.RTPTransceiverDirectionRecvonly
	default:
		direction = webrtc.RTPTransceiverDirectionInactive
	}

	var track webrtc.TrackLocal
	if local != nil {
		track = local.Track()
	}
	if err := e.Conn.SetTrack(kind, track, direction); err != nil {
		return err
	}

	if kind == webrtc.RTPCodecTypeVideo {
		wasSending := e.SendingVideo
		e.SendingVideo = local != nil
		if wasSending && local == nil {
			c.notifySessionsLocked([]domain.SessionID{e.Session.ID}, signal.Message{
				Kind:  signal.KindTrackChange,
				Track: &signal.TrackChange{Type: signal.TrackVideo, Stopped: true},
			})
		}
	}
	return nil
}

func (c *Controller) logStepLocked(sid domain.SessionID, step string, err error) {
	log.Error().Err(err).Str("module", "call").Str("sid", string(sid)).Str("step", step).Msg("negotiation step failed")
}
