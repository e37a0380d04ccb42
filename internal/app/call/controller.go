// Package call owns the active multi-party call: peer-connection
// lifecycle per session, the offer/answer/ICE state machine, failure
// recovery, local media, and outbound signaling.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

// Notifier is the batched outbound relay; satisfied by relay.Notifier.
type Notifier interface {
	Enqueue(channel domain.ChannelID, sender domain.SessionID, targets []domain.SessionID, kind signal.Kind, payload any)
}

// Controller orchestrates at most one active call. Every entry point and
// every timer/bus callback re-enters through mu; stale work runs to
// completion and fails the guard checks instead of being cancelled.
type Controller struct {
	cfg      *config.Config
	registry *app.Registry
	timers   *app.TimerRegistry
	peers    core.PeerFactory
	relay    Notifier
	rpc      core.RPC
	media    core.MediaDevices
	notify   core.Notifier
	bus      core.Bus

	mu   sync.Mutex
	call *domain.Call
	self *domain.RtcSession

	micTrack    core.LocalTrack
	cameraTrack core.LocalTrack
	screenTrack core.LocalTrack

	// focused restricts which session's video we ask to receive; empty
	// means all.
	focused domain.SessionID

	voice *VoiceLink

	warnedNoTransport bool

	listenerMu sync.Mutex
	listeners  []func(domain.RtcSession)
}

type Deps struct {
	Config   *config.Config
	Registry *app.Registry
	Timers   *app.TimerRegistry
	Peers    core.PeerFactory
	Relay    Notifier
	RPC      core.RPC
	Media    core.MediaDevices
	Notify   core.Notifier
	Bus      core.Bus
}

func NewController(d Deps) *Controller {
	if d.Notify == nil {
		d.Notify = core.NopNotifier{}
	}
	c := &Controller{
		cfg:      d.Config,
		registry: d.Registry,
		timers:   d.Timers,
		peers:    d.Peers,
		relay:    d.Relay,
		rpc:      d.RPC,
		media:    d.Media,
		notify:   d.Notify,
		bus:      d.Bus,
	}
	c.voice = newVoiceLink(c, d.Config)
	return c
}

// Voice exposes the push-to-talk / voice-activation link for the UI to
// feed key events and attach audio monitors.
func (c *Controller) Voice() *VoiceLink { return c.voice }

// OnSessionUpdate registers an observer for session state changes. The
// UI reads reactively; it never mutates session state.
func (c *Controller) OnSessionUpdate(fn func(domain.RtcSession)) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenerMu.Unlock()
}

func (c *Controller) emit(sess domain.RtcSession) {
	c.listenerMu.Lock()
	handlers := make([]func(domain.RtcSession), len(c.listeners))
	copy(handlers, c.listeners)
	c.listenerMu.Unlock()
	for _, fn := range handlers {
		fn(sess)
	}
}

type joinParams struct {
	Channel domain.ChannelID `json:"channel"`
	Camera  bool             `json:"camera"`
}

type joinResponse struct {
	SessionID  domain.SessionID     `json:"session_id"`
	ICEServers []webrtc.ICEServer   `json:"ice_servers"`
	Sessions   []domain.SessionInfo `json:"sessions"`
}

// JoinCall joins the channel's call: server-side join first, then any
// previous call state is torn down, the new Call installed, outbound
// connections dialed, and local audio captured.
func (c *Controller) JoinCall(ctx context.Context, channel *domain.Channel, startWithVideo bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peers == nil {
		c.warnNoTransportLocked()
		return core.ErrUnsupported
	}

	var resp joinResponse
	if err := c.rpc.Call(ctx, "join_call", joinParams{Channel: channel.ID, Camera: startWithVideo}, &resp); err != nil {
		return err
	}

	c.clearLocked()

	c.call = &domain.Call{
		Channel:       channel,
		SelfSessionID: resp.SessionID,
		ICEServers:    resp.ICEServers,
	}
	channel.InvitingSessionID = ""

	selfEntry := c.registry.Upsert(domain.SessionInfo{ID: resp.SessionID, ChannelID: channel.ID})
	c.self = selfEntry.Session
	for _, info := range resp.Sessions {
		if info.ID == resp.SessionID {
			continue
		}
		c.registry.Upsert(info)
	}

	c.callLocked(ctx)
	c.startAudioLocked(ctx)
	if startWithVideo {
		c.setVideoLocked(ctx, SourceCamera, true)
	}

	log.Info().Str("module", "call").Str("channel", string(channel.ID)).Str("sid", string(resp.SessionID)).Int("peers", len(resp.Sessions)).Msg("joined call")
	return nil
}

type leaveParams struct {
	Channel   domain.ChannelID `json:"channel"`
	SessionID domain.SessionID `json:"session_id"`
}

// LeaveCall notifies the server, then tears down every session and
// resets call state.
func (c *Controller) LeaveCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return core.ErrNoActiveCall
	}
	params := leaveParams{Channel: c.call.Channel.ID, SessionID: c.call.SelfSessionID}
	err := c.rpc.Call(ctx, "leave_call", params, nil)
	c.clearLocked()
	return err
}

// ToggleCall joins the channel's call, or leaves it when it is already
// the active one.
func (c *Controller) ToggleCall(ctx context.Context, channel *domain.Channel, startWithVideo bool) error {
	c.mu.Lock()
	active := c.call != nil && c.call.Channel.ID == channel.ID
	c.mu.Unlock()
	if active {
		return c.LeaveCall(ctx)
	}
	return c.JoinCall(ctx, channel, startWithVideo)
}

// endCall is the server-forced termination path: no outbound notify,
// everything torn down locally.
func (c *Controller) endCall(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return
	}
	log.Info().Str("module", "call").Str("reason", reason).Msg("call ended by server")
	c.clearLocked()
}

// InCall reports whether a call is active, and for which channel.
func (c *Controller) InCall() (domain.ChannelID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return "", false
	}
	return c.call.Channel.ID, true
}

// SelfSession returns a copy of the local participant's session state.
func (c *Controller) SelfSession() (domain.RtcSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self == nil {
		return domain.RtcSession{}, false
	}
	return *c.self, true
}

// NoteIncomingCall records which session is ringing the channel, for
// the UI to surface. Joining the call clears it. Ignored while already
// in that channel's call.
func (c *Controller) NoteIncomingCall(channel *domain.Channel, from domain.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call != nil && c.call.Channel.ID == channel.ID {
		return
	}
	channel.InvitingSessionID = from
}

// SetFocusedSession restricts video reception to one session (empty id
// lifts the filter) and renegotiates video on every remote session.
func (c *Controller) SetFocusedSession(sid domain.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.focused == sid {
		return
	}
	c.focused = sid
	if c.call == nil {
		return
	}
	for _, e := range c.registry.FilterActiveExcept(c.call.SelfSessionID) {
		if e.Conn == nil {
			continue
		}
		if err := c.updateRemoteLocked(e, webrtc.RTPCodecTypeVideo); err != nil {
			log.Error().Err(err).Str("module", "call").Str("sid", string(e.Session.ID)).Msg("focus renegotiation")
		}
	}
}

// clearLocked unconditionally resets all call state: timers, sessions,
// local tracks. In-flight negotiations are abandoned and fail their
// guard checks later.
func (c *Controller) clearLocked() {
	c.timers.CancelAll()
	c.registry.Clear()
	c.stopTrackLocked(&c.micTrack)
	c.stopTrackLocked(&c.cameraTrack)
	c.stopTrackLocked(&c.screenTrack)
	c.call = nil
	c.self = nil
	c.focused = ""
}

// stopTrackLocked stops a capture handle and clears the field in the
// same step so no dangling device handle survives.
func (c *Controller) stopTrackLocked(track *core.LocalTrack) {
	if *track != nil {
		(*track).Stop()
		*track = nil
	}
}

func (c *Controller) warnNoTransportLocked() {
	if c.warnedNoTransport {
		return
	}
	c.warnedNoTransport = true
	c.notify.Warn("real-time calls are not supported on this runtime")
}

func (c *Controller) startAudioLocked(ctx context.Context) {
	if c.media == nil {
		return
	}
	mic, err := c.media.OpenMicrophone(ctx)
	if err != nil {
		if errors.Is(err, core.ErrUnsupported) {
			log.Warn().Err(err).Str("module", "call").Msg("no microphone capture on this runtime")
		} else {
			c.notify.Warn("microphone access denied; you are muted")
		}
		c.self.IsMute = true
		c.emit(*c.self)
		c.updateAndBroadcastLocked()
		return
	}
	c.micTrack = mic
	if monitor, merr := c.media.NewMonitor(mic); merr != nil {
		if !errors.Is(merr, core.ErrUnsupported) {
			log.Warn().Err(merr).Str("module", "call").Msg("audio level monitor")
		}
	} else {
		// AttachMonitor may report talking synchronously; re-entering
		// SetTalking under mu would deadlock, so hand it off.
		go c.voice.AttachMonitor(monitor)
	}
	for _, e := range c.registry.FilterActiveExcept(c.call.SelfSessionID) {
		if e.Conn == nil {
			continue
		}
		if err := c.updateRemoteLocked(e, webrtc.RTPCodecTypeAudio); err != nil {
			log.Error().Err(err).Str("module", "call").Str("sid", string(e.Session.ID)).Msg("audio attach")
		}
	}
}
