package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

const broadcastRPCTimeout = 10 * time.Second

// VideoSource selects which capture pipeline ToggleVideo drives.
type VideoSource int

const (
	SourceCamera VideoSource = iota
	SourceScreen
)

func (s VideoSource) String() string {
	if s == SourceScreen {
		return "screen"
	}
	return "camera"
}

// ToggleVideo flips the camera or screen share on or off.
func (c *Controller) ToggleVideo(ctx context.Context, source VideoSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return core.ErrNoActiveCall
	}
	var on bool
	switch source {
	case SourceScreen:
		on = c.screenTrack == nil
	default:
		on = c.cameraTrack == nil
	}
	return c.setVideoLocked(ctx, source, on)
}

// SetVideo forces the camera or screen share to a specific state.
func (c *Controller) SetVideo(ctx context.Context, source VideoSource, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return core.ErrNoActiveCall
	}
	return c.setVideoLocked(ctx, source, on)
}

func (c *Controller) setVideoLocked(ctx context.Context, source VideoSource, on bool) error {
	slot := &c.cameraTrack
	open := c.media.OpenCamera
	if source == SourceScreen {
		slot = &c.screenTrack
		open = c.media.OpenScreen
	}

	if on && *slot == nil {
		track, err := open(ctx)
		if err != nil {
			if errors.Is(err, core.ErrUnsupported) {
				log.Warn().Err(err).Str("module", "call").Str("source", source.String()).Msg("video capture unsupported")
			} else {
				c.notify.Warn(source.String() + " access denied; video stays off")
			}
			// The call continues without this media kind; transceivers
			// stay recvonly/inactive.
			err = c.refreshVideoLocked()
			c.setVideoFlagsLocked(source, false)
			return err
		}
		*slot = track
	} else if !on {
		c.stopTrackLocked(slot)
	}

	c.setVideoFlagsLocked(source, on && *slot != nil)
	return c.refreshVideoLocked()
}

func (c *Controller) setVideoFlagsLocked(source VideoSource, on bool) {
	if source == SourceScreen {
		c.self.IsScreenOn = on
		c.call.SendScreen = on
	} else {
		c.self.IsCameraOn = on
		c.call.SendCamera = on
	}
	c.emit(*c.self)
	c.updateAndBroadcastLocked()
}

// refreshVideoLocked renegotiates the video transceiver on every remote
// session after a local track change.
func (c *Controller) refreshVideoLocked() error {
	var firstErr error
	for _, e := range c.registry.FilterActiveExcept(c.call.SelfSessionID) {
		if e.Conn == nil {
			continue
		}
		if err := c.updateRemoteLocked(e, webrtc.RTPCodecTypeVideo); err != nil {
			log.Error().Err(err).Str("module", "call").Str("sid", string(e.Session.ID)).Msg("video renegotiation")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Mute stops sending local audio state without touching the capture.
func (c *Controller) Mute() error   { return c.setMute(true) }
func (c *Controller) Unmute() error { return c.setMute(false) }

// ToggleMicrophone flips the self-mute flag.
func (c *Controller) ToggleMicrophone() error {
	c.mu.Lock()
	muted := c.self != nil && c.self.IsMute
	c.mu.Unlock()
	return c.setMute(!muted)
}

func (c *Controller) setMute(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return core.ErrNoActiveCall
	}
	if c.self.IsMute == muted {
		return nil
	}
	c.self.IsMute = muted
	if muted {
		c.self.IsTalking = false
	}
	c.emit(*c.self)
	c.broadcastAudioStateLocked()
	c.updateAndBroadcastLocked()
	return nil
}

// Deafen mutes every remote audio element locally right away, without
// waiting for peer broadcast latency, and informs the peers.
func (c *Controller) Deafen() error   { return c.setDeaf(true) }
func (c *Controller) Undeafen() error { return c.setDeaf(false) }

func (c *Controller) setDeaf(deaf bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return core.ErrNoActiveCall
	}
	if c.self.IsDeaf == deaf {
		return nil
	}
	c.self.IsDeaf = deaf
	for _, e := range c.registry.FilterActiveExcept(c.call.SelfSessionID) {
		if e.AudioSink != nil {
			e.AudioSink.SetMuted(deaf)
		}
	}
	c.emit(*c.self)
	c.broadcastAudioStateLocked()
	c.updateAndBroadcastLocked()
	return nil
}

// SetTalking drives the talking indicator from the voice link. Talking
// state travels peer-to-peer only; it is too chatty for the relay.
func (c *Controller) SetTalking(talking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil || c.self == nil {
		return
	}
	if talking && c.self.IsMute {
		return
	}
	if c.self.IsTalking == talking {
		return
	}
	c.self.IsTalking = talking
	c.emit(*c.self)
	c.broadcastAudioStateLocked()
}

// broadcastAudioStateLocked pushes the local audio flags to every
// connected session over the peer data channels.
func (c *Controller) broadcastAudioStateLocked() {
	targets := make([]domain.SessionID, 0)
	for _, e := range c.registry.FilterActiveExcept(c.call.SelfSessionID) {
		if e.Conn != nil {
			targets = append(targets, e.Session.ID)
		}
	}
	if len(targets) == 0 {
		return
	}
	c.notifySessionsLocked(targets, signal.Message{
		Kind: signal.KindTrackChange,
		Track: &signal.TrackChange{
			Type:      signal.TrackAudio,
			IsMute:    c.self.IsMute,
			IsDeaf:    c.self.IsDeaf,
			IsTalking: c.self.IsTalking,
		},
	})
}

// updateAndBroadcastLocked persists the local flags server-side on a
// trailing debounce: local state changes instantly, the server sees only
// the final state of a rapid toggle burst.
func (c *Controller) updateAndBroadcastLocked() {
	if c.call == nil || c.self == nil {
		return
	}
	sid := c.call.SelfSessionID
	c.timers.Reset(sid, app.TimerBroadcast, c.cfg.BroadcastDebounce, func() {
		c.mu.Lock()
		if c.call == nil || c.self == nil {
			c.mu.Unlock()
			return
		}
		info := domain.SessionInfo{
			ID:         c.self.ID,
			ChannelID:  c.self.ChannelID,
			IsMute:     c.self.IsMute,
			IsDeaf:     c.self.IsDeaf,
			IsCameraOn: c.self.IsCameraOn,
			IsScreenOn: c.self.IsScreenOn,
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), broadcastRPCTimeout)
		defer cancel()
		if err := c.rpc.CallSilent(ctx, "update_session", info, nil); err != nil {
			log.Debug().Err(err).Str("module", "call").Msg("state broadcast failed")
		}
	})
}
