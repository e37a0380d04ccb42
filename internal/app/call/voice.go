package call

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/core"
)

// VoiceLink decides when the local user counts as talking. Two modes:
// push-to-talk driven by key events from the UI, or voice activation
// driven by an attached AudioMonitor. When activation is requested but
// no working monitor exists, the user is reported as always talking.
type VoiceLink struct {
	c   *Controller
	cfg *config.Config

	mu         sync.Mutex
	pushToTalk bool
	key        string
	held       bool
	monitor    core.AudioMonitor
	warnedOnce bool
}

func newVoiceLink(c *Controller, cfg *config.Config) *VoiceLink {
	return &VoiceLink{
		c:          c,
		cfg:        cfg,
		pushToTalk: cfg.UsePushToTalk,
		key:        cfg.PushToTalkKey,
	}
}

// HandleKeyDown marks the user talking while the push-to-talk key is
// held. Ignored in voice-activation mode.
func (v *VoiceLink) HandleKeyDown(code string) {
	v.mu.Lock()
	if !v.pushToTalk || code != v.key || v.held {
		v.mu.Unlock()
		return
	}
	v.held = true
	v.mu.Unlock()

	v.c.cancelVoiceRelease()
	v.c.SetTalking(true)
}

// HandleKeyUp releases push-to-talk after a short trailing window, so a
// quick re-press does not flicker the talking indicator.
func (v *VoiceLink) HandleKeyUp(code string) {
	v.mu.Lock()
	if !v.pushToTalk || code != v.key || !v.held {
		v.mu.Unlock()
		return
	}
	v.held = false
	v.mu.Unlock()

	if !v.c.scheduleVoiceRelease() {
		v.c.SetTalking(false)
	}
}

// AttachMonitor installs the microphone level monitor used for voice
// activation. A previously attached monitor is stopped first.
func (v *VoiceLink) AttachMonitor(m core.AudioMonitor) {
	v.mu.Lock()
	if v.monitor != nil {
		v.monitor.Stop()
	}
	v.monitor = m
	start := !v.pushToTalk
	v.mu.Unlock()

	if start {
		v.startMonitor()
	}
}

// SetPushToTalk switches the mode at runtime.
func (v *VoiceLink) SetPushToTalk(on bool) {
	v.mu.Lock()
	if v.pushToTalk == on {
		v.mu.Unlock()
		return
	}
	v.pushToTalk = on
	v.held = false
	if on && v.monitor != nil {
		v.monitor.Stop()
	}
	v.mu.Unlock()

	v.c.cancelVoiceRelease()
	if on {
		v.c.SetTalking(false)
		return
	}
	v.startMonitor()
}

func (v *VoiceLink) startMonitor() {
	v.mu.Lock()
	m := v.monitor
	v.mu.Unlock()

	if m == nil {
		v.fallbackAlwaysTalking(core.ErrUnsupported)
		return
	}
	err := m.Start(func(above bool) {
		v.c.SetTalking(above)
	})
	if err == nil {
		return
	}
	if errors.Is(err, core.ErrUnsupported) {
		v.fallbackAlwaysTalking(err)
		return
	}
	log.Error().Err(err).Str("module", "voice").Msg("audio monitor start")
	v.fallbackAlwaysTalking(err)
}

func (v *VoiceLink) fallbackAlwaysTalking(err error) {
	v.mu.Lock()
	warn := !v.warnedOnce
	v.warnedOnce = true
	v.mu.Unlock()

	if warn {
		log.Warn().Err(err).Str("module", "voice").Msg("voice activation unavailable, reporting always talking")
	}
	v.c.SetTalking(true)
}

// Close stops the monitor and drops any pending release.
func (v *VoiceLink) Close() {
	v.mu.Lock()
	if v.monitor != nil {
		v.monitor.Stop()
		v.monitor = nil
	}
	v.held = false
	v.mu.Unlock()
	v.c.cancelVoiceRelease()
}

func (c *Controller) scheduleVoiceRelease() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return false
	}
	c.timers.Reset(c.call.SelfSessionID, app.TimerVoiceRelease, c.cfg.VoiceActiveDuration, func() {
		c.SetTalking(false)
	})
	return true
}

func (c *Controller) cancelVoiceRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return
	}
	c.timers.Cancel(c.call.SelfSessionID, app.TimerVoiceRelease)
}
