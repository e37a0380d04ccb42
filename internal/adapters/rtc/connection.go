// Package rtc adapts pion/webrtc peer connections to the core
// PeerConnection contract used by the call controller.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// signalChannelLabel names the dedicated low-level data channel opened on
// every connection for ephemeral peer-to-peer signaling payloads.
const signalChannelLabel = "signaling"

var _ core.PeerConnection = (*Connection)(nil)
var _ core.PeerFactory = (*Factory)(nil)

// Factory builds pion-backed connections. A single webrtc.API instance is
// shared so interceptor and media-engine setup happens once.
type Factory struct {
	api *webrtc.API
}

// NewFactory builds the shared webrtc.API. engineSetup registers the
// codecs the local capture pipeline produces; nil means pion defaults.
func NewFactory(engineSetup func(*webrtc.MediaEngine) error) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if engineSetup == nil {
		engineSetup = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := engineSetup(mediaEngine); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))
	return &Factory{api: api}, nil
}

func (f *Factory) NewPeerConnection(sid domain.SessionID, ice []webrtc.ICEServer, hooks core.PeerHooks) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, err
	}

	c := &Connection{
		pc:           pc,
		sid:          sid,
		transceivers: make(map[webrtc.RTPCodecType]*webrtc.RTPTransceiver),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && hooks.OnICECandidate != nil {
			hooks.OnICECandidate(cand.ToJSON())
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(sid)).Str("ice_state", s.String()).Msg("ICE state")
		if hooks.OnICEStateChange != nil {
			hooks.OnICEStateChange(s)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(sid)).Str("peer_state", s.String()).Msg("peer state")
		if hooks.OnStateChange != nil {
			hooks.OnStateChange(s)
		}
	})
	pc.OnNegotiationNeeded(func() {
		if hooks.OnNegotiationNeeded != nil {
			hooks.OnNegotiationNeeded()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("sid", string(sid)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if hooks.OnTrack != nil {
			hooks.OnTrack(track)
		}
	})

	// The remote side opens its own signaling channel; payloads from
	// either channel land in the same handler.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != signalChannelLabel {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if hooks.OnSignal != nil {
				hooks.OnSignal(msg.Data)
			}
		})
	})

	dc, err := pc.CreateDataChannel(signalChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if hooks.OnSignal != nil {
			hooks.OnSignal(msg.Data)
		}
	})
	c.dc = dc

	return c, nil
}

// Connection owns one *webrtc.PeerConnection plus its signaling data
// channel and per-kind transceivers.
type Connection struct {
	pc  *webrtc.PeerConnection
	sid domain.SessionID
	dc  *webrtc.DataChannel

	mu           sync.Mutex
	transceivers map[webrtc.RTPCodecType]*webrtc.RTPTransceiver
}

func (c *Connection) CreateOffer(_ context.Context) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer(_ context.Context) (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(_ context.Context, desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) ICEConnectionState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

// SetTrack reconciles the kind's transceiver with the desired track and
// direction. pion exposes no way to flip a live transceiver's direction:
// ReplaceTrack and RemoveTrack are the only in-place mutations, so any
// other change stops the transceiver and negotiates a fresh one with the
// wanted direction.
func (c *Connection) SetTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal, direction webrtc.RTPTransceiverDirection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	recv := direction == webrtc.RTPTransceiverDirectionSendrecv || direction == webrtc.RTPTransceiverDirectionRecvonly

	t := c.transceivers[kind]
	if t != nil {
		cur := t.Direction()
		curRecv := cur == webrtc.RTPTransceiverDirectionSendrecv || cur == webrtc.RTPTransceiverDirectionRecvonly
		if curRecv != recv || (track != nil && t.Sender() == nil) {
			if err := t.Stop(); err != nil {
				return err
			}
			delete(c.transceivers, kind)
			t = nil
		}
	}

	if t != nil {
		sender := t.Sender()
		switch {
		case track == nil && sender != nil:
			// Drops the send leg: sendrecv becomes recvonly, sendonly
			// becomes inactive.
			return c.pc.RemoveTrack(sender)
		case track != nil && sender != nil:
			return sender.ReplaceTrack(track)
		}
		return nil
	}

	if track == nil && !recv {
		// Neither leg wanted; no m-line at all.
		return nil
	}
	init := webrtc.RTPTransceiverDirectionRecvonly
	switch {
	case track != nil && recv:
		init = webrtc.RTPTransceiverDirectionSendrecv
	case track != nil:
		init = webrtc.RTPTransceiverDirectionSendonly
	}
	tr, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: init})
	if err != nil {
		return err
	}
	c.transceivers[kind] = tr
	if track != nil {
		// AddTransceiverFromKind seeds a placeholder sample track.
		return tr.Sender().ReplaceTrack(track)
	}
	return nil
}

func (c *Connection) SendSignal(payload []byte) error {
	if c.dc == nil || c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return core.ErrChannelNotOpen
	}
	return c.dc.Send(payload)
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Str("sid", string(c.sid)).Msg("closed")
	return nil
}
