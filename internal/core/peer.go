// Package core defines the interface surface between the call core and
// its collaborators: the peer-connection primitive, the server RPC
// capability, the notification bus, and local media devices.
package core

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/domain"
)

var (
	ErrUnsupported      = errors.New("capability unsupported on this runtime")
	ErrChannelNotOpen   = errors.New("data channel not open")
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoActiveCall     = errors.New("no active call")
)

// RemoteTrack is the read side of a track received from a peer.
// *webrtc.TrackRemote satisfies it; tests supply their own.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection wraps the black-box point-to-point connection primitive
// for one remote session. Each instance is owned exclusively by that
// session and is recreated fresh on recovery.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ICEConnectionState() webrtc.ICEConnectionState

	// SetTrack swaps the local track on the transceiver for the given
	// kind, adding the transceiver on first use, and sets its direction.
	// A nil track leaves the transceiver receiving (or inactive).
	SetTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal, direction webrtc.RTPTransceiverDirection) error

	// SendSignal delivers a payload over the dedicated signaling data
	// channel. Returns ErrChannelNotOpen while the channel is not open.
	SendSignal(payload []byte) error

	Close() error
}

// PeerHooks are the callbacks wired into a new PeerConnection before any
// negotiation starts. Nil hooks are skipped.
type PeerHooks struct {
	OnICECandidate      func(webrtc.ICECandidateInit)
	OnICEStateChange    func(webrtc.ICEConnectionState)
	OnStateChange       func(webrtc.PeerConnectionState)
	OnNegotiationNeeded func()
	OnTrack             func(track RemoteTrack)
	OnSignal            func(payload []byte)
}

// PeerFactory allocates connection primitives configured with the current
// ICE-server list. Implementations that cannot provide the capability at
// all return ErrUnsupported, which the controller surfaces once.
type PeerFactory interface {
	NewPeerConnection(sid domain.SessionID, ice []webrtc.ICEServer, hooks PeerHooks) (PeerConnection, error)
}
