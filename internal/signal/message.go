// Package signal defines the closed set of signaling messages exchanged
// between call participants, either through the server relay or over the
// peer-to-peer data channel.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/domain"
)

type Kind string

const (
	KindOffer       Kind = "offer"
	KindAnswer      Kind = "answer"
	KindCandidate   Kind = "ice-candidate"
	KindDisconnect  Kind = "disconnect"
	KindTrackChange Kind = "trackChange"
)

var (
	ErrUnknownKind = errors.New("unknown signal kind")
	ErrBadPayload  = errors.New("bad signal payload")
)

// Message is one decoded signaling payload. Exactly one of the payload
// fields matching Kind is set; Decode enforces the shape.
type Message struct {
	Kind Kind `json:"event"`

	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Track       *TrackChange               `json:"track,omitempty"`
}

// TrackChange reports a remote participant's media-state change out of
// band. The transport delivers remote tracks as always enabled even when
// the far end disabled them, so mute/stop is signaled here instead.
type TrackChange struct {
	Type      TrackKind `json:"type"`
	IsMute    bool      `json:"is_mute,omitempty"`
	IsDeaf    bool      `json:"is_deaf,omitempty"`
	IsTalking bool      `json:"is_talking,omitempty"`
	// Stopped means the sender no longer sends this track kind; the
	// receiver clears its cached remote stream reference.
	Stopped bool `json:"stopped,omitempty"`
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Envelope is the bus frame relaying one sender's batched signaling
// payloads to this client.
type Envelope struct {
	Sender        domain.SessionID  `json:"sender"`
	Notifications []json.RawMessage `json:"notifications"`
}

// Decode parses and validates one signaling payload. Unknown kinds and
// kind/payload mismatches are rejected so the dispatch switch only ever
// sees well-formed messages.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	switch m.Kind {
	case KindOffer, KindAnswer:
		if m.Description == nil || m.Description.SDP == "" {
			return Message{}, fmt.Errorf("%w: %s without description", ErrBadPayload, m.Kind)
		}
	case KindCandidate:
		if m.Candidate == nil {
			return Message{}, fmt.Errorf("%w: candidate without payload", ErrBadPayload)
		}
	case KindTrackChange:
		if m.Track == nil {
			return Message{}, fmt.Errorf("%w: trackChange without payload", ErrBadPayload)
		}
		if m.Track.Type != TrackAudio && m.Track.Type != TrackVideo {
			return Message{}, fmt.Errorf("%w: trackChange type %q", ErrBadPayload, m.Track.Type)
		}
	case KindDisconnect:
		// No payload.
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return m, nil
}

// Encode marshals a message for the relay or the peer data channel.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
