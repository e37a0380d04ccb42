package domain

type SessionID string

// ConnectionState is the locally authoritative view of a session's peer
// connection. Server-reported data never writes these values.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// RtcSession is one participant's call state, including the local
// participant. IsOutgoing marks a session we are actively dialing out to;
// such sessions are never redialed by the recovery path.
type RtcSession struct {
	ID        SessionID `json:"id"`
	ChannelID ChannelID `json:"channel_id"`

	IsMute     bool `json:"is_mute"`
	IsDeaf     bool `json:"is_deaf"`
	IsTalking  bool `json:"is_talking"`
	IsCameraOn bool `json:"is_camera_on"`
	IsScreenOn bool `json:"is_screen_on"`

	IsOutgoing bool            `json:"-"`
	State      ConnectionState `json:"-"`
}

// ApplyServerInfo merges server-reported flags into the session without
// touching connection-state fields.
func (s *RtcSession) ApplyServerInfo(info SessionInfo) {
	s.IsMute = info.IsMute
	s.IsDeaf = info.IsDeaf
	s.IsCameraOn = info.IsCameraOn
	s.IsScreenOn = info.IsScreenOn
}

// SessionInfo is the server-side view of a session, as returned by
// join/ping reconciliation calls.
type SessionInfo struct {
	ID         SessionID `json:"id"`
	ChannelID  ChannelID `json:"channel_id"`
	IsMute     bool      `json:"is_mute"`
	IsDeaf     bool      `json:"is_deaf"`
	IsCameraOn bool      `json:"is_camera_on"`
	IsScreenOn bool      `json:"is_screen_on"`
}
