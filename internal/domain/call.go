// Package domain contains entity without logic, just meta-data
package domain

import "github.com/pion/webrtc/v4"

type ChannelID string

// Channel is the session/channel collaborator owned by the surrounding
// application. The call core reads the id and clears the pending
// invitation when the user joins.
type Channel struct {
	ID                ChannelID
	InvitingSessionID SessionID
}

// Call is one active multi-party call bound to a channel. At most one
// Call is active per controller; joining a new channel tears the previous
// Call down first.
type Call struct {
	Channel       *Channel
	SelfSessionID SessionID
	ICEServers    []webrtc.ICEServer

	SendCamera bool
	SendScreen bool
}

// PendingNotification is one queued outbound signaling message destined
// for one or more sessions, batched before going through the server relay.
type PendingNotification struct {
	ID      string
	Channel ChannelID
	Sender  SessionID
	Targets []SessionID
	Kind    string
	Payload any
}
