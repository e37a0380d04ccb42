package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// LocalTrack pairs a capture handle with its stop operation so releasing
// a device and clearing the state field always happen together.
type LocalTrack interface {
	Track() webrtc.TrackLocal
	Stop()
}

// MediaDevices is the getUserMedia/getDisplayMedia-equivalent capability.
// Permission denial and missing devices come back as errors wrapping
// ErrPermissionDenied; an unsupported runtime returns ErrUnsupported.
type MediaDevices interface {
	OpenMicrophone(ctx context.Context) (LocalTrack, error)
	OpenCamera(ctx context.Context) (LocalTrack, error)
	OpenScreen(ctx context.Context) (LocalTrack, error)

	// NewMonitor taps an open microphone track for voice-activation
	// level events. ErrUnsupported when the track cannot be metered.
	NewMonitor(track LocalTrack) (AudioMonitor, error)
}

// AudioMonitor watches the local input level and reports threshold
// crossings for voice activation. Start returns ErrUnsupported when the
// runtime cannot monitor audio levels; voice activation then degrades to
// always-talking.
type AudioMonitor interface {
	Start(onThreshold func(above bool)) error
	Stop()
}
