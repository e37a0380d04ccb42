//go:build linux && cgo

// Package media captures local microphone, camera, and screen tracks via
// pion/mediadevices (V4L2, malgo, and X11 drivers on Linux).
package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
)

var _ core.MediaDevices = (*Devices)(nil)

type Devices struct {
	selector       *mediadevices.CodecSelector
	voiceThreshold float64
}

func NewDevices(voiceThreshold float64) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Devices{selector: selector, voiceThreshold: voiceThreshold}, nil
}

// ConfigureEngine registers the capture codecs with the peer-connection
// media engine so negotiated SDP matches what the encoders produce.
func (d *Devices) ConfigureEngine(engine *webrtc.MediaEngine) error {
	d.selector.Populate(engine)
	return nil
}

func (d *Devices) OpenMicrophone(_ context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}
	return firstTrack(stream, webrtc.RTPCodecTypeAudio)
}

func (d *Devices) OpenCamera(_ context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	return firstTrack(stream, webrtc.RTPCodecTypeVideo)
}

func (d *Devices) OpenScreen(_ context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("screen: %w", err)
	}
	return firstTrack(stream, webrtc.RTPCodecTypeVideo)
}

func firstTrack(stream mediadevices.MediaStream, kind webrtc.RTPCodecType) (core.LocalTrack, error) {
	tracks := stream.GetTracks()
	for _, t := range tracks {
		if t.Kind() == kind {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Str("module", "media").Str("kind", kind.String()).Msg("local track ended")
				}
			})
			// Stop the tracks we are not handing out.
			for _, other := range tracks {
				if other != t {
					other.Close()
				}
			}
			return &capturedTrack{track: t}, nil
		}
	}
	for _, t := range tracks {
		t.Close()
	}
	return nil, fmt.Errorf("no %s track captured", kind)
}

type capturedTrack struct {
	track mediadevices.Track
}

func (c *capturedTrack) Track() webrtc.TrackLocal { return c.track }

func (c *capturedTrack) Stop() {
	if err := c.track.Close(); err != nil {
		log.Warn().Err(err).Str("module", "media").Msg("track close")
	}
}
