//go:build !(linux && cgo)

// Package media captures local microphone, camera, and screen tracks via
// pion/mediadevices. Capture drivers are wired for Linux only; elsewhere
// every acquisition reports ErrUnsupported and the call proceeds
// receive-only.
package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/core"
)

var _ core.MediaDevices = (*Devices)(nil)

type Devices struct{}

func NewDevices(_ float64) (*Devices, error) {
	return &Devices{}, nil
}

// ConfigureEngine keeps pion's default codecs; there is no local capture
// pipeline on this platform.
func (d *Devices) ConfigureEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (d *Devices) OpenMicrophone(_ context.Context) (core.LocalTrack, error) {
	return nil, fmt.Errorf("microphone: %w", core.ErrUnsupported)
}

func (d *Devices) OpenCamera(_ context.Context) (core.LocalTrack, error) {
	return nil, fmt.Errorf("camera: %w", core.ErrUnsupported)
}

func (d *Devices) OpenScreen(_ context.Context) (core.LocalTrack, error) {
	return nil, fmt.Errorf("screen: %w", core.ErrUnsupported)
}

func (d *Devices) NewMonitor(_ core.LocalTrack) (core.AudioMonitor, error) {
	return nil, fmt.Errorf("audio monitor: %w", core.ErrUnsupported)
}
