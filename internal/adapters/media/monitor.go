//go:build linux && cgo

package media

import (
	"math"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/huddlekit/huddle/internal/core"
)

var _ core.AudioMonitor = (*LevelMonitor)(nil)

// NewMonitor taps the microphone's sample pipeline with a level meter.
// The meter only sees chunks while the track is bound to a sender, which
// is exactly when voice activation matters.
func (d *Devices) NewMonitor(track core.LocalTrack) (core.AudioMonitor, error) {
	captured, ok := track.(*capturedTrack)
	if !ok {
		return nil, core.ErrUnsupported
	}
	at, ok := captured.track.(*mediadevices.AudioTrack)
	if !ok {
		return nil, core.ErrUnsupported
	}
	m := &LevelMonitor{threshold: d.voiceThreshold}
	at.Transform(m.meter())
	return m, nil
}

// LevelMonitor reports crossings of the normalized RMS level over the
// configured threshold. The transform stays installed for the track's
// lifetime; Start and Stop only gate the callback.
type LevelMonitor struct {
	threshold float64

	mu      sync.Mutex
	onLevel func(above bool)
	above   bool
}

func (m *LevelMonitor) Start(onThreshold func(above bool)) error {
	m.mu.Lock()
	m.onLevel = onThreshold
	m.above = false
	m.mu.Unlock()
	return nil
}

func (m *LevelMonitor) Stop() {
	m.mu.Lock()
	m.onLevel = nil
	m.mu.Unlock()
}

func (m *LevelMonitor) meter() audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil {
				return chunk, release, err
			}
			m.observe(rmsLevel(chunk))
			return chunk, release, nil
		})
	}
}

func (m *LevelMonitor) observe(level float64) {
	above := level >= m.threshold
	m.mu.Lock()
	cb := m.onLevel
	crossed := cb != nil && above != m.above
	m.above = above
	m.mu.Unlock()
	if crossed {
		cb(above)
	}
}

// rmsLevel normalizes against wave.Sample's full scale of 2^32.
func rmsLevel(chunk wave.Audio) float64 {
	info := chunk.ChunkInfo()
	n := info.Len * info.Channels
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			v := float64(chunk.At(i, ch).Int()) / float64(1<<32)
			sum += v * v
		}
	}
	return math.Sqrt(sum / float64(n))
}
