package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatPeriod:     time.Hour,
		RecoveryDelay:       5 * time.Millisecond,
		RecoveryTimeout:     time.Hour,
		BatchWindow:         time.Millisecond,
		BroadcastDebounce:   10 * time.Millisecond,
		UsePushToTalk:       true,
		PushToTalkKey:       "KeyT",
		VoiceActiveDuration: 0,
	}
}

type fakePeer struct {
	mu sync.Mutex

	signaling webrtc.SignalingState
	ice       webrtc.ICEConnectionState

	localDescs  []webrtc.SessionDescription
	remoteDescs []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	tracks      map[webrtc.RTPCodecType]webrtc.RTPTransceiverDirection
	signals     [][]byte
	closed      bool
	offerErr    error

	channelOpen bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		signaling:   webrtc.SignalingStateStable,
		ice:         webrtc.ICEConnectionStateNew,
		tracks:      make(map[webrtc.RTPCodecType]webrtc.RTPTransceiverDirection),
		channelOpen: true,
	}
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(_ context.Context, desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDescs = append(p.localDescs, desc)
	if desc.Type == webrtc.SDPTypeOffer {
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	} else {
		p.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, desc)
	if desc.Type == webrtc.SDPTypeOffer {
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	} else {
		p.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeer) AddICECandidate(cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, cand)
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePeer) ICEConnectionState() webrtc.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ice
}

func (p *fakePeer) SetTrack(kind webrtc.RTPCodecType, _ webrtc.TrackLocal, direction webrtc.RTPTransceiverDirection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks[kind] = direction
	return nil
}

func (p *fakePeer) SendSignal(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.channelOpen {
		return core.ErrChannelNotOpen
	}
	p.signals = append(p.signals, payload)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) sentSignals() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.signals))
	copy(out, p.signals)
	return out
}

func (p *fakePeer) remoteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remoteDescs)
}

type fakeFactory struct {
	mu        sync.Mutex
	peers     map[domain.SessionID][]*fakePeer
	hooks     map[domain.SessionID][]core.PeerHooks
	offerErrs map[domain.SessionID]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		peers:     make(map[domain.SessionID][]*fakePeer),
		hooks:     make(map[domain.SessionID][]core.PeerHooks),
		offerErrs: make(map[domain.SessionID]error),
	}
}

func (f *fakeFactory) NewPeerConnection(sid domain.SessionID, _ []webrtc.ICEServer, hooks core.PeerHooks) (core.PeerConnection, error) {
	p := newFakePeer()
	f.mu.Lock()
	if err := f.offerErrs[sid]; err != nil {
		p.offerErr = err
		delete(f.offerErrs, sid)
	}
	f.peers[sid] = append(f.peers[sid], p)
	f.hooks[sid] = append(f.hooks[sid], hooks)
	f.mu.Unlock()
	return p, nil
}

// failNextOffer makes the next connection dialed to sid fail its
// CreateOffer; connections after that behave normally.
func (f *fakeFactory) failNextOffer(sid domain.SessionID, err error) {
	f.mu.Lock()
	f.offerErrs[sid] = err
	f.mu.Unlock()
}

func (f *fakeFactory) peerCount(sid domain.SessionID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers[sid])
}

func (f *fakeFactory) lastPeer(sid domain.SessionID) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.peers[sid]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

// hooksFor returns the hooks wired into the latest connection for sid.
func (f *fakeFactory) hooksFor(sid domain.SessionID) core.PeerHooks {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.hooks[sid]
	if len(hs) == 0 {
		return core.PeerHooks{}
	}
	return hs[len(hs)-1]
}

// hooksAt returns the hooks of the i-th connection dialed to sid.
func (f *fakeFactory) hooksAt(sid domain.SessionID, i int) core.PeerHooks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooks[sid][i]
}

type rpcCall struct {
	route  string
	params any
}

type fakeRPC struct {
	mu    sync.Mutex
	calls []rpcCall

	join joinResponse
	ping pingResponse
	errs map[string]error
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{errs: make(map[string]error)}
}

func (r *fakeRPC) Call(_ context.Context, route string, params any, out any) error {
	return r.do(route, params, out)
}

func (r *fakeRPC) CallSilent(_ context.Context, route string, params any, out any) error {
	return r.do(route, params, out)
}

func (r *fakeRPC) do(route string, params any, out any) error {
	r.mu.Lock()
	r.calls = append(r.calls, rpcCall{route: route, params: params})
	join, ping := r.join, r.ping
	err := r.errs[route]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	switch v := out.(type) {
	case *joinResponse:
		*v = join
	case *pingResponse:
		*v = ping
	}
	return nil
}

func (r *fakeRPC) count(route string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.route == route {
			n++
		}
	}
	return n
}

func (r *fakeRPC) lastParams(route string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].route == route {
			return r.calls[i].params
		}
	}
	return nil
}

type relayed struct {
	targets []domain.SessionID
	kind    signal.Kind
}

type fakeRelay struct {
	mu      sync.Mutex
	entries []relayed
}

func (n *fakeRelay) Enqueue(_ domain.ChannelID, _ domain.SessionID, targets []domain.SessionID, kind signal.Kind, _ any) {
	n.mu.Lock()
	n.entries = append(n.entries, relayed{targets: targets, kind: kind})
	n.mu.Unlock()
}

func (n *fakeRelay) countKind(kind signal.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.entries {
		if e.kind == kind {
			c++
		}
	}
	return c
}

type fakeTrack struct {
	stopped bool
}

func (t *fakeTrack) Track() webrtc.TrackLocal { return nil }
func (t *fakeTrack) Stop()                    { t.stopped = true }

type fakeMedia struct {
	micErr     error
	camErr     error
	screenErr  error
	monitor    core.AudioMonitor
	monitorErr error
}

func (m *fakeMedia) OpenMicrophone(context.Context) (core.LocalTrack, error) {
	if m.micErr != nil {
		return nil, m.micErr
	}
	return &fakeTrack{}, nil
}

func (m *fakeMedia) OpenCamera(context.Context) (core.LocalTrack, error) {
	if m.camErr != nil {
		return nil, m.camErr
	}
	return &fakeTrack{}, nil
}

func (m *fakeMedia) OpenScreen(context.Context) (core.LocalTrack, error) {
	if m.screenErr != nil {
		return nil, m.screenErr
	}
	return &fakeTrack{}, nil
}

func (m *fakeMedia) NewMonitor(core.LocalTrack) (core.AudioMonitor, error) {
	if m.monitorErr != nil {
		return nil, m.monitorErr
	}
	if m.monitor == nil {
		return nil, core.ErrUnsupported
	}
	return m.monitor, nil
}

type fakeBus struct {
	ch chan core.Event
}

func newFakeBus() *fakeBus {
	return &fakeBus{ch: make(chan core.Event, 16)}
}

func (b *fakeBus) Subscribe() (<-chan core.Event, func()) {
	return b.ch, func() {}
}

type fakeUI struct {
	mu    sync.Mutex
	warns []string
	infos []string
}

func (u *fakeUI) Warn(msg string) {
	u.mu.Lock()
	u.warns = append(u.warns, msg)
	u.mu.Unlock()
}

func (u *fakeUI) Info(msg string) {
	u.mu.Lock()
	u.infos = append(u.infos, msg)
	u.mu.Unlock()
}

// decodeTrackChange unwraps a payload sent over the fake data channel.
func decodeTrackChange(data []byte) (signal.TrackChange, bool) {
	msg, err := signal.Decode(data)
	if err != nil || msg.Kind != signal.KindTrackChange || msg.Track == nil {
		return signal.TrackChange{}, false
	}
	return *msg.Track, true
}
