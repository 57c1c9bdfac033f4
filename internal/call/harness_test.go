package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// fakeTrack is an in-memory MediaTrack whose enable state and end callback
// the tests inspect directly.
type fakeTrack struct {
	id   string
	kind core.TrackKind

	mu      sync.Mutex
	enabled bool
	onEnded func()
	closed  bool
}

func newFakeTrack(id string, kind core.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() core.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// end simulates the source stopping on its own (system UI).
func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTrack) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeStream struct {
	id    string
	audio []core.MediaTrack
	video []core.MediaTrack

	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) ID() string                     { return s.id }
func (s *fakeStream) AudioTracks() []core.MediaTrack { return s.audio }
func (s *fakeStream) VideoTracks() []core.MediaTrack { return s.video }

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for _, t := range s.audio {
		t.Close()
	}
	for _, t := range s.video {
		t.Close()
	}
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeCapture hands out fakeStreams and remembers them so tests can assert
// release behavior. Failure modes are injectable per call site.
type fakeCapture struct {
	mu          sync.Mutex
	failCapture error
	failDisplay error
	captures    int
	streams     []*fakeStream
	displays    []*fakeStream
}

func (c *fakeCapture) Capture(mc core.MediaConstraints) (core.MediaStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCapture != nil {
		return nil, c.failCapture
	}
	c.captures++
	s := &fakeStream{id: fmt.Sprintf("cam-%d", c.captures)}
	if mc.Audio {
		s.audio = append(s.audio, newFakeTrack(s.id+"-audio", core.TrackAudio))
	}
	if mc.Video {
		s.video = append(s.video, newFakeTrack(s.id+"-video", core.TrackVideo))
	}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeCapture) CaptureDisplay() (core.MediaStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failDisplay != nil {
		return nil, c.failDisplay
	}
	s := &fakeStream{id: fmt.Sprintf("display-%d", len(c.displays)+1)}
	s.video = append(s.video, newFakeTrack(s.id+"-video", core.TrackVideo))
	c.displays = append(c.displays, s)
	return s, nil
}

func (c *fakeCapture) lastStream() *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

func (c *fakeCapture) lastDisplay() *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.displays) == 0 {
		return nil
	}
	return c.displays[len(c.displays)-1]
}

// fakeTransport records everything the session layer does to it and lets
// tests fire the callbacks a real transport would.
type fakeTransport struct {
	remote domain.UserID

	mu         sync.Mutex
	tracks     []core.MediaTrack
	videoTrack core.MediaTrack
	remoteSDP  *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	encodings  []core.EncodingParams
	offers     int
	answers    int
	closed     bool

	failOffer     error
	failSetRemote error
	failEncoding  error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.MediaTrack)
	onState func(core.PeerState)
}

func (t *fakeTransport) AddTrack(track core.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	if track.Kind() == core.TrackVideo {
		t.videoTrack = track
	}
	return nil
}

func (t *fakeTransport) ReplaceVideoTrack(track core.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.videoTrack = track
	return nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failOffer != nil {
		return webrtc.SessionDescription{}, t.failOffer
	}
	t.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-to-%s-%d", t.remote, t.offers),
	}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer-to-%s-%d", t.remote, t.answers),
	}, nil
}

func (t *fakeTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSetRemote != nil {
		return t.failSetRemote
	}
	t.remoteSDP = &sdp
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) SetVideoEncoding(p core.EncodingParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failEncoding != nil {
		return t.failEncoding
	}
	t.encodings = append(t.encodings, p)
	return nil
}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnTrack(fn func(core.MediaTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnStateChange(fn func(core.PeerState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *fakeTransport) fireState(s core.PeerState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (t *fakeTransport) fireTrack(track core.MediaTrack) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (t *fakeTransport) fireCandidate(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) remoteApplied() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSDP != nil
}

func (t *fakeTransport) currentVideo() core.MediaTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.videoTrack
}

func (t *fakeTransport) candidateSnapshot() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(t.candidates))
	copy(out, t.candidates)
	return out
}

func (t *fakeTransport) lastEncoding() (core.EncodingParams, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.encodings) == 0 {
		return core.EncodingParams{}, false
	}
	return t.encodings[len(t.encodings)-1], true
}

type fakeFactory struct {
	mu         sync.Mutex
	transports map[domain.UserID]*fakeTransport
	created    int
	failNew    error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{transports: make(map[domain.UserID]*fakeTransport)}
}

func (f *fakeFactory) New(remote domain.UserID) (core.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		return nil, f.failNew
	}
	f.created++
	t := &fakeTransport{remote: remote}
	f.transports[remote] = t
	return t, nil
}

func (f *fakeFactory) transportFor(remote domain.UserID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[remote]
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// eventRecorder collects every emitted event for later assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) has(kind EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) lastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if e := r.events[i]; e.Kind == EventError {
			return e.Err
		}
	}
	return nil
}

func (r *eventRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, e := range r.events {
		if e.Kind == EventStatusChanged {
			out = append(out, e.Status)
		}
	}
	return out
}
