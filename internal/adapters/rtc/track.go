package rtc

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/core"
)

var errNotLocalTrack = errors.New("track is not rtc-backed")

// LocalTrack wraps a static RTP track so the session layer can en/disable
// it without knowing about pion. Disabling drops outbound packets; the
// track itself stays negotiated.
type LocalTrack struct {
	rtp     *webrtc.TrackLocalStaticRTP
	kind    core.TrackKind
	enabled atomic.Bool

	mu      sync.Mutex
	onEnded func()
	closed  bool
}

func NewLocalAudioTrack(id, streamID string) (*LocalTrack, error) {
	rtp, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, id, streamID)
	if err != nil {
		return nil, err
	}
	return newLocalTrack(rtp, core.TrackAudio), nil
}

func NewLocalVideoTrack(id, streamID string) (*LocalTrack, error) {
	rtp, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, id, streamID)
	if err != nil {
		return nil, err
	}
	return newLocalTrack(rtp, core.TrackVideo), nil
}

func newLocalTrack(rtp *webrtc.TrackLocalStaticRTP, kind core.TrackKind) *LocalTrack {
	t := &LocalTrack{rtp: rtp, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string           { return t.rtp.ID() }
func (t *LocalTrack) Kind() core.TrackKind { return t.kind }
func (t *LocalTrack) Enabled() bool        { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(v bool)    { t.enabled.Store(v) }

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// Write feeds one RTP payload into the track; silently dropped while the
// track is disabled.
func (t *LocalTrack) Write(p []byte) (int, error) {
	if !t.enabled.Load() {
		return len(p), nil
	}
	return t.rtp.Write(p)
}

func (t *LocalTrack) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// remoteTrack adapts an inbound pion track. A drain loop keeps the
// receiver's interceptor chain fed and detects the remote end stopping.
type remoteTrack struct {
	src     *webrtc.TrackRemote
	kind    core.TrackKind
	enabled atomic.Bool

	mu      sync.Mutex
	onEnded func()
	ended   bool
}

func newRemoteTrack(src *webrtc.TrackRemote) *remoteTrack {
	kind := core.TrackAudio
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackVideo
	}
	t := &remoteTrack{src: src, kind: kind}
	t.enabled.Store(true)
	go t.drain()
	return t
}

func (t *remoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.src.Read(buf); err != nil {
			t.fireEnded()
			return
		}
	}
}

func (t *remoteTrack) fireEnded() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *remoteTrack) ID() string           { return t.src.ID() }
func (t *remoteTrack) Kind() core.TrackKind { return t.kind }
func (t *remoteTrack) Enabled() bool        { return t.enabled.Load() }
func (t *remoteTrack) SetEnabled(v bool)    { t.enabled.Store(v) }

func (t *remoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		fn()
		return
	}
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *remoteTrack) Close() { t.fireEnded() }
