package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

var errNoVideoSender = errors.New("no outbound video sender")

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ConfigFromURLs builds a pion configuration from plain STUN/TURN urls.
func ConfigFromURLs(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return DefaultWebRTCConfig()
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

// Factory builds one Transport per remote participant, all sharing the
// deployment's ICE server set.
type Factory struct {
	cfg webrtc.Configuration
}

func NewFactory(cfg webrtc.Configuration) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) New(remote domain.UserID) (core.PeerTransport, error) {
	return NewTransport(f.cfg, remote)
}

// Transport is the pion-backed point-to-point media transport. Candidates
// trickle through OnICECandidate while the offer/answer travels the
// signal channel; the two never block each other.
type Transport struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	encoding    core.EncodingParams
	onICE       func(webrtc.ICECandidateInit)
	onTrack     func(core.MediaTrack)
	onState     func(core.PeerState)
}

func NewTransport(cfg webrtc.Configuration, remote domain.UserID) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		pc:       pc,
		log:      log.With().Str("module", "rtc").Str("remote", string(remote)).Logger(),
		encoding: core.EncodingParams{ScaleDown: 1},
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		t.mu.Lock()
		fn := t.onICE
		t.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		if fn != nil {
			fn(mapPeerState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn(newRemoteTrack(track))
		}
	})

	return t, nil
}

func mapPeerState(s webrtc.PeerConnectionState) core.PeerState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.PeerNew
	case webrtc.PeerConnectionStateConnecting:
		return core.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.PeerFailed
	default:
		return core.PeerClosed
	}
}

func (t *Transport) AddTrack(track core.MediaTrack) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return errNotLocalTrack
	}
	sender, err := t.pc.AddTrack(lt.rtp)
	if err != nil {
		return err
	}
	if track.Kind() == core.TrackVideo {
		t.mu.Lock()
		t.videoSender = sender
		t.mu.Unlock()
	}
	go drainRTCP(sender)
	return nil
}

// drainRTCP keeps the sender's interceptor chain processing reports.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) ReplaceVideoTrack(track core.MediaTrack) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return errNotLocalTrack
	}
	t.mu.Lock()
	sender := t.videoSender
	t.mu.Unlock()
	if sender == nil {
		return errNoVideoSender
	}
	return sender.ReplaceTrack(lt.rtp)
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

// SetVideoEncoding retains the requested tier for the outbound packetizer.
// Static RTP senders carry pre-encoded payloads, so the parameters steer
// whatever feeds Write on the local track rather than the sender itself.
func (t *Transport) SetVideoEncoding(p core.EncodingParams) error {
	t.mu.Lock()
	t.encoding = p
	t.mu.Unlock()
	t.log.Debug().
		Uint32("max_bitrate", p.MaxBitrate).
		Float64("scale_down", p.ScaleDown).
		Msg("video encoding updated")
	return nil
}

// VideoEncoding exposes the current tier to the encoder pipeline.
func (t *Transport) VideoEncoding() core.EncodingParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encoding
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *Transport) OnTrack(fn func(core.MediaTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(core.PeerState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Close() {
	if err := t.pc.Close(); err != nil {
		t.log.Error().Err(err).Msg("close error")
		return
	}
	t.log.Info().Msg("closed")
}
