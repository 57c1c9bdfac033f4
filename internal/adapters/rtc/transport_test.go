package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/core"
)

func TestConfigFromURLs(t *testing.T) {
	cfg := ConfigFromURLs([]string{"stun:stun.example.org:3478", "turn:turn.example.org:3478"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Len(t, cfg.ICEServers[0].URLs, 2)

	// Empty input falls back to the public default.
	assert.Equal(t, DefaultWebRTCConfig(), ConfigFromURLs(nil))
}

func TestMapPeerState(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want core.PeerState
	}{
		{webrtc.PeerConnectionStateNew, core.PeerNew},
		{webrtc.PeerConnectionStateConnecting, core.PeerConnecting},
		{webrtc.PeerConnectionStateConnected, core.PeerConnected},
		{webrtc.PeerConnectionStateDisconnected, core.PeerDisconnected},
		{webrtc.PeerConnectionStateFailed, core.PeerFailed},
		{webrtc.PeerConnectionStateClosed, core.PeerClosed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapPeerState(tt.in), tt.in.String())
	}
}

func TestTransportOfferAnswer(t *testing.T) {
	caller, err := NewTransport(webrtc.Configuration{}, "bob")
	require.NoError(t, err)
	defer caller.Close()
	callee, err := NewTransport(webrtc.Configuration{}, "alice")
	require.NoError(t, err)
	defer callee.Close()

	audio, err := NewLocalAudioTrack("mic", "stream-1")
	require.NoError(t, err)
	require.NoError(t, caller.AddTrack(audio))

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, caller.SetRemoteDescription(answer))
}

func TestTransportRejectsForeignTracks(t *testing.T) {
	tr, err := NewTransport(webrtc.Configuration{}, "bob")
	require.NoError(t, err)
	defer tr.Close()

	assert.ErrorIs(t, tr.AddTrack(&foreignTrack{}), errNotLocalTrack)
	assert.ErrorIs(t, tr.ReplaceVideoTrack(&foreignTrack{}), errNotLocalTrack)
}

func TestTransportReplaceVideoNeedsSender(t *testing.T) {
	tr, err := NewTransport(webrtc.Configuration{}, "bob")
	require.NoError(t, err)
	defer tr.Close()

	video, err := NewLocalVideoTrack("cam", "stream-1")
	require.NoError(t, err)
	assert.ErrorIs(t, tr.ReplaceVideoTrack(video), errNoVideoSender)

	require.NoError(t, tr.AddTrack(video))
	other, err := NewLocalVideoTrack("screen", "stream-1")
	require.NoError(t, err)
	assert.NoError(t, tr.ReplaceVideoTrack(other))
}

func TestTransportRetainsEncoding(t *testing.T) {
	tr, err := NewTransport(webrtc.Configuration{}, "bob")
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, core.EncodingParams{ScaleDown: 1}, tr.VideoEncoding())

	want := core.EncodingParams{MaxBitrate: 150_000, ScaleDown: 2}
	require.NoError(t, tr.SetVideoEncoding(want))
	assert.Equal(t, want, tr.VideoEncoding())
}

// foreignTrack is a MediaTrack from outside this package.
type foreignTrack struct{}

func (f *foreignTrack) ID() string           { return "foreign" }
func (f *foreignTrack) Kind() core.TrackKind { return core.TrackVideo }
func (f *foreignTrack) Enabled() bool        { return true }
func (f *foreignTrack) SetEnabled(bool)      {}
func (f *foreignTrack) OnEnded(func())       {}
func (f *foreignTrack) Close()               {}
