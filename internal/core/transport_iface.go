package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/domain"
)

// PeerState mirrors the connectivity of one point-to-point transport.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the transport is beyond recovery and its owner
// should tear it down.
func (s PeerState) Terminal() bool {
	return s == PeerDisconnected || s == PeerFailed || s == PeerClosed
}

// EncodingParams tune the outbound video sender without renegotiation.
type EncodingParams struct {
	MaxBitrate uint32
	// ScaleDown divides the capture resolution; 1 means none.
	ScaleDown float64
}

// PeerTransport is one bidirectional media transport toward a single remote
// participant. Offer/answer helpers set the local description themselves.
type PeerTransport interface {
	AddTrack(t MediaTrack) error
	// ReplaceVideoTrack swaps the outbound video sender's track in place,
	// with no new offer/answer round.
	ReplaceVideoTrack(t MediaTrack) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SetVideoEncoding(EncodingParams) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(MediaTrack))
	OnStateChange(func(PeerState))

	Close()
}

// TransportFactory builds a transport per remote participant, preconfigured
// with the deployment's NAT traversal servers.
type TransportFactory interface {
	New(remote domain.UserID) (PeerTransport, error)
}
