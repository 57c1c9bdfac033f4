package core

import "errors"

// ErrDeviceUnavailable is returned by capture implementations when
// permission is denied or no device exists. Never retried automatically.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaTrack is a single enable-able media source or sink.
// Disabling a track does not stop it; Close releases it for good.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	// OnEnded fires once when the underlying source stops on its own
	// (e.g. the user ends a screen capture from system UI).
	OnEnded(func())
	Close()
}

// MediaStream groups the tracks produced by one capture request.
type MediaStream interface {
	ID() string
	AudioTracks() []MediaTrack
	VideoTracks() []MediaTrack
	Close()
}

// MediaConstraints select what to capture and at which tier.
type MediaConstraints struct {
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate int
}

// CaptureDevice abstracts the platform capture capability.
// Implementations are external collaborators; both calls fail with
// ErrDeviceUnavailable when the platform cannot satisfy them.
type CaptureDevice interface {
	Capture(MediaConstraints) (MediaStream, error)
	CaptureDisplay() (MediaStream, error)
}
