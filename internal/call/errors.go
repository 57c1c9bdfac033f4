package call

import (
	"errors"

	"github.com/huddlekit/huddle/internal/core"
)

// ErrDeviceUnavailable is surfaced when local media acquisition fails.
// The pending transition is aborted and never retried automatically.
var ErrDeviceUnavailable = core.ErrDeviceUnavailable

var (
	// ErrPeerBusy means the callee was already in a session and declined.
	ErrPeerBusy = errors.New("peer busy")

	// ErrSignalingTimeout means a pending handshake never reached active
	// within the configured deadline.
	ErrSignalingTimeout = errors.New("signaling timeout")

	// ErrTransportFailure means the point-to-point transport reported a
	// terminal connectivity state.
	ErrTransportFailure = errors.New("transport failure")

	// ErrAlreadyInSession guards re-entrant initiate/join while a session
	// with a different target is in progress.
	ErrAlreadyInSession = errors.New("session already in progress")

	// ErrNoPendingCall means accept/decline was called outside ringing.
	ErrNoPendingCall = errors.New("no pending incoming call")

	// ErrNotActive means the operation needs a live session.
	ErrNotActive = errors.New("no session in progress")

	// ErrNotStarted means the component was used before Start.
	ErrNotStarted = errors.New("not started")
)

// errMissingDeps guards construction with a nil bus, factory or capture.
var errMissingDeps = errors.New("bus, transport factory and capture device are required")
