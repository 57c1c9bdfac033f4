package call

import (
	"time"

	"github.com/huddlekit/huddle/internal/domain"
)

type EventKind int

const (
	// EventStatusChanged reports every lifecycle transition.
	EventStatusChanged EventKind = iota
	// EventIncomingCall fires on the callee when ringing starts;
	// Participant carries the caller's display meta.
	EventIncomingCall
	// EventEnded fires once per session right before the state resets.
	EventEnded
	EventParticipantJoined
	EventParticipantLeft
	EventParticipantUpdated
	EventChatMessage
	// EventDurationTick fires once per second while active.
	EventDurationTick
	// EventError carries user-visible failures (device, busy, timeout).
	EventError
)

// Event is the reactive surface consumed by presentation code. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind        EventKind
	Status      Status
	Participant *Participant
	Message     *domain.ChatMessage
	Duration    time.Duration
	Err         error
}
