package call

// Status is the session lifecycle. Calls pass through calling (caller) or
// ringing (callee); rooms use joining. Ended is transient: cleanup always
// lands back on idle.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusRinging
	StatusJoining
	StatusActive
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusJoining:
		return "joining"
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// pending reports whether the session is waiting on a handshake and thus
// subject to the signaling deadline.
func (s Status) pending() bool {
	return s == StatusCalling || s == StatusRinging || s == StatusJoining
}
