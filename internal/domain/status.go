package domain

// StatusFlags describes a participant's media posture as seen by peers.
// Local toggles mutate the local copy; remote copies follow status-update
// envelopes.
type StatusFlags struct {
	Muted      bool `json:"muted"`
	VideoOff   bool `json:"video_off"`
	HandRaised bool `json:"hand_raised"`
	Speaking   bool `json:"speaking"`
}
