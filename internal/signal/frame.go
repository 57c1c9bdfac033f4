package signal

import "encoding/json"

// Frame is the thin wrapper the websocket hub and its clients speak.
// Envelopes travel opaque in Data; the hub routes on Topic only.
type Frame struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	OpSub   = "sub"
	OpUnsub = "unsub"
	OpPub   = "pub"
	// OpMsg carries a published envelope from hub to subscriber.
	OpMsg = "msg"
	// OpPing/OpPong keep intermediaries from idling the socket out.
	OpPing = "ping"
	OpPong = "pong"
)
