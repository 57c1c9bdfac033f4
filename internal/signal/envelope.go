// Package signal defines the typed envelope exchanged between participants
// over the signal bus, plus topic naming. One payload variant exists per
// kind; invalid field combinations are unrepresentable.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

type Kind string

const (
	KindJoin          Kind = "join"
	KindOffer         Kind = "offer"
	KindAnswer        Kind = "answer"
	KindCandidate     Kind = "candidate"
	KindLeave         Kind = "leave"
	KindStatusUpdate  Kind = "status-update"
	KindChatMessage   Kind = "chat-message"
	KindCallInitiated Kind = "call-initiated"
	KindCallDeclined  Kind = "call-declined"
	KindCallEnded     Kind = "call-ended"
)

var (
	ErrUnknownKind = errors.New("unknown envelope kind")
	ErrBadPayload  = errors.New("bad envelope payload")
)

// UserTopic is the persistent per-user address used by 1:1 calls.
func UserTopic(id domain.UserID) core.Topic {
	return core.Topic("user:" + string(id))
}

// RoomTopic is the room-scoped address shared by all room members.
func RoomTopic(id domain.RoomID) core.Topic {
	return core.Topic("room:" + string(id))
}

// Payload is the sealed set of per-kind envelope bodies.
type Payload interface {
	payloadKind() Kind
}

type JoinPayload struct {
	Flags domain.StatusFlags `json:"flags"`
}

type OfferPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type AnswerPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type LeavePayload struct{}

type StatusPayload struct {
	Flags domain.StatusFlags `json:"flags"`
}

type ChatPayload struct {
	ID     string    `json:"id"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

type CallInitiatedPayload struct {
	// Video distinguishes a video call from a voice-only one.
	Video bool `json:"video"`
}

type DeclineReason string

const (
	DeclineBusy     DeclineReason = "busy"
	DeclineRejected DeclineReason = "rejected"
)

type CallDeclinedPayload struct {
	Reason DeclineReason `json:"reason"`
}

type CallEndedPayload struct{}

func (JoinPayload) payloadKind() Kind          { return KindJoin }
func (OfferPayload) payloadKind() Kind         { return KindOffer }
func (AnswerPayload) payloadKind() Kind        { return KindAnswer }
func (CandidatePayload) payloadKind() Kind     { return KindCandidate }
func (LeavePayload) payloadKind() Kind         { return KindLeave }
func (StatusPayload) payloadKind() Kind        { return KindStatusUpdate }
func (ChatPayload) payloadKind() Kind          { return KindChatMessage }
func (CallInitiatedPayload) payloadKind() Kind { return KindCallInitiated }
func (CallDeclinedPayload) payloadKind() Kind  { return KindCallDeclined }
func (CallEndedPayload) payloadKind() Kind     { return KindCallEnded }

// Envelope is one signaling message. TargetID empty means broadcast to all
// topic subscribers.
type Envelope struct {
	Kind         Kind
	SessionID    string
	SenderID     domain.UserID
	TargetID     domain.UserID
	SenderName   string
	SenderAvatar string
	Payload      Payload
}

// New builds an envelope stamped with the sender's display meta.
func New(kind Kind, sessionID string, sender domain.User, target domain.UserID, p Payload) Envelope {
	return Envelope{
		Kind:         kind,
		SessionID:    sessionID,
		SenderID:     sender.ID,
		TargetID:     target,
		SenderName:   sender.Username,
		SenderAvatar: sender.Avatar,
		Payload:      p,
	}
}

// Sender reconstructs the sender's display meta.
func (e *Envelope) Sender() domain.User {
	return domain.User{ID: e.SenderID, Username: e.SenderName, Avatar: e.SenderAvatar}
}

// AddressedTo reports whether local should process this envelope at all.
func (e *Envelope) AddressedTo(local domain.UserID) bool {
	return e.TargetID == "" || e.TargetID == local
}

type wireEnvelope struct {
	Kind         Kind            `json:"kind"`
	SessionID    string          `json:"session_id"`
	SenderID     domain.UserID   `json:"sender_id"`
	TargetID     domain.UserID   `json:"target_id,omitempty"`
	SenderName   string          `json:"sender_name,omitempty"`
	SenderAvatar string          `json:"sender_avatar,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) Encode() ([]byte, error) {
	w := wireEnvelope{
		Kind:         e.Kind,
		SessionID:    e.SessionID,
		SenderID:     e.SenderID,
		TargetID:     e.TargetID,
		SenderName:   e.SenderName,
		SenderAvatar: e.SenderAvatar,
	}
	if e.Payload != nil {
		if e.Payload.payloadKind() != e.Kind {
			return nil, fmt.Errorf("%w: payload is %q, envelope is %q", ErrBadPayload, e.Payload.payloadKind(), e.Kind)
		}
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	p, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Kind:         w.Kind,
		SessionID:    w.SessionID,
		SenderID:     w.SenderID,
		TargetID:     w.TargetID,
		SenderName:   w.SenderName,
		SenderAvatar: w.SenderAvatar,
		Payload:      p,
	}, nil
}

func decodeAs[P Payload](kind Kind, raw json.RawMessage) (Payload, error) {
	var p P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadPayload, kind, err)
		}
	}
	return p, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindJoin:
		return decodeAs[JoinPayload](kind, raw)
	case KindOffer:
		return decodeAs[OfferPayload](kind, raw)
	case KindAnswer:
		return decodeAs[AnswerPayload](kind, raw)
	case KindCandidate:
		return decodeAs[CandidatePayload](kind, raw)
	case KindLeave:
		return LeavePayload{}, nil
	case KindStatusUpdate:
		return decodeAs[StatusPayload](kind, raw)
	case KindChatMessage:
		return decodeAs[ChatPayload](kind, raw)
	case KindCallInitiated:
		return decodeAs[CallInitiatedPayload](kind, raw)
	case KindCallDeclined:
		return decodeAs[CallDeclinedPayload](kind, raw)
	case KindCallEnded:
		return CallEndedPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
