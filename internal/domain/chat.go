package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage lives only in memory for the duration of a room session.
type ChatMessage struct {
	ID     string    `json:"id"`
	Sender User      `json:"sender"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

func NewChatMessage(sender User, body string) ChatMessage {
	return ChatMessage{
		ID:     uuid.NewString(),
		Sender: sender,
		Body:   body,
		SentAt: time.Now(),
	}
}
