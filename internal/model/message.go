package model

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is never mutated after creation. Timestamp is its identity.
type ChatMessage struct {
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	SenderLabel     string    `json:"sender,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	RoleDescription string    `json:"roleDescription,omitempty"`
	TurnID          string    `json:"turnId,omitempty"`
}

// DedupKey is the ISO-8601 rendering of the timestamp in UTC.
func (m ChatMessage) DedupKey() string {
	return m.Timestamp.UTC().Format(time.RFC3339Nano)
}
