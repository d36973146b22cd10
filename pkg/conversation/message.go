// Package conversation defines the turn shape shared by the HTTP and live channels.
package conversation

import (
	"strings"
	"time"
)

type Role string

const (
	RolePatient    Role = "user"
	RoleSpecialist Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Valid reports whether the role is known and the content is not blank.
func (m Message) Valid() bool {
	return (m.Role == RolePatient || m.Role == RoleSpecialist) && strings.TrimSpace(m.Content) != ""
}

// Last returns the last message, or false for an empty slice.
func Last(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// LastByRole returns the content of the most recent message with the given role.
func LastByRole(msgs []Message, role Role) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i].Content
		}
	}
	return ""
}

// JoinByRole concatenates the contents of messages with the given role.
func JoinByRole(msgs []Message, role Role, sep string) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == role {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, sep)
}

// JoinAll concatenates every message content, in order.
func JoinAll(msgs []Message, sep string) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, sep)
}
