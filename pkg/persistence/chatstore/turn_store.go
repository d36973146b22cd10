package chatstore

import "context"

const (
	RolePatient    = "user"
	RoleSpecialist = "assistant"
)

// Turn is one persisted exchange line of a consultation.
type Turn struct {
	SessionID   string `json:"session_id"`
	Ordinal     int    `json:"ordinal"`
	Email       string `json:"email"`
	Specialist  string `json:"specialist"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// TurnQuery describes filters for loading stored turns.
// At least one of SessionID or Email is required.
type TurnQuery struct {
	SessionID string
	Email     string
	SinceMs   int64
	Limit     int
}

// TurnStore persists consultation turns for the history endpoint and audits.
type TurnStore interface {
	// Append stores turns at the end of their session, assigning ordinals.
	Append(ctx context.Context, turns ...Turn) error
	// List returns the most recent matching turns in chronological order.
	List(ctx context.Context, q TurnQuery) ([]Turn, error)
}

const defaultListLimit = 200
