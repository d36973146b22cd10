package eventbus

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/ehosp/pkg/persistence/chatstore"
)

// AuditHandler writes every consultation event to the audit logger.
// Message contents are not logged, only their sizes.
func AuditHandler(logger zerolog.Logger) Handler {
	return func(_ context.Context, e Event) error {
		ev := logger.Info().
			Str("event", string(e.Type)).
			Str("channel", e.Channel).
			Str("email", e.Email).
			Str("specialist", e.Specialist).
			Time("at", e.At)
		if e.SessionID != "" {
			ev = ev.Str("session_id", e.SessionID)
		}
		if e.From != "" || e.To != "" {
			ev = ev.Str("from", e.From).Str("to", e.To)
		}
		if e.Status != "" {
			ev = ev.Str("status", e.Status)
		}
		ev.Int("patient_len", len(e.Patient)).Int("reply_len", len(e.Reply)).Msg("consultation event")
		return nil
	}
}

// TurnRecorder persists live-session transcript messages to the turn store so they
// can be read back from the history endpoint after the connection is gone. Only
// messages the session kept are recorded.
func TurnRecorder(store chatstore.TurnStore) Handler {
	return func(ctx context.Context, e Event) error {
		if e.Type != EventTranscript || e.SessionID == "" {
			return nil
		}
		base := chatstore.Turn{SessionID: e.SessionID, Email: e.Email, Specialist: e.Specialist, CreatedAtMs: e.At.UnixMilli()}

		var turns []chatstore.Turn
		if e.Patient != "" {
			patient := base
			patient.Role, patient.Content = chatstore.RolePatient, e.Patient
			turns = append(turns, patient)
		}
		if e.Reply != "" {
			reply := base
			reply.Role, reply.Content = chatstore.RoleSpecialist, e.Reply
			turns = append(turns, reply)
		}
		if len(turns) == 0 {
			return nil
		}
		return store.Append(ctx, turns...)
	}
}
