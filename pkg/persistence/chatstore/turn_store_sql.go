package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SQLTurnStore stores turns in the consultation_turns table created by sqldb migrations.
type SQLTurnStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ TurnStore = &SQLTurnStore{}

func NewSQLTurnStore(db *sql.DB) (*SQLTurnStore, error) {
	if db == nil {
		return nil, errors.New("sql turn store: db is nil")
	}
	return &SQLTurnStore{db: db, now: time.Now}, nil
}

func validateTurn(t Turn) error {
	if strings.TrimSpace(t.SessionID) == "" {
		return errors.New("sessionID is empty")
	}
	if strings.TrimSpace(t.Role) == "" {
		return errors.New("role is empty")
	}
	return nil
}

func (s *SQLTurnStore) Append(ctx context.Context, turns ...Turn) error {
	if s == nil || s.db == nil {
		return errors.New("sql turn store: db is nil")
	}
	if len(turns) == 0 {
		return nil
	}
	for _, t := range turns {
		if err := validateTurn(t); err != nil {
			return errors.Wrap(err, "sql turn store")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sql turn store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	next := map[string]int{}
	for _, t := range turns {
		ordinal, ok := next[t.SessionID]
		if !ok {
			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(ordinal), -1) + 1 FROM consultation_turns WHERE session_id = $1
			`, t.SessionID).Scan(&ordinal); err != nil {
				return errors.Wrap(err, "sql turn store: next ordinal")
			}
		}
		next[t.SessionID] = ordinal + 1

		createdAtMs := t.CreatedAtMs
		if createdAtMs <= 0 {
			createdAtMs = s.now().UnixMilli()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO consultation_turns (session_id, ordinal, email, specialist, role, content, created_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.SessionID, ordinal, t.Email, t.Specialist, t.Role, t.Content, createdAtMs); err != nil {
			return errors.Wrap(err, "sql turn store: insert turn")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sql turn store: commit tx")
	}
	committed = true
	return nil
}

func (s *SQLTurnStore) List(ctx context.Context, q TurnQuery) ([]Turn, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql turn store: db is nil")
	}
	if strings.TrimSpace(q.SessionID) == "" && strings.TrimSpace(q.Email) == "" {
		return nil, errors.New("sql turn store: sessionID or email required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	clauses := []string{}
	args := []any{}
	if v := strings.TrimSpace(q.SessionID); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if v := strings.TrimSpace(q.Email); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("email = $%d", len(args)))
	}
	if q.SinceMs > 0 {
		args = append(args, q.SinceMs)
		clauses = append(clauses, fmt.Sprintf("created_at_ms >= $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT session_id, ordinal, email, specialist, role, content, created_at_ms
		FROM consultation_turns
		WHERE %s
		ORDER BY created_at_ms DESC, ordinal DESC
		LIMIT $%d
	`, strings.Join(clauses, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sql turn store: query")
	}
	defer func() { _ = rows.Close() }()

	out := []Turn{}
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.SessionID, &t.Ordinal, &t.Email, &t.Specialist, &t.Role, &t.Content, &t.CreatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sql turn store: scan")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sql turn store: rows")
	}
	sortChronological(out)
	return out, nil
}

func sortChronological(turns []Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		if turns[i].CreatedAtMs != turns[j].CreatedAtMs {
			return turns[i].CreatedAtMs < turns[j].CreatedAtMs
		}
		if turns[i].SessionID != turns[j].SessionID {
			return turns[i].SessionID < turns[j].SessionID
		}
		return turns[i].Ordinal < turns[j].Ordinal
	})
}
