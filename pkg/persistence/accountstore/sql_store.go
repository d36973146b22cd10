// Package accountstore implements the account and daily-usage storage collaborators.
package accountstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ehosp/pkg/accounts"
)

// SQLStore persists accounts and usage records in the database opened by sqldb.Open.
type SQLStore struct {
	db *sql.DB
}

var (
	_ accounts.Store      = &SQLStore{}
	_ accounts.UsageStore = &SQLStore{}
)

func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("sql account store: db is nil")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) GetAccount(ctx context.Context, email string) (*accounts.Account, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql account store: db is nil")
	}
	var (
		a           accounts.Account
		createdAtMs int64
		updatedAtMs int64
		profileJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT email, display_name, created_at_ms, updated_at_ms, profile_json, subscription, referrals
		FROM accounts
		WHERE email = $1
	`, email).Scan(&a.Email, &a.DisplayName, &createdAtMs, &updatedAtMs, &profileJSON, &a.Subscription, &a.Referrals)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, accounts.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sql account store: get account")
	}
	a.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	if updatedAtMs > 0 {
		a.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	}
	if profileJSON.Valid && strings.TrimSpace(profileJSON.String) != "" {
		var p accounts.Profile
		if err := json.Unmarshal([]byte(profileJSON.String), &p); err != nil {
			return nil, errors.Wrap(err, "sql account store: decode profile")
		}
		a.Profile = &p
	}
	return &a, nil
}

func (s *SQLStore) UpsertAccount(ctx context.Context, a *accounts.Account) error {
	if s == nil || s.db == nil {
		return errors.New("sql account store: db is nil")
	}
	if a == nil || strings.TrimSpace(a.Email) == "" {
		return errors.New("sql account store: account email is empty")
	}
	var profileJSON sql.NullString
	if a.Profile != nil {
		b, err := json.Marshal(a.Profile)
		if err != nil {
			return errors.Wrap(err, "sql account store: encode profile")
		}
		profileJSON = sql.NullString{String: string(b), Valid: true}
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var updatedAtMs int64
	if !a.UpdatedAt.IsZero() {
		updatedAtMs = a.UpdatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (email, display_name, created_at_ms, updated_at_ms, profile_json, subscription, referrals)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at_ms = excluded.updated_at_ms,
			profile_json = excluded.profile_json,
			subscription = excluded.subscription,
			referrals = excluded.referrals
	`, a.Email, a.DisplayName, createdAt.UnixMilli(), updatedAtMs, profileJSON, a.Subscription, a.Referrals)
	if err != nil {
		return errors.Wrap(err, "sql account store: upsert account")
	}
	return nil
}

func (s *SQLStore) UsageCount(ctx context.Context, email, date string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sql account store: db is nil")
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM daily_usage WHERE email = $1 AND usage_date = $2
	`, email, date).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "sql account store: usage count")
	}
	return count, nil
}

func (s *SQLStore) IncrementUsage(ctx context.Context, email, date string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sql account store: db is nil")
	}
	if strings.TrimSpace(email) == "" || strings.TrimSpace(date) == "" {
		return 0, errors.New("sql account store: email and date are required")
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO daily_usage (email, usage_date, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (email, usage_date) DO UPDATE SET count = daily_usage.count + 1
		RETURNING count
	`, email, date).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "sql account store: increment usage")
	}
	return count, nil
}
