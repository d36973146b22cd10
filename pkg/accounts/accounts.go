// Package accounts owns patient accounts: creation on first sight, profile updates,
// plan changes and plan resolution (including the designated admin override).
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by stores and the service for unknown accounts.
	ErrNotFound = errors.New("account not found")
	// ErrForbidden is returned when a non-admin attempts an admin operation.
	ErrForbidden = errors.New("admin access required")
	// ErrUnknownPlan is returned when a plan change names a plan missing from the catalog.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrMissingEmail is returned when an operation needs an identity and none was given.
	ErrMissingEmail = errors.New("email is required")
)

// Profile is the optional demographic context used when composing persona prompts.
type Profile struct {
	Age      string `json:"age,omitempty"`
	Sex      string `json:"sex,omitempty"`
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
}

// UnmarshalJSON accepts numbers as well as strings for every field, so {"age":35}
// and {"age":"35"} decode alike.
func (p *Profile) UnmarshalJSON(b []byte) error {
	var raw struct {
		Age      FlexString `json:"age"`
		Sex      FlexString `json:"sex"`
		Country  FlexString `json:"country"`
		Language FlexString `json:"language"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = Profile{Age: string(raw.Age), Sex: string(raw.Sex), Country: string(raw.Country), Language: string(raw.Language)}
	return nil
}

// FlexString is a string that also decodes from a JSON number or boolean. null
// decodes to the empty string.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*f = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	case bytes.Equal(b, []byte("true")) || bytes.Equal(b, []byte("false")):
		*f = FlexString(b)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Errorf("expected a string or a number, got %s", b)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return errors.Wrapf(err, "invalid number %s", n)
	}
	*f = FlexString(n.String())
	return nil
}

// Merge fills fields missing from p with the values of fallback.
func (p Profile) Merge(fallback Profile) Profile {
	if p.Age == "" {
		p.Age = fallback.Age
	}
	if p.Sex == "" {
		p.Sex = fallback.Sex
	}
	if p.Country == "" {
		p.Country = fallback.Country
	}
	if p.Language == "" {
		p.Language = fallback.Language
	}
	return p
}

// Account is keyed by email. Emails are trusted as given and never validated.
type Account struct {
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
	Profile      *Profile  `json:"profile"`
	Subscription string    `json:"subscription"`
	Referrals    int       `json:"referrals"`
}

// Store is the durable account storage collaborator.
type Store interface {
	GetAccount(ctx context.Context, email string) (*Account, error)
	UpsertAccount(ctx context.Context, a *Account) error
}

// UsageStore tracks per-account daily usage counters keyed by UTC date ("2006-01-02").
type UsageStore interface {
	UsageCount(ctx context.Context, email, date string) (int, error)
	// IncrementUsage adds one to the (email, date) record, creating it when needed,
	// and returns the new count. The increment must be atomic.
	IncrementUsage(ctx context.Context, email, date string) (int, error)
}

// DefaultDisplayName derives a display name from the local part of an email.
func DefaultDisplayName(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return email
}
