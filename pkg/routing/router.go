// Package routing maps free text to a specialist and checks plan authorization.
package routing

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ehosp/pkg/catalog"
)

// PlanResolver resolves the plan in force for an account.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, email string) (*catalog.Plan, error)
}

type Router struct {
	catalog *catalog.Catalog
	plans   PlanResolver
}

func NewRouter(c *catalog.Catalog, plans PlanResolver) (*Router, error) {
	if c == nil {
		return nil, errors.New("routing: catalog is nil")
	}
	if plans == nil {
		return nil, errors.New("routing: plan resolver is nil")
	}
	return &Router{catalog: c, plans: plans}, nil
}

// Detect scans specialists in registry order, skipping the default persona, and
// returns the first one with a keyword contained in text. Precedence comes only from
// registry and keyword order. Without a match the default persona id is returned.
func (r *Router) Detect(text string) string {
	lower := strings.ToLower(text)
	defaultID := r.catalog.DefaultSpecialistID()
	for _, s := range r.catalog.Specialists() {
		if s.ID == defaultID {
			continue
		}
		for _, kw := range s.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return s.ID
			}
		}
	}
	return defaultID
}

// Authorize reports whether the account's plan unlocks specialistID.
func (r *Router) Authorize(ctx context.Context, email, specialistID string) (bool, error) {
	if _, ok := r.catalog.Specialist(specialistID); !ok {
		return false, nil
	}
	plan, err := r.plans.ResolvePlan(ctx, email)
	if err != nil {
		return false, errors.Wrap(err, "routing: resolve plan")
	}
	return plan.Allows(specialistID), nil
}

// Redirect returns the specialist a conversation should move to, or "" when it stays.
// A detection is adopted only when it differs from current, is not the default persona,
// and is authorized for the account.
func (r *Router) Redirect(ctx context.Context, email, current, text string) (string, error) {
	detected := r.Detect(text)
	if detected == current || detected == r.catalog.DefaultSpecialistID() {
		return "", nil
	}
	ok, err := r.Authorize(ctx, email, detected)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return detected, nil
}
