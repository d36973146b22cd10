package accounts

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/ehosp/pkg/catalog"
)

// Service wraps a Store with catalog-aware account semantics.
type Service struct {
	store      Store
	catalog    *catalog.Catalog
	adminEmail string
	now        func() time.Time
	logger     zerolog.Logger
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(store Store, c *catalog.Catalog, adminEmail string, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("accounts: store is nil")
	}
	if c == nil {
		return nil, errors.New("accounts: catalog is nil")
	}
	s := &Service{
		store:      store,
		catalog:    c,
		adminEmail: strings.TrimSpace(adminEmail),
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// IsAdmin reports whether email is the designated admin identity.
func (s *Service) IsAdmin(email string) bool {
	return s.adminEmail != "" && email == s.adminEmail
}

// Ensure returns the account for email, creating it on first sight.
// The second return value reports whether the account was created.
func (s *Service) Ensure(ctx context.Context, email, displayName string) (*Account, bool, error) {
	if strings.TrimSpace(email) == "" {
		return nil, false, ErrMissingEmail
	}
	a, err := s.store.GetAccount(ctx, email)
	if err == nil {
		return a, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, errors.Wrap(err, "load account")
	}

	if strings.TrimSpace(displayName) == "" {
		displayName = DefaultDisplayName(email)
	}
	subscription := s.catalog.DefaultPlan().ID
	if s.IsAdmin(email) {
		subscription = s.catalog.AdminPlan().ID
	}
	a = &Account{
		Email:        email,
		DisplayName:  displayName,
		CreatedAt:    s.now().UTC(),
		Subscription: subscription,
	}
	if err := s.store.UpsertAccount(ctx, a); err != nil {
		return nil, false, errors.Wrap(err, "create account")
	}
	s.logger.Info().Str("email", email).Str("plan", subscription).Msg("account created")
	return a, true, nil
}

// UpdateProfile replaces the stored profile of an existing account.
func (s *Service) UpdateProfile(ctx context.Context, email string, p Profile) error {
	if strings.TrimSpace(email) == "" {
		return ErrMissingEmail
	}
	a, err := s.store.GetAccount(ctx, email)
	if err != nil {
		return err
	}
	a.Profile = &p
	a.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertAccount(ctx, a); err != nil {
		return errors.Wrap(err, "update profile")
	}
	s.logger.Info().Str("email", email).Msg("profile updated")
	return nil
}

// Profile returns the stored profile, or the zero profile for unknown accounts.
func (s *Service) Profile(ctx context.Context, email string) (Profile, error) {
	a, err := s.store.GetAccount(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, nil
		}
		return Profile{}, err
	}
	if a.Profile == nil {
		return Profile{}, nil
	}
	return *a.Profile, nil
}

// ChangePlan assigns newPlan to email. Only the admin identity may do this.
func (s *Service) ChangePlan(ctx context.Context, adminEmail, email, newPlan string) (*catalog.Plan, error) {
	if !s.IsAdmin(adminEmail) {
		return nil, ErrForbidden
	}
	plan, ok := s.catalog.Plan(newPlan)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPlan, "%q", newPlan)
	}
	a, err := s.store.GetAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	a.Subscription = plan.ID
	a.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertAccount(ctx, a); err != nil {
		return nil, errors.Wrap(err, "change plan")
	}
	s.logger.Info().Str("email", email).Str("plan", plan.ID).Msg("plan changed")
	return plan, nil
}

// ResolvePlan returns the plan in force for email. The admin identity always
// resolves to the admin plan; unknown accounts get the default plan.
func (s *Service) ResolvePlan(ctx context.Context, email string) (*catalog.Plan, error) {
	if s.IsAdmin(email) {
		return s.catalog.AdminPlan(), nil
	}
	if strings.TrimSpace(email) == "" {
		return s.catalog.DefaultPlan(), nil
	}
	a, err := s.store.GetAccount(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.catalog.DefaultPlan(), nil
		}
		return nil, errors.Wrap(err, "resolve plan")
	}
	return s.catalog.PlanOrDefault(a.Subscription), nil
}
