// Package consult orchestrates consultation turns: it gates each model call through
// admission, composes the persona prompt, calls the model and decides redirects.
// The HTTP API and the live session manager both drive it.
package consult

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/eventbus"
	"github.com/go-go-golems/ehosp/pkg/inference"
	"github.com/go-go-golems/ehosp/pkg/metrics"
	"github.com/go-go-golems/ehosp/pkg/prompt"
	"github.com/go-go-golems/ehosp/pkg/routing"
)

// Directory is the account collaborator: stored profiles and plan resolution.
type Directory interface {
	Profile(ctx context.Context, email string) (accounts.Profile, error)
	ResolvePlan(ctx context.Context, email string) (*catalog.Plan, error)
}

// Model runs one model call.
type Model interface {
	Run(ctx context.Context, req inference.Request) (string, error)
}

// Publisher receives an event for every completed consultation step.
type Publisher interface {
	Publish(ctx context.Context, e eventbus.Event) error
}

type ServiceConfig struct {
	Catalog   *catalog.Catalog
	Accounts  Directory
	Admission *admission.Controller
	Router    *routing.Router
	Composer  *prompt.Composer
	Model     Model

	// Optional.
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Service struct {
	catalog   *catalog.Catalog
	accounts  Directory
	admission *admission.Controller
	router    *routing.Router
	composer  *prompt.Composer
	model     Model
	publisher Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("consult: catalog is nil")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("consult: accounts is nil")
	}
	if cfg.Admission == nil {
		return nil, errors.New("consult: admission controller is nil")
	}
	if cfg.Router == nil {
		return nil, errors.New("consult: router is nil")
	}
	if cfg.Composer == nil {
		return nil, errors.New("consult: composer is nil")
	}
	if cfg.Model == nil {
		return nil, errors.New("consult: model is nil")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		catalog:   cfg.Catalog,
		accounts:  cfg.Accounts,
		admission: cfg.Admission,
		router:    cfg.Router,
		composer:  cfg.Composer,
		model:     cfg.Model,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "consult").Logger(),
		now:       now,
	}, nil
}

func requireEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return ErrAuthRequired
	}
	return nil
}

// authorize fails with AccessDeniedError when the plan does not unlock specialistID.
func (s *Service) authorize(ctx context.Context, email, specialistID string) error {
	ok, err := s.router.Authorize(ctx, email, specialistID)
	if err != nil {
		return upstream("authorize", err)
	}
	if !ok {
		return &AccessDeniedError{Specialist: specialistID}
	}
	return nil
}

// reserve holds a billable slot and then admits the call against the global window.
// The reservation is released when the rate limiter rejects the call.
func (s *Service) reserve(ctx context.Context, email string) (*admission.Reservation, error) {
	r, err := s.admission.Reserve(ctx, email)
	if err != nil {
		var qe *admission.QuotaError
		if errors.As(err, &qe) {
			return nil, qe
		}
		return nil, upstream("reserve quota", err)
	}
	if !s.admission.CheckGlobalRate() {
		r.Release()
		return nil, admission.ErrRateLimited
	}
	return r, nil
}

// commit records usage for a completed call. A storage failure at this point does not
// discard the reply; the quota is then reported from the last known state.
func (s *Service) commit(ctx context.Context, email string, r *admission.Reservation) admission.Quota {
	q, err := r.Commit(ctx)
	if err == nil {
		return q
	}
	s.logger.Error().Err(err).Str("email", email).Msg("failed to record usage")
	q, err = s.admission.CheckQuota(ctx, email)
	if err != nil {
		s.logger.Error().Err(err).Str("email", email).Msg("failed to read quota")
		return admission.Quota{Plan: r.Plan().ID, Limit: r.Plan().DailyLimit}
	}
	return q
}

// rate admits a non-billable call against the global window.
func (s *Service) rate() error {
	if !s.admission.CheckGlobalRate() {
		return admission.ErrRateLimited
	}
	return nil
}

func (s *Service) profile(ctx context.Context, email string, override *accounts.Profile) (accounts.Profile, error) {
	stored, err := s.accounts.Profile(ctx, email)
	if err != nil {
		return accounts.Profile{}, upstream("load profile", err)
	}
	if override == nil {
		return stored, nil
	}
	return override.Merge(stored), nil
}

func (s *Service) call(ctx context.Context, req inference.Request) (string, error) {
	text, err := s.model.Run(ctx, req)
	if err != nil {
		return "", upstream("model "+string(req.Kind), err)
	}
	if strings.TrimSpace(text) == "" {
		return "", upstream("model "+string(req.Kind), inference.ErrEmptyResponse)
	}
	return strings.TrimSpace(text), nil
}

func (s *Service) publish(ctx context.Context, e eventbus.Event) {
	if s.publisher == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("failed to publish consultation event")
	}
}

func (s *Service) handoff(ctx context.Context, channel, sessionID, email, from, to string) {
	s.metrics.RecordHandoff(channel, from, to)
	s.logger.Info().Str("channel", channel).Str("from", from).Str("to", to).Msg("specialist hand-off")
	s.publish(ctx, eventbus.Event{
		Type:      eventbus.EventHandoff,
		Channel:   channel,
		SessionID: sessionID,
		Email:     email,
		From:      from,
		To:        to,
	})
}
