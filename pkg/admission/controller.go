// Package admission guards every model invocation: a per-account daily quota keyed
// by UTC date and a process-wide rate window.
package admission

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/metrics"
)

// DateLayout keys daily usage records.
const DateLayout = "2006-01-02"

var ErrRateLimited = errors.New("global rate limit exceeded")

// QuotaError reports a billable call rejected by the daily quota.
type QuotaError struct {
	Quota Quota
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily quota exceeded (%d/%d)", e.Quota.Limit-e.Quota.Remaining, e.Quota.Limit)
}

// Quota is the state of one account's daily allowance.
type Quota struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	Unbounded bool   `json:"unbounded,omitempty"`
	Plan      string `json:"plan"`
}

func newQuota(plan *catalog.Plan, count int) Quota {
	q := Quota{
		Limit:     plan.DailyLimit,
		Unbounded: plan.Unbounded,
		Plan:      plan.ID,
	}
	if plan.Unbounded {
		q.Allowed = true
		q.Remaining = plan.DailyLimit
		return q
	}
	q.Allowed = count < plan.DailyLimit
	q.Remaining = max(0, plan.DailyLimit-count)
	return q
}

// PlanResolver resolves the plan in force for an account.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, email string) (*catalog.Plan, error)
}

type accountSlot struct {
	mu       sync.Mutex
	refs     int
	inflight int
}

type Controller struct {
	plans   PlanResolver
	usage   accounts.UsageStore
	window  *RateWindow
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	slots map[string]*accountSlot
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithRateWindow(w *RateWindow) Option {
	return func(c *Controller) {
		if w != nil {
			c.window = w
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func NewController(plans PlanResolver, usage accounts.UsageStore, opts ...Option) (*Controller, error) {
	if plans == nil {
		return nil, errors.New("admission: plan resolver is nil")
	}
	if usage == nil {
		return nil, errors.New("admission: usage store is nil")
	}
	c := &Controller{
		plans:  plans,
		usage:  usage,
		now:    time.Now,
		logger: zerolog.Nop(),
		slots:  map[string]*accountSlot{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.window == nil {
		c.window = NewRateWindow(DefaultRateCeiling, DefaultRateWindow, c.now)
	}
	return c, nil
}

// Today returns the UTC date key used for usage records.
func (c *Controller) Today() string {
	return c.now().UTC().Format(DateLayout)
}

// ResetTime is the start of the next UTC day, when quotas refill.
func (c *Controller) ResetTime() time.Time {
	y, m, d := c.now().UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// CheckQuota reports the account's allowance for today without changing anything.
func (c *Controller) CheckQuota(ctx context.Context, email string) (Quota, error) {
	plan, err := c.plans.ResolvePlan(ctx, email)
	if err != nil {
		return Quota{}, errors.Wrap(err, "admission: resolve plan")
	}
	if plan.Unbounded {
		return newQuota(plan, 0), nil
	}
	count, err := c.usage.UsageCount(ctx, email, c.Today())
	if err != nil {
		return Quota{}, errors.Wrap(err, "admission: usage count")
	}
	return newQuota(plan, count), nil
}

// RecordUsage adds one billable call to today's record.
func (c *Controller) RecordUsage(ctx context.Context, email string) error {
	if strings.TrimSpace(email) == "" {
		return errors.New("admission: email is required")
	}
	n, err := c.usage.IncrementUsage(ctx, email, c.Today())
	if err != nil {
		return errors.Wrap(err, "admission: record usage")
	}
	c.metrics.RecordUsage()
	c.logger.Debug().Str("email", email).Int("count", n).Msg("usage recorded")
	return nil
}

// CheckGlobalRate admits one model call against the process-wide window.
func (c *Controller) CheckGlobalRate() bool {
	if c.window.Allow() {
		return true
	}
	c.metrics.RecordRateLimitRejection()
	c.logger.Warn().Int("ceiling", c.window.Ceiling()).Msg("global rate limit reached")
	return false
}

func (c *Controller) acquireSlot(email string) *accountSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[email]
	if !ok {
		s = &accountSlot{}
		c.slots[email] = s
	}
	s.refs++
	return s
}

func (c *Controller) releaseSlot(email string, s *accountSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.refs--
	if s.refs <= 0 {
		delete(c.slots, email)
	}
}

// Reserve holds one billable slot for email. Under the account's lock the stored
// count plus outstanding reservations must stay below the limit, so concurrent
// requests cannot both pass on the last remaining call. The caller must Commit
// after a successful model call or Release otherwise.
func (c *Controller) Reserve(ctx context.Context, email string) (*Reservation, error) {
	if strings.TrimSpace(email) == "" {
		return nil, errors.New("admission: email is required")
	}
	plan, err := c.plans.ResolvePlan(ctx, email)
	if err != nil {
		return nil, errors.Wrap(err, "admission: resolve plan")
	}

	slot := c.acquireSlot(email)
	r := &Reservation{c: c, email: email, slot: slot, plan: plan}
	if plan.Unbounded {
		return r, nil
	}

	slot.mu.Lock()
	count, err := c.usage.UsageCount(ctx, email, c.Today())
	if err != nil {
		slot.mu.Unlock()
		c.releaseSlot(email, slot)
		return nil, errors.Wrap(err, "admission: usage count")
	}
	if count+slot.inflight >= plan.DailyLimit {
		slot.mu.Unlock()
		c.releaseSlot(email, slot)
		c.metrics.RecordQuotaRejection(plan.ID)
		c.logger.Info().Str("email", email).Str("plan", plan.ID).Int("count", count).Msg("quota exceeded")
		return nil, &QuotaError{Quota: newQuota(plan, count+slot.inflight)}
	}
	slot.inflight++
	r.held = true
	slot.mu.Unlock()
	return r, nil
}

// Reservation is one held quota slot.
type Reservation struct {
	c     *Controller
	email string
	slot  *accountSlot
	plan  *catalog.Plan
	held  bool
	done  bool
	mu    sync.Mutex
}

func (r *Reservation) Plan() *catalog.Plan { return r.plan }

// Commit records the usage and returns the refreshed quota.
func (r *Reservation) Commit(ctx context.Context) (Quota, error) {
	if r == nil {
		return Quota{}, errors.New("admission: nil reservation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return Quota{}, errors.New("admission: reservation already settled")
	}
	r.done = true
	// The increment and the hold release happen under the account lock so a
	// concurrent Reserve never counts this call twice.
	r.slot.mu.Lock()
	err := r.c.RecordUsage(ctx, r.email)
	if r.held {
		r.slot.inflight--
		r.held = false
	}
	r.slot.mu.Unlock()
	r.c.releaseSlot(r.email, r.slot)
	if err != nil {
		return Quota{}, err
	}
	return r.c.CheckQuota(ctx, r.email)
}

// Release drops the reservation without recording usage. Safe to call after Commit.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.settle()
}

func (r *Reservation) settle() {
	if r.held {
		r.slot.mu.Lock()
		r.slot.inflight--
		r.slot.mu.Unlock()
		r.held = false
	}
	r.c.releaseSlot(r.email, r.slot)
}
