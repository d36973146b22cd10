// Package runner wraps an inference.Generator with the per-call timeout, the
// history token budget, structured logging and metrics shared by every model call.
package runner

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/ehosp/pkg/inference"
	"github.com/go-go-golems/ehosp/pkg/metrics"
)

const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when a call exceeds the runner's timeout.
var ErrTimeout = errors.New("model call timed out")

type Runner struct {
	gen     inference.Generator
	timeout time.Duration
	budget  *HistoryBudget
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Runner)

func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithHistoryBudget(b *HistoryBudget) Option {
	return func(r *Runner) { r.budget = b }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func New(gen inference.Generator, opts ...Option) (*Runner, error) {
	if gen == nil {
		return nil, errors.New("runner: generator is nil")
	}
	r := &Runner{gen: gen, timeout: DefaultTimeout, logger: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Run executes one model call. The request history is trimmed to the token budget
// first; expiry of the timeout is reported as ErrTimeout.
func (r *Runner) Run(ctx context.Context, req inference.Request) (string, error) {
	if ctx == nil {
		return "", errors.New("runner: ctx is nil")
	}
	if r.budget != nil {
		req.History = r.budget.Trim(req.History)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	text, err := r.gen.Generate(callCtx, req)
	elapsed := time.Since(start)

	if err == nil && callCtx.Err() != nil && ctx.Err() == nil {
		err = callCtx.Err()
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = errors.Wrapf(ErrTimeout, "after %s", r.timeout)
		}
		r.metrics.RecordModelCall(string(req.Kind), "error", elapsed)
		r.logger.Warn().Err(err).Str("kind", string(req.Kind)).Dur("elapsed", elapsed).Msg("model call failed")
		return "", err
	}
	r.metrics.RecordModelCall(string(req.Kind), "ok", elapsed)
	r.logger.Debug().
		Str("kind", string(req.Kind)).
		Int("history", len(req.History)).
		Int("images", len(req.Images)).
		Dur("elapsed", elapsed).
		Msg("model call completed")
	return text, nil
}
