package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"recurswap/native/dca"
	"recurswap/observability"
)

// Source lists Active plans that have no pending registration.
type Source interface {
	StalledPlans() []*dca.Plan
}

// Sweeper periodically reports stalled plans through the stalled gauge and
// the log. It never re-arms plans itself; owners resume them.
type Sweeper struct {
	source  Source
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *observability.DCAMetrics
}

// Option customises a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry. Passing nil disables metrics.
func WithMetrics(metrics *observability.DCAMetrics) Option {
	return func(s *Sweeper) { s.metrics = metrics }
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New schedules a sweep of source on spec, a cron expression or descriptor
// such as "@every 1m".
func New(source Source, spec string, opts ...Option) (*Sweeper, error) {
	if source == nil {
		return nil, fmt.Errorf("sweeper: source required")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("sweeper: schedule required")
	}
	s := &Sweeper{
		source:  source,
		logger:  slog.Default(),
		metrics: observability.DCA(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("sweeper: schedule %q: %w", spec, err)
	}
	return s, nil
}

// Sweep reports the current stalled plans and returns how many there are.
func (s *Sweeper) Sweep() int {
	stalled := s.source.StalledPlans()
	s.metrics.SetStalled(len(stalled))
	for _, plan := range stalled {
		s.logger.Warn("plan stalled awaiting resume",
			slog.String("owner", plan.Owner),
			slog.Uint64("plan_id", plan.ID),
			slog.Uint64("failed_attempts", uint64(plan.FailedAttempts)),
			slog.String("last_error", plan.LastError))
	}
	return len(stalled)
}

// Run starts the cron loop and blocks until ctx is cancelled and the running
// sweep, if any, has finished.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Sweep()
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}
