package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"recurswap/native/dca"
	"recurswap/observability"
	"recurswap/services/dcad/storage"
)

var (
	// ErrFeeTooLow is returned when a registration pays less than the estimate.
	ErrFeeTooLow = errors.New("scheduler: fee below estimate")
	// ErrDueTimeRequired is returned for registrations without a due time.
	ErrDueTimeRequired = errors.New("scheduler: due time required")
	// ErrNoCallback is returned when neither the registration nor the
	// scheduler supplies a callback.
	ErrNoCallback = errors.New("scheduler: callback required")
)

// EntryStore persists pending registrations across restarts.
type EntryStore interface {
	SaveEntry(ctx context.Context, entry storage.ScheduleEntry) error
	DeleteEntry(ctx context.Context, id string) error
	Entries(ctx context.Context) ([]storage.ScheduleEntry, error)
}

// Config prices registrations and paces the timer loop.
type Config struct {
	BaseFee      *uint256.Int
	PerEffortFee *uint256.Int
	// Tick is the polling interval of Run.
	Tick time.Duration
	// LowTierDelay is how long after its due time a low priority entry may
	// fire. Low priority estimates carry no timestamp.
	LowTierDelay time.Duration
}

type entry struct {
	id       string
	payload  []byte
	due      time.Time
	priority dca.Priority
	effort   uint64
	fee      *uint256.Int
	cb       dca.Callback
	inFlight bool
}

func (e *entry) fireAt(lowDelay time.Duration) time.Time {
	if e.priority == dca.PriorityLow {
		return e.due.Add(lowDelay)
	}
	return e.due
}

// Scheduler is an in-process implementation of dca.Scheduler. Each
// registration fires once; a registration is never fired twice
// concurrently.
type Scheduler struct {
	store   EntryStore
	cfg     Config
	logger  *slog.Logger
	metrics *observability.SchedulerMetrics

	mu       sync.Mutex
	entries  map[string]*entry
	fallback dca.Callback
	nowFn    func() time.Time
	wg       sync.WaitGroup
}

var _ dca.Scheduler = (*Scheduler)(nil)

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithMetrics overrides the metrics registry. Passing nil disables metrics.
func WithMetrics(metrics *observability.SchedulerMetrics) Option {
	return func(s *Scheduler) { s.metrics = metrics }
}

// New constructs a scheduler over store.
func New(store EntryStore, cfg Config, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("scheduler: entry store required")
	}
	if cfg.BaseFee == nil {
		cfg.BaseFee = new(uint256.Int)
	}
	if cfg.PerEffortFee == nil {
		cfg.PerEffortFee = new(uint256.Int)
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.LowTierDelay < 0 {
		return nil, fmt.Errorf("scheduler: low tier delay must not be negative")
	}
	s := &Scheduler{
		store:   store,
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.Scheduler(),
		entries: make(map[string]*entry),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetCallback installs the callback used for entries reloaded from storage,
// whose original callback did not survive the restart.
func (s *Scheduler) SetCallback(cb dca.Callback) {
	s.mu.Lock()
	s.fallback = cb
	s.mu.Unlock()
}

// Load restores persisted registrations.
func (s *Scheduler) Load(ctx context.Context) error {
	records, err := s.store.Entries(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		fee, err := uint256.FromDecimal(rec.Fee)
		if err != nil {
			return fmt.Errorf("scheduler: entry %s fee %q: %w", rec.ID, rec.Fee, err)
		}
		s.entries[rec.ID] = &entry{
			id:       rec.ID,
			payload:  append([]byte(nil), rec.Payload...),
			due:      rec.DueTime.UTC(),
			priority: dca.Priority(rec.Priority),
			effort:   rec.Effort,
			fee:      fee,
		}
	}
	s.metrics.SetPending(len(s.entries))
	return nil
}

// EstimateFee prices reg as base + effort*perEffort, scaled by tier: high
// pays triple, medium double. Low priority estimates omit the timestamp.
func (s *Scheduler) EstimateFee(_ context.Context, reg dca.Registration) (dca.FeeEstimate, error) {
	fee, err := s.price(reg)
	if err != nil {
		return dca.FeeEstimate{}, err
	}
	out := dca.FeeEstimate{Fee: fee}
	if reg.Priority != dca.PriorityLow {
		due := reg.DueTime
		out.Timestamp = &due
	}
	return out, nil
}

func (s *Scheduler) price(reg dca.Registration) (*uint256.Int, error) {
	var multiplier uint64
	switch reg.Priority {
	case dca.PriorityHigh:
		multiplier = 3
	case dca.PriorityMedium:
		multiplier = 2
	case dca.PriorityLow:
		multiplier = 1
	default:
		return nil, fmt.Errorf("scheduler: unknown priority %d", reg.Priority)
	}
	effort, overflow := new(uint256.Int).MulOverflow(s.cfg.PerEffortFee, uint256.NewInt(reg.Effort))
	if overflow {
		return nil, fmt.Errorf("scheduler: fee overflows")
	}
	fee, overflow := new(uint256.Int).AddOverflow(s.cfg.BaseFee, effort)
	if overflow {
		return nil, fmt.Errorf("scheduler: fee overflows")
	}
	if _, overflow := fee.MulOverflow(fee, uint256.NewInt(multiplier)); overflow {
		return nil, fmt.Errorf("scheduler: fee overflows")
	}
	return fee, nil
}

// Register accepts reg when fee covers the estimate and persists it.
func (s *Scheduler) Register(ctx context.Context, cb dca.Callback, reg dca.Registration, fee *uint256.Int) (string, error) {
	if reg.DueTime.IsZero() {
		return "", ErrDueTimeRequired
	}
	required, err := s.price(reg)
	if err != nil {
		return "", err
	}
	if fee == nil || fee.Lt(required) {
		paid := "0"
		if fee != nil {
			paid = fee.Dec()
		}
		return "", fmt.Errorf("%w: paid %s, need %s", ErrFeeTooLow, paid, required.Dec())
	}
	if cb == nil {
		s.mu.Lock()
		cb = s.fallback
		s.mu.Unlock()
		if cb == nil {
			return "", ErrNoCallback
		}
	}
	e := &entry{
		id:       uuid.NewString(),
		payload:  append([]byte(nil), reg.Payload...),
		due:      reg.DueTime.UTC(),
		priority: reg.Priority,
		effort:   reg.Effort,
		fee:      new(uint256.Int).Set(fee),
		cb:       cb,
	}
	if err := s.store.SaveEntry(ctx, storage.ScheduleEntry{
		ID:       e.id,
		Payload:  e.payload,
		DueTime:  e.due,
		Priority: uint8(e.priority),
		Effort:   e.effort,
		Fee:      e.fee.Dec(),
	}); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.entries[e.id] = e
	pending := len(s.entries)
	s.mu.Unlock()
	s.metrics.SetPending(pending)
	return e.id, nil
}

// Cancel drops a pending registration. Unknown ids are ignored; a
// registration already firing completes but is not repeated.
func (s *Scheduler) Cancel(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	_, ok := s.entries[scheduleID]
	delete(s.entries, scheduleID)
	pending := len(s.entries)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.metrics.SetPending(pending)
	return s.store.DeleteEntry(ctx, scheduleID)
}

// Pending returns the number of registrations not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run polls for due registrations until ctx is cancelled, then waits for
// in-flight callbacks.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		s.Poll(ctx)
		select {
		case <-ctx.Done():
			s.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll starts a callback for every due registration that is not already in
// flight and returns how many were started.
func (s *Scheduler) Poll(ctx context.Context) int {
	now := s.nowFn()
	s.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range s.entries {
		if e.inFlight || e.fireAt(s.cfg.LowTierDelay).After(now) {
			continue
		}
		if e.cb == nil {
			e.cb = s.fallback
		}
		if e.cb == nil {
			continue
		}
		e.inFlight = true
		due = append(due, e)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	for _, e := range due {
		s.wg.Add(1)
		go s.fire(ctx, e, now)
	}
	return len(due)
}

// Wait blocks until every started callback has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	defer s.wg.Done()
	lag := now.Sub(e.due)
	err := e.cb.Fire(ctx, e.payload)
	s.metrics.ObserveFire(lag, err)
	if err != nil {
		s.logger.Warn("scheduled callback failed",
			slog.String("schedule_id", e.id),
			slog.Duration("lag", lag),
			slog.Any("error", err))
	}

	s.mu.Lock()
	current, ok := s.entries[e.id]
	if ok && current == e {
		delete(s.entries, e.id)
	}
	pending := len(s.entries)
	s.mu.Unlock()
	s.metrics.SetPending(pending)
	if err := s.store.DeleteEntry(context.WithoutCancel(ctx), e.id); err != nil {
		s.logger.Error("delete fired schedule entry failed",
			slog.String("schedule_id", e.id),
			slog.Any("error", err))
	}
}
