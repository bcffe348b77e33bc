package dca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"recurswap/core/events"
	"recurswap/core/types"
	"recurswap/native/venue"
)

var (
	errNilStore     = errors.New("dca: store not configured")
	errNilScheduler = errors.New("dca: scheduler not configured")
	errNoCallback   = errors.New("dca: scheduler callback not configured")
)

// ScheduleOptions selects the scheduler tier used for every registration.
type ScheduleOptions struct {
	Priority Priority
	Effort   uint64
}

// Directory owns the per-owner registries and the global plan id sequence.
type Directory struct {
	store     Store
	scheduler Scheduler
	tokens    *venue.TokenRegistry
	schedule  ScheduleOptions

	mu         sync.RWMutex
	callback   Callback
	registries map[string]*Registry
	lastID     uint64

	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() time.Time
}

// DirectoryOption customises a Directory.
type DirectoryOption func(*Directory)

// WithScheduleOptions sets the scheduler tier and effort.
func WithScheduleOptions(opts ScheduleOptions) DirectoryOption {
	return func(d *Directory) { d.schedule = opts }
}

// WithTokens rejects plans naming unregistered assets at creation.
func WithTokens(tokens *venue.TokenRegistry) DirectoryOption {
	return func(d *Directory) { d.tokens = tokens }
}

// WithDirectoryLogger sets the structured logger.
func WithDirectoryLogger(logger *slog.Logger) DirectoryOption {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDirectory seeds the id sequence and loads every persisted registry.
func NewDirectory(ctx context.Context, store Store, scheduler Scheduler, opts ...DirectoryOption) (*Directory, error) {
	if store == nil {
		return nil, errNilStore
	}
	if scheduler == nil {
		return nil, errNilScheduler
	}
	d := &Directory{
		store:      store,
		scheduler:  scheduler,
		schedule:   ScheduleOptions{Priority: PriorityMedium, Effort: 1_000},
		registries: make(map[string]*Registry),
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	last, err := store.MaxPlanID(ctx)
	if err != nil {
		return nil, fmt.Errorf("dca: load plan sequence: %w", err)
	}
	d.lastID = last
	owners, err := store.Owners(ctx)
	if err != nil {
		return nil, fmt.Errorf("dca: load owners: %w", err)
	}
	for _, owner := range owners {
		reg, err := d.loadRegistry(ctx, owner)
		if err != nil {
			return nil, err
		}
		d.registries[owner] = reg
	}
	return d, nil
}

// SetCallback installs the handler the scheduler invokes.
func (d *Directory) SetCallback(cb Callback) {
	d.mu.Lock()
	d.callback = cb
	d.mu.Unlock()
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (d *Directory) SetEmitter(emitter events.Emitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if emitter == nil {
		d.emitter = events.NoopEmitter{}
		return
	}
	d.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (d *Directory) SetNowFunc(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now == nil {
		d.nowFn = time.Now
		return
	}
	d.nowFn = now
}

// Registry returns the owner's registry, creating an empty one on first use.
func (d *Directory) Registry(owner string) (*Registry, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, configError("owner", "required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if reg, ok := d.registries[owner]; ok {
		return reg, nil
	}
	reg := newRegistry(d, owner, new(uint256.Int))
	d.registries[owner] = reg
	return reg, nil
}

// Lookup returns an existing registry without creating one.
func (d *Directory) Lookup(owner string) (*Registry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.registries[strings.TrimSpace(owner)]
	return reg, ok
}

// Owners lists the owners with a registry.
func (d *Directory) Owners() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.registries))
	for owner := range d.registries {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

// StalledPlans lists Active plans with no pending registration.
func (d *Directory) StalledPlans() []*Plan {
	out := make([]*Plan, 0)
	for _, owner := range d.Owners() {
		reg, ok := d.Lookup(owner)
		if !ok {
			continue
		}
		for _, plan := range reg.ActivePlans() {
			if !plan.Armed {
				out = append(out, plan)
			}
		}
	}
	return out
}

func (d *Directory) loadRegistry(ctx context.Context, owner string) (*Registry, error) {
	balance, err := d.store.LedgerBalance(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("dca: load ledger for %s: %w", owner, err)
	}
	reg := newRegistry(d, owner, balance)
	plans, err := d.store.LoadPlans(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("dca: load plans for %s: %w", owner, err)
	}
	for _, plan := range plans {
		if err := plan.Validate(); err != nil {
			return nil, err
		}
		reg.slots[plan.ID] = &planSlot{plan: plan}
	}
	return reg, nil
}

func (d *Directory) allocateID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastID++
	return d.lastID
}

func (d *Directory) now() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.nowFn == nil {
		return time.Now()
	}
	return d.nowFn()
}

func (d *Directory) emit(event *types.Event) {
	if event == nil {
		return
	}
	d.mu.RLock()
	emitter := d.emitter
	d.mu.RUnlock()
	if emitter == nil {
		return
	}
	emitter.Emit(planEvent{evt: event})
}

func (d *Directory) currentCallback() Callback {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callback
}

// planSlot is the arena entry for one plan. The mutex is held for the whole
// of a handler run and for every owner mutation.
type planSlot struct {
	mu   sync.Mutex
	plan *Plan
}

// Registry is one owner's plans plus the delegated vault capabilities used
// to move that owner's funds.
type Registry struct {
	owner  string
	dir    *Directory
	ledger *FeeLedger

	mu       sync.RWMutex
	slots    map[uint64]*planSlot
	withdraw map[string]*Capability
	deposit  map[string]*Capability
	fee      *Capability
}

func newRegistry(d *Directory, owner string, balance *uint256.Int) *Registry {
	reg := &Registry{
		owner:    owner,
		dir:      d,
		slots:    make(map[uint64]*planSlot),
		withdraw: make(map[string]*Capability),
		deposit:  make(map[string]*Capability),
	}
	reg.ledger = newFeeLedger(reg, balance)
	return reg
}

// Owner returns the registry owner.
func (r *Registry) Owner() string { return r.owner }

// Ledger returns the owner's fee prepayment ledger.
func (r *Registry) Ledger() *FeeLedger { return r.ledger }

// Authorize installs a capability. A live capability of the same kind and
// asset cannot be replaced; revoke it first.
func (r *Registry) Authorize(grant *Capability) error {
	if grant == nil {
		return &AuthorizationError{Reason: "missing"}
	}
	if grant.Owner() != r.owner {
		return &AuthorizationError{Kind: grant.Kind(), Asset: grant.Asset(), Reason: "belongs to another owner"}
	}
	if err := grant.Check(grant.Kind(), grant.Asset()); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch grant.Kind() {
	case CapWithdraw:
		if existing := r.withdraw[grant.Asset()]; existing != nil && !existing.Revoked() {
			return &AuthorizationError{Kind: CapWithdraw, Asset: grant.Asset(), Reason: "already granted"}
		}
		r.withdraw[grant.Asset()] = grant
	case CapDeposit:
		if existing := r.deposit[grant.Asset()]; existing != nil && !existing.Revoked() {
			return &AuthorizationError{Kind: CapDeposit, Asset: grant.Asset(), Reason: "already granted"}
		}
		r.deposit[grant.Asset()] = grant
	case CapFee:
		if r.fee != nil && !r.fee.Revoked() {
			return &AuthorizationError{Kind: CapFee, Asset: grant.Asset(), Reason: "already granted"}
		}
		r.fee = grant
	default:
		return &AuthorizationError{Kind: grant.Kind(), Asset: grant.Asset(), Reason: "unsupported kind"}
	}
	return nil
}

// Revoke invalidates the capability of kind for asset. The asset is ignored
// for the fee capability. Revoking a missing capability is a no-op.
func (r *Registry) Revoke(kind CapabilityKind, asset string) {
	if grant := r.capability(kind, asset); grant != nil {
		grant.Revoke()
	}
}

func (r *Registry) capability(kind CapabilityKind, asset string) *Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case CapWithdraw:
		return r.withdraw[venue.NormalizeAsset(asset)]
	case CapDeposit:
		return r.deposit[venue.NormalizeAsset(asset)]
	case CapFee:
		return r.fee
	default:
		return nil
	}
}

// CheckCapability reports whether a usable capability of kind is installed.
func (r *Registry) CheckCapability(kind CapabilityKind, asset string) error {
	if kind == CapFee {
		asset = ""
	}
	return r.capability(kind, asset).Check(kind, asset)
}

// CreateOptions tunes plan creation.
type CreateOptions struct {
	// FirstDelay is the wait before the first execution.
	FirstDelay time.Duration
	// Prefund funds the fee ledger for this many executions before arming.
	Prefund uint64
}

// CreatePlan validates cfg, stores a new Active plan and arms its first
// execution. Invalid configurations are never stored. When the plan is
// stored but arming fails, the plan is returned together with the error.
func (r *Registry) CreatePlan(ctx context.Context, cfg Config, opts CreateOptions) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.FirstDelay < 0 {
		return nil, configError("first_delay", "must not be negative")
	}
	cfg = cfg.Normalize()
	if r.dir.tokens != nil {
		if _, err := r.dir.tokens.Resolve(cfg.SourceAsset); err != nil {
			return nil, err
		}
		if _, err := r.dir.tokens.Resolve(cfg.TargetAsset); err != nil {
			return nil, err
		}
	}
	if err := r.CheckCapability(CapWithdraw, cfg.SourceAsset); err != nil {
		return nil, err
	}
	if err := r.CheckCapability(CapDeposit, cfg.TargetAsset); err != nil {
		return nil, err
	}

	now := r.dir.now()
	plan := NewPlan(r.dir.allocateID(), r.owner, cfg, now, now.Add(opts.FirstDelay))
	if err := r.dir.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("dca: save plan: %w", err)
	}
	slot := &planSlot{plan: plan}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	r.mu.Lock()
	r.slots[plan.ID] = slot
	r.mu.Unlock()
	r.dir.emit(NewPlanEvent(EventTypePlanCreated, plan))

	work := plan.Clone()
	var armErr error
	if opts.Prefund > 0 {
		if _, err := r.ledger.fund(ctx, work, opts.Prefund); err != nil {
			armErr = err
		}
	}
	if armErr == nil {
		armErr = r.arm(ctx, work, *work.NextExecutionTime)
	}
	if armErr != nil {
		work.LastError = armErr.Error()
	}
	if err := r.commitLocked(ctx, slot, work); err != nil {
		return plan.Clone(), err
	}
	if armErr != nil {
		r.stall(work, armErr)
		return work.Clone(), armErr
	}
	return work.Clone(), nil
}

// Pause stops an Active plan and cancels its pending registration. Pausing
// a Paused plan is a no-op.
func (r *Registry) Pause(ctx context.Context, id uint64) (*Plan, error) {
	slot, err := r.slot(id)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.plan.Status == PlanPaused {
		return slot.plan.Clone(), nil
	}
	work := slot.plan.Clone()
	scheduleID := work.ScheduleID
	if err := work.Pause(); err != nil {
		return nil, err
	}
	if err := r.commitLocked(ctx, slot, work); err != nil {
		return nil, err
	}
	r.cancelRegistration(ctx, work, scheduleID)
	r.dir.emit(NewPlanEvent(EventTypePlanPaused, work))
	return work.Clone(), nil
}

// Resume re-activates a Paused plan, or re-arms an Active plan whose
// registration lapsed. A nil delay schedules one interval from now. Resuming
// an Active, armed plan is a no-op.
func (r *Registry) Resume(ctx context.Context, id uint64, delay *time.Duration) (*Plan, error) {
	if delay != nil && *delay < 0 {
		return nil, configError("delay", "must not be negative")
	}
	slot, err := r.slot(id)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	current := slot.plan
	if current.Status == PlanActive && current.Armed {
		return current.Clone(), nil
	}
	if current.Status == PlanActive || current.Status == PlanPaused {
		if err := r.CheckCapability(CapWithdraw, current.Config.SourceAsset); err != nil {
			return nil, err
		}
		if err := r.CheckCapability(CapDeposit, current.Config.TargetAsset); err != nil {
			return nil, err
		}
	}
	now := r.dir.now()
	var next *time.Time
	if delay != nil {
		at := now.Add(*delay)
		next = &at
	}
	work := current.Clone()
	if work.Status == PlanPaused {
		err = work.Resume(now, next)
	} else {
		err = work.Rearm(now, next)
	}
	if err != nil {
		return nil, err
	}
	armErr := r.arm(ctx, work, *work.NextExecutionTime)
	if armErr != nil {
		work.LastError = armErr.Error()
	}
	if err := r.commitLocked(ctx, slot, work); err != nil {
		return nil, err
	}
	r.dir.emit(NewPlanEvent(EventTypePlanResumed, work))
	if armErr != nil {
		r.stall(work, armErr)
		return work.Clone(), armErr
	}
	return work.Clone(), nil
}

// Cancel terminates a plan. When no live plans remain the fee ledger is
// drained back to the fee vault.
func (r *Registry) Cancel(ctx context.Context, id uint64) (*Plan, error) {
	slot, err := r.slot(id)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	work := slot.plan.Clone()
	scheduleID := work.ScheduleID
	if err := work.Cancel(); err != nil {
		slot.mu.Unlock()
		return nil, err
	}
	if err := r.commitLocked(ctx, slot, work); err != nil {
		slot.mu.Unlock()
		return nil, err
	}
	slot.mu.Unlock()
	r.cancelRegistration(ctx, work, scheduleID)
	r.dir.emit(NewPlanEvent(EventTypePlanCancelled, work))

	if len(r.livePlans()) == 0 && !r.ledger.Balance().IsZero() {
		if _, err := r.ledger.Drain(ctx); err != nil {
			r.dir.logger.Warn("drain fee ledger failed",
				slog.String("owner", r.owner),
				slog.Any("error", err))
		}
	}
	return work.Clone(), nil
}

// Plan returns a copy of the plan.
func (r *Registry) Plan(id uint64) (*Plan, error) {
	slot, err := r.slot(id)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.plan.Clone(), nil
}

// Plans returns copies of every plan ordered by id.
func (r *Registry) Plans() []*Plan {
	return r.collect(func(*Plan) bool { return true })
}

// ActivePlans returns copies of the Active plans ordered by id.
func (r *Registry) ActivePlans() []*Plan {
	return r.collect(func(p *Plan) bool { return p.Status == PlanActive })
}

func (r *Registry) livePlans() []*Plan {
	return r.collect(func(p *Plan) bool { return !p.Status.Terminal() })
}

func (r *Registry) collect(keep func(*Plan) bool) []*Plan {
	r.mu.RLock()
	slots := make([]*planSlot, 0, len(r.slots))
	for _, slot := range r.slots {
		slots = append(slots, slot)
	}
	r.mu.RUnlock()
	out := make([]*Plan, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		if keep(slot.plan) {
			out = append(out, slot.plan.Clone())
		}
		slot.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) slot(id uint64) (*planSlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPlanNotFound, id)
	}
	return slot, nil
}

// commitLocked validates and persists work, then publishes it to the slot.
// The caller holds slot.mu.
func (r *Registry) commitLocked(ctx context.Context, slot *planSlot, work *Plan) error {
	if err := work.Validate(); err != nil {
		return err
	}
	if err := r.dir.store.SavePlan(ctx, work); err != nil {
		return fmt.Errorf("dca: save plan %d: %w", work.ID, err)
	}
	slot.plan = work.Clone()
	return nil
}

// arm registers the next trigger for work at due. On success work carries
// the new epoch and schedule id; on failure it is left unarmed.
func (r *Registry) arm(ctx context.Context, work *Plan, due time.Time) error {
	if work.Status != PlanActive || work.NextExecutionTime == nil {
		return fmt.Errorf("%w: cannot arm %s plan", ErrInvalidTransition, work.Status)
	}
	cb := r.dir.currentCallback()
	if cb == nil {
		return errNoCallback
	}
	work.Armed = false
	work.ScheduleID = ""
	work.ArmEpoch++
	payload, err := EncodePayload(Payload{Owner: r.owner, PlanID: work.ID, ArmEpoch: work.ArmEpoch})
	if err != nil {
		return err
	}
	reg := Registration{
		Payload:  payload,
		DueTime:  due,
		Priority: r.dir.schedule.Priority,
		Effort:   r.dir.schedule.Effort,
	}
	estimate, err := r.estimate(ctx, reg)
	if err != nil {
		return err
	}
	if err := r.ledger.WithdrawOne(ctx, estimate.Fee); err != nil {
		return err
	}
	scheduleID, err := r.dir.scheduler.Register(ctx, cb, reg, estimate.Fee)
	if err != nil {
		if refundErr := r.ledger.Refund(ctx, estimate.Fee); refundErr != nil {
			r.dir.logger.Error("refund registration fee failed",
				slog.String("owner", r.owner),
				slog.Uint64("plan_id", work.ID),
				slog.Any("error", refundErr))
		}
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	work.Armed = true
	work.ScheduleID = scheduleID
	r.dir.emit(NewArmedEvent(work, due, estimate.Fee))
	return nil
}

// estimate queries the scheduler fee. A missing timestamp is tolerated only
// at the low tier.
func (r *Registry) estimate(ctx context.Context, reg Registration) (FeeEstimate, error) {
	estimate, err := r.dir.scheduler.EstimateFee(ctx, reg)
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("%w: estimate fee: %v", ErrRegistration, err)
	}
	if estimate.Fee == nil {
		return FeeEstimate{}, fmt.Errorf("%w: estimate returned no fee", ErrRegistration)
	}
	if estimate.Timestamp == nil && reg.Priority != PriorityLow {
		return FeeEstimate{}, fmt.Errorf("%w: estimate returned no timestamp at %s priority", ErrRegistration, reg.Priority)
	}
	return estimate, nil
}

func (r *Registry) cancelRegistration(ctx context.Context, plan *Plan, scheduleID string) {
	if scheduleID == "" {
		return
	}
	if err := r.dir.scheduler.Cancel(ctx, scheduleID); err != nil {
		r.dir.logger.Warn("cancel scheduler registration failed",
			slog.String("owner", r.owner),
			slog.Uint64("plan_id", plan.ID),
			slog.String("schedule_id", scheduleID),
			slog.Any("error", err))
	}
}

// stall surfaces a plan that is Active but no longer ticking.
func (r *Registry) stall(plan *Plan, cause error) {
	r.dir.logger.Warn("plan stalled",
		slog.String("owner", r.owner),
		slog.Uint64("plan_id", plan.ID),
		slog.Any("error", cause))
	r.dir.emit(NewFailureEvent(EventTypePlanStalled, plan, failureReason(cause), plan.FailedAttempts))
}
