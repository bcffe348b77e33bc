package dca

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"recurswap/native/fixedpoint"
)

// Plan is one recurring swap instruction together with its execution state.
// Plans are never deleted; terminal plans are retained for audit.
type Plan struct {
	ID     uint64
	Owner  string
	Config Config

	Status              PlanStatus
	NextExecutionTime   *time.Time
	ExecutionCount      uint64
	TotalSourceSpent    *uint256.Int
	TotalTargetReceived *uint256.Int
	// AveragePrice is target units per source unit in Q128.128.
	AveragePrice *uint256.Int

	CreatedAt      time.Time
	LastExecutedAt *time.Time
	// Armed reports whether a scheduler registration is pending for the plan.
	Armed      bool
	ScheduleID string
	// ArmEpoch increments on every registration. Triggers carrying an older
	// epoch are discarded.
	ArmEpoch       uint64
	FailedAttempts uint32
	LastError      string
}

// NewPlan builds an Active plan due at firstExecution.
func NewPlan(id uint64, owner string, cfg Config, createdAt, firstExecution time.Time) *Plan {
	next := firstExecution
	return &Plan{
		ID:                  id,
		Owner:               owner,
		Config:              cfg.Normalize(),
		Status:              PlanActive,
		NextExecutionTime:   &next,
		TotalSourceSpent:    new(uint256.Int),
		TotalTargetReceived: new(uint256.Int),
		AveragePrice:        fixedpoint.Zero(),
		CreatedAt:           createdAt,
	}
}

// Clone returns a deep copy so callers can mutate it without touching the
// stored instance.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Config = p.Config.Clone()
	clone.NextExecutionTime = cloneTime(p.NextExecutionTime)
	clone.LastExecutedAt = cloneTime(p.LastExecutedAt)
	clone.TotalSourceSpent = cloneAmount(p.TotalSourceSpent)
	clone.TotalTargetReceived = cloneAmount(p.TotalTargetReceived)
	clone.AveragePrice = cloneAmount(p.AveragePrice)
	return &clone
}

// MaxReached reports whether a bounded plan has used all its executions.
func (p *Plan) MaxReached() bool {
	return p.Config.MaxExecutions != nil && p.ExecutionCount >= *p.Config.MaxExecutions
}

// RemainingExecutions returns nil for unbounded plans.
func (p *Plan) RemainingExecutions() *uint64 {
	if p.Config.MaxExecutions == nil {
		return nil
	}
	remaining := uint64(0)
	if *p.Config.MaxExecutions > p.ExecutionCount {
		remaining = *p.Config.MaxExecutions - p.ExecutionCount
	}
	return &remaining
}

// Pause moves an Active plan to Paused. Pausing a Paused plan is a no-op.
func (p *Plan) Pause() error {
	switch p.Status {
	case PlanPaused:
		return nil
	case PlanActive:
		p.Status = PlanPaused
		p.NextExecutionTime = nil
		p.disarm()
		return nil
	default:
		return transitionError(p.Status, PlanPaused)
	}
}

// Resume moves a Paused plan back to Active. A nil next time schedules the
// plan one interval after now.
func (p *Plan) Resume(now time.Time, next *time.Time) error {
	if p.Status != PlanPaused {
		return transitionError(p.Status, PlanActive)
	}
	p.Status = PlanActive
	p.setNext(now, next)
	p.FailedAttempts = 0
	p.LastError = ""
	return nil
}

// Rearm refreshes the due time of an Active plan whose registration lapsed.
func (p *Plan) Rearm(now time.Time, next *time.Time) error {
	if p.Status != PlanActive {
		return transitionError(p.Status, PlanActive)
	}
	p.setNext(now, next)
	p.FailedAttempts = 0
	p.LastError = ""
	return nil
}

// Cancel terminates an Active or Paused plan. It is irreversible.
func (p *Plan) Cancel() error {
	switch p.Status {
	case PlanActive, PlanPaused:
		p.Status = PlanCancelled
		p.NextExecutionTime = nil
		p.disarm()
		return nil
	default:
		return transitionError(p.Status, PlanCancelled)
	}
}

// Complete marks an Active plan whose execution bound has been reached.
func (p *Plan) Complete() error {
	if p.Status != PlanActive {
		return transitionError(p.Status, PlanCompleted)
	}
	if !p.MaxReached() {
		return fmt.Errorf("%w: %d of %d executions used", ErrInvalidTransition, p.ExecutionCount, *p.Config.MaxExecutions)
	}
	p.Status = PlanCompleted
	p.NextExecutionTime = nil
	p.disarm()
	return nil
}

// RecordExecution applies a successful swap. The new totals and average are
// computed before anything is mutated, so a failure leaves the plan intact.
func (p *Plan) RecordExecution(amountIn, amountOut *uint256.Int, now time.Time) error {
	if p.Status != PlanActive {
		return fmt.Errorf("%w: cannot record execution on %s plan", ErrInvalidTransition, p.Status)
	}
	if p.MaxReached() {
		return fmt.Errorf("%w: execution bound reached", ErrInvalidTransition)
	}
	if amountIn == nil || amountIn.IsZero() {
		return fmt.Errorf("dca: execution amount in must be positive")
	}
	if amountOut == nil {
		amountOut = new(uint256.Int)
	}
	spent, overflow := new(uint256.Int).AddOverflow(amountOrZero(p.TotalSourceSpent), amountIn)
	if overflow {
		return fmt.Errorf("dca: total source spent overflows")
	}
	received, overflow := new(uint256.Int).AddOverflow(amountOrZero(p.TotalTargetReceived), amountOut)
	if overflow {
		return fmt.Errorf("dca: total target received overflows")
	}
	price, err := fixedpoint.AveragePrice(received, spent)
	if err != nil {
		return err
	}

	at := now
	p.ExecutionCount++
	p.TotalSourceSpent = spent
	p.TotalTargetReceived = received
	p.AveragePrice = price
	p.LastExecutedAt = &at
	p.FailedAttempts = 0
	p.LastError = ""
	p.disarm()
	if p.MaxReached() {
		p.Status = PlanCompleted
		p.NextExecutionTime = nil
		return nil
	}
	next := now.Add(p.Config.Interval())
	p.NextExecutionTime = &next
	return nil
}

// Validate checks the structural invariants of the plan state.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("dca: nil plan")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("dca: plan %d has invalid status %d", p.ID, p.Status)
	}
	if p.Config.MaxExecutions != nil && p.ExecutionCount > *p.Config.MaxExecutions {
		return fmt.Errorf("dca: plan %d executed %d times, bound %d", p.ID, p.ExecutionCount, *p.Config.MaxExecutions)
	}
	if (p.NextExecutionTime != nil) != (p.Status == PlanActive) {
		return fmt.Errorf("dca: plan %d next execution time inconsistent with %s status", p.ID, p.Status)
	}
	if p.Armed && p.Status != PlanActive {
		return fmt.Errorf("dca: plan %d armed while %s", p.ID, p.Status)
	}
	return nil
}

func (p *Plan) setNext(now time.Time, next *time.Time) {
	due := now.Add(p.Config.Interval())
	if next != nil {
		due = *next
	}
	p.NextExecutionTime = &due
}

func (p *Plan) disarm() {
	p.Armed = false
	p.ScheduleID = ""
}

func transitionError(from, to PlanStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
