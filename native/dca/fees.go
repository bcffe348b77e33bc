package dca

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holiman/uint256"
)

// FundingBufferPercent is the safety margin applied when prefunding
// scheduler fees.
const FundingBufferPercent = 110

// FeeLedger is the balance an owner sets aside to pay scheduler fees. It is
// funded in bulk from the fee vault and drawn down once per registration.
type FeeLedger struct {
	reg *Registry

	mu      sync.Mutex
	balance *uint256.Int
}

func newFeeLedger(reg *Registry, balance *uint256.Int) *FeeLedger {
	return &FeeLedger{reg: reg, balance: cloneAmount(balance)}
}

// Balance returns a copy of the current balance.
func (l *FeeLedger) Balance() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.balance)
}

// FundFor estimates one execution of the plan, multiplies it by executions
// plus a ten percent buffer (rounded up) and moves that amount from the fee
// vault into the ledger. It returns the funded amount.
func (l *FeeLedger) FundFor(ctx context.Context, planID uint64, executions uint64) (*uint256.Int, error) {
	plan, err := l.reg.Plan(planID)
	if err != nil {
		return nil, err
	}
	return l.fund(ctx, plan, executions)
}

func (l *FeeLedger) fund(ctx context.Context, plan *Plan, executions uint64) (*uint256.Int, error) {
	if executions == 0 {
		return nil, configError("executions", "must be positive")
	}
	if plan.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot fund %s plan", ErrInvalidTransition, plan.Status)
	}
	if err := l.reg.CheckCapability(CapFee, ""); err != nil {
		return nil, err
	}
	due := l.reg.dir.now().Add(plan.Config.Interval())
	if plan.NextExecutionTime != nil {
		due = *plan.NextExecutionTime
	}
	payload, err := EncodePayload(Payload{Owner: l.reg.owner, PlanID: plan.ID, ArmEpoch: plan.ArmEpoch + 1})
	if err != nil {
		return nil, err
	}
	estimate, err := l.reg.estimate(ctx, Registration{
		Payload:  payload,
		DueTime:  due,
		Priority: l.reg.dir.schedule.Priority,
		Effort:   l.reg.dir.schedule.Effort,
	})
	if err != nil {
		return nil, err
	}
	amount, err := BufferedFee(estimate.Fee, executions)
	if err != nil {
		return nil, err
	}
	feeCap := l.reg.capability(CapFee, "")
	if err := feeCap.Withdraw(ctx, amount); err != nil {
		return nil, err
	}

	l.mu.Lock()
	next, overflow := new(uint256.Int).AddOverflow(l.balance, amount)
	if overflow {
		l.mu.Unlock()
		l.refundVault(ctx, feeCap, amount)
		return nil, fmt.Errorf("dca: fee ledger balance overflows")
	}
	if err := l.reg.dir.store.SaveLedgerBalance(ctx, l.reg.owner, next); err != nil {
		l.mu.Unlock()
		l.refundVault(ctx, feeCap, amount)
		return nil, fmt.Errorf("dca: save fee ledger: %w", err)
	}
	l.balance = next
	l.mu.Unlock()

	l.reg.dir.emit(NewLedgerEvent(EventTypeLedgerFunded, l.reg.owner, amount, next))
	return amount, nil
}

// WithdrawOne takes a single registration fee from the ledger. It fails with
// ErrLedgerExhausted when the balance is short.
func (l *FeeLedger) WithdrawOne(ctx context.Context, fee *uint256.Int) error {
	if fee == nil {
		fee = new(uint256.Int)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance.Lt(fee) {
		return fmt.Errorf("%w: balance %s, fee %s", ErrLedgerExhausted, l.balance.Dec(), fee.Dec())
	}
	next := new(uint256.Int).Sub(l.balance, fee)
	if err := l.reg.dir.store.SaveLedgerBalance(ctx, l.reg.owner, next); err != nil {
		return fmt.Errorf("dca: save fee ledger: %w", err)
	}
	l.balance = next
	return nil
}

// Refund credits back a fee the scheduler did not accept.
func (l *FeeLedger) Refund(ctx context.Context, fee *uint256.Int) error {
	if fee == nil || fee.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next, overflow := new(uint256.Int).AddOverflow(l.balance, fee)
	if overflow {
		return fmt.Errorf("dca: fee ledger balance overflows")
	}
	if err := l.reg.dir.store.SaveLedgerBalance(ctx, l.reg.owner, next); err != nil {
		return fmt.Errorf("dca: save fee ledger: %w", err)
	}
	l.balance = next
	return nil
}

// Drain returns the whole balance to the fee vault.
func (l *FeeLedger) Drain(ctx context.Context) (*uint256.Int, error) {
	feeCap := l.reg.capability(CapFee, "")
	l.mu.Lock()
	defer l.mu.Unlock()
	amount := new(uint256.Int).Set(l.balance)
	if amount.IsZero() {
		return amount, nil
	}
	if err := feeCap.Refund(ctx, amount); err != nil {
		return nil, err
	}
	if err := l.reg.dir.store.SaveLedgerBalance(ctx, l.reg.owner, new(uint256.Int)); err != nil {
		return nil, fmt.Errorf("dca: save fee ledger: %w", err)
	}
	l.balance = new(uint256.Int)
	l.reg.dir.emit(NewLedgerEvent(EventTypeLedgerDrained, l.reg.owner, amount, l.balance))
	return amount, nil
}

func (l *FeeLedger) refundVault(ctx context.Context, feeCap *Capability, amount *uint256.Int) {
	if err := feeCap.Refund(ctx, amount); err != nil {
		l.reg.dir.logger.Error("return fee funding failed",
			slog.String("owner", l.reg.owner),
			slog.String("amount", amount.Dec()),
			slog.Any("error", err))
	}
}

// BufferedFee returns ceil(fee * executions * 110 / 100).
func BufferedFee(fee *uint256.Int, executions uint64) (*uint256.Int, error) {
	if fee == nil {
		return new(uint256.Int), nil
	}
	total, overflow := new(uint256.Int).MulOverflow(fee, uint256.NewInt(executions))
	if overflow {
		return nil, fmt.Errorf("dca: fee funding overflows")
	}
	total, overflow = total.MulOverflow(total, uint256.NewInt(FundingBufferPercent))
	if overflow {
		return nil, fmt.Errorf("dca: fee funding overflows")
	}
	hundred := uint256.NewInt(100)
	quotient, remainder := new(uint256.Int).DivMod(total, hundred, new(uint256.Int))
	if !remainder.IsZero() {
		quotient.AddUint64(quotient, 1)
	}
	return quotient, nil
}
