package dca

import (
	"context"

	"github.com/holiman/uint256"
)

// Store persists plans, execution records and fee ledger balances. Every
// plan mutation is written through before it becomes visible.
type Store interface {
	MaxPlanID(ctx context.Context) (uint64, error)
	Owners(ctx context.Context) ([]string, error)
	LoadPlans(ctx context.Context, owner string) ([]*Plan, error)
	SavePlan(ctx context.Context, plan *Plan) error
	AppendExecution(ctx context.Context, exec *Execution) error
	LedgerBalance(ctx context.Context, owner string) (*uint256.Int, error)
	SaveLedgerBalance(ctx context.Context, owner string, balance *uint256.Int) error
}
