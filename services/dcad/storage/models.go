package storage

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"recurswap/native/dca"
	"recurswap/native/venue"
)

// PlanRecord is the persisted form of a dca.Plan. Amounts are decimal
// strings so both backends store full 256-bit values.
type PlanRecord struct {
	ID                  uint64 `gorm:"primaryKey;autoIncrement:false"`
	Owner               string `gorm:"size:128;index"`
	SourceAsset         string `gorm:"size:32"`
	TargetAsset         string `gorm:"size:32"`
	AmountPerInterval   string `gorm:"size:80"`
	IntervalSeconds     uint64
	MaxSlippageBps      uint32
	MaxExecutions       *uint64
	FeeTier             uint32
	Status              uint8 `gorm:"index"`
	NextExecutionTime   *time.Time
	ExecutionCount      uint64
	TotalSourceSpent    string `gorm:"size:80"`
	TotalTargetReceived string `gorm:"size:80"`
	AveragePrice        string `gorm:"size:80"`
	CreatedAt           time.Time
	LastExecutedAt      *time.Time
	Armed               bool
	ScheduleID          string `gorm:"size:64"`
	ArmEpoch            uint64
	FailedAttempts      uint32
	LastError           string `gorm:"size:512"`
	UpdatedAt           time.Time
}

func (PlanRecord) TableName() string { return "dca_plans" }

// ExecutionRecord is one successful run.
type ExecutionRecord struct {
	ID         uint64 `gorm:"primaryKey"`
	PlanID     uint64 `gorm:"index"`
	Owner      string `gorm:"size:128;index"`
	Sequence   uint64
	AmountIn   string `gorm:"size:80"`
	AmountOut  string `gorm:"size:80"`
	RawOut     string `gorm:"size:80"`
	Dust       string `gorm:"size:80"`
	Venue      string `gorm:"size:16"`
	TxHash     string `gorm:"size:66"`
	ExecutedAt time.Time
}

func (ExecutionRecord) TableName() string { return "dca_executions" }

// LedgerRecord holds an owner's prepaid scheduler fee balance.
type LedgerRecord struct {
	Owner     string `gorm:"primaryKey;size:128"`
	Balance   string `gorm:"size:80"`
	UpdatedAt time.Time
}

func (LedgerRecord) TableName() string { return "dca_fee_ledgers" }

// VaultBalance is one owner's balance of one asset.
type VaultBalance struct {
	Owner     string `gorm:"primaryKey;size:128"`
	Asset     string `gorm:"primaryKey;size:32"`
	Balance   string `gorm:"size:80"`
	UpdatedAt time.Time
}

func (VaultBalance) TableName() string { return "dca_vault_balances" }

// ScheduleEntry is a pending scheduler registration.
type ScheduleEntry struct {
	ID        string `gorm:"primaryKey;size:64"`
	Payload   []byte
	DueTime   time.Time `gorm:"index"`
	Priority  uint8
	Effort    uint64
	Fee       string `gorm:"size:80"`
	CreatedAt time.Time
}

func (ScheduleEntry) TableName() string { return "dca_schedule_entries" }

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PlanRecord{},
		&ExecutionRecord{},
		&LedgerRecord{},
		&VaultBalance{},
		&ScheduleEntry{},
	)
}

func planToRecord(p *dca.Plan) PlanRecord {
	rec := PlanRecord{
		ID:                  p.ID,
		Owner:               p.Owner,
		SourceAsset:         p.Config.SourceAsset,
		TargetAsset:         p.Config.TargetAsset,
		AmountPerInterval:   decimalString(p.Config.AmountPerInterval),
		IntervalSeconds:     p.Config.IntervalSeconds,
		MaxSlippageBps:      p.Config.MaxSlippageBps,
		FeeTier:             p.Config.FeeTier,
		Status:              uint8(p.Status),
		ExecutionCount:      p.ExecutionCount,
		TotalSourceSpent:    decimalString(p.TotalSourceSpent),
		TotalTargetReceived: decimalString(p.TotalTargetReceived),
		AveragePrice:        decimalString(p.AveragePrice),
		CreatedAt:           p.CreatedAt.UTC(),
		Armed:               p.Armed,
		ScheduleID:          p.ScheduleID,
		ArmEpoch:            p.ArmEpoch,
		FailedAttempts:      p.FailedAttempts,
		LastError:           truncate(p.LastError, 512),
	}
	if p.Config.MaxExecutions != nil {
		limit := *p.Config.MaxExecutions
		rec.MaxExecutions = &limit
	}
	if p.NextExecutionTime != nil {
		next := p.NextExecutionTime.UTC()
		rec.NextExecutionTime = &next
	}
	if p.LastExecutedAt != nil {
		last := p.LastExecutedAt.UTC()
		rec.LastExecutedAt = &last
	}
	return rec
}

func recordToPlan(rec PlanRecord) (*dca.Plan, error) {
	amount, err := parseAmount("amount_per_interval", rec.AmountPerInterval)
	if err != nil {
		return nil, err
	}
	spent, err := parseAmount("total_source_spent", rec.TotalSourceSpent)
	if err != nil {
		return nil, err
	}
	received, err := parseAmount("total_target_received", rec.TotalTargetReceived)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount("average_price", rec.AveragePrice)
	if err != nil {
		return nil, err
	}
	plan := &dca.Plan{
		ID:    rec.ID,
		Owner: rec.Owner,
		Config: dca.Config{
			SourceAsset:       rec.SourceAsset,
			TargetAsset:       rec.TargetAsset,
			AmountPerInterval: amount,
			IntervalSeconds:   rec.IntervalSeconds,
			MaxSlippageBps:    rec.MaxSlippageBps,
			FeeTier:           rec.FeeTier,
		},
		Status:              dca.PlanStatus(rec.Status),
		ExecutionCount:      rec.ExecutionCount,
		TotalSourceSpent:    spent,
		TotalTargetReceived: received,
		AveragePrice:        price,
		CreatedAt:           rec.CreatedAt.UTC(),
		Armed:               rec.Armed,
		ScheduleID:          rec.ScheduleID,
		ArmEpoch:            rec.ArmEpoch,
		FailedAttempts:      rec.FailedAttempts,
		LastError:           rec.LastError,
	}
	if rec.MaxExecutions != nil {
		limit := *rec.MaxExecutions
		plan.Config.MaxExecutions = &limit
	}
	if rec.NextExecutionTime != nil {
		next := rec.NextExecutionTime.UTC()
		plan.NextExecutionTime = &next
	}
	if rec.LastExecutedAt != nil {
		last := rec.LastExecutedAt.UTC()
		plan.LastExecutedAt = &last
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan %d: %w", rec.ID, err)
	}
	return plan, nil
}

func executionToRecord(exec *dca.Execution) ExecutionRecord {
	return ExecutionRecord{
		PlanID:     exec.PlanID,
		Owner:      exec.Owner,
		Sequence:   exec.Sequence,
		AmountIn:   decimalString(exec.AmountIn),
		AmountOut:  decimalString(exec.AmountOut),
		RawOut:     decimalString(exec.RawOut),
		Dust:       decimalString(exec.Dust),
		Venue:      string(exec.Venue),
		TxHash:     exec.TxHash,
		ExecutedAt: exec.ExecutedAt.UTC(),
	}
}

func recordToExecution(rec ExecutionRecord) (*dca.Execution, error) {
	exec := &dca.Execution{
		PlanID:     rec.PlanID,
		Owner:      rec.Owner,
		Sequence:   rec.Sequence,
		Venue:      venue.Kind(rec.Venue),
		TxHash:     rec.TxHash,
		ExecutedAt: rec.ExecutedAt.UTC(),
	}
	var err error
	if exec.AmountIn, err = parseAmount("amount_in", rec.AmountIn); err != nil {
		return nil, err
	}
	if exec.AmountOut, err = parseAmount("amount_out", rec.AmountOut); err != nil {
		return nil, err
	}
	if exec.RawOut, err = parseAmount("raw_out", rec.RawOut); err != nil {
		return nil, err
	}
	if exec.Dust, err = parseAmount("dust", rec.Dust); err != nil {
		return nil, err
	}
	return exec, nil
}

func decimalString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s %q: %w", field, raw, err)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
