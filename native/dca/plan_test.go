package dca

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func newTestPlan(maxExecutions *uint64) (*Plan, time.Time) {
	now := time.Unix(1_700_000_000, 0).UTC()
	return NewPlan(1, testOwner, testConfig(maxExecutions), now, now.Add(time.Minute)), now
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig(u64(3))
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "missing source", mutate: func(c *Config) { c.SourceAsset = " " }, field: "source_asset"},
		{name: "same assets", mutate: func(c *Config) { c.TargetAsset = "USDC" }, field: "target_asset"},
		{name: "zero amount", mutate: func(c *Config) { c.AmountPerInterval = new(uint256.Int) }, field: "amount_per_interval"},
		{name: "nil amount", mutate: func(c *Config) { c.AmountPerInterval = nil }, field: "amount_per_interval"},
		{name: "zero interval", mutate: func(c *Config) { c.IntervalSeconds = 0 }, field: "interval_seconds"},
		{name: "slippage above bound", mutate: func(c *Config) { c.MaxSlippageBps = MaxSlippageBps + 1 }, field: "max_slippage_bps"},
		{name: "zero max executions", mutate: func(c *Config) { c.MaxExecutions = u64(0) }, field: "max_executions"},
		{name: "fee tier too wide", mutate: func(c *Config) { c.FeeTier = 1 << 24 }, field: "fee_tier"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(u64(3))
			tc.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tc.field {
				t.Fatalf("expected field %s, got %v", tc.field, err)
			}
		})
	}
	boundary := testConfig(nil)
	boundary.MaxSlippageBps = MaxSlippageBps
	if err := boundary.Validate(); err != nil {
		t.Fatalf("5000 bps must be accepted: %v", err)
	}
}

func TestNewPlanNormalizesAssets(t *testing.T) {
	plan, now := newTestPlan(nil)
	if plan.Config.SourceAsset != "USDC" || plan.Config.TargetAsset != "WETH" {
		t.Fatalf("assets not normalized: %+v", plan.Config)
	}
	if plan.Status != PlanActive || plan.NextExecutionTime == nil || !plan.NextExecutionTime.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected initial state: %+v", plan)
	}
	if !plan.AveragePrice.IsZero() || !plan.TotalSourceSpent.IsZero() {
		t.Fatalf("expected zero totals")
	}
	if err := plan.Validate(); err != nil {
		t.Fatalf("new plan invalid: %v", err)
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	plan, _ := newTestPlan(nil)
	if err := plan.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	snapshot := plan.Clone()
	if err := plan.Pause(); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if plan.Status != snapshot.Status || plan.NextExecutionTime != nil || plan.ArmEpoch != snapshot.ArmEpoch {
		t.Fatalf("second pause changed state: %+v", plan)
	}
}

func TestPauseResumeScenario(t *testing.T) {
	plan, now := newTestPlan(nil)
	if err := plan.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if plan.Status != PlanPaused || plan.NextExecutionTime != nil {
		t.Fatalf("unexpected paused state: %+v", plan)
	}
	next := now.Add(120 * time.Second)
	if err := plan.Resume(now, &next); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if plan.Status != PlanActive || !plan.NextExecutionTime.Equal(now.Add(120*time.Second)) {
		t.Fatalf("unexpected resumed state: %+v", plan)
	}
	if err := plan.Resume(now, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume of active plan must fail, got %v", err)
	}

	if err := plan.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := plan.Resume(now, nil); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !plan.NextExecutionTime.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("default resume must use the interval, got %v", plan.NextExecutionTime)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	plan, now := newTestPlan(nil)
	if err := plan.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if plan.Status != PlanCancelled || plan.NextExecutionTime != nil {
		t.Fatalf("unexpected cancelled state: %+v", plan)
	}
	if err := plan.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause after cancel: %v", err)
	}
	if err := plan.Resume(now, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume after cancel: %v", err)
	}
	if err := plan.Cancel(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after cancel: %v", err)
	}
	if err := plan.RecordExecution(uint256.NewInt(1), uint256.NewInt(1), now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("record after cancel: %v", err)
	}

	paused, _ := newTestPlan(nil)
	_ = paused.Pause()
	if err := paused.Cancel(); err != nil {
		t.Fatalf("cancel from paused: %v", err)
	}
}

func TestRecordExecutionConservation(t *testing.T) {
	plan, now := newTestPlan(nil)
	out := uint256.NewInt(1_999_990_000)
	for i := 0; i < 4; i++ {
		spentBefore := new(uint256.Int).Set(plan.TotalSourceSpent)
		receivedBefore := new(uint256.Int).Set(plan.TotalTargetReceived)
		at := now.Add(time.Duration(i) * 24 * time.Hour)
		if err := plan.RecordExecution(plan.Config.AmountPerInterval, out, at); err != nil {
			t.Fatalf("record: %v", err)
		}
		if got := new(uint256.Int).Sub(plan.TotalSourceSpent, spentBefore); !got.Eq(plan.Config.AmountPerInterval) {
			t.Fatalf("spent grew by %s", got.Dec())
		}
		if got := new(uint256.Int).Sub(plan.TotalTargetReceived, receivedBefore); !got.Eq(out) {
			t.Fatalf("received grew by %s", got.Dec())
		}
		if !plan.NextExecutionTime.Equal(at.Add(24 * time.Hour)) {
			t.Fatalf("unexpected next time %v", plan.NextExecutionTime)
		}
		if err := plan.Validate(); err != nil {
			t.Fatalf("invariant broken: %v", err)
		}
	}
	if plan.ExecutionCount != 4 {
		t.Fatalf("expected 4 executions, got %d", plan.ExecutionCount)
	}
	if plan.AveragePrice.IsZero() {
		t.Fatalf("expected non-zero average price")
	}
}

func TestRecordExecutionCompletesBoundedPlan(t *testing.T) {
	plan, now := newTestPlan(u64(2))
	for i := 0; i < 2; i++ {
		if err := plan.RecordExecution(plan.Config.AmountPerInterval, uint256.NewInt(10), now); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if plan.Status != PlanCompleted || plan.NextExecutionTime != nil || plan.ExecutionCount != 2 {
		t.Fatalf("unexpected completed state: %+v", plan)
	}
	if remaining := plan.RemainingExecutions(); remaining == nil || *remaining != 0 {
		t.Fatalf("unexpected remaining executions: %v", remaining)
	}
	if err := plan.RecordExecution(plan.Config.AmountPerInterval, uint256.NewInt(10), now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("record past bound: %v", err)
	}
	if err := plan.Validate(); err != nil {
		t.Fatalf("invariant broken: %v", err)
	}
}

func TestRecordExecutionOverflowLeavesPlanIntact(t *testing.T) {
	plan, now := newTestPlan(nil)
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	if err := plan.RecordExecution(uint256.NewInt(1), huge, now); err == nil {
		t.Fatalf("expected price overflow")
	}
	if plan.ExecutionCount != 0 || !plan.TotalTargetReceived.IsZero() {
		t.Fatalf("failed record mutated plan: %+v", plan)
	}
}

func TestCloneIsDeep(t *testing.T) {
	plan, _ := newTestPlan(u64(3))
	clone := plan.Clone()
	clone.TotalSourceSpent.SetUint64(99)
	*clone.Config.MaxExecutions = 7
	*clone.NextExecutionTime = time.Time{}
	if !plan.TotalSourceSpent.IsZero() || *plan.Config.MaxExecutions != 3 || plan.NextExecutionTime.IsZero() {
		t.Fatalf("clone aliases original")
	}
}

func TestValidateDetectsInconsistentState(t *testing.T) {
	plan, _ := newTestPlan(u64(1))
	plan.ExecutionCount = 2
	if err := plan.Validate(); err == nil {
		t.Fatalf("expected bound violation")
	}
	plan, _ = newTestPlan(nil)
	plan.Status = PlanPaused
	if err := plan.Validate(); err == nil {
		t.Fatalf("expected next time violation")
	}
}

func TestParseStatusRoundTrip(t *testing.T) {
	for _, status := range []PlanStatus{PlanActive, PlanPaused, PlanCompleted, PlanCancelled} {
		parsed, err := ParseStatus(status.String())
		if err != nil || parsed != status {
			t.Fatalf("round trip of %s failed: %v %v", status, parsed, err)
		}
	}
	if _, err := ParseStatus("deleted"); err == nil {
		t.Fatalf("expected unknown status error")
	}
}
