package dca

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"recurswap/native/venue"
)

func TestFullLifecycleCompletesAfterThreeExecutions(t *testing.T) {
	h := newHarness(t, RetryPolicy{})
	ctx := context.Background()
	h.vault.set(testOwner, "USDC", uint256.MustFromDecimal("15000000000000000000"))
	h.vault.set(testOwner, "FLOW", uint256.NewInt(10_000))

	plan, err := h.reg.CreatePlan(ctx, testConfig(u64(3)), CreateOptions{FirstDelay: 60 * time.Second, Prefund: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !plan.Armed || plan.ID != 1 {
		t.Fatalf("expected armed plan 1, got %+v", plan)
	}
	first, ok := h.sched.last()
	if !ok || !first.reg.DueTime.Equal(h.clock.Now().Add(60*time.Second)) {
		t.Fatalf("unexpected first registration: %+v", first)
	}

	for i := 0; i < 3; i++ {
		h.clock.Advance(24 * time.Hour)
		if err := h.sched.fireNext(t); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	final, err := h.reg.Plan(plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if final.Status != PlanCompleted || final.ExecutionCount != 3 || final.NextExecutionTime != nil {
		t.Fatalf("unexpected final plan: %+v", final)
	}
	if final.Armed || h.sched.pendingCount() != 0 {
		t.Fatalf("completed plan must not be re-registered")
	}
	if got := final.TotalSourceSpent.Dec(); got != "15000000000000000000" {
		t.Fatalf("unexpected total spent %s", got)
	}
	if got := final.TotalTargetReceived.Uint64(); got != 300 {
		t.Fatalf("unexpected total received %d", got)
	}
	if !h.vault.balance(testOwner, "USDC").IsZero() {
		t.Fatalf("source vault should be empty")
	}
	if got := h.vault.balance(testOwner, "WETH").Uint64(); got != 300 {
		t.Fatalf("target vault holds %d", got)
	}
	if got := len(h.store.executionsOf(plan.ID)); got != 3 {
		t.Fatalf("expected 3 execution records, got %d", got)
	}
	if got := len(h.recorder.Payloads(EventTypePlanCompleted)); got != 1 {
		t.Fatalf("expected one completion event, got %d", got)
	}
	// Three registrations at a fee of 1000; ledger funded with ceil(1000*3*1.1).
	if got := h.reg.Ledger().Balance().Uint64(); got != 300 {
		t.Fatalf("unexpected ledger balance %d", got)
	}
}

func TestInsufficientFundsLeavesPlanUntouched(t *testing.T) {
	h := newHarness(t, RetryPolicy{})
	ctx := context.Background()
	h.fundLedger(t, 5_000)
	h.vault.set(testOwner, "USDC", uint256.NewInt(1))

	plan, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{FirstDelay: time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.clock.Advance(time.Minute)
	err = h.sched.fireNext(t)
	mustErrorIs(t, err, ErrInsufficientFunds)

	after, _ := h.reg.Plan(plan.ID)
	if after.ExecutionCount != 0 || !after.NextExecutionTime.Equal(*plan.NextExecutionTime) || after.Status != PlanActive {
		t.Fatalf("plan state changed: %+v", after)
	}
	if !after.TotalSourceSpent.IsZero() || after.FailedAttempts != 1 || after.Armed {
		t.Fatalf("unexpected audit state: %+v", after)
	}
	if len(h.exec.requests) != 0 {
		t.Fatalf("swap must not be attempted")
	}
	if got := h.vault.balance(testOwner, "USDC").Uint64(); got != 1 {
		t.Fatalf("source balance changed to %d", got)
	}
	if len(h.recorder.Payloads(EventTypePlanStalled)) != 1 {
		t.Fatalf("expected stall to be surfaced")
	}
}

func TestInsufficientFundsRetriesUnderPolicy(t *testing.T) {
	h := newHarness(t, RetryPolicy{MaxRetries: 1, RetryDelay: 5 * time.Minute})
	ctx := context.Background()
	h.fundLedger(t, 5_000)

	plan, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustErrorIs(t, h.sched.fireNext(t), ErrInsufficientFunds)

	retry, ok := h.sched.last()
	if !ok || !retry.reg.DueTime.Equal(h.clock.Now().Add(5*time.Minute)) {
		t.Fatalf("expected retry registration, got %+v", retry)
	}
	mid, _ := h.reg.Plan(plan.ID)
	if !mid.Armed || !mid.NextExecutionTime.Equal(*plan.NextExecutionTime) {
		t.Fatalf("retry must keep next execution time: %+v", mid)
	}

	h.vault.set(testOwner, "USDC", fiveTokens())
	h.clock.Advance(5 * time.Minute)
	if err := h.sched.fireNext(t); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	done, _ := h.reg.Plan(plan.ID)
	if done.ExecutionCount != 1 || done.FailedAttempts != 0 || !done.Armed {
		t.Fatalf("unexpected plan after retry: %+v", done)
	}
}

func TestSwapFailureRefundsSource(t *testing.T) {
	h := newHarness(t, RetryPolicy{})
	ctx := context.Background()
	h.fundLedger(t, 5_000)
	h.vault.set(testOwner, "USDC", fiveTokens())
	h.exec.err = &venue.SwapError{Primary: errors.New("reverted"), Secondary: errors.New("reverted")}

	plan, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = h.sched.fireNext(t)
	mustErrorIs(t, err, ErrSwapFailure)

	if got := h.vault.balance(testOwner, "USDC"); !got.Eq(fiveTokens()) {
		t.Fatalf("source not refunded, balance %s", got.Dec())
	}
	after, _ := h.reg.Plan(plan.ID)
	if after.ExecutionCount != 0 || !after.TotalSourceSpent.IsZero() || after.Status != PlanActive {
		t.Fatalf("swap failure mutated plan: %+v", after)
	}
	if len(h.recorder.Payloads(EventTypeExecutionFailed)) != 1 {
		t.Fatalf("expected failure event")
	}
}

func TestUnknownTokenIsNotRetried(t *testing.T) {
	h := newHarness(t, RetryPolicy{MaxRetries: 3, RetryDelay: time.Minute})
	ctx := context.Background()
	h.fundLedger(t, 5_000)
	h.vault.set(testOwner, "USDC", fiveTokens())
	h.exec.err = venue.ErrUnknownToken

	if _, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustErrorIs(t, h.sched.fireNext(t), ErrUnknownToken)
	if h.sched.pendingCount() != 0 {
		t.Fatalf("unknown token must not be retried")
	}
	if got := h.vault.balance(testOwner, "USDC"); !got.Eq(fiveTokens()) {
		t.Fatalf("source not refunded")
	}
}

func TestDepositFailureSurfacesStrandedOutput(t *testing.T) {
	h := newHarness(t, RetryPolicy{})
	ctx := context.Background()
	h.fundLedger(t, 5_000)
	h.vault.set(testOwner, "USDC", fiveTokens())
	h.vault.failDeposits = "WETH"

	plan, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustErrorIs(t, h.sched.fireNext(t), ErrStrandedOutput)
	after, _ := h.reg.Plan(plan.ID)
	if after.ExecutionCount != 0 || after.Armed {
		t.Fatalf("unexpected plan after stranded output: %+v", after)
	}
}

func TestUnsettledSwapIsNotRefundedOrRetried(t *testing.T) {
	h := newHarness(t, RetryPolicy{MaxRetries: 3, RetryDelay: time.Minute})
	ctx := context.Background()
	h.fundLedger(t, 5_000)
	h.vault.set(testOwner, "USDC", fiveTokens())
	h.exec.err = &venue.SettlementError{Venue: venue.KindPrimary, Cause: errors.New("primary output 1 below minimum 990000")}

	plan, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = h.sched.fireNext(t)
	mustErrorIs(t, err, ErrStrandedOutput)
	mustErrorIs(t, err, ErrSwapUnsettled)

	if got := h.vault.balance(testOwner, "USDC"); !got.IsZero() {
		t.Fatalf("submitted swap input must not be refunded, balance %s", got.Dec())
	}
	if h.sched.pendingCount() != 0 {
		t.Fatalf("unsettled swap must not be retried")
	}
	after, _ := h.reg.Plan(plan.ID)
	if after.ExecutionCount != 0 || after.Armed || after.FailedAttempts != 1 {
		t.Fatalf("unexpected plan after unsettled swap: %+v", after)
	}
	if got := len(h.recorder.Payloads(EventTypePlanStalled)); got != 1 {
		t.Fatalf("expected stalled event, got %d", got)
	}
}

func TestSaveFailureAfterSwapStallsPlan(t *testing.T) {
	h := newHarness(t, RetryPolicy{MaxRetries: 2, RetryDelay: time.Minute})
	ctx := context.Background()
	h.fundLedger(t, 5_000)
	h.vault.set(testOwner, "USDC", uint256.MustFromDecimal("10000000000000000000"))

	plan, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	errDiskFull := errors.New("disk full")
	h.store.failNextSave = errDiskFull
	mustErrorIs(t, h.sched.fireNext(t), errDiskFull)

	after, _ := h.reg.Plan(plan.ID)
	if after.Status != PlanActive || after.Armed || after.ScheduleID != "" || after.ExecutionCount != 1 {
		t.Fatalf("unexpected plan after failed save: %+v", after)
	}
	if h.sched.pendingCount() != 0 || len(h.sched.cancelled) != 1 {
		t.Fatalf("fresh registration must be cancelled, pending %d cancelled %v", h.sched.pendingCount(), h.sched.cancelled)
	}
	if got := len(h.dir.StalledPlans()); got != 1 {
		t.Fatalf("expected one stalled plan, got %d", got)
	}
	if got := len(h.recorder.Payloads(EventTypePlanStalled)); got != 1 {
		t.Fatalf("expected stalled event, got %d", got)
	}
	if got := h.vault.balance(testOwner, "WETH").Uint64(); got != 100 {
		t.Fatalf("deposit should stand, target holds %d", got)
	}
	if got := len(h.store.executionsOf(plan.ID)); got != 1 {
		t.Fatalf("expected execution record, got %d", got)
	}

	resumed, err := h.reg.Resume(ctx, plan.ID, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Armed || h.sched.pendingCount() != 1 {
		t.Fatalf("resume must re-arm: %+v", resumed)
	}
	if persisted := h.store.plans[plan.ID]; persisted.ExecutionCount != 1 || !persisted.Armed {
		t.Fatalf("resume must persist the executed state: %+v", persisted)
	}
}

func TestLedgerExhaustedStallsUntilResume(t *testing.T) {
	h := newHarness(t, RetryPolicy{})
	ctx := context.Background()
	h.fundLedger(t, 1_000)
	h.vault.set(testOwner, "USDC", uint256.MustFromDecimal("10000000000000000000"))

	plan, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = h.sched.fireNext(t)
	mustErrorIs(t, err, ErrLedgerExhausted)

	stalled, _ := h.reg.Plan(plan.ID)
	if stalled.Status != PlanActive || stalled.Armed || stalled.ExecutionCount != 1 {
		t.Fatalf("unexpected stalled plan: %+v", stalled)
	}
	if stalled.NextExecutionTime == nil {
		t.Fatalf("stalled plan keeps its next execution time")
	}
	if h.sched.pendingCount() != 0 {
		t.Fatalf("no registration expected")
	}
	if got := len(h.dir.StalledPlans()); got != 1 {
		t.Fatalf("expected one stalled plan, got %d", got)
	}

	h.fundLedger(t, 1_000)
	resumed, err := h.reg.Resume(ctx, plan.ID, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Armed || h.sched.pendingCount() != 1 {
		t.Fatalf("resume must re-arm: %+v", resumed)
	}
	if !resumed.NextExecutionTime.Equal(h.clock.Now().Add(24 * time.Hour)) {
		t.Fatalf("unexpected next time %v", resumed.NextExecutionTime)
	}
}

func TestStaleTriggerAfterPauseResume(t *testing.T) {
	h := newHarness(t, RetryPolicy{})
	ctx := context.Background()
	h.fundLedger(t, 5_000)
	h.vault.set(testOwner, "USDC", fiveTokens())

	plan, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stale, _ := h.sched.last()
	if _, err := h.reg.Pause(ctx, plan.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	delay := 120 * time.Second
	if _, err := h.reg.Resume(ctx, plan.ID, &delay); err != nil {
		t.Fatalf("resume: %v", err)
	}

	err = stale.cb.Fire(ctx, stale.reg.Payload)
	mustErrorIs(t, err, ErrStaleTrigger)
	after, _ := h.reg.Plan(plan.ID)
	if after.ExecutionCount != 0 || !after.Armed {
		t.Fatalf("stale trigger mutated plan: %+v", after)
	}
	if err := h.sched.fireNext(t); err != nil {
		t.Fatalf("current trigger: %v", err)
	}
	after, _ = h.reg.Plan(plan.ID)
	if after.ExecutionCount != 1 {
		t.Fatalf("expected one execution, got %d", after.ExecutionCount)
	}
}

func TestSecondaryVenueResultIsRecorded(t *testing.T) {
	h := newHarness(t, RetryPolicy{})
	ctx := context.Background()
	h.fundLedger(t, 5_000)
	h.vault.set(testOwner, "USDC", fiveTokens())
	h.exec.kind = venue.KindSecondary
	h.exec.dust = uint256.NewInt(42)

	plan, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.sched.fireNext(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	records := h.store.executionsOf(plan.ID)
	if len(records) != 1 || records[0].Venue != venue.KindSecondary || records[0].Dust.Uint64() != 42 {
		t.Fatalf("unexpected execution record: %+v", records)
	}
	// Dust is never credited.
	if got := h.vault.balance(testOwner, "WETH").Uint64(); got != 100 {
		t.Fatalf("target vault holds %d", got)
	}
	req := h.exec.requests[0]
	if req.SourceAsset != "USDC" || req.MaxSlippageBps != 100 || !req.AmountIn.Eq(fiveTokens()) {
		t.Fatalf("unexpected swap request: %+v", req)
	}
}

func TestRevokedCapabilityAbortsRun(t *testing.T) {
	h := newHarness(t, RetryPolicy{MaxRetries: 2, RetryDelay: time.Minute})
	ctx := context.Background()
	h.fundLedger(t, 5_000)
	h.vault.set(testOwner, "USDC", fiveTokens())

	if _, err := h.reg.CreatePlan(ctx, testConfig(nil), CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.reg.Revoke(CapWithdraw, "USDC")
	mustErrorIs(t, h.sched.fireNext(t), ErrAuthorization)
	if h.sched.pendingCount() != 0 {
		t.Fatalf("authorization failures must not be retried")
	}
	if got := h.vault.balance(testOwner, "USDC"); !got.Eq(fiveTokens()) {
		t.Fatalf("no funds may move without authorization")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	data, err := EncodePayload(Payload{Owner: testOwner, PlanID: 7, ArmEpoch: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePayload(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Owner != testOwner || got.PlanID != 7 || got.ArmEpoch != 3 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if _, err := DecodePayload([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected decode error")
	}
}
