package dca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"recurswap/native/venue"
	"recurswap/observability"
)

// SwapExecutor performs one swap attempt across the configured venues.
type SwapExecutor interface {
	Execute(ctx context.Context, req venue.Request) (venue.Result, error)
}

// RetryPolicy governs what happens after a run aborts for insufficient funds
// or a failed swap. Up to MaxRetries consecutive failures are retried
// RetryDelay later under a fresh registration; beyond that the plan stalls
// until its owner resumes it. A zero policy stalls on the first failure.
type RetryPolicy struct {
	MaxRetries uint32
	RetryDelay time.Duration
}

// Handler is the scheduler callback that executes one due plan.
type Handler struct {
	dir      *Directory
	executor SwapExecutor
	retry    RetryPolicy
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.DCAMetrics
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithRetryPolicy sets the failure policy.
func WithRetryPolicy(policy RetryPolicy) HandlerOption {
	return func(h *Handler) { h.retry = policy }
}

// WithHandlerLogger sets the structured logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry. Passing nil disables metrics.
func WithMetrics(metrics *observability.DCAMetrics) HandlerOption {
	return func(h *Handler) { h.metrics = metrics }
}

// NewHandler builds the handler and installs it as the directory's scheduler
// callback.
func NewHandler(dir *Directory, executor SwapExecutor, opts ...HandlerOption) (*Handler, error) {
	if dir == nil {
		return nil, fmt.Errorf("dca: directory required")
	}
	if executor == nil {
		return nil, fmt.Errorf("dca: swap executor required")
	}
	h := &Handler{
		dir:      dir,
		executor: executor,
		logger:   slog.Default(),
		tracer:   otel.Tracer("recurswap/native/dca"),
		metrics:  observability.DCA(),
	}
	for _, opt := range opts {
		opt(h)
	}
	dir.SetCallback(h)
	return h, nil
}

// Fire runs the plan named by payload. Benign aborts (plan no longer Active)
// return nil; stale triggers return ErrStaleTrigger; every other failure is
// returned after the plan's failure policy has been applied.
func (h *Handler) Fire(ctx context.Context, payload []byte) (err error) {
	started := time.Now()
	outcome := "executed"
	defer func() {
		if err != nil {
			outcome = failureReason(err)
			if errors.Is(err, ErrStaleTrigger) {
				outcome = "stale"
			}
		}
		h.metrics.ObserveRun(outcome, time.Since(started))
	}()

	p, err := DecodePayload(payload)
	if err != nil {
		return err
	}
	ctx, span := h.tracer.Start(ctx, "dca.handler.fire", trace.WithAttributes(
		attribute.String("owner", p.Owner),
		attribute.Int64("plan_id", int64(p.PlanID)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	reg, ok := h.dir.Lookup(p.Owner)
	if !ok {
		return fmt.Errorf("%w: owner %s", ErrPlanNotFound, p.Owner)
	}
	slot, err := reg.slot(p.PlanID)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	logger := h.logger.With(slog.String("owner", p.Owner), slog.Uint64("plan_id", p.PlanID))
	current := slot.plan
	if current.ArmEpoch != p.ArmEpoch || !current.Armed {
		logger.Debug("discarding stale trigger",
			slog.Uint64("payload_epoch", p.ArmEpoch),
			slog.Uint64("plan_epoch", current.ArmEpoch))
		return fmt.Errorf("%w: plan %d epoch %d, payload %d", ErrStaleTrigger, p.PlanID, current.ArmEpoch, p.ArmEpoch)
	}
	work := current.Clone()
	work.Armed = false
	work.ScheduleID = ""

	if work.Status != PlanActive {
		outcome = "skipped"
		logger.Info("plan not active, skipping", slog.String("status", work.Status.String()))
		return reg.commitLocked(ctx, slot, work)
	}
	if work.MaxReached() {
		outcome = "completed"
		if err := work.Complete(); err != nil {
			return err
		}
		if err := reg.commitLocked(ctx, slot, work); err != nil {
			return err
		}
		h.dir.emit(NewPlanEvent(EventTypePlanCompleted, work))
		return nil
	}
	return h.run(ctx, logger, reg, slot, work)
}

func (h *Handler) run(ctx context.Context, logger *slog.Logger, reg *Registry, slot *planSlot, work *Plan) error {
	cfg := work.Config
	amountIn := cloneAmount(cfg.AmountPerInterval)

	if err := reg.CheckCapability(CapDeposit, cfg.TargetAsset); err != nil {
		return h.fail(ctx, logger, reg, slot, work, err, false)
	}
	source := reg.capability(CapWithdraw, cfg.SourceAsset)
	if err := source.Withdraw(ctx, amountIn); err != nil {
		return h.fail(ctx, logger, reg, slot, work, err, errors.Is(err, ErrInsufficientFunds))
	}

	result, err := h.executor.Execute(ctx, venue.Request{
		SourceAsset:    cfg.SourceAsset,
		TargetAsset:    cfg.TargetAsset,
		AmountIn:       amountIn,
		MaxSlippageBps: cfg.MaxSlippageBps,
		FeeTier:        cfg.FeeTier,
	})
	if err != nil {
		if errors.Is(err, ErrSwapUnsettled) {
			logger.Error("swap output unconfirmed, source not refunded",
				slog.String("amount_in", amountIn.Dec()),
				slog.Any("error", err))
			return h.fail(ctx, logger, reg, slot, work, fmt.Errorf("%w: %w", ErrStrandedOutput, err), false)
		}
		if refundErr := source.Refund(ctx, amountIn); refundErr != nil {
			logger.Error("refund after failed swap failed",
				slog.String("amount", amountIn.Dec()),
				slog.Any("error", refundErr))
			err = errors.Join(err, refundErr)
		}
		retryable := errors.Is(err, ErrSwapFailure) && !errors.Is(err, ErrUnknownToken)
		return h.fail(ctx, logger, reg, slot, work, err, retryable)
	}
	if result.PrimaryErr != nil {
		logger.Info("swap settled on secondary venue", slog.Any("primary_error", result.PrimaryErr))
	}

	target := reg.capability(CapDeposit, cfg.TargetAsset)
	if err := target.Deposit(ctx, result.AmountOut); err != nil {
		logger.Error("deposit of swap output failed",
			slog.String("amount_out", result.AmountOut.Dec()),
			slog.String("venue", string(result.Venue)),
			slog.Any("error", err))
		return h.fail(ctx, logger, reg, slot, work, fmt.Errorf("%w: %v", ErrStrandedOutput, err), false)
	}

	now := h.dir.now()
	if err := work.RecordExecution(amountIn, result.AmountOut, now); err != nil {
		logger.Error("record execution failed after deposit", slog.Any("error", err))
		return h.fail(ctx, logger, reg, slot, work, err, false)
	}
	exec := &Execution{
		PlanID:     work.ID,
		Owner:      work.Owner,
		Sequence:   work.ExecutionCount,
		AmountIn:   amountIn,
		AmountOut:  cloneAmount(result.AmountOut),
		RawOut:     cloneAmount(result.RawAmountOut),
		Dust:       cloneAmount(result.Dust),
		Venue:      result.Venue,
		ExecutedAt: now,
	}
	if result.TxHash != (common.Hash{}) {
		exec.TxHash = result.TxHash.Hex()
	}
	h.metrics.RecordExecution(string(result.Venue), cfg.SourceAsset, cfg.TargetAsset, result.Dust)

	var armErr error
	if work.Status == PlanActive {
		armErr = reg.arm(ctx, work, *work.NextExecutionTime)
		h.metrics.RecordRegistration(armErr)
		if armErr != nil {
			work.LastError = armErr.Error()
		}
	}
	if err := reg.commitLocked(ctx, slot, work); err != nil {
		return h.unpersisted(ctx, logger, reg, slot, work, exec, err)
	}
	if err := h.dir.store.AppendExecution(ctx, exec); err != nil {
		logger.Warn("append execution record failed", slog.Any("error", err))
	}
	h.dir.emit(NewExecutionEvent(work, exec))
	logger.Info("plan executed",
		slog.Uint64("execution", work.ExecutionCount),
		slog.String("venue", string(result.Venue)),
		slog.String("amount_in", amountIn.Dec()),
		slog.String("amount_out", result.AmountOut.Dec()),
		slog.String("dust", result.Dust.Dec()))

	switch {
	case work.Status == PlanCompleted:
		h.dir.emit(NewPlanEvent(EventTypePlanCompleted, work))
	case armErr != nil:
		reg.stall(work, armErr)
		return armErr
	}
	return nil
}

// unpersisted handles a settled run whose plan could not be saved. The
// executed state is published unarmed and any fresh registration is
// cancelled, leaving the plan stalled until its owner resumes it.
func (h *Handler) unpersisted(ctx context.Context, logger *slog.Logger, reg *Registry, slot *planSlot, work *Plan, exec *Execution, cause error) error {
	logger.Error("persist executed plan failed",
		slog.Uint64("execution", work.ExecutionCount),
		slog.Any("error", cause))
	if work.Armed {
		reg.cancelRegistration(ctx, work, work.ScheduleID)
	}
	work.Armed = false
	work.ScheduleID = ""
	work.LastError = cause.Error()
	slot.plan = work.Clone()
	if err := h.dir.store.AppendExecution(ctx, exec); err != nil {
		logger.Warn("append execution record failed", slog.Any("error", err))
	}
	h.dir.emit(NewExecutionEvent(work, exec))
	if work.Status == PlanActive {
		reg.stall(work, cause)
	}
	return cause
}

// fail applies the failure policy. Count, totals, next execution time and
// status are left untouched; only the audit fields and the registration
// change.
func (h *Handler) fail(ctx context.Context, logger *slog.Logger, reg *Registry, slot *planSlot, work *Plan, cause error, retryable bool) error {
	reason := failureReason(cause)
	h.metrics.RecordFailure(reason)
	work.FailedAttempts++
	work.LastError = cause.Error()
	logger.Warn("plan run aborted",
		slog.String("reason", reason),
		slog.Uint64("attempts", uint64(work.FailedAttempts)),
		slog.Any("error", cause))

	var armErr error
	retried := false
	if retryable && work.FailedAttempts <= h.retry.MaxRetries {
		due := h.dir.now().Add(h.retry.RetryDelay)
		armErr = reg.arm(ctx, work, due)
		h.metrics.RecordRegistration(armErr)
		retried = armErr == nil
	}
	if err := reg.commitLocked(ctx, slot, work); err != nil {
		return errors.Join(cause, err)
	}
	h.dir.emit(NewFailureEvent(EventTypeExecutionFailed, work, reason, work.FailedAttempts))
	if !retried {
		stallCause := cause
		if armErr != nil {
			stallCause = armErr
		}
		reg.stall(work, stallCause)
	}
	return cause
}
