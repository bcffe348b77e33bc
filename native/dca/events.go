package dca

import (
	"strconv"
	"time"

	"github.com/holiman/uint256"

	"recurswap/core/types"
	"recurswap/native/fixedpoint"
)

const (
	EventTypePlanCreated        = "dca.plan.created"
	EventTypePlanPaused         = "dca.plan.paused"
	EventTypePlanResumed        = "dca.plan.resumed"
	EventTypePlanCancelled      = "dca.plan.cancelled"
	EventTypePlanCompleted      = "dca.plan.completed"
	EventTypePlanArmed          = "dca.plan.armed"
	EventTypePlanStalled        = "dca.plan.stalled"
	EventTypeExecutionSucceeded = "dca.execution.succeeded"
	EventTypeExecutionFailed    = "dca.execution.failed"
	EventTypeLedgerFunded       = "dca.ledger.funded"
	EventTypeLedgerDrained      = "dca.ledger.drained"
)

type planEvent struct {
	evt *types.Event
}

func (e planEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e planEvent) Event() *types.Event { return e.evt }

// NewPlanEvent returns the canonical payload describing a plan's state.
func NewPlanEvent(eventType string, p *Plan) *types.Event {
	attrs := map[string]string{
		"planId":              strconv.FormatUint(p.ID, 10),
		"owner":               p.Owner,
		"status":              p.Status.String(),
		"sourceAsset":         p.Config.SourceAsset,
		"targetAsset":         p.Config.TargetAsset,
		"executionCount":      strconv.FormatUint(p.ExecutionCount, 10),
		"totalSourceSpent":    amountString(p.TotalSourceSpent),
		"totalTargetReceived": amountString(p.TotalTargetReceived),
		"averagePrice":        fixedpoint.MustDisplay(p.AveragePrice),
		"nextExecutionTime":   "",
	}
	if p.NextExecutionTime != nil {
		attrs["nextExecutionTime"] = strconv.FormatInt(p.NextExecutionTime.Unix(), 10)
	}
	if p.LastError != "" {
		attrs["lastError"] = p.LastError
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewExecutionEvent returns the payload for a successful run.
func NewExecutionEvent(p *Plan, exec *Execution) *types.Event {
	evt := NewPlanEvent(EventTypeExecutionSucceeded, p)
	evt.Attributes["amountIn"] = amountString(exec.AmountIn)
	evt.Attributes["amountOut"] = amountString(exec.AmountOut)
	evt.Attributes["dust"] = amountString(exec.Dust)
	evt.Attributes["venue"] = string(exec.Venue)
	if exec.TxHash != "" {
		evt.Attributes["txHash"] = exec.TxHash
	}
	return evt
}

// NewFailureEvent returns the payload for an aborted run or a stalled plan.
func NewFailureEvent(eventType string, p *Plan, reason string, attempts uint32) *types.Event {
	evt := NewPlanEvent(eventType, p)
	evt.Attributes["reason"] = reason
	evt.Attributes["attempts"] = strconv.FormatUint(uint64(attempts), 10)
	return evt
}

// NewArmedEvent returns the payload for a successful scheduler registration.
func NewArmedEvent(p *Plan, due time.Time, fee *uint256.Int) *types.Event {
	evt := NewPlanEvent(EventTypePlanArmed, p)
	evt.Attributes["scheduleId"] = p.ScheduleID
	evt.Attributes["dueTime"] = strconv.FormatInt(due.Unix(), 10)
	evt.Attributes["fee"] = amountString(fee)
	evt.Attributes["armEpoch"] = strconv.FormatUint(p.ArmEpoch, 10)
	return evt
}

// NewLedgerEvent returns the payload for a fee ledger movement.
func NewLedgerEvent(eventType, owner string, amount, balance *uint256.Int) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"owner":   owner,
			"amount":  amountString(amount),
			"balance": amountString(balance),
		},
	}
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
