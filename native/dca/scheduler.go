package dca

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Priority selects the scheduler's execution tier.
type Priority uint8

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a tier name into a Priority.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("dca: unknown priority %q", value)
	}
}

// Registration describes one scheduled callback.
type Registration struct {
	Payload  []byte
	DueTime  time.Time
	Priority Priority
	Effort   uint64
}

// FeeEstimate is the scheduler's quote for a registration. Timestamp is the
// scheduler's expected execution time; the low tier may omit it.
type FeeEstimate struct {
	Fee       *uint256.Int
	Timestamp *time.Time
}

// Callback is invoked by the scheduler when a registration comes due.
type Callback interface {
	Fire(ctx context.Context, payload []byte) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, payload []byte) error

// Fire calls f.
func (f CallbackFunc) Fire(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// Scheduler is the time-based trigger service. It guarantees at most one
// in-flight callback per registration.
type Scheduler interface {
	EstimateFee(ctx context.Context, reg Registration) (FeeEstimate, error)
	Register(ctx context.Context, cb Callback, reg Registration, fee *uint256.Int) (string, error)
	Cancel(ctx context.Context, scheduleID string) error
}

// Payload identifies the plan and arming a trigger belongs to.
type Payload struct {
	Owner    string
	PlanID   uint64
	ArmEpoch uint64
}

// EncodePayload serialises the trigger payload with RLP.
func EncodePayload(p Payload) ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// DecodePayload parses a trigger payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return Payload{}, fmt.Errorf("dca: decode payload: %w", err)
	}
	if strings.TrimSpace(p.Owner) == "" || p.PlanID == 0 {
		return Payload{}, fmt.Errorf("dca: payload missing owner or plan id")
	}
	return p, nil
}
