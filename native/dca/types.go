package dca

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"recurswap/native/venue"
)

// PlanStatus enumerates the lifecycle states of a plan.
type PlanStatus uint8

const (
	PlanActive PlanStatus = iota + 1
	PlanPaused
	PlanCompleted
	PlanCancelled
)

// MaxSlippageBps bounds the slippage tolerance accepted at creation.
const MaxSlippageBps = 5_000

func (s PlanStatus) String() string {
	switch s {
	case PlanActive:
		return "active"
	case PlanPaused:
		return "paused"
	case PlanCompleted:
		return "completed"
	case PlanCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Valid reports whether the status value is within the supported range.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanActive, PlanPaused, PlanCompleted, PlanCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanCancelled
}

// ParseStatus converts the lowercase status name back into a PlanStatus.
func ParseStatus(value string) (PlanStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "active":
		return PlanActive, nil
	case "paused":
		return PlanPaused, nil
	case "completed":
		return PlanCompleted, nil
	case "cancelled", "canceled":
		return PlanCancelled, nil
	default:
		return 0, fmt.Errorf("dca: unknown plan status %q", value)
	}
}

// Config holds the parameters fixed at plan creation.
type Config struct {
	SourceAsset       string
	TargetAsset       string
	AmountPerInterval *uint256.Int
	IntervalSeconds   uint64
	MaxSlippageBps    uint32
	// MaxExecutions is nil for an unbounded plan.
	MaxExecutions *uint64
	// FeeTier is the routing hint for the primary venue; zero selects the
	// venue default.
	FeeTier uint32
}

// Interval returns the spacing between executions.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	out := c
	if c.AmountPerInterval != nil {
		out.AmountPerInterval = new(uint256.Int).Set(c.AmountPerInterval)
	}
	if c.MaxExecutions != nil {
		limit := *c.MaxExecutions
		out.MaxExecutions = &limit
	}
	return out
}

// Normalize returns a copy with canonical asset identifiers.
func (c Config) Normalize() Config {
	out := c.Clone()
	out.SourceAsset = venue.NormalizeAsset(c.SourceAsset)
	out.TargetAsset = venue.NormalizeAsset(c.TargetAsset)
	return out
}

// Validate checks the creation constraints. Failures unwrap to
// ErrConfiguration.
func (c Config) Validate() error {
	if venue.NormalizeAsset(c.SourceAsset) == "" {
		return configError("source_asset", "required")
	}
	if venue.NormalizeAsset(c.TargetAsset) == "" {
		return configError("target_asset", "required")
	}
	if venue.NormalizeAsset(c.SourceAsset) == venue.NormalizeAsset(c.TargetAsset) {
		return configError("target_asset", "must differ from source asset")
	}
	if c.AmountPerInterval == nil || c.AmountPerInterval.IsZero() {
		return configError("amount_per_interval", "must be positive")
	}
	if c.IntervalSeconds == 0 {
		return configError("interval_seconds", "must be positive")
	}
	if c.IntervalSeconds > uint64(maxIntervalSeconds) {
		return configError("interval_seconds", "exceeds %d", maxIntervalSeconds)
	}
	if c.MaxSlippageBps > MaxSlippageBps {
		return configError("max_slippage_bps", "must be within 0-%d", MaxSlippageBps)
	}
	if c.MaxExecutions != nil && *c.MaxExecutions == 0 {
		return configError("max_executions", "must be at least 1 when set")
	}
	if c.FeeTier > venue.MaxFeeTier {
		return configError("fee_tier", "exceeds %d", venue.MaxFeeTier)
	}
	return nil
}

// maxIntervalSeconds keeps Interval() within time.Duration range.
const maxIntervalSeconds = int64(^uint64(0)>>1) / int64(time.Second)

// Execution is the audit record of one successful run.
type Execution struct {
	PlanID     uint64
	Owner      string
	Sequence   uint64
	AmountIn   *uint256.Int
	AmountOut  *uint256.Int
	RawOut     *uint256.Int
	Dust       *uint256.Int
	Venue      venue.Kind
	TxHash     string
	ExecutedAt time.Time
}
