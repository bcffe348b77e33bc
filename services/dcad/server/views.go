package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"recurswap/native/dca"
	"recurswap/native/fixedpoint"
	"recurswap/native/venue"
)

const priceDisplayDigits = 18

type createPlanRequest struct {
	SourceAsset       string  `json:"source_asset"`
	TargetAsset       string  `json:"target_asset"`
	AmountPerInterval string  `json:"amount_per_interval"`
	IntervalSeconds   uint64  `json:"interval_seconds"`
	MaxSlippageBps    uint32  `json:"max_slippage_bps"`
	MaxExecutions     *uint64 `json:"max_executions,omitempty"`
	FeeTier           uint32  `json:"fee_tier,omitempty"`
	FirstDelaySeconds uint64  `json:"first_delay_seconds,omitempty"`
	PrefundExecutions uint64  `json:"prefund_executions,omitempty"`
}

type resumeRequest struct {
	DelaySeconds *uint64 `json:"delay_seconds,omitempty"`
}

type fundRequest struct {
	Executions uint64 `json:"executions"`
}

type depositRequest struct {
	Amount string `json:"amount"`
}

type planView struct {
	ID                         uint64     `json:"id"`
	Owner                      string     `json:"owner"`
	SourceAsset                string     `json:"source_asset"`
	TargetAsset                string     `json:"target_asset"`
	AmountPerInterval          string     `json:"amount_per_interval"`
	AmountPerIntervalDisplay   string     `json:"amount_per_interval_display,omitempty"`
	IntervalSeconds            uint64     `json:"interval_seconds"`
	MaxSlippageBps             uint32     `json:"max_slippage_bps"`
	MaxExecutions              *uint64    `json:"max_executions,omitempty"`
	RemainingExecutions        *uint64    `json:"remaining_executions,omitempty"`
	FeeTier                    uint32     `json:"fee_tier,omitempty"`
	Status                     string     `json:"status"`
	NextExecutionTime          *time.Time `json:"next_execution_time,omitempty"`
	ExecutionCount             uint64     `json:"execution_count"`
	TotalSourceSpent           string     `json:"total_source_spent"`
	TotalSourceSpentDisplay    string     `json:"total_source_spent_display,omitempty"`
	TotalTargetReceived        string     `json:"total_target_received"`
	TotalTargetReceivedDisplay string     `json:"total_target_received_display,omitempty"`
	AveragePriceQ128           string     `json:"average_price_q128"`
	AveragePrice               string     `json:"average_price,omitempty"`
	CreatedAt                  time.Time  `json:"created_at"`
	LastExecutedAt             *time.Time `json:"last_executed_at,omitempty"`
	Armed                      bool       `json:"armed"`
	FailedAttempts             uint32     `json:"failed_attempts,omitempty"`
	LastError                  string     `json:"last_error,omitempty"`
	Warning                    string     `json:"warning,omitempty"`
}

type executionView struct {
	Sequence   uint64    `json:"sequence"`
	AmountIn   string    `json:"amount_in"`
	AmountOut  string    `json:"amount_out"`
	RawOut     string    `json:"raw_out"`
	Dust       string    `json:"dust"`
	Venue      string    `json:"venue"`
	TxHash     string    `json:"tx_hash,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

type ledgerView struct {
	Owner    string `json:"owner"`
	Balance  string `json:"balance"`
	FeeAsset string `json:"fee_asset"`
	Funded   string `json:"funded,omitempty"`
}

type balanceView struct {
	Owner   string `json:"owner"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
	Display string `json:"display,omitempty"`
}

func (s *Server) planView(p *dca.Plan) planView {
	view := planView{
		ID:                  p.ID,
		Owner:               p.Owner,
		SourceAsset:         p.Config.SourceAsset,
		TargetAsset:         p.Config.TargetAsset,
		AmountPerInterval:   amountString(p.Config.AmountPerInterval),
		IntervalSeconds:     p.Config.IntervalSeconds,
		MaxSlippageBps:      p.Config.MaxSlippageBps,
		MaxExecutions:       p.Config.MaxExecutions,
		RemainingExecutions: p.RemainingExecutions(),
		FeeTier:             p.Config.FeeTier,
		Status:              p.Status.String(),
		NextExecutionTime:   p.NextExecutionTime,
		ExecutionCount:      p.ExecutionCount,
		TotalSourceSpent:    amountString(p.TotalSourceSpent),
		TotalTargetReceived: amountString(p.TotalTargetReceived),
		AveragePriceQ128:    amountString(p.AveragePrice),
		CreatedAt:           p.CreatedAt,
		LastExecutedAt:      p.LastExecutedAt,
		Armed:               p.Armed,
		FailedAttempts:      p.FailedAttempts,
		LastError:           p.LastError,
	}
	src, srcErr := s.tokens.Resolve(p.Config.SourceAsset)
	dst, dstErr := s.tokens.Resolve(p.Config.TargetAsset)
	if srcErr == nil {
		view.AmountPerIntervalDisplay = displayAmount(p.Config.AmountPerInterval, src.Decimals)
		view.TotalSourceSpentDisplay = displayAmount(p.TotalSourceSpent, src.Decimals)
	}
	if dstErr == nil {
		view.TotalTargetReceivedDisplay = displayAmount(p.TotalTargetReceived, dst.Decimals)
	}
	if srcErr == nil && dstErr == nil && p.AveragePrice != nil && !p.AveragePrice.IsZero() {
		if price, err := fixedpoint.Scale(p.AveragePrice, src.Decimals, dst.Decimals, priceDisplayDigits); err == nil {
			view.AveragePrice = price.String()
		}
	}
	return view
}

func executionViews(execs []*dca.Execution) []executionView {
	out := make([]executionView, 0, len(execs))
	for _, exec := range execs {
		out = append(out, executionView{
			Sequence:   exec.Sequence,
			AmountIn:   amountString(exec.AmountIn),
			AmountOut:  amountString(exec.AmountOut),
			RawOut:     amountString(exec.RawOut),
			Dust:       amountString(exec.Dust),
			Venue:      string(exec.Venue),
			TxHash:     exec.TxHash,
			ExecutedAt: exec.ExecutedAt,
		})
	}
	return out
}

// parseBaseUnits accepts a positive integer amount in base units.
func parseBaseUnits(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if !value.IsInteger() {
		return nil, fmt.Errorf("%s must be a whole number of base units", field)
	}
	if !value.IsPositive() {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	out, overflow := uint256.FromBig(value.BigInt())
	if overflow {
		return nil, fmt.Errorf("%s exceeds 256 bits", field)
	}
	return out, nil
}

func displayAmount(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func normalizeAsset(asset string) string { return venue.NormalizeAsset(asset) }
