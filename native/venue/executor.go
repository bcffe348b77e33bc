package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind identifies which venue produced a swap result.
type Kind string

const (
	// KindPrimary is the concentrated-liquidity (V3) router.
	KindPrimary Kind = "primary"
	// KindSecondary is the constant-product (V2) router.
	KindSecondary Kind = "secondary"
)

// ErrSwapFailed is matched by errors.Is for any swap that failed on every
// venue.
var ErrSwapFailed = errors.New("venue: swap failed on all venues")

var errInvalidRequest = errors.New("venue: invalid swap request")

// SwapError carries the per-venue causes of a total swap failure.
type SwapError struct {
	Primary   error
	Secondary error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("venue: swap failed: primary: %v; secondary: %v", e.Primary, e.Secondary)
}

// Is reports ErrSwapFailed so callers can match without a type assertion.
func (e *SwapError) Is(target error) bool { return target == ErrSwapFailed }

// Unwrap exposes both venue causes.
func (e *SwapError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Primary != nil {
		out = append(out, e.Primary)
	}
	if e.Secondary != nil {
		out = append(out, e.Secondary)
	}
	return out
}

// PrimaryConfig addresses the V3 router and its quoter.
type PrimaryConfig struct {
	Router         common.Address
	Quoter         common.Address
	DefaultFeeTier uint32
}

// SecondaryConfig addresses the V2 router.
type SecondaryConfig struct {
	Router common.Address
}

// GasLimits bounds each class of call.
type GasLimits struct {
	Quote   uint64
	Approve uint64
	Swap    uint64
}

// Config wires an Executor to its venues.
type Config struct {
	Primary   PrimaryConfig
	Secondary SecondaryConfig
	// Recipient receives swap output before it is deposited to the owner.
	Recipient     common.Address
	PrecisionUnit *uint256.Int
	Deadline      time.Duration
	Gas           GasLimits
}

// Request describes one swap attempt.
type Request struct {
	SourceAsset    string
	TargetAsset    string
	AmountIn       *uint256.Int
	MaxSlippageBps uint32
	// FeeTier routes the primary venue; zero selects the configured default.
	FeeTier uint32
}

// Result reports a successful swap.
type Result struct {
	// AmountOut is the output floored to the precision grid; this is the
	// amount the caller may credit.
	AmountOut *uint256.Int
	// RawAmountOut is the venue output before rounding.
	RawAmountOut *uint256.Int
	// Dust is the residue discarded by rounding. It is never refunded.
	Dust       *uint256.Int
	Quoted     *uint256.Int
	MinOut     *uint256.Int
	Venue      Kind
	TxHash     common.Hash
	PrimaryErr error
}

// Executor dispatches swaps to the primary venue with a single deterministic
// fallback to the secondary venue.
type Executor struct {
	router Router
	tokens *TokenRegistry
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the time source used for swap deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor validates the configuration and constructs an executor.
func NewExecutor(router Router, tokens *TokenRegistry, cfg Config, opts ...Option) (*Executor, error) {
	if router == nil {
		return nil, fmt.Errorf("venue: router required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("venue: token registry required")
	}
	if cfg.Primary.Router == (common.Address{}) || cfg.Primary.Quoter == (common.Address{}) {
		return nil, fmt.Errorf("venue: primary router and quoter required")
	}
	if cfg.Secondary.Router == (common.Address{}) {
		return nil, fmt.Errorf("venue: secondary router required")
	}
	if cfg.Primary.DefaultFeeTier > MaxFeeTier {
		return nil, ErrFeeTierRange
	}
	if cfg.PrecisionUnit == nil {
		cfg.PrecisionUnit = new(uint256.Int).Set(DefaultPrecisionUnit)
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Minute
	}
	if cfg.Gas.Quote == 0 {
		cfg.Gas.Quote = 300_000
	}
	if cfg.Gas.Approve == 0 {
		cfg.Gas.Approve = 80_000
	}
	if cfg.Gas.Swap == 0 {
		cfg.Gas.Swap = 400_000
	}
	e := &Executor{
		router: router,
		tokens: tokens,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Tokens exposes the registry the executor resolves against.
func (e *Executor) Tokens() *TokenRegistry { return e.tokens }

// Execute performs the swap. Token resolution failures are returned as
// ErrUnknownToken before any venue is contacted. Failures before a swap is
// submitted are returned as *SwapError. Once a swap has been submitted any
// failure is a *SettlementError and no other venue is tried.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if req.AmountIn == nil || req.AmountIn.IsZero() {
		return Result{}, fmt.Errorf("%w: amount in must be positive", errInvalidRequest)
	}
	if req.MaxSlippageBps > BasisPoints {
		return Result{}, fmt.Errorf("%w: slippage %d bps", errInvalidRequest, req.MaxSlippageBps)
	}
	tokenIn, err := e.tokens.Resolve(req.SourceAsset)
	if err != nil {
		return Result{}, err
	}
	tokenOut, err := e.tokens.Resolve(req.TargetAsset)
	if err != nil {
		return Result{}, err
	}

	leg, primaryErr := e.swapPrimary(ctx, tokenIn, tokenOut, req)
	kind := KindPrimary
	if primaryErr != nil {
		if errors.Is(primaryErr, ErrSwapUnsettled) {
			return Result{}, primaryErr
		}
		e.logger.Warn("primary venue failed, falling back",
			slog.String("source", tokenIn.Symbol),
			slog.String("target", tokenOut.Symbol),
			slog.Any("error", primaryErr))
		var secondaryErr error
		leg, secondaryErr = e.swapSecondary(ctx, tokenIn, tokenOut, req)
		if secondaryErr != nil {
			if errors.Is(secondaryErr, ErrSwapUnsettled) {
				return Result{}, secondaryErr
			}
			return Result{}, &SwapError{Primary: primaryErr, Secondary: secondaryErr}
		}
		kind = KindSecondary
	}

	rounded, dust := RoundDown(leg.raw, e.cfg.PrecisionUnit)
	return Result{
		AmountOut:    rounded,
		RawAmountOut: leg.raw,
		Dust:         dust,
		Quoted:       leg.quoted,
		MinOut:       leg.minOut,
		Venue:        kind,
		TxHash:       leg.tx,
		PrimaryErr:   primaryErr,
	}, nil
}

type legResult struct {
	raw    *uint256.Int
	quoted *uint256.Int
	minOut *uint256.Int
	tx     common.Hash
}

func (e *Executor) swapPrimary(ctx context.Context, in, out Token, req Request) (legResult, error) {
	fee := req.FeeTier
	if fee == 0 {
		fee = e.cfg.Primary.DefaultFeeTier
	}
	path, err := EncodePath(in.Address, fee, out.Address)
	if err != nil {
		return legResult{}, err
	}
	quoteData, err := PackQuoteExactInput(path, req.AmountIn)
	if err != nil {
		return legResult{}, err
	}
	res, err := e.call(ctx, MethodQuoteExactInput, e.cfg.Primary.Quoter, quoteData, e.cfg.Gas.Quote)
	if err != nil {
		return legResult{}, err
	}
	quoted, err := UnpackAmount(MethodQuoteExactInput, res.ReturnData)
	if err != nil {
		return legResult{}, err
	}
	minOut := MinimumOutput(quoted, req.MaxSlippageBps)

	if err := e.approve(ctx, in.Address, e.cfg.Primary.Router, req.AmountIn); err != nil {
		return legResult{}, err
	}
	swapData, err := PackExactInput(ExactInputParams{
		Path:             path,
		Recipient:        e.cfg.Recipient,
		Deadline:         new(big.Int).SetInt64(e.deadline()),
		AmountIn:         req.AmountIn.ToBig(),
		AmountOutMinimum: minOut.ToBig(),
	})
	if err != nil {
		e.revokeApproval(ctx, in.Address, e.cfg.Primary.Router)
		return legResult{}, err
	}
	res, err = e.call(ctx, MethodExactInput, e.cfg.Primary.Router, swapData, e.cfg.Gas.Swap)
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			return legResult{}, &SettlementError{Venue: KindPrimary, TxHash: res.TxHash, Cause: err}
		}
		e.revokeApproval(ctx, in.Address, e.cfg.Primary.Router)
		return legResult{}, err
	}
	raw, err := e.settle(KindPrimary, MethodExactInput, res, out.Address, minOut)
	if err != nil {
		return legResult{}, err
	}
	return legResult{raw: raw, quoted: quoted, minOut: minOut, tx: res.TxHash}, nil
}

func (e *Executor) swapSecondary(ctx context.Context, in, out Token, req Request) (legResult, error) {
	path := []common.Address{in.Address, out.Address}
	quoteData, err := PackGetAmountsOut(req.AmountIn, path)
	if err != nil {
		return legResult{}, err
	}
	router := e.cfg.Secondary.Router
	res, err := e.call(ctx, MethodGetAmountsOut, router, quoteData, e.cfg.Gas.Quote)
	if err != nil {
		return legResult{}, err
	}
	quoted, err := UnpackLastAmount(MethodGetAmountsOut, res.ReturnData)
	if err != nil {
		return legResult{}, err
	}
	minOut := MinimumOutput(quoted, req.MaxSlippageBps)

	if err := e.approve(ctx, in.Address, router, req.AmountIn); err != nil {
		return legResult{}, err
	}
	swapData, err := PackSwapExactTokensForTokens(req.AmountIn, minOut, path, e.cfg.Recipient, uint64(e.deadline()))
	if err != nil {
		return legResult{}, err
	}
	res, err = e.call(ctx, MethodSwapExactTokensForTokens, router, swapData, e.cfg.Gas.Swap)
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			return legResult{}, &SettlementError{Venue: KindSecondary, TxHash: res.TxHash, Cause: err}
		}
		e.revokeApproval(ctx, in.Address, router)
		return legResult{}, err
	}
	raw, err := e.settle(KindSecondary, MethodSwapExactTokensForTokens, res, out.Address, minOut)
	if err != nil {
		return legResult{}, err
	}
	return legResult{raw: raw, quoted: quoted, minOut: minOut, tx: res.TxHash}, nil
}

func (e *Executor) approve(ctx context.Context, token, spender common.Address, amount *uint256.Int) error {
	data, err := PackApprove(spender, amount)
	if err != nil {
		return err
	}
	_, err = e.call(ctx, MethodApprove, token, data, e.cfg.Gas.Approve)
	return err
}

// revokeApproval resets an allowance left behind by a failed swap. Failures
// are logged only; the swap outcome is already decided.
func (e *Executor) revokeApproval(ctx context.Context, token, spender common.Address) {
	if err := e.approve(ctx, token, spender, new(uint256.Int)); err != nil {
		e.logger.Warn("reset venue allowance failed",
			slog.String("token", token.Hex()),
			slog.String("spender", spender.Hex()),
			slog.Any("error", err))
	}
}

func (e *Executor) call(ctx context.Context, method string, to common.Address, data []byte, gas uint64) (CallResult, error) {
	if err := ctx.Err(); err != nil {
		return CallResult{}, err
	}
	res, err := e.router.Call(ctx, CallRequest{To: to, Data: data, GasLimit: gas, Value: new(uint256.Int)})
	if err != nil {
		return CallResult{TxHash: res.TxHash}, fmt.Errorf("venue: %s: %w", method, err)
	}
	if !res.Succeeded() {
		return CallResult{}, &CallError{Method: method, To: to, Status: res.Status}
	}
	return res, nil
}

func (e *Executor) deadline() int64 {
	return e.now().Add(e.cfg.Deadline).Unix()
}
