package paper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"recurswap/native/venue"
)

// ErrUnknownPair is returned when no rate is configured for a token pair.
var ErrUnknownPair = errors.New("paper: no rate for pair")

const feeTierDenominator = 1_000_000

// Config describes the simulated venues. Rates are keyed "SRC/TGT" and are
// human-unit prices (target per source); token decimals are applied when
// converting base units.
type Config struct {
	PrimaryRouter        common.Address
	Quoter               common.Address
	SecondaryRouter      common.Address
	Tokens               *venue.TokenRegistry
	Rates                map[string]string
	SecondaryDiscountBps uint32
	FailPrimary          bool
}

type pairKey struct {
	in, out common.Address
}

type allowanceKey struct {
	token, spender common.Address
}

// Venue is a deterministic stand-in for a V3 router with quoter and a V2
// router. It decodes calldata with the same ABI the executor encodes with,
// tracks allowances and enforces deadlines and minimum outputs.
type Venue struct {
	cfg      Config
	rates    map[pairKey]decimal.Decimal
	decimals map[common.Address]uint8

	mu          sync.Mutex
	failPrimary bool
	allowances  map[allowanceKey]*uint256.Int
	nonce       uint64
	nowFn       func() time.Time
}

var _ venue.Router = (*Venue)(nil)

// New validates the configuration and builds the simulated venue.
func New(cfg Config) (*Venue, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("paper: token registry required")
	}
	if cfg.SecondaryDiscountBps > venue.BasisPoints {
		return nil, fmt.Errorf("paper: secondary discount %d bps out of range", cfg.SecondaryDiscountBps)
	}
	v := &Venue{
		cfg:         cfg,
		rates:       make(map[pairKey]decimal.Decimal, len(cfg.Rates)),
		decimals:    make(map[common.Address]uint8),
		failPrimary: cfg.FailPrimary,
		allowances:  make(map[allowanceKey]*uint256.Int),
		nowFn:       time.Now,
	}
	for _, symbol := range cfg.Tokens.Symbols() {
		tok, _ := cfg.Tokens.Resolve(symbol)
		v.decimals[tok.Address] = tok.Decimals
	}
	for pair, raw := range cfg.Rates {
		src, dst, ok := strings.Cut(pair, "/")
		if !ok {
			return nil, fmt.Errorf("paper: rate key %q must be SRC/TGT", pair)
		}
		in, err := cfg.Tokens.ResolveVenueAddress(src)
		if err != nil {
			return nil, err
		}
		out, err := cfg.Tokens.ResolveVenueAddress(dst)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("paper: rate %s: %w", pair, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("paper: rate %s must be positive", pair)
		}
		v.rates[pairKey{in: in, out: out}] = rate
	}
	return v, nil
}

// SetNowFunc overrides the clock used for deadline checks.
func (v *Venue) SetNowFunc(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if now == nil {
		v.nowFn = time.Now
		return
	}
	v.nowFn = now
}

// SetFailPrimary makes every primary venue call revert, forcing fallback.
func (v *Venue) SetFailPrimary(fail bool) {
	v.mu.Lock()
	v.failPrimary = fail
	v.mu.Unlock()
}

// Allowance returns the approved amount of token for spender.
func (v *Venue) Allowance(token, spender common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if a, ok := v.allowances[allowanceKey{token: token, spender: spender}]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// Call implements venue.Router. Business failures revert with
// StatusFailed; only malformed calldata is returned as an error.
func (v *Venue) Call(ctx context.Context, req venue.CallRequest) (venue.CallResult, error) {
	if err := ctx.Err(); err != nil {
		return venue.CallResult{}, err
	}
	method, args, err := venue.DecodeCall(req.Data)
	if err != nil {
		return venue.CallResult{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []byte
	switch method.Name {
	case venue.MethodApprove:
		out, err = v.approve(req.To, args)
	case venue.MethodQuoteExactInput:
		out, err = v.quoteExactInput(req.To, args)
	case venue.MethodExactInput:
		out, err = v.exactInput(req.To, args)
	case venue.MethodGetAmountsOut:
		out, err = v.getAmountsOut(req.To, args)
	case venue.MethodSwapExactTokensForTokens:
		out, err = v.swapExactTokensForTokens(req.To, args)
	default:
		err = fmt.Errorf("paper: unsupported method %s", method.Name)
	}
	if err != nil {
		return venue.CallResult{Status: venue.StatusFailed}, nil
	}
	v.nonce++
	return venue.CallResult{Status: venue.StatusSuccess, ReturnData: out, TxHash: v.txHash(req.Data)}, nil
}

func (v *Venue) approve(to common.Address, args []interface{}) ([]byte, error) {
	if _, ok := v.decimals[to]; !ok {
		return nil, fmt.Errorf("paper: approve on unknown token %s", to.Hex())
	}
	spender := args[0].(common.Address)
	amount, err := toUint(args[1].(*big.Int))
	if err != nil {
		return nil, err
	}
	v.allowances[allowanceKey{token: to, spender: spender}] = amount
	return venue.ABI().Methods[venue.MethodApprove].Outputs.Pack(true)
}

func (v *Venue) quoteExactInput(to common.Address, args []interface{}) ([]byte, error) {
	if to != v.cfg.Quoter || v.failPrimary {
		return nil, fmt.Errorf("paper: quoter unavailable")
	}
	in, fee, out, err := venue.DecodePath(args[0].([]byte))
	if err != nil {
		return nil, err
	}
	amountIn, err := toUint(args[1].(*big.Int))
	if err != nil {
		return nil, err
	}
	quoted, err := v.primaryOut(in, fee, out, amountIn)
	if err != nil {
		return nil, err
	}
	return venue.PackAmount(venue.MethodQuoteExactInput, quoted)
}

func (v *Venue) exactInput(to common.Address, args []interface{}) ([]byte, error) {
	if to != v.cfg.PrimaryRouter || v.failPrimary {
		return nil, fmt.Errorf("paper: primary router unavailable")
	}
	params := *abi.ConvertType(args[0], new(venue.ExactInputParams)).(*venue.ExactInputParams)
	if err := v.checkDeadline(params.Deadline); err != nil {
		return nil, err
	}
	in, fee, out, err := venue.DecodePath(params.Path)
	if err != nil {
		return nil, err
	}
	amountIn, err := toUint(params.AmountIn)
	if err != nil {
		return nil, err
	}
	minOut, err := toUint(params.AmountOutMinimum)
	if err != nil {
		return nil, err
	}
	amountOut, err := v.primaryOut(in, fee, out, amountIn)
	if err != nil {
		return nil, err
	}
	if amountOut.Lt(minOut) {
		return nil, fmt.Errorf("paper: output %s below minimum %s", amountOut.Dec(), minOut.Dec())
	}
	if err := v.spend(in, to, amountIn); err != nil {
		return nil, err
	}
	return venue.PackAmount(venue.MethodExactInput, amountOut)
}

func (v *Venue) getAmountsOut(to common.Address, args []interface{}) ([]byte, error) {
	if to != v.cfg.SecondaryRouter {
		return nil, fmt.Errorf("paper: unknown secondary router %s", to.Hex())
	}
	amountIn, err := toUint(args[0].(*big.Int))
	if err != nil {
		return nil, err
	}
	path := args[1].([]common.Address)
	amountOut, err := v.secondaryOut(path, amountIn)
	if err != nil {
		return nil, err
	}
	return venue.PackAmounts(venue.MethodGetAmountsOut, []*uint256.Int{amountIn, amountOut})
}

func (v *Venue) swapExactTokensForTokens(to common.Address, args []interface{}) ([]byte, error) {
	if to != v.cfg.SecondaryRouter {
		return nil, fmt.Errorf("paper: unknown secondary router %s", to.Hex())
	}
	amountIn, err := toUint(args[0].(*big.Int))
	if err != nil {
		return nil, err
	}
	minOut, err := toUint(args[1].(*big.Int))
	if err != nil {
		return nil, err
	}
	path := args[2].([]common.Address)
	if err := v.checkDeadline(args[4].(*big.Int)); err != nil {
		return nil, err
	}
	amountOut, err := v.secondaryOut(path, amountIn)
	if err != nil {
		return nil, err
	}
	if amountOut.Lt(minOut) {
		return nil, fmt.Errorf("paper: output %s below minimum %s", amountOut.Dec(), minOut.Dec())
	}
	if err := v.spend(path[0], to, amountIn); err != nil {
		return nil, err
	}
	return venue.PackAmounts(venue.MethodSwapExactTokensForTokens, []*uint256.Int{amountIn, amountOut})
}

func (v *Venue) primaryOut(in common.Address, fee uint32, out common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	if fee >= feeTierDenominator {
		return nil, fmt.Errorf("paper: fee tier %d out of range", fee)
	}
	gross, err := v.convert(in, out, amountIn)
	if err != nil {
		return nil, err
	}
	net, overflow := new(uint256.Int).MulDivOverflow(gross, uint256.NewInt(uint64(feeTierDenominator-fee)), uint256.NewInt(feeTierDenominator))
	if overflow {
		return nil, fmt.Errorf("paper: output overflows")
	}
	return net, nil
}

func (v *Venue) secondaryOut(path []common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	if len(path) != 2 {
		return nil, fmt.Errorf("paper: only single hop paths are simulated")
	}
	gross, err := v.convert(path[0], path[1], amountIn)
	if err != nil {
		return nil, err
	}
	keep := uint64(venue.BasisPoints - v.cfg.SecondaryDiscountBps)
	net, overflow := new(uint256.Int).MulDivOverflow(gross, uint256.NewInt(keep), uint256.NewInt(venue.BasisPoints))
	if overflow {
		return nil, fmt.Errorf("paper: output overflows")
	}
	return net, nil
}

// convert applies the human-unit rate and rescales between token decimals,
// flooring to whole base units.
func (v *Venue) convert(in, out common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	rate, ok := v.rates[pairKey{in: in, out: out}]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownPair, in.Hex(), out.Hex())
	}
	shift := int32(v.decimals[out]) - int32(v.decimals[in])
	value := decimal.NewFromBigInt(amountIn.ToBig(), 0).Mul(rate).Shift(shift).Floor()
	return toUint(value.BigInt())
}

func (v *Venue) spend(token, spender common.Address, amount *uint256.Int) error {
	key := allowanceKey{token: token, spender: spender}
	allowance, ok := v.allowances[key]
	if !ok || allowance.Lt(amount) {
		return fmt.Errorf("paper: allowance below %s", amount.Dec())
	}
	v.allowances[key] = new(uint256.Int).Sub(allowance, amount)
	return nil
}

func (v *Venue) checkDeadline(deadline *big.Int) error {
	if deadline == nil || !deadline.IsInt64() || deadline.Int64() < v.nowFn().Unix() {
		return fmt.Errorf("paper: deadline passed")
	}
	return nil
}

func (v *Venue) txHash(data []byte) common.Hash {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], v.nonce)
	return crypto.Keccak256Hash(seq[:], data)
}

func toUint(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("paper: negative amount")
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("paper: amount exceeds 256 bits")
	}
	return out, nil
}
