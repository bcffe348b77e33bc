package venue

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Method names understood by the encoder.
const (
	MethodApprove                  = "approve"
	MethodExactInput               = "exactInput"
	MethodQuoteExactInput          = "quoteExactInput"
	MethodGetAmountsOut            = "getAmountsOut"
	MethodSwapExactTokensForTokens = "swapExactTokensForTokens"
)

// PathHopLength is the byte length of a single-hop V3 path:
// [tokenIn 20][fee 3][tokenOut 20].
const PathHopLength = common.AddressLength + 3 + common.AddressLength

// MaxFeeTier is the largest fee tier representable in the 24-bit path field.
const MaxFeeTier = 1<<24 - 1

// The combined ABI covers the ERC-20 approval, the V3 SwapRouter and
// QuoterV1 entry points, and the V2 router. Method names do not collide so a
// single definition is sufficient for both encoding and selector lookup.
const venueABIJSON = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"exactInput","stateMutability":"payable",
  "inputs":[{"name":"params","type":"tuple","components":[
    {"name":"path","type":"bytes"},
    {"name":"recipient","type":"address"},
    {"name":"deadline","type":"uint256"},
    {"name":"amountIn","type":"uint256"},
    {"name":"amountOutMinimum","type":"uint256"}]}],
  "outputs":[{"name":"amountOut","type":"uint256"}]},
 {"type":"function","name":"quoteExactInput","stateMutability":"nonpayable",
  "inputs":[{"name":"path","type":"bytes"},{"name":"amountIn","type":"uint256"}],
  "outputs":[{"name":"amountOut","type":"uint256"}]},
 {"type":"function","name":"getAmountsOut","stateMutability":"view",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
    {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var (
	// ErrMalformedReturn indicates the venue returned data that does not decode
	// as the expected output type.
	ErrMalformedReturn = errors.New("venue: malformed return data")
	// ErrFeeTierRange indicates the fee tier does not fit the 24-bit path field.
	ErrFeeTierRange = errors.New("venue: fee tier out of range")
	// ErrMalformedPath indicates a V3 path that is not a single hop.
	ErrMalformedPath = errors.New("venue: malformed path")
)

var venueABI = mustParseABI(venueABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("venue: parse abi: %v", err))
	}
	return parsed
}

// ABI exposes the parsed venue ABI, primarily for simulated venues that need
// to decode calldata.
func ABI() abi.ABI { return venueABI }

// Selector returns the 4-byte function selector of a known method.
func Selector(method string) ([4]byte, error) {
	var out [4]byte
	m, ok := venueABI.Methods[method]
	if !ok {
		return out, fmt.Errorf("venue: unknown method %s", method)
	}
	copy(out[:], m.ID)
	return out, nil
}

// ExactInputParams mirrors the V3 SwapRouter ExactInputParams struct. Field
// names must match the ABI component names for tuple packing.
type ExactInputParams struct {
	Path             []byte
	Recipient        common.Address
	Deadline         *big.Int
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// EncodePath builds the packed single-hop V3 path [tokenIn][fee][tokenOut].
func EncodePath(tokenIn common.Address, fee uint32, tokenOut common.Address) ([]byte, error) {
	if fee > MaxFeeTier {
		return nil, ErrFeeTierRange
	}
	buf := make([]byte, 0, PathHopLength)
	buf = append(buf, tokenIn.Bytes()...)
	buf = append(buf, byte(fee>>16), byte(fee>>8), byte(fee))
	buf = append(buf, tokenOut.Bytes()...)
	return buf, nil
}

// DecodePath splits a single-hop V3 path into its components.
func DecodePath(path []byte) (tokenIn common.Address, fee uint32, tokenOut common.Address, err error) {
	if len(path) != PathHopLength {
		return tokenIn, 0, tokenOut, ErrMalformedPath
	}
	tokenIn = common.BytesToAddress(path[:common.AddressLength])
	feeBytes := path[common.AddressLength : common.AddressLength+3]
	fee = uint32(feeBytes[0])<<16 | uint32(feeBytes[1])<<8 | uint32(feeBytes[2])
	tokenOut = common.BytesToAddress(path[common.AddressLength+3:])
	return tokenIn, fee, tokenOut, nil
}

// PackApprove encodes ERC-20 approve(spender, amount).
func PackApprove(spender common.Address, amount *uint256.Int) ([]byte, error) {
	return venueABI.Pack(MethodApprove, spender, toBig(amount))
}

// PackExactInput encodes SwapRouter.exactInput(params).
func PackExactInput(params ExactInputParams) ([]byte, error) {
	return venueABI.Pack(MethodExactInput, params)
}

// PackQuoteExactInput encodes QuoterV1.quoteExactInput(path, amountIn).
func PackQuoteExactInput(path []byte, amountIn *uint256.Int) ([]byte, error) {
	return venueABI.Pack(MethodQuoteExactInput, path, toBig(amountIn))
}

// PackGetAmountsOut encodes V2 getAmountsOut(amountIn, path).
func PackGetAmountsOut(amountIn *uint256.Int, path []common.Address) ([]byte, error) {
	return venueABI.Pack(MethodGetAmountsOut, toBig(amountIn), path)
}

// PackSwapExactTokensForTokens encodes the V2 router swap.
func PackSwapExactTokensForTokens(amountIn, amountOutMin *uint256.Int, path []common.Address, to common.Address, deadline uint64) ([]byte, error) {
	return venueABI.Pack(MethodSwapExactTokensForTokens, toBig(amountIn), toBig(amountOutMin), path, to, new(big.Int).SetUint64(deadline))
}

// UnpackAmount decodes a single uint256 return value of method.
func UnpackAmount(method string, data []byte) (*uint256.Int, error) {
	values, err := venueABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedReturn, method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: %s: %d values", ErrMalformedReturn, method, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unexpected type %T", ErrMalformedReturn, method, values[0])
	}
	return fromBig(amount)
}

// UnpackLastAmount decodes a uint256[] return value and yields its final
// element, which is the output amount for V2 router calls.
func UnpackLastAmount(method string, data []byte) (*uint256.Int, error) {
	values, err := venueABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedReturn, method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: %s: %d values", ErrMalformedReturn, method, len(values))
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, fmt.Errorf("%w: %s: empty amounts", ErrMalformedReturn, method)
	}
	return fromBig(amounts[len(amounts)-1])
}

// PackAmount encodes a single uint256 return value, as a venue would.
func PackAmount(method string, amount *uint256.Int) ([]byte, error) {
	m, ok := venueABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("venue: unknown method %s", method)
	}
	return m.Outputs.Pack(toBig(amount))
}

// PackAmounts encodes a uint256[] return value, as a V2 router would.
func PackAmounts(method string, amounts []*uint256.Int) ([]byte, error) {
	m, ok := venueABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("venue: unknown method %s", method)
	}
	out := make([]*big.Int, len(amounts))
	for i, a := range amounts {
		out[i] = toBig(a)
	}
	return m.Outputs.Pack(out)
}

// DecodeCall resolves the method for calldata and unpacks its arguments.
func DecodeCall(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("venue: calldata too short")
	}
	method, err := venueABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("venue: unpack %s: %w", method.Name, err)
	}
	return method, args, nil
}

// HasSelector reports whether calldata targets method.
func HasSelector(data []byte, method string) bool {
	sel, err := Selector(method)
	if err != nil || len(data) < 4 {
		return false
	}
	return bytes.Equal(data[:4], sel[:])
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount exceeds 256 bits", ErrMalformedReturn)
	}
	return out, nil
}
