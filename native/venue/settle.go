package venue

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// TransferTopic is topic0 of the ERC-20 Transfer event.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var (
	// ErrOutcomeUnknown is wrapped by a Router when a state changing call
	// was submitted but its result could not be observed.
	ErrOutcomeUnknown = errors.New("venue: call outcome unknown")
	// ErrSwapUnsettled marks a swap that was submitted to a venue and may
	// have moved funds, but whose output could not be confirmed. Such a swap
	// is never retried on another venue.
	ErrSwapUnsettled = errors.New("venue: swap submitted but output unconfirmed")
)

// SettlementError reports a submitted swap whose output is unconfirmed.
type SettlementError struct {
	Venue  Kind
	TxHash common.Hash
	Cause  error
}

func (e *SettlementError) Error() string {
	if e.TxHash == (common.Hash{}) {
		return fmt.Sprintf("venue: %s swap unsettled: %v", e.Venue, e.Cause)
	}
	return fmt.Sprintf("venue: %s swap %s unsettled: %v", e.Venue, e.TxHash.Hex(), e.Cause)
}

// Is reports ErrSwapUnsettled.
func (e *SettlementError) Is(target error) bool { return target == ErrSwapUnsettled }

func (e *SettlementError) Unwrap() error { return e.Cause }

// TransferredTo sums the Transfer logs emitted by token whose recipient is
// to. ok is false when no such log exists.
func TransferredTo(logs []Log, token, to common.Address) (amount *uint256.Int, ok bool) {
	amount = new(uint256.Int)
	want := common.BytesToHash(to.Bytes())
	for _, lg := range logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
			continue
		}
		if lg.Topics[2] != want || len(lg.Data) != 32 {
			continue
		}
		amount.Add(amount, new(uint256.Int).SetBytes32(lg.Data))
		ok = true
	}
	return amount, ok
}

// TransferLog builds the log a token emits for a transfer, as a venue would.
func TransferLog(token, from, to common.Address, amount *uint256.Int) Log {
	data := amount.Bytes32()
	return Log{
		Address: token,
		Topics:  []common.Hash{TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    data[:],
	}
}

// settle determines the output credited to the recipient by a swap call.
// Mined transactions settle from their Transfer logs; simulated venues settle
// from the decoded return value. Every failure here is terminal.
func (e *Executor) settle(kind Kind, method string, res CallResult, tokenOut common.Address, minOut *uint256.Int) (*uint256.Int, error) {
	unsettled := func(cause error) error {
		return &SettlementError{Venue: kind, TxHash: res.TxHash, Cause: cause}
	}
	var raw *uint256.Int
	if res.Mined {
		amount, ok := TransferredTo(res.Logs, tokenOut, e.cfg.Recipient)
		if !ok {
			return nil, unsettled(fmt.Errorf("venue: %s: receipt has no %s transfer to %s", method, tokenOut.Hex(), e.cfg.Recipient.Hex()))
		}
		raw = amount
	} else {
		decode := UnpackAmount
		if method == MethodSwapExactTokensForTokens {
			decode = UnpackLastAmount
		}
		amount, err := decode(method, res.ReturnData)
		if err != nil {
			return nil, unsettled(err)
		}
		raw = amount
	}
	if raw.Lt(minOut) {
		return nil, unsettled(fmt.Errorf("venue: %s output %s below minimum %s", kind, raw.Dec(), minOut.Dec()))
	}
	return raw, nil
}
