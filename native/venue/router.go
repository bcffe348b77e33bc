package venue

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Call status values returned by a Router.
const (
	StatusFailed  uint64 = 0
	StatusSuccess uint64 = 1
)

// CallRequest describes a single contract invocation against a venue.
type CallRequest struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
	Value    *uint256.Int
}

// Log is an event emitted by a mined transaction.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// CallResult is the outcome of a Router call. A transport error is reported
// through the returned error; a reverted call yields StatusFailed. A router
// that wraps ErrOutcomeUnknown still sets TxHash.
type CallResult struct {
	Status     uint64
	ReturnData []byte
	TxHash     common.Hash
	// Mined is set when the call was included on chain. Logs then carries
	// the receipt logs and ReturnData is only the pre-send simulation.
	Mined bool
	Logs  []Log
}

// Succeeded reports whether the call executed without reverting.
func (r CallResult) Succeeded() bool { return r.Status == StatusSuccess }

// Router executes encoded calls against the execution environment. Primary
// and secondary venues may share one Router; they differ by target address.
type Router interface {
	Call(ctx context.Context, req CallRequest) (CallResult, error)
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(ctx context.Context, req CallRequest) (CallResult, error)

// Call delegates to the wrapped function.
func (f RouterFunc) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	if f == nil {
		return CallResult{}, fmt.Errorf("venue: router not configured")
	}
	return f(ctx, req)
}

// CallError reports a call that completed with a non-success status.
type CallError struct {
	Method string
	To     common.Address
	Status uint64
}

func (e *CallError) Error() string {
	return fmt.Sprintf("venue: %s on %s returned status %d", e.Method, e.To.Hex(), e.Status)
}
