package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"recurswap/native/venue"
)

// ErrReceiptTimeout is returned when a submitted transaction is not mined
// within the configured timeout.
var ErrReceiptTimeout = errors.New("evm: receipt wait timed out")

// Client is the subset of the Ethereum RPC the router needs.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// TxSigner signs transactions for an account. *keystore.KeyStore satisfies
// it once the account is unlocked.
type TxSigner interface {
	SignTx(account accounts.Account, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Config describes the execution account and receipt polling.
type Config struct {
	ChainID        *big.Int
	Account        accounts.Account
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Router implements venue.Router against a live chain. Quotes are served by
// eth_call; state changing calls are simulated first, then signed, sent and
// awaited. A simulated revert is reported as StatusFailed without sending.
// Mined calls report the receipt logs; a sent call whose receipt cannot be
// read wraps venue.ErrOutcomeUnknown.
type Router struct {
	client Client
	signer TxSigner
	cfg    Config
	logger *slog.Logger

	// sendMu serialises nonce allocation.
	sendMu sync.Mutex
}

var _ venue.Router = (*Router)(nil)

// Option customises a Router.
type Option func(*Router)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter constructs a router.
func NewRouter(client Client, signer TxSigner, cfg Config, opts ...Option) (*Router, error) {
	if client == nil {
		return nil, fmt.Errorf("evm: client required")
	}
	if signer == nil {
		return nil, fmt.Errorf("evm: signer required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("evm: chain id required")
	}
	if cfg.Account.Address == (common.Address{}) {
		return nil, fmt.Errorf("evm: execution account required")
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	r := &Router{client: client, signer: signer, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dial connects to endpoint and unlocks account from the keystore in
// keystoreDir.
func Dial(ctx context.Context, endpoint, keystoreDir, account, passphrase string, cfg Config, opts ...Option) (*Router, *ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("evm endpoint required")
	}
	if !common.IsHexAddress(account) {
		return nil, nil, fmt.Errorf("evm: invalid account %q", account)
	}
	ks := keystore.NewKeyStore(keystoreDir, keystore.StandardScryptN, keystore.StandardScryptP)
	acct, err := Unlock(ks, common.HexToAddress(account), passphrase)
	if err != nil {
		return nil, nil, err
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, nil, fmt.Errorf("dial evm endpoint: %w", err)
	}
	if cfg.ChainID == nil {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("query chain id: %w", err)
		}
		cfg.ChainID = chainID
	}
	cfg.Account = acct
	router, err := NewRouter(client, ks, cfg, opts...)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return router, client, nil
}

// Unlock finds address in ks and unlocks it with passphrase.
func Unlock(ks *keystore.KeyStore, address common.Address, passphrase string) (accounts.Account, error) {
	acct, err := ks.Find(accounts.Account{Address: address})
	if err != nil {
		return accounts.Account{}, fmt.Errorf("evm: account %s not in keystore: %w", address.Hex(), err)
	}
	if err := ks.Unlock(acct, passphrase); err != nil {
		return accounts.Account{}, fmt.Errorf("evm: unlock %s: %w", address.Hex(), err)
	}
	return acct, nil
}

// Call implements venue.Router.
func (r *Router) Call(ctx context.Context, req venue.CallRequest) (venue.CallResult, error) {
	to := req.To
	msg := ethereum.CallMsg{
		From:  r.cfg.Account.Address,
		To:    &to,
		Gas:   req.GasLimit,
		Value: valueOf(req),
		Data:  req.Data,
	}
	out, err := r.client.CallContract(ctx, msg, nil)
	if err != nil {
		if isRevert(err) {
			r.logger.Debug("venue call reverted in simulation",
				slog.String("to", to.Hex()),
				slog.Any("error", err))
			return venue.CallResult{Status: venue.StatusFailed}, nil
		}
		return venue.CallResult{}, fmt.Errorf("simulate call: %w", err)
	}
	if readOnly(req.Data) {
		return venue.CallResult{Status: venue.StatusSuccess, ReturnData: out}, nil
	}

	tx, err := r.send(ctx, msg)
	if err != nil {
		return venue.CallResult{}, err
	}
	receipt, err := r.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return venue.CallResult{TxHash: tx.Hash()}, fmt.Errorf("%w: %w", venue.ErrOutcomeUnknown, err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return venue.CallResult{Status: venue.StatusFailed, TxHash: tx.Hash(), Mined: true}, nil
	}
	return venue.CallResult{
		Status:     venue.StatusSuccess,
		ReturnData: out,
		TxHash:     tx.Hash(),
		Mined:      true,
		Logs:       receiptLogs(receipt),
	}, nil
}

// Account returns the execution account address.
func (r *Router) Account() common.Address { return r.cfg.Account.Address }

func receiptLogs(receipt *gethtypes.Receipt) []venue.Log {
	out := make([]venue.Log, 0, len(receipt.Logs))
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		out = append(out, venue.Log{Address: lg.Address, Topics: lg.Topics, Data: lg.Data})
	}
	return out
}

func (r *Router) send(ctx context.Context, msg ethereum.CallMsg) (*gethtypes.Transaction, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	nonce, err := r.client.PendingNonceAt(ctx, r.cfg.Account.Address)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	tip, err := r.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	unsigned := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   r.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       msg.Gas,
		To:        msg.To,
		Value:     msg.Value,
		Data:      msg.Data,
	})
	signed, err := r.signer.SignTx(r.cfg.Account, unsigned, r.cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	r.logger.Info("venue transaction sent",
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce))
	return signed, nil
}

func (r *Router) waitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func readOnly(data []byte) bool {
	return venue.HasSelector(data, venue.MethodQuoteExactInput) ||
		venue.HasSelector(data, venue.MethodGetAmountsOut)
}

func valueOf(req venue.CallRequest) *big.Int {
	if req.Value == nil {
		return new(big.Int)
	}
	return req.Value.ToBig()
}

// isRevert distinguishes an execution revert from a transport failure.
func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
