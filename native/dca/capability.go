package dca

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"recurswap/native/venue"
)

// CapabilityKind enumerates the delegated vault authorizations a registry
// holds.
type CapabilityKind uint8

const (
	// CapWithdraw pulls the source asset from the owner's vault.
	CapWithdraw CapabilityKind = iota + 1
	// CapDeposit credits the target asset to the owner's vault.
	CapDeposit
	// CapFee pulls scheduler fees from the owner's fee vault.
	CapFee
)

func (k CapabilityKind) String() string {
	switch k {
	case CapWithdraw:
		return "withdraw"
	case CapDeposit:
		return "deposit"
	case CapFee:
		return "fee"
	default:
		return "unknown"
	}
}

// Vault moves an owner's balances. Withdraw must fail with an error wrapping
// ErrInsufficientFunds when the balance is short.
type Vault interface {
	Withdraw(ctx context.Context, owner, asset string, amount *uint256.Int) error
	Deposit(ctx context.Context, owner, asset string, amount *uint256.Int) error
}

// Capability is a narrow, revocable authorization to move one asset of one
// owner's vault in one direction. Withdraw and fee capabilities may also
// return funds they pulled.
type Capability struct {
	kind  CapabilityKind
	owner string
	asset string
	vault Vault

	mu      sync.RWMutex
	revoked bool
}

// NewCapability binds a vault authorization to owner and asset.
func NewCapability(kind CapabilityKind, owner, asset string, vault Vault) *Capability {
	return &Capability{kind: kind, owner: owner, asset: venue.NormalizeAsset(asset), vault: vault}
}

// Kind returns the authorization direction.
func (c *Capability) Kind() CapabilityKind { return c.kind }

// Asset returns the canonical asset identifier the capability covers.
func (c *Capability) Asset() string { return c.asset }

// Owner returns the vault owner.
func (c *Capability) Owner() string { return c.owner }

// Revoke invalidates the capability. Subsequent checks fail.
func (c *Capability) Revoke() {
	c.mu.Lock()
	c.revoked = true
	c.mu.Unlock()
}

// Revoked reports whether Revoke was called.
func (c *Capability) Revoked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revoked
}

// Check verifies the capability may be used as kind for asset.
func (c *Capability) Check(kind CapabilityKind, asset string) error {
	if c == nil {
		return &AuthorizationError{Kind: kind, Asset: venue.NormalizeAsset(asset), Reason: "missing"}
	}
	if c.Revoked() {
		return &AuthorizationError{Kind: kind, Asset: c.asset, Reason: "revoked"}
	}
	if c.vault == nil {
		return &AuthorizationError{Kind: kind, Asset: c.asset, Reason: "has no vault"}
	}
	if c.kind != kind {
		return &AuthorizationError{Kind: kind, Asset: c.asset, Reason: fmt.Sprintf("held as %s", c.kind)}
	}
	if asset != "" && venue.NormalizeAsset(asset) != c.asset {
		return &AuthorizationError{Kind: kind, Asset: venue.NormalizeAsset(asset), Reason: fmt.Sprintf("covers %s", c.asset)}
	}
	return nil
}

// Withdraw pulls amount from the vault.
func (c *Capability) Withdraw(ctx context.Context, amount *uint256.Int) error {
	if c == nil || c.kind == CapDeposit {
		return c.denied(CapWithdraw)
	}
	if err := c.Check(c.kind, c.asset); err != nil {
		return err
	}
	return c.vault.Withdraw(ctx, c.owner, c.asset, amount)
}

// Deposit credits amount to the vault.
func (c *Capability) Deposit(ctx context.Context, amount *uint256.Int) error {
	if err := c.Check(CapDeposit, ""); err != nil {
		return err
	}
	return c.vault.Deposit(ctx, c.owner, c.asset, amount)
}

// Refund returns previously withdrawn funds to the vault they came from.
// Refunds are honoured even after revocation so a run in flight can
// compensate.
func (c *Capability) Refund(ctx context.Context, amount *uint256.Int) error {
	if c == nil || c.vault == nil || c.kind == CapDeposit {
		return c.denied(CapWithdraw)
	}
	return c.vault.Deposit(ctx, c.owner, c.asset, amount)
}

func (c *Capability) denied(kind CapabilityKind) error {
	if c == nil {
		return &AuthorizationError{Kind: kind, Reason: "missing"}
	}
	return &AuthorizationError{Kind: kind, Asset: c.asset, Reason: fmt.Sprintf("held as %s", c.kind)}
}
