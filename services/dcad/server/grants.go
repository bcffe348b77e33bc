package server

import (
	"fmt"
	"log/slog"

	"recurswap/native/dca"
	"recurswap/native/venue"
)

// Grants installs the vault capabilities the daemon holds on an owner's
// behalf. Capabilities live in memory, so they are re-installed for every
// live plan at startup.
type Grants struct {
	vault    dca.Vault
	feeAsset string
}

// NewGrants binds grants to the daemon vault and the asset scheduler fees are
// paid in.
func NewGrants(vault dca.Vault, feeAsset string) *Grants {
	return &Grants{vault: vault, feeAsset: venue.NormalizeAsset(feeAsset)}
}

// Ensure authorizes withdrawals of source, deposits of target and fee
// payments for reg's owner. Live capabilities are left in place.
func (g *Grants) Ensure(reg *dca.Registry, source, target string) error {
	if err := g.ensure(reg, dca.CapWithdraw, source); err != nil {
		return err
	}
	if err := g.ensure(reg, dca.CapDeposit, target); err != nil {
		return err
	}
	return g.ensure(reg, dca.CapFee, g.feeAsset)
}

func (g *Grants) ensure(reg *dca.Registry, kind dca.CapabilityKind, asset string) error {
	asset = venue.NormalizeAsset(asset)
	check := asset
	if kind == dca.CapFee {
		check = ""
	}
	if reg.CheckCapability(kind, check) == nil {
		return nil
	}
	if err := reg.Authorize(dca.NewCapability(kind, reg.Owner(), asset, g.vault)); err != nil {
		return fmt.Errorf("grant %s %s: %w", kind, asset, err)
	}
	return nil
}

// Restore re-installs capabilities for every non-terminal plan in dir. It
// returns the number of registries touched.
func (g *Grants) Restore(dir *dca.Directory, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	restored := 0
	for _, owner := range dir.Owners() {
		reg, ok := dir.Lookup(owner)
		if !ok {
			continue
		}
		touched := false
		for _, plan := range reg.Plans() {
			if plan.Status.Terminal() {
				continue
			}
			if err := g.Ensure(reg, plan.Config.SourceAsset, plan.Config.TargetAsset); err != nil {
				return restored, fmt.Errorf("restore grants for %s plan %d: %w", owner, plan.ID, err)
			}
			touched = true
		}
		if !touched && !reg.Ledger().Balance().IsZero() {
			if err := g.ensure(reg, dca.CapFee, g.feeAsset); err != nil {
				return restored, err
			}
			touched = true
		}
		if touched {
			restored++
		}
	}
	logger.Info("vault capabilities restored", slog.Int("owners", restored))
	return restored, nil
}
