package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"recurswap/native/dca"
)

func TestGrantsRestoredForReloadedPlans(t *testing.T) {
	f := newFixture(t, RateLimit{})
	f.deposit(t, alice, "FLOW", "100000")
	rec := f.do(t, alice, http.MethodPost, "/v1/plans", basicPlan())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	reloaded, err := dca.NewDirectory(context.Background(), f.store, f.sched)
	require.NoError(t, err)
	reg, ok := reloaded.Lookup(alice)
	require.True(t, ok)
	require.ErrorIs(t, reg.CheckCapability(dca.CapWithdraw, "USDC"), dca.ErrAuthorization)

	grants := NewGrants(f.store, "flow")
	restored, err := grants.Restore(reloaded, nil)
	require.NoError(t, err)
	require.Equal(t, 1, restored)
	require.NoError(t, reg.CheckCapability(dca.CapWithdraw, "USDC"))
	require.NoError(t, reg.CheckCapability(dca.CapDeposit, "WETH"))
	require.NoError(t, reg.CheckCapability(dca.CapFee, ""))

	// Restoring twice leaves the live capabilities in place.
	_, err = grants.Restore(reloaded, nil)
	require.NoError(t, err)
}

func TestGrantsReplaceRevokedCapability(t *testing.T) {
	f := newFixture(t, RateLimit{})
	reg, err := f.dir.Registry(bob)
	require.NoError(t, err)
	grants := NewGrants(f.store, "FLOW")
	require.NoError(t, grants.Ensure(reg, "usdc", "weth"))

	reg.Revoke(dca.CapWithdraw, "USDC")
	require.ErrorIs(t, reg.CheckCapability(dca.CapWithdraw, "USDC"), dca.ErrAuthorization)
	require.NoError(t, grants.Ensure(reg, "USDC", "WETH"))
	require.NoError(t, reg.CheckCapability(dca.CapWithdraw, "USDC"))
}
