package incentives

import (
	"math/big"

	"github.com/google/uuid"

	"RewardsLedger/internal/distribution"
	rlmath "RewardsLedger/internal/math"
)

// adjustedTotalSupply computes asset's distribution denominator from the
// current mirror: scaled total supply minus the live balances of every
// excluded user, clamped at zero. Computed fresh per use, never cached.
func (c *Controller) adjustedTotalSupply(asset string) *big.Int {
	return c.adjustedFromRaw(asset, c.mirror.ScaledTotalSupply(asset))
}

// adjustedFromRaw subtracts the excluded users' live balances from a given
// raw total supply reading. Used with the pre-change supply carried by
// balance events, where the mirror already holds newer values.
func (c *Controller) adjustedFromRaw(asset string, rawSupply *big.Int) *big.Int {
	excluded := c.registry.ExcludedUsers(asset)
	if len(excluded) == 0 {
		return rlmath.Clone(rawSupply)
	}

	sum := new(big.Int)
	for _, user := range excluded {
		sum.Add(sum, c.mirror.ScaledBalanceOf(asset, user))
	}
	return rlmath.SubClamped(rawSupply, sum)
}

// balanceSnapshots builds the ordered (asset, balance, adjusted supply)
// sequence for an accrual refresh over the caller-supplied asset walk. An
// excluded user's balance reads as zero; the adjusted supply is computed
// per asset either way so index advancement stays uniform.
func (c *Controller) balanceSnapshots(user uuid.UUID, assetList []string) []distribution.BalanceSnapshot {
	out := make([]distribution.BalanceSnapshot, 0, len(assetList))
	for _, asset := range assetList {
		balance := new(big.Int)
		if !c.registry.IsExcluded(user, asset) {
			balance = c.mirror.ScaledBalanceOf(asset, user)
		}
		out = append(out, distribution.BalanceSnapshot{
			Asset:               asset,
			Balance:             balance,
			AdjustedTotalSupply: c.adjustedTotalSupply(asset),
		})
	}
	return out
}
