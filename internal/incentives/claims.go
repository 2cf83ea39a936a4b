package incentives

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"RewardsLedger/internal/event"
	rlmath "RewardsLedger/internal/math"
)

// ClaimRewards settles up to amount of caller's accrued reward over the
// given asset walk and pays it to recipient. Returns the amount actually
// claimed, which is lower than requested when the accrued total falls
// short.
func (c *Controller) ClaimRewards(caller uuid.UUID, assetList []string, amount *big.Int, reward string, recipient uuid.UUID) (*big.Int, error) {
	if recipient == uuid.Nil {
		return nil, ErrInvalidRecipient
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimRewards(caller, caller, assetList, amount, reward, recipient)
}

// ClaimRewardsOnBehalf settles on behalf of user. The caller must be the
// delegate user previously authorized via SetClaimer; anyone else is
// rejected before any state is read.
func (c *Controller) ClaimRewardsOnBehalf(caller uuid.UUID, assetList []string, amount *big.Int, user uuid.UUID, recipient uuid.UUID, reward string) (*big.Int, error) {
	if user == uuid.Nil {
		return nil, ErrInvalidUser
	}
	if recipient == uuid.Nil {
		return nil, ErrInvalidRecipient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.claimers[user] != caller {
		return nil, ErrUnauthorizedClaimer
	}
	return c.claimRewards(caller, user, assetList, amount, reward, recipient)
}

// ClaimRewardsToSelf is ClaimRewards with the caller as recipient.
func (c *Controller) ClaimRewardsToSelf(caller uuid.UUID, assetList []string, amount *big.Int, reward string) (*big.Int, error) {
	if caller == uuid.Nil {
		return nil, ErrInvalidRecipient
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimRewards(caller, caller, assetList, amount, reward, caller)
}

// ClaimAllRewards settles every accrued reward for the caller over the
// given asset walk. Returns the known reward list in registration order
// and, parallel to it, the amount claimed per reward (zeros kept).
func (c *Controller) ClaimAllRewards(caller uuid.UUID, assetList []string, recipient uuid.UUID) ([]string, []*big.Int, error) {
	if recipient == uuid.Nil {
		return nil, nil, ErrInvalidRecipient
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimAllRewards(caller, caller, assetList, recipient)
}

// ClaimAllRewardsOnBehalf settles every reward on behalf of user; the
// caller must be user's authorized delegate.
func (c *Controller) ClaimAllRewardsOnBehalf(caller uuid.UUID, assetList []string, user uuid.UUID, recipient uuid.UUID) ([]string, []*big.Int, error) {
	if user == uuid.Nil {
		return nil, nil, ErrInvalidUser
	}
	if recipient == uuid.Nil {
		return nil, nil, ErrInvalidRecipient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.claimers[user] != caller {
		return nil, nil, ErrUnauthorizedClaimer
	}
	return c.claimAllRewards(caller, user, assetList, recipient)
}

// ClaimAllRewardsToSelf is ClaimAllRewards with the caller as recipient.
func (c *Controller) ClaimAllRewardsToSelf(caller uuid.UUID, assetList []string) ([]string, []*big.Int, error) {
	if caller == uuid.Nil {
		return nil, nil, ErrInvalidRecipient
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimAllRewards(caller, caller, assetList, caller)
}

// claimRewards is the single-reward settlement path. Must hold c.mu.
//
// The accrual refresh runs first so counters reflect emission up to now,
// then the asset walk drains counters in caller order until amount is
// satisfied. A partially needed counter is drained in full and the excess
// written back before the walk breaks. Counters are drained strictly
// BEFORE the transfer strategy runs: a reentrant read mid-transfer sees
// the post-claim counters, never the pre-claim ones.
func (c *Controller) claimRewards(caller, user uuid.UUID, assetList []string, amount *big.Int, reward string, recipient uuid.UUID) (*big.Int, error) {
	if amount == nil || rlmath.IsZero(amount) {
		return new(big.Int), nil
	}

	uow := newUnitOfWork()
	now := c.now()

	c.dist.RefreshAccrual(user, c.balanceSnapshots(user, assetList), now, uow)
	if c.metrics != nil {
		c.metrics.AccrualRefreshes.Inc()
	}

	totalClaimed := new(big.Int)
	drains := make([]event.AssetDrain, 0, len(assetList))

	for _, asset := range assetList {
		accrued := c.dist.Accrued(asset, reward, user)
		if rlmath.IsZero(accrued) {
			continue
		}

		totalClaimed.Add(totalClaimed, accrued)
		c.dist.SetAccrued(asset, reward, user, new(big.Int), uow)

		if totalClaimed.Cmp(amount) >= 0 {
			drained := accrued
			if totalClaimed.Cmp(amount) > 0 {
				remainder := new(big.Int).Sub(totalClaimed, amount)
				c.dist.SetAccrued(asset, reward, user, remainder, uow)
				drained = new(big.Int).Sub(accrued, remainder)
				totalClaimed.Set(amount)
			}
			drains = append(drains, event.AssetDrain{Asset: asset, Amount: drained})
			break
		}
		drains = append(drains, event.AssetDrain{Asset: asset, Amount: accrued})
	}

	// Nothing accrued: the refresh must not stick either — the operation
	// as a whole leaves no state change.
	if rlmath.IsZero(totalClaimed) {
		uow.rollback()
		if c.metrics != nil {
			c.metrics.ClaimsEmpty.Inc()
		}
		return new(big.Int), nil
	}

	if err := c.performTransfer(recipient, reward, totalClaimed); err != nil {
		uow.rollback()
		return nil, err
	}

	claimed := &event.RewardsClaimed{
		ClaimID:   uuid.New(),
		UserID:    user,
		Recipient: recipient,
		Claimer:   caller,
		Reward:    reward,
		Amount:    rlmath.Clone(totalClaimed),
		Assets:    append([]string(nil), assetList...),
		Drains:    drains,
		Timestamp: now,
	}
	uow.emit(claimed)
	c.commit(uow)

	c.recordClaim(reward, totalClaimed)
	c.log.Info().
		Str("reward", reward).
		Str("user", user.String()).
		Str("recipient", recipient.String()).
		Str("amount", totalClaimed.String()).
		Msg("claim settled")

	return totalClaimed, nil
}

// claimAllRewards drains every (asset, reward) counter for user over the
// asset walk. Must hold c.mu. One transfer and one event per reward with a
// non-zero total; rewards that settle to zero still appear in the result.
func (c *Controller) claimAllRewards(caller, user uuid.UUID, assetList []string, recipient uuid.UUID) ([]string, []*big.Int, error) {
	uow := newUnitOfWork()
	now := c.now()

	rewards := c.dist.Rewards()

	c.dist.RefreshAccrual(user, c.balanceSnapshots(user, assetList), now, uow)
	if c.metrics != nil {
		c.metrics.AccrualRefreshes.Inc()
	}

	totals := make([]*big.Int, len(rewards))
	drains := make([][]event.AssetDrain, len(rewards))
	anyClaimed := false

	for i, reward := range rewards {
		totals[i] = new(big.Int)
		for _, asset := range assetList {
			accrued := c.dist.Accrued(asset, reward, user)
			if rlmath.IsZero(accrued) {
				continue
			}
			totals[i].Add(totals[i], accrued)
			drains[i] = append(drains[i], event.AssetDrain{Asset: asset, Amount: accrued})
			c.dist.SetAccrued(asset, reward, user, new(big.Int), uow)
		}
		if totals[i].Sign() > 0 {
			anyClaimed = true
		}
	}

	if !anyClaimed {
		uow.rollback()
		if c.metrics != nil {
			c.metrics.ClaimsEmpty.Inc()
		}
		return rewards, totals, nil
	}

	// All counters are drained before the first transfer runs.
	for i, reward := range rewards {
		if totals[i].Sign() == 0 {
			continue
		}
		if err := c.performTransfer(recipient, reward, totals[i]); err != nil {
			uow.rollback()
			return nil, nil, err
		}
		uow.emit(&event.RewardsClaimed{
			ClaimID:   uuid.New(),
			UserID:    user,
			Recipient: recipient,
			Claimer:   caller,
			Reward:    reward,
			Amount:    rlmath.Clone(totals[i]),
			Assets:    append([]string(nil), assetList...),
			Drains:    drains[i],
			Timestamp: now,
		})
	}
	c.commit(uow)

	for i, reward := range rewards {
		if totals[i].Sign() == 0 {
			continue
		}
		c.recordClaim(reward, totals[i])
		c.log.Info().
			Str("reward", reward).
			Str("user", user.String()).
			Str("recipient", recipient.String()).
			Str("amount", totals[i].String()).
			Msg("claim settled")
	}

	return rewards, totals, nil
}

// performTransfer runs the installed strategy for reward.
func (c *Controller) performTransfer(recipient uuid.UUID, reward string, amount *big.Int) error {
	strategy, ok := c.strategies[reward]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStrategyInstalled, reward)
	}
	if err := strategy.PerformTransfer(recipient, reward, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (c *Controller) recordClaim(reward string, amount *big.Int) {
	if c.metrics == nil {
		return
	}
	c.metrics.ClaimsSettled.WithLabelValues(reward).Inc()
	approx, _ := new(big.Float).SetInt(amount).Float64()
	c.metrics.ClaimedAmount.WithLabelValues(reward).Add(approx)
}
