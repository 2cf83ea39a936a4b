package incentives

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"RewardsLedger/internal/distribution"
	"RewardsLedger/internal/event"
	rlmath "RewardsLedger/internal/math"
)

// AssetConfigInput is one entry of a ConfigureAssets batch.
type AssetConfigInput struct {
	Asset             string
	Reward            string
	EmissionPerSecond uint64
	DistributionEnd   time.Time
	Decimals          uint8

	// Optional: install collaborators for Reward as part of the batch.
	// Empty names leave existing installations untouched.
	StrategyName string
	OracleName   string
}

func (c *Controller) requireEmissionManager(caller uuid.UUID) error {
	if caller != c.emissionManager {
		return ErrUnauthorized
	}
	return nil
}

// SetTransferStrategy installs the named payout strategy for reward.
// Installation fails closed: empty names are rejected, and the name must
// resolve to an implementation deployed in the boot-time catalog.
func (c *Controller) SetTransferStrategy(caller uuid.UUID, reward, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEmissionManager(caller); err != nil {
		return err
	}

	uow := newUnitOfWork()
	if err := c.installStrategy(reward, name, uow); err != nil {
		uow.rollback()
		return err
	}

	uow.emit(&event.StrategyInstalled{
		UpdateID:  uuid.New(),
		Reward:    reward,
		Strategy:  name,
		Timestamp: c.now(),
	})
	c.commit(uow)

	c.log.Info().Str("reward", reward).Str("strategy", name).Msg("transfer strategy installed")
	return nil
}

// SetRewardOracle installs the named price oracle for reward. The feed is
// probed at install time: a non-positive latest answer rejects the
// installation so downstream consumers never bind to a dead feed.
func (c *Controller) SetRewardOracle(caller uuid.UUID, reward, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEmissionManager(caller); err != nil {
		return err
	}

	uow := newUnitOfWork()
	if err := c.installOracle(reward, name, uow); err != nil {
		uow.rollback()
		return err
	}

	uow.emit(&event.OracleUpdated{
		UpdateID:  uuid.New(),
		Reward:    reward,
		Oracle:    name,
		Timestamp: c.now(),
	})
	c.commit(uow)

	c.log.Info().Str("reward", reward).Str("oracle", name).Msg("reward oracle installed")
	return nil
}

// SetClaimer authorizes delegate to claim on behalf of user. One slot per
// user, overwritten unconditionally; uuid.Nil clears the slot. Any caller
// may only delegate for themselves.
func (c *Controller) SetClaimer(caller, user, delegate uuid.UUID) error {
	if user == uuid.Nil {
		return ErrInvalidUser
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != user {
		if err := c.requireEmissionManager(caller); err != nil {
			return err
		}
	}

	uow := newUnitOfWork()
	prev, present := c.claimers[user]
	uow.Record(func() {
		if present {
			c.claimers[user] = prev
		} else {
			delete(c.claimers, user)
		}
	})
	if delegate == uuid.Nil {
		delete(c.claimers, user)
	} else {
		c.claimers[user] = delegate
	}

	uow.emit(&event.ClaimerSet{
		UpdateID:  uuid.New(),
		UserID:    user,
		Claimer:   delegate,
		Timestamp: c.now(),
	})
	c.commit(uow)

	return nil
}

// SetExcluded flips the exclusion flag for user on asset. The notification
// carries the RESULTING flag and is emitted even when the request matched
// the current state, so consumers always learn the post-call flag.
func (c *Controller) SetExcluded(caller, user uuid.UUID, asset string, excluded bool) error {
	if user == uuid.Nil {
		return ErrInvalidUser
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEmissionManager(caller); err != nil {
		return err
	}

	uow := newUnitOfWork()
	flag, _ := c.registry.SetExcluded(user, asset, excluded, uow)

	uow.emit(&event.ExclusionUpdated{
		UpdateID:  uuid.New(),
		UserID:    user,
		Asset:     asset,
		Excluded:  flag,
		Timestamp: c.now(),
	})
	c.commit(uow)

	if c.metrics != nil {
		c.metrics.ExcludedUsers.WithLabelValues(asset).Set(float64(c.registry.Count(asset)))
	}
	return nil
}

// ConfigureAssets installs or updates distribution parameters for a batch
// of (asset, reward) pairs. Each entry's adjusted total supply is computed
// from the mirror BEFORE any distributor state changes, then the whole
// batch applies atomically; any strategy or oracle install failure rolls
// the entire batch back.
func (c *Controller) ConfigureAssets(caller uuid.UUID, inputs []AssetConfigInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEmissionManager(caller); err != nil {
		return err
	}

	uow := newUnitOfWork()
	now := c.now()

	configs := make([]distribution.AssetConfig, 0, len(inputs))
	supplies := make([]*big.Int, 0, len(inputs))
	for _, in := range inputs {
		supply := c.adjustedTotalSupply(in.Asset)
		supplies = append(supplies, supply)
		configs = append(configs, distribution.AssetConfig{
			Asset:               in.Asset,
			Reward:              in.Reward,
			EmissionPerSecond:   in.EmissionPerSecond,
			DistributionEnd:     in.DistributionEnd,
			Decimals:            in.Decimals,
			AdjustedTotalSupply: supply,
		})
	}

	for _, in := range inputs {
		if in.StrategyName != "" {
			if err := c.installStrategy(in.Reward, in.StrategyName, uow); err != nil {
				uow.rollback()
				return err
			}
		}
		if in.OracleName != "" {
			if err := c.installOracle(in.Reward, in.OracleName, uow); err != nil {
				uow.rollback()
				return err
			}
		}
	}

	c.dist.ApplyAssetConfiguration(configs, now, uow)

	for i, in := range inputs {
		uow.emit(&event.AssetConfigured{
			UpdateID:            uuid.New(),
			Asset:               in.Asset,
			Reward:              in.Reward,
			EmissionPerSecond:   in.EmissionPerSecond,
			DistributionEnd:     in.DistributionEnd,
			Decimals:            in.Decimals,
			AdjustedTotalSupply: rlmath.Clone(supplies[i]),
			Timestamp:           now,
		})
		if in.StrategyName != "" {
			uow.emit(&event.StrategyInstalled{
				UpdateID:  uuid.New(),
				Reward:    in.Reward,
				Strategy:  in.StrategyName,
				Timestamp: now,
			})
		}
		if in.OracleName != "" {
			uow.emit(&event.OracleUpdated{
				UpdateID:  uuid.New(),
				Reward:    in.Reward,
				Oracle:    in.OracleName,
				Timestamp: now,
			})
		}
	}
	c.commit(uow)

	c.log.Info().Int("entries", len(inputs)).Msg("asset configuration applied")
	return nil
}

// installStrategy resolves and installs a strategy under the unit of work.
func (c *Controller) installStrategy(reward, name string, uow *unitOfWork) error {
	if name == "" {
		return ErrNilStrategy
	}
	strategy, ok := c.strategyCatalog.Lookup(name)
	if !ok {
		return ErrUnknownStrategy
	}

	prevStrategy, hadStrategy := c.strategies[reward]
	prevName := c.strategyNames[reward]
	uow.Record(func() {
		if hadStrategy {
			c.strategies[reward] = prevStrategy
			c.strategyNames[reward] = prevName
		} else {
			delete(c.strategies, reward)
			delete(c.strategyNames, reward)
		}
	})

	c.strategies[reward] = strategy
	c.strategyNames[reward] = name
	return nil
}

// installOracle resolves, probes, and installs an oracle under the unit of
// work. The probe reads the feed's latest answer once; no price is cached.
func (c *Controller) installOracle(reward, name string, uow *unitOfWork) error {
	feed, ok := c.oracleCatalog.Lookup(name)
	if !ok {
		return ErrUnknownOracle
	}
	if feed.LatestAnswer() <= 0 {
		return ErrOracleNoPrice
	}

	prevFeed, hadFeed := c.oracles[reward]
	prevName := c.oracleNames[reward]
	uow.Record(func() {
		if hadFeed {
			c.oracles[reward] = prevFeed
			c.oracleNames[reward] = prevName
		} else {
			delete(c.oracles, reward)
			delete(c.oracleNames, reward)
		}
	})

	c.oracles[reward] = feed
	c.oracleNames[reward] = name
	return nil
}
