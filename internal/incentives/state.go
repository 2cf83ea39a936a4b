package incentives

import (
	"fmt"

	"github.com/google/uuid"

	"RewardsLedger/internal/assets"
	"RewardsLedger/internal/distribution"
	"RewardsLedger/internal/event"
	rlmath "RewardsLedger/internal/math"
	"RewardsLedger/internal/oracle"
	"RewardsLedger/internal/payout"
)

// State is the serializable controller state for snapshots. On warm
// restart the service loads the latest snapshot, then replays the event
// log from Sequence+1.
type State struct {
	Sequence  int64    `json:"sequence"`
	StateHash [32]byte `json:"state_hash"`

	Mirror     map[string]assets.AssetSnapshot `json:"mirror"`
	Exclusions map[string][]string             `json:"exclusions"`
	Claimers   map[string]string               `json:"claimers"`

	StrategyNames map[string]string `json:"strategy_names"`
	OracleNames   map[string]string `json:"oracle_names"`

	Distribution *distribution.Snapshot `json:"distribution"`

	SequenceState   map[string]int64 `json:"sequence_state"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
}

// Export captures the controller state for persistence.
func (c *Controller) Export() *State {
	c.mu.Lock()
	defer c.mu.Unlock()

	exclusions := make(map[string][]string)
	for asset, users := range c.registry.Snapshot() {
		list := make([]string, len(users))
		for i, u := range users {
			list[i] = u.String()
		}
		exclusions[asset] = list
	}

	claimers := make(map[string]string, len(c.claimers))
	for user, delegate := range c.claimers {
		claimers[user.String()] = delegate.String()
	}

	strategyNames := make(map[string]string, len(c.strategyNames))
	for reward, name := range c.strategyNames {
		strategyNames[reward] = name
	}
	oracleNames := make(map[string]string, len(c.oracleNames))
	for reward, name := range c.oracleNames {
		oracleNames[reward] = name
	}

	return &State{
		Sequence:        c.sequence - 1, // last assigned sequence
		StateHash:       c.hasher.GetPrevHash(),
		Mirror:          c.mirror.Snapshot(),
		Exclusions:      exclusions,
		Claimers:        claimers,
		StrategyNames:   strategyNames,
		OracleNames:     oracleNames,
		Distribution:    c.dist.Export(),
		SequenceState:   c.seqValidator.Export(),
		IdempotencyKeys: nil, // populated by the snapshot writer from the LRU
	}
}

// RestoreState rebuilds the in-memory state from a snapshot. Strategies
// and oracles are re-resolved by catalog name; the install probe is NOT
// re-run, matching what was live when the snapshot was taken.
func (c *Controller) RestoreState(snap *State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	if err := c.mirror.Restore(snap.Mirror); err != nil {
		return fmt.Errorf("restore mirror: %w", err)
	}

	exclusions := make(map[string][]uuid.UUID, len(snap.Exclusions))
	for asset, list := range snap.Exclusions {
		users := make([]uuid.UUID, 0, len(list))
		for _, s := range list {
			u, err := uuid.Parse(s)
			if err != nil {
				return fmt.Errorf("restore exclusions: %w", err)
			}
			users = append(users, u)
		}
		exclusions[asset] = users
	}
	c.registry.Restore(exclusions)

	c.claimers = make(map[uuid.UUID]uuid.UUID, len(snap.Claimers))
	for userStr, delegateStr := range snap.Claimers {
		user, err := uuid.Parse(userStr)
		if err != nil {
			return fmt.Errorf("restore claimers: %w", err)
		}
		delegate, err := uuid.Parse(delegateStr)
		if err != nil {
			return fmt.Errorf("restore claimers: %w", err)
		}
		c.claimers[user] = delegate
	}

	return c.restoreCollaborators(snap)
}

// restoreCollaborators re-binds strategies and oracles by catalog name.
func (c *Controller) restoreCollaborators(snap *State) error {
	c.strategies = make(map[string]payout.Strategy, len(snap.StrategyNames))
	c.strategyNames = make(map[string]string, len(snap.StrategyNames))
	for reward, name := range snap.StrategyNames {
		strategy, ok := c.strategyCatalog.Lookup(name)
		if !ok {
			return fmt.Errorf("restore strategies: %q not in catalog", name)
		}
		c.strategies[reward] = strategy
		c.strategyNames[reward] = name
	}

	c.oracles = make(map[string]oracle.PriceFeed, len(snap.OracleNames))
	c.oracleNames = make(map[string]string, len(snap.OracleNames))
	for reward, name := range snap.OracleNames {
		feed, ok := c.oracleCatalog.Lookup(name)
		if !ok {
			return fmt.Errorf("restore oracles: %q not in catalog", name)
		}
		c.oracles[reward] = feed
		c.oracleNames[reward] = name
	}

	if snap.Distribution != nil {
		if err := c.dist.Restore(snap.Distribution); err != nil {
			return fmt.Errorf("restore distribution: %w", err)
		}
	}

	for asset, seq := range snap.SequenceState {
		c.seqValidator.SetExpectedSequence(asset, seq)
	}

	return nil
}

// Replay re-applies one logged event during recovery. Events arrive in
// sequence order after the snapshot; replay mutates state directly and
// extends the hash chain but emits nothing.
func (c *Controller) Replay(payload event.Event, envelope *event.EventEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt := payload.(type) {
	case *event.BalanceChanged:
		if !c.registry.IsExcluded(evt.UserID, evt.Asset) {
			snapshot := []distribution.BalanceSnapshot{{
				Asset:               evt.Asset,
				Balance:             evt.OldBalance,
				AdjustedTotalSupply: c.adjustedFromRaw(evt.Asset, evt.OldTotalSupply),
			}}
			c.dist.RefreshAccrual(evt.UserID, snapshot, evt.Timestamp, nil)
		}
		c.mirror.Apply(evt.Asset, evt.UserID, evt.NewBalance, evt.NewTotalSupply, nil)
		c.seqValidator.SetExpectedSequence(evt.Asset, evt.Sequence+1)

	case *event.RewardsClaimed:
		// Re-run the refresh at the claim's timestamp, then re-apply the
		// recorded drains.
		c.dist.RefreshAccrual(evt.UserID, c.balanceSnapshots(evt.UserID, evt.Assets), evt.Timestamp, nil)
		for _, drain := range evt.Drains {
			current := c.dist.Accrued(drain.Asset, evt.Reward, evt.UserID)
			c.dist.SetAccrued(drain.Asset, evt.Reward, evt.UserID, rlmath.SubClamped(current, drain.Amount), nil)
		}

	case *event.ExclusionUpdated:
		c.registry.SetExcluded(evt.UserID, evt.Asset, evt.Excluded, nil)

	case *event.ClaimerSet:
		if evt.Claimer == uuid.Nil {
			delete(c.claimers, evt.UserID)
		} else {
			c.claimers[evt.UserID] = evt.Claimer
		}

	case *event.StrategyInstalled:
		strategy, ok := c.strategyCatalog.Lookup(evt.Strategy)
		if !ok {
			return fmt.Errorf("replay strategy install: %q not in catalog", evt.Strategy)
		}
		c.strategies[evt.Reward] = strategy
		c.strategyNames[evt.Reward] = evt.Strategy

	case *event.OracleUpdated:
		// The install probe is not re-run on replay; the feed answered
		// when the event was committed.
		feed, ok := c.oracleCatalog.Lookup(evt.Oracle)
		if !ok {
			return fmt.Errorf("replay oracle install: %q not in catalog", evt.Oracle)
		}
		c.oracles[evt.Reward] = feed
		c.oracleNames[evt.Reward] = evt.Oracle

	case *event.AssetConfigured:
		c.dist.ApplyAssetConfiguration([]distribution.AssetConfig{{
			Asset:               evt.Asset,
			Reward:              evt.Reward,
			EmissionPerSecond:   evt.EmissionPerSecond,
			DistributionEnd:     evt.DistributionEnd,
			Decimals:            evt.Decimals,
			AdjustedTotalSupply: evt.AdjustedTotalSupply,
		}}, evt.Timestamp, nil)

	default:
		return fmt.Errorf("replay: unknown event type %T", payload)
	}

	c.sequence = envelope.Sequence + 1
	c.hasher.SetPrevHash(envelope.StateHash)
	c.idempotency.MarkProcessed(payload.EventType().String(), payload.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// WarmLRU loads recent idempotency keys into the dedup LRU so the first
// events after restart avoid cold-path DB lookups.
func (c *Controller) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}

// LRUKeys exports the current dedup LRU contents for snapshotting.
func (c *Controller) LRUKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idempotency.lru.Keys()
}
