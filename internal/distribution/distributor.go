package distribution

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	rlmath "RewardsLedger/internal/math"
)

// Distributor owns the known-rewards list, the per-(asset, reward)
// distribution indices, per-user indices, and the accrued-balance storage.
// The incentives controller feeds it balance snapshots; the settlement
// engine drains its accrued counters during claims.
//
// Index math: a distribution index advances by
// emissionPerSecond * elapsed * assetUnit / adjustedTotalSupply, and a
// user accrues balance * (index - userIndex) / assetUnit. Amounts are
// big.Int throughout; a zero adjusted supply or an ended distribution
// leaves the index unchanged.
//
// Not thread-safe — mutated only under the controller's operation lock.
type Distributor struct {
	rewards     []string // registration order
	rewardSet   map[string]struct{}
	configs     map[configKey]*assetRewardState
	userIndexes map[accrualKey]*big.Int
	accrued     map[accrualKey]*big.Int
}

type assetRewardState struct {
	emissionPerSecond uint64
	index             *big.Int
	lastUpdate        time.Time
	distributionEnd   time.Time
	decimals          uint8
	assetUnit         *big.Int // 10^decimals
}

func NewDistributor() *Distributor {
	return &Distributor{
		rewardSet:   make(map[string]struct{}),
		configs:     make(map[configKey]*assetRewardState),
		userIndexes: make(map[accrualKey]*big.Int),
		accrued:     make(map[accrualKey]*big.Int),
	}
}

// BalanceSnapshot is one entry of the ordered (asset, balance, adjusted
// total supply) sequence the controller hands to RefreshAccrual. Balance is
// already zeroed when the subject user is excluded on the asset.
type BalanceSnapshot struct {
	Asset               string
	Balance             *big.Int
	AdjustedTotalSupply *big.Int
}

// AssetConfig is one entry of a configure-assets batch, already carrying
// the adjusted total supply computed by the controller.
type AssetConfig struct {
	Asset               string
	Reward              string
	EmissionPerSecond   uint64
	DistributionEnd     time.Time
	Decimals            uint8
	AdjustedTotalSupply *big.Int
}

// RefreshAccrual brings the distribution indices for every (asset, reward)
// pair covered by the snapshot up to now and credits the user's accrued
// counters. Safe to call once per settlement operation; a second call with
// the same now is a no-op.
func (d *Distributor) RefreshAccrual(user uuid.UUID, snapshot []BalanceSnapshot, now time.Time, rec Recorder) {
	for _, entry := range snapshot {
		for _, reward := range d.rewards {
			key := configKey{entry.Asset, reward}
			st, ok := d.configs[key]
			if !ok {
				continue
			}
			d.advanceIndex(st, entry.AdjustedTotalSupply, now, rec)
			d.settleUser(accrualKey{entry.Asset, reward, user}, entry.Balance, st, rec)
		}
	}
}

// ApplyAssetConfiguration installs or updates distribution parameters.
// An existing (asset, reward) state first settles its index against the
// supplied adjusted total supply so already-elapsed emission is not lost or
// double-counted; new rewards are appended to the registration-order list.
func (d *Distributor) ApplyAssetConfiguration(configs []AssetConfig, now time.Time, rec Recorder) {
	for _, cfg := range configs {
		key := configKey{cfg.Asset, cfg.Reward}

		if _, known := d.rewardSet[cfg.Reward]; !known {
			d.rewardSet[cfg.Reward] = struct{}{}
			d.rewards = append(d.rewards, cfg.Reward)
			if rec != nil {
				reward := cfg.Reward
				rec.Record(func() {
					delete(d.rewardSet, reward)
					d.rewards = d.rewards[:len(d.rewards)-1]
				})
			}
		}

		st, exists := d.configs[key]
		if exists {
			d.advanceIndex(st, cfg.AdjustedTotalSupply, now, rec)
			if rec != nil {
				prevEmission := st.emissionPerSecond
				prevEnd := st.distributionEnd
				rec.Record(func() {
					st.emissionPerSecond = prevEmission
					st.distributionEnd = prevEnd
				})
			}
			st.emissionPerSecond = cfg.EmissionPerSecond
			st.distributionEnd = cfg.DistributionEnd
			continue
		}

		d.configs[key] = &assetRewardState{
			emissionPerSecond: cfg.EmissionPerSecond,
			index:             new(big.Int),
			lastUpdate:        now,
			distributionEnd:   cfg.DistributionEnd,
			decimals:          cfg.Decimals,
			assetUnit:         rlmath.Pow10(cfg.Decimals),
		}
		if rec != nil {
			rec.Record(func() { delete(d.configs, key) })
		}
	}
}

// HasConfig reports whether (asset, reward) has distribution parameters.
func (d *Distributor) HasConfig(asset, reward string) bool {
	_, ok := d.configs[configKey{asset, reward}]
	return ok
}

// advanceIndex rolls the distribution index forward to now against the
// given adjusted total supply.
func (d *Distributor) advanceIndex(st *assetRewardState, adjustedSupply *big.Int, now time.Time, rec Recorder) {
	next := d.nextIndex(st, adjustedSupply, now)

	if rec != nil {
		prevIndex := st.index
		prevUpdate := st.lastUpdate
		rec.Record(func() {
			st.index = prevIndex
			st.lastUpdate = prevUpdate
		})
	}
	st.index = next
	st.lastUpdate = now
}

func (d *Distributor) nextIndex(st *assetRewardState, adjustedSupply *big.Int, now time.Time) *big.Int {
	if st.emissionPerSecond == 0 || rlmath.IsZero(adjustedSupply) {
		return rlmath.Clone(st.index)
	}

	effective := now
	if effective.After(st.distributionEnd) {
		effective = st.distributionEnd
	}
	if !effective.After(st.lastUpdate) {
		return rlmath.Clone(st.index)
	}

	elapsed := big.NewInt(int64(effective.Sub(st.lastUpdate) / time.Second))
	emitted := new(big.Int).Mul(big.NewInt(0).SetUint64(st.emissionPerSecond), elapsed)

	delta := rlmath.MulDiv(emitted, st.assetUnit, adjustedSupply)
	return delta.Add(delta, st.index)
}

// settleUser credits balance * (index - userIndex) / assetUnit to the
// user's accrued counter and stamps the user index.
func (d *Distributor) settleUser(key accrualKey, balance *big.Int, st *assetRewardState, rec Recorder) {
	userIndex := d.userIndexes[key] // nil reads as zero
	if userIndex != nil && userIndex.Cmp(st.index) == 0 {
		return
	}

	if rec != nil {
		prev := userIndex
		rec.Record(func() {
			if prev == nil {
				delete(d.userIndexes, key)
			} else {
				d.userIndexes[key] = prev
			}
		})
	}
	d.userIndexes[key] = rlmath.Clone(st.index)

	if rlmath.IsZero(balance) {
		return
	}

	indexDelta := new(big.Int).Set(st.index)
	if userIndex != nil {
		indexDelta.Sub(indexDelta, userIndex)
	}
	earned := rlmath.MulDiv(balance, indexDelta, st.assetUnit)
	if earned.Sign() > 0 {
		d.addAccrued(key, earned, rec)
	}
}
