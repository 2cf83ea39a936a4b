package distribution

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	rlmath "RewardsLedger/internal/math"
)

// accrualKey addresses one user's accrued counter for one (asset, reward).
type accrualKey struct {
	Asset  string
	Reward string
	User   uuid.UUID
}

// configKey addresses the distribution state for one (asset, reward).
type configKey struct {
	Asset  string
	Reward string
}

// Recorder receives inverse mutations for unit-of-work rollback and is
// told which accrued counters an operation touched so the commit can emit
// projection deltas.
type Recorder interface {
	Record(undo func())
	TouchAccrued(asset, reward string, user uuid.UUID)
}

// Rewards returns the known reward list in registration order (copy).
func (d *Distributor) Rewards() []string {
	out := make([]string, len(d.rewards))
	copy(out, d.rewards)
	return out
}

// Accrued returns the accrued counter for (asset, reward, user) as a copy.
// Absent entries read as zero.
func (d *Distributor) Accrued(asset, reward string, user uuid.UUID) *big.Int {
	return rlmath.Clone(d.accrued[accrualKey{asset, reward, user}])
}

// AccruedForUser sums the user's accrued counters for reward across assets.
func (d *Distributor) AccruedForUser(user uuid.UUID, reward string, assets []string) *big.Int {
	total := new(big.Int)
	for _, asset := range assets {
		if v := d.accrued[accrualKey{asset, reward, user}]; v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// SetAccrued overwrites the accrued counter, registering the inverse with
// the recorder. The settlement engine uses it to zero counters and to write
// back a partial-claim remainder.
func (d *Distributor) SetAccrued(asset, reward string, user uuid.UUID, value *big.Int, rec Recorder) {
	key := accrualKey{asset, reward, user}
	prev, present := d.accrued[key]
	if rec != nil {
		rec.Record(func() {
			if present {
				d.accrued[key] = prev
			} else {
				delete(d.accrued, key)
			}
		})
		rec.TouchAccrued(asset, reward, user)
	}
	d.accrued[key] = rlmath.Clone(value)
}

// addAccrued increments the counter in place during accrual refresh.
func (d *Distributor) addAccrued(key accrualKey, delta *big.Int, rec Recorder) {
	prev, present := d.accrued[key]
	if rec != nil {
		rec.Record(func() {
			if present {
				d.accrued[key] = prev
			} else {
				delete(d.accrued, key)
			}
		})
		rec.TouchAccrued(key.Asset, key.Reward, key.User)
	}
	next := rlmath.Clone(prev)
	next.Add(next, delta)
	d.accrued[key] = next
}

// --- Snapshot / restore ---

// Snapshot is the serializable distributor state. Amounts and indexes are
// decimal strings; timestamps are unix seconds.
type Snapshot struct {
	Rewards     []string            `json:"rewards"`
	Configs     []ConfigSnapshot    `json:"configs"`
	UserIndexes []UserIndexSnapshot `json:"user_indexes"`
	Accrued     []AccruedSnapshot   `json:"accrued"`
}

type ConfigSnapshot struct {
	Asset             string `json:"asset"`
	Reward            string `json:"reward"`
	EmissionPerSecond uint64 `json:"emission_per_second"`
	Index             string `json:"index"`
	LastUpdateUnix    int64  `json:"last_update_unix"`
	DistributionEnd   int64  `json:"distribution_end_unix"`
	Decimals          uint8  `json:"decimals"`
}

type UserIndexSnapshot struct {
	Asset  string `json:"asset"`
	Reward string `json:"reward"`
	User   string `json:"user"`
	Index  string `json:"index"`
}

type AccruedSnapshot struct {
	Asset  string `json:"asset"`
	Reward string `json:"reward"`
	User   string `json:"user"`
	Amount string `json:"amount"`
}

// Export serializes the full distributor state.
func (d *Distributor) Export() *Snapshot {
	snap := &Snapshot{Rewards: d.Rewards()}

	for key, st := range d.configs {
		snap.Configs = append(snap.Configs, ConfigSnapshot{
			Asset:             key.Asset,
			Reward:            key.Reward,
			EmissionPerSecond: st.emissionPerSecond,
			Index:             st.index.String(),
			LastUpdateUnix:    st.lastUpdate.Unix(),
			DistributionEnd:   st.distributionEnd.Unix(),
			Decimals:          st.decimals,
		})
	}
	for key, idx := range d.userIndexes {
		snap.UserIndexes = append(snap.UserIndexes, UserIndexSnapshot{
			Asset:  key.Asset,
			Reward: key.Reward,
			User:   key.User.String(),
			Index:  idx.String(),
		})
	}
	for key, amt := range d.accrued {
		snap.Accrued = append(snap.Accrued, AccruedSnapshot{
			Asset:  key.Asset,
			Reward: key.Reward,
			User:   key.User.String(),
			Amount: amt.String(),
		})
	}
	return snap
}

// Restore replaces the distributor state from a snapshot.
func (d *Distributor) Restore(snap *Snapshot) error {
	d.rewards = append([]string(nil), snap.Rewards...)
	d.rewardSet = make(map[string]struct{}, len(snap.Rewards))
	for _, r := range snap.Rewards {
		d.rewardSet[r] = struct{}{}
	}

	d.configs = make(map[configKey]*assetRewardState, len(snap.Configs))
	for _, c := range snap.Configs {
		index, ok := new(big.Int).SetString(c.Index, 10)
		if !ok {
			return &malformedAmountError{c.Index}
		}
		d.configs[configKey{c.Asset, c.Reward}] = &assetRewardState{
			emissionPerSecond: c.EmissionPerSecond,
			index:             index,
			lastUpdate:        time.Unix(c.LastUpdateUnix, 0).UTC(),
			distributionEnd:   time.Unix(c.DistributionEnd, 0).UTC(),
			decimals:          c.Decimals,
			assetUnit:         rlmath.Pow10(c.Decimals),
		}
	}

	d.userIndexes = make(map[accrualKey]*big.Int, len(snap.UserIndexes))
	for _, u := range snap.UserIndexes {
		user, err := uuid.Parse(u.User)
		if err != nil {
			return err
		}
		index, ok := new(big.Int).SetString(u.Index, 10)
		if !ok {
			return &malformedAmountError{u.Index}
		}
		d.userIndexes[accrualKey{u.Asset, u.Reward, user}] = index
	}

	d.accrued = make(map[accrualKey]*big.Int, len(snap.Accrued))
	for _, a := range snap.Accrued {
		user, err := uuid.Parse(a.User)
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(a.Amount, 10)
		if !ok {
			return &malformedAmountError{a.Amount}
		}
		d.accrued[accrualKey{a.Asset, a.Reward, user}] = amount
	}
	return nil
}

type malformedAmountError struct {
	value string
}

func (e *malformedAmountError) Error() string {
	return "distribution: malformed amount " + e.value
}
