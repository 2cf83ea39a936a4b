package assets

import (
	"math/big"

	"github.com/google/uuid"

	rlmath "RewardsLedger/internal/math"
)

// Mirror maintains the scaled balance and scaled total supply of every
// tracked asset, fed by the balance-change stream. It is the service's
// answer to querying the asset contract directly: handle-action events carry
// post-change values, the mirror stores them, and accrual reads them.
//
// Not thread-safe — mutated only under the controller's operation lock.
type Mirror struct {
	assets map[string]*assetState
}

type assetState struct {
	balances    map[uuid.UUID]*big.Int
	totalSupply *big.Int
}

func NewMirror() *Mirror {
	return &Mirror{assets: make(map[string]*assetState)}
}

// Recorder receives inverse mutations for unit-of-work rollback.
type Recorder interface {
	Record(undo func())
}

// Apply installs the post-change balance and total supply for user on asset.
func (m *Mirror) Apply(asset string, user uuid.UUID, newBalance, newTotalSupply *big.Int, rec Recorder) {
	as := m.assets[asset]
	if as == nil {
		as = &assetState{
			balances:    make(map[uuid.UUID]*big.Int),
			totalSupply: new(big.Int),
		}
		m.assets[asset] = as
		if rec != nil {
			rec.Record(func() { delete(m.assets, asset) })
		}
	} else if rec != nil {
		prevBalance := as.balances[user] // nil means absent
		prevSupply := as.totalSupply
		rec.Record(func() {
			if prevBalance == nil {
				delete(as.balances, user)
			} else {
				as.balances[user] = prevBalance
			}
			as.totalSupply = prevSupply
		})
	}

	as.balances[user] = rlmath.Clone(newBalance)
	as.totalSupply = rlmath.Clone(newTotalSupply)
}

// ScaledBalanceOf returns user's current scaled balance on asset (copy).
func (m *Mirror) ScaledBalanceOf(asset string, user uuid.UUID) *big.Int {
	as := m.assets[asset]
	if as == nil {
		return new(big.Int)
	}
	return rlmath.Clone(as.balances[user])
}

// ScaledTotalSupply returns the asset's current scaled total supply (copy).
func (m *Mirror) ScaledTotalSupply(asset string) *big.Int {
	as := m.assets[asset]
	if as == nil {
		return new(big.Int)
	}
	return rlmath.Clone(as.totalSupply)
}

// Snapshot exports all mirror state as decimal strings for persistence.
func (m *Mirror) Snapshot() map[string]AssetSnapshot {
	out := make(map[string]AssetSnapshot, len(m.assets))
	for asset, as := range m.assets {
		snap := AssetSnapshot{
			TotalSupply: as.totalSupply.String(),
			Balances:    make(map[string]string, len(as.balances)),
		}
		for user, bal := range as.balances {
			snap.Balances[user.String()] = bal.String()
		}
		out[asset] = snap
	}
	return out
}

// AssetSnapshot is the serializable form of one asset's mirror state.
type AssetSnapshot struct {
	TotalSupply string            `json:"total_supply"`
	Balances    map[string]string `json:"balances"`
}

// Restore replaces the mirror contents from a snapshot.
func (m *Mirror) Restore(snaps map[string]AssetSnapshot) error {
	assets := make(map[string]*assetState, len(snaps))
	for asset, snap := range snaps {
		as := &assetState{
			balances:    make(map[uuid.UUID]*big.Int, len(snap.Balances)),
			totalSupply: new(big.Int),
		}
		if _, ok := as.totalSupply.SetString(snap.TotalSupply, 10); !ok {
			return &ParseError{Asset: asset, Value: snap.TotalSupply}
		}
		for userStr, balStr := range snap.Balances {
			user, err := uuid.Parse(userStr)
			if err != nil {
				return err
			}
			bal := new(big.Int)
			if _, ok := bal.SetString(balStr, 10); !ok {
				return &ParseError{Asset: asset, Value: balStr}
			}
			as.balances[user] = bal
		}
		assets[asset] = as
	}
	m.assets = assets
	return nil
}

// ParseError reports a malformed decimal amount in a snapshot.
type ParseError struct {
	Asset string
	Value string
}

func (e *ParseError) Error() string {
	return "assets: malformed amount " + e.Value + " for asset " + e.Asset
}
