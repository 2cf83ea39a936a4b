package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ExclusionUpdated reports the resulting exclusion flag for (user, asset).
// Emitted unconditionally, including when the requested state already
// matched the current flag.
type ExclusionUpdated struct {
	UpdateID  uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Excluded  bool
	Timestamp time.Time
}

func (e *ExclusionUpdated) IdempotencyKey() string { return e.UpdateID.String() }
func (e *ExclusionUpdated) EventType() EventType   { return EventTypeExclusionUpdated }
func (e *ExclusionUpdated) AssetID() *string {
	a := e.Asset
	return &a
}
func (e *ExclusionUpdated) SourceSequence() int64 { return 0 }

// ClaimerSet reports a (user, delegate) authorization overwrite. A nil
// claimer clears the slot.
type ClaimerSet struct {
	UpdateID  uuid.UUID
	UserID    uuid.UUID
	Claimer   uuid.UUID
	Timestamp time.Time
}

func (e *ClaimerSet) IdempotencyKey() string { return e.UpdateID.String() }
func (e *ClaimerSet) EventType() EventType   { return EventTypeClaimerSet }
func (e *ClaimerSet) AssetID() *string       { return nil }
func (e *ClaimerSet) SourceSequence() int64  { return 0 }

// StrategyInstalled reports a payout strategy installation for a reward.
type StrategyInstalled struct {
	UpdateID  uuid.UUID
	Reward    string
	Strategy  string // catalog name
	Timestamp time.Time
}

func (e *StrategyInstalled) IdempotencyKey() string { return e.UpdateID.String() }
func (e *StrategyInstalled) EventType() EventType   { return EventTypeStrategyInstalled }
func (e *StrategyInstalled) AssetID() *string       { return nil }
func (e *StrategyInstalled) SourceSequence() int64  { return 0 }

// OracleUpdated reports a price oracle installation for a reward.
type OracleUpdated struct {
	UpdateID  uuid.UUID
	Reward    string
	Oracle    string // catalog name
	Timestamp time.Time
}

func (e *OracleUpdated) IdempotencyKey() string { return e.UpdateID.String() }
func (e *OracleUpdated) EventType() EventType   { return EventTypeOracleUpdated }
func (e *OracleUpdated) AssetID() *string       { return nil }
func (e *OracleUpdated) SourceSequence() int64  { return 0 }

// AssetConfigured reports one entry of a configure-assets batch: the
// distribution parameters installed for (asset, reward), carrying the
// adjusted total supply computed at configuration time.
type AssetConfigured struct {
	UpdateID            uuid.UUID
	Asset               string
	Reward              string
	EmissionPerSecond   uint64
	DistributionEnd     time.Time
	Decimals            uint8
	AdjustedTotalSupply *big.Int
	Timestamp           time.Time
}

func (e *AssetConfigured) IdempotencyKey() string { return e.UpdateID.String() }
func (e *AssetConfigured) EventType() EventType   { return EventTypeAssetConfigured }
func (e *AssetConfigured) AssetID() *string {
	a := e.Asset
	return &a
}
func (e *AssetConfigured) SourceSequence() int64 { return 0 }
