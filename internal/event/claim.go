package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// AssetDrain records how much accrual one claim removed from one asset's
// counter. The breakdown makes claims auditable and replayable.
type AssetDrain struct {
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
}

// RewardsClaimed is emitted once per (recipient, reward) pair with a
// non-zero settled amount.
// Idempotency key: claim_id (generated when the claim command commits).
type RewardsClaimed struct {
	ClaimID   uuid.UUID
	UserID    uuid.UUID // whose accrual was drained
	Recipient uuid.UUID
	Claimer   uuid.UUID // caller; differs from UserID on delegated claims
	Reward    string
	Amount    *big.Int
	Assets    []string // caller-supplied asset walk, in order
	Drains    []AssetDrain
	Timestamp time.Time
}

func (c *RewardsClaimed) IdempotencyKey() string {
	return c.ClaimID.String()
}

func (c *RewardsClaimed) EventType() EventType {
	return EventTypeRewardsClaimed
}

func (c *RewardsClaimed) AssetID() *string {
	return nil
}

func (c *RewardsClaimed) SourceSequence() int64 {
	return 0
}
