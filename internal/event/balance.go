package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// BalanceChanged is the handle-action notification from a tracked asset:
// a user's scaled balance (and the asset's scaled total supply) changed.
// Old values are the pre-change readings the accrual update must use; new
// values are installed into the balance mirror afterwards.
// Idempotency key: change_id (UUID from the asset's notifier).
type BalanceChanged struct {
	ChangeID       uuid.UUID // Idempotency key
	Asset          string
	UserID         uuid.UUID
	OldBalance     *big.Int `json:"old_balance"`
	NewBalance     *big.Int `json:"new_balance"`
	OldTotalSupply *big.Int `json:"old_total_supply"`
	NewTotalSupply *big.Int `json:"new_total_supply"`
	Sequence       int64     // Source sequence from the asset's notifier
	Timestamp      time.Time // Versioned input timestamp (NOT wall-clock)
}

func (b *BalanceChanged) IdempotencyKey() string {
	return b.ChangeID.String()
}

func (b *BalanceChanged) EventType() EventType {
	return EventTypeBalanceChanged
}

func (b *BalanceChanged) AssetID() *string {
	a := b.Asset
	return &a
}

func (b *BalanceChanged) SourceSequence() int64 {
	return b.Sequence
}
