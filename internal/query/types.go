package query

import (
	"time"

	"github.com/google/uuid"
)

// AccruedResponse is one accrued counter for API queries. Amounts are
// decimal strings because accrued balances exceed int64.
type AccruedResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	Reward       string    `json:"reward"`
	Accrued      string    `json:"accrued"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// ClaimHistoryResponse is one settled claim for API queries.
type ClaimHistoryResponse struct {
	ClaimID      string    `json:"claim_id"`
	Sequence     int64     `json:"sequence"`
	UserID       uuid.UUID `json:"user_id"`
	Recipient    uuid.UUID `json:"recipient"`
	Claimer      uuid.UUID `json:"claimer"`
	Reward       string    `json:"reward"`
	Amount       string    `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
