package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"RewardsLedger/internal/event"
)

// ParseBalanceChanged converts a raw handle-action payload from the
// balance-change feed into a typed event. The shell validates and parses
// before anything reaches the controller.
func ParseBalanceChanged(data []byte) (*event.BalanceChanged, error) {
	var j balanceChangedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BalanceChanged: %w", err)
	}

	changeID, err := uuid.Parse(j.ChangeID)
	if err != nil {
		return nil, fmt.Errorf("parse change_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("parse asset: empty")
	}

	oldBalance, err := parseAmount("old_balance", j.OldBalance)
	if err != nil {
		return nil, err
	}
	newBalance, err := parseAmount("new_balance", j.NewBalance)
	if err != nil {
		return nil, err
	}
	oldSupply, err := parseAmount("old_total_supply", j.OldTotalSupply)
	if err != nil {
		return nil, err
	}
	newSupply, err := parseAmount("new_total_supply", j.NewTotalSupply)
	if err != nil {
		return nil, err
	}

	return &event.BalanceChanged{
		ChangeID:       changeID,
		Asset:          j.Asset,
		UserID:         userID,
		OldBalance:     oldBalance,
		NewBalance:     newBalance,
		OldTotalSupply: oldSupply,
		NewTotalSupply: newSupply,
		Sequence:       j.Sequence,
		Timestamp:      time.UnixMicro(j.TimestampUs),
	}, nil
}

// balanceChangedJSON is the wire format received from NATS. Field names
// use snake_case to match upstream producers; amounts are decimal strings
// because scaled balances exceed int64.
type balanceChangedJSON struct {
	ChangeID       string `json:"change_id"`
	Asset          string `json:"asset"`
	UserID         string `json:"user_id"`
	OldBalance     string `json:"old_balance"`
	NewBalance     string `json:"new_balance"`
	OldTotalSupply string `json:"old_total_supply"`
	NewTotalSupply string `json:"new_total_supply"`
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

// parseAmount parses a non-negative decimal string amount.
func parseAmount(field, value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("parse %s: empty", field)
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: malformed amount %q", field, value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("parse %s: negative amount %q", field, value)
	}
	return amount, nil
}
