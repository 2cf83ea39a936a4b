package payout

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// TreasuryVault is a pull-based payout strategy backed by pre-funded
// per-reward balances. Transfers debit the vault; an underfunded vault
// rejects the transfer, which aborts the enclosing claim.
type TreasuryVault struct {
	mu    sync.Mutex
	funds map[string]*big.Int
}

func NewTreasuryVault() *TreasuryVault {
	return &TreasuryVault{funds: make(map[string]*big.Int)}
}

// Fund credits the vault's balance for reward.
func (v *TreasuryVault) Fund(reward string, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.funds[reward]
	if bal == nil {
		bal = new(big.Int)
		v.funds[reward] = bal
	}
	bal.Add(bal, amount)
}

// Balance returns the vault's remaining balance for reward (copy).
func (v *TreasuryVault) Balance(reward string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if bal := v.funds[reward]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// PerformTransfer debits the vault by amount for reward.
func (v *TreasuryVault) PerformTransfer(recipient uuid.UUID, reward string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.funds[reward]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("treasury: insufficient funds for reward %s: have=%v need=%v",
			reward, bal, amount)
	}
	bal.Sub(bal, amount)
	return nil
}
