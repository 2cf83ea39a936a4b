package payout_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"RewardsLedger/internal/payout"
)

func TestTreasuryVault_TransferDebitsFunds(t *testing.T) {
	v := payout.NewTreasuryVault()
	v.Fund("REW", big.NewInt(100))

	if err := v.PerformTransfer(uuid.New(), "REW", big.NewInt(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := v.Balance("REW"); got.Int64() != 40 {
		t.Errorf("got balance %s, want 40", got)
	}
}

func TestTreasuryVault_InsufficientFundsRejects(t *testing.T) {
	v := payout.NewTreasuryVault()
	v.Fund("REW", big.NewInt(10))

	if err := v.PerformTransfer(uuid.New(), "REW", big.NewInt(11)); err == nil {
		t.Fatal("expected error for underfunded vault")
	}
	// All-or-nothing: a rejected transfer moves nothing.
	if got := v.Balance("REW"); got.Int64() != 10 {
		t.Errorf("rejected transfer changed balance: %s", got)
	}
}

func TestTreasuryVault_UnknownRewardRejects(t *testing.T) {
	v := payout.NewTreasuryVault()
	if err := v.PerformTransfer(uuid.New(), "GOV", big.NewInt(1)); err == nil {
		t.Fatal("expected error for unfunded reward")
	}
}

func TestCatalog_Lookup(t *testing.T) {
	catalog := payout.Catalog{"treasury": payout.NewTreasuryVault(), "broken": nil}

	if _, ok := catalog.Lookup("treasury"); !ok {
		t.Error("deployed strategy not found")
	}
	if _, ok := catalog.Lookup("missing"); ok {
		t.Error("unknown name resolved")
	}
	if _, ok := catalog.Lookup("broken"); ok {
		t.Error("nil entry resolved")
	}
}
