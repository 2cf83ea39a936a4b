package distribution_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"RewardsLedger/internal/distribution"
)

type recorderStub struct {
	undos   []func()
	touched int
}

func (r *recorderStub) Record(undo func()) {
	r.undos = append(r.undos, undo)
}

func (r *recorderStub) TouchAccrued(asset, reward string, user uuid.UUID) {
	r.touched++
}

func (r *recorderStub) rollback() {
	for i := len(r.undos) - 1; i >= 0; i-- {
		r.undos[i]()
	}
	r.undos = nil
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func configure(d *distribution.Distributor, asset, reward string, emission uint64, decimals uint8, supply int64, end time.Time) {
	d.ApplyAssetConfiguration([]distribution.AssetConfig{{
		Asset:               asset,
		Reward:              reward,
		EmissionPerSecond:   emission,
		DistributionEnd:     end,
		Decimals:            decimals,
		AdjustedTotalSupply: big.NewInt(supply),
	}}, t0, nil)
}

func snapshot(asset string, balance, supply int64) []distribution.BalanceSnapshot {
	return []distribution.BalanceSnapshot{{
		Asset:               asset,
		Balance:             big.NewInt(balance),
		AdjustedTotalSupply: big.NewInt(supply),
	}}
}

// ============================================================================
// Test: index math
// ============================================================================

func TestRefreshAccrual_ProRataShare(t *testing.T) {
	d := distribution.NewDistributor()
	configure(d, "aUSDC", "REW", 100, 6, 1_000_000, t0.Add(time.Hour))
	user := uuid.New()

	// User holds half the supply for 10 seconds: earns 100*10/2 = 500.
	d.RefreshAccrual(user, snapshot("aUSDC", 500_000, 1_000_000), t0.Add(10*time.Second), nil)

	got := d.Accrued("aUSDC", "REW", user)
	if got.Int64() != 500 {
		t.Errorf("got accrued %s, want 500", got)
	}
}

func TestRefreshAccrual_IdempotentAtSameInstant(t *testing.T) {
	d := distribution.NewDistributor()
	configure(d, "aUSDC", "REW", 100, 6, 1_000_000, t0.Add(time.Hour))
	user := uuid.New()

	now := t0.Add(10 * time.Second)
	d.RefreshAccrual(user, snapshot("aUSDC", 500_000, 1_000_000), now, nil)
	first := d.Accrued("aUSDC", "REW", user)

	d.RefreshAccrual(user, snapshot("aUSDC", 500_000, 1_000_000), now, nil)
	second := d.Accrued("aUSDC", "REW", user)

	if first.Cmp(second) != 0 {
		t.Errorf("second refresh at the same instant changed accrued: %s -> %s", first, second)
	}
}

func TestRefreshAccrual_ZeroSupplyFreezesIndex(t *testing.T) {
	d := distribution.NewDistributor()
	configure(d, "aUSDC", "REW", 100, 6, 0, t0.Add(time.Hour))
	user := uuid.New()

	d.RefreshAccrual(user, snapshot("aUSDC", 0, 0), t0.Add(10*time.Second), nil)
	if got := d.Accrued("aUSDC", "REW", user); got.Sign() != 0 {
		t.Errorf("zero supply must not emit, got %s", got)
	}
}

func TestRefreshAccrual_StopsAtDistributionEnd(t *testing.T) {
	d := distribution.NewDistributor()
	end := t0.Add(10 * time.Second)
	configure(d, "aUSDC", "REW", 100, 6, 1_000_000, end)
	user := uuid.New()

	// Refresh one minute after the end: emission covers only the 10 live
	// seconds. User holds the whole supply: earns 100*10 = 1000.
	d.RefreshAccrual(user, snapshot("aUSDC", 1_000_000, 1_000_000), t0.Add(time.Minute), nil)

	if got := d.Accrued("aUSDC", "REW", user); got.Int64() != 1000 {
		t.Errorf("got %s, want 1000", got)
	}

	// Another minute later: nothing more.
	d.RefreshAccrual(user, snapshot("aUSDC", 1_000_000, 1_000_000), t0.Add(2*time.Minute), nil)
	if got := d.Accrued("aUSDC", "REW", user); got.Int64() != 1000 {
		t.Errorf("emission continued past distribution end: %s", got)
	}
}

func TestRefreshAccrual_ZeroBalanceStampsIndex(t *testing.T) {
	d := distribution.NewDistributor()
	configure(d, "aUSDC", "REW", 100, 6, 1_000_000, t0.Add(time.Hour))
	user := uuid.New()

	// Zero balance earns nothing but the user index must advance, so a
	// later balance does not retroactively earn the skipped window.
	d.RefreshAccrual(user, snapshot("aUSDC", 0, 1_000_000), t0.Add(10*time.Second), nil)
	if got := d.Accrued("aUSDC", "REW", user); got.Sign() != 0 {
		t.Fatalf("zero balance earned %s", got)
	}

	// Now the user holds the whole supply for 5 more seconds: earns 500,
	// not 1500.
	d.RefreshAccrual(user, snapshot("aUSDC", 1_000_000, 1_000_000), t0.Add(15*time.Second), nil)
	if got := d.Accrued("aUSDC", "REW", user); got.Int64() != 500 {
		t.Errorf("got %s, want 500 (skipped window must not back-accrue)", got)
	}
}

func TestRefreshAccrual_MultipleRewardsPerAsset(t *testing.T) {
	d := distribution.NewDistributor()
	configure(d, "aUSDC", "REW", 100, 6, 1_000_000, t0.Add(time.Hour))
	configure(d, "aUSDC", "GOV", 7, 6, 1_000_000, t0.Add(time.Hour))
	user := uuid.New()

	d.RefreshAccrual(user, snapshot("aUSDC", 1_000_000, 1_000_000), t0.Add(10*time.Second), nil)

	if got := d.Accrued("aUSDC", "REW", user); got.Int64() != 1000 {
		t.Errorf("REW: got %s, want 1000", got)
	}
	if got := d.Accrued("aUSDC", "GOV", user); got.Int64() != 70 {
		t.Errorf("GOV: got %s, want 70", got)
	}
}

// ============================================================================
// Test: configuration
// ============================================================================

func TestApplyAssetConfiguration_SettlesBeforeRateChange(t *testing.T) {
	d := distribution.NewDistributor()
	configure(d, "aUSDC", "REW", 100, 6, 1_000_000, t0.Add(time.Hour))
	user := uuid.New()

	// Rate change at t0+10s settles the index at the old rate first.
	d.ApplyAssetConfiguration([]distribution.AssetConfig{{
		Asset:               "aUSDC",
		Reward:              "REW",
		EmissionPerSecond:   1,
		DistributionEnd:     t0.Add(time.Hour),
		Decimals:            6,
		AdjustedTotalSupply: big.NewInt(1_000_000),
	}}, t0.Add(10*time.Second), nil)

	// 10s at rate 100, then 10s at rate 1: 1000 + 10 = 1010.
	d.RefreshAccrual(user, snapshot("aUSDC", 1_000_000, 1_000_000), t0.Add(20*time.Second), nil)
	if got := d.Accrued("aUSDC", "REW", user); got.Int64() != 1010 {
		t.Errorf("got %s, want 1010", got)
	}
}

func TestApplyAssetConfiguration_RewardRegistrationOrder(t *testing.T) {
	d := distribution.NewDistributor()
	configure(d, "aUSDC", "REW", 1, 6, 0, t0)
	configure(d, "aDAI", "GOV", 1, 18, 0, t0)
	configure(d, "aDAI", "REW", 1, 18, 0, t0) // REW already registered

	rewards := d.Rewards()
	if len(rewards) != 2 || rewards[0] != "REW" || rewards[1] != "GOV" {
		t.Errorf("got rewards %v, want [REW GOV]", rewards)
	}
}

// ============================================================================
// Test: accrued counters + rollback
// ============================================================================

func TestSetAccrued_OverwriteAndRollback(t *testing.T) {
	d := distribution.NewDistributor()
	user := uuid.New()
	rec := &recorderStub{}

	d.SetAccrued("aUSDC", "REW", user, big.NewInt(77), rec)
	if got := d.Accrued("aUSDC", "REW", user); got.Int64() != 77 {
		t.Fatalf("got %s, want 77", got)
	}
	if rec.touched != 1 {
		t.Errorf("expected 1 touched counter, got %d", rec.touched)
	}

	rec.rollback()
	if got := d.Accrued("aUSDC", "REW", user); got.Sign() != 0 {
		t.Errorf("rollback left accrued at %s", got)
	}
}

func TestRefreshAccrual_Rollback(t *testing.T) {
	d := distribution.NewDistributor()
	configure(d, "aUSDC", "REW", 100, 6, 1_000_000, t0.Add(time.Hour))
	user := uuid.New()
	rec := &recorderStub{}

	d.RefreshAccrual(user, snapshot("aUSDC", 1_000_000, 1_000_000), t0.Add(10*time.Second), rec)
	if got := d.Accrued("aUSDC", "REW", user); got.Int64() != 1000 {
		t.Fatalf("got %s, want 1000", got)
	}

	rec.rollback()
	if got := d.Accrued("aUSDC", "REW", user); got.Sign() != 0 {
		t.Errorf("rollback left accrued at %s", got)
	}

	// After rollback the refresh must replay identically.
	d.RefreshAccrual(user, snapshot("aUSDC", 1_000_000, 1_000_000), t0.Add(10*time.Second), nil)
	if got := d.Accrued("aUSDC", "REW", user); got.Int64() != 1000 {
		t.Errorf("replay after rollback got %s, want 1000", got)
	}
}

func TestAccruedForUser_SumsAcrossAssets(t *testing.T) {
	d := distribution.NewDistributor()
	user := uuid.New()
	d.SetAccrued("aUSDC", "REW", user, big.NewInt(30), nil)
	d.SetAccrued("aDAI", "REW", user, big.NewInt(12), nil)
	d.SetAccrued("aDAI", "GOV", user, big.NewInt(99), nil)

	got := d.AccruedForUser(user, "REW", []string{"aUSDC", "aDAI"})
	if got.Int64() != 42 {
		t.Errorf("got %s, want 42", got)
	}
}

// ============================================================================
// Test: export / restore
// ============================================================================

func TestExportRestore_RoundTrip(t *testing.T) {
	d := distribution.NewDistributor()
	configure(d, "aUSDC", "REW", 100, 6, 1_000_000, t0.Add(time.Hour))
	user := uuid.New()
	d.RefreshAccrual(user, snapshot("aUSDC", 500_000, 1_000_000), t0.Add(10*time.Second), nil)

	restored := distribution.NewDistributor()
	if err := restored.Restore(d.Export()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got, want := restored.Accrued("aUSDC", "REW", user), d.Accrued("aUSDC", "REW", user); got.Cmp(want) != 0 {
		t.Errorf("accrued: got %s, want %s", got, want)
	}
	if !restored.HasConfig("aUSDC", "REW") {
		t.Error("restored distributor lost config")
	}

	// Accrual must continue seamlessly from the restored state.
	restored.RefreshAccrual(user, snapshot("aUSDC", 500_000, 1_000_000), t0.Add(20*time.Second), nil)
	d.RefreshAccrual(user, snapshot("aUSDC", 500_000, 1_000_000), t0.Add(20*time.Second), nil)
	if got, want := restored.Accrued("aUSDC", "REW", user), d.Accrued("aUSDC", "REW", user); got.Cmp(want) != 0 {
		t.Errorf("post-restore accrual diverged: got %s, want %s", got, want)
	}
}
