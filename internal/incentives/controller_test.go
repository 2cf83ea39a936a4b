package incentives_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"RewardsLedger/internal/event"
	"RewardsLedger/internal/incentives"
	"RewardsLedger/internal/oracle"
	"RewardsLedger/internal/payout"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type failingStrategy struct{}

func (failingStrategy) PerformTransfer(recipient uuid.UUID, reward string, amount *big.Int) error {
	return errors.New("wire unavailable")
}

type fixture struct {
	ctrl    *incentives.Controller
	manager uuid.UUID
	vault   *payout.TreasuryVault
	clock   *fakeClock
	outputs chan incentives.Output
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		manager: uuid.New(),
		vault:   payout.NewTreasuryVault(),
		clock:   &fakeClock{now: t0},
		outputs: make(chan incentives.Output, 1024),
	}
	f.vault.Fund("REW", big.NewInt(1_000_000))
	f.vault.Fund("GOV", big.NewInt(1_000_000))

	f.ctrl = incentives.NewController(incentives.ControllerConfig{
		EmissionManager: f.manager,
		StrategyCatalog: payout.Catalog{
			"treasury": f.vault,
			"failing":  failingStrategy{},
		},
		OracleCatalog: oracle.Catalog{
			"static": oracle.NewStaticFeed(100),
			"dead":   oracle.NewStaticFeed(0),
		},
		Logger:      zerolog.Nop(),
		PersistChan: f.outputs,
		Now:         f.clock.Now,
	})
	return f
}

// configureRewards installs REW on aUSDC (5/s) and aDAI (3/s) with the
// treasury strategy, ending far in the future.
func (f *fixture) configureRewards(t *testing.T) {
	t.Helper()
	err := f.ctrl.ConfigureAssets(f.manager, []incentives.AssetConfigInput{
		{Asset: "aUSDC", Reward: "REW", EmissionPerSecond: 5, DistributionEnd: t0.Add(24 * time.Hour), Decimals: 6, StrategyName: "treasury"},
		{Asset: "aDAI", Reward: "REW", EmissionPerSecond: 3, DistributionEnd: t0.Add(24 * time.Hour), Decimals: 6},
	})
	if err != nil {
		t.Fatalf("configure assets: %v", err)
	}
}

// seedBalance feeds a balance event making user hold the full supply.
func (f *fixture) seedBalance(t *testing.T, asset string, user uuid.UUID, balance int64, seq int64) {
	t.Helper()
	err := f.ctrl.ProcessBalanceEvent(&event.BalanceChanged{
		ChangeID:       uuid.New(),
		Asset:          asset,
		UserID:         user,
		OldBalance:     new(big.Int),
		NewBalance:     big.NewInt(balance),
		OldTotalSupply: new(big.Int),
		NewTotalSupply: big.NewInt(balance),
		Sequence:       seq,
		Timestamp:      f.clock.now,
	})
	if err != nil {
		t.Fatalf("seed balance %s: %v", asset, err)
	}
}

func (f *fixture) drainOutputs() []incentives.Output {
	var out []incentives.Output
	for {
		select {
		case o := <-f.outputs:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================================
// Test: balance-change feed
// ============================================================================

func TestProcessBalanceEvent_SettlesAgainstPreChangeBalance(t *testing.T) {
	f := newFixture(t)
	f.configureRewards(t)
	user := uuid.New()

	f.seedBalance(t, "aUSDC", user, 1_000_000, 0)

	// 10 seconds later the balance changes. Accrual settles on the OLD
	// balance (full supply for 10s at 5/s = 50).
	f.clock.now = t0.Add(10 * time.Second)
	err := f.ctrl.ProcessBalanceEvent(&event.BalanceChanged{
		ChangeID:       uuid.New(),
		Asset:          "aUSDC",
		UserID:         user,
		OldBalance:     big.NewInt(1_000_000),
		NewBalance:     big.NewInt(2_000_000),
		OldTotalSupply: big.NewInt(1_000_000),
		NewTotalSupply: big.NewInt(2_000_000),
		Sequence:       1,
		Timestamp:      f.clock.now,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := f.ctrl.AccruedBalance("aUSDC", "REW", user); got.Int64() != 50 {
		t.Errorf("accrued: got %s, want 50", got)
	}
	if got := f.ctrl.ScaledBalanceOf("aUSDC", user); got.Int64() != 2_000_000 {
		t.Errorf("mirror balance: got %s, want 2000000", got)
	}
}

func TestProcessBalanceEvent_DuplicateSkipped(t *testing.T) {
	f := newFixture(t)
	f.configureRewards(t)
	user := uuid.New()

	evt := &event.BalanceChanged{
		ChangeID:       uuid.New(),
		Asset:          "aUSDC",
		UserID:         user,
		OldBalance:     new(big.Int),
		NewBalance:     big.NewInt(100),
		OldTotalSupply: new(big.Int),
		NewTotalSupply: big.NewInt(100),
		Sequence:       0,
		Timestamp:      t0,
	}
	if err := f.ctrl.ProcessBalanceEvent(evt); err != nil {
		t.Fatalf("first: %v", err)
	}
	seqAfter := f.ctrl.Sequence()

	// Redelivery of the same event: no error, no new commit.
	if err := f.ctrl.ProcessBalanceEvent(evt); err != nil {
		t.Fatalf("duplicate should be silently skipped: %v", err)
	}
	if f.ctrl.Sequence() != seqAfter {
		t.Error("duplicate advanced the global sequence")
	}
}

func TestProcessBalanceEvent_SequenceGapRejected(t *testing.T) {
	f := newFixture(t)
	f.configureRewards(t)
	user := uuid.New()

	f.seedBalance(t, "aUSDC", user, 100, 0)

	err := f.ctrl.ProcessBalanceEvent(&event.BalanceChanged{
		ChangeID:       uuid.New(),
		Asset:          "aUSDC",
		UserID:         user,
		OldBalance:     big.NewInt(100),
		NewBalance:     big.NewInt(200),
		OldTotalSupply: big.NewInt(100),
		NewTotalSupply: big.NewInt(200),
		Sequence:       5, // expected 1
		Timestamp:      t0,
	})
	if err == nil {
		t.Fatal("expected sequence gap rejection")
	}
	// The rejected event must leave no trace.
	if got := f.ctrl.ScaledBalanceOf("aUSDC", user); got.Int64() != 100 {
		t.Errorf("mirror changed by rejected event: %s", got)
	}
}

func TestProcessBalanceEvent_ExcludedUserAccruesNothing(t *testing.T) {
	f := newFixture(t)
	f.configureRewards(t)
	user := uuid.New()

	f.seedBalance(t, "aUSDC", user, 1_000_000, 0)
	if err := f.ctrl.SetExcluded(f.manager, user, "aUSDC", true); err != nil {
		t.Fatalf("exclude: %v", err)
	}

	f.clock.now = t0.Add(10 * time.Second)
	err := f.ctrl.ProcessBalanceEvent(&event.BalanceChanged{
		ChangeID:       uuid.New(),
		Asset:          "aUSDC",
		UserID:         user,
		OldBalance:     big.NewInt(1_000_000),
		NewBalance:     big.NewInt(1_000_000),
		OldTotalSupply: big.NewInt(1_000_000),
		NewTotalSupply: big.NewInt(1_000_000),
		Sequence:       1,
		Timestamp:      f.clock.now,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := f.ctrl.AccruedBalance("aUSDC", "REW", user); got.Sign() != 0 {
		t.Errorf("excluded user accrued %s", got)
	}
}

// ============================================================================
// Test: adjusted total supply
// ============================================================================

func TestAdjustedTotalSupply_SubtractsExcludedBalances(t *testing.T) {
	f := newFixture(t)
	f.configureRewards(t)
	holder, whale := uuid.New(), uuid.New()

	f.seedBalance(t, "aUSDC", holder, 400_000, 0)
	// whale pushes supply to 1_000_000
	if err := f.ctrl.ProcessBalanceEvent(&event.BalanceChanged{
		ChangeID:       uuid.New(),
		Asset:          "aUSDC",
		UserID:         whale,
		OldBalance:     new(big.Int),
		NewBalance:     big.NewInt(600_000),
		OldTotalSupply: big.NewInt(400_000),
		NewTotalSupply: big.NewInt(1_000_000),
		Sequence:       1,
		Timestamp:      t0,
	}); err != nil {
		t.Fatal(err)
	}

	if got := f.ctrl.AdjustedTotalSupply("aUSDC"); got.Int64() != 1_000_000 {
		t.Fatalf("before exclusion: got %s, want 1000000", got)
	}

	if err := f.ctrl.SetExcluded(f.manager, whale, "aUSDC", true); err != nil {
		t.Fatal(err)
	}
	if got := f.ctrl.AdjustedTotalSupply("aUSDC"); got.Int64() != 400_000 {
		t.Errorf("after exclusion: got %s, want 400000", got)
	}
}

func TestAdjustedTotalSupply_ClampsAtZero(t *testing.T) {
	f := newFixture(t)
	f.configureRewards(t)
	whale := uuid.New()

	// Mirror updates can transiently leave excluded balances exceeding the
	// recorded supply; the adjusted value clamps instead of wrapping.
	if err := f.ctrl.ProcessBalanceEvent(&event.BalanceChanged{
		ChangeID:       uuid.New(),
		Asset:          "aUSDC",
		UserID:         whale,
		OldBalance:     new(big.Int),
		NewBalance:     big.NewInt(500_000),
		OldTotalSupply: new(big.Int),
		NewTotalSupply: big.NewInt(300_000),
		Sequence:       0,
		Timestamp:      t0,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.SetExcluded(f.manager, whale, "aUSDC", true); err != nil {
		t.Fatal(err)
	}

	if got := f.ctrl.AdjustedTotalSupply("aUSDC"); got.Sign() != 0 {
		t.Errorf("got %s, want 0 (clamped)", got)
	}
}

// ============================================================================
// Test: claim settlement
// ============================================================================

// seedAccrued gives user 50 REW on aUSDC and 30 REW on aDAI.
func seedAccrued(t *testing.T, f *fixture, user uuid.UUID) {
	t.Helper()
	f.configureRewards(t)
	f.seedBalance(t, "aUSDC", user, 1_000_000, 0)
	f.seedBalance(t, "aDAI", user, 1_000_000, 0)
	f.clock.now = t0.Add(10 * time.Second)
}

func TestClaimRewards_PartialDrainWritesBackRemainder(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	seedAccrued(t, f, user)
	f.drainOutputs()

	claimed, err := f.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC", "aDAI"}, big.NewInt(40), "REW")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Int64() != 40 {
		t.Errorf("claimed: got %s, want 40", claimed)
	}

	// First asset had 50: fully drained, 10 written back; the walk broke
	// before touching aDAI.
	if got := f.ctrl.AccruedBalance("aUSDC", "REW", user); got.Int64() != 10 {
		t.Errorf("aUSDC remainder: got %s, want 10", got)
	}
	if got := f.ctrl.AccruedBalance("aDAI", "REW", user); got.Int64() != 30 {
		t.Errorf("aDAI untouched: got %s, want 30", got)
	}
	if got := f.vault.Balance("REW"); got.Int64() != 1_000_000-40 {
		t.Errorf("vault: got %s", got)
	}

	// The committed event records the per-asset drains.
	outputs := f.drainOutputs()
	if len(outputs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outputs))
	}
	claimedEvt, ok := outputs[0].Payload.(*event.RewardsClaimed)
	if !ok {
		t.Fatalf("payload is %T", outputs[0].Payload)
	}
	if len(claimedEvt.Drains) != 1 || claimedEvt.Drains[0].Asset != "aUSDC" || claimedEvt.Drains[0].Amount.Int64() != 40 {
		t.Errorf("drains: %+v", claimedEvt.Drains)
	}
	if claimedEvt.Amount.Int64() != 40 {
		t.Errorf("event amount: got %s", claimedEvt.Amount)
	}
}

func TestClaimRewards_CapsAtAccruedTotal(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	seedAccrued(t, f, user)

	claimed, err := f.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC", "aDAI"}, big.NewInt(1_000_000), "REW")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Int64() != 80 {
		t.Errorf("claimed: got %s, want 80 (all accrued)", claimed)
	}
	if f.ctrl.AccruedBalance("aUSDC", "REW", user).Sign() != 0 ||
		f.ctrl.AccruedBalance("aDAI", "REW", user).Sign() != 0 {
		t.Error("counters should be fully drained")
	}
}

func TestClaimRewards_ZeroAmountIsNoOp(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	seedAccrued(t, f, user)
	seqBefore := f.ctrl.Sequence()

	claimed, err := f.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC"}, new(big.Int), "REW")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Sign() != 0 {
		t.Errorf("got %s, want 0", claimed)
	}
	if f.ctrl.Sequence() != seqBefore {
		t.Error("zero-amount claim committed an event")
	}

	claimed, err = f.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC"}, nil, "REW")
	if err != nil || claimed.Sign() != 0 {
		t.Errorf("nil amount: got %s, %v", claimed, err)
	}
}

func TestClaimRewards_NothingAccruedLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.configureRewards(t)
	user := uuid.New()
	seqBefore := f.ctrl.Sequence()
	hashBefore := f.ctrl.StateHash()

	claimed, err := f.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC", "aDAI"}, big.NewInt(10), "REW")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Sign() != 0 {
		t.Errorf("got %s, want 0", claimed)
	}
	if f.ctrl.Sequence() != seqBefore {
		t.Error("empty claim committed an event")
	}
	if f.ctrl.StateHash() != hashBefore {
		t.Error("empty claim moved the hash chain")
	}
}

func TestClaimRewards_TransferFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	seedAccrued(t, f, user)

	// Swap REW onto the failing strategy.
	if err := f.ctrl.SetTransferStrategy(f.manager, "REW", "failing"); err != nil {
		t.Fatalf("set strategy: %v", err)
	}
	seqBefore := f.ctrl.Sequence()
	f.drainOutputs()

	_, err := f.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC", "aDAI"}, big.NewInt(40), "REW")
	if !errors.Is(err, incentives.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	// All-or-nothing: counters restored, nothing committed. The earlier
	// refresh is rolled back too, so pending emission is still claimable.
	if f.ctrl.Sequence() != seqBefore {
		t.Error("failed claim committed an event")
	}
	if outputs := f.drainOutputs(); len(outputs) != 0 {
		t.Errorf("failed claim emitted %d outputs", len(outputs))
	}

	if err := f.ctrl.SetTransferStrategy(f.manager, "REW", "treasury"); err != nil {
		t.Fatal(err)
	}
	claimed, err := f.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC", "aDAI"}, big.NewInt(80), "REW")
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if claimed.Int64() != 80 {
		t.Errorf("retry claimed %s, want 80 (failed attempt must not burn accrual)", claimed)
	}
}

func TestClaimRewards_NoStrategyInstalled(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.configureRewards(t)
	// Drop to a fresh reward with no strategy: reconfigure GOV without one.
	err := f.ctrl.ConfigureAssets(f.manager, []incentives.AssetConfigInput{
		{Asset: "aUSDC", Reward: "GOV", EmissionPerSecond: 1, DistributionEnd: t0.Add(24 * time.Hour), Decimals: 6},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.seedBalance(t, "aUSDC", user, 1_000_000, 0)
	f.clock.now = t0.Add(10 * time.Second)

	_, err = f.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC"}, big.NewInt(5), "GOV")
	if !errors.Is(err, incentives.ErrNoStrategyInstalled) {
		t.Errorf("got %v, want ErrNoStrategyInstalled", err)
	}
}

func TestClaimRewards_InvalidRecipient(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.ClaimRewards(uuid.New(), []string{"aUSDC"}, big.NewInt(1), "REW", uuid.Nil)
	if !errors.Is(err, incentives.ErrInvalidRecipient) {
		t.Errorf("got %v, want ErrInvalidRecipient", err)
	}
}

// ============================================================================
// Test: claim on behalf (delegation)
// ============================================================================

func TestClaimOnBehalf_RequiresDelegation(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	seedAccrued(t, f, user)
	stranger := uuid.New()

	_, err := f.ctrl.ClaimRewardsOnBehalf(stranger, []string{"aUSDC"}, big.NewInt(10), user, stranger, "REW")
	if !errors.Is(err, incentives.ErrUnauthorizedClaimer) {
		t.Fatalf("got %v, want ErrUnauthorizedClaimer", err)
	}

	// After delegation the same call succeeds and pays the recipient.
	if err := f.ctrl.SetClaimer(user, user, stranger); err != nil {
		t.Fatalf("set claimer: %v", err)
	}
	claimed, err := f.ctrl.ClaimRewardsOnBehalf(stranger, []string{"aUSDC"}, big.NewInt(10), user, stranger, "REW")
	if err != nil {
		t.Fatalf("claim on behalf: %v", err)
	}
	if claimed.Int64() != 10 {
		t.Errorf("claimed %s, want 10", claimed)
	}
}

func TestClaimOnBehalf_RevokedDelegateRejected(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	seedAccrued(t, f, user)
	delegate := uuid.New()

	if err := f.ctrl.SetClaimer(user, user, delegate); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.SetClaimer(user, user, uuid.Nil); err != nil {
		t.Fatal(err)
	}

	_, err := f.ctrl.ClaimRewardsOnBehalf(delegate, []string{"aUSDC"}, big.NewInt(10), user, delegate, "REW")
	if !errors.Is(err, incentives.ErrUnauthorizedClaimer) {
		t.Errorf("got %v, want ErrUnauthorizedClaimer after revocation", err)
	}
}

// ============================================================================
// Test: claim all rewards
// ============================================================================

func TestClaimAllRewards_DrainsEveryRewardKeepingZeros(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.configureRewards(t)
	// GOV emits only on aDAI.
	err := f.ctrl.ConfigureAssets(f.manager, []incentives.AssetConfigInput{
		{Asset: "aDAI", Reward: "GOV", EmissionPerSecond: 2, DistributionEnd: t0.Add(24 * time.Hour), Decimals: 6, StrategyName: "treasury"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.seedBalance(t, "aUSDC", user, 1_000_000, 0)
	f.seedBalance(t, "aDAI", user, 1_000_000, 0)
	f.clock.now = t0.Add(10 * time.Second)
	f.drainOutputs()

	// Walk only aUSDC: REW earns 50, GOV earns nothing there.
	rewards, amounts, err := f.ctrl.ClaimAllRewardsToSelf(user, []string{"aUSDC"})
	if err != nil {
		t.Fatalf("claim all: %v", err)
	}
	if len(rewards) != 2 || rewards[0] != "REW" || rewards[1] != "GOV" {
		t.Fatalf("rewards: %v", rewards)
	}
	if amounts[0].Int64() != 50 {
		t.Errorf("REW: got %s, want 50", amounts[0])
	}
	if amounts[1].Sign() != 0 {
		t.Errorf("GOV: got %s, want 0 (zero kept in result)", amounts[1])
	}

	// One event per non-zero reward.
	outputs := f.drainOutputs()
	if len(outputs) != 1 {
		t.Errorf("got %d outputs, want 1", len(outputs))
	}

	// Emission on the unwalked asset is untouched: a later claim over aDAI
	// still settles its 10 seconds.
	claimed, err := f.ctrl.ClaimRewardsToSelf(user, []string{"aDAI"}, big.NewInt(1_000), "REW")
	if err != nil {
		t.Fatalf("follow-up claim: %v", err)
	}
	if claimed.Int64() != 30 {
		t.Errorf("aDAI REW: got %s, want 30", claimed)
	}
}

func TestClaimAllRewards_NothingAccrued(t *testing.T) {
	f := newFixture(t)
	f.configureRewards(t)
	user := uuid.New()
	seqBefore := f.ctrl.Sequence()

	rewards, amounts, err := f.ctrl.ClaimAllRewardsToSelf(user, []string{"aUSDC", "aDAI"})
	if err != nil {
		t.Fatalf("claim all: %v", err)
	}
	if len(rewards) != 1 || amounts[0].Sign() != 0 {
		t.Errorf("got rewards=%v amounts=%v", rewards, amounts)
	}
	if f.ctrl.Sequence() != seqBefore {
		t.Error("empty claim-all committed an event")
	}
}

func TestClaimAllRewards_TransferFailureRollsBackAllRewards(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.configureRewards(t)
	// Second reward bound to the failing strategy.
	err := f.ctrl.ConfigureAssets(f.manager, []incentives.AssetConfigInput{
		{Asset: "aUSDC", Reward: "GOV", EmissionPerSecond: 2, DistributionEnd: t0.Add(24 * time.Hour), Decimals: 6, StrategyName: "failing"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.seedBalance(t, "aUSDC", user, 1_000_000, 0)

	// Settle ten seconds of emission into the stored counters.
	f.clock.now = t0.Add(10 * time.Second)
	if err := f.ctrl.ProcessBalanceEvent(&event.BalanceChanged{
		ChangeID:       uuid.New(),
		Asset:          "aUSDC",
		UserID:         user,
		OldBalance:     big.NewInt(1_000_000),
		NewBalance:     big.NewInt(1_000_000),
		OldTotalSupply: big.NewInt(1_000_000),
		NewTotalSupply: big.NewInt(1_000_000),
		Sequence:       1,
		Timestamp:      f.clock.now,
	}); err != nil {
		t.Fatal(err)
	}
	if got := f.ctrl.AccruedBalance("aUSDC", "REW", user); got.Int64() != 50 {
		t.Fatalf("settled REW: got %s, want 50", got)
	}

	_, _, err = f.ctrl.ClaimAllRewardsToSelf(user, []string{"aUSDC"})
	if !errors.Is(err, incentives.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	// All-or-nothing across rewards: the drained counters come back even
	// though a reward earlier in the order would have settled cleanly.
	if got := f.ctrl.AccruedBalance("aUSDC", "REW", user); got.Int64() != 50 {
		t.Errorf("REW counter after rollback: got %s, want 50", got)
	}
	if got := f.ctrl.AccruedBalance("aUSDC", "GOV", user); got.Int64() != 20 {
		t.Errorf("GOV counter after rollback: got %s, want 20", got)
	}
}

// ============================================================================
// Test: configuration & delegation manager
// ============================================================================

func TestSetClaimer_Authorization(t *testing.T) {
	f := newFixture(t)
	user, delegate, stranger := uuid.New(), uuid.New(), uuid.New()

	// A user delegates for themselves.
	if err := f.ctrl.SetClaimer(user, user, delegate); err != nil {
		t.Fatalf("self delegation: %v", err)
	}
	if got := f.ctrl.ClaimerFor(user); got != delegate {
		t.Errorf("claimer: got %s, want %s", got, delegate)
	}

	// A stranger cannot delegate for someone else.
	if err := f.ctrl.SetClaimer(stranger, user, stranger); !errors.Is(err, incentives.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}

	// The emission manager can; the slot is overwritten, not accumulated.
	other := uuid.New()
	if err := f.ctrl.SetClaimer(f.manager, user, other); err != nil {
		t.Fatalf("manager delegation: %v", err)
	}
	if got := f.ctrl.ClaimerFor(user); got != other {
		t.Errorf("claimer after overwrite: got %s, want %s", got, other)
	}
}

func TestSetExcluded_EmitsResultingFlagEvenOnNoOp(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.drainOutputs()

	if err := f.ctrl.SetExcluded(f.manager, user, "aUSDC", true); err != nil {
		t.Fatal(err)
	}
	// Re-excluding is a state no-op but still notifies with the resulting flag.
	if err := f.ctrl.SetExcluded(f.manager, user, "aUSDC", true); err != nil {
		t.Fatal(err)
	}

	outputs := f.drainOutputs()
	if len(outputs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(outputs))
	}
	for i, o := range outputs {
		upd, ok := o.Payload.(*event.ExclusionUpdated)
		if !ok {
			t.Fatalf("output %d payload is %T", i, o.Payload)
		}
		if !upd.Excluded {
			t.Errorf("output %d: resulting flag false, want true", i)
		}
	}
}

func TestSetExcluded_RequiresEmissionManager(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.SetExcluded(uuid.New(), uuid.New(), "aUSDC", true)
	if !errors.Is(err, incentives.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestSetTransferStrategy_FailsClosed(t *testing.T) {
	f := newFixture(t)
	seqBefore := f.ctrl.Sequence()

	if err := f.ctrl.SetTransferStrategy(f.manager, "REW", ""); !errors.Is(err, incentives.ErrNilStrategy) {
		t.Errorf("empty name: got %v", err)
	}
	if err := f.ctrl.SetTransferStrategy(f.manager, "REW", "ponzi"); !errors.Is(err, incentives.ErrUnknownStrategy) {
		t.Errorf("unknown name: got %v", err)
	}
	if _, ok := f.ctrl.StrategyFor("REW"); ok {
		t.Error("failed install left a strategy binding")
	}
	if f.ctrl.Sequence() != seqBefore {
		t.Error("failed install committed an event")
	}
}

func TestSetRewardOracle_ProbesFeed(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.SetRewardOracle(f.manager, "REW", "dead"); !errors.Is(err, incentives.ErrOracleNoPrice) {
		t.Errorf("dead feed: got %v, want ErrOracleNoPrice", err)
	}
	if _, ok := f.ctrl.OracleFor("REW"); ok {
		t.Error("dead feed install left an oracle binding")
	}

	if err := f.ctrl.SetRewardOracle(f.manager, "REW", "static"); err != nil {
		t.Fatalf("live feed: %v", err)
	}
	if name, ok := f.ctrl.OracleFor("REW"); !ok || name != "static" {
		t.Errorf("oracle binding: got %q/%v", name, ok)
	}
}

func TestConfigureAssets_BatchRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	seqBefore := f.ctrl.Sequence()

	err := f.ctrl.ConfigureAssets(f.manager, []incentives.AssetConfigInput{
		{Asset: "aUSDC", Reward: "REW", EmissionPerSecond: 5, DistributionEnd: t0.Add(time.Hour), Decimals: 6, StrategyName: "treasury"},
		{Asset: "aDAI", Reward: "GOV", EmissionPerSecond: 1, DistributionEnd: t0.Add(time.Hour), Decimals: 6, OracleName: "dead"},
	})
	if !errors.Is(err, incentives.ErrOracleNoPrice) {
		t.Fatalf("got %v, want ErrOracleNoPrice", err)
	}

	// All-or-nothing: the valid first entry must not survive.
	if len(f.ctrl.Rewards()) != 0 {
		t.Errorf("rewards registered despite batch failure: %v", f.ctrl.Rewards())
	}
	if _, ok := f.ctrl.StrategyFor("REW"); ok {
		t.Error("strategy installed despite batch failure")
	}
	if f.ctrl.Sequence() != seqBefore {
		t.Error("failed batch committed events")
	}
}

// ============================================================================
// Test: hash chain + export/restore
// ============================================================================

func TestCommit_HashChainLinks(t *testing.T) {
	f := newFixture(t)
	f.configureRewards(t)
	user := uuid.New()
	f.seedBalance(t, "aUSDC", user, 100, 0)

	outputs := f.drainOutputs()
	if len(outputs) < 3 {
		t.Fatalf("got %d outputs", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("envelope %d prev hash does not link to envelope %d", i, i-1)
		}
		if outputs[i].Envelope.PrevHash == outputs[i].Envelope.StateHash {
			t.Errorf("envelope %d prev hash equals its own state hash", i)
		}
		if outputs[i].Envelope.Sequence != outputs[i-1].Envelope.Sequence+1 {
			t.Errorf("sequence gap between envelopes %d and %d", i-1, i)
		}
	}
}

func TestExportRestore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	seedAccrued(t, f, user)
	delegate := uuid.New()
	if err := f.ctrl.SetClaimer(user, user, delegate); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.SetExcluded(f.manager, uuid.New(), "aUSDC", true); err != nil {
		t.Fatal(err)
	}

	snap := f.ctrl.Export()

	// Restore into a fresh controller wired to the same catalogs.
	g := newFixture(t)
	if err := g.ctrl.RestoreState(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if g.ctrl.Sequence() != f.ctrl.Sequence() {
		t.Errorf("sequence: got %d, want %d", g.ctrl.Sequence(), f.ctrl.Sequence())
	}
	if g.ctrl.StateHash() != f.ctrl.StateHash() {
		t.Error("hash-chain tip lost in round trip")
	}
	if got := g.ctrl.ClaimerFor(user); got != delegate {
		t.Errorf("claimer: got %s, want %s", got, delegate)
	}
	if name, ok := g.ctrl.StrategyFor("REW"); !ok || name != "treasury" {
		t.Errorf("strategy binding: got %q/%v", name, ok)
	}

	// The restored controller settles claims identically.
	g.clock.now = f.clock.now
	claimed, err := g.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC", "aDAI"}, big.NewInt(80), "REW")
	if err != nil {
		t.Fatalf("claim after restore: %v", err)
	}
	if claimed.Int64() != 80 {
		t.Errorf("claimed %s, want 80", claimed)
	}
}

func TestReplay_ReproducesLiveState(t *testing.T) {
	f := newFixture(t)
	user, delegate, excluded := uuid.New(), uuid.New(), uuid.New()

	f.configureRewards(t)
	f.seedBalance(t, "aUSDC", user, 1_000_000, 0)
	f.seedBalance(t, "aDAI", user, 1_000_000, 0)
	if err := f.ctrl.SetExcluded(f.manager, excluded, "aUSDC", true); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.SetClaimer(user, user, delegate); err != nil {
		t.Fatal(err)
	}
	f.clock.now = t0.Add(10 * time.Second)
	if _, err := f.ctrl.ClaimRewardsToSelf(user, []string{"aUSDC", "aDAI"}, big.NewInt(40), "REW"); err != nil {
		t.Fatal(err)
	}

	// Replay the committed log into a fresh controller. No transfers run
	// and nothing is emitted; the recorded drains are re-applied.
	g := newFixture(t)
	for i, o := range f.drainOutputs() {
		if err := g.ctrl.Replay(o.Payload, o.Envelope); err != nil {
			t.Fatalf("replay output %d (%s): %v", i, o.Envelope.EventType, err)
		}
	}

	if g.ctrl.Sequence() != f.ctrl.Sequence() {
		t.Errorf("sequence: got %d, want %d", g.ctrl.Sequence(), f.ctrl.Sequence())
	}
	if g.ctrl.StateHash() != f.ctrl.StateHash() {
		t.Error("replay diverged from the live hash-chain tip")
	}
	for _, asset := range []string{"aUSDC", "aDAI"} {
		got := g.ctrl.AccruedBalance(asset, "REW", user)
		want := f.ctrl.AccruedBalance(asset, "REW", user)
		if got.Cmp(want) != 0 {
			t.Errorf("%s accrued: got %s, want %s", asset, got, want)
		}
	}
	if !g.ctrl.IsExcluded(excluded, "aUSDC") {
		t.Error("exclusion lost in replay")
	}
	if g.ctrl.ClaimerFor(user) != delegate {
		t.Error("delegation lost in replay")
	}
	if got := g.ctrl.ScaledBalanceOf("aUSDC", user); got.Int64() != 1_000_000 {
		t.Errorf("mirror balance: got %s", got)
	}
	if g.vault.Balance("REW").Int64() != 1_000_000 {
		t.Error("replay must not run transfer strategies")
	}
}

func TestRestore_DoesNotReProbeOracle(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.SetRewardOracle(f.manager, "REW", "static"); err != nil {
		t.Fatal(err)
	}
	snap := f.ctrl.Export()

	// Restore against a catalog whose feed is now dead: binding survives,
	// the probe is an install-time check only.
	g := &fixture{manager: f.manager, clock: &fakeClock{now: t0}}
	g.ctrl = incentives.NewController(incentives.ControllerConfig{
		EmissionManager: g.manager,
		StrategyCatalog: payout.Catalog{"treasury": payout.NewTreasuryVault(), "failing": failingStrategy{}},
		OracleCatalog:   oracle.Catalog{"static": oracle.NewStaticFeed(0)},
		Logger:          zerolog.Nop(),
		Now:             g.clock.Now,
	})
	if err := g.ctrl.RestoreState(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if name, ok := g.ctrl.OracleFor("REW"); !ok || name != "static" {
		t.Errorf("oracle binding lost: %q/%v", name, ok)
	}
}
