package incentives

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"RewardsLedger/internal/assets"
	"RewardsLedger/internal/distribution"
	"RewardsLedger/internal/event"
	"RewardsLedger/internal/observability"
	"RewardsLedger/internal/oracle"
	"RewardsLedger/internal/payout"
	"RewardsLedger/internal/registry"
)

// Controller is the single entry point for every ledger operation: the
// balance-change feed, claims, and emission-manager configuration. One
// mutex serializes all of them, so each operation observes and produces a
// consistent state and the global sequence is gap-free.
type Controller struct {
	mu sync.Mutex

	sequence        int64
	emissionManager uuid.UUID

	registry *registry.ExclusionRegistry
	mirror   *assets.Mirror
	dist     *distribution.Distributor

	// Per-reward collaborators. Names are the catalog keys they were
	// installed under, kept for snapshots and queries.
	strategies    map[string]payout.Strategy
	strategyNames map[string]string
	oracles       map[string]oracle.PriceFeed
	oracleNames   map[string]string

	// Per-user claim delegation. One slot per user, overwritten on set.
	claimers map[uuid.UUID]uuid.UUID

	strategyCatalog payout.Catalog
	oracleCatalog   oracle.Catalog

	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	hasher       *StateHasher
	metrics      *observability.Metrics
	log          zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
	publishChan    chan<- Output

	now func() time.Time
}

// Output is one committed event leaving the controller: the envelope, the
// payload, and the projection deltas for every accrued counter the
// operation touched.
type Output struct {
	Envelope *event.EventEnvelope
	Payload  event.Event
	Accrued  []AccruedDelta
}

// AccruedDelta carries the post-operation value of one accrued counter.
type AccruedDelta struct {
	Asset   string
	Reward  string
	User    uuid.UUID
	Accrued *big.Int
}

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	EmissionManager uuid.UUID
	StrategyCatalog payout.Catalog
	OracleCatalog   oracle.Catalog

	DBChecker   DBIdempotencyChecker
	LRUCapacity int

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	PersistChan    chan<- Output
	ProjectionChan chan<- Output
	PublishChan    chan<- Output

	// Now supplies wall-clock time for command-origin operations (claims,
	// configuration). Balance events carry their own versioned timestamps.
	// Defaults to time.Now.
	Now func() time.Time
}

func NewController(cfg ControllerConfig) *Controller {
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		emissionManager: cfg.EmissionManager,
		registry:        registry.NewExclusionRegistry(),
		mirror:          assets.NewMirror(),
		dist:            distribution.NewDistributor(),
		strategies:      make(map[string]payout.Strategy),
		strategyNames:   make(map[string]string),
		oracles:         make(map[string]oracle.PriceFeed),
		oracleNames:     make(map[string]string),
		claimers:        make(map[uuid.UUID]uuid.UUID),
		strategyCatalog: cfg.StrategyCatalog,
		oracleCatalog:   cfg.OracleCatalog,
		idempotency:     NewIdempotencyChecker(capacity, cfg.DBChecker),
		seqValidator:    NewSequenceValidator(),
		hasher:          NewStateHasher(),
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
		persistChan:     cfg.PersistChan,
		projectionChan:  cfg.ProjectionChan,
		publishChan:     cfg.PublishChan,
		now:             now,
	}
}

// ProcessBalanceEvent applies one handle-action notification from the
// balance-change feed: the user's accrual is settled against the pre-change
// balance and supply, then the mirror takes the post-change values.
func (c *Controller) ProcessBalanceEvent(evt *event.BalanceChanged) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Per-asset source sequence validation
	if err := c.seqValidator.ValidateSequence(evt.Asset, evt.Sequence, idempotencyKey, isDuplicate); err != nil {
		if c.metrics != nil {
			c.metrics.EventsRejected.WithLabelValues(eventType, "sequence").Inc()
		}
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.EventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	uow := newUnitOfWork()

	// Step 3: Settle accrual against the PRE-change balance. Excluded users
	// accrue nothing; their balance reads as zero until re-included.
	if !c.registry.IsExcluded(evt.UserID, evt.Asset) {
		snapshot := []distribution.BalanceSnapshot{{
			Asset:               evt.Asset,
			Balance:             evt.OldBalance,
			AdjustedTotalSupply: c.adjustedFromRaw(evt.Asset, evt.OldTotalSupply),
		}}
		c.dist.RefreshAccrual(evt.UserID, snapshot, evt.Timestamp, uow)
		if c.metrics != nil {
			c.metrics.AccrualRefreshes.Inc()
		}
	}

	// Step 4: Install the post-change values into the mirror
	c.mirror.Apply(evt.Asset, evt.UserID, evt.NewBalance, evt.NewTotalSupply, uow)

	uow.emit(evt)
	c.commit(uow)

	if c.metrics != nil {
		c.metrics.EventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.EventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}

	return nil
}

// commit assigns sequences, extends the hash chain, and fans the pending
// events out to the persistence, projection, and publish workers. The
// projection deltas for every touched accrued counter ride on the first
// output. commit is the only path that makes an operation observable.
func (c *Controller) commit(uow *unitOfWork) {
	var accrued []AccruedDelta
	if len(uow.touchedOrder) > 0 {
		accrued = make([]AccruedDelta, 0, len(uow.touchedOrder))
		for _, key := range uow.touchedOrder {
			accrued = append(accrued, AccruedDelta{
				Asset:   key.Asset,
				Reward:  key.Reward,
				User:    key.User,
				Accrued: c.dist.Accrued(key.Asset, key.Reward, key.User),
			})
		}
	}

	for i, payload := range uow.pending {
		digest := eventDigest(payload)

		prevHash := c.hasher.GetPrevHash()
		stateHash := c.hasher.ComputeHash(c.sequence, digest)

		envelope := &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: payload.IdempotencyKey(),
			EventType:      payload.EventType(),
			Asset:          payload.AssetID(),
			Timestamp:      eventTimestamp(payload),
			SourceSequence: payload.SourceSequence(),
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}

		output := Output{
			Envelope: envelope,
			Payload:  payload,
		}
		if i == 0 {
			output.Accrued = accrued
		}

		c.sequence++

		// Persistence: blocking send — the controller stalls until the
		// persistence worker drains. No committed event is ever lost.
		if c.persistChan != nil {
			select {
			case c.persistChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.PersistBackpressure.Inc()
				}
				c.persistChan <- output
			}
		}

		// Projections: non-blocking send — drop on full. Projection workers
		// rebuild from the event log when they fall behind.
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.WithLabelValues("accrued").Inc()
				}
			}
		}

		// Outbound publish: non-blocking send — drop on full. Downstream
		// consumers resync from the query API.
		if c.publishChan != nil {
			select {
			case c.publishChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.PublishDrops.Inc()
				}
			}
		}

		c.idempotency.MarkProcessed(payload.EventType().String(), payload.IdempotencyKey())
	}

	uow.pending = nil
	uow.undo = nil

	if c.metrics != nil {
		c.metrics.Sequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
	}
}

// eventDigest produces the canonical bytes hashed into the state chain.
func eventDigest(payload event.Event) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload structs are plain data; marshal cannot fail for them.
		panic(fmt.Sprintf("FATAL: event marshal failed: %v", err))
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

// eventTimestamp extracts the versioned timestamp carried by the event.
// Balance events are stamped upstream; command events are stamped when the
// command was accepted.
func eventTimestamp(payload event.Event) time.Time {
	switch e := payload.(type) {
	case *event.BalanceChanged:
		return e.Timestamp
	case *event.RewardsClaimed:
		return e.Timestamp
	case *event.ExclusionUpdated:
		return e.Timestamp
	case *event.ClaimerSet:
		return e.Timestamp
	case *event.StrategyInstalled:
		return e.Timestamp
	case *event.OracleUpdated:
		return e.Timestamp
	case *event.AssetConfigured:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: eventTimestamp called with unhandled event type %T", payload))
	}
}

// --- Read accessors ---
// All take the operation lock so readers never observe a half-applied
// operation.

// Sequence returns the next global sequence to be assigned.
func (c *Controller) Sequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// StateHash returns the current hash-chain tip.
func (c *Controller) StateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}

// IsExcluded reports whether user is excluded from accrual on asset.
func (c *Controller) IsExcluded(user uuid.UUID, asset string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.IsExcluded(user, asset)
}

// ExcludedUsers returns the current exclusion list for asset.
func (c *Controller) ExcludedUsers(asset string) []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.ExcludedUsers(asset)
}

// ClaimerFor returns the authorized delegate for user (uuid.Nil when none).
func (c *Controller) ClaimerFor(user uuid.UUID) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimers[user]
}

// StrategyFor returns the installed strategy name for reward.
func (c *Controller) StrategyFor(reward string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.strategyNames[reward]
	return name, ok
}

// OracleFor returns the installed oracle name for reward.
func (c *Controller) OracleFor(reward string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.oracleNames[reward]
	return name, ok
}

// Rewards returns the known reward list in registration order.
func (c *Controller) Rewards() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dist.Rewards()
}

// AccruedBalance returns the user's stored accrued counter for one
// (asset, reward) pair. It does NOT advance indices; pending emission since
// the last settlement is not included.
func (c *Controller) AccruedBalance(asset, reward string, user uuid.UUID) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dist.Accrued(asset, reward, user)
}

// TotalAccrued sums the user's stored accrued counters for reward across
// the given assets.
func (c *Controller) TotalAccrued(user uuid.UUID, reward string, assetList []string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dist.AccruedForUser(user, reward, assetList)
}

// AdjustedTotalSupply returns asset's scaled total supply minus the live
// balances of its excluded users, clamped at zero.
func (c *Controller) AdjustedTotalSupply(asset string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustedTotalSupply(asset)
}

// AllAccrued exports every live accrued counter, used to seed projection
// rebuilds after recovery.
func (c *Controller) AllAccrued() []AccruedDelta {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.dist.Export()
	out := make([]AccruedDelta, 0, len(snap.Accrued))
	for _, a := range snap.Accrued {
		user, err := uuid.Parse(a.User)
		if err != nil {
			continue
		}
		amount, ok := new(big.Int).SetString(a.Amount, 10)
		if !ok {
			continue
		}
		out = append(out, AccruedDelta{Asset: a.Asset, Reward: a.Reward, User: user, Accrued: amount})
	}
	return out
}

// ScaledBalanceOf returns user's mirrored scaled balance on asset.
func (c *Controller) ScaledBalanceOf(asset string, user uuid.UUID) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.ScaledBalanceOf(asset, user)
}
