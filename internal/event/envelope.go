package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBalanceChanged
	EventTypeAssetConfigured
	EventTypeExclusionUpdated
	EventTypeClaimerSet
	EventTypeStrategyInstalled
	EventTypeOracleUpdated
	EventTypeRewardsClaimed
)

// EventEnvelope wraps every committed event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the controller
	Sequence int64

	// Stable idempotency key (upstream for balance events, generated for
	// command-origin events)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Asset context (nullable for per-reward and per-user events)
	Asset *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation (0 for command events)
	SourceSequence int64

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AssetID returns the asset context (nil for non-asset events)
	AssetID() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeBalanceChanged:
		return "BalanceChanged"
	case EventTypeAssetConfigured:
		return "AssetConfigured"
	case EventTypeExclusionUpdated:
		return "ExclusionUpdated"
	case EventTypeClaimerSet:
		return "ClaimerSet"
	case EventTypeStrategyInstalled:
		return "StrategyInstalled"
	case EventTypeOracleUpdated:
		return "OracleUpdated"
	case EventTypeRewardsClaimed:
		return "RewardsClaimed"
	default:
		return "Unknown"
	}
}

// TypeFromString maps the stored event_type column back to the discriminator.
func TypeFromString(s string) EventType {
	switch s {
	case "BalanceChanged":
		return EventTypeBalanceChanged
	case "AssetConfigured":
		return EventTypeAssetConfigured
	case "ExclusionUpdated":
		return EventTypeExclusionUpdated
	case "ClaimerSet":
		return EventTypeClaimerSet
	case "StrategyInstalled":
		return EventTypeStrategyInstalled
	case "OracleUpdated":
		return EventTypeOracleUpdated
	case "RewardsClaimed":
		return EventTypeRewardsClaimed
	default:
		return EventTypeUnknown
	}
}
