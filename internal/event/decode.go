package event

import (
	"encoding/json"
	"fmt"
)

// Decode reconstructs a typed event from its stored JSON payload.
// Used during recovery when replaying the event log.
func Decode(et EventType, data []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeBalanceChanged:
		evt = &BalanceChanged{}
	case EventTypeAssetConfigured:
		evt = &AssetConfigured{}
	case EventTypeExclusionUpdated:
		evt = &ExclusionUpdated{}
	case EventTypeClaimerSet:
		evt = &ClaimerSet{}
	case EventTypeStrategyInstalled:
		evt = &StrategyInstalled{}
	case EventTypeOracleUpdated:
		evt = &OracleUpdated{}
	case EventTypeRewardsClaimed:
		evt = &RewardsClaimed{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}

	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
