package incentives

import (
	"fmt"
)

// SequenceValidator validates source sequences per asset partition in the
// balance-change feed.
// Not thread-safe — only accessed under the controller's operation lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // asset -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering for one asset partition
func (sv *SequenceValidator) ValidateSequence(
	asset string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[asset]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// Expected - already processed
			return nil
		}
		// Out-of-order delivery of a NEW event
		sv.metrics.RecordOutOfOrder(asset)
		return fmt.Errorf("out-of-order event: asset=%s, expected=%d, got=%d",
			asset, expected, sourceSequence)
	}

	if sourceSequence == expected {
		// Normal case - advance sequence
		sv.expectedNextSeq[asset] = expected + 1
		return nil
	}

	// sourceSequence > expected - gap detected
	sv.metrics.RecordGap(asset, expected, sourceSequence)
	return fmt.Errorf("sequence gap: asset=%s, expected=%d, got=%d",
		asset, expected, sourceSequence)
}

// GetExpectedSequence returns the next expected sequence for an asset
func (sv *SequenceValidator) GetExpectedSequence(asset string) int64 {
	return sv.expectedNextSeq[asset]
}

// SetExpectedSequence initializes the expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(asset string, seq int64) {
	sv.expectedNextSeq[asset] = seq
}

// Export returns the per-asset sequence state for snapshotting.
func (sv *SequenceValidator) Export() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed under the controller's operation lock.
type SequenceMetrics struct {
	gaps       map[string]int64 // asset -> gap count
	outOfOrder map[string]int64 // asset -> out-of-order count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(asset string, expected, got int64) {
	m.gaps[asset]++
}

func (m *SequenceMetrics) RecordOutOfOrder(asset string) {
	m.outOfOrder[asset]++
}

func (m *SequenceMetrics) GetGaps(asset string) int64 {
	return m.gaps[asset]
}

func (m *SequenceMetrics) GetOutOfOrder(asset string) int64 {
	return m.outOfOrder[asset]
}
