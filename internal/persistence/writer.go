package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"RewardsLedger/internal/event"
	"RewardsLedger/internal/incentives"
)

// EventLogWriter writes committed events and claim records to Postgres
// using multi-row INSERT. Inserts are idempotent on the sequence / claim_id
// keys so a replayed batch after a crash is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in reward_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Asset          *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// ClaimRow represents a row in reward_log.claims.
type ClaimRow struct {
	ClaimID   string
	Sequence  int64
	UserID    string
	Recipient string
	Claimer   string
	Reward    string
	Amount    string // decimal string, unbounded precision
	Drains    []byte // JSON [{asset, amount}] breakdown
	Timestamp time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// BuildEventRow converts a controller output into its event-log row.
func BuildEventRow(out incentives.Output) EventRow {
	env := out.Envelope
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Payload:        MarshalPayload(out.Payload),
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// BuildClaimRow converts a RewardsClaimed output into its claims row.
// Returns false for outputs that are not claims.
func BuildClaimRow(out incentives.Output) (ClaimRow, bool) {
	claimed, ok := out.Payload.(*event.RewardsClaimed)
	if !ok {
		return ClaimRow{}, false
	}
	return ClaimRow{
		ClaimID:   claimed.ClaimID.String(),
		Sequence:  out.Envelope.Sequence,
		UserID:    claimed.UserID.String(),
		Recipient: claimed.Recipient.String(),
		Claimer:   claimed.Claimer.String(),
		Reward:    claimed.Reward,
		Amount:    claimed.Amount.String(),
		Drains:    MarshalPayload(claimed.Drains),
		Timestamp: claimed.Timestamp,
	}, true
}

// WriteEventBatch writes a batch of events within tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO reward_log.events
		(sequence, event_type, idempotency_key, asset, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Asset,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteClaimBatch writes a batch of claim rows within tx.
func (w *EventLogWriter) WriteClaimBatch(ctx context.Context, tx *sql.Tx, claims []ClaimRow) error {
	if len(claims) == 0 {
		return nil
	}

	query := `INSERT INTO reward_log.claims
		(claim_id, sequence, user_id, recipient, claimer, reward, amount, drains, timestamp)
		VALUES `

	values := make([]string, 0, len(claims))
	args := make([]interface{}, 0, len(claims)*9)

	for i, c := range claims {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			c.ClaimID, c.Sequence, c.UserID, c.Recipient,
			c.Claimer, c.Reward, c.Amount, c.Drains, c.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (claim_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MarshalPayload JSON-encodes an event payload. Payload structs are plain
// data; marshal cannot fail for them.
func MarshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
