package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"RewardsLedger/internal/event"
	"RewardsLedger/internal/incentives"
	"RewardsLedger/internal/observability"
)

// Worker updates the queryable projection tables from committed events.
// The projection channel is non-blocking with drop: if this worker falls
// behind, the tables go stale until rebuilt, but the controller never
// stalls on it.
type Worker struct {
	db        *sql.DB
	inputChan <-chan incentives.Output
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan incentives.Output, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and can be
				// rebuilt, so a failed update is logged and skipped.
				w.log.Warn().
					Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
			}

			w.lastSeq = output.Envelope.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output incentives.Output) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, delta := range output.Accrued {
		if err := w.upsertAccrued(ctx, tx, output.Envelope.Sequence, delta); err != nil {
			return fmt.Errorf("accrued projection: %w", err)
		}
	}

	if claimed, ok := output.Payload.(*event.RewardsClaimed); ok {
		if err := w.insertClaim(ctx, tx, output.Envelope.Sequence, claimed); err != nil {
			return fmt.Errorf("claim projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Envelope.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues("accrued").Observe(time.Since(start).Seconds())
	}
	return nil
}

// upsertAccrued writes the post-operation value of one accrued counter.
// Values are absolute, not increments, so out-of-order application within
// one (asset, reward, user) key is guarded by last_sequence.
func (w *Worker) upsertAccrued(ctx context.Context, tx *sql.Tx, sequence int64, delta incentives.AccruedDelta) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.accrued (asset, reward, user_id, accrued, last_sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (asset, reward, user_id)
		DO UPDATE SET accrued = $4, last_sequence = $5
		WHERE projections.accrued.last_sequence < $5
	`, delta.Asset, delta.Reward, delta.User.String(), delta.Accrued.String(), sequence)
	return err
}

func (w *Worker) insertClaim(ctx context.Context, tx *sql.Tx, sequence int64, claimed *event.RewardsClaimed) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.claims
			(claim_id, sequence, user_id, recipient, claimer, reward, amount, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (claim_id) DO NOTHING
	`, claimed.ClaimID.String(), sequence, claimed.UserID.String(), claimed.Recipient.String(),
		claimed.Claimer.String(), claimed.Reward, claimed.Amount.String(), claimed.Timestamp)
	return err
}

// Rebuild repopulates the projection tables. Claims rebuild directly from
// the durable claim log; accrued counters rebuild from the controller's
// current state, which the caller passes in after recovery.
func Rebuild(ctx context.Context, db *sql.DB, accrued []incentives.AccruedDelta, asOfSequence int64) error {
	truncateStatements := []string{
		`TRUNCATE projections.accrued`,
		`TRUNCATE projections.claims`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.claims
			(claim_id, sequence, user_id, recipient, claimer, reward, amount, timestamp)
		SELECT claim_id, sequence, user_id, recipient, claimer, reward, amount, timestamp
		FROM reward_log.claims
		ON CONFLICT (claim_id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild claims: %w", err)
	}

	for _, delta := range accrued {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO projections.accrued (asset, reward, user_id, accrued, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (asset, reward, user_id)
			DO UPDATE SET accrued = $4, last_sequence = $5
		`, delta.Asset, delta.Reward, delta.User.String(), delta.Accrued.String(), asOfSequence); err != nil {
			return fmt.Errorf("rebuild accrued: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, asOfSequence); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	return nil
}
