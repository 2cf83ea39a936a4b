package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Service provides read-only access to the projection tables. Every
// response carries as_of_sequence — the projection watermark at read time
// — so callers can reason about freshness relative to the event log.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetAccrued returns a user's accrued counters, optionally filtered to one
// asset and/or one reward.
func (s *Service) GetAccrued(
	ctx context.Context,
	userID uuid.UUID,
	asset *string,
	reward *string,
) ([]AccruedResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT asset, reward, accrued
		FROM projections.accrued
		WHERE user_id = $1
	`
	args := []interface{}{userID.String()}
	argIdx := 2

	if asset != nil {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, *asset)
		argIdx++
	}
	if reward != nil {
		query += fmt.Sprintf(" AND reward = $%d", argIdx)
		args = append(args, *reward)
		argIdx++
	}
	query += " ORDER BY asset, reward"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AccruedResponse
	for rows.Next() {
		r := AccruedResponse{UserID: userID, AsOfSequence: asOfSeq}
		if err := rows.Scan(&r.Asset, &r.Reward, &r.Accrued); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetClaimHistory returns settled claims for a user with cursor-based
// pagination (claims strictly before afterSequence, newest first).
func (s *Service) GetClaimHistory(
	ctx context.Context,
	userID uuid.UUID,
	reward *string,
	limit int,
	afterSequence *int64,
) ([]ClaimHistoryResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT claim_id, sequence, user_id, recipient, claimer, reward, amount, timestamp
		FROM projections.claims
		WHERE user_id = $1
	`
	args := []interface{}{userID.String()}
	argIdx := 2

	if reward != nil {
		query += fmt.Sprintf(" AND reward = $%d", argIdx)
		args = append(args, *reward)
		argIdx++
	}
	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []ClaimHistoryResponse
	for rows.Next() {
		var h ClaimHistoryResponse
		var userStr, recipientStr, claimerStr string
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.ClaimID, &h.Sequence, &userStr, &recipientStr,
			&claimerStr, &h.Reward, &h.Amount, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		if h.UserID, err = uuid.Parse(userStr); err != nil {
			return nil, err
		}
		if h.Recipient, err = uuid.Parse(recipientStr); err != nil {
			return nil, err
		}
		if h.Claimer, err = uuid.Parse(claimerStr); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// VerifyIntegrity checks hash-chain continuity over the event log.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM reward_log.events e1
		LEFT JOIN reward_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
