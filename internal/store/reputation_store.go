package store

import (
	"context"
	"database/sql"
	"time"

	"confio/internal/models"
)

type ReputationStore struct {
	db DB
}

func NewReputationStore(db DB) *ReputationStore {
	return &ReputationStore{db: db}
}

// Upsert replaces the full counter row for one identity. Recomputation is
// whole-history, so a plain overwrite keeps the operation idempotent.
func (s *ReputationStore) Upsert(ctx context.Context, tx Execer, counters models.ReputationCounters) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reputation_counters (user_id, business_id, total_trades,
			completed_trades, cancelled_trades, disputed_trades, success_rate,
			avg_rating, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identity_key) DO UPDATE SET
			total_trades = $3, completed_trades = $4, cancelled_trades = $5,
			disputed_trades = $6, success_rate = $7, avg_rating = $8,
			last_activity_at = $9
	`, counters.UserID, counters.BusinessID, counters.TotalTrades,
		counters.Completed, counters.Cancelled, counters.Disputed,
		counters.SuccessRate, counters.AvgRating, counters.LastActivityAt)
	return err
}

func (s *ReputationStore) GetFor(ctx context.Context, userID, businessID *string) (models.ReputationCounters, error) {
	var row models.ReputationCounters
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, business_id, total_trades, completed_trades,
		       cancelled_trades, disputed_trades, success_rate, avg_rating,
		       last_activity_at
		FROM reputation_counters
		WHERE (($1::text IS NOT NULL AND user_id = $1)
		   OR ($2::text IS NOT NULL AND business_id = $2))
	`, userID, businessID)
	if err == sql.ErrNoRows {
		now := time.Now()
		return models.ReputationCounters{
			UserID:         userID,
			BusinessID:     businessID,
			SuccessRate:    "0",
			AvgRating:      "0",
			LastActivityAt: &now,
		}, nil
	}
	return row, err
}
