package store

import (
	"context"

	"confio/internal/models"
)

type ConfirmationStore struct {
	db DB
}

func NewConfirmationStore(db DB) *ConfirmationStore {
	return &ConfirmationStore{db: db}
}

type ConfirmationInput struct {
	ID                  string
	TradeID             string
	Type                string
	ConfirmerUserID     *string
	ConfirmerBusinessID *string
	Reference           *string
	Notes               *string
	ProofURL            *string
}

func (s *ConfirmationStore) Insert(ctx context.Context, tx Execer, input ConfirmationInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_confirmations (id, trade_id, type, confirmer_user_id,
			confirmer_business_id, reference, notes, proof_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, input.ID, input.TradeID, input.Type, input.ConfirmerUserID,
		input.ConfirmerBusinessID, input.Reference, input.Notes, input.ProofURL)
	return err
}

// Exists checks the (trade, type, confirmer identity) uniqueness rule.
func (s *ConfirmationStore) Exists(ctx context.Context, tx Getter, tradeID, confirmationType string, userID, businessID *string) (bool, error) {
	var count int
	err := tx.GetContext(ctx, &count, `
		SELECT COUNT(1) FROM trade_confirmations
		WHERE trade_id = $1 AND type = $2
		  AND (($3::text IS NOT NULL AND confirmer_user_id = $3)
		    OR ($4::text IS NOT NULL AND confirmer_business_id = $4))
	`, tradeID, confirmationType, userID, businessID)
	return count > 0, err
}

func (s *ConfirmationStore) ListByTrade(ctx context.Context, tradeID string) ([]models.TradeConfirmation, error) {
	var rows []models.TradeConfirmation
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, trade_id, type, confirmer_user_id, confirmer_business_id,
		       reference, notes, proof_url, created_at
		FROM trade_confirmations
		WHERE trade_id = $1
		ORDER BY created_at
	`, tradeID)
	return rows, err
}
