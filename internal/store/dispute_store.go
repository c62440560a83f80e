package store

import (
	"context"
	"time"

	"confio/internal/models"
)

type DisputeStore struct {
	db DB
}

func NewDisputeStore(db DB) *DisputeStore {
	return &DisputeStore{db: db}
}

const disputeColumns = `id, trade_id, initiator_user_id, initiator_business_id,
	reason, status, priority, resolution_type, resolved_by, resolved_at, created_at`

type DisputeInput struct {
	ID                  string
	TradeID             string
	InitiatorUserID     *string
	InitiatorBusinessID *string
	Reason              string
	Priority            int
}

func (s *DisputeStore) Create(ctx context.Context, tx Execer, input DisputeInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (id, trade_id, initiator_user_id, initiator_business_id,
			reason, status, priority)
		VALUES ($1, $2, $3, $4, $5, 'OPEN', $6)
	`, input.ID, input.TradeID, input.InitiatorUserID, input.InitiatorBusinessID,
		input.Reason, input.Priority)
	return err
}

func (s *DisputeStore) GetByID(ctx context.Context, disputeID string) (models.Dispute, error) {
	var row models.Dispute
	err := s.db.GetContext(ctx, &row, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, disputeID)
	return row, err
}

func (s *DisputeStore) GetForUpdate(ctx context.Context, tx Getter, disputeID string) (models.Dispute, error) {
	var row models.Dispute
	err := tx.GetContext(ctx, &row, `
		SELECT `+disputeColumns+`
		FROM disputes WHERE id = $1
		FOR UPDATE
	`, disputeID)
	return row, err
}

func (s *DisputeStore) GetByTrade(ctx context.Context, tradeID string) (models.Dispute, error) {
	var row models.Dispute
	err := s.db.GetContext(ctx, &row, `SELECT `+disputeColumns+` FROM disputes WHERE trade_id = $1`, tradeID)
	return row, err
}

func (s *DisputeStore) UpdateStatus(ctx context.Context, tx Execer, disputeID, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE disputes SET status = $1 WHERE id = $2`, status, disputeID)
	return err
}

func (s *DisputeStore) Resolve(ctx context.Context, tx Execer, disputeID, resolutionType, resolvedBy string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE disputes
		SET status = 'RESOLVED', resolution_type = $1, resolved_by = $2, resolved_at = $3
		WHERE id = $4
	`, resolutionType, resolvedBy, at, disputeID)
	return err
}

type EvidenceInput struct {
	ID              string
	DisputeID       string
	ActorUserID     *string
	ActorBusinessID *string
	Description     string
	URL             *string
}

func (s *DisputeStore) AddEvidence(ctx context.Context, tx Execer, input EvidenceInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dispute_evidence (id, dispute_id, actor_user_id, actor_business_id, description, url)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, input.ID, input.DisputeID, input.ActorUserID, input.ActorBusinessID,
		input.Description, input.URL)
	return err
}

func (s *DisputeStore) ListEvidence(ctx context.Context, disputeID string) ([]models.DisputeEvidence, error) {
	var rows []models.DisputeEvidence
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, dispute_id, actor_user_id, actor_business_id, description, url, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY created_at
	`, disputeID)
	return rows, err
}

func (s *DisputeStore) ListOpen(ctx context.Context, limit, offset int) ([]models.Dispute, error) {
	var rows []models.Dispute
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status IN ('OPEN', 'UNDER_REVIEW', 'ESCALATED')
		ORDER BY priority, created_at
		LIMIT $1 OFFSET $2
	`, limit, offset)
	return rows, err
}
