package store

import (
	"context"
	"time"

	"confio/internal/models"
)

type EscrowStore struct {
	db DB
}

func NewEscrowStore(db DB) *EscrowStore {
	return &EscrowStore{db: db}
}

const escrowColumns = `id, trade_id, token, escrow_amount, is_escrowed,
	is_released, release_type, release_amount, escrow_tx_hash, release_tx_hash,
	dispute_id, escrowed_at, released_at`

func (s *EscrowStore) Create(ctx context.Context, tx Execer, id, tradeID, token string, amountMinor int64, escrowTxHash *string, escrowedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrows (id, trade_id, token, escrow_amount, is_escrowed, escrow_tx_hash, escrowed_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)
	`, id, tradeID, token, amountMinor, escrowTxHash, escrowedAt)
	return err
}

func (s *EscrowStore) GetByTrade(ctx context.Context, tradeID string) (models.Escrow, error) {
	var row models.Escrow
	err := s.db.GetContext(ctx, &row, `SELECT `+escrowColumns+` FROM escrows WHERE trade_id = $1`, tradeID)
	return row, err
}

func (s *EscrowStore) GetByTradeForUpdate(ctx context.Context, tx Getter, tradeID string) (models.Escrow, error) {
	var row models.Escrow
	err := tx.GetContext(ctx, &row, `
		SELECT `+escrowColumns+`
		FROM escrows WHERE trade_id = $1
		FOR UPDATE
	`, tradeID)
	return row, err
}

func (s *EscrowStore) SetEscrowTxHash(ctx context.Context, tx Execer, escrowID, txHash string) error {
	_, err := tx.ExecContext(ctx, `UPDATE escrows SET escrow_tx_hash = $1 WHERE id = $2`, txHash, escrowID)
	return err
}

// MarkReleased flips the terminal release flags. Release is monotonic; the
// WHERE clause refuses a second release and the caller checks RowsAffected.
func (s *EscrowStore) MarkReleased(ctx context.Context, tx Execer, escrowID, releaseType string, releaseMinor int64, releaseTxHash, disputeID *string, at time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE escrows
		SET is_released = TRUE, release_type = $1, release_amount = $2,
		    release_tx_hash = $3, dispute_id = $4, released_at = $5
		WHERE id = $6 AND is_escrowed = TRUE AND is_released = FALSE
	`, releaseType, releaseMinor, releaseTxHash, disputeID, at, escrowID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *EscrowStore) SetReleaseTxHash(ctx context.Context, tx Execer, escrowID, txHash string) error {
	_, err := tx.ExecContext(ctx, `UPDATE escrows SET release_tx_hash = $1 WHERE id = $2`, txHash, escrowID)
	return err
}

// ClaimSettlement takes the single-flight claim on a released escrow that has
// no release hash yet. At most one settler holds a live claim; claims expire
// after the lease so a crashed settler does not block retries forever.
func (s *EscrowStore) ClaimSettlement(ctx context.Context, escrowID string, now time.Time, lease time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET settle_claimed_at = $1
		WHERE id = $2 AND is_released = TRUE AND release_tx_hash IS NULL
		  AND (settle_claimed_at IS NULL OR settle_claimed_at < $3)
	`, now, escrowID, now.Add(-lease))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *EscrowStore) ClearSettlementClaim(ctx context.Context, escrowID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE escrows SET settle_claimed_at = NULL WHERE id = $1`, escrowID)
	return err
}
