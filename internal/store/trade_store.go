package store

import (
	"context"
	"fmt"
	"time"

	"confio/internal/models"
)

type TradeStore struct {
	db DB
}

func NewTradeStore(db DB) *TradeStore {
	return &TradeStore{db: db}
}

const tradeColumns = `id, offer_id, buyer_user_id, buyer_business_id,
	seller_user_id, seller_business_id, token, crypto_amount, fiat_amount,
	rate_used, payment_method, country_code, currency_code, status,
	previous_status, payment_reference, payment_notes, crypto_tx_hash,
	client_request_id, expires_at, completed_at, created_at`

type TradeInput struct {
	ID                string
	OfferID           string
	BuyerUserID       *string
	BuyerBusinessID   *string
	SellerUserID      *string
	SellerBusinessID  *string
	Token             string
	CryptoAmountMinor int64
	FiatAmountMinor   int64
	RateUsed          string
	PaymentMethod     string
	CountryCode       string
	CurrencyCode      string
	Status            string
	ClientRequestID   *string
	ExpiresAt         time.Time
}

func (s *TradeStore) Create(ctx context.Context, tx Execer, input TradeInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trades (id, offer_id, buyer_user_id, buyer_business_id,
			seller_user_id, seller_business_id, token, crypto_amount, fiat_amount,
			rate_used, payment_method, country_code, currency_code, status,
			client_request_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, input.ID, input.OfferID, input.BuyerUserID, input.BuyerBusinessID,
		input.SellerUserID, input.SellerBusinessID, input.Token,
		input.CryptoAmountMinor, input.FiatAmountMinor, input.RateUsed,
		input.PaymentMethod, input.CountryCode, input.CurrencyCode, input.Status,
		input.ClientRequestID, input.ExpiresAt)
	return err
}

func (s *TradeStore) GetByID(ctx context.Context, tradeID string) (models.Trade, error) {
	var row models.Trade
	err := s.db.GetContext(ctx, &row, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, tradeID)
	return row, err
}

func (s *TradeStore) GetForUpdate(ctx context.Context, tx Getter, tradeID string) (models.Trade, error) {
	var row models.Trade
	err := tx.GetContext(ctx, &row, `
		SELECT `+tradeColumns+`
		FROM trades WHERE id = $1
		FOR UPDATE
	`, tradeID)
	return row, err
}

func (s *TradeStore) GetByClientRequestID(ctx context.Context, key string) (models.Trade, error) {
	var row models.Trade
	err := s.db.GetContext(ctx, &row, `SELECT `+tradeColumns+` FROM trades WHERE client_request_id = $1`, key)
	return row, err
}

// UpdateStatus records the transition and remembers where the trade came
// from, so dispute NO_ACTION resolutions can restore the prior state.
func (s *TradeStore) UpdateStatus(ctx context.Context, tx Execer, tradeID, from, to string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trades SET status = $1, previous_status = $2 WHERE id = $3
	`, to, from, tradeID)
	return err
}

func (s *TradeStore) SetPaymentDetails(ctx context.Context, tx Execer, tradeID string, reference, notes *string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trades
		SET payment_reference = COALESCE($1, payment_reference),
		    payment_notes = COALESCE($2, payment_notes)
		WHERE id = $3
	`, reference, notes, tradeID)
	return err
}

func (s *TradeStore) SetCryptoTxHash(ctx context.Context, tx Execer, tradeID, txHash string) error {
	_, err := tx.ExecContext(ctx, `UPDATE trades SET crypto_tx_hash = $1 WHERE id = $2`, txHash, tradeID)
	return err
}

func (s *TradeStore) SetCompleted(ctx context.Context, tx Execer, tradeID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE trades SET completed_at = $1 WHERE id = $2`, at, tradeID)
	return err
}

func (s *TradeStore) SetExpiresAt(ctx context.Context, tx Execer, tradeID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE trades SET expires_at = $1 WHERE id = $2`, at, tradeID)
	return err
}

// ListByParticipant returns the trade list for one identity, active problems
// first, cancelled trades excluded.
func (s *TradeStore) ListByParticipant(ctx context.Context, userID, businessID *string, limit, offset int) ([]models.Trade, error) {
	var rows []models.Trade
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status <> 'CANCELLED'
		  AND (($1::text IS NOT NULL AND (buyer_user_id = $1 OR seller_user_id = $1))
		    OR ($2::text IS NOT NULL AND (buyer_business_id = $2 OR seller_business_id = $2)))
		ORDER BY CASE status
			WHEN 'DISPUTED' THEN 1
			WHEN 'PENDING' THEN 2
			WHEN 'PAYMENT_PENDING' THEN 3
			WHEN 'PAYMENT_SENT' THEN 4
			WHEN 'PAYMENT_CONFIRMED' THEN 5
			WHEN 'COMPLETED' THEN 6
			ELSE 999
		END, created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, businessID, limit, offset)
	return rows, err
}

// ListExpiring selects trades whose deadline has passed and that are still in
// an expirable state; the sweeper drives each through the state machine.
func (s *TradeStore) ListExpiring(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM trades
		WHERE expires_at <= $1 AND status IN ('PENDING', 'PAYMENT_PENDING')
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	return ids, err
}

// CountByOutcome aggregates one identity's trade history for reputation
// recomputation.
type TradeCounts struct {
	Total     int64 `db:"total"`
	Completed int64 `db:"completed"`
	Cancelled int64 `db:"cancelled"`
	Disputed  int64 `db:"disputed"`
}

func (s *TradeStore) CountByOutcome(ctx context.Context, userID, businessID *string) (TradeCounts, error) {
	var counts TradeCounts
	err := s.db.GetContext(ctx, &counts, `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'COMPLETED') AS completed,
		       COUNT(*) FILTER (WHERE status IN ('CANCELLED', 'EXPIRED')) AS cancelled,
		       COUNT(*) FILTER (WHERE status = 'DISPUTED') AS disputed
		FROM trades
		WHERE (($1::text IS NOT NULL AND (buyer_user_id = $1 OR seller_user_id = $1))
		   OR ($2::text IS NOT NULL AND (buyer_business_id = $2 OR seller_business_id = $2)))
	`, userID, businessID)
	return counts, err
}

func itoa(value int) string {
	return fmt.Sprintf("%d", value)
}
