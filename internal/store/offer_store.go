package store

import (
	"context"
	"strings"

	"confio/internal/models"
)

type OfferStore struct {
	db DB
}

func NewOfferStore(db DB) *OfferStore {
	return &OfferStore{db: db}
}

const offerColumns = `id, owner_user_id, owner_business_id, kind, token, rate,
	min_amount, max_amount, available_amount, country_code, currency_code,
	payment_methods, status, created_at`

type OfferInput struct {
	ID              string
	OwnerUserID     *string
	OwnerBusinessID *string
	Kind            string
	Token           string
	Rate            string
	MinAmountMinor  int64
	MaxAmountMinor  int64
	AvailableMinor  int64
	CountryCode     string
	CurrencyCode    string
	PaymentMethods  []string
}

func (s *OfferStore) Create(ctx context.Context, tx Execer, input OfferInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO offers (id, owner_user_id, owner_business_id, kind, token, rate,
			min_amount, max_amount, available_amount, country_code, currency_code,
			payment_methods, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'ACTIVE')
	`, input.ID, input.OwnerUserID, input.OwnerBusinessID, input.Kind, input.Token,
		input.Rate, input.MinAmountMinor, input.MaxAmountMinor, input.AvailableMinor,
		input.CountryCode, input.CurrencyCode, strings.Join(input.PaymentMethods, ","))
	return err
}

func (s *OfferStore) GetByID(ctx context.Context, offerID string) (models.Offer, error) {
	var row models.Offer
	err := s.db.GetContext(ctx, &row, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, offerID)
	return row, err
}

func (s *OfferStore) GetForUpdate(ctx context.Context, tx Getter, offerID string) (models.Offer, error) {
	var row models.Offer
	err := tx.GetContext(ctx, &row, `
		SELECT `+offerColumns+`
		FROM offers WHERE id = $1
		FOR UPDATE
	`, offerID)
	return row, err
}

// AdjustAvailable moves available_amount by delta and keeps the status
// consistent: an offer drops out of ACTIVE once it can no longer cover its
// own minimum, and returns when availability is restored.
func (s *OfferStore) AdjustAvailable(ctx context.Context, tx Execer, offerID string, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE offers
		SET available_amount = available_amount + $1,
		    status = CASE
			WHEN status IN ('CANCELLED', 'PAUSED') THEN status
			WHEN available_amount + $1 < min_amount THEN 'COMPLETED'
			ELSE 'ACTIVE'
		    END
		WHERE id = $2
	`, delta, offerID)
	return err
}

func (s *OfferStore) UpdateStatus(ctx context.Context, tx Execer, offerID, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE offers SET status = $1 WHERE id = $2`, status, offerID)
	return err
}

type OfferFilter struct {
	Kind        string
	Token       string
	CountryCode string
	Limit       int
	Offset      int
}

func (s *OfferStore) List(ctx context.Context, filter OfferFilter) ([]models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE status = 'ACTIVE'`
	args := []any{}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += ` AND kind = $` + itoa(len(args))
	}
	if filter.Token != "" {
		args = append(args, filter.Token)
		query += ` AND token = $` + itoa(len(args))
	}
	if filter.CountryCode != "" {
		args = append(args, filter.CountryCode)
		query += ` AND country_code = $` + itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args))
	args = append(args, filter.Offset)
	query += ` OFFSET $` + itoa(len(args))

	var rows []models.Offer
	err := s.db.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

// AcceptsPaymentMethod checks an opaque payment-method id against the offer's
// accepted set.
func AcceptsPaymentMethod(offer models.Offer, methodID string) bool {
	for _, m := range strings.Split(offer.PaymentMethods, ",") {
		if strings.TrimSpace(m) == methodID {
			return true
		}
	}
	return false
}
