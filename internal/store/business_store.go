package store

import (
	"context"
	"database/sql"

	"confio/internal/models"
)

type BusinessStore struct {
	db DB
}

func NewBusinessStore(db DB) *BusinessStore {
	return &BusinessStore{db: db}
}

func (s *BusinessStore) Create(ctx context.Context, tx Execer, id, ownerUserID, name, countryCode string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO businesses (id, owner_user_id, name, country_code)
		VALUES ($1, $2, $3, $4)
	`, id, ownerUserID, name, countryCode)
	return err
}

func (s *BusinessStore) GetByID(ctx context.Context, businessID string) (models.Business, error) {
	var row models.Business
	err := s.db.GetContext(ctx, &row, `
		SELECT id, owner_user_id, name, country_code, wallet_address, created_at
		FROM businesses WHERE id = $1
	`, businessID)
	return row, err
}

func (s *BusinessStore) SetWalletAddress(ctx context.Context, tx Execer, businessID, address string) error {
	_, err := tx.ExecContext(ctx, `UPDATE businesses SET wallet_address = $1 WHERE id = $2`, address, businessID)
	return err
}

func (s *BusinessStore) AddEmployee(ctx context.Context, tx Execer, businessID, userID, role string, canTrade bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO business_employees (business_id, user_id, role, can_trade)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (business_id, user_id) DO UPDATE SET role = $3, can_trade = $4
	`, businessID, userID, role, canTrade)
	return err
}

// Membership returns whether the user may act for the business and whether
// that membership carries the trade permission. Owners always can trade.
func (s *BusinessStore) Membership(ctx context.Context, businessID, userID string) (member bool, canTrade bool, err error) {
	var owner string
	err = s.db.GetContext(ctx, &owner, `SELECT owner_user_id FROM businesses WHERE id = $1`, businessID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, false, nil
		}
		return false, false, err
	}
	if owner == userID {
		return true, true, nil
	}
	var allowed bool
	err = s.db.GetContext(ctx, &allowed, `
		SELECT can_trade FROM business_employees
		WHERE business_id = $1 AND user_id = $2
	`, businessID, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, false, nil
		}
		return false, false, err
	}
	return true, allowed, nil
}

func (s *BusinessStore) ListByUser(ctx context.Context, userID string) ([]models.Business, error) {
	var rows []models.Business
	err := s.db.SelectContext(ctx, &rows, `
		SELECT b.id, b.owner_user_id, b.name, b.country_code, b.wallet_address, b.created_at
		FROM businesses b
		LEFT JOIN business_employees e ON e.business_id = b.id
		WHERE b.owner_user_id = $1 OR e.user_id = $1
		GROUP BY b.id
		ORDER BY b.created_at
	`, userID)
	return rows, err
}
