package store

import (
	"context"

	"confio/internal/models"
)

type UserStore struct {
	db DB
}

func NewUserStore(db DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(ctx context.Context, tx Execer, id, username, email, passwordHash, countryCode string) error {
	query := `
		INSERT INTO users (id, username, email, password_hash, country_code)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := tx.ExecContext(ctx, query, id, username, email, passwordHash, countryCode)
	return err
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (models.User, error) {
	var row models.User
	err := s.db.GetContext(ctx, &row, `
		SELECT id, username, email, password_hash, country_code, wallet_address, kyc_verified, aml_hold, created_at
		FROM users WHERE email = $1
	`, email)
	return row, err
}

func (s *UserStore) GetByID(ctx context.Context, userID string) (models.User, error) {
	var row models.User
	err := s.db.GetContext(ctx, &row, `
		SELECT id, username, email, password_hash, country_code, wallet_address, kyc_verified, aml_hold, created_at
		FROM users WHERE id = $1
	`, userID)
	return row, err
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (models.User, error) {
	var row models.User
	err := s.db.GetContext(ctx, &row, `
		SELECT id, username, email, password_hash, country_code, wallet_address, kyc_verified, aml_hold, created_at
		FROM users WHERE username = $1
	`, username)
	return row, err
}

func (s *UserStore) SetWalletAddress(ctx context.Context, tx Execer, userID, address string) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET wallet_address = $1 WHERE id = $2`, address, userID)
	return err
}

func (s *UserStore) SetKYCVerified(ctx context.Context, tx Execer, userID string, verified bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET kyc_verified = $1 WHERE id = $2`, verified, userID)
	return err
}

func (s *UserStore) SetAMLHold(ctx context.Context, tx Execer, userID string, hold bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET aml_hold = $1 WHERE id = $2`, hold, userID)
	return err
}
