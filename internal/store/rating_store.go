package store

import (
	"context"

	"confio/internal/models"
)

type RatingStore struct {
	db DB
}

func NewRatingStore(db DB) *RatingStore {
	return &RatingStore{db: db}
}

type RatingInput struct {
	ID              string
	TradeID         string
	RaterUserID     *string
	RaterBusinessID *string
	RateeUserID     *string
	RateeBusinessID *string
	Overall         int
	Communication   *int
	Speed           *int
	Reliability     *int
	Comment         *string
	Tags            *string
}

func (s *RatingStore) Insert(ctx context.Context, tx Execer, input RatingInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ratings (id, trade_id, rater_user_id, rater_business_id,
			ratee_user_id, ratee_business_id, overall_rating, communication_rating,
			speed_rating, reliability_rating, comment, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, input.ID, input.TradeID, input.RaterUserID, input.RaterBusinessID,
		input.RateeUserID, input.RateeBusinessID, input.Overall, input.Communication,
		input.Speed, input.Reliability, input.Comment, input.Tags)
	return err
}

func (s *RatingStore) GetByID(ctx context.Context, ratingID string) (models.Rating, error) {
	var row models.Rating
	err := s.db.GetContext(ctx, &row, `
		SELECT id, trade_id, rater_user_id, rater_business_id, ratee_user_id,
		       ratee_business_id, overall_rating, communication_rating, speed_rating,
		       reliability_rating, comment, tags, created_at
		FROM ratings WHERE id = $1
	`, ratingID)
	return row, err
}

// Exists enforces one rating per (trade, rater identity).
func (s *RatingStore) Exists(ctx context.Context, tx Getter, tradeID string, raterUserID, raterBusinessID *string) (bool, error) {
	var count int
	err := tx.GetContext(ctx, &count, `
		SELECT COUNT(1) FROM ratings
		WHERE trade_id = $1
		  AND (($2::text IS NOT NULL AND rater_user_id = $2)
		    OR ($3::text IS NOT NULL AND rater_business_id = $3))
	`, tradeID, raterUserID, raterBusinessID)
	return count > 0, err
}

func (s *RatingStore) ListByRatee(ctx context.Context, rateeUserID, rateeBusinessID *string, limit, offset int) ([]models.Rating, error) {
	var rows []models.Rating
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, trade_id, rater_user_id, rater_business_id, ratee_user_id,
		       ratee_business_id, overall_rating, communication_rating, speed_rating,
		       reliability_rating, comment, tags, created_at
		FROM ratings
		WHERE (($1::text IS NOT NULL AND ratee_user_id = $1)
		   OR ($2::text IS NOT NULL AND ratee_business_id = $2))
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, rateeUserID, rateeBusinessID, limit, offset)
	return rows, err
}

// AverageForRatee computes the mean overall rating over the full history.
func (s *RatingStore) AverageForRatee(ctx context.Context, rateeUserID, rateeBusinessID *string) (string, error) {
	var avg string
	err := s.db.GetContext(ctx, &avg, `
		SELECT COALESCE(ROUND(AVG(overall_rating)::numeric, 2), 0)::text
		FROM ratings
		WHERE (($1::text IS NOT NULL AND ratee_user_id = $1)
		   OR ($2::text IS NOT NULL AND ratee_business_id = $2))
	`, rateeUserID, rateeBusinessID)
	return avg, err
}
