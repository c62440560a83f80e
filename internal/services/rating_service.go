package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"confio/internal/db"
	"confio/internal/identity"
	"confio/internal/models"
	"confio/internal/store"
	"confio/internal/websocket"
)

var (
	ErrAlreadyRated     = errors.New("trade already rated by this identity")
	ErrTradeNotRatable  = errors.New("trade cannot be rated in its current status")
	ErrRatingOutOfRange = errors.New("rating outside 1-5")
)

const TaskRecomputeReputation = "recompute_reputation"

func enqueueRecompute(ctx context.Context, tx store.Execer, tasks TaskStore, t models.Trade) error {
	buyer, err := tradeBuyer(t)
	if err != nil {
		return err
	}
	seller, err := tradeSeller(t)
	if err != nil {
		return err
	}
	for _, p := range []identity.Participant{buyer, seller} {
		if err := tasks.Enqueue(ctx, tx, uuid.NewString(), TaskRecomputeReputation, p.String(), "", time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// RatingService appends per-trade ratings and keeps the derived reputation
// counters in sync by recomputing them from full history.
type RatingService struct {
	txRunner   db.TxRunner
	trades     TradeStore
	ratings    RatingStore
	reputation ReputationStore
	tasks      TaskStore
	hub        TradeHub
}

func NewRatingService(txRunner db.TxRunner, trades TradeStore, ratings RatingStore, reputation ReputationStore, tasks TaskStore, hub TradeHub) *RatingService {
	return &RatingService{
		txRunner:   txRunner,
		trades:     trades,
		ratings:    ratings,
		reputation: reputation,
		tasks:      tasks,
		hub:        hub,
	}
}

type RateRequest struct {
	TradeID       string
	Rater         identity.Participant
	Overall       int
	Communication *int
	Speed         *int
	Reliability   *int
	Comment       *string
	Tags          *string
}

func validSubRating(value *int) bool {
	return value == nil || (*value >= 1 && *value <= 5)
}

// Rate records one identity's rating of its counterpart. Rating a trade that
// is still in its final confirmations closes it out.
func (s *RatingService) Rate(ctx context.Context, req RateRequest) (models.Rating, error) {
	if req.Overall < 1 || req.Overall > 5 {
		return models.Rating{}, ErrRatingOutOfRange
	}
	if !validSubRating(req.Communication) || !validSubRating(req.Speed) || !validSubRating(req.Reliability) {
		return models.Rating{}, ErrRatingOutOfRange
	}

	ratingID := uuid.NewString()
	var ratee identity.Participant
	var completedNow bool
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		completedNow = false
		locked, err := s.trades.GetForUpdate(ctx, tx, req.TradeID)
		if err != nil {
			if isNoRows(err) {
				return ErrTradeNotFound
			}
			return err
		}
		switch locked.Status {
		case models.TradePaymentConfirmed, models.TradeCryptoReleased, models.TradeCompleted:
		default:
			return ErrTradeNotRatable
		}
		buyer, err := tradeBuyer(locked)
		if err != nil {
			return err
		}
		seller, err := tradeSeller(locked)
		if err != nil {
			return err
		}
		switch {
		case buyer.Equal(req.Rater):
			ratee = seller
		case seller.Equal(req.Rater):
			ratee = buyer
		default:
			return ErrNotParticipant
		}

		raterUserID, raterBusinessID := req.Rater.Columns()
		exists, err := s.ratings.Exists(ctx, tx, req.TradeID, raterUserID, raterBusinessID)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyRated
		}
		rateeUserID, rateeBusinessID := ratee.Columns()
		if err := s.ratings.Insert(ctx, tx, store.RatingInput{
			ID:              ratingID,
			TradeID:         req.TradeID,
			RaterUserID:     raterUserID,
			RaterBusinessID: raterBusinessID,
			RateeUserID:     rateeUserID,
			RateeBusinessID: rateeBusinessID,
			Overall:         req.Overall,
			Communication:   req.Communication,
			Speed:           req.Speed,
			Reliability:     req.Reliability,
			Comment:         req.Comment,
			Tags:            req.Tags,
		}); err != nil {
			return err
		}

		if locked.Status != models.TradeCompleted {
			if err := s.trades.UpdateStatus(ctx, tx, req.TradeID, locked.Status, models.TradeCompleted); err != nil {
				return err
			}
			if err := s.trades.SetCompleted(ctx, tx, req.TradeID, time.Now()); err != nil {
				return err
			}
			completedNow = true
		}
		return enqueueRecompute(ctx, tx, s.tasks, locked)
	})
	if err != nil {
		return models.Rating{}, err
	}

	if completedNow {
		s.hub.BroadcastStatus(req.TradeID, websocket.StatusUpdate{Status: models.TradeCompleted})
	}
	// Counters converge through the queued task even if this inline pass
	// fails.
	if err := s.Recompute(ctx, ratee); err != nil {
		return models.Rating{}, err
	}

	return s.ratings.GetByID(ctx, ratingID)
}

// Recompute rebuilds one identity's counters from its entire trade and rating
// history. Running it twice over the same history lands on the same row.
func (s *RatingService) Recompute(ctx context.Context, p identity.Participant) error {
	userID, businessID := p.Columns()
	counts, err := s.trades.CountByOutcome(ctx, userID, businessID)
	if err != nil {
		return err
	}
	avg, err := s.ratings.AverageForRatee(ctx, userID, businessID)
	if err != nil {
		return err
	}
	successRate := "0"
	if counts.Total > 0 {
		successRate = decimal.NewFromInt(counts.Completed).
			Div(decimal.NewFromInt(counts.Total)).
			Round(4).String()
	}
	now := time.Now()
	return s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.reputation.Upsert(ctx, tx, models.ReputationCounters{
			UserID:         userID,
			BusinessID:     businessID,
			TotalTrades:    counts.Total,
			Completed:      counts.Completed,
			Cancelled:      counts.Cancelled,
			Disputed:       counts.Disputed,
			SuccessRate:    successRate,
			AvgRating:      avg,
			LastActivityAt: &now,
		})
	})
}

func (s *RatingService) ListForRatee(ctx context.Context, ratee identity.Participant, limit, offset int) ([]models.Rating, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	userID, businessID := ratee.Columns()
	return s.ratings.ListByRatee(ctx, userID, businessID, limit, offset)
}

func (s *RatingService) Reputation(ctx context.Context, p identity.Participant) (models.ReputationCounters, error) {
	userID, businessID := p.Columns()
	return s.reputation.GetFor(ctx, userID, businessID)
}
