package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"confio/internal/db"
	"confio/internal/identity"
	"confio/internal/models"
	"confio/internal/store"
	"confio/internal/trade"
	"confio/internal/websocket"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrDisputeClosed     = errors.New("dispute already resolved")
	ErrReasonTooShort    = errors.New("dispute reason too short")
	ErrUnknownResolution = errors.New("unknown resolution type")
	ErrNoPreviousStatus  = errors.New("trade has no status to restore")
)

// Trades at or above this amount are worked first.
const highValueThresholdMinor = 100_000

type DisputeService struct {
	txRunner db.TxRunner
	trades   TradeStore
	offers   OfferStore
	disputes DisputeStore
	messages MessageStore
	audits   AuditStore
	tasks    TaskStore
	escrow   *EscrowService
	hub      TradeHub
}

func NewDisputeService(txRunner db.TxRunner, trades TradeStore, offers OfferStore, disputes DisputeStore, messages MessageStore, audits AuditStore, tasks TaskStore, escrow *EscrowService, hub TradeHub) *DisputeService {
	return &DisputeService{
		txRunner: txRunner,
		trades:   trades,
		offers:   offers,
		disputes: disputes,
		messages: messages,
		audits:   audits,
		tasks:    tasks,
		escrow:   escrow,
		hub:      hub,
	}
}

// Open freezes the trade in DISPUTED and creates the case for the support
// queue. Either side can open one; the trade must still be live.
func (s *DisputeService) Open(ctx context.Context, tradeID string, actor identity.Participant, reason string) (models.Dispute, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < 10 {
		return models.Dispute{}, ErrReasonTooShort
	}
	disputeID := uuid.NewString()
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.trades.GetForUpdate(ctx, tx, tradeID)
		if err != nil {
			if isNoRows(err) {
				return ErrTradeNotFound
			}
			return err
		}
		if !isParticipant(locked, actor) {
			return ErrNotParticipant
		}
		transition, ok := trade.Next(locked.Status, trade.EventDisputeOpen)
		if !ok {
			return ErrInvalidTransition
		}
		priority := 2
		if locked.CryptoAmountMinor >= highValueThresholdMinor {
			priority = 1
		}
		userID, businessID := actor.Columns()
		if err := s.disputes.Create(ctx, tx, store.DisputeInput{
			ID:                  disputeID,
			TradeID:             tradeID,
			InitiatorUserID:     userID,
			InitiatorBusinessID: businessID,
			Reason:              reason,
			Priority:            priority,
		}); err != nil {
			return err
		}
		if err := s.trades.UpdateStatus(ctx, tx, tradeID, transition.From, transition.To); err != nil {
			return err
		}
		if err := insertSystemMessage(ctx, tx, s.messages, tradeID, sysDisputeOpened); err != nil {
			return err
		}
		return s.audits.Log(ctx, tx, actor.String(), "dispute.open", "dispute", disputeID, "")
	})
	if err != nil {
		return models.Dispute{}, err
	}
	s.hub.BroadcastStatus(tradeID, websocket.StatusUpdate{Status: models.TradeDisputed})
	return s.disputes.GetByID(ctx, disputeID)
}

func (s *DisputeService) AddEvidence(ctx context.Context, disputeID string, actor identity.Participant, description string, url *string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		return ErrEmptyMessage
	}
	dispute, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		if isNoRows(err) {
			return ErrDisputeNotFound
		}
		return err
	}
	if dispute.Status == models.DisputeResolved {
		return ErrDisputeClosed
	}
	t, err := s.trades.GetByID(ctx, dispute.TradeID)
	if err != nil {
		return err
	}
	if !isParticipant(t, actor) {
		return ErrNotParticipant
	}
	userID, businessID := actor.Columns()
	return s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.disputes.AddEvidence(ctx, tx, store.EvidenceInput{
			ID:              uuid.NewString(),
			DisputeID:       disputeID,
			ActorUserID:     userID,
			ActorBusinessID: businessID,
			Description:     description,
			URL:             url,
		})
	})
}

func (s *DisputeService) SetStatus(ctx context.Context, disputeID, status, adminID string) error {
	switch status {
	case models.DisputeUnderReview, models.DisputeEscalated:
	default:
		return ErrUnknownResolution
	}
	return s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		dispute, err := s.disputes.GetForUpdate(ctx, tx, disputeID)
		if err != nil {
			if isNoRows(err) {
				return ErrDisputeNotFound
			}
			return err
		}
		if dispute.Status == models.DisputeResolved {
			return ErrDisputeClosed
		}
		if err := s.disputes.UpdateStatus(ctx, tx, disputeID, status); err != nil {
			return err
		}
		return s.audits.Log(ctx, tx, adminID, "dispute.set_status", "dispute", disputeID, status)
	})
}

type ResolveRequest struct {
	DisputeID       string
	AdminID         string
	ResolutionType  string
	BuyerShareMinor int64
}

// Resolve applies the admin decision. The escrow holds the seller's crypto,
// so ruling for the buyer releases to the buyer and completes the trade,
// while ruling for the seller refunds the deposit and cancels it.
func (s *DisputeService) Resolve(ctx context.Context, req ResolveRequest) (models.Dispute, error) {
	var tradeID, finalStatus string
	var released bool
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		released = false
		dispute, err := s.disputes.GetForUpdate(ctx, tx, req.DisputeID)
		if err != nil {
			if isNoRows(err) {
				return ErrDisputeNotFound
			}
			return err
		}
		if dispute.Status == models.DisputeResolved {
			return ErrDisputeClosed
		}
		tradeID = dispute.TradeID
		locked, err := s.trades.GetForUpdate(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if _, ok := trade.Next(locked.Status, trade.EventDisputeResolve); !ok {
			return ErrInvalidTransition
		}

		release := func(releaseType string, buyerShare int64) error {
			err := s.escrow.ReleaseInTx(ctx, tx, tradeID, releaseType, buyerShare, &dispute.ID)
			if err == nil {
				released = true
				return nil
			}
			// A dispute opened before funding has nothing in custody.
			if errors.Is(err, ErrEscrowNotFound) {
				return nil
			}
			return err
		}

		now := time.Now()
		switch req.ResolutionType {
		case models.ResolutionRefundBuyer:
			finalStatus = models.TradeCompleted
			if err := release(models.ReleaseDispute, 0); err != nil {
				return err
			}
		case models.ResolutionPartialRefund:
			finalStatus = models.TradeCompleted
			if err := release(models.ReleasePartialRefund, req.BuyerShareMinor); err != nil {
				return err
			}
		case models.ResolutionReleaseToSeller, models.ResolutionCancelled:
			finalStatus = models.TradeCancelled
			if err := release(models.ReleaseRefund, 0); err != nil {
				return err
			}
			if err := s.offers.AdjustAvailable(ctx, tx, locked.OfferID, locked.CryptoAmountMinor); err != nil {
				return err
			}
		case models.ResolutionNoAction:
			if locked.PreviousStatus == nil {
				return ErrNoPreviousStatus
			}
			finalStatus = *locked.PreviousStatus
		default:
			return ErrUnknownResolution
		}

		if err := s.trades.UpdateStatus(ctx, tx, tradeID, locked.Status, finalStatus); err != nil {
			return err
		}
		if finalStatus == models.TradeCompleted {
			if err := s.trades.SetCompleted(ctx, tx, tradeID, now); err != nil {
				return err
			}
		}
		if err := s.disputes.Resolve(ctx, tx, req.DisputeID, req.ResolutionType, req.AdminID, now); err != nil {
			return err
		}
		if err := insertSystemMessage(ctx, tx, s.messages, tradeID, sysDisputeResolved); err != nil {
			return err
		}
		if err := enqueueRecompute(ctx, tx, s.tasks, locked); err != nil {
			return err
		}
		return s.audits.Log(ctx, tx, req.AdminID, "dispute.resolve", "dispute", req.DisputeID, req.ResolutionType)
	})
	if err != nil {
		return models.Dispute{}, err
	}

	s.hub.BroadcastStatus(tradeID, websocket.StatusUpdate{Status: finalStatus})
	s.hub.BroadcastDispute(tradeID, map[string]string{"dispute_id": req.DisputeID, "resolution": req.ResolutionType})
	if released {
		go s.escrow.TrySettle(context.WithoutCancel(ctx), tradeID)
	}
	return s.disputes.GetByID(ctx, req.DisputeID)
}

func (s *DisputeService) Get(ctx context.Context, disputeID string) (models.Dispute, []models.DisputeEvidence, error) {
	dispute, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		if isNoRows(err) {
			return models.Dispute{}, nil, ErrDisputeNotFound
		}
		return models.Dispute{}, nil, err
	}
	evidence, err := s.disputes.ListEvidence(ctx, disputeID)
	if err != nil {
		return models.Dispute{}, nil, err
	}
	return dispute, evidence, nil
}

func (s *DisputeService) ListOpen(ctx context.Context, limit, offset int) ([]models.Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.disputes.ListOpen(ctx, limit, offset)
}
