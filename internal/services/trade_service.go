package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"confio/internal/db"
	"confio/internal/identity"
	"confio/internal/models"
	"confio/internal/money"
	"confio/internal/store"
	"confio/internal/trade"
	"confio/internal/websocket"
)

var (
	ErrTradeNotFound            = errors.New("trade not found")
	ErrOfferNotFound            = errors.New("offer not found")
	ErrOfferNotActive           = errors.New("offer not active")
	ErrSelfTrade                = errors.New("cannot trade against own offer")
	ErrAmountOutOfRange         = errors.New("amount outside offer limits")
	ErrInsufficientAvailability = errors.New("offer has insufficient availability")
	ErrPaymentMethodNotAccepted = errors.New("payment method not accepted by offer")
	ErrNotParticipant           = errors.New("not a participant of this trade")
	ErrInvalidTransition        = errors.New("operation not allowed in current trade status")
	ErrWrongRole                = errors.New("confirmation not allowed for this side of the trade")
	ErrDuplicateConfirmation    = errors.New("confirmation already recorded")
	ErrAMLHold                  = errors.New("account is under AML review")
	ErrKYCRequired              = errors.New("identity verification required")
	ErrCancelTooEarly           = errors.New("cancellation not yet allowed")
	ErrSponsorUnavailable       = errors.New("sponsored transactions unavailable")
	ErrInvalidRate              = errors.New("invalid offer rate")
)

// SponsorGate is consulted before a trade that will need sponsored groups is
// opened at all.
type SponsorGate interface {
	CanSponsor(ctx context.Context) (bool, error)
}

// TradeService drives the trade lifecycle. Every mutation locks the trade row
// and consults the transition table; escrow bookkeeping rides in the same
// transaction, chain settlement follows after commit.
type TradeService struct {
	txRunner      db.TxRunner
	trades        TradeStore
	offers        OfferStore
	confirmations ConfirmationStore
	messages      MessageStore
	users         UserStore
	audits        AuditStore
	tasks         TaskStore
	escrow        *EscrowService
	gate          SponsorGate
	hub           TradeHub
	tradeTTL      time.Duration
	cancelGrace   time.Duration
	autoComplete  bool
}

func NewTradeService(txRunner db.TxRunner, trades TradeStore, offers OfferStore, confirmations ConfirmationStore, messages MessageStore, users UserStore, audits AuditStore, tasks TaskStore, escrow *EscrowService, gate SponsorGate, hub TradeHub, tradeTTL, cancelGrace time.Duration, autoComplete bool) *TradeService {
	return &TradeService{
		txRunner:      txRunner,
		trades:        trades,
		offers:        offers,
		confirmations: confirmations,
		messages:      messages,
		users:         users,
		audits:        audits,
		tasks:         tasks,
		escrow:        escrow,
		gate:          gate,
		hub:           hub,
		tradeTTL:      tradeTTL,
		cancelGrace:   cancelGrace,
		autoComplete:  autoComplete,
	}
}

func tradeBuyer(t models.Trade) (identity.Participant, error) {
	return identity.FromColumns(t.BuyerUserID, t.BuyerBusinessID)
}

func tradeSeller(t models.Trade) (identity.Participant, error) {
	return identity.FromColumns(t.SellerUserID, t.SellerBusinessID)
}

func isParticipant(t models.Trade, p identity.Participant) bool {
	buyer, err := tradeBuyer(t)
	if err == nil && buyer.Equal(p) {
		return true
	}
	seller, err := tradeSeller(t)
	return err == nil && seller.Equal(p)
}

func offerOwner(o models.Offer) (identity.Participant, error) {
	return identity.FromColumns(o.OwnerUserID, o.OwnerBusinessID)
}

type CreateTradeRequest struct {
	OfferID           string
	Actor             identity.Participant
	CryptoAmountMinor int64
	PaymentMethod     string
	ClientRequestID   *string
}

// Create opens a trade against an offer. The offer row is locked so
// availability can never be reserved twice, and a client request id makes the
// call idempotent.
func (s *TradeService) Create(ctx context.Context, req CreateTradeRequest) (models.Trade, error) {
	if req.CryptoAmountMinor <= 0 {
		return models.Trade{}, ErrAmountOutOfRange
	}
	if req.Actor.Kind == identity.KindUser {
		user, err := s.users.GetByID(ctx, req.Actor.ID)
		if err != nil {
			return models.Trade{}, err
		}
		if user.AMLHold {
			return models.Trade{}, ErrAMLHold
		}
		if !user.KYCVerified {
			return models.Trade{}, ErrKYCRequired
		}
	}
	if req.ClientRequestID != nil {
		existing, err := s.trades.GetByClientRequestID(ctx, *req.ClientRequestID)
		if err == nil {
			return existing, nil
		}
		if !isNoRows(err) {
			return models.Trade{}, err
		}
	}
	ok, err := s.gate.CanSponsor(ctx)
	if err != nil {
		return models.Trade{}, err
	}
	if !ok {
		return models.Trade{}, ErrSponsorUnavailable
	}

	tradeID := uuid.NewString()
	expiresAt := time.Now().Add(s.tradeTTL)
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		offer, err := s.offers.GetForUpdate(ctx, tx, req.OfferID)
		if err != nil {
			if isNoRows(err) {
				return ErrOfferNotFound
			}
			return err
		}
		if offer.Status != models.OfferStatusActive {
			return ErrOfferNotActive
		}
		owner, err := offerOwner(offer)
		if err != nil {
			return err
		}
		if owner.Equal(req.Actor) {
			return ErrSelfTrade
		}
		if req.CryptoAmountMinor < offer.MinAmountMinor || req.CryptoAmountMinor > offer.MaxAmountMinor {
			return ErrAmountOutOfRange
		}
		if req.CryptoAmountMinor > offer.AvailableAmountMinor {
			return ErrInsufficientAvailability
		}
		if !store.AcceptsPaymentMethod(offer, req.PaymentMethod) {
			return ErrPaymentMethodNotAccepted
		}
		rate, err := decimal.NewFromString(offer.Rate)
		if err != nil {
			return ErrInvalidRate
		}

		// A SELL offer owner is selling crypto, so the taker buys; a BUY
		// offer owner is the buyer and the taker funds escrow.
		buyer, seller := req.Actor, owner
		if offer.Kind == models.OfferKindBuy {
			buyer, seller = owner, req.Actor
		}
		buyerUserID, buyerBusinessID := buyer.Columns()
		sellerUserID, sellerBusinessID := seller.Columns()

		if err := s.offers.AdjustAvailable(ctx, tx, offer.ID, -req.CryptoAmountMinor); err != nil {
			return err
		}
		if err := s.trades.Create(ctx, tx, store.TradeInput{
			ID:                tradeID,
			OfferID:           offer.ID,
			BuyerUserID:       buyerUserID,
			BuyerBusinessID:   buyerBusinessID,
			SellerUserID:      sellerUserID,
			SellerBusinessID:  sellerBusinessID,
			Token:             offer.Token,
			CryptoAmountMinor: req.CryptoAmountMinor,
			FiatAmountMinor:   money.FiatFromCrypto(req.CryptoAmountMinor, rate),
			RateUsed:          offer.Rate,
			PaymentMethod:     req.PaymentMethod,
			CountryCode:       offer.CountryCode,
			CurrencyCode:      offer.CurrencyCode,
			Status:            models.TradePending,
			ClientRequestID:   req.ClientRequestID,
			ExpiresAt:         expiresAt,
		}); err != nil {
			return err
		}
		return s.audits.Log(ctx, tx, req.Actor.String(), "trade.create", "trade", tradeID, "")
	})
	if err != nil {
		if db.IsUniqueViolation(err) && req.ClientRequestID != nil {
			return s.trades.GetByClientRequestID(ctx, *req.ClientRequestID)
		}
		return models.Trade{}, err
	}
	return s.trades.GetByID(ctx, tradeID)
}

type ConfirmRequest struct {
	TradeID   string
	Actor     identity.Participant
	Type      string
	Reference *string
	Notes     *string
	ProofURL  *string
}

// Confirm records one side's confirmation and advances the trade when the
// transition table allows it. Each (trade, type, confirmer) pair is accepted
// once. A trade whose deadline already passed is expired under the same lock
// and the confirmation rejected.
func (s *TradeService) Confirm(ctx context.Context, req ConfirmRequest) (models.Trade, error) {
	event, ok := trade.ConfirmationEvent(req.Type)
	if !ok {
		return models.Trade{}, ErrInvalidTransition
	}

	var newStatus string
	var released, expired, refunded bool
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		newStatus = ""
		released, expired, refunded = false, false, false
		locked, err := s.trades.GetForUpdate(ctx, tx, req.TradeID)
		if err != nil {
			if isNoRows(err) {
				return ErrTradeNotFound
			}
			return err
		}
		if deadlinePassed(locked) {
			if refunded, err = s.expireLocked(ctx, tx, locked); err != nil {
				return err
			}
			expired = true
			return nil
		}
		transition, ok := trade.Next(locked.Status, event)
		if !ok {
			return ErrInvalidTransition
		}
		if err := s.checkRole(locked, req.Actor, transition.By); err != nil {
			return err
		}
		userID, businessID := req.Actor.Columns()
		exists, err := s.confirmations.Exists(ctx, tx, req.TradeID, req.Type, userID, businessID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateConfirmation
		}
		if err := s.confirmations.Insert(ctx, tx, store.ConfirmationInput{
			ID:                  uuid.NewString(),
			TradeID:             req.TradeID,
			Type:                req.Type,
			ConfirmerUserID:     userID,
			ConfirmerBusinessID: businessID,
			Reference:           req.Reference,
			Notes:               req.Notes,
			ProofURL:            req.ProofURL,
		}); err != nil {
			return err
		}

		if transition.To != transition.From {
			if err := s.trades.UpdateStatus(ctx, tx, req.TradeID, transition.From, transition.To); err != nil {
				return err
			}
			newStatus = transition.To
		}

		switch event {
		case trade.EventConfirmPaymentSent:
			if err := s.trades.SetPaymentDetails(ctx, tx, req.TradeID, req.Reference, req.Notes); err != nil {
				return err
			}
			if err := insertSystemMessage(ctx, tx, s.messages, req.TradeID, sysPaymentSent); err != nil {
				return err
			}
		case trade.EventConfirmPaymentRecv:
			if err := insertSystemMessage(ctx, tx, s.messages, req.TradeID, sysPaymentReceived); err != nil {
				return err
			}
			if s.autoComplete {
				auto, ok := trade.Next(transition.To, trade.EventConfirmCryptoRelease)
				if !ok {
					return ErrInvalidTransition
				}
				if err := s.trades.UpdateStatus(ctx, tx, req.TradeID, auto.From, auto.To); err != nil {
					return err
				}
				newStatus = auto.To
				if err := s.escrow.ReleaseInTx(ctx, tx, req.TradeID, models.ReleaseNormal, 0, nil); err != nil {
					return err
				}
				released = true
			}
		case trade.EventConfirmCryptoRelease:
			if err := s.escrow.ReleaseInTx(ctx, tx, req.TradeID, models.ReleaseNormal, 0, nil); err != nil {
				return err
			}
			released = true
		}
		return s.audits.Log(ctx, tx, req.Actor.String(), "trade.confirm."+req.Type, "trade", req.TradeID, "")
	})
	if err != nil {
		return models.Trade{}, err
	}
	if expired {
		s.hub.BroadcastStatus(req.TradeID, websocket.StatusUpdate{Status: models.TradeExpired})
		if refunded {
			go s.escrow.TrySettle(context.WithoutCancel(ctx), req.TradeID)
		}
		return models.Trade{}, ErrInvalidTransition
	}

	if newStatus != "" {
		s.hub.BroadcastStatus(req.TradeID, websocket.StatusUpdate{Status: newStatus})
	}
	if released {
		go s.escrow.TrySettle(context.WithoutCancel(ctx), req.TradeID)
	}
	return s.trades.GetByID(ctx, req.TradeID)
}

func (s *TradeService) checkRole(t models.Trade, actor identity.Participant, role trade.Role) error {
	buyer, err := tradeBuyer(t)
	if err != nil {
		return err
	}
	seller, err := tradeSeller(t)
	if err != nil {
		return err
	}
	isBuyer := buyer.Equal(actor)
	isSeller := seller.Equal(actor)
	if !isBuyer && !isSeller {
		return ErrNotParticipant
	}
	switch role {
	case trade.RoleBuyer:
		if !isBuyer {
			return ErrWrongRole
		}
	case trade.RoleSeller:
		if !isSeller {
			return ErrWrongRole
		}
	}
	return nil
}

// Cancel aborts a trade that has not progressed past its payment window.
// Sellers on a funded trade must wait out the grace period so a buyer who
// already initiated a bank transfer is not pulled out from under.
func (s *TradeService) Cancel(ctx context.Context, tradeID string, actor identity.Participant) (models.Trade, error) {
	var refunded, expired bool
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		refunded, expired = false, false
		locked, err := s.trades.GetForUpdate(ctx, tx, tradeID)
		if err != nil {
			if isNoRows(err) {
				return ErrTradeNotFound
			}
			return err
		}
		if deadlinePassed(locked) {
			if refunded, err = s.expireLocked(ctx, tx, locked); err != nil {
				return err
			}
			expired = true
			return nil
		}
		transition, ok := trade.Next(locked.Status, trade.EventCancel)
		if !ok {
			return ErrInvalidTransition
		}
		seller, err := tradeSeller(locked)
		if err != nil {
			return err
		}
		if !isParticipant(locked, actor) {
			return ErrNotParticipant
		}
		if locked.Status == models.TradePaymentPending && seller.Equal(actor) && time.Since(locked.CreatedAt) < s.cancelGrace {
			return ErrCancelTooEarly
		}
		if err := s.trades.UpdateStatus(ctx, tx, tradeID, transition.From, transition.To); err != nil {
			return err
		}
		if err := s.offers.AdjustAvailable(ctx, tx, locked.OfferID, locked.CryptoAmountMinor); err != nil {
			return err
		}
		if locked.Status == models.TradePaymentPending {
			if err := s.escrow.ReleaseInTx(ctx, tx, tradeID, models.ReleaseRefund, 0, nil); err != nil {
				return err
			}
			refunded = true
		}
		if err := insertSystemMessage(ctx, tx, s.messages, tradeID, sysTradeCancelled); err != nil {
			return err
		}
		if err := enqueueRecompute(ctx, tx, s.tasks, locked); err != nil {
			return err
		}
		return s.audits.Log(ctx, tx, actor.String(), "trade.cancel", "trade", tradeID, "")
	})
	if err != nil {
		return models.Trade{}, err
	}
	if expired {
		s.hub.BroadcastStatus(tradeID, websocket.StatusUpdate{Status: models.TradeExpired})
		if refunded {
			go s.escrow.TrySettle(context.WithoutCancel(ctx), tradeID)
		}
		return models.Trade{}, ErrInvalidTransition
	}
	s.hub.BroadcastStatus(tradeID, websocket.StatusUpdate{Status: models.TradeCancelled})
	if refunded {
		go s.escrow.TrySettle(context.WithoutCancel(ctx), tradeID)
	}
	return s.trades.GetByID(ctx, tradeID)
}

// deadlinePassed reports whether a trade sits in an expirable status with its
// deadline behind us. Mutating operations and reads both consult it so an
// overdue trade can never be acted on as if it were still live.
func deadlinePassed(t models.Trade) bool {
	return trade.Expirable(t.Status) && t.ExpiresAt.Before(time.Now())
}

// expireLocked moves an overdue trade to EXPIRED inside the caller's
// transaction: availability goes back to the offer and a funded escrow is
// flagged for refund. Reports whether a refund was queued.
func (s *TradeService) expireLocked(ctx context.Context, tx *sqlx.Tx, locked models.Trade) (bool, error) {
	transition, ok := trade.Next(locked.Status, trade.EventExpire)
	if !ok {
		return false, ErrInvalidTransition
	}
	if err := s.trades.UpdateStatus(ctx, tx, locked.ID, transition.From, transition.To); err != nil {
		return false, err
	}
	if err := s.offers.AdjustAvailable(ctx, tx, locked.OfferID, locked.CryptoAmountMinor); err != nil {
		return false, err
	}
	refunded := false
	if locked.Status == models.TradePaymentPending {
		if err := s.escrow.ReleaseInTx(ctx, tx, locked.ID, models.ReleaseRefund, 0, nil); err != nil {
			return false, err
		}
		refunded = true
	}
	if err := enqueueRecompute(ctx, tx, s.tasks, locked); err != nil {
		return false, err
	}
	return refunded, insertSystemMessage(ctx, tx, s.messages, locked.ID, sysTradeExpired)
}

// Expire forces a trade whose deadline passed into EXPIRED, returning the
// reserved availability and refunding escrow when funded. Racing with a
// concurrent confirmation is resolved by the row lock: whoever commits first
// wins and the loser's transition is rejected.
func (s *TradeService) Expire(ctx context.Context, tradeID string) error {
	var refunded, expired bool
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		refunded, expired = false, false
		locked, err := s.trades.GetForUpdate(ctx, tx, tradeID)
		if err != nil {
			if isNoRows(err) {
				return ErrTradeNotFound
			}
			return err
		}
		if !deadlinePassed(locked) {
			return nil
		}
		refunded, err = s.expireLocked(ctx, tx, locked)
		if err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return err
	}
	if expired {
		s.hub.BroadcastStatus(tradeID, websocket.StatusUpdate{Status: models.TradeExpired})
	}
	if refunded {
		go s.escrow.TrySettle(context.WithoutCancel(ctx), tradeID)
	}
	return nil
}

// Get returns one trade to a participant, expiring it first when the
// deadline has already passed so readers never see a stale active state.
func (s *TradeService) Get(ctx context.Context, tradeID string, actor identity.Participant) (models.Trade, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return models.Trade{}, ErrTradeNotFound
		}
		return models.Trade{}, err
	}
	if !isParticipant(t, actor) {
		return models.Trade{}, ErrNotParticipant
	}
	if deadlinePassed(t) {
		if err := s.Expire(ctx, tradeID); err != nil {
			log.Printf("trade: forced expiry of %s failed: %v", tradeID, err)
		} else {
			return s.trades.GetByID(ctx, tradeID)
		}
	}
	return t, nil
}

func (s *TradeService) List(ctx context.Context, actor identity.Participant, limit, offset int) ([]models.Trade, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	userID, businessID := actor.Columns()
	return s.trades.ListByParticipant(ctx, userID, businessID, limit, offset)
}

func (s *TradeService) Confirmations(ctx context.Context, tradeID string, actor identity.Participant) ([]models.TradeConfirmation, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	if !isParticipant(t, actor) {
		return nil, ErrNotParticipant
	}
	return s.confirmations.ListByTrade(ctx, tradeID)
}

// SetAMLReview parks a trade for compliance review or lifts the hold,
// restoring the status the trade held before.
func (s *TradeService) SetAMLReview(ctx context.Context, tradeID string, hold bool, adminID string) error {
	var newStatus string
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.trades.GetForUpdate(ctx, tx, tradeID)
		if err != nil {
			if isNoRows(err) {
				return ErrTradeNotFound
			}
			return err
		}
		if hold {
			transition, ok := trade.Next(locked.Status, trade.EventAMLHold)
			if !ok {
				return ErrInvalidTransition
			}
			newStatus = transition.To
		} else {
			if _, ok := trade.Next(locked.Status, trade.EventAMLClear); !ok {
				return ErrInvalidTransition
			}
			if locked.PreviousStatus == nil {
				return ErrInvalidTransition
			}
			newStatus = *locked.PreviousStatus
		}
		if err := s.trades.UpdateStatus(ctx, tx, tradeID, locked.Status, newStatus); err != nil {
			return err
		}
		return s.audits.Log(ctx, tx, adminID, "trade.aml_review", "trade", tradeID, "")
	})
	if err != nil {
		return err
	}
	s.hub.BroadcastStatus(tradeID, websocket.StatusUpdate{Status: newStatus})
	return nil
}
