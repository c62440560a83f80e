package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"confio/internal/identity"
	"confio/internal/models"
	"confio/internal/store"
	"confio/internal/websocket"
)

// Consumer-side store interfaces. Each service takes only the slice it needs;
// the concrete implementations live in internal/store.

type TradeStore interface {
	Create(ctx context.Context, tx store.Execer, input store.TradeInput) error
	GetByID(ctx context.Context, tradeID string) (models.Trade, error)
	GetForUpdate(ctx context.Context, tx store.Getter, tradeID string) (models.Trade, error)
	GetByClientRequestID(ctx context.Context, key string) (models.Trade, error)
	UpdateStatus(ctx context.Context, tx store.Execer, tradeID, from, to string) error
	SetPaymentDetails(ctx context.Context, tx store.Execer, tradeID string, reference, notes *string) error
	SetCryptoTxHash(ctx context.Context, tx store.Execer, tradeID, txHash string) error
	SetCompleted(ctx context.Context, tx store.Execer, tradeID string, at time.Time) error
	SetExpiresAt(ctx context.Context, tx store.Execer, tradeID string, at time.Time) error
	ListByParticipant(ctx context.Context, userID, businessID *string, limit, offset int) ([]models.Trade, error)
	ListExpiring(ctx context.Context, now time.Time, limit int) ([]string, error)
	CountByOutcome(ctx context.Context, userID, businessID *string) (store.TradeCounts, error)
}

type OfferStore interface {
	Create(ctx context.Context, tx store.Execer, input store.OfferInput) error
	GetByID(ctx context.Context, offerID string) (models.Offer, error)
	GetForUpdate(ctx context.Context, tx store.Getter, offerID string) (models.Offer, error)
	AdjustAvailable(ctx context.Context, tx store.Execer, offerID string, delta int64) error
	UpdateStatus(ctx context.Context, tx store.Execer, offerID, status string) error
	List(ctx context.Context, filter store.OfferFilter) ([]models.Offer, error)
}

type EscrowStore interface {
	Create(ctx context.Context, tx store.Execer, id, tradeID, token string, amountMinor int64, escrowTxHash *string, escrowedAt time.Time) error
	GetByTrade(ctx context.Context, tradeID string) (models.Escrow, error)
	GetByTradeForUpdate(ctx context.Context, tx store.Getter, tradeID string) (models.Escrow, error)
	MarkReleased(ctx context.Context, tx store.Execer, escrowID, releaseType string, releaseMinor int64, releaseTxHash, disputeID *string, at time.Time) (int64, error)
	SetReleaseTxHash(ctx context.Context, tx store.Execer, escrowID, txHash string) error
	ClaimSettlement(ctx context.Context, escrowID string, now time.Time, lease time.Duration) (bool, error)
	ClearSettlementClaim(ctx context.Context, escrowID string) error
}

type ConfirmationStore interface {
	Insert(ctx context.Context, tx store.Execer, input store.ConfirmationInput) error
	Exists(ctx context.Context, tx store.Getter, tradeID, confirmationType string, userID, businessID *string) (bool, error)
	ListByTrade(ctx context.Context, tradeID string) ([]models.TradeConfirmation, error)
}

type MessageStore interface {
	Insert(ctx context.Context, tx store.Execer, input store.MessageInput) error
	ListByTrade(ctx context.Context, tradeID string, limit, offset int) ([]models.TradeMessage, error)
	MarkRead(ctx context.Context, tx store.Execer, tradeID string, readerUserID, readerBusinessID *string) error
}

type DisputeStore interface {
	Create(ctx context.Context, tx store.Execer, input store.DisputeInput) error
	GetByID(ctx context.Context, disputeID string) (models.Dispute, error)
	GetForUpdate(ctx context.Context, tx store.Getter, disputeID string) (models.Dispute, error)
	GetByTrade(ctx context.Context, tradeID string) (models.Dispute, error)
	UpdateStatus(ctx context.Context, tx store.Execer, disputeID, status string) error
	Resolve(ctx context.Context, tx store.Execer, disputeID, resolutionType, resolvedBy string, at time.Time) error
	AddEvidence(ctx context.Context, tx store.Execer, input store.EvidenceInput) error
	ListEvidence(ctx context.Context, disputeID string) ([]models.DisputeEvidence, error)
	ListOpen(ctx context.Context, limit, offset int) ([]models.Dispute, error)
}

type RatingStore interface {
	Insert(ctx context.Context, tx store.Execer, input store.RatingInput) error
	GetByID(ctx context.Context, ratingID string) (models.Rating, error)
	Exists(ctx context.Context, tx store.Getter, tradeID string, raterUserID, raterBusinessID *string) (bool, error)
	ListByRatee(ctx context.Context, rateeUserID, rateeBusinessID *string, limit, offset int) ([]models.Rating, error)
	AverageForRatee(ctx context.Context, rateeUserID, rateeBusinessID *string) (string, error)
}

type ReputationStore interface {
	Upsert(ctx context.Context, tx store.Execer, counters models.ReputationCounters) error
	GetFor(ctx context.Context, userID, businessID *string) (models.ReputationCounters, error)
}

type TaskStore interface {
	Enqueue(ctx context.Context, tx store.Execer, id, kind, entityID, payload string, runAt time.Time) error
	ClaimDue(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]models.Task, error)
	MarkDone(ctx context.Context, tx store.Execer, taskID string) error
	Reschedule(ctx context.Context, tx store.Execer, taskID string, runAt time.Time) error
}

type UserStore interface {
	GetByID(ctx context.Context, userID string) (models.User, error)
}

type BusinessStore interface {
	GetByID(ctx context.Context, businessID string) (models.Business, error)
	Membership(ctx context.Context, businessID, userID string) (bool, bool, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

// TradeHub pushes real-time events to trade subscribers.
type TradeHub interface {
	BroadcastStatus(tradeID string, update websocket.StatusUpdate)
	BroadcastMessage(tradeID string, message websocket.ChatMessage)
	BroadcastDispute(tradeID string, payload any)
}

// Cache is the short-TTL store for prepared escrow groups.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

var ErrNoWalletAddress = errors.New("participant has no wallet address")

// AddressBook resolves a participant to its on-chain address.
type AddressBook interface {
	WalletAddress(ctx context.Context, p identity.Participant) (string, error)
}

type WalletDirectory struct {
	users      UserStore
	businesses BusinessStore
}

func NewWalletDirectory(users UserStore, businesses BusinessStore) *WalletDirectory {
	return &WalletDirectory{users: users, businesses: businesses}
}

func (d *WalletDirectory) WalletAddress(ctx context.Context, p identity.Participant) (string, error) {
	switch p.Kind {
	case identity.KindBusiness:
		business, err := d.businesses.GetByID(ctx, p.ID)
		if err != nil {
			return "", err
		}
		if business.WalletAddress == nil || *business.WalletAddress == "" {
			return "", ErrNoWalletAddress
		}
		return *business.WalletAddress, nil
	default:
		user, err := d.users.GetByID(ctx, p.ID)
		if err != nil {
			return "", err
		}
		if user.WalletAddress == nil || *user.WalletAddress == "" {
			return "", ErrNoWalletAddress
		}
		return *user.WalletAddress, nil
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
