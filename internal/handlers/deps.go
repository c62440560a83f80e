package handlers

import (
	"context"

	"confio/internal/identity"
	"confio/internal/ledger"
	"confio/internal/models"
	"confio/internal/services"
	"confio/internal/store"
	"confio/internal/websocket"
)

type UserStore interface {
	Create(ctx context.Context, tx store.Execer, id, username, email, passwordHash, countryCode string) error
	GetByEmail(ctx context.Context, email string) (models.User, error)
	GetByUsername(ctx context.Context, username string) (models.User, error)
	GetByID(ctx context.Context, userID string) (models.User, error)
	SetWalletAddress(ctx context.Context, tx store.Execer, userID, address string) error
	SetKYCVerified(ctx context.Context, tx store.Execer, userID string, verified bool) error
}

type BusinessStore interface {
	Create(ctx context.Context, tx store.Execer, id, ownerUserID, name, countryCode string) error
	GetByID(ctx context.Context, businessID string) (models.Business, error)
	SetWalletAddress(ctx context.Context, tx store.Execer, businessID, address string) error
	AddEmployee(ctx context.Context, tx store.Execer, businessID, userID, role string, canTrade bool) error
	Membership(ctx context.Context, businessID, userID string) (bool, bool, error)
	ListByUser(ctx context.Context, userID string) ([]models.Business, error)
}

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error
	HasAnyAdmin(ctx context.Context) (bool, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	List(ctx context.Context, limit, offset int) ([]map[string]any, error)
}

type OfferService interface {
	Create(ctx context.Context, req services.CreateOfferRequest) (models.Offer, error)
	Get(ctx context.Context, offerID string) (models.Offer, error)
	List(ctx context.Context, filter store.OfferFilter) ([]models.Offer, error)
	SetStatus(ctx context.Context, offerID string, actor identity.Participant, status string) (models.Offer, error)
}

type TradeService interface {
	Create(ctx context.Context, req services.CreateTradeRequest) (models.Trade, error)
	Confirm(ctx context.Context, req services.ConfirmRequest) (models.Trade, error)
	Cancel(ctx context.Context, tradeID string, actor identity.Participant) (models.Trade, error)
	Get(ctx context.Context, tradeID string, actor identity.Participant) (models.Trade, error)
	List(ctx context.Context, actor identity.Participant, limit, offset int) ([]models.Trade, error)
	Confirmations(ctx context.Context, tradeID string, actor identity.Participant) ([]models.TradeConfirmation, error)
	SetAMLReview(ctx context.Context, tradeID string, hold bool, adminID string) error
}

type EscrowService interface {
	PrepareFunding(ctx context.Context, tradeID string, actor identity.Participant) (services.PreparedGroup, error)
	SubmitFunding(ctx context.Context, tradeID string, actor identity.Participant, signedUserTxn []byte) (models.Trade, error)
	PrepareOptIn(ctx context.Context, tradeID string, actor identity.Participant) (services.PreparedGroup, error)
	SubmitOptIn(ctx context.Context, tradeID string, actor identity.Participant, signedUserTxn []byte) (string, error)
	Status(ctx context.Context, tradeID string) (services.EscrowStatus, error)
}

type DisputeService interface {
	Open(ctx context.Context, tradeID string, actor identity.Participant, reason string) (models.Dispute, error)
	AddEvidence(ctx context.Context, disputeID string, actor identity.Participant, description string, url *string) error
	SetStatus(ctx context.Context, disputeID, status, adminID string) error
	Resolve(ctx context.Context, req services.ResolveRequest) (models.Dispute, error)
	Get(ctx context.Context, disputeID string) (models.Dispute, []models.DisputeEvidence, error)
	ListOpen(ctx context.Context, limit, offset int) ([]models.Dispute, error)
}

type RatingService interface {
	Rate(ctx context.Context, req services.RateRequest) (models.Rating, error)
	ListForRatee(ctx context.Context, ratee identity.Participant, limit, offset int) ([]models.Rating, error)
	Reputation(ctx context.Context, p identity.Participant) (models.ReputationCounters, error)
}

type MessageService interface {
	SaveMessage(ctx context.Context, tradeID string, sender identity.Participant, content string) (websocket.ChatMessage, error)
	List(ctx context.Context, tradeID string, actor identity.Participant, limit, offset int) ([]models.TradeMessage, error)
	MarkRead(ctx context.Context, tradeID string, reader identity.Participant) error
}

type SponsorMonitor interface {
	Check(ctx context.Context) (ledger.Health, error)
}
