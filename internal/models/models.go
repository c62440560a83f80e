package models

import "time"

type User struct {
	ID            string    `db:"id" json:"id"`
	Username      string    `db:"username" json:"username"`
	Email         string    `db:"email" json:"email"`
	PasswordHash  string    `db:"password_hash" json:"-"`
	CountryCode   string    `db:"country_code" json:"country_code"`
	WalletAddress *string   `db:"wallet_address" json:"wallet_address,omitempty"`
	KYCVerified   bool      `db:"kyc_verified" json:"kyc_verified"`
	AMLHold       bool      `db:"aml_hold" json:"aml_hold"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

type Business struct {
	ID            string    `db:"id" json:"id"`
	OwnerUserID   string    `db:"owner_user_id" json:"owner_user_id"`
	Name          string    `db:"name" json:"name"`
	CountryCode   string    `db:"country_code" json:"country_code"`
	WalletAddress *string   `db:"wallet_address" json:"wallet_address,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

type BusinessEmployee struct {
	BusinessID string    `db:"business_id" json:"business_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	Role       string    `db:"role" json:"role"`
	CanTrade   bool      `db:"can_trade" json:"can_trade"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

const (
	OfferKindBuy  = "BUY"
	OfferKindSell = "SELL"

	OfferStatusActive    = "ACTIVE"
	OfferStatusPaused    = "PAUSED"
	OfferStatusCompleted = "COMPLETED"
	OfferStatusCancelled = "CANCELLED"

	TokenCUSD   = "CUSD"
	TokenCONFIO = "CONFIO"
)

type Offer struct {
	ID                   string    `db:"id" json:"id"`
	OwnerUserID          *string   `db:"owner_user_id" json:"owner_user_id,omitempty"`
	OwnerBusinessID      *string   `db:"owner_business_id" json:"owner_business_id,omitempty"`
	Kind                 string    `db:"kind" json:"kind"`
	Token                string    `db:"token" json:"token"`
	Rate                 string    `db:"rate" json:"rate"`
	MinAmountMinor       int64     `db:"min_amount" json:"min_amount"`
	MaxAmountMinor       int64     `db:"max_amount" json:"max_amount"`
	AvailableAmountMinor int64     `db:"available_amount" json:"available_amount"`
	CountryCode          string    `db:"country_code" json:"country_code"`
	CurrencyCode         string    `db:"currency_code" json:"currency_code"`
	PaymentMethods       string    `db:"payment_methods" json:"payment_methods"`
	Status               string    `db:"status" json:"status"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

const (
	TradePending          = "PENDING"
	TradePaymentPending   = "PAYMENT_PENDING"
	TradePaymentSent      = "PAYMENT_SENT"
	TradePaymentConfirmed = "PAYMENT_CONFIRMED"
	TradeCryptoReleased   = "CRYPTO_RELEASED"
	TradeCompleted        = "COMPLETED"
	TradeDisputed         = "DISPUTED"
	TradeCancelled        = "CANCELLED"
	TradeExpired          = "EXPIRED"
	TradeAMLReview        = "AML_REVIEW"
	TradeFailedSettlement = "FAILED_SETTLEMENT"
)

type Trade struct {
	ID                string     `db:"id" json:"id"`
	OfferID           string     `db:"offer_id" json:"offer_id"`
	BuyerUserID       *string    `db:"buyer_user_id" json:"buyer_user_id,omitempty"`
	BuyerBusinessID   *string    `db:"buyer_business_id" json:"buyer_business_id,omitempty"`
	SellerUserID      *string    `db:"seller_user_id" json:"seller_user_id,omitempty"`
	SellerBusinessID  *string    `db:"seller_business_id" json:"seller_business_id,omitempty"`
	Token             string     `db:"token" json:"token"`
	CryptoAmountMinor int64      `db:"crypto_amount" json:"crypto_amount"`
	FiatAmountMinor   int64      `db:"fiat_amount" json:"fiat_amount"`
	RateUsed          string     `db:"rate_used" json:"rate_used"`
	PaymentMethod     string     `db:"payment_method" json:"payment_method"`
	CountryCode       string     `db:"country_code" json:"country_code"`
	CurrencyCode      string     `db:"currency_code" json:"currency_code"`
	Status            string     `db:"status" json:"status"`
	PreviousStatus    *string    `db:"previous_status" json:"-"`
	PaymentReference  *string    `db:"payment_reference" json:"payment_reference,omitempty"`
	PaymentNotes      *string    `db:"payment_notes" json:"payment_notes,omitempty"`
	CryptoTxHash      *string    `db:"crypto_tx_hash" json:"crypto_tx_hash,omitempty"`
	ClientRequestID   *string    `db:"client_request_id" json:"-"`
	ExpiresAt         time.Time  `db:"expires_at" json:"expires_at"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

const (
	ReleaseNormal        = "NORMAL"
	ReleaseRefund        = "REFUND"
	ReleasePartialRefund = "PARTIAL_REFUND"
	ReleaseDispute       = "DISPUTE_RELEASE"
)

type Escrow struct {
	ID            string     `db:"id" json:"id"`
	TradeID       string     `db:"trade_id" json:"trade_id"`
	Token         string     `db:"token" json:"token"`
	AmountMinor   int64      `db:"escrow_amount" json:"escrow_amount"`
	IsEscrowed    bool       `db:"is_escrowed" json:"is_escrowed"`
	IsReleased    bool       `db:"is_released" json:"is_released"`
	ReleaseType   *string    `db:"release_type" json:"release_type,omitempty"`
	ReleaseMinor  *int64     `db:"release_amount" json:"release_amount,omitempty"`
	EscrowTxHash  *string    `db:"escrow_tx_hash" json:"escrow_tx_hash,omitempty"`
	ReleaseTxHash *string    `db:"release_tx_hash" json:"release_tx_hash,omitempty"`
	DisputeID     *string    `db:"dispute_id" json:"dispute_id,omitempty"`
	EscrowedAt    *time.Time `db:"escrowed_at" json:"escrowed_at,omitempty"`
	ReleasedAt    *time.Time `db:"released_at" json:"released_at,omitempty"`
}

const (
	ConfirmPaymentSent     = "PAYMENT_SENT"
	ConfirmPaymentReceived = "PAYMENT_RECEIVED"
	ConfirmCryptoReleased  = "CRYPTO_RELEASED"
	ConfirmCryptoReceived  = "CRYPTO_RECEIVED"
)

type TradeConfirmation struct {
	ID                  string    `db:"id" json:"id"`
	TradeID             string    `db:"trade_id" json:"trade_id"`
	Type                string    `db:"type" json:"type"`
	ConfirmerUserID     *string   `db:"confirmer_user_id" json:"confirmer_user_id,omitempty"`
	ConfirmerBusinessID *string   `db:"confirmer_business_id" json:"confirmer_business_id,omitempty"`
	Reference           *string   `db:"reference" json:"reference,omitempty"`
	Notes               *string   `db:"notes" json:"notes,omitempty"`
	ProofURL            *string   `db:"proof_url" json:"proof_url,omitempty"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

const (
	MessageText         = "TEXT"
	MessageSystem       = "SYSTEM"
	MessagePaymentProof = "PAYMENT_PROOF"
)

type TradeMessage struct {
	ID               string    `db:"id" json:"id"`
	TradeID          string    `db:"trade_id" json:"trade_id"`
	SenderUserID     *string   `db:"sender_user_id" json:"sender_user_id,omitempty"`
	SenderBusinessID *string   `db:"sender_business_id" json:"sender_business_id,omitempty"`
	Type             string    `db:"type" json:"type"`
	Content          string    `db:"content" json:"content"`
	AttachmentURL    *string   `db:"attachment_url" json:"attachment_url,omitempty"`
	AttachmentType   *string   `db:"attachment_type" json:"attachment_type,omitempty"`
	IsRead           bool      `db:"is_read" json:"is_read"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

const (
	DisputeOpen        = "OPEN"
	DisputeUnderReview = "UNDER_REVIEW"
	DisputeResolved    = "RESOLVED"
	DisputeEscalated   = "ESCALATED"

	ResolutionRefundBuyer     = "REFUND_BUYER"
	ResolutionReleaseToSeller = "RELEASE_TO_SELLER"
	ResolutionPartialRefund   = "PARTIAL_REFUND"
	ResolutionCancelled       = "CANCELLED"
	ResolutionNoAction        = "NO_ACTION"
)

type Dispute struct {
	ID                  string     `db:"id" json:"id"`
	TradeID             string     `db:"trade_id" json:"trade_id"`
	InitiatorUserID     *string    `db:"initiator_user_id" json:"initiator_user_id,omitempty"`
	InitiatorBusinessID *string    `db:"initiator_business_id" json:"initiator_business_id,omitempty"`
	Reason              string     `db:"reason" json:"reason"`
	Status              string     `db:"status" json:"status"`
	Priority            int        `db:"priority" json:"priority"`
	ResolutionType      *string    `db:"resolution_type" json:"resolution_type,omitempty"`
	ResolvedBy          *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
}

type DisputeEvidence struct {
	ID              string    `db:"id" json:"id"`
	DisputeID       string    `db:"dispute_id" json:"dispute_id"`
	ActorUserID     *string   `db:"actor_user_id" json:"actor_user_id,omitempty"`
	ActorBusinessID *string   `db:"actor_business_id" json:"actor_business_id,omitempty"`
	Description     string    `db:"description" json:"description"`
	URL             *string   `db:"url" json:"url,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

type Rating struct {
	ID              string    `db:"id" json:"id"`
	TradeID         string    `db:"trade_id" json:"trade_id"`
	RaterUserID     *string   `db:"rater_user_id" json:"rater_user_id,omitempty"`
	RaterBusinessID *string   `db:"rater_business_id" json:"rater_business_id,omitempty"`
	RateeUserID     *string   `db:"ratee_user_id" json:"ratee_user_id,omitempty"`
	RateeBusinessID *string   `db:"ratee_business_id" json:"ratee_business_id,omitempty"`
	Overall         int       `db:"overall_rating" json:"overall_rating"`
	Communication   *int      `db:"communication_rating" json:"communication_rating,omitempty"`
	Speed           *int      `db:"speed_rating" json:"speed_rating,omitempty"`
	Reliability     *int      `db:"reliability_rating" json:"reliability_rating,omitempty"`
	Comment         *string   `db:"comment" json:"comment,omitempty"`
	Tags            *string   `db:"tags" json:"tags,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

type ReputationCounters struct {
	UserID         *string    `db:"user_id" json:"user_id,omitempty"`
	BusinessID     *string    `db:"business_id" json:"business_id,omitempty"`
	TotalTrades    int64      `db:"total_trades" json:"total_trades"`
	Completed      int64      `db:"completed_trades" json:"completed_trades"`
	Cancelled      int64      `db:"cancelled_trades" json:"cancelled_trades"`
	Disputed       int64      `db:"disputed_trades" json:"disputed_trades"`
	SuccessRate    string     `db:"success_rate" json:"success_rate"`
	AvgRating      string     `db:"avg_rating" json:"avg_rating"`
	LastActivityAt *time.Time `db:"last_activity_at" json:"last_activity_at,omitempty"`
}

type Task struct {
	ID        string    `db:"id" json:"id"`
	Kind      string    `db:"kind" json:"kind"`
	EntityID  string    `db:"entity_id" json:"entity_id"`
	Payload   string    `db:"payload" json:"payload"`
	RunAt     time.Time `db:"run_at" json:"run_at"`
	Attempts  int       `db:"attempts" json:"attempts"`
	Done      bool      `db:"done" json:"done"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
