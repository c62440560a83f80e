package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"confio/internal/db"
	"confio/internal/identity"
	"confio/internal/models"
	"confio/internal/store"
)

var (
	ErrOfferLimits      = errors.New("offer limits are inconsistent")
	ErrNotOfferOwner    = errors.New("not the owner of this offer")
	ErrNoPaymentMethods = errors.New("offer needs at least one payment method")
)

type OfferService struct {
	txRunner db.TxRunner
	offers   OfferStore
	audits   AuditStore
}

func NewOfferService(txRunner db.TxRunner, offers OfferStore, audits AuditStore) *OfferService {
	return &OfferService{txRunner: txRunner, offers: offers, audits: audits}
}

type CreateOfferRequest struct {
	Owner          identity.Participant
	Kind           string
	Token          string
	Rate           string
	MinAmountMinor int64
	MaxAmountMinor int64
	AvailableMinor int64
	CountryCode    string
	CurrencyCode   string
	PaymentMethods []string
}

func (s *OfferService) Create(ctx context.Context, req CreateOfferRequest) (models.Offer, error) {
	if req.Kind != models.OfferKindBuy && req.Kind != models.OfferKindSell {
		return models.Offer{}, ErrOfferLimits
	}
	if req.Token != models.TokenCUSD && req.Token != models.TokenCONFIO {
		return models.Offer{}, ErrUnknownToken
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil || !rate.IsPositive() {
		return models.Offer{}, ErrInvalidRate
	}
	if req.MinAmountMinor <= 0 || req.MaxAmountMinor < req.MinAmountMinor || req.AvailableMinor < req.MinAmountMinor {
		return models.Offer{}, ErrOfferLimits
	}
	if len(req.PaymentMethods) == 0 {
		return models.Offer{}, ErrNoPaymentMethods
	}

	offerID := uuid.NewString()
	ownerUserID, ownerBusinessID := req.Owner.Columns()
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.offers.Create(ctx, tx, store.OfferInput{
			ID:              offerID,
			OwnerUserID:     ownerUserID,
			OwnerBusinessID: ownerBusinessID,
			Kind:            req.Kind,
			Token:           req.Token,
			Rate:            req.Rate,
			MinAmountMinor:  req.MinAmountMinor,
			MaxAmountMinor:  req.MaxAmountMinor,
			AvailableMinor:  req.AvailableMinor,
			CountryCode:     req.CountryCode,
			CurrencyCode:    req.CurrencyCode,
			PaymentMethods:  req.PaymentMethods,
		}); err != nil {
			return err
		}
		return s.audits.Log(ctx, tx, req.Owner.String(), "offer.create", "offer", offerID, "")
	})
	if err != nil {
		return models.Offer{}, err
	}
	return s.offers.GetByID(ctx, offerID)
}

func (s *OfferService) Get(ctx context.Context, offerID string) (models.Offer, error) {
	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		if isNoRows(err) {
			return models.Offer{}, ErrOfferNotFound
		}
		return models.Offer{}, err
	}
	return offer, nil
}

func (s *OfferService) List(ctx context.Context, filter store.OfferFilter) ([]models.Offer, error) {
	return s.offers.List(ctx, filter)
}

// SetStatus lets the owner pause, resume or cancel an offer. Availability
// already reserved by open trades is unaffected.
func (s *OfferService) SetStatus(ctx context.Context, offerID string, actor identity.Participant, status string) (models.Offer, error) {
	switch status {
	case models.OfferStatusActive, models.OfferStatusPaused, models.OfferStatusCancelled:
	default:
		return models.Offer{}, ErrOfferLimits
	}
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		offer, err := s.offers.GetForUpdate(ctx, tx, offerID)
		if err != nil {
			if isNoRows(err) {
				return ErrOfferNotFound
			}
			return err
		}
		owner, err := offerOwner(offer)
		if err != nil {
			return err
		}
		if !owner.Equal(actor) {
			return ErrNotOfferOwner
		}
		if offer.Status == models.OfferStatusCancelled {
			return ErrOfferNotActive
		}
		if status == models.OfferStatusActive && offer.AvailableAmountMinor < offer.MinAmountMinor {
			return ErrInsufficientAvailability
		}
		if err := s.offers.UpdateStatus(ctx, tx, offerID, status); err != nil {
			return err
		}
		return s.audits.Log(ctx, tx, actor.String(), "offer.set_status", "offer", offerID, status)
	})
	if err != nil {
		return models.Offer{}, err
	}
	return s.offers.GetByID(ctx, offerID)
}
