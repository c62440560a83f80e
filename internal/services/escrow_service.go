package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
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
	ErrEscrowNotFound        = errors.New("escrow not found")
	ErrEscrowNotFunded       = errors.New("escrow not funded")
	ErrEscrowAlreadyReleased = errors.New("escrow already released")
	ErrInvalidReleaseAmount  = errors.New("invalid release amount")
	ErrFundingNotPrepared    = errors.New("escrow funding not prepared")
	ErrOptInNotPrepared      = errors.New("opt-in not prepared")
	ErrAlreadyOptedIn        = errors.New("account already opted in to asset")
	ErrRecipientNotOptedIn   = errors.New("recipient not opted in to asset")
	ErrSettlementInFlight    = errors.New("settlement already in flight")
)

const (
	TaskSettleRelease = "settle_release"

	fundingPrepareTTL = 10 * time.Minute
	settleRetryDelay  = 30 * time.Second
	settleClaimLease  = 2 * time.Minute
	releaseGroupTTL   = time.Hour
)

func fundingCacheKey(tradeID string) string {
	return "escrow:prepare:" + tradeID
}

func releaseCacheKey(tradeID string) string {
	return "escrow:release:" + tradeID
}

func optInCacheKey(tradeID string, p identity.Participant) string {
	return "escrow:optin:" + tradeID + ":" + p.String()
}

// EscrowService owns the custody record of each trade and the on-chain moves
// that open and close it. Database state is the source of truth; chain
// settlement happens after commit and is retried from the task queue.
type EscrowService struct {
	txRunner  db.TxRunner
	trades    TradeStore
	escrows   EscrowStore
	tasks     TaskStore
	messages  MessageStore
	settler   Settler
	addresses AddressBook
	cache     Cache
	hub       TradeHub
	tradeTTL  time.Duration
}

func NewEscrowService(txRunner db.TxRunner, trades TradeStore, escrows EscrowStore, tasks TaskStore, messages MessageStore, settler Settler, addresses AddressBook, cache Cache, hub TradeHub, tradeTTL time.Duration) *EscrowService {
	return &EscrowService{
		txRunner:  txRunner,
		trades:    trades,
		escrows:   escrows,
		tasks:     tasks,
		messages:  messages,
		settler:   settler,
		addresses: addresses,
		cache:     cache,
		hub:       hub,
		tradeTTL:  tradeTTL,
	}
}

// PrepareFunding builds the sponsored deposit group for the seller to sign.
// The artifact is cached so the submit step can recover the sponsor leg.
func (s *EscrowService) PrepareFunding(ctx context.Context, tradeID string, actor identity.Participant) (PreparedGroup, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return PreparedGroup{}, ErrTradeNotFound
		}
		return PreparedGroup{}, err
	}
	seller, err := tradeSeller(t)
	if err != nil {
		return PreparedGroup{}, err
	}
	if !seller.Equal(actor) {
		return PreparedGroup{}, ErrNotParticipant
	}
	if t.Status != models.TradePending {
		return PreparedGroup{}, ErrInvalidTransition
	}
	sellerAddr, err := s.addresses.WalletAddress(ctx, seller)
	if err != nil {
		return PreparedGroup{}, err
	}
	prepared, err := s.settler.PrepareFunding(ctx, sellerAddr, t.Token, t.CryptoAmountMinor, t.ID)
	if err != nil {
		return PreparedGroup{}, err
	}
	encoded, err := json.Marshal(prepared)
	if err != nil {
		return PreparedGroup{}, err
	}
	if err := s.cache.Set(ctx, fundingCacheKey(t.ID), string(encoded), fundingPrepareTTL); err != nil {
		return PreparedGroup{}, err
	}
	return prepared, nil
}

// SubmitFunding submits the signed deposit, records the escrow and moves the
// trade into its payment window. The chain move happens before the database
// write; a crash in between is recovered by matching the group note.
func (s *EscrowService) SubmitFunding(ctx context.Context, tradeID string, actor identity.Participant, signedUserTxn []byte) (models.Trade, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return models.Trade{}, ErrTradeNotFound
		}
		return models.Trade{}, err
	}
	seller, err := tradeSeller(t)
	if err != nil {
		return models.Trade{}, err
	}
	if !seller.Equal(actor) {
		return models.Trade{}, ErrNotParticipant
	}
	if t.Status != models.TradePending {
		return models.Trade{}, ErrInvalidTransition
	}

	raw, ok, err := s.cache.Get(ctx, fundingCacheKey(tradeID))
	if err != nil {
		return models.Trade{}, err
	}
	if !ok {
		return models.Trade{}, ErrFundingNotPrepared
	}
	var prepared PreparedGroup
	if err := json.Unmarshal([]byte(raw), &prepared); err != nil {
		return models.Trade{}, ErrFundingNotPrepared
	}

	txHash, err := s.settler.SubmitPrepared(ctx, prepared, signedUserTxn)
	if err != nil {
		return models.Trade{}, err
	}

	newDeadline := time.Now().Add(s.tradeTTL)
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.trades.GetForUpdate(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if locked.Status != models.TradePending {
			return ErrInvalidTransition
		}
		transition, ok := trade.Next(locked.Status, trade.EventEscrowOpened)
		if !ok {
			return ErrInvalidTransition
		}
		if err := s.escrows.Create(ctx, tx, uuid.NewString(), tradeID, locked.Token, locked.CryptoAmountMinor, &txHash, time.Now()); err != nil {
			return err
		}
		if err := s.trades.UpdateStatus(ctx, tx, tradeID, transition.From, transition.To); err != nil {
			return err
		}
		if err := s.trades.SetExpiresAt(ctx, tx, tradeID, newDeadline); err != nil {
			return err
		}
		return insertSystemMessage(ctx, tx, s.messages, tradeID, sysEscrowFunded)
	})
	if err != nil {
		return models.Trade{}, err
	}
	_ = s.cache.Delete(ctx, fundingCacheKey(tradeID))

	s.hub.BroadcastStatus(tradeID, websocket.StatusUpdate{Status: models.TradePaymentPending, ExpiresAt: &newDeadline})
	return s.trades.GetByID(ctx, tradeID)
}

// PrepareOptIn builds the sponsored zero-transfer that opts a participant's
// wallet in to the trade's asset, so a release cannot strand funds on an
// account that never held the token.
func (s *EscrowService) PrepareOptIn(ctx context.Context, tradeID string, actor identity.Participant) (PreparedGroup, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return PreparedGroup{}, ErrTradeNotFound
		}
		return PreparedGroup{}, err
	}
	if !isParticipant(t, actor) {
		return PreparedGroup{}, ErrNotParticipant
	}
	addr, err := s.addresses.WalletAddress(ctx, actor)
	if err != nil {
		return PreparedGroup{}, err
	}
	needsOptIn, err := s.settler.RequiresOptIn(ctx, addr, t.Token)
	if err != nil {
		return PreparedGroup{}, err
	}
	if !needsOptIn {
		return PreparedGroup{}, ErrAlreadyOptedIn
	}
	prepared, err := s.settler.PrepareOptIn(ctx, addr, t.Token)
	if err != nil {
		return PreparedGroup{}, err
	}
	encoded, err := json.Marshal(prepared)
	if err != nil {
		return PreparedGroup{}, err
	}
	if err := s.cache.Set(ctx, optInCacheKey(tradeID, actor), string(encoded), fundingPrepareTTL); err != nil {
		return PreparedGroup{}, err
	}
	return prepared, nil
}

// SubmitOptIn submits the signed opt-in and returns its transaction hash.
func (s *EscrowService) SubmitOptIn(ctx context.Context, tradeID string, actor identity.Participant, signedUserTxn []byte) (string, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return "", ErrTradeNotFound
		}
		return "", err
	}
	if !isParticipant(t, actor) {
		return "", ErrNotParticipant
	}
	raw, ok, err := s.cache.Get(ctx, optInCacheKey(tradeID, actor))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrOptInNotPrepared
	}
	var prepared PreparedGroup
	if err := json.Unmarshal([]byte(raw), &prepared); err != nil {
		return "", ErrOptInNotPrepared
	}
	txHash, err := s.settler.SubmitPrepared(ctx, prepared, signedUserTxn)
	if err != nil {
		return "", err
	}
	_ = s.cache.Delete(ctx, optInCacheKey(tradeID, actor))
	return txHash, nil
}

type EscrowStatus struct {
	Funded        bool    `json:"funded"`
	Released      bool    `json:"released"`
	AmountMinor   int64   `json:"escrow_amount"`
	Token         string  `json:"token"`
	ReleaseType   *string `json:"release_type,omitempty"`
	EscrowTxHash  *string `json:"escrow_tx_hash,omitempty"`
	ReleaseTxHash *string `json:"release_tx_hash,omitempty"`
}

func (s *EscrowService) Status(ctx context.Context, tradeID string) (EscrowStatus, error) {
	escrow, err := s.escrows.GetByTrade(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return EscrowStatus{}, ErrEscrowNotFound
		}
		return EscrowStatus{}, err
	}
	return EscrowStatus{
		Funded:        escrow.IsEscrowed,
		Released:      escrow.IsReleased,
		AmountMinor:   escrow.AmountMinor,
		Token:         escrow.Token,
		ReleaseType:   escrow.ReleaseType,
		EscrowTxHash:  escrow.EscrowTxHash,
		ReleaseTxHash: escrow.ReleaseTxHash,
	}, nil
}

// ReleaseInTx flags the escrow released inside the caller's transaction and
// queues the chain settlement. buyerShareMinor only matters for partial
// refunds; everywhere else the full amount goes to one side.
func (s *EscrowService) ReleaseInTx(ctx context.Context, tx store.Tx, tradeID, releaseType string, buyerShareMinor int64, disputeID *string) error {
	escrow, err := s.escrows.GetByTradeForUpdate(ctx, tx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return ErrEscrowNotFound
		}
		return err
	}
	if !escrow.IsEscrowed {
		return ErrEscrowNotFunded
	}
	if escrow.IsReleased {
		return ErrEscrowAlreadyReleased
	}
	releaseMinor := escrow.AmountMinor
	if releaseType == models.ReleasePartialRefund {
		if buyerShareMinor <= 0 || buyerShareMinor >= escrow.AmountMinor {
			return ErrInvalidReleaseAmount
		}
		releaseMinor = buyerShareMinor
	}
	affected, err := s.escrows.MarkReleased(ctx, tx, escrow.ID, releaseType, releaseMinor, nil, disputeID, time.Now())
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEscrowAlreadyReleased
	}
	return s.tasks.Enqueue(ctx, tx, uuid.NewString(), TaskSettleRelease, tradeID, "", time.Now())
}

// Settle performs the queued chain move for a released escrow. Safe to call
// more than once: a recorded release hash makes it a no-op and a leased claim
// on the escrow row keeps concurrent settlers from paying out twice.
func (s *EscrowService) Settle(ctx context.Context, tradeID string) error {
	escrow, err := s.escrows.GetByTrade(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return ErrEscrowNotFound
		}
		return err
	}
	if !escrow.IsReleased {
		return ErrEscrowNotFunded
	}
	if escrow.ReleaseTxHash != nil {
		return nil
	}

	claimed, err := s.escrows.ClaimSettlement(ctx, escrow.ID, time.Now(), settleClaimLease)
	if err != nil {
		return err
	}
	if !claimed {
		// Another settler holds the claim or the hash landed since the
		// read; the task queue re-checks after its backoff.
		return ErrSettlementInFlight
	}

	txHash, err := s.submitRelease(ctx, tradeID, escrow)
	if err != nil {
		if clearErr := s.escrows.ClearSettlementClaim(ctx, escrow.ID); clearErr != nil {
			log.Printf("escrow: clearing settlement claim for trade %s: %v", tradeID, clearErr)
		}
		return err
	}

	now := time.Now()
	completed := false
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.trades.GetForUpdate(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if err := s.escrows.SetReleaseTxHash(ctx, tx, escrow.ID, txHash); err != nil {
			return err
		}
		if err := s.trades.SetCryptoTxHash(ctx, tx, tradeID, txHash); err != nil {
			return err
		}
		if transition, ok := trade.Next(locked.Status, trade.EventSettlementConfirmed); ok {
			if err := s.trades.UpdateStatus(ctx, tx, tradeID, transition.From, transition.To); err != nil {
				return err
			}
			if err := s.trades.SetCompleted(ctx, tx, tradeID, now); err != nil {
				return err
			}
			completed = true
			if err := enqueueRecompute(ctx, tx, s.tasks, locked); err != nil {
				return err
			}
			return insertSystemMessage(ctx, tx, s.messages, tradeID, sysTradeCompleted)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, releaseCacheKey(tradeID))
	if completed {
		s.hub.BroadcastStatus(tradeID, websocket.StatusUpdate{Status: models.TradeCompleted})
	}
	return nil
}

// submitRelease resubmits the cached signed group when one exists; only the
// first attempt for a trade builds one. Group ids are stable, so a submit
// whose confirmation timed out cannot pay out again on retry.
func (s *EscrowService) submitRelease(ctx context.Context, tradeID string, escrow models.Escrow) (string, error) {
	raw, ok, err := s.cache.Get(ctx, releaseCacheKey(tradeID))
	if err != nil {
		return "", err
	}
	if ok {
		var group ReleaseGroup
		if err := json.Unmarshal([]byte(raw), &group); err == nil {
			return s.settler.SubmitRelease(ctx, group)
		}
	}
	group, err := s.buildRelease(ctx, tradeID, escrow)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(group)
	if err != nil {
		return "", err
	}
	if err := s.cache.Set(ctx, releaseCacheKey(tradeID), string(encoded), releaseGroupTTL); err != nil {
		return "", err
	}
	return s.settler.SubmitRelease(ctx, group)
}

func (s *EscrowService) buildRelease(ctx context.Context, tradeID string, escrow models.Escrow) (ReleaseGroup, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return ReleaseGroup{}, err
	}
	buyer, err := tradeBuyer(t)
	if err != nil {
		return ReleaseGroup{}, err
	}
	seller, err := tradeSeller(t)
	if err != nil {
		return ReleaseGroup{}, err
	}
	releaseType := models.ReleaseNormal
	if escrow.ReleaseType != nil {
		releaseType = *escrow.ReleaseType
	}
	switch releaseType {
	case models.ReleaseNormal, models.ReleaseDispute:
		addr, err := s.recipientAddr(ctx, buyer, escrow.Token)
		if err != nil {
			return ReleaseGroup{}, err
		}
		return s.settler.BuildRelease(ctx, escrow.Token, escrow.AmountMinor, addr)
	case models.ReleaseRefund:
		addr, err := s.recipientAddr(ctx, seller, escrow.Token)
		if err != nil {
			return ReleaseGroup{}, err
		}
		return s.settler.BuildRelease(ctx, escrow.Token, escrow.AmountMinor, addr)
	case models.ReleasePartialRefund:
		buyerShare := escrow.AmountMinor
		if escrow.ReleaseMinor != nil {
			buyerShare = *escrow.ReleaseMinor
		}
		buyerAddr, err := s.recipientAddr(ctx, buyer, escrow.Token)
		if err != nil {
			return ReleaseGroup{}, err
		}
		sellerAddr, err := s.recipientAddr(ctx, seller, escrow.Token)
		if err != nil {
			return ReleaseGroup{}, err
		}
		return s.settler.BuildSplit(ctx, escrow.Token, buyerShare, buyerAddr, escrow.AmountMinor-buyerShare, sellerAddr)
	default:
		return ReleaseGroup{}, fmt.Errorf("unknown release type %q", releaseType)
	}
}

// recipientAddr resolves a participant's wallet and refuses recipients that
// have not opted in to the asset.
func (s *EscrowService) recipientAddr(ctx context.Context, p identity.Participant, token string) (string, error) {
	addr, err := s.addresses.WalletAddress(ctx, p)
	if err != nil {
		return "", err
	}
	needsOptIn, err := s.settler.RequiresOptIn(ctx, addr, token)
	if err != nil {
		return "", err
	}
	if needsOptIn {
		return "", fmt.Errorf("%w: %s", ErrRecipientNotOptedIn, addr)
	}
	return addr, nil
}

// MarkSettlementFailed is the compensation path once retries are exhausted:
// the escrow stays held and the trade is parked for operator review.
func (s *EscrowService) MarkSettlementFailed(ctx context.Context, tradeID string) error {
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.trades.GetForUpdate(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if locked.Status == models.TradeFailedSettlement {
			return nil
		}
		if err := s.trades.UpdateStatus(ctx, tx, tradeID, locked.Status, models.TradeFailedSettlement); err != nil {
			return err
		}
		return insertSystemMessage(ctx, tx, s.messages, tradeID, sysSettlementFailed)
	})
	if err != nil {
		return err
	}
	s.hub.BroadcastStatus(tradeID, websocket.StatusUpdate{Status: models.TradeFailedSettlement})
	return nil
}

// TrySettle attempts immediate settlement after a release commits; the queued
// task remains the safety net when the node is down.
func (s *EscrowService) TrySettle(ctx context.Context, tradeID string) {
	if err := s.Settle(ctx, tradeID); err != nil {
		log.Printf("escrow: inline settlement for trade %s deferred: %v", tradeID, err)
	}
}
