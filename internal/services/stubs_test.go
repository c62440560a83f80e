package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"confio/internal/identity"
	"confio/internal/models"
	"confio/internal/store"
	"confio/internal/websocket"
)

type fakeTxRunner struct {
	err error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

func stringPtr(s string) *string { return &s }

type stubTradeStore struct {
	createFn          func(ctx context.Context, tx store.Execer, input store.TradeInput) error
	getByIDFn         func(ctx context.Context, tradeID string) (models.Trade, error)
	getForUpdateFn    func(ctx context.Context, tx store.Getter, tradeID string) (models.Trade, error)
	getByClientReqFn  func(ctx context.Context, key string) (models.Trade, error)
	updateStatusFn    func(ctx context.Context, tx store.Execer, tradeID, from, to string) error
	setPaymentFn      func(ctx context.Context, tx store.Execer, tradeID string, reference, notes *string) error
	setCryptoTxHashFn func(ctx context.Context, tx store.Execer, tradeID, txHash string) error
	setCompletedFn    func(ctx context.Context, tx store.Execer, tradeID string, at time.Time) error
	setExpiresAtFn    func(ctx context.Context, tx store.Execer, tradeID string, at time.Time) error
	listByPartFn      func(ctx context.Context, userID, businessID *string, limit, offset int) ([]models.Trade, error)
	listExpiringFn    func(ctx context.Context, now time.Time, limit int) ([]string, error)
	countByOutcomeFn  func(ctx context.Context, userID, businessID *string) (store.TradeCounts, error)
}

func (s stubTradeStore) Create(ctx context.Context, tx store.Execer, input store.TradeInput) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, input)
}

func (s stubTradeStore) GetByID(ctx context.Context, tradeID string) (models.Trade, error) {
	if s.getByIDFn == nil {
		return models.Trade{ID: tradeID}, nil
	}
	return s.getByIDFn(ctx, tradeID)
}

func (s stubTradeStore) GetForUpdate(ctx context.Context, tx store.Getter, tradeID string) (models.Trade, error) {
	return s.getForUpdateFn(ctx, tx, tradeID)
}

func (s stubTradeStore) GetByClientRequestID(ctx context.Context, key string) (models.Trade, error) {
	if s.getByClientReqFn == nil {
		return models.Trade{}, sql.ErrNoRows
	}
	return s.getByClientReqFn(ctx, key)
}

func (s stubTradeStore) UpdateStatus(ctx context.Context, tx store.Execer, tradeID, from, to string) error {
	if s.updateStatusFn == nil {
		return nil
	}
	return s.updateStatusFn(ctx, tx, tradeID, from, to)
}

func (s stubTradeStore) SetPaymentDetails(ctx context.Context, tx store.Execer, tradeID string, reference, notes *string) error {
	if s.setPaymentFn == nil {
		return nil
	}
	return s.setPaymentFn(ctx, tx, tradeID, reference, notes)
}

func (s stubTradeStore) SetCryptoTxHash(ctx context.Context, tx store.Execer, tradeID, txHash string) error {
	if s.setCryptoTxHashFn == nil {
		return nil
	}
	return s.setCryptoTxHashFn(ctx, tx, tradeID, txHash)
}

func (s stubTradeStore) SetCompleted(ctx context.Context, tx store.Execer, tradeID string, at time.Time) error {
	if s.setCompletedFn == nil {
		return nil
	}
	return s.setCompletedFn(ctx, tx, tradeID, at)
}

func (s stubTradeStore) SetExpiresAt(ctx context.Context, tx store.Execer, tradeID string, at time.Time) error {
	if s.setExpiresAtFn == nil {
		return nil
	}
	return s.setExpiresAtFn(ctx, tx, tradeID, at)
}

func (s stubTradeStore) ListByParticipant(ctx context.Context, userID, businessID *string, limit, offset int) ([]models.Trade, error) {
	if s.listByPartFn == nil {
		return nil, nil
	}
	return s.listByPartFn(ctx, userID, businessID, limit, offset)
}

func (s stubTradeStore) ListExpiring(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if s.listExpiringFn == nil {
		return nil, nil
	}
	return s.listExpiringFn(ctx, now, limit)
}

func (s stubTradeStore) CountByOutcome(ctx context.Context, userID, businessID *string) (store.TradeCounts, error) {
	if s.countByOutcomeFn == nil {
		return store.TradeCounts{}, nil
	}
	return s.countByOutcomeFn(ctx, userID, businessID)
}

type stubOfferStore struct {
	createFn          func(ctx context.Context, tx store.Execer, input store.OfferInput) error
	getByIDFn         func(ctx context.Context, offerID string) (models.Offer, error)
	getForUpdateFn    func(ctx context.Context, tx store.Getter, offerID string) (models.Offer, error)
	adjustAvailableFn func(ctx context.Context, tx store.Execer, offerID string, delta int64) error
	updateStatusFn    func(ctx context.Context, tx store.Execer, offerID, status string) error
	listFn            func(ctx context.Context, filter store.OfferFilter) ([]models.Offer, error)
}

func (s stubOfferStore) Create(ctx context.Context, tx store.Execer, input store.OfferInput) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, input)
}

func (s stubOfferStore) GetByID(ctx context.Context, offerID string) (models.Offer, error) {
	if s.getByIDFn == nil {
		return models.Offer{}, sql.ErrNoRows
	}
	return s.getByIDFn(ctx, offerID)
}

func (s stubOfferStore) GetForUpdate(ctx context.Context, tx store.Getter, offerID string) (models.Offer, error) {
	return s.getForUpdateFn(ctx, tx, offerID)
}

func (s stubOfferStore) AdjustAvailable(ctx context.Context, tx store.Execer, offerID string, delta int64) error {
	if s.adjustAvailableFn == nil {
		return nil
	}
	return s.adjustAvailableFn(ctx, tx, offerID, delta)
}

func (s stubOfferStore) UpdateStatus(ctx context.Context, tx store.Execer, offerID, status string) error {
	if s.updateStatusFn == nil {
		return nil
	}
	return s.updateStatusFn(ctx, tx, offerID, status)
}

func (s stubOfferStore) List(ctx context.Context, filter store.OfferFilter) ([]models.Offer, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, filter)
}

type stubEscrowStore struct {
	createFn         func(ctx context.Context, tx store.Execer, id, tradeID, token string, amountMinor int64, escrowTxHash *string, escrowedAt time.Time) error
	getByTradeFn     func(ctx context.Context, tradeID string) (models.Escrow, error)
	getForUpdateFn   func(ctx context.Context, tx store.Getter, tradeID string) (models.Escrow, error)
	markReleasedFn   func(ctx context.Context, tx store.Execer, escrowID, releaseType string, releaseMinor int64, releaseTxHash, disputeID *string, at time.Time) (int64, error)
	setReleaseHashFn func(ctx context.Context, tx store.Execer, escrowID, txHash string) error
	claimFn          func(ctx context.Context, escrowID string, now time.Time, lease time.Duration) (bool, error)
	clearClaimFn     func(ctx context.Context, escrowID string) error
}

func (s stubEscrowStore) Create(ctx context.Context, tx store.Execer, id, tradeID, token string, amountMinor int64, escrowTxHash *string, escrowedAt time.Time) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, id, tradeID, token, amountMinor, escrowTxHash, escrowedAt)
}

func (s stubEscrowStore) GetByTrade(ctx context.Context, tradeID string) (models.Escrow, error) {
	if s.getByTradeFn == nil {
		return models.Escrow{}, sql.ErrNoRows
	}
	return s.getByTradeFn(ctx, tradeID)
}

func (s stubEscrowStore) GetByTradeForUpdate(ctx context.Context, tx store.Getter, tradeID string) (models.Escrow, error) {
	if s.getForUpdateFn == nil {
		return models.Escrow{}, sql.ErrNoRows
	}
	return s.getForUpdateFn(ctx, tx, tradeID)
}

func (s stubEscrowStore) MarkReleased(ctx context.Context, tx store.Execer, escrowID, releaseType string, releaseMinor int64, releaseTxHash, disputeID *string, at time.Time) (int64, error) {
	if s.markReleasedFn == nil {
		return 1, nil
	}
	return s.markReleasedFn(ctx, tx, escrowID, releaseType, releaseMinor, releaseTxHash, disputeID, at)
}

func (s stubEscrowStore) SetReleaseTxHash(ctx context.Context, tx store.Execer, escrowID, txHash string) error {
	if s.setReleaseHashFn == nil {
		return nil
	}
	return s.setReleaseHashFn(ctx, tx, escrowID, txHash)
}

func (s stubEscrowStore) ClaimSettlement(ctx context.Context, escrowID string, now time.Time, lease time.Duration) (bool, error) {
	if s.claimFn == nil {
		return true, nil
	}
	return s.claimFn(ctx, escrowID, now, lease)
}

func (s stubEscrowStore) ClearSettlementClaim(ctx context.Context, escrowID string) error {
	if s.clearClaimFn == nil {
		return nil
	}
	return s.clearClaimFn(ctx, escrowID)
}

type stubConfirmationStore struct {
	insertFn func(ctx context.Context, tx store.Execer, input store.ConfirmationInput) error
	existsFn func(ctx context.Context, tx store.Getter, tradeID, confirmationType string, userID, businessID *string) (bool, error)
	listFn   func(ctx context.Context, tradeID string) ([]models.TradeConfirmation, error)
}

func (s stubConfirmationStore) Insert(ctx context.Context, tx store.Execer, input store.ConfirmationInput) error {
	if s.insertFn == nil {
		return nil
	}
	return s.insertFn(ctx, tx, input)
}

func (s stubConfirmationStore) Exists(ctx context.Context, tx store.Getter, tradeID, confirmationType string, userID, businessID *string) (bool, error) {
	if s.existsFn == nil {
		return false, nil
	}
	return s.existsFn(ctx, tx, tradeID, confirmationType, userID, businessID)
}

func (s stubConfirmationStore) ListByTrade(ctx context.Context, tradeID string) ([]models.TradeConfirmation, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, tradeID)
}

type stubMessageStore struct {
	inserted []store.MessageInput
	listFn   func(ctx context.Context, tradeID string, limit, offset int) ([]models.TradeMessage, error)
	markFn   func(ctx context.Context, tx store.Execer, tradeID string, readerUserID, readerBusinessID *string) error
}

func (s *stubMessageStore) Insert(_ context.Context, _ store.Execer, input store.MessageInput) error {
	s.inserted = append(s.inserted, input)
	return nil
}

func (s *stubMessageStore) ListByTrade(ctx context.Context, tradeID string, limit, offset int) ([]models.TradeMessage, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, tradeID, limit, offset)
}

func (s *stubMessageStore) MarkRead(ctx context.Context, tx store.Execer, tradeID string, readerUserID, readerBusinessID *string) error {
	if s.markFn == nil {
		return nil
	}
	return s.markFn(ctx, tx, tradeID, readerUserID, readerBusinessID)
}

type stubDisputeStore struct {
	createFn       func(ctx context.Context, tx store.Execer, input store.DisputeInput) error
	getByIDFn      func(ctx context.Context, disputeID string) (models.Dispute, error)
	getForUpdateFn func(ctx context.Context, tx store.Getter, disputeID string) (models.Dispute, error)
	getByTradeFn   func(ctx context.Context, tradeID string) (models.Dispute, error)
	updateStatusFn func(ctx context.Context, tx store.Execer, disputeID, status string) error
	resolveFn      func(ctx context.Context, tx store.Execer, disputeID, resolutionType, resolvedBy string, at time.Time) error
	addEvidenceFn  func(ctx context.Context, tx store.Execer, input store.EvidenceInput) error
	listEvidenceFn func(ctx context.Context, disputeID string) ([]models.DisputeEvidence, error)
	listOpenFn     func(ctx context.Context, limit, offset int) ([]models.Dispute, error)
}

func (s stubDisputeStore) Create(ctx context.Context, tx store.Execer, input store.DisputeInput) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, input)
}

func (s stubDisputeStore) GetByID(ctx context.Context, disputeID string) (models.Dispute, error) {
	if s.getByIDFn == nil {
		return models.Dispute{ID: disputeID}, nil
	}
	return s.getByIDFn(ctx, disputeID)
}

func (s stubDisputeStore) GetForUpdate(ctx context.Context, tx store.Getter, disputeID string) (models.Dispute, error) {
	return s.getForUpdateFn(ctx, tx, disputeID)
}

func (s stubDisputeStore) GetByTrade(ctx context.Context, tradeID string) (models.Dispute, error) {
	if s.getByTradeFn == nil {
		return models.Dispute{}, sql.ErrNoRows
	}
	return s.getByTradeFn(ctx, tradeID)
}

func (s stubDisputeStore) UpdateStatus(ctx context.Context, tx store.Execer, disputeID, status string) error {
	if s.updateStatusFn == nil {
		return nil
	}
	return s.updateStatusFn(ctx, tx, disputeID, status)
}

func (s stubDisputeStore) Resolve(ctx context.Context, tx store.Execer, disputeID, resolutionType, resolvedBy string, at time.Time) error {
	if s.resolveFn == nil {
		return nil
	}
	return s.resolveFn(ctx, tx, disputeID, resolutionType, resolvedBy, at)
}

func (s stubDisputeStore) AddEvidence(ctx context.Context, tx store.Execer, input store.EvidenceInput) error {
	if s.addEvidenceFn == nil {
		return nil
	}
	return s.addEvidenceFn(ctx, tx, input)
}

func (s stubDisputeStore) ListEvidence(ctx context.Context, disputeID string) ([]models.DisputeEvidence, error) {
	if s.listEvidenceFn == nil {
		return nil, nil
	}
	return s.listEvidenceFn(ctx, disputeID)
}

func (s stubDisputeStore) ListOpen(ctx context.Context, limit, offset int) ([]models.Dispute, error) {
	if s.listOpenFn == nil {
		return nil, nil
	}
	return s.listOpenFn(ctx, limit, offset)
}

type stubRatingStore struct {
	insertFn  func(ctx context.Context, tx store.Execer, input store.RatingInput) error
	getByIDFn func(ctx context.Context, ratingID string) (models.Rating, error)
	existsFn  func(ctx context.Context, tx store.Getter, tradeID string, raterUserID, raterBusinessID *string) (bool, error)
	listFn    func(ctx context.Context, rateeUserID, rateeBusinessID *string, limit, offset int) ([]models.Rating, error)
	averageFn func(ctx context.Context, rateeUserID, rateeBusinessID *string) (string, error)
}

func (s stubRatingStore) Insert(ctx context.Context, tx store.Execer, input store.RatingInput) error {
	if s.insertFn == nil {
		return nil
	}
	return s.insertFn(ctx, tx, input)
}

func (s stubRatingStore) GetByID(ctx context.Context, ratingID string) (models.Rating, error) {
	if s.getByIDFn == nil {
		return models.Rating{ID: ratingID}, nil
	}
	return s.getByIDFn(ctx, ratingID)
}

func (s stubRatingStore) Exists(ctx context.Context, tx store.Getter, tradeID string, raterUserID, raterBusinessID *string) (bool, error) {
	if s.existsFn == nil {
		return false, nil
	}
	return s.existsFn(ctx, tx, tradeID, raterUserID, raterBusinessID)
}

func (s stubRatingStore) ListByRatee(ctx context.Context, rateeUserID, rateeBusinessID *string, limit, offset int) ([]models.Rating, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, rateeUserID, rateeBusinessID, limit, offset)
}

func (s stubRatingStore) AverageForRatee(ctx context.Context, rateeUserID, rateeBusinessID *string) (string, error) {
	if s.averageFn == nil {
		return "0", nil
	}
	return s.averageFn(ctx, rateeUserID, rateeBusinessID)
}

type stubReputationStore struct {
	upserted []models.ReputationCounters
	getForFn func(ctx context.Context, userID, businessID *string) (models.ReputationCounters, error)
}

func (s *stubReputationStore) Upsert(_ context.Context, _ store.Execer, counters models.ReputationCounters) error {
	s.upserted = append(s.upserted, counters)
	return nil
}

func (s *stubReputationStore) GetFor(ctx context.Context, userID, businessID *string) (models.ReputationCounters, error) {
	if s.getForFn == nil {
		return models.ReputationCounters{UserID: userID, BusinessID: businessID}, nil
	}
	return s.getForFn(ctx, userID, businessID)
}

type enqueuedTask struct {
	kind     string
	entityID string
}

type stubTaskStore struct {
	enqueued []enqueuedTask
	claimFn  func(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]models.Task, error)
	doneIDs  []string
	rescheds []string
}

func (s *stubTaskStore) Enqueue(_ context.Context, _ store.Execer, _, kind, entityID, _ string, _ time.Time) error {
	s.enqueued = append(s.enqueued, enqueuedTask{kind: kind, entityID: entityID})
	return nil
}

func (s *stubTaskStore) ClaimDue(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]models.Task, error) {
	if s.claimFn == nil {
		return nil, nil
	}
	return s.claimFn(ctx, now, leaseFor, limit)
}

func (s *stubTaskStore) MarkDone(_ context.Context, _ store.Execer, taskID string) error {
	s.doneIDs = append(s.doneIDs, taskID)
	return nil
}

func (s *stubTaskStore) Reschedule(_ context.Context, _ store.Execer, taskID string, _ time.Time) error {
	s.rescheds = append(s.rescheds, taskID)
	return nil
}

type stubUserStore struct {
	getByIDFn func(ctx context.Context, userID string) (models.User, error)
}

func (s stubUserStore) GetByID(ctx context.Context, userID string) (models.User, error) {
	if s.getByIDFn == nil {
		return models.User{ID: userID, KYCVerified: true}, nil
	}
	return s.getByIDFn(ctx, userID)
}

type stubBusinessStore struct {
	getByIDFn func(ctx context.Context, businessID string) (models.Business, error)
}

func (s stubBusinessStore) GetByID(ctx context.Context, businessID string) (models.Business, error) {
	if s.getByIDFn == nil {
		return models.Business{ID: businessID}, nil
	}
	return s.getByIDFn(ctx, businessID)
}

func (s stubBusinessStore) Membership(context.Context, string, string) (bool, bool, error) {
	return false, false, nil
}

type stubAuditStore struct {
	logFn func(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

func (s stubAuditStore) Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, tx, actorID, action, entityType, entityID, data)
}

type recordingHub struct {
	statuses []websocket.StatusUpdate
	messages []websocket.ChatMessage
	disputes []any
}

func (h *recordingHub) BroadcastStatus(_ string, update websocket.StatusUpdate) {
	h.statuses = append(h.statuses, update)
}

func (h *recordingHub) BroadcastMessage(_ string, message websocket.ChatMessage) {
	h.messages = append(h.messages, message)
}

func (h *recordingHub) BroadcastDispute(_ string, payload any) {
	h.disputes = append(h.disputes, payload)
}

type stubSettler struct {
	prepareFn       func(ctx context.Context, sellerAddr, token string, amountMinor int64, tradeID string) (PreparedGroup, error)
	prepareOptInFn  func(ctx context.Context, addr, token string) (PreparedGroup, error)
	submitFn        func(ctx context.Context, prepared PreparedGroup, signedUserTxn []byte) (string, error)
	buildReleaseFn  func(ctx context.Context, token string, amountMinor int64, recipientAddr string) (ReleaseGroup, error)
	buildSplitFn    func(ctx context.Context, token string, firstMinor int64, firstAddr string, secondMinor int64, secondAddr string) (ReleaseGroup, error)
	submitReleaseFn func(ctx context.Context, group ReleaseGroup) (string, error)
	requiresFn      func(ctx context.Context, addr, token string) (bool, error)
}

func (s stubSettler) PrepareFunding(ctx context.Context, sellerAddr, token string, amountMinor int64, tradeID string) (PreparedGroup, error) {
	if s.prepareFn == nil {
		return PreparedGroup{GroupID: "g1", UserAddress: sellerAddr, AmountMinor: amountMinor, Token: token}, nil
	}
	return s.prepareFn(ctx, sellerAddr, token, amountMinor, tradeID)
}

func (s stubSettler) PrepareOptIn(ctx context.Context, addr, token string) (PreparedGroup, error) {
	if s.prepareOptInFn == nil {
		return PreparedGroup{GroupID: "g-optin", UserAddress: addr, Token: token}, nil
	}
	return s.prepareOptInFn(ctx, addr, token)
}

func (s stubSettler) SubmitPrepared(ctx context.Context, prepared PreparedGroup, signedUserTxn []byte) (string, error) {
	if s.submitFn == nil {
		return "HASH-FUND", nil
	}
	return s.submitFn(ctx, prepared, signedUserTxn)
}

func (s stubSettler) BuildRelease(ctx context.Context, token string, amountMinor int64, recipientAddr string) (ReleaseGroup, error) {
	if s.buildReleaseFn == nil {
		return ReleaseGroup{GroupID: "g-release"}, nil
	}
	return s.buildReleaseFn(ctx, token, amountMinor, recipientAddr)
}

func (s stubSettler) BuildSplit(ctx context.Context, token string, firstMinor int64, firstAddr string, secondMinor int64, secondAddr string) (ReleaseGroup, error) {
	if s.buildSplitFn == nil {
		return ReleaseGroup{GroupID: "g-split"}, nil
	}
	return s.buildSplitFn(ctx, token, firstMinor, firstAddr, secondMinor, secondAddr)
}

func (s stubSettler) SubmitRelease(ctx context.Context, group ReleaseGroup) (string, error) {
	if s.submitReleaseFn == nil {
		return "HASH-RELEASE", nil
	}
	return s.submitReleaseFn(ctx, group)
}

func (s stubSettler) RequiresOptIn(ctx context.Context, addr, token string) (bool, error) {
	if s.requiresFn == nil {
		return false, nil
	}
	return s.requiresFn(ctx, addr, token)
}

type stubAddressBook struct {
	addrs map[string]string
}

func (s stubAddressBook) WalletAddress(_ context.Context, p identity.Participant) (string, error) {
	if s.addrs == nil {
		return "ADDR-" + p.ID, nil
	}
	addr, ok := s.addrs[p.String()]
	if !ok {
		return "", ErrNoWalletAddress
	}
	return addr, nil
}

type stubGate struct {
	allow bool
	err   error
}

func (s stubGate) CanSponsor(context.Context) (bool, error) {
	return s.allow, s.err
}
