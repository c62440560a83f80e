package services

import (
	"context"
	"testing"
	"time"

	"confio/internal/cache"
	"confio/internal/identity"
	"confio/internal/models"
	"confio/internal/store"
)

func testOffer() models.Offer {
	return models.Offer{
		ID:                   "offer-1",
		OwnerUserID:          stringPtr("owner"),
		Kind:                 models.OfferKindSell,
		Token:                models.TokenCUSD,
		Rate:                 "36.50",
		MinAmountMinor:       1000,
		MaxAmountMinor:       500000,
		AvailableAmountMinor: 200000,
		CountryCode:          "VE",
		CurrencyCode:         "VES",
		PaymentMethods:       "bank_transfer,pago_movil",
		Status:               models.OfferStatusActive,
	}
}

func testTrade(status string) models.Trade {
	return models.Trade{
		ID:                "trade-1",
		OfferID:           "offer-1",
		BuyerUserID:       stringPtr("buyer"),
		SellerUserID:      stringPtr("seller"),
		Token:             models.TokenCUSD,
		CryptoAmountMinor: 10000,
		Status:            status,
		ExpiresAt:         time.Now().Add(10 * time.Minute),
		CreatedAt:         time.Now().Add(-2 * time.Hour),
	}
}

type tradeServiceDeps struct {
	trades        stubTradeStore
	offers        stubOfferStore
	confirmations stubConfirmationStore
	escrows       stubEscrowStore
	messages      *stubMessageStore
	tasks         *stubTaskStore
	users         stubUserStore
	gate          stubGate
	hub           *recordingHub
	autoComplete  bool
}

func newTestTradeService(deps tradeServiceDeps) *TradeService {
	escrow := NewEscrowService(fakeTxRunner{}, deps.trades, deps.escrows, deps.tasks, deps.messages, stubSettler{}, stubAddressBook{}, cache.NewMemoryCache(), deps.hub, time.Minute)
	return NewTradeService(fakeTxRunner{}, deps.trades, deps.offers, deps.confirmations, deps.messages, deps.users, stubAuditStore{}, deps.tasks, escrow, deps.gate, deps.hub, 30*time.Minute, 30*time.Minute, deps.autoComplete)
}

func defaultDeps() tradeServiceDeps {
	return tradeServiceDeps{
		messages: &stubMessageStore{},
		tasks:    &stubTaskStore{},
		gate:     stubGate{allow: true},
		hub:      &recordingHub{},
	}
}

func TestCreateTradeRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestTradeService(defaultDeps())
	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 0,
		PaymentMethod:     "bank_transfer",
	})
	if err != ErrAmountOutOfRange {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}
}

func TestCreateTradeRejectsAMLHold(t *testing.T) {
	deps := defaultDeps()
	deps.users = stubUserStore{getByIDFn: func(_ context.Context, userID string) (models.User, error) {
		return models.User{ID: userID, AMLHold: true}, nil
	}}
	svc := newTestTradeService(deps)
	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 10000,
		PaymentMethod:     "bank_transfer",
	})
	if err != ErrAMLHold {
		t.Fatalf("expected ErrAMLHold, got %v", err)
	}
}

func TestCreateTradeRequiresVerifiedIdentity(t *testing.T) {
	deps := defaultDeps()
	deps.users = stubUserStore{getByIDFn: func(_ context.Context, userID string) (models.User, error) {
		return models.User{ID: userID}, nil
	}}
	svc := newTestTradeService(deps)
	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 10000,
		PaymentMethod:     "bank_transfer",
	})
	if err != ErrKYCRequired {
		t.Fatalf("expected ErrKYCRequired, got %v", err)
	}
}

func TestCreateTradeSponsorUnavailable(t *testing.T) {
	deps := defaultDeps()
	deps.gate = stubGate{allow: false}
	svc := newTestTradeService(deps)
	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 10000,
		PaymentMethod:     "bank_transfer",
	})
	if err != ErrSponsorUnavailable {
		t.Fatalf("expected ErrSponsorUnavailable, got %v", err)
	}
}

func TestCreateTradeRejectsSelfTrade(t *testing.T) {
	deps := defaultDeps()
	deps.offers = stubOfferStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Offer, error) {
		return testOffer(), nil
	}}
	svc := newTestTradeService(deps)
	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("owner"),
		CryptoAmountMinor: 10000,
		PaymentMethod:     "bank_transfer",
	})
	if err != ErrSelfTrade {
		t.Fatalf("expected ErrSelfTrade, got %v", err)
	}
}

func TestCreateTradeEnforcesOfferLimits(t *testing.T) {
	deps := defaultDeps()
	deps.offers = stubOfferStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Offer, error) {
		return testOffer(), nil
	}}
	svc := newTestTradeService(deps)

	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 500,
		PaymentMethod:     "bank_transfer",
	})
	if err != ErrAmountOutOfRange {
		t.Fatalf("below minimum: expected ErrAmountOutOfRange, got %v", err)
	}

	_, err = svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 600000,
		PaymentMethod:     "bank_transfer",
	})
	if err != ErrAmountOutOfRange {
		t.Fatalf("above maximum: expected ErrAmountOutOfRange, got %v", err)
	}
}

func TestCreateTradeInsufficientAvailability(t *testing.T) {
	deps := defaultDeps()
	deps.offers = stubOfferStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Offer, error) {
		offer := testOffer()
		offer.AvailableAmountMinor = 5000
		return offer, nil
	}}
	svc := newTestTradeService(deps)
	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 10000,
		PaymentMethod:     "bank_transfer",
	})
	if err != ErrInsufficientAvailability {
		t.Fatalf("expected ErrInsufficientAvailability, got %v", err)
	}
}

func TestCreateTradeRejectsUnknownPaymentMethod(t *testing.T) {
	deps := defaultDeps()
	deps.offers = stubOfferStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Offer, error) {
		return testOffer(), nil
	}}
	svc := newTestTradeService(deps)
	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 10000,
		PaymentMethod:     "zelle",
	})
	if err != ErrPaymentMethodNotAccepted {
		t.Fatalf("expected ErrPaymentMethodNotAccepted, got %v", err)
	}
}

func TestCreateTradeReservesAvailabilityAndConvertsFiat(t *testing.T) {
	var created store.TradeInput
	var adjusted int64
	deps := defaultDeps()
	deps.offers = stubOfferStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Offer, error) {
			return testOffer(), nil
		},
		adjustAvailableFn: func(_ context.Context, _ store.Execer, _ string, delta int64) error {
			adjusted = delta
			return nil
		},
	}
	deps.trades = stubTradeStore{createFn: func(_ context.Context, _ store.Execer, input store.TradeInput) error {
		created = input
		return nil
	}}
	svc := newTestTradeService(deps)

	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 10000,
		PaymentMethod:     "bank_transfer",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adjusted != -10000 {
		t.Fatalf("expected availability delta -10000, got %d", adjusted)
	}
	// 100.00 CUSD at 36.50 fiat per token.
	if created.FiatAmountMinor != 365000 {
		t.Fatalf("expected fiat amount 365000, got %d", created.FiatAmountMinor)
	}
	if created.BuyerUserID == nil || *created.BuyerUserID != "buyer" {
		t.Fatalf("expected actor as buyer, got %+v", created)
	}
	if created.SellerUserID == nil || *created.SellerUserID != "owner" {
		t.Fatalf("expected offer owner as seller, got %+v", created)
	}
	if created.Status != models.TradePending {
		t.Fatalf("expected status PENDING, got %s", created.Status)
	}
}

func TestCreateTradeSwapsSidesForBuyOffer(t *testing.T) {
	var created store.TradeInput
	deps := defaultDeps()
	deps.offers = stubOfferStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Offer, error) {
		offer := testOffer()
		offer.Kind = models.OfferKindBuy
		return offer, nil
	}}
	deps.trades = stubTradeStore{createFn: func(_ context.Context, _ store.Execer, input store.TradeInput) error {
		created = input
		return nil
	}}
	svc := newTestTradeService(deps)

	_, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("taker"),
		CryptoAmountMinor: 10000,
		PaymentMethod:     "bank_transfer",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.BuyerUserID == nil || *created.BuyerUserID != "owner" {
		t.Fatalf("expected offer owner as buyer, got %+v", created)
	}
	if created.SellerUserID == nil || *created.SellerUserID != "taker" {
		t.Fatalf("expected taker as seller, got %+v", created)
	}
}

func TestCreateTradeIdempotentByClientRequestID(t *testing.T) {
	existing := testTrade(models.TradePending)
	deps := defaultDeps()
	deps.trades = stubTradeStore{
		getByClientReqFn: func(context.Context, string) (models.Trade, error) {
			return existing, nil
		},
		createFn: func(context.Context, store.Execer, store.TradeInput) error {
			t.Fatal("create should not run for a replayed request")
			return nil
		},
	}
	svc := newTestTradeService(deps)

	got, err := svc.Create(context.Background(), CreateTradeRequest{
		OfferID:           "offer-1",
		Actor:             identity.User("buyer"),
		CryptoAmountMinor: 10000,
		PaymentMethod:     "bank_transfer",
		ClientRequestID:   stringPtr("req-1"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != existing.ID {
		t.Fatalf("expected existing trade %s, got %s", existing.ID, got.ID)
	}
}

func TestConfirmRejectsWrongRole(t *testing.T) {
	deps := defaultDeps()
	deps.trades = stubTradeStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
		return testTrade(models.TradePaymentPending), nil
	}}
	svc := newTestTradeService(deps)

	_, err := svc.Confirm(context.Background(), ConfirmRequest{
		TradeID: "trade-1",
		Actor:   identity.User("seller"),
		Type:    models.ConfirmPaymentSent,
	})
	if err != ErrWrongRole {
		t.Fatalf("expected ErrWrongRole, got %v", err)
	}

	_, err = svc.Confirm(context.Background(), ConfirmRequest{
		TradeID: "trade-1",
		Actor:   identity.User("stranger"),
		Type:    models.ConfirmPaymentSent,
	})
	if err != ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestConfirmRejectsDuplicate(t *testing.T) {
	deps := defaultDeps()
	deps.trades = stubTradeStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
		return testTrade(models.TradePaymentPending), nil
	}}
	deps.confirmations = stubConfirmationStore{existsFn: func(context.Context, store.Getter, string, string, *string, *string) (bool, error) {
		return true, nil
	}}
	svc := newTestTradeService(deps)

	_, err := svc.Confirm(context.Background(), ConfirmRequest{
		TradeID: "trade-1",
		Actor:   identity.User("buyer"),
		Type:    models.ConfirmPaymentSent,
	})
	if err != ErrDuplicateConfirmation {
		t.Fatalf("expected ErrDuplicateConfirmation, got %v", err)
	}
}

func TestConfirmRejectsOutOfOrderEvent(t *testing.T) {
	deps := defaultDeps()
	deps.trades = stubTradeStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
		return testTrade(models.TradePending), nil
	}}
	svc := newTestTradeService(deps)

	_, err := svc.Confirm(context.Background(), ConfirmRequest{
		TradeID: "trade-1",
		Actor:   identity.User("buyer"),
		Type:    models.ConfirmPaymentSent,
	})
	if err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConfirmPaymentReceivedAutoReleasesEscrow(t *testing.T) {
	var transitions [][2]string
	released := false
	deps := defaultDeps()
	deps.autoComplete = true
	deps.trades = stubTradeStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			return testTrade(models.TradePaymentSent), nil
		},
		updateStatusFn: func(_ context.Context, _ store.Execer, _, from, to string) error {
			transitions = append(transitions, [2]string{from, to})
			return nil
		},
	}
	deps.escrows = stubEscrowStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", TradeID: "trade-1", AmountMinor: 10000, IsEscrowed: true}, nil
		},
		getByTradeFn: func(context.Context, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", IsEscrowed: true, IsReleased: true, ReleaseTxHash: stringPtr("h")}, nil
		},
		markReleasedFn: func(_ context.Context, _ store.Execer, _, releaseType string, _ int64, _, _ *string, _ time.Time) (int64, error) {
			if releaseType != models.ReleaseNormal {
				t.Errorf("expected NORMAL release, got %s", releaseType)
			}
			released = true
			return 1, nil
		},
	}
	svc := newTestTradeService(deps)

	_, err := svc.Confirm(context.Background(), ConfirmRequest{
		TradeID: "trade-1",
		Actor:   identity.User("seller"),
		Type:    models.ConfirmPaymentReceived,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][2]string{
		{models.TradePaymentSent, models.TradePaymentConfirmed},
		{models.TradePaymentConfirmed, models.TradeCryptoReleased},
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d: expected %v, got %v", i, want[i], transitions[i])
		}
	}
	if !released {
		t.Fatal("expected escrow release")
	}
	if len(deps.tasks.enqueued) == 0 || deps.tasks.enqueued[0].kind != TaskSettleRelease {
		t.Fatalf("expected settle task, got %v", deps.tasks.enqueued)
	}
	if len(deps.hub.statuses) != 1 || deps.hub.statuses[0].Status != models.TradeCryptoReleased {
		t.Fatalf("expected CRYPTO_RELEASED broadcast, got %v", deps.hub.statuses)
	}
}

func TestCancelSellerWaitsOutGracePeriod(t *testing.T) {
	deps := defaultDeps()
	deps.trades = stubTradeStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
		trade := testTrade(models.TradePaymentPending)
		trade.CreatedAt = time.Now().Add(-5 * time.Minute)
		return trade, nil
	}}
	svc := newTestTradeService(deps)

	_, err := svc.Cancel(context.Background(), "trade-1", identity.User("seller"))
	if err != ErrCancelTooEarly {
		t.Fatalf("expected ErrCancelTooEarly, got %v", err)
	}
}

func TestCancelRefundsEscrowAndRestoresAvailability(t *testing.T) {
	var restored int64
	var refundType string
	deps := defaultDeps()
	deps.trades = stubTradeStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
		return testTrade(models.TradePaymentPending), nil
	}}
	deps.offers = stubOfferStore{adjustAvailableFn: func(_ context.Context, _ store.Execer, _ string, delta int64) error {
		restored = delta
		return nil
	}}
	deps.escrows = stubEscrowStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", AmountMinor: 10000, IsEscrowed: true}, nil
		},
		getByTradeFn: func(context.Context, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", IsEscrowed: true, IsReleased: true, ReleaseTxHash: stringPtr("h")}, nil
		},
		markReleasedFn: func(_ context.Context, _ store.Execer, _, releaseType string, _ int64, _, _ *string, _ time.Time) (int64, error) {
			refundType = releaseType
			return 1, nil
		},
	}
	svc := newTestTradeService(deps)

	_, err := svc.Cancel(context.Background(), "trade-1", identity.User("buyer"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored != 10000 {
		t.Fatalf("expected availability restored by 10000, got %d", restored)
	}
	if refundType != models.ReleaseRefund {
		t.Fatalf("expected REFUND release, got %q", refundType)
	}
	if len(deps.hub.statuses) != 1 || deps.hub.statuses[0].Status != models.TradeCancelled {
		t.Fatalf("expected CANCELLED broadcast, got %v", deps.hub.statuses)
	}
}

func TestCancelRejectsAdvancedTrade(t *testing.T) {
	deps := defaultDeps()
	deps.trades = stubTradeStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
		return testTrade(models.TradePaymentSent), nil
	}}
	svc := newTestTradeService(deps)

	_, err := svc.Cancel(context.Background(), "trade-1", identity.User("buyer"))
	if err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConfirmForcesExpiryPastDeadline(t *testing.T) {
	var transitions [][2]string
	var restored int64
	var refundType string
	deps := defaultDeps()
	deps.trades = stubTradeStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			overdue := testTrade(models.TradePaymentPending)
			overdue.ExpiresAt = time.Now().Add(-5 * time.Minute)
			return overdue, nil
		},
		updateStatusFn: func(_ context.Context, _ store.Execer, _, from, to string) error {
			transitions = append(transitions, [2]string{from, to})
			return nil
		},
	}
	deps.offers = stubOfferStore{adjustAvailableFn: func(_ context.Context, _ store.Execer, _ string, delta int64) error {
		restored = delta
		return nil
	}}
	deps.escrows = stubEscrowStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", AmountMinor: 10000, IsEscrowed: true}, nil
		},
		getByTradeFn: func(context.Context, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", IsEscrowed: true, IsReleased: true, ReleaseTxHash: stringPtr("h")}, nil
		},
		markReleasedFn: func(_ context.Context, _ store.Execer, _, releaseType string, _ int64, _, _ *string, _ time.Time) (int64, error) {
			refundType = releaseType
			return 1, nil
		},
	}
	svc := newTestTradeService(deps)

	_, err := svc.Confirm(context.Background(), ConfirmRequest{
		TradeID: "trade-1",
		Actor:   identity.User("buyer"),
		Type:    models.ConfirmPaymentSent,
	})
	if err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(transitions) != 1 || transitions[0][1] != models.TradeExpired {
		t.Fatalf("expected transition to EXPIRED, got %v", transitions)
	}
	if restored != 10000 {
		t.Fatalf("expected availability restored by 10000, got %d", restored)
	}
	if refundType != models.ReleaseRefund {
		t.Fatalf("expected REFUND release, got %q", refundType)
	}
	if len(deps.hub.statuses) != 1 || deps.hub.statuses[0].Status != models.TradeExpired {
		t.Fatalf("expected EXPIRED broadcast, got %v", deps.hub.statuses)
	}
}

func TestCancelForcesExpiryPastDeadline(t *testing.T) {
	var transitions [][2]string
	deps := defaultDeps()
	deps.trades = stubTradeStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			overdue := testTrade(models.TradePending)
			overdue.ExpiresAt = time.Now().Add(-5 * time.Minute)
			return overdue, nil
		},
		updateStatusFn: func(_ context.Context, _ store.Execer, _, from, to string) error {
			transitions = append(transitions, [2]string{from, to})
			return nil
		},
	}
	svc := newTestTradeService(deps)

	_, err := svc.Cancel(context.Background(), "trade-1", identity.User("buyer"))
	if err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(transitions) != 1 || transitions[0][1] != models.TradeExpired {
		t.Fatalf("expected transition to EXPIRED, got %v", transitions)
	}
	if len(deps.hub.statuses) != 1 || deps.hub.statuses[0].Status != models.TradeExpired {
		t.Fatalf("expected EXPIRED broadcast, got %v", deps.hub.statuses)
	}
}

func TestExpireIgnoresActiveDeadline(t *testing.T) {
	deps := defaultDeps()
	deps.trades = stubTradeStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			return testTrade(models.TradePending), nil
		},
		updateStatusFn: func(context.Context, store.Execer, string, string, string) error {
			t.Fatal("status should not change before the deadline")
			return nil
		},
	}
	svc := newTestTradeService(deps)
	if err := svc.Expire(context.Background(), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExpireNoopForNonExpirableStatus(t *testing.T) {
	deps := defaultDeps()
	deps.trades = stubTradeStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			trade := testTrade(models.TradePaymentSent)
			trade.ExpiresAt = time.Now().Add(-time.Minute)
			return trade, nil
		},
		updateStatusFn: func(context.Context, store.Execer, string, string, string) error {
			t.Fatal("a trade past its payment window must not expire")
			return nil
		},
	}
	svc := newTestTradeService(deps)
	if err := svc.Expire(context.Background(), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExpireRefundsFundedTrade(t *testing.T) {
	var transitions [][2]string
	deps := defaultDeps()
	deps.trades = stubTradeStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			trade := testTrade(models.TradePaymentPending)
			trade.ExpiresAt = time.Now().Add(-time.Minute)
			return trade, nil
		},
		updateStatusFn: func(_ context.Context, _ store.Execer, _, from, to string) error {
			transitions = append(transitions, [2]string{from, to})
			return nil
		},
	}
	deps.escrows = stubEscrowStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", AmountMinor: 10000, IsEscrowed: true}, nil
		},
		getByTradeFn: func(context.Context, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", IsEscrowed: true, IsReleased: true, ReleaseTxHash: stringPtr("h")}, nil
		},
	}
	svc := newTestTradeService(deps)

	if err := svc.Expire(context.Background(), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transitions) != 1 || transitions[0][1] != models.TradeExpired {
		t.Fatalf("expected transition to EXPIRED, got %v", transitions)
	}
	if len(deps.hub.statuses) != 1 || deps.hub.statuses[0].Status != models.TradeExpired {
		t.Fatalf("expected EXPIRED broadcast, got %v", deps.hub.statuses)
	}
}

func TestGetRejectsStranger(t *testing.T) {
	deps := defaultDeps()
	deps.trades = stubTradeStore{getByIDFn: func(context.Context, string) (models.Trade, error) {
		return testTrade(models.TradePending), nil
	}}
	svc := newTestTradeService(deps)

	_, err := svc.Get(context.Background(), "trade-1", identity.User("stranger"))
	if err != ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestSetAMLReviewRestoresPreviousStatus(t *testing.T) {
	var restoredTo string
	deps := defaultDeps()
	deps.trades = stubTradeStore{
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			trade := testTrade(models.TradeAMLReview)
			trade.PreviousStatus = stringPtr(models.TradePaymentSent)
			return trade, nil
		},
		updateStatusFn: func(_ context.Context, _ store.Execer, _, _, to string) error {
			restoredTo = to
			return nil
		},
	}
	svc := newTestTradeService(deps)

	if err := svc.SetAMLReview(context.Background(), "trade-1", false, "admin-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restoredTo != models.TradePaymentSent {
		t.Fatalf("expected restore to PAYMENT_SENT, got %q", restoredTo)
	}
}

func TestSetAMLReviewClearWithoutHistory(t *testing.T) {
	deps := defaultDeps()
	deps.trades = stubTradeStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
		return testTrade(models.TradeAMLReview), nil
	}}
	svc := newTestTradeService(deps)

	err := svc.SetAMLReview(context.Background(), "trade-1", false, "admin-1")
	if err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
