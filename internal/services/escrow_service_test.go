package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"confio/internal/cache"
	"confio/internal/identity"
	"confio/internal/models"
	"confio/internal/store"
)

type escrowServiceDeps struct {
	trades   stubTradeStore
	escrows  stubEscrowStore
	tasks    *stubTaskStore
	messages *stubMessageStore
	settler  stubSettler
	cache    *cache.MemoryCache
	hub      *recordingHub
}

func defaultEscrowDeps() escrowServiceDeps {
	return escrowServiceDeps{
		tasks:    &stubTaskStore{},
		messages: &stubMessageStore{},
		cache:    cache.NewMemoryCache(),
		hub:      &recordingHub{},
	}
}

func newTestEscrowService(deps escrowServiceDeps) *EscrowService {
	return NewEscrowService(fakeTxRunner{}, deps.trades, deps.escrows, deps.tasks, deps.messages, deps.settler, stubAddressBook{}, deps.cache, deps.hub, 30*time.Minute)
}

func TestPrepareFundingOnlySellerOnPendingTrade(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{getByIDFn: func(context.Context, string) (models.Trade, error) {
		return testTrade(models.TradePending), nil
	}}
	svc := newTestEscrowService(deps)

	_, err := svc.PrepareFunding(context.Background(), "trade-1", identity.User("buyer"))
	if err != ErrNotParticipant {
		t.Fatalf("buyer preparing funding: expected ErrNotParticipant, got %v", err)
	}

	deps.trades = stubTradeStore{getByIDFn: func(context.Context, string) (models.Trade, error) {
		return testTrade(models.TradePaymentPending), nil
	}}
	svc = newTestEscrowService(deps)
	_, err = svc.PrepareFunding(context.Background(), "trade-1", identity.User("seller"))
	if err != ErrInvalidTransition {
		t.Fatalf("funded trade: expected ErrInvalidTransition, got %v", err)
	}
}

func TestPrepareFundingCachesArtifact(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{getByIDFn: func(context.Context, string) (models.Trade, error) {
		return testTrade(models.TradePending), nil
	}}
	svc := newTestEscrowService(deps)

	prepared, err := svc.PrepareFunding(context.Background(), "trade-1", identity.User("seller"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prepared.UserAddress != "ADDR-seller" {
		t.Fatalf("expected seller address in artifact, got %s", prepared.UserAddress)
	}
	if _, ok, _ := deps.cache.Get(context.Background(), "escrow:prepare:trade-1"); !ok {
		t.Fatal("expected prepared group in cache")
	}
}

func TestSubmitFundingRequiresPreparedGroup(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{getByIDFn: func(context.Context, string) (models.Trade, error) {
		return testTrade(models.TradePending), nil
	}}
	svc := newTestEscrowService(deps)

	_, err := svc.SubmitFunding(context.Background(), "trade-1", identity.User("seller"), []byte("signed"))
	if err != ErrFundingNotPrepared {
		t.Fatalf("expected ErrFundingNotPrepared, got %v", err)
	}
}

func TestSubmitFundingOpensPaymentWindow(t *testing.T) {
	var escrowHash *string
	var transitions [][2]string
	deadlineMoved := false
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{
		getByIDFn: func(context.Context, string) (models.Trade, error) {
			return testTrade(models.TradePending), nil
		},
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			return testTrade(models.TradePending), nil
		},
		updateStatusFn: func(_ context.Context, _ store.Execer, _, from, to string) error {
			transitions = append(transitions, [2]string{from, to})
			return nil
		},
		setExpiresAtFn: func(context.Context, store.Execer, string, time.Time) error {
			deadlineMoved = true
			return nil
		},
	}
	deps.escrows = stubEscrowStore{createFn: func(_ context.Context, _ store.Execer, _, _, _ string, amountMinor int64, txHash *string, _ time.Time) error {
		if amountMinor != 10000 {
			t.Errorf("expected escrow amount 10000, got %d", amountMinor)
		}
		escrowHash = txHash
		return nil
	}}
	svc := newTestEscrowService(deps)

	if _, err := svc.PrepareFunding(context.Background(), "trade-1", identity.User("seller")); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.SubmitFunding(context.Background(), "trade-1", identity.User("seller"), []byte("signed")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if escrowHash == nil || *escrowHash != "HASH-FUND" {
		t.Fatalf("expected funding hash on escrow, got %v", escrowHash)
	}
	want := [2]string{models.TradePending, models.TradePaymentPending}
	if len(transitions) != 1 || transitions[0] != want {
		t.Fatalf("expected transition %v, got %v", want, transitions)
	}
	if !deadlineMoved {
		t.Fatal("expected a fresh payment deadline")
	}
	if len(deps.hub.statuses) != 1 || deps.hub.statuses[0].Status != models.TradePaymentPending {
		t.Fatalf("expected PAYMENT_PENDING broadcast, got %v", deps.hub.statuses)
	}
	if _, ok, _ := deps.cache.Get(context.Background(), "escrow:prepare:trade-1"); ok {
		t.Fatal("expected prepared group evicted after submit")
	}
}

func TestReleaseInTxGuards(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.escrows = stubEscrowStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Escrow, error) {
		return models.Escrow{ID: "esc-1", AmountMinor: 10000}, nil
	}}
	svc := newTestEscrowService(deps)
	err := svc.ReleaseInTx(context.Background(), nil, "trade-1", models.ReleaseNormal, 0, nil)
	if err != ErrEscrowNotFunded {
		t.Fatalf("unfunded escrow: expected ErrEscrowNotFunded, got %v", err)
	}

	deps.escrows = stubEscrowStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Escrow, error) {
		return models.Escrow{ID: "esc-1", AmountMinor: 10000, IsEscrowed: true, IsReleased: true}, nil
	}}
	svc = newTestEscrowService(deps)
	err = svc.ReleaseInTx(context.Background(), nil, "trade-1", models.ReleaseNormal, 0, nil)
	if err != ErrEscrowAlreadyReleased {
		t.Fatalf("released escrow: expected ErrEscrowAlreadyReleased, got %v", err)
	}
}

func TestReleaseInTxValidatesPartialShare(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.escrows = stubEscrowStore{getForUpdateFn: func(context.Context, store.Getter, string) (models.Escrow, error) {
		return models.Escrow{ID: "esc-1", AmountMinor: 10000, IsEscrowed: true}, nil
	}}
	svc := newTestEscrowService(deps)

	for _, share := range []int64{0, -1, 10000, 20000} {
		err := svc.ReleaseInTx(context.Background(), nil, "trade-1", models.ReleasePartialRefund, share, nil)
		if err != ErrInvalidReleaseAmount {
			t.Fatalf("share %d: expected ErrInvalidReleaseAmount, got %v", share, err)
		}
	}

	if err := svc.ReleaseInTx(context.Background(), nil, "trade-1", models.ReleasePartialRefund, 4000, nil); err != nil {
		t.Fatalf("valid share: unexpected error: %v", err)
	}
	if len(deps.tasks.enqueued) != 1 || deps.tasks.enqueued[0].kind != TaskSettleRelease {
		t.Fatalf("expected settle task, got %v", deps.tasks.enqueued)
	}
}

func TestSettleSkipsAlreadySettledEscrow(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.escrows = stubEscrowStore{getByTradeFn: func(context.Context, string) (models.Escrow, error) {
		return models.Escrow{ID: "esc-1", IsEscrowed: true, IsReleased: true, ReleaseTxHash: stringPtr("h")}, nil
	}}
	deps.settler = stubSettler{submitReleaseFn: func(context.Context, ReleaseGroup) (string, error) {
		t.Fatal("settled escrow must not move funds again")
		return "", nil
	}}
	svc := newTestEscrowService(deps)

	if err := svc.Settle(context.Background(), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSettleRefundGoesToSeller(t *testing.T) {
	var recipient string
	hashRecorded := false
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{
		getByIDFn: func(context.Context, string) (models.Trade, error) {
			return testTrade(models.TradeCancelled), nil
		},
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			return testTrade(models.TradeCancelled), nil
		},
	}
	deps.escrows = stubEscrowStore{
		getByTradeFn: func(context.Context, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", Token: models.TokenCUSD, AmountMinor: 10000, IsEscrowed: true, IsReleased: true, ReleaseType: stringPtr(models.ReleaseRefund)}, nil
		},
		setReleaseHashFn: func(context.Context, store.Execer, string, string) error {
			hashRecorded = true
			return nil
		},
	}
	deps.settler = stubSettler{buildReleaseFn: func(_ context.Context, _ string, _ int64, recipientAddr string) (ReleaseGroup, error) {
		recipient = recipientAddr
		return ReleaseGroup{GroupID: "g-refund"}, nil
	}}
	svc := newTestEscrowService(deps)

	if err := svc.Settle(context.Background(), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recipient != "ADDR-seller" {
		t.Fatalf("refund must return to the seller, got %s", recipient)
	}
	if !hashRecorded {
		t.Fatal("expected release hash recorded")
	}
	if len(deps.hub.statuses) != 0 {
		t.Fatalf("cancelled trade must not broadcast completion, got %v", deps.hub.statuses)
	}
}

func TestSettlePartialRefundSplitsShares(t *testing.T) {
	var first, second int64
	var firstAddr, secondAddr string
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{
		getByIDFn: func(context.Context, string) (models.Trade, error) {
			return testTrade(models.TradeCompleted), nil
		},
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			return testTrade(models.TradeCompleted), nil
		},
	}
	share := int64(4000)
	deps.escrows = stubEscrowStore{getByTradeFn: func(context.Context, string) (models.Escrow, error) {
		return models.Escrow{
			ID:           "esc-1",
			Token:        models.TokenCUSD,
			AmountMinor:  10000,
			IsEscrowed:   true,
			IsReleased:   true,
			ReleaseType:  stringPtr(models.ReleasePartialRefund),
			ReleaseMinor: &share,
		}, nil
	}}
	deps.settler = stubSettler{buildSplitFn: func(_ context.Context, _ string, firstMinor int64, fa string, secondMinor int64, sa string) (ReleaseGroup, error) {
		first, firstAddr = firstMinor, fa
		second, secondAddr = secondMinor, sa
		return ReleaseGroup{GroupID: "g-split"}, nil
	}}
	svc := newTestEscrowService(deps)

	if err := svc.Settle(context.Background(), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 4000 || firstAddr != "ADDR-buyer" {
		t.Fatalf("expected buyer share 4000 to ADDR-buyer, got %d to %s", first, firstAddr)
	}
	if second != 6000 || secondAddr != "ADDR-seller" {
		t.Fatalf("expected seller share 6000 to ADDR-seller, got %d to %s", second, secondAddr)
	}
}

func TestSettleCompletesTradeAfterRelease(t *testing.T) {
	var transitions [][2]string
	completed := false
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{
		getByIDFn: func(context.Context, string) (models.Trade, error) {
			return testTrade(models.TradeCryptoReleased), nil
		},
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			return testTrade(models.TradeCryptoReleased), nil
		},
		updateStatusFn: func(_ context.Context, _ store.Execer, _, from, to string) error {
			transitions = append(transitions, [2]string{from, to})
			return nil
		},
		setCompletedFn: func(context.Context, store.Execer, string, time.Time) error {
			completed = true
			return nil
		},
	}
	deps.escrows = stubEscrowStore{getByTradeFn: func(context.Context, string) (models.Escrow, error) {
		return models.Escrow{ID: "esc-1", Token: models.TokenCUSD, AmountMinor: 10000, IsEscrowed: true, IsReleased: true, ReleaseType: stringPtr(models.ReleaseNormal)}, nil
	}}
	svc := newTestEscrowService(deps)

	if err := svc.Settle(context.Background(), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [2]string{models.TradeCryptoReleased, models.TradeCompleted}
	if len(transitions) != 1 || transitions[0] != want {
		t.Fatalf("expected transition %v, got %v", want, transitions)
	}
	if !completed {
		t.Fatal("expected completed timestamp set")
	}
	if len(deps.hub.statuses) != 1 || deps.hub.statuses[0].Status != models.TradeCompleted {
		t.Fatalf("expected COMPLETED broadcast, got %v", deps.hub.statuses)
	}
	if len(deps.tasks.enqueued) != 2 {
		t.Fatalf("expected recompute tasks for both sides, got %v", deps.tasks.enqueued)
	}
}

func TestSettleBlocksRecipientWithoutOptIn(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{getByIDFn: func(context.Context, string) (models.Trade, error) {
		return testTrade(models.TradeCryptoReleased), nil
	}}
	deps.escrows = stubEscrowStore{getByTradeFn: func(context.Context, string) (models.Escrow, error) {
		return models.Escrow{ID: "esc-1", Token: models.TokenCUSD, AmountMinor: 10000, IsEscrowed: true, IsReleased: true}, nil
	}}
	deps.settler = stubSettler{requiresFn: func(context.Context, string, string) (bool, error) {
		return true, nil
	}}
	svc := newTestEscrowService(deps)

	err := svc.Settle(context.Background(), "trade-1")
	if !errors.Is(err, ErrRecipientNotOptedIn) {
		t.Fatalf("expected ErrRecipientNotOptedIn, got %v", err)
	}
}

func TestSettleSingleFlightUnderConcurrentCallers(t *testing.T) {
	var claimMu sync.Mutex
	claimHeld := false
	var submits int32
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{
		getByIDFn: func(context.Context, string) (models.Trade, error) {
			return testTrade(models.TradeCryptoReleased), nil
		},
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			return testTrade(models.TradeCryptoReleased), nil
		},
	}
	deps.escrows = stubEscrowStore{
		getByTradeFn: func(context.Context, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", Token: models.TokenCUSD, AmountMinor: 10000, IsEscrowed: true, IsReleased: true, ReleaseType: stringPtr(models.ReleaseNormal)}, nil
		},
		claimFn: func(context.Context, string, time.Time, time.Duration) (bool, error) {
			claimMu.Lock()
			defer claimMu.Unlock()
			if claimHeld {
				return false, nil
			}
			claimHeld = true
			return true, nil
		},
	}
	deps.settler = stubSettler{submitReleaseFn: func(context.Context, ReleaseGroup) (string, error) {
		atomic.AddInt32(&submits, 1)
		return "HASH-RELEASE", nil
	}}
	svc := newTestEscrowService(deps)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Settle(context.Background(), "trade-1")
		}()
	}
	wg.Wait()
	close(errs)

	var settled, deferred int
	for err := range errs {
		switch {
		case err == nil:
			settled++
		case errors.Is(err, ErrSettlementInFlight):
			deferred++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := atomic.LoadInt32(&submits); got != 1 {
		t.Fatalf("release submitted %d times, want 1", got)
	}
	if settled != 1 || deferred != 1 {
		t.Fatalf("expected one settle and one deferral, got %d settled, %d deferred", settled, deferred)
	}
}

func TestSettleResubmitsSameGroupAfterFailedAttempt(t *testing.T) {
	builds := 0
	submits := 0
	claimCleared := false
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{
		getByIDFn: func(context.Context, string) (models.Trade, error) {
			return testTrade(models.TradeCryptoReleased), nil
		},
		getForUpdateFn: func(context.Context, store.Getter, string) (models.Trade, error) {
			return testTrade(models.TradeCryptoReleased), nil
		},
	}
	deps.escrows = stubEscrowStore{
		getByTradeFn: func(context.Context, string) (models.Escrow, error) {
			return models.Escrow{ID: "esc-1", Token: models.TokenCUSD, AmountMinor: 10000, IsEscrowed: true, IsReleased: true, ReleaseType: stringPtr(models.ReleaseNormal)}, nil
		},
		clearClaimFn: func(context.Context, string) error {
			claimCleared = true
			return nil
		},
	}
	deps.settler = stubSettler{
		buildReleaseFn: func(context.Context, string, int64, string) (ReleaseGroup, error) {
			builds++
			return ReleaseGroup{GroupID: "g-stable"}, nil
		},
		submitReleaseFn: func(_ context.Context, group ReleaseGroup) (string, error) {
			submits++
			if group.GroupID != "g-stable" {
				t.Errorf("retry submitted group %q, want g-stable", group.GroupID)
			}
			if submits == 1 {
				return "", errors.New("confirmation timed out")
			}
			return "HASH-RELEASE", nil
		},
	}
	svc := newTestEscrowService(deps)

	if err := svc.Settle(context.Background(), "trade-1"); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if !claimCleared {
		t.Fatal("expected settlement claim released after the failed attempt")
	}
	if err := svc.Settle(context.Background(), "trade-1"); err != nil {
		t.Fatalf("retry: unexpected error: %v", err)
	}
	if builds != 1 {
		t.Fatalf("built %d release groups, want 1", builds)
	}
	if submits != 2 {
		t.Fatalf("submitted %d times, want 2", submits)
	}
}

func TestPrepareOptInRejectsOptedInAccount(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{getByIDFn: func(context.Context, string) (models.Trade, error) {
		return testTrade(models.TradeCryptoReleased), nil
	}}
	svc := newTestEscrowService(deps)

	_, err := svc.PrepareOptIn(context.Background(), "trade-1", identity.User("buyer"))
	if err != ErrAlreadyOptedIn {
		t.Fatalf("expected ErrAlreadyOptedIn, got %v", err)
	}
}

func TestOptInPrepareSubmitRoundTrip(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{getByIDFn: func(context.Context, string) (models.Trade, error) {
		return testTrade(models.TradeCryptoReleased), nil
	}}
	deps.settler = stubSettler{requiresFn: func(context.Context, string, string) (bool, error) {
		return true, nil
	}}
	svc := newTestEscrowService(deps)
	buyer := identity.User("buyer")

	prepared, err := svc.PrepareOptIn(context.Background(), "trade-1", buyer)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if prepared.UserAddress != "ADDR-buyer" {
		t.Fatalf("expected buyer address in artifact, got %s", prepared.UserAddress)
	}
	key := optInCacheKey("trade-1", buyer)
	if _, ok, _ := deps.cache.Get(context.Background(), key); !ok {
		t.Fatal("expected opt-in artifact in cache")
	}

	hash, err := svc.SubmitOptIn(context.Background(), "trade-1", buyer, []byte("signed"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if hash != "HASH-FUND" {
		t.Fatalf("expected opt-in hash, got %s", hash)
	}
	if _, ok, _ := deps.cache.Get(context.Background(), key); ok {
		t.Fatal("expected opt-in artifact evicted after submit")
	}
}

func TestSubmitOptInRequiresPreparedGroup(t *testing.T) {
	deps := defaultEscrowDeps()
	deps.trades = stubTradeStore{getByIDFn: func(context.Context, string) (models.Trade, error) {
		return testTrade(models.TradeCryptoReleased), nil
	}}
	svc := newTestEscrowService(deps)

	_, err := svc.SubmitOptIn(context.Background(), "trade-1", identity.User("buyer"), []byte("signed"))
	if err != ErrOptInNotPrepared {
		t.Fatalf("expected ErrOptInNotPrepared, got %v", err)
	}
}
