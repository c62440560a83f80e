package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"confio/internal/cache"
	"confio/internal/config"
	"confio/internal/db"
	"confio/internal/handlers"
	"confio/internal/ledger"
	"confio/internal/middleware"
	"confio/internal/services"
	"confio/internal/store"
	"confio/internal/websocket"
)

const (
	exitConfig      = 78
	exitLedgerDown  = 75
	exitSponsorDown = 69
)

// openGate lets every trade through in test mode, where no sponsor account
// exists to check.
type openGate struct{}

func (openGate) CanSponsor(context.Context) (bool, error) { return true, nil }

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(exitConfig)
	}

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer database.Close()

	users := store.NewUserStore(database)
	businesses := store.NewBusinessStore(database)
	offers := store.NewOfferStore(database)
	trades := store.NewTradeStore(database)
	escrows := store.NewEscrowStore(database)
	confirmations := store.NewConfirmationStore(database)
	messages := store.NewMessageStore(database)
	disputes := store.NewDisputeStore(database)
	ratings := store.NewRatingStore(database)
	reputation := store.NewReputationStore(database)
	tasks := store.NewTaskStore(database)
	admin := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database)

	var kv services.Cache
	var limiter middleware.Limiter
	var monitorCache ledger.Cache
	if cfg.TestMode {
		mem := cache.NewMemoryCache()
		kv, limiter, monitorCache = mem, mem, mem
	} else {
		redis := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
		defer redis.Close()
		kv, limiter, monitorCache = redis, redis, redis
	}

	hub := websocket.NewHub()
	addresses := services.NewWalletDirectory(users, businesses)

	var settler services.Settler
	var gate services.SponsorGate
	var monitor handlers.SponsorMonitor
	if cfg.TestMode {
		settler = services.TestSettler{}
		gate = openGate{}
		monitor = stubMonitor{}
	} else {
		client, err := ledger.NewAlgodClient(cfg.LedgerEndpoint, cfg.LedgerToken)
		if err != nil {
			log.Printf("failed to reach ledger node: %v", err)
			os.Exit(exitLedgerDown)
		}
		sponsorSigner, err := buildSponsorSigner(cfg)
		if err != nil {
			log.Printf("failed to build sponsor signer: %v", err)
			os.Exit(exitConfig)
		}
		escrowSigner, err := buildEscrowSigner(cfg)
		if err != nil {
			log.Printf("failed to build escrow signer: %v", err)
			os.Exit(exitConfig)
		}
		sponsorMonitor := ledger.NewMonitor(client, monitorCache, cfg.SponsorAddress, cfg.MinSponsorBalance, cfg.WarnSponsorBalance)
		startupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		health, err := sponsorMonitor.Check(startupCtx)
		cancel()
		if err != nil {
			log.Printf("ledger health check failed: %v", err)
			os.Exit(exitLedgerDown)
		}
		if !health.CanSponsor {
			log.Printf("sponsor account cannot cover fees (balance %s); refusing to start", health.Balance)
			os.Exit(exitSponsorDown)
		}
		builder := ledger.NewBuilder(client, sponsorSigner, sponsorMonitor, maxFeeMicro(cfg.MaxFeePerTx), cfg.ConfirmationRounds)
		settler = services.NewLedgerSettler(builder, client, escrowSigner, cfg.EscrowAddress, cfg.AssetIDCUSD, cfg.AssetIDCONFIO)
		gate = sponsorMonitor
		monitor = sponsorMonitor
	}

	escrowSvc := services.NewEscrowService(txRunner, trades, escrows, tasks, messages, settler, addresses, kv, hub, cfg.TradeTTL)
	tradeSvc := services.NewTradeService(txRunner, trades, offers, confirmations, messages, users, audit, tasks, escrowSvc, gate, hub, cfg.TradeTTL, cfg.CancelGrace, cfg.AutoComplete)
	offerSvc := services.NewOfferService(txRunner, offers, audit)
	disputeSvc := services.NewDisputeService(txRunner, trades, offers, disputes, messages, audit, tasks, escrowSvc, hub)
	ratingSvc := services.NewRatingService(txRunner, trades, ratings, reputation, tasks, hub)
	messageSvc := services.NewMessageService(txRunner, trades, messages)
	worker := services.NewWorker(txRunner, trades, tasks, tradeSvc, escrowSvc, ratingSvc, cfg.SweepInterval)

	handler := handlers.New(txRunner, cfg, users, businesses, admin, audit, offerSvc, tradeSvc, escrowSvc, disputeSvc, ratingSvc, messageSvc, monitor, limiter, hub)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker stopped: %v", err)
		}
	}()

	go func() {
		log.Printf("trade API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}

// buildSponsorSigner prefers the KMS with a mnemonic fallback, so a KMS
// outage does not stop sponsorship.
func buildSponsorSigner(cfg config.Config) (ledger.Signer, error) {
	var mnemonic ledger.Signer
	if cfg.SponsorMnemonic != "" {
		signer, err := ledger.NewMnemonicSigner(cfg.SponsorMnemonic)
		if err != nil {
			return nil, err
		}
		mnemonic = signer
	}
	if cfg.KMSEndpoint == "" {
		return mnemonic, nil
	}
	kms := ledger.NewKMSSigner(cfg.KMSEndpoint, cfg.KMSWalletName, cfg.KMSWalletPassword, cfg.SponsorAddress)
	if mnemonic == nil {
		return kms, nil
	}
	return ledger.NewFallbackSigner(kms, mnemonic), nil
}

func buildEscrowSigner(cfg config.Config) (ledger.Signer, error) {
	if cfg.EscrowMnemonic != "" {
		return ledger.NewMnemonicSigner(cfg.EscrowMnemonic)
	}
	if cfg.KMSEndpoint == "" {
		return nil, config.ErrMissingConfig
	}
	return ledger.NewKMSSigner(cfg.KMSEndpoint, cfg.KMSWalletName, cfg.KMSWalletPassword, cfg.EscrowAddress), nil
}

func maxFeeMicro(value string) uint64 {
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return 0
	}
	return uint64(parsed.Shift(6).IntPart())
}

// stubMonitor backs the admin health endpoint in test mode.
type stubMonitor struct{}

func (stubMonitor) Check(context.Context) (ledger.Health, error) {
	return ledger.Health{Healthy: true, CanSponsor: true, Balance: "0.000000"}, nil
}
