package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"confio/internal/config"
	"confio/internal/db"
	"confio/internal/identity"
	"confio/internal/middleware"
	"confio/internal/websocket"
)

type Handler struct {
	txRunner   db.TxRunner
	cfg        config.Config
	users      UserStore
	businesses BusinessStore
	admin      AdminStore
	audit      AuditStore
	offers     OfferService
	trades     TradeService
	escrow     EscrowService
	disputes   DisputeService
	ratings    RatingService
	messages   MessageService
	monitor    SponsorMonitor
	limiter    middleware.Limiter
	hub        *websocket.Hub
}

func New(txRunner db.TxRunner, cfg config.Config, users UserStore, businesses BusinessStore, admin AdminStore, audit AuditStore, offers OfferService, trades TradeService, escrow EscrowService, disputes DisputeService, ratings RatingService, messages MessageService, monitor SponsorMonitor, limiter middleware.Limiter, hub *websocket.Hub) *Handler {
	return &Handler{
		txRunner:   txRunner,
		cfg:        cfg,
		users:      users,
		businesses: businesses,
		admin:      admin,
		audit:      audit,
		offers:     offers,
		trades:     trades,
		escrow:     escrow,
		disputes:   disputes,
		ratings:    ratings,
		messages:   messages,
		monitor:    monitor,
		limiter:    limiter,
		hub:        hub,
	}
}

var errNotBusinessMember = errors.New("not a trading member of this business")

// actor resolves the identity a request acts as. By default that is the
// authenticated user; the X-Business-ID header switches to a business the
// user may trade for.
func (h *Handler) actor(r *http.Request) (identity.Participant, error) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		return identity.Participant{}, errors.New("unauthorized")
	}
	businessID := r.Header.Get("X-Business-ID")
	if businessID == "" {
		return identity.Participant{Kind: identity.KindUser, ID: userID}, nil
	}
	member, canTrade, err := h.businesses.Membership(r.Context(), businessID, userID)
	if err != nil {
		return identity.Participant{}, err
	}
	if !member || !canTrade {
		return identity.Participant{}, errNotBusinessMember
	}
	return identity.Participant{Kind: identity.KindBusiness, ID: businessID}, nil
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.cfg.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Business-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authed := middleware.Auth(h.cfg.JWTSecret)
	writeLimit := middleware.RateLimit(h.limiter, "write", 30, time.Minute)

	router.Route("/auth", func(r chi.Router) {
		r.With(middleware.RateLimit(h.limiter, "auth", 10, time.Minute)).Post("/register", h.Register)
		r.With(middleware.RateLimit(h.limiter, "auth", 10, time.Minute)).Post("/login", h.Login)
		r.With(authed).Get("/me", h.Me)
		r.With(authed).Put("/wallet", h.SetWallet)
	})

	router.Route("/businesses", func(r chi.Router) {
		r.Use(authed)
		r.Post("/", h.CreateBusiness)
		r.Get("/", h.ListBusinesses)
		r.Post("/{id}/employees", h.AddEmployee)
		r.Put("/{id}/wallet", h.SetBusinessWallet)
	})

	router.Route("/offers", func(r chi.Router) {
		r.Use(authed)
		r.With(writeLimit).Post("/", h.CreateOffer)
		r.Get("/", h.ListOffers)
		r.Get("/{id}", h.GetOffer)
		r.Put("/{id}/status", h.SetOfferStatus)
	})

	router.Route("/trades", func(r chi.Router) {
		r.Use(authed)
		r.With(writeLimit).Post("/", h.CreateTrade)
		r.Get("/", h.ListTrades)
		r.Get("/{id}", h.GetTrade)
		r.With(writeLimit).Post("/{id}/confirmations", h.ConfirmTrade)
		r.Get("/{id}/confirmations", h.ListConfirmations)
		r.Post("/{id}/cancel", h.CancelTrade)
		r.With(writeLimit).Post("/{id}/escrow/prepare", h.PrepareEscrow)
		r.With(writeLimit).Post("/{id}/escrow/submit", h.SubmitEscrow)
		r.Get("/{id}/escrow", h.EscrowStatus)
		r.With(writeLimit).Post("/{id}/optin/prepare", h.PrepareOptIn)
		r.With(writeLimit).Post("/{id}/optin/submit", h.SubmitOptIn)
		r.Get("/{id}/messages", h.ListMessages)
		r.With(writeLimit).Post("/{id}/messages", h.PostMessage)
		r.Post("/{id}/messages/read", h.MarkMessagesRead)
		r.With(writeLimit).Post("/{id}/disputes", h.OpenDispute)
		r.With(writeLimit).Post("/{id}/ratings", h.RateTrade)
	})

	router.Route("/disputes", func(r chi.Router) {
		r.Use(authed)
		r.Get("/{id}", h.GetDispute)
		r.Post("/{id}/evidence", h.AddDisputeEvidence)
	})

	router.Route("/reputation", func(r chi.Router) {
		r.Use(authed)
		r.Get("/{kind}/{id}", h.GetReputation)
		r.Get("/{kind}/{id}/ratings", h.ListRatings)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(authed)
		r.With(middleware.RequireAdmin(h.admin, "CanResolveDisputes")).Get("/disputes", h.AdminListDisputes)
		r.With(middleware.RequireAdmin(h.admin, "CanResolveDisputes")).Put("/disputes/{id}/status", h.AdminSetDisputeStatus)
		r.With(middleware.RequireAdmin(h.admin, "CanResolveDisputes")).Post("/disputes/{id}/resolve", h.AdminResolveDispute)
		r.With(middleware.RequireAdmin(h.admin, "CanReviewAML")).Post("/trades/{id}/aml", h.AdminSetAMLReview)
		r.With(middleware.RequireAdmin(h.admin, "CanReviewAML")).Post("/users/{id}/kyc", h.AdminSetKYC)
		r.With(middleware.RequireAdmin(h.admin, "")).Get("/sponsor/health", h.SponsorHealth)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/promote", h.PromoteAdmin)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/roles/grant", h.GrantRole)
		r.With(middleware.RequireAdmin(h.admin, "CanResolveDisputes")).Get("/audit", h.ListAuditLogs)
	})
	router.With(authed).Post("/admin/bootstrap", h.BootstrapAdmin)

	router.Get("/ws/trades/{id}", h.WSTrade)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}
