package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"confio/internal/services"
	"confio/internal/store"
)

type createOfferRequest struct {
	Kind           string   `json:"kind"`
	Token          string   `json:"token"`
	Rate           string   `json:"rate"`
	MinAmount      string   `json:"min_amount"`
	MaxAmount      string   `json:"max_amount"`
	Available      string   `json:"available_amount"`
	CountryCode    string   `json:"country_code"`
	CurrencyCode   string   `json:"currency_code"`
	PaymentMethods []string `json:"payment_methods"`
}

func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req createOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	minAmount, err := parseAmountMinor(req.MinAmount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid min_amount")
		return
	}
	maxAmount, err := parseAmountMinor(req.MaxAmount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid max_amount")
		return
	}
	available, err := parseAmountMinor(req.Available)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid available_amount")
		return
	}
	offer, err := h.offers.Create(r.Context(), services.CreateOfferRequest{
		Owner:          actor,
		Kind:           req.Kind,
		Token:          req.Token,
		Rate:           req.Rate,
		MinAmountMinor: minAmount,
		MaxAmountMinor: maxAmount,
		AvailableMinor: available,
		CountryCode:    req.CountryCode,
		CurrencyCode:   req.CurrencyCode,
		PaymentMethods: req.PaymentMethods,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, offer)
}

func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20, 100)
	offers, err := h.offers.List(r.Context(), store.OfferFilter{
		Kind:        r.URL.Query().Get("kind"),
		Token:       r.URL.Query().Get("token"),
		CountryCode: r.URL.Query().Get("country_code"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, offers)
}

func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.offers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, offer)
}

type setOfferStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) SetOfferStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req setOfferStatusRequest
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		respondError(w, http.StatusBadRequest, "status is required")
		return
	}
	offer, err := h.offers.SetStatus(r.Context(), chi.URLParam(r, "id"), actor, req.Status)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, offer)
}
