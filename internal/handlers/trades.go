package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"confio/internal/services"
)

type createTradeRequest struct {
	OfferID         string  `json:"offer_id"`
	CryptoAmount    string  `json:"crypto_amount"`
	PaymentMethod   string  `json:"payment_method"`
	ClientRequestID *string `json:"client_request_id,omitempty"`
}

func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req createTradeRequest
	if err := decodeJSON(r, &req); err != nil || req.OfferID == "" {
		respondError(w, http.StatusBadRequest, "offer_id is required")
		return
	}
	amount, err := parseAmountMinor(req.CryptoAmount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid crypto_amount")
		return
	}
	trade, err := h.trades.Create(r.Context(), services.CreateTradeRequest{
		OfferID:           req.OfferID,
		Actor:             actor,
		CryptoAmountMinor: amount,
		PaymentMethod:     req.PaymentMethod,
		ClientRequestID:   req.ClientRequestID,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, trade)
}

func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	limit, offset := pagination(r, 20, 100)
	trades, err := h.trades.List(r.Context(), actor, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	trade, err := h.trades.Get(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trade)
}

type confirmTradeRequest struct {
	Type      string  `json:"type"`
	Reference *string `json:"reference,omitempty"`
	Notes     *string `json:"notes,omitempty"`
	ProofURL  *string `json:"proof_url,omitempty"`
}

func (h *Handler) ConfirmTrade(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req confirmTradeRequest
	if err := decodeJSON(r, &req); err != nil || req.Type == "" {
		respondError(w, http.StatusBadRequest, "type is required")
		return
	}
	trade, err := h.trades.Confirm(r.Context(), services.ConfirmRequest{
		TradeID:   chi.URLParam(r, "id"),
		Actor:     actor,
		Type:      req.Type,
		Reference: req.Reference,
		Notes:     req.Notes,
		ProofURL:  req.ProofURL,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trade)
}

func (h *Handler) ListConfirmations(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	confirmations, err := h.trades.Confirmations(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, confirmations)
}

func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	trade, err := h.trades.Cancel(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trade)
}

func (h *Handler) PrepareEscrow(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	prepared, err := h.escrow.PrepareFunding(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, prepared)
}

type submitEscrowRequest struct {
	SignedUserTxn string `json:"signed_user_txn"`
}

func (h *Handler) SubmitEscrow(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req submitEscrowRequest
	if err := decodeJSON(r, &req); err != nil || req.SignedUserTxn == "" {
		respondError(w, http.StatusBadRequest, "signed_user_txn is required")
		return
	}
	signed, err := base64.StdEncoding.DecodeString(req.SignedUserTxn)
	if err != nil {
		respondError(w, http.StatusBadRequest, "signed_user_txn must be base64")
		return
	}
	trade, err := h.escrow.SubmitFunding(r.Context(), chi.URLParam(r, "id"), actor, signed)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trade)
}

// PrepareOptIn hands a participant the sponsored opt-in for the trade's
// asset, so a wallet that never held the token can receive its release.
func (h *Handler) PrepareOptIn(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	prepared, err := h.escrow.PrepareOptIn(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, prepared)
}

func (h *Handler) SubmitOptIn(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req submitEscrowRequest
	if err := decodeJSON(r, &req); err != nil || req.SignedUserTxn == "" {
		respondError(w, http.StatusBadRequest, "signed_user_txn is required")
		return
	}
	signed, err := base64.StdEncoding.DecodeString(req.SignedUserTxn)
	if err != nil {
		respondError(w, http.StatusBadRequest, "signed_user_txn must be base64")
		return
	}
	txHash, err := h.escrow.SubmitOptIn(r.Context(), chi.URLParam(r, "id"), actor, signed)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"tx_hash": txHash})
}

func (h *Handler) EscrowStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	if _, err := h.trades.Get(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		respondServiceError(w, err)
		return
	}
	status, err := h.escrow.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}
