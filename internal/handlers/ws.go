package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"confio/internal/auth"
	"confio/internal/identity"
	"confio/internal/websocket"
)

// WSTrade upgrades to a websocket scoped to one trade's room. Browsers
// cannot set headers on a websocket dial, so the token and the optional
// business identity come in as query parameters.
func (h *Handler) WSTrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	participant := identity.Participant{Kind: identity.KindUser, ID: claims.UserID}
	if businessID := r.URL.Query().Get("business_id"); businessID != "" {
		member, canTrade, err := h.businesses.Membership(r.Context(), businessID, claims.UserID)
		if err != nil || !member || !canTrade {
			respondError(w, http.StatusForbidden, "not a trading member of this business")
			return
		}
		participant = identity.Participant{Kind: identity.KindBusiness, ID: businessID}
	}
	tradeID := chi.URLParam(r, "id")
	if _, err := h.trades.Get(r.Context(), tradeID, participant); err != nil {
		respondServiceError(w, err)
		return
	}
	websocket.ServeWS(w, r, h.hub, h.messages, tradeID, participant)
}
