package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"confio/internal/identity"
	"confio/internal/services"
)

type rateTradeRequest struct {
	Overall       int     `json:"overall"`
	Communication *int    `json:"communication,omitempty"`
	Speed         *int    `json:"speed,omitempty"`
	Reliability   *int    `json:"reliability,omitempty"`
	Comment       *string `json:"comment,omitempty"`
	Tags          *string `json:"tags,omitempty"`
}

func (h *Handler) RateTrade(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req rateTradeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rating, err := h.ratings.Rate(r.Context(), services.RateRequest{
		TradeID:       chi.URLParam(r, "id"),
		Rater:         actor,
		Overall:       req.Overall,
		Communication: req.Communication,
		Speed:         req.Speed,
		Reliability:   req.Reliability,
		Comment:       req.Comment,
		Tags:          req.Tags,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rating)
}

func rateeFromURL(r *http.Request) (identity.Participant, error) {
	return identity.Parse(chi.URLParam(r, "kind") + ":" + chi.URLParam(r, "id"))
}

func (h *Handler) GetReputation(w http.ResponseWriter, r *http.Request) {
	ratee, err := rateeFromURL(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	counters, err := h.ratings.Reputation(r.Context(), ratee)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, counters)
}

func (h *Handler) ListRatings(w http.ResponseWriter, r *http.Request) {
	ratee, err := rateeFromURL(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset := pagination(r, 20, 100)
	ratings, err := h.ratings.ListForRatee(r.Context(), ratee, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ratings)
}
