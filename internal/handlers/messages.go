package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	limit, offset := pagination(r, 50, 200)
	messages, err := h.messages.List(r.Context(), chi.URLParam(r, "id"), actor, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messages)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tradeID := chi.URLParam(r, "id")
	message, err := h.messages.SaveMessage(r.Context(), tradeID, actor, req.Content)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.hub.BroadcastMessage(tradeID, message)
	respondJSON(w, http.StatusCreated, message)
}

func (h *Handler) MarkMessagesRead(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	if err := h.messages.MarkRead(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
