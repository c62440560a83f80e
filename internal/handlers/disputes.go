package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type openDisputeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req openDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dispute, err := h.disputes.Open(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, dispute)
}

type addEvidenceRequest struct {
	Description string  `json:"description"`
	URL         *string `json:"url,omitempty"`
}

func (h *Handler) AddDisputeEvidence(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var req addEvidenceRequest
	if err := decodeJSON(r, &req); err != nil || req.Description == "" {
		respondError(w, http.StatusBadRequest, "description is required")
		return
	}
	if err := h.disputes.AddEvidence(r.Context(), chi.URLParam(r, "id"), actor, req.Description, req.URL); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (h *Handler) GetDispute(w http.ResponseWriter, r *http.Request) {
	dispute, evidence, err := h.disputes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dispute": dispute, "evidence": evidence})
}
