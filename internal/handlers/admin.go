package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"

	"confio/internal/middleware"
	"confio/internal/models"
	"confio/internal/services"
)

func (h *Handler) resolveUserID(ctx context.Context, username, email string) (string, error) {
	if email != "" {
		user, err := h.users.GetByEmail(ctx, email)
		if err != nil {
			return "", err
		}
		return user.ID, nil
	}
	user, err := h.users.GetByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// BootstrapAdmin turns the caller into the first super admin. It only works
// while the admins table is empty.
func (h *Handler) BootstrapAdmin(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	hasAdmin, err := h.admin.HasAnyAdmin(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify admins")
		return
	}
	if hasAdmin {
		respondError(w, http.StatusForbidden, "already_bootstrapped")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.CreateAdmin(r.Context(), tx, userID, true, nil); err != nil {
			return err
		}
		return h.audit.Log(r.Context(), tx, userID, "bootstrap_admin", "admin", userID, "{}")
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to bootstrap admin")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "bootstrapped"})
}

type promoteRequest struct {
	Identifier string `json:"identifier"`
}

func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	_, isSuper, err := h.admin.IsAdmin(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify admin")
		return
	}
	if !isSuper {
		respondError(w, http.StatusForbidden, "super_admin_required")
		return
	}
	var req promoteRequest
	if err := decodeJSON(r, &req); err != nil || req.Identifier == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	var username, email string
	if strings.Contains(req.Identifier, "@") {
		email = req.Identifier
	} else {
		username = req.Identifier
	}
	targetUserID, err := h.resolveUserID(r.Context(), username, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to resolve user")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.CreateAdmin(r.Context(), tx, targetUserID, false, &userID); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{"target_user_id": targetUserID})
		return h.audit.Log(r.Context(), tx, userID, "promote_admin", "admin", targetUserID, string(data))
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to promote admin")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "promoted"})
}

type grantRoleRequest struct {
	AdminUserID string `json:"admin_user_id"`
	Role        string `json:"role"`
}

func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	_, isSuper, err := h.admin.IsAdmin(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify admin")
		return
	}
	if !isSuper {
		respondError(w, http.StatusForbidden, "super_admin_required")
		return
	}
	var req grantRoleRequest
	if err := decodeJSON(r, &req); err != nil || req.AdminUserID == "" || req.Role == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	isAdmin, targetSuper, err := h.admin.IsAdmin(r.Context(), req.AdminUserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify target admin")
		return
	}
	if !isAdmin {
		respondError(w, http.StatusBadRequest, "target is not an admin")
		return
	}
	if targetSuper {
		respondError(w, http.StatusBadRequest, "cannot assign roles to super admin")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.GrantRole(r.Context(), tx, req.AdminUserID, req.Role); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{"admin_user_id": req.AdminUserID, "role": req.Role})
		return h.audit.Log(r.Context(), tx, userID, "grant_role", "admin_role", req.AdminUserID, string(data))
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to grant role")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "role_granted"})
}

func (h *Handler) AdminListDisputes(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)
	disputes, err := h.disputes.ListOpen(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, disputes)
}

type setDisputeStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) AdminSetDisputeStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	var req setDisputeStatusRequest
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		respondError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := h.disputes.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status, userID); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resolveDisputeRequest struct {
	ResolutionType string `json:"resolution_type"`
	BuyerShare     string `json:"buyer_share,omitempty"`
}

func (h *Handler) AdminResolveDispute(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	var req resolveDisputeRequest
	if err := decodeJSON(r, &req); err != nil || req.ResolutionType == "" {
		respondError(w, http.StatusBadRequest, "resolution_type is required")
		return
	}
	var buyerShare int64
	if req.ResolutionType == models.ResolutionPartialRefund {
		parsed, err := parseAmountMinor(req.BuyerShare)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid buyer_share")
			return
		}
		buyerShare = parsed
	}
	dispute, err := h.disputes.Resolve(r.Context(), services.ResolveRequest{
		DisputeID:       chi.URLParam(r, "id"),
		AdminID:         userID,
		ResolutionType:  req.ResolutionType,
		BuyerShareMinor: buyerShare,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dispute)
}

type amlReviewRequest struct {
	Hold bool `json:"hold"`
}

func (h *Handler) AdminSetAMLReview(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	var req amlReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.trades.SetAMLReview(r.Context(), chi.URLParam(r, "id"), req.Hold, userID); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type kycReviewRequest struct {
	Verified bool `json:"verified"`
}

// AdminSetKYC records the outcome of an identity review. Unverified users
// cannot open trades.
func (h *Handler) AdminSetKYC(w http.ResponseWriter, r *http.Request) {
	adminID, _ := middleware.UserIDFromContext(r.Context())
	var req kycReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	targetUserID := chi.URLParam(r, "id")
	if _, err := h.users.GetByID(r.Context(), targetUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load user")
		return
	}
	err := h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.users.SetKYCVerified(r.Context(), tx, targetUserID, req.Verified); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]bool{"verified": req.Verified})
		return h.audit.Log(r.Context(), tx, adminID, "user.kyc_review", "user", targetUserID, string(data))
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to record review")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) SponsorHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.monitor.Check(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, health)
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)
	rows, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load audit logs")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}
