package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"confio/internal/ledger"
	"confio/internal/services"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError translates service sentinels into the API's status
// codes. Anything unmapped is a 500 and gets logged.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrTradeNotFound),
		errors.Is(err, services.ErrOfferNotFound),
		errors.Is(err, services.ErrEscrowNotFound),
		errors.Is(err, services.ErrDisputeNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrNotParticipant),
		errors.Is(err, services.ErrWrongRole),
		errors.Is(err, services.ErrNotOfferOwner),
		errors.Is(err, services.ErrAMLHold),
		errors.Is(err, services.ErrKYCRequired):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrDuplicateConfirmation),
		errors.Is(err, services.ErrEscrowAlreadyReleased),
		errors.Is(err, services.ErrEscrowNotFunded),
		errors.Is(err, services.ErrOfferNotActive),
		errors.Is(err, services.ErrInsufficientAvailability),
		errors.Is(err, services.ErrSelfTrade),
		errors.Is(err, services.ErrCancelTooEarly),
		errors.Is(err, services.ErrAlreadyRated),
		errors.Is(err, services.ErrTradeNotRatable),
		errors.Is(err, services.ErrDisputeClosed),
		errors.Is(err, services.ErrAlreadyOptedIn),
		errors.Is(err, services.ErrSettlementInFlight):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrAmountOutOfRange),
		errors.Is(err, services.ErrPaymentMethodNotAccepted),
		errors.Is(err, services.ErrOfferLimits),
		errors.Is(err, services.ErrNoPaymentMethods),
		errors.Is(err, services.ErrInvalidRate),
		errors.Is(err, services.ErrUnknownToken),
		errors.Is(err, services.ErrRatingOutOfRange),
		errors.Is(err, services.ErrReasonTooShort),
		errors.Is(err, services.ErrUnknownResolution),
		errors.Is(err, services.ErrInvalidReleaseAmount),
		errors.Is(err, services.ErrEmptyMessage),
		errors.Is(err, services.ErrMessageTooLong),
		errors.Is(err, services.ErrNoWalletAddress),
		errors.Is(err, services.ErrFundingNotPrepared),
		errors.Is(err, services.ErrOptInNotPrepared),
		errors.Is(err, services.ErrNoPreviousStatus):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrSponsorUnavailable),
		errors.Is(err, ledger.ErrSponsorInsufficient),
		errors.Is(err, ledger.ErrSponsorUnavailable),
		errors.Is(err, ledger.ErrLedgerUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		var rejected *ledger.RejectedError
		if errors.As(err, &rejected) {
			respondError(w, http.StatusBadRequest, rejected.Error())
			return
		}
		log.Printf("handler: internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dest any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dest)
}
