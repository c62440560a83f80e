package trade

import "confio/internal/models"

// Event is a trigger applied to a trade.
type Event string

const (
	EventEscrowOpened         Event = "escrow_opened"
	EventConfirmPaymentSent   Event = "confirm_payment_sent"
	EventConfirmPaymentRecv   Event = "confirm_payment_received"
	EventConfirmCryptoRelease Event = "confirm_crypto_released"
	EventConfirmCryptoRecv    Event = "confirm_crypto_received"
	EventSettlementConfirmed  Event = "settlement_confirmed"
	EventSettlementFailed     Event = "settlement_failed"
	EventCancel               Event = "cancel"
	EventExpire               Event = "expire"
	EventDisputeOpen          Event = "dispute_open"
	EventDisputeResolve       Event = "dispute_resolve"
	EventAMLHold              Event = "aml_hold"
	EventAMLClear             Event = "aml_clear"
)

// Role names the side of the trade allowed to fire an event.
type Role int

const (
	RoleSystem Role = iota
	RoleBuyer
	RoleSeller
	RoleEither
	RoleAdmin
)

type Transition struct {
	From  string
	Event Event
	To    string
	By    Role
}

// table encodes the full lifecycle. Dispute and AML edges from any
// non-terminal state are handled in Next rather than enumerated here.
var table = []Transition{
	{models.TradePending, EventEscrowOpened, models.TradePaymentPending, RoleSystem},
	{models.TradePending, EventCancel, models.TradeCancelled, RoleEither},
	{models.TradePaymentPending, EventCancel, models.TradeCancelled, RoleEither},
	{models.TradePending, EventExpire, models.TradeExpired, RoleSystem},
	{models.TradePaymentPending, EventExpire, models.TradeExpired, RoleSystem},
	{models.TradePaymentPending, EventConfirmPaymentSent, models.TradePaymentSent, RoleBuyer},
	{models.TradePaymentSent, EventConfirmPaymentRecv, models.TradePaymentConfirmed, RoleSeller},
	{models.TradePaymentConfirmed, EventConfirmCryptoRelease, models.TradeCryptoReleased, RoleSeller},
	{models.TradeCryptoReleased, EventConfirmCryptoRecv, models.TradeCryptoReleased, RoleBuyer},
	{models.TradeCryptoReleased, EventSettlementConfirmed, models.TradeCompleted, RoleSystem},
	{models.TradeCryptoReleased, EventSettlementFailed, models.TradeFailedSettlement, RoleSystem},
}

// Terminal reports whether no further transitions can leave the status.
func Terminal(status string) bool {
	switch status {
	case models.TradeCompleted, models.TradeCancelled, models.TradeExpired, models.TradeFailedSettlement:
		return true
	}
	return false
}

// Next resolves the transition for (from, event). The second return is false
// when the event is not legal in the given status.
func Next(from string, event Event) (Transition, bool) {
	switch event {
	case EventDisputeOpen:
		if Terminal(from) || from == models.TradeDisputed {
			return Transition{}, false
		}
		return Transition{From: from, Event: event, To: models.TradeDisputed, By: RoleEither}, true
	case EventAMLHold:
		if Terminal(from) || from == models.TradeAMLReview {
			return Transition{}, false
		}
		return Transition{From: from, Event: event, To: models.TradeAMLReview, By: RoleSystem}, true
	case EventDisputeResolve:
		if from != models.TradeDisputed {
			return Transition{}, false
		}
		// Resolution target depends on the admin decision; the caller
		// supplies it. To is left empty on purpose.
		return Transition{From: from, Event: event, By: RoleAdmin}, true
	case EventAMLClear:
		if from != models.TradeAMLReview {
			return Transition{}, false
		}
		return Transition{From: from, Event: event, By: RoleSystem}, true
	}
	for _, t := range table {
		if t.From == from && t.Event == event {
			return t, true
		}
	}
	return Transition{}, false
}

// ConfirmationEvent maps a confirmation type to its lifecycle event.
func ConfirmationEvent(confirmationType string) (Event, bool) {
	switch confirmationType {
	case models.ConfirmPaymentSent:
		return EventConfirmPaymentSent, true
	case models.ConfirmPaymentReceived:
		return EventConfirmPaymentRecv, true
	case models.ConfirmCryptoReleased:
		return EventConfirmCryptoRelease, true
	case models.ConfirmCryptoReceived:
		return EventConfirmCryptoRecv, true
	}
	return "", false
}

// PriorityBucket orders a user's trade list: active problems first, then the
// states that need action, finished trades last.
func PriorityBucket(status string) int {
	switch status {
	case models.TradeDisputed:
		return 1
	case models.TradePending:
		return 2
	case models.TradePaymentPending:
		return 3
	case models.TradePaymentSent:
		return 4
	case models.TradePaymentConfirmed:
		return 5
	case models.TradeCompleted:
		return 6
	default:
		return 999
	}
}

// Expirable reports whether reaching expires_at in this status forces EXPIRED.
func Expirable(status string) bool {
	return status == models.TradePending || status == models.TradePaymentPending
}
