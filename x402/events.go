package x402

import "time"

// EventType classifies payment lifecycle events.
type EventType string

const (
	// EventPaymentRequired fires when a request is refused with a 402.
	EventPaymentRequired EventType = "PAYMENT_REQUIRED"

	// EventSettlementConfirmed fires after a settlement receipt is observed.
	EventSettlementConfirmed EventType = "SETTLEMENT_CONFIRMED"

	// EventSettlementFailed fires when settlement fails or errors.
	EventSettlementFailed EventType = "SETTLEMENT_FAILED"

	// EventHandlerFailed fires when the protected handler errors after
	// settlement already succeeded. Funds have moved; the failure must be
	// reconciled out of band.
	EventHandlerFailed EventType = "HANDLER_FAILED"
)

// Event is a payment lifecycle notification.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Route     string
	Network   string // CAIP-2
	Payer     string

	// Transaction is the settlement transaction hash, when known.
	Transaction string

	// Amount is the required amount in atomic units.
	Amount string

	// Reason carries the error reason for failure events.
	Reason string
}

// EventCallback receives lifecycle events. Callbacks run synchronously on
// the request path and must be fast; spawn a goroutine for slow work.
type EventCallback func(Event)

func emit(cb EventCallback, ev Event) {
	if cb == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	cb(ev)
}
