package models

import "time"

// Event types published to the checkout topic.
const (
	EventTypeCheckoutFrozen      = "CHECKOUT_FROZEN"
	EventTypeMandateApproved     = "MANDATE_APPROVED"
	EventTypeCredentialsRealized = "CREDENTIALS_REALIZED"
	EventTypePaymentSucceeded    = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed       = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all checkout events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckoutFrozenEvent is published when a cart is frozen into a checkout.
type CheckoutFrozenEvent struct {
	BaseEvent
	CheckoutID string `json:"checkout_id"`
	UserID     string `json:"user_id"`
	// TotalMinor is the frozen total in the currency's minor unit.
	TotalMinor int64  `json:"total_minor"`
	Currency   string `json:"currency"`
	ItemCount  int    `json:"item_count"`
}

// MandateApprovedEvent is published when the wallet authority approves spend.
type MandateApprovedEvent struct {
	BaseEvent
	CheckoutID  string `json:"checkout_id"`
	MandateID   string `json:"mandate_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// CredentialsRealizedEvent is published when a payment-method reference is
// vaulted. It carries only the reference's last4 hint, never card data.
type CredentialsRealizedEvent struct {
	BaseEvent
	CheckoutID string `json:"checkout_id"`
	CardLast4  string `json:"card_last4,omitempty"`
}

// PaymentSucceededEvent is published on settlement success.
type PaymentSucceededEvent struct {
	BaseEvent
	CheckoutID  string `json:"checkout_id"`
	OrderID     string `json:"order_id"`
	ChargeID    string `json:"charge_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// PaymentFailedEvent is published on a terminal settlement failure.
type PaymentFailedEvent struct {
	BaseEvent
	CheckoutID string `json:"checkout_id"`
	Reason     string `json:"reason"`
}
