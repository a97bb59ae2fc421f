package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the read-only catalog entry. Price and stock in this table are
// the only trusted source for amounts charged; agent-supplied prices are
// ignored everywhere. Stock is mutated in exactly one place: settlement.
type Product struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Currency  string          `db:"currency" json:"currency"`
	Stock     int             `db:"stock" json:"stock"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Cart is the mutable aggregate of a shopping session. Once checked out its
// id doubles as the checkout id.
type Cart struct {
	ID        string          `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	Status    string          `db:"status" json:"status"`
	Currency  string          `db:"currency" json:"currency"`
	Total     decimal.Decimal `db:"total" json:"total"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// CartItem snapshots the unit price at checkout time. Before checkout the
// snapshot is advisory; totals are always recomputed from products.
type CartItem struct {
	ID        int64           `db:"id" json:"id"`
	CartID    string          `db:"cart_id" json:"cart_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Cart statuses. A cart never leaves paid and is never checked out twice.
const (
	CartStatusActive     = "active"
	CartStatusCheckedOut = "checked_out"
	CartStatusPaid       = "paid"
)

// Payment statuses recorded in session state. succeeded and failed are
// terminal: the next GetOrCreate on the session resets all progress fields.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// Protocol stage markers, advanced monotonically by the orchestrator.
const (
	StageCreated             = "created"
	StageCartActive          = "cart_active"
	StageCheckedOut          = "checked_out"
	StageMandateApproved     = "mandate_approved"
	StageRevealTokenObtained = "reveal_token_obtained"
	StageCredentialsRealized = "credentials_realized"
	StageSettling            = "settling"
	StageCompleted           = "completed"
	StageFailed              = "failed"
)

// ProcessedEvent marks a consumed checkout event for at-most-once auditing.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
