package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fortflux/state"
)

// Role enumerations for persistence.
const (
	RoleBuyer   = "buyer"
	RoleSeller  = "seller"
	RoleEscrow  = "escrow"
	RoleSupport = "support"
	RoleAdmin   = "admin"
)

// ListingStatus tracks whether a listing can still be purchased.
type ListingStatus string

// All listing statuses.
const (
	ListingAvailable ListingStatus = "available"
	ListingPending   ListingStatus = "pending"
	ListingSold      ListingStatus = "sold"
)

// User stores marketplace participants across every role.
type User struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Username  string          `gorm:"uniqueIndex;size:64" json:"username"`
	Role      string          `gorm:"size:16;index" json:"role"`
	DealCount int64           `gorm:"not null;default:0" json:"deal_count"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,2)" json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Listing is a sellable game account.
type Listing struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	SellerID  uuid.UUID       `gorm:"type:uuid;index" json:"seller_id"`
	Title     string          `gorm:"size:255" json:"title"`
	Game      string          `gorm:"size:64;index" json:"game"`
	Price     decimal.Decimal `gorm:"type:decimal(20,2)" json:"price"`
	Status    ListingStatus   `gorm:"size:16;index" json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is the central escrow entity. Fees are computed once at
// creation and never recomputed; resolution may zero them out on refund.
type Transaction struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ListingID    uuid.UUID       `gorm:"type:uuid;index" json:"listing_id"`
	SellerID     uuid.UUID       `gorm:"type:uuid;index" json:"seller_id"`
	BuyerID      uuid.UUID       `gorm:"type:uuid;index" json:"buyer_id"`
	EscrowID     *uuid.UUID      `gorm:"type:uuid;index" json:"escrow_id,omitempty"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	Status       state.Status    `gorm:"size:24;index" json:"status"`
	PlatformFee  decimal.Decimal `gorm:"type:decimal(20,2)" json:"platform_fee"`
	EscrowFee    decimal.Decimal `gorm:"type:decimal(20,2)" json:"escrow_fee"`
	CryptoType   string          `gorm:"size:16" json:"crypto_type,omitempty"`
	CryptoAmount decimal.Decimal `gorm:"type:decimal(28,8)" json:"crypto_amount"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	Payments []PaymentRecord `gorm:"foreignKey:TransactionID" json:"payments,omitempty"`
}

// Payment processor status vocabulary, mirrored verbatim from the gateway.
const (
	PaymentWaiting   = "waiting"
	PaymentConfirmed = "confirmed"
	PaymentFinished  = "finished"
	PaymentFailed    = "failed"
	PaymentExpired   = "expired"
)

// PaymentRecord is one external-processor invoice for a transaction attempt.
// Records are created when a payment flow starts, updated only by the
// reconciliation processor, and never deleted.
type PaymentRecord struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	TransactionID uuid.UUID       `gorm:"type:uuid;index" json:"transaction_id"`
	InvoiceID     string          `gorm:"size:128;index" json:"invoice_id"`
	PayCurrency   string          `gorm:"size:16" json:"pay_currency"`
	PayAmount     decimal.Decimal `gorm:"type:decimal(28,8)" json:"pay_amount"`
	PaymentStatus string          `gorm:"size:24;index" json:"payment_status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Ban is an administrative restriction on a user. Bans get their own table
// so moderation queries never touch feedback or rating data.
type Ban struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	AdminID   uuid.UUID  `gorm:"type:uuid;index" json:"admin_id"`
	TargetID  uuid.UUID  `gorm:"type:uuid;index" json:"target_id"`
	Reason    string     `gorm:"size:512" json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Notification is a fire-and-forget message for a user. The core guarantees
// at most one row per party per status change; delivery is external.
type Notification struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID  `gorm:"type:uuid;index" json:"user_id"`
	TransactionID *uuid.UUID `gorm:"type:uuid;index" json:"transaction_id,omitempty"`
	Kind          string     `gorm:"size:64;index" json:"kind"`
	Body          string     `gorm:"size:512" json:"body"`
	CreatedAt     time.Time  `json:"created_at"`
}

// AuditEvent is the append-only trail of every state transition.
type AuditEvent struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TransactionID *uuid.UUID `gorm:"type:uuid;index" json:"transaction_id,omitempty"`
	ActorID       uuid.UUID  `gorm:"type:uuid;index" json:"actor_id"`
	Action        string     `gorm:"size:64" json:"action"`
	Details       string     `gorm:"type:text" json:"details"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// WebhookSubscription describes an outbound notification endpoint.
type WebhookSubscription struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	EventType string `gorm:"size:64;index"`
	URL       string `gorm:"size:512"`
	Secret    string `gorm:"size:128"`
	RateLimit int    `gorm:"not null"`
	Active    bool   `gorm:"not null"`
	CreatedAt time.Time
}

// WebhookAttempt captures one outbound delivery attempt.
type WebhookAttempt struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	WebhookID      int64     `gorm:"index"`
	NotificationID uuid.UUID `gorm:"type:uuid;index"`
	Attempt        int
	Status         string `gorm:"size:16"`
	Error          string `gorm:"size:512"`
	NextAttempt    *time.Time
	CreatedAt      time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Listing{},
		&Transaction{},
		&PaymentRecord{},
		&Ban{},
		&Notification{},
		&AuditEvent{},
		&IdempotencyKey{},
		&WebhookSubscription{},
		&WebhookAttempt{},
	)
}
