// Package recon reconciles external payment-processor notifications with
// transaction state. The caller is untrusted: payloads may be duplicated,
// replayed or delivered out of order, so every step is idempotent.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fortflux/escrow"
	"fortflux/models"
)

var (
	// ErrRecordNotFound indicates no payment record exists for the supplied
	// transaction reference. This is a hard failure for the caller, not a
	// retryable condition inside the processor.
	ErrRecordNotFound = errors.New("recon: payment record not found")
	// ErrInvalidPayload covers structurally broken notifications.
	ErrInvalidPayload = errors.New("recon: invalid notification payload")
)

// Notification is the payload pushed by the payment processor.
type Notification struct {
	OrderID       string          `json:"order_id"`
	PaymentStatus string          `json:"payment_status"`
	PayAmount     decimal.Decimal `json:"pay_amount"`
	PayCurrency   string          `json:"pay_currency"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
}

// Result reports what the processor did with a notification.
type Result struct {
	TransactionID uuid.UUID
	Status        string
	Transitioned  bool
}

// Processor applies processor notifications to payment records and drives
// the escrow engine.
type Processor struct {
	db     *gorm.DB
	engine *escrow.Engine
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor constructs a reconciliation processor.
func NewProcessor(db *gorm.DB, engine *escrow.Engine, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{db: db, engine: engine, logger: logger, now: time.Now}
}

// SetNowFunc overrides the time source, primarily for tests.
func (p *Processor) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	p.now = now
}

// Process validates and applies a single processor notification.
//
// The payment record is updated unconditionally (the processor is the source
// of truth for payment status, last write wins). The transaction transition
// only happens when the state machine allows it; replays resolve to a no-op
// rather than an error.
func (p *Processor) Process(ctx context.Context, payload Notification) (*Result, error) {
	orderID := strings.TrimSpace(payload.OrderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrInvalidPayload)
	}
	transactionID, err := uuid.Parse(orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order_id is not a transaction id", ErrInvalidPayload)
	}
	status := strings.ToLower(strings.TrimSpace(payload.PaymentStatus))
	if status == "" {
		return nil, fmt.Errorf("%w: payment_status is required", ErrInvalidPayload)
	}

	var record models.PaymentRecord
	if err := p.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at DESC").
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: transaction %s", ErrRecordNotFound, transactionID)
		}
		return nil, err
	}

	updates := map[string]interface{}{
		"payment_status": status,
		"updated_at":     p.now(),
	}
	if payload.PayAmount.Sign() > 0 {
		updates["pay_amount"] = payload.PayAmount
	}
	if currency := strings.ToLower(strings.TrimSpace(payload.PayCurrency)); currency != "" {
		updates["pay_currency"] = currency
	}
	if err := p.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ?", record.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	result := &Result{TransactionID: transactionID, Status: status}
	switch status {
	case models.PaymentConfirmed, models.PaymentFinished:
		transitioned, err := p.engine.ConfirmPayment(ctx, transactionID, payload.PayAmount, payload.PayCurrency)
		if err != nil {
			if errors.Is(err, escrow.ErrConcurrentTransition) {
				// Someone else already moved the transaction; the webhook
				// achieved its goal.
				p.logger.Info("webhook lost transition race", "transaction", transactionID)
				return result, nil
			}
			return nil, err
		}
		result.Transitioned = transitioned
	case models.PaymentFailed, models.PaymentExpired:
		if err := p.engine.FailPayment(ctx, transactionID); err != nil {
			if errors.Is(err, escrow.ErrConcurrentTransition) {
				p.logger.Info("webhook lost transition race", "transaction", transactionID)
				return result, nil
			}
			return nil, err
		}
	case models.PaymentWaiting:
		// Status mirror only.
	default:
		p.logger.Warn("unknown payment status recorded", "status", status, "transaction", transactionID)
	}
	return result, nil
}
