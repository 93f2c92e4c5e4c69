// Package escrow owns the authoritative transaction lifecycle: creation,
// agent assignment, payment confirmation, release, dispute and resolution.
// Every mutation is a short unit of work that reads the current status under
// a row lock, consults the state machine, and applies a conditional update
// keyed on the expected status.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fortflux/fees"
	"fortflux/models"
	"fortflux/rank"
	"fortflux/state"
)

var (
	// ErrTransactionNotFound indicates the supplied transaction id was unknown.
	ErrTransactionNotFound = errors.New("escrow: transaction not found")
	// ErrListingNotFound indicates the referenced listing does not exist.
	ErrListingNotFound = errors.New("escrow: listing not found")
	// ErrUserNotFound indicates a referenced participant does not exist.
	ErrUserNotFound = errors.New("escrow: user not found")
	// ErrValidation covers rejected input: self-purchase, non-positive
	// amount, unavailable listing, mismatched seller.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrNoEscrowCapacity is returned when no escrow-role participant exists.
	ErrNoEscrowCapacity = errors.New("escrow: no escrow agent available")
	// ErrUnauthorized indicates the actor may not perform the operation.
	ErrUnauthorized = errors.New("escrow: actor not permitted")
	// ErrConcurrentTransition indicates another caller transitioned the
	// transaction between our read and write. The loser of the race should
	// treat the transaction as already handled, not as a hard failure.
	ErrConcurrentTransition = errors.New("escrow: transaction concurrently transitioned")
	// ErrUpstream wraps payment-processor failures.
	ErrUpstream = errors.New("escrow: payment processor failure")
)

// PaymentInvoice is the subset of a processor invoice the engine records.
type PaymentInvoice struct {
	ID          string
	PayCurrency string
	PayAmount   decimal.Decimal
}

// PaymentProcessor creates invoices with the external payment provider.
type PaymentProcessor interface {
	CreateInvoice(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, payCurrency string) (*PaymentInvoice, error)
}

// Hook observes committed notifications, e.g. to feed an outbound delivery
// worker. Hooks run after the surrounding database transaction commits.
type Hook func(models.Notification)

// Engine coordinates transaction state against the shared database.
type Engine struct {
	db        *gorm.DB
	processor PaymentProcessor
	afterNote Hook
	now       func() time.Time
}

// New constructs an engine backed by the provided database.
func New(db *gorm.DB) *Engine {
	return &Engine{db: db, now: time.Now}
}

// SetProcessor configures the external payment processor client.
func (e *Engine) SetProcessor(p PaymentProcessor) { e.processor = p }

// SetNotificationHook registers a hook invoked for every committed
// notification. Passing nil removes the hook.
func (e *Engine) SetNotificationHook(h Hook) { e.afterNote = h }

// SetNowFunc overrides the time source, primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.now = now
}

// Create validates the purchase request, fixes the platform fee, persists the
// transaction in status pending and flips the listing to pending in the same
// database transaction, so the two writes can never diverge.
func (e *Engine) Create(ctx context.Context, buyerID, listingID uuid.UUID, amount decimal.Decimal) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	var created models.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var listing models.Listing
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&listing, "id = ?", listingID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrListingNotFound
			}
			return err
		}
		if listing.Status != models.ListingAvailable {
			return fmt.Errorf("%w: listing is %s", ErrValidation, listing.Status)
		}
		if listing.SellerID == buyerID {
			return fmt.Errorf("%w: buyer and seller must differ", ErrValidation)
		}

		var buyer, seller models.User
		if err := tx.First(&buyer, "id = ?", buyerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: buyer %s", ErrUserNotFound, buyerID)
			}
			return err
		}
		if err := tx.First(&seller, "id = ?", listing.SellerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: seller %s", ErrUserNotFound, listing.SellerID)
			}
			return err
		}

		now := e.now()
		sellerTier := rank.For(rank.ClassSeller, seller.DealCount)
		breakdown := fees.Compute(amount, sellerTier, rank.Tier{})
		created = models.Transaction{
			ID:          uuid.New(),
			ListingID:   listing.ID,
			SellerID:    seller.ID,
			BuyerID:     buyer.ID,
			Amount:      amount,
			Status:      state.StatusPending,
			PlatformFee: breakdown.PlatformFee,
			EscrowFee:   decimal.Zero,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		listing.Status = models.ListingPending
		listing.UpdatedAt = now
		if err := tx.Save(&listing).Error; err != nil {
			return err
		}
		return e.appendAudit(tx, &created.ID, buyer.ID, "transaction.created",
			fmt.Sprintf("amount=%s listing=%s", amount, listing.ID))
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// AssignAgent selects the escrow-role participant with the highest completed
// deal count and assigns it to the transaction. The escrow fee is fixed from
// the agent's tier at this point. Assignment is immutable: a second call
// returns the existing assignment without changes.
func (e *Engine) AssignAgent(ctx context.Context, transactionID uuid.UUID) (*models.Transaction, error) {
	var assigned models.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := lockTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		if txn.EscrowID != nil {
			assigned = *txn
			return nil
		}
		if txn.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", state.ErrTerminalState, txn.ID, txn.Status)
		}

		var agent models.User
		if err := tx.Where("role = ?", models.RoleEscrow).
			Order("deal_count DESC").
			First(&agent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoEscrowCapacity
			}
			return err
		}

		tier := rank.For(rank.ClassEscrow, agent.DealCount)
		escrowFee := fees.Compute(txn.Amount, rank.Tier{}, tier).EscrowFee
		now := e.now()
		txn.EscrowID = &agent.ID
		txn.EscrowFee = escrowFee
		txn.UpdatedAt = now
		if err := tx.Save(txn).Error; err != nil {
			return err
		}
		if err := e.appendAudit(tx, &txn.ID, agent.ID, "escrow.assigned",
			fmt.Sprintf("agent=%s tier=%s fee=%s", agent.ID, tier.Name, escrowFee)); err != nil {
			return err
		}
		assigned = *txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &assigned, nil
}

// InitiatePayment creates an invoice with the external processor and moves
// the transaction from pending to pending_payment. The payment record is
// only written once the processor call has succeeded, so an upstream failure
// leaves no partial state behind.
func (e *Engine) InitiatePayment(ctx context.Context, transactionID, actorID uuid.UUID, payCurrency string) (*models.PaymentRecord, error) {
	if e.processor == nil {
		return nil, fmt.Errorf("%w: processor not configured", ErrUpstream)
	}

	var txn models.Transaction
	if err := e.db.WithContext(ctx).First(&txn, "id = ?", transactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if txn.BuyerID != actorID {
		return nil, fmt.Errorf("%w: only the buyer may initiate payment", ErrUnauthorized)
	}
	if _, err := state.Apply(txn.Status, state.EventPaymentInitiated); err != nil {
		return nil, err
	}

	invoice, err := e.processor.CreateInvoice(ctx, txn.ID, txn.Amount, payCurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	now := e.now()
	record := models.PaymentRecord{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		InvoiceID:     invoice.ID,
		PayCurrency:   invoice.PayCurrency,
		PayAmount:     invoice.PayAmount,
		PaymentStatus: models.PaymentWaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.transition(tx, txn.ID, state.EventPaymentInitiated, actorID, func(tx *gorm.DB, txn *models.Transaction) error {
			txn.CryptoType = invoice.PayCurrency
			return tx.Create(&record).Error
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ConfirmPayment moves the transaction into escrow after the processor has
// confirmed funds. Replays are no-ops: when the transaction already left
// pending/pending_payment the call succeeds without a second transition and
// without duplicate notifications.
func (e *Engine) ConfirmPayment(ctx context.Context, transactionID uuid.UUID, payAmount decimal.Decimal, payCurrency string) (bool, error) {
	transitioned := false
	err := e.withNotifications(ctx, func(tx *gorm.DB, notes *[]models.Notification) error {
		txn, err := lockTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		switch txn.Status {
		case state.StatusPending, state.StatusPendingPayment:
		default:
			// Webhook replay after the transition (or after settlement)
			// is benign.
			return nil
		}
		// A confirmation may arrive while the record still shows pending
		// (e.g. the initiation response raced the webhook); fold that into
		// pending_payment first so the transition table stays authoritative.
		if txn.Status == state.StatusPending {
			next, err := state.Apply(txn.Status, state.EventPaymentInitiated)
			if err != nil {
				return err
			}
			txn.Status = next
		}
		next, err := state.Apply(txn.Status, state.EventPaymentConfirmed)
		if err != nil {
			return err
		}
		now := e.now()
		updates := map[string]interface{}{
			"status":     next,
			"updated_at": now,
		}
		if txn.CryptoAmount.IsZero() && payAmount.Sign() > 0 {
			updates["crypto_amount"] = payAmount
			if payCurrency != "" {
				updates["crypto_type"] = payCurrency
			}
		}
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status IN ?", txn.ID, []state.Status{state.StatusPending, state.StatusPendingPayment}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentTransition
		}
		transitioned = true
		*notes = append(*notes,
			e.note(txn.BuyerID, txn.ID, "payment.confirmed", "Payment confirmed, funds are in escrow."),
			e.note(txn.SellerID, txn.ID, "payment.confirmed", "Buyer's payment is in escrow, proceed with the account handover."),
		)
		return e.appendAudit(tx, &txn.ID, uuid.Nil, "transaction.in_escrow", "processor confirmed payment")
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// FailPayment returns a transaction to pending after the processor reports
// the attempt failed or expired. Terminal and already-pending transactions
// are left untouched.
func (e *Engine) FailPayment(ctx context.Context, transactionID uuid.UUID) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := lockTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status != state.StatusPendingPayment {
			return nil
		}
		next, err := state.Apply(txn.Status, state.EventPaymentFailed)
		if err != nil {
			return err
		}
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", txn.ID, state.StatusPendingPayment).
			Updates(map[string]interface{}{"status": next, "updated_at": e.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentTransition
		}
		return e.appendAudit(tx, &txn.ID, uuid.Nil, "transaction.payment_failed", "processor reported failure")
	})
}

// Release settles the escrow in favour of the seller. Only the buyer or an
// admin may release. Exactly one of two racing callers (release vs. dispute
// resolution) wins; the loser observes ErrConcurrentTransition.
func (e *Engine) Release(ctx context.Context, transactionID, actorID uuid.UUID, isAdmin bool) error {
	return e.withNotifications(ctx, func(tx *gorm.DB, notes *[]models.Notification) error {
		txn, err := lockTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		if !isAdmin && txn.BuyerID != actorID {
			return fmt.Errorf("%w: only the buyer or an admin may release funds", ErrUnauthorized)
		}
		next, err := state.Apply(txn.Status, state.EventRelease)
		if err != nil {
			return err
		}
		if err := e.settleRelease(tx, txn, next, actorID, notes); err != nil {
			return err
		}
		return nil
	})
}

// Dispute flags an in-escrow transaction as contested. Either party may file.
func (e *Engine) Dispute(ctx context.Context, transactionID, actorID uuid.UUID) error {
	return e.withNotifications(ctx, func(tx *gorm.DB, notes *[]models.Notification) error {
		txn, err := lockTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		if txn.BuyerID != actorID && txn.SellerID != actorID {
			return fmt.Errorf("%w: only a party to the transaction may dispute", ErrUnauthorized)
		}
		next, err := state.Apply(txn.Status, state.EventDispute)
		if err != nil {
			return err
		}
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", txn.ID, txn.Status).
			Updates(map[string]interface{}{"status": next, "updated_at": e.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentTransition
		}
		other := txn.SellerID
		if actorID == txn.SellerID {
			other = txn.BuyerID
		}
		*notes = append(*notes, e.note(other, txn.ID, "transaction.disputed", "The transaction has been disputed and is under review."))
		return e.appendAudit(tx, &txn.ID, actorID, "transaction.disputed", "")
	})
}

// Cancel abandons a transaction that has not reached escrow. The buyer or an
// admin may cancel; the listing returns to the market.
func (e *Engine) Cancel(ctx context.Context, transactionID, actorID uuid.UUID, isAdmin bool) error {
	return e.withNotifications(ctx, func(tx *gorm.DB, notes *[]models.Notification) error {
		txn, err := lockTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		if !isAdmin && txn.BuyerID != actorID {
			return fmt.Errorf("%w: only the buyer or an admin may cancel", ErrUnauthorized)
		}
		next, err := state.Apply(txn.Status, state.EventCancel)
		if err != nil {
			return err
		}
		now := e.now()
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", txn.ID, txn.Status).
			Updates(map[string]interface{}{"status": next, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentTransition
		}
		if err := tx.Model(&models.Listing{}).
			Where("id = ?", txn.ListingID).
			Updates(map[string]interface{}{"status": models.ListingAvailable, "updated_at": now}).Error; err != nil {
			return err
		}
		*notes = append(*notes, e.note(txn.SellerID, txn.ID, "transaction.cancelled",
			"The purchase was cancelled; your listing is available again."))
		return e.appendAudit(tx, &txn.ID, actorID, "transaction.cancelled", "")
	})
}

// Outcome enumerates admissible dispute resolutions.
type Outcome string

// Resolution outcomes.
const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Resolve settles a disputed transaction (or, as an administrative override,
// one still in escrow). Release pays the seller; refund returns the amount to
// the buyer and cancels fee capture by zeroing both fees. A second resolve on
// a terminal transaction fails with the state machine's terminal error.
func (e *Engine) Resolve(ctx context.Context, transactionID, actorID uuid.UUID, outcome Outcome) error {
	var event state.Event
	switch outcome {
	case OutcomeRelease:
		event = state.EventResolveRelease
	case OutcomeRefund:
		event = state.EventResolveRefund
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrValidation, outcome)
	}
	return e.withNotifications(ctx, func(tx *gorm.DB, notes *[]models.Notification) error {
		txn, err := lockTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		next, err := state.Apply(txn.Status, event)
		if err != nil {
			return err
		}
		if outcome == OutcomeRelease {
			return e.settleRelease(tx, txn, next, actorID, notes)
		}
		return e.settleRefund(tx, txn, next, actorID, notes)
	})
}

// Get loads a transaction with its payment records.
func (e *Engine) Get(ctx context.Context, transactionID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := e.db.WithContext(ctx).Preload("Payments").First(&txn, "id = ?", transactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (e *Engine) settleRelease(tx *gorm.DB, txn *models.Transaction, next state.Status, actorID uuid.UUID, notes *[]models.Notification) error {
	now := e.now()
	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, txn.Status).
		Updates(map[string]interface{}{"status": next, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentTransition
	}

	net := txn.Amount.Sub(txn.PlatformFee).Sub(txn.EscrowFee)
	if err := creditUser(tx, txn.SellerID, net, now); err != nil {
		return err
	}
	if err := bumpDeals(tx, txn.SellerID, now); err != nil {
		return err
	}
	if txn.EscrowID != nil {
		if err := creditUser(tx, *txn.EscrowID, txn.EscrowFee, now); err != nil {
			return err
		}
		if err := bumpDeals(tx, *txn.EscrowID, now); err != nil {
			return err
		}
	}
	if err := tx.Model(&models.Listing{}).
		Where("id = ?", txn.ListingID).
		Updates(map[string]interface{}{"status": models.ListingSold, "updated_at": now}).Error; err != nil {
		return err
	}

	*notes = append(*notes,
		e.note(txn.BuyerID, txn.ID, "transaction.completed", "Funds have been released to the seller."),
		e.note(txn.SellerID, txn.ID, "transaction.completed", fmt.Sprintf("Sale settled: %s credited to your balance.", net)),
	)
	return e.appendAudit(tx, &txn.ID, actorID, "transaction.completed", fmt.Sprintf("net=%s", net))
}

func (e *Engine) settleRefund(tx *gorm.DB, txn *models.Transaction, next state.Status, actorID uuid.UUID, notes *[]models.Notification) error {
	now := e.now()
	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, txn.Status).
		Updates(map[string]interface{}{
			"status":       next,
			"platform_fee": decimal.Zero,
			"escrow_fee":   decimal.Zero,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentTransition
	}
	if err := creditUser(tx, txn.BuyerID, txn.Amount, now); err != nil {
		return err
	}
	if err := tx.Model(&models.Listing{}).
		Where("id = ?", txn.ListingID).
		Updates(map[string]interface{}{"status": models.ListingAvailable, "updated_at": now}).Error; err != nil {
		return err
	}
	*notes = append(*notes,
		e.note(txn.BuyerID, txn.ID, "transaction.refunded", fmt.Sprintf("Refund issued: %s returned to your balance.", txn.Amount)),
		e.note(txn.SellerID, txn.ID, "transaction.refunded", "The dispute was resolved in the buyer's favour."),
	)
	return e.appendAudit(tx, &txn.ID, actorID, "transaction.refunded", fmt.Sprintf("amount=%s", txn.Amount))
}

// transition applies a single state-machine event to a transaction under a
// row lock, running hook inside the same database transaction.
func (e *Engine) transition(tx *gorm.DB, transactionID uuid.UUID, event state.Event, actorID uuid.UUID, hook func(*gorm.DB, *models.Transaction) error) error {
	txn, err := lockTransaction(tx, transactionID)
	if err != nil {
		return err
	}
	next, err := state.Apply(txn.Status, event)
	if err != nil {
		return err
	}
	prev := txn.Status
	txn.Status = next
	txn.UpdatedAt = e.now()
	if hook != nil {
		if err := hook(tx, txn); err != nil {
			return err
		}
	}
	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, prev).
		Updates(map[string]interface{}{
			"status":      txn.Status,
			"crypto_type": txn.CryptoType,
			"updated_at":  txn.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentTransition
	}
	return e.appendAudit(tx, &txn.ID, actorID, fmt.Sprintf("transaction.%s", next), "")
}

// withNotifications runs fn in a database transaction, persists every
// notification fn accumulated, and invokes the post-commit hook once per
// note. Notes are only written when the transaction commits, which is what
// pins "exactly once per status change".
func (e *Engine) withNotifications(ctx context.Context, fn func(tx *gorm.DB, notes *[]models.Notification) error) error {
	var notes []models.Notification
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(tx, &notes); err != nil {
			return err
		}
		for i := range notes {
			if err := tx.Create(&notes[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if e.afterNote != nil {
		for _, n := range notes {
			e.afterNote(n)
		}
	}
	return nil
}

func (e *Engine) note(userID, transactionID uuid.UUID, kind, body string) models.Notification {
	txRef := transactionID
	return models.Notification{
		ID:            uuid.New(),
		UserID:        userID,
		TransactionID: &txRef,
		Kind:          kind,
		Body:          body,
		CreatedAt:     e.now(),
	}
}

func (e *Engine) appendAudit(tx *gorm.DB, transactionID *uuid.UUID, actorID uuid.UUID, action, details string) error {
	event := models.AuditEvent{
		ID:            uuid.New(),
		TransactionID: transactionID,
		ActorID:       actorID,
		Action:        action,
		Details:       details,
		CreatedAt:     e.now(),
	}
	return tx.Create(&event).Error
}

func lockTransaction(tx *gorm.DB, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func creditUser(tx *gorm.DB, id uuid.UUID, amount decimal.Decimal, now time.Time) error {
	if amount.Sign() <= 0 {
		return nil
	}
	var user models.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		return err
	}
	user.Balance = user.Balance.Add(amount)
	user.UpdatedAt = now
	return tx.Save(&user).Error
}

func bumpDeals(tx *gorm.DB, id uuid.UUID, now time.Time) error {
	return tx.Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"deal_count": gorm.Expr("deal_count + 1"),
			"updated_at": now,
		}).Error
}
