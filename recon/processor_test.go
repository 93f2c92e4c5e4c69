package recon

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fortflux/escrow"
	"fortflux/models"
	"fortflux/state"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type fixedProcessor struct{}

func (fixedProcessor) CreateInvoice(ctx context.Context, id uuid.UUID, amount decimal.Decimal, payCurrency string) (*escrow.PaymentInvoice, error) {
	return &escrow.PaymentInvoice{ID: "inv-" + id.String()[:8], PayCurrency: payCurrency}, nil
}

func pendingPaymentTransaction(t *testing.T, db *gorm.DB, engine *escrow.Engine) *models.Transaction {
	t.Helper()
	seller := models.User{ID: uuid.New(), Username: "seller-" + uuid.NewString()[:8], Role: models.RoleSeller, DealCount: 600, Balance: decimal.Zero}
	buyer := models.User{ID: uuid.New(), Username: "buyer-" + uuid.NewString()[:8], Role: models.RoleBuyer, Balance: decimal.Zero}
	for _, u := range []*models.User{&seller, &buyer} {
		if err := db.Create(u).Error; err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	listing := models.Listing{ID: uuid.New(), SellerID: seller.ID, Title: "acct", Game: "cs2", Price: decimal.NewFromInt(100), Status: models.ListingAvailable}
	if err := db.Create(&listing).Error; err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	txn, err := engine.Create(context.Background(), buyer.ID, listing.ID, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.InitiatePayment(context.Background(), txn.ID, buyer.ID, "btc"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return txn
}

func TestProcessUnknownTransactionIsHardFailure(t *testing.T) {
	db := setupTestDB(t)
	engine := escrow.New(db)
	p := NewProcessor(db, engine, nil)

	_, err := p.Process(context.Background(), Notification{
		OrderID:       uuid.NewString(),
		PaymentStatus: models.PaymentConfirmed,
	})
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound got %v", err)
	}
}

func TestProcessRejectsMalformedPayload(t *testing.T) {
	db := setupTestDB(t)
	p := NewProcessor(db, escrow.New(db), nil)

	cases := []Notification{
		{},
		{OrderID: "not-a-uuid", PaymentStatus: models.PaymentConfirmed},
		{OrderID: uuid.NewString()},
	}
	for _, payload := range cases {
		if _, err := p.Process(context.Background(), payload); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("payload %+v: expected ErrInvalidPayload got %v", payload, err)
		}
	}
}

func TestProcessConfirmedReplayIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	engine := escrow.New(db)
	engine.SetProcessor(fixedProcessor{})
	p := NewProcessor(db, engine, nil)
	txn := pendingPaymentTransaction(t, db, engine)

	payload := Notification{
		OrderID:       txn.ID.String(),
		PaymentStatus: models.PaymentConfirmed,
		PayAmount:     decimal.NewFromFloat(0.0021),
		PayCurrency:   "btc",
	}
	for i := 0; i < 4; i++ {
		result, err := p.Process(context.Background(), payload)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if (i == 0) != result.Transitioned {
			t.Fatalf("process %d: transitioned=%v", i, result.Transitioned)
		}
	}

	stored, err := engine.Get(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != state.StatusInEscrow {
		t.Fatalf("expected in_escrow got %s", stored.Status)
	}
	if !stored.CryptoAmount.Equal(decimal.NewFromFloat(0.0021)) {
		t.Fatalf("crypto amount %s", stored.CryptoAmount)
	}

	var notes int64
	if err := db.Model(&models.Notification{}).Where("kind = ?", "payment.confirmed").Count(&notes).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	if notes != 2 {
		t.Fatalf("expected one notification pair, got %d rows", notes)
	}
}

func TestProcessFailedReturnsTransactionToPending(t *testing.T) {
	db := setupTestDB(t)
	engine := escrow.New(db)
	engine.SetProcessor(fixedProcessor{})
	p := NewProcessor(db, engine, nil)
	txn := pendingPaymentTransaction(t, db, engine)

	if _, err := p.Process(context.Background(), Notification{
		OrderID:       txn.ID.String(),
		PaymentStatus: models.PaymentFailed,
	}); err != nil {
		t.Fatalf("process: %v", err)
	}
	stored, _ := engine.Get(context.Background(), txn.ID)
	if stored.Status != state.StatusPending {
		t.Fatalf("expected pending got %s", stored.Status)
	}
	if len(stored.Payments) != 1 || stored.Payments[0].PaymentStatus != models.PaymentFailed {
		t.Fatalf("payment record not mirrored: %+v", stored.Payments)
	}

	// Scenario: a later confirmation still succeeds.
	result, err := p.Process(context.Background(), Notification{
		OrderID:       txn.ID.String(),
		PaymentStatus: models.PaymentFinished,
		PayAmount:     decimal.NewFromFloat(0.002),
		PayCurrency:   "btc",
	})
	if err != nil {
		t.Fatalf("process finished: %v", err)
	}
	if !result.Transitioned {
		t.Fatal("expected transition on late confirmation")
	}
	stored, _ = engine.Get(context.Background(), txn.ID)
	if stored.Status != state.StatusInEscrow {
		t.Fatalf("expected in_escrow got %s", stored.Status)
	}
}

func TestProcessWaitingOnlyMirrorsStatus(t *testing.T) {
	db := setupTestDB(t)
	engine := escrow.New(db)
	engine.SetProcessor(fixedProcessor{})
	p := NewProcessor(db, engine, nil)
	txn := pendingPaymentTransaction(t, db, engine)

	if _, err := p.Process(context.Background(), Notification{
		OrderID:       txn.ID.String(),
		PaymentStatus: models.PaymentWaiting,
	}); err != nil {
		t.Fatalf("process: %v", err)
	}
	stored, _ := engine.Get(context.Background(), txn.ID)
	if stored.Status != state.StatusPendingPayment {
		t.Fatalf("expected pending_payment got %s", stored.Status)
	}
}

func TestProcessAfterSettlementIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	engine := escrow.New(db)
	engine.SetProcessor(fixedProcessor{})
	p := NewProcessor(db, engine, nil)
	txn := pendingPaymentTransaction(t, db, engine)

	if _, err := p.Process(context.Background(), Notification{
		OrderID:       txn.ID.String(),
		PaymentStatus: models.PaymentConfirmed,
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := engine.Release(context.Background(), txn.ID, txn.BuyerID, false); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Replays after settlement neither error nor mutate transaction state.
	for _, status := range []string{models.PaymentConfirmed, models.PaymentFailed, models.PaymentExpired} {
		result, err := p.Process(context.Background(), Notification{OrderID: txn.ID.String(), PaymentStatus: status})
		if err != nil {
			t.Fatalf("replay %s: %v", status, err)
		}
		if result.Transitioned {
			t.Fatalf("replay %s transitioned", status)
		}
	}
	stored, _ := engine.Get(context.Background(), txn.ID)
	if stored.Status != state.StatusCompleted {
		t.Fatalf("expected completed got %s", stored.Status)
	}
}
