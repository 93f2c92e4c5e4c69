package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fortflux/auth"
	"fortflux/escrow"
	fmw "fortflux/middleware"
	"fortflux/models"
	"fortflux/moderation"
	"fortflux/recon"
	"fortflux/state"
)

const testIPNSecret = "test-ipn-secret"

type stubProcessor struct {
	calls int
	fail  bool
}

func (p *stubProcessor) CreateInvoice(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, payCurrency string) (*escrow.PaymentInvoice, error) {
	p.calls++
	if p.fail {
		return nil, fmt.Errorf("gateway offline")
	}
	return &escrow.PaymentInvoice{
		ID:          fmt.Sprintf("inv-%d", p.calls),
		PayCurrency: payCurrency,
		PayAmount:   decimal.RequireFromString("0.0025"),
	}, nil
}

type harness struct {
	db     *gorm.DB
	srv    *httptest.Server
	seller models.User
	buyer  models.User
	agent  models.User
	admin  models.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	engine := escrow.New(db)
	engine.SetProcessor(&stubProcessor{})

	srv := New(Config{
		DB:         db,
		Escrow:     engine,
		Recon:      recon.NewProcessor(db, engine, nil),
		Moderation: moderation.New(db),
		Verifier:   auth.NewVerifier(auth.Options{AllowStatic: true}),
		IPNSecret:  testIPNSecret,
		RateLimiter: fmw.NewRateLimiter(map[string]fmw.RateLimit{
			"webhook": {RequestsPerMinute: 6000, Burst: 100},
		}),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	h := &harness{db: db, srv: ts}
	h.seller = h.seedUser(t, models.RoleSeller, 600)
	h.buyer = h.seedUser(t, models.RoleBuyer, 3)
	h.agent = h.seedUser(t, models.RoleEscrow, 250)
	h.admin = h.seedUser(t, models.RoleAdmin, 0)
	return h
}

func (h *harness) seedUser(t *testing.T, role string, deals int64) models.User {
	t.Helper()
	user := models.User{
		ID:        uuid.New(),
		Username:  fmt.Sprintf("%s-%s", role, uuid.NewString()[:8]),
		Role:      role,
		DealCount: deals,
		Balance:   decimal.Zero,
	}
	if err := h.db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func (h *harness) token(u models.User) string {
	return u.ID.String() + "|" + u.Role
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (h *harness) createListing(t *testing.T, price string) uuid.UUID {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/v1/listings", h.token(h.seller), map[string]any{
		"title": "level 90 account",
		"game":  "fortress",
		"price": price,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create listing status %d", resp.StatusCode)
	}
	var out struct {
		Listing models.Listing `json:"listing"`
	}
	decodeBody(t, resp, &out)
	return out.Listing.ID
}

func (h *harness) createTransaction(t *testing.T, listingID uuid.UUID, amount string) models.Transaction {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/v1/transactions", h.token(h.buyer), map[string]any{
		"listing_id": listingID,
		"amount":     amount,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create transaction status %d", resp.StatusCode)
	}
	var out struct {
		Transaction models.Transaction `json:"transaction"`
	}
	decodeBody(t, resp, &out)
	return out.Transaction
}

func (h *harness) startPayment(t *testing.T, txID uuid.UUID) {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/v1/transactions/"+txID.String()+"/pay", h.token(h.buyer), map[string]any{
		"pay_currency": "btc",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initiate payment status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func (h *harness) webhook(t *testing.T, txID uuid.UUID, status string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"order_id":       txID.String(),
		"payment_status": status,
		"pay_amount":     "0.0025",
		"pay_currency":   "btc",
	})
	if err != nil {
		t.Fatalf("marshal webhook: %v", err)
	}
	mac := hmac.New(sha512.New, []byte(testIPNSecret))
	mac.Write(payload)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/webhooks/payments", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-nowpayments-sig", hex.EncodeToString(mac.Sum(nil)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("deliver webhook: %v", err)
	}
	return resp
}

func (h *harness) status(t *testing.T, txID uuid.UUID) state.Status {
	t.Helper()
	var txn models.Transaction
	if err := h.db.First(&txn, "id = ?", txID).Error; err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	return txn.Status
}

func TestScenarioConfirmedWebhookSettlesEscrow(t *testing.T) {
	h := newHarness(t)

	listingID := h.createListing(t, "100")
	txn := h.createTransaction(t, listingID, "100")

	if !txn.PlatformFee.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("platform fee %s, want 5 (gold tier seller at 5%%)", txn.PlatformFee)
	}

	resp := h.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID.String()+"/assign-escrow", h.token(h.admin), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign escrow status %d", resp.StatusCode)
	}
	var assign struct {
		EscrowID *uuid.UUID `json:"escrowId"`
		SellerID uuid.UUID  `json:"sellerId"`
	}
	decodeBody(t, resp, &assign)
	if assign.EscrowID == nil || *assign.EscrowID != h.agent.ID {
		t.Fatalf("unexpected escrow assignment %+v", assign)
	}
	if assign.SellerID != h.seller.ID {
		t.Fatalf("unexpected seller %s", assign.SellerID)
	}

	h.startPayment(t, txn.ID)

	wh := h.webhook(t, txn.ID, "confirmed")
	if wh.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d", wh.StatusCode)
	}
	wh.Body.Close()

	if got := h.status(t, txn.ID); got != state.StatusInEscrow {
		t.Fatalf("status %s, want in_escrow", got)
	}

	var notes []models.Notification
	if err := h.db.Where("transaction_id = ?", txn.ID).Find(&notes).Error; err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	parties := map[uuid.UUID]int{}
	for _, n := range notes {
		parties[n.UserID]++
	}
	if parties[h.buyer.ID] != 1 || parties[h.seller.ID] != 1 {
		t.Fatalf("expected one notification each for buyer and seller, got %v", parties)
	}
}

func TestScenarioFailedThenConfirmedWebhook(t *testing.T) {
	h := newHarness(t)

	listingID := h.createListing(t, "50")
	txn := h.createTransaction(t, listingID, "50")
	h.startPayment(t, txn.ID)

	wh := h.webhook(t, txn.ID, "failed")
	if wh.StatusCode != http.StatusOK {
		t.Fatalf("failed webhook status %d", wh.StatusCode)
	}
	wh.Body.Close()
	if got := h.status(t, txn.ID); got != state.StatusPending {
		t.Fatalf("status after failure %s, want pending", got)
	}

	wh = h.webhook(t, txn.ID, "confirmed")
	if wh.StatusCode != http.StatusOK {
		t.Fatalf("late confirmed webhook status %d", wh.StatusCode)
	}
	wh.Body.Close()
	if got := h.status(t, txn.ID); got != state.StatusInEscrow {
		t.Fatalf("status after late confirmation %s, want in_escrow", got)
	}
}

func TestScenarioDisputeRefundThenDoubleResolve(t *testing.T) {
	h := newHarness(t)

	listingID := h.createListing(t, "75")
	txn := h.createTransaction(t, listingID, "75")
	h.startPayment(t, txn.ID)
	wh := h.webhook(t, txn.ID, "finished")
	wh.Body.Close()

	resp := h.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID.String()+"/dispute", h.token(h.buyer), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispute status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = h.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID.String()+"/resolve", h.token(h.admin), map[string]any{
		"outcome": "refund",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d", resp.StatusCode)
	}
	resp.Body.Close()
	if got := h.status(t, txn.ID); got != state.StatusRefunded {
		t.Fatalf("status after refund %s, want refunded", got)
	}

	resp = h.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID.String()+"/resolve", h.token(h.admin), map[string]any{
		"outcome": "release",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second resolve status %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCancelRestoresListing(t *testing.T) {
	h := newHarness(t)
	listingID := h.createListing(t, "60")
	txn := h.createTransaction(t, listingID, "60")

	resp := h.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID.String()+"/cancel", h.token(h.buyer), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d", resp.StatusCode)
	}
	if got := h.status(t, txn.ID); got != state.StatusCancelled {
		t.Fatalf("status %s, want cancelled", got)
	}
	var listing models.Listing
	if err := h.db.First(&listing, "id = ?", listingID).Error; err != nil {
		t.Fatalf("load listing: %v", err)
	}
	if listing.Status != models.ListingAvailable {
		t.Fatalf("listing status %s, want available", listing.Status)
	}

	// Terminal: escrow-bound events are rejected afterwards.
	resp = h.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID.String()+"/release", h.token(h.buyer), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("release after cancel status %d, want 409", resp.StatusCode)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t)

	payload := []byte(`{"order_id":"` + uuid.NewString() + `","payment_status":"confirmed"}`)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/webhooks/payments", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("x-nowpayments-sig", "deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("deliver webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestWebhookUnknownTransactionIsNotFound(t *testing.T) {
	h := newHarness(t)
	resp := h.webhook(t, uuid.New(), "confirmed")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestRoleGatingRejectsWrongRole(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/listings", h.token(h.buyer), map[string]any{
		"title": "x", "price": "10",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("buyer creating listing status %d, want 403", resp.StatusCode)
	}

	listingID := h.createListing(t, "10")
	txn := h.createTransaction(t, listingID, "10")
	resp = h.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID.String()+"/resolve", h.token(h.buyer), map[string]any{
		"outcome": "refund",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("buyer resolving dispute status %d, want 403", resp.StatusCode)
	}
}

func TestSelfPurchaseRejected(t *testing.T) {
	h := newHarness(t)
	listingID := h.createListing(t, "10")

	resp := h.do(t, http.MethodPost, "/api/v1/transactions", h.seller.ID.String()+"|buyer", map[string]any{
		"listing_id": listingID,
		"amount":     "10",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self purchase status %d, want 400", resp.StatusCode)
	}
}

func TestBanLifecycleBlocksBuyer(t *testing.T) {
	h := newHarness(t)
	listingID := h.createListing(t, "20")

	resp := h.do(t, http.MethodPost, "/api/v1/bans", h.token(h.admin), map[string]any{
		"targetUserId": h.buyer.ID,
		"reason":       "chargeback abuse",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create ban status %d", resp.StatusCode)
	}
	var created struct {
		Ban models.Ban `json:"ban"`
	}
	decodeBody(t, resp, &created)

	resp = h.do(t, http.MethodPost, "/api/v1/transactions", h.token(h.buyer), map[string]any{
		"listing_id": listingID,
		"amount":     "20",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("banned buyer status %d, want 403", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/api/v1/bans", h.token(h.admin), nil)
	var listed struct {
		Bans []models.Ban `json:"bans"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Bans) != 1 {
		t.Fatalf("expected 1 active ban, got %d", len(listed.Bans))
	}

	resp = h.do(t, http.MethodDelete, "/api/v1/bans/"+created.Ban.ID.String(), h.token(h.admin), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete ban status %d", resp.StatusCode)
	}

	resp = h.do(t, http.MethodPost, "/api/v1/transactions", h.token(h.buyer), map[string]any{
		"listing_id": listingID,
		"amount":     "20",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unbanned buyer status %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestIdempotencyKeyReplaysCreation(t *testing.T) {
	h := newHarness(t)
	listingID := h.createListing(t, "30")

	body := map[string]any{"listing_id": listingID, "amount": "30"}
	payload, _ := json.Marshal(body)
	send := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/transactions", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+h.token(h.buyer))
		req.Header.Set("Idempotency-Key", "create-once")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return resp
	}

	first := send()
	var out1 struct {
		Transaction models.Transaction `json:"transaction"`
	}
	decodeBody(t, first, &out1)
	second := send()
	var out2 struct {
		Transaction models.Transaction `json:"transaction"`
	}
	decodeBody(t, second, &out2)

	if out1.Transaction.ID != out2.Transaction.ID {
		t.Fatalf("replay created a second transaction: %s vs %s", out1.Transaction.ID, out2.Transaction.ID)
	}
	var count int64
	if err := h.db.Model(&models.Transaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 transaction row, got %d", count)
	}
}

func TestUpstreamFailureSurfacedAsBadGateway(t *testing.T) {
	h := newHarness(t)
	listingID := h.createListing(t, "40")
	txn := h.createTransaction(t, listingID, "40")

	// Swap in a failing processor.
	engine := escrow.New(h.db)
	engine.SetProcessor(&stubProcessor{fail: true})
	failing := New(Config{
		DB:         h.db,
		Escrow:     engine,
		Recon:      recon.NewProcessor(h.db, engine, nil),
		Moderation: moderation.New(h.db),
		Verifier:   auth.NewVerifier(auth.Options{AllowStatic: true}),
		IPNSecret:  testIPNSecret,
	})
	ts := httptest.NewServer(failing.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/transactions/"+txn.ID.String()+"/pay", bytes.NewReader([]byte(`{"pay_currency":"btc"}`)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token(h.buyer))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", resp.StatusCode)
	}
	if got := h.status(t, txn.ID); got != state.StatusPending {
		t.Fatalf("status %s, want pending after upstream failure", got)
	}
}
