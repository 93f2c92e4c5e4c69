// Package server exposes the marketplace escrow core over HTTP.
package server

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fortflux/auth"
	"fortflux/escrow"
	fmw "fortflux/middleware"
	"fortflux/models"
	"fortflux/moderation"
	"fortflux/observability"
	"fortflux/recon"
	"fortflux/state"
)

const (
	headerProcessorSig = "x-nowpayments-sig"
	maxRequestBody     = 1 << 20
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB          *gorm.DB
	Escrow      *escrow.Engine
	Recon       *recon.Processor
	Moderation  *moderation.Engine
	Verifier    *auth.Verifier
	IPNSecret   string
	Metrics     *observability.Metrics
	RateLimiter *fmw.RateLimiter
	Logger      *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db         *gorm.DB
	escrow     *escrow.Engine
	recon      *recon.Processor
	moderation *moderation.Engine
	verifier   *auth.Verifier
	ipnSecret  []byte
	metrics    *observability.Metrics
	limiter    *fmw.RateLimiter
	logger     *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency
// and webhook verification wired in.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = fmw.NewRateLimiter(nil)
	}
	srv := &Server{
		db:         cfg.DB,
		escrow:     cfg.Escrow,
		recon:      cfg.Recon,
		moderation: cfg.Moderation,
		verifier:   cfg.Verifier,
		ipnSecret:  []byte(strings.TrimSpace(cfg.IPNSecret)),
		metrics:    cfg.Metrics,
		limiter:    limiter,
		logger:     logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	webhook := []func(http.Handler) http.Handler{s.limiter.Middleware("webhook")}
	if s.metrics != nil {
		webhook = append(webhook, s.metrics.Middleware("webhook"))
	}
	r.With(webhook...).Post("/webhooks/payments", s.PaymentWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(func(next http.Handler) http.Handler { return fmw.WithIdempotency(s.db, next) })
		api.Use(s.verifier.Authenticate)

		api.With(auth.RequireRole(auth.RoleSeller, auth.RoleAdmin)).Post("/listings", s.CreateListing)
		api.Get("/listings/{id}", s.GetListing)

		api.With(auth.RequireRole(auth.RoleBuyer)).Post("/transactions", s.CreateTransaction)
		api.Get("/transactions/{id}", s.GetTransaction)
		api.With(auth.RequireRole(auth.RoleAdmin, auth.RoleSupport)).Post("/transactions/{id}/assign-escrow", s.AssignEscrow)
		api.With(auth.RequireRole(auth.RoleBuyer)).Post("/transactions/{id}/pay", s.InitiatePayment)
		api.With(auth.RequireRole(auth.RoleBuyer, auth.RoleAdmin)).Post("/transactions/{id}/cancel", s.CancelTransaction)
		api.With(auth.RequireRole(auth.RoleBuyer, auth.RoleAdmin)).Post("/transactions/{id}/release", s.ReleaseFunds)
		api.With(auth.RequireRole(auth.RoleBuyer, auth.RoleSeller)).Post("/transactions/{id}/dispute", s.OpenDispute)
		api.With(auth.RequireRole(auth.RoleAdmin, auth.RoleSupport)).Post("/transactions/{id}/resolve", s.ResolveDispute)

		api.With(auth.RequireRole(auth.RoleAdmin)).Post("/bans", s.CreateBan)
		api.With(auth.RequireRole(auth.RoleAdmin, auth.RoleSupport)).Get("/bans", s.ListBans)
		api.With(auth.RequireRole(auth.RoleAdmin)).Delete("/bans/{id}", s.DeleteBan)
	})

	return r
}

// CreateListing registers a sellable account at the boundary so transactions
// have something to reference.
func (s *Server) CreateListing(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	sellerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	var req struct {
		Title string          `json:"title"`
		Game  string          `json:"game"`
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" || !req.Price.IsPositive() {
		http.Error(w, "title and positive price required", http.StatusBadRequest)
		return
	}
	listing := models.Listing{
		ID:       uuid.New(),
		SellerID: sellerID,
		Title:    strings.TrimSpace(req.Title),
		Game:     strings.TrimSpace(req.Game),
		Price:    req.Price,
		Status:   models.ListingAvailable,
	}
	if err := s.db.WithContext(r.Context()).Create(&listing).Error; err != nil {
		s.logger.Error("create listing", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"success": true, "listing": listing})
}

func (s *Server) GetListing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	var listing models.Listing
	if err := s.db.WithContext(r.Context()).First(&listing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "listing not found", http.StatusNotFound)
			return
		}
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "listing": listing})
}

// CreateTransaction opens a pending escrow transaction for the authenticated
// buyer.
func (s *Server) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := s.subject(w, r)
	if !ok {
		return
	}
	var req struct {
		ListingID uuid.UUID       `json:"listing_id"`
		SellerID  *uuid.UUID      `json:"seller_id,omitempty"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.ListingID == uuid.Nil {
		http.Error(w, "listing_id required", http.StatusBadRequest)
		return
	}
	if banned, err := s.moderation.IsBanned(r.Context(), buyerID); err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	} else if banned {
		http.Error(w, "account restricted", http.StatusForbidden)
		return
	}
	txn, err := s.escrow.Create(r.Context(), buyerID, req.ListingID, req.Amount)
	if err != nil {
		s.dispatchError(w, err)
		return
	}
	if req.SellerID != nil && *req.SellerID != txn.SellerID {
		// Creation already validated against the listing; a mismatched hint
		// from the client is reported but not fatal.
		s.logger.Warn("seller hint mismatch",
			"transaction", txn.ID, "hint", *req.SellerID, "actual", txn.SellerID)
	}
	if key, ok := fmw.IdempotencyKeyFromContext(r.Context()); ok {
		s.logger.Info("transaction created",
			"transaction", txn.ID, "idempotency_key", key)
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"success": true, "transaction": txn})
}

func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	txn, err := s.escrow.Get(r.Context(), id)
	if err != nil {
		s.dispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "transaction": txn})
}

// AssignEscrow picks the highest-ranked available agent for a transaction.
func (s *Server) AssignEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	txn, err := s.escrow.AssignAgent(r.Context(), id)
	if err != nil {
		s.dispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"escrowId": txn.EscrowID,
		"sellerId": txn.SellerID,
	})
}

// InitiatePayment creates a processor invoice and moves the transaction into
// pending_payment.
func (s *Server) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	actorID, ok := s.subject(w, r)
	if !ok {
		return
	}
	var req struct {
		PayCurrency string `json:"pay_currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	record, err := s.escrow.InitiatePayment(r.Context(), id, actorID, req.PayCurrency)
	if err != nil {
		s.dispatchError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(string(state.EventPaymentInitiated))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "payment": record})
}

// PaymentWebhook ingests processor notifications. The caller retries freely;
// replays resolve to no-ops.
func (s *Server) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if !s.verifyHMAC(body, r.Header.Get(headerProcessorSig)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	var payload recon.Notification
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.recon.Process(r.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, recon.ErrInvalidPayload):
			http.Error(w, "invalid payload", http.StatusBadRequest)
		case errors.Is(err, recon.ErrRecordNotFound):
			http.Error(w, "unknown payment reference", http.StatusNotFound)
		default:
			s.logger.Error("webhook processing", "error", err)
			http.Error(w, "processing failure", http.StatusInternalServerError)
		}
		return
	}
	if result.Transitioned && s.metrics != nil {
		s.metrics.RecordTransition(result.Status)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// CancelTransaction abandons a purchase that has not reached escrow.
func (s *Server) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	actorID, err := uuid.Parse(claims.Subject)
	if err != nil {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	if err := s.escrow.Cancel(r.Context(), id, actorID, claims.Role == auth.RoleAdmin); err != nil {
		s.dispatchError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(string(state.EventCancel))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "transaction cancelled"})
}

// ReleaseFunds settles an in-escrow transaction in the seller's favour.
func (s *Server) ReleaseFunds(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	actorID, err := uuid.Parse(claims.Subject)
	if err != nil {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	if err := s.escrow.Release(r.Context(), id, actorID, claims.Role == auth.RoleAdmin); err != nil {
		s.dispatchError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(string(state.EventRelease))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "funds released"})
}

// OpenDispute freezes an in-escrow transaction pending resolution.
func (s *Server) OpenDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	actorID, ok := s.subject(w, r)
	if !ok {
		return
	}
	if err := s.escrow.Dispute(r.Context(), id, actorID); err != nil {
		s.dispatchError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(string(state.EventDispute))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "dispute opened"})
}

// ResolveDispute settles a disputed transaction either way.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	actorID, ok := s.subject(w, r)
	if !ok {
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	outcome := escrow.Outcome(strings.ToLower(strings.TrimSpace(req.Outcome)))
	if outcome != escrow.OutcomeRelease && outcome != escrow.OutcomeRefund {
		http.Error(w, "outcome must be release or refund", http.StatusBadRequest)
		return
	}
	if err := s.escrow.Resolve(r.Context(), id, actorID, outcome); err != nil {
		s.dispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "outcome": outcome})
}

// CreateBan records an administrative restriction on a user.
func (s *Server) CreateBan(w http.ResponseWriter, r *http.Request) {
	adminID, ok := s.subject(w, r)
	if !ok {
		return
	}
	var req struct {
		TargetUserID uuid.UUID  `json:"targetUserId"`
		Reason       string     `json:"reason"`
		ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	ban, err := s.moderation.Ban(r.Context(), adminID, req.TargetUserID, req.Reason, req.ExpiresAt)
	if err != nil {
		s.dispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"success": true, "ban": ban})
}

func (s *Server) ListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := s.moderation.ListActive(r.Context())
	if err != nil {
		s.dispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "bans": bans})
}

func (s *Server) DeleteBan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.moderation.Unban(r.Context(), id); err != nil {
		s.dispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) subject(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) dispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrValidation), errors.Is(err, moderation.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, escrow.ErrTransactionNotFound),
		errors.Is(err, escrow.ErrListingNotFound),
		errors.Is(err, escrow.ErrUserNotFound),
		errors.Is(err, moderation.ErrBanNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, escrow.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, escrow.ErrNoEscrowCapacity):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, state.ErrTerminalState), errors.Is(err, state.ErrIllegalTransition),
		errors.Is(err, escrow.ErrConcurrentTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, escrow.ErrUpstream):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) verifyHMAC(body []byte, signature string) bool {
	if len(s.ipnSecret) == 0 {
		// Verification disabled; upstream allowlisting must cover the route.
		return true
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, s.ipnSecret)
	mac.Write(body)
	expected := mac.Sum(nil)
	decoded, err := hex.DecodeString(signature)
	if err != nil || len(decoded) != len(expected) {
		return false
	}
	return hmac.Equal(decoded, expected)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(reader)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
