package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestHTTPClientCreateInvoice(t *testing.T) {
	var captured InvoiceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/invoice" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Fatalf("unexpected api key %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Invoice{
			ID:            "inv-123",
			OrderID:       captured.OrderID,
			PayCurrency:   captured.PayCurrency,
			PayAmount:     "0.00245",
			PaymentStatus: "waiting",
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret")
	invoice, err := client.CreateInvoice(context.Background(), &InvoiceRequest{
		PriceAmount:   "100.00",
		PriceCurrency: "usd",
		PayCurrency:   "btc",
		OrderID:       "order-1",
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if invoice.ID != "inv-123" {
		t.Fatalf("unexpected invoice id %q", invoice.ID)
	}
	if captured.PriceAmount != "100.00" || captured.PayCurrency != "btc" {
		t.Fatalf("unexpected request payload %+v", captured)
	}
	if invoice.Settled() {
		t.Fatalf("waiting invoice reported settled")
	}
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret")
	if _, err := client.CreateInvoice(context.Background(), &InvoiceRequest{}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestEngineAdapterMapsInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.PriceCurrency != "usd" {
			t.Fatalf("unexpected price currency %q", req.PriceCurrency)
		}
		json.NewEncoder(w).Encode(Invoice{
			InvoiceID:   "inv-9",
			OrderID:     req.OrderID,
			PayCurrency: req.PayCurrency,
			PayAmount:   "1.5",
		})
	}))
	defer srv.Close()

	adapter := EngineAdapter{Client: NewHTTPClient(srv.URL, "secret")}
	txID := uuid.New()
	invoice, err := adapter.CreateInvoice(context.Background(), txID, decimal.NewFromInt(100), "ETH")
	if err != nil {
		t.Fatalf("adapter create: %v", err)
	}
	if invoice.ID != "inv-9" {
		t.Fatalf("unexpected invoice id %q", invoice.ID)
	}
	if !invoice.PayAmount.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected pay amount %s", invoice.PayAmount)
	}
	if invoice.PayCurrency != "eth" {
		t.Fatalf("pay currency not normalised: %q", invoice.PayCurrency)
	}
}
