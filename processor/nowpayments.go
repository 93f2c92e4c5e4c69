// Package processor talks to the external crypto payment gateway. The core
// depends only on the request/response shapes here, never on gateway
// internals.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fortflux/escrow"
)

// Client defines the subset of the gateway API the service requires.
type Client interface {
	CreateInvoice(ctx context.Context, req *InvoiceRequest) (*Invoice, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
}

// InvoiceRequest represents an invoice creation request.
type InvoiceRequest struct {
	PriceAmount   string `json:"price_amount"`
	PriceCurrency string `json:"price_currency"`
	PayCurrency   string `json:"pay_currency"`
	OrderID       string `json:"order_id"`
	OrderDesc     string `json:"order_description,omitempty"`
}

// Invoice captures the gateway invoice attributes the service uses.
type Invoice struct {
	ID            string `json:"id"`
	InvoiceID     string `json:"invoice_id"`
	OrderID       string `json:"order_id"`
	PriceAmount   string `json:"price_amount"`
	PriceCurrency string `json:"price_currency"`
	PayCurrency   string `json:"pay_currency"`
	PayAmount     string `json:"pay_amount"`
	PaymentStatus string `json:"payment_status"`
	InvoiceURL    string `json:"invoice_url"`
}

// Settled returns whether the invoice is considered paid.
func (i *Invoice) Settled() bool {
	switch strings.ToLower(strings.TrimSpace(i.PaymentStatus)) {
	case "finished", "confirmed":
		return true
	}
	return false
}

// HTTPClient implements Client against the gateway HTTP API.
type HTTPClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewHTTPClient constructs a gateway client with sane defaults.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) CreateInvoice(ctx context.Context, req *InvoiceRequest) (*Invoice, error) {
	return c.doRequest(ctx, http.MethodPost, "/invoice", req)
}

func (c *HTTPClient) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/invoice/%s", id), nil)
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, payload interface{}) (*Invoice, error) {
	if c == nil {
		return nil, fmt.Errorf("processor client not configured")
	}
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("processor %s failed: status=%d", path, resp.StatusCode)
	}
	var invoice Invoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// EngineAdapter bridges a Client to the escrow engine's processor interface.
type EngineAdapter struct {
	Client        Client
	PriceCurrency string
}

// CreateInvoice creates a gateway invoice for a transaction and maps it into
// the engine's shape.
func (a EngineAdapter) CreateInvoice(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, payCurrency string) (*escrow.PaymentInvoice, error) {
	currency := a.PriceCurrency
	if currency == "" {
		currency = "usd"
	}
	invoice, err := a.Client.CreateInvoice(ctx, &InvoiceRequest{
		PriceAmount:   amount.StringFixed(2),
		PriceCurrency: currency,
		PayCurrency:   strings.ToLower(strings.TrimSpace(payCurrency)),
		OrderID:       transactionID.String(),
	})
	if err != nil {
		return nil, err
	}
	id := invoice.ID
	if id == "" {
		id = invoice.InvoiceID
	}
	payAmount := decimal.Zero
	if trimmed := strings.TrimSpace(invoice.PayAmount); trimmed != "" {
		parsed, err := decimal.NewFromString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("processor returned malformed pay_amount %q", invoice.PayAmount)
		}
		payAmount = parsed
	}
	return &escrow.PaymentInvoice{
		ID:          id,
		PayCurrency: invoice.PayCurrency,
		PayAmount:   payAmount,
	}, nil
}
