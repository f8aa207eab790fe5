// Package lightning is a client for the LNbits wallet API.
package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/punchamoorthee/satsettle/internal/domain"
	"github.com/punchamoorthee/satsettle/internal/gateway"
)

const provider = "lnbits"

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Invoice is a freshly issued BOLT11 invoice.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string
}

type createInvoiceBody struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
}

type createInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
}

type paymentStatusResponse struct {
	Paid bool `json:"paid"`
}

// CreateInvoice issues an incoming invoice on the wallet identified by apiKey.
func (c *Client) CreateInvoice(ctx context.Context, apiKey string, amountSats int64, memo string) (*Invoice, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("%w: invoice amount must be a positive number of sats", domain.ErrValidation)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: missing wallet key", domain.ErrValidation)
	}

	b, err := json.Marshal(createInvoiceBody{Out: false, Amount: amountSats, Memo: memo})
	if err != nil {
		return nil, fmt.Errorf("lnbits create_invoice: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/payments", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("lnbits create_invoice: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req, apiKey, "create_invoice")
	if err != nil {
		return nil, err
	}

	var out createInvoiceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, gateway.Unavailable(provider, "create_invoice", http.StatusOK, string(raw), fmt.Errorf("decode response: %w", err))
	}
	pr := out.PaymentRequest
	if pr == "" {
		pr = out.Bolt11
	}
	if out.PaymentHash == "" || pr == "" {
		return nil, gateway.Rejected(provider, "create_invoice", http.StatusOK, string(raw))
	}
	return &Invoice{PaymentHash: out.PaymentHash, PaymentRequest: pr}, nil
}

// CheckPaid reports whether the invoice with paymentHash has been paid.
func (c *Client) CheckPaid(ctx context.Context, apiKey, paymentHash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/payments/"+url.PathEscape(paymentHash), nil)
	if err != nil {
		return false, fmt.Errorf("lnbits check_paid: build request: %w", err)
	}
	raw, err := c.do(req, apiKey, "check_paid")
	if err != nil {
		return false, err
	}
	var out paymentStatusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, gateway.Unavailable(provider, "check_paid", http.StatusOK, string(raw), fmt.Errorf("decode response: %w", err))
	}
	return out.Paid, nil
}

func (c *Client) do(req *http.Request, apiKey, op string) ([]byte, error) {
	req.Header.Set("X-Api-Key", apiKey)
	res, err := c.http.Do(req)
	if err != nil {
		return nil, gateway.TransportError(provider, op, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, gateway.TransportError(provider, op, err)
	}
	if err := gateway.Classify(provider, op, res.StatusCode, string(raw)); err != nil {
		return nil, err
	}
	return raw, nil
}
