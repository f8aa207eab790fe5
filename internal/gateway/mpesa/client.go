// Package mpesa is a client for the Safaricom Daraja STK push API.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/clock"
	"github.com/punchamoorthee/satsettle/internal/domain"
	"github.com/punchamoorthee/satsettle/internal/gateway"
)

const (
	provider = "mpesa"

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	timestampLayout = "20060102150405"

	// errorCodeProcessing is returned by the query API while the customer
	// has not yet answered the prompt.
	errorCodeProcessing = "500.001.1001"

	maxAccountReference = 12
	maxTransactionDesc  = 13
)

// Daraja timestamps are in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PassKey         string
	CallbackURL     string
	TransactionType string
}

type Client struct {
	cfg    Config
	http   *http.Client
	clock  clock.Clock
	tokens *tokenCache
}

func NewClient(cfg Config, httpClient *http.Client, clk clock.Clock) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{cfg: cfg, http: httpClient, clock: clk}
	c.tokens = newTokenCache(clk.Now, c.fetchToken)
	return c
}

// STKPush is one payment prompt request.
type STKPush struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// STKPushAck is the provider's synchronous acceptance of a push.
type STKPushAck struct {
	MerchantRequestID string
	CheckoutRequestID string
	CustomerMessage   string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type queryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type queryResponse struct {
	ResponseCode      string `json:"ResponseCode"`
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Password builds the STK password: base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (c *Client) timestamp() string {
	return c.clock.Now().In(eat).Format(timestampLayout)
}

// Initiate sends an STK push prompt to the payer's phone.
func (c *Client) Initiate(ctx context.Context, req STKPush) (*STKPushAck, error) {
	ts := c.timestamp()
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount.Truncate(0).String(),
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  clip(req.AccountReference, maxAccountReference),
		TransactionDesc:   clip(req.Description, maxTransactionDesc),
	}

	status, raw, err := c.postJSON(ctx, "stkpush", pushPath, body)
	if err != nil {
		return nil, err
	}
	if err := gateway.Classify(provider, "stkpush", status, string(raw)); err != nil {
		return nil, err
	}

	var out stkPushResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, gateway.Unavailable(provider, "stkpush", status, string(raw), fmt.Errorf("decode response: %w", err))
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		return nil, gateway.Rejected(provider, "stkpush", status, string(raw))
	}
	return &STKPushAck{
		MerchantRequestID: out.MerchantRequestID,
		CheckoutRequestID: out.CheckoutRequestID,
		CustomerMessage:   out.CustomerMessage,
	}, nil
}

// CheckStatus queries the outcome of a push. It is a fallback for callbacks
// that never arrived.
func (c *Client) CheckStatus(ctx context.Context, checkoutRequestID string) (*domain.MobileMoneyResult, error) {
	ts := c.timestamp()
	body := queryBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	status, raw, err := c.postJSON(ctx, "stkquery", queryPath, body)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.ErrorCode == errorCodeProcessing {
			return &domain.MobileMoneyResult{
				CheckoutRequestID: checkoutRequestID,
				ResultDesc:        e.ErrorMessage,
				Pending:           true,
			}, nil
		}
		return nil, gateway.Classify(provider, "stkquery", status, string(raw))
	}

	var out queryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, gateway.Unavailable(provider, "stkquery", status, string(raw), fmt.Errorf("decode response: %w", err))
	}
	code, err := strconv.Atoi(strings.TrimSpace(out.ResultCode))
	if err != nil {
		return nil, gateway.Rejected(provider, "stkquery", status, string(raw))
	}
	return &domain.MobileMoneyResult{
		CheckoutRequestID: out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		ResultCode:        code,
		ResultDesc:        out.ResultDesc,
	}, nil
}

// postJSON performs an authenticated POST and returns the status and body.
// A 401 drops the cached token so the next call fetches a fresh one.
func (c *Client) postJSON(ctx context.Context, op, path string, payload any) (int, []byte, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return 0, nil, err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("mpesa %s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, nil, fmt.Errorf("mpesa %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return 0, nil, gateway.TransportError(provider, op, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, gateway.TransportError(provider, op, err)
	}
	if res.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	return res.StatusCode, raw, nil
}

type tokenResponse struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   flexSecs `json:"expires_in"`
}

// flexSecs accepts expires_in as either a JSON number or a quoted number.
type flexSecs int64

func (f *flexSecs) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexSecs(n)
	return nil
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", 0, fmt.Errorf("mpesa token: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	res, err := c.http.Do(req)
	if err != nil {
		return "", 0, gateway.TransportError(provider, "token", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", 0, gateway.TransportError(provider, "token", err)
	}
	if err := gateway.Classify(provider, "token", res.StatusCode, string(raw)); err != nil {
		return "", 0, err
	}

	var out tokenResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.AccessToken == "" {
		return "", 0, gateway.Unavailable(provider, "token", res.StatusCode, string(raw), fmt.Errorf("malformed token response"))
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return out.AccessToken, ttl, nil
}
