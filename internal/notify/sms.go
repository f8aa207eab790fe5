package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/gateway"
)

const smsProvider = "africastalking"

type SMSConfig struct {
	BaseURL  string
	Username string
	APIKey   string
	SenderID string
}

// SMS sends notifications through the Africa's Talking messaging API.
type SMS struct {
	cfg  SMSConfig
	http *http.Client
}

func NewSMS(cfg SMSConfig, httpClient *http.Client) *SMS {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &SMS{cfg: cfg, http: httpClient}
}

func (s *SMS) NotifyDeposit(ctx context.Context, to string, fiat decimal.Decimal, currency string, sats int64) error {
	return s.Send(ctx, to, DepositMessage(fiat, currency, sats))
}

func (s *SMS) NotifyGoalAchieved(ctx context.Context, to, childName, goalName string, targetSats int64) error {
	return s.Send(ctx, to, GoalMessage(childName, goalName, targetSats))
}

type smsResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			Number     string `json:"number"`
			Status     string `json:"status"`
			StatusCode int    `json:"statusCode"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

// Send delivers one message to a single recipient.
func (s *SMS) Send(ctx context.Context, to, message string) error {
	if to == "" {
		return fmt.Errorf("sms: empty recipient")
	}
	if !strings.HasPrefix(to, "+") {
		to = "+" + to
	}
	form := url.Values{}
	form.Set("username", s.cfg.Username)
	form.Set("to", to)
	form.Set("message", message)
	if s.cfg.SenderID != "" {
		form.Set("from", s.cfg.SenderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/version1/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", s.cfg.APIKey)

	res, err := s.http.Do(req)
	if err != nil {
		return gateway.TransportError(smsProvider, "send", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return gateway.TransportError(smsProvider, "send", err)
	}
	if err := gateway.Classify(smsProvider, "send", res.StatusCode, string(raw)); err != nil {
		return err
	}

	var out smsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return gateway.Unavailable(smsProvider, "send", res.StatusCode, string(raw), fmt.Errorf("decode response: %w", err))
	}
	for _, r := range out.SMSMessageData.Recipients {
		// 100 processed, 101 sent, 102 queued
		if r.StatusCode < 100 || r.StatusCode > 102 {
			return gateway.Rejected(smsProvider, "send", res.StatusCode, r.Status)
		}
	}
	if len(out.SMSMessageData.Recipients) == 0 {
		return gateway.Rejected(smsProvider, "send", res.StatusCode, out.SMSMessageData.Message)
	}
	return nil
}
