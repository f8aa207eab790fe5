package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

func TestDepositMessage(t *testing.T) {
	tests := []struct {
		name string
		fiat decimal.Decimal
		want string
	}{
		{name: "mobile money", fiat: decimal.NewFromInt(50), want: "KES 50.00 converted to 5000 sats"},
		{name: "lightning", fiat: decimal.Zero, want: "5000 sats have been added"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DepositMessage(tt.fiat, "KES", 5000); !strings.Contains(got, tt.want) {
				t.Fatalf("message %q does not contain %q", got, tt.want)
			}
		})
	}
}

func TestSMSSend(t *testing.T) {
	var got struct {
		apiKey, to, message, from, username string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version1/messaging" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		got.apiKey = r.Header.Get("apiKey")
		got.to = r.PostForm.Get("to")
		got.message = r.PostForm.Get("message")
		got.from = r.PostForm.Get("from")
		got.username = r.PostForm.Get("username")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"SMSMessageData":{"Message":"Sent to 1/1","Recipients":[{"number":"+254712345678","status":"Success","statusCode":101}]}}`))
	}))
	defer srv.Close()

	sms := NewSMS(SMSConfig{BaseURL: srv.URL, Username: "sandbox", APIKey: "at-key", SenderID: "SATS"}, srv.Client())
	if err := sms.NotifyGoalAchieved(context.Background(), "254712345678", "Amani", "Bike", 4000); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.apiKey != "at-key" || got.to != "+254712345678" || got.from != "SATS" || got.username != "sandbox" {
		t.Fatalf("unexpected request %+v", got)
	}
	if !strings.Contains(got.message, `"Bike"`) {
		t.Fatalf("message = %q", got.message)
	}
}

func TestSMSErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `The supplied authentication is invalid`, want: domain.ErrGatewayRejected},
		{name: "server error", status: http.StatusInternalServerError, body: ``, want: domain.ErrGatewayUnavailable},
		{name: "invalid number", status: http.StatusCreated, body: `{"SMSMessageData":{"Recipients":[{"number":"+2547","status":"InvalidPhoneNumber","statusCode":403}]}}`, want: domain.ErrGatewayRejected},
		{name: "no recipients", status: http.StatusCreated, body: `{"SMSMessageData":{"Message":"InvalidSenderId","Recipients":[]}}`, want: domain.ErrGatewayRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			err := NewSMS(SMSConfig{BaseURL: srv.URL}, srv.Client()).Send(context.Background(), "254712345678", "hi")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	d := LogDispatcher{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := d.NotifyDeposit(context.Background(), "254712345678", decimal.NewFromInt(50), "KES", 5000); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(buf.String(), `"kind":"deposit"`) {
		t.Fatalf("log output = %s", buf.String())
	}
}
