package lightning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

func TestCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/payments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "child-invoice-key" {
			t.Errorf("api key = %q", r.Header.Get("X-Api-Key"))
		}
		var body createInvoiceBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Out || body.Amount != 500 || body.Memo != "piggy bank" {
			t.Errorf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"payment_hash":"hash-1","payment_request":"lnbc5u1..."}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	inv, err := client.CreateInvoice(context.Background(), "child-invoice-key", 500, "piggy bank")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if inv.PaymentHash != "hash-1" || inv.PaymentRequest != "lnbc5u1..." {
		t.Fatalf("unexpected invoice %+v", inv)
	}
}

func TestCreateInvoiceAcceptsBolt11Field(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"payment_hash":"hash-2","bolt11":"lnbc1..."}`))
	}))
	defer srv.Close()

	inv, err := NewClient(srv.URL, srv.Client()).CreateInvoice(context.Background(), "k", 1, "")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if inv.PaymentRequest != "lnbc1..." {
		t.Fatalf("payment request = %q", inv.PaymentRequest)
	}
}

func TestCreateInvoiceValidation(t *testing.T) {
	client := NewClient("http://unused.invalid", nil)
	for _, amount := range []int64{0, -1} {
		if _, err := client.CreateInvoice(context.Background(), "k", amount, ""); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("amount %d: expected validation error, got %v", amount, err)
		}
	}
	if _, err := client.CreateInvoice(context.Background(), "", 10, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for missing key, got %v", err)
	}
}

func TestCreateInvoiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "bad key", status: http.StatusUnauthorized, want: domain.ErrGatewayRejected},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, want: domain.ErrGatewayRejected},
		{name: "node down", status: http.StatusBadGateway, want: domain.ErrGatewayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"detail":"nope"}`))
			}))
			defer srv.Close()
			_, err := NewClient(srv.URL, srv.Client()).CreateInvoice(context.Background(), "k", 10, "")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateInvoiceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL, srv.Client()).CreateInvoice(ctx, "k", 10, "")
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable on timeout, got %v", err)
	}
}

func TestCheckPaid(t *testing.T) {
	var paid atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/hash-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"paid": paid.Load()})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	got, err := client.CheckPaid(context.Background(), "k", "hash-1")
	if err != nil || got {
		t.Fatalf("first check = %v, %v; want false, nil", got, err)
	}
	paid.Store(true)
	got, err = client.CheckPaid(context.Background(), "k", "hash-1")
	if err != nil || !got {
		t.Fatalf("second check = %v, %v; want true, nil", got, err)
	}
}
