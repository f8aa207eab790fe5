package mpesa

import (
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 100.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const cancelledCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	res, err := ParseCallback([]byte(successCallback))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected success, got code %d", res.ResultCode)
	}
	if res.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Fatalf("checkout id = %q", res.CheckoutRequestID)
	}
	if res.Amount.String() != "100" {
		t.Fatalf("amount = %s", res.Amount)
	}
	if res.Receipt != "NLJ7RT61SV" {
		t.Fatalf("receipt = %q", res.Receipt)
	}
	if res.Phone != "254708374149" {
		t.Fatalf("phone = %q", res.Phone)
	}
	want := time.Date(2019, 12, 19, 7, 21, 15, 0, time.UTC)
	if !res.TransactionDate.Equal(want) {
		t.Fatalf("transaction date = %v, want %v", res.TransactionDate, want)
	}
}

func TestParseCallbackFailure(t *testing.T) {
	res, err := ParseCallback([]byte(cancelledCallback))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Succeeded() {
		t.Fatalf("cancelled callback reported success")
	}
	if res.ResultCode != 1032 || res.ResultDesc != "Request cancelled by user" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.Amount.IsZero() {
		t.Fatalf("expected zero amount, got %s", res.Amount)
	}
}

func TestParseCallbackStringAmount(t *testing.T) {
	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":"250.50"}]}}}}`
	res, err := ParseCallback([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Amount.String() != "250.5" {
		t.Fatalf("amount = %s", res.Amount)
	}
}

func TestParseCallbackRejectsMalformed(t *testing.T) {
	for _, body := range []string{
		``,
		`{"Body":{}}`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1"}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":"abc"}]}}}}`,
	} {
		if _, err := ParseCallback([]byte(body)); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("body %q: expected validation error, got %v", body, err)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0712345678", want: "254712345678"},
		{in: "0112345678", want: "254112345678"},
		{in: "+254712345678", want: "254712345678"},
		{in: "254712345678", want: "254712345678"},
		{in: "0712 345 678", want: "254712345678"},
		{in: "0812345678", wantErr: true},
		{in: "12345", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
