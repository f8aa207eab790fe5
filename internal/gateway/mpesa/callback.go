package mpesa

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

// AckBody is written back to Daraja for every callback delivery.
var AckBody = []byte(`{"ResultCode":0,"ResultDesc":"Accepted"}`)

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        *int   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// metadataItem is one {Name, Value} pair. Value may be a number, a string or
// absent depending on Name.
type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ParseCallback turns a raw STK callback body into a typed result.
func ParseCallback(body []byte) (*domain.MobileMoneyResult, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed callback: %v", domain.ErrValidation, err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" || cb.ResultCode == nil {
		return nil, fmt.Errorf("%w: callback missing stkCallback fields", domain.ErrValidation)
	}

	out := &domain.MobileMoneyResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        *cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil {
		return out, nil
	}

	for _, item := range cb.CallbackMetadata.Item {
		if len(item.Value) == 0 || string(item.Value) == "null" {
			continue
		}
		switch item.Name {
		case "Amount":
			var amt decimal.Decimal
			if err := amt.UnmarshalJSON(item.Value); err != nil {
				return nil, fmt.Errorf("%w: callback amount %s: %v", domain.ErrValidation, item.Value, err)
			}
			out.Amount = amt
		case "MpesaReceiptNumber":
			out.Receipt = scalar(item.Value)
		case "PhoneNumber":
			out.Phone = scalar(item.Value)
		case "TransactionDate":
			if ts, err := time.ParseInLocation(timestampLayout, scalar(item.Value), eat); err == nil {
				out.TransactionDate = ts.UTC()
			}
		}
	}
	return out, nil
}

// scalar renders a raw JSON number or string without quotes.
func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
