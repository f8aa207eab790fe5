package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

// MpesaDepositRequest is the payload for starting an STK push deposit.
type MpesaDepositRequest struct {
	TargetAccountID string          `json:"target_account_id"`
	Phone           string          `json:"phone"`
	Amount          decimal.Decimal `json:"amount"`
}

// MpesaDepositResponse describes a pending or resolved STK push.
type MpesaDepositResponse struct {
	ID                string               `json:"id"`
	CheckoutRequestID string               `json:"checkout_request_id"`
	TargetAccountID   string               `json:"target_account_id"`
	Amount            decimal.Decimal      `json:"amount"`
	Currency          string               `json:"currency"`
	Status            domain.PaymentStatus `json:"status"`
	SettledAmount     *decimal.Decimal     `json:"settled_amount,omitempty"`
	SettledSats       int64                `json:"settled_sats,omitempty"`
	ResultDesc        string               `json:"result_desc,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

func NewMpesaDepositResponse(p *domain.PendingPaymentRequest) MpesaDepositResponse {
	return MpesaDepositResponse{
		ID:                p.ID,
		CheckoutRequestID: p.CheckoutRequestID,
		TargetAccountID:   p.TargetAccountID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            p.Status,
		SettledAmount:     p.SettledAmount,
		SettledSats:       p.SettledSats,
		ResultDesc:        p.ResultDesc,
		CreatedAt:         p.CreatedAt,
	}
}

// LightningInvoiceRequest is the payload for issuing an invoice.
type LightningInvoiceRequest struct {
	TargetAccountID string `json:"target_account_id"`
	AmountSats      int64  `json:"amount_sats"`
	Memo            string `json:"memo"`
}

type LightningInvoiceResponse struct {
	ID              string               `json:"id"`
	TargetAccountID string               `json:"target_account_id"`
	AmountSats      int64                `json:"amount_sats"`
	Memo            string               `json:"memo"`
	PaymentHash     string               `json:"payment_hash"`
	PaymentRequest  string               `json:"payment_request"`
	Status          domain.PaymentStatus `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
	PaidAt          *time.Time           `json:"paid_at,omitempty"`
}

func NewLightningInvoiceResponse(inv *domain.LightningInvoice) LightningInvoiceResponse {
	return LightningInvoiceResponse{
		ID:              inv.ID,
		TargetAccountID: inv.TargetAccountID,
		AmountSats:      inv.AmountSats,
		Memo:            inv.Memo,
		PaymentHash:     inv.PaymentHash,
		PaymentRequest:  inv.PaymentRequest,
		Status:          inv.Status,
		CreatedAt:       inv.CreatedAt,
		PaidAt:          inv.PaidAt,
	}
}

type AccountResponse struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Role        domain.Role `json:"role"`
	ParentID    string      `json:"parent_id,omitempty"`
	BalanceSats int64       `json:"balance_sats"`
}

func NewAccountResponse(a *domain.Account) AccountResponse {
	return AccountResponse{
		ID:          a.ID,
		Name:        a.Name,
		Role:        a.Role,
		ParentID:    a.ParentID,
		BalanceSats: a.Balance,
	}
}

type TransactionsResponse struct {
	AccountID    string                       `json:"account_id"`
	Transactions []domain.TransactionLogEntry `json:"transactions"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
