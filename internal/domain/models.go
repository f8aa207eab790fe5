package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// Account is a parent or child wallet. Balance is in satoshis and is only
// changed through the settlement ledger.
type Account struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	WalletKey string    `json:"-"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID   string
	Role Role
}

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
	StatusPaid      PaymentStatus = "paid"
)

// PendingPaymentRequest tracks one in-flight STK push.
type PendingPaymentRequest struct {
	ID                string           `json:"id"`
	TargetAccountID   string           `json:"target_account_id"`
	ActorID           string           `json:"actor_id"`
	CheckoutRequestID string           `json:"checkout_request_id"`
	MerchantRequestID string           `json:"merchant_request_id,omitempty"`
	Phone             string           `json:"phone"`
	Amount            decimal.Decimal  `json:"amount"`
	Currency          string           `json:"currency"`
	Status            PaymentStatus    `json:"status"`
	ResultCode        *int             `json:"result_code,omitempty"`
	ResultDesc        string           `json:"result_desc,omitempty"`
	Receipt           string           `json:"receipt,omitempty"`
	SettledAmount     *decimal.Decimal `json:"settled_amount,omitempty"`
	SettledSats       int64            `json:"settled_sats,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// PendingOutcome is the payload of the single terminal transition of a
// PendingPaymentRequest.
type PendingOutcome struct {
	Status        PaymentStatus
	ResultCode    int
	ResultDesc    string
	Receipt       string
	SettledAmount decimal.Decimal
	SettledSats   int64
	At            time.Time
}

// LightningInvoice is an invoice issued against a provider wallet key.
type LightningInvoice struct {
	ID              string        `json:"id"`
	TargetAccountID string        `json:"target_account_id"`
	ActorID         string        `json:"actor_id"`
	PayerRole       Role          `json:"payer_role"`
	AmountSats      int64         `json:"amount_sats"`
	Memo            string        `json:"memo"`
	PaymentHash     string        `json:"payment_hash"`
	PaymentRequest  string        `json:"payment_request"`
	WalletKey       string        `json:"-"`
	Status          PaymentStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
}

type TransactionType string

const TransactionDeposit TransactionType = "deposit"

type Source string

const (
	SourceMpesa     Source = "mpesa"
	SourceLightning Source = "lightning"
)

// TransactionLogEntry is the append-only audit record of a settlement.
type TransactionLogEntry struct {
	ID                string           `json:"id"`
	AccountID         string           `json:"account_id"`
	Type              TransactionType  `json:"type"`
	Source            Source           `json:"source"`
	AmountSats        int64            `json:"amount_sats"`
	FiatAmount        *decimal.Decimal `json:"fiat_amount,omitempty"`
	FiatCurrency      string           `json:"fiat_currency,omitempty"`
	ExternalReference string           `json:"external_reference"`
	BalanceAfter      int64            `json:"balance_after"`
	CreatedAt         time.Time        `json:"created_at"`
}

// MobileMoneyResult is the typed outcome of an STK push, produced either by
// parsing a callback or by an explicit status query.
type MobileMoneyResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            decimal.Decimal
	Receipt           string
	Phone             string
	TransactionDate   time.Time
	// Pending is set by status queries while the provider is still processing.
	Pending bool
}

func (r *MobileMoneyResult) Succeeded() bool {
	return r != nil && !r.Pending && r.ResultCode == 0
}

type GoalStatus string

const (
	GoalActive   GoalStatus = "active"
	GoalAchieved GoalStatus = "achieved"
)

// Goal is the slice of a savings goal needed to evaluate achievement.
type Goal struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Name       string     `json:"name"`
	TargetSats int64      `json:"target_sats"`
	Status     GoalStatus `json:"status"`
	AchievedAt *time.Time `json:"achieved_at,omitempty"`
}
