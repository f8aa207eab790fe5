// Package service is the deposit settlement engine. It turns M-Pesa and
// Lightning payments into satoshi credits on a target account.
//
// Every payment intent has exactly one terminal transition. That transition
// is a conditional store update and runs before the ledger is touched, so the
// caller that wins it is the only one allowed to credit the account.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/clock"
	"github.com/punchamoorthee/satsettle/internal/conversion"
	"github.com/punchamoorthee/satsettle/internal/domain"
	"github.com/punchamoorthee/satsettle/internal/gateway/lightning"
	"github.com/punchamoorthee/satsettle/internal/gateway/mpesa"
	"github.com/punchamoorthee/satsettle/internal/notify"
)

// Store is the persistence the engine needs for accounts and payment intents.
type Store interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)

	HasRecentPending(ctx context.Context, accountID string, since time.Time) (bool, error)
	CreatePending(ctx context.Context, p *domain.PendingPaymentRequest) error
	GetPending(ctx context.Context, id string) (*domain.PendingPaymentRequest, error)
	FindPendingByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.PendingPaymentRequest, error)
	MarkPendingTerminal(ctx context.Context, id string, out domain.PendingOutcome) error

	CreateInvoice(ctx context.Context, inv *domain.LightningInvoice) error
	GetInvoice(ctx context.Context, id string) (*domain.LightningInvoice, error)
	MarkInvoicePaid(ctx context.Context, id string, at time.Time) error
}

type Ledger interface {
	Settle(ctx context.Context, accountID string, delta int64, entry domain.TransactionLogEntry) (int64, error)
	History(ctx context.Context, accountID string, limit int) ([]domain.TransactionLogEntry, error)
}

type MobileMoney interface {
	Initiate(ctx context.Context, req mpesa.STKPush) (*mpesa.STKPushAck, error)
	CheckStatus(ctx context.Context, checkoutRequestID string) (*domain.MobileMoneyResult, error)
}

type Lightning interface {
	CreateInvoice(ctx context.Context, apiKey string, amountSats int64, memo string) (*lightning.Invoice, error)
	CheckPaid(ctx context.Context, apiKey, paymentHash string) (bool, error)
}

type GoalEvaluator interface {
	Evaluate(ctx context.Context, accountID string, newBalance int64) ([]domain.Goal, error)
}

const (
	DefaultDedupWindow       = 5 * time.Minute
	DefaultInitiateTimeout   = 60 * time.Second
	DefaultInvoiceTimeout    = 15 * time.Second
	DefaultSideEffectTimeout = 10 * time.Second
)

var (
	DefaultMinAmount = decimal.NewFromInt(10)
	DefaultMaxAmount = decimal.NewFromInt(150000)
)

type Config struct {
	Conversion        conversion.Policy
	DedupWindow       time.Duration
	MinAmount         decimal.Decimal
	MaxAmount         decimal.Decimal
	InitiateTimeout   time.Duration
	InvoiceTimeout    time.Duration
	SideEffectTimeout time.Duration
	// DefaultInvoiceKey is used for accounts without their own wallet key.
	DefaultInvoiceKey string
}

func (c *Config) applyDefaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.MinAmount.IsZero() {
		c.MinAmount = DefaultMinAmount
	}
	if c.MaxAmount.IsZero() {
		c.MaxAmount = DefaultMaxAmount
	}
	if c.InitiateTimeout <= 0 {
		c.InitiateTimeout = DefaultInitiateTimeout
	}
	if c.InvoiceTimeout <= 0 {
		c.InvoiceTimeout = DefaultInvoiceTimeout
	}
	if c.SideEffectTimeout <= 0 {
		c.SideEffectTimeout = DefaultSideEffectTimeout
	}
	if c.Conversion.Currency == "" {
		c.Conversion.Currency = "KES"
	}
}

// Deps are the collaborators of an Engine. Goals, Notifier, Clock, Metrics
// and Logger are optional.
type Deps struct {
	Store     Store
	Ledger    Ledger
	Mpesa     MobileMoney
	Lightning Lightning
	Goals     GoalEvaluator
	Notifier  notify.Dispatcher
	Clock     clock.Clock
	Metrics   *Metrics
	Logger    *slog.Logger
}

type Engine struct {
	cfg       Config
	store     Store
	ledger    Ledger
	mpesa     MobileMoney
	lightning Lightning
	goals     GoalEvaluator
	notifier  notify.Dispatcher
	clock     clock.Clock
	metrics   *Metrics
	log       *slog.Logger

	tasks sync.WaitGroup
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Ledger == nil {
		return nil, errors.New("engine requires a store and a ledger")
	}
	if !cfg.Conversion.Rate.IsPositive() {
		return nil, fmt.Errorf("%w: conversion rate must be positive", domain.ErrValidation)
	}
	cfg.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		ledger:    deps.Ledger,
		mpesa:     deps.Mpesa,
		lightning: deps.Lightning,
		goals:     deps.Goals,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		log:       deps.Logger,
	}, nil
}

// DedupWindow is the window during which a pending request blocks a new one.
func (e *Engine) DedupWindow() time.Duration { return e.cfg.DedupWindow }

// Wait blocks until every dispatched side effect has finished.
func (e *Engine) Wait() { e.tasks.Wait() }

// resolveTarget loads the account actor wants to act on and enforces
// ownership: self, or a parent acting on their own child.
func (e *Engine) resolveTarget(ctx context.Context, actor domain.Actor, targetID string) (*domain.Account, error) {
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: missing actor", domain.ErrPermission)
	}
	if targetID == "" {
		targetID = actor.ID
	}
	if actor.Role == domain.RoleChild && targetID != actor.ID {
		return nil, fmt.Errorf("%w: a child may only act on their own account", domain.ErrPermission)
	}

	target, err := e.store.GetAccount(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.ID == actor.ID {
		return target, nil
	}
	if actor.Role == domain.RoleParent && target.Role == domain.RoleChild && target.ParentID == actor.ID {
		return target, nil
	}
	return nil, fmt.Errorf("%w: account %s does not belong to %s", domain.ErrPermission, targetID, actor.ID)
}

// Balance returns the target account if actor may read it.
func (e *Engine) Balance(ctx context.Context, actor domain.Actor, accountID string) (*domain.Account, error) {
	return e.resolveTarget(ctx, actor, accountID)
}

// Transactions returns the newest log entries of an account actor may read.
func (e *Engine) Transactions(ctx context.Context, actor domain.Actor, accountID string, limit int) ([]domain.TransactionLogEntry, error) {
	target, err := e.resolveTarget(ctx, actor, accountID)
	if err != nil {
		return nil, err
	}
	return e.ledger.History(ctx, target.ID, limit)
}

type deposit struct {
	accountID string
	source    domain.Source
	reference string
	sats      int64
	fiat      *decimal.Decimal
	currency  string
}

// credit moves money after the caller has won the terminal gate. Failures
// here leave the intent terminal and uncredited, which is logged for
// reconciliation rather than retried.
func (e *Engine) credit(ctx context.Context, d deposit) error {
	entry := domain.TransactionLogEntry{
		Type:              domain.TransactionDeposit,
		Source:            d.source,
		FiatAmount:        d.fiat,
		FiatCurrency:      d.currency,
		ExternalReference: d.reference,
		CreatedAt:         e.clock.Now(),
	}
	balance, err := e.ledger.Settle(ctx, d.accountID, d.sats, entry)
	if err != nil {
		e.metrics.Settlement(string(d.source), "error", d.sats)
		e.log.ErrorContext(ctx, "settlement failed after terminal transition",
			"source", d.source, "reference", d.reference, "account_id", d.accountID, "sats", d.sats, "error", err)
		return fmt.Errorf("settle %s %s: %w", d.source, d.reference, err)
	}
	e.metrics.Settlement(string(d.source), "ok", d.sats)
	e.log.InfoContext(ctx, "deposit settled",
		"source", d.source, "reference", d.reference, "account_id", d.accountID, "sats", d.sats, "balance", balance)
	e.dispatchSideEffects(d, balance)
	return nil
}
