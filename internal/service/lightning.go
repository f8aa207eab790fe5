package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

const railLightning = "lightning"

type LightningDepositInput struct {
	TargetAccountID string
	AmountSats      int64
	Memo            string
}

// CreateLightningInvoice issues an invoice payable into the target account's
// wallet and records it as pending.
func (e *Engine) CreateLightningInvoice(ctx context.Context, actor domain.Actor, in LightningDepositInput) (*domain.LightningInvoice, error) {
	inv, err := e.createInvoice(ctx, actor, in)
	switch {
	case err == nil:
		e.metrics.Initiation(railLightning, "ok")
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, domain.ErrGatewayRejected):
		e.metrics.Initiation(railLightning, "gateway_error")
	default:
		e.metrics.Initiation(railLightning, "rejected")
	}
	return inv, err
}

func (e *Engine) createInvoice(ctx context.Context, actor domain.Actor, in LightningDepositInput) (*domain.LightningInvoice, error) {
	if in.AmountSats <= 0 {
		return nil, fmt.Errorf("%w: amount_sats must be a positive integer", domain.ErrValidation)
	}
	target, err := e.resolveTarget(ctx, actor, in.TargetAccountID)
	if err != nil {
		return nil, err
	}
	key := target.WalletKey
	if key == "" {
		key = e.cfg.DefaultInvoiceKey
	}
	if key == "" {
		return nil, fmt.Errorf("%w: no lightning wallet configured for account %s", domain.ErrValidation, target.ID)
	}
	if e.lightning == nil {
		return nil, fmt.Errorf("%w: lightning is not configured", domain.ErrGatewayUnavailable)
	}

	memo := in.Memo
	if memo == "" {
		memo = "Savings deposit"
		if target.Name != "" {
			memo += " for " + target.Name
		}
	}

	invCtx, cancel := context.WithTimeout(ctx, e.cfg.InvoiceTimeout)
	defer cancel()
	timer := e.metrics.gatewayTimer(railLightning, "create_invoice")
	issued, err := e.lightning.CreateInvoice(invCtx, key, in.AmountSats, memo)
	timer.ObserveDuration()
	if err != nil {
		e.log.WarnContext(ctx, "invoice creation failed", "account_id", target.ID, "sats", in.AmountSats, "error", err)
		return nil, err
	}

	inv := &domain.LightningInvoice{
		TargetAccountID: target.ID,
		ActorID:         actor.ID,
		PayerRole:       actor.Role,
		AmountSats:      in.AmountSats,
		Memo:            memo,
		PaymentHash:     issued.PaymentHash,
		PaymentRequest:  issued.PaymentRequest,
		WalletKey:       key,
		Status:          domain.StatusPending,
		CreatedAt:       e.clock.Now(),
	}
	if err := e.store.CreateInvoice(context.WithoutCancel(ctx), inv); err != nil {
		e.log.ErrorContext(ctx, "invoice issued but not saved",
			"payment_hash", issued.PaymentHash, "account_id", target.ID, "sats", in.AmountSats, "error", err)
		return nil, err
	}
	e.log.InfoContext(ctx, "invoice issued", "invoice_id", inv.ID, "payment_hash", inv.PaymentHash, "account_id", target.ID)
	return inv, nil
}

// CheckLightningInvoice polls the provider for a pending invoice and settles
// it the first time it is seen paid. A paid invoice is returned as-is without
// contacting the provider.
func (e *Engine) CheckLightningInvoice(ctx context.Context, actor domain.Actor, invoiceID string) (*domain.LightningInvoice, error) {
	inv, err := e.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.ActorID != actor.ID {
		if _, err := e.resolveTarget(ctx, actor, inv.TargetAccountID); err != nil {
			return nil, err
		}
	}
	if inv.Status == domain.StatusPaid {
		return inv, nil
	}
	if e.lightning == nil {
		return nil, fmt.Errorf("%w: lightning is not configured", domain.ErrGatewayUnavailable)
	}

	timer := e.metrics.gatewayTimer(railLightning, "check_paid")
	paid, err := e.lightning.CheckPaid(ctx, inv.WalletKey, inv.PaymentHash)
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	if !paid {
		return inv, nil
	}

	settleCtx := context.WithoutCancel(ctx)
	err = e.store.MarkInvoicePaid(settleCtx, inv.ID, e.clock.Now())
	switch {
	case errors.Is(err, domain.ErrAlreadyTerminal):
		e.metrics.Duplicate(railLightning)
	case err != nil:
		return nil, fmt.Errorf("mark invoice %s paid: %w", inv.ID, err)
	default:
		// Settlement errors are logged inside credit and left for
		// reconciliation; the invoice is paid either way.
		_ = e.credit(settleCtx, deposit{
			accountID: inv.TargetAccountID,
			source:    domain.SourceLightning,
			reference: inv.PaymentHash,
			sats:      inv.AmountSats,
		})
	}
	return e.store.GetInvoice(settleCtx, inv.ID)
}
