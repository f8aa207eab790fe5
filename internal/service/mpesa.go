package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/domain"
	"github.com/punchamoorthee/satsettle/internal/gateway/mpesa"
)

const railMpesa = "mpesa"

// errSettlement marks a ledger failure that happened after the terminal
// transition was won.
var errSettlement = errors.New("settlement failed")

type MpesaDepositInput struct {
	// TargetAccountID defaults to the actor's own account.
	TargetAccountID string
	// Phone is the payer's number. When empty the actor's phone on file is used.
	Phone  string
	Amount decimal.Decimal
}

// InitiateMpesaDeposit sends an STK push for in and records the pending
// request. Nothing is persisted unless the gateway accepted the push.
func (e *Engine) InitiateMpesaDeposit(ctx context.Context, actor domain.Actor, in MpesaDepositInput) (*domain.PendingPaymentRequest, error) {
	p, err := e.initiateMpesa(ctx, actor, in)
	switch {
	case err == nil:
		e.metrics.Initiation(railMpesa, "ok")
	case errors.Is(err, domain.ErrDuplicateRequest):
		e.metrics.Initiation(railMpesa, "duplicate")
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, domain.ErrGatewayRejected):
		e.metrics.Initiation(railMpesa, "gateway_error")
	default:
		e.metrics.Initiation(railMpesa, "rejected")
	}
	return p, err
}

func (e *Engine) initiateMpesa(ctx context.Context, actor domain.Actor, in MpesaDepositInput) (*domain.PendingPaymentRequest, error) {
	if err := e.validateFiat(in.Amount); err != nil {
		return nil, err
	}
	target, err := e.resolveTarget(ctx, actor, in.TargetAccountID)
	if err != nil {
		return nil, err
	}

	phone := in.Phone
	if phone == "" {
		payer, err := e.store.GetAccount(ctx, actor.ID)
		if err != nil {
			return nil, fmt.Errorf("load payer %s: %w", actor.ID, err)
		}
		phone = payer.Phone
	}
	phone, err = mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	busy, err := e.store.HasRecentPending(ctx, target.ID, now.Add(-e.cfg.DedupWindow))
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, fmt.Errorf("%w: account %s", domain.ErrDuplicateRequest, target.ID)
	}

	if e.mpesa == nil {
		return nil, fmt.Errorf("%w: mpesa is not configured", domain.ErrGatewayUnavailable)
	}
	pushCtx, cancel := context.WithTimeout(ctx, e.cfg.InitiateTimeout)
	defer cancel()
	timer := e.metrics.gatewayTimer(railMpesa, "initiate")
	ack, err := e.mpesa.Initiate(pushCtx, mpesa.STKPush{
		Phone:            phone,
		Amount:           in.Amount,
		AccountReference: target.ID,
		Description:      "Deposit",
	})
	timer.ObserveDuration()
	if err != nil {
		e.log.WarnContext(ctx, "stk push failed", "account_id", target.ID, "amount", in.Amount.String(), "error", err)
		return nil, err
	}

	p := &domain.PendingPaymentRequest{
		TargetAccountID:   target.ID,
		ActorID:           actor.ID,
		CheckoutRequestID: ack.CheckoutRequestID,
		MerchantRequestID: ack.MerchantRequestID,
		Phone:             phone,
		Amount:            in.Amount,
		Currency:          e.cfg.Conversion.Currency,
		Status:            domain.StatusPending,
		CreatedAt:         now,
	}
	// The push is already on the payer's phone; the record must outlive a
	// caller that hung up.
	if err := e.store.CreatePending(context.WithoutCancel(ctx), p); err != nil {
		e.log.ErrorContext(ctx, "stk push accepted but pending record not saved",
			"checkout_request_id", ack.CheckoutRequestID, "account_id", target.ID, "amount", in.Amount.String(), "error", err)
		return nil, err
	}
	e.log.InfoContext(ctx, "stk push sent", "checkout_request_id", p.CheckoutRequestID, "account_id", target.ID, "actor_id", actor.ID)
	return p, nil
}

func (e *Engine) validateFiat(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("%w: amount must be a whole number of %s", domain.ErrValidation, e.cfg.Conversion.Currency)
	}
	if amount.LessThan(e.cfg.MinAmount) || amount.GreaterThan(e.cfg.MaxAmount) {
		return fmt.Errorf("%w: amount must be between %s and %s", domain.ErrValidation, e.cfg.MinAmount, e.cfg.MaxAmount)
	}
	return nil
}

// HandleMpesaCallback settles a parsed result notification. Unknown checkout
// references and repeat deliveries are no-ops. The returned error is for
// logging only; the provider has already been acknowledged.
func (e *Engine) HandleMpesaCallback(ctx context.Context, res *domain.MobileMoneyResult) error {
	if res == nil || res.CheckoutRequestID == "" {
		e.metrics.Callback("malformed")
		return fmt.Errorf("%w: callback without checkout request id", domain.ErrValidation)
	}
	p, err := e.store.FindPendingByCheckoutID(ctx, res.CheckoutRequestID)
	if errors.Is(err, domain.ErrNotFound) {
		e.metrics.Callback("unknown_reference")
		e.log.WarnContext(ctx, "callback for unknown checkout request dropped",
			"checkout_request_id", res.CheckoutRequestID, "result_code", res.ResultCode)
		return nil
	}
	if err != nil {
		e.metrics.Callback("error")
		return fmt.Errorf("lookup checkout %s: %w", res.CheckoutRequestID, err)
	}
	return e.resolvePending(ctx, p, res)
}

// ReconcileMpesaDeposit queries the provider for a request whose callback may
// have been lost and settles it through the same gate.
func (e *Engine) ReconcileMpesaDeposit(ctx context.Context, actor domain.Actor, checkoutRequestID string) (*domain.PendingPaymentRequest, error) {
	p, err := e.store.FindPendingByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if p.ActorID != actor.ID {
		if _, err := e.resolveTarget(ctx, actor, p.TargetAccountID); err != nil {
			return nil, err
		}
	}
	if p.Status != domain.StatusPending {
		return p, nil
	}
	if e.mpesa == nil {
		return nil, fmt.Errorf("%w: mpesa is not configured", domain.ErrGatewayUnavailable)
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.InitiateTimeout)
	defer cancel()
	timer := e.metrics.gatewayTimer(railMpesa, "status")
	res, err := e.mpesa.CheckStatus(queryCtx, checkoutRequestID)
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	if res.Pending {
		return p, nil
	}
	if res.CheckoutRequestID == "" {
		res.CheckoutRequestID = checkoutRequestID
	}

	err = e.resolvePending(context.WithoutCancel(ctx), p, res)
	if err != nil && !errors.Is(err, errSettlement) {
		return nil, err
	}
	return e.store.GetPending(ctx, p.ID)
}

// resolvePending applies the terminal transition for p and, on success,
// credits the target account.
func (e *Engine) resolvePending(ctx context.Context, p *domain.PendingPaymentRequest, res *domain.MobileMoneyResult) error {
	if res.Pending {
		return nil
	}
	attrs := []any{"checkout_request_id", p.CheckoutRequestID, "account_id", p.TargetAccountID, "result_code", res.ResultCode}

	if !res.Succeeded() {
		err := e.store.MarkPendingTerminal(ctx, p.ID, domain.PendingOutcome{
			Status:     domain.StatusFailed,
			ResultCode: res.ResultCode,
			ResultDesc: res.ResultDesc,
			At:         e.clock.Now(),
		})
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			e.metrics.Duplicate(railMpesa)
			e.metrics.Callback("duplicate")
			return nil
		}
		if err != nil {
			e.metrics.Callback("error")
			return fmt.Errorf("mark %s failed: %w", p.CheckoutRequestID, err)
		}
		e.metrics.Callback("failed")
		e.log.InfoContext(ctx, "mpesa payment failed", append(attrs, "result_desc", res.ResultDesc)...)
		return nil
	}

	amount := res.Amount
	if !amount.IsPositive() {
		amount = p.Amount
	}
	sats, err := e.cfg.Conversion.Convert(amount)
	if err != nil {
		e.metrics.Callback("error")
		e.log.ErrorContext(ctx, "cannot convert settled amount", append(attrs, "amount", amount.String(), "error", err)...)
		return err
	}

	err = e.store.MarkPendingTerminal(ctx, p.ID, domain.PendingOutcome{
		Status:        domain.StatusCompleted,
		ResultCode:    res.ResultCode,
		ResultDesc:    res.ResultDesc,
		Receipt:       res.Receipt,
		SettledAmount: amount,
		SettledSats:   sats,
		At:            e.clock.Now(),
	})
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		e.metrics.Duplicate(railMpesa)
		e.metrics.Callback("duplicate")
		e.log.DebugContext(ctx, "duplicate result delivery ignored", attrs...)
		return nil
	}
	if err != nil {
		e.metrics.Callback("error")
		return fmt.Errorf("mark %s completed: %w", p.CheckoutRequestID, err)
	}
	e.metrics.Callback("completed")

	if err := e.credit(ctx, deposit{
		accountID: p.TargetAccountID,
		source:    domain.SourceMpesa,
		reference: p.CheckoutRequestID,
		sats:      sats,
		fiat:      &amount,
		currency:  p.Currency,
	}); err != nil {
		return fmt.Errorf("%w: %w", errSettlement, err)
	}
	return nil
}
