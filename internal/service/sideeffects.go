package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// dispatchSideEffects runs goal evaluation and the deposit notification in the
// background. Neither can affect the settlement that triggered them.
func (e *Engine) dispatchSideEffects(d deposit, balance int64) {
	if e.goals != nil {
		e.runAsync("goals", d, func(ctx context.Context) error {
			achieved, err := e.goals.Evaluate(ctx, d.accountID, balance)
			for _, g := range achieved {
				e.log.InfoContext(ctx, "goal achieved", "account_id", d.accountID, "goal_id", g.ID, "target_sats", g.TargetSats)
			}
			return err
		})
	}
	if e.notifier != nil {
		e.runAsync("notify", d, func(ctx context.Context) error {
			to, err := e.contactFor(ctx, d.accountID)
			if err != nil || to == "" {
				return err
			}
			fiat := decimal.Zero
			if d.fiat != nil {
				fiat = *d.fiat
			}
			return e.notifier.NotifyDeposit(ctx, to, fiat, d.currency, d.sats)
		})
	}
}

// contactFor returns the phone of the parent of accountID, or the account's
// own phone when it has no parent.
func (e *Engine) contactFor(ctx context.Context, accountID string) (string, error) {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account %s: %w", accountID, err)
	}
	if acct.ParentID == "" {
		return acct.Phone, nil
	}
	parent, err := e.store.GetAccount(ctx, acct.ParentID)
	if err != nil {
		return "", fmt.Errorf("load parent %s: %w", acct.ParentID, err)
	}
	return parent.Phone, nil
}

func (e *Engine) runAsync(kind string, d deposit, fn func(ctx context.Context) error) {
	e.tasks.Add(1)
	e.metrics.sideEffectStarted()
	go func() {
		defer e.tasks.Done()
		defer e.metrics.sideEffectDone()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SideEffectTimeout)
		defer cancel()
		attrs := []any{"kind", kind, "source", d.source, "reference", d.reference, "account_id", d.accountID}

		defer func() {
			if r := recover(); r != nil {
				e.metrics.SideEffectFailed(kind)
				e.log.ErrorContext(ctx, "side effect panicked", append(attrs, "panic", r)...)
			}
		}()
		if err := fn(ctx); err != nil {
			e.metrics.SideEffectFailed(kind)
			e.log.WarnContext(ctx, "side effect failed", append(attrs, slog.Any("error", err))...)
		}
	}()
}
