// Package ledger applies balance deltas on top of a store that may report
// write conflicts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

// Backend makes one atomic attempt at applying delta and appending entry. It
// returns domain.ErrConflict when a concurrent writer invalidated the attempt.
type Backend interface {
	ApplySettlement(ctx context.Context, accountID string, delta int64, entry domain.TransactionLogEntry) (int64, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.TransactionLogEntry, error)
}

const (
	baseBackoff = 2 * time.Millisecond
	maxBackoff  = 100 * time.Millisecond
)

type Ledger struct {
	backend Backend
	onRetry func()
	log     *slog.Logger
}

type Option func(*Ledger)

// WithRetryHook is called once per conflict-driven retry.
func WithRetryHook(fn func()) Option {
	return func(l *Ledger) { l.onRetry = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.log = logger
		}
	}
}

func New(backend Backend, opts ...Option) *Ledger {
	l := &Ledger{backend: backend, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Settle applies delta to accountID and records entry. It returns the balance
// after the write.
//
// Settlements only reach the ledger after their payment has been marked
// terminal, so a conflict is never a reason to drop one: Settle keeps
// retrying until the write lands or ctx ends. Every conflict means another
// writer committed, so the account as a whole always makes progress.
func (l *Ledger) Settle(ctx context.Context, accountID string, delta int64, entry domain.TransactionLogEntry) (int64, error) {
	if delta == 0 {
		return 0, fmt.Errorf("%w: zero settlement delta", domain.ErrValidation)
	}
	entry.AccountID = accountID
	entry.AmountSats = delta

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if l.onRetry != nil {
				l.onRetry()
			}
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return 0, fmt.Errorf("settle %s: abandoned after %d conflicting attempts: %w", accountID, attempt, err)
			}
		}

		balance, err := l.backend.ApplySettlement(ctx, accountID, delta, entry)
		if err == nil {
			if attempt > 0 {
				l.log.DebugContext(ctx, "settlement applied after conflicts", "account_id", accountID, "attempts", attempt+1)
			}
			return balance, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return 0, err
		}
	}
}

// History returns the newest log entries for accountID.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]domain.TransactionLogEntry, error) {
	return l.backend.ListTransactions(ctx, accountID, limit)
}

func backoff(attempt int) time.Duration {
	d := maxBackoff
	if attempt < 16 {
		if exp := baseBackoff << (attempt - 1); exp < maxBackoff {
			d = exp
		}
	}
	return d/2 + rand.N(d/2+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
