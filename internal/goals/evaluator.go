// Package goals marks savings goals achieved once a balance covers them.
package goals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/satsettle/internal/clock"
	"github.com/punchamoorthee/satsettle/internal/domain"
	"github.com/punchamoorthee/satsettle/internal/notify"
)

type Store interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	CompleteReachedGoals(ctx context.Context, accountID string, balance int64, at time.Time) ([]domain.Goal, error)
}

type Evaluator struct {
	store    Store
	notifier notify.Dispatcher
	clock    clock.Clock
}

func NewEvaluator(store Store, notifier notify.Dispatcher, clk clock.Clock) *Evaluator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Evaluator{store: store, notifier: notifier, clock: clk}
}

// Evaluate completes every active goal of accountID that newBalance covers and
// notifies the owning parent once per goal. Goals already achieved are left
// alone, so repeated calls with the same balance notify nothing.
func (e *Evaluator) Evaluate(ctx context.Context, accountID string, newBalance int64) ([]domain.Goal, error) {
	achieved, err := e.store.CompleteReachedGoals(ctx, accountID, newBalance, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("evaluate goals for %s: %w", accountID, err)
	}
	if len(achieved) == 0 || e.notifier == nil {
		return achieved, nil
	}

	child, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return achieved, fmt.Errorf("load goal owner %s: %w", accountID, err)
	}
	to := child.Phone
	if child.ParentID != "" {
		parent, err := e.store.GetAccount(ctx, child.ParentID)
		if err != nil {
			return achieved, fmt.Errorf("load parent %s: %w", child.ParentID, err)
		}
		to = parent.Phone
	}
	if to == "" {
		slog.WarnContext(ctx, "goal achieved but no phone on file", "account_id", accountID)
		return achieved, nil
	}

	var errs []error
	for _, g := range achieved {
		if err := e.notifier.NotifyGoalAchieved(ctx, to, child.Name, g.Name, g.TargetSats); err != nil {
			errs = append(errs, fmt.Errorf("goal %s: %w", g.ID, err))
		}
	}
	return achieved, errors.Join(errs...)
}
