// Package notify delivers deposit and goal notifications to parents.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Dispatcher sends best-effort notifications. Callers treat every error as
// non-fatal.
type Dispatcher interface {
	NotifyDeposit(ctx context.Context, to string, fiat decimal.Decimal, currency string, sats int64) error
	NotifyGoalAchieved(ctx context.Context, to, childName, goalName string, targetSats int64) error
}

// DepositMessage renders the deposit notification text. A zero fiat amount
// yields the sats-only form used for Lightning deposits.
func DepositMessage(fiat decimal.Decimal, currency string, sats int64) string {
	if fiat.IsZero() {
		return fmt.Sprintf("Deposit received: %d sats have been added to your savings.", sats)
	}
	return fmt.Sprintf("Deposit received: %s %s converted to %d sats and added to your savings.", currency, fiat.StringFixed(2), sats)
}

func GoalMessage(childName, goalName string, targetSats int64) string {
	return fmt.Sprintf("Congratulations! %s reached the savings goal %q (%d sats).", childName, goalName, targetSats)
}

// LogDispatcher writes notifications to the structured log instead of
// sending them.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d LogDispatcher) NotifyDeposit(ctx context.Context, to string, fiat decimal.Decimal, currency string, sats int64) error {
	d.logger().InfoContext(ctx, "notification", "kind", "deposit", "to", to, "message", DepositMessage(fiat, currency, sats))
	return nil
}

func (d LogDispatcher) NotifyGoalAchieved(ctx context.Context, to, childName, goalName string, targetSats int64) error {
	d.logger().InfoContext(ctx, "notification", "kind", "goal_achieved", "to", to, "message", GoalMessage(childName, goalName, targetSats))
	return nil
}
