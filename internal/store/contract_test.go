package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/domain"
	"github.com/punchamoorthee/satsettle/internal/ledger"
)

// backend is the surface both Store and Memory expose.
type backend interface {
	CreateAccount(ctx context.Context, a *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	HasRecentPending(ctx context.Context, accountID string, since time.Time) (bool, error)
	CreatePending(ctx context.Context, p *domain.PendingPaymentRequest) error
	GetPending(ctx context.Context, id string) (*domain.PendingPaymentRequest, error)
	FindPendingByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.PendingPaymentRequest, error)
	MarkPendingTerminal(ctx context.Context, id string, out domain.PendingOutcome) error
	CreateInvoice(ctx context.Context, inv *domain.LightningInvoice) error
	GetInvoice(ctx context.Context, id string) (*domain.LightningInvoice, error)
	MarkInvoicePaid(ctx context.Context, id string, at time.Time) error
	ApplySettlement(ctx context.Context, accountID string, delta int64, entry domain.TransactionLogEntry) (int64, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.TransactionLogEntry, error)
	CreateGoal(ctx context.Context, g *domain.Goal) error
	CompleteReachedGoals(ctx context.Context, accountID string, balance int64, at time.Time) ([]domain.Goal, error)
}

var (
	_ backend = (*Store)(nil)
	_ backend = (*Memory)(nil)
)

func seedFamily(t *testing.T, b backend) (parent, child *domain.Account) {
	t.Helper()
	ctx := context.Background()
	parent = &domain.Account{ID: uuid.NewString(), Role: domain.RoleParent, Name: "Wanjiru", Phone: "254712345678"}
	if err := b.CreateAccount(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child = &domain.Account{ID: uuid.NewString(), Role: domain.RoleChild, Name: "Amani", ParentID: parent.ID, WalletKey: "inv-key"}
	if err := b.CreateAccount(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}
	return parent, child
}

func newPending(target, checkout string, at time.Time) *domain.PendingPaymentRequest {
	return &domain.PendingPaymentRequest{
		TargetAccountID:   target,
		ActorID:           target,
		CheckoutRequestID: checkout,
		Phone:             "254712345678",
		Amount:            decimal.NewFromInt(100),
		Currency:          "KES",
		Status:            domain.StatusPending,
		CreatedAt:         at,
	}
}

func runContract(t *testing.T, newBackend func(t *testing.T) backend) {
	t.Run("account round trip", func(t *testing.T) {
		b := newBackend(t)
		parent, child := seedFamily(t, b)
		got, err := b.GetAccount(context.Background(), child.ID)
		if err != nil {
			t.Fatalf("get account: %v", err)
		}
		if got.ParentID != parent.ID || got.Role != domain.RoleChild || got.WalletKey != "inv-key" {
			t.Fatalf("unexpected account %+v", got)
		}
		if _, err := b.GetAccount(context.Background(), uuid.NewString()); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound, got %v", err)
		}
	})

	t.Run("recent pending window", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, child := seedFamily(t, b)
		now := time.Now().UTC().Truncate(time.Microsecond)

		p := newPending(child.ID, "ws_"+uuid.NewString(), now.Add(-2*time.Minute))
		if err := b.CreatePending(ctx, p); err != nil {
			t.Fatalf("create pending: %v", err)
		}
		if ok, err := b.HasRecentPending(ctx, child.ID, now.Add(-5*time.Minute)); err != nil || !ok {
			t.Fatalf("inside window: got %v, %v", ok, err)
		}
		if ok, err := b.HasRecentPending(ctx, child.ID, now.Add(-1*time.Minute)); err != nil || ok {
			t.Fatalf("outside window: got %v, %v", ok, err)
		}

		if err := b.MarkPendingTerminal(ctx, p.ID, domain.PendingOutcome{Status: domain.StatusFailed, ResultCode: 1032, At: now}); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if ok, _ := b.HasRecentPending(ctx, child.ID, now.Add(-5*time.Minute)); ok {
			t.Fatalf("terminal request must not count as pending")
		}
	})

	t.Run("terminal gate has one winner", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, child := seedFamily(t, b)
		checkout := "ws_" + uuid.NewString()
		p := newPending(child.ID, checkout, time.Now().UTC())
		if err := b.CreatePending(ctx, p); err != nil {
			t.Fatalf("create pending: %v", err)
		}

		const callers = 20
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- b.MarkPendingTerminal(ctx, p.ID, domain.PendingOutcome{
					Status:        domain.StatusCompleted,
					Receipt:       "NLJ7RT61SV",
					SettledAmount: decimal.NewFromInt(100),
					SettledSats:   5000,
					At:            time.Now().UTC(),
				})
			}()
		}
		wg.Wait()
		close(errs)

		winners := 0
		for err := range errs {
			switch {
			case err == nil:
				winners++
			case errors.Is(err, domain.ErrAlreadyTerminal):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if winners != 1 {
			t.Fatalf("winners = %d, want 1", winners)
		}

		got, err := b.FindPendingByCheckoutID(ctx, checkout)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.Status != domain.StatusCompleted || got.Receipt != "NLJ7RT61SV" || got.CompletedAt == nil {
			t.Fatalf("unexpected record %+v", got)
		}
		if got.SettledAmount == nil || !got.SettledAmount.Equal(decimal.NewFromInt(100)) || got.SettledSats != 5000 {
			t.Fatalf("settled amount not persisted: amount=%v sats=%d", got.SettledAmount, got.SettledSats)
		}
		if err := b.MarkPendingTerminal(ctx, uuid.NewString(), domain.PendingOutcome{Status: domain.StatusFailed}); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("missing id: expected ErrNotFound, got %v", err)
		}
		if _, err := b.FindPendingByCheckoutID(ctx, "ws_unknown"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("unknown checkout: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("invoice paid once", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, child := seedFamily(t, b)
		inv := &domain.LightningInvoice{
			TargetAccountID: child.ID,
			ActorID:         child.ID,
			PayerRole:       domain.RoleChild,
			AmountSats:      2100,
			PaymentHash:     "hash-" + uuid.NewString(),
			PaymentRequest:  "lnbc21u1...",
			WalletKey:       "inv-key",
			Status:          domain.StatusPending,
			CreatedAt:       time.Now().UTC(),
		}
		if err := b.CreateInvoice(ctx, inv); err != nil {
			t.Fatalf("create invoice: %v", err)
		}
		if err := b.MarkInvoicePaid(ctx, inv.ID, time.Now().UTC()); err != nil {
			t.Fatalf("first mark: %v", err)
		}
		if err := b.MarkInvoicePaid(ctx, inv.ID, time.Now().UTC()); !errors.Is(err, domain.ErrAlreadyTerminal) {
			t.Fatalf("second mark: expected ErrAlreadyTerminal, got %v", err)
		}
		got, err := b.GetInvoice(ctx, inv.ID)
		if err != nil {
			t.Fatalf("get invoice: %v", err)
		}
		if got.Status != domain.StatusPaid || got.PaidAt == nil {
			t.Fatalf("unexpected invoice %+v", got)
		}
	})

	t.Run("settlement appends log and rejects duplicates", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, child := seedFamily(t, b)
		fiat := decimal.NewFromInt(50)
		entry := domain.TransactionLogEntry{
			Type:              domain.TransactionDeposit,
			Source:            domain.SourceMpesa,
			AmountSats:        5000,
			FiatAmount:        &fiat,
			FiatCurrency:      "KES",
			ExternalReference: "ws_" + uuid.NewString(),
		}
		bal, err := b.ApplySettlement(ctx, child.ID, 5000, entry)
		if err != nil || bal != 5000 {
			t.Fatalf("first settle = %d, %v", bal, err)
		}
		if _, err := b.ApplySettlement(ctx, child.ID, 5000, entry); !errors.Is(err, domain.ErrDuplicateSettlement) {
			t.Fatalf("expected ErrDuplicateSettlement, got %v", err)
		}
		if _, err := b.ApplySettlement(ctx, child.ID, -6000, domain.TransactionLogEntry{Source: domain.SourceMpesa, ExternalReference: "x"}); !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		if _, err := b.ApplySettlement(ctx, uuid.NewString(), 1, entry); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound, got %v", err)
		}

		acct, _ := b.GetAccount(ctx, child.ID)
		if acct.Balance != 5000 {
			t.Fatalf("balance = %d, want 5000", acct.Balance)
		}
		logs, err := b.ListTransactions(ctx, child.ID, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(logs) != 1 || logs[0].BalanceAfter != 5000 || logs[0].FiatAmount == nil || !logs[0].FiatAmount.Equal(fiat) {
			t.Fatalf("unexpected log %+v", logs)
		}
	})

	t.Run("concurrent settlements on one account sum exactly", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, child := seedFamily(t, b)
		l := ledger.New(b)

		const writers = 100
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				entry := domain.TransactionLogEntry{Type: domain.TransactionDeposit, Source: domain.SourceLightning, ExternalReference: fmt.Sprintf("%s-%d", child.ID, i)}
				if _, err := l.Settle(ctx, child.ID, 10, entry); err != nil {
					t.Errorf("settle %d: %v", i, err)
				}
			}()
		}
		wg.Wait()

		got, err := b.GetAccount(ctx, child.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Balance != writers*10 {
			t.Fatalf("balance = %d, want %d", got.Balance, writers*10)
		}
		entries, err := b.ListTransactions(ctx, child.ID, writers+10)
		if err != nil || len(entries) != writers {
			t.Fatalf("log entries = %d (%v), want %d", len(entries), err, writers)
		}
	})

	t.Run("goals complete once", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, child := seedFamily(t, b)
		for _, g := range []*domain.Goal{
			{AccountID: child.ID, Name: "Bike", TargetSats: 4000},
			{AccountID: child.ID, Name: "Laptop", TargetSats: 90000},
		} {
			if err := b.CreateGoal(ctx, g); err != nil {
				t.Fatalf("create goal: %v", err)
			}
		}
		done, err := b.CompleteReachedGoals(ctx, child.ID, 5000, time.Now().UTC())
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if len(done) != 1 || done[0].Name != "Bike" || done[0].Status != domain.GoalAchieved {
			t.Fatalf("unexpected achieved goals %+v", done)
		}
		again, err := b.CompleteReachedGoals(ctx, child.ID, 5000, time.Now().UTC())
		if err != nil || len(again) != 0 {
			t.Fatalf("second pass = %+v, %v; want none", again, err)
		}
	})
}
