package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/satsettle/internal/clock"
	"github.com/punchamoorthee/satsettle/internal/domain"
)

type memAccount struct {
	acct    domain.Account
	version int64
}

// Memory is an in-process store with the same conditional-update semantics as
// the Postgres store. Balance writes are optimistic: a settlement whose read
// version is stale fails with domain.ErrConflict.
type Memory struct {
	clock clock.Clock

	mu                sync.Mutex
	accounts          map[string]*memAccount
	pending           map[string]*domain.PendingPaymentRequest
	pendingByCheckout map[string]string
	invoices          map[string]*domain.LightningInvoice
	logEntries        []domain.TransactionLogEntry
	logRefs           map[string]struct{}
	goals             map[string]*domain.Goal

	// afterRead runs between the read and write phases of ApplySettlement.
	afterRead func()
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Memory{
		clock:             clk,
		accounts:          make(map[string]*memAccount),
		pending:           make(map[string]*domain.PendingPaymentRequest),
		pendingByCheckout: make(map[string]string),
		invoices:          make(map[string]*domain.LightningInvoice),
		logRefs:           make(map[string]struct{}),
		goals:             make(map[string]*domain.Goal),
	}
}

func (m *Memory) Close() {}

func (m *Memory) CreateAccount(ctx context.Context, a *domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.clock.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	m.accounts[a.ID] = &memAccount{acct: *a}
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	a := row.acct
	return &a, nil
}

func (m *Memory) HasRecentPending(ctx context.Context, accountID string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		if p.TargetAccountID == accountID && p.Status == domain.StatusPending && p.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreatePending(ctx context.Context, p *domain.PendingPaymentRequest) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendingByCheckout[p.CheckoutRequestID]; ok {
		return fmt.Errorf("checkout request %s already recorded", p.CheckoutRequestID)
	}
	cp := *p
	m.pending[p.ID] = &cp
	m.pendingByCheckout[p.CheckoutRequestID] = p.ID
	return nil
}

func (m *Memory) GetPending(ctx context.Context, id string) (*domain.PendingPaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) FindPendingByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.PendingPaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.pendingByCheckout[checkoutRequestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m.pending[id]
	return &cp, nil
}

func (m *Memory) MarkPendingTerminal(ctx context.Context, id string, out domain.PendingOutcome) error {
	if out.Status != domain.StatusCompleted && out.Status != domain.StatusFailed {
		return fmt.Errorf("%w: %q is not a terminal status", domain.ErrValidation, out.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.StatusPending {
		return domain.ErrAlreadyTerminal
	}
	code := out.ResultCode
	at := out.At
	p.Status = out.Status
	p.ResultCode = &code
	p.ResultDesc = out.ResultDesc
	p.Receipt = out.Receipt
	if !out.SettledAmount.IsZero() {
		amount := out.SettledAmount
		p.SettledAmount = &amount
	}
	p.SettledSats = out.SettledSats
	p.CompletedAt = &at
	return nil
}

func (m *Memory) CreateInvoice(ctx context.Context, inv *domain.LightningInvoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *Memory) GetInvoice(ctx context.Context, id string) (*domain.LightningInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *Memory) MarkInvoicePaid(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return domain.ErrNotFound
	}
	if inv.Status != domain.StatusPending {
		return domain.ErrAlreadyTerminal
	}
	inv.Status = domain.StatusPaid
	inv.PaidAt = &at
	return nil
}

// ApplySettlement performs one optimistic read-increment-write attempt.
func (m *Memory) ApplySettlement(ctx context.Context, accountID string, delta int64, entry domain.TransactionLogEntry) (int64, error) {
	m.mu.Lock()
	row, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return 0, domain.ErrAccountNotFound
	}
	balance, version := row.acct.Balance, row.version
	m.mu.Unlock()

	if m.afterRead != nil {
		m.afterRead()
	}

	newBalance := balance + delta
	if newBalance < 0 {
		return 0, domain.ErrInsufficientFunds
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if row.version != version {
		return 0, domain.ErrConflict
	}
	ref := string(entry.Source) + "|" + entry.ExternalReference
	if _, dup := m.logRefs[ref]; dup {
		return 0, domain.ErrDuplicateSettlement
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.clock.Now()
	}
	entry.AccountID = accountID
	entry.BalanceAfter = newBalance

	row.acct.Balance = newBalance
	row.version++
	m.logRefs[ref] = struct{}{}
	m.logEntries = append(m.logEntries, entry)
	return newBalance, nil
}

func (m *Memory) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.TransactionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	out := make([]domain.TransactionLogEntry, 0)
	for i := len(m.logEntries) - 1; i >= 0; i-- {
		if m.logEntries[i].AccountID == accountID {
			out = append(out, m.logEntries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateGoal(ctx context.Context, g *domain.Goal) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = domain.GoalActive
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.goals[g.ID] = &cp
	return nil
}

func (m *Memory) CompleteReachedGoals(ctx context.Context, accountID string, balance int64, at time.Time) ([]domain.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var done []domain.Goal
	for _, g := range m.goals {
		if g.AccountID != accountID || g.Status != domain.GoalActive || g.TargetSats > balance {
			continue
		}
		t := at
		g.Status = domain.GoalAchieved
		g.AchievedAt = &t
		done = append(done, *g)
	}
	sort.Slice(done, func(i, j int) bool { return done[i].TargetSats < done[j].TargetSats })
	return done, nil
}
