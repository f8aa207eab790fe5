package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var a domain.Account
	var parentID *string
	err := s.Db.QueryRow(ctx,
		`SELECT id, role, name, phone, parent_id, wallet_key, balance, created_at
		   FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Role, &a.Name, &a.Phone, &parentID, &a.WalletKey, &a.Balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	if parentID != nil {
		a.ParentID = *parentID
	}
	return &a, nil
}

// CreateAccount inserts a new account. Balance always starts at the given
// value; later changes go through ApplySettlement.
func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.Db.Exec(ctx,
		`INSERT INTO accounts (id, role, name, phone, parent_id, wallet_key, balance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, string(a.Role), a.Name, a.Phone, nullable(a.ParentID), a.WalletKey, a.Balance, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *Store) HasRecentPending(ctx context.Context, accountID string, since time.Time) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM pending_payment_requests
		    WHERE target_account_id = $1 AND status = 'pending' AND created_at > $2)`,
		accountID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("recent pending lookup: %w", err)
	}
	return exists, nil
}

func (s *Store) CreatePending(ctx context.Context, p *domain.PendingPaymentRequest) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.Db.Exec(ctx,
		`INSERT INTO pending_payment_requests
		   (id, target_account_id, actor_id, checkout_request_id, merchant_request_id,
		    phone, amount, currency, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9, $10)`,
		p.ID, p.TargetAccountID, p.ActorID, p.CheckoutRequestID, p.MerchantRequestID,
		p.Phone, p.Amount.String(), p.Currency, string(p.Status), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create pending request: %w", err)
	}
	return nil
}

const pendingColumns = `id, target_account_id, actor_id, checkout_request_id, merchant_request_id,
	phone, amount::text, currency, status, result_code, result_desc, receipt, settled_amount::text, settled_sats,
	created_at, completed_at`

func scanPending(row pgx.Row) (*domain.PendingPaymentRequest, error) {
	var p domain.PendingPaymentRequest
	var amount string
	var settled *string
	err := row.Scan(&p.ID, &p.TargetAccountID, &p.ActorID, &p.CheckoutRequestID, &p.MerchantRequestID,
		&p.Phone, &amount, &p.Currency, &p.Status, &p.ResultCode, &p.ResultDesc, &p.Receipt, &settled, &p.SettledSats,
		&p.CreatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	if settled != nil {
		v, err := decimal.NewFromString(*settled)
		if err != nil {
			return nil, fmt.Errorf("decode settled amount %q: %w", *settled, err)
		}
		p.SettledAmount = &v
	}
	return &p, nil
}

func (s *Store) GetPending(ctx context.Context, id string) (*domain.PendingPaymentRequest, error) {
	p, err := scanPending(s.Db.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_payment_requests WHERE id = $1`, id))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get pending %s: %w", id, err)
	}
	return p, err
}

func (s *Store) FindPendingByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.PendingPaymentRequest, error) {
	p, err := scanPending(s.Db.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_payment_requests WHERE checkout_request_id = $1`, checkoutRequestID))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find pending by checkout %s: %w", checkoutRequestID, err)
	}
	return p, err
}

// MarkPendingTerminal is the single-winner gate: only the caller whose update
// flips the row out of 'pending' gets a nil error.
func (s *Store) MarkPendingTerminal(ctx context.Context, id string, out domain.PendingOutcome) error {
	if out.Status != domain.StatusCompleted && out.Status != domain.StatusFailed {
		return fmt.Errorf("%w: %q is not a terminal status", domain.ErrValidation, out.Status)
	}
	var settled *string
	if !out.SettledAmount.IsZero() {
		v := out.SettledAmount.String()
		settled = &v
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE pending_payment_requests
		    SET status = $2, result_code = $3, result_desc = $4, receipt = $5,
		        settled_amount = $6::text::numeric, settled_sats = $7, completed_at = $8
		  WHERE id = $1 AND status = 'pending'`,
		id, string(out.Status), out.ResultCode, out.ResultDesc, out.Receipt, settled, out.SettledSats, out.At)
	if err != nil {
		return fmt.Errorf("mark pending %s terminal: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrTerminal(ctx, "pending_payment_requests", id)
}

func (s *Store) CreateInvoice(ctx context.Context, inv *domain.LightningInvoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	_, err := s.Db.Exec(ctx,
		`INSERT INTO lightning_invoices
		   (id, target_account_id, actor_id, payer_role, amount_sats, memo,
		    payment_hash, payment_request, wallet_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.TargetAccountID, inv.ActorID, string(inv.PayerRole), inv.AmountSats, inv.Memo,
		inv.PaymentHash, inv.PaymentRequest, inv.WalletKey, string(inv.Status), inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.LightningInvoice, error) {
	var inv domain.LightningInvoice
	err := s.Db.QueryRow(ctx,
		`SELECT id, target_account_id, actor_id, payer_role, amount_sats, memo,
		        payment_hash, payment_request, wallet_key, status, created_at, paid_at
		   FROM lightning_invoices WHERE id = $1`, id).
		Scan(&inv.ID, &inv.TargetAccountID, &inv.ActorID, &inv.PayerRole, &inv.AmountSats, &inv.Memo,
			&inv.PaymentHash, &inv.PaymentRequest, &inv.WalletKey, &inv.Status, &inv.CreatedAt, &inv.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", id, err)
	}
	return &inv, nil
}

func (s *Store) MarkInvoicePaid(ctx context.Context, id string, at time.Time) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE lightning_invoices SET status = 'paid', paid_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, at)
	if err != nil {
		return fmt.Errorf("mark invoice %s paid: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrTerminal(ctx, "lightning_invoices", id)
}

func (s *Store) missingOrTerminal(ctx context.Context, table, id string) error {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s existence check: %w", table, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrAlreadyTerminal
}

// ApplySettlement credits accountID and appends entry in one transaction.
// The balance is incremented in place, so concurrent writers queue on the row
// lock instead of aborting; none of them can overwrite another's delta. A
// repeated (source, external_reference) rolls the increment back.
func (s *Store) ApplySettlement(ctx context.Context, accountID string, delta int64, entry domain.TransactionLogEntry) (int64, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = NOW()
		  WHERE id = $1 AND balance + $2 >= 0
		RETURNING balance`,
		accountID, delta).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
			return 0, classifyTxErr("account existence check", err)
		}
		if !exists {
			return 0, domain.ErrAccountNotFound
		}
		return 0, domain.ErrInsufficientFunds
	}
	if err != nil {
		return 0, classifyTxErr("update balance", err)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var fiat *string
	if entry.FiatAmount != nil {
		v := entry.FiatAmount.String()
		fiat = &v
	}
	if _, err = tx.Exec(ctx,
		`INSERT INTO transaction_log
		   (id, account_id, type, source, amount_sats, fiat_amount, fiat_currency,
		    external_reference, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10)`,
		entry.ID, accountID, string(entry.Type), string(entry.Source), entry.AmountSats, fiat,
		entry.FiatCurrency, entry.ExternalReference, newBalance, entry.CreatedAt); err != nil {
		return 0, classifyTxErr("append transaction log", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, classifyTxErr("tx commit failed", err)
	}
	return newBalance, nil
}

func classifyTxErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%s: %w", op, domain.ErrConflict)
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrDuplicateSettlement)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ListTransactions returns the newest log entries for an account.
func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.TransactionLogEntry, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.Db.Query(ctx,
		`SELECT id, account_id, type, source, amount_sats, fiat_amount::text, fiat_currency,
		        external_reference, balance_after, created_at
		   FROM transaction_log WHERE account_id = $1
		  ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.TransactionLogEntry, 0)
	for rows.Next() {
		var e domain.TransactionLogEntry
		var fiat *string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Source, &e.AmountSats, &fiat, &e.FiatCurrency,
			&e.ExternalReference, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if fiat != nil {
			d, err := decimal.NewFromString(*fiat)
			if err != nil {
				return nil, fmt.Errorf("decode fiat amount %q: %w", *fiat, err)
			}
			e.FiatAmount = &d
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CreateGoal(ctx context.Context, g *domain.Goal) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = domain.GoalActive
	}
	_, err := s.Db.Exec(ctx,
		`INSERT INTO savings_goals (id, account_id, name, target_sats, status) VALUES ($1, $2, $3, $4, $5)`,
		g.ID, g.AccountID, g.Name, g.TargetSats, string(g.Status))
	if err != nil {
		return fmt.Errorf("create goal: %w", err)
	}
	return nil
}

// CompleteReachedGoals flips every active goal the balance now covers and
// returns only the rows this call flipped.
func (s *Store) CompleteReachedGoals(ctx context.Context, accountID string, balance int64, at time.Time) ([]domain.Goal, error) {
	rows, err := s.Db.Query(ctx,
		`UPDATE savings_goals SET status = 'achieved', achieved_at = $3
		  WHERE account_id = $1 AND status = 'active' AND target_sats <= $2
		 RETURNING id, account_id, name, target_sats, status, achieved_at`,
		accountID, balance, at)
	if err != nil {
		return nil, fmt.Errorf("complete goals: %w", err)
	}
	goals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Goal, error) {
		var g domain.Goal
		err := row.Scan(&g.ID, &g.AccountID, &g.Name, &g.TargetSats, &g.Status, &g.AchievedAt)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("complete goals: %w", err)
	}
	return goals, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
