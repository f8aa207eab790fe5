package store

import (
	"context"
	"fmt"
)

// Schema is idempotent DDL for every table the engine touches.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id          TEXT PRIMARY KEY,
    role        TEXT NOT NULL CHECK (role IN ('parent', 'child')),
    name        TEXT NOT NULL DEFAULT '',
    phone       TEXT NOT NULL DEFAULT '',
    parent_id   TEXT REFERENCES accounts(id),
    wallet_key  TEXT NOT NULL DEFAULT '',
    balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS pending_payment_requests (
    id                   TEXT PRIMARY KEY,
    target_account_id    TEXT NOT NULL REFERENCES accounts(id),
    actor_id             TEXT NOT NULL,
    checkout_request_id  TEXT NOT NULL UNIQUE,
    merchant_request_id  TEXT NOT NULL DEFAULT '',
    phone                TEXT NOT NULL,
    amount               NUMERIC(14, 2) NOT NULL CHECK (amount > 0),
    currency             TEXT NOT NULL DEFAULT 'KES',
    status               TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed', 'failed')),
    result_code          INT,
    result_desc          TEXT NOT NULL DEFAULT '',
    receipt              TEXT NOT NULL DEFAULT '',
    settled_amount       NUMERIC(14, 2),
    settled_sats         BIGINT NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS pending_target_status_idx
    ON pending_payment_requests (target_account_id, status, created_at);

CREATE TABLE IF NOT EXISTS lightning_invoices (
    id                 TEXT PRIMARY KEY,
    target_account_id  TEXT NOT NULL REFERENCES accounts(id),
    actor_id           TEXT NOT NULL,
    payer_role         TEXT NOT NULL,
    amount_sats        BIGINT NOT NULL CHECK (amount_sats > 0),
    memo               TEXT NOT NULL DEFAULT '',
    payment_hash       TEXT NOT NULL UNIQUE,
    payment_request    TEXT NOT NULL,
    wallet_key         TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'paid')),
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    paid_at            TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS transaction_log (
    id                  TEXT PRIMARY KEY,
    account_id          TEXT NOT NULL REFERENCES accounts(id),
    type                TEXT NOT NULL,
    source              TEXT NOT NULL,
    amount_sats         BIGINT NOT NULL,
    fiat_amount         NUMERIC(14, 2),
    fiat_currency       TEXT NOT NULL DEFAULT '',
    external_reference  TEXT NOT NULL,
    balance_after       BIGINT NOT NULL CHECK (balance_after >= 0),
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (source, external_reference)
);

CREATE INDEX IF NOT EXISTS transaction_log_account_idx
    ON transaction_log (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS savings_goals (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL REFERENCES accounts(id),
    name         TEXT NOT NULL,
    target_sats  BIGINT NOT NULL CHECK (target_sats > 0),
    status       TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'achieved')),
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    achieved_at  TIMESTAMPTZ
);
`

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
