package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Schema is the ledger schema. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id          VARCHAR(64) PRIMARY KEY,
    kind        VARCHAR(16) NOT NULL DEFAULT 'user',
    email       VARCHAR(255) UNIQUE,
    role        VARCHAR(32) NOT NULL DEFAULT 'user',
    agency_id   VARCHAR(64),
    status      VARCHAR(16) NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS balances (
    account_id       VARCHAR(64) NOT NULL REFERENCES accounts(id),
    currency         VARCHAR(8) NOT NULL,
    available_amount NUMERIC(20,8) NOT NULL DEFAULT 0 CHECK (available_amount >= 0),
    pending_amount   NUMERIC(20,8) NOT NULL DEFAULT 0 CHECK (pending_amount >= 0),
    reserved_amount  NUMERIC(20,8) NOT NULL DEFAULT 0 CHECK (reserved_amount >= 0),
    wallet_address   VARCHAR(64) NOT NULL UNIQUE,
    version          BIGINT NOT NULL DEFAULT 0,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (account_id, currency)
);

CREATE TABLE IF NOT EXISTS journal_entries (
    id                 BIGSERIAL PRIMARY KEY,
    account_id         VARCHAR(64) NOT NULL,
    currency           VARCHAR(8) NOT NULL,
    direction          VARCHAR(8) NOT NULL CHECK (direction IN ('credit','debit')),
    amount             NUMERIC(20,8) NOT NULL CHECK (amount > 0),
    kind               VARCHAR(32) NOT NULL,
    related_account_id VARCHAR(64),
    status             VARCHAR(16) NOT NULL,
    correlation_id     VARCHAR(64) NOT NULL,
    reference          VARCHAR(128) NOT NULL DEFAULT '',
    description        TEXT NOT NULL DEFAULT '',
    metadata           JSONB,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries (account_id, currency, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_journal_correlation ON journal_entries (correlation_id);
CREATE INDEX IF NOT EXISTS idx_journal_pending_commission ON journal_entries (created_at) WHERE kind = 'COMMISSION' AND status = 'PENDING';

CREATE TABLE IF NOT EXISTS payments (
    id                 VARCHAR(64) PRIMARY KEY,
    payer_account_id   VARCHAR(64),
    payee_account_id   VARCHAR(64) NOT NULL REFERENCES accounts(id),
    amount             NUMERIC(20,8) NOT NULL CHECK (amount > 0),
    currency           VARCHAR(8) NOT NULL,
    status             VARCHAR(16) NOT NULL DEFAULT 'pending',
    external_reference VARCHAR(128) UNIQUE,
    checkout_token     VARCHAR(64) NOT NULL UNIQUE,
    description        TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    settled_at         TIMESTAMPTZ,
    refunded_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS payment_events (
    id              BIGSERIAL PRIMARY KEY,
    payment_id      VARCHAR(64) NOT NULL REFERENCES payments(id),
    external_status VARCHAR(16) NOT NULL,
    outcome         VARCHAR(16) NOT NULL,
    meta            JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS hierarchy_edges (
    child_account_id  VARCHAR(64) PRIMARY KEY REFERENCES accounts(id),
    parent_account_id VARCHAR(64) NOT NULL REFERENCES accounts(id),
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (child_account_id <> parent_account_id)
);
CREATE INDEX IF NOT EXISTS idx_hierarchy_parent ON hierarchy_edges (parent_account_id);

CREATE TABLE IF NOT EXISTS commission_rules (
    id             BIGSERIAL PRIMARY KEY,
    agency_id      VARCHAR(64),
    role           VARCHAR(32),
    model          VARCHAR(16) NOT NULL CHECK (model IN ('PERCENT','FLAT','TIER')),
    rate_value     NUMERIC(12,8) NOT NULL CHECK (rate_value >= 0),
    is_active      BOOLEAN NOT NULL DEFAULT TRUE,
    effective_from TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (agency_id IS NOT NULL OR role IS NOT NULL)
);

CREATE TABLE IF NOT EXISTS commission_logs (
    id                     BIGSERIAL PRIMARY KEY,
    beneficiary_account_id VARCHAR(64) NOT NULL,
    source_payment_id      VARCHAR(64) NOT NULL,
    source_account_id      VARCHAR(64) NOT NULL,
    amount                 NUMERIC(20,8) NOT NULL,
    currency               VARCHAR(8) NOT NULL,
    rate_snapshot          NUMERIC(12,8) NOT NULL,
    journal_entry_id       BIGINT,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (beneficiary_account_id, source_payment_id)
);
`

// Migrate applies the ledger schema
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("error applying schema: %w", err)
	}
	log.Println("Database schema applied")
	return nil
}
