package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// baseSchema holds the tables every service needs. The policy chunk table is
// created separately because its vector width depends on the embedding model.
const baseSchema = `
CREATE TABLE IF NOT EXISTS authorization_decisions (
	workflow_id    TEXT PRIMARY KEY,
	patient_id     TEXT NOT NULL,
	drug_id        TEXT NOT NULL,
	plan_id        TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL,
	outcome        TEXT NOT NULL DEFAULT '',
	recommendation TEXT NOT NULL DEFAULT '',
	snapshot       JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON authorization_decisions (outcome, created_at DESC);

CREATE TABLE IF NOT EXISTS authorization_audit (
	id          UUID PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	sequence    INT NOT NULL,
	kind        TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	from_state  TEXT NOT NULL DEFAULT '',
	to_state    TEXT NOT NULL DEFAULT '',
	attempt     INT NOT NULL DEFAULT 0,
	input       JSONB,
	output      JSONB,
	output_ref  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	note        TEXT NOT NULL DEFAULT '',
	duration_ns BIGINT NOT NULL DEFAULT 0,
	recorded_at TIMESTAMPTZ NOT NULL,
	UNIQUE (workflow_id, sequence)
);

CREATE TABLE IF NOT EXISTS outbox (
	id            BIGSERIAL PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	kind          TEXT NOT NULL,
	topic         TEXT NOT NULL,
	message_key   TEXT NOT NULL,
	payload       JSONB NOT NULL,
	attempts      INT NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	relayed_at    TIMESTAMPTZ,
	dead_lettered BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (id) WHERE relayed_at IS NULL;

CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS formulary (
	plan_id               TEXT NOT NULL,
	drug_id               TEXT NOT NULL,
	covered               BOOLEAN NOT NULL,
	pa_required           BOOLEAN NOT NULL,
	criteria_text         TEXT NOT NULL DEFAULT '',
	estimated_cost        NUMERIC(10,2) NOT NULL DEFAULT 0,
	tier                  INT NOT NULL DEFAULT 0,
	step_therapy_required BOOLEAN NOT NULL DEFAULT FALSE,
	quantity_limit        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (plan_id, drug_id)
);
`

const policySchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS policy_chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	insert_seq  BIGSERIAL,
	sequence    INT NOT NULL,
	plan_id     TEXT NOT NULL DEFAULT '',
	drug_id     TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	embedding   vector(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policy_chunks_filter ON policy_chunks (plan_id, drug_id);
`

// EnsureSchema creates the service tables if they do not exist. A positive
// embeddingDims also creates the pgvector policy table.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, embeddingDims int) error {
	if _, err := pool.Exec(ctx, baseSchema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	if embeddingDims > 0 {
		if _, err := pool.Exec(ctx, fmt.Sprintf(policySchema, embeddingDims)); err != nil {
			return fmt.Errorf("apply policy schema: %w", err)
		}
	}
	return nil
}
