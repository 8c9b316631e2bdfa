package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/infrastructure/postgres"
)

// ErrRecordNotFound is returned by Load for an unknown workflow id.
var ErrRecordNotFound = errors.New("decision record not found")

// RepositoryConfig controls where audit entries are relayed.
type RepositoryConfig struct {
	// AuditTopic is the outbox topic each audit entry is queued for.
	AuditTopic string
	// DecisionTopic receives the closed record snapshot.
	DecisionTopic string
}

// DefaultRepositoryConfig matches the topics created by the redpanda admin.
func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		AuditTopic:    "audit.trail",
		DecisionTopic: "pa.decisions",
	}
}

// Repository is the Postgres audit sink. Entries are append-only; the record
// snapshot is upserted alongside them in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	config RepositoryConfig
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, cfg RepositoryConfig, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, config: cfg, logger: logger}
}

// Save persists pending audit entries and the current snapshot.
func (r *Repository) Save(ctx context.Context, rec *DecisionRecord) error {
	if len(rec.Changes()) == 0 {
		return nil
	}

	snapshot, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.upsertDecision(ctx, tx, rec, snapshot); err != nil {
		return err
	}

	var queued []postgres.Message
	for _, entry := range rec.Changes() {
		if err := r.insertEntry(ctx, tx, entry); err != nil {
			return fmt.Errorf("insert audit entry %d: %w", entry.Sequence, err)
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		queued = append(queued, postgres.Message{
			WorkflowID: rec.WorkflowID,
			Kind:       string(entry.Kind),
			Topic:      r.config.AuditTopic,
			Key:        rec.WorkflowID,
			Payload:    payload,
		})
	}
	if rec.IsClosed() && r.config.DecisionTopic != "" {
		queued = append(queued, postgres.Message{
			WorkflowID: rec.WorkflowID,
			Kind:       "decision",
			Topic:      r.config.DecisionTopic,
			Key:        rec.WorkflowID,
			Payload:    snapshot,
		})
	}
	if err := postgres.Enqueue(ctx, tx, queued...); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	rec.ClearChanges()
	return nil
}

func (r *Repository) upsertDecision(ctx context.Context, tx pgx.Tx, rec *DecisionRecord, snapshot []byte) error {
	query := `
		INSERT INTO authorization_decisions
		(workflow_id, patient_id, drug_id, plan_id, state, outcome, recommendation, snapshot, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workflow_id) DO UPDATE
		SET plan_id = EXCLUDED.plan_id, state = EXCLUDED.state, outcome = EXCLUDED.outcome,
		    recommendation = EXCLUDED.recommendation, snapshot = EXCLUDED.snapshot,
		    completed_at = EXCLUDED.completed_at
	`
	_, err := tx.Exec(ctx, query,
		rec.WorkflowID,
		rec.PatientID,
		rec.DrugID,
		rec.PlanID,
		rec.State,
		rec.Outcome,
		rec.Recommendation,
		snapshot,
		rec.CreatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert decision: %w", err)
	}
	return nil
}

func (r *Repository) insertEntry(ctx context.Context, tx pgx.Tx, e *AuditEntry) error {
	query := `
		INSERT INTO authorization_audit
		(id, workflow_id, sequence, kind, stage, from_state, to_state, attempt,
		 input, output, output_ref, error, note, duration_ns, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := tx.Exec(ctx, query,
		e.ID,
		e.WorkflowID,
		e.Sequence,
		e.Kind,
		e.Stage,
		e.From,
		e.To,
		e.Attempt,
		nullableJSON(e.Input),
		nullableJSON(e.Output),
		e.OutputRef,
		e.Error,
		e.Note,
		int64(e.Duration),
		e.Timestamp,
	)
	return err
}

// Load returns the last saved snapshot with its trail rebuilt from the audit table.
func (r *Repository) Load(ctx context.Context, workflowID string) (*DecisionRecord, error) {
	var snapshot []byte
	err := r.pool.QueryRow(ctx,
		`SELECT snapshot FROM authorization_decisions WHERE workflow_id = $1`, workflowID,
	).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, workflowID)
		}
		return nil, err
	}

	rec := &DecisionRecord{}
	if err := json.Unmarshal(snapshot, rec); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	entries, err := r.GetAuditTrail(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	rec.Trail = nil
	rec.version = 0
	rec.LoadFromHistory(entries)
	return rec, nil
}

// GetAuditTrail returns the persisted entries of a workflow in sequence order.
func (r *Repository) GetAuditTrail(ctx context.Context, workflowID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, workflow_id, sequence, kind, stage, from_state, to_state, attempt,
		       input, output, output_ref, error, note, duration_ns, recorded_at
		FROM authorization_audit
		WHERE workflow_id = $1
		ORDER BY sequence ASC
	`

	rows, err := r.pool.Query(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var durationNS int64
		err := rows.Scan(
			&e.ID, &e.WorkflowID, &e.Sequence, &e.Kind, &e.Stage, &e.From, &e.To, &e.Attempt,
			&e.Input, &e.Output, &e.OutputRef, &e.Error, &e.Note, &durationNS, &e.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationNS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListByOutcome returns the most recent workflow ids that ended in outcome.
func (r *Repository) ListByOutcome(ctx context.Context, outcome State, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT workflow_id FROM authorization_decisions
		WHERE outcome = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, outcome, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
