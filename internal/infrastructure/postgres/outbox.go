// Package postgres holds the service schema and the transactional outbox
// that carries audit entries and closed decisions to Redpanda.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Message is queued for Redpanda in the transaction that wrote the audit
// entry or decision it carries.
type Message struct {
	ID         int64
	WorkflowID string
	Kind       string
	Topic      string
	Key        string
	Payload    json.RawMessage
	Attempts   int
	LastError  string
	CreatedAt  time.Time
}

const enqueueSQL = `INSERT INTO outbox (workflow_id, kind, topic, message_key, payload) VALUES ($1, $2, $3, $4, $5)`

// Enqueue inserts msgs inside tx. They become visible to the relay only if tx
// commits.
func Enqueue(ctx context.Context, tx pgx.Tx, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(enqueueSQL, m.WorkflowID, m.Kind, m.Topic, m.Key, m.Payload)
	}
	results := tx.SendBatch(ctx, batch)
	for i := range msgs {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("enqueue %s for %s: %w", msgs[i].Kind, msgs[i].WorkflowID, err)
		}
	}
	return results.Close()
}

type RelayConfig struct {
	// BatchSize bounds the messages read per cycle.
	BatchSize int
	// PollInterval is the pause after a cycle that drained the backlog.
	PollInterval time.Duration
	// MaxAttempts is how often a message is published before it is moved to
	// DeadLetterTopic.
	MaxAttempts     int
	DeadLetterTopic string
	// LockID is the advisory lock held while a relay cycle runs.
	LockID int64
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxAttempts:     5,
		DeadLetterTopic: "dead.letter",
		LockID:          7342001,
	}
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Relay publishes committed outbox messages in insertion order. Only one
// relay across all processes runs a cycle at a time, and a message that fails
// holds back later messages with the same key, so consumers see each
// workflow's audit trail in sequence.
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	cfg       RelayConfig
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRelayConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Relay{
		pool:      pool,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// Run relays until ctx is done. A cycle that filled its batch is followed by
// another straight away.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay running",
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Duration("poll_interval", r.cfg.PollInterval))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		read, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay cycle", zap.Error(err))
		}
		wait := r.cfg.PollInterval
		if err == nil && read == r.cfg.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// RelayOnce runs one cycle and returns how many messages it read. It returns
// 0 without error when another relay holds the lock.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.relay")
	defer span.End()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.cfg.LockID).Scan(&locked); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		return 0, nil
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.cfg.LockID)

	msgs, err := r.pending(ctx, conn)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.read", len(msgs)))

	var done []int64
	held := make(map[string]bool)
	for _, m := range msgs {
		if held[m.Key] {
			continue
		}
		if m.Attempts >= r.cfg.MaxAttempts {
			if err := r.deadLetter(ctx, conn, m); err != nil {
				r.logger.Error("dead-letter outbox message", zap.Int64("id", m.ID), zap.Error(err))
				held[m.Key] = true
			}
			continue
		}
		if err := r.publisher.Publish(ctx, m.Topic, m.Key, m.Payload); err != nil {
			held[m.Key] = true
			r.recordFailure(ctx, conn, m, err)
			continue
		}
		done = append(done, m.ID)
	}

	if len(done) > 0 {
		if _, err := conn.Exec(ctx, `UPDATE outbox SET relayed_at = NOW() WHERE id = ANY($1)`, done); err != nil {
			span.RecordError(err)
			return len(msgs), fmt.Errorf("mark %d relayed: %w", len(done), err)
		}
	}
	span.SetAttributes(attribute.Int("outbox.relayed", len(done)))
	return len(msgs), nil
}

func (r *Relay) pending(ctx context.Context, conn *pgxpool.Conn) ([]Message, error) {
	rows, err := conn.Query(ctx, `
		SELECT id, workflow_id, kind, topic, message_key, payload, attempts, last_error, created_at
		FROM outbox
		WHERE relayed_at IS NULL
		ORDER BY id
		LIMIT $1`, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.WorkflowID, &m.Kind, &m.Topic, &m.Key, &m.Payload, &m.Attempts, &m.LastError, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return msgs, nil
}

func (r *Relay) recordFailure(ctx context.Context, conn *pgxpool.Conn, m Message, cause error) {
	r.logger.Warn("outbox publish failed",
		zap.Int64("id", m.ID),
		zap.String("workflow_id", m.WorkflowID),
		zap.String("topic", m.Topic),
		zap.Int("attempt", m.Attempts+1),
		zap.Error(cause))
	if _, err := conn.Exec(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		m.ID, cause.Error()); err != nil {
		r.logger.Error("record outbox failure", zap.Int64("id", m.ID), zap.Error(err))
	}
}

type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	Kind          string          `json:"kind"`
	WorkflowID    string          `json:"workflow_id"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

func (r *Relay) deadLetter(ctx context.Context, conn *pgxpool.Conn, m Message) error {
	value, err := json.Marshal(deadLetter{
		OriginalTopic: m.Topic,
		Kind:          m.Kind,
		WorkflowID:    m.WorkflowID,
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		Payload:       m.Payload,
	})
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, r.cfg.DeadLetterTopic, m.Key, value); err != nil {
		return err
	}
	r.logger.Warn("outbox message dead-lettered",
		zap.Int64("id", m.ID),
		zap.String("workflow_id", m.WorkflowID),
		zap.String("last_error", m.LastError))
	_, err = conn.Exec(ctx, `UPDATE outbox SET relayed_at = NOW(), dead_lettered = TRUE WHERE id = $1`, m.ID)
	return err
}

// Backlog describes messages not yet relayed.
type Backlog struct {
	Pending       int64
	Failing       int64
	OldestPending *time.Time
}

func (r *Relay) Backlog(ctx context.Context) (Backlog, error) {
	var b Backlog
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE attempts > 0), MIN(created_at)
		FROM outbox
		WHERE relayed_at IS NULL`).Scan(&b.Pending, &b.Failing, &b.OldestPending)
	if err != nil {
		return Backlog{}, fmt.Errorf("outbox backlog: %w", err)
	}
	return b, nil
}

// Prune deletes messages relayed more than olderThan ago.
func (r *Relay) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM outbox WHERE relayed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
