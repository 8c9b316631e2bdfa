// Package idempotency keeps an inbox table so a repeated authorization
// submission is answered from the first run's stored result instead of
// starting another run.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the state of an inbox key.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

type InboxConfig struct {
	// TTL is how long a result is replayed. An expired key runs again.
	TTL time.Duration
	// CleanupInterval is how often expired keys are deleted.
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED key may go without an update
	// before another caller may take it over.
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig keeps results for a day. Runs are bounded by the model
// call timeouts, so ten minutes in STARTED means the owner died.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 10 * time.Minute,
	}
}

var (
	ErrMessageInProgress = errors.New("idempotency: key is being processed elsewhere")
	ErrPreviouslyFailed  = errors.New("idempotency: key failed permanently")
)

// ProcessResult is what Process returns for a key. Result is the handler's
// output, from this call when IsNew and from the stored run otherwise.
type ProcessResult struct {
	IsNew  bool
	Result json.RawMessage
}

type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox is backed by the inbox table.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	stop chan struct{}
	done chan struct{}
}

func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// claimSQL takes a key that is new, RECOVERABLE, expired or abandoned in
// STARTED. It returns no row when someone else owns the key.
const claimSQL = `
INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
VALUES ($1, $2, 'STARTED', $3, $4)
ON CONFLICT (idempotency_key) DO UPDATE
SET handler_name = EXCLUDED.handler_name,
    status       = 'STARTED',
    payload      = EXCLUDED.payload,
    result       = NULL,
    expires_at   = EXCLUDED.expires_at,
    updated_at   = NOW()
WHERE inbox.status = 'RECOVERABLE'
   OR inbox.expires_at < NOW()
   OR (inbox.status = 'STARTED' AND inbox.updated_at < $5)
RETURNING (xmax = 0)`

// Process runs fn at most once per live key. When the key already finished
// the stored result is returned with IsNew false. A handler error leaves the
// key RECOVERABLE unless it was wrapped with Terminal.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(attribute.String("inbox.handler", handlerName)))
	defer span.End()

	now := time.Now()
	var inserted bool
	err := i.pool.QueryRow(ctx, claimSQL, key, handlerName, payload,
		now.Add(i.config.TTL), now.Add(-i.config.RecoveryTimeout)).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetAttributes(attribute.Bool("inbox.duplicate", true))
		return i.existing(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("claim inbox key: %w", err)
	}
	if !inserted {
		i.logger.Info("inbox key taken over", zap.String("handler", handlerName))
	}

	result, runErr := fn(ctx, payload)
	if runErr != nil {
		status := StatusRecoverable
		if IsTerminal(runErr) {
			status = StatusFailed
		}
		i.finish(ctx, key, status, nil)
		span.RecordError(runErr)
		return nil, runErr
	}
	i.finish(ctx, key, StatusFinished, result)
	return &ProcessResult{IsNew: true, Result: result}, nil
}

// existing answers for a key that could not be claimed.
func (i *Inbox) existing(ctx context.Context, key string) (*ProcessResult, error) {
	var status Status
	var result []byte
	err := i.pool.QueryRow(ctx,
		`SELECT status, result FROM inbox WHERE idempotency_key = $1`, key).Scan(&status, &result)
	if err != nil {
		return nil, fmt.Errorf("read inbox key: %w", err)
	}
	switch status {
	case StatusFinished:
		return &ProcessResult{Result: result}, nil
	case StatusFailed:
		return nil, ErrPreviouslyFailed
	default:
		return nil, ErrMessageInProgress
	}
}

// finish records the outcome. A failed write only costs a rerun on the next
// duplicate, so it is logged rather than returned.
func (i *Inbox) finish(ctx context.Context, key string, status Status, result json.RawMessage) {
	var stored any
	if len(result) > 0 {
		stored = []byte(result)
	}
	if _, err := i.pool.Exec(context.WithoutCancel(ctx),
		`UPDATE inbox SET status = $2, result = $3, updated_at = NOW() WHERE idempotency_key = $1`,
		key, status, stored); err != nil {
		i.logger.Error("record inbox outcome", zap.String("status", string(status)), zap.Error(err))
	}
}

// StartCleanup deletes expired keys every CleanupInterval until Stop.
func (i *Inbox) StartCleanup() {
	i.stop = make(chan struct{})
	i.done = make(chan struct{})
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.stop:
				return
			case <-ticker.C:
				if _, err := i.Cleanup(context.Background()); err != nil {
					i.logger.Warn("inbox cleanup", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends the cleanup loop, if one was started.
func (i *Inbox) Stop() {
	if i.stop == nil {
		return
	}
	close(i.stop)
	<-i.done
	i.stop = nil
}

// Cleanup deletes expired keys and returns how many were removed.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("expired inbox keys deleted", zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}

// Stats counts keys by status.
func (i *Inbox) Stats(ctx context.Context) (map[Status]int64, error) {
	rows, err := i.pool.Query(ctx, `SELECT status, COUNT(*) FROM inbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int64, 4)
	for rows.Next() {
		var s Status
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}
