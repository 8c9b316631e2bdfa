package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/pkg/idempotency"
	"github.com/drfirst/go-priorauth/pkg/workerpool"
)

const handlerName = "authorization_request"

// errRerunnable marks outcomes that a resubmission should run again rather
// than replay from the inbox.
var errRerunnable = errors.New("outcome may change on resubmission")

// Deduplicator runs a handler at most once per key. *idempotency.Inbox
// implements it.
type Deduplicator interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Service bounds concurrent runs with a worker pool and, when a Deduplicator
// is set, collapses resubmissions of the same request on the same day.
type Service struct {
	coord  *Coordinator
	pool   *workerpool.Pool[Request, *authorization.DecisionRecord]
	dedup  Deduplicator
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a service. dedup may be nil.
func NewService(coord *Coordinator, poolCfg workerpool.Config, dedup Deduplicator, logger *zap.Logger) (*Service, error) {
	if coord == nil {
		return nil, errors.New("pipeline: coordinator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		coord:  coord,
		dedup:  dedup,
		logger: logger,
		now:    time.Now,
	}
	pool, err := workerpool.New(poolCfg, s.work, logger.Named("workerpool"))
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Start launches the workers.
func (s *Service) Start() { s.pool.Start() }

// Stop waits for queued runs to finish.
func (s *Service) Stop() error { return s.pool.Stop() }

// Stats reports worker pool load.
func (s *Service) Stats() workerpool.Stats { return s.pool.Stats() }

// Healthy reports whether the queue has room.
func (s *Service) Healthy() bool { return s.pool.IsHealthy() }

func (s *Service) work(ctx context.Context, req Request) (*authorization.DecisionRecord, error) {
	return s.coord.Process(ctx, req), nil
}

// ProcessRequest decides one (patient, drug) request.
func (s *Service) ProcessRequest(ctx context.Context, patientID, drugID string, requester authorization.Requester) (*authorization.DecisionRecord, error) {
	return s.Submit(ctx, Request{PatientID: patientID, DrugID: drugID, Requester: requester})
}

// Submit queues req and waits for its record. A resubmission already decided
// today returns the stored record.
//
// The record is never nil. A non-nil error means req was not run: the record
// is then an ERROR record naming the cause, and the error is one of
// idempotency.ErrMessageInProgress, idempotency.ErrPreviouslyFailed,
// workerpool.ErrStopped or an inbox failure.
func (s *Service) Submit(ctx context.Context, req Request) (*authorization.DecisionRecord, error) {
	if s.dedup == nil {
		return s.run(ctx, req)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return s.reject(ctx, req, fmt.Errorf("encode request: %w", err))
	}
	key, err := s.key(req)
	if err != nil {
		return s.reject(ctx, req, err)
	}

	var (
		fresh  *authorization.DecisionRecord
		runErr error
	)
	res, err := s.dedup.Process(ctx, key, handlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		rec, err := s.run(ctx, req)
		fresh, runErr = rec, err
		if err != nil {
			return nil, err
		}
		if rerunnable(rec) {
			return nil, fmt.Errorf("%w: %s", errRerunnable, rec.Outcome)
		}
		return json.Marshal(rec)
	})
	if fresh != nil {
		return fresh, runErr
	}
	if err != nil {
		return s.reject(ctx, req, err)
	}

	var stored authorization.DecisionRecord
	if err := json.Unmarshal(res.Result, &stored); err != nil {
		return s.reject(ctx, req, fmt.Errorf("decode stored decision: %w", err))
	}
	s.logger.Info("duplicate request answered from inbox",
		zap.String("workflow_id", stored.WorkflowID),
		zap.String("patient_id", req.PatientID),
		zap.String("drug_id", req.DrugID),
	)
	return &stored, nil
}

// key is the idempotency key of req. An inline patient record is part of it,
// so a corrected record runs again.
func (s *Service) key(req Request) (string, error) {
	var extra []string
	if req.Patient != nil {
		b, err := json.Marshal(req.Patient)
		if err != nil {
			return "", fmt.Errorf("encode inline patient: %w", err)
		}
		extra = append(extra, string(b))
	}
	return idempotency.GenerateKey(req.Requester.ClientID, req.PatientID, req.DrugID, s.now(), extra...), nil
}

// rerunnable is true for outcomes caused by the caller or a provider rather
// than by the clinical data.
func rerunnable(rec *authorization.DecisionRecord) bool {
	switch rec.Outcome {
	case authorization.StateCancelled:
		return true
	case authorization.StateError:
		return rec.Failure != nil && rec.Failure.Kind == authorization.FailureProvider
	}
	return false
}

// run schedules req on the pool. A request that could not run because ctx
// ended gets a CANCELLED record; any other scheduling failure an ERROR record.
func (s *Service) run(ctx context.Context, req Request) (*authorization.DecisionRecord, error) {
	rec, err := s.pool.Do(ctx, req)
	if err == nil {
		return rec, nil
	}
	if ctx.Err() != nil {
		return s.coord.Reject(ctx, req, authorization.FailureCancelled, ctx.Err()), nil
	}
	return s.reject(ctx, req, fmt.Errorf("schedule run: %w", err))
}

// reject closes an ERROR record for a request that did not run and returns it
// with cause. A caller whose ctx ended gets CANCELLED and no error.
func (s *Service) reject(ctx context.Context, req Request, cause error) (*authorization.DecisionRecord, error) {
	if ctx.Err() != nil {
		return s.coord.Reject(ctx, req, authorization.FailureCancelled, ctx.Err()), nil
	}
	s.logger.Warn("request not run",
		zap.String("patient_id", req.PatientID),
		zap.String("drug_id", req.DrugID),
		zap.Error(cause))
	return s.coord.Reject(ctx, req, authorization.FailureInternal, cause), cause
}

// BatchResult pairs a request with its record and, if it did not run, the
// reason.
type BatchResult struct {
	Request Request
	Record  *authorization.DecisionRecord
	Err     error
}

// ProcessBatch runs reqs concurrently, bounded by the worker pool, and returns
// the results in request order.
func (s *Service) ProcessBatch(ctx context.Context, reqs []Request) []BatchResult {
	out := make([]BatchResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			rec, err := s.Submit(ctx, req)
			out[i] = BatchResult{Request: req, Record: rec, Err: err}
		}(i, req)
	}
	wg.Wait()
	return out
}
