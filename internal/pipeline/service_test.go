package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/llm"
	"github.com/drfirst/go-priorauth/pkg/idempotency"
	"github.com/drfirst/go-priorauth/pkg/workerpool"
)

var errAuth = &llm.StatusError{StatusCode: 401, Body: "invalid api key"}

// memoryInbox stores finished results by key.
type memoryInbox struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
}

func newMemoryInbox() *memoryInbox {
	return &memoryInbox{results: make(map[string]json.RawMessage)}
}

func (m *memoryInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	stored, ok := m.results[key]
	m.mu.Unlock()
	if ok {
		return &idempotency.ProcessResult{Result: stored}, nil
	}

	res, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.results[key] = res
	m.mu.Unlock()
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

func newService(t *testing.T, coord *Coordinator, dedup Deduplicator) *Service {
	t.Helper()
	s, err := NewService(coord, workerpool.Config{Workers: 2, QueueSize: 8}, dedup, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	s.Start()
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return s
}

func TestServiceProcessRequest(t *testing.T) {
	c := &scriptedCompleter{
		reasoning:  []reply{{text: eligibleJSON}},
		narratives: []reply{{text: faithfulNarrative}},
	}
	h := newHarness(t, c, scenarioPatient("P101", 33.1, 8.5))
	s := newService(t, h.coord, nil)

	rec, err := s.ProcessRequest(context.Background(), "P101", drugID, authorization.Requester{ClientID: "clinic-1"})
	if err != nil {
		t.Fatalf("ProcessRequest() error = %v", err)
	}
	if rec.Outcome != authorization.StateApprovedReady || rec.Requester.ClientID != "clinic-1" {
		t.Errorf("Outcome = %s, Requester = %+v", rec.Outcome, rec.Requester)
	}
}

func TestServiceAnswersDuplicatesFromInbox(t *testing.T) {
	c := &scriptedCompleter{reasoning: []reply{{text: deniedJSON}}}
	h := newHarness(t, c, scenarioPatient("P102", 25.1, 9.7))
	s := newService(t, h.coord, newMemoryInbox())
	requester := authorization.Requester{ClientID: "clinic-1"}

	first, err := s.ProcessRequest(context.Background(), "P102", drugID, requester)
	if err != nil {
		t.Fatalf("first ProcessRequest() error = %v", err)
	}
	second, err := s.ProcessRequest(context.Background(), "P102", drugID, requester)
	if err != nil {
		t.Fatalf("second ProcessRequest() error = %v", err)
	}

	if c.reasoningCalls != 1 {
		t.Errorf("duplicate re-ran the pipeline: %d reasoning calls", c.reasoningCalls)
	}
	if second.WorkflowID != first.WorkflowID || second.Outcome != authorization.StateDenied {
		t.Errorf("duplicate = %s %s, want %s DENIED", second.WorkflowID, second.Outcome, first.WorkflowID)
	}
	if len(second.AuditTrail()) != len(first.AuditTrail()) {
		t.Errorf("stored trail has %d entries, want %d", len(second.AuditTrail()), len(first.AuditTrail()))
	}

	other, err := s.ProcessRequest(context.Background(), "P102", drugID, authorization.Requester{ClientID: "clinic-2"})
	if err != nil {
		t.Fatalf("other client ProcessRequest() error = %v", err)
	}
	if other.WorkflowID == "" || c.reasoningCalls != 2 {
		t.Errorf("another client should get its own run (reasoning calls %d)", c.reasoningCalls)
	}
}

func TestServiceRerunsProviderErrors(t *testing.T) {
	c := &scriptedCompleter{reasoning: []reply{{err: errAuth}}}
	h := newHarness(t, c, scenarioPatient("P103", 33.1, 8.5))
	s := newService(t, h.coord, newMemoryInbox())

	for i := 0; i < 2; i++ {
		rec, err := s.ProcessRequest(context.Background(), "P103", drugID, authorization.Requester{})
		if err != nil {
			t.Fatalf("ProcessRequest() error = %v", err)
		}
		if rec.Outcome != authorization.StateError {
			t.Fatalf("Outcome = %s", rec.Outcome)
		}
	}
	if c.reasoningCalls != 2 {
		t.Errorf("provider failure was cached: %d reasoning calls", c.reasoningCalls)
	}
}

func TestProcessBatchKeepsOrder(t *testing.T) {
	c := &scriptedCompleter{reasoning: []reply{{text: deniedJSON}}}
	h := newHarness(t, c,
		scenarioPatient("P201", 25.1, 9.7),
		scenarioPatient("P202", 25.1, 9.7),
		scenarioPatient("P203", 25.1, 9.7),
	)
	s := newService(t, h.coord, nil)

	reqs := []Request{
		{PatientID: "P201", DrugID: "Metformin"},
		{PatientID: "P202", DrugID: "Wegovy"},
		{PatientID: "P203", DrugID: drugID},
		{PatientID: "P204", DrugID: drugID},
	}
	want := []authorization.State{
		authorization.StateNoPANeeded,
		authorization.StateNotCovered,
		authorization.StateDenied,
		authorization.StateError,
	}

	results := s.ProcessBatch(context.Background(), reqs)
	if len(results) != len(reqs) {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res.Err != nil {
			t.Errorf("request %d error = %v", i, res.Err)
			continue
		}
		if res.Request.PatientID != reqs[i].PatientID || res.Record.PatientID != reqs[i].PatientID {
			t.Errorf("result %d belongs to %s", i, res.Record.PatientID)
		}
		if res.Record.Outcome != want[i] {
			t.Errorf("request %d outcome = %s, want %s", i, res.Record.Outcome, want[i])
		}
	}
}

// busyInbox reports every key as claimed by another run.
type busyInbox struct{}

func (busyInbox) Process(context.Context, string, string, json.RawMessage, idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	return nil, idempotency.ErrMessageInProgress
}

func TestServiceReturnsCancelledRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &scriptedCompleter{
		reasoning:   []reply{{text: eligibleJSON}},
		onReasoning: cancel,
	}
	h := newHarness(t, c, scenarioPatient("P301", 33.1, 8.5))
	s := newService(t, h.coord, newMemoryInbox())

	rec, err := s.ProcessRequest(ctx, "P301", drugID, authorization.Requester{})
	if err != nil {
		t.Fatalf("ProcessRequest() error = %v", err)
	}
	if rec == nil || rec.Outcome != authorization.StateCancelled {
		t.Fatalf("record = %+v, want CANCELLED", rec)
	}
	if len(rec.AuditTrail()) < 3 {
		t.Errorf("partial trail has %d entries", len(rec.AuditTrail()))
	}
	if _, err := authorization.VerifyComplete(rec.AuditTrail()); err != nil {
		t.Errorf("VerifyComplete() error = %v", err)
	}
}

func TestServiceCancelledBeforeScheduling(t *testing.T) {
	c := &scriptedCompleter{reasoning: []reply{{text: eligibleJSON}}}
	h := newHarness(t, c, scenarioPatient("P302", 33.1, 8.5))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, dedup := range []Deduplicator{nil, newMemoryInbox()} {
		s := newService(t, h.coord, dedup)
		rec, err := s.ProcessRequest(ctx, "P302", drugID, authorization.Requester{})
		if err != nil {
			t.Fatalf("ProcessRequest() error = %v", err)
		}
		if rec == nil || rec.Outcome != authorization.StateCancelled {
			t.Fatalf("record = %+v, want CANCELLED", rec)
		}
	}
	if c.reasoningCalls != 0 {
		t.Errorf("cancelled request reached the model %d times", c.reasoningCalls)
	}
}

func TestServiceRecordsRequestsItCannotRun(t *testing.T) {
	c := &scriptedCompleter{reasoning: []reply{{text: eligibleJSON}}}
	h := newHarness(t, c, scenarioPatient("P303", 33.1, 8.5))

	busy := newService(t, h.coord, busyInbox{})
	rec, err := busy.ProcessRequest(context.Background(), "P303", drugID, authorization.Requester{})
	if !errors.Is(err, idempotency.ErrMessageInProgress) {
		t.Fatalf("error = %v, want ErrMessageInProgress", err)
	}
	if rec == nil || rec.Outcome != authorization.StateError || rec.Failure == nil ||
		rec.Failure.Kind != authorization.FailureInternal || !strings.Contains(rec.Failure.Cause, "being processed") {
		t.Errorf("record = %+v, want ERROR naming the in-progress duplicate", rec)
	}

	stopped := newService(t, h.coord, nil)
	if err := stopped.Stop(); err != nil {
		t.Fatal(err)
	}
	rec, err = stopped.ProcessRequest(context.Background(), "P303", drugID, authorization.Requester{})
	if !errors.Is(err, workerpool.ErrStopped) {
		t.Fatalf("error = %v, want ErrStopped", err)
	}
	if rec == nil || rec.Outcome != authorization.StateError {
		t.Errorf("record = %+v, want ERROR", rec)
	}
	if c.reasoningCalls != 0 {
		t.Errorf("unscheduled requests reached the model %d times", c.reasoningCalls)
	}
}

func TestServiceRerunsCorrectedInlineRecord(t *testing.T) {
	c := &scriptedCompleter{reasoning: []reply{{text: deniedJSON}, {text: eligibleJSON}}}
	c.narratives = []reply{{text: faithfulNarrative}}
	h := newHarness(t, c)
	s := newService(t, h.coord, newMemoryInbox())
	requester := authorization.Requester{ClientID: "clinic-1"}

	first, err := s.Submit(context.Background(), Request{PatientID: "P304", DrugID: drugID, Requester: requester, Patient: scenarioPatient("P304", 25.1, 8.5)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Submit(context.Background(), Request{PatientID: "P304", DrugID: drugID, Requester: requester, Patient: scenarioPatient("P304", 33.1, 8.5)})
	if err != nil {
		t.Fatal(err)
	}
	if c.reasoningCalls != 2 || first.WorkflowID == second.WorkflowID {
		t.Errorf("corrected record answered from inbox: %d reasoning calls, ids %s %s",
			c.reasoningCalls, first.WorkflowID, second.WorkflowID)
	}
	if first.Outcome != authorization.StateDenied || second.Outcome != authorization.StateApprovedReady {
		t.Errorf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}
}

func TestConcurrentRunsKeepSeparateTrails(t *testing.T) {
	c := &scriptedCompleter{reasoning: []reply{{text: deniedJSON}}}
	h := newHarness(t, c, scenarioPatient("P305", 25.1, 9.7))
	repo := authorization.NewMemoryRepository()
	deps := h.deps
	deps.Audit = repo
	coord, err := NewCoordinator(deps, h.coord.config, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	s := newService(t, coord, nil)

	reqs := make([]Request, 6)
	for i := range reqs {
		reqs[i] = Request{PatientID: "P305", DrugID: drugID, Requester: authorization.Requester{ClientID: string(rune('a' + i))}}
	}
	seen := make(map[string]bool)
	for _, res := range s.ProcessBatch(context.Background(), reqs) {
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		id := res.Record.WorkflowID
		if seen[id] {
			t.Fatalf("workflow id %s issued twice", id)
		}
		seen[id] = true

		trail, err := repo.GetAuditTrail(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if len(trail) != len(res.Record.AuditTrail()) {
			t.Errorf("%s: stored %d entries, record has %d", id, len(trail), len(res.Record.AuditTrail()))
		}
		if _, err := authorization.VerifyComplete(trail); err != nil {
			t.Errorf("%s: VerifyComplete() error = %v", id, err)
		}
	}
}
