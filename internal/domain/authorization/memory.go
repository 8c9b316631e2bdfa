package authorization

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepository keeps records and their audit entries in process. It backs
// the API when no database is configured.
type MemoryRepository struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	entries   map[string][]*AuditEntry
	outcomes  map[string]State
	order     []string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		snapshots: make(map[string][]byte),
		entries:   make(map[string][]*AuditEntry),
		outcomes:  make(map[string]State),
	}
}

// Save appends the record's pending entries and replaces its snapshot.
func (m *MemoryRepository) Save(_ context.Context, rec *DecisionRecord) error {
	changes := rec.Changes()
	snapshot, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.snapshots[rec.WorkflowID]; !ok {
		m.order = append(m.order, rec.WorkflowID)
	}
	m.snapshots[rec.WorkflowID] = snapshot
	for _, e := range changes {
		cp := *e
		m.entries[rec.WorkflowID] = append(m.entries[rec.WorkflowID], &cp)
	}
	if rec.Outcome != "" {
		m.outcomes[rec.WorkflowID] = rec.Outcome
	}
	m.mu.Unlock()

	rec.ClearChanges()
	return nil
}

// Load rebuilds a record from its snapshot and stored entries.
func (m *MemoryRepository) Load(ctx context.Context, workflowID string) (*DecisionRecord, error) {
	m.mu.RLock()
	snapshot, ok := m.snapshots[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, workflowID)
	}

	rec := &DecisionRecord{}
	if err := json.Unmarshal(snapshot, rec); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	entries, err := m.GetAuditTrail(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	rec.Trail = nil
	rec.version = 0
	rec.LoadFromHistory(entries)
	return rec, nil
}

// GetAuditTrail returns copies of the stored entries in sequence order.
func (m *MemoryRepository) GetAuditTrail(_ context.Context, workflowID string) ([]*AuditEntry, error) {
	m.mu.RLock()
	stored, ok := m.entries[workflowID]
	out := make([]*AuditEntry, len(stored))
	for i, e := range stored {
		cp := *e
		out[i] = &cp
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, workflowID)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ListByOutcome returns up to limit workflow ids that ended in outcome, newest first.
func (m *MemoryRepository) ListByOutcome(_ context.Context, outcome State, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for i := len(m.order) - 1; i >= 0 && (limit <= 0 || len(ids) < limit); i-- {
		if m.outcomes[m.order[i]] == outcome {
			ids = append(ids, m.order[i])
		}
	}
	return ids, nil
}
