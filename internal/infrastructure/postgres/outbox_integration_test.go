package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-priorauth/internal/infrastructure/postgres"
	"github.com/drfirst/go-priorauth/internal/infrastructure/postgres/postgrestest"
)

type sent struct {
	topic, key string
	value      []byte
}

// flakyPublisher fails every publish for keys in failing.
type flakyPublisher struct {
	mu      sync.Mutex
	failing map[string]bool
	sent    []sent
}

func (p *flakyPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[key] && topic != "dead.letter" {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, sent{topic, key, value})
	return nil
}

func TestRelayOrdersPerWorkflowAndDeadLetters(t *testing.T) {
	pool := postgrestest.Pool(t, 0)
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	msg := func(wf, kind string) postgres.Message {
		return postgres.Message{WorkflowID: wf, Kind: kind, Topic: "audit.trail", Key: wf, Payload: json.RawMessage(`{"kind":"` + kind + `"}`)}
	}
	err = postgres.Enqueue(ctx, tx,
		msg("WF_A", "transition"),
		msg("WF_B", "transition"),
		msg("WF_A", "stage"),
		msg("WF_B", "stage"),
	)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	pub := &flakyPublisher{failing: map[string]bool{"WF_B": true}}
	cfg := postgres.DefaultRelayConfig()
	cfg.MaxAttempts = 2
	relay := postgres.NewRelay(pool, pub, cfg, zaptest.NewLogger(t))

	if _, err := relay.RelayOnce(ctx); err != nil {
		t.Fatalf("RelayOnce() error = %v", err)
	}
	if len(pub.sent) != 2 || pub.sent[0].key != "WF_A" || pub.sent[1].key != "WF_A" {
		t.Fatalf("first cycle sent %+v", pub.sent)
	}

	backlog, err := relay.Backlog(ctx)
	if err != nil {
		t.Fatalf("Backlog() error = %v", err)
	}
	if backlog.Pending != 2 || backlog.Failing != 1 {
		t.Errorf("backlog = %+v, want 2 pending with 1 failing", backlog)
	}

	// Second failure exhausts WF_B's head; the third cycle dead-letters it and
	// then relays the stage entry behind it.
	pub.sent = nil
	if _, err := relay.RelayOnce(ctx); err != nil {
		t.Fatal(err)
	}
	pub.failing = nil
	if _, err := relay.RelayOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(pub.sent) != 2 || pub.sent[0].topic != "dead.letter" || pub.sent[1].topic != "audit.trail" {
		t.Fatalf("later cycles sent %+v", pub.sent)
	}
	var dl struct {
		OriginalTopic string `json:"original_topic"`
		Attempts      int    `json:"attempts"`
	}
	if err := json.Unmarshal(pub.sent[0].value, &dl); err != nil || dl.OriginalTopic != "audit.trail" || dl.Attempts != 2 {
		t.Errorf("dead letter = %s (%v)", pub.sent[0].value, err)
	}

	backlog, err = relay.Backlog(ctx)
	if err != nil || backlog.Pending != 0 {
		t.Errorf("Backlog() = %+v, %v", backlog, err)
	}
	if n, err := relay.Prune(ctx, 0); err != nil || n != 4 {
		t.Errorf("Prune() = %d, %v", n, err)
	}
}
