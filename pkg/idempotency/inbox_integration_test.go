package idempotency_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-priorauth/internal/infrastructure/postgres/postgrestest"
	"github.com/drfirst/go-priorauth/pkg/idempotency"
)

func TestInboxProcess(t *testing.T) {
	pool := postgrestest.Pool(t, 0)
	ctx := context.Background()
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), zaptest.NewLogger(t))

	calls := 0
	decide := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"outcome":"APPROVED"}`), nil
	}

	first, err := inbox.Process(ctx, "k1", "test", json.RawMessage(`{}`), decide)
	if err != nil || !first.IsNew {
		t.Fatalf("first Process() = %+v, %v", first, err)
	}
	again, err := inbox.Process(ctx, "k1", "test", json.RawMessage(`{}`), decide)
	if err != nil || again.IsNew {
		t.Fatalf("duplicate Process() = %+v, %v", again, err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
	var got map[string]string
	if err := json.Unmarshal(again.Result, &got); err != nil || got["outcome"] != "APPROVED" {
		t.Errorf("stored result = %s", again.Result)
	}

	stats, err := inbox.Stats(ctx)
	if err != nil || stats[idempotency.StatusFinished] != 1 {
		t.Errorf("Stats() = %v, %v", stats, err)
	}
}

func TestInboxFailures(t *testing.T) {
	pool := postgrestest.Pool(t, 0)
	ctx := context.Background()
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), zaptest.NewLogger(t))

	flaky := errors.New("provider timeout")
	if _, err := inbox.Process(ctx, "retry", "test", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, flaky
	}); !errors.Is(err, flaky) {
		t.Fatalf("Process() error = %v", err)
	}
	res, err := inbox.Process(ctx, "retry", "test", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil || !res.IsNew {
		t.Errorf("recoverable key did not rerun: %+v, %v", res, err)
	}

	bad := errors.New("unknown patient")
	if _, err := inbox.Process(ctx, "final", "test", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, idempotency.Terminal(bad)
	}); !errors.Is(err, bad) {
		t.Fatalf("Process() error = %v", err)
	}
	if _, err := inbox.Process(ctx, "final", "test", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Error("terminal key ran again")
		return nil, nil
	}); !errors.Is(err, idempotency.ErrPreviouslyFailed) {
		t.Errorf("Process() error = %v, want ErrPreviouslyFailed", err)
	}
}

func TestInboxInProgress(t *testing.T) {
	pool := postgrestest.Pool(t, 0)
	ctx := context.Background()
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), zaptest.NewLogger(t))

	_, err := inbox.Process(ctx, "busy", "test", nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		_, inner := inbox.Process(ctx, "busy", "test", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			t.Error("second caller ran while the first was in progress")
			return nil, nil
		})
		if !errors.Is(inner, idempotency.ErrMessageInProgress) {
			t.Errorf("concurrent Process() error = %v", inner)
		}
		return json.RawMessage(`{}`), nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
