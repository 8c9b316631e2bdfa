package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-priorauth/pkg/circuitbreaker"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", APIKey: "k", EmbeddingModel: "embed-small"}, nil, zaptest.NewLogger(t))
}

func TestComplete(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("request %s auth %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"ok\":true}"},"finish_reason":"stop"}]}`)
	})

	out, err := c.Complete(context.Background(), CompletionRequest{
		Model:  "reasoner",
		System: "be strict",
		User:   "evaluate",
		JSON:   true,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != `{"ok":true}` {
		t.Errorf("Complete() = %q", out)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "evaluate" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", got.ResponseFormat)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})
	_, err := c.Complete(context.Background(), CompletionRequest{User: "x"})
	if !IsTransient(err) {
		t.Errorf("empty choices should be transient, got %v", err)
	}
}

func TestMalformedResponseIsTransient(t *testing.T) {
	for name, body := range map[string]string{
		"truncated": `{"choices":[{"message":{"content":"{\"ok\"`,
		"not json":  `<html>upstream reset</html>`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			})
			_, err := c.Complete(context.Background(), CompletionRequest{User: "x"})
			if err == nil {
				t.Fatal("Complete() error = nil")
			}
			if got := Classify(err); got != TransientFailure {
				t.Errorf("Classify(%v) = %v, want TransientFailure", err, got)
			}
		})
	}
}

func TestEmbedOrdersByIndex(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "embed-small" || len(body.Input) != 2 {
			t.Errorf("body = %+v", body)
		}
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`)
	})

	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("Embed() = %v", vecs)
	}

	if vecs, err := c.Embed(context.Background(), nil); err != nil || vecs != nil {
		t.Errorf("Embed(nil) = %v, %v", vecs, err)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1]}]}`)
	})
	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("Embed() should fail when the provider drops vectors")
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Complete(context.Background(), CompletionRequest{User: "x"})
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.status || se.Body != "nope" {
				t.Fatalf("Complete() error = %v", err)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", !tt.transient, tt.transient)
			}
		})
	}
}

func TestBreakerOpensOnProviderFailures(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	var last error
	for i := 0; i < 8; i++ {
		_, last = c.Complete(context.Background(), CompletionRequest{User: "x"})
	}
	if !errors.Is(last, circuitbreaker.ErrOpen) {
		t.Fatalf("last error = %v, want open circuit", last)
	}
	if calls != 5 {
		t.Errorf("provider saw %d calls, want 5", calls)
	}
	if !IsTransient(last) {
		t.Error("open circuit should be transient")
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	for i := 0; i < 8; i++ {
		_, err := c.Complete(context.Background(), CompletionRequest{User: "x"})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			t.Fatalf("call %d rejected by breaker", i)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ResultKind
	}{
		{&StatusError{StatusCode: 500}, TransientFailure},
		{context.DeadlineExceeded, TransientFailure},
		{context.Canceled, FatalFailure},
		{&StatusError{StatusCode: 403}, FatalFailure},
		{errors.New("unknown"), FatalFailure},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if !ParseError.Retryable() || FatalFailure.Retryable() || Success.Retryable() {
		t.Error("Retryable() mismatch")
	}
}
