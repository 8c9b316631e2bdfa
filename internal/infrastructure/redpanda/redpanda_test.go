package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x01},
		SpanID:     trace.SpanID{0x0b, 0x02},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := newRecord(ctx, TopicDecisions, "WF_1", []byte(`{}`))
	if got := (HeaderCarrier{record: record}).Get(ContentTypeHeader); got != "application/json" {
		t.Errorf("content-type = %q", got)
	}

	msg := newConsumedMessage(record)
	if msg.Header("traceparent") == "" {
		t.Fatalf("headers = %v, want traceparent", msg.Headers)
	}

	extracted := otel.GetTextMapPropagator().Extract(context.Background(), HeaderCarrier{record: record})
	got := trace.SpanContextFromContext(extracted)
	if got.TraceID() != sc.TraceID() || got.SpanID() != sc.SpanID() {
		t.Errorf("extracted %v, want %v", got, sc)
	}
}

func TestHeaderCarrierSetOverwrites(t *testing.T) {
	record := &kgo.Record{}
	c := HeaderCarrier{record: record}
	c.Set("k", "1")
	c.Set("k", "2")
	c.Set("other", "x")

	if len(record.Headers) != 2 || c.Get("k") != "2" {
		t.Errorf("headers = %v", record.Headers)
	}
	if keys := c.Keys(); len(keys) != 2 || keys[0] != "k" || keys[1] != "other" {
		t.Errorf("Keys() = %v", keys)
	}
	if c.Get("missing") != "" {
		t.Error("missing header should be empty")
	}
}

func TestNewConsumedMessage(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := newConsumedMessage(&kgo.Record{
		Topic:     TopicRequests,
		Partition: 2,
		Offset:    41,
		Key:       []byte("req-1"),
		Value:     []byte(`{"patient_id":"P001"}`),
		Headers:   []kgo.RecordHeader{{Key: "source", Value: []byte("pactl")}},
		Timestamp: ts,
	})
	if msg.Partition != 2 || msg.Offset != 41 || string(msg.Key) != "req-1" || !msg.Timestamp.Equal(ts) {
		t.Errorf("message = %+v", msg)
	}
	if msg.Header("source") != "pactl" {
		t.Errorf("headers = %v", msg.Headers)
	}
}

func TestCompressionCodec(t *testing.T) {
	for _, name := range []string{"", "none", "lz4", "snappy", "gzip", "zstd"} {
		if _, err := compressionCodec(name); err != nil {
			t.Errorf("compressionCodec(%q) error = %v", name, err)
		}
	}
	if _, err := compressionCodec("brotli"); err == nil {
		t.Error("unknown codec accepted")
	}
}

func TestNewConsumerValidates(t *testing.T) {
	noop := func(context.Context, *ConsumedMessage) error { return nil }

	if _, err := NewConsumer(DefaultConsumerConfig(), nil, nil); err == nil {
		t.Error("nil handler accepted")
	}
	cfg := DefaultConsumerConfig()
	cfg.Topics = nil
	if _, err := NewConsumer(cfg, noop, nil); err == nil {
		t.Error("consumer without topics accepted")
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	seen := map[string]TopicConfig{}
	for _, tc := range DefaultTopicConfigs() {
		seen[tc.Name] = tc
	}
	for _, name := range []string{TopicRequests, TopicDecisions, TopicAuditTrail, TopicDeadLetter} {
		tc, ok := seen[name]
		if !ok {
			t.Errorf("topic %s missing", name)
			continue
		}
		if tc.Partitions < 1 || tc.Retention <= 0 {
			t.Errorf("topic %s = %+v", name, tc)
		}
	}

	settings := seen[TopicAuditTrail].settings()
	if got := *settings["retention.ms"]; got != "2592000000" {
		t.Errorf("audit retention.ms = %s", got)
	}
	if got := *settings["cleanup.policy"]; got != "delete" {
		t.Errorf("cleanup.policy = %s", got)
	}
}
