package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContentTypeHeader is set on every record the producer writes.
const ContentTypeHeader = "content-type"

type ProducerConfig struct {
	Brokers []string
	// Linger is how long records wait for a batch to fill.
	Linger time.Duration
	// MaxRetries bounds client retries of a single record.
	MaxRetries int
	// Compression is lz4, snappy, gzip, zstd or "none".
	Compression string
}

// DefaultProducerConfig waits for all in-sync replicas; decisions and audit
// entries are low volume.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:     []string{"localhost:9092"},
		Linger:      5 * time.Millisecond,
		MaxRetries:  5,
		Compression: "lz4",
	}
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "", "none":
		return kgo.NoCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	}
	return kgo.CompressionCodec{}, fmt.Errorf("redpanda: unknown compression %q", name)
}

// Producer publishes JSON payloads synchronously. It serves the worker's
// decision and dead-letter topics and the outbox relay.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	bytes  atomic.Int64
	failed atomic.Int64
}

func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(codec),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda producer client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish writes value under key and blocks until every in-sync replica has
// it. The caller's trace context travels in the record headers.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
			attribute.Int("messaging.message.body.size", len(value)),
		))
	defer span.End()

	record := newRecord(ctx, topic, key, value)
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.failed.Add(1)
		span.SetStatus(codes.Error, "produce failed")
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.sent.Add(1)
	p.bytes.Add(int64(len(value)))
	p.logger.Debug("record published",
		zap.String("topic", record.Topic),
		zap.String("key", key),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

func newRecord(ctx context.Context, topic, key string, value []byte) *kgo.Record {
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	carrier := HeaderCarrier{record: record}
	carrier.Set(ContentTypeHeader, "application/json")
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return record
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("flush on close: %w", err)
	}
	return nil
}

type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.sent.Load(),
		BytesSent:    p.bytes.Load(),
		ErrorCount:   p.failed.Load(),
	}
}
