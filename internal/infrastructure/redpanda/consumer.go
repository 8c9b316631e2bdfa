package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig configures the request consumer group.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeout is how long the group waits for a silent member.
	SessionTimeout time.Duration
	// StartOffset is "earliest" or "latest" for groups without committed offsets.
	StartOffset string
	// A failing record is redelivered in place, waiting between RetryBaseDelay
	// and RetryMaxDelay, until it succeeds or the consumer stops.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "pa-worker",
		Topics:         []string{TopicRequests},
		SessionTimeout: 45 * time.Second,
		StartOffset:    "earliest",
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  30 * time.Second,
	}
}

// MessageHandler processes one record. An error means the record has not
// been handled; it is retried and its offset is not committed.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by a MessageHandler.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Header returns the value of header key, or "".
func (m *ConsumedMessage) Header(key string) string {
	return m.Headers[key]
}

func newConsumedMessage(r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// Consumer hands records to a MessageHandler one at a time, in partition
// order, and commits each offset once the handler accepts the record.
type Consumer struct {
	cfg     ConsumerConfig
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	handled     atomic.Int64
	retries     atomic.Int64
	fetchErrors atomic.Int64
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("redpanda: message handler is required")
	}
	if len(cfg.Topics) == 0 || cfg.GroupID == "" {
		return nil, errors.New("redpanda: consumer needs a group and at least one topic")
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke", zap.Error(err))
			}
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start polls in a background goroutine until Stop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop lets the in-flight record finish, commits what was handled and closes
// the client. It is safe to call more than once.
func (c *Consumer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := c.client.CommitMarkedOffsets(ctx); cerr != nil {
			err = fmt.Errorf("final commit: %w", cerr)
		}
		c.client.Close()
	})
	return err
}

func (c *Consumer) run() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.fetchErrors.Add(1)
			c.logger.Error("fetch failed",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			if !c.process(iter.Next()) {
				return
			}
		}
	}
}

// process runs the handler until it accepts the record. It returns false if
// the consumer stopped first; the record's offset is then left uncommitted.
func (c *Consumer) process(record *kgo.Record) bool {
	ctx := otel.GetTextMapPropagator().Extract(c.ctx, HeaderCarrier{record: record})
	ctx, span := c.tracer.Start(ctx, "consume "+record.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", record.Topic),
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
		))
	defer span.End()

	msg := newConsumedMessage(record)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseDelay
	b.MaxInterval = c.cfg.RetryMaxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.handler(ctx, msg)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.retries.Add(1)
			c.logger.Warn("handler failed, redelivering",
				zap.String("topic", record.Topic),
				zap.Int32("partition", record.Partition),
				zap.Int64("offset", record.Offset),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
	if err != nil {
		span.SetStatus(codes.Error, "not handled before stop")
		span.RecordError(err)
		return false
	}
	c.handled.Add(1)

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("commit failed, will retry with the next record",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
	}
	return true
}

// ConsumerStats counts consumer activity since start.
type ConsumerStats struct {
	MessagesHandled int64
	Redeliveries    int64
	FetchErrors     int64
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesHandled: c.handled.Load(),
		Redeliveries:    c.retries.Load(),
		FetchErrors:     c.fetchErrors.Load(),
	}
}
