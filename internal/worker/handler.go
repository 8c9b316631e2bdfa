// Package worker turns authorization requests read from Redpanda into
// pipeline runs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/infrastructure/redpanda"
	"github.com/drfirst/go-priorauth/internal/observability/metrics"
	"github.com/drfirst/go-priorauth/internal/pipeline"
	"github.com/drfirst/go-priorauth/pkg/idempotency"
)

// Decider runs one request to completion.
type Decider interface {
	Submit(ctx context.Context, req pipeline.Request) (*authorization.DecisionRecord, error)
}

// Publisher writes a record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Config controls what the handler publishes.
type Config struct {
	// PublishDecisions sends each finished record to DecisionTopic. Leave it
	// off when the audit repository queues decisions through the outbox.
	PublishDecisions bool
	DecisionTopic    string
	DeadLetterTopic  string
}

// DefaultConfig publishes decisions directly.
func DefaultConfig() Config {
	return Config{
		PublishDecisions: true,
		DecisionTopic:    redpanda.TopicDecisions,
		DeadLetterTopic:  redpanda.TopicDeadLetter,
	}
}

// deadLetter wraps a message that can never be processed.
type deadLetter struct {
	Topic  string          `json:"topic"`
	Offset int64           `json:"offset"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Reason string          `json:"reason"`
}

// Handler processes request messages.
type Handler struct {
	decider   Decider
	publisher Publisher
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewHandler creates a handler. m may be nil.
func NewHandler(decider Decider, publisher Publisher, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		decider:   decider,
		publisher: publisher,
		config:    cfg,
		metrics:   m,
		logger:    logger,
	}
}

// Handle decodes a request and runs it. Malformed requests go to the dead
// letter topic and are committed. A returned error leaves the offset
// uncommitted.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	h.metrics.MessageConsumed(msg.Topic)

	var req pipeline.Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return h.deadLetter(ctx, msg, fmt.Sprintf("decode request: %v", err))
	}
	if req.PatientID == "" || req.DrugID == "" {
		return h.deadLetter(ctx, msg, "patient_id and drug_id are required")
	}
	if req.Requester.RequestID == "" {
		req.Requester.RequestID = string(msg.Key)
	}

	rec, err := h.decider.Submit(ctx, req)
	if errors.Is(err, idempotency.ErrMessageInProgress) {
		h.logger.Info("request already in progress elsewhere",
			zap.String("patient_id", req.PatientID),
			zap.String("drug_id", req.DrugID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("run request: %w", err)
	}

	h.logger.Info("request decided",
		zap.String("workflow_id", rec.WorkflowID),
		zap.String("outcome", string(rec.Outcome)),
		zap.Int64("offset", msg.Offset))

	if !h.config.PublishDecisions {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	if err := h.publisher.Publish(ctx, h.config.DecisionTopic, rec.WorkflowID, payload); err != nil {
		return err
	}
	h.metrics.MessageProduced(h.config.DecisionTopic)
	return nil
}

func (h *Handler) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, reason string) error {
	h.logger.Warn("dead-lettering request",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.String("reason", reason))

	value := json.RawMessage(msg.Value)
	if !json.Valid(msg.Value) {
		quoted, _ := json.Marshal(string(msg.Value))
		value = quoted
	}
	payload, err := json.Marshal(deadLetter{
		Topic:  msg.Topic,
		Offset: msg.Offset,
		Key:    string(msg.Key),
		Value:  value,
		Reason: reason,
	})
	if err != nil {
		return err
	}
	if err := h.publisher.Publish(ctx, h.config.DeadLetterTopic, string(msg.Key), payload); err != nil {
		return err
	}
	h.metrics.MessageProduced(h.config.DeadLetterTopic)
	return nil
}
