// Package redpanda connects the pipeline to Redpanda: topic administration,
// a synchronous producer used by the outbox relay and workers, and a consumer
// group for incoming authorization requests.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TopicRequests   = "pa.requests"
	TopicDecisions  = "pa.decisions"
	TopicAuditTrail = "audit.trail"
	TopicDeadLetter = "dead.letter"
)

// TopicConfig describes a topic the services expect to exist.
type TopicConfig struct {
	Name       string
	Partitions int32
	Retention  time.Duration
}

// settings are the broker-side topic configs.
func (t TopicConfig) settings() map[string]*string {
	retention := strconv.FormatInt(t.Retention.Milliseconds(), 10)
	return map[string]*string{
		"retention.ms":     kadm.StringPtr(retention),
		"cleanup.policy":   kadm.StringPtr("delete"),
		"compression.type": kadm.StringPtr("producer"),
	}
}

const day = 24 * time.Hour

// DefaultTopicConfigs keeps requests for a day, decisions and dead letters
// for a week and the audit trail for 30 days.
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{Name: TopicRequests, Partitions: 6, Retention: day},
		{Name: TopicDecisions, Partitions: 6, Retention: 7 * day},
		{Name: TopicAuditTrail, Partitions: 6, Retention: 30 * day},
		{Name: TopicDeadLetter, Partitions: 3, Retention: 7 * day},
	}
}

// Admin wraps the kadm client for topic setup and lag inspection.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("redpanda admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates the missing topics in configs with the given
// replication factor and returns the names it created. Existing topics keep
// their current settings.
func (a *Admin) EnsureTopics(ctx context.Context, configs []TopicConfig, replicas int16) ([]string, error) {
	var created []string
	for _, tc := range configs {
		resp, err := a.client.CreateTopics(ctx, tc.Partitions, replicas, tc.settings(), tc.Name)
		if err != nil {
			return created, fmt.Errorf("create topic %s: %w", tc.Name, err)
		}
		for _, r := range resp {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			case r.Err != nil:
				return created, fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			default:
				a.logger.Info("topic created", zap.String("topic", r.Topic), zap.Int32("partitions", tc.Partitions))
				created = append(created, r.Topic)
			}
		}
	}
	return created, nil
}

// ListTopics returns the names of all non-internal topics, sorted.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics.Names(), nil
}

// ConsumerGroupLag sums the group's lag per topic.
func (a *Admin) ConsumerGroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("lag for group %s: %w", groupID, err)
	}

	lag := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, p := range partitions {
				lag[topic] += p.Lag
			}
		}
	})
	return lag, nil
}

func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the cluster with a fresh client.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("redpanda client: %w", err)
	}
	defer cl.Close()

	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("redpanda unreachable: %w", err)
	}
	return nil
}
