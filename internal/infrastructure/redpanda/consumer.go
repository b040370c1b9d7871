package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
)

// enroller re-enrolls a user when the host publishes a profile update.
type enroller interface {
	Enroll(ctx context.Context, profile *safety.MedicationProfile) ([]*safety.SafetyAlert, error)
}

// ConsumerConfig holds the profile-update consumer tunables.
type ConsumerConfig struct {
	Brokers             []string
	GroupID             string
	Topic               string
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	// StartOffset is the initial offset when the group has none (earliest or latest)
	StartOffset string
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "safety-monitor",
		Topic:               TopicProfileUpdates,
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		StartOffset:         "latest",
	}
}

// ProfileConsumer feeds profile updates from the bus into the monitor: every
// message re-enrolls the user, which refreshes the stored profile and runs an
// immediate check.
type ProfileConsumer struct {
	client   *kgo.Client
	config   ConsumerConfig
	enroller enroller
	logger   *zap.Logger
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	messagesRead int64
	errorCount   int64
}

func NewProfileConsumer(cfg ConsumerConfig, en enroller, logger *zap.Logger) (*ProfileConsumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if en == nil {
		return nil, errors.New("enroller is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.DisableAutoCommit(),
	}
	if cfg.StartOffset == "earliest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProfileConsumer{
		client:   client,
		config:   cfg,
		enroller: en,
		logger:   logger,
		tracer:   otel.Tracer("redpanda-consumer"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins consuming profile updates.
func (c *ProfileConsumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
	c.logger.Info("profile-update consumer started",
		zap.String("topic", c.config.Topic),
		zap.String("group", c.config.GroupID))
}

// Stop drains the loop and commits outstanding offsets.
func (c *ProfileConsumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *ProfileConsumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
				c.incrementErrors()
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(record)
		})
	}
}

// processRecord re-enrolls the user from one profile-update message.
// Undecodable messages are committed and skipped so a poison message cannot
// wedge the partition; enrollment failures are left uncommitted and retried.
func (c *ProfileConsumer) processRecord(record *kgo.Record) {
	ctx, span := c.tracer.Start(c.ctx, "process_profile_update",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	var profile safety.MedicationProfile
	if err := json.Unmarshal(record.Value, &profile); err != nil || profile.UserID == "" {
		c.logger.Error("skipping malformed profile update",
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		c.incrementErrors()
		c.commit(ctx, record)
		return
	}

	if _, err := c.enroller.Enroll(ctx, &profile); err != nil {
		c.logger.Error("profile re-enrollment failed",
			zap.String("user_id", profile.UserID),
			zap.Error(err))
		span.RecordError(err)
		c.incrementErrors()
		return
	}

	c.mu.Lock()
	c.messagesRead++
	c.mu.Unlock()
	c.commit(ctx, record)
	c.logger.Debug("profile update applied", zap.String("user_id", profile.UserID))
}

func (c *ProfileConsumer) commit(ctx context.Context, record *kgo.Record) {
	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Error("failed to commit offset",
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	}
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
}

func (c *ProfileConsumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{MessagesRead: c.messagesRead, ErrorCount: c.errorCount}
}

func (c *ProfileConsumer) incrementErrors() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}
