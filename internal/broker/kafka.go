package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"taskstream/internal/config"
	"taskstream/internal/constants"
	"taskstream/internal/events"
	"taskstream/internal/logger"
	"taskstream/pkg/errors"
	"taskstream/pkg/logging"
	"taskstream/pkg/metrics"
	"taskstream/pkg/retry"
	"taskstream/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		Async:        false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := []kafka.Header{}
	headers = tracing.InjectTraceContext(ctx, headers)

	// Key by user so one user's events stay ordered within a partition.
	key := env.UserID
	if key == "" {
		key = env.EventID
	}

	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(key),
			Value:   body,
			Headers: headers,
			Time:    time.Now(),
		},
	)

	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	mu          sync.Mutex
	readers     []*kafka.Reader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// Consume reads a topic until ctx is canceled. Safe to call once per topic
// from separate goroutines; each call gets its own reader in the shared
// consumer group.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		consumeCtx := logging.WithServiceName(ctx, c.serviceName)
		c.logger.InfowCtx(consumeCtx, "Started consuming",
			"topic", topic,
		)

		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				time.Sleep(time.Second)
				continue
			}

			metrics.KafkaMessagesReadTotal.WithLabelValues(c.serviceName, topic).Inc()

			env, err := events.Normalize(m.Value)
			if err != nil {
				// A malformed payload will never succeed on redelivery.
				// Record it, acknowledge, move on.
				c.logger.ErrorwCtx(consumeCtx, "Discarding malformed event",
					"error", err,
					"topic", topic,
				)
				metrics.EventsConsumedTotal.WithLabelValues(c.serviceName, topic, "malformed").Inc()
				_ = reader.CommitMessages(ctx, m)
				continue
			}

			msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m.Headers)
			msgCtx = logging.WithEventID(msgCtx, env.EventID)
			msgCtx = logging.WithUserID(msgCtx, env.UserID)
			msgCtx = logging.WithServiceName(msgCtx, c.serviceName)

			start := time.Now()
			if err := c.processMessageWithRetry(msgCtx, env, handler, topic); err != nil {
				metrics.ObserveEventProcessing(c.serviceName, topic, "error", time.Since(start))
				c.logger.ErrorwCtx(msgCtx, "Failed to process event after retries",
					"error", err,
					"topic", topic,
				)
				// The group commit is a single offset per partition, so
				// committing any later message would mark this one consumed.
				// The reader must not advance until the event is parked in
				// the DLQ or finally processes.
				if !c.settleFailedMessage(msgCtx, env, handler, err, topic) {
					span.End()
					return
				}
				if err := reader.CommitMessages(ctx, m); err != nil {
					c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
						"error", err,
						"topic", topic,
					)
				}
			} else {
				metrics.EventsConsumedTotal.WithLabelValues(c.serviceName, topic, "processed").Inc()
				metrics.ObserveEventProcessing(c.serviceName, topic, "success", time.Since(start))
				if err := reader.CommitMessages(ctx, m); err != nil {
					c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
						"error", err,
						"topic", topic,
					)
				}
			}
			span.End()
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) Close() error {
	var err error
	c.mu.Lock()
	for _, reader := range c.readers {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.mu.Unlock()
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, env events.Envelope, handler HandlerFunc, topic string) error {
	policy := retry.DefaultPolicy()

	if c.cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = c.cfg.Retry.MaxAttempts
	}
	if c.cfg.Retry.InitialInterval > 0 {
		policy.InitialInterval = c.cfg.Retry.InitialInterval
	}
	if c.cfg.Retry.MaxInterval > 0 {
		policy.MaxInterval = c.cfg.Retry.MaxInterval
	}
	if c.cfg.Retry.Multiplier > 0 {
		policy.Multiplier = c.cfg.Retry.Multiplier
	}
	if c.cfg.Retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = c.cfg.Retry.MaxElapsedTime
	}

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				c.logger.ErrorwCtx(ctx, "Panic recovered during event processing",
					"error", err,
					"topic", topic,
				)
			}
		}()
		return handler(ctx, env)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying event processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

// settleFailedMessage disposes of an event whose retries are exhausted.
// With a DLQ configured it publishes there, re-attempting until the publish
// sticks; without one it keeps re-running the handler at a fixed pace,
// holding the partition in place. Returns true once the event is safe to
// commit, false when ctx is canceled first, in which case the offset stays
// uncommitted and the group redelivers from it.
func (c *KafkaConsumer) settleFailedMessage(ctx context.Context, env events.Envelope, handler HandlerFunc, procErr error, topic string) bool {
	hasDLQ := c.dlqProducer != nil && c.cfg.DLQTopic != ""
	if !hasDLQ {
		c.logger.WarnwCtx(ctx, "No DLQ configured, holding partition until the event processes",
			"topic", topic,
		)
	}

	for {
		if hasDLQ {
			dlqErr := c.sendToDLQ(ctx, env, procErr, topic)
			if dlqErr == nil {
				return true
			}
			c.logger.ErrorwCtx(ctx, "Failed to send event to DLQ, will retry",
				"error", dlqErr,
				"topic", topic,
			)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(constants.KafkaHoldRetryInterval):
		}

		if !hasDLQ {
			if err := c.processMessageWithRetry(ctx, env, handler, topic); err == nil {
				metrics.EventsConsumedTotal.WithLabelValues(c.serviceName, topic, "processed").Inc()
				return true
			}
		}
	}
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, env events.Envelope, originalErr error, sourceTopic string) error {
	if env.Data == nil {
		env.Data = make(map[string]any)
	}
	env.Data["dlq_reason"] = originalErr.Error()
	env.Data["dlq_source_topic"] = sourceTopic
	env.Data["dlq_timestamp"] = time.Now()

	err := c.dlqProducer.Publish(ctx, c.cfg.DLQTopic, env)
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.DLQMessagesTotal.WithLabelValues(c.serviceName, sourceTopic, "max_retries_exceeded").Inc()
	c.logger.InfowCtx(ctx, "Event sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", originalErr.Error(),
	)

	return nil
}
