package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"tradieflow/internal/config"
	"tradieflow/internal/models"
	"tradieflow/internal/services"
)

const (
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 30 * time.Second
)

// TriggerEvent is the payload of one domain event on the trigger topic.
type TriggerEvent struct {
	TriggerType models.TriggerType    `json:"trigger_type"`
	Context     models.TriggerContext `json:"context"`
}

// DecodeTriggerEvent parses and sanity checks a message value.
func DecodeTriggerEvent(value []byte) (*TriggerEvent, error) {
	var ev TriggerEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse trigger event: %w", err)
	}
	if !ev.TriggerType.Valid() {
		return nil, fmt.Errorf("unsupported trigger type %q", ev.TriggerType)
	}
	if ev.Context.UserID() == "" {
		return nil, fmt.Errorf("trigger event context has no userId")
	}
	return &ev, nil
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TriggerProcessor runs a decoded trigger through the rule engine.
type TriggerProcessor interface {
	ProcessTrigger(ctx context.Context, triggerType models.TriggerType, tctx models.TriggerContext) (*services.TriggerResult, error)
}

// Consumer feeds domain events from Kafka into the rule engine.
//
// Offsets are committed only after a message was processed. Undecodable
// messages are committed and logged so one bad payload does not block the
// partition; engine errors are retried in place until they succeed or the
// consumer stops.
type Consumer struct {
	reader    MessageReader
	processor TriggerProcessor
	logger    *logrus.Logger
	backoff   time.Duration

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
}

// NewKafkaReader builds a consumer group reader from configuration.
func NewKafkaReader(cfg config.KafkaConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	}), nil
}

func NewConsumer(reader MessageReader, processor TriggerProcessor, logger *logrus.Logger) *Consumer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Consumer{
		reader:    reader,
		processor: processor,
		logger:    logger,
		backoff:   defaultRetryBackoff,
	}
}

// Start consumes in the background until Stop is called or ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("consumer is already running")
	}
	c.running = true

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(ctx)
	}()
	c.logger.Info("events: trigger consumer started")
	return nil
}

// Stop waits for the in-flight message and closes the reader.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	c.logger.Info("events: trigger consumer stopped")
	return nil
}

// Run is the blocking consume loop.
func (c *Consumer) Run(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).Error("events: failed to fetch message")
			if !sleepCtx(ctx, c.backoff) {
				return
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			// stopped mid-retry; the message stays uncommitted
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).Errorf("events: failed to commit offset %d", msg.Offset)
		}
	}
}

// handle returns an error only when ctx ended before the message was processed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	ev, err := DecodeTriggerEvent(msg.Value)
	if err != nil {
		log.WithError(err).Warn("events: skipping malformed trigger event")
		return nil
	}

	backoff := c.backoff
	for attempt := 1; ; attempt++ {
		result, err := c.processor.ProcessTrigger(ctx, ev.TriggerType, ev.Context)
		if err == nil {
			log.WithFields(logrus.Fields{
				"trigger_type": ev.TriggerType,
				"matched":      result.Matched,
				"executed":     len(result.Executed),
				"queued":       len(result.Queued),
				"failed":       len(result.Failed),
			}).Info("events: trigger processed")
			return nil
		}

		var verr *services.ValidationError
		if errors.As(err, &verr) {
			log.WithError(err).Warn("events: trigger event rejected")
			return nil
		}

		log.WithError(err).WithField("attempt", attempt).Error("events: trigger processing failed, retrying")
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
