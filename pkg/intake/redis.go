// Package intake consumes trigger events that domain collaborators push
// onto a Redis list and republishes them on the event bus, where workers
// match them against active workflows.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/events"
)

const popTimeout = 1 * time.Second

// queuedEvent is the payload collaborators push onto the list.
type queuedEvent struct {
	TriggerType string         `json:"trigger_type"`
	Context     map[string]any `json:"context,omitempty"`
}

type Consumer struct {
	client    redis.UniversalClient
	publisher eventbus.EventPublisher
	queue     string
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewConsumer(redisURL, queue string, publisher eventbus.EventPublisher, logger *slog.Logger) (*Consumer, error) {
	if queue == "" {
		return nil, errors.New("intake queue name is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return &Consumer{
		client:    redis.NewClient(opts),
		publisher: publisher,
		queue:     queue,
		stopCh:    make(chan struct{}),
		logger: logger.With(
			"module", "intake",
			"queue", queue,
		),
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c.logger.InfoContext(ctx, "Starting intake consumer")

	c.wg.Add(1)

	go c.consume(ctx)

	return nil
}

func (c *Consumer) consume(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			c.logger.InfoContext(ctx, "Intake consumer stopped")

			return
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Context cancelled, stopping intake consumer")

			return
		default:
			if err := c.processMessage(ctx); err != nil {
				c.logger.ErrorContext(ctx, "Error processing intake message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context) error {
	result, err := c.client.BLPop(ctx, popTimeout, c.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	var queued queuedEvent
	if err := json.Unmarshal([]byte(result[1]), &queued); err != nil {
		c.logger.WarnContext(ctx, "Dropping malformed intake message", "error", err)

		return nil
	}

	if queued.TriggerType == "" {
		c.logger.WarnContext(ctx, "Dropping intake message without trigger_type")

		return nil
	}

	event := events.TriggerReceived{
		BaseEvent:   events.NewBaseEvent(events.TriggerReceivedEvent),
		TriggerType: queued.TriggerType,
		Context:     queued.Context,
	}

	if err := c.publisher.Publish(ctx, queued.TriggerType, event); err != nil {
		return fmt.Errorf("failed to publish trigger event: %w", err)
	}

	c.logger.InfoContext(ctx, "Trigger event ingested",
		"trigger_type", queued.TriggerType,
		"event_id", event.ID)

	return nil
}

func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Stopping intake consumer")

	close(c.stopCh)
	c.wg.Wait()

	if err := c.client.Close(); err != nil {
		c.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
	}

	return nil
}
