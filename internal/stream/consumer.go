package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/applyforge/applyforge-api/internal/dispatch"
	"github.com/applyforge/applyforge-api/internal/models"
)

const consumerPrefetch = 32

// Consumer drains the status queue and feeds the hub. Each delivery is
// persisted (when terminal) and fanned out before it is acked, so a crash at
// any point redelivers instead of losing the transition or the fan-out.
// Processing failures are nacked without requeue, which dead-letters the
// delivery.
type Consumer struct {
	gateway *dispatch.Gateway
	hub     *Hub
	logger  *slog.Logger
}

// NewConsumer creates a status consumer.
func NewConsumer(gateway *dispatch.Gateway, hub *Hub, logger *slog.Logger) *Consumer {
	return &Consumer{gateway: gateway, hub: hub, logger: logger}
}

// Run consumes until ctx is cancelled, reconnecting with backoff when the
// channel dies.
func (c *Consumer) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := c.consume(ctx); err != nil {
			c.logger.Error("status consumer stopped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.gateway.ConsumerChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(dispatch.StatusQueueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger.Info("status consumer running", "queue", dispatch.StatusQueueName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	var event models.StatusEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		c.logger.Warn("undecodable status event, dead-lettering",
			"routing_key", delivery.RoutingKey, "error", err)
		_ = delivery.Nack(false, false)
		return
	}
	if event.JobID == "" || !event.Status.IsValid() {
		c.logger.Warn("malformed status event, dead-lettering",
			"job_id", event.JobID, "status", event.Status)
		_ = delivery.Nack(false, false)
		return
	}

	if event.Status.IsTerminal() {
		persistCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.hub.ApplyTerminal(persistCtx, &event)
		cancel()
		if err != nil {
			c.logger.Error("terminal persist failed, dead-lettering",
				"job_id", event.JobID, "status", event.Status, "error", err)
			_ = delivery.Nack(false, false)
			return
		}
	}

	// Fan out before acking: a crash here redelivers instead of silently
	// losing the event, and duplicates dedupe on sequence downstream.
	c.hub.Broadcast(ctx, &event)
	if err := delivery.Ack(false); err != nil {
		c.logger.Warn("ack failed", "job_id", event.JobID, "error", err)
	}
}
