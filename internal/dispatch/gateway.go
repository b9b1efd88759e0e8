package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/metrics"
	"github.com/applyforge/applyforge-api/internal/models"
)

// GatewayConfig holds the publish knobs.
type GatewayConfig struct {
	URL              string
	QueueShards      int
	ConfirmTimeout   time.Duration
	MaxAttempts      int
	BackpressureWait time.Duration
}

// Gateway is the single publish path onto the broker. Publishes run in
// confirm mode, retry with capped exponential backoff, and sit behind a
// circuit breaker so a dead broker fails fast instead of stacking goroutines.
type Gateway struct {
	cfg     GatewayConfig
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	// slots bounds in-flight publishes; acquisition waits BackpressureWait
	// before the caller gets a dispatch error.
	slots chan struct{}
}

// NewGateway connects, enables confirms and declares the topology.
func NewGateway(cfg GatewayConfig, logger *slog.Logger) (*Gateway, error) {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackpressureWait <= 0 {
		cfg.BackpressureWait = time.Second
	}
	if cfg.QueueShards <= 0 {
		cfg.QueueShards = 4
	}

	g := &Gateway{
		cfg:    cfg,
		logger: logger,
		slots:  make(chan struct{}, 64),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "broker-publish",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("publish circuit state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}

	if err := g.connect(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) connect() error {
	conn, err := amqp.Dial(g.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("broker confirm mode: %w", err)
	}
	if err := DeclareTopology(ch, g.cfg.QueueShards); err != nil {
		conn.Close()
		return err
	}

	g.mu.Lock()
	g.conn, g.ch = conn, ch
	g.mu.Unlock()
	return nil
}

// ConsumerChannel opens a dedicated channel on the shared connection for a
// consumer loop.
func (g *Gateway) ConsumerChannel() (*amqp.Channel, error) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("broker connection closed")
	}
	return conn.Channel()
}

// Healthy reports whether the broker connection and channel are usable.
func (g *Gateway) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil && !g.conn.IsClosed() && g.ch != nil && !g.ch.IsClosed()
}

// PublishJob encodes the descriptor and publishes it onto the priority shard
// derived from the job id.
func (g *Gateway) PublishJob(ctx context.Context, desc *JobDescriptor) error {
	frame, err := Encode(desc)
	if err != nil {
		return apperr.WrapOrigin(apperr.KindInternal, apperr.OriginBroker, "failed to encode job", err)
	}
	key := ShardRoutingKey(desc.Priority, desc.JobID, g.cfg.QueueShards)
	return g.publish(ctx, key, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    desc.JobID,
		Timestamp:    time.Now().UTC(),
		Body:         frame,
	})
}

// PublishCancel sends a best-effort cancel control message for a job already
// on the queue or in flight at the worker.
func (g *Gateway) PublishCancel(ctx context.Context, jobID string) error {
	body, err := json.Marshal(map[string]string{"job_id": jobID, "action": "cancel"})
	if err != nil {
		return apperr.WrapOrigin(apperr.KindInternal, apperr.OriginBroker, "failed to encode cancel", err)
	}
	return g.publish(ctx, controlRoutingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// PublishStatus republishes a status event onto the status routing key. Used
// by the internal ingress endpoint so broker consumers and push streams see
// the same traffic regardless of how an event arrived.
func (g *Gateway) PublishStatus(ctx context.Context, event *models.StatusEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return apperr.WrapOrigin(apperr.KindInternal, apperr.OriginBroker, "failed to encode status", err)
	}
	return g.publish(ctx, StatusRoutingKey(event.JobID), amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.JobID,
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

func (g *Gateway) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	select {
	case g.slots <- struct{}{}:
		defer func() { <-g.slots }()
	case <-time.After(g.cfg.BackpressureWait):
		metrics.DispatchFailures.Inc()
		return apperr.NewOrigin(apperr.KindDispatch, apperr.OriginBroker,
			"dispatch queue saturated")
	case <-ctx.Done():
		return apperr.WrapOrigin(apperr.KindDispatch, apperr.OriginBroker,
			"dispatch cancelled", ctx.Err())
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.publishWithRetry(ctx, key, msg)
	})
	if err != nil {
		metrics.DispatchFailures.Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apperr.WrapOrigin(apperr.KindDispatch, apperr.OriginBroker,
				"dispatch unavailable", err)
		}
		return apperr.WrapOrigin(apperr.KindDispatch, apperr.OriginBroker,
			"failed to dispatch", err)
	}
	return nil
}

// publishWithRetry attempts a confirmed publish with backoff 1s, 2s, 4s
// (capped at 10s). Every attempt waits for the broker confirm.
func (g *Gateway) publishWithRetry(ctx context.Context, key string, msg amqp.Publishing) error {
	backoff := time.Second
	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.DispatchRetries.Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
		}

		lastErr = g.publishConfirmed(ctx, key, msg)
		if lastErr == nil {
			return nil
		}
		g.logger.Warn("publish attempt failed",
			"routing_key", key, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("publish failed after %d attempts: %w", g.cfg.MaxAttempts, lastErr)
}

func (g *Gateway) publishConfirmed(ctx context.Context, key string, msg amqp.Publishing) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		if err := g.connect(); err != nil {
			return err
		}
		g.mu.Lock()
		ch = g.ch
		g.mu.Unlock()
	}

	confirmCtx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		confirmCtx, ExchangeName, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("confirm wait: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked publish on %s", key)
	}
	return nil
}

// Close shuts the channel and connection down.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		_ = g.ch.Close()
	}
	if g.conn != nil {
		_ = g.conn.Close()
	}
}
