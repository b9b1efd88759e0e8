package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/applyforge/applyforge-api/internal/models"
)

const relayChannelPrefix = "status:"

// relayEnvelope wraps an event with the publishing instance id so an instance
// can ignore its own relayed copies.
type relayEnvelope struct {
	Origin string              `json:"origin"`
	Event  *models.StatusEvent `json:"event"`
}

// Relay carries status events between instances over redis pub/sub. Each
// instance publishes every event it receives from the broker; instances that
// hold local subscribers for a job listen on that job's channel.
type Relay struct {
	client     redis.UniversalClient
	instanceID string
	logger     *slog.Logger
	handler    func(*models.StatusEvent)

	mu       sync.Mutex
	pubsub   *redis.PubSub
	channels map[string]struct{}
}

// NewRelay creates a relay with a random instance identity.
func NewRelay(client redis.UniversalClient, logger *slog.Logger) *Relay {
	return &Relay{
		client:     client,
		instanceID: ulid.Make().String(),
		logger:     logger,
		channels:   make(map[string]struct{}),
	}
}

// SetHandler installs the local delivery callback. Must be called before
// Listen.
func (r *Relay) SetHandler(handler func(*models.StatusEvent)) {
	r.handler = handler
}

// Publish relays one event to every other instance.
func (r *Relay) Publish(ctx context.Context, event *models.StatusEvent) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	return r.client.Publish(ctx, relayChannelPrefix+event.JobID, payload).Err()
}

// Listen subscribes this instance to the job's relay channel. The first call
// starts the receive loop.
func (r *Relay) Listen(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	channel := relayChannelPrefix + jobID
	if _, ok := r.channels[channel]; ok {
		return nil
	}

	if r.pubsub == nil {
		// Detached context: the pub/sub connection outlives individual
		// subscriber requests. The goroutine captures the pubsub it was
		// spawned for; Close may nil out r.pubsub at any time.
		r.pubsub = r.client.Subscribe(context.Background(), channel)
		go r.receive(r.pubsub)
	} else if err := r.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.channels[channel] = struct{}{}
	return nil
}

// Forget drops the relay subscription for a job once its last local
// subscriber is gone.
func (r *Relay) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	channel := relayChannelPrefix + jobID
	if _, ok := r.channels[channel]; !ok {
		return
	}
	delete(r.channels, channel)
	if r.pubsub != nil {
		if err := r.pubsub.Unsubscribe(context.Background(), channel); err != nil {
			r.logger.Debug("relay unsubscribe failed", "channel", channel, "error", err)
		}
	}
}

func (r *Relay) receive(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var env relayEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("bad relay payload", "channel", msg.Channel, "error", err)
			continue
		}
		if env.Origin == r.instanceID || env.Event == nil {
			continue
		}
		if r.handler != nil {
			r.handler(env.Event)
		}
	}
}

// Close tears the pub/sub connection down.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		_ = r.pubsub.Close()
		r.pubsub = nil
	}
	r.channels = make(map[string]struct{})
}
