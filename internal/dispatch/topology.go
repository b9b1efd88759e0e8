package dispatch

import (
	"fmt"
	"hash/fnv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/applyforge/applyforge-api/internal/models"
)

// Broker topology. One topic exchange carries job, status and control
// traffic; each priority class owns a set of sharded queues so one slow
// consumer never blocks a whole class.
const (
	ExchangeName = "jobs.exchange"

	DLQName = "jobs.dlq"
	dlqTTL  = 5 * time.Minute

	StatusQueueName  = "jobs.status"
	statusRoutingKey = "jobs.status.*"

	controlRoutingKey = "jobs.control"
)

// PriorityRoutingKey is the key prefix for a priority class. Each shard binds
// the suffixed form so a message lands on exactly one shard queue.
func PriorityRoutingKey(p models.Priority) string {
	return "jobs.priority." + p.RoutingSegment()
}

// ShardRoutingKey is the full publish key for one job: the priority key plus
// the job's stable shard index.
func ShardRoutingKey(p models.Priority, jobID string, shards int) string {
	return fmt.Sprintf("%s.%d", PriorityRoutingKey(p), ShardFor(jobID, shards))
}

// StatusRoutingKey is the key a worker publishes status events for one job to.
func StatusRoutingKey(jobID string) string {
	return "jobs.status." + jobID
}

// ShardQueueName names shard i of the given priority class.
func ShardQueueName(p models.Priority, shard int) string {
	return fmt.Sprintf("jobs.%s.%d", p.RoutingSegment(), shard)
}

// ShardFor maps a job id onto a stable shard index.
func ShardFor(jobID string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(shards))
}

// DeclareTopology declares the exchange, the per-priority sharded queues, the
// dead-letter queue and the status queue. Declaration is idempotent; it runs
// on every startup.
func DeclareTopology(ch *amqp.Channel, shards int) error {
	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(DLQName, true, false, false, false, amqp.Table{
		"x-message-ttl": dlqTTL.Milliseconds(),
	}); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}

	priorities := []models.Priority{
		models.PriorityExpress, models.PriorityHigh,
		models.PriorityNormal, models.PriorityLow,
	}
	for _, p := range priorities {
		for i := 0; i < shards; i++ {
			name := ShardQueueName(p, i)
			if _, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": DLQName,
			}); err != nil {
				return fmt.Errorf("declare queue %s: %w", name, err)
			}
			key := fmt.Sprintf("%s.%d", PriorityRoutingKey(p), i)
			if err := ch.QueueBind(name, key, ExchangeName, false, nil); err != nil {
				return fmt.Errorf("bind queue %s: %w", name, err)
			}
		}
	}

	if _, err := ch.QueueDeclare(StatusQueueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DLQName,
	}); err != nil {
		return fmt.Errorf("declare status queue: %w", err)
	}
	if err := ch.QueueBind(StatusQueueName, statusRoutingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind status queue: %w", err)
	}

	return nil
}
