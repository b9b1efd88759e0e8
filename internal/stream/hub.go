// Package stream owns live status delivery: the broker consumer, the per-job
// subscriber sets fanning events out to push streams, and the cross-instance
// redis relay.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/metrics"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/repository"
)

// ErrJobTerminal is returned by Subscribe when the job already reached a
// final status; the caller emits the terminal state directly instead of
// holding a stream open.
var ErrJobTerminal = errors.New("job already terminal")

// Subscription is one registered push-stream listener. Events arrives on
// Events; Done closes when the hub drops the registration.
type Subscription struct {
	JobID        string
	UserID       string
	Events       chan *models.StatusEvent
	Done         chan struct{}
	RegisteredAt time.Time

	id      uint64
	lastSeq uint64
	closed  bool
}

// Hub fans status events out to per-job subscriber sets. Delivery never
// blocks the caller: a full subscriber buffer drops its oldest event.
type Hub struct {
	jobs    repository.JobRepository
	relay   *Relay // nil when running single-instance
	bufSize int
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID atomic.Uint64
}

// NewHub creates a hub. relay may be nil.
func NewHub(jobs repository.JobRepository, relay *Relay, bufSize int, logger *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = 16
	}
	h := &Hub{
		jobs:    jobs,
		relay:   relay,
		bufSize: bufSize,
		logger:  logger,
		subs:    make(map[string]map[uint64]*Subscription),
	}
	if relay != nil {
		relay.SetHandler(h.deliverLocal)
	}
	return h
}

// Subscribe registers a listener for one job. Non-owned or absent jobs return
// not-found (indistinguishable); terminal jobs return the job alongside
// ErrJobTerminal. The primary is consulted so a just-submitted job is visible.
func (h *Hub) Subscribe(ctx context.Context, jobID, userID string) (*Subscription, *models.Job, error) {
	job, err := h.jobs.GetFresh(ctx, jobID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, apperr.New(apperr.KindNotFound, "application not found")
	}
	if err != nil {
		return nil, nil, apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to load application", err)
	}
	if job.Status.IsTerminal() {
		return nil, job, ErrJobTerminal
	}

	sub := &Subscription{
		JobID:        jobID,
		UserID:       userID,
		Events:       make(chan *models.StatusEvent, h.bufSize),
		Done:         make(chan struct{}),
		RegisteredAt: time.Now(),
		id:           h.nextID.Add(1),
	}

	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[uint64]*Subscription)
		h.subs[jobID] = set
	}
	first := len(set) == 0
	set[sub.id] = sub
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	if first && h.relay != nil {
		if err := h.relay.Listen(ctx, jobID); err != nil {
			h.logger.Warn("cross-instance listen failed, local events only",
				"job_id", jobID, "error", err)
		}
	}

	// A terminal event fully processed between the first read and the
	// registration above was fanned out to an empty set; re-read so the
	// caller emits the terminal snapshot instead of waiting forever.
	if recheck, err := h.jobs.GetFresh(ctx, jobID, userID); err == nil && recheck.Status.IsTerminal() {
		h.Unsubscribe(sub)
		return nil, recheck, ErrJobTerminal
	}
	return sub, job, nil
}

// Unsubscribe drops the registration. Safe to call more than once. A client
// disconnect only ever reaches here; it never cancels the job itself.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	set, ok := h.subs[sub.JobID]
	if ok {
		if _, present := set[sub.id]; present {
			delete(set, sub.id)
			metrics.Subscribers.Dec()
		}
		if len(set) == 0 {
			delete(h.subs, sub.JobID)
		}
	}
	last := !ok || len(set) == 0
	if !sub.closed {
		sub.closed = true
		close(sub.Done)
	}
	h.mu.Unlock()

	if last && h.relay != nil {
		h.relay.Forget(sub.JobID)
	}
}

// Broadcast delivers an event to local subscribers and relays it to other
// instances. Events arriving from the relay itself go through deliverLocal
// directly so they are never re-relayed.
func (h *Hub) Broadcast(ctx context.Context, event *models.StatusEvent) {
	h.deliverLocal(event)
	if h.relay != nil {
		if err := h.relay.Publish(ctx, event); err != nil {
			h.logger.Warn("cross-instance relay publish failed",
				"job_id", event.JobID, "error", err)
		}
	}
}

// deliverLocal fans out to the job's subscriber set without ever blocking:
// when a buffer is full the oldest event is dropped to make room. Duplicate
// sequences (local + relayed copies of the same event) are delivered once.
func (h *Hub) deliverLocal(event *models.StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[event.JobID] {
		if event.Sequence != 0 {
			if last := atomic.LoadUint64(&sub.lastSeq); event.Sequence <= last {
				continue
			}
			atomic.StoreUint64(&sub.lastSeq, event.Sequence)
		}
		select {
		case sub.Events <- event:
		default:
			select {
			case <-sub.Events:
				metrics.DroppedEvents.Inc()
			default:
			}
			select {
			case sub.Events <- event:
			default:
				metrics.DroppedEvents.Inc()
			}
		}
	}
}

// ApplyTerminal persists a terminal status event through the repository.
// Duplicate deliveries are idempotent: a job already in the event's (or any)
// terminal state is treated as processed. PROCESSING was never persisted for
// jobs that complete before the first heartbeat, so a COMPLETED event may
// need to bridge PENDING through PROCESSING first.
func (h *Hub) ApplyTerminal(ctx context.Context, event *models.StatusEvent) error {
	if !event.Status.IsTerminal() {
		return nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		job, err := h.jobs.GetByID(ctx, event.JobID)
		if errors.Is(err, repository.ErrNotFound) {
			h.logger.Warn("terminal event for unknown job", "job_id", event.JobID)
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}

		if job.Status == models.JobStatusPending && event.Status == models.JobStatusCompleted {
			job, err = h.jobs.Transition(ctx, job.ID, job.Version,
				models.JobStatusPending, models.JobStatusProcessing, repository.JobPatch{})
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			if err != nil {
				return err
			}
		}

		patch := repository.JobPatch{}
		if event.ArtifactRef != "" {
			patch.ArtifactRef = &event.ArtifactRef
		}
		if event.Reason != "" {
			patch.FailureReason = &event.Reason
		}
		_, err = h.jobs.Transition(ctx, job.ID, job.Version, job.Status, event.Status, patch)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		return err
	}

	// Two lost races in a row: someone else is processing this event.
	job, err := h.jobs.GetByID(ctx, event.JobID)
	if err == nil && job.Status.IsTerminal() {
		return nil
	}
	return apperr.WrapOrigin(apperr.KindConflict, apperr.OriginDB,
		"terminal transition kept losing races", err)
}

// SubscriberCount reports registered subscribers for one job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
