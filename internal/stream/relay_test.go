package stream

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/applyforge/applyforge-api/internal/models"
)

func newRelayPair(t *testing.T) (*Relay, *Relay) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdbA.Close()
		_ = rdbB.Close()
	})

	relayA := NewRelay(rdbA, slog.Default())
	relayB := NewRelay(rdbB, slog.Default())
	t.Cleanup(relayA.Close)
	t.Cleanup(relayB.Close)
	return relayA, relayB
}

func TestRelayDeliversAcrossInstances(t *testing.T) {
	relayA, relayB := newRelayPair(t)
	ctx := context.Background()

	received := make(chan *models.StatusEvent, 1)
	relayB.SetHandler(func(ev *models.StatusEvent) { received <- ev })
	if err := relayB.Listen(ctx, "j1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	event := &models.StatusEvent{JobID: "j1", Status: models.JobStatusProcessing, Sequence: 1}
	deadline := time.After(2 * time.Second)
	for {
		// The subscription may still be settling; republish until delivery.
		if err := relayA.Publish(ctx, event); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case got := <-received:
			if got.JobID != "j1" || got.Status != models.JobStatusProcessing {
				t.Fatalf("event = %+v", got)
			}
			return
		case <-deadline:
			t.Fatal("relayed event never arrived")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRelaySkipsOwnEvents(t *testing.T) {
	relayA, _ := newRelayPair(t)
	ctx := context.Background()

	received := make(chan *models.StatusEvent, 1)
	relayA.SetHandler(func(ev *models.StatusEvent) { received <- ev })
	if err := relayA.Listen(ctx, "j1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := relayA.Publish(ctx, &models.StatusEvent{
		JobID: "j1", Status: models.JobStatusProcessing,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-received:
		t.Fatalf("own event echoed back: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelayForgetStopsDelivery(t *testing.T) {
	relayA, relayB := newRelayPair(t)
	ctx := context.Background()

	received := make(chan *models.StatusEvent, 8)
	relayB.SetHandler(func(ev *models.StatusEvent) { received <- ev })
	if err := relayB.Listen(ctx, "j1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	relayB.Forget("j1")
	time.Sleep(50 * time.Millisecond)

	if err := relayA.Publish(ctx, &models.StatusEvent{
		JobID: "j1", Status: models.JobStatusProcessing,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-received:
		t.Fatalf("event delivered after Forget: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelayCloseRightAfterListen(t *testing.T) {
	mr := miniredis.RunT(t)

	// The receive goroutine starts with the pub/sub it was spawned for; an
	// immediate Close must never leave it dereferencing a cleared field.
	for i := 0; i < 10; i++ {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		relay := NewRelay(rdb, slog.Default())
		relay.SetHandler(func(*models.StatusEvent) {})
		if err := relay.Listen(context.Background(), "j1"); err != nil {
			t.Fatalf("Listen: %v", err)
		}
		relay.Close()
		_ = rdb.Close()
	}
	time.Sleep(50 * time.Millisecond)
}

func TestRelayListenIdempotentPerJob(t *testing.T) {
	_, relayB := newRelayPair(t)
	ctx := context.Background()
	relayB.SetHandler(func(*models.StatusEvent) {})

	for i := 0; i < 3; i++ {
		if err := relayB.Listen(ctx, "j1"); err != nil {
			t.Fatalf("Listen #%d: %v", i+1, err)
		}
	}
	relayB.mu.Lock()
	n := len(relayB.channels)
	relayB.mu.Unlock()
	if n != 1 {
		t.Fatalf("tracked channels = %d, want 1", n)
	}
}
