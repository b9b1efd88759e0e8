package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T, maxAttempts int) (*BruteForceGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewBruteForceGuard(rdb, maxAttempts, 15*time.Minute, 15*time.Minute, slog.Default()), mr
}

func TestGuardLocksAfterMaxFailures(t *testing.T) {
	g, _ := newTestGuard(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		g.RecordFailure(ctx, "a@example.com", "1.2.3.4")
		if locked, _ := g.Locked(ctx, "a@example.com", "1.2.3.4"); locked {
			t.Fatalf("locked after only %d failures", i+1)
		}
	}

	g.RecordFailure(ctx, "a@example.com", "1.2.3.4")
	locked, remaining := g.Locked(ctx, "a@example.com", "1.2.3.4")
	if !locked {
		t.Fatal("not locked after reaching the threshold")
	}
	if remaining <= 0 || remaining > 15*time.Minute {
		t.Fatalf("lockout remaining = %s", remaining)
	}
}

func TestGuardKeysOnEmailAndAddress(t *testing.T) {
	g, _ := newTestGuard(t, 2)
	ctx := context.Background()

	g.RecordFailure(ctx, "a@example.com", "1.2.3.4")
	g.RecordFailure(ctx, "a@example.com", "1.2.3.4")

	if locked, _ := g.Locked(ctx, "a@example.com", "5.6.7.8"); locked {
		t.Fatal("different address locked out")
	}
	if locked, _ := g.Locked(ctx, "b@example.com", "1.2.3.4"); locked {
		t.Fatal("different email locked out")
	}
	if locked, _ := g.Locked(ctx, "a@example.com", "1.2.3.4"); !locked {
		t.Fatal("offending pair not locked out")
	}
}

func TestGuardSuccessClearsCounter(t *testing.T) {
	g, _ := newTestGuard(t, 3)
	ctx := context.Background()

	g.RecordFailure(ctx, "a@example.com", "1.2.3.4")
	g.RecordFailure(ctx, "a@example.com", "1.2.3.4")
	g.RecordSuccess(ctx, "a@example.com", "1.2.3.4")

	// Counter restarted: two more failures still under threshold.
	g.RecordFailure(ctx, "a@example.com", "1.2.3.4")
	g.RecordFailure(ctx, "a@example.com", "1.2.3.4")
	if locked, _ := g.Locked(ctx, "a@example.com", "1.2.3.4"); locked {
		t.Fatal("successful login did not reset the failure counter")
	}
}

func TestGuardFailsOpenWhenStoreDown(t *testing.T) {
	g, mr := newTestGuard(t, 1)
	mr.Close()
	if locked, _ := g.Locked(context.Background(), "a@example.com", "1.2.3.4"); locked {
		t.Fatal("guard should fail open when the store is unreachable")
	}
}
