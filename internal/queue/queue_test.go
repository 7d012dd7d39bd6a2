package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/raysh454/kansa/internal/store"
	"github.com/raysh454/kansa/internal/testutil"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kansa.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := New(db, cfg, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestQueue_EnqueueClaimComplete(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	queueID, err := q.Enqueue(ctx, "job-1", 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e, err := q.Claim(ctx, "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if e.QueueID != queueID || e.JobID != "job-1" || e.Attempts != 1 {
		t.Fatalf("unexpected entry: %+v", e)
	}

	// The entry is leased; nobody else can claim it.
	if _, err := q.Claim(ctx, "worker-b"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("second claim should find nothing, got %v", err)
	}

	if err := q.Complete(ctx, e.QueueID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("queue should be empty after complete, depth=%d", depth)
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	q.Enqueue(ctx, "low-old", 0)
	clock = base.Add(time.Second)
	q.Enqueue(ctx, "low-new", 0)
	clock = base.Add(2 * time.Second)
	q.Enqueue(ctx, "high", 5)

	var order []string
	for i := 0; i < 3; i++ {
		e, err := q.Claim(ctx, "worker")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		order = append(order, e.JobID)
		q.Complete(ctx, e.QueueID)
	}
	want := []string{"high", "low-old", "low-new"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order %v, want %v", order, want)
		}
	}
}

func TestQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	q.Enqueue(ctx, "job-1", 0)
	first, err := q.Claim(ctx, "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Before the lease lapses the entry is invisible.
	clock = base.Add(30 * time.Second)
	if _, err := q.Claim(ctx, "worker-b"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("entry should still be leased, got %v", err)
	}

	// After the lease lapses another worker picks it up, attempts bumped.
	clock = base.Add(2 * time.Minute)
	second, err := q.Claim(ctx, "worker-b")
	if err != nil {
		t.Fatalf("reclaim after lease expiry: %v", err)
	}
	if second.QueueID != first.QueueID || second.Attempts != 2 {
		t.Fatalf("expected redelivery with attempts=2, got %+v", second)
	}
}

func TestQueue_ReleaseDelaysRedelivery(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	q.Enqueue(ctx, "job-1", 0)
	e, _ := q.Claim(ctx, "worker")
	if err := q.Release(ctx, e.QueueID, time.Minute); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := q.Claim(ctx, "worker"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("released entry should be delayed, got %v", err)
	}

	clock = base.Add(2 * time.Minute)
	again, err := q.Claim(ctx, "worker")
	if err != nil {
		t.Fatalf("claim after delay: %v", err)
	}
	if again.Attempts != 2 {
		t.Fatalf("attempts should persist across release, got %d", again.Attempts)
	}
}

func TestQueue_RemoveUnclaimedOnly(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	q.Enqueue(ctx, "pending-job", 0)
	if err := q.Remove(ctx, "pending-job"); err != nil {
		t.Fatalf("remove unclaimed: %v", err)
	}
	if err := q.Remove(ctx, "pending-job"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("removing a gone job should be ErrNotQueued, got %v", err)
	}

	q.Enqueue(ctx, "active-job", 0)
	if _, err := q.Claim(ctx, "worker"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Remove(ctx, "active-job"); !errors.Is(err, ErrEntryClaimed) {
		t.Fatalf("removing a claimed job should be refused, got %v", err)
	}
}

func TestQueue_RequeueExpired(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	q.Enqueue(ctx, "job-1", 0)
	q.Claim(ctx, "worker-a")

	clock = base.Add(2 * time.Minute)
	n, err := q.RequeueExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one requeued entry, got %d %v", n, err)
	}

	e, err := q.Claim(ctx, "worker-b")
	if err != nil {
		t.Fatalf("claim after requeue: %v", err)
	}
	if e.JobID != "job-1" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}
