package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *BuildQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, 30*time.Second)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "j1", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "j1" {
		t.Fatalf("dequeue = %q, %v; want j1", id, err)
	}

	// Leased job must not be handed out twice.
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("second dequeue = %q, %v; want empty", id, err)
	}

	if err := q.Ack(ctx, "j1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("acked job should not be reclaimable, got %v, %v", reclaimed, err)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	runAt := time.Now().Add(time.Minute)
	if err := q.Enqueue(ctx, "j1", runAt); err != nil {
		t.Fatalf("enqueue scheduled: %v", err)
	}

	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("scheduled job leaked into ready queue: %q", id)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote = %d, %v; want 1", n, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "j1" {
		t.Fatalf("expected promoted job, got %q", id)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "j1", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(ids) != 1 || ids[0] != "j1" {
		t.Fatalf("requeue expired = %v, %v; want [j1]", ids, err)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("ready depth = %d, %v; want 1", depth, err)
	}
}
