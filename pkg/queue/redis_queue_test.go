package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alttextpro/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["attachment_id"] != job.AttachmentID || got.Values["force"] != "true" {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisJobQueueRunsJobsOnce(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:bulk",
		Consumer:   "worker",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := map[string]int{}
	q.Start(ctx, 2, func(_ context.Context, job domain.Job) error {
		mu.Lock()
		calls[job.AttachmentID]++
		mu.Unlock()
		if job.AttachmentID == "bad" {
			return errors.New("generation failed")
		}
		return nil
	})

	good, err := q.Enqueue(ctx, "good", false, "user-1")
	if err != nil {
		t.Fatalf("enqueue good: %v", err)
	}
	bad, err := q.Enqueue(ctx, "bad", true, "user-1")
	if err != nil {
		t.Fatalf("enqueue bad: %v", err)
	}

	waitForStatus(t, q, good.ID, domain.JobDone)
	failed := waitForStatus(t, q, bad.ID, domain.JobFailed)
	if failed.Error != "generation failed" || failed.Attempts != 1 || !failed.Force {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls["bad"] != 1 {
		t.Fatalf("failed job should run once, ran %d times", calls["bad"])
	}
}

func TestRedisJobQueueEnqueueRequiresAttachment(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "test:bulk"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), "  ", false, ""); err == nil {
		t.Fatalf("expected error for empty attachment id")
	}
	if _, found, err := q.GetJob(context.Background(), "missing"); err != nil || found {
		t.Fatalf("expected missing job, found=%v err=%v", found, err)
	}
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID string, want domain.JobStatus) domain.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, found, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if found && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s", jobID, want)
	return domain.Job{}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, domain.Job) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "att-1", true, "user-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job
}
