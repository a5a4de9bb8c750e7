package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"alttextpro/internal/util"
	"alttextpro/pkg/domain"

	"github.com/redis/go-redis/v9"
)

// Handler processes one regeneration job.
type Handler func(context.Context, domain.Job) error

// RedisJobQueue is a Redis streams backed queue of regeneration jobs with
// per-job status kept in a hash.
type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxAttempts  int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	JobTTL   time.Duration
	// MaxAttempts is how many times a failing job runs before it is marked
	// failed. Defaults to 1: generation failures are not retried.
	MaxAttempts int
	Block       time.Duration
	ClaimIdle   time.Duration
	RetryDelay  time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "alttext-workers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxAttempts:  maxAttempts,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue records a queued job for the attachment and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, attachmentID string, force bool, requestedBy string) (domain.Job, error) {
	attachmentID = strings.TrimSpace(attachmentID)
	if attachmentID == "" {
		return domain.Job{}, errors.New("attachmentId required")
	}
	job := domain.Job{
		ID:           util.NewID(),
		AttachmentID: attachmentID,
		Force:        force,
		RequestedBy:  requestedBy,
		Status:       domain.JobQueued,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return domain.Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(job),
	}).Err(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (domain.Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return domain.Job{}, false, err
	}
	if len(data) == 0 {
		return domain.Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("queue group create failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("queue read failed", "stream", q.stream, "consumer", consumer, "err", err)
				sleepCtx(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	job, ok := jobFromMessage(msg)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, job)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, job)
	if err == nil {
		_ = q.markDone(ctx, job.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxAttempts {
		_ = q.markFailed(ctx, job.ID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markQueued(ctx, job.ID, err.Error())
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	_ = q.requeueAndAck(ctx, msg.ID, job)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job domain.Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(job),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, msgJob domain.Job) (domain.Job, error) {
	job, found, err := q.GetJob(ctx, msgJob.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if !found {
		job = msgJob
	}
	job.AttachmentID = msgJob.AttachmentID
	job.Force = msgJob.Force
	job.Attempts++
	job.Status = domain.JobProcessing
	job.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.updateStatus(ctx, jobID, domain.JobQueued, errMsg)
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string) error {
	return q.updateStatus(ctx, jobID, domain.JobDone, "")
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.updateStatus(ctx, jobID, domain.JobFailed, errMsg)
}

func (q *RedisJobQueue) updateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ID = jobID
	job.Status = status
	job.Error = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job domain.Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":           job.ID,
		"attachmentId": job.AttachmentID,
		"force":        strconv.FormatBool(job.Force),
		"requestedBy":  job.RequestedBy,
		"status":       string(job.Status),
		"error":        job.Error,
		"attempts":     strconv.Itoa(job.Attempts),
		"updatedAt":    job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func messageValues(job domain.Job) map[string]any {
	return map[string]any{
		"job_id":        job.ID,
		"attachment_id": job.AttachmentID,
		"force":         strconv.FormatBool(job.Force),
		"requested_by":  job.RequestedBy,
	}
}

func jobFromMessage(msg redis.XMessage) (domain.Job, bool) {
	jobID, _ := msg.Values["job_id"].(string)
	attachmentID, _ := msg.Values["attachment_id"].(string)
	if jobID == "" || attachmentID == "" {
		return domain.Job{}, false
	}
	force, _ := msg.Values["force"].(string)
	requestedBy, _ := msg.Values["requested_by"].(string)
	return domain.Job{
		ID:           jobID,
		AttachmentID: attachmentID,
		Force:        force == "true",
		RequestedBy:  requestedBy,
	}, true
}

func decodeJob(jobID string, data map[string]string) domain.Job {
	job := domain.Job{
		ID:           jobID,
		AttachmentID: data["attachmentId"],
		RequestedBy:  data["requestedBy"],
		Status:       domain.JobStatus(data["status"]),
		Error:        data["error"],
		Force:        data["force"] == "true",
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if ts, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = ts
	}
	return job
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
