package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Queue is a durable Redis-backed job queue with named job kinds, delayed
// scheduling and a per-job retry budget with exponential backoff. Ready jobs
// live in a list, delayed jobs in a sorted set scored by fire time, and
// completed/failed job records in sorted sets scored by finish time so they
// can be cleaned by age.
type Queue struct {
	rdb         *redis.Client
	name        string
	logger      *logrus.Logger
	attempts    int
	backoffBase time.Duration
}

// Stats mirrors the maintenance API's queue counters.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})
}

func New(rdb *redis.Client, name string, attempts int, backoffBase time.Duration, logger *logrus.Logger) *Queue {
	return &Queue{
		rdb:         rdb,
		name:        name,
		logger:      logger,
		attempts:    attempts,
		backoffBase: backoffBase,
	}
}

func (q *Queue) readyKey() string     { return q.name + ":ready" }
func (q *Queue) delayedKey() string   { return q.name + ":delayed" }
func (q *Queue) completedKey() string { return q.name + ":completed" }
func (q *Queue) failedKey() string    { return q.name + ":failed" }
func (q *Queue) activeKey() string    { return q.name + ":active" }
func (q *Queue) pausedKey() string    { return q.name + ":paused" }

func (q *Queue) scheduledKey(uniqueKey string) string { return q.name + ":scheduled:" + uniqueKey }

// Enqueue pushes a job onto the ready list with the queue's default retry
// budget. Returns the job id.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) (string, error) {
	job, err := newJob(kind, payload, q.attempts)
	if err != nil {
		return "", fmt.Errorf("failed to build %s job: %w", kind, err)
	}
	if err := q.push(ctx, job); err != nil {
		return "", err
	}
	q.logger.Infof("Job %s (%s) enqueued.", job.ID, job.Kind)
	return job.ID, nil
}

// EnqueueDelayed schedules a single-attempt job to become ready after delay.
// Delays are best-effort: a job may fire late under load, never early.
func (q *Queue) EnqueueDelayed(ctx context.Context, kind Kind, payload any, delay time.Duration) (string, error) {
	job, err := newJob(kind, payload, 1)
	if err != nil {
		return "", fmt.Errorf("failed to build delayed %s job: %w", kind, err)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode delayed job: %w", err)
	}
	fireAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: fireAt, Member: raw}).Err(); err != nil {
		return "", fmt.Errorf("failed to schedule delayed job: %w", err)
	}
	q.logger.Infof("Job %s (%s) scheduled in %s.", job.ID, job.Kind, delay)
	return job.ID, nil
}

// EnqueueDelayedUnique schedules like EnqueueDelayed but keeps at most one
// live job per uniqueKey: re-arming the same trigger while one is pending is
// a no-op. Returns an empty job id when an equivalent job already exists.
func (q *Queue) EnqueueDelayedUnique(ctx context.Context, kind Kind, payload any, delay time.Duration, uniqueKey string) (string, error) {
	ok, err := q.rdb.SetNX(ctx, q.scheduledKey(uniqueKey), "1", delay).Result()
	if err != nil {
		return "", fmt.Errorf("failed to reserve unique schedule %q: %w", uniqueKey, err)
	}
	if !ok {
		return "", nil
	}
	return q.EnqueueDelayed(ctx, kind, payload, delay)
}

// ReleaseScheduled drops the uniqueness marker for a key so a later
// EnqueueDelayedUnique schedules a fresh job. Called when something other
// than the scheduled job itself consumes the trigger, e.g. a size-triggered
// dispatch draining a batch before its timeout fires.
func (q *Queue) ReleaseScheduled(ctx context.Context, uniqueKey string) error {
	if err := q.rdb.Del(ctx, q.scheduledKey(uniqueKey)).Err(); err != nil {
		return fmt.Errorf("failed to release unique schedule %q: %w", uniqueKey, err)
	}
	return nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// dequeue blocks up to timeout for the next ready job. Returns nil, nil when
// nothing became ready.
func (q *Queue) dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.readyKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}
	job := &Job{}
	if err := json.Unmarshal([]byte(res[1]), job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// promoteDue moves delayed jobs whose fire time has passed onto the ready
// list. ZRem arbitrates ownership between competing promoters.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read due delayed jobs: %w", err)
	}
	for _, raw := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil {
			return fmt.Errorf("failed to remove promoted job: %w", err)
		}
		if removed == 0 {
			continue // another promoter owns it
		}
		if err := q.rdb.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
			return fmt.Errorf("failed to push promoted job: %w", err)
		}
	}
	return nil
}

// Backoff returns the delay before the given 1-based attempt is retried:
// base, 2*base, 4*base and so on.
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// retry re-schedules a failed job with exponential backoff, or records it as
// failed once its attempts are exhausted.
func (q *Queue) retry(ctx context.Context, job *Job, jobErr error) error {
	job.LastError = jobErr.Error()
	if job.FinalAttempt() {
		return q.record(ctx, q.failedKey(), job)
	}
	delay := q.Backoff(job.Attempt)
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode retried job: %w", err)
	}
	fireAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: fireAt, Member: raw}).Err(); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	q.logger.Warnf("Job %s (%s) attempt %d failed, retrying in %s: %v", job.ID, job.Kind, job.Attempt-1, delay, jobErr)
	return nil
}

func (q *Queue) record(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode finished job: %w", err)
	}
	score := float64(time.Now().UnixMilli())
	if err := q.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: raw}).Err(); err != nil {
		return fmt.Errorf("failed to record finished job: %w", err)
	}
	return nil
}

func (q *Queue) complete(ctx context.Context, job *Job) error {
	return q.record(ctx, q.completedKey(), job)
}

// Stats returns counts of waiting, active, completed and failed jobs.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	waiting, err := q.rdb.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count ready jobs: %w", err)
	}
	delayed, err := q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count delayed jobs: %w", err)
	}
	completed, err := q.rdb.ZCard(ctx, q.completedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	failed, err := q.rdb.ZCard(ctx, q.failedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count failed jobs: %w", err)
	}
	active, err := q.rdb.Get(ctx, q.activeKey()).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read active count: %w", err)
	}
	return &Stats{
		Waiting:   waiting + delayed,
		Active:    active,
		Completed: completed,
		Failed:    failed,
	}, nil
}

// Pause stops workers from picking up new jobs; in-flight jobs finish.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.rdb.Set(ctx, q.pausedKey(), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to pause queue: %w", err)
	}
	q.logger.Info("Queue paused.")
	return nil
}

func (q *Queue) Resume(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.pausedKey()).Err(); err != nil {
		return fmt.Errorf("failed to resume queue: %w", err)
	}
	q.logger.Info("Queue resumed.")
	return nil
}

func (q *Queue) paused(ctx context.Context) bool {
	v, err := q.rdb.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		q.logger.Errorf("Failed to read queue pause flag: %v", err)
		return false
	}
	return v > 0
}

// Clean removes completed and failed job records older than maxAge.
func (q *Queue) Clean(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-maxAge).UnixMilli(), 10)
	var removed int64
	for _, key := range []string{q.completedKey(), q.failedKey()} {
		n, err := q.rdb.ZRemRangeByScore(ctx, key, "-inf", cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to clean %s: %w", key, err)
		}
		removed += n
	}
	q.logger.Infof("Queue cleaned: %d old job records removed.", removed)
	return removed, nil
}

func (q *Queue) incrActive(ctx context.Context) {
	if err := q.rdb.Incr(ctx, q.activeKey()).Err(); err != nil {
		q.logger.Errorf("Failed to increment active count: %v", err)
	}
}

func (q *Queue) decrActive(ctx context.Context) {
	if err := q.rdb.Decr(ctx, q.activeKey()).Err(); err != nil {
		q.logger.Errorf("Failed to decrement active count: %v", err)
	}
}
