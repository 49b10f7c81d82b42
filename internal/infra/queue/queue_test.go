package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func testQueue() *Queue {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(nil, "test", 3, 2*time.Second, logger)
}

func redisQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(rdb, "test", 3, 2*time.Second, logger)
}

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	q := testQueue()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := q.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestJob_FinalAttempt(t *testing.T) {
	j := &Job{Attempt: 1, MaxAttempts: 3}
	if j.FinalAttempt() {
		t.Error("first of three attempts is not final")
	}
	j.Attempt = 3
	if !j.FinalAttempt() {
		t.Error("third of three attempts is final")
	}
	single := &Job{Attempt: 1, MaxAttempts: 1}
	if !single.FinalAttempt() {
		t.Error("a single-attempt job is always on its final attempt")
	}
}

func TestNewJob_Defaults(t *testing.T) {
	type payload struct {
		ID int64 `json:"id"`
	}
	j, err := newJob(KindInstantDispatch, payload{ID: 12}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.ID == "" {
		t.Error("job should get a generated id")
	}
	if j.Attempt != 1 {
		t.Errorf("new jobs start at attempt 1, got %d", j.Attempt)
	}
	if j.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", j.MaxAttempts)
	}

	var decoded payload
	if err := json.Unmarshal(j.Payload, &decoded); err != nil {
		t.Fatalf("payload should round-trip as JSON: %v", err)
	}
	if decoded.ID != 12 {
		t.Errorf("decoded payload id %d, want 12", decoded.ID)
	}
}

func TestEnqueueDequeue(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindInstantDispatch, map[string]int64{"notificationId": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job, err := q.dequeue(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil || job.ID != id || job.Kind != KindInstantDispatch {
		t.Errorf("dequeued job does not match enqueued one: %+v", job)
	}

	empty, err := q.dequeue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty != nil {
		t.Errorf("empty queue should yield nil, got %+v", empty)
	}
}

func TestPromoteDue_MovesOnlyDueJobs(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	if _, err := q.EnqueueDelayed(ctx, KindBatchTimeout, map[string]string{"batchKey": "due"}, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.EnqueueDelayed(ctx, KindBatchTimeout, map[string]string{"batchKey": "later"}, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := q.promoteDue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, err := q.dequeue(ctx, 100*time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("the due job should be ready: %v, %+v", err, job)
	}
	second, err := q.dequeue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != nil {
		t.Errorf("the hour-away job must not be promoted, got %+v", second)
	}
}

func TestPromoteDue_PreservesScheduleOrder(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	first, err := q.EnqueueDelayed(ctx, KindBatchTimeout, map[string]string{"batchKey": "a"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := q.EnqueueDelayed(ctx, KindBatchTimeout, map[string]string{"batchKey": "b"}, 2*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := q.promoteDue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	jobA, _ := q.dequeue(ctx, 100*time.Millisecond)
	jobB, _ := q.dequeue(ctx, 100*time.Millisecond)
	if jobA == nil || jobB == nil {
		t.Fatal("both due jobs should be ready")
	}
	if jobA.ID != first || jobB.ID != second {
		t.Errorf("jobs should become ready in fire-time order: got %s then %s", jobA.ID, jobB.ID)
	}
}

func TestEnqueueDelayedUnique(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	id, err := q.EnqueueDelayedUnique(ctx, KindBatchTimeout, map[string]string{"batchKey": "k"}, time.Hour, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("first schedule should return a job id")
	}

	dup, err := q.EnqueueDelayedUnique(ctx, KindBatchTimeout, map[string]string{"batchKey": "k"}, time.Hour, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup != "" {
		t.Errorf("re-arming a live trigger should be a no-op, got job %s", dup)
	}

	if err := q.ReleaseScheduled(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fresh, err := q.EnqueueDelayedUnique(ctx, KindBatchTimeout, map[string]string{"batchKey": "k"}, time.Hour, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh == "" {
		t.Error("a released key should accept a fresh schedule")
	}

	delayed, err := q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delayed != 2 {
		t.Errorf("expected two scheduled jobs, got %d", delayed)
	}
}

func TestRetry_SchedulesNonFinalAttemptWithBackoff(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	job, err := newJob(KindInstantDispatch, map[string]int64{"notificationId": 1}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.retry(ctx, job, errors.New("provider down")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Attempt != 2 {
		t.Errorf("retry should advance the attempt, got %d", job.Attempt)
	}

	delayed, err := q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delayed != 1 {
		t.Fatalf("retry should land in the delayed set, got %d members", delayed)
	}

	// The retry must not be promotable before its backoff elapses.
	if err := q.promoteDue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if early, _ := q.dequeue(ctx, 50*time.Millisecond); early != nil {
		t.Errorf("retried job became ready before its backoff, got %+v", early)
	}
}

func TestRetry_FinalAttemptRecordsFailure(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	job, err := newJob(KindBatchDispatch, map[string]string{"batchKey": "k"}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job.Attempt = 3
	if err := q.retry(ctx, job, errors.New("provider down")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("exhausted job should be recorded as failed, got %d", stats.Failed)
	}
	if stats.Waiting != 0 {
		t.Errorf("exhausted job must not be re-scheduled, got %d waiting", stats.Waiting)
	}
}

func TestPauseResume(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	if q.paused(ctx) {
		t.Fatal("queue should start unpaused")
	}
	if err := q.Pause(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.paused(ctx) {
		t.Error("queue should report paused")
	}
	if err := q.Resume(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.paused(ctx) {
		t.Error("queue should report resumed")
	}
}

func TestWorker_PauseGatesConsumption(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	var handled atomic.Int64
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	w := NewWorker(q, func(ctx context.Context, job *Job) error {
		handled.Add(1)
		return nil
	}, 1, logger)

	if err := q.Pause(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Enqueue(ctx, KindInstantDispatch, map[string]int64{"notificationId": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w.Start()
	defer w.Stop()

	time.Sleep(700 * time.Millisecond)
	if n := handled.Load(); n != 0 {
		t.Fatalf("paused queue must not hand out jobs, handled %d", n)
	}

	if err := q.Resume(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := handled.Load(); n != 1 {
		t.Errorf("resumed queue should process the job, handled %d", n)
	}
}

func TestClean_RemovesOnlyOldRecords(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	oldScore := float64(time.Now().Add(-48 * time.Hour).UnixMilli())
	freshScore := float64(time.Now().UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.completedKey(), redis.Z{Score: oldScore, Member: "old-completed"}).Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.rdb.ZAdd(ctx, q.completedKey(), redis.Z{Score: freshScore, Member: "fresh-completed"}).Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.rdb.ZAdd(ctx, q.failedKey(), redis.Z{Score: oldScore, Member: "old-failed"}).Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed, err := q.Clean(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected the two old records removed, got %d", removed)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("fresh records must survive cleaning: %+v", stats)
	}
}

func TestStats_CountsReadyAndDelayed(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, KindInstantDispatch, map[string]int64{"notificationId": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Enqueue(ctx, KindInstantDispatch, map[string]int64{"notificationId": 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.EnqueueDelayed(ctx, KindBatchTimeout, map[string]string{"batchKey": "k"}, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Waiting != 3 {
		t.Errorf("waiting should count ready and delayed jobs, got %d", stats.Waiting)
	}
}

func TestJob_RoundTrip(t *testing.T) {
	j, err := newJob(KindBatchDispatch, map[string]string{"batchKey": "digest_EMAIL_user@example.com"}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	var back Job
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if back.ID != j.ID || back.Kind != j.Kind || back.Attempt != j.Attempt || back.MaxAttempts != j.MaxAttempts {
		t.Errorf("job fields lost in transit: %+v vs %+v", back, j)
	}
}
