package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"notification_service/internal/infra/metrics"

	"github.com/sirupsen/logrus"
)

// Handler processes one job. A returned error sends the job back through the
// retry policy until its attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

const (
	popTimeout      = 1 * time.Second
	promoteInterval = 1 * time.Second
	pausePollDelay  = 500 * time.Millisecond
)

// Worker consumes jobs from a Queue with a fixed number of concurrent
// consumers plus a promoter goroutine that moves due delayed jobs onto the
// ready list. Per-job panics and errors are contained; the worker process
// never crashes on a bad job.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	logger      *logrus.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(q *Queue, handler Handler, concurrency int, logger *logrus.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start launches the consumer and promoter goroutines. They run until Stop.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go w.promoteLoop(ctx)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.consumeLoop(ctx)
	}
	w.logger.Infof("Queue worker started with %d consumers.", w.concurrency)
}

// Stop halts consumption and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Queue worker stopped.")
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.promoteDue(ctx); err != nil && ctx.Err() == nil {
				w.logger.Errorf("Failed to promote delayed jobs: %v", err)
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.queue.paused(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pausePollDelay):
			}
			continue
		}

		job, err := w.queue.dequeue(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Errorf("Failed to dequeue job: %v", err)
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.queue.incrActive(ctx)
	defer w.queue.decrActive(ctx)

	err := w.runHandler(ctx, job)
	if err == nil {
		metrics.JobsProcessedTotal.WithLabelValues(string(job.Kind)).Inc()
		if cErr := w.queue.complete(ctx, job); cErr != nil {
			w.logger.Errorf("Failed to record completed job %s: %v", job.ID, cErr)
		}
		return
	}

	if job.FinalAttempt() {
		metrics.JobsFailedTotal.WithLabelValues(string(job.Kind)).Inc()
	} else {
		metrics.JobsRetriedTotal.WithLabelValues(string(job.Kind)).Inc()
	}
	if rErr := w.queue.retry(ctx, job, err); rErr != nil {
		w.logger.Errorf("Failed to schedule retry for job %s: %v", job.ID, rErr)
	}
}

// runHandler invokes the handler and converts panics into ordinary errors so
// one bad job cannot take down the consumer.
func (w *Worker) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}
