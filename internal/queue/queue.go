// Package queue is a thin service layer over the Store's JobRepository
// (spec §4.D), adding the exponential-backoff policy object and the
// Prometheus instrumentation the teacher's cmd/server/main.go wires for
// every long-running loop.
package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dovos/conversation-archive/internal/domain"
	"github.com/dovos/conversation-archive/internal/store"
)

var (
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conversation_archive_queue_depth",
		Help: "Number of jobs per status.",
	}, []string{"status"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "conversation_archive_job_duration_seconds",
		Help: "Time spent processing a job from dequeue to mark-outcome.",
	}, []string{"kind", "outcome"})
)

func init() {
	prometheus.MustRegister(queueDepth, jobDuration)
}

// Queue wraps the Store's JobRepository with the backoff policy and
// metrics instrumentation every SPEC_FULL component shares.
type Queue struct {
	db                *store.DB
	retryDelayMinutes int
	maxAttempts       int
	logger            *logrus.Logger
}

// New builds a Queue service.
func New(db *store.DB, retryDelayMinutes, maxAttempts int, logger *logrus.Logger) *Queue {
	return &Queue{db: db, retryDelayMinutes: retryDelayMinutes, maxAttempts: maxAttempts, logger: logger}
}

// Enqueue adds a job for immediate execution.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload map[string]interface{}) (int64, error) {
	return q.db.Jobs().Enqueue(ctx, kind, payload, time.Time{})
}

// Dequeue claims the next eligible job of the given kinds, recording the
// resulting queue depth gauge.
func (q *Queue) Dequeue(ctx context.Context, kinds []string) (*domain.Job, error) {
	job, err := q.db.Jobs().DequeueNext(ctx, kinds, q.maxAttempts)
	if err != nil {
		return nil, err
	}
	q.refreshDepth(ctx)
	return job, nil
}

// Complete marks a job completed and records its duration.
func (q *Queue) Complete(ctx context.Context, job *domain.Job, started time.Time) error {
	if err := q.db.Jobs().MarkCompleted(ctx, job.ID); err != nil {
		return err
	}
	jobDuration.WithLabelValues(job.Kind, "completed").Observe(time.Since(started).Seconds())
	q.refreshDepth(ctx)
	return nil
}

// Fail marks a job failed with retry. The exponential-backoff not_before
// arithmetic (spec §4.D) lives in JobRepository.MarkFailed, which reads the
// job's attempts and computes not_before itself; BackoffPolicy only exposes
// the same schedule to client-side callers and is not used here.
func (q *Queue) Fail(ctx context.Context, job *domain.Job, started time.Time) error {
	if err := q.db.Jobs().MarkFailed(ctx, job.ID, q.retryDelayMinutes, q.maxAttempts); err != nil {
		return err
	}
	jobDuration.WithLabelValues(job.Kind, "failed").Observe(time.Since(started).Seconds())
	q.refreshDepth(ctx)
	return nil
}

// FailWithoutRetry marks a job failed immediately (JobPayloadInvalid,
// MessageMissing — spec §7).
func (q *Queue) FailWithoutRetry(ctx context.Context, job *domain.Job, started time.Time) error {
	if err := q.db.Jobs().FailWithoutRetry(ctx, job.ID); err != nil {
		return err
	}
	jobDuration.WithLabelValues(job.Kind, "failed_no_retry").Observe(time.Since(started).Seconds())
	q.refreshDepth(ctx)
	return nil
}

// CleanupStuck reverts running rows stale for longer than staleAfter.
func (q *Queue) CleanupStuck(ctx context.Context, staleAfter time.Duration) (int64, error) {
	n, err := q.db.Jobs().CleanupStuck(ctx, staleAfter)
	if err == nil && n > 0 {
		q.logger.WithField("count", n).Info("queue: recovered stuck jobs")
	}
	return n, err
}

// CleanupCompleted prunes completed rows older than retention.
func (q *Queue) CleanupCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	return q.db.Jobs().CleanupCompleted(ctx, retention)
}

func (q *Queue) refreshDepth(ctx context.Context) {
	stats, err := q.db.Jobs().GetQueueStats(ctx)
	if err != nil {
		return
	}
	queueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	queueDepth.WithLabelValues("running").Set(float64(stats.Running))
	queueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
	queueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
}

// BackoffPolicy exposes the retry_minutes * 2^(attempts-1) schedule as a
// backoff.BackOff, grounded on cenkalti/backoff's ExponentialBackOff and
// used by callers (e.g. the transcript oracle client) that need a
// client-side retry loop with the same cadence the Job Queue uses
// server-side.
func (q *Queue) BackoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(q.retryDelayMinutes) * time.Minute
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = b.InitialInterval
	for i := 1; i < q.maxAttempts; i++ {
		b.MaxInterval *= 2
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(q.maxAttempts))
}
