// Package worker runs the Embedding Workers pool (spec §4.E): each worker
// claims and processes its own jobs, dequeues in batches, and
// cooperatively stops on SIGINT/SIGTERM via a shared running flag. The
// message read, embedding upsert and job-outcome update for one job run as
// separate statements on the shared pool, not inside one unit of work.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dovos/conversation-archive/internal/domain"
	"github.com/dovos/conversation-archive/internal/embedder"
	"github.com/dovos/conversation-archive/internal/events"
	"github.com/dovos/conversation-archive/internal/queue"
	"github.com/dovos/conversation-archive/internal/store"
)

// Pool runs N embedding workers concurrently (spec §4.E's "parallel OS
// threads or equivalent" scheduling model).
type Pool struct {
	db        *store.DB
	queue     *queue.Queue
	oracle    embedder.Oracle
	publisher *events.Publisher
	limiter   *rate.Limiter
	logger    *logrus.Logger

	size      int
	batchSize int

	running int32
	wg      sync.WaitGroup
}

// NewPool builds a pool of size workers, each capped by limiter for its
// embed() calls (spec §5, "embedding computation may block on GPU/CPU").
func NewPool(db *store.DB, q *queue.Queue, oracle embedder.Oracle, publisher *events.Publisher, limiter *rate.Limiter, logger *logrus.Logger, size, batchSize int) *Pool {
	return &Pool{db: db, queue: q, oracle: oracle, publisher: publisher, limiter: limiter, logger: logger, size: size, batchSize: batchSize}
}

// Start launches the worker goroutines. Call Stop to request a graceful
// shutdown.
func (p *Pool) Start(ctx context.Context) {
	atomic.StoreInt32(&p.running, 1)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop flips the shared running flag; in-flight jobs finish, the next loop
// iteration exits. Waits up to timeout before returning (abandoned workers'
// jobs stay `running` until the queue's cleanup sweep reclaims them).
func (p *Pool) Stop(timeout time.Duration) {
	atomic.StoreInt32(&p.running, 0)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("worker: shutdown timed out, abandoning in-flight jobs")
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker_id", id)

	for atomic.LoadInt32(&p.running) == 1 {
		n := p.runBatch(ctx, log)
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

// runBatch dequeues up to batchSize jobs and processes each; returns the
// number of jobs it actually claimed.
func (p *Pool) runBatch(ctx context.Context, log *logrus.Entry) int {
	claimed := 0
	for i := 0; i < p.batchSize; i++ {
		job, err := p.queue.Dequeue(ctx, []string{domain.JobKindGenerateEmbedding})
		if err != nil {
			log.WithError(err).Warn("worker: dequeue failed")
			break
		}
		if job == nil {
			break
		}
		claimed++
		p.process(ctx, job, log)
	}
	return claimed
}

func (p *Pool) process(ctx context.Context, job *domain.Job, log *logrus.Entry) {
	started := time.Now()

	messageIDRaw, _ := job.Payload["message_id"].(string)
	content, _ := job.Payload["content"].(string)
	if messageIDRaw == "" || content == "" {
		log.WithField("job_id", job.ID).Warn("worker: invalid payload")
		if err := p.queue.FailWithoutRetry(ctx, job, started); err != nil {
			log.WithError(err).Error("worker: mark invalid job failed")
		}
		p.publish(ctx, events.TopicJobFailed, job, "invalid_payload")
		return
	}

	messageID, err := uuid.Parse(messageIDRaw)
	if err != nil {
		log.WithField("job_id", job.ID).Warn("worker: malformed message_id")
		_ = p.queue.FailWithoutRetry(ctx, job, started)
		p.publish(ctx, events.TopicJobFailed, job, "invalid_payload")
		return
	}

	if _, err := p.db.Messages().GetByID(ctx, messageID); err != nil {
		log.WithField("job_id", job.ID).Warn("worker: message missing")
		_ = p.queue.FailWithoutRetry(ctx, job, started)
		p.publish(ctx, events.TopicJobFailed, job, "message_missing")
		return
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
	}

	vector, err := p.oracle.Embed(ctx, content)
	if err != nil {
		log.WithError(err).WithField("job_id", job.ID).Warn("worker: embedding oracle error, retrying")
		if err := p.queue.Fail(ctx, job, started); err != nil {
			log.WithError(err).Error("worker: mark failed")
		}
		p.publish(ctx, events.TopicJobFailed, job, "embedding_oracle_error")
		return
	}

	model, _ := job.Payload["model"].(string)
	if model == "" {
		model = p.oracle.Model()
	}
	if _, err := p.db.Embeddings().CreateOrUpdate(ctx, messageID, vector, model); err != nil {
		log.WithError(err).WithField("job_id", job.ID).Warn("worker: persist embedding failed, retrying")
		_ = p.queue.Fail(ctx, job, started)
		p.publish(ctx, events.TopicJobFailed, job, "store_error")
		return
	}

	if err := p.queue.Complete(ctx, job, started); err != nil {
		log.WithError(err).Error("worker: mark completed")
		return
	}
	p.publish(ctx, events.TopicJobCompleted, job, "completed")
}

func (p *Pool) publish(ctx context.Context, topic string, job *domain.Job, outcome string) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(ctx, topic, map[string]interface{}{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"outcome": outcome,
	})
}
