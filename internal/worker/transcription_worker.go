package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dovos/conversation-archive/internal/domain"
	"github.com/dovos/conversation-archive/internal/events"
	"github.com/dovos/conversation-archive/internal/queue"
	"github.com/dovos/conversation-archive/internal/store"
)

// Transcript is what the optional Transcript oracle returns (spec §6).
type Transcript struct {
	Text        string
	Language    string
	IsGenerated bool
	DurationSec float64
}

// TranscriptOracle fetches a transcript for a YouTube video id. Optional:
// when nil, the TranscriptionPool marks every job failed without retry
// rather than spinning on a capability that was never configured.
type TranscriptOracle interface {
	FetchTranscript(ctx context.Context, videoID string, languages []string) (Transcript, error)
}

// TranscriptionPool mirrors Pool's loop shape for kind=youtube_transcription
// jobs (spec §4.E, last paragraph): same dequeue/process/mark-outcome
// pattern, writing the result into the message's metadata.transcript*
// fields instead of into message_embeddings.
type TranscriptionPool struct {
	db        *store.DB
	queue     *queue.Queue
	oracle    TranscriptOracle
	publisher *events.Publisher
	logger    *logrus.Logger

	size    int
	running int32
	wg      sync.WaitGroup
}

// NewTranscriptionPool builds a transcription worker pool.
func NewTranscriptionPool(db *store.DB, q *queue.Queue, oracle TranscriptOracle, publisher *events.Publisher, logger *logrus.Logger, size int) *TranscriptionPool {
	return &TranscriptionPool{db: db, queue: q, oracle: oracle, publisher: publisher, logger: logger, size: size}
}

// Start launches the pool's goroutines.
func (p *TranscriptionPool) Start(ctx context.Context) {
	atomic.StoreInt32(&p.running, 1)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop requests graceful shutdown, as Pool.Stop does.
func (p *TranscriptionPool) Stop(timeout time.Duration) {
	atomic.StoreInt32(&p.running, 0)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("transcription worker: shutdown timed out, abandoning in-flight jobs")
	}
}

func (p *TranscriptionPool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker_id", id)

	for atomic.LoadInt32(&p.running) == 1 {
		job, err := p.queue.Dequeue(ctx, []string{domain.JobKindYouTubeTranscription})
		if err != nil {
			log.WithError(err).Warn("transcription worker: dequeue failed")
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		p.process(ctx, job, log)
	}
}

func (p *TranscriptionPool) process(ctx context.Context, job *domain.Job, log *logrus.Entry) {
	started := time.Now()

	messageIDRaw, _ := job.Payload["message_id"].(string)
	videoID, _ := job.Payload["video_id"].(string)
	if messageIDRaw == "" || videoID == "" || p.oracle == nil {
		_ = p.queue.FailWithoutRetry(ctx, job, started)
		return
	}

	messageID, err := uuid.Parse(messageIDRaw)
	if err != nil {
		_ = p.queue.FailWithoutRetry(ctx, job, started)
		return
	}

	message, err := p.db.Messages().GetByID(ctx, messageID)
	if err != nil {
		_ = p.queue.FailWithoutRetry(ctx, job, started)
		return
	}

	transcript, err := p.oracle.FetchTranscript(ctx, videoID, []string{"en"})
	if err != nil {
		log.WithError(err).WithField("job_id", job.ID).Warn("transcription worker: oracle error, retrying")
		_ = p.queue.Fail(ctx, job, started)
		return
	}

	if message.Metadata == nil {
		message.Metadata = domain.Metadata{}
	}
	message.Metadata["transcript_text"] = transcript.Text
	message.Metadata["transcript_language"] = transcript.Language
	message.Metadata["transcript_is_generated"] = transcript.IsGenerated
	message.Metadata["transcript_duration_sec"] = transcript.DurationSec

	if err := p.db.WithinUnitOfWork(ctx, func(uow *store.UnitOfWork) error {
		return uow.Messages().UpdateMetadata(ctx, message.ID, message.Metadata)
	}); err != nil {
		log.WithError(err).WithField("job_id", job.ID).Warn("transcription worker: persist failed, retrying")
		_ = p.queue.Fail(ctx, job, started)
		return
	}

	_ = p.queue.Complete(ctx, job, started)
}
