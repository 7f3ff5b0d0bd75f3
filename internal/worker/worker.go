package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"gemchat/internal/chat"
	"gemchat/internal/gemini"
	"gemchat/internal/metrics"
	"gemchat/internal/queue"
	"gemchat/internal/session"
	"gemchat/internal/telegram"
)

type Worker struct {
	bot          *gotgbot.Bot
	out          telegram.Messenger
	sessions     session.Factory
	queue        *queue.StreamQueue
	inflight     *queue.InFlight
	cancels      *queue.CancelBus
	files        *http.Client
	maxFileBytes int64
	editInterval time.Duration
	jobTimeout   time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

type Config struct {
	Bot *gotgbot.Bot
	// Messenger defaults to one built from Bot.
	Messenger          telegram.Messenger
	Sessions           session.Factory
	Queue              *queue.StreamQueue
	InFlight           *queue.InFlight
	Cancels            *queue.CancelBus
	FileClient         *http.Client
	MaxAttachmentBytes int64
	EditInterval       time.Duration
	JobTimeout         time.Duration
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Messenger == nil && cfg.Bot != nil {
		cfg.Messenger = telegram.NewMessenger(cfg.Bot)
	}
	if cfg.FileClient == nil {
		cfg.FileClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = chat.MaxAttachmentBytes
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = 1200 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 4 * time.Minute
	}
	return &Worker{
		bot:          cfg.Bot,
		out:          cfg.Messenger,
		sessions:     cfg.Sessions,
		queue:        cfg.Queue,
		inflight:     cfg.InFlight,
		cancels:      cfg.Cancels,
		files:        cfg.FileClient,
		maxFileBytes: cfg.MaxAttachmentBytes,
		editInterval: cfg.EditInterval,
		jobTimeout:   cfg.JobTimeout,
		logger:       cfg.Logger,
		metrics:      m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// consumeLoop never retries: a replayed exchange would append the user's
// turn twice.
func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			if err := w.processJob(ctx, msg.Job); err != nil {
				w.metrics.FailedJobs.Inc()
				log.Error().Err(err).Str("job_id", msg.Job.JobID).Str("op", string(msg.Job.Op)).Msg("job failed")
			} else {
				w.metrics.ProcessedJobs.Inc()
			}
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
			}
		}
	}
}

// processJob runs one exchange and renders it into the chat. It returns an
// error only for failures that are not the user's doing.
func (w *Worker) processJob(ctx context.Context, job queue.ExchangeJob) error {
	log := w.logger.With().Str("job_id", job.JobID).Str("profile", job.ProfileID).Logger()
	defer w.release(job, log)

	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	r := telegram.NewStreamRenderer(context.WithoutCancel(ctx), w.out, job.ChatID, job.MessageID, w.editInterval, log)
	mgr, err := w.sessions.Open(ctx, job.ProfileID, job.ConversationID, r.Handle)
	if err != nil {
		if errors.Is(err, session.ErrConversationNotFound) {
			r.Notice(telegram.Describe(err))
			return nil
		}
		r.Notice(session.FallbackReply)
		return fmt.Errorf("open session: %w", err)
	}

	stop, err := w.cancels.Watch(ctx, job.ProfileID, func() {
		if mgr.Cancel() {
			log.Info().Msg("exchange cancelled by user")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("watch cancellations")
	} else {
		defer stop()
	}

	switch job.Op {
	case queue.OpRegenerate:
		err = mgr.Regenerate(ctx, job.Index)
	case queue.OpEdit:
		err = mgr.EditAndResend(ctx, job.Index, job.Text)
	default:
		files := w.download(ctx, job, r, log)
		if strings.TrimSpace(job.Text) == "" && len(files) == 0 {
			return nil
		}
		err = mgr.Send(ctx, job.Text, files)
	}
	return w.outcome(r, err)
}

// outcome renders errors that stopped an exchange before it started and
// decides whether the job counts as failed.
func (w *Worker) outcome(r *telegram.StreamRenderer, err error) error {
	if err == nil {
		return nil
	}
	if text := telegram.Describe(err); text != "" {
		r.Notice(text)
		return nil
	}
	if errors.Is(err, session.ErrCancelled) || errors.Is(err, gemini.ErrRateLimited) {
		return nil
	}
	if !r.Finished() {
		r.Notice(session.FallbackReply)
	}
	return err
}

// download fetches the job's attachments. Files that fail are reported in
// the chat and left out of the turn.
func (w *Worker) download(ctx context.Context, job queue.ExchangeJob, r *telegram.StreamRenderer, log zerolog.Logger) []chat.FileRef {
	if len(job.Attachments) == 0 {
		return nil
	}
	var (
		files  []chat.FileRef
		failed []string
	)
	for _, att := range job.Attachments {
		ref, err := w.fetch(ctx, att)
		if err != nil {
			log.Warn().Err(err).Str("file", att.Name).Msg("attachment skipped")
			failed = append(failed, att.Name)
			continue
		}
		files = append(files, ref)
	}
	if len(failed) > 0 {
		note := "Could not attach " + strings.Join(failed, ", ") + "."
		if strings.TrimSpace(job.Text) == "" && len(files) == 0 {
			r.Notice(note + " Nothing was sent.")
		} else if _, err := w.out.Send(context.WithoutCancel(ctx), job.ChatID, job.MessageID, note); err != nil {
			log.Warn().Err(err).Msg("send attachment note")
		}
	}
	return files
}

func (w *Worker) fetch(ctx context.Context, att queue.Attachment) (chat.FileRef, error) {
	if err := chat.CheckSize(att.Size, w.maxFileBytes); err != nil {
		return chat.FileRef{}, err
	}
	if w.bot == nil {
		return chat.FileRef{}, errors.New("no bot configured for downloads")
	}
	body, err := telegram.OpenFile(ctx, w.bot, w.files, att.FileID)
	if err != nil {
		return chat.FileRef{}, err
	}
	defer body.Close()
	return chat.ReadFileRef(att.Name, att.MimeType, body, w.maxFileBytes)
}

// release frees the profile's in-flight slot taken at ingress. It uses a
// fresh context so a timed-out job still lets go.
func (w *Worker) release(job queue.ExchangeJob, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	released, err := w.inflight.Release(ctx, job.ProfileID, job.JobID)
	if err != nil {
		log.Error().Err(err).Msg("release in-flight lock")
		return
	}
	if !released {
		log.Debug().Msg("in-flight lock already gone")
	}
}
