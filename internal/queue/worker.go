package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/observability/tracing"
	"github.com/ordefy/ordefy/pkg/resilience"
)

const (
	DefaultBatchSize    = 25
	DefaultPollInterval = 5 * time.Second

	// finishTimeout bounds the status write after a run, which still happens
	// when the worker is shutting down.
	finishTimeout   = 10 * time.Second
	maxLastErrorLen = 2000
	noHandlerError  = "no handler"
)

// Handler processes one job. It must be idempotent: a job can run more than
// once. Wrap an error with Permanent to stop retrying.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig configures polling and retries.
type WorkerConfig struct {
	BatchSize      int
	Concurrency    int
	PollInterval   time.Duration
	HandlerTimeout time.Duration
	Retry          RetryPolicy
}

// WorkerConfigFromConfig maps the queue settings.
func WorkerConfigFromConfig(cfg config.QueueConfig) WorkerConfig {
	return WorkerConfig{
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		PollInterval:   cfg.PollInterval(),
		HandlerTimeout: cfg.HandlerTimeout,
		Retry:          RetryPolicyFromConfig(cfg),
	}
}

func (c *WorkerConfig) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	c.Retry.normalize()
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithNotifier publishes lifecycle events through n.
func WithNotifier(n Notifier) WorkerOption {
	return func(w *Worker) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithJitterSource overrides the random source used for backoff jitter.
func WithJitterSource(rnd func() float64) WorkerOption {
	return func(w *Worker) { w.rnd = rnd }
}

// Worker claims due jobs and dispatches them to topic handlers.
type Worker struct {
	store    Store
	log      logger.Logger
	config   WorkerConfig
	notifier Notifier
	now      func() time.Time
	rnd      func() float64

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a worker on store.
func NewWorker(store Store, log logger.Logger, cfg WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	w := &Worker{
		store:    store,
		log:      log,
		config:   cfg,
		notifier: NopNotifier{},
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register binds a handler to a topic. Topic spellings are normalized.
func (w *Worker) Register(topic string, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	normalized, err := NormalizeTopic(topic)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[normalized] = handler
	return nil
}

// Topics returns the registered topics.
func (w *Worker) Topics() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	topics := make([]string, 0, len(w.handlers))
	for topic := range w.handlers {
		topics = append(topics, topic)
	}
	return topics
}

// Run polls until ctx is cancelled. A full batch is followed by another
// claim straight away; otherwise the worker waits for the next tick.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("webhook worker started",
		"batch_size", w.config.BatchSize,
		"concurrency", w.config.Concurrency,
		"poll_interval", w.config.PollInterval,
		"max_attempts", w.config.Retry.MaxAttempts,
	)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := w.ProcessBatch(ctx)
		if ctx.Err() != nil {
			w.log.Info("webhook worker stopped")
			return nil
		}
		if err != nil {
			w.log.Error("webhook worker batch failed", "error", err)
		}
		if err == nil && claimed >= w.config.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("webhook worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims one batch and processes it. It returns how many jobs
// were claimed. Job failures are recorded on the jobs, not returned.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := w.store.Claim(ctx, w.config.BatchSize, w.now())
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(w.config.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "tenant_id", job.TenantID, "topic", job.Topic)

	handler, ok := w.lookupHandler(job.Topic)
	if !ok {
		log.Warn("no handler registered for webhook topic")
		w.finish(ctx, log, job, Outcome{Status: StatusFailed, LastError: noHandlerError, At: w.now()}, "no_handler", 0)
		return
	}

	attempt := job.Attempts + 1
	spanCtx, span := tracing.StartJobSpan(ctx, job.ID, job.TenantID, job.Topic, attempt)
	started := w.now()
	runErr := w.execute(spanCtx, log, job, handler)
	elapsed := w.now().Sub(started)
	tracing.End(span, runErr)

	at := w.now()
	switch {
	case runErr == nil:
		w.finish(ctx, log, job, Outcome{Status: StatusCompleted, Attempted: true, At: at}, "completed", elapsed)
	case errors.Is(runErr, ErrPermanent) || w.config.Retry.Exhausted(attempt):
		log.Warn("webhook job failed", "attempt", attempt, "error", runErr)
		w.finish(ctx, log, job, Outcome{
			Status:    StatusFailed,
			Attempted: true,
			LastError: truncateError(runErr),
			At:        at,
		}, "failed", elapsed)
	default:
		delay := w.config.Retry.Backoff(attempt, w.rnd)
		log.Info("webhook job retry scheduled", "attempt", attempt, "delay", delay, "error", runErr)
		w.finish(ctx, log, job, Outcome{
			Status:        StatusPending,
			Attempted:     true,
			NextAttemptAt: at.Add(delay),
			LastError:     truncateError(runErr),
			At:            at,
		}, "retry", elapsed)
	}
}

// execute runs handler with panic recovery and the optional timeout. The
// recover sits inside the function handed to WithTimeout because that
// function runs on its own goroutine.
func (w *Worker) execute(ctx context.Context, log logger.Logger, job *Job, handler Handler) error {
	run := func(ctx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("webhook handler panicked", "panic", rec, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic while handling job: %v", rec)
			}
		}()
		return handler(ctx, job)
	}
	if w.config.HandlerTimeout <= 0 {
		return run(ctx)
	}
	return resilience.WithTimeout(ctx, w.config.HandlerTimeout, run)
}

func (w *Worker) finish(ctx context.Context, log logger.Logger, job *Job, out Outcome, metric string, elapsed time.Duration) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if job.ClaimedAt != nil {
		out.ClaimedAt = *job.ClaimedAt
	}
	updated, err := w.store.Finish(writeCtx, job.ID, out)
	if errors.Is(err, ErrConflict) {
		log.Warn("webhook job outcome dropped, claim no longer held", "status", out.Status, "error", err)
		recordJobProcessed(job.Topic, "superseded", elapsed)
		return
	}
	if err != nil {
		log.Error("failed to record webhook job outcome", "status", out.Status, "error", err)
		recordJobProcessed(job.Topic, "record_error", elapsed)
		return
	}
	recordJobProcessed(job.Topic, metric, elapsed)

	var eventType string
	switch updated.Status {
	case StatusCompleted:
		eventType = EventJobCompleted
	case StatusFailed:
		eventType = EventJobFailed
	default:
		eventType = EventJobRetryScheduled
	}
	if err := w.notifier.Notify(writeCtx, Event{Type: eventType, Job: updated, At: out.At}); err != nil {
		log.Warn("failed to publish webhook job event", "event", eventType, "error", err)
	}
}

func (w *Worker) lookupHandler(topic string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[topic]
	return h, ok
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) <= maxLastErrorLen {
		return msg
	}
	cut := maxLastErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
