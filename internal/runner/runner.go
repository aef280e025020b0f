// Package runner consumes build jobs from the queue and executes them. The
// runner deliberately owns no retry policy: on failure it records the error
// on the job row and moves on, leaving remediation to the monitor.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"appfactory/internal/config"
	"appfactory/internal/models"
	"appfactory/internal/queue"
	"appfactory/internal/store"
	"appfactory/internal/telemetry"
)

// Handler executes a job for a given type and returns the build result.
type Handler func(ctx context.Context, job models.Job) (map[string]any, error)

// Runner drives the build execution loop.
type Runner struct {
	cfg            config.Config
	queue          *queue.BuildQueue
	store          *store.Store
	log            *zap.SugaredLogger
	handlers       map[string]Handler
	defaultHandler Handler
}

// New creates a runner with the default simulated build handler registered.
func New(cfg config.Config, q *queue.BuildQueue, st *store.Store, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Runner{
		cfg:      cfg,
		queue:    q,
		store:    st,
		log:      logger,
		handlers: make(map[string]Handler),
	}
	r.defaultHandler = r.handleDefault
	return r
}

// RegisterHandler binds a handler to a job type.
func (r *Runner) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	r.handlers[jobType] = handler
}

// Run starts the main loop until context cancellation. Polling is jittered so
// multiple runners against one queue don't thunder in lockstep.
func (r *Runner) Run(ctx context.Context) error {
	ticker := jitterbug.New(r.cfg.RunnerPollInterval, &jitterbug.Norm{Stdev: 50 * time.Millisecond})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		_, _ = r.queue.PromoteScheduled(ctx, time.Now(), int64(r.cfg.ScheduledBatchSize))
		if reclaimed, _ := r.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			r.log.Warnw("reclaimed expired leases", "job_ids", reclaimed)
		}
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}

		jobID, err := r.queue.DequeueWithLease(ctx)
		if err != nil {
			r.log.Errorw("dequeue", "error", err)
			continue
		}
		if jobID == "" {
			continue
		}
		r.runOne(ctx, jobID)
	}
}

func (r *Runner) runOne(ctx context.Context, jobID string) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		r.log.Errorw("load job", "job_id", jobID, "error", err)
		_ = r.queue.Ack(ctx, jobID)
		return
	}
	switch job.Status {
	case models.StatusCompleted, models.StatusFailed:
		// The monitor or an operator already settled it.
		_ = r.queue.Ack(ctx, jobID)
		return
	}

	if err := r.store.MarkRunning(ctx, job.ID); err != nil {
		r.log.Errorw("mark running", "job_id", job.ID, "error", err)
		_ = r.queue.Ack(ctx, jobID)
		return
	}
	_ = r.store.AppendEvent(ctx, job.ID, "build_started", fmt.Sprintf("provider=%s", job.Provider()))

	result, err := r.execute(ctx, job)
	_ = r.queue.Ack(ctx, job.ID)
	if err != nil {
		// Record the error and leave status alone; the monitor classifies it
		// and decides between requeue and escalation.
		if serr := r.store.SetJobError(ctx, job.ID, err.Error()); serr != nil {
			r.log.Errorw("record build error", "job_id", job.ID, "error", serr)
		}
		_ = r.store.AppendEvent(ctx, job.ID, "build_errored", err.Error())
		r.log.Warnw("build errored", "job_id", job.ID, "error", err)
		return
	}

	if err := r.store.MarkCompleted(ctx, job.ID, result); err != nil {
		r.log.Errorw("mark completed", "job_id", job.ID, "error", err)
		return
	}
	_ = r.store.AppendEvent(ctx, job.ID, "build_completed", "")
	r.log.Infow("build completed", "job_id", job.ID)
}

func (r *Runner) execute(ctx context.Context, job models.Job) (map[string]any, error) {
	handler, ok := r.handlers[job.Type]
	if !ok {
		if r.defaultHandler == nil {
			return nil, fmt.Errorf("no handler registered for type %q", job.Type)
		}
		handler = r.defaultHandler
	}
	return handler(ctx, job)
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

// handleDefault simulates a build, driven by payload flags. Real generation
// handlers are registered by the embedding binary.
func (r *Runner) handleDefault(ctx context.Context, job models.Job) (map[string]any, error) {
	if msg, ok := job.Payload["fail_with"].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}
	if val, ok := job.Payload["should_fail"].(bool); ok && val {
		return nil, errors.New("simulated failure requested by payload.should_fail")
	}
	if ms, ok := asInt(job.Payload["duration_ms"]); ok && ms > 0 {
		sleep := time.Duration(ms) * time.Millisecond
		// If work would exceed the lease, extend once up front.
		if sleep > r.cfg.VisibilityTimeout/2 {
			_ = r.queue.ExtendLease(ctx, job.ID, sleep)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return map[string]any{
		"provider":     job.Provider(),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
