// Package monitor watches active build jobs and drives the remediation state
// machine: classify the failure, ask the selector for a fix, requeue with
// backoff while retry budget remains, escalate to the backlog when it runs out.
package monitor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"appfactory/internal/autofix"
	"appfactory/internal/classify"
	"appfactory/internal/config"
	"appfactory/internal/models"
	"appfactory/internal/store"
	"appfactory/internal/telemetry"
)

// JobStore is the slice of the persistence layer the monitor needs.
type JobStore interface {
	ListActive(ctx context.Context, types ...string) ([]models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, id string, u store.JobUpdate) error
	FailWithBacklog(ctx context.Context, id string, message string, item models.BacklogItem) error
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Requeuer schedules a job id for another runner attempt.
type Requeuer interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
}

// Stats are the lifetime counters exposed on the control surface.
type Stats struct {
	TotalMonitored      int     `json:"totalMonitored"`
	AutoFixesApplied    int     `json:"autoFixesApplied"`
	BacklogItemsCreated int     `json:"backlogItemsCreated"`
	SuccessRate         float64 `json:"successRate"`
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	IsRunning    bool       `json:"isRunning"`
	ActiveBuilds []string   `json:"activeBuilds"`
	LastCheck    *time.Time `json:"lastCheck"`
	Stats        Stats      `json:"stats"`
}

// Monitor owns all monitoring state. Construct one per process (or per test);
// nothing is shared at package scope.
type Monitor struct {
	store    JobStore
	queue    Requeuer
	selector *autofix.Selector
	log      *zap.SugaredLogger

	pollInterval   time.Duration
	jobTimeout     time.Duration
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	tracked   map[string]struct{}
	lastCheck time.Time

	totalMonitored int
	autoFixes      int
	backlogItems   int
	completed      int
	failed         int
}

// New constructs a stopped monitor with injected dependencies.
func New(cfg config.Config, st JobStore, q Requeuer, sel *autofix.Selector, logger *zap.SugaredLogger) *Monitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Monitor{
		store:          st,
		queue:          q,
		selector:       sel,
		log:            logger,
		pollInterval:   cfg.MonitorPollInterval,
		jobTimeout:     cfg.JobTimeout,
		maxRetries:     cfg.MaxRetries,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		tracked:        make(map[string]struct{}),
	}
}

// Start begins one immediate pass and then the recurring timer. Calling Start
// on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	m.log.Infow("build monitor started", "poll_interval", m.pollInterval)
	go m.loop(stop)
}

// Stop halts the timer. Remediations already applied are not rolled back.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
	m.log.Infow("build monitor stopped")
}

// TriggerCheck runs one pass on demand, independent of the timer.
func (m *Monitor) TriggerCheck(ctx context.Context) {
	m.runCheck(ctx)
}

// IsRunning reports whether the recurring timer is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status returns a snapshot for the control surface.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		active = append(active, id)
	}
	sort.Strings(active)

	var last *time.Time
	if !m.lastCheck.IsZero() {
		t := m.lastCheck
		last = &t
	}

	rate := 0.0
	if done := m.completed + m.failed; done > 0 {
		rate = float64(m.completed) / float64(done)
	}

	return Status{
		IsRunning:    m.running,
		ActiveBuilds: active,
		LastCheck:    last,
		Stats: Stats{
			TotalMonitored:      m.totalMonitored,
			AutoFixesApplied:    m.autoFixes,
			BacklogItemsCreated: m.backlogItems,
			SuccessRate:         rate,
		},
	}
}

// loop runs ticks sequentially on a single goroutine, so passes never overlap.
func (m *Monitor) loop(stop <-chan struct{}) {
	m.runCheck(context.Background())

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runCheck(context.Background())
		}
	}
}

// runCheck is one full pass: re-read active jobs from the store (never trust
// in-memory copies across ticks), settle jobs that left the active set, then
// remediate whatever is erroring or timed out.
func (m *Monitor) runCheck(ctx context.Context) {
	jobs, err := m.store.ListActive(ctx, models.TypeBuildApp)
	if err != nil {
		m.log.Errorw("list active jobs", "error", err)
		m.finishCheck()
		return
	}

	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = struct{}{}
	}
	m.settleDeparted(ctx, seen)

	for _, job := range jobs {
		// One bad row must not halt monitoring of the rest of the batch.
		if err := m.processJob(ctx, job); err != nil {
			m.log.Errorw("process job", "job_id", job.ID, "error", err)
		}
	}

	m.finishCheck()
}

func (m *Monitor) finishCheck() {
	m.mu.Lock()
	m.lastCheck = time.Now().UTC()
	telemetry.ActiveBuilds.Set(float64(len(m.tracked)))
	m.mu.Unlock()
	telemetry.MonitorTicks.Inc()
}

// settleDeparted untracks jobs that no longer appear in the active set and
// counts their final outcome.
func (m *Monitor) settleDeparted(ctx context.Context, seen map[string]struct{}) {
	m.mu.Lock()
	var departed []string
	for id := range m.tracked {
		if _, ok := seen[id]; !ok {
			departed = append(departed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range departed {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			m.log.Errorw("settle departed job", "job_id", id, "error", err)
			m.untrack(id)
			continue
		}
		m.mu.Lock()
		switch job.Status {
		case models.StatusFailed:
			m.failed++
			telemetry.BuildsFailed.Inc()
		default:
			m.completed++
			telemetry.BuildsCompleted.Inc()
		}
		delete(m.tracked, id)
		m.mu.Unlock()
		m.log.Infow("build left active set", "job_id", id, "status", job.Status)
	}
}

func (m *Monitor) untrack(id string) {
	m.mu.Lock()
	delete(m.tracked, id)
	m.mu.Unlock()
}

func (m *Monitor) processJob(ctx context.Context, job models.Job) error {
	m.mu.Lock()
	if _, ok := m.tracked[job.ID]; !ok {
		m.tracked[job.ID] = struct{}{}
		m.totalMonitored++
		m.log.Infow("monitoring build", "job_id", job.ID, "status", job.Status)
	}
	m.mu.Unlock()

	errMsg := job.ErrorMessage()
	if errMsg == "" {
		if time.Since(job.CreatedAt) > m.jobTimeout {
			errMsg = fmt.Sprintf("build timed out after %s", m.jobTimeout)
			m.log.Warnw("build exceeded timeout", "job_id", job.ID, "created_at", job.CreatedAt)
		} else {
			return nil
		}
	}
	return m.remediate(ctx, job, errMsg)
}

// remediate runs the classify -> select -> apply pipeline for one erroring job.
func (m *Monitor) remediate(ctx context.Context, job models.Job, errMsg string) error {
	kind := classify.Classify(errMsg)
	fix := m.selector.AttemptFix(&job, kind)
	retries := job.RetryCount()

	if fix.Retryable && retries < m.maxRetries {
		return m.requeue(ctx, job, kind, fix, retries)
	}
	return m.escalate(ctx, job, kind, fix, errMsg, retries)
}

func (m *Monitor) requeue(ctx context.Context, job models.Job, kind classify.Kind, fix autofix.Fix, retries int) error {
	payload := job.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payload[models.PayloadRetryCount] = retries + 1
	if fix.Applied {
		payload[models.PayloadLastFix] = fix.Method
	}

	status := models.StatusQueued
	if err := m.store.UpdateJob(ctx, job.ID, store.JobUpdate{
		Status:     &status,
		ClearError: true,
		Payload:    payload,
	}); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}

	runAt := time.Now().Add(backoffWithJitter(m.backoffInitial, m.backoffMax, retries+1))
	if m.queue != nil {
		if err := m.queue.Enqueue(ctx, job.ID, runAt); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
	}

	if fix.Applied {
		m.mu.Lock()
		m.autoFixes++
		m.mu.Unlock()
		telemetry.AutoFixesApplied.Inc()
	}

	detail := fmt.Sprintf("kind=%s fix=%s retry=%d next_run=%s", kind, fix.Method, retries+1, runAt.UTC().Format(time.RFC3339))
	_ = m.store.AppendEvent(ctx, job.ID, "remediation_applied", detail)
	m.log.Infow("build requeued",
		"job_id", job.ID, "error_kind", kind, "fix", fix.Method, "retry", retries+1)
	return nil
}

func (m *Monitor) escalate(ctx context.Context, job models.Job, kind classify.Kind, fix autofix.Fix, errMsg string, retries int) error {
	lastFix := fix.Method
	if v, ok := job.Payload[models.PayloadLastFix].(string); ok && v != "" {
		lastFix = v
	}

	message := fmt.Sprintf("Failed after %d attempts: %s", m.maxRetries, errMsg)
	item := models.BacklogItem{
		JobID:        job.ID,
		ErrorKind:    string(kind),
		ErrorMessage: errMsg,
		LastFix:      lastFix,
		Retries:      retries,
	}
	if err := m.store.FailWithBacklog(ctx, job.ID, message, item); err != nil {
		return fmt.Errorf("escalate job: %w", err)
	}

	m.mu.Lock()
	m.backlogItems++
	m.failed++
	delete(m.tracked, job.ID)
	m.mu.Unlock()
	telemetry.BacklogCreated.Inc()
	telemetry.BuildsFailed.Inc()

	_ = m.store.AppendEvent(ctx, job.ID, "escalated", fmt.Sprintf("kind=%s last_fix=%s retries=%d", kind, lastFix, retries))
	m.log.Warnw("build escalated to backlog",
		"job_id", job.ID, "error_kind", kind, "last_fix", lastFix, "retries", retries)
	return nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
