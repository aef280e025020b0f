package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"appfactory/internal/autofix"
	"appfactory/internal/config"
	"appfactory/internal/models"
	"appfactory/internal/store"
)

// fakeStore is an in-memory JobStore recording every mutation.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	backlog []models.BacklogItem
	events  []models.JobEvent
	updates int
}

func newFakeStore(jobs ...*models.Job) *fakeStore {
	fs := &fakeStore{jobs: make(map[string]*models.Job)}
	for _, j := range jobs {
		fs.jobs[j.ID] = j
	}
	return fs
}

func (f *fakeStore) ListActive(_ context.Context, types ...string) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		switch j.Status {
		case models.StatusPending, models.StatusQueued, models.StatusRunning:
		default:
			continue
		}
		if len(types) > 0 && j.Type != types[0] {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return *j, nil
}

func (f *fakeStore) UpdateJob(_ context.Context, id string, u store.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	f.updates++
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.ClearError {
		j.Error = nil
	} else if u.Error != nil {
		j.Error = u.Error
	}
	if u.Payload != nil {
		j.Payload = u.Payload
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	return nil
}

func (f *fakeStore) FailWithBacklog(_ context.Context, id string, message string, item models.BacklogItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = models.StatusFailed
	j.Error = &message
	f.backlog = append(f.backlog, item)
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, jobID, event, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, models.JobEvent{JobID: jobID, Event: event, Detail: detail})
	return nil
}

// fakeQueue records retry schedules.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		MonitorPollInterval: 5 * time.Second,
		JobTimeout:          10 * time.Minute,
		MaxRetries:          3,
		BackoffInitial:      2 * time.Second,
		BackoffMax:          60 * time.Second,
	}
}

func newTestMonitor(fs *fakeStore, keys map[string]string) (*Monitor, *fakeQueue) {
	q := &fakeQueue{}
	sel := autofix.NewSelector(autofix.NewRegistryWithKeys(keys))
	return New(testConfig(), fs, q, sel, nil), q
}

func strPtr(s string) *string { return &s }

func activeJob(id string, retries int, errMsg string) *models.Job {
	j := &models.Job{
		ID:        id,
		Type:      models.TypeBuildApp,
		Status:    models.StatusRunning,
		Payload:   map[string]any{models.PayloadRetryCount: retries},
		CreatedAt: time.Now().Add(-time.Minute),
	}
	if errMsg != "" {
		j.Error = strPtr(errMsg)
	}
	return j
}

// The end-to-end quota scenario: the runner records a 429 while the job is
// still running; one tick must fall back to another provider, requeue the
// job, bump retryCount, and clear the error.
func TestTickRemediatesQuotaError(t *testing.T) {
	job := activeJob("j1", 0, "429 rate limit exceeded")
	job.Payload[models.PayloadProvider] = autofix.ProviderGemini
	fs := newFakeStore(job)
	m, q := newTestMonitor(fs, map[string]string{
		autofix.ProviderGemini: "k1",
		autofix.ProviderOpenAI: "k2",
	})

	m.TriggerCheck(context.Background())

	got, _ := fs.GetJob(context.Background(), "j1")
	if got.Status != models.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if got.Error != nil {
		t.Fatalf("error should be cleared, got %q", *got.Error)
	}
	if got.RetryCount() != 1 {
		t.Fatalf("retryCount = %d, want 1", got.RetryCount())
	}
	if got.Provider() != autofix.ProviderOpenAI {
		t.Fatalf("provider = %s, want openai fallback", got.Provider())
	}
	if got.Payload[models.PayloadLastFix] != autofix.MethodProviderFallback {
		t.Fatalf("lastFix = %v, want provider_fallback", got.Payload[models.PayloadLastFix])
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "j1" {
		t.Fatalf("expected one retry scheduled for j1, got %v", q.enqueued)
	}

	st := m.Status()
	if st.Stats.AutoFixesApplied != 1 || st.Stats.TotalMonitored != 1 {
		t.Fatalf("stats = %+v", st.Stats)
	}
}

// Retry budget: at retryCount=2 a retryable error still requeues (to 3); the
// next retryable error escalates and produces exactly one backlog record.
func TestRetryExhaustionEscalates(t *testing.T) {
	job := activeJob("j1", 2, "network unreachable")
	fs := newFakeStore(job)
	m, _ := newTestMonitor(fs, nil)
	ctx := context.Background()

	m.TriggerCheck(ctx)

	got, _ := fs.GetJob(ctx, "j1")
	if got.Status != models.StatusQueued || got.RetryCount() != 3 {
		t.Fatalf("after first tick: status=%s retryCount=%d, want queued/3", got.Status, got.RetryCount())
	}
	if len(fs.backlog) != 0 {
		t.Fatalf("no backlog expected yet, got %d items", len(fs.backlog))
	}

	// The runner fails again.
	if err := fs.UpdateJob(ctx, "j1", store.JobUpdate{Error: strPtr("network unreachable")}); err != nil {
		t.Fatalf("set error: %v", err)
	}

	m.TriggerCheck(ctx)

	got, _ = fs.GetJob(ctx, "j1")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	want := "Failed after 3 attempts: network unreachable"
	if got.ErrorMessage() != want {
		t.Fatalf("error = %q, want %q", got.ErrorMessage(), want)
	}
	if len(fs.backlog) != 1 {
		t.Fatalf("backlog items = %d, want exactly 1", len(fs.backlog))
	}
	item := fs.backlog[0]
	if item.JobID != "j1" || item.ErrorKind != "NETWORK_ERROR" || item.Retries != 3 {
		t.Fatalf("backlog item = %+v", item)
	}
}

// Non-retryable kinds skip the retry budget entirely.
func TestFilesystemErrorEscalatesImmediately(t *testing.T) {
	job := activeJob("j1", 0, "ENOENT: no such file or directory")
	fs := newFakeStore(job)
	m, q := newTestMonitor(fs, nil)

	m.TriggerCheck(context.Background())

	got, _ := fs.GetJob(context.Background(), "j1")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if len(fs.backlog) != 1 || fs.backlog[0].ErrorKind != "FILE_SYSTEM_ERROR" {
		t.Fatalf("backlog = %+v", fs.backlog)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("no retry should be scheduled, got %v", q.enqueued)
	}
}

// A job created 11 minutes ago with no error must be timed out and routed
// through the normal remediation path (TIMEOUT is retryable).
func TestStaleJobSynthesizesTimeout(t *testing.T) {
	job := activeJob("j1", 0, "")
	job.CreatedAt = time.Now().Add(-11 * time.Minute)
	fs := newFakeStore(job)
	m, q := newTestMonitor(fs, nil)

	m.TriggerCheck(context.Background())

	got, _ := fs.GetJob(context.Background(), "j1")
	if got.Status != models.StatusQueued || got.RetryCount() != 1 {
		t.Fatalf("status=%s retryCount=%d, want queued/1", got.Status, got.RetryCount())
	}
	if got.Payload[models.PayloadLastFix] != autofix.MethodRetryWithBackoff {
		t.Fatalf("lastFix = %v, want retry_with_backoff", got.Payload[models.PayloadLastFix])
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected one retry scheduled, got %v", q.enqueued)
	}
}

// Fresh jobs with no error are untouched.
func TestHealthyJobLeftAlone(t *testing.T) {
	fs := newFakeStore(activeJob("j1", 0, ""))
	m, q := newTestMonitor(fs, nil)

	m.TriggerCheck(context.Background())

	got, _ := fs.GetJob(context.Background(), "j1")
	if got.Status != models.StatusRunning || fs.updates != 0 {
		t.Fatalf("healthy job mutated: status=%s updates=%d", got.Status, fs.updates)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("nothing should be scheduled, got %v", q.enqueued)
	}
	st := m.Status()
	if st.Stats.TotalMonitored != 1 || len(st.ActiveBuilds) != 1 {
		t.Fatalf("status = %+v", st)
	}
}

// Two back-to-back manual passes over an empty store must both be no-ops.
func TestTriggerCheckIdempotentOnEmptyStore(t *testing.T) {
	fs := newFakeStore()
	m, _ := newTestMonitor(fs, nil)
	ctx := context.Background()

	m.TriggerCheck(ctx)
	m.TriggerCheck(ctx)

	if fs.updates != 0 || len(fs.backlog) != 0 || len(fs.events) != 0 {
		t.Fatalf("empty-store pass mutated state: updates=%d backlog=%d events=%d",
			fs.updates, len(fs.backlog), len(fs.events))
	}
	st := m.Status()
	if st.LastCheck == nil {
		t.Fatalf("lastCheck should be stamped")
	}
	if st.Stats.TotalMonitored != 0 {
		t.Fatalf("nothing was monitored, stats = %+v", st.Stats)
	}
}

// A tracked job that disappears from the active set was completed externally.
func TestCompletedJobUntracked(t *testing.T) {
	job := activeJob("j1", 0, "")
	fs := newFakeStore(job)
	m, _ := newTestMonitor(fs, nil)
	ctx := context.Background()

	m.TriggerCheck(ctx)
	if st := m.Status(); len(st.ActiveBuilds) != 1 {
		t.Fatalf("expected j1 tracked, got %v", st.ActiveBuilds)
	}

	status := models.StatusCompleted
	if err := fs.UpdateJob(ctx, "j1", store.JobUpdate{Status: &status}); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	m.TriggerCheck(ctx)
	st := m.Status()
	if len(st.ActiveBuilds) != 0 {
		t.Fatalf("j1 should be untracked, got %v", st.ActiveBuilds)
	}
	if st.Stats.SuccessRate != 1.0 {
		t.Fatalf("successRate = %v, want 1.0", st.Stats.SuccessRate)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	fs := newFakeStore()
	m, _ := newTestMonitor(fs, nil)

	m.Start()
	m.Start() // no-op on a running monitor
	if !m.IsRunning() {
		t.Fatalf("monitor should be running")
	}
	m.Stop()
	m.Stop() // no-op on a stopped monitor
	if m.IsRunning() {
		t.Fatalf("monitor should be stopped")
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := 2 * time.Second
	max := 60 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		b := backoffWithJitter(base, max, attempt)
		if b < base/2 || b > max {
			t.Fatalf("attempt %d: backoff %s out of [%s, %s]", attempt, b, base/2, max)
		}
	}
}

// One store failure must not stop the rest of the batch from being processed.
func TestBadJobDoesNotHaltBatch(t *testing.T) {
	good := activeJob("j-good", 0, "network unreachable")
	bad := activeJob("j-bad", 0, "network unreachable")
	fs := newFakeStore(good, bad)
	failing := &failingUpdateStore{fakeStore: fs, failID: "j-bad"}
	q := &fakeQueue{}
	sel := autofix.NewSelector(autofix.NewRegistryWithKeys(nil))
	m := New(testConfig(), failing, q, sel, nil)

	m.TriggerCheck(context.Background())

	got, _ := fs.GetJob(context.Background(), "j-good")
	if got.Status != models.StatusQueued {
		t.Fatalf("good job not remediated: status=%s", got.Status)
	}
}

type failingUpdateStore struct {
	*fakeStore
	failID string
}

func (f *failingUpdateStore) UpdateJob(ctx context.Context, id string, u store.JobUpdate) error {
	if id == f.failID {
		return fmt.Errorf("store unavailable")
	}
	return f.fakeStore.UpdateJob(ctx, id, u)
}
