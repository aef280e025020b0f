package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"appfactory/internal/models"
)

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

// activeStatuses are the states the monitor polls for.
var activeStatuses = []string{models.StatusPending, models.StatusQueued, models.StatusRunning}

// Store wraps pgxpool for Postgres persistence of jobs, backlog items, and
// job events.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID             string
	Type           string
	Payload        map[string]any
	Status         string
	Priority       int
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row, honoring idempotency if a key is provided.
// It returns the job and a boolean indicating if an existing job was reused.
// The row is visible to GetJob as soon as this returns.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO background_jobs (id, type, payload, status, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, p.ID, p.Type, payloadJSON, p.Status, p.Priority, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, p.ID, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:        p.ID,
		Type:      p.Type,
		Payload:   p.Payload,
		Status:    p.Status,
		Priority:  p.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

const jobColumns = `id, type, payload, status, priority, result, error, created_at, started_at, completed_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ListActive returns jobs in pending/queued/running state, optionally filtered
// by type, ordered by priority (highest first) then age (oldest first).
func (s *Store) ListActive(ctx context.Context, types ...string) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM background_jobs WHERE status = ANY($1)`
	args := []any{activeStatuses}
	if len(types) > 0 {
		query += ` AND type = ANY($2)`
		args = append(args, types)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobUpdate carries a partial update. Nil fields are left untouched;
// ClearError sets error back to NULL.
type JobUpdate struct {
	Status      *string
	Error       *string
	ClearError  bool
	Payload     map[string]any
	Result      map[string]any
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// UpdateJob applies a partial merge to a single row. Untouched columns keep
// their values; there is no read-modify-write cycle that could clobber a
// concurrent writer's columns.
func (s *Store) UpdateJob(ctx context.Context, id string, u JobUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if u.Status != nil {
		sets = append(sets, "status = "+arg(*u.Status))
	}
	if u.ClearError {
		sets = append(sets, "error = NULL")
	} else if u.Error != nil {
		sets = append(sets, "error = "+arg(*u.Error))
	}
	if u.Payload != nil {
		payloadJSON, err := json.Marshal(u.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		sets = append(sets, "payload = "+arg(payloadJSON))
	}
	if u.Result != nil {
		resultJSON, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		sets = append(sets, "result = "+arg(resultJSON))
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(*u.StartedAt))
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*u.CompletedAt))
	}

	query := fmt.Sprintf("UPDATE background_jobs SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRunning transitions a job to running and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	status := models.StatusRunning
	return s.UpdateJob(ctx, id, JobUpdate{Status: &status, StartedAt: &now})
}

// MarkCompleted transitions a job to completed with its result payload.
func (s *Store) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	now := time.Now().UTC()
	status := models.StatusCompleted
	return s.UpdateJob(ctx, id, JobUpdate{Status: &status, Result: result, CompletedAt: &now, ClearError: true})
}

// SetJobError records a failure message without touching status. The monitor
// treats a non-empty error on an active job as its remediation signal.
func (s *Store) SetJobError(ctx context.Context, id string, message string) error {
	return s.UpdateJob(ctx, id, JobUpdate{Error: &message})
}

// FailWithBacklog marks the job failed and appends the backlog record in one
// transaction, so an escalated job can never be lost between the two writes.
func (s *Store) FailWithBacklog(ctx context.Context, id string, message string, item models.BacklogItem) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE background_jobs SET status = $2, error = $3, completed_at = $4, updated_at = $4 WHERE id = $1
	`, id, models.StatusFailed, message, now)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO build_backlog (job_id, error_kind, error_message, last_fix, retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.JobID, item.ErrorKind, item.ErrorMessage, item.LastFix, item.Retries, now)
	if err != nil {
		return fmt.Errorf("insert backlog item: %w", err)
	}

	return tx.Commit(ctx)
}

// ListBacklog returns the newest backlog entries for triage.
func (s *Store) ListBacklog(ctx context.Context, limit int) ([]models.BacklogItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, error_kind, error_message, last_fix, retries, created_at
		FROM build_backlog ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	defer rows.Close()

	var items []models.BacklogItem
	for rows.Next() {
		var it models.BacklogItem
		if err := rows.Scan(&it.ID, &it.JobID, &it.ErrorKind, &it.ErrorMessage, &it.LastFix, &it.Retries, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backlog item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var payloadJSON, resultJSON []byte
	var errText pgtype.Text
	var started, completed pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &job.Status, &job.Priority,
		&resultJSON, &errText, &job.CreatedAt, &started, &completed, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if errText.Valid {
		job.Error = &errText.String
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return job, nil
}
