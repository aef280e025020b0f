package runner

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"appfactory/internal/config"
	"appfactory/internal/models"
	"appfactory/internal/queue"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 30*time.Second)
	cfg := config.Config{VisibilityTimeout: 30 * time.Second, RunnerPollInterval: time.Second}
	return New(cfg, q, nil, nil)
}

func TestDefaultHandlerSimulatedFailure(t *testing.T) {
	r := newTestRunner(t)
	job := models.Job{
		ID:      "j1",
		Type:    models.TypeBuildApp,
		Payload: map[string]any{"fail_with": "429 rate limit exceeded"},
	}
	if _, err := r.execute(context.Background(), job); err == nil || err.Error() != "429 rate limit exceeded" {
		t.Fatalf("expected injected failure, got %v", err)
	}

	job.Payload = map[string]any{"should_fail": true}
	if _, err := r.execute(context.Background(), job); err == nil {
		t.Fatalf("expected simulated failure")
	}
}

func TestDefaultHandlerSuccess(t *testing.T) {
	r := newTestRunner(t)
	job := models.Job{
		ID:      "j1",
		Type:    models.TypeBuildApp,
		Payload: map[string]any{models.PayloadProvider: "gemini", "duration_ms": 1},
	}
	result, err := r.execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["provider"] != "gemini" {
		t.Fatalf("result = %v", result)
	}
}

func TestRegisteredHandlerWins(t *testing.T) {
	r := newTestRunner(t)
	called := false
	r.RegisterHandler("deploy_app", func(_ context.Context, _ models.Job) (map[string]any, error) {
		called = true
		return map[string]any{"ok": true}, nil
	})
	if _, err := r.execute(context.Background(), models.Job{ID: "j1", Type: "deploy_app"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !called {
		t.Fatalf("registered handler was not invoked")
	}
}
