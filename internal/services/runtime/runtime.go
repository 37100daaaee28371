package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/pkg/events"
	"github.com/inkwell-go/pkg/logger"
	"github.com/inkwell-go/pkg/metrics"
)

// StepStore is the persistence contract for memoized step results.
type StepStore interface {
	// LoadSteps returns all succeeded step payloads for a run, keyed by
	// step name.
	LoadSteps(ctx context.Context, runID string) (map[string]json.RawMessage, error)
	// SaveStep persists a step payload with insert-ignore semantics on
	// the (run, name) key and returns the stored payload, which may be
	// a concurrent winner's rather than the one passed in.
	SaveStep(ctx context.Context, runID, name string, payload []byte) (json.RawMessage, error)
}

// Observer watches a run's lifecycle. The execution log mirror is the
// only production implementation.
type Observer interface {
	BeforeExecution(ctx context.Context, run RunInfo)
	OnStepOutput(ctx context.Context, run RunInfo, out execution.Outcome)
}

// RunInfo identifies one workflow run to observers.
type RunInfo struct {
	RunID    string
	Task     string
	Event    string
	TenantID string
	Input    map[string]interface{}
}

// Handler is a workflow definition body. It returns a terminal outcome
// and never an error: failures are converted to a failed outcome inside
// the handler so partial progress stays memoized for a retry.
type Handler func(rc *Context) execution.Outcome

// Runner executes workflow handlers with step memoization. A run may be
// re-entered any number of times (duplicate event delivery, retry after
// a crash); steps that already succeeded replay from the store without
// re-invoking their bodies.
type Runner struct {
	store     StepStore
	observers []Observer
	logger    logger.Logger
}

func NewRunner(store StepStore, observers []Observer, log logger.Logger) *Runner {
	return &Runner{
		store:     store,
		observers: observers,
		logger:    log,
	}
}

// Execute runs one workflow for one event. The event ID is the run
// identifier. The returned error covers infrastructure failures only
// (step cache unavailable); workflow-level failures terminate as a
// failed outcome in the execution log instead.
func (r *Runner) Execute(ctx context.Context, task string, handler Handler, evt events.Event) error {
	run := RunInfo{
		RunID:    evt.ID,
		Task:     task,
		Event:    evt.Name,
		TenantID: evt.TenantID,
		Input:    evt.Data,
	}
	log := r.logger.With("task", task, "runId", run.RunID)

	for _, obs := range r.observers {
		obs.BeforeExecution(ctx, run)
	}

	cache, err := r.store.LoadSteps(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("failed to load step cache for run %s: %w", run.RunID, err)
	}
	if len(cache) > 0 {
		log.Info("Resuming run with memoized steps", "steps", len(cache))
	}

	rc := &Context{
		ctx:    ctx,
		run:    run,
		store:  r.store,
		cache:  cache,
		logger: log,
		notify: func(out execution.Outcome) {
			for _, obs := range r.observers {
				obs.OnStepOutput(ctx, run, out)
			}
		},
	}

	started := time.Now()
	out := r.invoke(rc, handler)

	for _, obs := range r.observers {
		obs.OnStepOutput(ctx, run, out)
	}

	status := execution.StatusCompleted
	if out.Kind == execution.OutcomeFailed {
		status = execution.StatusFailed
		log.Warn("Workflow run failed", "error", out.Err)
	} else {
		log.Info("Workflow run completed", "duration", time.Since(started))
	}
	metrics.WorkflowRunsTotal.WithLabelValues(task, status).Inc()
	metrics.WorkflowRunDuration.WithLabelValues(task).Observe(time.Since(started).Seconds())

	return nil
}

// invoke calls the handler, converting a panic into a failed outcome so
// nothing escapes the run boundary.
func (r *Runner) invoke(rc *Context, handler Handler) (out execution.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			rc.logger.Error("Workflow panicked", "panic", rec)
			out = execution.Outcome{
				Kind:  execution.OutcomeFailed,
				Err:   fmt.Sprintf("panic: %v", rec),
				Trace: string(debug.Stack()),
			}
		}
	}()
	return handler(rc)
}
