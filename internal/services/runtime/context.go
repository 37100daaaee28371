package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/pkg/logger"
	"github.com/inkwell-go/pkg/metrics"
)

// Context carries one run's identity and its step-result cache through
// a workflow handler. The cache is loaded eagerly at run start; Step
// consults it before executing a body, which is what makes re-entry of
// the same run idempotent.
type Context struct {
	ctx    context.Context
	run    RunInfo
	store  StepStore
	logger logger.Logger

	mu    sync.Mutex
	cache map[string]json.RawMessage

	notify func(out execution.Outcome)
}

// Context returns the underlying context.Context for step bodies.
func (rc *Context) Context() context.Context {
	return rc.ctx
}

func (rc *Context) RunID() string {
	return rc.run.RunID
}

func (rc *Context) TenantID() string {
	return rc.run.TenantID
}

func (rc *Context) Logger() logger.Logger {
	return rc.logger
}

// Input returns a string field from the triggering event payload.
func (rc *Context) Input(key string) string {
	if v, ok := rc.run.Input[key].(string); ok {
		return v
	}
	return ""
}

// InputInt returns an integer field from the triggering event payload.
// JSON round-trips numbers as float64.
func (rc *Context) InputInt(key string) int {
	switch v := rc.run.Input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Step executes body at most once per run for the given name. If the
// run already holds a succeeded result for the name, that result is
// decoded and returned without invoking body. Otherwise body runs, its
// result is persisted under the (run, name) unique key, and observers
// are notified of the intermediate output. A failed body is not
// recorded: the failure surfaces to the workflow, and a later retry of
// the run re-runs only this step.
func Step[T any](rc *Context, name string, body func(ctx context.Context) (T, error)) (T, error) {
	var result T

	rc.mu.Lock()
	cached, hit := rc.cache[name]
	rc.mu.Unlock()

	if hit {
		if err := json.Unmarshal(cached, &result); err != nil {
			return result, fmt.Errorf("step %s: corrupt memoized payload: %w", name, err)
		}
		metrics.WorkflowStepsTotal.WithLabelValues(rc.run.Task, "true").Inc()
		rc.logger.Debug("Step replayed from cache", "step", name)
		return result, nil
	}

	result, err := body(rc.ctx)
	if err != nil {
		rc.logger.Warn("Step failed", "step", name, "error", err)
		return result, fmt.Errorf("step %s: %w", name, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return result, fmt.Errorf("step %s: result not serializable: %w", name, err)
	}

	stored, err := rc.store.SaveStep(rc.ctx, rc.run.RunID, name, payload)
	if err != nil {
		return result, fmt.Errorf("step %s: %w", name, err)
	}

	// The stored payload wins: when a duplicate delivery raced us to
	// the insert, both executions must observe the same result.
	if err := json.Unmarshal(stored, &result); err != nil {
		return result, fmt.Errorf("step %s: corrupt stored payload: %w", name, err)
	}

	rc.mu.Lock()
	rc.cache[name] = stored
	rc.mu.Unlock()

	metrics.WorkflowStepsTotal.WithLabelValues(rc.run.Task, "false").Inc()
	rc.logger.Debug("Step completed", "step", name)

	if rc.notify != nil {
		rc.notify(execution.Intermediate(name, map[string]interface{}{
			"step":   name,
			"output": json.RawMessage(stored),
		}))
	}
	return result, nil
}
