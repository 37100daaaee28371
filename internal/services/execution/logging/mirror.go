package logging

import (
	"context"
	"sync"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/internal/services/runtime"
	"github.com/inkwell-go/pkg/logger"
)

// EntryStore is the persistence surface the mirror writes through.
type EntryStore interface {
	FindOrCreateEntry(ctx context.Context, entry *execution.LogEntry) (*execution.LogEntry, bool, error)
	GetEntryByRunID(ctx context.Context, runID string) (*execution.LogEntry, error)
	UpdateResult(ctx context.Context, runID string, result map[string]interface{}) error
	Finalize(ctx context.Context, runID, status string, result map[string]interface{}, errMsg, errTrace string) error
}

type runState struct {
	completing bool
}

// Mirror keeps one execution_log row per run in sync with the workflow
// as it progresses. Intermediate step outputs overwrite the result
// snapshot while the row stays "started"; the first terminal outcome
// flips it to completed or failed exactly once.
type Mirror struct {
	store  EntryStore
	logger logger.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

func NewMirror(store EntryStore, log logger.Logger) *Mirror {
	return &Mirror{
		store:  store,
		logger: log,
		runs:   make(map[string]*runState),
	}
}

func (m *Mirror) BeforeExecution(ctx context.Context, run runtime.RunInfo) {
	entry := &execution.LogEntry{
		RunID:  run.RunID,
		Task:   run.Task,
		Event:  run.Event,
		Status: execution.StatusStarted,
		Input:  run.Input,
	}
	if run.TenantID != "" {
		tenant := run.TenantID
		entry.TenantID = &tenant
	}

	existing, created, err := m.store.FindOrCreateEntry(ctx, entry)
	if err != nil {
		m.logger.Error("Failed to open execution log entry", "runId", run.RunID, "error", err)
		return
	}

	state := &runState{}
	if !created && existing.Terminal() {
		// redelivery of an already finished run: replay silently, never
		// touch the finished row again
		state.completing = true
	}

	m.mu.Lock()
	m.runs[run.RunID] = state
	m.mu.Unlock()
}

func (m *Mirror) OnStepOutput(ctx context.Context, run runtime.RunInfo, out execution.Outcome) {
	state := m.stateFor(ctx, run.RunID)
	if state == nil || state.completing {
		if state != nil && out.Terminal() {
			m.forget(run.RunID)
		}
		return
	}

	if !out.Terminal() {
		if err := m.store.UpdateResult(ctx, run.RunID, out.Value); err != nil {
			m.logger.Error("Failed to record step output", "runId", run.RunID, "step", out.Step, "error", err)
		}
		return
	}

	m.mu.Lock()
	state.completing = true
	m.mu.Unlock()

	status := execution.StatusCompleted
	if out.Kind == execution.OutcomeFailed {
		status = execution.StatusFailed
	}
	if err := m.store.Finalize(ctx, run.RunID, status, out.Value, out.Err, out.Trace); err != nil {
		m.logger.Error("Failed to finalize execution log entry", "runId", run.RunID, "error", err)
	}

	// the terminal transition is recorded; keeping the run tracked
	// would grow the map for the life of the worker
	m.forget(run.RunID)
}

func (m *Mirror) forget(runID string) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}

// stateFor recovers run state after a worker restart by consulting
// storage when the run was never seen in memory.
func (m *Mirror) stateFor(ctx context.Context, runID string) *runState {
	m.mu.Lock()
	if state, ok := m.runs[runID]; ok {
		m.mu.Unlock()
		return state
	}
	m.mu.Unlock()

	entry, err := m.store.GetEntryByRunID(ctx, runID)
	if err != nil {
		m.logger.Error("Failed to load execution log entry", "runId", runID, "error", err)
		return nil
	}

	state := &runState{completing: entry.Terminal()}
	if !state.completing {
		// only live runs are tracked; a finished run's throwaway state
		// keeps a late callback from re-inserting a map entry that no
		// terminal notification would ever clean up
		m.mu.Lock()
		m.runs[runID] = state
		m.mu.Unlock()
	}
	return state
}
