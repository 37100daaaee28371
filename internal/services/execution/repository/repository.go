package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("execution log entry not found")

// Repository persists the execution log and the memoized step records.
// It is the storage half of both the step runtime and the log mirror.
type Repository struct {
	db *database.DB
}

func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// FindOrCreateEntry inserts a log entry for the run unless one already
// exists, then returns the stored row. Race-safe: concurrent callers
// for the same run identifier both end up with the same entry, exactly
// one of them having created it.
func (r *Repository) FindOrCreateEntry(ctx context.Context, entry *execution.LogEntry) (*execution.LogEntry, bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = execution.StatusStarted
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to insert log entry: %w", res.Error)
	}

	created := res.RowsAffected > 0

	stored, err := r.GetEntryByRunID(ctx, entry.RunID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (r *Repository) GetEntryByRunID(ctx context.Context, runID string) (*execution.LogEntry, error) {
	var entry execution.LogEntry
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpdateResult replaces the result snapshot of a still-running entry.
// Entries already in a terminal status are left untouched.
func (r *Repository) UpdateResult(ctx context.Context, runID string, result map[string]interface{}) error {
	payload, err := marshalResult(result)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&execution.LogEntry{}).
		Where("run_id = ? AND status = ?", runID, execution.StatusStarted).
		Update("result", payload).Error
}

// marshalResult encodes a result snapshot for a column-keyed update.
// The json serializer on the model field only runs for struct writes,
// so map updates have to arrive pre-encoded.
func marshalResult(result map[string]interface{}) (interface{}, error) {
	if result == nil {
		return nil, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result snapshot: %w", err)
	}
	return string(payload), nil
}

// Finalize transitions the entry to a terminal status. The duration is
// recomputed from the stored started_at, not from caller state. The
// WHERE clause on status makes a second finalize a no-op.
func (r *Repository) Finalize(ctx context.Context, runID, status string, result map[string]interface{}, errMsg, errTrace string) error {
	if status != execution.StatusCompleted && status != execution.StatusFailed {
		return fmt.Errorf("not a terminal status: %s", status)
	}

	entry, err := r.GetEntryByRunID(ctx, runID)
	if err != nil {
		return err
	}

	payload, err := marshalResult(result)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":        status,
		"result":        payload,
		"completed_at":  &now,
		"duration_ms":   now.Sub(entry.StartedAt).Milliseconds(),
		"error_message": errMsg,
		"error_trace":   errTrace,
	}

	return r.db.WithContext(ctx).
		Model(&execution.LogEntry{}).
		Where("run_id = ? AND status = ?", runID, execution.StatusStarted).
		Updates(updates).Error
}

type EntryFilter struct {
	Task     string
	TenantID string
	Status   string
}

func (r *Repository) ListEntries(ctx context.Context, filter EntryFilter, pagination *database.Pagination) ([]*execution.LogEntry, error) {
	query := r.db.WithContext(ctx).Model(&execution.LogEntry{})

	if filter.Task != "" {
		query = query.Where("task = ?", filter.Task)
	}
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if pagination.Sort == "" {
		pagination.Sort = "started_at DESC"
	}

	if err := query.Count(&pagination.Total).Error; err != nil {
		return nil, fmt.Errorf("failed to count log entries: %w", err)
	}
	if pagination.Limit > 0 {
		pagination.Pages = int((pagination.Total + int64(pagination.Limit) - 1) / int64(pagination.Limit))
	}

	var entries []*execution.LogEntry
	err := query.Limit(pagination.Limit).
		Offset(func() int {
			if pagination.Page > 1 {
				return (pagination.Page - 1) * pagination.Limit
			}
			return 0
		}()).
		Order(pagination.Sort).
		Find(&entries).Error
	return entries, err
}

// LoadSteps eagerly loads all memoized step results for a run. Called
// once at run start; replays hit this cache instead of the database.
func (r *Repository) LoadSteps(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	var records []execution.StepRecord
	if err := r.db.WithContext(ctx).
		Where("run_id = ? AND state = ?", runID, execution.StepSucceeded).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load step records: %w", err)
	}

	steps := make(map[string]json.RawMessage, len(records))
	for _, rec := range records {
		steps[rec.Name] = json.RawMessage(rec.Payload)
	}
	return steps, nil
}

// SaveStep persists a succeeded step result with insert-ignore
// semantics on the (run_id, name) unique key, then re-reads the row.
// When a concurrent duplicate delivery raced us to the insert, the
// winner's payload is returned so both executions observe one result.
func (r *Repository) SaveStep(ctx context.Context, runID, name string, payload []byte) (json.RawMessage, error) {
	record := &execution.StepRecord{
		ID:      uuid.New().String(),
		RunID:   runID,
		Name:    name,
		Payload: string(payload),
		State:   execution.StepSucceeded,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(record).Error
	if err != nil {
		return nil, fmt.Errorf("failed to persist step %s: %w", name, err)
	}

	var stored execution.StepRecord
	if err := r.db.WithContext(ctx).
		Where("run_id = ? AND name = ?", runID, name).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to re-read step %s: %w", name, err)
	}
	return json.RawMessage(stored.Payload), nil
}
