package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *database.DB {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = gormDB.AutoMigrate(&execution.LogEntry{}, &execution.StepRecord{})
	require.NoError(t, err)

	return &database.DB{DB: gormDB}
}

func TestRepository_FindOrCreateEntry(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	runID := uuid.New().String()
	tenant := "tenant-1"
	entry := &execution.LogEntry{
		RunID:    runID,
		Task:     "sync-books",
		Event:    "readwise/sync-books",
		TenantID: &tenant,
		Input:    map[string]interface{}{"tenantId": tenant},
	}

	stored, created, err := repo.FindOrCreateEntry(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, execution.StatusStarted, stored.Status)
	assert.False(t, stored.StartedAt.IsZero())

	// second find-or-create for the same run returns the existing row
	again, created, err := repo.FindOrCreateEntry(ctx, &execution.LogEntry{RunID: runID, Task: "sync-books"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, again.ID)
}

func TestRepository_UpdateResultKeepsStatusStarted(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	runID := uuid.New().String()
	_, _, err := repo.FindOrCreateEntry(ctx, &execution.LogEntry{RunID: runID, Task: "sync-books"})
	require.NoError(t, err)

	err = repo.UpdateResult(ctx, runID, map[string]interface{}{"step": "load-existing-books"})
	require.NoError(t, err)

	entry, err := repo.GetEntryByRunID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusStarted, entry.Status)
	assert.Equal(t, "load-existing-books", entry.Result["step"])
	assert.Nil(t, entry.CompletedAt)
}

func TestRepository_FinalizeIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	runID := uuid.New().String()
	_, _, err := repo.FindOrCreateEntry(ctx, &execution.LogEntry{RunID: runID, Task: "sync-books"})
	require.NoError(t, err)

	err = repo.Finalize(ctx, runID, execution.StatusCompleted, map[string]interface{}{"inserted": 3}, "", "")
	require.NoError(t, err)

	entry, err := repo.GetEntryByRunID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, entry.Status)
	require.NotNil(t, entry.CompletedAt)
	firstCompletedAt := *entry.CompletedAt

	// a second finalize must not resurrect or rewrite the entry
	err = repo.Finalize(ctx, runID, execution.StatusFailed, nil, "late failure", "")
	require.NoError(t, err)

	entry, err = repo.GetEntryByRunID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, entry.Status)
	assert.Equal(t, firstCompletedAt.Unix(), entry.CompletedAt.Unix())
	assert.Empty(t, entry.ErrorMessage)
}

func TestRepository_FinalizeRecomputesDuration(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	runID := uuid.New().String()
	started := time.Now().UTC().Add(-90 * time.Second)
	_, _, err := repo.FindOrCreateEntry(ctx, &execution.LogEntry{RunID: runID, Task: "sync-books", StartedAt: started})
	require.NoError(t, err)

	err = repo.Finalize(ctx, runID, execution.StatusFailed, nil, "boom", "")
	require.NoError(t, err)

	entry, err := repo.GetEntryByRunID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, entry.Status)
	assert.Equal(t, "boom", entry.ErrorMessage)
	assert.GreaterOrEqual(t, entry.DurationMS, int64(90_000))
}

func TestRepository_SaveStepInsertIgnore(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	runID := uuid.New().String()

	first, err := repo.SaveStep(ctx, runID, "fetch-remote-books", []byte(`{"count":12}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":12}`, string(first))

	// a duplicate insert is ignored; the original payload wins
	second, err := repo.SaveStep(ctx, runID, "fetch-remote-books", []byte(`{"count":99}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":12}`, string(second))

	steps, err := repo.LoadSteps(ctx, runID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.JSONEq(t, `{"count":12}`, string(steps["fetch-remote-books"]))
}

func TestRepository_LoadStepsScopedToRun(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	runA := uuid.New().String()
	runB := uuid.New().String()

	_, err := repo.SaveStep(ctx, runA, "step-1", []byte(`1`))
	require.NoError(t, err)
	_, err = repo.SaveStep(ctx, runB, "step-1", []byte(`2`))
	require.NoError(t, err)

	steps, err := repo.LoadSteps(ctx, runA)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "1", string(steps["step-1"]))
}
