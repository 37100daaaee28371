package repository

import (
	"context"
	"testing"
	"time"

	"github.com/inkwell-go/internal/domain/library"
	"github.com/inkwell-go/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *database.DB {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(
		&library.Book{},
		&library.Highlight{},
		&library.Spark{},
		&library.Category{},
		&library.Tag{},
		&library.SparkCategory{},
		&library.SparkTag{},
		&library.HighlightTag{},
		&library.Automation{},
		&library.AutomationAction{},
	))
	return &database.DB{DB: gormDB}
}

func TestRepository_BookSyncStates(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	remoteTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.InsertBooks(ctx, []*library.Book{
		{TenantID: "tenant-1", ReadwiseID: 101, Title: "Thinking in Systems", RemoteUpdatedAt: &remoteTime},
		{TenantID: "tenant-1", ReadwiseID: 102, Title: "The Idea Factory"},
		{TenantID: "tenant-2", ReadwiseID: 101, Title: "Other tenant's copy"},
	}))

	states, err := repo.ListBookSyncStates(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.NotNil(t, states[101].RemoteUpdatedAt)
	assert.True(t, states[101].RemoteUpdatedAt.Equal(remoteTime))
	assert.Nil(t, states[102].RemoteUpdatedAt)
	assert.NotEmpty(t, states[101].ID)
}

func TestRepository_InsertBooksReplayIsNoOp(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	batch := []*library.Book{
		{TenantID: "tenant-1", ReadwiseID: 1, Title: "How Buildings Learn"},
		{TenantID: "tenant-1", ReadwiseID: 2, Title: "The Soul of a New Machine"},
	}
	require.NoError(t, repo.InsertBooks(ctx, batch))

	// a redelivered batch whose first attempt actually committed must
	// not fail or duplicate rows
	replay := []*library.Book{
		{TenantID: "tenant-1", ReadwiseID: 1, Title: "How Buildings Learn"},
		{TenantID: "tenant-1", ReadwiseID: 2, Title: "The Soul of a New Machine"},
	}
	require.NoError(t, repo.InsertBooks(ctx, replay))

	count, err := repo.CountBooks(ctx, "tenant-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestRepository_CountBooksScopedToTenant(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.InsertBooks(ctx, []*library.Book{
		{TenantID: "tenant-1", ReadwiseID: 1},
		{TenantID: "tenant-1", ReadwiseID: 2},
		{TenantID: "tenant-2", ReadwiseID: 1},
	}))

	count, err := repo.CountBooks(ctx, "tenant-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestRepository_ExistingSparkUIDs(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.InsertSpark(ctx, &library.Spark{
		TenantID: "tenant-1", ExternalUID: "uid-1", Content: "first",
	}))

	existing, err := repo.ExistingSparkUIDs(ctx, "tenant-1", []string{"uid-1", "uid-2"})
	require.NoError(t, err)
	assert.True(t, existing["uid-1"])
	assert.False(t, existing["uid-2"])

	// other tenants never collide
	other, err := repo.ExistingSparkUIDs(ctx, "tenant-2", []string{"uid-1"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRepository_FindOrCreateTagNormalizesName(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	first, created, err := repo.FindOrCreateTag(ctx, "tenant-1", "Deep Work")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "deep-work", first.Slug)

	second, created, err := repo.FindOrCreateTag(ctx, "tenant-1", "deep   work")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	exists, err := repo.TagExists(ctx, "tenant-1", "DEEP WORK")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRepository_LinkRowsAreIdempotent(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	spark := &library.Spark{TenantID: "tenant-1", ExternalUID: "uid-1"}
	require.NoError(t, repo.InsertSpark(ctx, spark))
	tag, _, err := repo.FindOrCreateTag(ctx, "tenant-1", "ideas")
	require.NoError(t, err)

	require.NoError(t, repo.LinkSparkTag(ctx, spark.ID, tag.ID))
	require.NoError(t, repo.LinkSparkTag(ctx, spark.ID, tag.ID))
}

func TestRepository_HighlightsMissingEmbedding(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.InsertHighlights(ctx, []*library.Highlight{
		{TenantID: "tenant-1", ReadwiseID: 1, Text: "needs embedding"},
		{TenantID: "tenant-1", ReadwiseID: 2, Text: "also needs embedding"},
	}))

	missing, err := repo.HighlightsMissingEmbedding(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, missing, 2)

	at := time.Now().UTC()
	require.NoError(t, repo.SaveHighlightEmbedding(ctx, missing[0].ID, []float32{0.1, 0.2, 0.3}, at))

	missing, err = repo.HighlightsMissingEmbedding(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.EqualValues(t, 2, missing[0].ReadwiseID)
}

func TestRepository_LegacyTagsDrain(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.InsertHighlights(ctx, []*library.Highlight{
		{TenantID: "tenant-1", ReadwiseID: 1, LegacyTags: "stoicism, focus"},
		{TenantID: "tenant-1", ReadwiseID: 2},
	}))

	pending, err := repo.HighlightsWithLegacyTags(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.ClearLegacyTags(ctx, pending[0].ID))

	pending, err = repo.HighlightsWithLegacyTags(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepository_CreateAutomationWithActions(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	automation := &library.Automation{TenantID: "tenant-1", TargetTag: "serendipity"}
	actions := []*library.AutomationAction{
		{Kind: library.ActionCreateTag, Payload: map[string]interface{}{"name": "serendipity"}},
		{Kind: library.ActionAddTag, Payload: map[string]interface{}{"recordId": "h-1"}},
		{Kind: library.ActionAddTag, Payload: map[string]interface{}{"recordId": "h-2"}},
	}
	require.NoError(t, repo.CreateAutomation(ctx, automation, actions))
	assert.Equal(t, library.AutomationPending, automation.Status)

	stored, err := repo.ListAutomationActions(ctx, automation.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, library.ActionCreateTag, stored[0].Kind)
	assert.Equal(t, 0, stored[0].Position)
	assert.Equal(t, 2, stored[2].Position)
}

func TestRepository_RandomHighlightsBounded(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.InsertHighlights(ctx, []*library.Highlight{
		{TenantID: "tenant-1", ReadwiseID: 1, Text: "a"},
		{TenantID: "tenant-1", ReadwiseID: 2, Text: "b"},
		{TenantID: "tenant-1", ReadwiseID: 3, Text: "c"},
	}))

	picked, err := repo.RandomHighlights(ctx, "tenant-1", 2)
	require.NoError(t, err)
	assert.Len(t, picked, 2)
}
