package workflows

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/internal/domain/library"
	"github.com/inkwell-go/internal/domain/settings"
	executionrepo "github.com/inkwell-go/internal/services/execution/repository"
	libraryrepo "github.com/inkwell-go/internal/services/library/repository"
	"github.com/inkwell-go/internal/services/remote"
	"github.com/inkwell-go/internal/services/runtime"
	settingsrepo "github.com/inkwell-go/internal/services/settings/repository"
	"github.com/inkwell-go/pkg/database"
	"github.com/inkwell-go/pkg/events"
	"github.com/inkwell-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type plainCipher struct{}

func (plainCipher) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

type fakeRemote struct {
	books      []remote.RemoteBook
	highlights []remote.RemoteHighlight
	count      int
	probeErr   error
}

func (f *fakeRemote) FetchBooks(_ context.Context, _ *time.Time) ([]remote.RemoteBook, error) {
	return f.books, nil
}

func (f *fakeRemote) FetchHighlights(_ context.Context, _ *time.Time) ([]remote.RemoteHighlight, error) {
	return f.highlights, nil
}

func (f *fakeRemote) CountBooks(_ context.Context) (int, error) { return f.count, nil }

func (f *fakeRemote) ProbeAuth(_ context.Context) error { return f.probeErr }

type fakeSparks struct {
	records []remote.SparkRecord
}

func (f *fakeSparks) FetchAll(_ context.Context, _, _ string) ([]remote.SparkRecord, error) {
	return f.records, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(i) + 0.5}
	}
	return vectors, nil
}

type terminalRecorder struct {
	outcomes []execution.Outcome
}

func (r *terminalRecorder) BeforeExecution(_ context.Context, _ runtime.RunInfo) {}

func (r *terminalRecorder) OnStepOutput(_ context.Context, _ runtime.RunInfo, out execution.Outcome) {
	if out.Terminal() {
		r.outcomes = append(r.outcomes, out)
	}
}

func (r *terminalRecorder) last(t *testing.T) execution.Outcome {
	t.Helper()
	require.NotEmpty(t, r.outcomes)
	return r.outcomes[len(r.outcomes)-1]
}

type harness struct {
	deps     *Deps
	runner   *runtime.Runner
	recorder *terminalRecorder
	library  *libraryrepo.Repository
	settings *settingsrepo.Repository
	remote   *fakeRemote
	sparks   *fakeSparks
}

func newHarness(t *testing.T) *harness {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(
		&execution.LogEntry{},
		&execution.StepRecord{},
		&settings.TenantSettings{},
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

	db := &database.DB{DB: gormDB}
	libRepo := libraryrepo.NewRepository(db)
	setRepo := settingsrepo.NewRepository(db)
	execRepo := executionrepo.NewRepository(db)

	fr := &fakeRemote{}
	fs := &fakeSparks{}
	deps := &Deps{
		Library:  libRepo,
		Settings: setRepo,
		Cipher:   plainCipher{},
		Remote:   func(string) RemoteClient { return fr },
		Sparks:   fs,
		Embedder: fakeEmbedder{},
		Logger:   logger.NewNop(),
	}

	recorder := &terminalRecorder{}
	runner := runtime.NewRunner(execRepo, []runtime.Observer{recorder}, logger.NewNop())

	return &harness{
		deps:     deps,
		runner:   runner,
		recorder: recorder,
		library:  libRepo,
		settings: setRepo,
		remote:   fr,
		sparks:   fs,
	}
}

func (h *harness) seedTenant(t *testing.T, s *settings.TenantSettings) {
	t.Helper()
	require.NoError(t, h.settings.Save(context.Background(), s))
}

func (h *harness) run(t *testing.T, task string, handler runtime.Handler, eventName string) execution.Outcome {
	t.Helper()
	evt := events.NewEvent(eventName, "tenant-1", map[string]interface{}{"tenantId": "tenant-1"})
	require.NoError(t, h.runner.Execute(context.Background(), task, handler, evt))
	return h.recorder.last(t)
}

func ptr(t time.Time) *time.Time { return &t }

func TestClassifyBooks_TimestampBoundary(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	states := map[int64]libraryrepo.RecordState{
		1: {ID: "local-1", RemoteUpdatedAt: &t0},
	}

	// equal timestamp: unchanged
	inserts, updates, unchanged := classifyBooks("tenant-1", []remote.RemoteBook{
		{ID: 1, Updated: ptr(t0)},
	}, states)
	assert.Empty(t, inserts)
	assert.Empty(t, updates)
	assert.Equal(t, 1, unchanged)

	// one second newer: update
	inserts, updates, unchanged = classifyBooks("tenant-1", []remote.RemoteBook{
		{ID: 1, Updated: ptr(t0.Add(time.Second))},
	}, states)
	assert.Empty(t, inserts)
	require.Len(t, updates, 1)
	assert.Equal(t, "local-1", updates[0].ID)
	assert.Equal(t, 0, unchanged)

	// unknown remote id: insert
	inserts, updates, unchanged = classifyBooks("tenant-1", []remote.RemoteBook{
		{ID: 2, Updated: ptr(t0)},
	}, states)
	require.Len(t, inserts, 1)
	assert.Empty(t, updates)
	assert.Equal(t, 0, unchanged)
}

func TestSyncBooks_InsertsAndRecordsWatermark(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1", ReadwiseToken: "tok"})
	h.remote.books = []remote.RemoteBook{
		{ID: 1, Title: "Amusing Ourselves to Death", Updated: ptr(time.Now().UTC())},
		{ID: 2, Title: "The Timeless Way of Building"},
	}

	out := h.run(t, TaskSyncBooks, h.deps.SyncBooks, events.ReadwiseSyncBooks)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 2, out.Value["inserted"])
	assert.EqualValues(t, 0, out.Value["failedBatches"])

	count, err := h.library.CountBooks(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	s, err := h.settings.GetByTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.NotNil(t, s.LastSyncedBooks)
}

func TestSyncBooks_UnchangedRecordSkipsWrite(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1", ReadwiseToken: "tok"})

	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, h.library.InsertBooks(context.Background(), []*library.Book{
		{TenantID: "tenant-1", ReadwiseID: 1, Title: "Old Title", RemoteUpdatedAt: &t0},
	}))
	h.remote.books = []remote.RemoteBook{{ID: 1, Title: "Old Title", Updated: ptr(t0)}}

	out := h.run(t, TaskSyncBooks, h.deps.SyncBooks, events.ReadwiseSyncBooks)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 1, out.Value["unchanged"])
	assert.EqualValues(t, 0, out.Value["inserted"])
	assert.EqualValues(t, 0, out.Value["updated"])
}

// failingLibrary makes every book insert fail while delegating the rest.
type failingLibrary struct {
	LibraryStore
}

func (f *failingLibrary) InsertBooks(_ context.Context, _ []*library.Book) error {
	return errors.New("storage unavailable")
}

func TestSyncBooks_FailedBatchLeavesWatermarkUnset(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1", ReadwiseToken: "tok"})
	h.remote.books = []remote.RemoteBook{{ID: 1, Title: "Never lands"}}
	h.deps.Library = &failingLibrary{LibraryStore: h.library}

	out := h.run(t, TaskSyncBooks, h.deps.SyncBooks, events.ReadwiseSyncBooks)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 1, out.Value["failedBatches"])

	s, err := h.settings.GetByTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Nil(t, s.LastSyncedBooks)
}

// flakyLibrary fails the nth InsertBooks call and delegates the rest.
type flakyLibrary struct {
	LibraryStore
	calls    int
	failCall int
}

func (f *flakyLibrary) InsertBooks(ctx context.Context, books []*library.Book) error {
	f.calls++
	if f.calls == f.failCall {
		return errors.New("storage unavailable")
	}
	return f.LibraryStore.InsertBooks(ctx, books)
}

func TestSyncBooks_RedeliveryRecoversFailedBatch(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1", ReadwiseToken: "tok"})

	books := make([]remote.RemoteBook, 150)
	for i := range books {
		books[i] = remote.RemoteBook{ID: int64(i + 1), Title: fmt.Sprintf("Book %d", i+1)}
	}
	h.remote.books = books
	h.deps.Library = &flakyLibrary{LibraryStore: h.library, failCall: 2}

	evt := events.NewEvent(events.ReadwiseSyncBooks, "tenant-1", map[string]interface{}{"tenantId": "tenant-1"})
	require.NoError(t, h.runner.Execute(context.Background(), TaskSyncBooks, h.deps.SyncBooks, evt))
	out := h.recorder.last(t)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 1, out.Value["failedBatches"])

	s, err := h.settings.GetByTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Nil(t, s.LastSyncedBooks)

	// the broker redelivers the same event with storage healthy again:
	// the memoized classification pins the original partition, so the
	// retried batch carries exactly the rows the failed one did
	require.NoError(t, h.runner.Execute(context.Background(), TaskSyncBooks, h.deps.SyncBooks, evt))
	out = h.recorder.last(t)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 0, out.Value["failedBatches"])
	assert.EqualValues(t, 150, out.Value["inserted"])

	count, err := h.library.CountBooks(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.EqualValues(t, 150, count)

	s, err = h.settings.GetByTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.NotNil(t, s.LastSyncedBooks)
}

func TestSyncBooks_FailsFastWithoutToken(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1"})

	out := h.run(t, TaskSyncBooks, h.deps.SyncBooks, events.ReadwiseSyncBooks)
	require.Equal(t, execution.OutcomeFailed, out.Kind)
	assert.Contains(t, out.Err, "readwise token")
}

func TestSyncHighlights_StoresTagsInLegacyColumn(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1", ReadwiseToken: "tok"})
	h.remote.highlights = []remote.RemoteHighlight{
		{ID: 10, BookID: 1, Text: "A quote", Tags: []remote.RemoteTag{{Name: "focus"}, {Name: "craft"}}},
	}

	out := h.run(t, TaskSyncHighlights, h.deps.SyncHighlights, events.ReadwiseSyncHighlights)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)

	pending, err := h.library.HighlightsWithLegacyTags(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "focus,craft", pending[0].LegacyTags)
}

func TestImportSparks_DedupAcrossRuns(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1", SparkImportURL: "https://sheets.example/export"})
	h.sparks.records = []remote.SparkRecord{
		{UID: "uid-1", Content: "an idea", Categories: []string{"Ideas"}, Tags: []string{"serendipity"}},
	}

	first := h.run(t, TaskImportSparks, h.deps.ImportSparks, events.SparksImport)
	require.Equal(t, execution.OutcomeCompleted, first.Kind)
	assert.EqualValues(t, 1, first.Value["imported"])

	second := h.run(t, TaskImportSparks, h.deps.ImportSparks, events.SparksImport)
	require.Equal(t, execution.OutcomeCompleted, second.Kind)
	assert.EqualValues(t, 0, second.Value["imported"])
	assert.EqualValues(t, 1, second.Value["skippedDuplicates"])

	existing, err := h.library.ExistingSparkUIDs(context.Background(), "tenant-1", []string{"uid-1"})
	require.NoError(t, err)
	assert.Len(t, existing, 1)
}

func TestImportSparks_CountsValidationSkips(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1", SparkImportURL: "https://sheets.example/export"})
	h.sparks.records = []remote.SparkRecord{
		{UID: "", Content: "no uid", Categories: []string{"c"}, Tags: []string{"t"}},
		{UID: "uid-2", Content: "", Categories: []string{"c"}, Tags: []string{"t"}},
		{UID: "uid-3", Content: "no category", Tags: []string{"t"}},
		{UID: "uid-4", Content: "no tag", Categories: []string{"c"}},
		{UID: "uid-5", Content: "valid", Categories: []string{"Reading"}, Tags: []string{"notes"}},
	}

	out := h.run(t, TaskImportSparks, h.deps.ImportSparks, events.SparksImport)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 1, out.Value["imported"])

	reasons, ok := out.Value["skipReasons"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, reasons[skipMissingUID])
	assert.Equal(t, 1, reasons[skipEmptyContent])
	assert.Equal(t, 1, reasons[skipMissingCategory])
	assert.Equal(t, 1, reasons[skipMissingTag])

	// summary is persisted to tenant settings
	s, err := h.settings.GetByTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.NotNil(t, s.LastImportSummary)
	assert.Equal(t, 1, s.LastImportSummary.Imported)
	assert.Equal(t, []string{"Reading"}, s.LastImportSummary.NewCategories)
}

func TestGenerateEmbeddings_WritesVectors(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1"})
	require.NoError(t, h.library.InsertHighlights(context.Background(), []*library.Highlight{
		{TenantID: "tenant-1", ReadwiseID: 1, Text: "first"},
		{TenantID: "tenant-1", ReadwiseID: 2, Text: "second"},
	}))

	out := h.run(t, TaskGenerateEmbeddings, h.deps.GenerateEmbeddings, events.EmbeddingsGenerate)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 2, out.Value["embedded"])
	assert.EqualValues(t, 0, out.Value["withoutEmbedding"])

	missing, err := h.library.HighlightsMissingEmbedding(context.Background(), "tenant-1", 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

// countingEmbedder counts Embed calls on top of the fake vectors.
type countingEmbedder struct {
	fakeEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	return c.fakeEmbedder.Embed(ctx, texts)
}

func TestGenerateEmbeddings_RedeliveryReplaysOriginalSelection(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1"})
	embedder := &countingEmbedder{}
	h.deps.Embedder = embedder

	require.NoError(t, h.library.InsertHighlights(context.Background(), []*library.Highlight{
		{TenantID: "tenant-1", ReadwiseID: 1, Text: "first"},
		{TenantID: "tenant-1", ReadwiseID: 2, Text: "second"},
	}))

	evt := events.NewEvent(events.EmbeddingsGenerate, "tenant-1", map[string]interface{}{"tenantId": "tenant-1"})
	require.NoError(t, h.runner.Execute(context.Background(), TaskGenerateEmbeddings, h.deps.GenerateEmbeddings, evt))
	out := h.recorder.last(t)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 2, out.Value["selected"])
	assert.Equal(t, 1, embedder.calls)

	// a new highlight lands between delivery and redelivery; the
	// memoized selection must keep the replayed run's counts stable
	// and nothing gets re-embedded
	require.NoError(t, h.library.InsertHighlights(context.Background(), []*library.Highlight{
		{TenantID: "tenant-1", ReadwiseID: 3, Text: "third"},
	}))

	require.NoError(t, h.runner.Execute(context.Background(), TaskGenerateEmbeddings, h.deps.GenerateEmbeddings, evt))
	out = h.recorder.last(t)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 2, out.Value["selected"])
	assert.EqualValues(t, 2, out.Value["embedded"])
	assert.Equal(t, 1, embedder.calls)

	missing, err := h.library.HighlightsMissingEmbedding(context.Background(), "tenant-1", 10)
	require.NoError(t, err)
	assert.Len(t, missing, 1)
}

func TestMigrateTags_DrainsLegacyColumn(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1"})
	require.NoError(t, h.library.InsertHighlights(context.Background(), []*library.Highlight{
		{TenantID: "tenant-1", ReadwiseID: 1, Text: "quote", LegacyTags: "Deep Work, focus"},
	}))

	out := h.run(t, TaskMigrateTags, h.deps.MigrateTags, events.LibraryMigrateTags)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 1, out.Value["migrated"])
	assert.EqualValues(t, 2, out.Value["linked"])
	assert.EqualValues(t, 2, out.Value["created"])

	pending, err := h.library.HighlightsWithLegacyTags(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	exists, err := h.library.TagExists(context.Background(), "tenant-1", "deep work")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunAutomation_WritesPendingAutomation(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1"})
	require.NoError(t, h.library.InsertHighlights(context.Background(), []*library.Highlight{
		{TenantID: "tenant-1", ReadwiseID: 1, Text: "a"},
		{TenantID: "tenant-1", ReadwiseID: 2, Text: "b"},
	}))

	out := h.run(t, TaskAutomation, h.deps.RunAutomation, events.LibraryAutomation)
	require.Equal(t, execution.OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 2, out.Value["sampled"])
	// create-tag action plus one add-tag per sampled highlight
	assert.EqualValues(t, 3, out.Value["actions"])
}

func TestTestConnection_ProbeFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, &settings.TenantSettings{TenantID: "tenant-1", ReadwiseToken: "tok"})
	h.remote.probeErr = errors.New("auth probe rejected")

	out := h.run(t, TaskTestConnection, h.deps.TestConnection, events.ReadwiseTestConnection)
	require.Equal(t, execution.OutcomeFailed, out.Kind)
	assert.Contains(t, out.Err, "auth probe rejected")
}

func TestRegistry_CoversEveryTask(t *testing.T) {
	h := newHarness(t)
	registry := Registry(h.deps)

	for _, task := range []string{
		TaskSyncBooks, TaskSyncHighlights, TaskCountBooks, TaskTestConnection,
		TaskImportSparks, TaskGenerateEmbeddings, TaskMigrateTags, TaskAutomation,
	} {
		def, ok := registry[task]
		require.True(t, ok, task)
		assert.NotNil(t, def.Handler, task)
		assert.NotNil(t, def.BuildPayload, task)
		assert.NotNil(t, def.ValidateSettings, task)
		assert.NotEmpty(t, def.Event, task)
	}

	withToken := &settings.TenantSettings{ReadwiseToken: "tok"}
	without := &settings.TenantSettings{}
	assert.True(t, registry[TaskSyncBooks].ValidateSettings(withToken))
	assert.False(t, registry[TaskSyncBooks].ValidateSettings(without))
	assert.True(t, registry[TaskMigrateTags].ValidateSettings(without))
}
