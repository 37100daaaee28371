package workflows

import (
	"context"
	"time"

	"github.com/inkwell-go/internal/domain/library"
	"github.com/inkwell-go/internal/domain/settings"
	"github.com/inkwell-go/internal/services/library/repository"
	"github.com/inkwell-go/internal/services/remote"
	"github.com/inkwell-go/pkg/logger"
)

// writeBatchSize bounds every bulk write pass against the library store.
const writeBatchSize = 100

// LibraryStore is the slice of the library repository the workflows use.
type LibraryStore interface {
	ListBookSyncStates(ctx context.Context, tenantID string) (map[int64]repository.RecordState, error)
	ListHighlightSyncStates(ctx context.Context, tenantID string) (map[int64]repository.RecordState, error)
	InsertBooks(ctx context.Context, books []*library.Book) error
	UpdateBook(ctx context.Context, book *library.Book) error
	InsertHighlights(ctx context.Context, highlights []*library.Highlight) error
	UpdateHighlight(ctx context.Context, highlight *library.Highlight) error
	CountBooks(ctx context.Context, tenantID string) (int64, error)
	ExistingSparkUIDs(ctx context.Context, tenantID string, uids []string) (map[string]bool, error)
	InsertSpark(ctx context.Context, spark *library.Spark) error
	FindOrCreateCategory(ctx context.Context, tenantID, name string) (*library.Category, bool, error)
	FindOrCreateTag(ctx context.Context, tenantID, name string) (*library.Tag, bool, error)
	TagExists(ctx context.Context, tenantID, name string) (bool, error)
	LinkSparkCategory(ctx context.Context, sparkID, categoryID string) error
	LinkSparkTag(ctx context.Context, sparkID, tagID string) error
	LinkHighlightTag(ctx context.Context, highlightID, tagID string) error
	HighlightsMissingEmbedding(ctx context.Context, tenantID string, limit int) ([]*library.Highlight, error)
	SaveHighlightEmbedding(ctx context.Context, highlightID string, embedding []float32, at time.Time) error
	RandomHighlights(ctx context.Context, tenantID string, count int) ([]*library.Highlight, error)
	HighlightsWithLegacyTags(ctx context.Context, tenantID string) ([]*library.Highlight, error)
	ClearLegacyTags(ctx context.Context, highlightID string) error
	CreateAutomation(ctx context.Context, automation *library.Automation, actions []*library.AutomationAction) error
}

// SettingsStore is the slice of the settings repository the workflows use.
type SettingsStore interface {
	GetByTenant(ctx context.Context, tenantID string) (*settings.TenantSettings, error)
	SetLastSyncedBooks(ctx context.Context, tenantID string, at time.Time) error
	SetLastSyncedHighlights(ctx context.Context, tenantID string, at time.Time) error
	SetImportSummary(ctx context.Context, tenantID string, summary *settings.ImportSummary) error
}

// TokenCipher decrypts tenant credentials loaded from settings.
type TokenCipher interface {
	Decrypt(ciphertext string) (string, error)
}

// RemoteClient is the Readwise API surface the sync workflows consume.
type RemoteClient interface {
	FetchBooks(ctx context.Context, updatedAfter *time.Time) ([]remote.RemoteBook, error)
	FetchHighlights(ctx context.Context, updatedAfter *time.Time) ([]remote.RemoteHighlight, error)
	CountBooks(ctx context.Context) (int, error)
	ProbeAuth(ctx context.Context) error
}

// RemoteFactory builds a client bound to one tenant's token. A fresh
// client per run keeps tokens out of long-lived state; the adaptive
// limiter lives inside the factory so the request budget stays global.
type RemoteFactory func(token string) RemoteClient

// SparkSource fetches spark export records from a tenant-configured URL.
type SparkSource interface {
	FetchAll(ctx context.Context, url, token string) ([]remote.SparkRecord, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Deps carries everything the workflow handlers need. All handlers are
// methods on Deps so the registry can hand them to the runtime directly.
type Deps struct {
	Library  LibraryStore
	Settings SettingsStore
	Cipher   TokenCipher
	Remote   RemoteFactory
	Sparks   SparkSource
	Embedder Embedder

	// EmbedSelectLimit caps how many un-embedded highlights one run
	// picks up; EmbedBatchSize is the provider's per-request input cap.
	EmbedSelectLimit int
	EmbedBatchSize   int

	// AutomationSampleSize is how many highlights the automation
	// workflow samples per run.
	AutomationSampleSize int

	Logger logger.Logger
}

func (d *Deps) embedSelectLimit() int {
	if d.EmbedSelectLimit > 0 {
		return d.EmbedSelectLimit
	}
	return 500
}

func (d *Deps) embedBatchSize() int {
	if d.EmbedBatchSize > 0 {
		return d.EmbedBatchSize
	}
	return 100
}

func (d *Deps) automationSampleSize() int {
	if d.AutomationSampleSize > 0 {
		return d.AutomationSampleSize
	}
	return 5
}
