package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inkwell-go/internal/domain/library"
	"github.com/inkwell-go/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct {
	db *database.DB
}

func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// RecordState is the minimal projection the sync classifier needs: the
// local row ID and the remote timestamp stored at last sync.
type RecordState struct {
	ID              string
	RemoteUpdatedAt *time.Time
}

func (r *Repository) ListBookSyncStates(ctx context.Context, tenantID string) (map[int64]RecordState, error) {
	var rows []struct {
		ID              string
		ReadwiseID      int64
		RemoteUpdatedAt *time.Time
	}
	err := r.db.WithContext(ctx).
		Model(&library.Book{}).
		Select("id", "readwise_id", "remote_updated_at").
		Where("tenant_id = ?", tenantID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list book sync states: %w", err)
	}

	states := make(map[int64]RecordState, len(rows))
	for _, row := range rows {
		states[row.ReadwiseID] = RecordState{ID: row.ID, RemoteUpdatedAt: row.RemoteUpdatedAt}
	}
	return states, nil
}

func (r *Repository) ListHighlightSyncStates(ctx context.Context, tenantID string) (map[int64]RecordState, error) {
	var rows []struct {
		ID              string
		ReadwiseID      int64
		RemoteUpdatedAt *time.Time
	}
	err := r.db.WithContext(ctx).
		Model(&library.Highlight{}).
		Select("id", "readwise_id", "remote_updated_at").
		Where("tenant_id = ?", tenantID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list highlight sync states: %w", err)
	}

	states := make(map[int64]RecordState, len(rows))
	for _, row := range rows {
		states[row.ReadwiseID] = RecordState{ID: row.ID, RemoteUpdatedAt: row.RemoteUpdatedAt}
	}
	return states, nil
}

func (r *Repository) InsertBooks(ctx context.Context, books []*library.Book) error {
	if len(books) == 0 {
		return nil
	}
	for _, b := range books {
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
	}
	// insert-ignore on the natural key so a replayed batch that already
	// landed is a no-op instead of a duplicate-key error
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "readwise_id"}},
			DoNothing: true,
		}).
		Create(&books).Error
	if err != nil {
		return fmt.Errorf("failed to insert books: %w", err)
	}
	return nil
}

func (r *Repository) UpdateBook(ctx context.Context, book *library.Book) error {
	if err := r.db.WithContext(ctx).Save(book).Error; err != nil {
		return fmt.Errorf("failed to update book: %w", err)
	}
	return nil
}

func (r *Repository) InsertHighlights(ctx context.Context, highlights []*library.Highlight) error {
	if len(highlights) == 0 {
		return nil
	}
	for _, h := range highlights {
		if h.ID == "" {
			h.ID = uuid.New().String()
		}
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "readwise_id"}},
			DoNothing: true,
		}).
		Create(&highlights).Error
	if err != nil {
		return fmt.Errorf("failed to insert highlights: %w", err)
	}
	return nil
}

func (r *Repository) UpdateHighlight(ctx context.Context, highlight *library.Highlight) error {
	if err := r.db.WithContext(ctx).Save(highlight).Error; err != nil {
		return fmt.Errorf("failed to update highlight: %w", err)
	}
	return nil
}

func (r *Repository) CountBooks(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&library.Book{}).
		Where("tenant_id = ?", tenantID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count books: %w", err)
	}
	return count, nil
}

// ExistingSparkUIDs returns which of the given external UIDs are
// already imported for the tenant.
func (r *Repository) ExistingSparkUIDs(ctx context.Context, tenantID string, uids []string) (map[string]bool, error) {
	if len(uids) == 0 {
		return map[string]bool{}, nil
	}

	var existing []string
	err := r.db.WithContext(ctx).
		Model(&library.Spark{}).
		Where("tenant_id = ? AND external_uid IN ?", tenantID, uids).
		Pluck("external_uid", &existing).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check spark uids: %w", err)
	}

	out := make(map[string]bool, len(existing))
	for _, uid := range existing {
		out[uid] = true
	}
	return out, nil
}

func (r *Repository) InsertSpark(ctx context.Context, spark *library.Spark) error {
	if spark.ID == "" {
		spark.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(spark).Error; err != nil {
		return fmt.Errorf("failed to insert spark: %w", err)
	}
	return nil
}

// FindOrCreateCategory resolves a category by slug, creating it when
// absent. Lookup is always by the normalized slug so "Deep Work" and
// "deep work" land on the same row.
func (r *Repository) FindOrCreateCategory(ctx context.Context, tenantID, name string) (*library.Category, bool, error) {
	slug := library.Slugify(name)

	var existing library.Category
	err := r.db.WithContext(ctx).First(&existing, "tenant_id = ? AND slug = ?", tenantID, slug).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to look up category: %w", err)
	}

	created := library.Category{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Name:     name,
		Slug:     slug,
	}
	if err := r.db.WithContext(ctx).Create(&created).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create category: %w", err)
	}
	return &created, true, nil
}

func (r *Repository) FindOrCreateTag(ctx context.Context, tenantID, name string) (*library.Tag, bool, error) {
	slug := library.Slugify(name)

	var existing library.Tag
	err := r.db.WithContext(ctx).First(&existing, "tenant_id = ? AND slug = ?", tenantID, slug).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to look up tag: %w", err)
	}

	created := library.Tag{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Name:     name,
		Slug:     slug,
	}
	if err := r.db.WithContext(ctx).Create(&created).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create tag: %w", err)
	}
	return &created, true, nil
}

func (r *Repository) TagExists(ctx context.Context, tenantID, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&library.Tag{}).
		Where("tenant_id = ? AND slug = ?", tenantID, library.Slugify(name)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check tag: %w", err)
	}
	return count > 0, nil
}

func (r *Repository) LinkSparkCategory(ctx context.Context, sparkID, categoryID string) error {
	link := library.SparkCategory{SparkID: sparkID, CategoryID: categoryID}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
	if err != nil {
		return fmt.Errorf("failed to link spark category: %w", err)
	}
	return nil
}

func (r *Repository) LinkSparkTag(ctx context.Context, sparkID, tagID string) error {
	link := library.SparkTag{SparkID: sparkID, TagID: tagID}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
	if err != nil {
		return fmt.Errorf("failed to link spark tag: %w", err)
	}
	return nil
}

func (r *Repository) LinkHighlightTag(ctx context.Context, highlightID, tagID string) error {
	link := library.HighlightTag{HighlightID: highlightID, TagID: tagID}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
	if err != nil {
		return fmt.Errorf("failed to link highlight tag: %w", err)
	}
	return nil
}

// HighlightsMissingEmbedding returns the oldest highlights that have
// never been embedded, up to limit.
func (r *Repository) HighlightsMissingEmbedding(ctx context.Context, tenantID string, limit int) ([]*library.Highlight, error) {
	var highlights []*library.Highlight
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND embedded_at IS NULL", tenantID).
		Order("created_at ASC").
		Limit(limit).
		Find(&highlights).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list highlights missing embedding: %w", err)
	}
	return highlights, nil
}

func (r *Repository) SaveHighlightEmbedding(ctx context.Context, highlightID string, embedding []float32, at time.Time) error {
	// the vector column is serializer:json, which map updates bypass
	payload, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	err = r.db.WithContext(ctx).
		Model(&library.Highlight{}).
		Where("id = ?", highlightID).
		Updates(map[string]interface{}{
			"embedding":   string(payload),
			"embedded_at": at,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save highlight embedding: %w", err)
	}
	return nil
}

func (r *Repository) RandomHighlights(ctx context.Context, tenantID string, count int) ([]*library.Highlight, error) {
	var highlights []*library.Highlight
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("RANDOM()").
		Limit(count).
		Find(&highlights).Error
	if err != nil {
		return nil, fmt.Errorf("failed to pick random highlights: %w", err)
	}
	return highlights, nil
}

func (r *Repository) HighlightsWithLegacyTags(ctx context.Context, tenantID string) ([]*library.Highlight, error) {
	var highlights []*library.Highlight
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND legacy_tags <> ''", tenantID).
		Find(&highlights).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list highlights with legacy tags: %w", err)
	}
	return highlights, nil
}

func (r *Repository) ClearLegacyTags(ctx context.Context, highlightID string) error {
	err := r.db.WithContext(ctx).
		Model(&library.Highlight{}).
		Where("id = ?", highlightID).
		Update("legacy_tags", "").Error
	if err != nil {
		return fmt.Errorf("failed to clear legacy tags: %w", err)
	}
	return nil
}

// CreateAutomation writes the automation and all its actions in one
// transaction so a partially written action list can never be observed.
func (r *Repository) CreateAutomation(ctx context.Context, automation *library.Automation, actions []*library.AutomationAction) error {
	if automation.ID == "" {
		automation.ID = uuid.New().String()
	}
	if automation.Status == "" {
		automation.Status = library.AutomationPending
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(automation).Error; err != nil {
			return fmt.Errorf("failed to create automation: %w", err)
		}
		for i, action := range actions {
			if action.ID == "" {
				action.ID = uuid.New().String()
			}
			action.AutomationID = automation.ID
			action.Position = i
			if err := tx.Create(action).Error; err != nil {
				return fmt.Errorf("failed to create automation action: %w", err)
			}
		}
		return nil
	})
}

func (r *Repository) ListAutomationActions(ctx context.Context, automationID string) ([]*library.AutomationAction, error) {
	var actions []*library.AutomationAction
	err := r.db.WithContext(ctx).
		Where("automation_id = ?", automationID).
		Order("position ASC").
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list automation actions: %w", err)
	}
	return actions, nil
}
