package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell-go/internal/domain/settings"
	"github.com/inkwell-go/pkg/database"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("tenant settings not found")

type Repository struct {
	db *database.DB
}

func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByTenant(ctx context.Context, tenantID string) (*settings.TenantSettings, error) {
	var s settings.TenantSettings
	err := r.db.WithContext(ctx).First(&s, "tenant_id = ?", tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant settings: %w", err)
	}
	return &s, nil
}

func (r *Repository) Save(ctx context.Context, s *settings.TenantSettings) error {
	if err := r.db.WithContext(ctx).Save(s).Error; err != nil {
		return fmt.Errorf("failed to save tenant settings: %w", err)
	}
	return nil
}

// ListTenantsWithJobs returns every tenant that has at least one job
// subscription. The subscription map lives in a JSON column, so the
// filter happens here rather than in SQL.
func (r *Repository) ListTenantsWithJobs(ctx context.Context) ([]*settings.TenantSettings, error) {
	var all []*settings.TenantSettings
	if err := r.db.WithContext(ctx).Find(&all).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenant settings: %w", err)
	}

	out := make([]*settings.TenantSettings, 0, len(all))
	for _, s := range all {
		if len(s.Jobs) > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

// UpdateLastRun stamps a single job subscription. The whole map is
// rewritten because subscriptions are stored as one JSON value.
func (r *Repository) UpdateLastRun(ctx context.Context, tenantID, task string, ranAt time.Time) error {
	s, err := r.GetByTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	sub, ok := s.Jobs[task]
	if !ok {
		return fmt.Errorf("tenant %s has no subscription for task %s", tenantID, task)
	}
	sub.LastRun = &ranAt

	// column-keyed updates bypass the json serializer, so the map is
	// encoded by hand
	payload, err := json.Marshal(s.Jobs)
	if err != nil {
		return fmt.Errorf("failed to encode job subscriptions: %w", err)
	}

	err = r.db.WithContext(ctx).
		Model(&settings.TenantSettings{}).
		Where("tenant_id = ?", tenantID).
		Update("jobs", string(payload)).Error
	if err != nil {
		return fmt.Errorf("failed to update last run: %w", err)
	}
	return nil
}

func (r *Repository) SetLastSyncedBooks(ctx context.Context, tenantID string, at time.Time) error {
	return r.setColumn(ctx, tenantID, "last_synced_books", at)
}

func (r *Repository) SetLastSyncedHighlights(ctx context.Context, tenantID string, at time.Time) error {
	return r.setColumn(ctx, tenantID, "last_synced_highlights", at)
}

func (r *Repository) SetImportSummary(ctx context.Context, tenantID string, summary *settings.ImportSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode import summary: %w", err)
	}
	return r.setColumn(ctx, tenantID, "last_import_summary", string(payload))
}

func (r *Repository) setColumn(ctx context.Context, tenantID, column string, value interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&settings.TenantSettings{}).
		Where("tenant_id = ?", tenantID).
		Update(column, value)
	if result.Error != nil {
		return fmt.Errorf("failed to update %s: %w", column, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
