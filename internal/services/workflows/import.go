package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/internal/domain/library"
	"github.com/inkwell-go/internal/domain/settings"
	"github.com/inkwell-go/internal/services/remote"
	"github.com/inkwell-go/internal/services/runtime"
)

// Skip reasons counted during spark import validation.
const (
	skipMissingUID      = "missing-uid"
	skipEmptyContent    = "empty-content"
	skipMissingCategory = "missing-category"
	skipMissingTag      = "missing-tag"
	skipWriteFailed     = "write-failed"
)

type importOutcome struct {
	Imported          int            `json:"imported"`
	SkippedDuplicates int            `json:"skippedDuplicates"`
	SkipReasons       map[string]int `json:"skipReasons,omitempty"`
	NewCategories     []string       `json:"newCategories,omitempty"`
	NewTags           []string       `json:"newTags,omitempty"`
}

// ImportSparks pulls a tenant's spark export, validates and dedups each
// record, inserts the new ones and links their categories and tags.
// Invalid records are counted per skip reason, never fatal.
func (d *Deps) ImportSparks(rc *runtime.Context) execution.Outcome {
	ctx := rc.Context()
	tenantID := rc.TenantID()
	if tenantID == "" {
		return execution.Failed(errors.New("event is missing tenantId"), nil)
	}

	s, err := d.Settings.GetByTenant(ctx, tenantID)
	if err != nil {
		return execution.Failed(fmt.Errorf("failed to load tenant settings: %w", err), nil)
	}
	if s.SparkImportURL == "" {
		return execution.Failed(errors.New("tenant has no spark import source configured"), nil)
	}
	token := ""
	if s.SparkImportToken != "" {
		token, err = d.Cipher.Decrypt(s.SparkImportToken)
		if err != nil {
			return execution.Failed(fmt.Errorf("failed to decrypt spark import token: %w", err), nil)
		}
	}

	records, err := runtime.Step(rc, "fetch-records", func(ctx context.Context) ([]remote.SparkRecord, error) {
		return d.Sparks.FetchAll(ctx, s.SparkImportURL, token)
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	// validation and dedup both live inside the import step so a retry
	// after a partial write re-checks what already landed
	result, err := runtime.Step(rc, "import-records", func(ctx context.Context) (importOutcome, error) {
		return d.importRecords(ctx, tenantID, records)
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	_, err = runtime.Step(rc, "record-summary", func(ctx context.Context) (bool, error) {
		summary := &settings.ImportSummary{
			Imported:          result.Imported,
			SkippedDuplicates: result.SkippedDuplicates,
			SkipReasons:       result.SkipReasons,
			NewCategories:     result.NewCategories,
			NewTags:           result.NewTags,
			FinishedAt:        time.Now().UTC(),
		}
		if err := d.Settings.SetImportSummary(ctx, tenantID, summary); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	return execution.Completed(map[string]interface{}{
		"fetched":           len(records),
		"imported":          result.Imported,
		"skippedDuplicates": result.SkippedDuplicates,
		"skipReasons":       result.SkipReasons,
		"newCategories":     result.NewCategories,
		"newTags":           result.NewTags,
	})
}

func (d *Deps) importRecords(ctx context.Context, tenantID string, records []remote.SparkRecord) (importOutcome, error) {
	result := importOutcome{SkipReasons: map[string]int{}}

	valid := make([]remote.SparkRecord, 0, len(records))
	uids := make([]string, 0, len(records))
	for _, record := range records {
		if reason := validateSpark(record); reason != "" {
			result.SkipReasons[reason]++
			continue
		}
		valid = append(valid, record)
		uids = append(uids, record.UID)
	}

	existing := make(map[string]bool, len(uids))
	for _, batch := range chunk(uids, writeBatchSize) {
		found, err := d.Library.ExistingSparkUIDs(ctx, tenantID, batch)
		if err != nil {
			return importOutcome{}, fmt.Errorf("failed to check existing sparks: %w", err)
		}
		for uid := range found {
			existing[uid] = true
		}
	}

	for _, record := range valid {
		if existing[record.UID] {
			result.SkippedDuplicates++
			continue
		}

		spark := &library.Spark{
			TenantID:    tenantID,
			ExternalUID: record.UID,
			Content:     record.Content,
		}
		if err := d.Library.InsertSpark(ctx, spark); err != nil {
			result.SkipReasons[skipWriteFailed]++
			d.Logger.Error("Failed to insert spark", "tenantId", tenantID, "uid", record.UID, "error", err)
			continue
		}
		result.Imported++

		for _, name := range record.Categories {
			category, created, err := d.Library.FindOrCreateCategory(ctx, tenantID, name)
			if err != nil {
				d.Logger.Error("Failed to resolve category", "tenantId", tenantID, "name", name, "error", err)
				continue
			}
			if created {
				result.NewCategories = append(result.NewCategories, category.Name)
			}
			if err := d.Library.LinkSparkCategory(ctx, spark.ID, category.ID); err != nil {
				d.Logger.Error("Failed to link spark category", "sparkId", spark.ID, "error", err)
			}
		}

		for _, name := range record.Tags {
			tag, created, err := d.Library.FindOrCreateTag(ctx, tenantID, name)
			if err != nil {
				d.Logger.Error("Failed to resolve tag", "tenantId", tenantID, "name", name, "error", err)
				continue
			}
			if created {
				result.NewTags = append(result.NewTags, tag.Name)
			}
			if err := d.Library.LinkSparkTag(ctx, spark.ID, tag.ID); err != nil {
				d.Logger.Error("Failed to link spark tag", "sparkId", spark.ID, "error", err)
			}
		}
	}

	if len(result.SkipReasons) == 0 {
		result.SkipReasons = nil
	}
	return result, nil
}

func validateSpark(record remote.SparkRecord) string {
	if record.UID == "" {
		return skipMissingUID
	}
	if record.Content == "" {
		return skipEmptyContent
	}
	if len(record.Categories) == 0 {
		return skipMissingCategory
	}
	if len(record.Tags) == 0 {
		return skipMissingTag
	}
	return ""
}
