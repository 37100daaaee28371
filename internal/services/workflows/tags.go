package workflows

import (
	"context"
	"errors"
	"strings"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/internal/services/runtime"
)

type tagMigrationResult struct {
	Migrated int `json:"migrated"`
	Linked   int `json:"linked"`
	Created  int `json:"created"`
}

// MigrateTags drains the legacy comma-separated tag column into proper
// tag rows and link rows. The whole drain is one step: link writes are
// idempotent and the legacy column is only cleared after its links
// landed, so a retry picks up exactly where the last attempt stopped.
func (d *Deps) MigrateTags(rc *runtime.Context) execution.Outcome {
	tenantID := rc.TenantID()
	if tenantID == "" {
		return execution.Failed(errors.New("event is missing tenantId"), nil)
	}

	result, err := runtime.Step(rc, "migrate-legacy-tags", func(ctx context.Context) (tagMigrationResult, error) {
		highlights, err := d.Library.HighlightsWithLegacyTags(ctx, tenantID)
		if err != nil {
			return tagMigrationResult{}, err
		}

		var out tagMigrationResult
		for _, h := range highlights {
			migrated := true
			for _, name := range splitLegacyTags(h.LegacyTags) {
				tag, created, err := d.Library.FindOrCreateTag(ctx, tenantID, name)
				if err != nil {
					rc.Logger().Error("Failed to resolve tag during migration",
						"highlightId", h.ID, "name", name, "error", err)
					migrated = false
					continue
				}
				if created {
					out.Created++
				}
				if err := d.Library.LinkHighlightTag(ctx, h.ID, tag.ID); err != nil {
					rc.Logger().Error("Failed to link tag during migration",
						"highlightId", h.ID, "tagId", tag.ID, "error", err)
					migrated = false
					continue
				}
				out.Linked++
			}

			if !migrated {
				continue
			}
			if err := d.Library.ClearLegacyTags(ctx, h.ID); err != nil {
				rc.Logger().Error("Failed to clear legacy tags", "highlightId", h.ID, "error", err)
				continue
			}
			out.Migrated++
		}
		return out, nil
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	return execution.Completed(map[string]interface{}{
		"migrated": result.Migrated,
		"linked":   result.Linked,
		"created":  result.Created,
	})
}

func splitLegacyTags(raw string) []string {
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}
