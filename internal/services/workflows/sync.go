package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/internal/domain/library"
	"github.com/inkwell-go/internal/domain/settings"
	"github.com/inkwell-go/internal/services/library/repository"
	"github.com/inkwell-go/internal/services/remote"
	"github.com/inkwell-go/internal/services/runtime"
)

// loadReadwiseSettings fails fast when the tenant has no usable token.
// Credential loading happens outside any step so the decrypted token is
// never persisted in a step payload.
func (d *Deps) loadReadwiseSettings(ctx context.Context, tenantID string) (*settings.TenantSettings, string, error) {
	s, err := d.Settings.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load tenant settings: %w", err)
	}
	if s.ReadwiseToken == "" {
		return nil, "", errors.New("tenant has no readwise token configured")
	}
	token, err := d.Cipher.Decrypt(s.ReadwiseToken)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt readwise token: %w", err)
	}
	return s, token, nil
}

type bookFetch struct {
	StartedAt time.Time           `json:"startedAt"`
	Books     []remote.RemoteBook `json:"books"`
}

// syncPlan pins one run's insert/update partition. Classification is
// memoized so a redelivered run replays the original partition: batch
// steps are named by position, and re-classifying against storage that
// already absorbed some batches would shift rows between names.
type syncPlan[T any] struct {
	Inserts   []T `json:"inserts"`
	Updates   []T `json:"updates"`
	Unchanged int `json:"unchanged"`
}

// SyncBooks pulls the tenant's remote book list, classifies each record
// against local state, and writes inserts and updates in bounded
// batches. A failed batch is counted and skipped, never fatal; the
// last-synced watermark only moves when every batch landed.
func (d *Deps) SyncBooks(rc *runtime.Context) execution.Outcome {
	ctx := rc.Context()
	tenantID := rc.TenantID()
	if tenantID == "" {
		return execution.Failed(errors.New("event is missing tenantId"), nil)
	}

	s, token, err := d.loadReadwiseSettings(ctx, tenantID)
	if err != nil {
		return execution.Failed(err, nil)
	}
	client := d.Remote(token)

	fetched, err := runtime.Step(rc, "fetch-books", func(ctx context.Context) (bookFetch, error) {
		startedAt := time.Now().UTC()
		books, err := client.FetchBooks(ctx, s.LastSyncedBooks)
		if err != nil {
			return bookFetch{}, err
		}
		return bookFetch{StartedAt: startedAt, Books: books}, nil
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	plan, err := runtime.Step(rc, "classify-books", func(ctx context.Context) (syncPlan[*library.Book], error) {
		states, err := d.Library.ListBookSyncStates(ctx, tenantID)
		if err != nil {
			return syncPlan[*library.Book]{}, err
		}
		inserts, updates, unchanged := classifyBooks(tenantID, fetched.Books, states)
		return syncPlan[*library.Book]{Inserts: inserts, Updates: updates, Unchanged: unchanged}, nil
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	failedBatches := 0
	for i, batch := range chunk(plan.Inserts, writeBatchSize) {
		batch := batch
		_, err := runtime.Step(rc, fmt.Sprintf("insert-books-%d", i), func(ctx context.Context) (int, error) {
			if err := d.Library.InsertBooks(ctx, batch); err != nil {
				return 0, err
			}
			return len(batch), nil
		})
		if err != nil {
			failedBatches++
			rc.Logger().Error("Book insert batch failed", "batch", i, "size", len(batch), "error", err)
		}
	}

	for i, batch := range chunk(plan.Updates, writeBatchSize) {
		batch := batch
		_, err := runtime.Step(rc, fmt.Sprintf("update-books-%d", i), func(ctx context.Context) (int, error) {
			for _, book := range batch {
				if err := d.Library.UpdateBook(ctx, book); err != nil {
					return 0, err
				}
			}
			return len(batch), nil
		})
		if err != nil {
			failedBatches++
			rc.Logger().Error("Book update batch failed", "batch", i, "size", len(batch), "error", err)
		}
	}

	if failedBatches == 0 {
		_, err = runtime.Step(rc, "record-last-synced", func(ctx context.Context) (bool, error) {
			if err := d.Settings.SetLastSyncedBooks(ctx, tenantID, fetched.StartedAt); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return execution.Failed(err, nil)
		}
	}

	return execution.Completed(map[string]interface{}{
		"fetched":       len(fetched.Books),
		"inserted":      len(plan.Inserts),
		"updated":       len(plan.Updates),
		"unchanged":     plan.Unchanged,
		"failedBatches": failedBatches,
	})
}

type highlightFetch struct {
	StartedAt  time.Time                `json:"startedAt"`
	Highlights []remote.RemoteHighlight `json:"highlights"`
}

// SyncHighlights mirrors SyncBooks for highlights. Remote tag names are
// stored in the legacy comma-separated column; the tag migration
// workflow drains them into link rows.
func (d *Deps) SyncHighlights(rc *runtime.Context) execution.Outcome {
	ctx := rc.Context()
	tenantID := rc.TenantID()
	if tenantID == "" {
		return execution.Failed(errors.New("event is missing tenantId"), nil)
	}

	s, token, err := d.loadReadwiseSettings(ctx, tenantID)
	if err != nil {
		return execution.Failed(err, nil)
	}
	client := d.Remote(token)

	fetched, err := runtime.Step(rc, "fetch-highlights", func(ctx context.Context) (highlightFetch, error) {
		startedAt := time.Now().UTC()
		highlights, err := client.FetchHighlights(ctx, s.LastSyncedHighlights)
		if err != nil {
			return highlightFetch{}, err
		}
		return highlightFetch{StartedAt: startedAt, Highlights: highlights}, nil
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	plan, err := runtime.Step(rc, "classify-highlights", func(ctx context.Context) (syncPlan[*library.Highlight], error) {
		states, err := d.Library.ListHighlightSyncStates(ctx, tenantID)
		if err != nil {
			return syncPlan[*library.Highlight]{}, err
		}
		inserts, updates, unchanged := classifyHighlights(tenantID, fetched.Highlights, states)
		return syncPlan[*library.Highlight]{Inserts: inserts, Updates: updates, Unchanged: unchanged}, nil
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	failedBatches := 0
	for i, batch := range chunk(plan.Inserts, writeBatchSize) {
		batch := batch
		_, err := runtime.Step(rc, fmt.Sprintf("insert-highlights-%d", i), func(ctx context.Context) (int, error) {
			if err := d.Library.InsertHighlights(ctx, batch); err != nil {
				return 0, err
			}
			return len(batch), nil
		})
		if err != nil {
			failedBatches++
			rc.Logger().Error("Highlight insert batch failed", "batch", i, "size", len(batch), "error", err)
		}
	}

	for i, batch := range chunk(plan.Updates, writeBatchSize) {
		batch := batch
		_, err := runtime.Step(rc, fmt.Sprintf("update-highlights-%d", i), func(ctx context.Context) (int, error) {
			for _, highlight := range batch {
				if err := d.Library.UpdateHighlight(ctx, highlight); err != nil {
					return 0, err
				}
			}
			return len(batch), nil
		})
		if err != nil {
			failedBatches++
			rc.Logger().Error("Highlight update batch failed", "batch", i, "size", len(batch), "error", err)
		}
	}

	if failedBatches == 0 {
		_, err = runtime.Step(rc, "record-last-synced", func(ctx context.Context) (bool, error) {
			if err := d.Settings.SetLastSyncedHighlights(ctx, tenantID, fetched.StartedAt); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return execution.Failed(err, nil)
		}
	}

	return execution.Completed(map[string]interface{}{
		"fetched":       len(fetched.Highlights),
		"inserted":      len(plan.Inserts),
		"updated":       len(plan.Updates),
		"unchanged":     plan.Unchanged,
		"failedBatches": failedBatches,
	})
}

// classifyBooks splits remote records into inserts, updates and an
// unchanged count. A record is unchanged only when the remote timestamp
// is present and not strictly newer than the stored one: an equal
// timestamp means the record was seen before, so it is skipped rather
// than rewritten.
func classifyBooks(tenantID string, books []remote.RemoteBook, states map[int64]repository.RecordState) ([]*library.Book, []*library.Book, int) {
	var inserts, updates []*library.Book
	unchanged := 0

	for _, b := range books {
		state, exists := states[b.ID]
		if exists && !remoteIsNewer(b.Updated, state.RemoteUpdatedAt) {
			unchanged++
			continue
		}

		record := &library.Book{
			TenantID:        tenantID,
			ReadwiseID:      b.ID,
			Title:           b.Title,
			Author:          b.Author,
			Category:        b.Category,
			SourceURL:       b.SourceURL,
			CoverURL:        b.CoverImageURL,
			NumHighlights:   b.NumHighlights,
			LastHighlightAt: b.LastHighlightAt,
			RemoteUpdatedAt: b.Updated,
		}
		if exists {
			record.ID = state.ID
			updates = append(updates, record)
		} else {
			inserts = append(inserts, record)
		}
	}
	return inserts, updates, unchanged
}

func classifyHighlights(tenantID string, highlights []remote.RemoteHighlight, states map[int64]repository.RecordState) ([]*library.Highlight, []*library.Highlight, int) {
	var inserts, updates []*library.Highlight
	unchanged := 0

	for _, h := range highlights {
		state, exists := states[h.ID]
		if exists && !remoteIsNewer(h.Updated, state.RemoteUpdatedAt) {
			unchanged++
			continue
		}

		tagNames := make([]string, 0, len(h.Tags))
		for _, tag := range h.Tags {
			tagNames = append(tagNames, tag.Name)
		}

		record := &library.Highlight{
			TenantID:        tenantID,
			ReadwiseID:      h.ID,
			BookID:          h.BookID,
			Text:            h.Text,
			Note:            h.Note,
			Location:        h.Location,
			HighlightedAt:   h.HighlightedAt,
			RemoteUpdatedAt: h.Updated,
			LegacyTags:      strings.Join(tagNames, ","),
		}
		if exists {
			record.ID = state.ID
			updates = append(updates, record)
		} else {
			inserts = append(inserts, record)
		}
	}
	return inserts, updates, unchanged
}

// remoteIsNewer is false when either side lacks a timestamp: an
// existing record without a remote timestamp cannot be proven stale.
func remoteIsNewer(remote, stored *time.Time) bool {
	if remote == nil {
		return false
	}
	if stored == nil {
		return true
	}
	return remote.After(*stored)
}

// chunk splits items into size-bounded batches, preserving order.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
