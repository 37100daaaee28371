package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/internal/services/runtime"
)

type embedBatchResult struct {
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
}

// embedCandidate pins one selected highlight in the run's step state.
// Selection is memoized so a redelivered run chunks the original
// candidate set; re-selecting would shift rows under the positionally
// named batch steps.
type embedCandidate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// GenerateEmbeddings embeds un-embedded highlights in provider-sized
// sub-batches. Individual write failures are counted and skipped so one
// bad row cannot block the rest of the batch.
func (d *Deps) GenerateEmbeddings(rc *runtime.Context) execution.Outcome {
	tenantID := rc.TenantID()
	if tenantID == "" {
		return execution.Failed(errors.New("event is missing tenantId"), nil)
	}

	candidates, err := runtime.Step(rc, "select-candidates", func(ctx context.Context) ([]embedCandidate, error) {
		highlights, err := d.Library.HighlightsMissingEmbedding(ctx, tenantID, d.embedSelectLimit())
		if err != nil {
			return nil, err
		}
		out := make([]embedCandidate, len(highlights))
		for i, h := range highlights {
			out[i] = embedCandidate{ID: h.ID, Text: h.Text}
		}
		return out, nil
	})
	if err != nil {
		return execution.Failed(err, nil)
	}
	if len(candidates) == 0 {
		return execution.Completed(map[string]interface{}{
			"selected": 0,
			"embedded": 0,
		})
	}

	embedded, withoutEmbedding := 0, 0
	for i, batch := range chunk(candidates, d.embedBatchSize()) {
		batch := batch
		result, err := runtime.Step(rc, fmt.Sprintf("embed-batch-%d", i), func(ctx context.Context) (embedBatchResult, error) {
			texts := make([]string, len(batch))
			for j, c := range batch {
				texts[j] = c.Text
			}

			vectors, err := d.Embedder.Embed(ctx, texts)
			if err != nil {
				return embedBatchResult{}, err
			}

			var out embedBatchResult
			now := time.Now().UTC()
			for j, c := range batch {
				if err := d.Library.SaveHighlightEmbedding(ctx, c.ID, vectors[j], now); err != nil {
					out.Failed++
					rc.Logger().Error("Failed to save embedding", "highlightId", c.ID, "error", err)
					continue
				}
				out.Embedded++
			}
			return out, nil
		})
		if err != nil {
			return execution.Failed(err, map[string]interface{}{
				"selected": len(candidates),
				"embedded": embedded,
			})
		}
		embedded += result.Embedded
		withoutEmbedding += result.Failed
	}

	return execution.Completed(map[string]interface{}{
		"selected":         len(candidates),
		"embedded":         embedded,
		"withoutEmbedding": withoutEmbedding,
	})
}
