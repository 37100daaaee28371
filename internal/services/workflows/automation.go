package workflows

import (
	"context"
	"errors"
	"time"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/internal/domain/library"
	"github.com/inkwell-go/internal/services/runtime"
)

type automationResult struct {
	AutomationID string `json:"automationId"`
	TargetTag    string `json:"targetTag"`
	Actions      int    `json:"actions"`
	Sampled      int    `json:"sampled"`
}

// RunAutomation samples a handful of highlights and writes a pending
// automation that will resurface them under a dated tag. The sampling
// and the write share one step so the random pick is never repeated on
// replay.
func (d *Deps) RunAutomation(rc *runtime.Context) execution.Outcome {
	tenantID := rc.TenantID()
	if tenantID == "" {
		return execution.Failed(errors.New("event is missing tenantId"), nil)
	}

	result, err := runtime.Step(rc, "build-automation", func(ctx context.Context) (automationResult, error) {
		sample, err := d.Library.RandomHighlights(ctx, tenantID, d.automationSampleSize())
		if err != nil {
			return automationResult{}, err
		}
		if len(sample) == 0 {
			return automationResult{}, nil
		}

		targetTag := "revisit-" + time.Now().UTC().Format("2006-01-02")
		exists, err := d.Library.TagExists(ctx, tenantID, targetTag)
		if err != nil {
			return automationResult{}, err
		}

		var actions []*library.AutomationAction
		if !exists {
			actions = append(actions, &library.AutomationAction{
				Kind:    library.ActionCreateTag,
				Payload: map[string]interface{}{"name": targetTag},
			})
		}
		for _, h := range sample {
			actions = append(actions, &library.AutomationAction{
				Kind: library.ActionAddTag,
				Payload: map[string]interface{}{
					"recordId": h.ID,
					"tag":      targetTag,
				},
			})
		}

		automation := &library.Automation{
			TenantID:  tenantID,
			TargetTag: targetTag,
		}
		if err := d.Library.CreateAutomation(ctx, automation, actions); err != nil {
			return automationResult{}, err
		}

		return automationResult{
			AutomationID: automation.ID,
			TargetTag:    targetTag,
			Actions:      len(actions),
			Sampled:      len(sample),
		}, nil
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	if result.Sampled == 0 {
		return execution.Completed(map[string]interface{}{"sampled": 0})
	}
	return execution.Completed(map[string]interface{}{
		"automationId": result.AutomationID,
		"targetTag":    result.TargetTag,
		"actions":      result.Actions,
		"sampled":      result.Sampled,
	})
}
