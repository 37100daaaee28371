package workflows

import (
	"context"
	"errors"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/internal/services/runtime"
)

// CountBooks compares the remote book count against the local library.
func (d *Deps) CountBooks(rc *runtime.Context) execution.Outcome {
	ctx := rc.Context()
	tenantID := rc.TenantID()
	if tenantID == "" {
		return execution.Failed(errors.New("event is missing tenantId"), nil)
	}

	_, token, err := d.loadReadwiseSettings(ctx, tenantID)
	if err != nil {
		return execution.Failed(err, nil)
	}
	client := d.Remote(token)

	remoteCount, err := runtime.Step(rc, "count-remote", func(ctx context.Context) (int, error) {
		return client.CountBooks(ctx)
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	localCount, err := d.Library.CountBooks(ctx, tenantID)
	if err != nil {
		return execution.Failed(err, nil)
	}

	return execution.Completed(map[string]interface{}{
		"remoteCount": remoteCount,
		"localCount":  localCount,
	})
}

// TestConnection probes the remote API with the tenant's token.
func (d *Deps) TestConnection(rc *runtime.Context) execution.Outcome {
	ctx := rc.Context()
	tenantID := rc.TenantID()
	if tenantID == "" {
		return execution.Failed(errors.New("event is missing tenantId"), nil)
	}

	_, token, err := d.loadReadwiseSettings(ctx, tenantID)
	if err != nil {
		return execution.Failed(err, nil)
	}
	client := d.Remote(token)

	_, err = runtime.Step(rc, "probe-auth", func(ctx context.Context) (bool, error) {
		if err := client.ProbeAuth(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return execution.Failed(err, nil)
	}

	return execution.Completed(map[string]interface{}{"connected": true})
}
