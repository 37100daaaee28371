package workflows

import (
	"context"

	"github.com/inkwell-go/internal/domain/settings"
	"github.com/inkwell-go/internal/services/runtime"
	"github.com/inkwell-go/pkg/events"
)

// Task identifiers. These are the keys tenants use in their job
// subscription map.
const (
	TaskSyncBooks          = "sync-books"
	TaskSyncHighlights     = "sync-highlights"
	TaskCountBooks         = "count-books"
	TaskTestConnection     = "test-connection"
	TaskImportSparks       = "import-sparks"
	TaskGenerateEmbeddings = "generate-embeddings"
	TaskMigrateTags        = "migrate-tags"
	TaskAutomation         = "automation"
)

// Definition binds one task to its event, handler, payload builder and
// settings precondition. The scheduler consults ValidateSettings before
// dispatching so tenants missing required config are skipped quietly.
type Definition struct {
	Task             string
	Event            string
	Handler          runtime.Handler
	BuildPayload     func(tenantID string, s *settings.TenantSettings) map[string]interface{}
	ValidateSettings func(s *settings.TenantSettings) bool
}

func tenantPayload(tenantID string, _ *settings.TenantSettings) map[string]interface{} {
	return map[string]interface{}{"tenantId": tenantID}
}

func requiresReadwise(s *settings.TenantSettings) bool {
	return s.ReadwiseToken != ""
}

func requiresSparkSource(s *settings.TenantSettings) bool {
	return s.SparkImportURL != ""
}

func noPrecondition(_ *settings.TenantSettings) bool {
	return true
}

// All returns every known workflow definition wired to the given deps.
func All(d *Deps) []Definition {
	return []Definition{
		{
			Task:             TaskSyncBooks,
			Event:            events.ReadwiseSyncBooks,
			Handler:          d.SyncBooks,
			BuildPayload:     tenantPayload,
			ValidateSettings: requiresReadwise,
		},
		{
			Task:             TaskSyncHighlights,
			Event:            events.ReadwiseSyncHighlights,
			Handler:          d.SyncHighlights,
			BuildPayload:     tenantPayload,
			ValidateSettings: requiresReadwise,
		},
		{
			Task:             TaskCountBooks,
			Event:            events.ReadwiseCountBooks,
			Handler:          d.CountBooks,
			BuildPayload:     tenantPayload,
			ValidateSettings: requiresReadwise,
		},
		{
			Task:             TaskTestConnection,
			Event:            events.ReadwiseTestConnection,
			Handler:          d.TestConnection,
			BuildPayload:     tenantPayload,
			ValidateSettings: requiresReadwise,
		},
		{
			Task:             TaskImportSparks,
			Event:            events.SparksImport,
			Handler:          d.ImportSparks,
			BuildPayload:     tenantPayload,
			ValidateSettings: requiresSparkSource,
		},
		{
			Task:             TaskGenerateEmbeddings,
			Event:            events.EmbeddingsGenerate,
			Handler:          d.GenerateEmbeddings,
			BuildPayload:     tenantPayload,
			ValidateSettings: noPrecondition,
		},
		{
			Task:             TaskMigrateTags,
			Event:            events.LibraryMigrateTags,
			Handler:          d.MigrateTags,
			BuildPayload:     tenantPayload,
			ValidateSettings: noPrecondition,
		},
		{
			Task:             TaskAutomation,
			Event:            events.LibraryAutomation,
			Handler:          d.RunAutomation,
			BuildPayload:     tenantPayload,
			ValidateSettings: noPrecondition,
		},
	}
}

// Registry indexes definitions by task identifier.
func Registry(d *Deps) map[string]Definition {
	defs := All(d)
	registry := make(map[string]Definition, len(defs))
	for _, def := range defs {
		registry[def.Task] = def
	}
	return registry
}

// Attach subscribes every workflow to its event on the bus, routing
// deliveries through the runner.
func Attach(bus events.EventBus, runner *runtime.Runner, defs []Definition) error {
	for _, def := range defs {
		def := def
		err := bus.Subscribe(def.Event, func(ctx context.Context, evt events.Event) error {
			return runner.Execute(ctx, def.Task, def.Handler, evt)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
