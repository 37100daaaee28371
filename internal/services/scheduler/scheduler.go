package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inkwell-go/internal/domain/settings"
	"github.com/inkwell-go/internal/services/workflows"
	"github.com/inkwell-go/pkg/events"
	"github.com/inkwell-go/pkg/logger"
	"github.com/inkwell-go/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const cycleLockKey = "inkwell:scheduler:cycle-lock"

// SettingsRepository is the slice of the settings store the scheduler
// needs: tenants to scan and the last-run stamp to advance.
type SettingsRepository interface {
	ListTenantsWithJobs(ctx context.Context) ([]*settings.TenantSettings, error)
	UpdateLastRun(ctx context.Context, tenantID, task string, ranAt time.Time) error
}

// Trigger is one (tenant, task) pair dispatched during a cycle.
type Trigger struct {
	TenantID string `json:"tenantId"`
	Task     string `json:"task"`
}

// CycleSummary reports what one scheduler pass did.
type CycleSummary struct {
	Scanned   int       `json:"scanned"`
	Triggered int       `json:"triggered"`
	Skipped   int       `json:"skipped"`
	Triggers  []Trigger `json:"triggers,omitempty"`
}

// Scheduler fires hourly, scans every tenant's job subscriptions and
// dispatches start events for the due ones. A redis lock keeps exactly
// one instance running the cycle when several replicas are deployed.
type Scheduler struct {
	settings   SettingsRepository
	dispatcher events.Dispatcher
	registry   map[string]workflows.Definition
	redis      *redis.Client
	lockTTL    time.Duration
	cron       *cron.Cron
	instanceID string
	logger     logger.Logger
	now        func() time.Time
}

func New(
	settingsRepo SettingsRepository,
	dispatcher events.Dispatcher,
	registry map[string]workflows.Definition,
	redisClient *redis.Client,
	lockTTL time.Duration,
	log logger.Logger,
) *Scheduler {
	return &Scheduler{
		settings:   settingsRepo,
		dispatcher: dispatcher,
		registry:   registry,
		redis:      redisClient,
		lockTTL:    lockTTL,
		cron:       cron.New(),
		instanceID: uuid.New().String(),
		logger:     log,
		now:        time.Now,
	}
}

func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc("@hourly", func() {
		s.runLocked(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to register cron entry: %w", err)
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "instanceId", s.instanceID)
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// runLocked runs one cycle under the distributed lock. Losing the lock
// race is the normal case for all but one replica.
func (s *Scheduler) runLocked(ctx context.Context) {
	acquired, err := s.redis.SetNX(ctx, cycleLockKey, s.instanceID, s.lockTTL).Result()
	if err != nil {
		s.logger.Error("Failed to acquire scheduler lock", "error", err)
		return
	}
	if !acquired {
		s.logger.Debug("Another instance holds the scheduler lock")
		return
	}

	summary, err := s.RunCycle(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("Scheduler cycle failed", "error", err)
		return
	}
	s.logger.Info("Scheduler cycle finished",
		"scanned", summary.Scanned,
		"triggered", summary.Triggered,
		"skipped", summary.Skipped)
}

// RunCycle scans all tenants and dispatches every due subscription.
// last-run only advances after a successful dispatch, so a failed
// dispatch is retried on the next cycle.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) (CycleSummary, error) {
	metrics.SchedulerCyclesTotal.Inc()

	tenants, err := s.settings.ListTenantsWithJobs(ctx)
	if err != nil {
		return CycleSummary{}, fmt.Errorf("failed to list tenants: %w", err)
	}

	summary := CycleSummary{Scanned: len(tenants)}
	for _, tenant := range tenants {
		for task, sub := range tenant.Jobs {
			if !sub.Due(now) {
				summary.Skipped++
				continue
			}

			def, known := s.registry[task]
			if !known {
				s.logger.Warn("Subscription references unknown task",
					"tenantId", tenant.TenantID, "task", task)
				summary.Skipped++
				continue
			}
			if !def.ValidateSettings(tenant) {
				s.logger.Debug("Tenant lacks settings required by task",
					"tenantId", tenant.TenantID, "task", task)
				summary.Skipped++
				continue
			}

			evt := events.NewEvent(def.Event, tenant.TenantID, def.BuildPayload(tenant.TenantID, tenant))
			if err := s.dispatcher.Dispatch(ctx, evt); err != nil {
				s.logger.Error("Failed to dispatch workflow start event",
					"tenantId", tenant.TenantID, "task", task, "error", err)
				summary.Skipped++
				continue
			}

			if err := s.settings.UpdateLastRun(ctx, tenant.TenantID, task, now); err != nil {
				s.logger.Error("Failed to record last run",
					"tenantId", tenant.TenantID, "task", task, "error", err)
			}

			metrics.SchedulerTriggersTotal.WithLabelValues(task).Inc()
			summary.Triggered++
			summary.Triggers = append(summary.Triggers, Trigger{TenantID: tenant.TenantID, Task: task})
		}
	}

	return summary, nil
}
