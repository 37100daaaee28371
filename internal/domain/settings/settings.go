package settings

import (
	"time"
)

// Frequency is how often a recurring task runs. Off is the disable
// state; subscriptions are never deleted outright.
type Frequency string

const (
	FrequencyOff     Frequency = "off"
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ThresholdHours is the minimum elapsed time before a subscription is
// due again. Daily is deliberately 23 rather than 24 so an hourly
// scheduler cycle arriving slightly early does not push a daily task
// to the next day.
func (f Frequency) ThresholdHours() float64 {
	switch f {
	case FrequencyHourly:
		return 1
	case FrequencyDaily:
		return 23
	case FrequencyWeekly:
		return 7 * 24
	case FrequencyMonthly:
		return 30 * 24
	default:
		return 0
	}
}

// JobSubscription is one tenant's opt-in to one recurring task.
type JobSubscription struct {
	Enabled   bool       `json:"enabled"`
	Frequency Frequency  `json:"frequency"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
}

// Due reports whether the subscription should run now. A subscription
// that has never run is always due.
func (s *JobSubscription) Due(now time.Time) bool {
	if !s.Enabled || s.Frequency == FrequencyOff || s.Frequency == "" {
		return false
	}
	if s.LastRun == nil {
		return true
	}
	hoursSince := now.Sub(*s.LastRun).Hours()
	return hoursSince >= s.Frequency.ThresholdHours()
}

// ImportSummary is persisted after a spark import run.
type ImportSummary struct {
	Imported          int            `json:"imported"`
	SkippedDuplicates int            `json:"skippedDuplicates"`
	SkipReasons       map[string]int `json:"skipReasons,omitempty"`
	NewCategories     []string       `json:"newCategories,omitempty"`
	NewTags           []string       `json:"newTags,omitempty"`
	FinishedAt        time.Time      `json:"finishedAt"`
}

// TenantSettings is the per-tenant settings aggregate. Credentials are
// stored encrypted; the Jobs map is keyed by task identifier.
type TenantSettings struct {
	TenantID string `gorm:"primaryKey;type:varchar(64)" json:"tenantId"`

	ReadwiseToken    string `json:"-"`
	SparkImportURL   string `json:"sparkImportUrl,omitempty"`
	SparkImportToken string `json:"-"`

	Jobs map[string]*JobSubscription `gorm:"serializer:json" json:"jobs,omitempty"`

	LastSyncedBooks      *time.Time     `json:"lastSyncedBooks,omitempty"`
	LastSyncedHighlights *time.Time     `json:"lastSyncedHighlights,omitempty"`
	LastImportSummary    *ImportSummary `gorm:"serializer:json" json:"lastImportSummary,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (TenantSettings) TableName() string {
	return "tenant_settings"
}
