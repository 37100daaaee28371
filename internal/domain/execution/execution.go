package execution

import (
	"time"
)

// Run status values for the execution log.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Step record completion states.
const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
)

// LogEntry is the persistent observability mirror of one workflow run.
// One row per run identifier; intermediate step outputs mutate Result
// in place, the terminal outcome transitions Status exactly once.
type LogEntry struct {
	ID           string                 `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RunID        string                 `gorm:"uniqueIndex;type:varchar(64);not null" json:"runId"`
	Task         string                 `gorm:"index;type:varchar(64)" json:"task"`
	Event        string                 `gorm:"type:varchar(128)" json:"event"`
	TenantID     *string                `gorm:"index;type:varchar(64)" json:"tenantId,omitempty"`
	Status       string                 `gorm:"index;type:varchar(16)" json:"status"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	DurationMS   int64                  `json:"durationMs"`
	Input        map[string]interface{} `gorm:"serializer:json" json:"input"`
	Result       map[string]interface{} `gorm:"serializer:json" json:"result,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	ErrorTrace   string                 `json:"errorTrace,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

func (LogEntry) TableName() string {
	return "execution_log"
}

// Terminal reports whether the entry reached a terminal status.
func (e *LogEntry) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// StepRecord is the memoized result of one named step within one run.
// The (run_id, name) pair is unique at the storage layer; once a
// succeeded record exists it is never mutated, and replays of the run
// return its payload without re-invoking the step body.
type StepRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RunID     string    `gorm:"uniqueIndex:idx_step_run_name;type:varchar(64);not null" json:"runId"`
	Name      string    `gorm:"uniqueIndex:idx_step_run_name;type:varchar(128);not null" json:"name"`
	Payload   string    `json:"payload"`
	State     string    `gorm:"type:varchar(16)" json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

func (StepRecord) TableName() string {
	return "execution_steps"
}
