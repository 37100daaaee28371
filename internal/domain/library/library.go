package library

import (
	"strings"
	"time"
	"unicode"
)

// Book is one synced Readwise book. (tenant_id, readwise_id) is the
// natural key used by the sync classifier.
type Book struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID        string     `gorm:"uniqueIndex:idx_books_tenant_remote;type:varchar(64);not null" json:"tenantId"`
	ReadwiseID      int64      `gorm:"uniqueIndex:idx_books_tenant_remote;not null" json:"readwiseId"`
	Title           string     `json:"title"`
	Author          string     `json:"author"`
	Category        string     `gorm:"type:varchar(32)" json:"category"`
	SourceURL       string     `json:"sourceUrl,omitempty"`
	CoverURL        string     `json:"coverUrl,omitempty"`
	NumHighlights   int        `json:"numHighlights"`
	LastHighlightAt *time.Time `json:"lastHighlightAt,omitempty"`
	// RemoteUpdatedAt mirrors the remote record's updated timestamp and
	// drives insert/update/unchanged classification during sync.
	RemoteUpdatedAt *time.Time `json:"remoteUpdatedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Highlight is one synced Readwise highlight.
type Highlight struct {
	ID            string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID      string     `gorm:"uniqueIndex:idx_highlights_tenant_remote;type:varchar(64);not null" json:"tenantId"`
	ReadwiseID    int64      `gorm:"uniqueIndex:idx_highlights_tenant_remote;not null" json:"readwiseId"`
	BookID        int64      `gorm:"index" json:"bookId"`
	Text          string     `json:"text"`
	Note          string     `json:"note,omitempty"`
	Location      int        `json:"location,omitempty"`
	HighlightedAt *time.Time `json:"highlightedAt,omitempty"`

	RemoteUpdatedAt *time.Time `json:"remoteUpdatedAt,omitempty"`

	// LegacyTags is the pre-migration comma-separated tag column. The
	// tag migration workflow drains it into proper tag link rows.
	LegacyTags string `json:"legacyTags,omitempty"`

	Embedding  []float32  `gorm:"serializer:json" json:"-"`
	EmbeddedAt *time.Time `gorm:"index" json:"embeddedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Spark is a short free-standing note imported from an external source.
type Spark struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID    string    `gorm:"uniqueIndex:idx_sparks_tenant_uid;type:varchar(64);not null" json:"tenantId"`
	ExternalUID string    `gorm:"uniqueIndex:idx_sparks_tenant_uid;type:varchar(128);not null" json:"externalUid"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Category struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID  string    `gorm:"uniqueIndex:idx_categories_tenant_slug;type:varchar(64);not null" json:"tenantId"`
	Name      string    `json:"name"`
	Slug      string    `gorm:"uniqueIndex:idx_categories_tenant_slug;type:varchar(128);not null" json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
}

type Tag struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID  string    `gorm:"uniqueIndex:idx_tags_tenant_slug;type:varchar(64);not null" json:"tenantId"`
	Name      string    `json:"name"`
	Slug      string    `gorm:"uniqueIndex:idx_tags_tenant_slug;type:varchar(128);not null" json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
}

type SparkCategory struct {
	SparkID    string `gorm:"primaryKey;type:varchar(64)" json:"sparkId"`
	CategoryID string `gorm:"primaryKey;type:varchar(64)" json:"categoryId"`
}

type SparkTag struct {
	SparkID string `gorm:"primaryKey;type:varchar(64)" json:"sparkId"`
	TagID   string `gorm:"primaryKey;type:varchar(64)" json:"tagId"`
}

type HighlightTag struct {
	HighlightID string `gorm:"primaryKey;type:varchar(64)" json:"highlightId"`
	TagID       string `gorm:"primaryKey;type:varchar(64)" json:"tagId"`
}

// Automation statuses.
const (
	AutomationPending = "pending"
	AutomationApplied = "applied"
)

// Automation action kinds.
const (
	ActionCreateTag = "create-tag-if-absent"
	ActionAddTag    = "add-tag-to-record"
)

// Automation is a pending side-effect job built by the randomized
// automation workflow. Its actions are declarative and always fully
// written once the parent row exists.
type Automation struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID  string    `gorm:"index;type:varchar(64);not null" json:"tenantId"`
	Status    string    `gorm:"type:varchar(16)" json:"status"`
	TargetTag string    `json:"targetTag"`
	CreatedAt time.Time `json:"createdAt"`
}

type AutomationAction struct {
	ID           string                 `gorm:"primaryKey;type:varchar(64)" json:"id"`
	AutomationID string                 `gorm:"index;type:varchar(64);not null" json:"automationId"`
	Kind         string                 `gorm:"type:varchar(32)" json:"kind"`
	Payload      map[string]interface{} `gorm:"serializer:json" json:"payload"`
	Position     int                    `json:"position"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// Slugify normalizes a category or tag name for lookup: lowercase,
// non-alphanumerics collapsed to single hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
