package experiments

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// TestType classifies what kind of change an experiment exercises.
type TestType string

const (
	TypeFeatureFlag TestType = "feature_flag"
	TypeUIVariant   TestType = "ui_variant"
	TypeAlgorithm   TestType = "algorithm"
	TypePricing     TestType = "pricing"
	TypeContent     TestType = "content"
)

// Goal is the metric an experiment is trying to move.
type Goal string

const (
	GoalConversionRate   Goal = "conversion_rate"
	GoalClickThroughRate Goal = "click_through_rate"
	GoalTimeOnPage       Goal = "time_on_page"
	GoalRevenue          Goal = "revenue"
	GoalEngagement       Goal = "engagement"
	GoalCustom           Goal = "custom"
)

// EventKind is a participation lifecycle moment.
type EventKind string

const (
	EventAssigned   EventKind = "assigned"
	EventExposed    EventKind = "exposed"
	EventInteracted EventKind = "interacted"
	EventConverted  EventKind = "converted"
	EventCompleted  EventKind = "completed"
)

// ControlVariantID is the conventional id of the baseline variant.
const ControlVariantID = "control"

// Variant is one arm of an experiment. Config is an opaque payload owned by
// the caller; the engine stores and returns it without interpreting it.
type Variant struct {
	ID          string          `json:"id" validate:"required,max=64"`
	Name        string          `json:"name" validate:"required,max=128"`
	Description string          `json:"description" validate:"max=500"`
	Weight      float64         `json:"weight" validate:"min=0,max=100"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// Variants is an ordered list of variants. Order matters: bucketing walks the
// cumulative weight boundaries in this order, so it is persisted as a JSON
// array, never a map.
type Variants []Variant

// Value implements driver.Valuer for JSON column storage.
func (v Variants) Value() (driver.Value, error) {
	return json.Marshal(v)
}

// Scan implements sql.Scanner.
func (v *Variants) Scan(value interface{}) error {
	return scanJSON(value, v)
}

// ByID returns the variant with the given id.
func (v Variants) ByID(id string) (Variant, bool) {
	for _, variant := range v {
		if variant.ID == id {
			return variant, true
		}
	}
	return Variant{}, false
}

// TotalWeight sums the variant weights.
func (v Variants) TotalWeight() float64 {
	var total float64
	for _, variant := range v {
		total += variant.Weight
	}
	return total
}

// TargetAudience narrows which users an experiment may recruit.
type TargetAudience struct {
	UserSegments   []string `json:"user_segments,omitempty"`
	Countries      []string `json:"countries,omitempty"`
	UserTypes      []string `json:"user_types,omitempty"`
	ExcludeUserIDs []string `json:"exclude_user_ids,omitempty"`
}

func (a TargetAudience) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *TargetAudience) Scan(value interface{}) error {
	return scanJSON(value, a)
}

// Excludes reports whether the user id is on the explicit exclusion list.
func (a TargetAudience) Excludes(userID string) bool {
	for _, id := range a.ExcludeUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Schedule controls when an experiment runs and how it is judged.
type Schedule struct {
	StartDate       time.Time  `json:"start_date" gorm:"column:start_date;index:idx_experiments_status_start,priority:2"`
	EndDate         *time.Time `json:"end_date,omitempty" gorm:"column:end_date"`
	MinSampleSize   int64      `json:"min_sample_size,omitempty" gorm:"column:min_sample_size"`
	ConfidenceLevel float64    `json:"confidence_level,omitempty" gorm:"column:confidence_level"`
}

// Metadata carries free-form operator annotations.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	return scanJSON(value, m)
}

// Experiment is the durable definition of one A/B/n test.
type Experiment struct {
	ID             uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	Name           string         `json:"name" gorm:"index" validate:"required,min=3,max=200"`
	Description    string         `json:"description" validate:"max=2000"`
	Type           TestType       `json:"type" gorm:"index:idx_experiments_type_status,priority:1" validate:"required,oneof=feature_flag ui_variant algorithm pricing content"`
	Goal           Goal           `json:"goal" validate:"required,oneof=conversion_rate click_through_rate time_on_page revenue engagement custom"`
	Status         Status         `json:"status" gorm:"index:idx_experiments_status_start,priority:1;index:idx_experiments_type_status,priority:2"`
	Variants       Variants       `json:"variants" gorm:"type:jsonb" validate:"required,min=2,dive"`
	TargetAudience TargetAudience `json:"target_audience" gorm:"type:jsonb"`
	Schedule       Schedule       `json:"schedule" gorm:"embedded"`
	Results        *Snapshot      `json:"results,omitempty" gorm:"type:jsonb"`
	CreatedBy      string         `json:"created_by" gorm:"index"`
	UpdatedBy      string         `json:"updated_by,omitempty"`
	Metadata       Metadata       `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName pins the gorm table name.
func (Experiment) TableName() string { return "experiments" }

// EligibleAt reports whether the experiment can recruit at the given instant.
func (e *Experiment) EligibleAt(now time.Time) bool {
	if e.Status != StatusActive {
		return false
	}
	if e.Schedule.StartDate.After(now) {
		return false
	}
	if e.Schedule.EndDate != nil && e.Schedule.EndDate.Before(now) {
		return false
	}
	return true
}

// EventContext captures where a participation event happened.
type EventContext struct {
	Page      string `json:"page,omitempty"`
	Component string `json:"component,omitempty"`
	Action    string `json:"action,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
}

func (c EventContext) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *EventContext) Scan(value interface{}) error {
	return scanJSON(value, c)
}

// EventMetadata carries measured values attached to an event.
type EventMetadata struct {
	GoalValue     float64            `json:"goal_value,omitempty"`
	CustomMetrics map[string]float64 `json:"custom_metrics,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
}

func (m EventMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *EventMetadata) Scan(value interface{}) error {
	return scanJSON(value, m)
}

// Participation is one immutable ledger row: a single lifecycle moment for a
// user in an experiment. Rows are only ever appended.
//
// AssignmentKey is "<testID>:<userID>" on assigned rows and NULL on every
// other kind; the unique index on it is what makes concurrent first
// assignments collapse to a single winner.
type Participation struct {
	ID            uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	TestID        uuid.UUID      `json:"test_id" gorm:"type:uuid;index:idx_participations_test_user,priority:1;index:idx_participations_test_variant_event,priority:1"`
	UserID        string         `json:"user_id" gorm:"index:idx_participations_test_user,priority:2;index:idx_participations_user_time,priority:1"`
	VariantID     string         `json:"variant_id" gorm:"index:idx_participations_test_variant_event,priority:2"`
	SessionID     string         `json:"session_id"`
	Event         EventKind      `json:"event" gorm:"index:idx_participations_test_variant_event,priority:3"`
	Context       *EventContext  `json:"context,omitempty" gorm:"type:jsonb"`
	Metadata      *EventMetadata `json:"metadata,omitempty" gorm:"type:jsonb"`
	Timestamp     time.Time      `json:"timestamp" gorm:"index:idx_participations_user_time,priority:2"`
	AssignmentKey *string        `json:"-" gorm:"uniqueIndex:idx_participations_assignment"`
}

// TableName pins the gorm table name.
func (Participation) TableName() string { return "participations" }

// AssignmentKeyFor builds the uniqueness key recorded on assigned rows.
func AssignmentKeyFor(testID uuid.UUID, userID string) string {
	return fmt.Sprintf("%s:%s", testID, userID)
}

// Assignment is the answer to "which variant does this user see". It is a
// read view over the ledger and the definition, never persisted on its own.
type Assignment struct {
	TestID        uuid.UUID       `json:"test_id"`
	VariantID     string          `json:"variant_id"`
	VariantConfig json.RawMessage `json:"variant_config,omitempty"`
	IsControl     bool            `json:"is_control"`
}

// VariantResult is the per-variant slice of a computed snapshot.
type VariantResult struct {
	Participants       int64      `json:"participants"`
	Conversions        int64      `json:"conversions"`
	Exposures          int64      `json:"exposures"`
	Interactions       int64      `json:"interactions"`
	ConversionRate     float64    `json:"conversion_rate"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
	IsSignificant      bool       `json:"is_significant"`
	PValue             float64    `json:"p_value"`
	EffectSize         float64    `json:"effect_size"`
}

// Snapshot is a derived, recomputable view of an experiment's outcome. The
// ledger stays authoritative; any persisted copy is advisory cache.
type Snapshot struct {
	TestID             uuid.UUID                `json:"test_id"`
	Status             Status                   `json:"status"`
	TotalParticipants  int64                    `json:"total_participants"`
	VariantResults     map[string]VariantResult `json:"variant_results"`
	Winner             string                   `json:"winner,omitempty"`
	ConfidenceLevel    float64                  `json:"confidence_level"`
	Recommendation     string                   `json:"recommendation"`
	SampleSizeAdequate bool                     `json:"sample_size_adequate"`
}

func (s Snapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *Snapshot) Scan(value interface{}) error {
	return scanJSON(value, s)
}

func scanJSON(value, dest interface{}) error {
	switch data := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(data, dest)
	case string:
		return json.Unmarshal([]byte(data), dest)
	default:
		return fmt.Errorf("unsupported column type %T", value)
	}
}
