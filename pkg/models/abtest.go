package models

import (
	"fmt"
	"time"
)

type AbTestStatus string

const (
	DraftAbTestStatus     AbTestStatus = "draft"
	RunningAbTestStatus   AbTestStatus = "running"
	PausedAbTestStatus    AbTestStatus = "paused"
	CompletedAbTestStatus AbTestStatus = "completed"
	StoppedAbTestStatus   AbTestStatus = "stopped"
)

// Finished reports whether the test can no longer be started.
func (s AbTestStatus) Finished() bool {
	return s == CompletedAbTestStatus || s == StoppedAbTestStatus
}

type VersionLabel string

const (
	LabelA VersionLabel = "A"
	LabelB VersionLabel = "B"
)

// SelectionCriteria names the metric used to compare the two versions.
type SelectionCriteria string

const (
	SuccessRateCriteria  SelectionCriteria = "success_rate"
	ResponseTimeCriteria SelectionCriteria = "response_time"
	UserRatingCriteria   SelectionCriteria = "user_rating"
)

// Scope binds an experiment to exactly one workflow or prompt template.
type Scope struct {
	Kind DefinitionKind `json:"kind"`
	ID   int64          `json:"id"`
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// AbTest compares version A against version B of one scope.
type AbTest struct {
	ID          int64             `json:"id" db:"id"`
	ScopeKind   DefinitionKind    `json:"scope_kind" db:"scope_kind"`
	ScopeID     int64             `json:"scope_id" db:"scope_id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description,omitempty" db:"description"`
	VersionA    int               `json:"version_a" db:"version_a"` // Version number served as "A"
	VersionB    int               `json:"version_b" db:"version_b"` // Version number served as "B"
	SplitA      int               `json:"split_a" db:"split_a"`     // Percentage routed to A, B gets the rest
	Status      AbTestStatus      `json:"status" db:"status"`
	AutoSelect  bool              `json:"auto_select" db:"auto_select"`
	MinSamples  int               `json:"min_samples" db:"min_samples"` // Per label, before a winner may be declared
	Criteria    SelectionCriteria `json:"criteria" db:"criteria"`
	Confidence  float64           `json:"confidence" db:"confidence"` // Required confidence, e.g. 0.95
	Winner      string            `json:"winner,omitempty" db:"winner"`
	CreatedBy   string            `json:"created_by,omitempty" db:"created_by"`
	StartedAt   *time.Time        `json:"started_at,omitempty" db:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty" db:"ended_at"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// Scope returns the workflow or template the test is bound to.
func (t AbTest) Scope() Scope {
	return Scope{Kind: t.ScopeKind, ID: t.ScopeID}
}

// VersionFor returns the version number served under label.
func (t AbTest) VersionFor(label VersionLabel) int {
	if label == LabelB {
		return t.VersionB
	}
	return t.VersionA
}

const (
	SuccessAbTestExecutionStatus = "success"
	FailedAbTestExecutionStatus  = "failed"
)

// AbTestExecution is one request routed under a running AbTest.
type AbTestExecution struct {
	ID             int64        `json:"id" db:"id"`
	AbTestID       int64        `json:"ab_test_id" db:"ab_test_id"`
	RequestID      string       `json:"request_id" db:"request_id"` // Unique
	ExecutionID    string       `json:"execution_id,omitempty" db:"execution_id"`
	VersionLabel   VersionLabel `json:"version_label" db:"version_label"`
	VersionNumber  int          `json:"version_number" db:"version_number"`
	Status         string       `json:"status" db:"status"`
	ResponseTimeMs *int64       `json:"response_time_ms,omitempty" db:"response_time_ms"`
	Cost           float64      `json:"cost" db:"cost"`
	UserRating     *int         `json:"user_rating,omitempty" db:"user_rating"` // 1..5, nil until feedback
	UserFeedback   string       `json:"user_feedback,omitempty" db:"user_feedback"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// LabelAggregate is the store-side reduction of AbTestExecution rows for one label.
type LabelAggregate struct {
	Label           VersionLabel `db:"version_label"`
	Count           int64        `db:"total"`
	SuccessCount    int64        `db:"success_total"`
	AvgResponseTime *float64     `db:"avg_response_time"` // Successful rows with a response time only
	RatedCount      int64        `db:"rated_total"`
	AvgRating       *float64     `db:"avg_rating"`
}
