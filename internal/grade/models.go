// Package grade implements the grade-computation engine: component
// aggregation, scoped formula resolution, conditional overrides, rounding
// and letter classification, and the append-only computation ledger.
package grade

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sekolahlabs/rapor/internal/expr"
)

// ScoreStatus is the lifecycle state of one assessment score.
type ScoreStatus string

const (
	StatusNotSubmitted ScoreStatus = "not_submitted"
	StatusSubmitted    ScoreStatus = "submitted"
	StatusGraded       ScoreStatus = "graded"
	StatusExcused      ScoreStatus = "excused"
)

// AssessmentScore is one raw score record from the assessment collaborator.
type AssessmentScore struct {
	AssessmentID   string
	StudentID      string
	RawScore       decimal.Decimal
	AdjustedScore  decimal.Decimal
	Status         ScoreStatus
	GroupTag       string // matches GradingComponent.SourceFilter
	WeightOverride *decimal.Decimal
	SubmittedAt    time.Time // tie-break key for best_n / drop_lowest_k / latest
}

// Scope is the granularity at which a formula or component applies,
// in increasing specificity.
type Scope string

const (
	ScopeSchool         Scope = "school"
	ScopePeriod         Scope = "period"
	ScopeSubject        Scope = "subject"
	ScopeCourseOffering Scope = "course_offering"
)

// MissingPolicy governs how ungraded scores are treated during aggregation.
type MissingPolicy string

const (
	MissingIgnore MissingPolicy = "ignore" // drop ungraded entries
	MissingZero   MissingPolicy = "zero"   // count ungraded entries as 0
)

// GradingComponent defines one named value ("homework average") computed
// from raw scores and bound inside formula expressions under Key.
type GradingComponent struct {
	ID            string
	Scope         Scope
	ScopeRef      string
	Key           string // binding name inside expressions
	SourceFilter  string // group_tag selecting the scores that feed this component
	Strategy      Strategy
	MissingPolicy MissingPolicy
	Version       int
	IsActive      bool
}

// Condition is one ordered override rule: when the predicate matches, its
// expression replaces the main formula for that student. The Src fields
// are the authored text; Predicate and Program are their compiled forms
// (nil/zero when loaded raw from storage, filled by the resolver cache).
type Condition struct {
	PredicateSrc  string
	ExpressionSrc string
	Description   string

	Predicate expr.Predicate
	Program   *expr.Program
}

// GradeBoundary maps the range [MinScore, next boundary) to a letter.
type GradeBoundary struct {
	Letter   string
	MinScore decimal.Decimal
}

// GradingFormula is an activated, fully compiled formula version.
type GradingFormula struct {
	ID            string
	Scope         Scope
	ScopeRef      string
	ExpressionSrc string
	Program       *expr.Program
	Conditions    []Condition // evaluated strictly in declared order
	Rounding      RoundingRule
	DecimalPlaces int32
	PassThreshold *decimal.Decimal
	Boundaries    []GradeBoundary // sorted descending by MinScore
	FailLetter    string          // returned when no boundary matches; optional
	Version       int
	IsActive      bool
}

// FinalGrade is the computed result for one (student, offering) pair.
// Revision increments on every successful write and backs the optimistic
// conflict check on upsert.
type FinalGrade struct {
	ID               string
	StudentID        string
	CourseOfferingID string
	NumericGrade     *decimal.Decimal
	LetterGrade      *string
	IsPassing        *bool
	Breakdown        map[string]string // component key -> value ("" when missing)
	FormulaID        string
	FormulaVersion   int
	ComputedAt       time.Time
	IsPublished      bool
	IsLocked         bool
	Revision         int
}

// TriggerType says why a recompute attempt ran.
type TriggerType string

const (
	TriggerManual           TriggerType = "manual"
	TriggerGradeChange      TriggerType = "auto_grade_change"
	TriggerAssessmentChange TriggerType = "auto_assessment_change"
	TriggerFormulaChange    TriggerType = "formula_change"
)

// ParseTrigger validates a trigger name from an external caller.
func ParseTrigger(s string) (TriggerType, bool) {
	switch TriggerType(s) {
	case TriggerManual, TriggerGradeChange, TriggerAssessmentChange, TriggerFormulaChange:
		return TriggerType(s), true
	}
	return "", false
}

// AttemptStatus is the ledger state machine: pending is transitional and
// must never survive a finished recompute call.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)

// ComputationLogEntry is one append-only ledger record, written for every
// attempt whether it succeeds or fails.
type ComputationLogEntry struct {
	ID               string
	StudentID        string
	CourseOfferingID string
	FinalGradeID     string
	Trigger          TriggerType
	PreviousGrade    *decimal.Decimal
	NewGrade         *decimal.Decimal
	Status           AttemptStatus
	ErrorMessage     string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// OfferingRef carries the scope chain of one course offering, used by the
// resolver to walk course_offering -> subject -> period -> school.
type OfferingRef struct {
	OfferingID string
	SubjectID  string
	PeriodID   string
	SchoolID   string
}

// Enrollment marks a student as eligible for computation in an offering.
type Enrollment struct {
	StudentID        string
	CourseOfferingID string
	IsActive         bool
}
