package grade

import (
	"errors"
	"fmt"
)

// ErrConflict marks a lost optimistic-revision race between two attempts
// for the same (student, offering) pair. The engine retries once before
// failing the attempt.
var ErrConflict = errors.New("concurrent recompute conflict")

// ErrNoUsableScores is returned by aggregation when, after filtering
// under missing_policy=ignore, no score remains. Callers must propagate
// it as missing data, never treat it as zero.
var ErrNoUsableScores = errors.New("no usable scores")

// MissingFormulaError: no active formula resolves at any scope level.
// Fatal for the pair; never retried automatically.
type MissingFormulaError struct {
	OfferingID string
}

func (e *MissingFormulaError) Error() string {
	return fmt.Sprintf("no active grading formula for offering %s at any scope", e.OfferingID)
}

// UnresolvedComponentError: a component produced no usable data and the
// expression requires its value.
type UnresolvedComponentError struct {
	Key string
}

func (e *UnresolvedComponentError) Error() string {
	return fmt.Sprintf("component %q has no usable data", e.Key)
}

// LockedGradeError: a recompute attempt was rejected because the stored
// FinalGrade is locked. Expected, user-facing; not retried.
type LockedGradeError struct {
	StudentID        string
	CourseOfferingID string
}

func (e *LockedGradeError) Error() string {
	return fmt.Sprintf("final grade for student %s in offering %s is locked", e.StudentID, e.CourseOfferingID)
}

// UnknownGradeError: a lock/publish operation targeted a pair that has
// never been computed.
type UnknownGradeError struct {
	StudentID        string
	CourseOfferingID string
}

func (e *UnknownGradeError) Error() string {
	return fmt.Sprintf("no final grade for student %s in offering %s", e.StudentID, e.CourseOfferingID)
}
