package grade_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sekolahlabs/rapor/internal/grade"
)

const (
	offering = "off-fisika-7a"
	student  = "std-ani"
)

// seedOffering builds the canonical four-component setup: daily work,
// daily quizzes, midterm and final, each averaged over its own group tag,
// with a final-exam override below 60.
func seedOffering(t *testing.T, st *memStore, uasScore string) {
	t.Helper()
	ctx := context.Background()

	st.PutOfferingRef(grade.OfferingRef{OfferingID: offering, SubjectID: "subj-fisika", PeriodID: "per-2026-1", SchoolID: "sch-1"})
	st.PutEnrollment(grade.Enrollment{StudentID: student, CourseOfferingID: offering, IsActive: true})

	for _, key := range []string{"tugas_harian", "ulangan_harian", "uts", "uas"} {
		if _, err := grade.ActivateComponent(ctx, st, grade.ComponentConfig{
			Scope:         "course_offering",
			ScopeRef:      offering,
			Key:           key,
			SourceFilter:  key,
			Strategy:      "average",
			MissingPolicy: "ignore",
		}); err != nil {
			t.Fatalf("activate component %s: %v", key, err)
		}
	}

	if _, err := grade.ActivateFormula(ctx, st, grade.FormulaConfig{
		Scope:      "course_offering",
		ScopeRef:   offering,
		Expression: "0.25*tugas_harian + 0.25*ulangan_harian + 0.2*uts + 0.3*uas",
		Conditions: []grade.ConditionConfig{
			{Predicate: "uas < 60", Expression: "uas", Description: "failing final exam overrides the weighted average"},
		},
		Rounding:      "half_up",
		DecimalPlaces: 2,
		PassThreshold: "60",
		Boundaries: []grade.BoundaryConfig{
			{Letter: "A", MinScore: "90"},
			{Letter: "B", MinScore: "80"},
			{Letter: "C", MinScore: "70"},
			{Letter: "D", MinScore: "60"},
		},
		FailLetter: "E",
	}); err != nil {
		t.Fatalf("activate formula: %v", err)
	}

	seedScores(st, map[string]string{
		"tugas_harian":   "85",
		"ulangan_harian": "78",
		"uts":            "70",
		"uas":            uasScore,
	})
}

func seedScores(st *memStore, byGroup map[string]string) {
	i := 0
	for group, value := range byGroup {
		st.PutScore(offering, grade.AssessmentScore{
			AssessmentID:  "as-" + group,
			StudentID:     student,
			AdjustedScore: decimal.RequireFromString(value),
			Status:        grade.StatusGraded,
			GroupTag:      group,
			SubmittedAt:   baseTime.Add(time.Duration(i) * time.Minute),
		})
		i++
	}
}

// memStore aliases the package's in-memory store through its exported
// constructor so tests read naturally.
type memStore = grade.MemoryStore

func newEngine(st grade.Store) *grade.Engine {
	fixed := time.Date(2026, 6, 20, 10, 0, 0, 0, time.UTC)
	return grade.NewEngine(st, grade.WithClock(func() time.Time { return fixed }))
}

func recompute(t *testing.T, e *grade.Engine) grade.FinalGrade {
	t.Helper()
	g, err := e.Recompute(context.Background(), grade.RecomputeRequest{
		StudentID:        student,
		CourseOfferingID: offering,
		Trigger:          grade.TriggerManual,
	})
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	return g
}

func lastEntry(t *testing.T, st grade.Store) grade.ComputationLogEntry {
	t.Helper()
	entries, err := st.LogEntries(context.Background(), student, offering)
	if err != nil {
		t.Fatalf("log entries: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("no ledger entries")
	}
	return entries[len(entries)-1]
}

func TestRecomputeConditionOverride(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "55") // uas < 60 triggers the override
	e := newEngine(st)

	g := recompute(t, e)
	if !g.NumericGrade.Equal(decimal.NewFromInt(55)) {
		t.Fatalf("numeric = %s, want 55", g.NumericGrade)
	}
	if *g.LetterGrade != "E" {
		t.Fatalf("letter = %q, want E", *g.LetterGrade)
	}
	if g.IsPassing == nil || *g.IsPassing {
		t.Fatalf("is_passing = %v, want false", g.IsPassing)
	}

	entry := lastEntry(t, st)
	if entry.Status != grade.AttemptCompleted {
		t.Fatalf("entry status = %s", entry.Status)
	}
	if entry.PreviousGrade != nil {
		t.Fatalf("first attempt should have no previous grade")
	}
	if !entry.NewGrade.Equal(decimal.NewFromInt(55)) {
		t.Fatalf("entry new grade = %s", entry.NewGrade)
	}
	if entry.CompletedAt == nil {
		t.Fatalf("entry left pending")
	}
}

func TestRecomputeMainExpression(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "78") // condition does not trigger
	e := newEngine(st)

	g := recompute(t, e)
	// 0.25*85 + 0.25*78 + 0.2*70 + 0.3*78 = 78.15
	if !g.NumericGrade.Equal(decimal.RequireFromString("78.15")) {
		t.Fatalf("numeric = %s, want 78.15", g.NumericGrade)
	}
	if *g.LetterGrade != "C" {
		t.Fatalf("letter = %q, want C", *g.LetterGrade)
	}
	if g.IsPassing == nil || !*g.IsPassing {
		t.Fatalf("is_passing = %v, want true", g.IsPassing)
	}
	if g.Breakdown["uas"] != "78" {
		t.Fatalf("breakdown uas = %q", g.Breakdown["uas"])
	}
	if g.FormulaVersion != 1 {
		t.Fatalf("formula version = %d", g.FormulaVersion)
	}
}

func TestRecomputeIdempotent(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "78")
	e := newEngine(st)

	first := recompute(t, e)
	second := recompute(t, e)

	if !first.NumericGrade.Equal(*second.NumericGrade) || *first.LetterGrade != *second.LetterGrade {
		t.Fatalf("recompute not idempotent: %s/%s vs %s/%s",
			first.NumericGrade, *first.LetterGrade, second.NumericGrade, *second.LetterGrade)
	}
	if second.ID != first.ID {
		t.Fatalf("second run must update the same record")
	}
	if second.Revision != first.Revision+1 {
		t.Fatalf("revision = %d, want %d", second.Revision, first.Revision+1)
	}

	entry := lastEntry(t, st)
	if entry.PreviousGrade == nil || entry.NewGrade == nil || !entry.PreviousGrade.Equal(*entry.NewGrade) {
		t.Fatalf("second attempt must record previous == new, got %v -> %v", entry.PreviousGrade, entry.NewGrade)
	}
}

func TestRecomputeLockedGrade(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "78")
	e := newEngine(st)
	ctx := context.Background()

	before := recompute(t, e)
	if err := e.SetLocked(ctx, student, offering, true); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err := e.Recompute(ctx, grade.RecomputeRequest{StudentID: student, CourseOfferingID: offering, Trigger: grade.TriggerGradeChange})
	var locked *grade.LockedGradeError
	if !errors.As(err, &locked) {
		t.Fatalf("want LockedGradeError, got %v", err)
	}

	after, err := st.GetFinalGrade(ctx, student, offering)
	if err != nil {
		t.Fatalf("get final grade: %v", err)
	}
	if !after.NumericGrade.Equal(*before.NumericGrade) || *after.LetterGrade != *before.LetterGrade {
		t.Fatalf("locked grade mutated: %s/%s", after.NumericGrade, *after.LetterGrade)
	}

	entry := lastEntry(t, st)
	if entry.Status != grade.AttemptFailed {
		t.Fatalf("locked rejection must append a failed entry, got %s", entry.Status)
	}
	if entry.ErrorMessage == "" {
		t.Fatalf("failed entry needs an error message")
	}
}

func TestConditionDeclarationOrderWins(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "40")
	ctx := context.Background()

	// both conditions match uas=40; the first declared must win
	if _, err := grade.ActivateFormula(ctx, st, grade.FormulaConfig{
		Scope:      "course_offering",
		ScopeRef:   offering,
		Expression: "uas",
		Conditions: []grade.ConditionConfig{
			{Predicate: "uas < 60", Expression: "10"},
			{Predicate: "uas < 50", Expression: "20"},
		},
		Rounding:      "half_up",
		DecimalPlaces: 0,
		Boundaries:    []grade.BoundaryConfig{{Letter: "A", MinScore: "0"}},
	}); err != nil {
		t.Fatalf("activate formula: %v", err)
	}

	g := recompute(t, newEngine(st))
	if !g.NumericGrade.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("numeric = %s, want 10 (first condition)", g.NumericGrade)
	}
}

func TestMissingConditionRoutesToFallback(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "78")
	ctx := context.Background()

	if _, err := grade.ActivateFormula(ctx, st, grade.FormulaConfig{
		Scope:      "course_offering",
		ScopeRef:   offering,
		Expression: "uas",
		Conditions: []grade.ConditionConfig{
			{Predicate: "bonus is_missing", Expression: "uas / 2", Description: "no bonus work submitted"},
		},
		Rounding:      "half_up",
		DecimalPlaces: 2,
		Boundaries:    []grade.BoundaryConfig{{Letter: "A", MinScore: "0"}},
	}); err != nil {
		t.Fatalf("activate formula: %v", err)
	}
	// a component whose scores never arrive: missing, not zero
	if _, err := grade.ActivateComponent(ctx, st, grade.ComponentConfig{
		Scope: "course_offering", ScopeRef: offering, Key: "bonus",
		SourceFilter: "bonus", Strategy: "average", MissingPolicy: "ignore",
	}); err != nil {
		t.Fatalf("activate component: %v", err)
	}

	g := recompute(t, newEngine(st))
	if !g.NumericGrade.Equal(decimal.NewFromInt(39)) {
		t.Fatalf("numeric = %s, want 39 (uas/2)", g.NumericGrade)
	}
	if g.Breakdown["bonus"] != "" {
		t.Fatalf("missing component must appear empty in breakdown, got %q", g.Breakdown["bonus"])
	}
}

func TestMissingFormulaFails(t *testing.T) {
	st := grade.NewMemoryStore()
	st.PutEnrollment(grade.Enrollment{StudentID: student, CourseOfferingID: offering, IsActive: true})
	e := newEngine(st)

	_, err := e.Recompute(context.Background(), grade.RecomputeRequest{
		StudentID: student, CourseOfferingID: offering, Trigger: grade.TriggerManual,
	})
	var missing *grade.MissingFormulaError
	if !errors.As(err, &missing) {
		t.Fatalf("want MissingFormulaError, got %v", err)
	}
	if entry := lastEntry(t, st); entry.Status != grade.AttemptFailed {
		t.Fatalf("entry status = %s, want failed", entry.Status)
	}
}

func TestUnresolvedComponentFails(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "78")
	ctx := context.Background()

	// the main expression needs a component that has no data at all
	if _, err := grade.ActivateComponent(ctx, st, grade.ComponentConfig{
		Scope: "course_offering", ScopeRef: offering, Key: "praktikum",
		SourceFilter: "praktikum", Strategy: "average", MissingPolicy: "ignore",
	}); err != nil {
		t.Fatalf("activate component: %v", err)
	}
	if _, err := grade.ActivateFormula(ctx, st, grade.FormulaConfig{
		Scope: "course_offering", ScopeRef: offering,
		Expression:    "0.5*uas + 0.5*praktikum",
		Rounding:      "half_up",
		DecimalPlaces: 2,
		Boundaries:    []grade.BoundaryConfig{{Letter: "A", MinScore: "0"}},
	}); err != nil {
		t.Fatalf("activate formula: %v", err)
	}

	_, err := newEngine(st).Recompute(ctx, grade.RecomputeRequest{
		StudentID: student, CourseOfferingID: offering, Trigger: grade.TriggerManual,
	})
	var unresolved *grade.UnresolvedComponentError
	if !errors.As(err, &unresolved) {
		t.Fatalf("want UnresolvedComponentError, got %v", err)
	}
	if unresolved.Key != "praktikum" {
		t.Fatalf("unresolved key = %q", unresolved.Key)
	}
	if entry := lastEntry(t, st); entry.Status != grade.AttemptFailed {
		t.Fatalf("entry status = %s, want failed", entry.Status)
	}
}

func TestActivationRejectsBadConfig(t *testing.T) {
	st := grade.NewMemoryStore()
	ctx := context.Background()

	base := grade.FormulaConfig{
		Scope: "course_offering", ScopeRef: offering,
		Expression: "uas", Rounding: "half_up", DecimalPlaces: 2,
		Boundaries: []grade.BoundaryConfig{{Letter: "A", MinScore: "0"}},
	}

	broken := base
	broken.Expression = "uas +"
	if _, err := grade.ActivateFormula(ctx, st, broken); err == nil {
		t.Fatalf("syntax error must block activation")
	}

	broken = base
	broken.Conditions = []grade.ConditionConfig{{Predicate: "uas <= 60", Expression: "uas"}}
	if _, err := grade.ActivateFormula(ctx, st, broken); err == nil {
		t.Fatalf("unsupported predicate operator must block activation")
	}

	broken = base
	broken.Rounding = "nearest"
	if _, err := grade.ActivateFormula(ctx, st, broken); err == nil {
		t.Fatalf("unknown rounding rule must block activation")
	}

	broken = base
	broken.Boundaries = nil
	if _, err := grade.ActivateFormula(ctx, st, broken); err == nil {
		t.Fatalf("empty boundary table must block activation")
	}

	if _, err := grade.ActivateComponent(ctx, st, grade.ComponentConfig{
		Scope: "course_offering", ScopeRef: offering, Key: "2fast",
		Strategy: "average", MissingPolicy: "ignore",
	}); err == nil {
		t.Fatalf("invalid binding key must block activation")
	}

	// nothing was activated along the way
	f, err := st.ActiveFormula(ctx, grade.ScopeCourseOffering, offering)
	if err != nil {
		t.Fatalf("active formula: %v", err)
	}
	if f != nil {
		t.Fatalf("rejected config must not activate, found %s", f.ID)
	}
}

// conflictingStore loses every write so the retry path is forced.
type conflictingStore struct {
	*grade.MemoryStore
	saves int
}

func (s *conflictingStore) SaveOutcome(context.Context, grade.FinalGrade, grade.ComputationLogEntry, int) (grade.FinalGrade, error) {
	s.saves++
	return grade.FinalGrade{}, grade.ErrConflict
}

func TestRecomputeConflictRetriesOnceThenFails(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "78")
	first := recompute(t, newEngine(st)) // a real grade exists before the races

	cs := &conflictingStore{MemoryStore: st}
	_, err := newEngine(cs).Recompute(context.Background(), grade.RecomputeRequest{
		StudentID: student, CourseOfferingID: offering, Trigger: grade.TriggerGradeChange,
	})
	if !errors.Is(err, grade.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if cs.saves != 2 {
		t.Fatalf("write attempts = %d, want exactly one retry", cs.saves)
	}

	entries, err := st.LogEntries(context.Background(), student, offering)
	if err != nil {
		t.Fatalf("log entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want the original plus one failed", len(entries))
	}
	entry := entries[len(entries)-1]
	if entry.Status != grade.AttemptFailed {
		t.Fatalf("entry status = %s, want failed", entry.Status)
	}
	if entry.CompletedAt == nil {
		t.Fatalf("entry left pending")
	}
	if entry.PreviousGrade == nil || !entry.PreviousGrade.Equal(*first.NumericGrade) {
		t.Fatalf("failed entry must carry the grade that existed before the attempt, got %v", entry.PreviousGrade)
	}
	if entry.NewGrade != nil {
		t.Fatalf("no grade was written, new grade must be empty, got %s", entry.NewGrade)
	}
}

// stallingStore blocks score reads until the attempt deadline fires.
type stallingStore struct {
	*grade.MemoryStore
}

func (s *stallingStore) ScoresForStudent(ctx context.Context, _, _ string) ([]grade.AssessmentScore, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRecomputeStoreTimeout(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "78")
	e := grade.NewEngine(&stallingStore{MemoryStore: st}, grade.WithStoreTimeout(20*time.Millisecond))

	_, err := e.Recompute(context.Background(), grade.RecomputeRequest{
		StudentID: student, CourseOfferingID: offering, Trigger: grade.TriggerManual,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}

	// the timed-out attempt still left its failed ledger record
	entry := lastEntry(t, st)
	if entry.Status != grade.AttemptFailed || entry.CompletedAt == nil {
		t.Fatalf("entry = %s (completed %v), want failed and closed", entry.Status, entry.CompletedAt)
	}
}

func TestFormulaActivationReplacesPriorVersion(t *testing.T) {
	st := grade.NewMemoryStore()
	seedOffering(t, st, "78")
	ctx := context.Background()

	f2, err := grade.ActivateFormula(ctx, st, grade.FormulaConfig{
		Scope: "course_offering", ScopeRef: offering,
		Expression: "uas", Rounding: "half_up", DecimalPlaces: 0,
		Boundaries: []grade.BoundaryConfig{{Letter: "A", MinScore: "0"}},
	})
	if err != nil {
		t.Fatalf("activate v2: %v", err)
	}
	if f2.Version != 2 {
		t.Fatalf("version = %d, want 2", f2.Version)
	}

	g := recompute(t, newEngine(st))
	if g.FormulaVersion != 2 {
		t.Fatalf("grade computed with version %d, want 2", g.FormulaVersion)
	}
	if !g.NumericGrade.Equal(decimal.NewFromInt(78)) {
		t.Fatalf("numeric = %s, want 78 under the replacement formula", g.NumericGrade)
	}
}
