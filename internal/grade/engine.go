package grade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sekolahlabs/rapor/internal/expr"
)

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// RecomputeRequest asks for one (student, offering) pair to be recomputed.
type RecomputeRequest struct {
	StudentID        string
	CourseOfferingID string
	Trigger          TriggerType
}

// Engine runs recompute attempts: serialized per pair, every attempt
// ledgered, per-pair failures isolated from one another.
type Engine struct {
	store        Store
	resolver     *Resolver
	locks        *pairLocks
	logger       *slog.Logger
	now          Clock
	lockTimeout  time.Duration
	storeTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a time source.
func WithClock(c Clock) Option { return func(e *Engine) { e.now = c } }

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithLockTimeout bounds the wait for the per-pair exclusive section.
func WithLockTimeout(d time.Duration) Option { return func(e *Engine) { e.lockTimeout = d } }

// WithStoreTimeout bounds the read-compute-write section once the pair
// lock is held.
func WithStoreTimeout(d time.Duration) Option { return func(e *Engine) { e.storeTimeout = d } }

// NewEngine builds an Engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		resolver:     NewResolver(store),
		locks:        newPairLocks(),
		logger:       slog.Default(),
		now:          time.Now,
		lockTimeout:  5 * time.Second,
		storeTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Recompute runs one attempt for the pair, holding its exclusive section
// for the whole read-compute-write. A lost write race is retried once; a
// second loss fails the attempt. Whatever happens, exactly one ledger
// entry is appended and it is never left pending.
func (e *Engine) Recompute(ctx context.Context, req RecomputeRequest) (FinalGrade, error) {
	lockCtx := ctx
	if e.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, e.lockTimeout)
		defer cancel()
	}
	release, err := e.locks.acquire(lockCtx, pairKey(req.CourseOfferingID, req.StudentID))
	if err != nil {
		lockErr := fmt.Errorf("pair lock wait: %w", err)
		e.appendFailed(ctx, e.newEntry(req, nil), lockErr)
		return FinalGrade{}, lockErr
	}
	defer release()

	attemptCtx := ctx
	if e.storeTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
	}

	g, prev, err := e.attempt(attemptCtx, req)
	if errors.Is(err, ErrConflict) {
		e.logger.Warn("recompute write conflict, retrying once",
			"student_id", req.StudentID, "offering_id", req.CourseOfferingID)
		g, prev, err = e.attempt(attemptCtx, req)
		if errors.Is(err, ErrConflict) {
			e.appendFailed(ctx, e.newEntry(req, prev), err)
		}
	}
	return g, err
}

// SetLocked toggles the manual recompute gate on a stored grade.
func (e *Engine) SetLocked(ctx context.Context, studentID, offeringID string, locked bool) error {
	return e.store.SetLocked(ctx, studentID, offeringID, locked)
}

// SetPublished toggles the downstream publication flag on a stored grade.
func (e *Engine) SetPublished(ctx context.Context, studentID, offeringID string, published bool) error {
	return e.store.SetPublished(ctx, studentID, offeringID, published)
}

func (e *Engine) newEntry(req RecomputeRequest, prev *FinalGrade) ComputationLogEntry {
	entry := ComputationLogEntry{
		ID:               uuid.NewString(),
		StudentID:        req.StudentID,
		CourseOfferingID: req.CourseOfferingID,
		Trigger:          req.Trigger,
		Status:           AttemptPending,
		StartedAt:        e.now(),
	}
	if prev != nil {
		entry.FinalGradeID = prev.ID
		entry.PreviousGrade = prev.NumericGrade
	}
	return entry
}

// appendFailed records a failed attempt. The append runs detached from
// the attempt's deadline: a timed-out computation must still leave its
// ledger record.
func (e *Engine) appendFailed(ctx context.Context, entry ComputationLogEntry, cause error) {
	done := e.now()
	entry.Status = AttemptFailed
	entry.ErrorMessage = cause.Error()
	entry.CompletedAt = &done
	if err := e.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("append failed ledger entry",
			"student_id", entry.StudentID, "offering_id", entry.CourseOfferingID, "error", err)
	}
}

// attempt runs one full read-compute-write. It appends its own failed
// ledger entry for every error except ErrConflict, which the caller
// owns (it may retry). The prev it read is handed back so the caller
// can keep the before/after record when even the retry conflicts.
func (e *Engine) attempt(ctx context.Context, req RecomputeRequest) (FinalGrade, *FinalGrade, error) {
	prev, err := e.store.GetFinalGrade(ctx, req.StudentID, req.CourseOfferingID)
	if err != nil {
		readErr := fmt.Errorf("read final grade: %w", err)
		e.appendFailed(ctx, e.newEntry(req, nil), readErr)
		return FinalGrade{}, nil, readErr
	}
	entry := e.newEntry(req, prev)

	if prev != nil && prev.IsLocked {
		lockedErr := &LockedGradeError{StudentID: req.StudentID, CourseOfferingID: req.CourseOfferingID}
		e.appendFailed(ctx, entry, lockedErr)
		return FinalGrade{}, prev, lockedErr
	}

	res, err := e.compute(ctx, req)
	if err != nil {
		e.appendFailed(ctx, entry, err)
		return FinalGrade{}, prev, err
	}

	g := FinalGrade{
		StudentID:        req.StudentID,
		CourseOfferingID: req.CourseOfferingID,
		NumericGrade:     &res.numeric,
		LetterGrade:      &res.letter,
		IsPassing:        res.passing,
		Breakdown:        res.breakdown,
		FormulaID:        res.formulaID,
		FormulaVersion:   res.formulaVersion,
		ComputedAt:       e.now(),
	}
	expectedRevision := 0
	if prev != nil {
		g.ID = prev.ID
		g.IsPublished = prev.IsPublished
		expectedRevision = prev.Revision
	}

	done := e.now()
	entry.Status = AttemptCompleted
	entry.NewGrade = &res.numeric
	entry.CompletedAt = &done

	saved, err := e.store.SaveOutcome(ctx, g, entry, expectedRevision)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return FinalGrade{}, prev, err
		}
		writeErr := fmt.Errorf("write final grade: %w", err)
		e.appendFailed(ctx, e.newEntry(req, prev), writeErr)
		return FinalGrade{}, prev, writeErr
	}

	e.logger.Debug("final grade computed",
		"student_id", req.StudentID,
		"offering_id", req.CourseOfferingID,
		"numeric", res.numeric.String(),
		"letter", res.letter,
		"trigger", string(req.Trigger))
	return saved, prev, nil
}

type computeResult struct {
	numeric        decimal.Decimal
	letter         string
	passing        *bool
	breakdown      map[string]string
	formulaID      string
	formulaVersion int
}

var scopeRank = map[Scope]int{
	ScopeSchool:         0,
	ScopePeriod:         1,
	ScopeSubject:        2,
	ScopeCourseOffering: 3,
}

// compute is the pure computation half of an attempt: aggregate
// components, resolve the formula, apply overrides, evaluate, round and
// classify. It touches the store only for reads.
func (e *Engine) compute(ctx context.Context, req RecomputeRequest) (computeResult, error) {
	ref, err := e.store.GetOfferingRef(ctx, req.CourseOfferingID)
	if err != nil {
		return computeResult{}, fmt.Errorf("offering lookup: %w", err)
	}

	comps, err := e.store.ComponentsForScopes(ctx, ref)
	if err != nil {
		return computeResult{}, fmt.Errorf("component lookup: %w", err)
	}
	// per key the most specific scope wins, matching formula precedence
	byKey := map[string]GradingComponent{}
	for _, c := range comps {
		if held, ok := byKey[c.Key]; !ok || scopeRank[c.Scope] > scopeRank[held.Scope] {
			byKey[c.Key] = c
		}
	}

	scores, err := e.store.ScoresForStudent(ctx, req.CourseOfferingID, req.StudentID)
	if err != nil {
		return computeResult{}, fmt.Errorf("score lookup: %w", err)
	}

	bindings := make(map[string]expr.Value, len(byKey))
	breakdown := make(map[string]string, len(byKey))
	for key, comp := range byKey {
		subset := scores
		if comp.SourceFilter != "" {
			subset = nil
			for _, s := range scores {
				if s.GroupTag == comp.SourceFilter {
					subset = append(subset, s)
				}
			}
		}
		v, err := comp.Strategy.Reduce(subset, comp.MissingPolicy)
		switch {
		case errors.Is(err, ErrNoUsableScores):
			bindings[key] = expr.MissingValue()
			breakdown[key] = ""
		case err != nil:
			return computeResult{}, fmt.Errorf("component %q: %w", key, err)
		default:
			bindings[key] = expr.Number(v)
			breakdown[key] = v.String()
		}
	}

	formula, err := e.resolver.Resolve(ctx, ref)
	if err != nil {
		return computeResult{}, err
	}

	program, overridden := matchCondition(formula.Conditions, bindings)
	if !overridden {
		program = formula.Program
	}

	// a missing component referenced by the chosen expression is an
	// unresolved-component failure, not a generic evaluation error
	for _, name := range program.Vars() {
		if v, ok := bindings[name]; !ok || v.Missing {
			return computeResult{}, &UnresolvedComponentError{Key: name}
		}
	}

	raw, err := program.Eval(bindings)
	if err != nil {
		return computeResult{}, err
	}

	rounded := Round(raw, formula.Rounding, formula.DecimalPlaces)
	letter, err := Classify(rounded, formula.Boundaries, formula.FailLetter)
	if err != nil {
		return computeResult{}, err
	}
	var passing *bool
	if formula.PassThreshold != nil {
		p := rounded.GreaterThanOrEqual(*formula.PassThreshold)
		passing = &p
	}

	return computeResult{
		numeric:        rounded,
		letter:         letter,
		passing:        passing,
		breakdown:      breakdown,
		formulaID:      formula.ID,
		formulaVersion: formula.Version,
	}, nil
}
