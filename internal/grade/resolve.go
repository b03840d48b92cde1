package grade

import (
	"context"
	"fmt"
	"sync"

	"github.com/sekolahlabs/rapor/internal/expr"
)

// Resolver finds the single active formula governing an offering by
// walking the scope hierarchy from most to least specific, and keeps a
// compiled-program cache keyed by (formula id, version) so storage
// backends that persist raw expression text pay the parse cost once.
type Resolver struct {
	store Store

	mu    sync.RWMutex
	cache map[string]compiledPrograms
}

type compiledPrograms struct {
	main       *expr.Program
	conditions []Condition
}

// NewResolver builds a Resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, cache: map[string]compiledPrograms{}}
}

// Resolve returns the active formula for ref, fully compiled. A miss at
// every scope level yields *MissingFormulaError.
func (r *Resolver) Resolve(ctx context.Context, ref OfferingRef) (*GradingFormula, error) {
	lookups := []struct {
		scope Scope
		ref   string
	}{
		{ScopeCourseOffering, ref.OfferingID},
		{ScopeSubject, ref.SubjectID},
		{ScopePeriod, ref.PeriodID},
		{ScopeSchool, ref.SchoolID},
	}
	for _, l := range lookups {
		if l.ref == "" {
			continue
		}
		f, err := r.store.ActiveFormula(ctx, l.scope, l.ref)
		if err != nil {
			return nil, fmt.Errorf("formula lookup at scope %s: %w", l.scope, err)
		}
		if f == nil {
			continue
		}
		if err := r.ensureCompiled(f); err != nil {
			// activation validates the text, so a compile failure here
			// means the stored record was tampered with or corrupted
			return nil, fmt.Errorf("formula %s v%d no longer compiles: %w", f.ID, f.Version, err)
		}
		return f, nil
	}
	return nil, &MissingFormulaError{OfferingID: ref.OfferingID}
}

func cacheKey(id string, version int) string { return fmt.Sprintf("%s@%d", id, version) }

func (r *Resolver) ensureCompiled(f *GradingFormula) error {
	if f.Program != nil {
		return nil
	}
	key := cacheKey(f.ID, f.Version)
	r.mu.RLock()
	hit, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		f.Program = hit.main
		f.Conditions = hit.conditions
		return nil
	}

	program, err := expr.Parse(f.ExpressionSrc)
	if err != nil {
		return err
	}
	conditions := make([]Condition, len(f.Conditions))
	copy(conditions, f.Conditions)
	for i := range conditions {
		pred, err := expr.ParsePredicate(conditions[i].PredicateSrc)
		if err != nil {
			return fmt.Errorf("condition %d: %w", i+1, err)
		}
		prog, err := expr.Parse(conditions[i].ExpressionSrc)
		if err != nil {
			return fmt.Errorf("condition %d expression: %w", i+1, err)
		}
		conditions[i].Predicate = pred
		conditions[i].Program = prog
	}

	r.mu.Lock()
	r.cache[key] = compiledPrograms{main: program, conditions: conditions}
	r.mu.Unlock()

	f.Program = program
	f.Conditions = conditions
	return nil
}

// matchCondition walks the ordered override rules and returns the program
// of the first whose predicate holds; ok is false when none match and the
// main expression should run.
func matchCondition(conditions []Condition, vars map[string]expr.Value) (*expr.Program, bool) {
	for _, c := range conditions {
		if c.Predicate.Holds(vars) {
			return c.Program, true
		}
	}
	return nil, false
}
