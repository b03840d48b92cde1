package grade

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store is the persistence boundary of the engine. SaveOutcome must write
// the FinalGrade and its ledger entry atomically, and must return
// ErrConflict when the stored revision no longer matches expectedRevision.
type Store interface {
	// input feeds
	ScoresForStudent(ctx context.Context, offeringID, studentID string) ([]AssessmentScore, error)
	ActiveEnrollments(ctx context.Context, offeringID string) ([]Enrollment, error)
	GetOfferingRef(ctx context.Context, offeringID string) (OfferingRef, error)

	// configuration; activation deactivates the prior active version of
	// the same (scope, scope_ref[, key]) in the same transaction
	ComponentsForScopes(ctx context.Context, ref OfferingRef) ([]GradingComponent, error)
	ActiveFormula(ctx context.Context, scope Scope, scopeRef string) (*GradingFormula, error)
	ActivateComponent(ctx context.Context, c GradingComponent) (GradingComponent, error)
	ActivateFormula(ctx context.Context, f GradingFormula) (GradingFormula, error)

	// outputs
	GetFinalGrade(ctx context.Context, studentID, offeringID string) (*FinalGrade, error)
	SaveOutcome(ctx context.Context, g FinalGrade, entry ComputationLogEntry, expectedRevision int) (FinalGrade, error)
	AppendLog(ctx context.Context, entry ComputationLogEntry) error
	LogEntries(ctx context.Context, studentID, offeringID string) ([]ComputationLogEntry, error)
	SetLocked(ctx context.Context, studentID, offeringID string, locked bool) error
	SetPublished(ctx context.Context, studentID, offeringID string, published bool) error
}

// MemoryStore is the in-process Store used by tests and by callers that
// feed records directly.
type MemoryStore struct {
	mu          sync.RWMutex
	scores      map[string][]AssessmentScore // offeringID|studentID
	enrollments map[string][]Enrollment      // offeringID
	refs        map[string]OfferingRef       // offeringID
	components  []GradingComponent
	formulas    []GradingFormula
	grades      map[string]FinalGrade // offeringID|studentID
	log         []ComputationLogEntry
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scores:      map[string][]AssessmentScore{},
		enrollments: map[string][]Enrollment{},
		refs:        map[string]OfferingRef{},
		grades:      map[string]FinalGrade{},
	}
}

func pairKey(offeringID, studentID string) string { return offeringID + "|" + studentID }

// PutScore records one assessment score for aggregation.
func (m *MemoryStore) PutScore(offeringID string, s AssessmentScore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(offeringID, s.StudentID)
	m.scores[k] = append(m.scores[k], s)
}

// PutEnrollment registers a student in an offering.
func (m *MemoryStore) PutEnrollment(e Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[e.CourseOfferingID] = append(m.enrollments[e.CourseOfferingID], e)
}

// PutOfferingRef registers the scope chain of an offering.
func (m *MemoryStore) PutOfferingRef(ref OfferingRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[ref.OfferingID] = ref
}

func (m *MemoryStore) ScoresForStudent(_ context.Context, offeringID, studentID string) ([]AssessmentScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.scores[pairKey(offeringID, studentID)]
	out := make([]AssessmentScore, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryStore) ActiveEnrollments(_ context.Context, offeringID string) ([]Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Enrollment
	for _, e := range m.enrollments[offeringID] {
		if e.IsActive {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetOfferingRef(_ context.Context, offeringID string) (OfferingRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[offeringID]
	if !ok {
		// an offering with no registered chain still resolves at its own scope
		return OfferingRef{OfferingID: offeringID}, nil
	}
	return ref, nil
}

func (m *MemoryStore) ComponentsForScopes(_ context.Context, ref OfferingRef) ([]GradingComponent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []GradingComponent
	for _, c := range m.components {
		if c.IsActive && scopeMatches(c.Scope, c.ScopeRef, ref) {
			out = append(out, c)
		}
	}
	return out, nil
}

func scopeMatches(scope Scope, scopeRef string, ref OfferingRef) bool {
	switch scope {
	case ScopeCourseOffering:
		return scopeRef == ref.OfferingID
	case ScopeSubject:
		return scopeRef != "" && scopeRef == ref.SubjectID
	case ScopePeriod:
		return scopeRef != "" && scopeRef == ref.PeriodID
	case ScopeSchool:
		return scopeRef != "" && scopeRef == ref.SchoolID
	}
	return false
}

func (m *MemoryStore) ActiveFormula(_ context.Context, scope Scope, scopeRef string) (*GradingFormula, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.formulas {
		f := m.formulas[i]
		if f.IsActive && f.Scope == scope && f.ScopeRef == scopeRef {
			return &f, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ActivateComponent(_ context.Context, c GradingComponent) (GradingComponent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := 1
	for i := range m.components {
		prev := &m.components[i]
		if prev.Scope == c.Scope && prev.ScopeRef == c.ScopeRef && prev.Key == c.Key {
			if prev.Version >= version {
				version = prev.Version + 1
			}
			prev.IsActive = false
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Version = version
	c.IsActive = true
	m.components = append(m.components, c)
	return c, nil
}

func (m *MemoryStore) ActivateFormula(_ context.Context, f GradingFormula) (GradingFormula, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := 1
	for i := range m.formulas {
		prev := &m.formulas[i]
		if prev.Scope == f.Scope && prev.ScopeRef == f.ScopeRef {
			if prev.Version >= version {
				version = prev.Version + 1
			}
			prev.IsActive = false
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Version = version
	f.IsActive = true
	m.formulas = append(m.formulas, f)
	return f, nil
}

func (m *MemoryStore) GetFinalGrade(_ context.Context, studentID, offeringID string) (*FinalGrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grades[pairKey(offeringID, studentID)]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *MemoryStore) SaveOutcome(_ context.Context, g FinalGrade, entry ComputationLogEntry, expectedRevision int) (FinalGrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(g.CourseOfferingID, g.StudentID)
	stored, exists := m.grades[k]
	if exists && (stored.Revision != expectedRevision || stored.IsLocked) {
		return FinalGrade{}, ErrConflict
	}
	if !exists && expectedRevision != 0 {
		return FinalGrade{}, ErrConflict
	}
	if g.ID == "" {
		if exists {
			g.ID = stored.ID
		} else {
			g.ID = uuid.NewString()
		}
	}
	g.Revision = expectedRevision + 1
	m.grades[k] = g
	entry.FinalGradeID = g.ID
	m.log = append(m.log, entry)
	return g, nil
}

func (m *MemoryStore) AppendLog(_ context.Context, entry ComputationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.log = append(m.log, entry)
	return nil
}

func (m *MemoryStore) LogEntries(_ context.Context, studentID, offeringID string) ([]ComputationLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ComputationLogEntry
	for _, e := range m.log {
		if e.StudentID == studentID && e.CourseOfferingID == offeringID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) SetLocked(_ context.Context, studentID, offeringID string, locked bool) error {
	return m.setFlag(studentID, offeringID, func(g *FinalGrade) { g.IsLocked = locked })
}

func (m *MemoryStore) SetPublished(_ context.Context, studentID, offeringID string, published bool) error {
	return m.setFlag(studentID, offeringID, func(g *FinalGrade) { g.IsPublished = published })
}

func (m *MemoryStore) setFlag(studentID, offeringID string, apply func(*FinalGrade)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(offeringID, studentID)
	g, ok := m.grades[k]
	if !ok {
		return &UnknownGradeError{StudentID: studentID, CourseOfferingID: offeringID}
	}
	apply(&g)
	g.Revision++
	m.grades[k] = g
	return nil
}
