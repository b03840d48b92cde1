package grade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLStore persists the engine's records through database/sql. It works
// against both the sqlite and postgres schemas from internal/db.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an opened database.
func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

var _ Store = (*SQLStore)(nil)

// decimal round-trip helpers: values live in TEXT columns

func decStr(d decimal.Decimal) string { return d.String() }

func decPtrStr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func scanDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func scanDecPtr(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// isUniqueViolation recognizes a duplicate-key error from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// PutScore upserts one assessment score record.
func (s *SQLStore) PutScore(ctx context.Context, offeringID string, sc AssessmentScore) error {
	id := offeringID + "|" + sc.AssessmentID + "|" + sc.StudentID
	_, err := s.db.ExecContext(ctx, `INSERT INTO assessment_scores
		(id, offering_id, assessment_id, student_id, raw_score, adjusted_score, status, group_tag, weight_override, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
		  raw_score=EXCLUDED.raw_score, adjusted_score=EXCLUDED.adjusted_score,
		  status=EXCLUDED.status, group_tag=EXCLUDED.group_tag,
		  weight_override=EXCLUDED.weight_override, submitted_at=EXCLUDED.submitted_at`,
		id, offeringID, sc.AssessmentID, sc.StudentID,
		decStr(sc.RawScore), decStr(sc.AdjustedScore), string(sc.Status), sc.GroupTag,
		decPtrStr(sc.WeightOverride), sc.SubmittedAt.Unix())
	return err
}

// PutEnrollment upserts one roster row.
func (s *SQLStore) PutEnrollment(ctx context.Context, e Enrollment) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO enrollments (offering_id, student_id, is_active)
		VALUES ($1,$2,$3)
		ON CONFLICT (offering_id, student_id) DO UPDATE SET is_active=EXCLUDED.is_active`,
		e.CourseOfferingID, e.StudentID, e.IsActive)
	return err
}

// PutOfferingRef upserts the scope chain of an offering.
func (s *SQLStore) PutOfferingRef(ctx context.Context, ref OfferingRef) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO offerings (id, subject_id, period_id, school_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET
		  subject_id=EXCLUDED.subject_id, period_id=EXCLUDED.period_id, school_id=EXCLUDED.school_id`,
		ref.OfferingID, ref.SubjectID, ref.PeriodID, ref.SchoolID)
	return err
}

func (s *SQLStore) ScoresForStudent(ctx context.Context, offeringID, studentID string) ([]AssessmentScore, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT assessment_id, student_id, raw_score, adjusted_score, status, group_tag, weight_override, submitted_at
		FROM assessment_scores WHERE offering_id=$1 AND student_id=$2`, offeringID, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssessmentScore
	for rows.Next() {
		var sc AssessmentScore
		var raw, adjusted, status string
		var weight sql.NullString
		var submitted int64
		if err := rows.Scan(&sc.AssessmentID, &sc.StudentID, &raw, &adjusted, &status, &sc.GroupTag, &weight, &submitted); err != nil {
			return nil, err
		}
		if sc.RawScore, err = scanDec(raw); err != nil {
			return nil, err
		}
		if sc.AdjustedScore, err = scanDec(adjusted); err != nil {
			return nil, err
		}
		if sc.WeightOverride, err = scanDecPtr(weight); err != nil {
			return nil, err
		}
		sc.Status = ScoreStatus(status)
		sc.SubmittedAt = time.Unix(submitted, 0).UTC()
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLStore) ActiveEnrollments(ctx context.Context, offeringID string) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT offering_id, student_id FROM enrollments
		WHERE offering_id=$1 AND is_active=TRUE ORDER BY student_id`, offeringID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		e := Enrollment{IsActive: true}
		if err := rows.Scan(&e.CourseOfferingID, &e.StudentID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetOfferingRef(ctx context.Context, offeringID string) (OfferingRef, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, subject_id, period_id, school_id FROM offerings WHERE id=$1`, offeringID)
	var ref OfferingRef
	if err := row.Scan(&ref.OfferingID, &ref.SubjectID, &ref.PeriodID, &ref.SchoolID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OfferingRef{OfferingID: offeringID}, nil
		}
		return OfferingRef{}, err
	}
	return ref, nil
}

func (s *SQLStore) ComponentsForScopes(ctx context.Context, ref OfferingRef) ([]GradingComponent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, scope, scope_ref, key, source_filter, strategy, strategy_n, strategy_k, missing_policy, version
		FROM grading_components WHERE is_active=TRUE AND (
		  (scope='course_offering' AND scope_ref=$1) OR
		  (scope='subject' AND scope_ref=$2) OR
		  (scope='period' AND scope_ref=$3) OR
		  (scope='school' AND scope_ref=$4))`,
		ref.OfferingID, ref.SubjectID, ref.PeriodID, ref.SchoolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GradingComponent
	for rows.Next() {
		var c GradingComponent
		var scope, kind, policy string
		var n, k int
		if err := rows.Scan(&c.ID, &scope, &c.ScopeRef, &c.Key, &c.SourceFilter, &kind, &n, &k, &policy, &c.Version); err != nil {
			return nil, err
		}
		c.Scope = Scope(scope)
		c.MissingPolicy = MissingPolicy(policy)
		c.IsActive = true
		if c.Strategy, err = ParseStrategy(kind, n, k); err != nil {
			return nil, fmt.Errorf("component %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) ActiveFormula(ctx context.Context, scope Scope, scopeRef string) (*GradingFormula, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, scope, scope_ref, expression, conditions_json, rounding, decimal_places, pass_threshold, boundaries_json, fail_letter, version
		FROM grading_formulas WHERE scope=$1 AND scope_ref=$2 AND is_active=TRUE`, string(scope), scopeRef)

	var f GradingFormula
	var scopeStr, conditionsJSON, rounding, boundariesJSON string
	var passThreshold sql.NullString
	err := row.Scan(&f.ID, &scopeStr, &f.ScopeRef, &f.ExpressionSrc, &conditionsJSON, &rounding, &f.DecimalPlaces, &passThreshold, &boundariesJSON, &f.FailLetter, &f.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Scope = Scope(scopeStr)
	f.Rounding = RoundingRule(rounding)
	f.IsActive = true
	if f.PassThreshold, err = scanDecPtr(passThreshold); err != nil {
		return nil, err
	}

	var conds []ConditionConfig
	if err := json.Unmarshal([]byte(conditionsJSON), &conds); err != nil {
		return nil, fmt.Errorf("formula %s conditions: %w", f.ID, err)
	}
	for _, cc := range conds {
		f.Conditions = append(f.Conditions, Condition{
			PredicateSrc:  cc.Predicate,
			ExpressionSrc: cc.Expression,
			Description:   cc.Description,
		})
	}
	var bounds []BoundaryConfig
	if err := json.Unmarshal([]byte(boundariesJSON), &bounds); err != nil {
		return nil, fmt.Errorf("formula %s boundaries: %w", f.ID, err)
	}
	for _, bc := range bounds {
		min, err := decimal.NewFromString(bc.MinScore)
		if err != nil {
			return nil, fmt.Errorf("formula %s boundary %q: %w", f.ID, bc.Letter, err)
		}
		f.Boundaries = append(f.Boundaries, GradeBoundary{Letter: bc.Letter, MinScore: min})
	}
	// Program stays nil; the resolver compiles and caches per version.
	return &f, nil
}

func (s *SQLStore) ActivateComponent(ctx context.Context, c GradingComponent) (GradingComponent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GradingComponent{}, err
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM grading_components WHERE scope=$1 AND scope_ref=$2 AND key=$3`,
		string(c.Scope), c.ScopeRef, c.Key).Scan(&maxVersion); err != nil {
		return GradingComponent{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE grading_components SET is_active=FALSE WHERE scope=$1 AND scope_ref=$2 AND key=$3 AND is_active=TRUE`,
		string(c.Scope), c.ScopeRef, c.Key); err != nil {
		return GradingComponent{}, err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Version = int(maxVersion.Int64) + 1
	c.IsActive = true

	var n, k int
	switch v := c.Strategy.(type) {
	case BestN:
		n = v.N
	case DropLowestK:
		k = v.K
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO grading_components
		(id, scope, scope_ref, key, source_filter, strategy, strategy_n, strategy_k, missing_policy, version, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE)`,
		c.ID, string(c.Scope), c.ScopeRef, c.Key, c.SourceFilter, c.Strategy.Kind(), n, k, string(c.MissingPolicy), c.Version); err != nil {
		return GradingComponent{}, err
	}
	if err := tx.Commit(); err != nil {
		return GradingComponent{}, err
	}
	return c, nil
}

func (s *SQLStore) ActivateFormula(ctx context.Context, f GradingFormula) (GradingFormula, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GradingFormula{}, err
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM grading_formulas WHERE scope=$1 AND scope_ref=$2`,
		string(f.Scope), f.ScopeRef).Scan(&maxVersion); err != nil {
		return GradingFormula{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE grading_formulas SET is_active=FALSE WHERE scope=$1 AND scope_ref=$2 AND is_active=TRUE`,
		string(f.Scope), f.ScopeRef); err != nil {
		return GradingFormula{}, err
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Version = int(maxVersion.Int64) + 1
	f.IsActive = true

	conds := make([]ConditionConfig, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		conds = append(conds, ConditionConfig{Predicate: c.PredicateSrc, Expression: c.ExpressionSrc, Description: c.Description})
	}
	condJSON, err := json.Marshal(conds)
	if err != nil {
		return GradingFormula{}, err
	}
	bounds := make([]BoundaryConfig, 0, len(f.Boundaries))
	for _, b := range f.Boundaries {
		bounds = append(bounds, BoundaryConfig{Letter: b.Letter, MinScore: b.MinScore.String()})
	}
	boundJSON, err := json.Marshal(bounds)
	if err != nil {
		return GradingFormula{}, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO grading_formulas
		(id, scope, scope_ref, expression, conditions_json, rounding, decimal_places, pass_threshold, boundaries_json, fail_letter, version, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,TRUE)`,
		f.ID, string(f.Scope), f.ScopeRef, f.ExpressionSrc, string(condJSON), string(f.Rounding),
		f.DecimalPlaces, decPtrStr(f.PassThreshold), string(boundJSON), f.FailLetter, f.Version); err != nil {
		return GradingFormula{}, err
	}
	if err := tx.Commit(); err != nil {
		return GradingFormula{}, err
	}
	return f, nil
}

func (s *SQLStore) GetFinalGrade(ctx context.Context, studentID, offeringID string) (*FinalGrade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, student_id, offering_id, numeric_grade, letter_grade, is_passing, breakdown_json, formula_id, formula_version, computed_at, is_published, is_locked, revision
		FROM final_grades WHERE student_id=$1 AND offering_id=$2`, studentID, offeringID)
	g, err := scanFinalGrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinalGrade(row rowScanner) (*FinalGrade, error) {
	var g FinalGrade
	var numeric, letter sql.NullString
	var passing sql.NullBool
	var breakdownJSON string
	var computed int64
	err := row.Scan(&g.ID, &g.StudentID, &g.CourseOfferingID, &numeric, &letter, &passing,
		&breakdownJSON, &g.FormulaID, &g.FormulaVersion, &computed, &g.IsPublished, &g.IsLocked, &g.Revision)
	if err != nil {
		return nil, err
	}
	if g.NumericGrade, err = scanDecPtr(numeric); err != nil {
		return nil, err
	}
	if letter.Valid {
		g.LetterGrade = &letter.String
	}
	if passing.Valid {
		g.IsPassing = &passing.Bool
	}
	if err := json.Unmarshal([]byte(breakdownJSON), &g.Breakdown); err != nil {
		return nil, err
	}
	g.ComputedAt = time.Unix(computed, 0).UTC()
	return &g, nil
}

func (s *SQLStore) SaveOutcome(ctx context.Context, g FinalGrade, entry ComputationLogEntry, expectedRevision int) (FinalGrade, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FinalGrade{}, err
	}
	defer tx.Rollback()

	breakdownJSON, err := json.Marshal(g.Breakdown)
	if err != nil {
		return FinalGrade{}, err
	}

	if expectedRevision == 0 {
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		g.Revision = 1
		_, err = tx.ExecContext(ctx, `INSERT INTO final_grades
			(id, student_id, offering_id, numeric_grade, letter_grade, is_passing, breakdown_json, formula_id, formula_version, computed_at, is_published, is_locked, revision)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,FALSE,1)`,
			g.ID, g.StudentID, g.CourseOfferingID, decPtrStr(g.NumericGrade), g.LetterGrade, g.IsPassing,
			string(breakdownJSON), g.FormulaID, g.FormulaVersion, g.ComputedAt.Unix(), g.IsPublished)
		if err != nil {
			// the unique (student_id, offering_id) index turns an insert
			// race into a conflict the engine can retry; anything else is
			// a real write failure and must be reported as one
			if isUniqueViolation(err) {
				return FinalGrade{}, ErrConflict
			}
			return FinalGrade{}, fmt.Errorf("insert final grade: %w", err)
		}
	} else {
		g.Revision = expectedRevision + 1
		res, err := tx.ExecContext(ctx, `UPDATE final_grades SET
			numeric_grade=$1, letter_grade=$2, is_passing=$3, breakdown_json=$4,
			formula_id=$5, formula_version=$6, computed_at=$7, revision=$8
			WHERE student_id=$9 AND offering_id=$10 AND revision=$11 AND is_locked=FALSE`,
			decPtrStr(g.NumericGrade), g.LetterGrade, g.IsPassing, string(breakdownJSON),
			g.FormulaID, g.FormulaVersion, g.ComputedAt.Unix(), g.Revision,
			g.StudentID, g.CourseOfferingID, expectedRevision)
		if err != nil {
			return FinalGrade{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return FinalGrade{}, err
		}
		if n == 0 {
			return FinalGrade{}, ErrConflict
		}
	}

	entry.FinalGradeID = g.ID
	if err := appendLogTx(ctx, tx, entry); err != nil {
		return FinalGrade{}, err
	}
	if err := tx.Commit(); err != nil {
		return FinalGrade{}, err
	}
	return g, nil
}

type execerContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendLogTx(ctx context.Context, ex execerContext, entry ComputationLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO computation_log
		(id, student_id, offering_id, final_grade_id, trigger_type, previous_grade, new_grade, status, error_message, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.ID, entry.StudentID, entry.CourseOfferingID, entry.FinalGradeID, string(entry.Trigger),
		decPtrStr(entry.PreviousGrade), decPtrStr(entry.NewGrade), string(entry.Status),
		entry.ErrorMessage, entry.StartedAt.Unix(), unixPtr(entry.CompletedAt))
	return err
}

func (s *SQLStore) AppendLog(ctx context.Context, entry ComputationLogEntry) error {
	return appendLogTx(ctx, s.db, entry)
}

func (s *SQLStore) LogEntries(ctx context.Context, studentID, offeringID string) ([]ComputationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, student_id, offering_id, final_grade_id, trigger_type, previous_grade, new_grade, status, error_message, started_at, completed_at
		FROM computation_log WHERE student_id=$1 AND offering_id=$2 ORDER BY started_at, id`, studentID, offeringID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ComputationLogEntry
	for rows.Next() {
		var e ComputationLogEntry
		var trigger, status string
		var prev, next sql.NullString
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&e.ID, &e.StudentID, &e.CourseOfferingID, &e.FinalGradeID, &trigger, &prev, &next, &status, &e.ErrorMessage, &started, &completed); err != nil {
			return nil, err
		}
		e.Trigger = TriggerType(trigger)
		e.Status = AttemptStatus(status)
		if e.PreviousGrade, err = scanDecPtr(prev); err != nil {
			return nil, err
		}
		if e.NewGrade, err = scanDecPtr(next); err != nil {
			return nil, err
		}
		e.StartedAt = time.Unix(started, 0).UTC()
		if completed.Valid {
			t := time.Unix(completed.Int64, 0).UTC()
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetLocked(ctx context.Context, studentID, offeringID string, locked bool) error {
	return s.setFlag(ctx, `UPDATE final_grades SET is_locked=$1, revision=revision+1 WHERE student_id=$2 AND offering_id=$3`,
		locked, studentID, offeringID)
}

func (s *SQLStore) SetPublished(ctx context.Context, studentID, offeringID string, published bool) error {
	return s.setFlag(ctx, `UPDATE final_grades SET is_published=$1, revision=revision+1 WHERE student_id=$2 AND offering_id=$3`,
		published, studentID, offeringID)
}

func (s *SQLStore) setFlag(ctx context.Context, query string, flag bool, studentID, offeringID string) error {
	res, err := s.db.ExecContext(ctx, query, flag, studentID, offeringID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &UnknownGradeError{StudentID: studentID, CourseOfferingID: offeringID}
	}
	return nil
}
