package grade

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sekolahlabs/rapor/internal/expr"
)

// ComponentConfig is the author-supplied payload for one grading
// component. It is validated and compiled once, at activation.
type ComponentConfig struct {
	Scope         string `json:"scope"`
	ScopeRef      string `json:"scope_ref"`
	Key           string `json:"key"`
	SourceFilter  string `json:"source_filter"`
	Strategy      string `json:"strategy"`
	BestN         int    `json:"best_n,omitempty"`
	DropLowest    int    `json:"drop_lowest,omitempty"`
	MissingPolicy string `json:"missing_policy"`
}

// ConditionConfig is one authored override rule, in declaration order.
type ConditionConfig struct {
	Predicate   string `json:"predicate"`
	Expression  string `json:"expression"`
	Description string `json:"description,omitempty"`
}

// BoundaryConfig is one letter-grade threshold.
type BoundaryConfig struct {
	Letter   string `json:"letter"`
	MinScore string `json:"min_score"`
}

// FormulaConfig is the author-supplied payload for a grading formula.
type FormulaConfig struct {
	Scope         string            `json:"scope"`
	ScopeRef      string            `json:"scope_ref"`
	Expression    string            `json:"expression"`
	Conditions    []ConditionConfig `json:"conditions,omitempty"`
	Rounding      string            `json:"rounding"`
	DecimalPlaces int32             `json:"decimal_places"`
	PassThreshold string            `json:"pass_threshold,omitempty"`
	Boundaries    []BoundaryConfig  `json:"boundaries"`
	FailLetter    string            `json:"fail_letter,omitempty"`
}

func parseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeSchool, ScopePeriod, ScopeSubject, ScopeCourseOffering:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

func parseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(s) {
	case MissingIgnore, MissingZero:
		return MissingPolicy(s), nil
	}
	return "", fmt.Errorf("unknown missing policy %q", s)
}

// CompileComponent validates a component payload into a typed record.
func CompileComponent(cfg ComponentConfig) (GradingComponent, error) {
	scope, err := parseScope(cfg.Scope)
	if err != nil {
		return GradingComponent{}, err
	}
	if cfg.ScopeRef == "" {
		return GradingComponent{}, fmt.Errorf("component scope_ref is required")
	}
	if !validKey(cfg.Key) {
		return GradingComponent{}, fmt.Errorf("bad component key %q: must be a valid binding name", cfg.Key)
	}
	strategy, err := ParseStrategy(cfg.Strategy, cfg.BestN, cfg.DropLowest)
	if err != nil {
		return GradingComponent{}, err
	}
	policy, err := parseMissingPolicy(cfg.MissingPolicy)
	if err != nil {
		return GradingComponent{}, err
	}
	return GradingComponent{
		Scope:         scope,
		ScopeRef:      cfg.ScopeRef,
		Key:           cfg.Key,
		SourceFilter:  cfg.SourceFilter,
		Strategy:      strategy,
		MissingPolicy: policy,
	}, nil
}

func validKey(s string) bool {
	if s == "" || s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}

// CompileFormula validates a formula payload and compiles its expression
// and conditions. Any syntax or structural problem is rejected here,
// before activation, so it can never surface during a computation.
func CompileFormula(cfg FormulaConfig) (GradingFormula, error) {
	scope, err := parseScope(cfg.Scope)
	if err != nil {
		return GradingFormula{}, err
	}
	if cfg.ScopeRef == "" {
		return GradingFormula{}, fmt.Errorf("formula scope_ref is required")
	}
	program, err := expr.Parse(cfg.Expression)
	if err != nil {
		return GradingFormula{}, fmt.Errorf("main expression: %w", err)
	}
	conditions := make([]Condition, 0, len(cfg.Conditions))
	for i, cc := range cfg.Conditions {
		pred, err := expr.ParsePredicate(cc.Predicate)
		if err != nil {
			return GradingFormula{}, fmt.Errorf("condition %d: %w", i+1, err)
		}
		prog, err := expr.Parse(cc.Expression)
		if err != nil {
			return GradingFormula{}, fmt.Errorf("condition %d expression: %w", i+1, err)
		}
		conditions = append(conditions, Condition{
			PredicateSrc:  cc.Predicate,
			ExpressionSrc: cc.Expression,
			Description:   cc.Description,
			Predicate:     pred,
			Program:       prog,
		})
	}
	rounding, err := ParseRoundingRule(cfg.Rounding)
	if err != nil {
		return GradingFormula{}, err
	}
	if cfg.DecimalPlaces < 0 || cfg.DecimalPlaces > 6 {
		return GradingFormula{}, fmt.Errorf("decimal_places must be between 0 and 6, got %d", cfg.DecimalPlaces)
	}
	var passThreshold *decimal.Decimal
	if cfg.PassThreshold != "" {
		d, err := decimal.NewFromString(cfg.PassThreshold)
		if err != nil {
			return GradingFormula{}, fmt.Errorf("bad pass_threshold %q", cfg.PassThreshold)
		}
		passThreshold = &d
	}
	if len(cfg.Boundaries) == 0 {
		return GradingFormula{}, fmt.Errorf("at least one grade boundary is required")
	}
	boundaries := make([]GradeBoundary, 0, len(cfg.Boundaries))
	seen := map[string]bool{}
	for _, bc := range cfg.Boundaries {
		if bc.Letter == "" {
			return GradingFormula{}, fmt.Errorf("grade boundary with empty letter")
		}
		if seen[bc.Letter] {
			return GradingFormula{}, fmt.Errorf("duplicate grade boundary letter %q", bc.Letter)
		}
		seen[bc.Letter] = true
		min, err := decimal.NewFromString(bc.MinScore)
		if err != nil {
			return GradingFormula{}, fmt.Errorf("bad min_score %q for letter %q", bc.MinScore, bc.Letter)
		}
		boundaries = append(boundaries, GradeBoundary{Letter: bc.Letter, MinScore: min})
	}
	sort.SliceStable(boundaries, func(i, j int) bool {
		return boundaries[i].MinScore.GreaterThan(boundaries[j].MinScore)
	})
	return GradingFormula{
		Scope:         scope,
		ScopeRef:      cfg.ScopeRef,
		ExpressionSrc: cfg.Expression,
		Program:       program,
		Conditions:    conditions,
		Rounding:      rounding,
		DecimalPlaces: cfg.DecimalPlaces,
		PassThreshold: passThreshold,
		Boundaries:    boundaries,
		FailLetter:    cfg.FailLetter,
	}, nil
}

// ActivateComponent compiles and activates a component version,
// deactivating the prior active version of the same (scope, key).
func ActivateComponent(ctx context.Context, store Store, cfg ComponentConfig) (GradingComponent, error) {
	c, err := CompileComponent(cfg)
	if err != nil {
		return GradingComponent{}, err
	}
	return store.ActivateComponent(ctx, c)
}

// ActivateFormula compiles and activates a formula version, deactivating
// the prior active version at the same scope.
func ActivateFormula(ctx context.Context, store Store, cfg FormulaConfig) (GradingFormula, error) {
	f, err := CompileFormula(cfg)
	if err != nil {
		return GradingFormula{}, err
	}
	return store.ActivateFormula(ctx, f)
}
