package grade

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Strategy reduces a set of raw scores to one component value. Each
// variant carries only its own parameters; instances are built once at
// component activation.
type Strategy interface {
	Kind() string
	Reduce(scores []AssessmentScore, policy MissingPolicy) (decimal.Decimal, error)
}

type (
	// Average is the plain mean of the usable scores.
	Average struct{}
	// WeightedAverage weights each score by its weight_override
	// (default 1) and divides by the total weight.
	WeightedAverage struct{}
	// BestN averages the N highest scores.
	BestN struct{ N int }
	// DropLowestK removes the K lowest scores and averages the rest.
	DropLowestK struct{ K int }
	// Latest picks the most recently submitted graded score.
	Latest struct{}
	// Sum adds all usable scores.
	Sum struct{}
)

func (Average) Kind() string         { return "average" }
func (WeightedAverage) Kind() string { return "weighted_average" }
func (BestN) Kind() string           { return "best_n" }
func (DropLowestK) Kind() string     { return "drop_lowest_k" }
func (Latest) Kind() string          { return "latest" }
func (Sum) Kind() string             { return "sum" }

// ParseStrategy builds a Strategy from its configuration payload,
// rejecting unknown kinds and bad parameters at activation time.
func ParseStrategy(kind string, n, k int) (Strategy, error) {
	switch kind {
	case "average":
		return Average{}, nil
	case "weighted_average":
		return WeightedAverage{}, nil
	case "best_n":
		if n < 1 {
			return nil, fmt.Errorf("best_n requires n >= 1, got %d", n)
		}
		return BestN{N: n}, nil
	case "drop_lowest_k":
		if k < 1 {
			return nil, fmt.Errorf("drop_lowest_k requires k >= 1, got %d", k)
		}
		return DropLowestK{K: k}, nil
	case "latest":
		return Latest{}, nil
	case "sum":
		return Sum{}, nil
	}
	return nil, fmt.Errorf("unknown aggregator strategy %q", kind)
}

// usableScore is one score admitted to aggregation, with its effective
// value under the missing policy.
type usableScore struct {
	src   AssessmentScore
	value decimal.Decimal
}

// usable applies the missing policy. Excused scores are always excluded
// (excusal must never penalize). Under ignore, ungraded entries are
// dropped; under zero they count as 0. The result is sorted by submission
// time (then assessment id) so aggregation is independent of input order.
func usable(scores []AssessmentScore, policy MissingPolicy) []usableScore {
	out := make([]usableScore, 0, len(scores))
	for _, s := range scores {
		switch s.Status {
		case StatusExcused:
			continue
		case StatusGraded:
			out = append(out, usableScore{src: s, value: s.AdjustedScore})
		default: // not_submitted or submitted-but-ungraded
			if policy == MissingZero {
				out = append(out, usableScore{src: s, value: decimal.Zero})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].src, out[j].src
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.AssessmentID < b.AssessmentID
	})
	return out
}

func mean(us []usableScore) (decimal.Decimal, error) {
	if len(us) == 0 {
		return decimal.Decimal{}, ErrNoUsableScores
	}
	total := decimal.Zero
	for _, u := range us {
		total = total.Add(u.value)
	}
	return total.Div(decimal.NewFromInt(int64(len(us)))), nil
}

func (Average) Reduce(scores []AssessmentScore, policy MissingPolicy) (decimal.Decimal, error) {
	return mean(usable(scores, policy))
}

func (WeightedAverage) Reduce(scores []AssessmentScore, policy MissingPolicy) (decimal.Decimal, error) {
	us := usable(scores, policy)
	if len(us) == 0 {
		return decimal.Decimal{}, ErrNoUsableScores
	}
	weighted, totalWeight := decimal.Zero, decimal.Zero
	for _, u := range us {
		w := decimal.NewFromInt(1)
		if u.src.WeightOverride != nil {
			w = *u.src.WeightOverride
		}
		weighted = weighted.Add(w.Mul(u.value))
		totalWeight = totalWeight.Add(w)
	}
	if totalWeight.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("weighted_average: total weight is zero")
	}
	return weighted.Div(totalWeight), nil
}

func (s BestN) Reduce(scores []AssessmentScore, policy MissingPolicy) (decimal.Decimal, error) {
	us := usable(scores, policy)
	if len(us) == 0 {
		return decimal.Decimal{}, ErrNoUsableScores
	}
	// highest values first; equal values keep the earliest submission
	// first, so the selection is deterministic
	sort.SliceStable(us, func(i, j int) bool {
		return us[i].value.GreaterThan(us[j].value)
	})
	if len(us) > s.N {
		us = us[:s.N]
	}
	return mean(us)
}

func (s DropLowestK) Reduce(scores []AssessmentScore, policy MissingPolicy) (decimal.Decimal, error) {
	us := usable(scores, policy)
	if len(us) <= s.K {
		return decimal.Decimal{}, ErrNoUsableScores
	}
	// lowest values first; equal values drop the latest submission, so
	// the earliest-submitted of a tie is kept
	sort.SliceStable(us, func(i, j int) bool {
		if !us[i].value.Equal(us[j].value) {
			return us[i].value.LessThan(us[j].value)
		}
		return us[i].src.SubmittedAt.After(us[j].src.SubmittedAt)
	})
	return mean(us[s.K:])
}

func (Latest) Reduce(scores []AssessmentScore, policy MissingPolicy) (decimal.Decimal, error) {
	us := usable(scores, policy)
	// latest means the most recent *graded* score; zero-policy
	// placeholders never carry a grading event
	var picked *usableScore
	for i := range us {
		u := us[i]
		if u.src.Status != StatusGraded {
			continue
		}
		if picked == nil || u.src.SubmittedAt.After(picked.src.SubmittedAt) {
			picked = &us[i]
		}
	}
	if picked == nil {
		return decimal.Decimal{}, ErrNoUsableScores
	}
	return picked.value, nil
}

func (Sum) Reduce(scores []AssessmentScore, policy MissingPolicy) (decimal.Decimal, error) {
	us := usable(scores, policy)
	if len(us) == 0 {
		return decimal.Decimal{}, ErrNoUsableScores
	}
	total := decimal.Zero
	for _, u := range us {
		total = total.Add(u.value)
	}
	return total, nil
}
