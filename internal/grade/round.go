package grade

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundingRule selects how a computed grade is rounded to the formula's
// decimal place count.
type RoundingRule string

const (
	RoundHalfUp   RoundingRule = "half_up"
	RoundHalfDown RoundingRule = "half_down"
	RoundBankers  RoundingRule = "bankers" // round half to even
	RoundFloor    RoundingRule = "floor"
	RoundCeil     RoundingRule = "ceil"
)

// ParseRoundingRule validates a rule name at formula activation.
func ParseRoundingRule(s string) (RoundingRule, error) {
	switch RoundingRule(s) {
	case RoundHalfUp, RoundHalfDown, RoundBankers, RoundFloor, RoundCeil:
		return RoundingRule(s), nil
	}
	return "", fmt.Errorf("unknown rounding rule %q", s)
}

// Round applies rule at the given decimal place count.
func Round(v decimal.Decimal, rule RoundingRule, places int32) decimal.Decimal {
	switch rule {
	case RoundHalfDown:
		// shift, resolve the exact midpoint toward zero, shift back
		shifted := v.Shift(places)
		if shifted.Sub(shifted.Floor()).Equal(decimal.New(5, -1)) {
			return shifted.Floor().Shift(-places)
		}
		return v.Round(places)
	case RoundBankers:
		return v.RoundBank(places)
	case RoundFloor:
		return v.RoundFloor(places)
	case RoundCeil:
		return v.RoundCeil(places)
	default: // half_up
		return v.Round(places)
	}
}

// Classify maps a rounded numeric grade to a letter by scanning the
// boundary table in descending threshold order and returning the first
// letter whose threshold is at or below the grade. A grade below every
// threshold gets failLetter when one is defined, otherwise the lowest
// defined letter.
func Classify(v decimal.Decimal, boundaries []GradeBoundary, failLetter string) (string, error) {
	if len(boundaries) == 0 {
		return "", fmt.Errorf("no grade boundaries defined")
	}
	for _, b := range boundaries {
		if b.MinScore.LessThanOrEqual(v) {
			return b.Letter, nil
		}
	}
	if failLetter != "" {
		return failLetter, nil
	}
	return boundaries[len(boundaries)-1].Letter, nil
}
