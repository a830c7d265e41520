// Package validate provides range checks for user supplied values.
// The boolean checks are total: they never panic and treat NaN and
// infinities as invalid.
package validate

import (
	"fmt"
	"math"
	"regexp"

	"github.com/shopspring/decimal"
)

const (
	// MaxDeposit is the sanity ceiling for a single deposit, in tokens.
	MaxDeposit = 100_000_000

	// MinConfidence is the action threshold for confidence (percent).
	MinConfidence = 50

	// MaxFileHashLen is the maximum length of a file reference token.
	MaxFileHashLen = 64
)

var fileHashPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

var (
	hundred    = decimal.NewFromInt(100)
	maxDeposit = decimal.NewFromInt(MaxDeposit)
	minConf    = decimal.NewFromInt(MinConfidence)
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// QualityScore reports whether x is in [0, 100].
func QualityScore(x float64) bool {
	return finite(x) && x >= 0 && x <= 100
}

// DepositAmount reports whether x is in (0, MaxDeposit].
func DepositAmount(x float64) bool {
	return finite(x) && x > 0 && x <= MaxDeposit
}

// Confidence reports whether x is in [MinConfidence, 100].
// Display confidence on a prediction may be lower; see DisplayConfidence.
func Confidence(x float64) bool {
	return finite(x) && x >= MinConfidence && x <= 100
}

// DisplayConfidence reports whether x is in [0, 100].
func DisplayConfidence(x float64) bool {
	return QualityScore(x)
}

// Reputation reports whether x is in [0, 100].
func Reputation(x float64) bool {
	return QualityScore(x)
}

// FileHash reports whether s is a non-empty alphanumeric token of at most
// MaxFileHashLen characters.
func FileHash(s string) bool {
	return len(s) <= MaxFileHashLen && fileHashPattern.MatchString(s)
}

// QualityDecimal is QualityScore for decimal input.
func QualityDecimal(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(hundred)
}

// DepositDecimal is DepositAmount for decimal input.
func DepositDecimal(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThanOrEqual(maxDeposit)
}

// ConfidenceDecimal is Confidence for decimal input.
func ConfidenceDecimal(d decimal.Decimal) bool {
	return d.GreaterThanOrEqual(minConf) && d.LessThanOrEqual(hundred)
}

// CheckQuality returns a ValidationError when d is not a valid quality score.
func CheckQuality(d decimal.Decimal) error {
	if !QualityDecimal(d) {
		return &ValidationError{Field: "quality_score", Value: d.String(), Reason: "must be between 0 and 100"}
	}
	return nil
}

// CheckDeposit returns a ValidationError when d is not a valid deposit.
func CheckDeposit(field string, d decimal.Decimal) error {
	if !DepositDecimal(d) {
		return &ValidationError{Field: field, Value: d.String(), Reason: fmt.Sprintf("must be greater than 0 and at most %d", MaxDeposit)}
	}
	return nil
}

// CheckConfidence returns a ValidationError when d is below the action
// threshold or above 100.
func CheckConfidence(d decimal.Decimal) error {
	if !ConfidenceDecimal(d) {
		return &ValidationError{Field: "confidence", Value: d.String(), Reason: fmt.Sprintf("must be between %d and 100", MinConfidence)}
	}
	return nil
}

// CheckFileHash returns a ValidationError when s is not a valid file token.
func CheckFileHash(s string) error {
	if !FileHash(s) {
		v := s
		if len(v) > MaxFileHashLen {
			v = v[:MaxFileHashLen] + "..."
		}
		return &ValidationError{Field: "file_hash", Value: v, Reason: "must be 1-64 alphanumeric characters"}
	}
	return nil
}
