// Package rewards splits resolved prediction profit between the data
// provider, the model creator and the liquidity pool, and derives the
// reputation bonus.
//
// Amounts are decimal tokens with a minimum unit of 10^-6. Data and model
// shares are truncated to that unit and the pool share takes the residual,
// so the three shares always sum exactly to the input.
package rewards

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of minimum units per token.
const Scale = 1_000_000

// UnitPlaces is the number of fractional digits of the minimum unit.
const UnitPlaces = 6

var (
	ErrNegativeProfit   = errors.New("rewards: total profit must not be negative")
	ErrNonFinite        = errors.New("rewards: input must be a finite number")
	ErrReputationRange  = errors.New("rewards: reputation must be between 0 and 100")
	ErrInvalidSplit     = errors.New("rewards: split ratios must be non-negative and sum to 1")
	ErrUnknownBonusMode = errors.New("rewards: unknown bonus mode")
)

var (
	hundred = decimal.NewFromInt(100)

	// MaxBonusPct is the bonus, in percentage points, at full reputation.
	MaxBonusPct = decimal.NewFromInt(20)

	bonusRate = decimal.NewFromFloat(0.2)
)

// Split holds the allocation ratios. Ratios are fractions of one.
type Split struct {
	Data  decimal.Decimal `json:"data"`
	Model decimal.Decimal `json:"model"`
	Pool  decimal.Decimal `json:"pool"`
}

// DefaultSplit returns the fixed 40/40/20 allocation.
func DefaultSplit() Split {
	return Split{
		Data:  decimal.NewFromFloat(0.4),
		Model: decimal.NewFromFloat(0.4),
		Pool:  decimal.NewFromFloat(0.2),
	}
}

// Validate checks that the ratios are non-negative and sum to exactly one.
func (s Split) Validate() error {
	if s.Data.IsNegative() || s.Model.IsNegative() || s.Pool.IsNegative() {
		return ErrInvalidSplit
	}
	if !s.Data.Add(s.Model).Add(s.Pool).Equal(decimal.NewFromInt(1)) {
		return ErrInvalidSplit
	}
	return nil
}

// Distribution is the result of splitting a total profit.
type Distribution struct {
	TotalProfit decimal.Decimal `json:"total_profit"`
	DataShare   decimal.Decimal `json:"data_share"`
	ModelShare  decimal.Decimal `json:"model_share"`
	PoolShare   decimal.Decimal `json:"pool_share"`
}

// Sum returns the sum of the three shares.
func (d Distribution) Sum() decimal.Decimal {
	return d.DataShare.Add(d.ModelShare).Add(d.PoolShare)
}

// Splitter computes distributions for a fixed split.
type Splitter struct {
	split Split
}

// NewSplitter returns a splitter for split, or an error if the split is invalid.
func NewSplitter(split Split) (*Splitter, error) {
	if err := split.Validate(); err != nil {
		return nil, err
	}
	return &Splitter{split: split}, nil
}

// Split returns the configured ratios.
func (s *Splitter) Split() Split {
	return s.split
}

// Compute splits total. total must not be negative.
func (s *Splitter) Compute(total decimal.Decimal) (Distribution, error) {
	if total.IsNegative() {
		return Distribution{}, fmt.Errorf("%w: %s", ErrNegativeProfit, total)
	}

	data := truncate(total.Mul(s.split.Data))
	model := truncate(total.Mul(s.split.Model))

	return Distribution{
		TotalProfit: total,
		DataShare:   data,
		ModelShare:  model,
		PoolShare:   total.Sub(data).Sub(model),
	}, nil
}

var defaultSplitter = &Splitter{split: DefaultSplit()}

// ComputeDistribution splits total with the default 40/40/20 allocation.
func ComputeDistribution(total decimal.Decimal) (Distribution, error) {
	return defaultSplitter.Compute(total)
}

// ComputeDistributionFloat is ComputeDistribution for float input.
// NaN and infinities are rejected.
func ComputeDistributionFloat(total float64) (Distribution, error) {
	d, err := FromFloat(total)
	if err != nil {
		return Distribution{}, err
	}
	return ComputeDistribution(d)
}

// ComputeBonus returns the reputation bonus in percentage points:
// reputation * 0.20 for reputation in [0, 100].
func ComputeBonus(reputation decimal.Decimal) (decimal.Decimal, error) {
	if reputation.IsNegative() || reputation.GreaterThan(hundred) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrReputationRange, reputation)
	}
	return reputation.Mul(bonusRate), nil
}

// ComputeBonusFloat is ComputeBonus for float input.
func ComputeBonusFloat(reputation float64) (decimal.Decimal, error) {
	if math.IsNaN(reputation) || math.IsInf(reputation, 0) {
		return decimal.Zero, ErrNonFinite
	}
	return ComputeBonus(decimal.NewFromFloat(reputation))
}

// FromFloat converts a non-negative finite float to a decimal amount.
func FromFloat(x float64) (decimal.Decimal, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return decimal.Zero, ErrNonFinite
	}
	if x < 0 {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNegativeProfit, x)
	}
	return decimal.NewFromFloat(x), nil
}

// ToUnits converts a token amount to minimum units, truncating dust.
func ToUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(UnitPlaces).Truncate(0)
}

// FromUnits converts minimum units back to tokens.
func FromUnits(units decimal.Decimal) decimal.Decimal {
	return units.Shift(-UnitPlaces)
}

func truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(UnitPlaces)
}
