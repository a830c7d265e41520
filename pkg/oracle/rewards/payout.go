package rewards

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// BonusMode selects how the reputation bonus affects payouts.
type BonusMode int

const (
	// BonusInformational reports bonuses without changing the base split.
	BonusInformational BonusMode = iota
	// BonusPoolFunded pays bonuses to the parties out of the pool share.
	BonusPoolFunded
)

func (m BonusMode) String() string {
	switch m {
	case BonusInformational:
		return "informational"
	case BonusPoolFunded:
		return "pool_funded"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m BonusMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *BonusMode) UnmarshalText(b []byte) error {
	mode, err := ParseBonusMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseBonusMode parses "informational" or "pool_funded". The empty string
// selects BonusInformational.
func ParseBonusMode(s string) (BonusMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "informational", "info":
		return BonusInformational, nil
	case "pool_funded", "pool-funded", "pool":
		return BonusPoolFunded, nil
	default:
		return BonusInformational, fmt.Errorf("%w: %q", ErrUnknownBonusMode, s)
	}
}

// Payout is the per-party result of a resolved prediction.
type Payout struct {
	Mode BonusMode    `json:"mode"`
	Base Distribution `json:"base"`

	DataBonusPct  decimal.Decimal `json:"data_bonus_pct"`
	ModelBonusPct decimal.Decimal `json:"model_bonus_pct"`

	// Bonus amounts in tokens. Zero in informational mode.
	DataBonus  decimal.Decimal `json:"data_bonus"`
	ModelBonus decimal.Decimal `json:"model_bonus"`

	DataAmount  decimal.Decimal `json:"data_amount"`
	ModelAmount decimal.Decimal `json:"model_amount"`
	PoolAmount  decimal.Decimal `json:"pool_amount"`
}

// Total returns the sum of the three payout amounts.
func (p Payout) Total() decimal.Decimal {
	return p.DataAmount.Add(p.ModelAmount).Add(p.PoolAmount)
}

// Payout computes payouts for total given both parties' reputations.
//
// In pool-funded mode each bonus is baseShare * bonusPct / 100, truncated
// to the minimum unit, and is deducted from the pool share.
func (s *Splitter) Payout(total, dataRep, modelRep decimal.Decimal, mode BonusMode) (Payout, error) {
	base, err := s.Compute(total)
	if err != nil {
		return Payout{}, err
	}
	dataPct, err := ComputeBonus(dataRep)
	if err != nil {
		return Payout{}, fmt.Errorf("data provider: %w", err)
	}
	modelPct, err := ComputeBonus(modelRep)
	if err != nil {
		return Payout{}, fmt.Errorf("model creator: %w", err)
	}

	p := Payout{
		Mode:          mode,
		Base:          base,
		DataBonusPct:  dataPct,
		ModelBonusPct: modelPct,
		DataBonus:     decimal.Zero,
		ModelBonus:    decimal.Zero,
		DataAmount:    base.DataShare,
		ModelAmount:   base.ModelShare,
		PoolAmount:    base.PoolShare,
	}

	switch mode {
	case BonusInformational:
		return p, nil
	case BonusPoolFunded:
	default:
		return Payout{}, fmt.Errorf("%w: %d", ErrUnknownBonusMode, mode)
	}

	p.DataBonus = truncate(base.DataShare.Mul(dataPct).Div(hundred))
	p.ModelBonus = truncate(base.ModelShare.Mul(modelPct).Div(hundred))

	// A custom split can give the pool less than the bonuses; cap them so
	// the pool share never goes negative.
	if p.DataBonus.Add(p.ModelBonus).GreaterThan(base.PoolShare) {
		p.DataBonus = decimal.Min(p.DataBonus, base.PoolShare)
		p.ModelBonus = base.PoolShare.Sub(p.DataBonus)
	}

	p.DataAmount = base.DataShare.Add(p.DataBonus)
	p.ModelAmount = base.ModelShare.Add(p.ModelBonus)
	p.PoolAmount = total.Sub(p.DataAmount).Sub(p.ModelAmount)
	return p, nil
}

// ComputePayout is Splitter.Payout with the default split.
func ComputePayout(total, dataRep, modelRep decimal.Decimal, mode BonusMode) (Payout, error) {
	return defaultSplitter.Payout(total, dataRep, modelRep, mode)
}
