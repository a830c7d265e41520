// Package prediction records predictions placed against the oracle and
// settles each one exactly once.
package prediction

import (
	"errors"
	"time"

	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("prediction not found")
	ErrAlreadyResolved      = errors.New("prediction already resolved")
	ErrMissingDistribution  = errors.New("won prediction requires a profit distribution")
	ErrDistributionMismatch = errors.New("distribution total does not match profit")
)

// Status is the lifecycle state of a prediction.
type Status string

const (
	StatusPending Status = "pending"
	StatusWon     Status = "won"
	StatusLost    Status = "lost"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWon, StatusLost:
		return true
	}
	return false
}

// Resolved reports whether s is terminal.
func (s Status) Resolved() bool {
	return s == StatusWon || s == StatusLost
}

// ProfitDistribution is attached to a won prediction at resolution and is
// never mutated afterwards.
type ProfitDistribution struct {
	TotalProfit decimal.Decimal `json:"total_profit"`
	DataShare   decimal.Decimal `json:"data_share"`
	ModelShare  decimal.Decimal `json:"model_share"`
	PoolShare   decimal.Decimal `json:"pool_share"`

	Mode          rewards.BonusMode `json:"bonus_mode"`
	DataBonusPct  decimal.Decimal   `json:"data_bonus_pct"`
	ModelBonusPct decimal.Decimal   `json:"model_bonus_pct"`
	DataBonus     decimal.Decimal   `json:"data_bonus"`
	ModelBonus    decimal.Decimal   `json:"model_bonus"`
}

// NewDistribution converts a computed payout into the stored form.
func NewDistribution(p rewards.Payout) *ProfitDistribution {
	return &ProfitDistribution{
		TotalProfit:   p.Base.TotalProfit,
		DataShare:     p.Base.DataShare,
		ModelShare:    p.Base.ModelShare,
		PoolShare:     p.Base.PoolShare,
		Mode:          p.Mode,
		DataBonusPct:  p.DataBonusPct,
		ModelBonusPct: p.ModelBonusPct,
		DataBonus:     p.DataBonus,
		ModelBonus:    p.ModelBonus,
	}
}

// DataPayout is the amount credited to the data provider.
func (d *ProfitDistribution) DataPayout() decimal.Decimal {
	return d.DataShare.Add(d.DataBonus)
}

// ModelPayout is the amount credited to the model creator.
func (d *ProfitDistribution) ModelPayout() decimal.Decimal {
	return d.ModelShare.Add(d.ModelBonus)
}

// PoolPayout is the amount retained by the liquidity pool.
func (d *ProfitDistribution) PoolPayout() decimal.Decimal {
	return d.TotalProfit.Sub(d.DataPayout()).Sub(d.ModelPayout())
}

// Prediction is a single forecast with its wager.
type Prediction struct {
	ID             string              `json:"id"`
	ModelID        string              `json:"model_id"`
	DataSourceID   string              `json:"data_source_id"`
	DataProvider   string              `json:"data_provider,omitempty"`
	ModelCreator   string              `json:"model_creator,omitempty"`
	PredictedValue decimal.Decimal     `json:"predicted_value"`
	Confidence     decimal.Decimal     `json:"confidence"`
	Status         Status              `json:"status"`
	WagerAmount    decimal.Decimal     `json:"wager_amount"`
	ActualValue    decimal.NullDecimal `json:"actual_value"`
	Profit         decimal.Decimal     `json:"profit"`
	Distribution   *ProfitDistribution `json:"distribution,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy.
func (p *Prediction) Clone() *Prediction {
	c := *p
	if p.Distribution != nil {
		d := *p.Distribution
		c.Distribution = &d
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// CreateRequest is a request to record a new prediction.
type CreateRequest struct {
	ModelID        string          `json:"model_id"`
	DataSourceID   string          `json:"data_source_id"`
	DataProvider   string          `json:"data_provider,omitempty"`
	ModelCreator   string          `json:"model_creator,omitempty"`
	PredictedValue decimal.Decimal `json:"predicted_value"`
	Confidence     decimal.Decimal `json:"confidence"`
	WagerAmount    decimal.Decimal `json:"wager_amount"`
}

// Outcome is the observed result of a pending prediction.
type Outcome struct {
	PredictionID string              `json:"prediction_id"`
	Won          bool                `json:"won"`
	Profit       decimal.Decimal     `json:"profit"`
	ActualValue  decimal.NullDecimal `json:"actual_value"`
}

// Settlement is the terminal state written by Store.Settle.
type Settlement struct {
	Status       Status
	Profit       decimal.Decimal
	ActualValue  decimal.NullDecimal
	Distribution *ProfitDistribution
	ResolvedAt   time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status  Status
	ModelID string
	Limit   int
	// Offset skips that many matches before Limit applies.
	Offset int
	// Oldest lists in creation order instead of newest first.
	Oldest bool
}

// Match reports whether p passes the filter, ignoring Limit.
func (f Filter) Match(p *Prediction) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.ModelID != "" && p.ModelID != f.ModelID {
		return false
	}
	return true
}

// Stats summarizes the ledger.
type Stats struct {
	Total        int             `json:"total"`
	Pending      int             `json:"pending"`
	Won          int             `json:"won"`
	Lost         int             `json:"lost"`
	TotalWagered decimal.Decimal `json:"total_wagered"`
	OpenWagered  decimal.Decimal `json:"open_wagered"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	WinRate      decimal.Decimal `json:"win_rate"`
}
