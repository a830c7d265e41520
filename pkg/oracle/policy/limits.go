// Package policy gates wagers, stakes and dataset submissions against
// configurable limits.
package policy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phenomenon0/prophetia/pkg/oracle/validate"

	"github.com/shopspring/decimal"
)

// Kind identifies which limit a request violated.
type Kind string

const (
	KindConfidence      Kind = "confidence"
	KindWagerSize       Kind = "wager_size"
	KindOpenPredictions Kind = "open_predictions"
	KindDailyWagers     Kind = "daily_wagers"
	KindDailyVolume     Kind = "daily_volume"
	KindQuality         Kind = "quality"
	KindBlocked         Kind = "blocked"
	KindCooldown        Kind = "cooldown"
)

// Violation is returned when a request breaks a limit.
type Violation struct {
	Kind    Kind
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", v.Kind, v.Message)
}

func violation(kind Kind, format string, args ...any) error {
	return &Violation{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsViolation extracts a Violation from err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// Limits defines the policy parameters.
type Limits struct {
	MinConfidence decimal.Decimal // percent
	MinWager      decimal.Decimal
	MaxWager      decimal.Decimal

	MaxOpenPredictions int

	MaxDailyWagers int
	MaxDailyVolume decimal.Decimal

	// MinQuality is the lowest dataset quality score accepted.
	MinQuality decimal.Decimal

	// CooldownAfterLoss pauses a model after it loses. Zero disables.
	CooldownAfterLoss time.Duration

	BlockedModels  []string
	AllowedModels  []string // if set, only these models may wager
	BlockedSources []string
}

// DefaultLimits returns the standard limits.
func DefaultLimits() *Limits {
	return &Limits{
		MinConfidence:      decimal.NewFromInt(validate.MinConfidence),
		MinWager:           decimal.NewFromInt(1),
		MaxWager:           decimal.NewFromInt(100_000),
		MaxOpenPredictions: 1000,
		MaxDailyWagers:     10_000,
		MaxDailyVolume:     decimal.NewFromInt(10_000_000),
		MinQuality:         decimal.Zero,
	}
}

// TightLimits returns conservative limits for demos and tests.
func TightLimits() *Limits {
	return &Limits{
		MinConfidence:      decimal.NewFromInt(70),
		MinWager:           decimal.NewFromInt(5),
		MaxWager:           decimal.NewFromInt(500),
		MaxOpenPredictions: 10,
		MaxDailyWagers:     50,
		MaxDailyVolume:     decimal.NewFromInt(5000),
		MinQuality:         decimal.NewFromInt(60),
		CooldownAfterLoss:  15 * time.Minute,
	}
}

// Engine enforces Limits and tracks open and daily activity.
type Engine struct {
	limits *Limits
	now    func() time.Time

	mu           sync.RWMutex
	openCount    int
	openVolume   decimal.Decimal
	dailyWagers  int
	dailyVolume  decimal.Decimal
	lastLoss     map[string]time.Time // model -> last loss
	lastResetDay int
}

// NewEngine creates an engine. nil limits selects DefaultLimits.
func NewEngine(limits *Limits) *Engine {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Engine{
		limits:       limits,
		now:          time.Now,
		openVolume:   decimal.Zero,
		dailyVolume:  decimal.Zero,
		lastLoss:     make(map[string]time.Time),
		lastResetDay: time.Now().YearDay(),
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	e.lastResetDay = now().YearDay()
}

// Limits returns the configured limits.
func (e *Engine) Limits() Limits {
	return *e.limits
}

// CheckWager validates a wager placed by modelID on data from sourceID.
func (e *Engine) CheckWager(modelID, sourceID string, confidence, wager decimal.Decimal) error {
	if err := validate.CheckDeposit("wager_amount", wager); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetDailyIfNeeded()

	if err := e.checkAllowed(modelID, sourceID); err != nil {
		return err
	}

	if confidence.LessThan(e.limits.MinConfidence) {
		return violation(KindConfidence, "confidence %s below minimum %s", confidence, e.limits.MinConfidence)
	}

	if wager.LessThan(e.limits.MinWager) {
		return violation(KindWagerSize, "wager %s below min %s", wager, e.limits.MinWager)
	}
	if e.limits.MaxWager.IsPositive() && wager.GreaterThan(e.limits.MaxWager) {
		return violation(KindWagerSize, "wager %s exceeds max %s", wager, e.limits.MaxWager)
	}

	if e.limits.MaxOpenPredictions > 0 && e.openCount >= e.limits.MaxOpenPredictions {
		return violation(KindOpenPredictions, "too many open predictions: %d >= %d", e.openCount, e.limits.MaxOpenPredictions)
	}

	if e.limits.MaxDailyWagers > 0 && e.dailyWagers >= e.limits.MaxDailyWagers {
		return violation(KindDailyWagers, "daily wager limit reached: %d", e.limits.MaxDailyWagers)
	}
	if e.limits.MaxDailyVolume.IsPositive() && e.dailyVolume.Add(wager).GreaterThan(e.limits.MaxDailyVolume) {
		return violation(KindDailyVolume, "would exceed daily volume limit %s", e.limits.MaxDailyVolume)
	}

	if e.limits.CooldownAfterLoss > 0 {
		if last, ok := e.lastLoss[modelID]; ok {
			if since := e.now().Sub(last); since < e.limits.CooldownAfterLoss {
				return violation(KindCooldown, "model %s in cooldown after loss, %v remaining",
					modelID, (e.limits.CooldownAfterLoss - since).Round(time.Second))
			}
		}
	}

	return nil
}

// CheckDeposit validates a stake or liquidity deposit amount.
func (e *Engine) CheckDeposit(field string, amount decimal.Decimal) error {
	return validate.CheckDeposit(field, amount)
}

// CheckDataset validates a dataset quality score.
func (e *Engine) CheckDataset(quality decimal.Decimal) error {
	if err := validate.CheckQuality(quality); err != nil {
		return err
	}
	if quality.LessThan(e.limits.MinQuality) {
		return violation(KindQuality, "quality %s below minimum %s", quality, e.limits.MinQuality)
	}
	return nil
}

// RecordWager records an accepted wager.
func (e *Engine) RecordWager(wager decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetDailyIfNeeded()
	e.openCount++
	e.openVolume = e.openVolume.Add(wager)
	e.dailyWagers++
	e.dailyVolume = e.dailyVolume.Add(wager)
}

// RecordResolved closes an open wager. A loss starts the model's cooldown.
func (e *Engine) RecordResolved(modelID string, wager decimal.Decimal, won bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openCount > 0 {
		e.openCount--
	}
	e.openVolume = e.openVolume.Sub(wager)
	if e.openVolume.IsNegative() {
		e.openVolume = decimal.Zero
	}
	if !won {
		e.lastLoss[modelID] = e.now()
	}
}

// --- Internal helpers ---

func (e *Engine) resetDailyIfNeeded() {
	day := e.now().YearDay()
	if e.lastResetDay != day {
		e.dailyWagers = 0
		e.dailyVolume = decimal.Zero
		e.lastResetDay = day
	}
}

func (e *Engine) checkAllowed(modelID, sourceID string) error {
	for _, blocked := range e.limits.BlockedModels {
		if modelID == blocked {
			return violation(KindBlocked, "model %s is blocked", modelID)
		}
	}
	for _, blocked := range e.limits.BlockedSources {
		if sourceID == blocked {
			return violation(KindBlocked, "data source %s is blocked", sourceID)
		}
	}

	if len(e.limits.AllowedModels) > 0 {
		for _, allowed := range e.limits.AllowedModels {
			if modelID == allowed {
				return nil
			}
		}
		return violation(KindBlocked, "model %s is not in allowed list", modelID)
	}

	return nil
}

// Status is a summary of the current policy state.
type Status struct {
	OpenPredictions    int    `json:"open_predictions"`
	MaxOpenPredictions int    `json:"max_open_predictions"`
	OpenVolume         string `json:"open_volume"`
	DailyWagers        int    `json:"daily_wagers"`
	MaxDailyWagers     int    `json:"max_daily_wagers"`
	DailyVolume        string `json:"daily_volume"`
	MaxDailyVolume     string `json:"max_daily_volume"`
	MinConfidence      string `json:"min_confidence"`
	MinWager           string `json:"min_wager"`
	MaxWager           string `json:"max_wager"`
	MinQuality         string `json:"min_quality"`
	ModelsInCooldown   int    `json:"models_in_cooldown"`
}

// Status returns the current policy status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		OpenPredictions:    e.openCount,
		MaxOpenPredictions: e.limits.MaxOpenPredictions,
		OpenVolume:         e.openVolume.String(),
		DailyWagers:        e.dailyWagers,
		MaxDailyWagers:     e.limits.MaxDailyWagers,
		DailyVolume:        e.dailyVolume.String(),
		MaxDailyVolume:     e.limits.MaxDailyVolume.String(),
		MinConfidence:      e.limits.MinConfidence.String(),
		MinWager:           e.limits.MinWager.String(),
		MaxWager:           e.limits.MaxWager.String(),
		MinQuality:         e.limits.MinQuality.String(),
	}

	if e.limits.CooldownAfterLoss > 0 {
		now := e.now()
		for _, last := range e.lastLoss {
			if now.Sub(last) < e.limits.CooldownAfterLoss {
				st.ModelsInCooldown++
			}
		}
	}
	return st
}
