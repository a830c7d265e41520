package prediction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phenomenon0/prophetia/pkg/oracle/validate"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Ledger creates and resolves predictions on top of a Store.
type Ledger struct {
	store Store
	now   func() time.Time

	mu        sync.RWMutex
	onCreate  func(*Prediction)
	onResolve func(*Prediction)
}

// NewLedger creates a ledger. A nil store selects a MemoryStore.
func NewLedger(store Store) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Ledger{store: store, now: time.Now}
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// OnCreate sets a callback for newly created predictions.
func (l *Ledger) OnCreate(fn func(*Prediction)) {
	l.mu.Lock()
	l.onCreate = fn
	l.mu.Unlock()
}

// OnResolve sets a callback for resolved predictions.
func (l *Ledger) OnResolve(fn func(*Prediction)) {
	l.mu.Lock()
	l.onResolve = fn
	l.mu.Unlock()
}

// Create validates req and stores a new pending prediction.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*Prediction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p := &Prediction{
		ID:             uuid.New().String(),
		ModelID:        req.ModelID,
		DataSourceID:   req.DataSourceID,
		DataProvider:   req.DataProvider,
		ModelCreator:   req.ModelCreator,
		PredictedValue: req.PredictedValue,
		Confidence:     req.Confidence,
		Status:         StatusPending,
		WagerAmount:    req.WagerAmount,
		Profit:         decimal.Zero,
		CreatedAt:      l.now().UTC(),
	}
	if err := l.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("store prediction: %w", err)
	}

	l.mu.RLock()
	fn := l.onCreate
	l.mu.RUnlock()
	if fn != nil {
		fn(p.Clone())
	}
	return p, nil
}

// Validate checks the required references, the confidence range [0,100]
// and the wager amount.
func (req CreateRequest) Validate() error {
	if strings.TrimSpace(req.ModelID) == "" {
		return &validate.ValidationError{Field: "model_id", Reason: "required"}
	}
	if strings.TrimSpace(req.DataSourceID) == "" {
		return &validate.ValidationError{Field: "data_source_id", Reason: "required"}
	}
	if req.Confidence.IsNegative() || req.Confidence.GreaterThan(hundred) {
		return &validate.ValidationError{Field: "confidence", Value: req.Confidence.String(), Reason: "must be between 0 and 100"}
	}
	return validate.CheckDeposit("wager_amount", req.WagerAmount)
}

// Get returns a prediction by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Prediction, error) {
	return l.store.Get(ctx, id)
}

// List returns predictions matching f.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*Prediction, error) {
	return l.store.List(ctx, f)
}

// Resolve moves a pending prediction to won or lost. The distribution is
// required when the outcome is a win and is ignored otherwise.
func (l *Ledger) Resolve(ctx context.Context, out Outcome, dist *ProfitDistribution) (*Prediction, error) {
	s := Settlement{
		Status:      StatusLost,
		Profit:      decimal.Zero,
		ActualValue: out.ActualValue,
		ResolvedAt:  l.now().UTC(),
	}

	if out.Won {
		if out.Profit.IsNegative() {
			return nil, &validate.ValidationError{Field: "profit", Value: out.Profit.String(), Reason: "must not be negative"}
		}
		if dist == nil {
			return nil, ErrMissingDistribution
		}
		if !dist.TotalProfit.Equal(out.Profit) {
			return nil, fmt.Errorf("%w: %s != %s", ErrDistributionMismatch, dist.TotalProfit, out.Profit)
		}
		s.Status = StatusWon
		s.Profit = out.Profit
		s.Distribution = dist
	}

	p, err := l.store.Settle(ctx, out.PredictionID, s)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	fn := l.onResolve
	l.mu.RUnlock()
	if fn != nil {
		fn(p.Clone())
	}
	return p, nil
}

// Stats summarizes every stored prediction.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	all, err := l.store.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalWagered: decimal.Zero,
		OpenWagered:  decimal.Zero,
		TotalProfit:  decimal.Zero,
		WinRate:      decimal.Zero,
	}
	for _, p := range all {
		stats.Total++
		stats.TotalWagered = stats.TotalWagered.Add(p.WagerAmount)
		switch p.Status {
		case StatusPending:
			stats.Pending++
			stats.OpenWagered = stats.OpenWagered.Add(p.WagerAmount)
		case StatusWon:
			stats.Won++
			stats.TotalProfit = stats.TotalProfit.Add(p.Profit)
		case StatusLost:
			stats.Lost++
		}
	}

	if resolved := stats.Won + stats.Lost; resolved > 0 {
		stats.WinRate = decimal.NewFromInt(int64(stats.Won)).Div(decimal.NewFromInt(int64(resolved)))
	}
	return stats, nil
}
