// Package replay runs recorded predictions and their outcomes through an
// in-memory settlement service to show how profits, reputations, stakes
// and pool liquidity evolve.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/phenomenon0/prophetia/pkg/oracle/participants"
	"github.com/phenomenon0/prophetia/pkg/oracle/policy"
	"github.com/phenomenon0/prophetia/pkg/oracle/pool"
	"github.com/phenomenon0/prophetia/pkg/oracle/prediction"
	"github.com/phenomenon0/prophetia/pkg/oracle/registry"
	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"
	"github.com/phenomenon0/prophetia/pkg/oracle/settlement"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LiquidityProvider owns the liquidity seeded into the pool.
const LiquidityProvider = "replay-lp"

// Record is one prediction with its eventual outcome.
type Record struct {
	Timestamp time.Time `json:"timestamp"`

	DataProvider string          `json:"data_provider"`
	Dataset      string          `json:"dataset"`
	Quality      decimal.Decimal `json:"quality"`
	ModelCreator string          `json:"model_creator"`
	Model        string          `json:"model"`

	PredictedValue decimal.Decimal     `json:"predicted_value"`
	Confidence     decimal.Decimal     `json:"confidence"`
	Wager          decimal.Decimal     `json:"wager"`
	Won            bool                `json:"won"`
	Profit         decimal.Decimal     `json:"profit"`
	ActualValue    decimal.NullDecimal `json:"actual_value"`
}

// Stake is collateral locked before the first record.
type Stake struct {
	Owner  string            `json:"owner"`
	Role   participants.Role `json:"role"`
	Amount decimal.Decimal   `json:"amount"`
}

// Scenario is a replayable history.
type Scenario struct {
	Name      string          `json:"name"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Stakes    []Stake         `json:"stakes,omitempty"`
	Records   []Record        `json:"records"`
}

// Config holds replay configuration.
type Config struct {
	BonusMode rewards.BonusMode
	Limits    *policy.Limits
	// Liquidity seeds the pool when the scenario does not.
	Liquidity decimal.Decimal
	// MaxExposurePct caps open wagers as a share of liquidity.
	MaxExposurePct decimal.Decimal
	Log            zerolog.Logger
}

// DefaultConfig returns informational bonuses, default limits and 100000
// of seed liquidity.
func DefaultConfig() *Config {
	return &Config{
		BonusMode:      rewards.BonusInformational,
		Limits:         policy.DefaultLimits(),
		Liquidity:      decimal.NewFromInt(100_000),
		MaxExposurePct: pool.DefaultConfig().MaxExposurePct,
		Log:            zerolog.Nop(),
	}
}

// Step records what happened to a single record.
type Step struct {
	Timestamp    time.Time                  `json:"timestamp"`
	PredictionID string                     `json:"prediction_id,omitempty"`
	Model        string                     `json:"model"`
	Dataset      string                     `json:"dataset"`
	Wager        decimal.Decimal            `json:"wager"`
	Status       string                     `json:"status"`
	Profit       decimal.Decimal            `json:"profit"`
	DataAmount   decimal.Decimal            `json:"data_amount"`
	ModelAmount  decimal.Decimal            `json:"model_amount"`
	PoolAmount   decimal.Decimal            `json:"pool_amount"`
	Slashed      map[string]decimal.Decimal `json:"slashed,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

// LiquidityPoint records pool liquidity after a step.
type LiquidityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// Result holds replay results.
type Result struct {
	Scenario  string        `json:"scenario"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	BonusMode string        `json:"bonus_mode"`

	Predictions int             `json:"predictions"`
	Won         int             `json:"won"`
	Lost        int             `json:"lost"`
	Rejected    int             `json:"rejected"`
	WinRate     decimal.Decimal `json:"win_rate"`

	TotalWagered  decimal.Decimal `json:"total_wagered"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	DataPaid      decimal.Decimal `json:"data_provider_paid"`
	ModelPaid     decimal.Decimal `json:"model_creator_paid"`
	PoolAllocated decimal.Decimal `json:"pool_allocated"`
	TotalSlashed  decimal.Decimal `json:"total_slashed"`

	InitialLiquidity decimal.Decimal `json:"initial_liquidity"`
	FinalLiquidity   decimal.Decimal `json:"final_liquidity"`
	ShareValue       decimal.Decimal `json:"share_value"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`

	Participants   []participants.Info `json:"participants"`
	Steps          []Step              `json:"steps,omitempty"`
	LiquidityCurve []LiquidityPoint    `json:"liquidity_curve,omitempty"`
}

// Replay runs scenarios. Each Run starts from empty state.
type Replay struct {
	config *Config
}

// New creates a replay. A nil config uses DefaultConfig.
func New(config *Config) *Replay {
	if config == nil {
		config = DefaultConfig()
	}
	return &Replay{config: config}
}

// run is the mutable state of a single Run.
type run struct {
	svc    *settlement.Service
	now    time.Time
	owners map[string]bool

	datasets map[string]string // provider/name -> id
	models   map[string]string // creator/name -> id

	peak   decimal.Decimal
	result *Result
}

// Run replays sc in timestamp order. Records the service rejects are
// counted and kept in the step log; they do not stop the run.
func (rp *Replay) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	if sc == nil || len(sc.Records) == 0 {
		return nil, errors.New("replay: scenario has no records")
	}

	records := make([]Record, len(sc.Records))
	copy(records, sc.Records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	r := &run{
		now:      records[0].Timestamp,
		owners:   make(map[string]bool),
		datasets: make(map[string]string),
		models:   make(map[string]string),
	}
	clock := func() time.Time { return r.now }

	limits := rp.config.Limits
	if limits == nil {
		limits = policy.DefaultLimits()
	}
	engine := policy.NewEngine(limits)
	engine.SetClock(clock)

	tracker := participants.NewTracker(participants.DefaultConfig())
	tracker.SetClock(clock)

	poolCfg := pool.DefaultConfig()
	if rp.config.MaxExposurePct.IsPositive() {
		poolCfg.MaxExposurePct = rp.config.MaxExposurePct
	}

	ledger := prediction.NewLedger(prediction.NewMemoryStore())
	ledger.SetClock(clock)

	reg := registry.New(engine)
	reg.SetClock(clock)

	scfg := settlement.DefaultConfig()
	scfg.BonusMode = rp.config.BonusMode
	scfg.RequireAttestation = false

	svc, err := settlement.New(scfg, settlement.Deps{
		Ledger:       ledger,
		Participants: tracker,
		Pool:         pool.New(poolCfg),
		Policy:       engine,
		Registry:     reg,
		Log:          rp.config.Log,
	})
	if err != nil {
		return nil, err
	}
	svc.SetClock(clock)
	r.svc = svc

	liquidity := sc.Liquidity
	if !liquidity.IsPositive() {
		liquidity = rp.config.Liquidity
	}
	if _, err := svc.DepositLiquidity(LiquidityProvider, liquidity); err != nil {
		return nil, fmt.Errorf("seed liquidity: %w", err)
	}
	for _, st := range sc.Stakes {
		if _, err := svc.DepositStake(st.Owner, st.Role, st.Amount); err != nil {
			return nil, fmt.Errorf("stake for %s: %w", st.Owner, err)
		}
		r.owners[st.Owner] = true
	}

	r.peak = liquidity
	r.result = &Result{
		Scenario:         sc.Name,
		StartTime:        records[0].Timestamp,
		EndTime:          records[len(records)-1].Timestamp,
		BonusMode:        rp.config.BonusMode.String(),
		InitialLiquidity: liquidity,
		TotalWagered:     decimal.Zero,
		MaxDrawdown:      decimal.Zero,
	}
	r.result.Duration = r.result.EndTime.Sub(r.result.StartTime)

	for _, rec := range records {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		r.now = rec.Timestamp
		r.step(ctx, rec)
		r.recordLiquidity()
	}

	return r.finish(ctx)
}

func (r *run) step(ctx context.Context, rec Record) {
	st := Step{
		Timestamp: rec.Timestamp,
		Model:     rec.Model,
		Dataset:   rec.Dataset,
		Wager:     rec.Wager,
	}
	defer func() { r.result.Steps = append(r.result.Steps, st) }()

	reject := func(err error) {
		st.Status = "rejected"
		st.Error = err.Error()
		r.result.Rejected++
	}

	datasetID, err := r.dataset(rec)
	if err != nil {
		reject(err)
		return
	}
	modelID, err := r.model(rec, datasetID)
	if err != nil {
		reject(err)
		return
	}

	p, err := r.svc.Place(ctx, prediction.CreateRequest{
		ModelID:        modelID,
		DataSourceID:   datasetID,
		PredictedValue: rec.PredictedValue,
		Confidence:     rec.Confidence,
		WagerAmount:    rec.Wager,
	})
	if err != nil {
		reject(err)
		return
	}
	st.PredictionID = p.ID
	r.result.Predictions++
	r.result.TotalWagered = r.result.TotalWagered.Add(p.WagerAmount)

	res, err := r.svc.Resolve(ctx, prediction.Outcome{
		PredictionID: p.ID,
		Won:          rec.Won,
		Profit:       rec.Profit,
		ActualValue:  rec.ActualValue,
	}, nil)
	if err != nil {
		st.Status = "unresolved"
		st.Error = err.Error()
		return
	}

	st.Status = string(res.Prediction.Status)
	st.Profit = res.Prediction.Profit
	st.Slashed = res.Slashed
	if res.Payout != nil {
		st.DataAmount = res.Payout.DataAmount
		st.ModelAmount = res.Payout.ModelAmount
		st.PoolAmount = res.Payout.PoolAmount
	}
	if res.Prediction.Status == prediction.StatusWon {
		r.result.Won++
	} else {
		r.result.Lost++
	}
}

// dataset returns the id of rec's dataset, submitting it on first use.
func (r *run) dataset(rec Record) (string, error) {
	key := rec.DataProvider + "/" + registry.NormalizeName(rec.Dataset)
	if id, ok := r.datasets[key]; ok {
		return id, nil
	}
	d, err := r.svc.SubmitDataset(rec.DataProvider, rec.Dataset, fileHash(key), rec.Quality)
	if err != nil {
		return "", err
	}
	r.datasets[key] = d.ID
	r.owners[rec.DataProvider] = true
	return d.ID, nil
}

func (r *run) model(rec Record, datasetID string) (string, error) {
	key := rec.ModelCreator + "/" + registry.NormalizeName(rec.Model)
	if id, ok := r.models[key]; ok {
		return id, nil
	}
	m, err := r.svc.RegisterModel(rec.ModelCreator, rec.Model, datasetID)
	if err != nil {
		return "", err
	}
	r.models[key] = m.ID
	r.owners[rec.ModelCreator] = true
	return m.ID, nil
}

func (r *run) recordLiquidity() {
	liquidity := r.svc.Pool().Stats().TotalLiquidity
	if liquidity.GreaterThan(r.peak) {
		r.peak = liquidity
	}
	drawdown := decimal.Zero
	if r.peak.IsPositive() {
		drawdown = r.peak.Sub(liquidity).Div(r.peak)
	}
	if drawdown.GreaterThan(r.result.MaxDrawdown) {
		r.result.MaxDrawdown = drawdown
	}
	r.result.LiquidityCurve = append(r.result.LiquidityCurve, LiquidityPoint{
		Timestamp: r.now,
		Liquidity: liquidity,
		Drawdown:  drawdown,
	})
}

func (r *run) finish(ctx context.Context) (*Result, error) {
	totals := r.svc.Participants().Totals()
	r.result.TotalProfit = totals.TotalProfit
	r.result.DataPaid = totals.DataPaid
	r.result.ModelPaid = totals.ModelPaid
	r.result.PoolAllocated = totals.PoolAllocated
	r.result.TotalSlashed = totals.TotalSlashed

	stats, err := r.svc.Ledger().Stats(ctx)
	if err != nil {
		return nil, err
	}
	r.result.WinRate = stats.WinRate

	ps := r.svc.Pool().Stats()
	r.result.FinalLiquidity = ps.TotalLiquidity
	r.result.ShareValue = ps.ShareValue

	addrs := make([]string, 0, len(r.owners))
	for addr := range r.owners {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		r.result.Participants = append(r.result.Participants, r.svc.Participants().Info(addr))
	}
	return r.result, nil
}

// fileHash derives a stable content hash for datasets that only have a name.
func fileHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
