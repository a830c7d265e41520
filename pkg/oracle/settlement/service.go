// Package settlement places predictions and settles them: it verifies the
// resolver's attestation, resolves the ledger exactly once, pays out the
// profit split, updates reputations and stakes, and books the result
// against the liquidity pool.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phenomenon0/prophetia/pkg/eth"
	"github.com/phenomenon0/prophetia/pkg/oracle/metrics"
	"github.com/phenomenon0/prophetia/pkg/oracle/participants"
	"github.com/phenomenon0/prophetia/pkg/oracle/policy"
	"github.com/phenomenon0/prophetia/pkg/oracle/pool"
	"github.com/phenomenon0/prophetia/pkg/oracle/prediction"
	"github.com/phenomenon0/prophetia/pkg/oracle/registry"
	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"
	"github.com/phenomenon0/prophetia/pkg/oracle/streaming"
	"github.com/phenomenon0/prophetia/pkg/oracle/validate"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrAttestation wraps every attestation failure.
	ErrAttestation         = errors.New("attestation rejected")
	ErrAttestationRequired = errors.New("attestation required")
	ErrAttestationMismatch = errors.New("attestation does not match outcome")
)

// Config holds settlement parameters.
type Config struct {
	BonusMode rewards.BonusMode

	// RequireAttestation rejects resolutions without a signed attestation.
	// It only applies when a verifier is configured.
	RequireAttestation bool

	PollInterval time.Duration
	// BatchSize caps the pending predictions checked per poll.
	BatchSize int
}

// DefaultConfig returns informational bonuses and a 30s poll interval.
func DefaultConfig() Config {
	return Config{
		BonusMode:          rewards.BonusInformational,
		RequireAttestation: true,
		PollInterval:       30 * time.Second,
		BatchSize:          200,
	}
}

// Deps are the collaborators of a Service. Ledger is required; nil
// Participants, Pool, Policy, Registry and Splitter get defaults. Verifier,
// Receipts, Metrics and Events are optional.
type Deps struct {
	Ledger       *prediction.Ledger
	Participants *participants.Tracker
	Pool         *pool.Pool
	Policy       *policy.Engine
	Registry     *registry.Registry
	Splitter     *rewards.Splitter

	Verifier *eth.Verifier
	Receipts *eth.ReceiptSigner
	Metrics  *metrics.OracleMetrics
	Events   streaming.Publisher
	Log      zerolog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	cfg Config

	ledger       *prediction.Ledger
	participants *participants.Tracker
	pool         *pool.Pool
	policy       *policy.Engine
	registry     *registry.Registry
	splitter     *rewards.Splitter

	verifier *eth.Verifier
	receipts *eth.ReceiptSigner
	metrics  *metrics.OracleMetrics
	events   streaming.Publisher
	log      zerolog.Logger

	now func() time.Time

	// pollMu guards cursor, the offset into the pending list where the
	// next poll starts.
	pollMu sync.Mutex
	cursor int
}

// New creates a service.
func New(cfg Config, d Deps) (*Service, error) {
	if d.Ledger == nil {
		return nil, errors.New("settlement: ledger is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}

	s := &Service{
		cfg:          cfg,
		ledger:       d.Ledger,
		participants: d.Participants,
		pool:         d.Pool,
		policy:       d.Policy,
		registry:     d.Registry,
		splitter:     d.Splitter,
		verifier:     d.Verifier,
		receipts:     d.Receipts,
		metrics:      d.Metrics,
		events:       d.Events,
		log:          d.Log.With().Str("component", "settlement").Logger(),
		now:          time.Now,
	}
	if s.participants == nil {
		s.participants = participants.NewTracker(participants.DefaultConfig())
	}
	if s.pool == nil {
		s.pool = pool.New(pool.DefaultConfig())
	}
	if s.policy == nil {
		s.policy = policy.NewEngine(nil)
	}
	if s.registry == nil {
		s.registry = registry.New(s.policy)
	}
	if s.splitter == nil {
		sp, err := rewards.NewSplitter(rewards.DefaultSplit())
		if err != nil {
			return nil, err
		}
		s.splitter = sp
	}
	return s, nil
}

// SetClock overrides the time source used for receipts.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Config() Config                      { return s.cfg }
func (s *Service) Ledger() *prediction.Ledger          { return s.ledger }
func (s *Service) Participants() *participants.Tracker { return s.participants }
func (s *Service) Pool() *pool.Pool                    { return s.pool }
func (s *Service) Policy() *policy.Engine              { return s.policy }
func (s *Service) Registry() *registry.Registry        { return s.registry }
func (s *Service) Splitter() *rewards.Splitter         { return s.splitter }
func (s *Service) Metrics() *metrics.OracleMetrics     { return s.metrics }

// Result describes a settled prediction.
type Result struct {
	Prediction *prediction.Prediction     `json:"prediction"`
	Payout     *rewards.Payout            `json:"payout,omitempty"`
	Slashed    map[string]decimal.Decimal `json:"slashed,omitempty"`
	Attestor   string                     `json:"attestor,omitempty"`
	Receipt    *eth.SignedReceipt         `json:"receipt,omitempty"`
}

// Place records a new prediction. Both references must be registered; their
// owners become the prediction's data provider and model creator. The wager
// passes the policy gate and is reserved against the pool.
func (s *Service) Place(ctx context.Context, req prediction.CreateRequest) (*prediction.Prediction, error) {
	if err := req.Validate(); err != nil {
		s.reject(err)
		return nil, err
	}

	model, err := s.registry.Model(req.ModelID)
	if err != nil {
		return nil, err
	}
	dataset, err := s.registry.Dataset(req.DataSourceID)
	if err != nil {
		return nil, err
	}
	req.ModelCreator = model.Creator
	req.DataProvider = dataset.Provider

	if err := s.policy.CheckWager(req.ModelID, req.DataSourceID, req.Confidence, req.WagerAmount); err != nil {
		s.reject(err)
		return nil, err
	}

	if err := s.pool.Reserve(req.WagerAmount); err != nil {
		s.metrics.RecordPolicyViolation("pool_exposure")
		return nil, err
	}

	p, err := s.ledger.Create(ctx, req)
	if err != nil {
		s.pool.Release(req.WagerAmount)
		s.reject(err)
		return nil, err
	}

	s.policy.RecordWager(p.WagerAmount)
	s.metrics.RecordPrediction(p.ModelID, p.WagerAmount)
	s.updatePoolMetrics()
	s.publish(streaming.EventTypePrediction, p)

	s.log.Info().
		Str("prediction_id", p.ID).
		Str("model_id", p.ModelID).
		Str("wager", p.WagerAmount.String()).
		Msg("[SETTLE] prediction placed")
	return p, nil
}

// Resolve settles a pending prediction with out. When a verifier is
// configured att must be a valid attestation of exactly this outcome.
func (s *Service) Resolve(ctx context.Context, out prediction.Outcome, att *eth.Attestation) (*Result, error) {
	attestor, err := s.verify(out, att)
	if err != nil {
		return nil, err
	}

	p, err := s.ledger.Get(ctx, out.PredictionID)
	if err != nil {
		return nil, err
	}
	if p.Status.Resolved() {
		return nil, fmt.Errorf("%w: %s is %s", prediction.ErrAlreadyResolved, p.ID, p.Status)
	}

	if out.Won {
		return s.settleWin(ctx, p, out, attestor)
	}
	return s.settleLoss(ctx, p, out, attestor)
}

func (s *Service) settleWin(ctx context.Context, p *prediction.Prediction, out prediction.Outcome, attestor string) (*Result, error) {
	dataRep := s.participants.Reputation(p.DataProvider)
	modelRep := s.participants.Reputation(p.ModelCreator)

	payout, err := s.splitter.Payout(out.Profit, dataRep, modelRep, s.cfg.BonusMode)
	if err != nil {
		s.reject(err)
		return nil, err
	}

	settled, err := s.ledger.Resolve(ctx, out, prediction.NewDistribution(payout))
	if err != nil {
		return nil, err
	}

	s.participants.Credit(settled.DataProvider, payout.DataAmount, payout.DataBonus)
	s.participants.Credit(settled.ModelCreator, payout.ModelAmount, payout.ModelBonus)
	s.participants.RecordWin(settled.DataProvider, settled.ModelCreator)
	s.participants.RecordDistribution(payout.Base.TotalProfit, payout.DataAmount, payout.ModelAmount, payout.PoolAmount)

	if err := s.pool.RecordProfit(payout.PoolAmount); err != nil {
		s.log.Error().Err(err).Str("prediction_id", settled.ID).Msg("[SETTLE] pool profit")
	}
	s.finish(settled)

	dataPct, _ := payout.DataBonusPct.Float64()
	modelPct, _ := payout.ModelBonusPct.Float64()
	s.metrics.RecordPayout(payout.Base.TotalProfit, payout.DataAmount, payout.ModelAmount, payout.PoolAmount,
		payout.DataBonus, payout.ModelBonus, dataPct, modelPct)
	s.recordReputation("won", settled)

	res := &Result{Prediction: settled, Payout: &payout, Attestor: attestor}
	res.Receipt = s.receipt(settled, payout.DataAmount, payout.ModelAmount, payout.PoolAmount, attestor)

	s.publish(streaming.EventTypeResolution, settled)
	s.publish(streaming.EventTypeDistribution, map[string]any{
		"prediction_id": settled.ID,
		"payout":        payout,
	})

	s.log.Info().
		Str("prediction_id", settled.ID).
		Str("profit", payout.Base.TotalProfit.String()).
		Str("data", payout.DataAmount.String()).
		Str("model", payout.ModelAmount.String()).
		Str("pool", payout.PoolAmount.String()).
		Msg("[SETTLE] prediction won")
	return res, nil
}

func (s *Service) settleLoss(ctx context.Context, p *prediction.Prediction, out prediction.Outcome, attestor string) (*Result, error) {
	settled, err := s.ledger.Resolve(ctx, out, nil)
	if err != nil {
		return nil, err
	}

	s.participants.RecordLoss(settled.DataProvider, settled.ModelCreator)

	slashed := make(map[string]decimal.Decimal)
	for _, addr := range []string{settled.DataProvider, settled.ModelCreator} {
		if _, done := slashed[addr]; done || addr == "" {
			continue
		}
		amount := s.participants.Penalize(addr)
		slashed[addr] = amount
		if amount.IsPositive() {
			s.metrics.RecordSlash(amount)
			s.publish(streaming.EventTypeStake, map[string]any{
				"owner":   addr,
				"slashed": amount,
				"stake":   s.participants.Info(addr).Stake,
			})
		}
	}

	if err := s.pool.RecordLoss(settled.WagerAmount); err != nil {
		s.log.Error().Err(err).Str("prediction_id", settled.ID).Msg("[SETTLE] pool loss")
	}
	s.finish(settled)
	s.recordReputation("lost", settled)
	s.metrics.UpdateStaked(s.participants.TotalStaked())

	res := &Result{Prediction: settled, Slashed: slashed, Attestor: attestor}
	res.Receipt = s.receipt(settled, decimal.Zero, decimal.Zero, decimal.Zero, attestor)

	s.publish(streaming.EventTypeResolution, settled)

	s.log.Info().
		Str("prediction_id", settled.ID).
		Str("wager", settled.WagerAmount.String()).
		Msg("[SETTLE] prediction lost")
	return res, nil
}

// finish releases the wager's exposure and closes it in the policy engine.
func (s *Service) finish(p *prediction.Prediction) {
	s.pool.Release(p.WagerAmount)
	s.policy.RecordResolved(p.ModelID, p.WagerAmount, p.Status == prediction.StatusWon)
	s.metrics.RecordResolution(string(p.Status))
	s.updatePoolMetrics()
}

func (s *Service) verify(out prediction.Outcome, att *eth.Attestation) (string, error) {
	if s.verifier == nil {
		if att != nil {
			return att.Signer, nil
		}
		return "", nil
	}
	if att == nil {
		if s.cfg.RequireAttestation {
			s.metrics.RecordAttestationFailure("missing")
			return "", fmt.Errorf("%w: %w", ErrAttestation, ErrAttestationRequired)
		}
		return "", nil
	}

	if att.PredictionID != out.PredictionID || att.Won != out.Won || !att.Profit.Equal(out.Profit) {
		s.metrics.RecordAttestationFailure("mismatch")
		return "", fmt.Errorf("%w: %w", ErrAttestation, ErrAttestationMismatch)
	}

	signer, err := s.verifier.Verify(att)
	if err != nil {
		reason := "signature"
		switch {
		case errors.Is(err, eth.ErrNonceUsed):
			reason = "replay"
		case errors.Is(err, eth.ErrUnauthorizedSigner):
			reason = "unauthorized"
		}
		s.metrics.RecordAttestationFailure(reason)
		return "", fmt.Errorf("%w: %w", ErrAttestation, err)
	}
	return signer.Hex(), nil
}

func (s *Service) receipt(p *prediction.Prediction, data, model, poolAmt decimal.Decimal, attestor string) *eth.SignedReceipt {
	if s.receipts == nil {
		return nil
	}
	signed, err := s.receipts.Sign(eth.Receipt{
		PredictionID: p.ID,
		Status:       string(p.Status),
		DataProvider: p.DataProvider,
		ModelCreator: p.ModelCreator,
		DataAmount:   data.String(),
		ModelAmount:  model.String(),
		PoolAmount:   poolAmt.String(),
		Attestor:     attestor,
		Timestamp:    s.now().Unix(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("prediction_id", p.ID).Msg("[SETTLE] sign receipt")
		return nil
	}
	return signed
}

func (s *Service) recordReputation(outcome string, p *prediction.Prediction) {
	if s.metrics == nil {
		return
	}
	for _, addr := range []string{p.DataProvider, p.ModelCreator} {
		if addr == "" {
			continue
		}
		rep, _ := s.participants.Reputation(addr).Float64()
		s.metrics.RecordReputation(outcome, rep)
	}
}

func (s *Service) reject(err error) {
	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		s.metrics.RecordRejection(verr.Field)
		return
	}
	if v, ok := policy.AsViolation(err); ok {
		s.metrics.RecordPolicyViolation(string(v.Kind))
	}
}

func (s *Service) updatePoolMetrics() {
	st := s.pool.Stats()
	s.metrics.UpdatePool(st.TotalLiquidity, st.Exposure, st.TotalShares)
}

func (s *Service) publish(t streaming.EventType, data any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(streaming.Event{Type: t, Data: data})
}
