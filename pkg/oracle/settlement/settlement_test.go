package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/phenomenon0/prophetia/pkg/eth"
	"github.com/phenomenon0/prophetia/pkg/oracle/metrics"
	"github.com/phenomenon0/prophetia/pkg/oracle/participants"
	"github.com/phenomenon0/prophetia/pkg/oracle/policy"
	"github.com/phenomenon0/prophetia/pkg/oracle/pool"
	"github.com/phenomenon0/prophetia/pkg/oracle/prediction"
	"github.com/phenomenon0/prophetia/pkg/oracle/registry"
	"github.com/phenomenon0/prophetia/pkg/oracle/resolver"
	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"
	"github.com/phenomenon0/prophetia/pkg/oracle/streaming"
	"github.com/phenomenon0/prophetia/pkg/oracle/validate"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.uber.org/goleak"
)

const (
	resolverKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	dataAddr    = "0x1111111111111111111111111111111111111111"
	modelAddr   = "0x2222222222222222222222222222222222222222"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (f *fakePublisher) Broadcast(e streaming.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakePublisher) count(t streaming.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc     *Service
	events  *fakePublisher
	model   *registry.Model
	dataset *registry.Dataset
	signer  *eth.Signer
}

type fixtureOption func(*Config, *Deps)

func withVerifier(t *testing.T) fixtureOption {
	return func(cfg *Config, d *Deps) {
		w, err := eth.NewWallet(resolverKey)
		if err != nil {
			t.Fatalf("NewWallet failed: %v", err)
		}
		d.Verifier = eth.NewVerifier(eth.DefaultChainID, []common.Address{w.Address()}, eth.NewNonceStore())
	}
}

func withBonusMode(mode rewards.BonusMode) fixtureOption {
	return func(cfg *Config, d *Deps) { cfg.BonusMode = mode }
}

func withBatchSize(n int) fixtureOption {
	return func(cfg *Config, d *Deps) { cfg.BatchSize = n }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	events := &fakePublisher{}
	cfg := DefaultConfig()
	d := Deps{
		Ledger:  prediction.NewLedger(prediction.NewMemoryStore()),
		Pool:    pool.New(pool.DefaultConfig()),
		Policy:  policy.NewEngine(nil),
		Metrics: metrics.NewOracleMetrics(),
		Events:  events,
		Log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg, &d)
	}

	svc, err := New(cfg, d)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := svc.DepositLiquidity("0xlp", dec("10000")); err != nil {
		t.Fatalf("DepositLiquidity failed: %v", err)
	}
	ds, err := svc.SubmitDataset(dataAddr, "Weather Stations", "abc123", dec("80"))
	if err != nil {
		t.Fatalf("SubmitDataset failed: %v", err)
	}
	m, err := svc.RegisterModel(modelAddr, "Rain Model", ds.ID)
	if err != nil {
		t.Fatalf("RegisterModel failed: %v", err)
	}

	w, _ := eth.NewWallet(resolverKey)
	return &fixture{
		svc:     svc,
		events:  events,
		model:   m,
		dataset: ds,
		signer:  eth.NewSigner(w, eth.DefaultChainID),
	}
}

func (f *fixture) request(wager string) prediction.CreateRequest {
	return prediction.CreateRequest{
		ModelID:        f.model.ID,
		DataSourceID:   f.dataset.ID,
		PredictedValue: dec("0.65"),
		Confidence:     dec("80"),
		WagerAmount:    dec(wager),
	}
}

func (f *fixture) place(t *testing.T, wager string) *prediction.Prediction {
	t.Helper()
	p, err := f.svc.Place(context.Background(), f.request(wager))
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	return p
}

func (f *fixture) attest(t *testing.T, out prediction.Outcome, nonce uint64) *eth.Attestation {
	t.Helper()
	att, err := f.signer.SignResolution(eth.Resolution{
		PredictionID: out.PredictionID,
		Won:          out.Won,
		Profit:       out.Profit,
		Nonce:        nonce,
	})
	if err != nil {
		t.Fatalf("SignResolution failed: %v", err)
	}
	return att
}

func TestPlace(t *testing.T) {
	f := newFixture(t)

	p := f.place(t, "100")

	if p.Status != prediction.StatusPending {
		t.Errorf("Expected pending, got %s", p.Status)
	}
	if p.DataProvider != dataAddr || p.ModelCreator != modelAddr {
		t.Errorf("Expected owners from registry, got %s/%s", p.DataProvider, p.ModelCreator)
	}
	if !f.svc.Pool().Stats().Exposure.Equal(dec("100")) {
		t.Errorf("Expected exposure 100, got %s", f.svc.Pool().Stats().Exposure)
	}
	if f.svc.Policy().Status().OpenPredictions != 1 {
		t.Errorf("Expected 1 open wager, got %d", f.svc.Policy().Status().OpenPredictions)
	}
	if f.events.count(streaming.EventTypePrediction) != 1 {
		t.Errorf("Expected one prediction event")
	}
}

func TestPlace_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*prediction.CreateRequest)
		check  func(error) bool
	}{
		{"unknown model", func(r *prediction.CreateRequest) { r.ModelID = "nope" },
			func(err error) bool { return errors.Is(err, registry.ErrModelNotFound) }},
		{"unknown dataset", func(r *prediction.CreateRequest) { r.DataSourceID = "nope" },
			func(err error) bool { return errors.Is(err, registry.ErrDatasetNotFound) }},
		{"confidence out of range", func(r *prediction.CreateRequest) { r.Confidence = dec("101") },
			func(err error) bool {
				var verr *validate.ValidationError
				return errors.As(err, &verr) && verr.Field == "confidence"
			}},
		{"confidence below threshold", func(r *prediction.CreateRequest) { r.Confidence = dec("40") },
			func(err error) bool {
				v, ok := policy.AsViolation(err)
				return ok && v.Kind == policy.KindConfidence
			}},
		{"zero wager", func(r *prediction.CreateRequest) { r.WagerAmount = decimal.Zero },
			func(err error) bool {
				var verr *validate.ValidationError
				return errors.As(err, &verr) && verr.Field == "wager_amount"
			}},
		{"exposure", func(r *prediction.CreateRequest) { r.WagerAmount = dec("1001") },
			func(err error) bool { return errors.Is(err, pool.ErrExposureLimit) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request("100")
			tt.mutate(&req)
			_, err := f.svc.Place(ctx, req)
			if err == nil || !tt.check(err) {
				t.Errorf("Unexpected error %v", err)
			}
		})
	}

	if !f.svc.Pool().Stats().Exposure.IsZero() {
		t.Errorf("Rejected wagers must not hold exposure, got %s", f.svc.Pool().Stats().Exposure)
	}
	stats, _ := f.svc.Ledger().Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("Expected no predictions, got %d", stats.Total)
	}
}

func TestResolve_WonInformational(t *testing.T) {
	f := newFixture(t)
	p := f.place(t, "100")

	res, err := f.svc.Resolve(context.Background(), prediction.Outcome{
		PredictionID: p.ID,
		Won:          true,
		Profit:       dec("462"),
	}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if res.Prediction.Status != prediction.StatusWon {
		t.Errorf("Expected won, got %s", res.Prediction.Status)
	}
	if !res.Payout.DataAmount.Equal(dec("184.8")) || !res.Payout.ModelAmount.Equal(dec("184.8")) {
		t.Errorf("Expected 184.8 each, got %s/%s", res.Payout.DataAmount, res.Payout.ModelAmount)
	}
	if !res.Payout.PoolAmount.Equal(dec("92.4")) {
		t.Errorf("Expected pool 92.4, got %s", res.Payout.PoolAmount)
	}
	if !res.Payout.DataBonusPct.Equal(dec("10")) {
		t.Errorf("Expected bonus pct 10, got %s", res.Payout.DataBonusPct)
	}

	dist := res.Prediction.Distribution
	if dist == nil || !dist.PoolPayout().Equal(dec("92.4")) {
		t.Fatalf("Expected stored distribution, got %+v", dist)
	}

	info := f.svc.Participants().Info(dataAddr)
	if !info.Reputation.Equal(dec("55")) {
		t.Errorf("Expected reputation 55, got %s", info.Reputation)
	}
	if !info.Earnings.Equal(dec("184.8")) {
		t.Errorf("Expected earnings 184.8, got %s", info.Earnings)
	}

	st := f.svc.Pool().Stats()
	if !st.TotalLiquidity.Equal(dec("10092.4")) {
		t.Errorf("Expected liquidity 10092.4, got %s", st.TotalLiquidity)
	}
	if !st.Exposure.IsZero() {
		t.Errorf("Expected exposure released, got %s", st.Exposure)
	}
	if f.events.count(streaming.EventTypeDistribution) != 1 {
		t.Errorf("Expected one distribution event")
	}
}

func TestResolve_WonPoolFunded(t *testing.T) {
	f := newFixture(t, withBonusMode(rewards.BonusPoolFunded))
	p := f.place(t, "100")

	res, err := f.svc.Resolve(context.Background(), prediction.Outcome{
		PredictionID: p.ID,
		Won:          true,
		Profit:       dec("462"),
	}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if !res.Payout.DataAmount.Equal(dec("203.28")) || !res.Payout.ModelAmount.Equal(dec("203.28")) {
		t.Errorf("Expected 203.28 each, got %s/%s", res.Payout.DataAmount, res.Payout.ModelAmount)
	}
	if !res.Payout.PoolAmount.Equal(dec("55.44")) {
		t.Errorf("Expected pool 55.44, got %s", res.Payout.PoolAmount)
	}
	if !res.Payout.Total().Equal(dec("462")) {
		t.Errorf("Payout must sum to profit, got %s", res.Payout.Total())
	}
	if !f.svc.Participants().Info(modelAddr).BonusEarned.Equal(dec("18.48")) {
		t.Errorf("Expected bonus 18.48, got %s", f.svc.Participants().Info(modelAddr).BonusEarned)
	}
}

func TestResolve_LostSlashes(t *testing.T) {
	f := newFixture(t)
	for _, addr := range []string{dataAddr, modelAddr} {
		if _, err := f.svc.DepositStake(addr, participants.RoleDataProvider, dec("100")); err != nil {
			t.Fatalf("DepositStake failed: %v", err)
		}
	}
	p := f.place(t, "100")

	res, err := f.svc.Resolve(context.Background(), prediction.Outcome{PredictionID: p.ID}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if res.Prediction.Status != prediction.StatusLost {
		t.Errorf("Expected lost, got %s", res.Prediction.Status)
	}
	if res.Payout != nil || res.Prediction.Distribution != nil {
		t.Error("Lost prediction must not carry a payout")
	}
	for _, addr := range []string{dataAddr, modelAddr} {
		if !res.Slashed[addr].Equal(dec("10")) {
			t.Errorf("Expected 10 slashed from %s, got %s", addr, res.Slashed[addr])
		}
		info := f.svc.Participants().Info(addr)
		if !info.Stake.Amount.Equal(dec("90")) {
			t.Errorf("Expected stake 90, got %s", info.Stake.Amount)
		}
		if !info.Reputation.Equal(dec("40")) {
			t.Errorf("Expected reputation 40, got %s", info.Reputation)
		}
	}

	st := f.svc.Pool().Stats()
	if !st.TotalLiquidity.Equal(dec("9900")) || !st.TotalLoss.Equal(dec("100")) {
		t.Errorf("Expected pool to absorb the wager, got %+v", st)
	}
	if !f.svc.Participants().TotalStaked().Equal(dec("180")) {
		t.Errorf("Expected 180 staked, got %s", f.svc.Participants().TotalStaked())
	}
}

func TestResolve_SameOwnerSlashedOnce(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.DepositStake(dataAddr, participants.RoleModelCreator, dec("100")); err != nil {
		t.Fatalf("DepositStake failed: %v", err)
	}
	m, err := f.svc.RegisterModel(dataAddr, "Own Model", f.dataset.ID)
	if err != nil {
		t.Fatalf("RegisterModel failed: %v", err)
	}
	req := f.request("50")
	req.ModelID = m.ID
	p, err := f.svc.Place(context.Background(), req)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}

	res, err := f.svc.Resolve(context.Background(), prediction.Outcome{PredictionID: p.ID}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(res.Slashed) != 1 {
		t.Errorf("Expected one slashed address, got %d", len(res.Slashed))
	}
	if !f.svc.Participants().Info(dataAddr).Stake.Amount.Equal(dec("90")) {
		t.Errorf("Expected a single slash")
	}
}

func TestResolve_AlreadyResolved(t *testing.T) {
	f := newFixture(t)
	p := f.place(t, "100")
	ctx := context.Background()

	out := prediction.Outcome{PredictionID: p.ID, Won: true, Profit: dec("10")}
	if _, err := f.svc.Resolve(ctx, out, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := f.svc.Resolve(ctx, out, nil); !errors.Is(err, prediction.ErrAlreadyResolved) {
		t.Errorf("Expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := f.svc.Resolve(ctx, prediction.Outcome{PredictionID: "missing"}, nil); !errors.Is(err, prediction.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	totals := f.svc.Participants().Totals()
	if totals.Distributions != 1 {
		t.Errorf("Expected one distribution, got %d", totals.Distributions)
	}
}

func TestResolve_ConcurrentSettlesOnce(t *testing.T) {
	f := newFixture(t)
	p := f.place(t, "100")
	out := prediction.Outcome{PredictionID: p.ID, Won: true, Profit: dec("462")}

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Resolve(context.Background(), out, nil)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, prediction.ErrAlreadyResolved) {
				t.Errorf("Unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("Expected exactly 1 settlement, got %d", successes)
	}
	if !f.svc.Participants().Info(dataAddr).Earnings.Equal(dec("184.8")) {
		t.Errorf("Expected a single credit, got %s", f.svc.Participants().Info(dataAddr).Earnings)
	}
	if !f.svc.Pool().Stats().TotalLiquidity.Equal(dec("10092.4")) {
		t.Errorf("Expected a single pool profit, got %s", f.svc.Pool().Stats().TotalLiquidity)
	}
}

func TestResolve_Attestation(t *testing.T) {
	f := newFixture(t, withVerifier(t))
	ctx := context.Background()
	p := f.place(t, "100")
	out := prediction.Outcome{PredictionID: p.ID, Won: true, Profit: dec("462")}

	if _, err := f.svc.Resolve(ctx, out, nil); !errors.Is(err, ErrAttestationRequired) {
		t.Errorf("Expected ErrAttestationRequired, got %v", err)
	}

	bad := f.attest(t, prediction.Outcome{PredictionID: p.ID, Won: true, Profit: dec("999")}, 1)
	if _, err := f.svc.Resolve(ctx, out, bad); !errors.Is(err, ErrAttestationMismatch) {
		t.Errorf("Expected ErrAttestationMismatch, got %v", err)
	}

	forged := f.attest(t, out, 2)
	forged.Won = false
	if _, err := f.svc.Resolve(ctx, prediction.Outcome{PredictionID: p.ID, Profit: dec("462")}, forged); !errors.Is(err, ErrAttestation) {
		t.Errorf("Expected ErrAttestation for forged outcome, got %v", err)
	}

	if p2, _ := f.svc.Ledger().Get(ctx, p.ID); p2.Status != prediction.StatusPending {
		t.Fatalf("Rejected attestations must not settle, got %s", p2.Status)
	}

	att := f.attest(t, out, 3)
	res, err := f.svc.Resolve(ctx, out, att)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Attestor != att.Signer {
		t.Errorf("Expected attestor %s, got %s", att.Signer, res.Attestor)
	}

	p2 := f.place(t, "100")
	replay := *att
	replay.PredictionID = p2.ID
	if _, err := f.svc.Resolve(ctx, prediction.Outcome{PredictionID: p2.ID, Won: true, Profit: dec("462")}, &replay); !errors.Is(err, ErrAttestation) {
		t.Errorf("Expected ErrAttestation for tampered replay, got %v", err)
	}
	if _, err := f.svc.Resolve(ctx, out, att); !errors.Is(err, eth.ErrNonceUsed) {
		t.Errorf("Expected ErrNonceUsed on replay, got %v", err)
	}
}

func TestResolve_Receipt(t *testing.T) {
	receipts, err := eth.NewReceiptSigner("c2VjcmV0LXJlY2VpcHQta2V5")
	if err != nil {
		t.Fatalf("NewReceiptSigner failed: %v", err)
	}
	f := newFixture(t, func(cfg *Config, d *Deps) { d.Receipts = receipts })
	f.svc.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	p := f.place(t, "100")

	res, err := f.svc.Resolve(context.Background(), prediction.Outcome{PredictionID: p.ID, Won: true, Profit: dec("462")}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Receipt == nil {
		t.Fatal("Expected a signed receipt")
	}
	r := res.Receipt.Receipt
	if !dec(r.DataAmount).Equal(dec("184.8")) || !dec(r.PoolAmount).Equal(dec("92.4")) || r.Timestamp != 1700000000 {
		t.Errorf("Unexpected receipt %+v", r)
	}
	if err := receipts.Verify(res.Receipt); err != nil {
		t.Errorf("Receipt should verify: %v", err)
	}
}

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	fail    int
	results map[string]resolver.Resolution
}

func (f *fakeSource) Resolutions(ctx context.Context, ids []string) ([]resolver.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return nil, errors.New("resolver unavailable")
	}
	var out []resolver.Resolution
	for _, id := range ids {
		if r, ok := f.results[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestSettleOnce(t *testing.T) {
	f := newFixture(t)
	won := f.place(t, "100")
	lost := f.place(t, "50")
	open := f.place(t, "20")

	src := &fakeSource{
		fail: 1,
		results: map[string]resolver.Resolution{
			won.ID:  {PredictionID: won.ID, Won: true, Profit: dec("462")},
			lost.ID: {PredictionID: lost.ID},
		},
	}

	n, err := f.svc.SettleOnce(context.Background(), src)
	if err != nil {
		t.Fatalf("SettleOnce failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 settled, got %d", n)
	}
	if src.calls != 2 {
		t.Errorf("Expected fetch to be retried once, got %d calls", src.calls)
	}

	got, _ := f.svc.Ledger().Get(context.Background(), open.ID)
	if got.Status != prediction.StatusPending {
		t.Errorf("Expected unresolved prediction to stay pending, got %s", got.Status)
	}

	n, err = f.svc.SettleOnce(context.Background(), src)
	if err != nil || n != 0 {
		t.Errorf("Expected nothing left to settle, got %d, %v", n, err)
	}
}

func TestSettleOnce_WalksPastFirstBatch(t *testing.T) {
	f := newFixture(t, withBatchSize(2))
	ps := []*prediction.Prediction{
		f.place(t, "10"),
		f.place(t, "10"),
		f.place(t, "10"),
		f.place(t, "10"),
	}
	oldest, second, newest := ps[0], ps[1], ps[3]

	src := &fakeSource{results: map[string]resolver.Resolution{
		oldest.ID: {PredictionID: oldest.ID},
		newest.ID: {PredictionID: newest.ID},
	}}
	ctx := context.Background()

	if n, err := f.svc.SettleOnce(ctx, src); err != nil || n != 1 {
		t.Fatalf("Expected the oldest prediction settled first, got %d, %v", n, err)
	}
	got, _ := f.svc.Ledger().Get(ctx, oldest.ID)
	if got.Status != prediction.StatusLost {
		t.Errorf("Expected oldest prediction lost, got %s", got.Status)
	}

	if n, err := f.svc.SettleOnce(ctx, src); err != nil || n != 1 {
		t.Fatalf("Expected the second batch to settle the newest prediction, got %d, %v", n, err)
	}
	got, _ = f.svc.Ledger().Get(ctx, newest.ID)
	if got.Status != prediction.StatusLost {
		t.Errorf("Expected newest prediction lost, got %s", got.Status)
	}

	// A late outcome for an early prediction is picked up once the cursor
	// wraps around.
	src.mu.Lock()
	src.results[second.ID] = resolver.Resolution{PredictionID: second.ID}
	src.mu.Unlock()

	for i := 0; i < 3; i++ {
		if _, err := f.svc.SettleOnce(ctx, src); err != nil {
			t.Fatalf("SettleOnce failed: %v", err)
		}
	}
	got, _ = f.svc.Ledger().Get(ctx, second.ID)
	if got.Status != prediction.StatusLost {
		t.Errorf("Expected late outcome to settle, got %s", got.Status)
	}

	pending, _ := f.svc.Ledger().List(ctx, prediction.Filter{Status: prediction.StatusPending})
	if len(pending) != 1 || pending[0].ID != ps[2].ID {
		t.Errorf("Expected only the unresolved prediction pending, got %d", len(pending))
	}
	if !f.svc.Pool().Stats().Exposure.Equal(dec("10")) {
		t.Errorf("Expected exposure of one open wager, got %s", f.svc.Pool().Stats().Exposure)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, err := New(Config{PollInterval: 10 * time.Millisecond}, Deps{
		Ledger: prediction.NewLedger(prediction.NewMemoryStore()),
		Log:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, &fakeSource{}) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	if err := svc.Run(context.Background(), nil); err == nil {
		t.Error("Expected error for nil source")
	}
}

func TestStakeAndLiquidityOps(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.DepositStake(dataAddr, participants.RoleDataProvider, dec("-5")); err == nil {
		t.Error("Expected negative stake to be rejected")
	}
	if _, err := f.svc.DepositStake(dataAddr, participants.RoleDataProvider, dec("5")); !errors.Is(err, participants.ErrStakeTooSmall) {
		t.Errorf("Expected ErrStakeTooSmall, got %v", err)
	}
	if _, err := f.svc.DepositStake(dataAddr, participants.RoleDataProvider, dec("25")); err != nil {
		t.Fatalf("DepositStake failed: %v", err)
	}
	if _, err := f.svc.WithdrawStake(dataAddr); !errors.Is(err, participants.ErrStakeLocked) {
		t.Errorf("Expected ErrStakeLocked, got %v", err)
	}

	share, err := f.svc.DepositLiquidity("0xlp2", dec("500"))
	if err != nil {
		t.Fatalf("DepositLiquidity failed: %v", err)
	}
	w, err := f.svc.WithdrawLiquidity(share.ID)
	if err != nil {
		t.Fatalf("WithdrawLiquidity failed: %v", err)
	}
	if !w.Amount.Equal(dec("500")) {
		t.Errorf("Expected 500 back, got %s", w.Amount)
	}
	if f.events.count(streaming.EventTypeStake) != 1 {
		t.Errorf("Expected one stake event, got %d", f.events.count(streaming.EventTypeStake))
	}
	// Fixture deposit plus one deposit and one withdrawal.
	if f.events.count(streaming.EventTypePool) != 3 {
		t.Errorf("Expected three pool events, got %d", f.events.count(streaming.EventTypePool))
	}
}

func TestNewRequiresLedger(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Error("Expected error without a ledger")
	}
}
