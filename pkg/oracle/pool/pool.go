// Package pool implements the share-based liquidity pool that backs
// wagers and receives the pool share of resolved profit.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const unitPlaces = 6

var (
	ErrDepositTooSmall       = errors.New("deposit below pool minimum")
	ErrShareNotFound         = errors.New("share not found")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrExposureLimit         = errors.New("pool exposure limit exceeded")
	ErrPoolInsolvent         = errors.New("pool has outstanding shares but no liquidity")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

// Config holds pool parameters.
type Config struct {
	MinDeposit decimal.Decimal
	// MaxExposurePct caps open wagers as a percentage of liquidity.
	MaxExposurePct decimal.Decimal
}

// DefaultConfig returns a 1 token minimum deposit and 10% max exposure.
func DefaultConfig() Config {
	return Config{
		MinDeposit:     decimal.NewFromInt(1),
		MaxExposurePct: decimal.NewFromInt(10),
	}
}

// Share is a liquidity position.
type Share struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	Shares      decimal.Decimal `json:"shares"`
	Deposited   decimal.Decimal `json:"deposited"`
	DepositedAt time.Time       `json:"deposited_at"`
}

// Withdrawal is the result of burning a share.
type Withdrawal struct {
	ShareID string          `json:"share_id"`
	Owner   string          `json:"owner"`
	Shares  decimal.Decimal `json:"shares"`
	Amount  decimal.Decimal `json:"amount"`
}

// Stats is a snapshot of the pool.
type Stats struct {
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
	TotalShares    decimal.Decimal `json:"total_shares"`
	ShareValue     decimal.Decimal `json:"share_value"`
	TotalProfit    decimal.Decimal `json:"total_profit"`
	TotalLoss      decimal.Decimal `json:"total_loss"`
	NetProfit      decimal.Decimal `json:"net_profit"`
	Exposure       decimal.Decimal `json:"exposure"`
	MaxExposure    decimal.Decimal `json:"max_exposure"`
	Positions      int             `json:"positions"`
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	liquidity decimal.Decimal
	shares    decimal.Decimal
	profit    decimal.Decimal
	loss      decimal.Decimal
	exposure  decimal.Decimal
	positions map[string]*Share
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:       cfg,
		now:       time.Now,
		liquidity: decimal.Zero,
		shares:    decimal.Zero,
		profit:    decimal.Zero,
		loss:      decimal.Zero,
		exposure:  decimal.Zero,
		positions: make(map[string]*Share),
	}
}

// Deposit adds amount to the pool and mints shares. The first deposit mints
// one share per token; later deposits mint amount * totalShares / liquidity.
func (p *Pool) Deposit(owner string, amount decimal.Decimal) (*Share, error) {
	if amount.LessThan(p.cfg.MinDeposit) {
		return nil, fmt.Errorf("%w: %s < %s", ErrDepositTooSmall, amount, p.cfg.MinDeposit)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var minted decimal.Decimal
	switch {
	case p.shares.IsZero():
		minted = amount.Truncate(unitPlaces)
	case p.liquidity.IsZero():
		return nil, ErrPoolInsolvent
	default:
		minted = amount.Mul(p.shares).Div(p.liquidity).Truncate(unitPlaces)
	}

	s := &Share{
		ID:          uuid.New().String(),
		Owner:       owner,
		Shares:      minted,
		Deposited:   amount,
		DepositedAt: p.now(),
	}
	p.positions[s.ID] = s
	p.liquidity = p.liquidity.Add(amount)
	p.shares = p.shares.Add(minted)

	c := *s
	return &c, nil
}

// Withdraw burns the share and pays shares * liquidity / totalShares.
func (p *Pool) Withdraw(shareID string) (*Withdrawal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.positions[shareID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShareNotFound, shareID)
	}
	if p.shares.IsZero() {
		return nil, ErrInsufficientLiquidity
	}

	amount := s.Shares.Mul(p.liquidity).Div(p.shares).Truncate(unitPlaces)
	if s.Shares.Equal(p.shares) {
		// Last holder takes everything, including sub-unit dust.
		amount = p.liquidity
	}
	if p.liquidity.Sub(amount).LessThan(p.exposure) {
		return nil, fmt.Errorf("%w: withdrawal would leave %s below open exposure %s",
			ErrInsufficientLiquidity, p.liquidity.Sub(amount), p.exposure)
	}

	p.liquidity = p.liquidity.Sub(amount)
	p.shares = p.shares.Sub(s.Shares)
	delete(p.positions, shareID)

	return &Withdrawal{ShareID: s.ID, Owner: s.Owner, Shares: s.Shares, Amount: amount}, nil
}

// Share returns a position by ID.
func (p *Pool) Share(shareID string) (*Share, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.positions[shareID]
	if !ok {
		return nil, false
	}
	c := *s
	return &c, true
}

// RecordProfit adds amount to liquidity.
func (p *Pool) RecordProfit(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.liquidity = p.liquidity.Add(amount)
	p.profit = p.profit.Add(amount)
	return nil
}

// RecordLoss removes amount from liquidity. It fails without changing state
// when amount exceeds liquidity.
func (p *Pool) RecordLoss(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.GreaterThan(p.liquidity) {
		return fmt.Errorf("%w: loss %s exceeds liquidity %s", ErrInsufficientLiquidity, amount, p.liquidity)
	}
	p.liquidity = p.liquidity.Sub(amount)
	p.loss = p.loss.Add(amount)
	return nil
}

// Reserve books amount of open exposure against the pool.
func (p *Pool) Reserve(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := p.maxExposure()
	if p.exposure.Add(amount).GreaterThan(limit) {
		return fmt.Errorf("%w: %s + %s > %s", ErrExposureLimit, p.exposure, amount, limit)
	}
	p.exposure = p.exposure.Add(amount)
	return nil
}

// Release returns previously reserved exposure.
func (p *Pool) Release(amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.exposure = p.exposure.Sub(amount)
	if p.exposure.IsNegative() {
		p.exposure = decimal.Zero
	}
}

// ShareValue returns the current token value of shares.
func (p *Pool) ShareValue(shares decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shares.IsZero() {
		return decimal.Zero
	}
	return shares.Mul(p.liquidity).Div(p.shares).Truncate(unitPlaces)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Stats{
		TotalLiquidity: p.liquidity,
		TotalShares:    p.shares,
		ShareValue:     decimal.Zero,
		TotalProfit:    p.profit,
		TotalLoss:      p.loss,
		NetProfit:      p.profit.Sub(p.loss),
		Exposure:       p.exposure,
		MaxExposure:    p.maxExposure(),
		Positions:      len(p.positions),
	}
	if !p.shares.IsZero() {
		st.ShareValue = p.liquidity.Div(p.shares).Truncate(unitPlaces)
	}
	return st
}

func (p *Pool) maxExposure() decimal.Decimal {
	return p.liquidity.Mul(p.cfg.MaxExposurePct).Div(decimal.NewFromInt(100)).Truncate(unitPlaces)
}
