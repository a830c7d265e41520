// Package participants tracks reputation, contribution counts, earnings and
// stakes of data providers and model creators.
//
// Reputation is a percentage in [0, 100]. New participants start at 50,
// gain 5 points per won prediction and lose 10 per lost one.
package participants

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyAddress  = errors.New("participant address is required")
	ErrInvalidRole   = errors.New("invalid participant role")
	ErrStakeTooSmall = errors.New("stake below minimum")
	ErrStakeLocked   = errors.New("stake still locked")
	ErrNoStake       = errors.New("no stake")
)

// Role is the part a participant plays in a prediction.
type Role int

const (
	RoleDataProvider Role = iota
	RoleModelCreator
)

func (r Role) String() string {
	switch r {
	case RoleDataProvider:
		return "data_provider"
	case RoleModelCreator:
		return "model_creator"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseRole parses "data_provider" or "model_creator".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "data_provider", "data", "0":
		return RoleDataProvider, nil
	case "model_creator", "model", "1":
		return RoleModelCreator, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Config holds the reputation and stake parameters.
type Config struct {
	InitialReputation decimal.Decimal
	MaxReputation     decimal.Decimal
	WinGain           decimal.Decimal
	LossPenalty       decimal.Decimal

	MinStake   decimal.Decimal
	LockPeriod time.Duration
	SlashPct   decimal.Decimal // percent of the stake removed per slash
	MaxSlashes int             // stake is zeroed at this many slashes
}

// DefaultConfig returns the standard parameters.
func DefaultConfig() Config {
	return Config{
		InitialReputation: decimal.NewFromInt(50),
		MaxReputation:     decimal.NewFromInt(100),
		WinGain:           decimal.NewFromInt(5),
		LossPenalty:       decimal.NewFromInt(10),
		MinStake:          decimal.NewFromInt(10),
		LockPeriod:        24 * time.Hour,
		SlashPct:          decimal.NewFromInt(10),
		MaxSlashes:        10,
	}
}

// Stake is a participant's locked collateral.
type Stake struct {
	Owner       string          `json:"owner"`
	Role        Role            `json:"role"`
	Amount      decimal.Decimal `json:"amount"`
	LockedUntil time.Time       `json:"locked_until"`
	SlashCount  int             `json:"slash_count"`
	DepositedAt time.Time       `json:"deposited_at"`
}

// Info is a snapshot of a participant.
type Info struct {
	Address       string          `json:"address"`
	Reputation    decimal.Decimal `json:"reputation"`
	Contributions int             `json:"total_contributions"`
	Successes     int             `json:"successful_predictions"`
	SuccessRate   decimal.Decimal `json:"success_rate"`
	Earnings      decimal.Decimal `json:"earnings"`
	BonusEarned   decimal.Decimal `json:"bonus_earned"`
	Stake         *Stake          `json:"stake,omitempty"`
}

// Totals are system-wide distribution counters.
type Totals struct {
	Distributions int             `json:"total_distributions"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	DataPaid      decimal.Decimal `json:"data_provider_paid"`
	ModelPaid     decimal.Decimal `json:"model_creator_paid"`
	PoolAllocated decimal.Decimal `json:"pool_allocated"`
	TotalSlashed  decimal.Decimal `json:"total_slashed"`
}

type participant struct {
	reputation    decimal.Decimal
	contributions int
	successes     int
	earnings      decimal.Decimal
	bonus         decimal.Decimal
	stake         *Stake
}

// Tracker holds participant state. Safe for concurrent use.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	byAddr map[string]*participant
	totals Totals
}

// NewTracker creates a tracker with cfg.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg,
		now:    time.Now,
		byAddr: make(map[string]*participant),
		totals: Totals{
			TotalProfit:   decimal.Zero,
			DataPaid:      decimal.Zero,
			ModelPaid:     decimal.Zero,
			PoolAllocated: decimal.Zero,
			TotalSlashed:  decimal.Zero,
		},
	}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Config returns the tracker parameters.
func (t *Tracker) Config() Config {
	return t.cfg
}

// get returns the participant, creating it at the initial reputation.
// Caller must hold the write lock.
func (t *Tracker) get(addr string) *participant {
	p, ok := t.byAddr[addr]
	if !ok {
		p = &participant{
			reputation: t.cfg.InitialReputation,
			earnings:   decimal.Zero,
			bonus:      decimal.Zero,
		}
		t.byAddr[addr] = p
	}
	return p
}

// Reputation returns addr's reputation. Unknown participants report the
// initial reputation.
func (t *Tracker) Reputation(addr string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.byAddr[addr]; ok {
		return p.reputation
	}
	return t.cfg.InitialReputation
}

// RecordWin raises reputation and counts a success for each distinct
// participant.
func (t *Tracker) RecordWin(addrs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, addr := range distinct(addrs) {
		p := t.get(addr)
		p.reputation = decimal.Min(p.reputation.Add(t.cfg.WinGain), t.cfg.MaxReputation)
		p.contributions++
		p.successes++
	}
}

// RecordLoss lowers reputation and counts a contribution for each distinct
// participant.
func (t *Tracker) RecordLoss(addrs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, addr := range distinct(addrs) {
		p := t.get(addr)
		p.reputation = decimal.Max(p.reputation.Sub(t.cfg.LossPenalty), decimal.Zero)
		p.contributions++
	}
}

// Credit adds a payout to addr's earnings. bonus is the part of amount that
// came from the reputation bonus.
func (t *Tracker) Credit(addr string, amount, bonus decimal.Decimal) {
	if addr == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.get(addr)
	p.earnings = p.earnings.Add(amount)
	p.bonus = p.bonus.Add(bonus)
}

// RecordDistribution adds a settled distribution to the system totals.
func (t *Tracker) RecordDistribution(total, dataPaid, modelPaid, pool decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totals.Distributions++
	t.totals.TotalProfit = t.totals.TotalProfit.Add(total)
	t.totals.DataPaid = t.totals.DataPaid.Add(dataPaid)
	t.totals.ModelPaid = t.totals.ModelPaid.Add(modelPaid)
	t.totals.PoolAllocated = t.totals.PoolAllocated.Add(pool)
}

// DepositStake adds amount to owner's stake, restarts the lock period and
// clears the slash count.
func (t *Tracker) DepositStake(owner string, role Role, amount decimal.Decimal) (*Stake, error) {
	if owner == "" {
		return nil, ErrEmptyAddress
	}
	if role != RoleDataProvider && role != RoleModelCreator {
		return nil, ErrInvalidRole
	}
	if amount.LessThan(t.cfg.MinStake) {
		return nil, fmt.Errorf("%w: %s < %s", ErrStakeTooSmall, amount, t.cfg.MinStake)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	p := t.get(owner)
	if p.stake == nil {
		p.stake = &Stake{Owner: owner, Amount: decimal.Zero}
	}
	p.stake.Role = role
	p.stake.Amount = p.stake.Amount.Add(amount)
	p.stake.LockedUntil = now.Add(t.cfg.LockPeriod)
	p.stake.SlashCount = 0
	p.stake.DepositedAt = now

	s := *p.stake
	return &s, nil
}

// WithdrawStake returns owner's entire stake once the lock has expired.
func (t *Tracker) WithdrawStake(owner string) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byAddr[owner]
	if !ok || p.stake == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoStake, owner)
	}
	if t.now().Before(p.stake.LockedUntil) {
		return decimal.Zero, fmt.Errorf("%w until %s", ErrStakeLocked, p.stake.LockedUntil.Format(time.RFC3339))
	}

	amount := p.stake.Amount
	p.stake = nil
	return amount, nil
}

// Penalize slashes addr's stake by SlashPct, truncated to six decimals,
// and returns the amount removed. Reaching MaxSlashes zeroes the stake.
// Participants without a stake are left untouched.
func (t *Tracker) Penalize(addr string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byAddr[addr]
	if !ok || p.stake == nil || !p.stake.Amount.IsPositive() {
		return decimal.Zero
	}

	before := p.stake.Amount
	slash := before.Mul(t.cfg.SlashPct).Div(decimal.NewFromInt(100)).Truncate(6)
	p.stake.Amount = before.Sub(slash)
	p.stake.SlashCount++
	if p.stake.SlashCount >= t.cfg.MaxSlashes {
		p.stake.Amount = decimal.Zero
	}

	removed := before.Sub(p.stake.Amount)
	t.totals.TotalSlashed = t.totals.TotalSlashed.Add(removed)
	return removed
}

// Info returns a snapshot of addr.
func (t *Tracker) Info(addr string) Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info := Info{
		Address:     addr,
		Reputation:  t.cfg.InitialReputation,
		SuccessRate: decimal.Zero,
		Earnings:    decimal.Zero,
		BonusEarned: decimal.Zero,
	}
	p, ok := t.byAddr[addr]
	if !ok {
		return info
	}

	info.Reputation = p.reputation
	info.Contributions = p.contributions
	info.Successes = p.successes
	info.Earnings = p.earnings
	info.BonusEarned = p.bonus
	if p.contributions > 0 {
		info.SuccessRate = decimal.NewFromInt(int64(p.successes)).
			Div(decimal.NewFromInt(int64(p.contributions))).
			Truncate(6)
	}
	if p.stake != nil {
		s := *p.stake
		info.Stake = &s
	}
	return info
}

// Totals returns the system-wide counters.
func (t *Tracker) Totals() Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totals
}

// TotalStaked sums every active stake.
func (t *Tracker) TotalStaked() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := decimal.Zero
	for _, p := range t.byAddr {
		if p.stake != nil {
			total = total.Add(p.stake.Amount)
		}
	}
	return total
}

func distinct(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := addrs[:0:0]
	for _, a := range addrs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
