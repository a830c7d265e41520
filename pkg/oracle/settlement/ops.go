package settlement

import (
	"github.com/phenomenon0/prophetia/pkg/oracle/participants"
	"github.com/phenomenon0/prophetia/pkg/oracle/pool"
	"github.com/phenomenon0/prophetia/pkg/oracle/registry"
	"github.com/phenomenon0/prophetia/pkg/oracle/streaming"

	"github.com/shopspring/decimal"
)

// SubmitDataset registers a dataset after the policy quality gate.
func (s *Service) SubmitDataset(provider, name, fileHash string, quality decimal.Decimal) (*registry.Dataset, error) {
	d, err := s.registry.SubmitDataset(provider, name, fileHash, quality)
	if err != nil {
		s.reject(err)
		return nil, err
	}
	s.publish(streaming.EventTypeDataset, d)
	s.log.Info().Str("dataset_id", d.ID).Str("provider", provider).Msg("[SETTLE] dataset submitted")
	return d, nil
}

// RegisterModel registers a model trained on a known dataset.
func (s *Service) RegisterModel(creator, name, datasetID string) (*registry.Model, error) {
	m, err := s.registry.RegisterModel(creator, name, datasetID)
	if err != nil {
		s.reject(err)
		return nil, err
	}
	s.publish(streaming.EventTypeDataset, map[string]any{"model": m})
	return m, nil
}

// DepositStake validates and locks a participant stake.
func (s *Service) DepositStake(owner string, role participants.Role, amount decimal.Decimal) (*participants.Stake, error) {
	if err := s.policy.CheckDeposit("amount", amount); err != nil {
		s.reject(err)
		return nil, err
	}
	st, err := s.participants.DepositStake(owner, role, amount)
	if err != nil {
		return nil, err
	}
	s.metrics.UpdateStaked(s.participants.TotalStaked())
	s.publish(streaming.EventTypeStake, st)
	return st, nil
}

// WithdrawStake returns owner's whole stake once unlocked.
func (s *Service) WithdrawStake(owner string) (decimal.Decimal, error) {
	amount, err := s.participants.WithdrawStake(owner)
	if err != nil {
		return decimal.Zero, err
	}
	s.metrics.UpdateStaked(s.participants.TotalStaked())
	s.publish(streaming.EventTypeStake, map[string]any{"owner": owner, "withdrawn": amount})
	return amount, nil
}

// DepositLiquidity adds liquidity to the pool.
func (s *Service) DepositLiquidity(owner string, amount decimal.Decimal) (*pool.Share, error) {
	if err := s.policy.CheckDeposit("amount", amount); err != nil {
		s.reject(err)
		return nil, err
	}
	share, err := s.pool.Deposit(owner, amount)
	if err != nil {
		return nil, err
	}
	s.updatePoolMetrics()
	s.publish(streaming.EventTypePool, s.pool.Stats())
	return share, nil
}

// WithdrawLiquidity burns a share.
func (s *Service) WithdrawLiquidity(shareID string) (*pool.Withdrawal, error) {
	w, err := s.pool.Withdraw(shareID)
	if err != nil {
		return nil, err
	}
	s.updatePoolMetrics()
	s.publish(streaming.EventTypePool, s.pool.Stats())
	return w, nil
}
