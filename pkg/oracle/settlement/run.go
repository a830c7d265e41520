package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/phenomenon0/prophetia/pkg/oracle/prediction"
	"github.com/phenomenon0/prophetia/pkg/oracle/resolver"
)

// ResolutionSource reports outcomes for pending predictions.
type ResolutionSource interface {
	Resolutions(ctx context.Context, ids []string) ([]resolver.Resolution, error)
}

// Run polls source for outcomes of pending predictions every PollInterval
// until ctx is cancelled. Failed polls are logged and retried on the next
// tick.
func (s *Service) Run(ctx context.Context, source ResolutionSource) error {
	if source == nil {
		return errors.New("settlement: resolution source is required")
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.PollInterval).Msg("[SETTLE] settlement loop started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("[SETTLE] settlement loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SettleOnce(ctx, source); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("[SETTLE] poll failed")
			}
		}
	}
}

// SettleOnce fetches outcomes for up to BatchSize pending predictions and
// settles each one. Batches are taken oldest first and successive calls
// walk the whole pending list before starting over, so predictions without
// an outcome yet never starve the ones behind them. Per-prediction failures
// are logged and skipped. It returns the number of predictions settled.
func (s *Service) SettleOnce(ctx context.Context, source ResolutionSource) (int, error) {
	start := time.Now()
	settled, err := s.settleOnce(ctx, source)

	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordSettlementRun(status, time.Since(start).Seconds())
	return settled, err
}

func (s *Service) settleOnce(ctx context.Context, source ResolutionSource) (int, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	pending, err := s.ledger.List(ctx, prediction.Filter{
		Status: prediction.StatusPending,
		Limit:  s.cfg.BatchSize,
		Offset: s.cursor,
		Oldest: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		s.cursor = 0
		return 0, nil
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}

	var resolutions []resolver.Resolution
	fetch := func() error {
		var err error
		resolutions, err = source.Resolutions(ctx, ids)
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = s.cfg.PollInterval
	if err := backoff.Retry(fetch, backoff.WithContext(eb, ctx)); err != nil {
		return 0, fmt.Errorf("fetch resolutions: %w", err)
	}

	settled := 0
	defer func() {
		// Settled predictions leave the pending list, so only the ones
		// still pending move the cursor.
		if len(pending) < s.cfg.BatchSize {
			s.cursor = 0
		} else {
			s.cursor += len(pending) - settled
		}
	}()
	for _, r := range resolutions {
		if err := s.HandleResolution(ctx, r); err != nil {
			if errors.Is(err, prediction.ErrAlreadyResolved) {
				s.log.Debug().Str("prediction_id", r.PredictionID).Msg("[SETTLE] already resolved")
				continue
			}
			s.log.Error().Err(err).Str("prediction_id", r.PredictionID).Msg("[SETTLE] resolution failed")
			continue
		}
		settled++
	}
	return settled, nil
}

// HandleResolution settles one resolution received from the resolution
// service. It serves both the polling loop and the WebSocket feed.
func (s *Service) HandleResolution(ctx context.Context, r resolver.Resolution) error {
	_, err := s.Resolve(ctx, r.Outcome(), r.Attestation)
	return err
}
