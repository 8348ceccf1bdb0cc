package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/broadcast-dispatch/internal/repository"
)

// StaleClaimRecovery periodically fails recipients whose worker died while
// they were in flight. They are never sent again: the provider may already
// have delivered them.
type StaleClaimRecovery struct {
	Recipients repository.RecipientRepositoryInterface
	Service    *BroadcastService
	ClaimTTL   time.Duration
	Log        zerolog.Logger

	c *cron.Cron
}

func NewStaleClaimRecovery(recipients repository.RecipientRepositoryInterface, svc *BroadcastService, claimTTL time.Duration, log zerolog.Logger) *StaleClaimRecovery {
	return &StaleClaimRecovery{Recipients: recipients, Service: svc, ClaimTTL: claimTTL, Log: log}
}

// Start schedules Run every interval.
func (r *StaleClaimRecovery) Start(ctx context.Context, interval time.Duration) error {
	r.c = cron.New(cron.WithLocation(time.UTC))
	_, err := r.c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
			r.Log.Error().Err(err).Msg("stale claim recovery failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule recovery: %w", err)
	}
	r.c.Start()
	r.Log.Info().Dur("interval", interval).Dur("claim_ttl", r.ClaimTTL).Msg("stale claim recovery started")
	return nil
}

func (r *StaleClaimRecovery) Stop() {
	if r.c != nil {
		<-r.c.Stop().Done()
		r.c = nil
	}
}

// Run recovers every claim older than the TTL and closes broadcasts that
// became finished. It returns the number of recipients recovered.
func (r *StaleClaimRecovery) Run(ctx context.Context) (int, error) {
	cutoff := r.Service.now().Add(-r.ClaimTTL)
	recovered, err := r.Recipients.RecoverStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, s := range recovered {
		total += s.Recovered
		staleRecovered.Add(float64(s.Recovered))
		r.Log.Warn().Int64("broadcast_id", s.BroadcastID).Int("recipients", s.Recovered).
			Msg("stale in-flight recipients marked failed")
		if _, err := r.Service.OnRecipientTerminal(ctx, s.BroadcastID, s.Counters); err != nil {
			r.Log.Error().Err(err).Int64("broadcast_id", s.BroadcastID).Msg("finalize after recovery failed")
		}
	}
	return total, nil
}
