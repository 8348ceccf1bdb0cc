package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/broadcast-dispatch/internal/distlock"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
	"github.com/unclebandit/broadcast-dispatch/internal/queue"
)

// Offerer receives broadcasts ready for dispatch.
type Offerer interface {
	Offer(ref model.Ref)
}

// Scheduler drives broadcast lifecycles over time: it admits due broadcasts,
// applies time windows and feeds processing broadcasts to the sender pool.
type Scheduler struct {
	Service  *BroadcastService
	Pool     Offerer
	Lock     distlock.Lock
	Interval time.Duration
	Log      zerolog.Logger

	trigger chan struct{}
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(svc *BroadcastService, pool Offerer, lock distlock.Lock, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if lock == nil {
		lock = &distlock.LocalLock{}
	}
	return &Scheduler{
		Service:  svc,
		Pool:     pool,
		Lock:     lock,
		Interval: interval,
		Log:      log,
		trigger:  make(chan struct{}, 1),
	}
}

// Start runs the tick loop until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.Log.Info().Dur("interval", s.Interval).Str("tz", s.Service.location().String()).Msg("scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Trigger asks for a tick as soon as possible.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// HandleEvent is a queue subscriber that wakes the scheduler on lifecycle
// events.
func (s *Scheduler) HandleEvent(payload any) error {
	ev, err := queue.DecodeEvent(payload)
	if err != nil {
		s.Log.Warn().Err(err).Msg("dropping undecodable event")
		return nil
	}
	s.Log.Debug().Str("event", ev.Type).Int64("broadcast_id", ev.BroadcastID).Msg("event received")
	s.Trigger()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.Log.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

// Tick runs one scheduling pass. Lifecycle changes happen only on the
// instance holding the lock; every instance offers processing broadcasts to
// its own pool.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.Service.now()
	local := now.In(s.Service.location())

	active, err := s.Service.Broadcasts.ListActive(ctx)
	if err != nil {
		schedulerTicks.WithLabelValues("error").Inc()
		return err
	}

	leader, err := s.Lock.Acquire(ctx)
	if err != nil {
		s.Log.Warn().Err(err).Msg("scheduler lock unavailable")
		leader = false
	}
	if leader {
		defer func() {
			if err := s.Lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.Log.Warn().Err(err).Msg("scheduler lock release failed")
			}
		}()
		for _, b := range active {
			s.advance(ctx, b, now, local)
		}
		schedulerTicks.WithLabelValues("leader").Inc()
	} else {
		schedulerTicks.WithLabelValues("follower").Inc()
	}

	if s.Pool == nil {
		return nil
	}
	for _, b := range active {
		if b.Status != model.StatusProcessing {
			continue
		}
		s.Pool.Offer(model.Ref{
			BroadcastID:   b.ID,
			AccountID:     b.AccountID,
			PhoneNumberID: b.PhoneNumberID,
			Broadcast:     b,
		})
	}
	return nil
}

// advance applies the lifecycle rules to one broadcast and updates b.Status
// in place with the outcome.
func (s *Scheduler) advance(ctx context.Context, b *model.Broadcast, now, local time.Time) {
	log := s.Log.With().Int64("broadcast_id", b.ID).Logger()
	inWindow := b.TimeWindow.Contains(local)

	switch b.Status {
	case model.StatusPending, model.StatusScheduled:
		admitted, err := s.Service.Admit(ctx, b.ID, now)
		if err != nil {
			log.Error().Err(err).Msg("admit failed")
			return
		}
		if admitted {
			log.Info().Msg("broadcast admitted")
			b.Status = model.StatusProcessing
		}

	case model.StatusProcessing:
		if !inWindow {
			ok, err := s.Service.pauseForWindow(ctx, b.ID, now)
			if err != nil {
				log.Error().Err(err).Msg("auto-pause failed")
				return
			}
			if ok {
				log.Info().Str("window", b.TimeWindow.Start+"-"+b.TimeWindow.End).Msg("outside time window, paused")
				b.Status, b.PauseReason = model.StatusPaused, model.PauseOutsideWindow
			}
			return
		}
		s.finalize(ctx, log, b)

	case model.StatusPaused:
		if b.PauseReason == model.PauseOutsideWindow && inWindow {
			ok, err := s.Service.resumeForWindow(ctx, b.ID, now)
			if err != nil {
				log.Error().Err(err).Msg("auto-resume failed")
				return
			}
			if ok {
				log.Info().Msg("time window open, resumed")
				b.Status, b.PauseReason = model.StatusProcessing, model.PauseNone
			}
			return
		}
		s.finalize(ctx, log, b)
	}
}

// finalize closes broadcasts whose last recipient landed without the
// closing transition.
func (s *Scheduler) finalize(ctx context.Context, log zerolog.Logger, b *model.Broadcast) {
	c := b.Counters()
	if !c.Finished() {
		return
	}
	done, err := s.Service.OnRecipientTerminal(ctx, b.ID, c)
	if err != nil {
		log.Error().Err(err).Msg("finalize failed")
		return
	}
	if done {
		b.Status = model.TerminalStatus(c)
	}
}
