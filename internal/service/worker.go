package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/broadcast-dispatch/internal/crm"
	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
	"github.com/unclebandit/broadcast-dispatch/internal/logger"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
	"github.com/unclebandit/broadcast-dispatch/internal/provider"
	"github.com/unclebandit/broadcast-dispatch/internal/ratelimit"
	"github.com/unclebandit/broadcast-dispatch/internal/repository"
)

// PoolConfig tunes the sender pool.
type PoolConfig struct {
	WorkersPerAccount int
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ProviderTimeout   time.Duration
	IdleInterval      time.Duration
}

func (c *PoolConfig) defaults() {
	if c.WorkersPerAccount <= 0 {
		c.WorkersPerAccount = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 15 * time.Second
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = time.Second
	}
}

// SenderPool runs one group of workers per provider account. Workers take a
// send token, claim the next recipient and deliver it.
type SenderPool struct {
	Recipients repository.RecipientRepositoryInterface
	Service    *BroadcastService
	Dedup      *DedupService
	Provider   provider.Adapter
	Limiter    ratelimit.Limiter
	CRM        *crm.SyncService
	Resolver   Resolver
	Config     PoolConfig
	Log        zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	accounts map[string]*accountPool
	wg       sync.WaitGroup
}

func NewSenderPool(recipients repository.RecipientRepositoryInterface, svc *BroadcastService, p provider.Adapter, limiter ratelimit.Limiter, cfg PoolConfig, log zerolog.Logger) *SenderPool {
	cfg.defaults()
	return &SenderPool{
		Recipients: recipients,
		Service:    svc,
		Dedup:      svc.Dedup,
		Provider:   p,
		Limiter:    limiter,
		Config:     cfg,
		Log:        log,
		accounts:   map[string]*accountPool{},
	}
}

// Start makes the pool accept offers. Workers stop when ctx ends or Stop is
// called.
func (p *SenderPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return
	}
	p.Config.defaults()
	if p.accounts == nil {
		p.accounts = map[string]*accountPool{}
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
}

// Stop cancels every worker and waits for in-flight deliveries to land.
func (p *SenderPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Offer hands a processing broadcast to its account's workers. Offering a
// broadcast that is already queued only refreshes its snapshot.
func (p *SenderPool) Offer(ref model.Ref) {
	p.mu.Lock()
	if p.ctx == nil || p.ctx.Err() != nil {
		p.mu.Unlock()
		p.Log.Warn().Int64("broadcast_id", ref.BroadcastID).Msg("offer to stopped pool")
		return
	}
	ap, ok := p.accounts[ref.AccountID]
	if !ok {
		ap = newAccountPool(ref.AccountID, p)
		p.accounts[ref.AccountID] = ap
		for i := 0; i < p.Config.WorkersPerAccount; i++ {
			workerID := ref.AccountID + "/" + uuid.NewString()
			p.wg.Add(1)
			go ap.run(p.ctx, workerID)
		}
		p.Log.Info().Str("account", ref.AccountID).Int("workers", p.Config.WorkersPerAccount).Msg("account pool started")
	}
	p.mu.Unlock()
	ap.offer(ref)
}

// Queued returns the ids of the broadcasts an account is serving.
func (p *SenderPool) Queued(accountID string) []int64 {
	p.mu.Lock()
	ap, ok := p.accounts[accountID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ids := make([]int64, len(ap.ring))
	for i, r := range ap.ring {
		ids[i] = r.BroadcastID
	}
	return ids
}

func (p *SenderPool) backoff(attempt int) time.Duration {
	d := p.Config.BackoffBase
	for i := 0; i < attempt && d < p.Config.BackoffMax; i++ {
		d *= 2
	}
	if d > p.Config.BackoffMax {
		d = p.Config.BackoffMax
	}
	return d
}

func (p *SenderPool) now() time.Time {
	return p.Service.now()
}

// ====================== account pool ======================

// accountPool serves the broadcasts of one account round-robin.
type accountPool struct {
	id   string
	pool *SenderPool

	mu     sync.Mutex
	ring   []model.Ref
	next   int
	wake   chan struct{}
	queued map[int64]bool
}

func newAccountPool(id string, p *SenderPool) *accountPool {
	return &accountPool{
		id:     id,
		pool:   p,
		wake:   make(chan struct{}, p.Config.WorkersPerAccount),
		queued: map[int64]bool{},
	}
}

func (a *accountPool) offer(ref model.Ref) {
	a.mu.Lock()
	if a.queued[ref.BroadcastID] {
		for i := range a.ring {
			if a.ring[i].BroadcastID == ref.BroadcastID {
				a.ring[i] = ref
			}
		}
	} else {
		a.queued[ref.BroadcastID] = true
		a.ring = append(a.ring, ref)
	}
	a.mu.Unlock()

	for i := 0; i < cap(a.wake); i++ {
		select {
		case a.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (a *accountPool) pick() (model.Ref, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.ring) == 0 {
		return model.Ref{}, false
	}
	if a.next >= len(a.ring) {
		a.next = 0
	}
	ref := a.ring[a.next]
	a.next++
	return ref, true
}

// drop removes a broadcast with nothing left to claim.
func (a *accountPool) drop(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ring {
		if a.ring[i].BroadcastID != id {
			continue
		}
		a.ring = append(a.ring[:i], a.ring[i+1:]...)
		if a.next > i {
			a.next--
		}
		delete(a.queued, id)
		return
	}
}

func (a *accountPool) run(ctx context.Context, workerID string) {
	defer a.pool.wg.Done()
	log := a.pool.Log.With().Str("worker", workerID).Logger()
	idle := time.NewTicker(a.pool.Config.IdleInterval)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		ref, ok := a.pick()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
			case <-idle.C:
			}
			continue
		}

		claimed, err := a.pool.processOne(ctx, workerID, ref)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int64("broadcast_id", ref.BroadcastID).Msg("dispatch step failed")
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}
		if !claimed {
			a.drop(ref.BroadcastID)
		}
	}
}

// ====================== delivery ======================

// processOne takes a token and delivers at most one recipient of ref. It
// reports false when the broadcast had nothing claimable.
func (p *SenderPool) processOne(ctx context.Context, workerID string, ref model.Ref) (bool, error) {
	key := ratelimit.Key{AccountID: ref.AccountID, PhoneNumberID: ref.PhoneNumberID}
	start := time.Now()
	if err := p.Limiter.Wait(ctx, key); err != nil {
		return true, fmt.Errorf("rate limiter: %w", err)
	}
	rateLimitWait.WithLabelValues(ref.AccountID).Observe(time.Since(start).Seconds())

	rc, err := p.Recipients.ClaimNext(ctx, ref.BroadcastID, workerID, p.now())
	if err != nil {
		return true, fmt.Errorf("claim: %w", err)
	}
	if rc == nil {
		return false, nil
	}
	// ledger writes must land even while shutting down
	p.deliver(context.WithoutCancel(ctx), ref, rc)
	return true, nil
}

func (p *SenderPool) deliver(ctx context.Context, ref model.Ref, rc *model.Recipient) {
	log := p.Log.With().Int64("broadcast_id", rc.BroadcastID).Int("seq", rc.Seq).
		Str("phone", logger.RedactPhone(rc.Phone)).Logger()

	defer func() {
		if r := recover(); r != nil {
			workerPanics.Inc()
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("worker panic, releasing recipient")
			p.release(ctx, log, rc, fmt.Sprintf("panic: %v", r))
		}
	}()

	b := ref.Broadcast
	if b == nil {
		var err error
		if b, err = p.Service.Broadcasts.GetByID(ctx, rc.BroadcastID); err != nil {
			p.release(ctx, log, rc, err.Error())
			return
		}
	}

	if b.DedupEnabled && p.Dedup != nil {
		dup, err := p.Dedup.IsDuplicate(ctx, b.Name, rc.Phone, b.ID)
		if err != nil {
			log.Warn().Err(err).Msg("dedup lookup failed")
			p.release(ctx, log, rc, "dedup lookup failed")
			return
		}
		if dup {
			p.record(ctx, log, rc, model.Outcome{Status: model.RecipientSkipped, Error: model.ErrTextDuplicate})
			return
		}
	}

	msg, warnings := p.Resolver.Render(b, rc)
	for _, w := range warnings {
		log.Warn().Str("warning", w.Error()).Msg("template rendered with gaps")
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.Config.ProviderTimeout)
	start := time.Now()
	msgID, err := p.Provider.Send(sendCtx, provider.SendRequest{
		AccountID:        b.AccountID,
		PhoneNumberID:    b.PhoneNumberID,
		To:               rc.Phone,
		TemplateName:     b.TemplateName,
		TemplateLanguage: b.TemplateLanguage,
		Components:       provider.BuildComponents(msg),
	})
	cancel()
	sendDuration.WithLabelValues(b.AccountID).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		sendsTotal.WithLabelValues(b.AccountID, "sent").Inc()
		if p.record(ctx, log, rc, model.Outcome{Status: model.RecipientSent, ProviderMessageID: msgID}) {
			p.labelContact(ctx, log, b, rc)
		}
	case appErrors.IsPermanent(err):
		sendsTotal.WithLabelValues(b.AccountID, "failed").Inc()
		p.record(ctx, log, rc, model.Outcome{Status: model.RecipientFailed, Error: err.Error()})
	case rc.SendAttempts+1 >= p.Config.MaxRetries:
		sendsTotal.WithLabelValues(b.AccountID, "failed").Inc()
		log.Warn().Err(err).Int("attempts", rc.SendAttempts+1).Msg("transient failures exhausted")
		p.record(ctx, log, rc, model.Outcome{Status: model.RecipientFailed, Error: err.Error()})
	default:
		sendsTotal.WithLabelValues(b.AccountID, "retry").Inc()
		p.release(ctx, log, rc, err.Error())
	}
}

func (p *SenderPool) record(ctx context.Context, log zerolog.Logger, rc *model.Recipient, o model.Outcome) bool {
	o.At = p.now()
	c, recorded, err := p.Recipients.Record(ctx, rc.BroadcastID, rc.Seq, o)
	if err != nil {
		log.Error().Err(err).Str("status", string(o.Status)).Msg("record outcome failed")
		return false
	}
	if !recorded {
		log.Warn().Str("status", string(o.Status)).Msg("recipient no longer in flight, outcome dropped")
		return false
	}
	log.Debug().Str("status", string(o.Status)).Str("message_id", o.ProviderMessageID).Msg("recipient done")
	if _, err := p.Service.OnRecipientTerminal(ctx, rc.BroadcastID, c); err != nil {
		log.Error().Err(err).Msg("finalize broadcast failed")
	}
	return true
}

func (p *SenderPool) release(ctx context.Context, log zerolog.Logger, rc *model.Recipient, reason string) {
	delay := p.backoff(rc.SendAttempts)
	released, err := p.Recipients.Release(ctx, rc.BroadcastID, rc.Seq, reason, p.now().Add(delay))
	if err != nil {
		log.Error().Err(err).Msg("release failed")
		return
	}
	if !released {
		// cancelled mid-send: nothing will claim it again, so close it out
		p.record(ctx, log, rc, model.Outcome{Status: model.RecipientSkipped, Error: model.ErrTextCancelled})
		return
	}
	log.Debug().Dur("backoff", delay).Str("reason", reason).Msg("recipient released")
}

// labelContact tags the CRM contact. Failures are logged only.
func (p *SenderPool) labelContact(ctx context.Context, log zerolog.Logger, b *model.Broadcast, rc *model.Recipient) {
	if p.CRM == nil || b.CRMSync == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.CRM.LabelAfterSend(ctx, b, rc); err != nil {
		log.Warn().Err(err).Msg("crm labeling failed")
	}
}
