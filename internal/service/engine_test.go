package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
	"github.com/unclebandit/broadcast-dispatch/internal/provider"
	"github.com/unclebandit/broadcast-dispatch/internal/repository/memory"
)

func TestEngine_ThreeRecipientsEndToEnd(t *testing.T) {
	e := newEngine(t, 2)
	ctx := context.Background()

	res, err := e.svc.Create(ctx, createInput("Launch", "+15550001", "+15550002", "+15550003"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, res.Status)
	assert.Equal(t, 3, res.UniqueCount)

	require.NoError(t, e.sched.Tick(ctx))
	b := e.waitStatus(t, res.ID, model.StatusCompleted)

	assert.Equal(t, 3, b.SentCount)
	assert.Zero(t, b.FailedCount)
	assert.NotNil(t, b.CompletedAt)
	requireCounterInvariant(t, b)

	for _, rc := range recipientsOf(t, e.store, res.ID) {
		assert.Equal(t, model.RecipientSent, rc.Status)
		assert.Equal(t, "wamid."+rc.Phone, rc.ProviderMessageID)
		assert.NotNil(t, rc.SentAt)
	}
	assert.Equal(t, 3, e.sender.total())
}

func TestEngine_RendersPerRecipient(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()

	res, err := e.svc.Create(ctx, createInput("Launch", "+15550001"))
	require.NoError(t, err)
	require.NoError(t, e.sched.Tick(ctx))
	e.waitStatus(t, res.ID, model.StatusCompleted)

	reqs := e.sender.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "pn-1", req.PhoneNumberID)
	require.Len(t, req.Components, 1)
	assert.Equal(t, "ra", req.Components[0].Parameters[0].Text)
	assert.Equal(t, "shoes", req.Components[0].Parameters[1].Text)
}

func TestEngine_NoDoubleSend(t *testing.T) {
	e := newEngine(t, 8)
	ctx := context.Background()

	var phones []string
	for i := 0; i < 60; i++ {
		phones = append(phones, fmt.Sprintf("+1555%04d", i))
	}
	first, err := e.svc.Create(ctx, createInput("Bulk A", phones[:30]...))
	require.NoError(t, err)
	second, err := e.svc.Create(ctx, createInput("Bulk B", phones[30:]...))
	require.NoError(t, err)

	e.sched.Start(ctx)
	e.waitStatus(t, first.ID, model.StatusCompleted)
	e.waitStatus(t, second.ID, model.StatusCompleted)

	calls := e.sender.callsTo()
	assert.Len(t, calls, 60)
	for phone, n := range calls {
		assert.Equal(t, 1, n, "phone %s sent %d times", phone, n)
	}
}

func TestEngine_PauseAndResumeDoesNotResend(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()

	gate := make(chan struct{})
	e.sender.setFn(func(req provider.SendRequest, _ int) (string, error) {
		if req.To == "+15550002" {
			<-gate
		}
		return "wamid." + req.To, nil
	})

	res, err := e.svc.Create(ctx, createInput("Pausable", "+15550001", "+15550002", "+15550003", "+15550004"))
	require.NoError(t, err)
	require.NoError(t, e.sched.Tick(ctx))

	require.Eventually(t, func() bool { return e.sender.total() == 2 }, 2*time.Second, time.Millisecond)
	_, err = e.svc.Pause(ctx, res.ID)
	require.NoError(t, err)
	close(gate)

	// the in-flight send lands while paused, nothing else is claimed
	require.Eventually(t, func() bool {
		b, _ := e.store.GetByID(ctx, res.ID)
		return b.SentCount == 2
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, e.sched.Tick(ctx))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, e.sender.total())

	_, err = e.svc.Resume(ctx, res.ID)
	require.NoError(t, err)
	require.NoError(t, e.sched.Tick(ctx))
	b := e.waitStatus(t, res.ID, model.StatusCompleted)
	assert.Equal(t, 4, b.SentCount)
	for phone, n := range e.sender.callsTo() {
		assert.Equal(t, 1, n, phone)
	}
}

func TestEngine_CancelSkipsPendingAndLetsInFlightLand(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()

	gate := make(chan struct{})
	e.sender.setFn(func(req provider.SendRequest, _ int) (string, error) {
		<-gate
		return "wamid." + req.To, nil
	})

	res, err := e.svc.Create(ctx, createInput("Cancel me", "+15550001", "+15550002", "+15550003", "+15550004", "+15550005"))
	require.NoError(t, err)
	require.NoError(t, e.sched.Tick(ctx))
	require.Eventually(t, func() bool { return e.sender.total() == 1 }, 2*time.Second, time.Millisecond)

	b, err := e.svc.Cancel(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)
	assert.Equal(t, 4, b.SkippedCount)

	close(gate)
	require.Eventually(t, func() bool {
		b, _ = e.store.GetByID(ctx, res.ID)
		return b.SentCount == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, e.sched.Tick(ctx))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, e.sender.total(), "no provider call after cancel")
	b, _ = e.store.GetByID(ctx, res.ID)
	assert.Equal(t, model.StatusCancelled, b.Status)
	assert.Equal(t, b.TotalContacts, b.SentCount+b.FailedCount+b.SkippedCount)

	for _, rc := range recipientsOf(t, e.store, res.ID)[1:] {
		assert.Equal(t, model.RecipientSkipped, rc.Status)
		assert.Equal(t, model.ErrTextCancelled, rc.Error)
	}
}

func TestEngine_CancelDuringTransientSendClosesRecipient(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()

	gate := make(chan struct{})
	e.sender.setFn(func(req provider.SendRequest, _ int) (string, error) {
		<-gate
		return "", appErrors.NewTransient("429", "rate limited", nil)
	})

	res, err := e.svc.Create(ctx, createInput("Cancel mid retry", "+15550001", "+15550002", "+15550003"))
	require.NoError(t, err)
	require.NoError(t, e.sched.Tick(ctx))
	require.Eventually(t, func() bool { return e.sender.total() == 1 }, 2*time.Second, time.Millisecond)

	b, err := e.svc.Cancel(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, b.SkippedCount)

	close(gate)
	require.Eventually(t, func() bool {
		b, _ = e.store.GetByID(ctx, res.ID)
		return b.SkippedCount == 3
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, model.StatusCancelled, b.Status)
	assert.Equal(t, b.TotalContacts, b.SentCount+b.FailedCount+b.SkippedCount)
	first := recipientsOf(t, e.store, res.ID)[0]
	assert.Equal(t, model.RecipientSkipped, first.Status)
	assert.Equal(t, model.ErrTextCancelled, first.Error)
	assert.Equal(t, 1, e.sender.total(), "no resend after cancel")
}

func TestEngine_RetryFailedTouchesOnlyFailed(t *testing.T) {
	e := newEngine(t, 2)
	ctx := context.Background()

	e.sender.setFn(func(req provider.SendRequest, _ int) (string, error) {
		if req.To == "+15550002" || req.To == "+15550003" {
			return "", appErrors.NewPermanent("131026", "not a WhatsApp user", nil)
		}
		return "wamid." + req.To, nil
	})

	res, err := e.svc.Create(ctx, createInput("Retry", "+15550001", "+15550002", "+15550003"))
	require.NoError(t, err)
	require.NoError(t, e.sched.Tick(ctx))
	b := e.waitStatus(t, res.ID, model.StatusCompleted)
	assert.Equal(t, 1, b.SentCount)
	assert.Equal(t, 2, b.FailedCount)

	var sentBefore model.Recipient
	for _, rc := range recipientsOf(t, e.store, res.ID) {
		if rc.Status == model.RecipientSent {
			sentBefore = rc
		}
	}
	require.Equal(t, "+15550001", sentBefore.Phone)

	e.sender.setFn(nil)
	b, err = e.svc.RetryFailed(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, b.Status)
	assert.Zero(t, b.FailedCount)
	assert.Nil(t, b.CompletedAt)

	require.NoError(t, e.sched.Tick(ctx))
	b = e.waitStatus(t, res.ID, model.StatusCompleted)
	assert.Equal(t, 3, b.SentCount)
	requireCounterInvariant(t, b)

	calls := e.sender.callsTo()
	assert.Equal(t, 1, calls["+15550001"], "sent recipient is never resent")
	assert.Equal(t, 2, calls["+15550002"])
	assert.Equal(t, 2, calls["+15550003"])

	sentAfter := recipientsOf(t, e.store, res.ID)[sentBefore.Seq]
	assert.Equal(t, sentBefore, sentAfter, "sent recipient is left untouched")

	_, err = e.svc.RetryFailed(ctx, res.ID)
	assert.ErrorIs(t, err, appErrors.ErrNothingToRetry)
}

func TestEngine_AllFailedEndsFailed(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	e.sender.setFn(func(provider.SendRequest, int) (string, error) {
		return "", appErrors.NewPermanent("132000", "param mismatch", nil)
	})

	res, err := e.svc.Create(ctx, createInput("Doomed", "+15550001", "+15550002"))
	require.NoError(t, err)
	require.NoError(t, e.sched.Tick(ctx))
	b := e.waitStatus(t, res.ID, model.StatusFailed)
	assert.Equal(t, 2, b.FailedCount)

	for _, rc := range recipientsOf(t, e.store, res.ID) {
		assert.Contains(t, rc.Error, "param mismatch")
	}
}

func TestEngine_TransientFailureBacksOff(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	e.sender.setFn(func(req provider.SendRequest, attempt int) (string, error) {
		if req.To == "+15550001" && attempt == 1 {
			return "", appErrors.NewTransient("130429", "throughput limit", nil)
		}
		if req.To == "+15550002" {
			return "", appErrors.NewTransient("", "HTTP 503", nil)
		}
		return "wamid." + req.To, nil
	})

	res, err := e.svc.Create(ctx, createInput("Flaky", "+15550001", "+15550002"))
	require.NoError(t, err)
	e.sched.Start(ctx)
	b := e.waitStatus(t, res.ID, model.StatusCompleted)

	assert.Equal(t, 1, b.SentCount)
	assert.Equal(t, 1, b.FailedCount)
	calls := e.sender.callsTo()
	assert.Equal(t, 2, calls["+15550001"])
	assert.Equal(t, 3, calls["+15550002"], "gives up after max retries")

	logs := recipientsOf(t, e.store, res.ID)
	assert.Equal(t, 1, logs[0].SendAttempts)
	assert.Equal(t, model.RecipientFailed, logs[1].Status)
	assert.Contains(t, logs[1].Error, "HTTP 503")
}

func TestEngine_PanicReleasesRecipient(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	e.sender.setFn(func(req provider.SendRequest, attempt int) (string, error) {
		if attempt == 1 {
			panic("boom")
		}
		return "wamid." + req.To, nil
	})

	res, err := e.svc.Create(ctx, createInput("Panicky", "+15550001"))
	require.NoError(t, err)
	e.sched.Start(ctx)
	b := e.waitStatus(t, res.ID, model.StatusCompleted)
	assert.Equal(t, 1, b.SentCount)
	assert.Equal(t, 2, e.sender.total())
}

func TestEngine_PromoDedup(t *testing.T) {
	e := newEngine(t, 2)
	ctx := context.Background()

	first, err := e.svc.Create(ctx, createInput("Promo", "+15550001", "+15550002"))
	require.NoError(t, err)
	require.NoError(t, e.sched.Tick(ctx))
	e.waitStatus(t, first.ID, model.StatusCompleted)

	report, err := e.svc.CheckDuplicates(ctx, "Promo", []string{"+15550001", "+15550003", "+15550003"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.DuplicateCount)
	assert.Equal(t, []string{"+15550003"}, report.Unique)

	in := createInput("Promo", "+15550001", "+15550003")
	in.DedupEnabled = true
	second, err := e.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, second.DuplicateCount)
	assert.Equal(t, 1, second.UniqueCount)

	require.NoError(t, e.sched.Tick(ctx))
	b := e.waitStatus(t, second.ID, model.StatusCompleted)
	assert.Equal(t, 1, b.SentCount)
	assert.Equal(t, 1, b.SkippedCount)
	logs := recipientsOf(t, e.store, second.ID)
	assert.Equal(t, model.RecipientSkipped, logs[0].Status)
	assert.Equal(t, model.ErrTextDuplicate, logs[0].Error)

	// a different name never collides
	other := createInput("Newsletter", "+15550001")
	other.DedupEnabled = true
	third, err := e.svc.Create(ctx, other)
	require.NoError(t, err)
	assert.Zero(t, third.DuplicateCount)

	assert.Equal(t, 1, e.sender.callsTo()["+15550001"])
}

func TestEngine_AllDuplicatesCompleteWithoutSending(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()

	first, err := e.svc.Create(ctx, createInput("Promo", "+15550001"))
	require.NoError(t, err)
	require.NoError(t, e.sched.Tick(ctx))
	e.waitStatus(t, first.ID, model.StatusCompleted)

	in := createInput("Promo", "+15550001", "+1 555 0001")
	in.DedupEnabled = true
	res, err := e.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.DuplicateCount)
	assert.Equal(t, 1, e.sender.total())
}

func TestScheduler_TimeWindowAutoPauseAndResume(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	clock := newFakeClock(time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC))
	svc.Now = clock.Now
	sched := NewScheduler(svc, nil, nil, time.Second, svc.Log)
	ctx := context.Background()

	in := createInput("Windowed", "+15550001")
	in.TimeWindow = &model.TimeWindow{Start: "09:00", End: "18:00"}
	res, err := svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, res.Status)

	status := func() (model.BroadcastStatus, model.PauseReason) {
		b, err := store.GetByID(ctx, res.ID)
		require.NoError(t, err)
		return b.Status, b.PauseReason
	}

	clock.Set(time.Date(2026, 3, 2, 17, 59, 59, 0, time.UTC))
	require.NoError(t, sched.Tick(ctx))
	st, _ := status()
	assert.Equal(t, model.StatusProcessing, st)

	clock.Set(time.Date(2026, 3, 2, 18, 0, 1, 0, time.UTC))
	require.NoError(t, sched.Tick(ctx))
	st, reason := status()
	assert.Equal(t, model.StatusPaused, st)
	assert.Equal(t, model.PauseOutsideWindow, reason)

	_, err = svc.Resume(ctx, res.ID)
	var ce *appErrors.ConflictError
	require.ErrorAs(t, err, &ce)

	clock.Set(time.Date(2026, 3, 3, 8, 59, 59, 0, time.UTC))
	require.NoError(t, sched.Tick(ctx))
	st, _ = status()
	assert.Equal(t, model.StatusPaused, st)

	clock.Set(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))
	require.NoError(t, sched.Tick(ctx))
	st, reason = status()
	assert.Equal(t, model.StatusProcessing, st)
	assert.Equal(t, model.PauseNone, reason)
}

func TestScheduler_ManualPauseIsNeverAutoResumed(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	clock := newFakeClock(time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC))
	svc.Now = clock.Now
	sched := NewScheduler(svc, nil, nil, time.Second, svc.Log)
	ctx := context.Background()

	in := createInput("Windowed", "+15550001")
	in.TimeWindow = &model.TimeWindow{Start: "09:00", End: "18:00"}
	res, err := svc.Create(ctx, in)
	require.NoError(t, err)

	clock.Set(time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC))
	require.NoError(t, sched.Tick(ctx))

	// pausing a window pause turns it into a manual one
	b, err := svc.Pause(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PauseManual, b.PauseReason)

	clock.Set(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC))
	require.NoError(t, sched.Tick(ctx))
	b, _ = store.GetByID(ctx, res.ID)
	assert.Equal(t, model.StatusPaused, b.Status)

	b, err = svc.Resume(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, b.Status)
}

func TestScheduler_AdmitsWhenScheduleReached(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	clock := newFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	svc.Now = clock.Now
	sched := NewScheduler(svc, nil, nil, time.Second, svc.Log)
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	in := createInput("Later", "+15550001")
	in.ScheduledAt = &at
	res, err := svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, res.Status)

	clock.Set(at.Add(-time.Second))
	require.NoError(t, sched.Tick(ctx))
	b, _ := store.GetByID(ctx, res.ID)
	assert.Equal(t, model.StatusScheduled, b.Status)

	clock.Set(at)
	require.NoError(t, sched.Tick(ctx))
	b, _ = store.GetByID(ctx, res.ID)
	assert.Equal(t, model.StatusProcessing, b.Status)
}

func TestScheduler_WindowUsesConfiguredTimezone(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	store := memory.New()
	svc := newTestService(store)
	svc.Location = loc
	// 11:00 UTC is 08:00 in Sao Paulo, before the window opens
	clock := newFakeClock(time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC))
	svc.Now = clock.Now
	sched := NewScheduler(svc, nil, nil, time.Second, svc.Log)
	ctx := context.Background()

	in := createInput("Local", "+15550001")
	in.TimeWindow = &model.TimeWindow{Start: "09:00", End: "18:00"}
	res, err := svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, res.Status)

	clock.Set(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, sched.Tick(ctx))
	b, _ := store.GetByID(ctx, res.ID)
	assert.Equal(t, model.StatusProcessing, b.Status)
}

func TestStaleClaimRecovery(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	clock := newFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	svc.Now = clock.Now
	ctx := context.Background()

	res, err := svc.Create(ctx, createInput("Crashy", "+15550001"))
	require.NoError(t, err)
	rc, err := store.ClaimNext(ctx, res.ID, "dead-worker", clock.Now())
	require.NoError(t, err)
	require.NotNil(t, rc)

	rec := NewStaleClaimRecovery(store, svc, 5*time.Minute, svc.Log)

	clock.Set(clock.Now().Add(4 * time.Minute))
	n, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Set(clock.Now().Add(2 * time.Minute))
	n, err = rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, _ := store.GetByID(ctx, res.ID)
	assert.Equal(t, model.StatusFailed, b.Status)
	logs := recipientsOf(t, store, res.ID)
	assert.Equal(t, model.ErrTextOutcomeUnknown, logs[0].Error)
}

func TestSenderPool_Backoff(t *testing.T) {
	p := &SenderPool{Config: PoolConfig{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}}
	assert.Equal(t, 100*time.Millisecond, p.backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.backoff(3))
	assert.Equal(t, time.Second, p.backoff(4))
	assert.Equal(t, time.Second, p.backoff(30))
}

func TestAccountPool_RoundRobin(t *testing.T) {
	p := &SenderPool{Config: PoolConfig{WorkersPerAccount: 1}}
	a := newAccountPool("acc-1", p)
	a.offer(model.Ref{BroadcastID: 1})
	a.offer(model.Ref{BroadcastID: 2})
	a.offer(model.Ref{BroadcastID: 1})

	var order []int64
	for i := 0; i < 4; i++ {
		ref, ok := a.pick()
		require.True(t, ok)
		order = append(order, ref.BroadcastID)
	}
	assert.Equal(t, []int64{1, 2, 1, 2}, order)

	a.drop(1)
	ref, _ := a.pick()
	assert.Equal(t, int64(2), ref.BroadcastID)
	a.drop(2)
	_, ok := a.pick()
	assert.False(t, ok)
}
