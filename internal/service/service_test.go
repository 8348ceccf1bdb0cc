package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/broadcast-dispatch/internal/model"
	"github.com/unclebandit/broadcast-dispatch/internal/provider"
	"github.com/unclebandit/broadcast-dispatch/internal/ratelimit"
	"github.com/unclebandit/broadcast-dispatch/internal/repository/memory"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// scriptedSender lets a test decide the outcome of every send.
type scriptedSender struct {
	mu    sync.Mutex
	calls []provider.SendRequest
	fn    func(req provider.SendRequest, attempt int) (string, error)
}

func (s *scriptedSender) Send(ctx context.Context, req provider.SendRequest) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	attempt := 0
	for _, c := range s.calls {
		if c.To == req.To {
			attempt++
		}
	}
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return "wamid." + req.To, nil
	}
	return fn(req, attempt)
}

func (s *scriptedSender) setFn(fn func(req provider.SendRequest, attempt int) (string, error)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *scriptedSender) callsTo() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, c := range s.calls {
		out[c.To]++
	}
	return out
}

func (s *scriptedSender) requests() []provider.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.SendRequest(nil), s.calls...)
}

func (s *scriptedSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func promoTemplate() *model.Template {
	return &model.Template{
		Name: "promo", Language: "en", Category: "MARKETING",
		Components: []model.TemplateComponent{{Type: "BODY", Text: "Hi {{1}}, {{2}} is on sale"}},
	}
}

func promoMappings() []model.VariableMapping {
	return []model.VariableMapping{
		{PlaceholderIndex: 1, ComponentType: "BODY", Source: model.SourceCSVColumn, Value: "name"},
		{PlaceholderIndex: 2, ComponentType: "BODY", Source: model.SourceLiteral, Value: "shoes"},
	}
}

func createInput(name string, phones ...string) CreateInput {
	in := CreateInput{
		Name:             name,
		AccountID:        "acc-1",
		PhoneNumberID:    "pn-1",
		TemplateName:     "promo",
		TemplateLanguage: "en",
		Template:         promoTemplate(),
		VariableMappings: promoMappings(),
	}
	for i, p := range phones {
		in.Recipients = append(in.Recipients, model.RecipientInput{Name: "r" + string(rune('a'+i)), Phone: p})
	}
	return in
}

func newTestService(store *memory.Store) *BroadcastService {
	return &BroadcastService{
		Broadcasts: store,
		Recipients: store,
		Dedup:      &DedupService{Repo: store},
		MaxRetries: 3,
		Log:        zerolog.Nop(),
	}
}

// engine wires a service, a running sender pool and a fast scheduler over
// one memory store.
type engine struct {
	store  *memory.Store
	svc    *BroadcastService
	pool   *SenderPool
	sched  *Scheduler
	sender *scriptedSender
}

func newEngine(t *testing.T, workers int) *engine {
	t.Helper()
	store := memory.New()
	svc := newTestService(store)
	sender := &scriptedSender{}
	limiter := ratelimit.NewLocal(func(string, string) (float64, int) { return 1000, 100 })
	pool := NewSenderPool(store, svc, sender, limiter, PoolConfig{
		WorkersPerAccount: workers,
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		ProviderTimeout:   time.Second,
		IdleInterval:      5 * time.Millisecond,
	}, zerolog.Nop())
	sched := NewScheduler(svc, pool, nil, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		sched.Stop()
		cancel()
		pool.Stop()
	})
	return &engine{store: store, svc: svc, pool: pool, sched: sched, sender: sender}
}

func (e *engine) waitStatus(t *testing.T, id int64, want model.BroadcastStatus) *model.Broadcast {
	t.Helper()
	var b *model.Broadcast
	require.Eventually(t, func() bool {
		var err error
		b, err = e.store.GetByID(context.Background(), id)
		return err == nil && b.Status == want
	}, 5*time.Second, 5*time.Millisecond, "broadcast %d never reached %s", id, want)
	return b
}

func recipientsOf(t *testing.T, store *memory.Store, id int64) []model.Recipient {
	t.Helper()
	logs, _, err := store.ListLogs(context.Background(), id, "", 0, 0)
	require.NoError(t, err)
	return logs
}

func requireCounterInvariant(t *testing.T, b *model.Broadcast) {
	t.Helper()
	done := b.SentCount + b.FailedCount + b.SkippedCount
	require.LessOrEqual(t, done, b.TotalContacts)
	if b.Status == model.StatusCompleted || b.Status == model.StatusFailed {
		require.Equal(t, b.TotalContacts, done)
	}
}
