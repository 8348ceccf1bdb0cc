// Package memory is an in-process implementation of the broadcast and
// recipient repositories, used in development mode and by engine tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
	"github.com/unclebandit/broadcast-dispatch/internal/repository"
)

type entry struct {
	b          model.Broadcast
	recipients []model.Recipient
}

// Store keeps every broadcast and its recipient arena behind one mutex.
type Store struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*entry
	now    func() time.Time
}

func New() *Store {
	return &Store{rows: map[int64]*entry{}, now: func() time.Time { return time.Now().UTC() }}
}

// ====================== Broadcasts ======================

func (s *Store) Create(_ context.Context, b *model.Broadcast, recipients []model.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	b.ID = s.nextID
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	if b.Status == "" {
		b.Status = model.StatusPending
	}
	b.TotalContacts = len(recipients)
	b.SentCount, b.FailedCount, b.SkippedCount = 0, 0, 0

	arena := make([]model.Recipient, len(recipients))
	for i := range recipients {
		rc := &recipients[i]
		rc.BroadcastID = b.ID
		rc.Seq = i
		if rc.Status == "" {
			rc.Status = model.RecipientPending
		}
		if rc.Status == model.RecipientSkipped {
			b.SkippedCount++
		}
		rc.CreatedAt, rc.UpdatedAt = b.CreatedAt, b.CreatedAt
		arena[i] = copyRecipient(*rc)
	}
	s.rows[b.ID] = &entry{b: copyBroadcast(*b), recipients: arena}
	return nil
}

func (s *Store) GetByID(_ context.Context, id int64) (*model.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return nil, appErrors.NewNotFound(id)
	}
	b := copyBroadcast(e.b)
	return &b, nil
}

func (s *Store) List(_ context.Context, offset, limit int, status string) ([]*model.Broadcast, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.sortedIDs()
	// newest first, like the SQL implementation
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var matched []*model.Broadcast
	for _, id := range ids {
		e := s.rows[id]
		if status != "" && string(e.b.Status) != status {
			continue
		}
		b := copyBroadcast(e.b)
		matched = append(matched, &b)
	}
	total := len(matched)
	if offset >= total {
		return []*model.Broadcast{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *Store) ListActive(_ context.Context) ([]*model.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Broadcast
	for _, id := range s.sortedIDs() {
		e := s.rows[id]
		if e.b.Status.IsTerminal() {
			continue
		}
		b := copyBroadcast(e.b)
		out = append(out, &b)
	}
	return out, nil
}

func (s *Store) ApplyTransition(_ context.Context, t repository.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[t.ID]
	if !ok || !hasStatus(t.From, e.b.Status) {
		return false, nil
	}
	if t.FromReason != nil && e.b.PauseReason != *t.FromReason {
		return false, nil
	}
	if t.RequireFinished && e.b.Counters().Done() < e.b.TotalContacts {
		return false, nil
	}
	e.b.Status = t.To
	e.b.PauseReason = t.Reason
	at := t.At
	e.b.UpdatedAt = &at
	if t.To.IsTerminal() {
		e.b.CompletedAt = &at
	} else {
		e.b.CompletedAt = nil
	}
	return true, nil
}

func (s *Store) Cancel(_ context.Context, id int64, from []model.BroadcastStatus, at time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok || !hasStatus(from, e.b.Status) {
		return 0, false, nil
	}
	e.b.Status = model.StatusCancelled
	e.b.PauseReason = model.PauseNone
	e.b.CompletedAt = &at
	e.b.UpdatedAt = &at

	skipped := 0
	for i := range e.recipients {
		rc := &e.recipients[i]
		if rc.Status != model.RecipientPending {
			continue
		}
		rc.Status = model.RecipientSkipped
		rc.Error = model.ErrTextCancelled
		rc.UpdatedAt = at
		skipped++
	}
	e.b.SkippedCount += skipped
	return skipped, true, nil
}

func (s *Store) RetryFailed(_ context.Context, id int64, maxRetries int, at time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return 0, false, appErrors.NewNotFound(id)
	}
	if e.b.Status != model.StatusCompleted && e.b.Status != model.StatusFailed {
		return 0, false, nil
	}

	reset := 0
	for i := range e.recipients {
		rc := &e.recipients[i]
		if rc.Status != model.RecipientFailed || rc.RetryAttempts >= maxRetries {
			continue
		}
		rc.Status = model.RecipientPending
		rc.Error = ""
		rc.RetryAttempts++
		rc.SendAttempts = 0
		rc.NextAttemptAt = nil
		rc.UpdatedAt = at
		reset++
	}
	if reset == 0 {
		return 0, true, nil
	}
	e.b.FailedCount -= reset
	e.b.Status = model.StatusProcessing
	e.b.PauseReason = model.PauseNone
	e.b.CompletedAt = nil
	e.b.UpdatedAt = &at
	return reset, true, nil
}

func (s *Store) Delete(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok || !e.b.Status.IsTerminal() {
		return false, nil
	}
	delete(s.rows, id)
	return true, nil
}

func (s *Store) Analytics(_ context.Context) (*model.Analytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &model.Analytics{ByStatus: map[string]int{}}
	for _, e := range s.rows {
		a.Broadcasts++
		a.ByStatus[string(e.b.Status)]++
		a.Total += e.b.TotalContacts
		a.Sent += e.b.SentCount
		a.Failed += e.b.FailedCount
		a.Skipped += e.b.SkippedCount
	}
	a.ComputeSuccessRate()
	return a, nil
}

// ====================== Ledger ======================

func (s *Store) ClaimNext(_ context.Context, broadcastID int64, workerID string, now time.Time) (*model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[broadcastID]
	if !ok || e.b.Status != model.StatusProcessing {
		return nil, nil
	}
	for i := range e.recipients {
		rc := &e.recipients[i]
		if rc.Status != model.RecipientPending {
			continue
		}
		if rc.NextAttemptAt != nil && rc.NextAttemptAt.After(now) {
			continue
		}
		rc.Status = model.RecipientInFlight
		rc.ClaimedBy = workerID
		claimed := now
		rc.ClaimedAt = &claimed
		rc.UpdatedAt = now
		out := copyRecipient(*rc)
		return &out, nil
	}
	return nil, nil
}

func (s *Store) Record(_ context.Context, broadcastID int64, seq int, o model.Outcome) (model.Counters, bool, error) {
	if !o.Status.IsTerminal() {
		return model.Counters{}, false, appErrors.NewValidation("status", "%q is not terminal", o.Status)
	}
	if o.At.IsZero() {
		o.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := s.recipient(broadcastID, seq)
	if rc == nil || rc.Status != model.RecipientInFlight {
		return model.Counters{}, false, nil
	}
	rc.Status = o.Status
	rc.Error = o.Error
	rc.ProviderMessageID = o.ProviderMessageID
	if o.Status == model.RecipientSent {
		at := o.At
		rc.SentAt = &at
	}
	rc.ClaimedBy, rc.ClaimedAt, rc.NextAttemptAt = "", nil, nil
	rc.UpdatedAt = o.At

	b := &s.rows[broadcastID].b
	switch o.Status {
	case model.RecipientSent:
		b.SentCount++
	case model.RecipientFailed:
		b.FailedCount++
	case model.RecipientSkipped:
		b.SkippedCount++
	}
	at := o.At
	b.UpdatedAt = &at
	return b.Counters(), true, nil
}

func (s *Store) Release(_ context.Context, broadcastID int64, seq int, errText string, nextAttemptAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[broadcastID]
	if !ok || e.b.Status == model.StatusCancelled {
		return false, nil
	}
	rc := s.recipient(broadcastID, seq)
	if rc == nil || rc.Status != model.RecipientInFlight {
		return false, nil
	}
	rc.Status = model.RecipientPending
	rc.Error = errText
	rc.SendAttempts++
	next := nextAttemptAt
	rc.NextAttemptAt = &next
	rc.ClaimedBy, rc.ClaimedAt = "", nil
	rc.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) ListLogs(_ context.Context, broadcastID int64, status string, offset, limit int) ([]model.Recipient, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[broadcastID]
	if !ok {
		return []model.Recipient{}, 0, nil
	}
	var matched []model.Recipient
	for _, rc := range e.recipients {
		if status != "" && string(rc.Status) != status {
			continue
		}
		matched = append(matched, copyRecipient(rc))
	}
	total := len(matched)
	if offset >= total {
		return []model.Recipient{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *Store) RecoverStale(_ context.Context, olderThan time.Time) ([]repository.StaleRecovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.StaleRecovery
	for _, id := range s.sortedIDs() {
		e := s.rows[id]
		n := 0
		for i := range e.recipients {
			rc := &e.recipients[i]
			if rc.Status != model.RecipientInFlight || rc.ClaimedAt == nil || !rc.ClaimedAt.Before(olderThan) {
				continue
			}
			rc.Status = model.RecipientFailed
			rc.Error = model.ErrTextOutcomeUnknown
			rc.ClaimedBy, rc.ClaimedAt = "", nil
			rc.UpdatedAt = s.now()
			n++
		}
		if n == 0 {
			continue
		}
		e.b.FailedCount += n
		out = append(out, repository.StaleRecovery{BroadcastID: id, Recovered: n, Counters: e.b.Counters()})
	}
	return out, nil
}

func (s *Store) SentPhones(_ context.Context, name string, phones []string, excludeBroadcastID int64) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(phones))
	for _, p := range phones {
		want[p] = true
	}
	seen := map[string]bool{}
	for id, e := range s.rows {
		if id == excludeBroadcastID || e.b.Name != name {
			continue
		}
		for _, rc := range e.recipients {
			if rc.Status == model.RecipientSent && want[rc.Phone] {
				seen[rc.Phone] = true
			}
		}
	}
	return seen, nil
}

// ====================== helpers ======================

func (s *Store) recipient(broadcastID int64, seq int) *model.Recipient {
	e, ok := s.rows[broadcastID]
	if !ok || seq < 0 || seq >= len(e.recipients) {
		return nil
	}
	return &e.recipients[seq]
}

func (s *Store) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func hasStatus(set []model.BroadcastStatus, s model.BroadcastStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func copyBroadcast(b model.Broadcast) model.Broadcast {
	if b.VariableMappings != nil {
		b.VariableMappings = append([]model.VariableMapping(nil), b.VariableMappings...)
	}
	return b
}

func copyRecipient(rc model.Recipient) model.Recipient {
	if rc.Fields != nil {
		f := make(map[string]string, len(rc.Fields))
		for k, v := range rc.Fields {
			f[k] = v
		}
		rc.Fields = f
	}
	return rc
}

var (
	_ repository.BroadcastRepositoryInterface = (*Store)(nil)
	_ repository.RecipientRepositoryInterface = (*Store)(nil)
	_ repository.DedupRepositoryInterface     = (*Store)(nil)
)
