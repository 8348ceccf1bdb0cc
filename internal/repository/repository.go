package repository

import (
	"context"
	"time"

	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

// BroadcastRepositoryInterface owns broadcast rows and their lifecycle columns.
type BroadcastRepositoryInterface interface {
	// Create inserts the broadcast and all its recipients atomically. Recipients
	// already marked skipped count towards skipped_count.
	Create(ctx context.Context, b *model.Broadcast, recipients []model.Recipient) error
	GetByID(ctx context.Context, id int64) (*model.Broadcast, error)
	List(ctx context.Context, offset, limit int, status string) ([]*model.Broadcast, int, error)
	// ListActive returns pending, scheduled, processing and paused broadcasts ordered by id.
	ListActive(ctx context.Context) ([]*model.Broadcast, error)
	// ApplyTransition is a compare-and-set on status. It reports whether the
	// row matched the guard.
	ApplyTransition(ctx context.Context, t Transition) (bool, error)
	// Cancel moves the broadcast to cancelled and skips every pending
	// recipient in one transaction.
	Cancel(ctx context.Context, id int64, from []model.BroadcastStatus, at time.Time) (skipped int, ok bool, err error)
	// RetryFailed resets retryable failed recipients to pending and reopens
	// the broadcast. ok is false when the broadcast was not completed/failed.
	RetryFailed(ctx context.Context, id int64, maxRetries int, at time.Time) (reset int, ok bool, err error)
	// Delete removes a terminal broadcast. ok is false when it is not terminal.
	Delete(ctx context.Context, id int64) (ok bool, err error)
	Analytics(ctx context.Context) (*model.Analytics, error)
}

// RecipientRepositoryInterface is the recipient ledger.
type RecipientRepositoryInterface interface {
	// ClaimNext marks the lowest-seq eligible pending recipient of a
	// processing broadcast in_flight. Returns nil when there is none.
	ClaimNext(ctx context.Context, broadcastID int64, workerID string, now time.Time) (*model.Recipient, error)
	// Record moves an in_flight recipient to a terminal status and bumps the
	// matching broadcast counter. recorded is false when the recipient was not
	// in_flight.
	Record(ctx context.Context, broadcastID int64, seq int, o model.Outcome) (c model.Counters, recorded bool, err error)
	// Release hands an in_flight recipient back to pending after a transient
	// failure, counting the attempt. released is false when the broadcast was
	// cancelled or the recipient is no longer in_flight; the row is untouched.
	Release(ctx context.Context, broadcastID int64, seq int, errText string, nextAttemptAt time.Time) (released bool, err error)
	ListLogs(ctx context.Context, broadcastID int64, status string, offset, limit int) ([]model.Recipient, int, error)
	// RecoverStale fails recipients stuck in_flight since before olderThan.
	RecoverStale(ctx context.Context, olderThan time.Time) ([]StaleRecovery, error)
}

// DedupRepositoryInterface answers "was this phone already reached by a
// broadcast with this name".
type DedupRepositoryInterface interface {
	SentPhones(ctx context.Context, name string, phones []string, excludeBroadcastID int64) (map[string]bool, error)
}

// Transition describes a guarded status change.
type Transition struct {
	ID   int64
	From []model.BroadcastStatus
	// FromReason additionally requires the current pause reason.
	FromReason *model.PauseReason
	To         model.BroadcastStatus
	Reason     model.PauseReason
	// RequireFinished only matches when every recipient is terminal.
	RequireFinished bool
	At              time.Time
}

// StaleRecovery reports recipients failed by RecoverStale for one broadcast.
type StaleRecovery struct {
	BroadcastID int64
	Recovered   int
	Counters    model.Counters
}

func statusStrings(in []model.BroadcastStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
