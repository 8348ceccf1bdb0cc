package model

// BroadcastStatus is the lifecycle state of a broadcast.
type BroadcastStatus string

const (
	StatusPending    BroadcastStatus = "pending"
	StatusScheduled  BroadcastStatus = "scheduled"
	StatusProcessing BroadcastStatus = "processing"
	StatusPaused     BroadcastStatus = "paused"
	StatusCompleted  BroadcastStatus = "completed"
	StatusFailed     BroadcastStatus = "failed"
	StatusCancelled  BroadcastStatus = "cancelled"
)

// PauseReason records who paused a broadcast.
type PauseReason string

const (
	PauseNone          PauseReason = ""
	PauseManual        PauseReason = "manual"
	PauseOutsideWindow PauseReason = "outside_window"
)

// transitions is the complete lifecycle table. Anything not listed is rejected.
var transitions = map[BroadcastStatus][]BroadcastStatus{
	StatusPending:    {StatusScheduled, StatusProcessing, StatusCancelled},
	StatusScheduled:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// Valid reports whether s is one of the known statuses.
func (s BroadcastStatus) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusProcessing, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal is true for completed, failed and cancelled.
func (s BroadcastStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is in the lifecycle table.
func CanTransition(from, to BroadcastStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status that may move to `to`.
func SourcesFor(to BroadcastStatus) []BroadcastStatus {
	var out []BroadcastStatus
	for _, from := range []BroadcastStatus{
		StatusPending, StatusScheduled, StatusProcessing, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Counters is a snapshot of a broadcast's per-recipient bookkeeping.
type Counters struct {
	Total   int             `json:"total_contacts"`
	Sent    int             `json:"sent_count"`
	Failed  int             `json:"failed_count"`
	Skipped int             `json:"skipped_count"`
	Status  BroadcastStatus `json:"status"`
}

// Done is the number of recipients in a terminal recipient state.
func (c Counters) Done() int { return c.Sent + c.Failed + c.Skipped }

// Finished is true once every recipient reached sent, failed or skipped.
func (c Counters) Finished() bool { return c.Total > 0 && c.Done() >= c.Total }

// TerminalStatus decides the broadcast outcome once all recipients are done.
// A broadcast only fails when nothing was sent and something failed; partial
// success is completed with a non-zero failed count.
func TerminalStatus(c Counters) BroadcastStatus {
	if c.Sent == 0 && c.Failed > 0 {
		return StatusFailed
	}
	return StatusCompleted
}

// RecipientStatus is the delivery state of one recipient.
type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientInFlight RecipientStatus = "in_flight"
	RecipientSent     RecipientStatus = "sent"
	RecipientFailed   RecipientStatus = "failed"
	RecipientSkipped  RecipientStatus = "skipped"
)

// IsTerminal is true for sent, failed and skipped.
func (s RecipientStatus) IsTerminal() bool {
	return s == RecipientSent || s == RecipientFailed || s == RecipientSkipped
}

// Valid reports whether s is a known recipient status.
func (s RecipientStatus) Valid() bool {
	switch s {
	case RecipientPending, RecipientInFlight, RecipientSent, RecipientFailed, RecipientSkipped:
		return true
	}
	return false
}
