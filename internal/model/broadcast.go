// internal/model/broadcast.go
package model

import "time"

const (
	ModeBulk   = "bulk"
	ModeSingle = "single"
)

type Broadcast struct {
	ID               int64             `db:"id" json:"id"`
	Name             string            `db:"name" json:"name"`
	AccountID        string            `db:"account_id" json:"account_id"`
	PhoneNumberID    string            `db:"phone_number_id" json:"phone_number_id"`
	TemplateName     string            `db:"template_name" json:"template_name"`
	TemplateLanguage string            `db:"template_language" json:"template_language"`
	TemplateCategory string            `db:"template_category" json:"template_category"`
	Template         *Template         `db:"template" json:"template,omitempty"`
	Status           BroadcastStatus   `db:"status" json:"status"`
	PauseReason      PauseReason       `db:"pause_reason" json:"pause_reason,omitempty"`
	Mode             string            `db:"mode" json:"mode"`
	TotalContacts    int               `db:"total_contacts" json:"total_contacts"`
	SentCount        int               `db:"sent_count" json:"sent_count"`
	FailedCount      int               `db:"failed_count" json:"failed_count"`
	SkippedCount     int               `db:"skipped_count" json:"skipped_count"`
	ScheduledAt      *time.Time        `db:"scheduled_at" json:"scheduled_at,omitempty"`
	TimeWindow       *TimeWindow       `db:"time_window" json:"time_window,omitempty"`
	DedupEnabled     bool              `db:"dedup_enabled" json:"dedup_enabled"`
	VariableMappings []VariableMapping `db:"variable_mappings" json:"variable_mappings"`
	HeaderMedia      *HeaderMedia      `db:"header_media" json:"header_media,omitempty"`
	CRMSync          *CRMSyncOptions   `db:"crm_sync" json:"crm_sync,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        *time.Time        `db:"updated_at" json:"updated_at,omitempty"`
	CompletedAt      *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}

// Counters returns the bookkeeping snapshot of the broadcast.
func (b *Broadcast) Counters() Counters {
	return Counters{
		Total:   b.TotalContacts,
		Sent:    b.SentCount,
		Failed:  b.FailedCount,
		Skipped: b.SkippedCount,
		Status:  b.Status,
	}
}

// Ref is the slice of a broadcast the sender pool needs while dispatching.
type Ref struct {
	BroadcastID   int64
	AccountID     string
	PhoneNumberID string
	Broadcast     *Broadcast
}

// CRMSyncOptions controls optional Chatwoot contact synchronization.
type CRMSyncOptions struct {
	IntegrationID string   `json:"integration_id"`
	CreateMissing bool     `json:"create_missing"`
	Labels        []string `json:"labels,omitempty"`
}

// BroadcastEvent is published on the event bus after lifecycle changes.
type BroadcastEvent struct {
	Type        string          `json:"type"`
	BroadcastID int64           `json:"broadcast_id"`
	Status      BroadcastStatus `json:"status"`
	At          time.Time       `json:"at"`
}

const (
	EventCreated   = "broadcast.created"
	EventAdmitted  = "broadcast.admitted"
	EventPaused    = "broadcast.paused"
	EventResumed   = "broadcast.resumed"
	EventCancelled = "broadcast.cancelled"
	EventRetried   = "broadcast.retried"
	EventCompleted = "broadcast.completed"
	EventFailed    = "broadcast.failed"
)

// Analytics aggregates counters over every broadcast.
type Analytics struct {
	Broadcasts  int            `json:"broadcasts"`
	Total       int            `json:"total_contacts"`
	Sent        int            `json:"sent"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	SuccessRate float64        `json:"success_rate"`
	ByStatus    map[string]int `json:"by_status"`
}

// ComputeSuccessRate fills SuccessRate as a percentage of attempted sends.
func (a *Analytics) ComputeSuccessRate() {
	attempted := a.Sent + a.Failed
	if attempted == 0 {
		a.SuccessRate = 0
		return
	}
	a.SuccessRate = float64(a.Sent) * 100 / float64(attempted)
}
