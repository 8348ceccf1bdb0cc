// internal/model/recipient.go
package model

import (
	"strings"
	"time"
)

type Recipient struct {
	BroadcastID       int64             `db:"broadcast_id" json:"broadcast_id"`
	Seq               int               `db:"seq" json:"seq"`
	Name              string            `db:"name" json:"name"`
	Phone             string            `db:"phone" json:"phone"`
	Fields            map[string]string `db:"fields" json:"fields,omitempty"`
	Status            RecipientStatus   `db:"status" json:"status"`
	Error             string            `db:"error" json:"error,omitempty"`
	ProviderMessageID string            `db:"provider_message_id" json:"provider_message_id,omitempty"`
	SentAt            *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	RetryAttempts     int               `db:"retry_attempts" json:"retry_attempts"`
	SendAttempts      int               `db:"send_attempts" json:"send_attempts"`
	NextAttemptAt     *time.Time        `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	ClaimedBy         string            `db:"claimed_by" json:"-"`
	ClaimedAt         *time.Time        `db:"claimed_at" json:"-"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// RecipientInput is one target as submitted by the caller.
type RecipientInput struct {
	Name   string            `json:"name"`
	Phone  string            `json:"phone"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Outcome is what a worker reports back to the ledger for one recipient.
type Outcome struct {
	Status            RecipientStatus
	Error             string
	ProviderMessageID string
	At                time.Time
}

// Errors written to recipients by the engine itself.
const (
	ErrTextCancelled      = "cancelled"
	ErrTextDuplicate      = "duplicate"
	ErrTextDuplicateList  = "duplicate in list"
	ErrTextOutcomeUnknown = "delivery outcome unknown"
)

// NormalizePhone reduces a phone number to "+digits". Returns "" when no
// digits are present.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 1)
	b.WriteByte('+')
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	out := b.String()
	// international prefix written as 00
	if strings.HasPrefix(out, "+00") {
		out = "+" + out[3:]
	}
	return out
}
