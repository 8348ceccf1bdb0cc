package appErrors

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when a broadcast does not exist.
type NotFoundError struct {
	BroadcastID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("broadcast with ID %d not found", e.BroadcastID)
}

// Helper constructor
func NewNotFound(id int64) error {
	return &NotFoundError{BroadcastID: id}
}

// ValidationError rejects a broadcast request before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError is an invalid lifecycle transition for the current state.
type ConflictError struct {
	BroadcastID int64
	From        string
	Action      string
	Reason      string
	Err         error
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s broadcast %d in status %s: %s", e.Action, e.BroadcastID, e.From, e.Reason)
	}
	return fmt.Sprintf("cannot %s broadcast %d in status %s", e.Action, e.BroadcastID, e.From)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func NewConflict(id int64, from, action, reason string) error {
	return &ConflictError{BroadcastID: id, From: from, Action: action, Reason: reason}
}

// ProviderErrorKind classifies provider failures for retry decisions.
type ProviderErrorKind string

const (
	Transient ProviderErrorKind = "transient"
	Permanent ProviderErrorKind = "permanent"
)

// ProviderError is a classified failure from the messaging provider.
type ProviderError struct {
	Kind   ProviderErrorKind
	Code   string
	Detail string
	Err    error
}

func (e *ProviderError) Error() string {
	msg := string(e.Kind) + " provider error"
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewTransient(code, detail string, err error) error {
	return &ProviderError{Kind: Transient, Code: code, Detail: detail, Err: err}
}

func NewPermanent(code, detail string, err error) error {
	return &ProviderError{Kind: Permanent, Code: code, Detail: detail, Err: err}
}

// IsPermanent reports whether err is a permanent provider failure. Anything
// unclassified counts as transient.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == Permanent
}

// ResolverWarning is a non-fatal rendering problem (missing CSV column).
type ResolverWarning struct {
	Placeholder int
	Component   string
	Column      string
}

func (w ResolverWarning) Error() string {
	return fmt.Sprintf("%s placeholder {{%d}}: column %q missing, rendered empty", w.Component, w.Placeholder, w.Column)
}

// ErrNothingToRetry is wrapped in a ConflictError by retry-failed.
var ErrNothingToRetry = errors.New("nothing to retry")
