package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/broadcast-dispatch/internal/config"
	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
	"github.com/unclebandit/broadcast-dispatch/internal/provider"
	"github.com/unclebandit/broadcast-dispatch/internal/queue"
	"github.com/unclebandit/broadcast-dispatch/internal/repository"
)

// AccountDirectory tells which sending numbers are configured.
// *config.Config implements it.
type AccountDirectory interface {
	PhoneNumber(accountID, phoneNumberID string) (config.PhoneNumberConfig, bool)
}

// BroadcastService owns the broadcast lifecycle. Every status change goes
// through a guarded compare-and-set in the repository.
type BroadcastService struct {
	Broadcasts repository.BroadcastRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Dedup      *DedupService
	Templates  provider.TemplateFetcher
	Accounts   AccountDirectory
	Queue      queue.Queue
	Resolver   Resolver
	MaxRetries int
	Location   *time.Location
	Now        func() time.Time
	Log        zerolog.Logger
}

// CreateInput is a broadcast as submitted by the caller.
type CreateInput struct {
	Name             string                 `json:"name"`
	AccountID        string                 `json:"account_id"`
	PhoneNumberID    string                 `json:"phone_number_id"`
	TemplateName     string                 `json:"template_name"`
	TemplateLanguage string                 `json:"template_language"`
	Template         *model.Template        `json:"template,omitempty"`
	Mode             string                 `json:"mode"`
	Recipients       []model.RecipientInput `json:"recipients"`
	ScheduledAt      *time.Time             `json:"scheduled_at,omitempty"`
	TimeWindow       *model.TimeWindow      `json:"time_window,omitempty"`
	DedupEnabled     bool                   `json:"dedup_enabled"`
	VariableMappings []model.VariableMapping `json:"variable_mappings"`
	HeaderMedia      *model.HeaderMedia     `json:"header_media,omitempty"`
	CRMSync          *model.CRMSyncOptions  `json:"crm_sync,omitempty"`
}

type CreateResult struct {
	ID             int64                 `json:"id"`
	Status         model.BroadcastStatus `json:"status"`
	DuplicateCount int                   `json:"duplicate_count"`
	UniqueCount    int                   `json:"unique_count"`
}

// PreviewResult is the template rendered for the first recipient.
type PreviewResult struct {
	Recipient    model.RecipientInput  `json:"recipient"`
	Message      model.RenderedMessage `json:"message"`
	Placeholders []Placeholder         `json:"placeholders"`
	Warnings     []string              `json:"warnings,omitempty"`
}

func (s *BroadcastService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *BroadcastService) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

func (s *BroadcastService) maxRetries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return 3
}

// ====================== Create ======================

// Create validates and stores a broadcast with all its recipients, then
// tries to admit it right away.
func (s *BroadcastService) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	now := s.now()
	if err := s.validate(&in, now); err != nil {
		return nil, err
	}
	tpl, err := s.resolveTemplate(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := ValidateMappings(tpl, in.VariableMappings, in.HeaderMedia); err != nil {
		return nil, err
	}

	recipients := make([]model.Recipient, len(in.Recipients))
	phones := make([]string, len(in.Recipients))
	for i, r := range in.Recipients {
		phones[i] = model.NormalizePhone(r.Phone)
		recipients[i] = model.Recipient{
			Name:   strings.TrimSpace(r.Name),
			Phone:  phones[i],
			Fields: r.Fields,
			Status: model.RecipientPending,
		}
	}

	duplicates := 0
	if in.DedupEnabled && s.Dedup != nil {
		reasons, err := s.Dedup.classify(ctx, in.Name, phones)
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		for i, reason := range reasons {
			if reason == "" {
				continue
			}
			recipients[i].Status = model.RecipientSkipped
			recipients[i].Error = reason
			duplicates++
		}
	}

	status := model.StatusPending
	if in.ScheduledAt != nil {
		status = model.StatusScheduled
	}
	b := &model.Broadcast{
		Name:             in.Name,
		AccountID:        in.AccountID,
		PhoneNumberID:    in.PhoneNumberID,
		TemplateName:     in.TemplateName,
		TemplateLanguage: in.TemplateLanguage,
		TemplateCategory: tpl.Category,
		Template:         tpl,
		Status:           status,
		Mode:             in.Mode,
		ScheduledAt:      in.ScheduledAt,
		TimeWindow:       in.TimeWindow,
		DedupEnabled:     in.DedupEnabled,
		VariableMappings: in.VariableMappings,
		HeaderMedia:      in.HeaderMedia,
		CRMSync:          in.CRMSync,
		CreatedAt:        now,
	}
	if err := s.Broadcasts.Create(ctx, b, recipients); err != nil {
		return nil, fmt.Errorf("create broadcast: %w", err)
	}
	s.publish(model.EventCreated, b.ID, b.Status)
	s.Log.Info().Int64("broadcast_id", b.ID).Str("name", b.Name).
		Int("recipients", len(recipients)).Int("duplicates", duplicates).Msg("broadcast created")

	if _, err := s.Admit(ctx, b.ID, now); err != nil {
		s.Log.Warn().Err(err).Int64("broadcast_id", b.ID).Msg("admit after create failed")
	}
	res := &CreateResult{ID: b.ID, Status: b.Status, DuplicateCount: duplicates, UniqueCount: len(recipients) - duplicates}
	if cur, err := s.Broadcasts.GetByID(ctx, b.ID); err == nil {
		res.Status = cur.Status
	}
	return res, nil
}

func (s *BroadcastService) validate(in *CreateInput, now time.Time) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return appErrors.NewValidation("name", "is required")
	}
	if in.AccountID == "" || in.PhoneNumberID == "" {
		return appErrors.NewValidation("account_id", "account and phone number are required")
	}
	if s.Accounts != nil {
		if _, ok := s.Accounts.PhoneNumber(in.AccountID, in.PhoneNumberID); !ok {
			return appErrors.NewValidation("phone_number_id", "%s is not configured for account %s", in.PhoneNumberID, in.AccountID)
		}
	}
	if in.TemplateName == "" && in.Template != nil {
		in.TemplateName = in.Template.Name
	}
	if in.TemplateLanguage == "" && in.Template != nil {
		in.TemplateLanguage = in.Template.Language
	}
	if in.TemplateName == "" || in.TemplateLanguage == "" {
		return appErrors.NewValidation("template_name", "template name and language are required")
	}

	switch in.Mode {
	case "":
		in.Mode = model.ModeBulk
		fallthrough
	case model.ModeBulk:
		if len(in.Recipients) == 0 {
			return appErrors.NewValidation("recipients", "at least one recipient is required")
		}
	case model.ModeSingle:
		if len(in.Recipients) != 1 {
			return appErrors.NewValidation("recipients", "single mode takes exactly one recipient, got %d", len(in.Recipients))
		}
	default:
		return appErrors.NewValidation("mode", "unknown mode %q", in.Mode)
	}
	for i, r := range in.Recipients {
		if model.NormalizePhone(r.Phone) == "" {
			return appErrors.NewValidation(fmt.Sprintf("recipients[%d].phone", i), "invalid phone %q", r.Phone)
		}
	}

	if in.TimeWindow != nil {
		if err := in.TimeWindow.Validate(); err != nil {
			return appErrors.NewValidation("time_window", "%v", err)
		}
	}
	if in.ScheduledAt != nil && !in.ScheduledAt.After(now) {
		return appErrors.NewValidation("scheduled_at", "must be in the future")
	}
	if in.CRMSync != nil && in.CRMSync.IntegrationID == "" {
		return appErrors.NewValidation("crm_sync.integration_id", "is required")
	}
	return nil
}

// resolveTemplate uses the submitted components or falls back to the
// provider catalog.
func (s *BroadcastService) resolveTemplate(ctx context.Context, in CreateInput) (*model.Template, error) {
	if in.Template != nil && len(in.Template.Components) > 0 {
		tpl := *in.Template
		tpl.Name, tpl.Language = in.TemplateName, in.TemplateLanguage
		return &tpl, nil
	}
	if s.Templates == nil {
		return nil, appErrors.NewValidation("template", "template components are required")
	}
	tpl, err := s.Templates.FetchTemplate(ctx, in.AccountID, in.TemplateName, in.TemplateLanguage)
	if err != nil {
		return nil, appErrors.NewValidation("template", "%v", err)
	}
	return tpl, nil
}

// ====================== Lifecycle ======================

// Admit moves a pending or scheduled broadcast to processing once its
// schedule is reached and the time window is open. It reports whether the
// broadcast was admitted by this call.
func (s *BroadcastService) Admit(ctx context.Context, id int64, now time.Time) (bool, error) {
	b, err := s.Broadcasts.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	switch b.Status {
	case model.StatusProcessing:
		return false, nil
	case model.StatusPending, model.StatusScheduled:
	default:
		return false, conflict(b, "admit", "")
	}
	if b.ScheduledAt != nil && now.Before(*b.ScheduledAt) {
		return false, nil
	}
	if !b.TimeWindow.Contains(now.In(s.location())) {
		return false, nil
	}

	ok, err := s.Broadcasts.ApplyTransition(ctx, repository.Transition{
		ID:   id,
		From: []model.BroadcastStatus{model.StatusPending, model.StatusScheduled},
		To:   model.StatusProcessing,
		At:   now,
	})
	if err != nil || !ok {
		return false, err
	}
	s.publish(model.EventAdmitted, id, model.StatusProcessing)

	// every recipient may already be skipped as duplicate
	if c := b.Counters(); c.Finished() {
		c.Status = model.StatusProcessing
		if _, err := s.OnRecipientTerminal(ctx, id, c); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Pause stops dispatching. A broadcast paused by its time window becomes a
// manual pause so the window no longer resumes it.
func (s *BroadcastService) Pause(ctx context.Context, id int64) (*model.Broadcast, error) {
	b, err := s.Broadcasts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	t := repository.Transition{ID: id, To: model.StatusPaused, Reason: model.PauseManual, At: s.now()}
	switch {
	case b.Status == model.StatusProcessing:
		t.From = []model.BroadcastStatus{model.StatusProcessing}
	case b.Status == model.StatusPaused && b.PauseReason == model.PauseOutsideWindow:
		reason := model.PauseOutsideWindow
		t.From, t.FromReason = []model.BroadcastStatus{model.StatusPaused}, &reason
	case b.Status == model.StatusPaused:
		return nil, conflict(b, "pause", "already paused")
	default:
		return nil, conflict(b, "pause", "")
	}
	return s.transition(ctx, b, t, "pause", model.EventPaused)
}

// Resume restarts a manually paused broadcast.
func (s *BroadcastService) Resume(ctx context.Context, id int64) (*model.Broadcast, error) {
	b, err := s.Broadcasts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != model.StatusPaused {
		return nil, conflict(b, "resume", "")
	}
	if b.PauseReason == model.PauseOutsideWindow {
		return nil, conflict(b, "resume", "paused by its time window, it resumes when the window opens")
	}
	manual := model.PauseManual
	return s.transition(ctx, b, repository.Transition{
		ID:         id,
		From:       []model.BroadcastStatus{model.StatusPaused},
		FromReason: &manual,
		To:         model.StatusProcessing,
		At:         s.now(),
	}, "resume", model.EventResumed)
}

// Cancel stops the broadcast for good and skips every pending recipient.
// Sends already in flight still land in the counters.
func (s *BroadcastService) Cancel(ctx context.Context, id int64) (*model.Broadcast, error) {
	b, err := s.Broadcasts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := model.SourcesFor(model.StatusCancelled)
	if !model.CanTransition(b.Status, model.StatusCancelled) {
		return nil, conflict(b, "cancel", "")
	}
	skipped, ok, err := s.Broadcasts.Cancel(ctx, id, from, s.now())
	if err != nil {
		return nil, fmt.Errorf("cancel broadcast %d: %w", id, err)
	}
	if !ok {
		return nil, s.conflictNow(ctx, id, "cancel")
	}
	s.publish(model.EventCancelled, id, model.StatusCancelled)
	s.Log.Info().Int64("broadcast_id", id).Int("skipped", skipped).Msg("broadcast cancelled")
	return s.Broadcasts.GetByID(ctx, id)
}

// RetryFailed puts failed recipients that have retries left back into the
// queue and reopens the broadcast.
func (s *BroadcastService) RetryFailed(ctx context.Context, id int64) (*model.Broadcast, error) {
	b, err := s.Broadcasts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != model.StatusCompleted && b.Status != model.StatusFailed {
		return nil, conflict(b, "retry", "only completed or failed broadcasts can be retried")
	}
	reset, ok, err := s.Broadcasts.RetryFailed(ctx, id, s.maxRetries(), s.now())
	if err != nil {
		return nil, fmt.Errorf("retry broadcast %d: %w", id, err)
	}
	if !ok {
		return nil, s.conflictNow(ctx, id, "retry")
	}
	if reset == 0 {
		return nil, &appErrors.ConflictError{
			BroadcastID: id, From: string(b.Status), Action: "retry",
			Reason: appErrors.ErrNothingToRetry.Error(), Err: appErrors.ErrNothingToRetry,
		}
	}
	s.publish(model.EventRetried, id, model.StatusProcessing)
	s.Log.Info().Int64("broadcast_id", id).Int("reset", reset).Msg("failed recipients requeued")
	return s.Broadcasts.GetByID(ctx, id)
}

// OnRecipientTerminal closes the broadcast once every recipient is done.
// c must come from the ledger update that finished the last recipient.
func (s *BroadcastService) OnRecipientTerminal(ctx context.Context, id int64, c model.Counters) (bool, error) {
	if !c.Finished() {
		return false, nil
	}
	to := model.TerminalStatus(c)
	ok, err := s.Broadcasts.ApplyTransition(ctx, repository.Transition{
		ID:              id,
		From:            []model.BroadcastStatus{model.StatusProcessing, model.StatusPaused},
		To:              to,
		RequireFinished: true,
		At:              s.now(),
	})
	if err != nil || !ok {
		return false, err
	}
	event := model.EventCompleted
	if to == model.StatusFailed {
		event = model.EventFailed
	}
	s.publish(event, id, to)
	s.Log.Info().Int64("broadcast_id", id).Str("status", string(to)).
		Int("sent", c.Sent).Int("failed", c.Failed).Int("skipped", c.Skipped).Msg("broadcast finished")
	return true, nil
}

// pauseForWindow is the scheduler's auto-pause.
func (s *BroadcastService) pauseForWindow(ctx context.Context, id int64, now time.Time) (bool, error) {
	ok, err := s.Broadcasts.ApplyTransition(ctx, repository.Transition{
		ID:     id,
		From:   []model.BroadcastStatus{model.StatusProcessing},
		To:     model.StatusPaused,
		Reason: model.PauseOutsideWindow,
		At:     now,
	})
	if ok {
		s.publish(model.EventPaused, id, model.StatusPaused)
	}
	return ok, err
}

// resumeForWindow only touches broadcasts the window itself paused.
func (s *BroadcastService) resumeForWindow(ctx context.Context, id int64, now time.Time) (bool, error) {
	reason := model.PauseOutsideWindow
	ok, err := s.Broadcasts.ApplyTransition(ctx, repository.Transition{
		ID:         id,
		From:       []model.BroadcastStatus{model.StatusPaused},
		FromReason: &reason,
		To:         model.StatusProcessing,
		At:         now,
	})
	if ok {
		s.publish(model.EventResumed, id, model.StatusProcessing)
	}
	return ok, err
}

func (s *BroadcastService) transition(ctx context.Context, b *model.Broadcast, t repository.Transition, action, event string) (*model.Broadcast, error) {
	ok, err := s.Broadcasts.ApplyTransition(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%s broadcast %d: %w", action, b.ID, err)
	}
	if !ok {
		return nil, s.conflictNow(ctx, b.ID, action)
	}
	s.publish(event, b.ID, t.To)
	return s.Broadcasts.GetByID(ctx, b.ID)
}

// conflictNow reports a lost compare-and-set against the current status.
func (s *BroadcastService) conflictNow(ctx context.Context, id int64, action string) error {
	cur, err := s.Broadcasts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return conflict(cur, action, "status changed concurrently")
}

func conflict(b *model.Broadcast, action, reason string) error {
	from := string(b.Status)
	if b.PauseReason != model.PauseNone {
		from += "(" + string(b.PauseReason) + ")"
	}
	return appErrors.NewConflict(b.ID, from, action, reason)
}

func (s *BroadcastService) publish(eventType string, id int64, status model.BroadcastStatus) {
	transitionsTotal.WithLabelValues(string(status)).Inc()
	if s.Queue == nil {
		return
	}
	ev := model.BroadcastEvent{Type: eventType, BroadcastID: id, Status: status, At: s.now()}
	if err := s.Queue.Publish(queue.TopicBroadcastEvents, ev); err != nil {
		s.Log.Warn().Err(err).Str("event", eventType).Int64("broadcast_id", id).Msg("publish event failed")
	}
}

// ====================== Queries ======================

// Delete removes a finished broadcast and its recipients.
func (s *BroadcastService) Delete(ctx context.Context, id int64) error {
	b, err := s.Broadcasts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.Broadcasts.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return conflict(b, "delete", "only completed, failed or cancelled broadcasts can be deleted")
	}
	return nil
}

func (s *BroadcastService) Get(ctx context.Context, id int64) (*model.Broadcast, error) {
	return s.Broadcasts.GetByID(ctx, id)
}

// ListBroadcasts fetches broadcasts with pagination, newest first.
func (s *BroadcastService) ListBroadcasts(ctx context.Context, page, pageSize int, status string) ([]model.Broadcast, map[string]int, error) {
	if status != "" && !model.BroadcastStatus(status).Valid() {
		return nil, nil, appErrors.NewValidation("status", "unknown status %q", status)
	}
	page, pageSize = clampPage(page, pageSize, 20)
	offset := (page - 1) * pageSize

	ptrs, total, err := s.Broadcasts.List(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}
	broadcasts := make([]model.Broadcast, len(ptrs))
	for i, b := range ptrs {
		broadcasts[i] = *b
	}
	return broadcasts, pagination(page, pageSize, total), nil
}

// Logs lists the recipients of a broadcast, optionally filtered by status.
func (s *BroadcastService) Logs(ctx context.Context, id int64, status string, page, limit int) ([]model.Recipient, map[string]int, error) {
	if status != "" && !model.RecipientStatus(status).Valid() {
		return nil, nil, appErrors.NewValidation("status", "unknown recipient status %q", status)
	}
	if _, err := s.Broadcasts.GetByID(ctx, id); err != nil {
		return nil, nil, err
	}
	page, limit = clampPage(page, limit, 50)
	logs, total, err := s.Recipients.ListLogs(ctx, id, status, (page-1)*limit, limit)
	if err != nil {
		return nil, nil, err
	}
	return logs, pagination(page, limit, total), nil
}

func (s *BroadcastService) Analytics(ctx context.Context) (*model.Analytics, error) {
	return s.Broadcasts.Analytics(ctx)
}

// CheckDuplicates is the dry run of creation-time deduplication.
func (s *BroadcastService) CheckDuplicates(ctx context.Context, name string, phones []string) (*DedupReport, error) {
	if strings.TrimSpace(name) == "" {
		return nil, appErrors.NewValidation("name", "is required")
	}
	if s.Dedup == nil {
		return nil, fmt.Errorf("deduplication is not configured")
	}
	return s.Dedup.Partition(ctx, strings.TrimSpace(name), phones)
}

// Preview renders the template for the first recipient without storing
// anything.
func (s *BroadcastService) Preview(ctx context.Context, in CreateInput) (*PreviewResult, error) {
	if len(in.Recipients) == 0 {
		return nil, appErrors.NewValidation("recipients", "at least one recipient is required")
	}
	if in.TemplateName == "" && in.Template != nil {
		in.TemplateName = in.Template.Name
	}
	if in.TemplateLanguage == "" && in.Template != nil {
		in.TemplateLanguage = in.Template.Language
	}
	tpl, err := s.resolveTemplate(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := ValidateMappings(tpl, in.VariableMappings, in.HeaderMedia); err != nil {
		return nil, err
	}

	first := in.Recipients[0]
	b := &model.Broadcast{Template: tpl, VariableMappings: in.VariableMappings, HeaderMedia: in.HeaderMedia}
	rc := &model.Recipient{Name: first.Name, Phone: model.NormalizePhone(first.Phone), Fields: first.Fields}
	msg, warnings := s.Resolver.Render(b, rc)

	res := &PreviewResult{Recipient: first, Message: msg, Placeholders: ExtractPlaceholders(tpl)}
	for _, w := range warnings {
		res.Warnings = append(res.Warnings, w.Error())
	}
	return res, nil
}

func clampPage(page, size, def int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = def
	}
	if size > 100 {
		size = 100
	}
	return page, size
}

func pagination(page, size, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   size,
		"total_count": total,
		"total_pages": (total + size - 1) / size,
	}
}
