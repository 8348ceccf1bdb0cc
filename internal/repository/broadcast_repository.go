package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

type BroadcastRepository struct {
	DB *sql.DB
}

const broadcastColumns = `id, name, account_id, phone_number_id, template_name, template_language,
	template_category, template, status, pause_reason, mode, total_contacts, sent_count,
	failed_count, skipped_count, scheduled_at, time_window, dedup_enabled, variable_mappings,
	header_media, crm_sync, created_at, updated_at, completed_at`

var recipientCopyColumns = []string{
	"broadcast_id", "seq", "name", "phone", "fields", "status", "error", "created_at", "updated_at",
}

// ====================== Broadcast CRUD ======================

func (r *BroadcastRepository) Create(ctx context.Context, b *model.Broadcast, recipients []model.Recipient) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = model.StatusPending
	}
	b.TotalContacts = len(recipients)
	b.SkippedCount = 0
	for _, rc := range recipients {
		if rc.Status == model.RecipientSkipped {
			b.SkippedCount++
		}
	}

	tmpl, err := jsonOrNil(b.Template)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	window, err := jsonOrNil(b.TimeWindow)
	if err != nil {
		return fmt.Errorf("encode time window: %w", err)
	}
	mappings, err := json.Marshal(nonNilMappings(b.VariableMappings))
	if err != nil {
		return fmt.Errorf("encode variable mappings: %w", err)
	}
	media, err := jsonOrNil(b.HeaderMedia)
	if err != nil {
		return fmt.Errorf("encode header media: %w", err)
	}
	crm, err := jsonOrNil(b.CRMSync)
	if err != nil {
		return fmt.Errorf("encode crm sync: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO broadcasts (
			name, account_id, phone_number_id, template_name, template_language, template_category,
			template, status, pause_reason, mode, total_contacts, skipped_count, scheduled_at,
			time_window, dedup_enabled, variable_mappings, header_media, crm_sync, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query,
		b.Name, b.AccountID, b.PhoneNumberID, b.TemplateName, b.TemplateLanguage, b.TemplateCategory,
		tmpl, string(b.Status), string(b.PauseReason), b.Mode, b.TotalContacts, b.SkippedCount, b.ScheduledAt,
		window, b.DedupEnabled, string(mappings), media, crm, b.CreatedAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("broadcast_recipients", recipientCopyColumns...))
	if err != nil {
		return fmt.Errorf("prepare recipient copy: %w", err)
	}
	for i := range recipients {
		rc := &recipients[i]
		rc.BroadcastID = b.ID
		rc.Seq = i
		if rc.Status == "" {
			rc.Status = model.RecipientPending
		}
		rc.CreatedAt, rc.UpdatedAt = b.CreatedAt, b.CreatedAt
		fields, err := json.Marshal(nonNilFields(rc.Fields))
		if err != nil {
			stmt.Close()
			return fmt.Errorf("encode fields of recipient %d: %w", rc.Seq, err)
		}
		if _, err := stmt.ExecContext(ctx, rc.BroadcastID, rc.Seq, rc.Name, rc.Phone, string(fields),
			string(rc.Status), rc.Error, rc.CreatedAt, rc.UpdatedAt); err != nil {
			stmt.Close()
			return fmt.Errorf("copy recipient %d: %w", rc.Seq, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush recipient copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close recipient copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *BroadcastRepository) GetByID(ctx context.Context, id int64) (*model.Broadcast, error) {
	query := `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE id = $1`
	b, err := scanBroadcast(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound(id)
		}
		return nil, fmt.Errorf("get broadcast %d: %w", id, err)
	}
	return b, nil
}

func (r *BroadcastRepository) List(ctx context.Context, offset, limit int, status string) ([]*model.Broadcast, int, error) {
	broadcasts := []*model.Broadcast{}
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM broadcasts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count broadcasts: %w", err)
	}

	query := `SELECT ` + broadcastColumns + ` FROM broadcasts` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list broadcasts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan broadcast: %w", err)
		}
		broadcasts = append(broadcasts, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return broadcasts, total, nil
}

func (r *BroadcastRepository) ListActive(ctx context.Context) ([]*model.Broadcast, error) {
	query := `SELECT ` + broadcastColumns + ` FROM broadcasts
		WHERE status = ANY($1) ORDER BY id`
	active := []string{
		string(model.StatusPending), string(model.StatusScheduled),
		string(model.StatusProcessing), string(model.StatusPaused),
	}
	rows, err := r.DB.QueryContext(ctx, query, pq.Array(active))
	if err != nil {
		return nil, fmt.Errorf("list active broadcasts: %w", err)
	}
	defer rows.Close()

	var out []*model.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ====================== Lifecycle ======================

func (r *BroadcastRepository) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	var fromReason sql.NullString
	if t.FromReason != nil {
		fromReason = sql.NullString{String: string(*t.FromReason), Valid: true}
	}
	var completedAt *time.Time
	if t.To.IsTerminal() {
		at := t.At
		completedAt = &at
	}

	query := `
		UPDATE broadcasts
		SET status = $2, pause_reason = $3, completed_at = $4, updated_at = $5
		WHERE id = $1
		  AND status = ANY($6)
		  AND ($7::text IS NULL OR pause_reason = $7)
		  AND (NOT $8 OR sent_count + failed_count + skipped_count >= total_contacts)
	`
	res, err := r.DB.ExecContext(ctx, query,
		t.ID, string(t.To), string(t.Reason), completedAt, t.At,
		pq.Array(statusStrings(t.From)), fromReason, t.RequireFinished,
	)
	if err != nil {
		return false, fmt.Errorf("transition broadcast %d to %s: %w", t.ID, t.To, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *BroadcastRepository) Cancel(ctx context.Context, id int64, from []model.BroadcastStatus, at time.Time) (int, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE broadcasts
		SET status = $2, pause_reason = '', completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
	`, id, string(model.StatusCancelled), at, pq.Array(statusStrings(from)))
	if err != nil {
		return 0, false, fmt.Errorf("cancel broadcast %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return 0, false, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE broadcast_recipients
		SET status = $2, error = $3, updated_at = $4
		WHERE broadcast_id = $1 AND status = $5
	`, id, string(model.RecipientSkipped), model.ErrTextCancelled, at, string(model.RecipientPending))
	if err != nil {
		return 0, false, fmt.Errorf("skip pending recipients of %d: %w", id, err)
	}
	skipped, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}

	if skipped > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE broadcasts SET skipped_count = skipped_count + $2 WHERE id = $1`,
			id, skipped,
		); err != nil {
			return 0, false, fmt.Errorf("count skipped recipients of %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return int(skipped), true, nil
}

func (r *BroadcastRepository) RetryFailed(ctx context.Context, id int64, maxRetries int, at time.Time) (int, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM broadcasts WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, appErrors.NewNotFound(id)
		}
		return 0, false, fmt.Errorf("lock broadcast %d: %w", id, err)
	}
	if s := model.BroadcastStatus(status); s != model.StatusCompleted && s != model.StatusFailed {
		return 0, false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE broadcast_recipients
		SET status = $2, error = '', retry_attempts = retry_attempts + 1, send_attempts = 0,
		    next_attempt_at = NULL, updated_at = $4
		WHERE broadcast_id = $1 AND status = $3 AND retry_attempts < $5
	`, id, string(model.RecipientPending), string(model.RecipientFailed), at, maxRetries)
	if err != nil {
		return 0, false, fmt.Errorf("reset failed recipients of %d: %w", id, err)
	}
	reset, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if reset == 0 {
		return 0, true, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE broadcasts
		SET status = $2, pause_reason = '', failed_count = failed_count - $3,
		    completed_at = NULL, updated_at = $4
		WHERE id = $1
	`, id, string(model.StatusProcessing), reset, at); err != nil {
		return 0, false, fmt.Errorf("reopen broadcast %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return int(reset), true, nil
}

func (r *BroadcastRepository) Delete(ctx context.Context, id int64) (bool, error) {
	terminal := []string{
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled),
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM broadcasts WHERE id = $1 AND status = ANY($2)`, id, pq.Array(terminal))
	if err != nil {
		return false, fmt.Errorf("delete broadcast %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *BroadcastRepository) Analytics(ctx context.Context) (*model.Analytics, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_contacts), 0), COALESCE(SUM(sent_count), 0),
		       COALESCE(SUM(failed_count), 0), COALESCE(SUM(skipped_count), 0)
		FROM broadcasts
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("broadcast analytics: %w", err)
	}
	defer rows.Close()

	a := &model.Analytics{ByStatus: map[string]int{}}
	for rows.Next() {
		var status string
		var count, total, sent, failed, skipped int
		if err := rows.Scan(&status, &count, &total, &sent, &failed, &skipped); err != nil {
			return nil, err
		}
		a.ByStatus[status] = count
		a.Broadcasts += count
		a.Total += total
		a.Sent += sent
		a.Failed += failed
		a.Skipped += skipped
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	a.ComputeSuccessRate()
	return a, nil
}

// ====================== Scanning ======================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBroadcast(row rowScanner) (*model.Broadcast, error) {
	var (
		b                                     model.Broadcast
		status, reason                        string
		tmpl, window, mappings, media, crmRaw []byte
	)
	err := row.Scan(
		&b.ID, &b.Name, &b.AccountID, &b.PhoneNumberID, &b.TemplateName, &b.TemplateLanguage,
		&b.TemplateCategory, &tmpl, &status, &reason, &b.Mode, &b.TotalContacts, &b.SentCount,
		&b.FailedCount, &b.SkippedCount, &b.ScheduledAt, &window, &b.DedupEnabled, &mappings,
		&media, &crmRaw, &b.CreatedAt, &b.UpdatedAt, &b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = model.BroadcastStatus(status)
	b.PauseReason = model.PauseReason(reason)

	if len(tmpl) > 0 {
		b.Template = &model.Template{}
		if err := json.Unmarshal(tmpl, b.Template); err != nil {
			return nil, fmt.Errorf("decode template: %w", err)
		}
	}
	if len(window) > 0 {
		b.TimeWindow = &model.TimeWindow{}
		if err := json.Unmarshal(window, b.TimeWindow); err != nil {
			return nil, fmt.Errorf("decode time window: %w", err)
		}
	}
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &b.VariableMappings); err != nil {
			return nil, fmt.Errorf("decode variable mappings: %w", err)
		}
	}
	if len(media) > 0 {
		b.HeaderMedia = &model.HeaderMedia{}
		if err := json.Unmarshal(media, b.HeaderMedia); err != nil {
			return nil, fmt.Errorf("decode header media: %w", err)
		}
	}
	if len(crmRaw) > 0 {
		b.CRMSync = &model.CRMSyncOptions{}
		if err := json.Unmarshal(crmRaw, b.CRMSync); err != nil {
			return nil, fmt.Errorf("decode crm sync: %w", err)
		}
	}
	return &b, nil
}

// jsonOrNil encodes v for a nullable JSONB column.
func jsonOrNil[T any](v *T) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nonNilMappings(m []model.VariableMapping) []model.VariableMapping {
	if m == nil {
		return []model.VariableMapping{}
	}
	return m
}

func nonNilFields(f map[string]string) map[string]string {
	if f == nil {
		return map[string]string{}
	}
	return f
}

var _ BroadcastRepositoryInterface = (*BroadcastRepository)(nil)
