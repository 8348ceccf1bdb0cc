package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `broadcast_id, seq, name, phone, fields, status, error, provider_message_id,
	sent_at, retry_attempts, send_attempts, next_attempt_at, claimed_by, claimed_at, created_at, updated_at`

// ClaimNext locks the next pending recipient with SKIP LOCKED so concurrent
// workers never receive the same row.
func (r *RecipientRepository) ClaimNext(ctx context.Context, broadcastID int64, workerID string, now time.Time) (*model.Recipient, error) {
	query := `
		UPDATE broadcast_recipients
		SET status = 'in_flight', claimed_by = $2, claimed_at = $3, updated_at = $3
		WHERE (broadcast_id, seq) = (
			SELECT q.broadcast_id, q.seq
			FROM broadcast_recipients q
			JOIN broadcasts b ON b.id = q.broadcast_id
			WHERE q.broadcast_id = $1
			  AND q.status = 'pending'
			  AND b.status = 'processing'
			  AND (q.next_attempt_at IS NULL OR q.next_attempt_at <= $3)
			ORDER BY q.seq
			LIMIT 1
			FOR UPDATE OF q SKIP LOCKED
		)
		RETURNING ` + recipientColumns

	rc, err := scanRecipient(r.DB.QueryRowContext(ctx, query, broadcastID, workerID, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim recipient of broadcast %d: %w", broadcastID, err)
	}
	return rc, nil
}

// Record applies an outcome and bumps the broadcast counter in one
// transaction. The returned counters are the post-increment snapshot.
func (r *RecipientRepository) Record(ctx context.Context, broadcastID int64, seq int, o model.Outcome) (model.Counters, bool, error) {
	if !o.Status.IsTerminal() {
		return model.Counters{}, false, fmt.Errorf("record recipient %d/%d: status %q is not terminal", broadcastID, seq, o.Status)
	}
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Counters{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var sentAt *time.Time
	if o.Status == model.RecipientSent {
		sentAt = &o.At
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE broadcast_recipients
		SET status = $3, error = $4, provider_message_id = $5, sent_at = COALESCE($6, sent_at),
		    claimed_by = '', claimed_at = NULL, next_attempt_at = NULL, updated_at = $7
		WHERE broadcast_id = $1 AND seq = $2 AND status = 'in_flight'
	`, broadcastID, seq, string(o.Status), o.Error, o.ProviderMessageID, sentAt, o.At)
	if err != nil {
		return model.Counters{}, false, fmt.Errorf("record recipient %d/%d: %w", broadcastID, seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Counters{}, false, err
	}
	if n == 0 {
		return model.Counters{}, false, nil
	}

	sent, failed, skipped := counterDelta(o.Status)
	c, err := scanCounters(tx.QueryRowContext(ctx, `
		UPDATE broadcasts
		SET sent_count = sent_count + $2, failed_count = failed_count + $3,
		    skipped_count = skipped_count + $4, updated_at = $5
		WHERE id = $1
		RETURNING total_contacts, sent_count, failed_count, skipped_count, status
	`, broadcastID, sent, failed, skipped, o.At))
	if err != nil {
		return model.Counters{}, false, fmt.Errorf("count outcome of %d/%d: %w", broadcastID, seq, err)
	}

	if err := tx.Commit(); err != nil {
		return model.Counters{}, false, fmt.Errorf("commit: %w", err)
	}
	return c, true, nil
}

func (r *RecipientRepository) Release(ctx context.Context, broadcastID int64, seq int, errText string, nextAttemptAt time.Time) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// FOR SHARE waits out a concurrent Cancel, which updates the broadcast row first
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM broadcasts WHERE id = $1 FOR SHARE`, broadcastID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock broadcast %d: %w", broadcastID, err)
	}
	if model.BroadcastStatus(status) == model.StatusCancelled {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE broadcast_recipients
		SET status = 'pending', error = $3, send_attempts = send_attempts + 1, next_attempt_at = $4,
		    claimed_by = '', claimed_at = NULL, updated_at = NOW()
		WHERE broadcast_id = $1 AND seq = $2 AND status = 'in_flight'
	`, broadcastID, seq, errText, nextAttemptAt)
	if err != nil {
		return false, fmt.Errorf("release recipient %d/%d: %w", broadcastID, seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

func (r *RecipientRepository) ListLogs(ctx context.Context, broadcastID int64, status string, offset, limit int) ([]model.Recipient, int, error) {
	where := ` WHERE broadcast_id = $1`
	args := []interface{}{broadcastID}
	argPos := 2
	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM broadcast_recipients`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count recipients of %d: %w", broadcastID, err)
	}

	query := `SELECT ` + recipientColumns + ` FROM broadcast_recipients` + where +
		fmt.Sprintf(" ORDER BY seq LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list recipients of %d: %w", broadcastID, err)
	}
	defer rows.Close()

	logs := []model.Recipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan recipient: %w", err)
		}
		logs = append(logs, *rc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// RecoverStale never re-sends: a claim that outlived its TTL may or may not
// have reached the provider, so it is failed with an unknown outcome.
func (r *RecipientRepository) RecoverStale(ctx context.Context, olderThan time.Time) ([]StaleRecovery, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		WITH stale AS (
			UPDATE broadcast_recipients
			SET status = 'failed', error = $2, claimed_by = '', claimed_at = NULL, updated_at = NOW()
			WHERE status = 'in_flight' AND claimed_at < $1
			RETURNING broadcast_id
		)
		SELECT broadcast_id, COUNT(*) FROM stale GROUP BY broadcast_id ORDER BY broadcast_id
	`, olderThan, model.ErrTextOutcomeUnknown)
	if err != nil {
		return nil, fmt.Errorf("fail stale recipients: %w", err)
	}
	var out []StaleRecovery
	for rows.Next() {
		var s StaleRecovery
		if err := rows.Scan(&s.BroadcastID, &s.Recovered); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		c, err := scanCounters(tx.QueryRowContext(ctx, `
			UPDATE broadcasts SET failed_count = failed_count + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING total_contacts, sent_count, failed_count, skipped_count, status
		`, out[i].BroadcastID, out[i].Recovered))
		if err != nil {
			return nil, fmt.Errorf("count stale recipients of %d: %w", out[i].BroadcastID, err)
		}
		out[i].Counters = c
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// SentPhones returns which of phones already have a sent recipient in another
// broadcast carrying the same name.
func (r *RecipientRepository) SentPhones(ctx context.Context, name string, phones []string, excludeBroadcastID int64) (map[string]bool, error) {
	seen := map[string]bool{}
	if len(phones) == 0 {
		return seen, nil
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT DISTINCT r.phone
		FROM broadcast_recipients r
		JOIN broadcasts b ON b.id = r.broadcast_id
		WHERE b.name = $1 AND b.id <> $2 AND r.status = 'sent' AND r.phone = ANY($3)
	`, name, excludeBroadcastID, pq.Array(phones))
	if err != nil {
		return nil, fmt.Errorf("lookup sent phones for %q: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, err
		}
		seen[phone] = true
	}
	return seen, rows.Err()
}

func counterDelta(s model.RecipientStatus) (sent, failed, skipped int) {
	switch s {
	case model.RecipientSent:
		return 1, 0, 0
	case model.RecipientFailed:
		return 0, 1, 0
	case model.RecipientSkipped:
		return 0, 0, 1
	}
	return 0, 0, 0
}

func scanCounters(row rowScanner) (model.Counters, error) {
	var c model.Counters
	var status string
	if err := row.Scan(&c.Total, &c.Sent, &c.Failed, &c.Skipped, &status); err != nil {
		return model.Counters{}, err
	}
	c.Status = model.BroadcastStatus(status)
	return c, nil
}

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var (
		rc     model.Recipient
		fields []byte
		status string
	)
	err := row.Scan(
		&rc.BroadcastID, &rc.Seq, &rc.Name, &rc.Phone, &fields, &status, &rc.Error, &rc.ProviderMessageID,
		&rc.SentAt, &rc.RetryAttempts, &rc.SendAttempts, &rc.NextAttemptAt, &rc.ClaimedBy, &rc.ClaimedAt,
		&rc.CreatedAt, &rc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rc.Status = model.RecipientStatus(status)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rc.Fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
	}
	return &rc, nil
}

var (
	_ RecipientRepositoryInterface = (*RecipientRepository)(nil)
	_ DedupRepositoryInterface     = (*RecipientRepository)(nil)
)
