package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

var recipientRowColumns = []string{
	"broadcast_id", "seq", "name", "phone", "fields", "status", "error", "provider_message_id",
	"sent_at", "retry_attempts", "send_attempts", "next_attempt_at", "claimed_by", "claimed_at",
	"created_at", "updated_at",
}

func TestRecipientRepository_ClaimNext(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &RecipientRepository{DB: db}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FOR UPDATE OF q SKIP LOCKED").
		WithArgs(int64(1), "w-1", now).
		WillReturnRows(sqlmock.NewRows(recipientRowColumns).AddRow(
			1, 0, "Ann", "+15550001", `{"city":"Lagos"}`, "in_flight", "", "",
			nil, 0, 1, nil, "w-1", now, now, now,
		))

	rc, err := repo.ClaimNext(context.Background(), 1, "w-1", now)
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, model.RecipientInFlight, rc.Status)
	assert.Equal(t, "Lagos", rc.Fields["city"])
	assert.Equal(t, 1, rc.SendAttempts)
	assert.Equal(t, "w-1", rc.ClaimedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecipientRepository_ClaimNextNothingEligible(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &RecipientRepository{DB: db}

	mock.ExpectQuery("UPDATE broadcast_recipients").WillReturnError(sql.ErrNoRows)

	rc, err := repo.ClaimNext(context.Background(), 1, "w-1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, rc)
}

func TestRecipientRepository_RecordBumpsCounter(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &RecipientRepository{DB: db}
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE broadcast_recipients").
		WithArgs(int64(7), 2, "sent", "", "wamid.1", sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE broadcasts").
		WithArgs(int64(7), 1, 0, 0, at).
		WillReturnRows(sqlmock.NewRows([]string{"total_contacts", "sent_count", "failed_count", "skipped_count", "status"}).
			AddRow(3, 3, 0, 0, "processing"))
	mock.ExpectCommit()

	c, recorded, err := repo.Record(context.Background(), 7, 2, model.Outcome{
		Status: model.RecipientSent, ProviderMessageID: "wamid.1", At: at,
	})
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.True(t, c.Finished())
	assert.Equal(t, model.StatusProcessing, c.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecipientRepository_RecordIgnoresNonInFlight(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &RecipientRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE broadcast_recipients").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, recorded, err := repo.Record(context.Background(), 7, 2, model.Outcome{Status: model.RecipientFailed, Error: "x"})
	require.NoError(t, err)
	assert.False(t, recorded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecipientRepository_RecordRejectsNonTerminal(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &RecipientRepository{DB: db}

	_, _, err := repo.Record(context.Background(), 7, 2, model.Outcome{Status: model.RecipientPending})
	assert.Error(t, err)
}

func TestRecipientRepository_Release(t *testing.T) {
	next := time.Now().Add(time.Second)

	t.Run("back to pending", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()
		repo := &RecipientRepository{DB: db}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM broadcasts WHERE id = \\$1 FOR SHARE").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
		mock.ExpectExec("send_attempts = send_attempts \\+ 1").
			WithArgs(int64(3), 4, "rate limited", next).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		released, err := repo.Release(context.Background(), 3, 4, "rate limited", next)
		require.NoError(t, err)
		assert.True(t, released)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancelled broadcast keeps the claim", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()
		repo := &RecipientRepository{DB: db}

		mock.ExpectBegin()
		mock.ExpectQuery("FOR SHARE").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))
		mock.ExpectRollback()

		released, err := repo.Release(context.Background(), 3, 4, "rate limited", next)
		require.NoError(t, err)
		assert.False(t, released)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRecipientRepository_RecoverStale(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &RecipientRepository{DB: db}
	cutoff := time.Now().Add(-5 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("WITH stale AS").
		WithArgs(cutoff, model.ErrTextOutcomeUnknown).
		WillReturnRows(sqlmock.NewRows([]string{"broadcast_id", "count"}).AddRow(4, 2))
	mock.ExpectQuery("UPDATE broadcasts SET failed_count = failed_count \\+ \\$2").
		WithArgs(int64(4), 2).
		WillReturnRows(sqlmock.NewRows([]string{"total_contacts", "sent_count", "failed_count", "skipped_count", "status"}).
			AddRow(5, 3, 2, 0, "processing"))
	mock.ExpectCommit()

	out, err := repo.RecoverStale(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(4), out[0].BroadcastID)
	assert.Equal(t, 2, out[0].Recovered)
	assert.True(t, out[0].Counters.Finished())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecipientRepository_ListLogs(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &RecipientRepository{DB: db}
	now := time.Now()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM broadcast_recipients WHERE broadcast_id = \\$1 AND status = \\$2").
		WithArgs(int64(9), "failed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("ORDER BY seq LIMIT \\$3 OFFSET \\$4").
		WithArgs(int64(9), "failed", 50, 0).
		WillReturnRows(sqlmock.NewRows(recipientRowColumns).AddRow(
			9, 2, "Bo", "+15550002", "{}", "failed", "invalid number", "",
			nil, 0, 0, nil, "", nil, now, now,
		))

	logs, total, err := repo.ListLogs(context.Background(), 9, "failed", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "invalid number", logs[0].Error)
}

func TestRecipientRepository_SentPhones(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &RecipientRepository{DB: db}

	mock.ExpectQuery("SELECT DISTINCT r.phone").
		WithArgs("Promo", int64(0), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"phone"}).AddRow("+15550001"))

	seen, err := repo.SentPhones(context.Background(), "Promo", []string{"+15550001", "+15550002"}, 0)
	require.NoError(t, err)
	assert.True(t, seen["+15550001"])
	assert.False(t, seen["+15550002"])

	empty, err := repo.SentPhones(context.Background(), "Promo", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NoError(t, mock.ExpectationsWereMet())
}
