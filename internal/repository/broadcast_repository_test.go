package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

var broadcastRowColumns = []string{
	"id", "name", "account_id", "phone_number_id", "template_name", "template_language",
	"template_category", "template", "status", "pause_reason", "mode", "total_contacts", "sent_count",
	"failed_count", "skipped_count", "scheduled_at", "time_window", "dedup_enabled", "variable_mappings",
	"header_media", "crm_sync", "created_at", "updated_at", "completed_at",
}

func TestBroadcastRepository_CreateCopiesRecipients(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &BroadcastRepository{DB: db}

	b := &model.Broadcast{
		Name: "Promo", AccountID: "acc-1", PhoneNumberID: "pn-1",
		TemplateName: "promo_v1", TemplateLanguage: "en", Mode: model.ModeBulk,
		TimeWindow: &model.TimeWindow{Start: "09:00", End: "18:00"},
	}
	recipients := []model.Recipient{
		{Seq: 0, Name: "A", Phone: "+15550001"},
		{Seq: 1, Name: "B", Phone: "+15550002", Status: model.RecipientSkipped, Error: model.ErrTextDuplicate},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO broadcasts").
		WithArgs("Promo", "acc-1", "pn-1", "promo_v1", "en", "", nil, "pending", "", "bulk", 2, 1, nil,
			`{"start":"09:00","end":"18:00"}`, false, "[]", nil, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	prep := mock.ExpectPrepare("COPY")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.Create(context.Background(), b, recipients)
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.ID)
	assert.Equal(t, 2, b.TotalContacts)
	assert.Equal(t, 1, b.SkippedCount)
	assert.Equal(t, model.StatusPending, b.Status)
	assert.Equal(t, int64(42), recipients[0].BroadcastID)
	assert.Equal(t, model.RecipientPending, recipients[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBroadcastRepository_CreateRollsBackOnCopyFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &BroadcastRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO broadcasts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectPrepare("COPY").WillReturnError(errors.New("copy not allowed"))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &model.Broadcast{Name: "x"}, []model.Recipient{{Phone: "+1555"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prepare recipient copy")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBroadcastRepository_GetByID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &BroadcastRepository{DB: db}

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM broadcasts WHERE id = \\$1").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(broadcastRowColumns).AddRow(
			5, "Promo", "acc-1", "pn-1", "promo_v1", "en", "MARKETING",
			`{"name":"promo_v1","language":"en","category":"MARKETING","components":[{"type":"BODY","text":"Hi {{1}}"}]}`,
			"paused", "manual", "bulk", 3, 1, 0, 0, nil,
			`{"start":"09:00","end":"18:00"}`, true,
			`[{"placeholder_index":1,"component_type":"BODY","source":"csv_column","value":"name"}]`,
			nil, `{"integration_id":"cw","create_missing":true}`, created, nil, nil,
		))

	b, err := repo.GetByID(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, b.Status)
	assert.Equal(t, model.PauseManual, b.PauseReason)
	require.NotNil(t, b.Template)
	assert.Equal(t, "Hi {{1}}", b.Template.Components[0].Text)
	require.NotNil(t, b.TimeWindow)
	assert.Equal(t, "18:00", b.TimeWindow.End)
	require.Len(t, b.VariableMappings, 1)
	assert.Equal(t, "name", b.VariableMappings[0].Value)
	assert.Nil(t, b.HeaderMedia)
	require.NotNil(t, b.CRMSync)
	assert.True(t, b.CRMSync.CreateMissing)
	assert.Equal(t, model.Counters{Total: 3, Sent: 1, Status: model.StatusPaused}, b.Counters())
}

func TestBroadcastRepository_GetByIDNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &BroadcastRepository{DB: db}

	mock.ExpectQuery("SELECT (.+) FROM broadcasts").
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 99)
	var nf *appErrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, int64(99), nf.BroadcastID)
}

func TestBroadcastRepository_ListFiltersByStatus(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &BroadcastRepository{DB: db}

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM broadcasts WHERE 1=1 AND status = \\$1").
		WithArgs("completed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("ORDER BY id DESC LIMIT \\$2 OFFSET \\$3").
		WithArgs("completed", 10, 10).
		WillReturnRows(sqlmock.NewRows(broadcastRowColumns).AddRow(
			3, "n", "a", "p", "t", "en", "", nil, "completed", "", "bulk", 1, 1, 0, 0, nil,
			nil, false, "[]", nil, nil, time.Now(), nil, time.Now(),
		))

	list, total, err := repo.List(context.Background(), 10, 10, "completed")
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].ID)
	assert.NotNil(t, list[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBroadcastRepository_ApplyTransition(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &BroadcastRepository{DB: db}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE broadcasts").
		WithArgs(int64(4), "completed", "", at, at, sqlmock.AnyArg(), nil, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE broadcasts").
		WithArgs(int64(4), "paused", "manual", nil, at, sqlmock.AnyArg(), "outside_window", false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.ApplyTransition(context.Background(), Transition{
		ID: 4, From: []model.BroadcastStatus{model.StatusProcessing, model.StatusPaused},
		To: model.StatusCompleted, RequireFinished: true, At: at,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	reason := model.PauseOutsideWindow
	ok, err = repo.ApplyTransition(context.Background(), Transition{
		ID: 4, From: []model.BroadcastStatus{model.StatusPaused}, FromReason: &reason,
		To: model.StatusPaused, Reason: model.PauseManual, At: at,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBroadcastRepository_CancelSkipsPending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &BroadcastRepository{DB: db}
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE broadcasts").
		WithArgs(int64(8), "cancelled", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE broadcast_recipients").
		WithArgs(int64(8), "skipped", "cancelled", at, "pending").
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec("UPDATE broadcasts SET skipped_count = skipped_count \\+ \\$2").
		WithArgs(int64(8), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	skipped, ok, err := repo.Cancel(context.Background(), 8, model.SourcesFor(model.StatusCancelled), at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBroadcastRepository_CancelGuardMiss(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &BroadcastRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE broadcasts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	skipped, ok, err := repo.Cancel(context.Background(), 8, model.SourcesFor(model.StatusCancelled), time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBroadcastRepository_RetryFailed(t *testing.T) {
	at := time.Now().UTC()

	t.Run("resets retryable recipients", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()
		repo := &BroadcastRepository{DB: db}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM broadcasts WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
		// only failed rows are reset; sent and skipped rows are never in the WHERE set
		mock.ExpectExec("(?s)UPDATE broadcast_recipients\\s.*WHERE broadcast_id = \\$1 AND status = \\$3 AND retry_attempts < \\$5").
			WithArgs(int64(2), "pending", "failed", at, 3).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("UPDATE broadcasts").
			WithArgs(int64(2), "processing", int64(2), at).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		n, ok, err := repo.RetryFailed(context.Background(), 2, 3, at)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing to retry", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()
		repo := &BroadcastRepository{DB: db}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM broadcasts").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))
		mock.ExpectExec("UPDATE broadcast_recipients").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		n, ok, err := repo.RetryFailed(context.Background(), 2, 3, at)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong status", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()
		repo := &BroadcastRepository{DB: db}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM broadcasts").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
		mock.ExpectRollback()

		_, ok, err := repo.RetryFailed(context.Background(), 2, 3, at)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBroadcastRepository_Analytics(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &BroadcastRepository{DB: db}

	mock.ExpectQuery("GROUP BY status").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count", "total", "sent", "failed", "skipped"}).
			AddRow("completed", 2, 10, 6, 2, 2).
			AddRow("processing", 1, 5, 2, 0, 0))

	a, err := repo.Analytics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, a.Broadcasts)
	assert.Equal(t, 15, a.Total)
	assert.Equal(t, 8, a.Sent)
	assert.Equal(t, 2, a.ByStatus["completed"])
	assert.InDelta(t, 80.0, a.SuccessRate, 0.001)
}
