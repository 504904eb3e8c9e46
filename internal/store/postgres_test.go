package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(db), mock
}

func TestScheduleReminderSkipsDuplicateDedupeKey(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	remindAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (dedupe_key) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (dedupe_key) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	r := Reminder{ID: "r1", BrokerID: "b1", RemindAt: remindAt, RecipientEmail: "a@example.com", Subject: "s", DedupeKey: "k"}
	inserted, err := s.ScheduleReminder(ctx, r)
	require.NoError(t, err)
	assert.True(t, inserted)

	r.ID = "r2"
	inserted, err = s.ScheduleReminder(ctx, r)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestClaimReminderReportsLostRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE reminders SET status='sending'")).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := s.ClaimReminder(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestDebitTokensRejectsOverdraft(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE brokers SET token_balance = token_balance - $2")).
		WithArgs("b1", int64(900)).
		WillReturnRows(sqlmock.NewRows([]string{"token_balance"}))
	mock.ExpectRollback()

	_, err := s.DebitTokens(context.Background(), "b1", 900, "assistant", "")
	assert.ErrorIs(t, err, ErrInsufficientTokens)
}

func TestDebitTokensWritesLedger(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE brokers SET token_balance = token_balance - $2")).
		WithArgs("b1", int64(300)).
		WillReturnRows(sqlmock.NewRows([]string{"token_balance"}).AddRow(int64(700)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_ledger")).
		WithArgs("b1", int64(-300), "assistant", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	balance, err := s.DebitTokens(context.Background(), "b1", 300, "assistant", "")
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)
}

func TestCreditTokensIgnoresRepeatedReference(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_ledger")).
		WithArgs("b1", int64(5000), "purchase", "in_123").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := s.CreditTokens(context.Background(), "b1", 5000, "purchase", "in_123")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCreatePayoutBelowMinimumRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, amount_cents FROM commissions")).
		WithArgs("aff1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount_cents"}).AddRow("c1", int64(1200)))
	mock.ExpectRollback()

	_, err := s.CreatePayout(context.Background(), "p1", "aff1", 5000)
	assert.ErrorIs(t, err, ErrBelowMinimum)
}

func TestCreatePayoutAttachesOnlyLockedCommissions(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, amount_cents FROM commissions")).
		WithArgs("aff1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount_cents"}).
			AddRow("c1", int64(4000)).
			AddRow("c2", int64(3500)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payouts")).
		WithArgs("p1", "aff1", int64(7500)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "affiliate_id", "amount_cents", "currency", "status", "reference", "created_at", "paid_at"}).
			AddRow("p1", "aff1", int64(7500), "usd", "pending", "", now, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE commissions SET payout_id=$2 WHERE id=$1")).
		WithArgs("c1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE commissions SET payout_id=$2 WHERE id=$1")).
		WithArgs("c2", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payout, err := s.CreatePayout(context.Background(), "p1", "aff1", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), payout.AmountCents)
	assert.Equal(t, "pending", payout.Status)
	assert.Nil(t, payout.PaidAt)
}

func TestVoidCommissionReducesPendingPayout(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, amount_cents, status, payout_id FROM commissions")).
		WithArgs("in_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount_cents", "status", "payout_id"}).
			AddRow("c1", int64(2000), "approved", "p1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE commissions SET status='void', payout_id=NULL WHERE id=$1")).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE payouts SET amount_cents = amount_cents - $2")).
		WithArgs("p1", int64(2000)).
		WillReturnRows(sqlmock.NewRows([]string{"amount_cents"}).AddRow(int64(5500)))
	mock.ExpectCommit()

	voided, err := s.VoidCommissionByInvoice(context.Background(), "in_1")
	require.NoError(t, err)
	assert.True(t, voided)
}

func TestVoidCommissionDeletesEmptiedPayout(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, amount_cents, status, payout_id FROM commissions")).
		WithArgs("in_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount_cents", "status", "payout_id"}).
			AddRow("c1", int64(6000), "approved", "p1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE commissions SET status='void'")).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE payouts SET amount_cents = amount_cents - $2")).
		WithArgs("p1", int64(6000)).
		WillReturnRows(sqlmock.NewRows([]string{"amount_cents"}))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM payouts WHERE id=$1 AND status='pending'")).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	voided, err := s.VoidCommissionByInvoice(context.Background(), "in_1")
	require.NoError(t, err)
	assert.True(t, voided)
}

func TestVoidCommissionLeavesPaidCommission(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, amount_cents, status, payout_id FROM commissions")).
		WithArgs("in_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount_cents", "status", "payout_id"}).
			AddRow("c1", int64(6000), "paid", "p1"))
	mock.ExpectCommit()

	voided, err := s.VoidCommissionByInvoice(context.Background(), "in_1")
	require.NoError(t, err)
	assert.False(t, voided)
}

func TestReclaimStaleReminders(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE reminders SET status='scheduled', updated_at=NOW() WHERE status='sending' AND updated_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.ReclaimStaleReminders(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpdateReferralStatusConflict(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE referrals SET status=$3, converted_at=$4")).
		WithArgs("ref1", "signed_up", "converted", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateReferralStatus(context.Background(), "ref1", "signed_up", "converted", at)
	assert.ErrorIs(t, err, ErrConflict)

	err = s.UpdateReferralStatus(context.Background(), "ref1", "signed_up", "clicked", at)
	assert.Error(t, err)
}

func TestAttachClickedReferralUsedClick(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("SET status='signed_up', referred_broker_id=$3")).
		WithArgs("ref1", "aff1", "b1", "New@Example.com", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.AttachClickedReferral(context.Background(), "ref1", "aff1", "b1", "New@Example.com", at)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateClientStageMissingRowIsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE clients")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateClientStage(context.Background(), "c1", "lead", "onboarding")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetMilestoneDecodesOffsets(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	eventID := "e1"

	mock.ExpectQuery(regexp.QuoteMeta("FROM milestones WHERE id=$1")).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "client_id", "title", "description", "due_at", "status", "sync_to_calendar", "reminder_offsets",
			"calendar_event_id", "created_by", "completed_at", "created_at", "updated_at",
		}).AddRow("m1", "c1", "Appraisal", "", now, "pending", true, []byte(`[1440,60]`), eventID, "b1", nil, now, now))

	m, err := s.GetMilestone(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, []int{1440, 60}, m.ReminderOffsets)
	require.NotNil(t, m.CalendarEventID)
	assert.Equal(t, "e1", *m.CalendarEventID)
	assert.Nil(t, m.CompletedAt)
}

func TestMapWriteErrorUniqueViolation(t *testing.T) {
	err := mapWriteError("insert", &pgconn.PgError{Code: "23505"})
	assert.ErrorIs(t, err, ErrConflict)

	err = mapWriteError("insert", errors.New("boom"))
	assert.False(t, errors.Is(err, ErrConflict))

	assert.NoError(t, mapWriteError("insert", nil))
}

func TestRequireRow(t *testing.T) {
	assert.ErrorIs(t, requireRow(sqlmock.NewResult(0, 0), "update"), sql.ErrNoRows)
	assert.NoError(t, requireRow(sqlmock.NewResult(0, 1), "update"))
}
