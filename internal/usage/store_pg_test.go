package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*pgStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPGStore(db, 1_000_000), mock
}

func activePeriodRows(used, limit int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "account_id", "tokens_used", "tokens_limit", "period_start", "period_end", "status",
	}).AddRow("7b2f1c9e-0000-0000-0000-000000000001", "acct-1", used, limit, now.AddDate(0, 0, -10), now.AddDate(0, 0, 20), "active")
}

func reservedRows(sum int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"coalesce"}).AddRow(sum)
}

func TestPGStoreTryReserveGrants(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, account_id, tokens_used").
		WithArgs("acct-1").
		WillReturnRows(activePeriodRows(100_000, 1_000_000))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("acct-1").
		WillReturnRows(reservedRows(120_000))
	mock.ExpectCommit()

	granted := false
	snap, err := store.TryReserve(context.Background(), "acct-1", 120_000, func(ctx context.Context) error {
		granted = true
		return nil
	})
	if err != nil {
		t.Fatalf("try reserve: %v", err)
	}
	if !granted {
		t.Fatalf("expected onGrant to run")
	}
	if snap.Reserved != 240_000 {
		t.Fatalf("reserved = %d, want 240000", snap.Reserved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreTryReserveHardDenialSkipsGrant(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, account_id, tokens_used").
		WithArgs("acct-1").
		WillReturnRows(activePeriodRows(950_000, 1_000_000))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("acct-1").
		WillReturnRows(reservedRows(0))
	mock.ExpectRollback()

	_, err := store.TryReserve(context.Background(), "acct-1", 120_000, func(ctx context.Context) error {
		t.Fatal("onGrant must not run on denial")
		return nil
	})
	if !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreTryReserveSoftDenialWithReservations(t *testing.T) {
	store, mock := newMockStore(t)

	// Budget covers the estimate on its own, but in-flight reservations
	// hold the remainder.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, account_id, tokens_used").
		WithArgs("acct-1").
		WillReturnRows(activePeriodRows(500_000, 1_000_000))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("acct-1").
		WillReturnRows(reservedRows(400_000))
	mock.ExpectRollback()

	_, err := store.TryReserve(context.Background(), "acct-1", 120_000, nil)
	if !errors.Is(err, ErrReportsInFlight) {
		t.Fatalf("expected ErrReportsInFlight, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreTryReserveCreatesPeriodLazily(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, account_id, tokens_used").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "tokens_used", "tokens_limit", "period_start", "period_end", "status",
		}))
	mock.ExpectExec("INSERT INTO usage_periods").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("acct-1").
		WillReturnRows(reservedRows(0))
	mock.ExpectCommit()

	snap, err := store.TryReserve(context.Background(), "acct-1", 120_000, nil)
	if err != nil {
		t.Fatalf("try reserve: %v", err)
	}
	if snap.TokensLimit != 1_000_000 {
		t.Fatalf("limit = %d, want default 1000000", snap.TokensLimit)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreRecordAddsToPeriod(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, account_id, tokens_used").
		WithArgs("acct-1").
		WillReturnRows(activePeriodRows(10_000, 1_000_000))
	mock.ExpectExec("UPDATE usage_periods SET tokens_used").
		WithArgs(int64(13_500), "7b2f1c9e-0000-0000-0000-000000000001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Record(context.Background(), "acct-1", "report_step:AN1", 3_000, 500); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreRecordSkipsZeroTokens(t *testing.T) {
	store, mock := newMockStore(t)

	if err := store.Record(context.Background(), "acct-1", "report_step:AN1", 0, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
