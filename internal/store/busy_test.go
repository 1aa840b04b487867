package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// beginWithRetry's SQLITE_BUSY back-off loop is hard to trigger
// deterministically against a real embedded file: it needs genuine lock
// contention from a second writer. sqlmock lets the driver hand back
// SQLITE_BUSY on command instead.

func TestBeginWithRetryRetriesOnBusyDuringBegin(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin()
	mock.ExpectExec("BEGIN IMMEDIATE").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := beginWithRetry(context.Background(), db, "BEGIN IMMEDIATE")
	if err != nil {
		t.Fatalf("beginWithRetry: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBeginWithRetryRetriesOnBusyDuringBeginStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("BEGIN IMMEDIATE").WillReturnError(errors.New("SQLITE_BUSY: database is locked"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec("BEGIN IMMEDIATE").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := beginWithRetry(context.Background(), db, "BEGIN IMMEDIATE")
	if err != nil {
		t.Fatalf("beginWithRetry: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBeginWithRetryGivesUpWhenContextExpires(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	// beginWithRetry only checks ctx.Done() between attempts, inside
	// sleepBackoff, so every attempt up to the deadline must be mocked.
	for i := 0; i < 4; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err = beginWithRetry(ctx, db, "BEGIN IMMEDIATE")
	if err == nil {
		t.Fatal("expected error once context expires")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped DeadlineExceeded, got %v", err)
	}
}

func TestIsBusyRecognizesLockedAndBusyMessages(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("no such table: tasks"), false},
	}
	for _, c := range cases {
		if got := isBusy(c.err); got != c.want {
			t.Errorf("isBusy(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
