package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSetProviderRefSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := &CallStore{db: db}
	ctx := context.Background()

	mock.ExpectExec("UPDATE calls SET provider_ref").
		WithArgs("SW_abc123", "c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetProviderRef(ctx, "c-1", "SW_abc123"); err != nil {
		t.Errorf("error was not expected while setting provider ref: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestPruneProcessedSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := &CallStore{db: db}

	mock.ExpectExec("DELETE FROM processed_events").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := s.PruneProcessed(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Errorf("error was not expected while pruning: %s", err)
	}
	if n != 42 {
		t.Errorf("expected 42 pruned rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}
