package db

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestRunInTx_CommitsAndBindsQuerier(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("provider:42").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit()

	err = RunInTx(context.Background(), mock, func(ctx context.Context) error {
		q := QuerierFromContext(ctx)
		if q == nil {
			t.Fatal("expected transaction on context")
		}
		return AdvisoryXactLock(ctx, q, "provider:42")
	})
	if err != nil {
		t.Fatalf("RunInTx() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("conflict")
	err = RunInTx(context.Background(), mock, func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunInTx_ReusesOuterTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	ctx := WithQuerier(context.Background(), mock)
	called := false
	if err := RunInTx(ctx, mock, func(ctx context.Context) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("RunInTx() error: %v", err)
	}
	if !called {
		t.Fatal("expected fn to run")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected calls: %v", err)
	}
}

func TestConn_FallsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	if got := Conn(context.Background(), mock); got != Querier(mock) {
		t.Error("expected fallback querier")
	}
}
