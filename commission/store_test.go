package commission

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"jobmarket/apperr"
	"jobmarket/test/fakes"
)

func failWith(err error) func(...any) error {
	return func(...any) error { return err }
}

func scanString(v string) func(...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = v
		return nil
	}
}

func TestPGStoreInsert_OnlyJobConflictIsSilent(t *testing.T) {
	rec := Record{ID: "c-1", JobID: "job-1", FinalAmount: decimal.NewFromInt(100), TotalDue: decimal.NewFromInt(6)}
	tests := []struct {
		name     string
		err      error
		wantErr  bool
		wantKind apperr.Kind
	}{
		{name: "already settled", err: pgx.ErrNoRows},
		{name: "job conflict", err: &pgconn.PgError{Code: "23505", ConstraintName: "commission_records_job_id_key"}},
		{name: "id collision", err: &pgconn.PgError{Code: "23505", ConstraintName: "commission_records_pkey"}, wantErr: true, wantKind: apperr.KindInternal},
		{name: "check violation", err: &pgconn.PgError{Code: "23514", ConstraintName: "commission_records_final_amount_check"}, wantErr: true, wantKind: apperr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakes.Querier{Scans: []func(...any) error{failWith(tt.err)}}
			_, created, err := NewPGStore().Insert(context.Background(), q, rec)
			if created {
				t.Fatal("failed insert reported as created")
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && apperr.KindOf(err) != tt.wantKind {
				t.Fatalf("kind = %s, want %s", apperr.KindOf(err), tt.wantKind)
			}
		})
	}
}

func TestPGStoreReservePayment(t *testing.T) {
	tests := []struct {
		name  string
		scans []func(...any) error
		want  error
	}{
		{name: "new reference", scans: []func(...any) error{scanString("c-1")}},
		{name: "replay on same record", scans: []func(...any) error{failWith(pgx.ErrNoRows), scanString("c-1")}, want: ErrDuplicatePayment},
		{name: "reference owned elsewhere", scans: []func(...any) error{failWith(pgx.ErrNoRows), scanString("c-2")}, want: ErrPaymentRefInUse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakes.Querier{Scans: tt.scans}
			err := NewPGStore().ReservePayment(context.Background(), q, "pay-1", "c-1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
