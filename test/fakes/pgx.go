// Package fakes holds in-memory stand-ins for the pgx seams used by service
// unit tests.
package fakes

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errNotImplemented = errors.New("fakes: not implemented")

// Pool satisfies db.Pool. Every Begin hands out a fresh Tx.
type Pool struct {
	mu        sync.Mutex
	BeginErr  error
	CommitErr error
	Txs       []*Tx
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{commitErr: p.CommitErr}
	p.Txs = append(p.Txs, tx)
	return tx, nil
}

func (p *Pool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNotImplemented
}

func (p *Pool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNotImplemented
}

func (p *Pool) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

// Last returns the most recent transaction, or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// Commits counts committed transactions.
func (p *Pool) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tx := range p.Txs {
		if tx.Committed {
			n++
		}
	}
	return n
}

type Tx struct {
	Committed  bool
	RolledBack bool
	commitErr  error
}

func (f *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakes: nested transactions not supported")
}

func (f *Tx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.Committed = true
	return nil
}

func (f *Tx) Rollback(context.Context) error {
	if f.Committed {
		return pgx.ErrTxClosed
	}
	f.RolledBack = true
	return nil
}

func (f *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNotImplemented
}

func (f *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNotImplemented
}

func (f *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func (f *Tx) Conn() *pgx.Conn {
	return nil
}

type errRow struct{}

func (errRow) Scan(...any) error { return errNotImplemented }

// Querier satisfies db.Querier for store tests. Each QueryRow consumes the
// next scripted scan; the statements and arguments seen are kept.
type Querier struct {
	mu    sync.Mutex
	Scans []func(dest ...any) error
	SQL   []string
	Args  [][]any
}

func (q *Querier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNotImplemented
}

func (q *Querier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNotImplemented
}

func (q *Querier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.SQL = append(q.SQL, sql)
	q.Args = append(q.Args, args)
	if len(q.Scans) == 0 {
		return errRow{}
	}
	next := q.Scans[0]
	q.Scans = q.Scans[1:]
	return scanRow(next)
}

type scanRow func(dest ...any) error

func (r scanRow) Scan(dest ...any) error { return r(dest...) }
