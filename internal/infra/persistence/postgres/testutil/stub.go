// Package testutil provides a recording stub database for postgres store
// tests, so the SQL surface can be exercised without a live server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"time"
)

// Stmt is one recorded statement with its bound arguments.
type Stmt struct {
	Query string
	Args  []driver.Value
}

// StubConn records every statement the store issues and serves queued query
// results in FIFO order.
type StubConn struct {
	mu           sync.Mutex
	Execs        []Stmt
	Queries      []Stmt
	queued       []queuedRows
	ExecAffected int64
	FailPing     bool
	FailExec     error
	FailQuery    error
	FailBegin    bool
	FailCommit   bool
}

type queuedRows struct {
	cols []string
	rows [][]driver.Value
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{ExecAffected: 1}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// QueueRows enqueues one result set for the next query.
func (c *StubConn) QueueRows(cols []string, rows ...[]driver.Value) {
	c.mu.Lock()
	c.queued = append(c.queued, queuedRows{cols: cols, rows: rows})
	c.mu.Unlock()
}

// ExecStatements returns the queries recorded by ExecContext.
func (c *StubConn) ExecStatements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Execs))
	for i, stmt := range c.Execs {
		out[i] = stmt.Query
	}
	return out
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, Stmt{Query: query, Args: namedValues(args)})
	if c.FailExec != nil {
		return nil, c.FailExec
	}
	return driver.RowsAffected(c.ExecAffected), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queries = append(c.Queries, Stmt{Query: query, Args: namedValues(args)})
	if c.FailQuery != nil {
		return nil, c.FailQuery
	}
	if len(c.queued) == 0 {
		return &stubRows{}, nil
	}
	next := c.queued[0]
	c.queued = c.queued[1:]
	return &stubRows{cols: next.cols, rows: next.rows}, nil
}

func namedValues(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, arg := range args {
		out[i] = arg.Value
	}
	return out
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}

func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
