package migrations

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
)

var (
	createdTable      = regexp.MustCompile(`CREATE TABLE "([^"]+)"`)
	createdConstraint = regexp.MustCompile(`CONSTRAINT "([^"]+)" FOREIGN KEY`)
)

// catalog is a database/sql connector that records every statement and
// answers gorm's information_schema lookups from what it has seen created.
type catalog struct {
	mu    sync.Mutex
	execs []string
}

func (c *catalog) Connect(context.Context) (driver.Conn, error) { return &catalogConn{c: c}, nil }
func (c *catalog) Driver() driver.Driver                        { return catalogDriver{c: c} }

func (c *catalog) exists(re *regexp.Regexp, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.execs {
		for _, m := range re.FindAllStringSubmatch(q, -1) {
			if m[1] == name {
				return true
			}
		}
	}
	return false
}

func (c *catalog) statements(re *regexp.Regexp, name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, q := range c.execs {
		for _, m := range re.FindAllStringSubmatch(q, -1) {
			if m[1] == name {
				out = append(out, q)
			}
		}
	}
	return out
}

type catalogDriver struct{ c *catalog }

func (d catalogDriver) Open(string) (driver.Conn, error) { return &catalogConn{c: d.c}, nil }

type catalogConn struct{ c *catalog }

func (cn *catalogConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements are not supported")
}
func (cn *catalogConn) Close() error              { return nil }
func (cn *catalogConn) Begin() (driver.Tx, error) { return catalogTx{}, nil }

func (cn *catalogConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	cn.c.mu.Lock()
	cn.c.execs = append(cn.c.execs, query)
	cn.c.mu.Unlock()
	return driver.RowsAffected(0), nil
}

func (cn *catalogConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if !strings.Contains(query, "count(*)") || len(args) == 0 {
		return &countRows{}, nil
	}
	var found bool
	switch {
	case strings.Contains(query, "table_constraints"):
		name, _ := args[len(args)-1].Value.(string)
		found = cn.c.exists(createdConstraint, name)
	case strings.Contains(query, "information_schema.tables"):
		name, _ := args[0].Value.(string)
		found = cn.c.exists(createdTable, name)
	}
	n := int64(0)
	if found {
		n = 1
	}
	return &countRows{value: &n}, nil
}

type catalogTx struct{}

func (catalogTx) Commit() error   { return nil }
func (catalogTx) Rollback() error { return nil }

type countRows struct {
	value *int64
	done  bool
}

func (r *countRows) Columns() []string { return []string{"count"} }
func (r *countRows) Close() error      { return nil }

func (r *countRows) Next(dest []driver.Value) error {
	if r.value == nil || r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = *r.value
	return nil
}

func TestInitOnFreshDatabase(t *testing.T) {
	ctx := context.Background()
	cat := &catalog{}
	db := sql.OpenDB(cat)
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	if err := upInit(ctx, tx); err != nil {
		t.Fatalf("upInit() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	for _, table := range []string{"referrals", "referral_signups", "referral_payments", "audit"} {
		if got := cat.statements(createdTable, table); len(got) != 1 {
			t.Fatalf("table %s created %d times", table, len(got))
		}
	}
	for _, name := range []string{"fk_referral_signups_referral", "fk_referral_payments_referral"} {
		if got := cat.statements(createdConstraint, name); len(got) != 1 {
			t.Fatalf("constraint %s created %d times: %q", name, len(got), got)
		}
	}
}
