package trace

import (
	"database/sql"
	"sync"
	"testing"
	"time"
)

type countingObserver struct {
	mu     sync.Mutex
	ops    map[string]int
	errors int
}

func (o *countingObserver) ObserveSQL(op string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops == nil {
		o.ops = map[string]int{}
	}
	o.ops[op]++
	if err != nil {
		o.errors++
	}
}

func TestDriver_ObservesStatements(t *testing.T) {
	// WHAT: statements through the traced driver reach the observer and
	// still behave like plain sqlite.
	obs := &countingObserver{}
	SetObserver(obs)
	t.Cleanup(func() { SetObserver(nil) })

	db, err := sql.Open(DriverName, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO t (v) VALUES (?)`, "a"); err != nil {
		t.Fatal(err)
	}
	var v string
	if err := db.QueryRow(`SELECT v FROM t WHERE id = ?`, 1).Scan(&v); err != nil || v != "a" {
		t.Fatalf("select: %q %v", v, err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.ops["exec"] < 2 || obs.ops["query"] < 1 {
		t.Errorf("ops = %v, want 2 exec and 1 query", obs.ops)
	}
	if obs.errors != 0 {
		t.Errorf("errors = %d, want 0", obs.errors)
	}
}

func TestDriver_Transactions(t *testing.T) {
	db, err := sql.Open(DriverName, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE t (v TEXT)`); err != nil {
		t.Fatal(err)
	}
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(`INSERT INTO t VALUES ('x')`); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n)
	if n != 0 {
		t.Fatalf("rollback kept %d rows", n)
	}
}

func TestCompact(t *testing.T) {
	if got := compact("SELECT a,\n\t  b FROM t"); got != "SELECT a, b FROM t" {
		t.Fatalf("compact = %q", got)
	}
}
