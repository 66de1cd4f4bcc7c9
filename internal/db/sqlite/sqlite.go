// Package sqlite implements db.Driver on top of modernc.org/sqlite, the
// pure-Go SQLite driver, for deployments that want greylist state to
// survive a restart without an external database server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/helioloureiro/greyd/internal/db"
	"github.com/helioloureiro/greyd/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	key_type  INTEGER NOT NULL,
	key_ip    TEXT NOT NULL DEFAULT '',
	key_helo  TEXT NOT NULL DEFAULT '',
	key_from  TEXT NOT NULL DEFAULT '',
	key_to    TEXT NOT NULL DEFAULT '',
	key_s     TEXT NOT NULL DEFAULT '',
	first     INTEGER NOT NULL DEFAULT 0,
	pass      INTEGER NOT NULL DEFAULT 0,
	expire    INTEGER NOT NULL DEFAULT 0,
	bcount    INTEGER NOT NULL DEFAULT 0,
	pcount    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (key_type, key_ip, key_helo, key_from, key_to, key_s)
);
CREATE INDEX IF NOT EXISTS idx_records_pcount ON records(pcount);
`

// Driver stores greylist records in a single SQLite database file.
type Driver struct {
	path string
	db   *sql.DB
	txMu txMutex
}

// New returns a Driver for the given database file path. A path of
// ":memory:" opens a private in-memory database, useful for tests that
// still want to exercise the real SQL statements.
func New(path string) *Driver {
	return &Driver{path: path}
}

func (d *Driver) Open(ctx context.Context) error {
	dsn := d.path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", d.path)
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "sqlite: open")
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return errors.Wrap(err, errors.KindInternal, "sqlite: create schema")
	}
	d.db = sqlDB
	return nil
}

func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *Driver) Begin(ctx context.Context) (db.Txn, error) {
	d.txMu.Lock()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.txMu.Unlock()
		return nil, errors.Wrap(err, errors.KindInternal, "sqlite: begin")
	}
	return &txn{driver: d, tx: tx}, nil
}

func (d *Driver) Get(ctx context.Context, key db.Key) (db.Value, bool, error) {
	row := d.db.QueryRowContext(ctx, selectQuery, keyArgs(key)...)
	return scanValue(row)
}

func (d *Driver) AddrState(ctx context.Context, ip string) (db.AddrState, error) {
	var pcount int
	err := d.db.QueryRowContext(ctx,
		`SELECT pcount FROM records WHERE key_type = ? AND key_s = ?`,
		int16(db.KeyIP), ip,
	).Scan(&pcount)
	if err == sql.ErrNoRows {
		return db.AddrStateNone, nil
	}
	if err != nil {
		return db.AddrStateError, errors.Wrap(err, errors.KindInternal, "sqlite: addr_state")
	}
	if pcount == db.PcountTrapped {
		return db.AddrStateTrapped, nil
	}
	return db.AddrStateWhitelisted, nil
}

// txMutex serializes Begin the same way the memory driver does, since
// SQLite itself only serializes at the statement level and spec §4.4
// requires single-writer semantics at the transaction level.
type txMutex struct{ ch chan struct{} }

func (m *txMutex) Lock() {
	if m.ch == nil {
		m.ch = make(chan struct{}, 1)
	}
	m.ch <- struct{}{}
}

func (m *txMutex) Unlock() {
	<-m.ch
}

type txn struct {
	driver *Driver
	tx     *sql.Tx
	closed bool
}

const selectQuery = `
SELECT first, pass, expire, bcount, pcount FROM records
WHERE key_type = ? AND key_ip = ? AND key_helo = ? AND key_from = ? AND key_to = ? AND key_s = ?
`

func keyArgs(key db.Key) []any {
	if key.Type == db.KeyTuple {
		return []any{int16(key.Type), key.Tuple.IP, key.Tuple.Helo, key.Tuple.From, key.Tuple.To, ""}
	}
	return []any{int16(key.Type), "", "", "", "", key.S}
}

func scanValue(row *sql.Row) (db.Value, bool, error) {
	var first, pass, expire int64
	var bcount, pcount int
	err := row.Scan(&first, &pass, &expire, &bcount, &pcount)
	if err == sql.ErrNoRows {
		return db.Value{}, false, nil
	}
	if err != nil {
		return db.Value{}, false, errors.Wrap(err, errors.KindInternal, "sqlite: scan")
	}
	return db.Value{
		First:  time.Unix(first, 0),
		Pass:   time.Unix(pass, 0),
		Expire: time.Unix(expire, 0),
		BCount: bcount,
		PCount: pcount,
	}, true, nil
}

func (t *txn) Put(ctx context.Context, key db.Key, val db.Value) error {
	args := append(keyArgs(key),
		val.First.Unix(), val.Pass.Unix(), val.Expire.Unix(), val.BCount, val.PCount,
	)
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO records (key_type, key_ip, key_helo, key_from, key_to, key_s, first, pass, expire, bcount, pcount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_type, key_ip, key_helo, key_from, key_to, key_s) DO UPDATE SET
			first = excluded.first, pass = excluded.pass, expire = excluded.expire,
			bcount = excluded.bcount, pcount = excluded.pcount
	`, args...)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "sqlite: put")
	}
	return nil
}

func (t *txn) Delete(ctx context.Context, key db.Key) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM records
		WHERE key_type = ? AND key_ip = ? AND key_helo = ? AND key_from = ? AND key_to = ? AND key_s = ?
	`, keyArgs(key)...)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "sqlite: delete")
	}
	return nil
}

func (t *txn) Iterate(ctx context.Context, classes db.EntryClass, fn func(db.Record) error) error {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT key_type, key_ip, key_helo, key_from, key_to, key_s, first, pass, expire, bcount, pcount
		FROM records
	`)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "sqlite: iterate")
	}
	defer rows.Close()

	for rows.Next() {
		var keyType int16
		var ip, helo, from, to, s string
		var first, pass, expire int64
		var bcount, pcount int
		if err := rows.Scan(&keyType, &ip, &helo, &from, &to, &s, &first, &pass, &expire, &bcount, &pcount); err != nil {
			return errors.Wrap(err, errors.KindInternal, "sqlite: scan row")
		}

		val := db.Value{
			First:  time.Unix(first, 0),
			Pass:   time.Unix(pass, 0),
			Expire: time.Unix(expire, 0),
			BCount: bcount,
			PCount: pcount,
		}
		if !matchesClass(classes, val) {
			continue
		}

		var key db.Key
		if db.KeyType(keyType) == db.KeyTuple {
			key = db.TupleKey(ip, helo, from, to)
		} else {
			key = db.Key{Type: db.KeyType(keyType), S: s}
		}

		if err := fn(db.Record{Key: key, Value: val}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func matchesClass(classes db.EntryClass, v db.Value) bool {
	switch {
	case v.IsSpamtrap():
		return classes&db.ClassSpamtraps != 0
	case v.IsPermittedDomain():
		return classes&db.ClassDomains != 0
	default:
		return classes&db.ClassEntries != 0
	}
}

func (t *txn) Commit() error {
	if t.closed {
		return errors.New(errors.KindConflict, "sqlite: transaction already closed")
	}
	t.closed = true
	defer t.driver.txMu.Unlock()
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "sqlite: commit")
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.closed {
		return errors.New(errors.KindConflict, "sqlite: transaction already closed")
	}
	t.closed = true
	defer t.driver.txMu.Unlock()
	if err := t.tx.Rollback(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "sqlite: rollback")
	}
	return nil
}
