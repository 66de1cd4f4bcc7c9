// Package memory implements an in-process db.Driver backed by a map,
// suitable for tests and for the single-node case where persistence across
// restarts does not matter.
package memory

import (
	"context"
	"sync"

	"github.com/helioloureiro/greyd/internal/db"
	"github.com/helioloureiro/greyd/internal/errors"
)

// Driver is a map-backed db.Driver. All access is guarded by a single
// mutex; Begin blocks until any prior transaction has committed or rolled
// back, matching the single-writer contract in spec §4.4.
type Driver struct {
	mu      sync.Mutex
	records map[string]db.Record
}

// New returns an empty Driver.
func New() *Driver {
	return &Driver{records: make(map[string]db.Record)}
}

func (d *Driver) Open(ctx context.Context) error  { return nil }
func (d *Driver) Close() error                    { return nil }

func (d *Driver) Get(ctx context.Context, key db.Key) (db.Value, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key.String()]
	if !ok {
		return db.Value{}, false, nil
	}
	return rec.Value, true, nil
}

func (d *Driver) AddrState(ctx context.Context, ip string) (db.AddrState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[db.IPKey(ip).String()]
	if !ok {
		return db.AddrStateNone, nil
	}
	if rec.Value.IsTrapped() {
		return db.AddrStateTrapped, nil
	}
	return db.AddrStateWhitelisted, nil
}

func (d *Driver) Begin(ctx context.Context) (db.Txn, error) {
	d.mu.Lock()
	return &txn{driver: d, writes: map[string]*db.Record{}}, nil
}

// txn buffers writes and applies them to the driver only on Commit, giving
// callers transactional isolation without a full copy-on-write store.
type txn struct {
	driver    *Driver
	writes    map[string]*db.Record // nil value means delete
	committed bool
}

func (t *txn) Put(ctx context.Context, key db.Key, val db.Value) error {
	rec := db.Record{Key: key, Value: val}
	t.writes[key.String()] = &rec
	return nil
}

func (t *txn) Delete(ctx context.Context, key db.Key) error {
	t.writes[key.String()] = nil
	return nil
}

func (t *txn) Iterate(ctx context.Context, classes db.EntryClass, fn func(db.Record) error) error {
	seen := map[string]bool{}

	// Snapshot the pending writes so records fn writes during the walk are
	// not visited by it.
	pending := make(map[string]*db.Record, len(t.writes))
	for k, rec := range t.writes {
		pending[k] = rec
	}

	visit := func(rec db.Record) error {
		if !classMatches(classes, rec.Value) {
			return nil
		}
		return fn(rec)
	}

	for k, rec := range t.driver.records {
		seen[k] = true
		if override, buffered := t.writes[k]; buffered {
			if override == nil {
				continue // deleted within this txn
			}
			rec = *override
		}
		if err := visit(rec); err != nil {
			return err
		}
	}
	for k, rec := range pending {
		if seen[k] || rec == nil {
			continue
		}
		if err := visit(*rec); err != nil {
			return err
		}
	}
	return nil
}

func classMatches(classes db.EntryClass, v db.Value) bool {
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
	if t.committed {
		return errors.New(errors.KindConflict, "memory: transaction already closed")
	}
	t.committed = true
	defer t.driver.mu.Unlock()

	for k, rec := range t.writes {
		if rec == nil {
			delete(t.driver.records, k)
			continue
		}
		t.driver.records[k] = *rec
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.committed {
		return errors.New(errors.KindConflict, "memory: transaction already closed")
	}
	t.committed = true
	t.driver.mu.Unlock()
	return nil
}
