package memory

import (
	"context"
	"testing"
	"time"

	"github.com/helioloureiro/greyd/internal/db"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := New()

	txn, err := d.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	key := db.TupleKey("1.2.3.4", "helo", "m@x", "r@y")
	val := db.Value{First: time.Unix(100, 0), BCount: 1}
	if err := txn.Put(ctx, key, val); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	got, ok, err := d.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected record present, err=%v ok=%v", err, ok)
	}
	if got.BCount != 1 {
		t.Fatalf("expected bcount 1, got %d", got.BCount)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	d := New()

	txn, _ := d.Begin(ctx)
	key := db.IPKey("10.0.0.1")
	txn.Put(ctx, key, db.Value{})
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := d.Get(ctx, key); ok {
		t.Fatal("expected rollback to discard write")
	}
}

func TestAtomicPromotionReplacesTupleWithIP(t *testing.T) {
	ctx := context.Background()
	d := New()

	txn, _ := d.Begin(ctx)
	tupleKey := db.TupleKey("1.2.3.4", "x", "m@x", "r@permitted.com")
	txn.Put(ctx, tupleKey, db.Value{PCount: 0})
	txn.Commit()

	txn, _ = d.Begin(ctx)
	txn.Delete(ctx, tupleKey)
	ipKey := db.IPKey("1.2.3.4")
	txn.Put(ctx, ipKey, db.Value{PCount: 0, Expire: time.Unix(1000, 0)})
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := d.Get(ctx, tupleKey); ok {
		t.Fatal("expected tuple record to be gone after promotion")
	}
	if _, ok, _ := d.Get(ctx, ipKey); !ok {
		t.Fatal("expected IP record to exist after promotion")
	}
}

func TestSecondBeginBlocksUntilCommit(t *testing.T) {
	ctx := context.Background()
	d := New()

	txn1, _ := d.Begin(ctx)

	done := make(chan struct{})
	go func() {
		txn2, err := d.Begin(ctx)
		if err != nil {
			t.Error(err)
		}
		txn2.Commit()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Begin should not have proceeded before first commit")
	case <-time.After(50 * time.Millisecond):
	}

	txn1.Commit()
	<-done
}

func TestAddrStateReflectsTrapAndWhitelist(t *testing.T) {
	ctx := context.Background()
	d := New()

	txn, _ := d.Begin(ctx)
	txn.Put(ctx, db.IPKey("198.51.100.1"), db.Value{PCount: db.PcountTrapped})
	txn.Commit()

	state, err := d.AddrState(ctx, "198.51.100.1")
	if err != nil {
		t.Fatal(err)
	}
	if state != db.AddrStateTrapped {
		t.Fatalf("expected trapped, got %v", state)
	}

	state, err = d.AddrState(ctx, "198.51.100.2")
	if err != nil {
		t.Fatal(err)
	}
	if state != db.AddrStateNone {
		t.Fatalf("expected none, got %v", state)
	}
}
