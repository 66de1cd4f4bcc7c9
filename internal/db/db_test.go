package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/helioloureiro/greyd/internal/db"
	"github.com/helioloureiro/greyd/internal/db/memory"
)

func TestScanPromotesPassedTuple(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	now := time.Unix(100000, 0)

	txn, _ := d.Begin(ctx)
	key := db.TupleKey("1.2.3.4", "x", "m@x", "r@permitted.com")
	txn.Put(ctx, key, db.Value{
		First:  now.Add(-time.Hour),
		Pass:   now.Add(-time.Minute), // already passed
		Expire: now.Add(time.Hour),
		BCount: 1,
		PCount: 0,
	})
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn, err := d.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	result, err := db.Scan(ctx, txn, db.ScanDeps{Now: now, WhiteExp: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	if len(result.WhitelistV4) != 1 || result.WhitelistV4[0] != "1.2.3.4" {
		t.Fatalf("expected 1.2.3.4 in v4 whitelist, got %v", result.WhitelistV4)
	}

	if _, ok, _ := d.Get(ctx, key); ok {
		t.Fatal("expected tuple to be deleted after promotion")
	}
	val, ok, _ := d.Get(ctx, db.IPKey("1.2.3.4"))
	if !ok {
		t.Fatal("expected IP record to exist after promotion")
	}
	if !val.Expire.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected expire = now+white_exp, got %v", val.Expire)
	}
}

func TestScanSkipsPromotionForTrappedIP(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	now := time.Unix(200000, 0)

	txn, _ := d.Begin(ctx)
	txn.Put(ctx, db.IPKey("9.9.9.9"), db.Value{PCount: db.PcountTrapped, Expire: now.Add(time.Hour)})
	txn.Put(ctx, db.TupleKey("9.9.9.9", "x", "m@x", "r@permitted.com"), db.Value{
		Pass:   now.Add(-time.Second),
		Expire: now.Add(time.Hour),
		PCount: 0,
	})
	txn.Commit()

	txn, _ = d.Begin(ctx)
	result, err := db.Scan(ctx, txn, db.ScanDeps{Now: now, WhiteExp: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	txn.Commit()

	for _, ip := range result.WhitelistV4 {
		if ip == "9.9.9.9" {
			t.Fatal("trapped IP must not be promoted to whitelist")
		}
	}
	if len(result.Traplist) != 1 || result.Traplist[0] != "9.9.9.9" {
		t.Fatalf("expected 9.9.9.9 in traplist, got %v", result.Traplist)
	}
}

func TestScanDeletesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	now := time.Unix(300000, 0)

	txn, _ := d.Begin(ctx)
	key := db.TupleKey("8.8.8.8", "x", "m@x", "r@y")
	txn.Put(ctx, key, db.Value{Expire: now.Add(-time.Second), PCount: 0, Pass: now.Add(time.Hour)})
	txn.Commit()

	txn, _ = d.Begin(ctx)
	if _, err := db.Scan(ctx, txn, db.ScanDeps{Now: now, WhiteExp: time.Hour}); err != nil {
		t.Fatal(err)
	}
	txn.Commit()

	if _, ok, _ := d.Get(ctx, key); ok {
		t.Fatal("expected expired tuple to be deleted")
	}
}

func TestScanNeverExpiresSpamtrapsOrDomains(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	now := time.Unix(400000, 0)

	txn, _ := d.Begin(ctx)
	trap := db.MailKey("trap@d3.com")
	txn.Put(ctx, trap, db.Value{PCount: db.PcountSpamtrap, Expire: now.Add(-time.Hour)})
	domain := db.DomKey("permitted.com")
	txn.Put(ctx, domain, db.Value{PCount: db.PcountPermitted, Expire: now.Add(-time.Hour)})
	txn.Commit()

	txn, _ = d.Begin(ctx)
	if _, err := db.Scan(ctx, txn, db.ScanDeps{Now: now, WhiteExp: time.Hour}); err != nil {
		t.Fatal(err)
	}
	txn.Commit()

	if _, ok, _ := d.Get(ctx, trap); !ok {
		t.Fatal("spamtrap entries must never expire via scan")
	}
	if _, ok, _ := d.Get(ctx, domain); !ok {
		t.Fatal("permitted domain entries must never expire via scan")
	}
}
