package grey

import (
	"context"
	"strings"
	"time"

	"github.com/helioloureiro/greyd/internal/audit"
	"github.com/helioloureiro/greyd/internal/clock"
	"github.com/helioloureiro/greyd/internal/db"
	"github.com/helioloureiro/greyd/internal/errors"
	"github.com/helioloureiro/greyd/internal/logging"
)

// Config holds the lifetime constants from the `grey` configuration block.
type Config struct {
	PassTime    time.Duration
	GreyExpiry  time.Duration
	WhiteExp    time.Duration
	TrapExpiry  time.Duration
	LowPrioMX   []string
	Domains     []string // in-memory permitted domain suffixes, lower-cased
	UseDBDomains bool
}

func (c Config) isLowPrioMX(ip string) bool {
	for _, mx := range c.LowPrioMX {
		if mx == ip {
			return true
		}
	}
	return false
}

// Sink receives the deltas produced by a scan pass, to be pushed to the
// firewall driver and broadcast to sync peers.
type Sink interface {
	ApplyWhitelist(ctx context.Context, v4, v6 []string) error
	ApplyTraplist(ctx context.Context, ips []string) error
	Broadcast(ctx context.Context, ev Event) error
}

// Engine is the greylisting reader: it applies the tuple update rule to
// inbound events and runs the periodic expiry/promotion scan.
type Engine struct {
	driver db.Driver
	cfg    Config
	log    *logging.Logger
	audit  *audit.Logger
	sink   Sink
}

// New builds an Engine over an already-opened db.Driver.
func New(driver db.Driver, cfg Config, log *logging.Logger, auditLog *audit.Logger, sink Sink) *Engine {
	return &Engine{driver: driver, cfg: cfg, log: log, audit: auditLog, sink: sink}
}

// HandleEvent applies ev to the database per spec §4.3. GREY events run the
// tuple update rule; WHITE and TRAP events upsert or delete the
// corresponding IP record directly. Any error rolls back the transaction
// and is returned for logging; per spec the caller should log and continue
// rather than abort the reader loop.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) error {
	txn, err := e.driver.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "grey: begin transaction")
	}

	if err := e.apply(ctx, txn, ev); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "grey: commit")
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, txn db.Txn, ev Event) error {
	now := clock.Now()

	switch ev.Type {
	case EventGrey:
		return e.applyTupleUpdate(ctx, txn, ev, now)
	case EventWhite:
		if ev.Delete {
			return txn.Delete(ctx, db.IPKey(ev.IP))
		}
		if err := txn.Put(ctx, db.IPKey(ev.IP), db.Value{PCount: 0, Expire: ev.Expire}); err != nil {
			return err
		}
		if !ev.Sync && e.sink != nil {
			return e.sink.Broadcast(ctx, ev)
		}
		return nil
	case EventTrap:
		if ev.Delete {
			return txn.Delete(ctx, db.IPKey(ev.IP))
		}
		if err := txn.Put(ctx, db.IPKey(ev.IP), db.Value{PCount: db.PcountTrapped, Expire: ev.Expire}); err != nil {
			return err
		}
		if !ev.Sync && e.sink != nil {
			return e.sink.Broadcast(ctx, ev)
		}
		return nil
	default:
		return errors.Errorf(errors.KindValidation, "grey: unknown event type %q", ev.Type)
	}
}

// applyTupleUpdate implements spec §4.3 steps 1-4.
func (e *Engine) applyTupleUpdate(ctx context.Context, txn db.Txn, ev Event, now time.Time) error {
	// Step 1: spamtrap or non-permitted domain -> trap and return.
	trapped, err := e.isSpamtrapOrNonPermitted(ctx, txn, ev.To)
	if err != nil {
		return err
	}
	if trapped {
		expire := now.Add(e.cfg.TrapExpiry)
		if err := txn.Put(ctx, db.IPKey(ev.IP), db.Value{PCount: db.PcountTrapped, Expire: expire}); err != nil {
			return err
		}
		if e.audit != nil {
			e.audit.Trapped(ev.IP, "non-permitted recipient or spamtrap: "+ev.To)
		}
		return nil
	}

	tupleKey := db.TupleKey(ev.IP, ev.Helo, ev.From, ev.To)

	// Step 2: low-priority MX is an immediate pass candidate.
	if e.cfg.isLowPrioMX(ev.IP) {
		if err := txn.Put(ctx, db.IPKey(ev.IP), db.Value{PCount: 0, Expire: now.Add(e.cfg.WhiteExp)}); err != nil {
			return err
		}
		if e.audit != nil {
			e.audit.Promoted(ev.IP, map[string]any{"reason": "low_prio_mx"})
		}
		return nil
	}

	// Step 3: existing tuple.
	existing, ok, err := txnGet(ctx, txn, tupleKey)
	if err != nil {
		return err
	}
	if ok {
		existing.BCount++
		existing.Expire = now.Add(e.cfg.GreyExpiry)
		if !existing.Pass.After(now) {
			if err := txn.Delete(ctx, tupleKey); err != nil {
				return err
			}
			if err := txn.Put(ctx, db.IPKey(ev.IP), db.Value{PCount: 0, Expire: now.Add(e.cfg.WhiteExp)}); err != nil {
				return err
			}
			if e.audit != nil {
				e.audit.Promoted(ev.IP, map[string]any{"bcount": existing.BCount})
			}
			return nil
		}
		return txn.Put(ctx, tupleKey, existing)
	}

	// Step 4: first sighting.
	return txn.Put(ctx, tupleKey, db.Value{
		First:  now,
		Pass:   now.Add(e.cfg.PassTime),
		Expire: now.Add(e.cfg.GreyExpiry),
		BCount: 1,
		PCount: 0,
	})
}

// isSpamtrapOrNonPermitted evaluates step 1's condition: the recipient is a
// known spamtrap literal, or its domain fails the permitted-domain check.
// The domain check applies only when a permitted-domain source (in-memory
// list or database domains) is configured.
func (e *Engine) isSpamtrapOrNonPermitted(ctx context.Context, txn db.Txn, to string) (bool, error) {
	if _, ok, err := txnGet(ctx, txn, db.MailKey(to)); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}

	if len(e.cfg.Domains) == 0 && !e.cfg.UseDBDomains {
		return false, nil
	}

	domain := domainOf(to)
	if domain == "" {
		return true, nil
	}

	if matchInMemoryDomain(e.cfg.Domains, domain) {
		return false, nil
	}
	if e.cfg.UseDBDomains {
		if _, ok, err := txnGet(ctx, txn, db.DomPartKey(domain)); err != nil {
			return false, err
		} else if ok {
			return false, nil
		}
	}
	return true, nil
}

func domainOf(mail string) string {
	idx := strings.LastIndexByte(mail, '@')
	if idx < 0 || idx == len(mail)-1 {
		return ""
	}
	return strings.ToLower(mail[idx+1:])
}

func matchInMemoryDomain(domains []string, domain string) bool {
	for _, d := range domains {
		d = strings.ToLower(d)
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// txnGet reads a key within an in-flight transaction by scanning
// the entries class, since db.Txn does not expose a point Get (only the
// top-level Driver does, outside any transaction).
func txnGet(ctx context.Context, txn db.Txn, key db.Key) (db.Value, bool, error) {
	var (
		found bool
		val   db.Value
	)
	err := txn.Iterate(ctx, db.ClassEntries|db.ClassSpamtraps|db.ClassDomains, func(rec db.Record) error {
		if found {
			return nil
		}
		if keysEqual(rec.Key, key) {
			found = true
			val = rec.Value
		}
		return nil
	})
	if err != nil {
		return db.Value{}, false, err
	}
	return val, found, nil
}

func keysEqual(a, b db.Key) bool {
	return a.String() == b.String()
}
