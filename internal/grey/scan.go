package grey

import (
	"context"

	"github.com/helioloureiro/greyd/internal/clock"
	"github.com/helioloureiro/greyd/internal/db"
	"github.com/helioloureiro/greyd/internal/errors"
)

// ScanOnce runs one pass of the expiry/promotion sweep (spec §4.3
// scan_db) inside its own transaction, then pushes the resulting deltas to
// the configured Sink: a firewall whitelist/traplist replace and, for every
// address in the resulting whitelist (newly promoted or already
// whitelisted), a WHITE broadcast to sync peers.
func (e *Engine) ScanOnce(ctx context.Context) (db.ScanResult, error) {
	txn, err := e.driver.Begin(ctx)
	if err != nil {
		return db.ScanResult{}, errors.Wrap(err, errors.KindUnavailable, "grey: scan begin")
	}

	result, err := db.Scan(ctx, txn, db.ScanDeps{Now: clock.Now(), WhiteExp: e.cfg.WhiteExp})
	if err != nil {
		txn.Rollback()
		return db.ScanResult{}, errors.Wrap(err, errors.KindInternal, "grey: scan")
	}
	if err := txn.Commit(); err != nil {
		return db.ScanResult{}, errors.Wrap(err, errors.KindInternal, "grey: scan commit")
	}

	if e.sink == nil {
		return result, nil
	}

	if err := e.sink.ApplyWhitelist(ctx, result.WhitelistV4, result.WhitelistV6); err != nil {
		e.log.Warn("grey: firewall whitelist push failed", "error", err)
	}
	if err := e.sink.ApplyTraplist(ctx, result.Traplist); err != nil {
		e.log.Warn("grey: firewall traplist push failed", "error", err)
	}

	for _, ip := range append(append([]string{}, result.WhitelistV4...), result.WhitelistV6...) {
		ev := Event{Type: EventWhite, IP: ip, Expire: clock.Now().Add(e.cfg.WhiteExp)}
		if err := e.sink.Broadcast(ctx, ev); err != nil {
			e.log.Warn("grey: sync broadcast failed", "ip", ip, "error", err)
		}
	}

	return result, nil
}
