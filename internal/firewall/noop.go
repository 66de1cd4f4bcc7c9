package firewall

import "context"

// NoopDriver discards every replace. Used for tests and for hosts where
// greyd runs without a firewall integration (spec §1 Non-goals: the
// firewall driver itself is a pluggable concern).
type NoopDriver struct{}

func (NoopDriver) ReplaceWhitelist(ctx context.Context, payload WhitelistPayload) error {
	return nil
}

func (NoopDriver) ReplaceTraplist(ctx context.Context, payload TraplistPayload) error {
	return nil
}
