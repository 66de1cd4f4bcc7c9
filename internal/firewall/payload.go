// Package firewall implements the driver side of the firewall message
// contract (spec §6): replacing the whitelist's IPv4/IPv6 named sets and
// reloading the traplist blacklist entry, backed by nftables.
package firewall

import "context"

// WhitelistPayload is the firewall message for a scan-driven whitelist
// replace: two named CIDR sets, one per address family.
type WhitelistPayload struct {
	V4 []string
	V6 []string
}

// TraplistPayload is the firewall message for the traplist blacklist
// loader: a named, messaged blacklist whose membership is the full set of
// currently trapped IPs.
type TraplistPayload struct {
	Name    string
	Message string
	IPs     []string
}

// Driver is the firewall integration point the core owns (spec §1: "the
// firewall driver ABI... is not respecified here" beyond this contract).
type Driver interface {
	ReplaceWhitelist(ctx context.Context, payload WhitelistPayload) error
	ReplaceTraplist(ctx context.Context, payload TraplistPayload) error
}
