package firewall

import (
	"context"
	"net"

	"github.com/helioloureiro/greyd/internal/grey"
	"github.com/helioloureiro/greyd/internal/sync"
)

// Sink implements grey.Sink: it fans every scan-pass delta out to the
// firewall driver and, when a sync engine is configured, to the peer
// broadcast (spec §4.5 Send: "every local whitelist/trap/grey mutation
// triggers a packet" to sync peers).
type Sink struct {
	Driver Driver
	Sync   *sync.Engine

	Name string
	Msg  string
}

// ApplyWhitelist pushes the full v4/v6 whitelist membership to the
// firewall driver.
func (s *Sink) ApplyWhitelist(ctx context.Context, v4, v6 []string) error {
	if s.Driver == nil {
		return nil
	}
	return s.Driver.ReplaceWhitelist(ctx, WhitelistPayload{V4: v4, V6: v6})
}

// ApplyTraplist pushes the full trapped-IP membership to the firewall
// driver under the configured blacklist name/message.
func (s *Sink) ApplyTraplist(ctx context.Context, ips []string) error {
	if s.Driver == nil {
		return nil
	}
	return s.Driver.ReplaceTraplist(ctx, TraplistPayload{Name: s.Name, Message: s.Msg, IPs: ips})
}

// Broadcast sends ev to every sync peer. Events that originated from a
// peer (Sync: true) are never rebroadcast, matching spec §4.5's loop
// prevention rule.
func (s *Sink) Broadcast(ctx context.Context, ev grey.Event) error {
	if s.Sync == nil || ev.Sync {
		return nil
	}

	ip := net.ParseIP(ev.IP)
	if ip == nil {
		return nil
	}
	ts := uint32(0)
	expire := uint32(0)
	if !ev.Expire.IsZero() {
		expire = uint32(ev.Expire.Unix())
	}

	switch ev.Type {
	case grey.EventGrey:
		s.Sync.SendGrey(ts, ip, ev.Helo, ev.From, ev.To)
	case grey.EventWhite:
		s.Sync.SendWhite(ts, ip, expire, ev.Delete)
	case grey.EventTrap:
		s.Sync.SendTrapped(ts, ip, expire, ev.Delete)
	}
	return nil
}
