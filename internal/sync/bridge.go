package sync

import (
	"context"
	"net"
	"time"

	"github.com/helioloureiro/greyd/internal/grey"
	"github.com/helioloureiro/greyd/internal/logging"
)

// GreyHandler is the subset of grey.Engine this package depends on,
// letting tests substitute a fake without pulling in a real db.Driver.
type GreyHandler interface {
	HandleEvent(ctx context.Context, ev grey.Event) error
}

// Bridge adapts an Engine's decoded wire records into grey.Event values and
// feeds them to a GreyHandler, always with Sync set so the greylisting
// engine never re-broadcasts them (spec §4.5 Receive).
type Bridge struct {
	Handler GreyHandler
	Log     *logging.Logger
}

func (b *Bridge) ReceiveGrey(ip net.IP, helo, from, to string) {
	ev := grey.Event{Type: grey.EventGrey, IP: ip.String(), Helo: helo, From: from, To: to, Sync: true}
	b.handle(ev)
}

func (b *Bridge) ReceiveWhite(ip net.IP, expire uint32, del bool) {
	ev := grey.Event{Type: grey.EventWhite, IP: ip.String(), Delete: del, Expire: time.Unix(int64(expire), 0), Sync: true}
	b.handle(ev)
}

func (b *Bridge) ReceiveTrapped(ip net.IP, expire uint32, del bool) {
	ev := grey.Event{Type: grey.EventTrap, IP: ip.String(), Delete: del, Expire: time.Unix(int64(expire), 0), Sync: true}
	b.handle(ev)
}

func (b *Bridge) handle(ev grey.Event) {
	if err := b.Handler.HandleEvent(context.Background(), ev); err != nil && b.Log != nil {
		b.Log.Warn("sync: failed to apply remote event", "type", ev.Type, "ip", ev.IP, "error", err)
	}
}
