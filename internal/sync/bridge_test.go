package sync

import (
	"context"
	"net"
	"testing"

	"github.com/helioloureiro/greyd/internal/grey"
)

type fakeHandler struct {
	events []grey.Event
}

func (f *fakeHandler) HandleEvent(ctx context.Context, ev grey.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func TestBridgeReceiveGreyMarksSync(t *testing.T) {
	h := &fakeHandler{}
	b := &Bridge{Handler: h}

	b.ReceiveGrey(net.IPv4(192, 0, 2, 9), "mx.example.com", "a@b.com", "c@d.com")

	if len(h.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(h.events))
	}
	ev := h.events[0]
	if ev.Type != grey.EventGrey || !ev.Sync {
		t.Fatalf("expected synced GREY event, got %+v", ev)
	}
}

func TestBridgeReceiveWhiteDeletionSetsDelete(t *testing.T) {
	h := &fakeHandler{}
	b := &Bridge{Handler: h}

	b.ReceiveWhite(net.IPv4(198, 51, 100, 4), 1700000000, true)

	if len(h.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(h.events))
	}
	ev := h.events[0]
	if ev.Type != grey.EventWhite || !ev.Delete || !ev.Sync {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestBridgeReceiveTrappedAddition(t *testing.T) {
	h := &fakeHandler{}
	b := &Bridge{Handler: h}

	b.ReceiveTrapped(net.IPv4(203, 0, 113, 2), 1700003600, false)

	if len(h.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(h.events))
	}
	ev := h.events[0]
	if ev.Type != grey.EventTrap || ev.Delete || !ev.Sync {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
