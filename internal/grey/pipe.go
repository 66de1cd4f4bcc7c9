package grey

import (
	"context"

	"github.com/helioloureiro/greyd/internal/logging"
)

// Pipe is the in-process analogue of the grey pipe (spec §5): the
// connection engine and the sync bridge both enqueue events here, and a
// single reader goroutine drains them into the Engine serially, exactly
// as the spec's single-threaded "grey reader (child of main)" does.
type Pipe struct {
	events chan Event
	eng    *Engine
	log    *logging.Logger
}

// NewPipe creates a Pipe with the given channel capacity. A full pipe
// applies backpressure to callers of HandleEvent/EmitGrey, matching the
// spec's blocking-pipe-write semantics.
func NewPipe(eng *Engine, log *logging.Logger, capacity int) *Pipe {
	return &Pipe{events: make(chan Event, capacity), eng: eng, log: log}
}

// HandleEvent enqueues ev for the reader goroutine. It satisfies
// internal/sync's GreyHandler, so peer-originated records flow through the
// same pipe as locally observed ones.
func (p *Pipe) HandleEvent(ctx context.Context, ev Event) error {
	select {
	case p.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitGrey builds and enqueues a GREY event. It satisfies internal/conn's
// EventEmitter.
func (p *Pipe) EmitGrey(ctx context.Context, ip, helo, from, to string) error {
	return p.HandleEvent(ctx, Event{Type: EventGrey, IP: ip, Helo: helo, From: from, To: to})
}

// Run drains the pipe until ctx is cancelled, applying each event to the
// engine in order and logging (never aborting on) a failed mutation, per
// spec §7's transaction-local error handling.
func (p *Pipe) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-p.events:
			if err := p.eng.HandleEvent(ctx, ev); err != nil {
				p.log.Warn("grey: event handling failed", "type", ev.Type, "ip", ev.IP, "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
