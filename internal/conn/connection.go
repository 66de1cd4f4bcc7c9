package conn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/helioloureiro/greyd/internal/address"
	"github.com/helioloureiro/greyd/internal/blacklist"
	"github.com/helioloureiro/greyd/internal/clock"
	grerrors "github.com/helioloureiro/greyd/internal/errors"
	"github.com/helioloureiro/greyd/internal/logging"
)

// Config holds the per-server settings the connection engine needs (the
// `firewall`/top-level configuration keys relevant to this subsystem).
type Config struct {
	Hostname string
	Banner   string
	Stutter  time.Duration
	Timeout  time.Duration
	MaxCons  int
	MaxBlack int
}

// EventEmitter is how the connection engine hands a completed greylist
// tuple upstream to the greylisting engine (the "grey pipe" of spec §4.3,
// §6), decoupling internal/conn from internal/grey.
type EventEmitter interface {
	EmitGrey(ctx context.Context, ip, helo, from, to string) error
}

// Connection represents one accepted peer for the lifetime of its SMTP
// conversation (spec §3 Connection).
type Connection struct {
	cfg      Config
	registry *blacklist.Registry
	emitter  EventEmitter
	log      *logging.Logger

	conn net.Conn
	peer string

	lists       []*blacklist.Blacklist
	listSummary string
	blacklisted bool
	stutterIvl  time.Duration

	helo, mail, rcpt string
	sessionStart     time.Time
	state            State
}

// New allocates a Connection for a freshly accepted net.Conn, consulting
// the blacklist registry and composing the banner (spec §4.2 init).
func New(c net.Conn, cfg Config, registry *blacklist.Registry, emitter EventEmitter, log *logging.Logger) (*Connection, error) {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		host = c.RemoteAddr().String()
	}

	addr, err := address.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("conn: invalid peer address %q: %w", host, err)
	}

	matches := registry.Match(addr)

	conn := &Connection{
		cfg:          cfg,
		registry:     registry,
		emitter:      emitter,
		log:          log,
		conn:         c,
		peer:         host,
		lists:        matches,
		listSummary:  ListSummary(matches),
		blacklisted:  len(matches) > 0,
		sessionStart: clock.Now(),
		state:        StateBanner,
	}
	if conn.blacklisted {
		conn.stutterIvl = cfg.Stutter
	}
	return conn, nil
}

// OutRemaining returns the number of bytes the banner write will emit,
// matching spec S1's out_remaining assertion.
func (c *Connection) OutRemaining() int { return len(c.banner()) }

// ListSummary exposes the matched-blacklist summary string.
func (c *Connection) ListSummary() string { return c.listSummary }

// Blacklisted reports whether the peer matched at least one blacklist,
// i.e. whether this connection followed the tarpit path rather than the
// greylist path.
func (c *Connection) Blacklisted() bool { return c.blacklisted }

// DemoteStutter zeroes this connection's stutter interval so its reply
// drains immediately instead of pacing, per spec §4.2 "exceeding max_black
// demotes a blacklisted connection's stutter to zero to free the slot
// faster". A no-op for a connection that was never stuttering.
func (c *Connection) DemoteStutter() { c.stutterIvl = 0 }

func (c *Connection) banner() string {
	return fmt.Sprintf("220 %s %s\r\n", c.cfg.Hostname, c.cfg.Banner)
}

func (c *Connection) inStutterWindow() bool {
	return c.blacklisted && clock.Now().Before(c.sessionStart.Add(c.cfg.Stutter))
}

func (c *Connection) writer() *StutterWriter {
	ivl := time.Duration(0)
	if c.inStutterWindow() {
		ivl = c.stutterIvl
	}
	return &StutterWriter{W: c.conn, Interval: ivl}
}

// Serve drives the full conversation until the peer disconnects, a
// protocol violation occurs, or the inactivity timeout expires.
func (c *Connection) Serve(ctx context.Context) error {
	defer c.conn.Close()

	if err := c.writer().Write(ctx, []byte(c.banner())); err != nil {
		return err
	}
	c.state = StateHeloIn

	r := bufio.NewReader(c.conn)
	for c.state != StateClose {
		if c.cfg.Timeout > 0 {
			c.conn.SetReadDeadline(clock.Now().Add(c.cfg.Timeout))
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimRight(line, "\r\n")

		reply, done, err := c.handleLine(ctx, line)
		if err != nil {
			return err
		}
		if reply != "" {
			if err := c.writer().Write(ctx, []byte(reply)); err != nil {
				return err
			}
		}
		if done {
			c.state = StateClose
		}
	}
	return nil
}

// handleLine processes one client line and returns the reply to send (if
// any) and whether the connection should close after sending it. Verbs are
// gated on c.state per spec §4.2: HELO_IN -> MAIL_IN -> RCPT_IN, and the
// connection closes after the RCPT reply. QUIT is accepted in any
// state, matching real SMTP and TestServeQuitClosesWithoutTuple. Any other
// verb observed outside its expected state is a protocol violation and
// closes the connection rather than staying open for a retry.
func (c *Connection) handleLine(ctx context.Context, line string) (reply string, done bool, err error) {
	verb, arg := splitVerb(line)
	upper := strings.ToUpper(verb)

	if upper == "QUIT" {
		return "221 Bye\r\n", true, nil
	}

	switch c.state {
	case StateHeloIn:
		if upper != "HELO" && upper != "EHLO" {
			return c.protocolViolation(verb), true, nil
		}
		c.helo = arg
		c.state = StateMailIn
		return fmt.Sprintf("250 %s\r\n", c.cfg.Hostname), false, nil
	case StateMailIn:
		if upper != "MAIL" {
			return c.protocolViolation(verb), true, nil
		}
		c.mail = NormalizeAddress(trimFromPrefix(arg))
		c.state = StateRcptIn
		return "250 OK\r\n", false, nil
	case StateRcptIn:
		if upper != "RCPT" {
			return c.protocolViolation(verb), true, nil
		}
		c.rcpt = NormalizeAddress(trimToPrefix(arg))
		c.state = StateDataIn
		return c.finishRecipient(ctx)
	default:
		return c.protocolViolation(verb), true, nil
	}
}

// protocolViolation logs verb as a KindProtocol error and returns the reply
// the caller sends before closing, per spec §4.2 "anything else is a
// protocol violation and transitions to CLOSE".
func (c *Connection) protocolViolation(verb string) string {
	err := grerrors.Errorf(grerrors.KindProtocol, "conn: unexpected command %q in state %s", verb, c.state)
	c.log.Debug("conn: protocol violation", "peer", c.peer, "error", err)
	return "500 5.5.1 Command unrecognized\r\n"
}

// finishRecipient is reached once a full (helo, mail, rcpt) tuple is known:
// a blacklisted peer gets its tarpit reply immediately, otherwise the
// engine emits a GREY event upstream and returns the canonical temporary
// failure (spec §4.2 "Greylist event emission").
func (c *Connection) finishRecipient(ctx context.Context) (string, bool, error) {
	if c.blacklisted {
		return BlacklistReply(c.lists, c.peer, leadingCode(c.lists)), true, nil
	}

	if c.emitter != nil {
		if err := c.emitter.EmitGrey(ctx, c.peer, c.helo, c.mail, c.rcpt); err != nil {
			c.log.Warn("conn: failed to emit grey event", "error", err)
		}
	}
	return GreylistReply, true, nil
}

func leadingCode(lists []*blacklist.Blacklist) int {
	for _, bl := range lists {
		if bl.Code != 0 {
			return bl.Code
		}
	}
	return DefaultCode
}

func splitVerb(line string) (verb, arg string) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

func trimFromPrefix(arg string) string {
	const prefix = "from:"
	if len(arg) >= len(prefix) && strings.EqualFold(arg[:len(prefix)], prefix) {
		return arg[len(prefix):]
	}
	return arg
}

func trimToPrefix(arg string) string {
	const prefix = "to:"
	if len(arg) >= len(prefix) && strings.EqualFold(arg[:len(prefix)], prefix) {
		return arg[len(prefix):]
	}
	return arg
}
