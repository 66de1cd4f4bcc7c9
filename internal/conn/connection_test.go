package conn

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helioloureiro/greyd/internal/address"
	"github.com/helioloureiro/greyd/internal/blacklist"
	"github.com/helioloureiro/greyd/internal/logging"
)

func testLog() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard, Level: logging.LevelError})
}

type fakeEmitter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeEmitter) EmitGrey(ctx context.Context, ip, helo, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join([]string{ip, helo, from, to}, "|"))
	return f.err
}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func baseConnConfig() Config {
	return Config{
		Hostname: "mx.example.org",
		Banner:   "ESMTP greyd",
		Stutter:  0,
		Timeout:  2 * time.Second,
		MaxCons:  100,
		MaxBlack: 10,
	}
}

// newPairedConnection wires a Connection to one end of a net.Pipe and
// returns the other end for the test to drive as the SMTP client.
func newPairedConnection(t *testing.T, cfg Config, registry *blacklist.Registry, emitter EventEmitter) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	// net.Pipe has no notion of a remote address string; Connection parses
	// host:port from RemoteAddr(), so wrap with a fake addr.
	sc := &fakeAddrConn{Conn: server, remote: "203.0.113.7:54321"}
	c, err := New(sc, cfg, registry, emitter, testLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, client
}

type fakeAddrConn struct {
	net.Conn
	remote string
}

func (f *fakeAddrConn) RemoteAddr() net.Addr { return fakeAddr(f.remote) }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// TestServeBannerAndGreylistPath walks a non-blacklisted peer through
// HELO/MAIL/RCPT and asserts the banner and the final 451 greylist reply,
// matching spec scenario S5.
func TestServeBannerAndGreylistPath(t *testing.T) {
	registry := blacklist.NewRegistry()
	emitter := &fakeEmitter{}
	cfg := baseConnConfig()
	c, client := newPairedConnection(t, cfg, registry, emitter)

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	r := bufio.NewReader(client)

	banner, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading banner: %v", err)
	}
	if banner != "220 mx.example.org ESMTP greyd\r\n" {
		t.Fatalf("unexpected banner: %q", banner)
	}

	write(t, client, "HELO client.example.com\r\n")
	expectLine(t, r, "250 mx.example.org\r\n")

	write(t, client, "MAIL FROM:<sender@example.com>\r\n")
	expectLine(t, r, "250 OK\r\n")

	write(t, client, "RCPT TO:<victim@example.org>\r\n")
	expectLine(t, r, GreylistReply)

	if c.Blacklisted() {
		t.Fatal("expected Blacklisted() to report false for an unmatched peer")
	}

	client.Close()
	<-done

	if emitter.count() != 1 {
		t.Fatalf("expected 1 emitted grey event, got %d", emitter.count())
	}
}

// TestServeBlacklistedPeerGetsTarpitReply exercises the blacklisted branch:
// no grey event is emitted and the single-list blacklist reply is returned
// from the first RCPT (spec scenario S3).
func TestServeBlacklistedPeerGetsTarpitReply(t *testing.T) {
	bl1 := blacklist.New("blacklist_1", "You (%A) are blacklisted", 550)
	lo, _ := address.Parse("203.0.113.0")
	hi, _ := address.Parse("203.0.113.255")
	if err := bl1.AddRange(lo, hi, false); err != nil {
		t.Fatal(err)
	}
	if err := bl1.Build(); err != nil {
		t.Fatal(err)
	}
	registry := blacklist.NewRegistry()
	registry.Reload([]*blacklist.Blacklist{bl1})

	emitter := &fakeEmitter{}
	cfg := baseConnConfig()
	c, client := newPairedConnection(t, cfg, registry, emitter)

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	r := bufio.NewReader(client)
	expectLine(t, r, "220 mx.example.org ESMTP greyd\r\n")

	write(t, client, "HELO client.example.com\r\n")
	expectLine(t, r, "250 mx.example.org\r\n")

	write(t, client, "MAIL FROM:<sender@example.com>\r\n")
	expectLine(t, r, "250 OK\r\n")

	write(t, client, "RCPT TO:<victim@example.org>\r\n")
	expectLine(t, r, "550 You (203.0.113.7) are blacklisted\r\n")

	if !c.Blacklisted() {
		t.Fatal("expected Blacklisted() to report true for a matched peer")
	}

	client.Close()
	<-done

	if emitter.count() != 0 {
		t.Fatalf("blacklisted peer must not emit a grey event, got %d", emitter.count())
	}
}

// TestServeQuitClosesWithoutTuple verifies a bare QUIT never reaches the
// greylist emission path.
func TestServeQuitClosesWithoutTuple(t *testing.T) {
	registry := blacklist.NewRegistry()
	emitter := &fakeEmitter{}
	c, client := newPairedConnection(t, baseConnConfig(), registry, emitter)

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	r := bufio.NewReader(client)
	expectLine(t, r, "220 mx.example.org ESMTP greyd\r\n")

	write(t, client, "QUIT\r\n")
	expectLine(t, r, "221 Bye\r\n")

	client.Close()
	<-done

	if emitter.count() != 0 {
		t.Fatalf("expected no grey event on QUIT, got %d", emitter.count())
	}
}

// TestServeOutOfOrderCommandClosesConnection exercises spec §4.2's "anything
// else is a protocol violation and transitions to CLOSE": sending MAIL
// before HELO must not be tolerated as a retryable 500.
func TestServeOutOfOrderCommandClosesConnection(t *testing.T) {
	registry := blacklist.NewRegistry()
	emitter := &fakeEmitter{}
	c, client := newPairedConnection(t, baseConnConfig(), registry, emitter)

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	r := bufio.NewReader(client)
	expectLine(t, r, "220 mx.example.org ESMTP greyd\r\n")

	write(t, client, "MAIL FROM:<sender@example.com>\r\n")
	expectLine(t, r, "500 5.5.1 Command unrecognized\r\n")

	line, err := r.ReadString('\n')
	if err == nil {
		t.Fatalf("expected connection to close after the violation, got extra line %q", line)
	}

	client.Close()
	<-done

	if emitter.count() != 0 {
		t.Fatalf("expected no grey event after a protocol violation, got %d", emitter.count())
	}
}

// TestDemoteStutterZeroesInterval confirms max_black enforcement has a
// concrete lever: once demoted, a blacklisted connection's writer drains in
// one syscall instead of pacing.
func TestDemoteStutterZeroesInterval(t *testing.T) {
	registry := blacklist.NewRegistry()
	cfg := baseConnConfig()
	cfg.Stutter = time.Second
	c, client := newPairedConnection(t, cfg, registry, &fakeEmitter{})
	defer client.Close()

	c.blacklisted = true
	c.stutterIvl = cfg.Stutter
	if !c.inStutterWindow() {
		t.Fatal("expected connection to start in its stutter window")
	}

	c.DemoteStutter()
	if c.writer().Interval != 0 {
		t.Fatal("expected DemoteStutter to zero the writer's pacing interval")
	}
}

// TestOutRemainingMatchesBannerLength is the direct spec S1 assertion.
func TestOutRemainingMatchesBannerLength(t *testing.T) {
	registry := blacklist.NewRegistry()
	c, client := newPairedConnection(t, baseConnConfig(), registry, &fakeEmitter{})
	defer client.Close()

	want := len("220 mx.example.org ESMTP greyd\r\n")
	if got := c.OutRemaining(); got != want {
		t.Fatalf("OutRemaining() = %d, want %d", got, want)
	}
}

func write(t *testing.T, w io.Writer, s string) {
	t.Helper()
	if _, err := io.WriteString(w, s); err != nil {
		t.Fatalf("write %q: %v", s, err)
	}
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	var got strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			t.Fatalf("reading expected %q: %v (got so far %q)", want, err, got.String())
		}
		got.WriteByte(b)
		if got.Len() >= len(want) {
			break
		}
	}
	if got.String() != want {
		t.Fatalf("got %q, want %q", got.String(), want)
	}
}
