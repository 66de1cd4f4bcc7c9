package conn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/helioloureiro/greyd/internal/blacklist"
)

func bl(name, msg string, code int) *blacklist.Blacklist {
	return blacklist.New(name, msg, code)
}

func TestListSummaryJoinsNames(t *testing.T) {
	lists := []*blacklist.Blacklist{bl("blacklist_1", "", 0), bl("blacklist_2", "", 0)}
	got := ListSummary(lists)
	if got != "blacklist_1 blacklist_2" {
		t.Fatalf("got %q", got)
	}
}

func TestListSummaryTruncates(t *testing.T) {
	longName := strings.Repeat("x", 72)
	lists := []*blacklist.Blacklist{bl("blacklist_2", "", 0), bl(longName, "", 0)}
	got := ListSummary(lists)
	if got != "blacklist_2 ..." {
		t.Fatalf("got %q", got)
	}
}

func TestBlacklistReplyMultiLine(t *testing.T) {
	lists := []*blacklist.Blacklist{
		bl("blacklist_2", "You (%A) are on blacklist 2", 0),
		bl("blacklist_3", "Your address %A\nis on blacklist 3", 0),
	}
	got := BlacklistReply(lists, "2001::fad3:1", 451)
	want := "451-You (2001::fad3:1) are on blacklist 2\r\n" +
		"451-Your address 2001::fad3:1\r\n" +
		"451 is on blacklist 3\r\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestStutterRewritesLF(t *testing.T) {
	lists := []*blacklist.Blacklist{
		bl("blacklist_2", "You (%A) are on blacklist 2", 0),
		bl("blacklist_3", "Your address %A\nis on blacklist 3", 0),
	}
	payload := BlacklistReply(lists, "2001::fad3:1", 451)

	var out strings.Builder
	sw := &StutterWriter{
		W:        &out,
		Interval: time.Microsecond,
		Sleep:    func(ctx context.Context, d time.Duration) error { return nil },
	}
	if err := sw.Write(context.Background(), []byte(payload)); err != nil {
		t.Fatal(err)
	}
	if out.String() != payload {
		t.Fatalf("expected stuttered output to already be CRLF, got %q", out.String())
	}
	if strings.Count(out.String(), "\r\n") != 3 {
		t.Fatalf("expected 3 CRLF-terminated lines, got %q", out.String())
	}
}

func TestStutterRewritesBareLF(t *testing.T) {
	var out strings.Builder
	sw := &StutterWriter{
		W:        &out,
		Interval: time.Microsecond,
		Sleep:    func(ctx context.Context, d time.Duration) error { return nil },
	}
	if err := sw.Write(context.Background(), []byte("a\nb")); err != nil {
		t.Fatal(err)
	}
	if out.String() != "a\r\nb" {
		t.Fatalf("got %q", out.String())
	}
}

func TestGreylistReplyIsFixed(t *testing.T) {
	if GreylistReply != "451 Temporary failure, please try again later.\r\n" {
		t.Fatalf("unexpected greylist reply: %q", GreylistReply)
	}
}

func TestNormalizeAddressStripsAngleBracketsAndCase(t *testing.T) {
	got := NormalizeAddress(" <SOME.User@Example.COM> ")
	if got != "some.user@example.com" {
		t.Fatalf("got %q", got)
	}
}
