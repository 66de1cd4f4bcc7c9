package audit

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/helioloureiro/greyd/internal/clock"
	"github.com/helioloureiro/greyd/internal/logging"
)

func newTestLogger(buf *bytes.Buffer) *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Output = buf
	cfg.ReportTime = false
	return logging.New(cfg)
}

func TestLogStampsTimestamp(t *testing.T) {
	defer clock.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))()

	var buf bytes.Buffer
	l := NewLogger(newTestLogger(&buf))
	l.Log(Event{Type: EventTupleCreated, IP: "10.0.0.1"})

	out := buf.String()
	if !strings.Contains(out, "tuple_created") {
		t.Fatalf("expected event type in output, got %q", out)
	}
	if !strings.Contains(out, "2026-01-02T03:04:05Z") {
		t.Fatalf("expected stamped timestamp in output, got %q", out)
	}
}

func TestPromoted(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(newTestLogger(&buf))
	l.Promoted("192.0.2.1", map[string]any{"retries": 3})

	if !strings.Contains(buf.String(), "tuple_promoted") {
		t.Fatalf("expected tuple_promoted in output, got %q", buf.String())
	}
}

func TestSyncVerdict(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(newTestLogger(&buf))

	l.SyncVerdict("198.51.100.1", false, "hmac mismatch")
	if !strings.Contains(buf.String(), "sync_rejected") {
		t.Fatalf("expected sync_rejected in output, got %q", buf.String())
	}

	buf.Reset()
	l.SyncVerdict("198.51.100.1", true, "")
	if !strings.Contains(buf.String(), "sync_accepted") {
		t.Fatalf("expected sync_accepted in output, got %q", buf.String())
	}
}
