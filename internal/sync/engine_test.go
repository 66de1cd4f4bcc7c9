package sync

import (
	"io"
	"testing"

	"github.com/helioloureiro/greyd/internal/logging"
)

func testEngineLog() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard, Level: logging.LevelError})
}

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	e, err := New(Config{Enable: false}, testEngineLog())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e != nil {
		t.Fatal("expected nil engine when sync is disabled")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Enable: true}.withDefaults()
	if cfg.Port != DefaultPort {
		t.Fatalf("got port %d", cfg.Port)
	}
	if cfg.MulticastAddr != DefaultMulticastAddr {
		t.Fatalf("got mcast addr %q", cfg.MulticastAddr)
	}
	if cfg.TTL != DefaultTTL {
		t.Fatalf("got ttl %d", cfg.TTL)
	}
}

func TestNextCounterIsMonotonic(t *testing.T) {
	e := &Engine{}
	a := e.nextCounter()
	b := e.nextCounter()
	c := e.nextCounter()
	if !(a < b && b < c) {
		t.Fatalf("expected monotonic counters, got %d %d %d", a, b, c)
	}
}

func TestNewWithoutVerifyLeavesKeyEmpty(t *testing.T) {
	e, err := New(Config{Enable: true, Verify: false}, testEngineLog())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e == nil {
		t.Fatal("expected a non-nil engine")
	}
	if e.key != "" {
		t.Fatalf("expected empty key when verify is disabled, got %q", e.key)
	}
}
