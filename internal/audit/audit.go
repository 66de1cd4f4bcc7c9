// Package audit records the security-relevant events the greylisting and
// sync engines produce — tuple promotions, trap insertions, blacklist
// reloads and sync packet verdicts — as structured JSON lines, independent
// of the operational log stream in internal/logging.
package audit

import (
	"encoding/json"
	"time"

	"github.com/helioloureiro/greyd/internal/clock"
	"github.com/helioloureiro/greyd/internal/logging"
)

// EventType identifies the kind of audited event.
type EventType string

const (
	EventTuplePromoted  EventType = "tuple_promoted"
	EventTupleCreated   EventType = "tuple_created"
	EventTrapInserted   EventType = "trap_inserted"
	EventBlacklistLoad  EventType = "blacklist_reload"
	EventSyncAccepted   EventType = "sync_accepted"
	EventSyncRejected   EventType = "sync_rejected"
	EventFirewallUpdate EventType = "firewall_update"
)

// Event is one audit log entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	IP        string         `json:"ip,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger emits Events as structured log lines.
type Logger struct {
	logger *logging.Logger
}

// NewLogger builds an audit Logger on top of the given operational logger.
func NewLogger(logger *logging.Logger) *Logger {
	return &Logger{logger: logger}
}

// Log records an audit event, stamping the timestamp if unset.
func (l *Logger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = clock.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("audit: failed to marshal event", "error", err)
		return
	}
	l.logger.Info("audit", "event", string(payload))
}

// Promoted records a tuple-to-whitelist promotion (spec §4.3 rule 3/scan).
func (l *Logger) Promoted(ip string, fields map[string]any) {
	l.Log(Event{Type: EventTuplePromoted, IP: ip, Fields: fields})
}

// Trapped records an IP being moved to the trap list.
func (l *Logger) Trapped(ip, detail string) {
	l.Log(Event{Type: EventTrapInserted, IP: ip, Detail: detail})
}

// BlacklistReloaded records a SIGHUP-triggered blacklist registry swap.
func (l *Logger) BlacklistReloaded(count int) {
	l.Log(Event{Type: EventBlacklistLoad, Fields: map[string]any{"count": count}})
}

// SyncVerdict records whether an inbound sync packet passed HMAC
// verification.
func (l *Logger) SyncVerdict(peer string, accepted bool, reason string) {
	evType := EventSyncAccepted
	if !accepted {
		evType = EventSyncRejected
	}
	l.Log(Event{Type: evType, IP: peer, Detail: reason})
}
