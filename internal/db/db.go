// Package db defines the greylisting database abstraction: a Key/Value
// model shared by every storage backend, plus a generic Scan algorithm that
// each Driver's Iterator drives. Concrete drivers live in the memory and
// sqlite subpackages.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/helioloureiro/greyd/internal/address"
)

// KeyType discriminates the five key variants a record may use.
type KeyType int16

const (
	KeyIP KeyType = iota + 1
	KeyMail
	KeyTuple
	KeyDom
	KeyDomPart
)

func (t KeyType) String() string {
	switch t {
	case KeyIP:
		return "ip"
	case KeyMail:
		return "mail"
	case KeyTuple:
		return "tuple"
	case KeyDom:
		return "dom"
	case KeyDomPart:
		return "dom_part"
	default:
		return "unknown"
	}
}

// Tuple is the (ip, helo, from, to) greylist key.
type Tuple struct {
	IP   string
	Helo string
	From string
	To   string
}

// Key is a discriminated key: exactly one of S or Tuple is meaningful,
// selected by Type.
type Key struct {
	Type  KeyType
	S     string // IP, Mail, Dom, DomPart payload
	Tuple Tuple  // Tuple payload
}

// IPKey builds an IP-keyed key (whitelist or trap entries).
func IPKey(ip string) Key { return Key{Type: KeyIP, S: ip} }

// MailKey builds a spamtrap recipient key.
func MailKey(addr string) Key { return Key{Type: KeyMail, S: addr} }

// DomKey builds a permitted-domain key.
func DomKey(domain string) Key { return Key{Type: KeyDom, S: domain} }

// DomPartKey builds a lookup-only suffix-match key.
func DomPartKey(domain string) Key { return Key{Type: KeyDomPart, S: domain} }

// TupleKey builds a full greylist tuple key.
func TupleKey(ip, helo, from, to string) Key {
	return Key{Type: KeyTuple, Tuple: Tuple{IP: ip, Helo: helo, From: from, To: to}}
}

// Encode renders the key into the portable on-disk form: type:int16 followed
// by NUL-terminated payload string(s), per spec §4.4.
func (k Key) Encode() []byte {
	var b strings.Builder
	b.WriteByte(byte(k.Type))
	b.WriteByte(byte(k.Type >> 8))
	if k.Type == KeyTuple {
		for _, part := range []string{k.Tuple.IP, k.Tuple.Helo, k.Tuple.From, k.Tuple.To} {
			b.WriteString(part)
			b.WriteByte(0)
		}
	} else {
		b.WriteString(k.S)
		b.WriteByte(0)
	}
	return []byte(b.String())
}

// String renders a human-readable form, used as the map key for the memory
// driver and in log lines.
func (k Key) String() string {
	if k.Type == KeyTuple {
		return fmt.Sprintf("tuple:%s|%s|%s|%s", k.Tuple.IP, k.Tuple.Helo, k.Tuple.From, k.Tuple.To)
	}
	return fmt.Sprintf("%s:%s", k.Type, k.S)
}

// PcountMarker values overload the passed-count field as a record-type tag,
// per spec §4.2.
const (
	PcountTrapped   = -1
	PcountSpamtrap  = -2
	PcountPermitted = -3
)

// Value is the greylisting data payload attached to every key.
type Value struct {
	First  time.Time
	Pass   time.Time
	Expire time.Time
	BCount int
	PCount int
}

// IsTrapped reports whether this value marks a trapped IP.
func (v Value) IsTrapped() bool { return v.PCount == PcountTrapped }

// IsSpamtrap reports whether this value marks a spamtrap literal.
func (v Value) IsSpamtrap() bool { return v.PCount == PcountSpamtrap }

// IsPermittedDomain reports whether this value marks a permitted-domain
// entry.
func (v Value) IsPermittedDomain() bool { return v.PCount == PcountPermitted }

// EntryClass selects which logical namespace an iterator walks, mirroring
// the DB_ENTRIES/DB_SPAMTRAPS/DB_DOMAINS bitmap.
type EntryClass int

const (
	ClassEntries EntryClass = 1 << iota
	ClassSpamtraps
	ClassDomains
)

// AddrState is the result of a trap/whitelist membership check.
type AddrState int

const (
	AddrStateError AddrState = iota - 1
	AddrStateNone
	AddrStateTrapped
	AddrStateWhitelisted
)

// Record pairs a Key with its Value, as returned by iteration.
type Record struct {
	Key   Key
	Value Value
}

// Driver is the storage abstraction every backend implements. A Driver is
// single-writer: Begin blocks until any transaction already open on the
// Driver has committed or rolled back, so transactions never nest (spec
// §4.4).
type Driver interface {
	Open(ctx context.Context) error
	Close() error

	Begin(ctx context.Context) (Txn, error)

	// Get returns the value for key, and ok=false if absent.
	Get(ctx context.Context, key Key) (Value, bool, error)

	// AddrState reports whether ip is trapped or whitelisted.
	AddrState(ctx context.Context, ip string) (AddrState, error)
}

// Txn is a single in-flight write transaction. All mutating Driver methods
// are exposed only through a Txn, so a caller cannot mutate storage without
// an explicit Begin/Commit pair.
type Txn interface {
	Put(ctx context.Context, key Key, val Value) error
	Delete(ctx context.Context, key Key) error

	// Iterate walks every record whose key type is included in classes,
	// invoking fn for each. Returning a non-nil error from fn stops
	// iteration and is propagated.
	Iterate(ctx context.Context, classes EntryClass, fn func(Record) error) error

	Commit() error
	Rollback() error
}

// ScanResult accumulates the deltas produced by one Scan pass.
type ScanResult struct {
	WhitelistV4 []string
	WhitelistV6 []string
	Traplist    []string
}

// ScanDeps supplies the policy inputs Scan needs beyond the raw records:
// the current time and how long a freshly promoted IP should live.
type ScanDeps struct {
	Now      time.Time
	WhiteExp time.Duration
}

// Scan implements the generic expiry/promotion sweep described in spec
// §4.3: delete expired non-spamtrap/non-domain records, collect trapped IPs
// into the traplist, and promote passed tuples into IP-keyed whitelist
// entries, appending the promoted address to the IPv4 or IPv6 bucket by
// family. It is storage-agnostic: callers pass a Txn opened against
// whichever Driver backs the daemon.
func Scan(ctx context.Context, txn Txn, deps ScanDeps) (ScanResult, error) {
	var result ScanResult

	err := txn.Iterate(ctx, ClassEntries, func(rec Record) error {
		v := rec.Value

		if v.PCount > PcountSpamtrap && !v.Expire.After(deps.Now) {
			return txn.Delete(ctx, rec.Key)
		}

		if v.IsTrapped() && rec.Key.Type == KeyIP {
			result.Traplist = append(result.Traplist, rec.Key.S)
			return nil
		}

		if v.PCount >= 0 && !v.Pass.After(deps.Now) {
			switch rec.Key.Type {
			case KeyTuple:
				state, err := addrStateFromTxn(ctx, txn, rec.Key.Tuple.IP)
				if err != nil {
					return err
				}
				if state == AddrStateTrapped {
					return nil
				}
				appendByFamily(&result, rec.Key.Tuple.IP)
				if err := txn.Delete(ctx, rec.Key); err != nil {
					return err
				}
				return txn.Put(ctx, IPKey(rec.Key.Tuple.IP), Value{
					PCount: 0,
					Expire: deps.Now.Add(deps.WhiteExp),
				})
			case KeyIP:
				appendByFamily(&result, rec.Key.S)
			}
		}
		return nil
	})
	if err != nil {
		return ScanResult{}, err
	}
	return result, nil
}

func appendByFamily(result *ScanResult, ip string) {
	a, err := address.Parse(ip)
	if err != nil {
		return
	}
	if a.Family == address.FamilyV6 {
		result.WhitelistV6 = append(result.WhitelistV6, ip)
	} else {
		result.WhitelistV4 = append(result.WhitelistV4, ip)
	}
}

// addrStateFromTxn scans the already-open transaction for a trap or
// whitelist entry for ip. Drivers with a native index (sqlite) may still
// route through this for correctness; it is the definition Driver.AddrState
// implementations should match.
func addrStateFromTxn(ctx context.Context, txn Txn, ip string) (AddrState, error) {
	var state = AddrStateNone
	err := txn.Iterate(ctx, ClassEntries, func(rec Record) error {
		if rec.Key.Type != KeyIP || rec.Key.S != ip {
			return nil
		}
		if rec.Value.IsTrapped() {
			state = AddrStateTrapped
		} else {
			state = AddrStateWhitelisted
		}
		return nil
	})
	if err != nil {
		return AddrStateError, err
	}
	return state, nil
}
