// Package blacklist accumulates IPv4/IPv6 ranges with black/white overlays,
// collapses them into a minimal CIDR cover and provides O(k) membership
// lookup via internal/trie. A Registry holds the full set of configured
// blacklists and is swapped atomically on SIGHUP reload.
package blacklist

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/helioloureiro/greyd/internal/address"
	"github.com/helioloureiro/greyd/internal/trie"
)

// endpoint is one open/close marker in the sweep, per spec §3 add_range.
type endpoint struct {
	addr  address.Addr
	black int
	white int
}

// Blacklist is a named set of address ranges with an associated rejection
// message template. The message may contain a literal %A placeholder for
// the peer address and literal \n sequences that become SMTP multi-line
// continuations.
type Blacklist struct {
	Name    string
	Message string
	Code    int

	mu        sync.Mutex
	endpoints []endpoint

	v4Trie *trie.Trie
	v6Trie *trie.Trie
	built  bool
}

// New creates an empty, named blacklist. Code is the SMTP reply code used
// when this blacklist is the sole or leading match (default 450 applied by
// the caller when zero).
func New(name, message string, code int) *Blacklist {
	return &Blacklist{
		Name:    name,
		Message: message,
		Code:    code,
	}
}

// AddRange records a black (or white, if white is true) range [lo, hi]
// inclusive. Endpoints are appended, never eagerly collapsed; call Build to
// compute the final trie after all ranges are added.
func (b *Blacklist) AddRange(lo, hi address.Addr, white bool) error {
	if lo.Family != hi.Family {
		return fmt.Errorf("blacklist: mismatched address families in range %s-%s", lo, hi)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if white {
		b.endpoints = append(b.endpoints,
			endpoint{addr: lo, white: 1},
			endpoint{addr: hi.Add(1), white: -1},
		)
	} else {
		b.endpoints = append(b.endpoints,
			endpoint{addr: lo, black: 1},
			endpoint{addr: hi.Add(1), black: -1},
		)
	}
	b.built = false
	return nil
}

// AddCIDR is a convenience wrapper that adds a single CIDR block as a black
// (or white) range.
func (b *Blacklist) AddCIDR(c address.CIDR, white bool) error {
	return b.AddRange(c.Base, c.LastAddr(), white)
}

// Collapse sorts the accumulated endpoints and sweeps left to right,
// emitting the minimal CIDR cover of every address where the running black
// counter is positive and the running white counter is zero (spec §3,
// collapse). It is exported separately from Build so tests can assert on
// the CIDR list directly.
func (b *Blacklist) Collapse() ([]address.CIDR, error) {
	b.mu.Lock()
	endpoints := make([]endpoint, len(b.endpoints))
	copy(endpoints, b.endpoints)
	b.mu.Unlock()

	if len(endpoints) == 0 {
		return nil, nil
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		return endpoints[i].addr.Less(endpoints[j].addr)
	})

	var (
		result       []address.CIDR
		black, white int
		inRange      bool
		rangeStart   address.Addr
	)

	flush := func(until address.Addr) error {
		if !inRange {
			return nil
		}
		inRange = false
		cidrs, err := expandRange(rangeStart, until.Add(-1))
		if err != nil {
			return err
		}
		result = append(result, cidrs...)
		return nil
	}

	i := 0
	for i < len(endpoints) {
		cur := endpoints[i].addr
		// Coalesce all endpoints at the same address before evaluating state.
		for i < len(endpoints) && endpoints[i].addr.Equal(cur) {
			black += endpoints[i].black
			white += endpoints[i].white
			i++
		}
		active := black > 0 && white == 0
		if active && !inRange {
			inRange = true
			rangeStart = cur
		} else if !active && inRange {
			if err := flush(cur); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Build computes the collapsed CIDR cover and populates the trie used by
// Contains. Must be called after all AddRange calls and before the
// blacklist is published into a Registry.
func (b *Blacklist) Build() error {
	cidrs, err := b.Collapse()
	if err != nil {
		return err
	}

	v4 := trie.New(nil)
	v6 := trie.New(nil)

	for _, c := range cidrs {
		key := cidrKey(c)
		if c.Base.Family == address.FamilyV4 {
			v4.InsertPrefix(key, c.Prefix)
		} else {
			v6.InsertPrefix(key, c.Prefix)
		}
	}

	b.mu.Lock()
	b.v4Trie, b.v6Trie = v4, v6
	b.built = true
	b.mu.Unlock()
	return nil
}

// Contains reports whether addr falls within this blacklist's collapsed
// black-minus-white cover, per spec §4.1's match(bl, addr, family): descend
// the radix trie bit-by-bit until a leaf is reached and compare only the
// leaf's recorded prefix depth against addr.
func (b *Blacklist) Contains(addr address.Addr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.built {
		return false
	}
	key := addr.NetIP()
	if addr.Family == address.FamilyV4 {
		return b.v4Trie.Match(key)
	}
	return b.v6Trie.Match(key)
}

// ReplyLine renders this blacklist's message with %A substituted for peer,
// returning the raw (possibly multi-line via \n) text. Multi-line SMTP
// framing is applied by the caller (internal/conn), which also concatenates
// multiple matching blacklists' messages.
func (b *Blacklist) ReplyLine(peer string) string {
	return strings.ReplaceAll(b.Message, "%A", peer)
}

// cidrKey encodes only c's significant prefix bytes (ceil(Prefix/8)), not
// the full address width, so a trie leaf's stored key reflects its actual
// prefix depth rather than always comparing full 32- or 128-bit addresses.
func cidrKey(c address.CIDR) []byte {
	full := c.Base.NetIP()
	n := (c.Prefix + 7) / 8
	if n > len(full) {
		n = len(full)
	}
	return full[:n]
}

// Registry holds the full set of configured blacklists. Reload swaps the
// active snapshot atomically so in-flight connections keep the blacklist
// set they matched against at accept time (spec §7 cancellation: "in-flight
// connections continue on the old blacklist set until they close").
type Registry struct {
	current atomic.Pointer[[]*Blacklist]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := []*Blacklist{}
	r.current.Store(&empty)
	return r
}

// Reload atomically replaces the active blacklist set.
func (r *Registry) Reload(lists []*Blacklist) {
	snapshot := make([]*Blacklist, len(lists))
	copy(snapshot, lists)
	r.current.Store(&snapshot)
}

// Match returns every blacklist in the active snapshot that contains addr,
// in configuration order.
func (r *Registry) Match(addr address.Addr) []*Blacklist {
	lists := *r.current.Load()
	var matches []*Blacklist
	for _, bl := range lists {
		if bl.Contains(addr) {
			matches = append(matches, bl)
		}
	}
	return matches
}

// Snapshot returns the currently active blacklist set.
func (r *Registry) Snapshot() []*Blacklist {
	lists := *r.current.Load()
	out := make([]*Blacklist, len(lists))
	copy(out, lists)
	return out
}

// expandRange expands the inclusive address range [lo, hi] into the minimal
// set of aligned CIDR blocks by repeatedly consuming the largest aligned
// power-of-two prefix that fits, per spec §3 collapse.
func expandRange(lo, hi address.Addr) ([]address.CIDR, error) {
	if lo.Family != hi.Family {
		return nil, fmt.Errorf("blacklist: mismatched families in range %s-%s", lo, hi)
	}
	width := lo.Family.Bits()
	cur := lo.BigInt()
	end := hi.BigInt()
	if cur.Cmp(end) > 0 {
		return nil, nil
	}

	one := big.NewInt(1)
	var out []address.CIDR
	for cur.Cmp(end) <= 0 {
		align := width
		if cur.Sign() != 0 {
			align = int(cur.TrailingZeroBits())
			if align > width {
				align = width
			}
		}

		remaining := new(big.Int).Sub(end, cur)
		remaining.Add(remaining, one) // inclusive count of addresses left
		fit := remaining.BitLen() - 1
		if fit < 0 {
			fit = 0
		}

		exp := align
		if fit < exp {
			exp = fit
		}
		if exp < 0 {
			exp = 0
		}

		out = append(out, address.CIDR{
			Base:   address.FromBigInt(lo.Family, cur),
			Prefix: width - exp,
		})

		blockSize := new(big.Int).Lsh(one, uint(exp))
		cur.Add(cur, blockSize)
	}
	return out, nil
}
