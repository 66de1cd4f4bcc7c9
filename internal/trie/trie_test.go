package trie

import (
	"encoding/binary"
	"testing"
)

func key(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func TestInsertAndContains(t *testing.T) {
	tr := New(nil)
	ips := []uint32{0x01020304, 0x0A000001, 0xC0000201, 0xC0A80001}

	for _, ip := range ips {
		tr.Insert(key(ip))
	}
	for _, ip := range ips {
		if !tr.Contains(key(ip)) {
			t.Fatalf("expected %#x to be present", ip)
		}
	}

	if tr.Contains(key(0x08080808)) {
		t.Fatal("did not expect 8.8.8.8 to be present")
	}
}

func TestReinsertIsNoop(t *testing.T) {
	tr := New(nil)
	tr.Insert(key(0x01010101))
	tr.Insert(key(0x01010101))

	if !tr.Contains(key(0x01010101)) {
		t.Fatal("expected key present after duplicate insert")
	}
}

func TestEmptyTrieContainsNothing(t *testing.T) {
	tr := New(nil)
	if tr.Contains(key(0x01010101)) {
		t.Fatal("expected empty trie to contain nothing")
	}
}

func TestMixedLengthKeysNotConfused(t *testing.T) {
	tr := New(nil)
	tr.Insert([]byte{0x01, 0x02, 0x03, 0x04})
	if tr.Contains([]byte{0x01, 0x02, 0x03}) {
		t.Fatal("shorter key should not match a longer stored key")
	}
}

func TestManyInsertionsLargeScale(t *testing.T) {
	tr := New(nil)
	const n = 2000
	for i := 0; i < n; i++ {
		tr.Insert(key(uint32(i)*2 + 1))
	}
	for i := 0; i < n; i++ {
		if !tr.Contains(key(uint32(i)*2 + 1)) {
			t.Fatalf("expected %d to be present", i)
		}
		if tr.Contains(key(uint32(i) * 2)) {
			t.Fatalf("did not expect even key %d to be present", i)
		}
	}
}

// TestMatchAgainstPrefixShorterThanKey confirms Match compares only a
// leaf's recorded bit depth, not the full key length, against the query.
func TestMatchAgainstPrefixShorterThanKey(t *testing.T) {
	tr := New(nil)
	// 203.0.113.0/24
	tr.InsertPrefix([]byte{0xCB, 0x00, 0x71}, 24)

	if !tr.Match(key(0xCB007101)) { // 203.0.113.1
		t.Fatal("expected 203.0.113.1 to match the /24 prefix")
	}
	if !tr.Match(key(0xCB0071FF)) { // 203.0.113.255
		t.Fatal("expected 203.0.113.255 to match the /24 prefix")
	}
	if tr.Match(key(0xCB007201)) { // 203.0.114.1
		t.Fatal("did not expect 203.0.114.1 to match the /24 prefix")
	}
}

// TestMatchDistinguishesDisjointPrefixesOfDifferentLength covers two
// non-nested prefixes of different bit widths sharing a common trie path,
// the shape internal/blacklist's collapsed CIDR cover always produces.
func TestMatchDistinguishesDisjointPrefixesOfDifferentLength(t *testing.T) {
	tr := New(nil)
	tr.InsertPrefix([]byte{0x0A, 0x00}, 15)     // 10.0.0.0/15
	tr.InsertPrefix([]byte{0x0A, 0x02, 0x00}, 24) // 10.2.0.0/24

	if !tr.Match(key(0x0A010203)) { // 10.1.2.3, inside /15
		t.Fatal("expected 10.1.2.3 to match the /15 prefix")
	}
	if !tr.Match(key(0x0A020042)) { // 10.2.0.66, inside /24
		t.Fatal("expected 10.2.0.66 to match the /24 prefix")
	}
	if tr.Match(key(0x0A030001)) { // 10.3.0.1, outside both
		t.Fatal("did not expect 10.3.0.1 to match either prefix")
	}
}

func TestMatchOnEmptyTrie(t *testing.T) {
	tr := New(nil)
	if tr.Match(key(0x0A000001)) {
		t.Fatal("expected empty trie to match nothing")
	}
}
