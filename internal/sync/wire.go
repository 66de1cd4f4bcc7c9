// Package sync implements the UDP/multicast spam-tuple replication
// protocol (spec §4.5): a fixed binary packet format, HMAC-SHA1
// authentication and re-emission of verified records into the greylisting
// engine with their sync flag set so they are never rebroadcast.
package sync

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Version is the only packet version this implementation speaks.
const Version = 2

// AddressFamily identifies the payload address family on the wire. Only
// IPv4 is defined by the protocol; addresses are always 4 bytes.
const AddressFamilyINET = 2

// TLV types, numeric identity preserved for wire compatibility.
const (
	tlvGrey     = 1
	tlvWhite    = 2
	tlvDelWhite = 3
	tlvTrapped  = 4
	tlvDelTrap  = 5
	tlvEnd      = 6
)

const (
	headerSize    = 1 + 1 + 4 + 2 + hmacLen // version af counter length hmac
	hmacLen       = 20
	tlvHeaderSize = 4
	greyFixedSize = 4 + 4 + 2 + 2 + 2 // timestamp ip from_len to_len helo_len
	addrFixedSize = 4 + 4 + 4         // timestamp expire ip
	alignment     = 8
)

// Header is the fixed packet prefix, all fields network byte order.
type Header struct {
	Version uint8
	AF      uint8
	Counter uint32
	Length  uint16
	HMAC    [hmacLen]byte
}

// GreyRecord mirrors the wire GREY TLV payload.
type GreyRecord struct {
	Timestamp uint32
	IP        [4]byte
	From      string
	To        string
	Helo      string
}

// AddrRecord mirrors the wire WHITE/TRAPPED/DEL_* TLV payload.
type AddrRecord struct {
	Timestamp uint32
	Expire    uint32
	IP        [4]byte
}

// RecordKind distinguishes the five non-END TLV types for the decoded
// record list returned by Decode.
type RecordKind int

const (
	KindGrey RecordKind = iota
	KindWhite
	KindDelWhite
	KindTrapped
	KindDelTrapped
)

// Record is one decoded TLV, with Grey or Addr populated according to Kind.
type Record struct {
	Kind RecordKind
	Grey GreyRecord
	Addr AddrRecord
}

func alignUp(n int) int {
	rem := n % alignment
	if rem == 0 {
		return n
	}
	return n + (alignment - rem)
}

// EncodeGrey builds a complete single-TLV packet carrying one grey tuple
// update, per spec §4.5 "Send": every local mutation triggers a packet
// built from a fixed template.
func EncodeGrey(counter uint32, ts uint32, ip [4]byte, from, to, helo string) []byte {
	fromZ := []byte(from + "\x00")
	toZ := []byte(to + "\x00")
	heloZ := []byte(helo + "\x00")

	sglen := greyFixedSize + len(fromZ) + len(toZ) + len(heloZ)
	tlvTotal := tlvHeaderSize + sglen
	padded := alignUp(tlvTotal)
	padlen := padded - tlvTotal

	var body bytes.Buffer
	writeTLVHeader(&body, tlvGrey, sglen+padlen)
	binary.Write(&body, binary.BigEndian, ts)
	body.Write(ip[:])
	binary.Write(&body, binary.BigEndian, uint16(len(fromZ)))
	binary.Write(&body, binary.BigEndian, uint16(len(toZ)))
	binary.Write(&body, binary.BigEndian, uint16(len(heloZ)))
	body.Write(fromZ)
	body.Write(toZ)
	body.Write(heloZ)
	body.Write(make([]byte, padlen))

	writeEnd(&body)
	return wrap(counter, body.Bytes())
}

// EncodeAddr builds a complete single-TLV packet carrying a WHITE or
// TRAPPED (or their deletion variant) address update.
func EncodeAddr(counter uint32, kind RecordKind, ts, expire uint32, ip [4]byte) []byte {
	var body bytes.Buffer
	writeTLVHeader(&body, tlvTypeFor(kind), addrFixedSize)
	binary.Write(&body, binary.BigEndian, ts)
	binary.Write(&body, binary.BigEndian, expire)
	body.Write(ip[:])

	writeEnd(&body)
	return wrap(counter, body.Bytes())
}

func tlvTypeFor(k RecordKind) uint16 {
	switch k {
	case KindWhite:
		return tlvWhite
	case KindDelWhite:
		return tlvDelWhite
	case KindTrapped:
		return tlvTrapped
	case KindDelTrapped:
		return tlvDelTrap
	default:
		return tlvEnd
	}
}

func writeTLVHeader(buf *bytes.Buffer, typ uint16, payloadLen int) {
	binary.Write(buf, binary.BigEndian, typ)
	binary.Write(buf, binary.BigEndian, uint16(tlvHeaderSize+payloadLen))
}

func writeEnd(buf *bytes.Buffer) {
	binary.Write(buf, binary.BigEndian, uint16(tlvEnd))
	binary.Write(buf, binary.BigEndian, uint16(tlvHeaderSize))
}

// wrap prefixes body with a Header (HMAC left zero; the caller signs and
// patches it in via SignAndFinalize).
func wrap(counter uint32, body []byte) []byte {
	pkt := make([]byte, headerSize+len(body))
	pkt[0] = Version
	pkt[1] = AddressFamilyINET
	binary.BigEndian.PutUint32(pkt[2:6], counter)
	binary.BigEndian.PutUint16(pkt[6:8], uint16(len(pkt)))
	copy(pkt[headerSize:], body)
	return pkt
}

// Decode strictly parses a packet's TLV stream (HMAC must already be
// verified by the caller). Any length mismatch or unknown TLV type aborts
// processing and returns an error, per spec §4.5 "parse TLVs strictly".
func Decode(pkt []byte) ([]Record, error) {
	if len(pkt) < headerSize {
		return nil, fmt.Errorf("sync: packet shorter than header")
	}
	version := pkt[0]
	af := pkt[1]
	length := binary.BigEndian.Uint16(pkt[6:8])
	if version != Version {
		return nil, fmt.Errorf("sync: unsupported version %d", version)
	}
	if af != AddressFamilyINET {
		return nil, fmt.Errorf("sync: unsupported address family %d", af)
	}
	if int(length) > len(pkt) {
		return nil, fmt.Errorf("sync: truncated packet: length %d > %d bytes received", length, len(pkt))
	}

	p := pkt[headerSize:length]
	var out []Record
	for len(p) > 0 {
		if len(p) < tlvHeaderSize {
			return nil, fmt.Errorf("sync: truncated TLV header")
		}
		typ := binary.BigEndian.Uint16(p[0:2])
		tlvLen := int(binary.BigEndian.Uint16(p[2:4]))
		if tlvLen < tlvHeaderSize || tlvLen > len(p) {
			return nil, fmt.Errorf("sync: invalid TLV length %d", tlvLen)
		}
		payload := p[tlvHeaderSize:tlvLen]

		switch typ {
		case tlvEnd:
			return out, nil
		case tlvGrey:
			rec, err := decodeGrey(payload)
			if err != nil {
				return nil, err
			}
			out = append(out, Record{Kind: KindGrey, Grey: rec})
		case tlvWhite, tlvDelWhite, tlvTrapped, tlvDelTrap:
			rec, err := decodeAddr(payload)
			if err != nil {
				return nil, err
			}
			out = append(out, Record{Kind: kindForTLV(typ), Addr: rec})
		default:
			return nil, fmt.Errorf("sync: unknown TLV type %d", typ)
		}

		p = p[tlvLen:]
	}
	return nil, fmt.Errorf("sync: packet missing END marker")
}

func kindForTLV(typ uint16) RecordKind {
	switch typ {
	case tlvWhite:
		return KindWhite
	case tlvDelWhite:
		return KindDelWhite
	case tlvTrapped:
		return KindTrapped
	case tlvDelTrap:
		return KindDelTrapped
	default:
		return KindWhite
	}
}

func decodeGrey(payload []byte) (GreyRecord, error) {
	if len(payload) < greyFixedSize {
		return GreyRecord{}, fmt.Errorf("sync: truncated grey payload")
	}
	var rec GreyRecord
	rec.Timestamp = binary.BigEndian.Uint32(payload[0:4])
	copy(rec.IP[:], payload[4:8])
	fromLen := int(binary.BigEndian.Uint16(payload[8:10]))
	toLen := int(binary.BigEndian.Uint16(payload[10:12]))
	heloLen := int(binary.BigEndian.Uint16(payload[12:14]))

	rest := payload[greyFixedSize:]
	if fromLen+toLen+heloLen > len(rest) {
		return GreyRecord{}, fmt.Errorf("sync: grey payload string lengths exceed TLV size")
	}

	from, rest := rest[:fromLen], rest[fromLen:]
	to, rest := rest[:toLen], rest[toLen:]
	helo := rest[:heloLen]

	rec.From = trimNUL(from)
	rec.To = trimNUL(to)
	rec.Helo = trimNUL(helo)
	return rec, nil
}

func decodeAddr(payload []byte) (AddrRecord, error) {
	if len(payload) != addrFixedSize {
		return AddrRecord{}, fmt.Errorf("sync: addr payload wrong size %d", len(payload))
	}
	var rec AddrRecord
	rec.Timestamp = binary.BigEndian.Uint32(payload[0:4])
	rec.Expire = binary.BigEndian.Uint32(payload[4:8])
	copy(rec.IP[:], payload[8:12])
	return rec, nil
}

func trimNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
