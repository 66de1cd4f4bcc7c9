package sync

import (
	"testing"
)

func TestGreyRoundTrip(t *testing.T) {
	ip := [4]byte{192, 0, 2, 7}
	pkt := EncodeGrey(1, 1700000000, ip, "sender@example.com", "victim@example.org", "client.example.com")
	SignAndFinalize("somekey", pkt)

	if !Verify("somekey", pkt) {
		t.Fatal("expected valid HMAC to verify")
	}

	records, err := Decode(pkt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Kind != KindGrey {
		t.Fatalf("expected KindGrey, got %v", rec.Kind)
	}
	if rec.Grey.From != "sender@example.com" || rec.Grey.To != "victim@example.org" || rec.Grey.Helo != "client.example.com" {
		t.Fatalf("unexpected grey record: %+v", rec.Grey)
	}
	if rec.Grey.IP != ip {
		t.Fatalf("unexpected ip: %v", rec.Grey.IP)
	}
}

func TestAddrRoundTrip(t *testing.T) {
	ip := [4]byte{198, 51, 100, 9}
	pkt := EncodeAddr(2, KindWhite, 1700000001, 1700003601, ip)
	SignAndFinalize("key2", pkt)

	records, err := Decode(pkt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(records) != 1 || records[0].Kind != KindWhite {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Addr.IP != ip || records[0].Addr.Expire != 1700003601 {
		t.Fatalf("unexpected addr record: %+v", records[0].Addr)
	}
}

func TestHMACTamperDetected(t *testing.T) {
	ip := [4]byte{10, 0, 0, 1}
	pkt := EncodeAddr(3, KindTrapped, 1700000002, 1700003602, ip)
	SignAndFinalize("shared-secret", pkt)

	pkt[len(pkt)-1] ^= 0xff // flip every bit of the last byte, in the trailing END TLV

	if Verify("shared-secret", pkt) {
		t.Fatal("expected tampered packet to fail verification")
	}
}

func TestVerifyWrongKeyFails(t *testing.T) {
	pkt := EncodeAddr(4, KindDelWhite, 1700000003, 0, [4]byte{1, 2, 3, 4})
	SignAndFinalize("correct-key", pkt)

	if Verify("wrong-key", pkt) {
		t.Fatal("expected mismatched key to fail verification")
	}
}

func TestDecodeRejectsUnknownTLVType(t *testing.T) {
	ip := [4]byte{1, 1, 1, 1}
	pkt := EncodeAddr(5, KindWhite, 1, 1, ip)
	// Corrupt the TLV type field (first two bytes after the header) to an
	// unassigned value.
	pkt[headerSize] = 0xff
	pkt[headerSize+1] = 0xff

	if _, err := Decode(pkt); err == nil {
		t.Fatal("expected decode error for unknown TLV type")
	}
}

func TestDecodeRejectsTruncatedPacket(t *testing.T) {
	pkt := EncodeGrey(6, 1, [4]byte{2, 2, 2, 2}, "a@b.com", "c@d.com", "helo")
	truncated := pkt[:len(pkt)-6]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected decode error for truncated packet")
	}
}

func TestMultipleConcatenatedTLVsEachRoundTrip(t *testing.T) {
	// Exercise the TLV-stream walk with more than one body entry by hand
	// assembling two addr payloads before END, mirroring what a future
	// batched sender might emit.
	ip1 := [4]byte{8, 8, 8, 8}
	ip2 := [4]byte{9, 9, 9, 9}
	first := EncodeAddr(7, KindTrapped, 10, 20, ip1)
	second := EncodeAddr(8, KindWhite, 30, 40, ip2)
	// first's addr TLV without its END, then second's addr TLV and END.
	body := append([]byte{}, first[headerSize:headerSize+tlvHeaderSize+addrFixedSize]...)
	body = append(body, second[headerSize:]...)
	pkt := wrap(7, body)
	SignAndFinalize("k", pkt)
	if !Verify("k", pkt) {
		t.Fatal("expected valid packet to verify")
	}
	records, err := Decode(pkt)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Kind != KindTrapped || records[0].Addr.IP != ip1 || records[1].Kind != KindWhite || records[1].Addr.IP != ip2 {
		t.Fatalf("unexpected records: %+v", records)
	}
}
