package tspcr

import "testing"

func TestParsePacket_noAdaptationField(t *testing.T) {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = 0x00
	pkt[2] = 0x42
	pkt[3] = 0x10 // payload only
	pid, hasPCR, _, ok := ParsePacket(pkt)
	if !ok {
		t.Fatal("expected ok")
	}
	if pid != 0x42 {
		t.Fatalf("pid = %#x, want 0x42", pid)
	}
	if hasPCR {
		t.Fatal("expected no PCR")
	}
}

func TestParsePacket_withPCR(t *testing.T) {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = 0x00
	pkt[2] = 0x100 & 0xFF
	pkt[3] = 0x20 // adaptation field only, cc irrelevant here
	pkt[3] = 0x30 // adaptation field + payload
	pkt[4] = 7    // adaptation field length
	pkt[5] = 0x10 // PCR flag set
	// Encode PCR base=12345, ext=0 into bytes [6:12]
	base := uint64(12345)
	pkt[6] = byte(base >> 25)
	pkt[7] = byte(base >> 17)
	pkt[8] = byte(base >> 9)
	pkt[9] = byte(base >> 1)
	pkt[10] = byte((base&1)<<7) | 0x7E
	pkt[11] = 0x00

	pid, hasPCR, pcr, ok := ParsePacket(pkt)
	if !ok {
		t.Fatal("expected ok")
	}
	_ = pid
	if !hasPCR {
		t.Fatal("expected PCR present")
	}
	if pcr != base*300 {
		t.Fatalf("pcr = %d, want %d", pcr, base*300)
	}
}

func TestParsePacket_rejectsWrongSize(t *testing.T) {
	if _, _, _, ok := ParsePacket([]byte{0x47, 0x00}); ok {
		t.Fatal("expected not ok for short packet")
	}
}
