package tspcr

// ParsePacket extracts the PID and, if present, the PCR carried by pkt's
// adaptation field. pkt must be exactly 188 bytes starting with the sync
// byte; ok is false otherwise. This is the minimal per-packet parse a
// generic TS passthrough (rather than a full demuxer) needs to feed
// tswriter.TsWriter.WritePacket's (pid, hasPCR, pcr) triple.
func ParsePacket(pkt []byte) (pid uint16, hasPCR bool, pcr uint64, ok bool) {
	if len(pkt) != 188 || pkt[0] != 0x47 {
		return 0, false, 0, false
	}
	pid = (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2])
	afc := (pkt[3] >> 4) & 0x03
	if afc != 2 && afc != 3 {
		return pid, false, 0, true
	}
	alen := int(pkt[4])
	if 5+alen > len(pkt) || alen < 1 {
		return pid, false, 0, true
	}
	flags := pkt[5]
	if flags&0x10 == 0 || alen < 7 {
		return pid, false, 0, true
	}
	v, ok2 := parsePCR(pkt[6:12])
	if !ok2 {
		return pid, false, 0, true
	}
	return pid, true, v, true
}
