// Package tspcr provides a passive MPEG-TS inspector that can be spliced
// onto any io.Writer sink via Wrap. It resyncs on the 0x47 sync byte, tracks
// per-PID packet/continuity/discontinuity counts, parses PAT/PMT to find the
// PCR PID and elementary stream types, and tracks PCR/PTS/DTS values,
// counting backward jumps (a wrap counts as one; no wrap correction is
// applied) and the min/max forward PCR delta. It is diagnostic only: it never alters
// what gets written, only observes what passes through.
package tspcr

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxPackets caps how many packets one Inspector will analyze before
// logging its summary and going quiet, so a long-running sink doesn't pay
// for unbounded bookkeeping.
const DefaultMaxPackets = 12000

// PIDStats accumulates per-PID observations. Exported for callers (tests,
// a diagnostics endpoint) that want the raw counters rather than the log
// line Inspector.Close emits.
type PIDStats struct {
	PID               uint16
	StreamType        byte
	StreamTypeKnown   bool
	Packets           int
	PayloadPackets    int
	PUSI              int
	CCSeen            bool
	LastCC            byte
	CCErrors          int
	CCDup             int
	DiscIndicatorPkts int
	PCRCount          int
	PCRFirst          uint64
	PCRLast           uint64
	PCRBackwards      int
	PCRMinDelta       uint64
	PCRMaxDelta       uint64
	PTSCount          int
	PTSFirst          uint64
	PTSLast           uint64
	PTSBackwards      int
	DTSCount          int
	DTSFirst          uint64
	DTSLast           uint64
	DTSBackwards      int
}

// Inspector observes a byte stream passing through a wrapped writer and
// builds up per-PID / PAT / PMT statistics, logging a summary at close or
// once maxPackets packets have been seen.
type Inspector struct {
	label      string
	start      time.Time
	maxPackets int

	mu sync.Mutex

	buf          []byte
	closed       bool
	loggedDone   bool
	packets      int
	syncLosses   int
	totalBytes   int64
	globalCCErrs int
	globalCCDup  int
	globalDisc   int

	patCount  int
	pmtCount  int
	pmtPID    uint16
	pmtPIDSet bool
	pcrPID    uint16
	pcrPIDSet bool

	pids map[uint16]*PIDStats
}

// NewInspector creates an Inspector. label identifies the stream in log
// lines (e.g. the sink's destination); maxPackets<=0 uses DefaultMaxPackets.
func NewInspector(label string, maxPackets int) *Inspector {
	if maxPackets <= 0 {
		maxPackets = DefaultMaxPackets
	}
	ins := &Inspector{
		label:      label,
		start:      time.Now(),
		maxPackets: maxPackets,
		pids:       map[uint16]*PIDStats{},
	}
	log.Printf("tspcr: %s inspect start max_packets=%d", label, maxPackets)
	return ins
}

// Wrap returns an io.Writer that forwards all writes to dst and feeds the
// written bytes to a fresh Inspector. Call the returned WrappedWriter's
// Close (it implements io.Closer) when the stream ends so the
// summary gets logged even if maxPackets was never reached.
func Wrap(dst io.Writer, label string, maxPackets int) *WrappedWriter {
	return &WrappedWriter{dst: dst, Inspector: NewInspector(label, maxPackets)}
}

// WrappedWriter is the io.WriteCloser Wrap returns.
type WrappedWriter struct {
	dst io.Writer
	*Inspector
}

func (w *WrappedWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.Observe(p[:n])
	}
	return n, err
}

func (w *WrappedWriter) Close() error {
	w.Inspector.Close()
	return nil
}

// Observe feeds p into the inspector's packet resync buffer. Safe to call
// concurrently.
func (t *Inspector) Observe(p []byte) {
	if t == nil || len(p) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.totalBytes += int64(len(p))
	if t.loggedDone {
		return
	}
	t.buf = append(t.buf, p...)
	for t.packets < t.maxPackets {
		if len(t.buf) < 188 {
			return
		}
		if t.buf[0] != 0x47 {
			n := bytes.IndexByte(t.buf[1:], 0x47)
			if n < 0 {
				if len(t.buf) > 187 {
					t.buf = append(t.buf[:0], t.buf[len(t.buf)-187:]...)
				}
				t.syncLosses++
				return
			}
			t.buf = t.buf[n+1:]
			t.syncLosses++
			continue
		}
		pkt := make([]byte, 188)
		copy(pkt, t.buf[:188])
		t.buf = t.buf[188:]
		t.observePacket(pkt)
		if t.packets >= t.maxPackets {
			t.logSummaryLocked("packet-limit")
			return
		}
	}
}

// Close logs the summary (if not already logged) and stops accepting bytes.
func (t *Inspector) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if !t.loggedDone {
		t.logSummaryLocked("close")
	}
}

func (t *Inspector) pidStat(pid uint16) *PIDStats {
	s := t.pids[pid]
	if s != nil {
		return s
	}
	s = &PIDStats{PID: pid}
	t.pids[pid] = s
	return s
}

func (t *Inspector) observePacket(pkt []byte) {
	if len(pkt) != 188 || pkt[0] != 0x47 {
		return
	}
	t.packets++
	pid := (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2])
	pusi := (pkt[1] & 0x40) != 0
	afc := (pkt[3] >> 4) & 0x03
	cc := pkt[3] & 0x0F
	hasPayload := afc == 1 || afc == 3
	hasAdapt := afc == 2 || afc == 3

	s := t.pidStat(pid)
	s.Packets++
	if pusi {
		s.PUSI++
	}

	discIndicator := false
	payloadOff := 4
	if hasAdapt {
		if payloadOff < len(pkt) {
			alen := int(pkt[payloadOff])
			payloadOff++
			if payloadOff+alen <= len(pkt) && alen > 0 {
				flags := pkt[payloadOff]
				discIndicator = (flags & 0x80) != 0
				if discIndicator {
					s.DiscIndicatorPkts++
					t.globalDisc++
				}
				if (flags&0x10) != 0 && alen >= 7 {
					if pcr, ok := parsePCR(pkt[payloadOff+1 : payloadOff+7]); ok {
						recordTick(&s.PCRCount, &s.PCRFirst, &s.PCRLast, &s.PCRBackwards, &s.PCRMinDelta, &s.PCRMaxDelta, pcr)
					}
				}
			}
			payloadOff += alen
		}
	}

	if hasPayload {
		s.PayloadPackets++
		if s.CCSeen {
			exp := (s.LastCC + 1) & 0x0F
			switch {
			case cc != exp && discIndicator:
				// Discontinuity signaled: reset continuity expectations.
			case cc == s.LastCC:
				s.CCDup++
				t.globalCCDup++
			case cc != exp:
				s.CCErrors++
				t.globalCCErrs++
			}
		}
		s.CCSeen = true
		s.LastCC = cc
	}

	if !hasPayload || payloadOff >= len(pkt) {
		return
	}
	payload := pkt[payloadOff:]
	if pid == 0 && pusi {
		if t.parsePAT(payload) {
			t.patCount++
		}
		return
	}
	if t.pmtPIDSet && pid == t.pmtPID && pusi {
		if t.parsePMT(payload) {
			t.pmtCount++
		}
		return
	}
	if pusi {
		if pts, dts, hasPTS, hasDTS := parsePESPTSDTS(payload); hasPTS || hasDTS {
			if hasPTS {
				recordTick(&s.PTSCount, &s.PTSFirst, &s.PTSLast, &s.PTSBackwards, nil, nil, pts)
			}
			if hasDTS {
				recordTick(&s.DTSCount, &s.DTSFirst, &s.DTSLast, &s.DTSBackwards, nil, nil, dts)
			}
		}
	}
}

func (t *Inspector) parsePAT(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	ptr := int(payload[0])
	if 1+ptr >= len(payload) {
		return false
	}
	sec := payload[1+ptr:]
	if len(sec) < 8 || sec[0] != 0x00 {
		return false
	}
	sectionLen := int(sec[1]&0x0F)<<8 | int(sec[2])
	if sectionLen < 9 || 3+sectionLen > len(sec) {
		return false
	}
	end := 3 + sectionLen
	for i := 8; i+4 <= end-4; i += 4 {
		progNum := uint16(sec[i])<<8 | uint16(sec[i+1])
		pid := (uint16(sec[i+2]&0x1F) << 8) | uint16(sec[i+3])
		if progNum != 0 {
			t.pmtPID = pid
			t.pmtPIDSet = true
			return true
		}
	}
	return false
}

func (t *Inspector) parsePMT(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	ptr := int(payload[0])
	if 1+ptr >= len(payload) {
		return false
	}
	sec := payload[1+ptr:]
	if len(sec) < 12 || sec[0] != 0x02 {
		return false
	}
	sectionLen := int(sec[1]&0x0F)<<8 | int(sec[2])
	if sectionLen < 13 || 3+sectionLen > len(sec) {
		return false
	}
	end := 3 + sectionLen
	t.pcrPID = (uint16(sec[8]&0x1F) << 8) | uint16(sec[9])
	t.pcrPIDSet = true
	progInfoLen := int(sec[10]&0x0F)<<8 | int(sec[11])
	i := 12 + progInfoLen
	if i > end-4 {
		return true
	}
	for i+5 <= end-4 {
		stype := sec[i]
		pid := (uint16(sec[i+1]&0x1F) << 8) | uint16(sec[i+2])
		esInfoLen := int(sec[i+3]&0x0F)<<8 | int(sec[i+4])
		s := t.pidStat(pid)
		s.StreamType = stype
		s.StreamTypeKnown = true
		i += 5 + esInfoLen
	}
	return true
}

func (t *Inspector) logSummaryLocked(reason string) {
	if t.loggedDone {
		return
	}
	t.loggedDone = true
	log.Printf("tspcr: %s summary reason=%s packets=%d bytes=%d sync_losses=%d pat=%d pmt=%d pmt_pid=%s pcr_pid=%s pids=%d cc_err=%d cc_dup=%d disc=%d dur=%s",
		t.label, reason, t.packets, t.totalBytes, t.syncLosses,
		t.patCount, t.pmtCount, formatPIDMaybe(t.pmtPIDSet, t.pmtPID), formatPIDMaybe(t.pcrPIDSet, t.pcrPID),
		len(t.pids), t.globalCCErrs, t.globalCCDup, t.globalDisc, time.Since(t.start).Round(time.Millisecond))
	if len(t.pids) == 0 {
		return
	}
	type row struct {
		pid uint16
		s   *PIDStats
	}
	rows := make([]row, 0, len(t.pids))
	for pid, s := range t.pids {
		rows = append(rows, row{pid: pid, s: s})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].s.Packets == rows[j].s.Packets {
			return rows[i].pid < rows[j].pid
		}
		return rows[i].s.Packets > rows[j].s.Packets
	})
	limit := 12
	if len(rows) < limit {
		limit = len(rows)
	}
	for i := 0; i < limit; i++ {
		s := rows[i].s
		stream := "-"
		if s.StreamTypeKnown {
			stream = streamTypeName(s.StreamType)
		}
		var flags []string
		if t.pcrPIDSet && s.PID == t.pcrPID {
			flags = append(flags, "PCR")
		}
		if t.pmtPIDSet && s.PID == t.pmtPID {
			flags = append(flags, "PMT")
		}
		if s.PID == 0 {
			flags = append(flags, "PAT")
		}
		flagText := "-"
		if len(flags) > 0 {
			flagText = strings.Join(flags, ",")
		}
		log.Printf("tspcr: %s pid=%s flags=%s stream=%s pkts=%d payload=%d pusi=%d cc_err=%d cc_dup=%d disc=%d pcr_n=%d pcr_back=%d",
			t.label, formatPIDHex(s.PID), flagText, stream,
			s.Packets, s.PayloadPackets, s.PUSI, s.CCErrors, s.CCDup, s.DiscIndicatorPkts,
			s.PCRCount, s.PCRBackwards)
	}
}

// Stats returns a snapshot of per-PID statistics, sorted by PID ascending.
func (t *Inspector) Stats() []PIDStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PIDStats, 0, len(t.pids))
	for _, s := range t.pids {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func parsePCR(b []byte) (uint64, bool) {
	if len(b) < 6 {
		return 0, false
	}
	base := (uint64(b[0]) << 25) |
		(uint64(b[1]) << 17) |
		(uint64(b[2]) << 9) |
		(uint64(b[3]) << 1) |
		(uint64(b[4]) >> 7)
	ext := (uint64(b[4]&0x01) << 8) | uint64(b[5])
	return base*300 + ext, true
}

func parsePESPTSDTS(payload []byte) (pts uint64, dts uint64, hasPTS bool, hasDTS bool) {
	if len(payload) < 14 {
		return 0, 0, false, false
	}
	if payload[0] != 0x00 || payload[1] != 0x00 || payload[2] != 0x01 {
		return 0, 0, false, false
	}
	flags2 := payload[7]
	hdrLen := int(payload[8])
	if 9+hdrLen > len(payload) {
		return 0, 0, false, false
	}
	ptsDtsFlags := (flags2 >> 6) & 0x03
	off := 9
	if ptsDtsFlags == 0x02 || ptsDtsFlags == 0x03 {
		if off+5 > len(payload) {
			return 0, 0, false, false
		}
		if v, ok := parseMPEGTimestamp33(payload[off : off+5]); ok {
			pts, hasPTS = v, true
		}
		off += 5
	}
	if ptsDtsFlags == 0x03 {
		if off+5 > len(payload) {
			return pts, 0, hasPTS, false
		}
		if v, ok := parseMPEGTimestamp33(payload[off : off+5]); ok {
			dts, hasDTS = v, true
		}
	}
	return pts, dts, hasPTS, hasDTS
}

func parseMPEGTimestamp33(b []byte) (uint64, bool) {
	if len(b) < 5 {
		return 0, false
	}
	if (b[0]&0x01) != 0x01 || (b[2]&0x01) != 0x01 || (b[4]&0x01) != 0x01 {
		return 0, false
	}
	v := (uint64((b[0]>>1)&0x07) << 30) |
		(uint64(b[1]) << 22) |
		(uint64((b[2]>>1)&0x7F) << 15) |
		(uint64(b[3]) << 7) |
		uint64((b[4]>>1)&0x7F)
	return v, true
}

func recordTick(count *int, first, last *uint64, backwards *int, minDelta, maxDelta *uint64, v uint64) {
	if *count == 0 {
		*first = v
		*last = v
		*count = 1
		return
	}
	if v < *last {
		*backwards++
	} else if minDelta != nil && maxDelta != nil {
		d := v - *last
		if *count == 1 || d < *minDelta {
			*minDelta = d
		}
		if d > *maxDelta {
			*maxDelta = d
		}
	}
	*last = v
	*count++
}

func formatPIDMaybe(ok bool, pid uint16) string {
	if !ok {
		return "-"
	}
	return formatPIDHex(pid)
}

func formatPIDHex(pid uint16) string {
	return "0x" + strings.ToUpper(strconv.FormatUint(uint64(pid), 16))
}

func streamTypeName(t byte) string {
	switch t {
	case 0x01:
		return "mpeg1video"
	case 0x02:
		return "mpeg2video"
	case 0x03:
		return "mpeg1audio"
	case 0x04:
		return "mpeg2audio"
	case 0x0f:
		return "aac"
	case 0x1b:
		return "h264"
	case 0x24:
		return "hevc"
	case 0x06:
		return "private"
	default:
		return fmt.Sprintf("0x%02x", t)
	}
}
