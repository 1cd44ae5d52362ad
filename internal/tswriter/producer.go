package tswriter

import (
	"context"
	"fmt"
)

// PacketMeta is the producer-local record of one accumulated packet
// (spec.md §3). index is the sequence number since stream start.
type PacketMeta struct {
	Index  int64
	PID    uint16
	HasPCR bool
	PCR    uint64 // 27MHz ticks, already scaled by PCRScale
}

// producer accumulates incoming TS packets into the ring's current item and
// assigns each closed item its target send time via rateState. It is the
// C3 component of spec.md §4.2.
type producer struct {
	cfg  PacingConfig
	ring *ring
	rate rateState
	met  *writerMetrics

	cur       *item
	curIdx    int64
	curCount  int
	curMetas  []PacketMeta
	itemHasPCR bool
	itemPCR    uint64
	itemPCRIdx int64

	packetIndex int64

	pendingDiscontinuity bool

	closed bool
}

func newProducer(cfg PacingConfig, r *ring, met *writerMetrics) *producer {
	return &producer{
		cfg:      cfg,
		ring:     r,
		met:      met,
		curMetas: make([]PacketMeta, 0, cfg.PacketsPerItem),
	}
}

// SignalDiscontinuity marks the next item closed (partial or full) as a
// producer-signaled discontinuity and forces the rate controller to re-prime,
// matching the PCR-rollback-inferred path's reset behavior (spec.md §9, §3
// "discontinuity").
func (p *producer) SignalDiscontinuity() {
	p.pendingDiscontinuity = true
	p.rate.hadFirstPCR = false
	p.rate.hadSecondPCR = false
	p.rate.availableBytes = 0
	p.rate.availableTimeUs = 0
}

// WritePacket accepts one 188-byte TS packet with its PCR metadata,
// accumulates it into the open item, and closes+commits the item once it
// reaches PacketsPerItem packets.
func (p *producer) WritePacket(ctx context.Context, packet []byte, pid uint16, hasPCR bool, pcr uint64) error {
	if p.closed {
		return ErrSinkClosed
	}
	if len(packet) != TSPacketSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPacket, len(packet), TSPacketSize)
	}
	if packet[0] != TSSyncByte {
		return ErrInvalidPacket
	}

	if p.cur == nil {
		it, idx, err := p.ring.reserveWrite(ctx)
		if err != nil {
			return err
		}
		it.reset()
		p.cur = it
		p.curIdx = idx
		p.curCount = 0
		p.curMetas = p.curMetas[:0]
		// "False PCR" protection (spec.md §9): the first packet of a freshly
		// opened item never contributes a PCR from stale state, only from
		// this call's explicit hasPCR argument.
		p.itemHasPCR = false
		p.itemPCR = 0
		p.itemPCRIdx = 0
	}

	off := p.curCount * TSPacketSize
	copy(p.cur.payload[off:off+TSPacketSize], packet)
	p.curCount++

	scaledPCR := uint64(float64(pcr) * p.cfg.PCRScale)
	meta := PacketMeta{Index: p.packetIndex, PID: pid, HasPCR: hasPCR, PCR: scaledPCR}
	p.curMetas = append(p.curMetas, meta)
	if hasPCR && !p.itemHasPCR {
		p.itemHasPCR = true
		p.itemPCR = scaledPCR
		p.itemPCRIdx = p.packetIndex
	}
	p.packetIndex++

	if p.met != nil {
		p.met.packetsAccepted.Inc()
	}

	if p.curCount >= p.cfg.PacketsPerItem {
		return p.closeCurrent()
	}
	return nil
}

// closeCurrent finalizes the open item (stamping its timestamp) and commits
// it to the ring. Safe to call with a partial item (used by Flush/EOF).
func (p *producer) closeCurrent() error {
	if p.cur == nil {
		return nil
	}
	numBytes := p.curCount * TSPacketSize
	p.cur.length = numBytes

	ts, discontinuity := p.rate.closeItem(p.cfg, numBytes, p.itemHasPCR, p.itemPCR, p.itemPCRIdx)
	p.cur.timeUs = int64(ts)
	p.cur.discontinuity = discontinuity || p.pendingDiscontinuity
	p.pendingDiscontinuity = false

	if p.met != nil {
		p.met.itemsProduced.Inc()
		if p.rate.pcrRateBps > 0 {
			p.met.pcrRateBps.Set(p.rate.pcrRateBps)
		}
		if p.cur.discontinuity {
			p.met.discontinuities.Inc()
		}
	}

	p.ring.commitWrite(p.curIdx)
	p.cur = nil
	p.curIdx = 0
	p.curCount = 0
	return nil
}

// Flush closes any partially-accumulated item without waiting for it to
// fill, used before WriteEOF.
func (p *producer) Flush() error {
	return p.closeCurrent()
}

// WriteEOF flushes any partial item, then commits the EOF sentinel item
// (length==1, payload[0]==0x01) per spec.md §4.2.
func (p *producer) WriteEOF(ctx context.Context) error {
	if p.closed {
		return nil
	}
	if err := p.Flush(); err != nil {
		return err
	}
	it, idx, err := p.ring.reserveWrite(ctx)
	if err != nil {
		return err
	}
	it.reset()
	it.payload[0] = 0x01
	it.length = 1
	ts, _ := p.rate.closeItem(p.cfg, 1, false, 0, 0)
	it.timeUs = int64(ts)
	p.ring.commitWrite(idx)
	p.closed = true
	return nil
}
