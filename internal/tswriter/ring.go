package tswriter

import (
	"context"
	"sync/atomic"
	"time"
)

// item is one ring slot: up to PacketsPerItem TS packets, the byte count
// currently in use, the producer-assigned target send time, and a
// discontinuity flag. The eofMarker convention (length==1, payload[0]==0x01)
// is checked via isEOF rather than a dedicated field, matching spec.md §3.
type item struct {
	payload       []byte // fixed-cap buffer, reused across the slot's lifetime
	length        int
	timeUs        int64
	discontinuity bool
}

func (it *item) isEOF() bool {
	return it.length == 1 && it.payload[0] == 0x01
}

func (it *item) reset() {
	it.length = 0
	it.timeUs = 0
	it.discontinuity = false
}

// ring is the bounded SPSC circular queue of items described in spec.md
// §4.1. It uses N+1 slots (one always empty) so full/empty are distinct,
// unambiguous predicates. start/end are atomics: only the consumer stores
// start, only the producer stores end, matching the single-writer-per-index
// discipline spec.md §5 requires for the no-shared-mutable-state guarantee.
type ring struct {
	slots []item
	size  int // N+1

	start atomic.Int64 // next read index, consumer-owned
	end   atomic.Int64 // last written index, producer-owned

	parentWait        time.Duration
	childWait         time.Duration
	parentGiveUpAfter int
}

func newRing(cfg PacingConfig) *ring {
	size := cfg.CircBufSize + 1
	slots := make([]item, size)
	itemSize := cfg.itemSize()
	for i := range slots {
		slots[i].payload = make([]byte, itemSize)
	}
	r := &ring{
		slots:             slots,
		size:              size,
		parentWait:        time.Duration(cfg.ParentWaitMs) * time.Millisecond,
		childWait:         time.Duration(cfg.ChildWaitMs) * time.Millisecond,
		parentGiveUpAfter: cfg.ParentGiveUpAfter,
	}
	r.start.Store(0)
	r.end.Store(int64(size - 1))
	return r
}

func (r *ring) mod(i int64) int64 {
	m := i % int64(r.size)
	if m < 0 {
		m += int64(r.size)
	}
	return m
}

func (r *ring) isEmptyLocked(start, end int64) bool {
	return start == r.mod(end+1)
}

func (r *ring) isFullLocked(start, end int64) bool {
	return r.mod(end+2) == start
}

// Empty reports whether the ring currently holds zero items.
func (r *ring) Empty() bool {
	return r.isEmptyLocked(r.start.Load(), r.end.Load())
}

// Full reports whether the ring currently holds N items (capacity).
func (r *ring) Full() bool {
	return r.isFullLocked(r.start.Load(), r.end.Load())
}

// Occupancy returns the current item count, for metrics.
func (r *ring) Occupancy() int {
	start, end := r.start.Load(), r.end.Load()
	n := r.mod(end - start + 1)
	return int(n)
}

// reserveWrite blocks (polling parentWait) until a free slot exists, then
// returns a pointer to it and the index to pass to commitWrite. Gives up
// after parentGiveUpAfter polls, returning ErrProducerBlockedTooLong.
func (r *ring) reserveWrite(ctx context.Context) (*item, int64, error) {
	attempts := 0
	for {
		start, end := r.start.Load(), r.end.Load()
		if !r.isFullLocked(start, end) {
			idx := r.mod(end + 1)
			return &r.slots[idx], idx, nil
		}
		attempts++
		if attempts > r.parentGiveUpAfter {
			return nil, 0, ErrProducerBlockedTooLong
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(r.parentWait):
		}
	}
}

// commitWrite publishes the slot at idx (previously returned by
// reserveWrite) by advancing end. Only the producer calls this.
func (r *ring) commitWrite(idx int64) {
	r.end.Store(idx)
}

// awaitRead blocks (polling childWait, no give-up — upstream may legitimately
// pause arbitrarily long per spec.md §4.1) until an item is available, then
// returns a pointer to it and its index for releaseRead.
func (r *ring) awaitRead(ctx context.Context) (*item, int64, error) {
	for {
		start, end := r.start.Load(), r.end.Load()
		if !r.isEmptyLocked(start, end) {
			return &r.slots[start], start, nil
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(r.childWait):
		}
	}
}

// releaseRead advances start past idx (previously returned by awaitRead).
// Only the consumer calls this.
func (r *ring) releaseRead(idx int64) {
	r.start.Store(r.mod(idx + 1))
}

// awaitFull blocks (polling childWait) until the ring has filled to
// capacity once, used by the consumer at startup so network emission
// begins only after the pipeline has warmed up. It also unblocks once an
// EOF sentinel has been committed, even with the ring short of capacity:
// otherwise a producer sequence shorter than CircBufSize items that ends
// in WriteEOF would leave the consumer waiting forever and violate spec.md
// §8 P6 (every successful producer sequence ending in write_eof must let
// the consumer exit within finite polling delay).
func (r *ring) awaitFull(ctx context.Context) error {
	for {
		if r.Full() {
			return nil
		}
		if !r.Empty() && r.slots[r.end.Load()].isEOF() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.childWait):
		}
	}
}
