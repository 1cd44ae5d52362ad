package tswriter

import (
	"context"
	"testing"
	"time"
)

func testRingConfig() PacingConfig {
	cfg := DefaultConfig()
	cfg.CircBufSize = 4
	cfg.PacketsPerItem = 1
	cfg.ParentWaitMs = 1
	cfg.ChildWaitMs = 1
	cfg.ParentGiveUpAfter = 5
	return cfg
}

func TestRing_emptyAtStart(t *testing.T) {
	r := newRing(testRingConfig())
	if !r.Empty() {
		t.Fatal("expected new ring to be empty")
	}
	if r.Full() {
		t.Fatal("new ring should not be full")
	}
	if r.Occupancy() != 0 {
		t.Fatalf("occupancy = %d, want 0", r.Occupancy())
	}
}

func TestRing_writeThenReadRoundTrip(t *testing.T) {
	r := newRing(testRingConfig())
	ctx := context.Background()

	it, idx, err := r.reserveWrite(ctx)
	if err != nil {
		t.Fatalf("reserveWrite: %v", err)
	}
	it.payload[0] = 0x47
	it.length = 1
	r.commitWrite(idx)

	if r.Empty() {
		t.Fatal("expected ring to hold one item after commit")
	}
	if r.Occupancy() != 1 {
		t.Fatalf("occupancy = %d, want 1", r.Occupancy())
	}

	got, ridx, err := r.awaitRead(ctx)
	if err != nil {
		t.Fatalf("awaitRead: %v", err)
	}
	if got.payload[0] != 0x47 || got.length != 1 {
		t.Fatalf("read back wrong item: %+v", got)
	}
	r.releaseRead(ridx)

	if !r.Empty() {
		t.Fatal("expected ring empty after release")
	}
}

func TestRing_fillsToCapacityAndReportsFull(t *testing.T) {
	cfg := testRingConfig()
	r := newRing(cfg)
	ctx := context.Background()

	for i := 0; i < cfg.CircBufSize; i++ {
		it, idx, err := r.reserveWrite(ctx)
		if err != nil {
			t.Fatalf("reserveWrite #%d: %v", i, err)
		}
		it.length = 1
		r.commitWrite(idx)
	}
	if !r.Full() {
		t.Fatalf("expected ring full after writing %d items, occupancy=%d", cfg.CircBufSize, r.Occupancy())
	}
	if r.Occupancy() != cfg.CircBufSize {
		t.Fatalf("occupancy = %d, want %d", r.Occupancy(), cfg.CircBufSize)
	}
}

func TestRing_reserveWriteGivesUpWhenConsumerDead(t *testing.T) {
	cfg := testRingConfig()
	cfg.ParentGiveUpAfter = 3
	r := newRing(cfg)
	ctx := context.Background()

	for i := 0; i < cfg.CircBufSize; i++ {
		it, idx, err := r.reserveWrite(ctx)
		if err != nil {
			t.Fatalf("reserveWrite #%d: %v", i, err)
		}
		it.length = 1
		r.commitWrite(idx)
	}

	_, _, err := r.reserveWrite(ctx)
	if err == nil {
		t.Fatal("expected ErrProducerBlockedTooLong on a ring that never drains")
	}
}

func TestRing_reserveWriteRespectsContextCancellation(t *testing.T) {
	cfg := testRingConfig()
	cfg.ParentGiveUpAfter = 1_000_000
	r := newRing(cfg)
	ctx := context.Background()
	for i := 0; i < cfg.CircBufSize; i++ {
		it, idx, err := r.reserveWrite(ctx)
		if err != nil {
			t.Fatalf("reserveWrite #%d: %v", i, err)
		}
		it.length = 1
		r.commitWrite(idx)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, _, err := r.reserveWrite(cctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestRing_awaitFullBlocksUntilCapacityReached(t *testing.T) {
	cfg := testRingConfig()
	r := newRing(cfg)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- r.awaitFull(ctx) }()

	select {
	case <-done:
		t.Fatal("awaitFull returned before ring was full")
	case <-time.After(20 * time.Millisecond):
	}

	for i := 0; i < cfg.CircBufSize; i++ {
		it, idx, err := r.reserveWrite(ctx)
		if err != nil {
			t.Fatalf("reserveWrite #%d: %v", i, err)
		}
		it.length = 1
		r.commitWrite(idx)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("awaitFull: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("awaitFull never returned after ring filled")
	}
}
