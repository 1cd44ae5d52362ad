package tswriter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSink records every payload handed to Send. sendErr, when set, is
// returned from every Send call (used to exercise the UDP-non-fatal /
// TCP-fatal branching in pacer.Run).
type fakeSink struct {
	mu       sync.Mutex
	kind     SinkKind
	sent     [][]byte
	sendErr  error
	closed   bool
}

func (s *fakeSink) Kind() SinkKind { return s.kind }

func (s *fakeSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSink) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func pacerTestConfig() PacingConfig {
	cfg := DefaultConfig()
	cfg.CircBufSize = 8
	cfg.PacketsPerItem = 1
	cfg.ParentWaitMs = 1
	cfg.ChildWaitMs = 1
	cfg.ParentGiveUpAfter = 1000
	cfg.MaxNoWait = -1
	return cfg
}

func commitRawItem(t *testing.T, r *ring, timeUs int64, discontinuity bool) {
	t.Helper()
	it, idx, err := r.reserveWrite(context.Background())
	if err != nil {
		t.Fatalf("reserveWrite: %v", err)
	}
	it.reset()
	it.length = TSPacketSize
	it.payload[0] = TSSyncByte
	it.payload[1] = byte(timeUs / 1000) // lets tests tell items apart
	it.timeUs = timeUs
	it.discontinuity = discontinuity
	r.commitWrite(idx)
}

func commitEOF(t *testing.T, r *ring) {
	t.Helper()
	it, idx, err := r.reserveWrite(context.Background())
	if err != nil {
		t.Fatalf("reserveWrite: %v", err)
	}
	it.reset()
	it.length = 1
	it.payload[0] = 0x01
	r.commitWrite(idx)
}

func TestPacer_sendsItemsInOrderThenStopsOnEOF(t *testing.T) {
	cfg := pacerTestConfig()
	r := newRing(cfg)
	sink := &fakeSink{kind: SinkFile}
	cmd := newCommandChannel()
	p := newPacer(cfg, r, sink, nil, cmd)
	p.clk = newFakeClock(time.Unix(0, 0))

	// Fill the ring to capacity first so awaitFull's startup gate clears.
	for i := 0; i < cfg.CircBufSize; i++ {
		commitRawItem(t, r, int64(i)*1000, i == 0)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for sink.sentCount() < cfg.CircBufSize {
		select {
		case <-deadline:
			t.Fatalf("pacer only sent %d/%d items", sink.sentCount(), cfg.CircBufSize)
		case <-time.After(time.Millisecond):
		}
	}
	sink.mu.Lock()
	for i, payload := range sink.sent {
		if payload[1] != byte(i) {
			sink.mu.Unlock()
			t.Fatalf("send #%d carried item %d, want item %d", i, payload[1], i)
		}
	}
	sink.mu.Unlock()

	commitEOF(t, r)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pacer did not exit after EOF sentinel")
	}
}

func TestPacer_burstCapForcesWaitAfterNConsecutiveSends(t *testing.T) {
	cfg := pacerTestConfig()
	cfg.MaxNoWait = 2
	cfg.WaitForUs = 50_000
	r := newRing(cfg)
	sink := &fakeSink{kind: SinkFile}
	cmd := newCommandChannel()
	p := newPacer(cfg, r, sink, nil, cmd)
	fc := newFakeClock(time.Unix(0, 0))
	p.clk = fc

	for i := 0; i < cfg.CircBufSize; i++ {
		// All items already "due" (timeUs far in the past relative to our
		// fake clock) so every send is a zero-wait burst send.
		commitRawItem(t, r, 0, i == 0)
	}
	// The ring is full, so the EOF sentinel can only be committed once the
	// running pacer has freed a slot.
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	commitEOF(t, r)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sink.sentCount() != cfg.CircBufSize {
		t.Fatalf("sent %d items, want %d", sink.sentCount(), cfg.CircBufSize)
	}
	// 8 zero-wait items with MaxNoWait=2: the 3rd and 6th sends are each
	// preceded by a forced WaitForUs pause, and nothing else sleeps.
	wantElapsed := 2 * time.Duration(cfg.WaitForUs) * time.Microsecond
	if got := fc.Now().Sub(time.Unix(0, 0)); got != wantElapsed {
		t.Fatalf("fake clock advanced %v, want %v of forced burst-cap waits", got, wantElapsed)
	}
}

func TestPacer_quitCommandStopsLoop(t *testing.T) {
	cfg := pacerTestConfig()
	r := newRing(cfg)
	sink := &fakeSink{kind: SinkFile}
	cmd := newCommandChannel()
	p := newPacer(cfg, r, sink, nil, cmd)
	p.clk = newFakeClock(time.Unix(0, 0))

	for i := 0; i < cfg.CircBufSize; i++ {
		commitRawItem(t, r, 0, i == 0)
	}
	cmd.set(CommandQuit)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pacer did not stop on CommandQuit")
	}
}

func TestPacer_udpSendFailureIsNonFatal(t *testing.T) {
	cfg := pacerTestConfig()
	r := newRing(cfg)
	sendErr := errors.New("boom")
	sink := &fakeSink{kind: SinkUDP, sendErr: sendErr}
	met := NewMetrics(nil)
	cmd := newCommandChannel()
	p := newPacer(cfg, r, sink, met, cmd)
	p.clk = newFakeClock(time.Unix(0, 0))

	for i := 0; i < cfg.CircBufSize; i++ {
		commitRawItem(t, r, 0, i == 0)
	}
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	commitEOF(t, r)

	if err := <-done; err != nil {
		t.Fatalf("Run should absorb UDP send errors, got: %v", err)
	}
}

func TestPacer_nonUDPSendFailureIsFatal(t *testing.T) {
	cfg := pacerTestConfig()
	r := newRing(cfg)
	sendErr := errors.New("boom")
	sink := &fakeSink{kind: SinkTCP, sendErr: sendErr}
	cmd := newCommandChannel()
	p := newPacer(cfg, r, sink, nil, cmd)
	p.clk = newFakeClock(time.Unix(0, 0))

	for i := 0; i < cfg.CircBufSize; i++ {
		commitRawItem(t, r, 0, i == 0)
	}
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	commitEOF(t, r)

	if err := <-done; err == nil {
		t.Fatal("expected non-UDP send failure to propagate as fatal")
	}
}
