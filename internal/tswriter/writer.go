package tswriter

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// TsWriter ties together the ring, producer, pacer, sink and command
// channel described in spec.md §3. One TsWriter drives exactly one output
// stream; run more than one in the same process for fan-out, each with its
// own PacingConfig and (optionally) its own *prometheus.Registry.
type TsWriter struct {
	cfg  PacingConfig
	ring *ring
	sink Sink
	met  *writerMetrics
	cmd  *commandChannel

	producer *producer
	pacer    *pacer

	mu       sync.Mutex
	started  bool
	closed   bool
	consumerErr error
	consumerDone chan struct{}
}

// NewWriter validates cfg, opens the sink via Open(opts), and wires the
// ring/producer/pacer/command components, but does not start the consumer
// goroutine yet: call StartBuffering for that (spec.md §5 "the ring,
// producer, and consumer are created together at start_buffering").
func NewWriter(cfg PacingConfig, opts OpenOptions, reg prometheus.Registerer) (*TsWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sink, err := Open(opts)
	if err != nil {
		return nil, err
	}
	met := NewMetrics(reg)
	r := newRing(cfg)
	cmd := newCommandChannel()
	w := &TsWriter{
		cfg:          cfg,
		ring:         r,
		sink:         sink,
		met:          met,
		cmd:          cmd,
		producer:     newProducer(cfg, r, met),
		pacer:        newPacer(cfg, r, sink, met, cmd),
		consumerDone: make(chan struct{}),
	}
	return w, nil
}

// StartBuffering launches the consumer (pacer) goroutine. WritePacket may be
// called before or after StartBuffering; the producer blocks on ring space
// either way, and the consumer itself blocks on ring.awaitFull until the
// ring has filled once (spec.md §4.1 startup behavior).
func (w *TsWriter) StartBuffering(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go func() {
		defer close(w.consumerDone)
		if err := w.pacer.Run(ctx); err != nil {
			w.mu.Lock()
			w.consumerErr = err
			w.mu.Unlock()
			log.Printf("tswriter: consumer exited: %v", err)
		}
	}()
}

// WritePacket hands one 188-byte TS packet to the producer. pid and the PCR
// fields mirror spec.md §4.2's ingest contract; callers that don't track PIDs
// may pass 0.
func (w *TsWriter) WritePacket(ctx context.Context, packet []byte, pid uint16, hasPCR bool, pcr uint64) error {
	return w.producer.WritePacket(ctx, packet, pid, hasPCR, pcr)
}

// SignalDiscontinuity marks the next closed item as discontinuous and forces
// the rate controller to re-prime (spec.md §3/§9).
func (w *TsWriter) SignalDiscontinuity() {
	w.producer.SignalDiscontinuity()
}

// Commands exposes the command channel for a transport-specific reader
// goroutine (e.g. cmd/tswrite's TCP command reader, which calls
// FeedByte/FeedQuit) to feed commands in, and for external callers to
// observe CommandChanged/Latest.
func (w *TsWriter) Commands() *commandChannel {
	return w.cmd
}

// WriteEOF flushes any partial item, commits the EOF sentinel, and blocks
// until the consumer has drained the ring and exited, per spec.md §5's
// teardown order: "producer flushes partial item, inserts EOF sentinel,
// waits for consumer to drain and exit, tears down sink, frees ring."
func (w *TsWriter) WriteEOF(ctx context.Context) error {
	if err := w.producer.WriteEOF(ctx); err != nil {
		return err
	}
	select {
	case <-w.consumerDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.Close()
}

// Close tears down the sink. Only the parent (this TsWriter, after the
// consumer has exited) frees shared resources; the consumer goroutine never
// closes the sink or ring itself, matching spec.md §5's ownership rule.
func (w *TsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.sink.Close(); err != nil {
		return fmt.Errorf("%w: close sink: %v", ErrFatalSetup, err)
	}
	return nil
}

// ConsumerError returns the error the consumer goroutine exited with, if
// any. Only meaningful after consumerDone has closed (observable via
// WriteEOF's return or by the caller's own ctx-cancellation path).
func (w *TsWriter) ConsumerError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consumerErr
}

// Occupancy reports the current ring item count, for health/metrics callers.
func (w *TsWriter) Occupancy() int {
	return w.ring.Occupancy()
}
