package tswriter

import (
	"context"
	"log"
	"time"
)

// pacerState is the consumer-local timeline state from spec.md §3.
type pacerState struct {
	starting         bool
	reset            bool
	startWall        int64 // not updated: Run keeps the anchor (clock.Now() in ns) in a local variable
	deltaStartUs     float64
	lastPacketTimeUs int64
	sentWithoutDelay int
}

// pacer is the C4 component of spec.md §4.3: it waits for ring items,
// paces sends against its own monotonic clock, enforces the burst-cap /
// min-gap rule, and multiplexes an optional command channel.
type pacer struct {
	cfg   PacingConfig
	ring  *ring
	sink  Sink
	clk   clock
	pert  *perturber
	cmd   *commandChannel
	met   *writerMetrics

	state pacerState
}

func newPacer(cfg PacingConfig, r *ring, sink Sink, met *writerMetrics, cmd *commandChannel) *pacer {
	return &pacer{
		cfg:  cfg,
		ring: r,
		sink: sink,
		clk:  realClock{},
		pert: newPerturber(cfg.PerturbSeed, cfg.PerturbRangeMs),
		cmd:  cmd,
		met:  met,
		state: pacerState{
			starting: true,
			reset:    true,
		},
	}
}

// Run executes the consumer loop until the EOF sentinel is released, the
// command channel signals Quit, or ctx is canceled / a fatal sink error
// occurs. It never returns ErrConsumerBlockedTooLong-equivalent: an empty
// ring is waited on forever, matching spec.md §4.1's await_read contract.
func (p *pacer) Run(ctx context.Context) error {
	var startWall int64 // nanoseconds, real clock reference point

	nowNanos := func() int64 { return p.clk.Now().UnixNano() }

	for {
		if p.state.starting {
			if err := p.ring.awaitFull(ctx); err != nil {
				return err
			}
			p.state.starting = false
		}

		it, idx, err := p.ring.awaitRead(ctx)
		if err != nil {
			return err
		}

		if p.met != nil {
			p.met.ringOccupancy.Set(float64(p.ring.Occupancy()))
		}

		if it.isEOF() {
			p.ring.releaseRead(idx)
			return nil
		}

		tpkt := float64(it.timeUs)
		gap := tpkt - float64(p.state.lastPacketTimeUs)

		now := nowNanos()
		ourTimeNowUs := float64(now-startWall) / 1000.0
		if p.pert.enabled() {
			ourTimeNowUs += p.pert.delta()
		}

		var waitForUs float64
		if p.state.reset || it.discontinuity {
			startWall = now
			ourTimeNowUs = 0
			p.state.deltaStartUs = tpkt
			waitForUs = 0
			p.state.reset = false
		} else {
			adjustedNow := ourTimeNowUs + p.state.deltaStartUs
			waitForUs = tpkt - adjustedNow
		}

		if p.cfg.PerturbVerbose {
			log.Printf("tswriter: pacer gap=%.0fus waitfor=%.0fus reset=%v disc=%v", gap, waitForUs, p.state.reset, it.discontinuity)
		}

		switch {
		case waitForUs <= -200_000:
			if !p.pert.enabled() {
				p.state.reset = true
				if p.met != nil {
					p.met.driftResets.Inc()
				}
				log.Printf("tswriter: pacer late by %.0fus, resetting timeline", -waitForUs)
			}
			waitForUs = 0
		case waitForUs <= 0:
			waitForUs = 0
		}

		if waitForUs == 0 && p.cfg.MaxNoWait != -1 {
			if p.state.sentWithoutDelay < p.cfg.MaxNoWait {
				p.state.sentWithoutDelay++
			} else {
				waitForUs = float64(p.cfg.WaitForUs)
				p.state.sentWithoutDelay = 0
				if p.met != nil {
					p.met.burstCapTriggers.Inc()
				}
			}
		} else if waitForUs > 0 {
			p.state.sentWithoutDelay = 0
		}

		if waitForUs > 0 {
			d := time.Duration(waitForUs * float64(time.Microsecond))
			p.clk.Sleep(ctx, d)
			if p.met != nil {
				p.met.pacingSleepSeconds.Observe(d.Seconds())
			}
		}

		if quit := p.pollCommand(); quit {
			p.ring.releaseRead(idx)
			return nil
		}

		if it.payload[0] != TSSyncByte {
			if p.met != nil {
				p.met.invalidPackets.Inc()
			}
			log.Printf("tswriter: dropping corrupt ring item (missing sync byte)")
		} else if err := p.sink.Send(it.payload[:it.length]); err != nil {
			if p.sink.Kind() == SinkUDP {
				if p.met != nil {
					p.met.sinkWriteFailures.Inc()
				}
				log.Printf("tswriter: udp send failed, dropping payload: %v", err)
			} else {
				p.ring.releaseRead(idx)
				return err
			}
		} else if p.met != nil {
			p.met.bytesSent.Add(float64(it.length))
		}

		p.ring.releaseRead(idx)
		p.state.lastPacketTimeUs = it.timeUs
		if p.met != nil {
			p.met.itemsConsumed.Inc()
		}
	}
}

// pollCommand checks the command channel (if any) for a pending Quit. Any
// pending change is acknowledged through Latest(), which clears the changed
// flag; a non-quit command stays readable via Latest() but CommandChanged()
// no longer reports it. The pacer's own loop only acts on Quit, since
// speed/seek semantics belong to the upstream feeder (out of scope per
// spec.md §1).
func (p *pacer) pollCommand() bool {
	if p.cmd == nil {
		return false
	}
	if !p.cmd.CommandChanged() {
		return false
	}
	return p.cmd.Latest() == CommandQuit
}
