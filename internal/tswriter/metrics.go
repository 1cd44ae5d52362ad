package tswriter

import "github.com/prometheus/client_golang/prometheus"

// writerMetrics is the set of Prometheus instruments one TsWriter updates.
// Grounded on the collector-per-resource pattern used for TCP info export
// in the pack (a prometheus.Desc/Collect pair per tracked connection); here
// a single TsWriter registers one set of plain metrics instead, since there
// is exactly one engine per writer rather than one per connection.
type writerMetrics struct {
	itemsProduced       prometheus.Counter
	itemsConsumed       prometheus.Counter
	packetsAccepted     prometheus.Counter
	bytesSent           prometheus.Counter
	burstCapTriggers    prometheus.Counter
	driftResets         prometheus.Counter
	discontinuities     prometheus.Counter
	sinkWriteFailures   prometheus.Counter
	invalidPackets      prometheus.Counter
	pcrRateBps          prometheus.Gauge
	ringOccupancy       prometheus.Gauge
	pacingSleepSeconds  prometheus.Histogram
}

// NewMetrics creates and registers a fresh metric set against reg. Pass a
// distinct *prometheus.Registry per TsWriter instance (or namespace the
// labels yourself) to run more than one writer in the same process.
func NewMetrics(reg prometheus.Registerer) *writerMetrics {
	m := &writerMetrics{
		itemsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tswrite_items_produced_total", Help: "Ring items closed and committed by the producer.",
		}),
		itemsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tswrite_items_consumed_total", Help: "Ring items released by the consumer.",
		}),
		packetsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tswrite_packets_accepted_total", Help: "TS packets accepted by WritePacket.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tswrite_bytes_sent_total", Help: "Bytes successfully handed to the sink.",
		}),
		burstCapTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tswrite_burst_cap_triggered_total", Help: "Times the maxnowait burst cap forced a wait.",
		}),
		driftResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tswrite_drift_reset_total", Help: "Times the pacer re-anchored its timeline after falling behind by more than 0.2s.",
		}),
		discontinuities: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tswrite_discontinuity_total", Help: "Items marked discontinuous (PCR rollback or signaled).",
		}),
		sinkWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tswrite_sink_write_failures_total", Help: "Non-fatal UDP sink send failures.",
		}),
		invalidPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tswrite_invalid_packets_total", Help: "Items dropped at send time for missing the 0x47 sync byte.",
		}),
		pcrRateBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tswrite_pcr_rate_bps", Help: "Current PCR-derived byte-rate estimate.",
		}),
		ringOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tswrite_ring_occupancy", Help: "Current number of items held in the ring.",
		}),
		pacingSleepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "tswrite_pacing_sleep_seconds", Help: "Per-item pacing sleep duration.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.itemsProduced, m.itemsConsumed, m.packetsAccepted, m.bytesSent,
			m.burstCapTriggers, m.driftResets, m.discontinuities,
			m.sinkWriteFailures, m.invalidPackets, m.pcrRateBps, m.ringOccupancy,
			m.pacingSleepSeconds,
		)
	}
	return m
}
