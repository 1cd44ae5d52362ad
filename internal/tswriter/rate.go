package tswriter

// rateState is the producer-local credit pool and PCR-tracking state from
// spec.md §3 ("RateState"). Every field that the original design kept as a
// function-static accumulator lives here instead, so a process can run more
// than one Producer (spec.md §9, "static-local accumulators").
type rateState struct {
	availableBytes         float64
	availableTimeUs        float64
	lastPCR                uint64
	lastPCRIndex           int64
	hadFirstPCR            bool
	hadSecondPCR           bool
	pcrRateBps             float64
	lastTimestampUs        float64
	initialPrimeTime       float64
	initialPrimeBytes      float64
	pendingPrimeCorrection bool
}

// prime (re)fills the credit pool. Called whenever the pool is depleted
// (non-positive) on item close. The rate seed is byterate until any PCR has
// been observed, thereafter the current pcr_rate_bps estimate.
func (rs *rateState) prime(cfg PacingConfig) {
	rate := cfg.ByteRate
	if rs.hadFirstPCR && rs.pcrRateBps > 0 {
		rate = rs.pcrRateBps
	}
	bytes := float64(cfg.itemSize()) * float64(cfg.PrimeSize)
	timeUs := bytes * 1e6 / (rate * cfg.PrimeSpeedup / 100)
	rs.availableBytes = bytes
	rs.availableTimeUs = timeUs

	// Only a prime performed before the rate has been confirmed by a second
	// real PCR needs correction later: its rate seed may be the plain
	// byterate guess rather than a PCR-derived one.
	if !rs.hadSecondPCR {
		rs.initialPrimeBytes = bytes
		rs.initialPrimeTime = timeUs
		rs.pendingPrimeCorrection = true
	}
}

// closeItem returns the target send time for a just-closed item of numBytes, using the
// PCR-locked algorithm (spec.md §4.2) when cfg.UsePCRs is true, or the plain
// constant-rate algorithm otherwise. pcrPresent/pcr/pcrIndex describe the
// first PCR carried by a packet in this item, if any (extras within the same
// item are ignored per spec.md §4.2 "first occurrence wins").
func (rs *rateState) closeItem(cfg PacingConfig, numBytes int, pcrPresent bool, pcr uint64, pcrIndex int64) (timestampUs float64, discontinuity bool) {
	if !cfg.UsePCRs {
		dt := float64(numBytes) * 1e6 / cfg.ByteRate
		rs.lastTimestampUs += dt
		return rs.lastTimestampUs, false
	}

	if rs.availableBytes <= 0 || rs.availableTimeUs <= 0 {
		rs.prime(cfg)
	}

	dt := float64(numBytes) / rs.availableBytes * rs.availableTimeUs
	timestamp := rs.lastTimestampUs + dt
	rs.availableBytes -= float64(numBytes)
	rs.availableTimeUs -= dt
	rs.lastTimestampUs = timestamp

	if pcrPresent {
		discontinuity = rs.observePCR(cfg, pcr, pcrIndex)
	}

	return timestamp, discontinuity
}

// observePCR folds one PCR observation into the rate state, updating
// pcr_rate_bps and the credit pool as described in spec.md §4.2 step 3.
// Returns true if this PCR rolled backward relative to the previous one
// (a discontinuity).
func (rs *rateState) observePCR(cfg PacingConfig, pcr uint64, index int64) bool {
	scaled := pcr // scaling is applied by the caller before this point (at ingest), per spec.md §4.2 invariant.

	switch {
	case rs.hadFirstPCR && scaled < rs.lastPCR:
		rs.hadFirstPCR = false
		rs.hadSecondPCR = false
		rs.availableBytes = 0
		rs.availableTimeUs = 0
		return true

	case !rs.hadFirstPCR:
		rs.lastPCR = scaled
		rs.lastPCRIndex = index
		rs.hadFirstPCR = true
		return false

	default:
		deltaPCR := scaled - rs.lastPCR
		deltaBytes := float64(index-rs.lastPCRIndex) * TSPacketSize
		if deltaPCR > 0 {
			rs.pcrRateBps = deltaBytes * 27_000_000 / float64(deltaPCR)
		}
		if rs.pcrRateBps > 0 {
			rs.availableBytes += deltaBytes
			rs.availableTimeUs += deltaBytes * 1e6 / rs.pcrRateBps

			wasSecond := !rs.hadSecondPCR
			rs.hadSecondPCR = true
			if wasSecond && rs.pendingPrimeCorrection {
				rs.availableTimeUs -= rs.initialPrimeTime
				rs.availableTimeUs += rs.initialPrimeBytes * 1e6 / rs.pcrRateBps
				rs.pendingPrimeCorrection = false
			}
		}
		rs.lastPCR = scaled
		rs.lastPCRIndex = index
		return false
	}
}
