package tswriter

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// TSPacketSize is the fixed MPEG-2 transport stream packet size.
const TSPacketSize = 188

// TSSyncByte is the required first byte of every TS packet.
const TSSyncByte = 0x47

// MaxPacketsPerItem is the hard ceiling on PacingConfig.PacketsPerItem: one
// Ethernet-MTU-sized ring item (7*188 = 1316 bytes).
const MaxPacketsPerItem = 7

// PacingConfig holds every tunable named in the option table. It replaces
// the process-global statics of the original design: every field the rate
// controller and pacer used to keep as a static local now lives here or in
// RateState/PacerState, so a process can run more than one TsWriter.
type PacingConfig struct {
	CircBufSize     int // N, ring slots (items), default 100
	PacketsPerItem  int // K, default 7, max MaxPacketsPerItem
	MaxNoWait       int // burst cap; -1 = off, default 30
	WaitForUs       int64
	ByteRate        float64 // initial/plain-mode rate, bytes/sec, default 250000
	UsePCRs         bool
	PrimeSize       int     // items, default 10
	PrimeSpeedup    float64 // percent, default 100
	PCRScale        float64 // default 1.0
	ParentWaitMs    int     // default 50
	ChildWaitMs     int     // default 10
	ParentGiveUpAfter int   // polls, default 1000

	// Test-only jitter knob (spec.md §6 perturb_*). Zero range disables.
	PerturbSeed      int64
	PerturbRangeMs   int
	PerturbVerbose   bool
}

// DefaultConfig returns the option table's documented defaults.
func DefaultConfig() PacingConfig {
	return PacingConfig{
		CircBufSize:       100,
		PacketsPerItem:    7,
		MaxNoWait:         30,
		WaitForUs:         1000,
		ByteRate:          250_000,
		UsePCRs:           true,
		PrimeSize:         10,
		PrimeSpeedup:      100,
		PCRScale:          1.0,
		ParentWaitMs:      50,
		ChildWaitMs:       10,
		ParentGiveUpAfter: 1000,
	}
}

// Validate rejects nonsensical options up front (ConfigError in spec.md §7).
func (c PacingConfig) Validate() error {
	switch {
	case c.CircBufSize <= 0:
		return fmt.Errorf("%w: circ_buf_size must be > 0", ErrConfigError)
	case c.PacketsPerItem <= 0:
		return fmt.Errorf("%w: packets_per_item must be > 0", ErrConfigError)
	case c.PacketsPerItem > MaxPacketsPerItem:
		return fmt.Errorf("%w: packets_per_item must be <= %d", ErrConfigError, MaxPacketsPerItem)
	case c.ByteRate <= 0:
		return fmt.Errorf("%w: byterate must be > 0", ErrConfigError)
	case c.PrimeSize <= 0:
		return fmt.Errorf("%w: prime_size must be > 0", ErrConfigError)
	case c.PrimeSpeedup <= 0:
		return fmt.Errorf("%w: prime_speedup must be > 0", ErrConfigError)
	case c.PCRScale <= 0:
		return fmt.Errorf("%w: pcr_scale must be > 0", ErrConfigError)
	case c.ParentWaitMs <= 0:
		return fmt.Errorf("%w: parent_wait_ms must be > 0", ErrConfigError)
	case c.ChildWaitMs <= 0:
		return fmt.Errorf("%w: child_wait_ms must be > 0", ErrConfigError)
	case c.ParentGiveUpAfter <= 0:
		return fmt.Errorf("%w: parent_give_up_after must be > 0", ErrConfigError)
	case c.MaxNoWait < -1:
		return fmt.Errorf("%w: maxnowait must be -1 or >= 0", ErrConfigError)
	case c.WaitForUs < 0:
		return fmt.Errorf("%w: waitfor must be >= 0", ErrConfigError)
	}
	return nil
}

// itemSize returns the byte capacity of one ring slot's payload.
func (c PacingConfig) itemSize() int {
	return c.PacketsPerItem * TSPacketSize
}

// ConfigFromEnv reads the option table from <prefix>_<NAME> environment
// variables, following the teacher's getenvInt/getenvBool/getenvDuration
// idiom, seeded from DefaultConfig and then validated.
func ConfigFromEnv(prefix string) (PacingConfig, error) {
	if prefix == "" {
		prefix = "TSWRITE"
	}
	c := DefaultConfig()
	c.CircBufSize = getenvInt(prefix+"_CIRC_BUF_SIZE", c.CircBufSize)
	c.PacketsPerItem = getenvInt(prefix+"_PACKETS_PER_ITEM", c.PacketsPerItem)
	c.MaxNoWait = getenvInt(prefix+"_MAXNOWAIT", c.MaxNoWait)
	c.WaitForUs = int64(getenvInt(prefix+"_WAITFOR_US", int(c.WaitForUs)))
	c.ByteRate = getenvFloat(prefix+"_BYTERATE", c.ByteRate)
	c.UsePCRs = getenvBool(prefix+"_USE_PCRS", c.UsePCRs)
	c.PrimeSize = getenvInt(prefix+"_PRIME_SIZE", c.PrimeSize)
	c.PrimeSpeedup = getenvFloat(prefix+"_PRIME_SPEEDUP", c.PrimeSpeedup)
	c.PCRScale = getenvFloat(prefix+"_PCR_SCALE", c.PCRScale)
	c.ParentWaitMs = getenvInt(prefix+"_PARENT_WAIT_MS", c.ParentWaitMs)
	c.ChildWaitMs = getenvInt(prefix+"_CHILD_WAIT_MS", c.ChildWaitMs)
	c.ParentGiveUpAfter = getenvInt(prefix+"_PARENT_GIVE_UP_AFTER", c.ParentGiveUpAfter)
	c.PerturbSeed = int64(getenvInt(prefix+"_PERTURB_SEED", int(c.PerturbSeed)))
	c.PerturbRangeMs = getenvInt(prefix+"_PERTURB_RANGE_MS", c.PerturbRangeMs)
	c.PerturbVerbose = getenvBool(prefix+"_PERTURB_VERBOSE", c.PerturbVerbose)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
