package tswriter

import (
	"context"
	"math/rand"
	"time"
)

// clock abstracts wall-clock access so the pacer's timing decisions can be
// driven deterministically in tests (spec.md §8 scenarios 1/4/5) without
// real sleeps.
type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// fakeClock is a manually-advanced clock for tests: Sleep advances the
// virtual clock by d instantly rather than blocking the test goroutine.
type fakeClock struct {
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) {
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

// perturber generates the uniform test jitter described in spec.md §6
// (perturb_seed/perturb_range_ms). A zero range disables perturbation.
type perturber struct {
	rng   *rand.Rand
	rangeUs float64
}

func newPerturber(seed int64, rangeMs int) *perturber {
	if rangeMs == 0 {
		return &perturber{}
	}
	return &perturber{rng: rand.New(rand.NewSource(seed)), rangeUs: float64(rangeMs) * 1000}
}

func (p *perturber) enabled() bool { return p.rangeUs != 0 }

// delta returns a uniform value in [-rangeUs, +rangeUs].
func (p *perturber) delta() float64 {
	if !p.enabled() {
		return 0
	}
	return (p.rng.Float64()*2 - 1) * p.rangeUs
}
