package steploop

import (
	"math/rand"
	"sync"
	"time"
)

// DefaultFailProbability is the per-step crash probability used when no
// decider is configured.
const DefaultFailProbability = 0.3

// CrashDecider decides whether the process should crash right after the
// marker for step has been written.
type CrashDecider interface {
	ShouldCrash(step int) bool
}

// CrashDeciderFunc adapts a function to CrashDecider.
type CrashDeciderFunc func(step int) bool

func (f CrashDeciderFunc) ShouldCrash(step int) bool { return f(step) }

// NeverCrash returns a decider that never crashes.
func NeverCrash() CrashDecider {
	return CrashDeciderFunc(func(int) bool { return false })
}

// CrashAt returns a decider that crashes after each of the given steps.
func CrashAt(steps ...int) CrashDecider {
	set := make(map[int]struct{}, len(steps))
	for _, s := range steps {
		set[s] = struct{}{}
	}
	return CrashDeciderFunc(func(step int) bool {
		_, ok := set[step]
		return ok
	})
}

type probabilisticDecider struct {
	mu  sync.Mutex
	p   float64
	rng *rand.Rand
}

// ProbabilisticDecider crashes independently after each step with
// probability p. A nil rng is seeded from the clock. p <= 0 never crashes and
// p >= 1 always does.
func ProbabilisticDecider(p float64, rng *rand.Rand) CrashDecider {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &probabilisticDecider{p: p, rng: rng}
}

func (d *probabilisticDecider) ShouldCrash(int) bool {
	if d.p <= 0 {
		return false
	}
	if d.p >= 1 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < d.p
}
