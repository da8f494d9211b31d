package supervisor

import (
	"time"

	"github.com/jacobsa/timeutil"
)

// Clock extends timeutil.Clock with a Sleep method, so the Phase B
// backoff and the Phase D monitor tick are both deterministic under test.
type Clock interface {
	timeutil.Clock
	Sleep(d time.Duration)
}

type realClock struct {
	timeutil.Clock
}

// NewRealClock returns the production Clock: wall time, real sleeps.
func NewRealClock() Clock {
	return realClock{Clock: timeutil.RealClock()}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
