// Package backoff implements the exponential retry delay policy shared
// by the outbound queue, the transport reconnect loop, and gap-fill
// retries. The instances are decoupled; only the algorithm is shared.
package backoff

import (
	"math/rand"
	"time"
)

// jitterDivisor controls the range of random jitter added to each
// delay: jitter is uniform in [0, delay/jitterDivisor). The jitter
// avoids thundering-herd reconnection storms.
const jitterDivisor = 2

// Policy describes an exponential backoff: Base doubled per attempt,
// capped at Max, plus jitter.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay before the given attempt (0-based), with
// jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d)/jitterDivisor + 1))
	return d + jitter
}
