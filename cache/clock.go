// Package cache provides the multi-variant response cache: per-key FIFO
// queues of pre-generated payloads with sliding and absolute expiration,
// priority-aware bounded memory, and single-flight background refill.
package cache

import "time"

// Clock supplies the current time. Injected so expiration behavior is
// deterministic under test.
type Clock interface {
	Now() time.Time
}

// systemClock reads the wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
