package pipeline

import (
	xsemaphore "golang.org/x/sync/semaphore"
)

// semaphore is a non-blocking counting semaphore with a fixed ceiling.
// The Weighted's acquired weight is ceiling minus the count, so TryWait
// acquires and Signal releases.
type semaphore struct {
	w *xsemaphore.Weighted
}

func newSemaphore(ceiling, initial int64) *semaphore {
	w := xsemaphore.NewWeighted(ceiling)
	if held := ceiling - initial; held > 0 {
		if !w.TryAcquire(held) {
			return nil
		}
	}
	return &semaphore{w: w}
}

// TryWait decrements the count if it is positive.
func (s *semaphore) TryWait() bool {
	return s.w.TryAcquire(1)
}

// Signal increments the count. Signalling past the ceiling panics.
func (s *semaphore) Signal() {
	s.w.Release(1)
}
