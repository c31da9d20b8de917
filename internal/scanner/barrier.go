package scanner

import "sync/atomic"

// Barrier calls fire exactly once, when Done has been called n times. A
// barrier created with n <= 0 fires from NewBarrier.
type Barrier struct {
	remaining atomic.Int64
	fire      func()
}

func NewBarrier(n int, fire func()) *Barrier {
	b := &Barrier{fire: fire}
	b.remaining.Store(int64(n))
	if n <= 0 {
		fire()
	}
	return b
}

// Done counts one completion. Calls past zero are ignored.
func (b *Barrier) Done() {
	if b.remaining.Add(-1) == 0 {
		b.fire()
	}
}
