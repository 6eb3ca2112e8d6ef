package lock

import "time"

const (
	pollStart      = 25 * time.Millisecond
	pollMax        = 500 * time.Millisecond
	pollMultiplier = 1.5
)

// pollBackoff spaces out AcquireBlocking attempts.
type pollBackoff struct {
	next time.Duration
}

func newPollBackoff() *pollBackoff {
	return &pollBackoff{next: pollStart}
}

// Next returns the next sleep, never longer than limit.
func (b *pollBackoff) Next(limit time.Duration) time.Duration {
	sleep := b.next
	if limit > 0 && sleep > limit {
		sleep = limit
	}
	b.next = time.Duration(float64(b.next) * pollMultiplier)
	if b.next > pollMax {
		b.next = pollMax
	}
	return sleep
}
