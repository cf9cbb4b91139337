package client

import "time"

// Backoff is a bounded exponential delay: Base doubles with each
// consecutive failure until it reaches Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before reconnect attempt n, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = b.Base
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
