package stm

import "sync/atomic"

// GlobalClock is a monotonically non-decreasing counter of commit versions.
// Any commit that writes at least one ref advances it by one; read-only
// commits never touch it. It never wraps around in practice (64 bits).
type GlobalClock struct {
	v atomic.Uint64
}

// Read returns the current clock value with acquire ordering. A readVersion
// sampled here must not observe any ref published by a Tick that has not
// yet happened-before this load.
func (c *GlobalClock) Read() uint64 {
	return c.v.Load()
}

// Tick advances the clock by one and returns the post-increment value. The
// returned version must be published into a ref only after the ref's write
// lock has been acquired, and before it is released.
func (c *GlobalClock) Tick() uint64 {
	return c.v.Add(1)
}
