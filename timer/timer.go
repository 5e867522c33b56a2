// Package timer implements the MAC scheduler's three logical timers
// and the interrupt-latched input signal. Both are the
// only state a radio interrupt handler ever touches; every access goes
// through a caller-supplied critical-section pair so the host can plug
// in whatever primitive its platform provides (disabling interrupts,
// a spinlock, an atomic CAS loop).
package timer

import "math"

// ID identifies one of the three logical timers the MAC scheduler
// arms.
type ID int

// The three logical timers the scheduler uses.
const (
	WaitA ID = iota
	WaitB
	Band
	numTimers
)

// NoDeadline is returned by TicksUntilNext when no timer is armed.
const NoDeadline = math.MaxUint32

type slot struct {
	armed bool
	fire  uint32
}

// Bus owns the timer table and the input latch, guarded by a
// caller-supplied critical section. EnterCritical/LeaveCritical
// default to no-ops, matching a single-threaded or already-serialized
// host; set them to disable/enable interrupts (or an equivalent) on
// platforms where RadioEvent can genuinely preempt Process.
type Bus struct {
	slots [numTimers]slot

	inputArmed  bool
	inputFired  bool
	inputTicks  uint32

	EnterCritical func()
	LeaveCritical func()
}

func (b *Bus) critical(fn func()) {
	if b.EnterCritical != nil {
		b.EnterCritical()
	}
	fn()
	if b.LeaveCritical != nil {
		b.LeaveCritical()
	}
}

// Set arms id to fire at now + (timeout & math.MaxInt32), matching the
// source's use of the top bit as an overflow guard.
func (b *Bus) Set(id ID, now, timeout uint32) {
	b.critical(func() {
		b.slots[id] = slot{armed: true, fire: now + (timeout & math.MaxInt32)}
	})
}

// Append extends an already-armed timer's fire time by delta; if id is
// not armed, it behaves like Set relative to now.
func (b *Bus) Append(id ID, now, delta uint32) {
	b.critical(func() {
		s := &b.slots[id]
		if !s.armed {
			*s = slot{armed: true, fire: now + (delta & math.MaxInt32)}
			return
		}
		s.fire += delta & math.MaxInt32
	})
}

// Disarm cancels id without firing it.
func (b *Bus) Disarm(id ID) {
	b.critical(func() {
		b.slots[id] = slot{}
	})
}

// Check reports whether id has fired by now, using signed half-wrap
// comparison so tick counter wraparound is handled correctly: the
// timer is considered fired when (now - fire), interpreted as
// unsigned, is no more than math.MaxInt32. On a fire it disarms the
// timer and returns the lag (ticks past the deadline).
func (b *Bus) Check(now uint32, id ID) (lag uint32, fired bool) {
	b.critical(func() {
		s := &b.slots[id]
		if !s.armed {
			return
		}
		if now-s.fire <= math.MaxInt32 {
			lag = now - s.fire
			fired = true
			*s = slot{}
		}
	})
	return
}

// TicksUntilNext returns the minimum remaining ticks across every
// armed timer, or NoDeadline if none are armed.
func (b *Bus) TicksUntilNext(now uint32) uint32 {
	min := uint32(NoDeadline)
	b.critical(func() {
		for _, s := range b.slots {
			if !s.armed {
				continue
			}
			remaining := s.fire - now
			if remaining > math.MaxInt32 {
				remaining = 0 // already past due
			}
			if remaining < min {
				min = remaining
			}
		}
	})
	return min
}

// InputArm enables the input latch so the next InputSignal is
// accepted.
func (b *Bus) InputArm() {
	b.critical(func() {
		b.inputArmed = true
		b.inputFired = false
	})
}

// InputSignal latches ticks as the interrupt timestamp, but only if
// the latch is armed and not already latched, so the first interrupt
// wins. Safe to call from an interrupt context.
func (b *Bus) InputSignal(ticks uint32) {
	b.critical(func() {
		if b.inputArmed && !b.inputFired {
			b.inputFired = true
			b.inputTicks = ticks
		}
	})
}

// InputCheck returns the latched timestamp's lag behind now and
// disarms the latch, if it has fired.
func (b *Bus) InputCheck(now uint32) (lag uint32, fired bool) {
	b.critical(func() {
		if b.inputFired {
			lag = now - b.inputTicks
			fired = true
			b.inputArmed = false
			b.inputFired = false
		}
	})
	return
}

// InputDisarm cancels the latch without checking it.
func (b *Bus) InputDisarm() {
	b.critical(func() {
		b.inputArmed = false
		b.inputFired = false
	})
}

// InputPending reports whether the latch has fired but not yet been
// consumed by InputCheck, used to short-circuit sleep decisions.
func (b *Bus) InputPending() bool {
	var pending bool
	b.critical(func() { pending = b.inputFired })
	return pending
}
