// Package duty implements the fixed-point duty-cycle accountant:
// one down-counter per region sub-band plus a global counter
// used for OTAA pacing, all expressed in "time units" where one second
// equals 256 units so duty-cycle arithmetic stays exact without
// floating point.
package duty

// UnitsPerSecond is the fixed-point time base: 1 second = 256 units.
const UnitsPerSecond = 256

// Global is the index of the aggregated/OTAA counter, kept alongside
// the per-sub-band counters in the same array.
const Global = 5

// NumCounters is the number of band counters tracked (sub-bands
// 0..4 plus Global).
const NumCounters = 6

// Accountant tracks duty-cycle down-counters in fixed-point time
// units, converting from a host tick source at a configurable rate.
type Accountant struct {
	counters [NumCounters]uint32
	day      uint32 // OTAA 24-hour back-off counter

	tps       uint32 // host ticks per second
	remainder uint32 // sub-unit remainder carried between Tick calls
}

// NewAccountant returns an Accountant converting from a host tick
// source running at tps ticks/second.
func NewAccountant(tps uint32) *Accountant {
	return &Accountant{tps: tps}
}

// unitsFromTicks converts elapsed host ticks to time units, keeping a
// remainder across calls so repeated small conversions do not drift.
func (a *Accountant) unitsFromTicks(elapsed uint32) uint32 {
	if a.tps == 0 {
		return 0
	}
	total := uint64(elapsed)*UnitsPerSecond + uint64(a.remainder)
	units := total / uint64(a.tps)
	a.remainder = uint32(total % uint64(a.tps))
	return uint32(units)
}

func saturatingAdd(a, b uint32) uint32 {
	sum := uint64(a) + uint64(b)
	if sum > 0xffffffff {
		return 0xffffffff
	}
	return uint32(sum)
}

func saturatingSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}

// RegisterTX applies the off-time an airtime-long transmission incurs
// on subBand (0..4) and, when aggregated duty-cycle is active
// (joining, or maxDutyCycle > 0), on the Global counter. airTime is in
// time units. otaa selects the OTAA day-scaled back-off on the global
// counter instead of the plain 1<<maxDutyCycle factor.
func (a *Accountant) RegisterTX(airTime uint32, subBand int, offTimeFactor uint32, otaa bool, maxDutyCycle uint8) {
	if subBand >= 0 && subBand < Global {
		off := uint64(airTime) * uint64(offTimeFactor)
		a.counters[subBand] = saturatingAdd(a.counters[subBand], clampU32(off))
	}

	switch {
	case otaa:
		a.counters[Global] = saturatingAdd(a.counters[Global], clampU32(uint64(airTime)*uint64(a.dayFactor())))
	case maxDutyCycle > 0:
		factor := uint64(1) << maxDutyCycle
		a.counters[Global] = saturatingAdd(a.counters[Global], clampU32(uint64(airTime)*factor))
	}
}

func clampU32(v uint64) uint32 {
	if v > 0xffffffff {
		return 0xffffffff
	}
	return uint32(v)
}

// dayFactor returns the global-counter scale during OTAA back-off:
// 100x for the first hour, 1000x for hours 1..11, 10000x thereafter.
func (a *Accountant) dayFactor() uint64 {
	hour := uint64(a.day) / (3600 * UnitsPerSecond)
	switch {
	case hour < 1:
		return 100
	case hour < 12:
		return 1000
	default:
		return 10000
	}
}

// Tick advances every counter, including the OTAA day counter, by the
// time-unit equivalent of elapsedHostTicks, saturating subtraction at
// zero. It reports whether any counter reached zero during this call
// while the Global counter is also zero, the condition under which a
// channel has just become usable again.
func (a *Accountant) Tick(elapsedHostTicks uint32) bool {
	units := a.unitsFromTicks(elapsedHostTicks)
	expired := false
	for i := range a.counters {
		if a.counters[i] > 0 && units >= a.counters[i] {
			expired = true
		}
		a.counters[i] = saturatingSub(a.counters[i], units)
	}
	a.day = saturatingAdd(a.day, units)
	return expired && a.counters[Global] == 0
}

// TimeUntilReady returns the units remaining before subBand becomes
// usable, which is the larger of its own counter and the Global
// counter.
func (a *Accountant) TimeUntilReady(subBand int) uint32 {
	g := a.counters[Global]
	if subBand < 0 || subBand >= Global {
		return g
	}
	if a.counters[subBand] > g {
		return a.counters[subBand]
	}
	return g
}

// NoEvent is returned by NextReadyIn when no counter is pending.
const NoEvent = 0xffffffff

// NextReadyIn returns the units until the next counter reaches zero,
// raised to the Global counter's value since no channel is usable
// before Global expires. NoEvent means nothing is pending.
func (a *Accountant) NextReadyIn() uint32 {
	next := uint32(NoEvent)
	for _, c := range a.counters {
		if c > 0 && c < next {
			next = c
		}
	}
	if next != NoEvent && next <= a.counters[Global] {
		next = a.counters[Global]
	}
	return next
}

// ResetDay clears the OTAA day counter, e.g. on a successful join.
func (a *Accountant) ResetDay() { a.day = 0 }

// Counter returns the current value of counter i (0..4 sub-bands, or
// Global).
func (a *Accountant) Counter(i int) uint32 {
	if i < 0 || i >= NumCounters {
		return 0
	}
	return a.counters[i]
}

// SetStartupDelay seeds the Global counter, used to enforce a
// configured startup delay before the first transmission.
func (a *Accountant) SetStartupDelay(units uint32) { a.counters[Global] = units }

// ChannelReady reports whether subBand and Global have both reached
// zero, the condition under which the channel may be used.
func (a *Accountant) ChannelReady(subBand int) bool {
	if subBand < 0 || subBand >= Global {
		return a.counters[Global] == 0
	}
	return a.counters[subBand] == 0 && a.counters[Global] == 0
}
