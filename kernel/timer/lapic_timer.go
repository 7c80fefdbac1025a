package timer

import "nyxkernel/kernel/apic"

const lapicCalibrationDivisor = 4

// lapicTimerMaxCount is loaded into InitialCount before the 50 ms sample
// window so the counter never reaches zero mid-calibration.
const lapicTimerMaxCount = 0xFFFFFFFF

// LapicBackend drives the Local APIC's own timer, calibrated once against
// the PIT at boot (spec.md §4.8).
type LapicBackend struct {
	lapic      *apic.LAPIC
	ticksPerMs uint32
	vector     uint8
}

// NewLAPICBackend calibrates lapic's timer against a 50 ms PIT sleep:
// "Program divisor = 4, one-shot max count, snapshot current count,
// PIT.sleep(50 ms), snapshot again, compute ticks_per_ms = ceil(Δ/50)."
func NewLAPICBackend(lapic *apic.LAPIC, vector uint8, pit PitBackend) *LapicBackend {
	lapic.ArmTimer(lapicCalibrationDivisor, lapicTimerMaxCount, vector, apic.TimerOneShot)
	before := lapic.CurrentCount()
	pit.Sleep(50)
	after := lapic.CurrentCount()

	delta := before - after
	ticksPerMs := (delta + 49) / 50 // ceil(delta/50)

	return &LapicBackend{lapic: lapic, ticksPerMs: ticksPerMs, vector: vector}
}

// Arm programs the LAPIC timer to fire once (or periodically, depending on
// mode) after approximately ms milliseconds.
func (b *LapicBackend) Arm(ms uint32, periodic bool) {
	mode := apic.TimerOneShot
	if periodic {
		mode = apic.TimerPeriodic
	}
	count := b.ticksPerMs * ms
	b.lapic.ArmTimer(lapicCalibrationDivisor, count, b.vector, mode)
}

// TicksPerMs reports the calibration result, for diagnostics.
func (b *LapicBackend) TicksPerMs() uint32 {
	return b.ticksPerMs
}
