package timer

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
)

const msrTSCDeadline = 0x6E0

var (
	errNoTSC         = &kernel.Error{Module: "timer", Message: "CPUID reports no TSC"}
	errNoTSCDeadline = &kernel.Error{Module: "timer", Message: "CPUID reports no TSC-deadline mode"}
)

var cpuidFn = cpu.ID

// TscBackend arms interrupts via IA32_TSC_DEADLINE, per spec.md §4.8.
type TscBackend struct {
	hz uint64
}

// NewTSCDeadlineBackend validates the required CPUID flags (TSC present and
// TSC-deadline mode are fatal if absent; invariant TSC is a soft warning
// only, logged by the caller) and resolves the TSC frequency, preferring
// CPUID.15h, then CPUID.16h, then a PIT-calibrated fallback.
func NewTSCDeadlineBackend(pit PitBackend) (*TscBackend, *kernel.Error) {
	if !cpu.HasTSC() {
		return nil, errNoTSC
	}
	if !cpu.HasTSCDeadline() {
		return nil, errNoTSCDeadline
	}

	hz := tscHzFromCPUID15h()
	if hz == 0 {
		hz = tscHzFromCPUID16h()
	}
	if hz == 0 {
		hz = tscHzFromPITCalibration(pit)
	}
	return &TscBackend{hz: hz}, nil
}

// tscHzFromCPUID15h implements "CPUID.15h -> ECX*(EBX/EAX)" for Hz, per
// spec.md §4.8. Returns 0 if the leaf reports no crystal frequency.
func tscHzFromCPUID15h() uint64 {
	eax, ebx, ecx, _ := cpuidFn(0x15, 0)
	if eax == 0 || ebx == 0 || ecx == 0 {
		return 0
	}
	return uint64(ecx) * uint64(ebx) / uint64(eax)
}

// tscHzFromCPUID16h falls back to the base-frequency leaf (reported in MHz).
func tscHzFromCPUID16h() uint64 {
	eax, _, _, _ := cpuidFn(0x16, 0)
	baseMHz := eax & 0xFFFF
	if baseMHz == 0 {
		return 0
	}
	return uint64(baseMHz) * 1_000_000
}

// tscHzFromPITCalibration samples RDTSC across a 50 ms PIT sleep, the same
// snapshot-delta-snapshot shape as the LAPIC-timer calibration.
func tscHzFromPITCalibration(pit PitBackend) uint64 {
	before := cpu.RDTSC()
	pit.Sleep(50)
	after := cpu.RDTSC()
	return (after - before) * 20 // Δ over 50ms, scaled to a per-second rate.
}

// Arm writes rdtsc + ms*ticksPerMs into IA32_TSC_DEADLINE, per spec.md
// §4.8's "Arming: write rdtsc + ms*ticks_per_ms to IA32_TSC_DEADLINE."
func (b *TscBackend) Arm(ms uint32) {
	ticksPerMs := b.hz / 1000
	cpu.WriteMSR(msrTSCDeadline, cpu.RDTSC()+ticksPerMs*uint64(ms))
}

// Hz reports the resolved TSC frequency, for diagnostics.
func (b *TscBackend) Hz() uint64 {
	return b.hz
}
