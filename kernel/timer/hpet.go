package timer

import (
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/apic"
)

// HPET MMIO register offsets, per spec.md §4.8/§6.
const (
	regGeneralCaps   = 0x00
	regGeneralConfig = 0x10
	regMainCounter   = 0xF0

	comparatorStride = 0x20
	comparatorBase   = 0x100
	comparatorValue  = 0x08

	capsLongModeBit = 1 << 13
	cfgLegacyMode   = 1 << 1
	cfgEnable       = 1 << 0

	cmpEnable   = 1 << 2
	cmpPeriodic = 1 << 3
	cmpGSIShift = 9
	cmpGSIMask  = 0x1F << cmpGSIShift
)

var errNo64BitCounter = &kernel.Error{Module: "timer", Message: "HPET lacks a 64-bit main counter"}

// femtosecondsPerMs converts a millisecond count into the femtosecond unit
// the HPET's COUNTER_CLK_PERIOD field (bits 63-32 of the capabilities
// register) is expressed in.
const femtosecondsPerMs = 1_000_000_000_000

// HpetBackend drives one HPET's general registers and a single comparator
// used for the kernel's 0x30 vector.
type HpetBackend struct {
	virtBase uintptr
}

// NewHPETBackend wraps an already HHDM-mapped HPET MMIO window and enables
// it: requires a 64-bit counter (fatal per spec.md §7 if absent), clears
// legacy-replacement routing, and sets the enable bit.
func NewHPETBackend(virtBase uintptr) (*HpetBackend, *kernel.Error) {
	h := &HpetBackend{virtBase: virtBase}
	if h.read64(regGeneralCaps)&capsLongModeBit == 0 {
		return nil, errNo64BitCounter
	}
	cfg := h.read64(regGeneralConfig)
	cfg &^= cfgLegacyMode
	cfg |= cfgEnable
	h.write64(regGeneralConfig, cfg)
	return h, nil
}

func (h *HpetBackend) read64(offset uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(h.virtBase + offset))
}

func (h *HpetBackend) write64(offset uintptr, value uint64) {
	*(*uint64)(unsafe.Pointer(h.virtBase + offset)) = value
}

func (h *HpetBackend) comparatorConfigOffset(n int) uintptr {
	return comparatorBase + uintptr(n)*comparatorStride
}

// ArmPeriodic arms comparator n to fire periodically roughly every
// periodTicks main-counter ticks, per spec.md §4.8: reads the comparator's
// allowed-routes mask (upper 32 bits of its config register), picks the
// lowest allowed GSI, rewrites bits [12:9] with that GSI, sets enable and
// periodic, programs the I/O APIC for that GSI at vector 0x30, then writes
// counter+period into the value register.
func (h *HpetBackend) ArmPeriodic(n int, periodTicks uint64, ioapic *apic.IOAPIC) {
	cfgOffset := h.comparatorConfigOffset(n)
	cfg := h.read64(cfgOffset)

	allowedRoutes := uint32(cfg >> 32)
	gsi := lowestSetBit(allowedRoutes)

	cfg &^= uint64(cmpGSIMask)
	cfg |= uint64(gsi) << cmpGSIShift
	cfg |= cmpEnable | cmpPeriodic
	h.write64(cfgOffset, cfg)

	ioapic.Route(gsi, apic.VectorHPET, 0, 0)

	counter := h.read64(regMainCounter)
	h.write64(cfgOffset+comparatorValue, counter+periodTicks)
}

// PeriodTicksForMs converts a desired period in milliseconds into a count of
// main-counter ticks, using the capabilities register's COUNTER_CLK_PERIOD
// (the counter's tick period in femtoseconds).
func (h *HpetBackend) PeriodTicksForMs(ms uint32) uint64 {
	counterPeriodFs := h.read64(regGeneralCaps) >> 32
	if counterPeriodFs == 0 {
		return 0
	}
	return uint64(ms) * femtosecondsPerMs / counterPeriodFs
}

func lowestSetBit(mask uint32) uint32 {
	for i := uint32(0); i < 32; i++ {
		if mask&(1<<i) != 0 {
			return i
		}
	}
	return 0
}
