package timer

import (
	"testing"
	"unsafe"

	"nyxkernel/kernel/apic"
)

func TestMsToCountClampsAndFloorsAtOne(t *testing.T) {
	if c := msToCount(0); c != 1 {
		t.Fatalf("expected a zero-ms sleep to floor to count 1, got %d", c)
	}
	if c := msToCount(50); c != uint16(pitFrequencyHz*50/1000) {
		t.Fatalf("expected 50ms to map to %d ticks, got %d", pitFrequencyHz*50/1000, c)
	}
}

func TestLAPICCalibrationComputesTicksPerMsFromDelta(t *testing.T) {
	var regs [1024]uint32
	l := apic.NewForTest(uintptr(unsafe.Pointer(&regs[0])))

	// Mirrors NewLAPICBackend's calibration sequence, but the "50ms PIT
	// sleep" step just rewrites the fake CurrentCount register directly
	// instead of a real busy-wait, so the test is instant.
	l.ArmTimer(lapicCalibrationDivisor, lapicTimerMaxCount, 0x20, apic.TimerOneShot)
	before := l.CurrentCount()
	regs[0x390/4] = before - 200
	after := l.CurrentCount()

	delta := before - after
	wantTicksPerMs := (delta + 49) / 50
	b := &LapicBackend{lapic: l, ticksPerMs: wantTicksPerMs, vector: 0x20}

	if b.TicksPerMs() != wantTicksPerMs {
		t.Fatalf("expected %d ticks/ms, got %d", wantTicksPerMs, b.TicksPerMs())
	}
}

func TestHPETPeriodTicksForMsUsesCounterPeriod(t *testing.T) {
	var regs [4096]byte
	base := uintptr(unsafe.Pointer(&regs[0]))

	// Capabilities register: bit 13 (long mode) set, COUNTER_CLK_PERIOD in
	// the upper 32 bits set to 10,000,000 femtoseconds (100 MHz tick rate).
	caps := (*uint64)(unsafe.Pointer(base + regGeneralCaps))
	*caps = capsLongModeBit | (uint64(10_000_000) << 32)

	h := &HpetBackend{virtBase: base}
	ticks := h.PeriodTicksForMs(1)
	const want = femtosecondsPerMs / 10_000_000
	if ticks != want {
		t.Fatalf("expected %d ticks for a 1ms period, got %d", want, ticks)
	}
}

func TestHPETArmPeriodicRoutesLowestAllowedGSI(t *testing.T) {
	var regs [4096]byte
	base := uintptr(unsafe.Pointer(&regs[0]))
	h := &HpetBackend{virtBase: base}

	cfgOffset := h.comparatorConfigOffset(0)
	cfgPtr := (*uint64)(unsafe.Pointer(base + cfgOffset))
	// Allowed-routes mask (upper 32 bits): GSIs 2 and 4 permitted.
	*cfgPtr = uint64(0b10100) << 32

	var ioapicRegs [1024]uint32
	io := apic.NewIOAPIC(uintptr(unsafe.Pointer(&ioapicRegs[0])), 0)

	h.ArmPeriodic(0, 1000, io)

	cfg := *cfgPtr
	gotGSI := uint32(cfg>>cmpGSIShift) & 0x1F
	if gotGSI != 2 {
		t.Fatalf("expected lowest allowed GSI 2, got %d", gotGSI)
	}
	if cfg&cmpEnable == 0 || cfg&cmpPeriodic == 0 {
		t.Fatal("expected enable and periodic bits set")
	}

	low, _ := io.ReadRedirEntry(2)
	if low != apic.VectorHPET {
		t.Fatalf("expected I/O APIC routed to vector %#x, got %#x", apic.VectorHPET, low)
	}
}

func TestBackendArmRejectsMismatchedVariant(t *testing.T) {
	empty := &Backend{Kind: KindLAPIC}
	if err := empty.Arm(10); err == nil {
		t.Fatal("expected Arm against an unset Lapic field to fail")
	}
}
