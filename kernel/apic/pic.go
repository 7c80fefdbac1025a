package apic

import "nyxkernel/kernel/cpu"

// Legacy 8259 PIC ports, per spec.md §6.
const (
	masterCommand = 0x20
	masterData    = 0x21
	slaveCommand  = 0xA0
	slaveData     = 0xA1

	icw1Init     = 0x11 // ICW4 needed, cascade mode, edge triggered
	icw4Mode8086 = 0x01
	maskAllLines = 0xFF
)

// DisablePIC reprograms both 8259 chips through ICW1-ICW4 into a harmless,
// non-overlapping vector range and masks every line, per spec.md §4.7: "Legacy
// 8259 PIC is disabled before programming: reprogram both chips through
// ICW1-ICW4 into harmless vector ranges with all lines masked."
func DisablePIC() {
	// ICW1: begin initialization sequence on both chips.
	cpu.OutB(masterCommand, icw1Init)
	cpu.OutB(slaveCommand, icw1Init)

	// ICW2: remap into the 0xF0-0xFF range, above the exception and device
	// vectors this kernel dispatches on. The range's top vector, 0xFF, is
	// also the LAPIC spurious vector; every PIC line is masked below.
	cpu.OutB(masterData, 0xF0)
	cpu.OutB(slaveData, 0xF8)

	// ICW3: tell the master a slave lives on IRQ2, tell the slave its
	// cascade identity.
	cpu.OutB(masterData, 0x04)
	cpu.OutB(slaveData, 0x02)

	// ICW4: 8086 mode.
	cpu.OutB(masterData, icw4Mode8086)
	cpu.OutB(slaveData, icw4Mode8086)

	// Mask every IRQ line on both chips.
	cpu.OutB(masterData, maskAllLines)
	cpu.OutB(slaveData, maskAllLines)
}
