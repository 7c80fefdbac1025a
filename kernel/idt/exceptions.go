package idt

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/kfmt"
)

// CPU exception vectors, per the x86_64 architecture manual. Named the same
// way gopheros' kernel/irq/handler_amd64.go names the ones it cares about,
// extended to the full 0..31 range spec.md requires.
const (
	vectorDivideError        = 0
	vectorDebug              = 1
	vectorNMI                = 2
	vectorBreakpoint         = 3
	vectorOverflow           = 4
	vectorBoundRangeExceeded = 5
	vectorInvalidOpcode      = 6
	vectorDeviceNotAvailable = 7
	vectorDoubleFault        = 8
	vectorInvalidTSS         = 10
	vectorSegmentNotPresent  = 11
	vectorStackSegmentFault  = 12
	vectorGeneralProtection  = 13
	vectorPageFault          = 14
	vectorX87FPException     = 16
	vectorAlignmentCheck     = 17
	vectorMachineCheck       = 18
	vectorSIMDException      = 19
)

var readCR2Fn = cpu.ReadCR2

// errUnrecoverableFault is reused across all fatal exception handlers; each
// sets Message before panicking since kfmt.Panic only reads the pointer at
// call time and the handlers never run concurrently (exception handlers are
// non-reentrant).
var errUnrecoverableFault = &kernel.Error{Module: "idt"}

// InitExceptions wires the 0..31 architectural exception vectors to named
// handlers. It must run before Init re-points the IDT at the stub table, and
// before interrupts are enabled.
func InitExceptions() {
	RegisterHandler(vectorDivideError, divideErrorHandler)
	RegisterHandler(vectorInvalidOpcode, invalidOpcodeHandler)
	RegisterHandler(vectorDoubleFault, doubleFaultHandler)
	RegisterHandler(vectorGeneralProtection, generalProtectionFaultHandler)
	RegisterHandler(vectorPageFault, pageFaultHandler)
}

func divideErrorHandler(vector uint8, errorCode uint64, frame *Frame, regs *Regs) {
	kfmt.Printf("\ndivide error (#DE)\n")
	reportFatal("divide error", frame, regs)
}

func invalidOpcodeHandler(vector uint8, errorCode uint64, frame *Frame, regs *Regs) {
	kfmt.Printf("\ninvalid opcode (#UD) at 0x%16x\n", frame.RIP)
	disassembleFault(frame)
	reportFatal("invalid opcode", frame, regs)
}

func doubleFaultHandler(vector uint8, errorCode uint64, frame *Frame, regs *Regs) {
	kfmt.Printf("\ndouble fault (#DF)\n")
	reportFatal("double fault", frame, regs)
}

func generalProtectionFaultHandler(vector uint8, errorCode uint64, frame *Frame, regs *Regs) {
	kfmt.Printf("\ngeneral protection fault (#GP), segment selector error code: %d\n", errorCode)
	disassembleFault(frame)
	reportFatal("general protection fault", frame, regs)
}

// pageFaultHandler is fatal-only: spec.md's Non-goals exclude demand paging,
// so unlike gopheros' kernel/mm/vmm/fault.go this never attempts a
// copy-on-write recovery and always reports and halts.
func pageFaultHandler(vector uint8, errorCode uint64, frame *Frame, regs *Regs) {
	faultAddress := readCR2Fn()
	kfmt.Printf("\npage fault (#PF) while accessing address: 0x%16x\nreason: ", faultAddress)
	switch errorCode & 0x1f {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}
	kfmt.Printf("\n")
	reportFatal("page fault", frame, regs)
}

func reportFatal(message string, frame *Frame, regs *Regs) {
	kfmt.Printf("\nRegisters:\n")
	regs.Print()
	frame.Print()
	errUnrecoverableFault.Message = message
	kfmt.Panic(errUnrecoverableFault)
}
