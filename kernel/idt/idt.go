// Package idt builds the 256-entry interrupt descriptor table, the common
// entry/exit assembly path every vector funnels through, and the
// vector-indexed dispatch table the rest of the kernel registers handlers
// into. It generalizes gopheros' gate+irq split (gate.InterruptNumber,
// irq.Regs/Frame, irq.HandleException) into a single package built around
// spec.md's single "Interrupt frame" data model.
package idt

import (
	"reflect"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/kfmt"

	"golang.org/x/arch/x86/x86asm"
)

// Regs is the snapshot of general-purpose registers commonStub saves before
// calling dispatch, laid out as they sit on the stack: commonStub pushes RAX
// first and R15 last, so R15 is at the lowest address and comes first here.
type Regs struct {
	R15, R14, R13, R12 uint64
	R11, R10, R9, R8   uint64
	RBP, RDI, RSI      uint64
	RDX, RCX, RBX, RAX uint64
}

// Print dumps the register snapshot through kfmt.Printf.
func (r *Regs) Print() {
	kfmt.Printf("RAX=%16x RBX=%16x RCX=%16x RDX=%16x\n", r.RAX, r.RBX, r.RCX, r.RDX)
	kfmt.Printf("RSI=%16x RDI=%16x RBP=%16x\n", r.RSI, r.RDI, r.RBP)
	kfmt.Printf("R8 =%16x R9 =%16x R10=%16x R11=%16x\n", r.R8, r.R9, r.R10, r.R11)
	kfmt.Printf("R12=%16x R13=%16x R14=%16x R15=%16x\n", r.R12, r.R13, r.R14, r.R15)
}

// Frame is the frame the CPU itself pushes when taking an interrupt, per
// spec.md's "Interrupt frame" entry in the data model.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print dumps the CPU-pushed frame through kfmt.Printf.
func (f *Frame) Print() {
	kfmt.Printf("RIP=%16x CS=%16x\n", f.RIP, f.CS)
	kfmt.Printf("RSP=%16x SS=%16x\n", f.RSP, f.SS)
	kfmt.Printf("RFLAGS=%16x\n", f.RFlags)
}

// Handler processes an interrupt. vector identifies which gate fired;
// errorCode is the CPU-pushed code or 0 for vectors that don't push one.
type Handler func(vector uint8, errorCode uint64, frame *Frame, regs *Regs)

const numVectors = 256

var handlers [numVectors]Handler

// RegisterHandler installs h as the handler for the given vector, replacing
// any previous one. It takes effect for the next interrupt on that vector,
// whether it is called before or after Init.
func RegisterHandler(vector uint8, h Handler) {
	handlers[vector] = h
}

// idtEntry is a single 64-bit-mode IDT gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	istAndZero uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	kernelCodeSelector = 0x08
	gateTypeInterrupt  = 0x8E // present, DPL=0, 64-bit interrupt gate
)

// KernelCodeSelector and KernelDataSelector are the flat-model GDT selectors
// Limine's bootstrap GDT hands off with (code at index 1, data at index 2),
// the same layout setGate points every IDT gate's segment field at. Exported
// so kernel/sched can build an initial InterruptFrame without inventing a
// second copy of these constants.
const (
	KernelCodeSelector = kernelCodeSelector
	KernelDataSelector = 0x10
)

var idt [numVectors]idtEntry

// idtDescriptor is the 10-byte LIDT operand: a 2-byte limit followed by the
// 8-byte linear base address of the table.
type idtDescriptor struct {
	limit uint16
	base  uint64
}

var idtDesc idtDescriptor

// stubTablePtr returns the address of the 256-entry array of per-vector stub
// addresses built in vectors_amd64.s.
func stubTablePtr() uintptr

func setGate(vector int, handlerAddr uintptr) {
	idt[vector] = idtEntry{
		offsetLow:  uint16(handlerAddr),
		selector:   kernelCodeSelector,
		istAndZero: 0,
		typeAttr:   gateTypeInterrupt,
		offsetMid:  uint16(handlerAddr >> 16),
		offsetHigh: uint32(handlerAddr >> 32),
	}
}

// Init builds all 256 gate descriptors, pointing each one at its per-vector
// assembly stub, and loads the table via LIDT. Handlers registered after
// Init via RegisterHandler take effect immediately since dispatch reads the
// handlers table on every interrupt rather than baking it into the IDT.
func Init() {
	table := stubTablePtr()
	for v := 0; v < numVectors; v++ {
		stubAddr := *(*uintptr)(unsafe.Pointer(table + uintptr(v)*8))
		setGate(v, stubAddr)
	}

	idtDesc.limit = uint16(len(idt)*16 - 1)
	idtDesc.base = uint64(uintptr(unsafe.Pointer(&idt[0])))

	cpu.LoadIDT(uintptr(unsafe.Pointer(&idtDesc)))
}

// dispatch is called from commonstub_amd64.s for every interrupt. Its
// argument order must match the stack layout commonStub builds: vector,
// errorCode, then pointers to the Frame and Regs overlays.
func dispatch(vector uint64, errorCode uint64, framePtr uintptr, regsPtr uintptr) {
	frame := (*Frame)(unsafe.Pointer(framePtr))
	regs := (*Regs)(unsafe.Pointer(regsPtr))

	v := uint8(vector)
	if h := handlers[v]; h != nil {
		h(v, errorCode, frame, regs)
		return
	}

	unhandled(v, errorCode, frame, regs)
}

func unhandled(vector uint8, errorCode uint64, frame *Frame, regs *Regs) {
	kfmt.Printf("\nunhandled interrupt: vector=%d errorCode=%d\n", vector, errorCode)
	disassembleFault(frame)
	regs.Print()
	frame.Print()
	kfmt.Panic(errUnhandledVector)
}

var errUnhandledVector = &kernel.Error{Module: "idt", Message: "unhandled interrupt vector"}

// disassembleFault best-effort decodes the instruction at the fault's RIP
// using x86asm, for inclusion in fatal-exception diagnostics. It never
// panics itself: a decode failure just omits the disassembly line.
func disassembleFault(frame *Frame) {
	if frame == nil {
		return
	}
	const maxInstrLen = 16
	code := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: uintptr(frame.RIP),
		Len:  maxInstrLen,
		Cap:  maxInstrLen,
	}))
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return
	}
	kfmt.Printf("faulting instruction: %s\n", x86asm.GNUSyntax(inst, uint64(frame.RIP), nil))
}
