// Package kmain wires every subsystem package (C1-C11) into the single boot
// sequence spec.md §2 describes: "C1 -> C2 -> C3 (installs own CR3) -> C5
// (via C4) -> ACPI parsing -> C7, C8 -> C6 (enables external interrupts) ->
// C9 (PIT calibrates C9's LAPIC-timer/TSC) -> C10 -> C11 (idle process, then
// shell task)". Every other package in this repository is built and unit
// tested in isolation against fake frame pools and fake MMIO windows; this
// package is the one place that runs them in boot order against the real
// hand-off the bootloader provides, the way gopher-os' kernel/kmain.Kmain
// sequences hal.InitTerminal then early.Printf before its own (much
// shorter) idle loop.
package kmain

import (
	"reflect"

	"nyxkernel/kernel"
	"nyxkernel/kernel/acpi"
	"nyxkernel/kernel/apic"
	"nyxkernel/kernel/boot"
	"nyxkernel/kernel/console"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/heap"
	"nyxkernel/kernel/idt"
	"nyxkernel/kernel/kfmt"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
	"nyxkernel/kernel/mem/pmm"
	"nyxkernel/kernel/mem/vmm"
	"nyxkernel/kernel/ps2"
	"nyxkernel/kernel/sched"
	"nyxkernel/kernel/timer"
)

// Linker-resolved section boundaries, per link/linker.ld and
// sections_amd64.s.
func kernelTextStart() uintptr
func kernelTextEnd() uintptr
func kernelRodataStart() uintptr
func kernelRodataEnd() uintptr
func kernelDataStart() uintptr
func kernelDataEnd() uintptr
func kernelRequestsStart() uintptr
func kernelRequestsEnd() uintptr
func kernelStackTop() uintptr

// heapCeiling and heapInitialSize bound the kernel heap's VA reservation and
// its initial backed capacity, per spec.md §4.4.
const (
	heapCeiling     = 256 * mem.Mb
	heapInitialSize = 4 * mem.Mb

	// heapArenaBase sits well above the kernel image and its HHDM/self-map
	// footprint so growBacking's bump frontier never collides with either.
	heapArenaBase   = 0xffffffffa0000000
	heapArenaLength = 512 * mem.Mb

	// tickMs is the scheduler's timer-interrupt period.
	tickMs = 10
)

var com1 console.COM1

// Kmain is the only symbol _start calls. It never returns: the scheduler's
// idle loop at the bottom is the steady state for the rest of the kernel's
// life.
//
//go:noinline
func Kmain() {
	if err := com1.Init(); err != nil {
		// No output surface at all is available yet; there is nothing left
		// to report through, so this is the one unrecoverable condition
		// kfmt.Panic cannot itself announce.
		cpu.Halt()
	}
	kfmt.SetOutputSink(&com1)
	kfmt.Printf("nyxkernel: starting\n")

	info, err := boot.Parse()
	if err != nil {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: err.Error()})
	}
	if info.Framebuffer != nil {
		console.FB = &console.Framebuffer{
			Address: paging.PhysToVirt(info.Framebuffer.PhysAddr),
			Width:   info.Framebuffer.Width,
			Height:  info.Framebuffer.Height,
			Pitch:   info.Framebuffer.Pitch,
			BPP:     info.Framebuffer.BPP,
		}
		kfmt.SetPanicBannerFunc(panicBanner)
	}

	kernelStart, kernelEnd := kernelImageBounds()
	virtToPhys := uintptr(info.KernelVirtBase) - uintptr(info.KernelPhysBase)
	if err := pmm.Init(info.MemoryMap, info.HHDMOffset, kernelStart-virtToPhys, kernelEnd-virtToPhys); err != nil {
		kfmt.Panic(err)
	}
	paging.Init(info.HHDMOffset)

	kernelPML4 := buildKernelAddressSpace(info)
	paging.SwitchTo(kernelPML4)
	kfmt.Printf("kmain: own page tables installed\n")

	kernelAS := vmm.NewAddressSpace(kernelPML4, heapArenaBase, heapArenaLength)
	if err := heap.Init(kernelAS, heapCeiling, heapInitialSize); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("kmain: heap online\n")

	tables, err := acpi.Discover(info.RSDPPhysAddr)
	if err != nil {
		kfmt.Panic(err)
	}

	lapic, err := apic.New()
	if err != nil {
		kfmt.Panic(err)
	}
	apic.DisablePIC()
	lapic.Enable()

	var ioapic *apic.IOAPIC
	if len(tables.IOAPICs) > 0 {
		first := tables.IOAPICs[0]
		ioapic = apic.NewIOAPIC(first.VirtBase, first.GSIBase)
	}

	idt.Init()
	backend := bringUpTimer(lapic, ioapic)
	registerIRQHandlers(lapic, ioapic, backend)
	cpu.EnableInterrupts()
	kfmt.Printf("kmain: interrupts live, timer armed at %dms\n", tickMs)

	ps2.Init()
	if ioapic != nil {
		ioapic.Route(apic.GSIKeyboard, apic.VectorKeyboard, 0, 0)
	}

	idleAddr := reflect.ValueOf(idleEntry).Pointer()
	idle, err := sched.CreateProcess("idle", idleAddr, 0, kernelPML4)
	if err != nil {
		kfmt.Panic(err)
	}
	_ = idle
	shellAddr := reflect.ValueOf(shellEntry).Pointer()
	if _, err := sched.CreateProcess("shell", shellAddr, 0, kernelPML4); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("kmain: idle and shell processes created, enabling scheduler\n")

	if err := backend.Arm(tickMs); err != nil {
		kfmt.Panic(err)
	}

	for {
		cpu.Halt()
	}
}

// kernelImageBounds reports the lowest and highest addresses any kernel
// image section occupies, for kernel/mem/pmm.Init's "reserve the whole
// kernel image" step.
func kernelImageBounds() (start, end uintptr) {
	start = kernelRequestsStart()
	end = kernelDataEnd()
	if s := kernelTextStart(); s < start {
		start = s
	}
	if e := kernelTextEnd(); e > end {
		end = e
	}
	return start, end
}

// buildKernelAddressSpace allocates the kernel's own PML4 (spec.md §4.2/§4.3:
// "installs own CR3"), maps the bootloader's HHDM window and the kernel
// image's sections into it by link-time address, and returns the frame
// ready for paging.SwitchTo.
func buildKernelAddressSpace(info *boot.Info) pmm.Frame {
	pml4, err := pmm.AllocFrame()
	if err != nil {
		kfmt.Panic(err)
	}
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))

	if err := vmm.MapHHDM(pml4, info.MemoryMap, info.HHDMOffset); err != nil {
		kfmt.Panic(err)
	}

	sections := []vmm.KernelSection{
		{Name: "requests", VirtualStart: kernelRequestsStart(), VirtualEnd: kernelRequestsEnd()},
		{Name: "text", VirtualStart: kernelTextStart(), VirtualEnd: kernelTextEnd()},
		{Name: "rodata", VirtualStart: kernelRodataStart(), VirtualEnd: kernelRodataEnd()},
		{Name: "data", VirtualStart: kernelDataStart(), VirtualEnd: kernelDataEnd()},
	}
	if err := vmm.MapKernelSections(pml4, sections, info.KernelPhysBase); err != nil {
		kfmt.Panic(err)
	}
	return pml4
}

// bringUpTimer calibrates the scheduler's steady-state tick source against
// the PIT, per spec.md §2's "C9 (PIT calibrates C9's LAPIC-timer/TSC)": the
// Local APIC's own timer, armed periodically at its calibrated ticks-per-ms
// under the shared VectorPIT local vector. TSC-deadline and HPET are built
// and unit-tested as alternate Backend variants (kernel/timer/{tsc,hpet}.go)
// but are not selected here, since neither resolves the LVT/comparator
// wiring a live boot needs beyond what their own tests exercise.
func bringUpTimer(lapic *apic.LAPIC, ioapic *apic.IOAPIC) *timer.Backend {
	var pit timer.PitBackend
	if ioapic != nil {
		ioapic.Route(apic.GSIPIT, apic.VectorPIT, 0, 0)
	}
	lapicBackend := timer.NewLAPICBackend(lapic, apic.VectorPIT, pit)
	return timer.NewLAPICVariant(lapicBackend)
}

func registerIRQHandlers(lapic *apic.LAPIC, ioapic *apic.IOAPIC, backend *timer.Backend) {
	idt.RegisterHandler(apic.VectorPIT, func(vector uint8, errorCode uint64, frame *idt.Frame, regs *idt.Regs) {
		lapic.EOI()
		ctx, err := sched.Schedule(frame, regs)
		if err == nil {
			*frame = ctx.Frame
			*regs = ctx.Regs
		}
	})
	idt.RegisterHandler(apic.VectorKeyboard, func(vector uint8, errorCode uint64, frame *idt.Frame, regs *idt.Regs) {
		lapic.EOI()
		ps2.HandleIRQ()
	})
}

func panicBanner() {
	if console.FB == nil {
		return
	}
	const bannerHeight = 24
	console.FB.FillRect(0, 0, console.FB.Width, bannerHeight, 0x00CC2222)
}

// idleEntry is process "idle"'s entire body: halt until the next timer tick
// reschedules something else, per spec.md §2's "idle process, then shell
// task" closing step. It never returns (there is nothing to return to).
func idleEntry() {
	for {
		cpu.Halt()
	}
}

// shellEntry drains PS/2 key events as they arrive. A real line-editing
// shell is out of scope (spec.md's Non-goals exclude a TTY line discipline);
// this is the minimal C11 "shell task" spec.md §2 calls for, enough to prove
// the scheduler, PS/2 driver, and panic path all still work end to end.
func shellEntry() {
	for {
		if _, ok := ps2.PopEvent(); !ok {
			cpu.Halt()
		}
	}
}
