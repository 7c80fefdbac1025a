package vmm

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/boot"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
	"nyxkernel/kernel/mem/pmm"
)

// hhdmFlagsFor returns the page-table flags spec.md §4.2's boot mapping
// policy assigns to a memory-map entry type, or (0, false) for a type that
// is left unmapped (Reserved, BadMemory, and any type not named below).
func hhdmFlagsFor(t boot.MemoryType) (paging.PageTableEntryFlag, bool) {
	switch t {
	case boot.MemoryUsable, boot.MemoryBootloaderReclaimable, boot.MemoryExecutableAndModules:
		return paging.FlagPresent | paging.FlagRW, true
	case boot.MemoryFramebuffer, boot.MemoryACPIReclaimable, boot.MemoryACPINVS:
		return paging.FlagPresent | paging.FlagRW | paging.FlagWriteThroughCaching | paging.FlagDoNotCache, true
	default:
		return 0, false
	}
}

// MapHHDM builds the kernel's own higher-half direct map inside pml4Frame,
// one mapping per memory-map entry, per spec.md §4.2's boot mapping policy.
// hhdmOffset is the virtual base every physical address is mapped at.
func MapHHDM(pml4Frame pmm.Frame, memoryMap []boot.MemoryMapEntry, hhdmOffset uint64) *kernel.Error {
	for _, region := range memoryMap {
		flags, ok := hhdmFlagsFor(region.Type)
		if !ok {
			continue
		}
		base := uintptr(hhdmOffset) + uintptr(region.Base)
		if err := paging.MapRange(pml4Frame, base, uintptr(region.Base), mem.Size(region.Length), flags); err != nil {
			return err
		}
	}
	return nil
}

// KernelSection names one of the kernel image's link-time segments. Its
// [VirtualStart, VirtualEnd) range comes from link/linker.ld's
// __kernel_<section>_{start,end} symbols; kmain resolves those symbols and
// passes them in here together with the kernel's physical load base.
type KernelSection struct {
	Name         string
	VirtualStart uintptr
	VirtualEnd   uintptr
}

// sectionFlags returns the page-table flags spec.md §4.2 assigns to a
// kernel image section by name.
func sectionFlags(name string) paging.PageTableEntryFlag {
	switch name {
	case "requests":
		return paging.FlagPresent | paging.FlagNoExecute
	case "text":
		return paging.FlagPresent
	case "rodata":
		return paging.FlagPresent | paging.FlagNoExecute
	default: // "data", "bss", "stack"
		return paging.FlagPresent | paging.FlagRW | paging.FlagNoExecute
	}
}

// MapKernelSections maps the kernel image into pml4Frame at its link-time
// virtual addresses, one mapping per section, with section-accurate
// permissions (spec.md §4.2's kernel self-map). physicalBase is the
// kernel's physical load address as reported by the Limine kernel address
// request; each section's physical address is its virtual address offset
// by physicalBase-virtualLoadBase, computed here as sec.VirtualStart's
// displacement from the lowest section's VirtualStart.
func MapKernelSections(pml4Frame pmm.Frame, sections []KernelSection, physicalBase uintptr) *kernel.Error {
	if len(sections) == 0 {
		return nil
	}
	virtualBase := sections[0].VirtualStart
	for _, sec := range sections {
		if sec.VirtualStart < virtualBase {
			virtualBase = sec.VirtualStart
		}
	}

	for _, sec := range sections {
		length := mem.Size(sec.VirtualEnd - sec.VirtualStart)
		if length == 0 {
			continue
		}
		phys := physicalBase + (sec.VirtualStart - virtualBase)
		if err := paging.MapRange(pml4Frame, sec.VirtualStart, phys, length, sectionFlags(sec.Name)); err != nil {
			return err
		}
	}
	return nil
}
