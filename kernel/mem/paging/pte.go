// Package paging implements the four-level x86_64 page-table mapper
// (spec.md §4.2, component C3): mapPage/mapRange/unmapPage/switchTo plus the
// phys_to_virt/virt_to_phys HHDM conversions.
//
// Grounded on gopheros' kernel/mm/vmm/{pdt,map}.go, generalized from its
// recursive self-mapping scheme (the last PML4 entry points back at the PML4
// itself, so any table can be reached through a fixed virtual address ladder
// built from repeating that entry's index) to the spec's higher-half direct
// map: Limine identity-maps all physical RAM at HHDMOffset, so any table's
// physical address is directly dereferenceable as HHDMOffset+phys with no
// recursive trick or temporary-mapping dance for inactive page directories.
package paging

import (
	"unsafe"

	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pmm"
)

// PageTableEntryFlag is a bit in a page-table entry, named per spec.md §3's
// data model.
type PageTableEntryFlag uintptr

const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThroughCaching
	FlagDoNotCache
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal
	_ // bits 9-11 are OS-available; unused in this kernel
	_
	_
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// ptePhysPageMask extracts bits 12-51, the physical frame address encoded in
// every page-table entry.
const ptePhysPageMask = uintptr(0x000ffffffffff000)

// pageTableEntry is a single 64-bit entry in any of the four table levels.
type pageTableEntry uintptr

func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uintptr(pte)&uintptr(flags) == uintptr(flags)
}

func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

func (pte pageTableEntry) present() bool { return pte.HasFlags(FlagPresent) }

// entryPtr returns a Go pointer to the page-table entry at physical address
// tableFrame.Address() + index*8, dereferenced through the HHDM.
func entryPtr(tableFrame pmm.Frame, index uintptr) *pageTableEntry {
	addr := PhysToVirt(tableFrame.Address()) + index*unsafe.Sizeof(pageTableEntry(0))
	return (*pageTableEntry)(unsafe.Pointer(addr))
}
