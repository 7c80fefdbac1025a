package paging

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pmm"
)

const pageLevels = 4

// pageLevelShifts gives the virtual-address bit offset of each level's
// 9-bit index, PML4 first: [39, 30, 21, 12].
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

const pageLevelIndexBits = 9
const pageLevelIndexMask = uintptr(1<<pageLevelIndexBits) - 1

var (
	// hhdmOffset is the bootloader-reported higher-half direct map base.
	// Init must be called before any other function in this package.
	hhdmOffset uint64

	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	allocFrameFn    = pmm.AllocFrame
	freeFramesFn    = pmm.FreeFrames

	errAllocFailed = &kernel.Error{Module: "paging", Message: "out of memory while allocating a page table"}
)

// Init records the HHDM offset the bootloader reported. Every other
// operation in this package assumes it has already been called.
func Init(hhdm uint64) {
	hhdmOffset = hhdm
}

// SetFrameFuncs overrides the frame allocator/deallocator this package uses
// for intermediate page tables. Intended for tests in other packages (e.g.
// kernel/mem/vmm) that need MapPage/MapRange/UnmapPage to draw table
// storage from the same fake frame pool as the rest of the test; passing
// nil for either restores the pmm.AllocFrame/pmm.FreeFrames default.
func SetFrameFuncs(alloc func() (pmm.Frame, *kernel.Error), free func([]pmm.Frame) *kernel.Error) {
	if alloc == nil {
		alloc = pmm.AllocFrame
	}
	if free == nil {
		free = pmm.FreeFrames
	}
	allocFrameFn = alloc
	freeFramesFn = free
}

// PhysToVirt implements spec.md's `phys_to_virt(p) = HHDM + p`.
func PhysToVirt(p uintptr) uintptr {
	return uintptr(hhdmOffset) + p
}

// VirtToPhys implements spec.md's `virt_to_phys(v) = v - HHDM`, valid only
// for addresses inside the HHDM window.
func VirtToPhys(v uintptr) uintptr {
	return v - uintptr(hhdmOffset)
}

func pageIndex(va uintptr, level int) uintptr {
	return (va >> pageLevelShifts[level]) & pageLevelIndexMask
}

func alignDown(addr uintptr) uintptr {
	return addr &^ uintptr(mem.PageSize-1)
}

// walkCreate walks from pml4Frame down to the leaf (level 3 / PT) entry for
// va, allocating and zeroing any missing intermediate table along the way.
// Intermediate tables are always created Present|RW, per spec.md §4.2 ("the
// simplest implementation uses permissive intermediates and enforces on
// leaves").
func walkCreate(pml4Frame pmm.Frame, va uintptr) (*pageTableEntry, *kernel.Error) {
	tableFrame := pml4Frame
	for level := 0; level < pageLevels-1; level++ {
		entry := entryPtr(tableFrame, pageIndex(va, level))
		if !entry.present() {
			newFrame, err := allocFrameFn()
			if err != nil {
				return nil, errAllocFailed
			}
			kernel.Memset(PhysToVirt(newFrame.Address()), 0, uintptr(mem.PageSize))
			entry.SetFrame(newFrame)
			entry.SetFlags(FlagPresent | FlagRW)
		}
		tableFrame = entry.Frame()
	}
	return entryPtr(tableFrame, pageIndex(va, pageLevels-1)), nil
}

// walkExisting walks from pml4Frame down to the leaf entry for va without
// creating anything; it returns nil if any intermediate table is missing.
func walkExisting(pml4Frame pmm.Frame, va uintptr) *pageTableEntry {
	tableFrame := pml4Frame
	for level := 0; level < pageLevels-1; level++ {
		entry := entryPtr(tableFrame, pageIndex(va, level))
		if !entry.present() {
			return nil
		}
		tableFrame = entry.Frame()
	}
	return entryPtr(tableFrame, pageIndex(va, pageLevels-1))
}

// MapPage establishes a mapping from va to pa in the address space rooted at
// pml4Frame, per spec.md §4.2's map_page.
func MapPage(pml4Frame pmm.Frame, va, pa uintptr, flags PageTableEntryFlag) *kernel.Error {
	va, pa = alignDown(va), alignDown(pa)
	entry, err := walkCreate(pml4Frame, va)
	if err != nil {
		return err
	}
	entry.SetFrame(pmm.FrameFromAddress(pa))
	entry.SetFlags(FlagPresent | flags)
	return nil
}

// MapRange maps length bytes starting at va to pa, one page at a time.
func MapRange(pml4Frame pmm.Frame, va, pa uintptr, length mem.Size, flags PageTableEntryFlag) *kernel.Error {
	pages := (uint64(length) + uint64(mem.PageSize) - 1) >> mem.PageShift
	for i := uint64(0); i < pages; i++ {
		off := uintptr(i) << mem.PageShift
		if err := MapPage(pml4Frame, va+off, pa+off, flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapPage clears the leaf mapping for va, flushes its TLB entry, frees the
// backing frame, and recursively frees now-empty parent tables (PT, then
// PD, then PDPT) so page-table memory stays proportional to live mappings.
func UnmapPage(pml4Frame pmm.Frame, va uintptr) *kernel.Error {
	va = alignDown(va)

	var chain [pageLevels]*pageTableEntry
	tableFrame := pml4Frame
	for level := 0; level < pageLevels; level++ {
		entry := entryPtr(tableFrame, pageIndex(va, level))
		chain[level] = entry
		if !entry.present() {
			return nil
		}
		if level < pageLevels-1 {
			tableFrame = entry.Frame()
		}
	}

	leaf := chain[pageLevels-1]
	frame := leaf.Frame()
	leaf.ClearFlags(FlagPresent)
	*leaf = 0
	flushTLBEntryFn(va)
	_ = freeFramesFn([]pmm.Frame{frame})

	// Walk back up: if the table a level just vacated is now fully
	// non-present, free it and clear its parent's entry too.
	for level := pageLevels - 2; level >= 0; level-- {
		if !tableEmpty(chain[level].Frame()) {
			break
		}
		freed := chain[level].Frame()
		chain[level].ClearFlags(FlagPresent)
		*chain[level] = 0
		_ = freeFramesFn([]pmm.Frame{freed})
	}

	return nil
}

func tableEmpty(tableFrame pmm.Frame) bool {
	for i := uintptr(0); i < (1 << pageLevelIndexBits); i++ {
		if entryPtr(tableFrame, i).present() {
			return false
		}
	}
	return true
}

// SwitchTo loads CR3 with the physical address of pml4Frame, switching the
// active address space.
func SwitchTo(pml4Frame pmm.Frame) {
	switchPDTFn(pml4Frame.Address())
}
