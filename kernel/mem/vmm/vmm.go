// Package vmm implements per-address-space region bookkeeping (spec.md §4.3,
// component C4): AddressSpace/VmObject, alloc/map/free, and the boot-time
// mapping policies (HHDM region mapping, kernel self-map) that run once
// while paging is being set up.
//
// gopheros' kernel/mm/vmm/{vmm,addr_space}.go ground this package only
// loosely: vmm.go's reserveZeroedFrame is copy-on-write machinery that has no
// place here (spec.md's Non-goals exclude demand paging), and addr_space.go's
// EarlyReserveRegion is a one-shot, never-freed bump allocator for the
// kernel's own early VA reservations. Region bookkeeping with reusable,
// freed VA windows has no direct analogue in gopheros, so Alloc below follows
// spec.md §4.3 directly ("a simple bump-per-region policy with freed-list
// reuse"), generalizing EarlyReserveRegion's bump-pointer idiom with a
// first-fit scan over freed regions before bumping further.
package vmm

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
	"nyxkernel/kernel/mem/pmm"
)

// pmmAllocFrame/pmmAllocFrames/pmmFreeFrames are overridden by tests so
// Alloc/Free can be exercised against a fake frame pool instead of real
// physical memory.
var (
	pmmAllocFrame  = pmm.AllocFrame
	pmmAllocFrames = pmm.AllocFrames
	pmmFreeFrames  = pmm.FreeFrames
)

// setPagingFrameFns lets tests also repoint kernel/mem/paging's own
// intermediate-page-table allocator at the same fake pool used here.
func setPagingFrameFns(alloc func() (pmm.Frame, *kernel.Error), free func([]pmm.Frame) *kernel.Error) {
	paging.SetFrameFuncs(alloc, free)
}

// SetFrameFuncs repoints both this package's and kernel/mem/paging's frame
// allocators at alloc/allocN/free, for packages outside vmm (kernel/sched)
// whose tests need NewProcessAddressSpace/Alloc to run against a fake frame
// pool instead of real physical memory. Mirrors paging.SetFrameFuncs' own
// exported test seam.
func SetFrameFuncs(alloc func() (pmm.Frame, *kernel.Error), allocN func(uint64) ([]pmm.Frame, *kernel.Error), free func([]pmm.Frame) *kernel.Error) {
	pmmAllocFrame = alloc
	pmmAllocFrames = allocN
	pmmFreeFrames = free
	setPagingFrameFns(alloc, free)
}

// VmObjectFlags describes the intended use of a region, per spec.md §3's
// data model.
type VmObjectFlags uint8

const (
	FlagWrite VmObjectFlags = 1 << iota
	FlagExec
	FlagUser
	FlagMmio
	// FlagReserved marks a region whose backing physical memory is not
	// owned by the PFA (MMIO windows): Free must not hand its frames back.
	FlagReserved
	// FlagGuard marks a region that reserves VA space without ever
	// creating a leaf mapping (a guard page beneath a stack).
	FlagGuard
)

// VmObject is a single non-overlapping virtual region owned by exactly one
// AddressSpace.
type VmObject struct {
	Base     uintptr
	Length   mem.Size
	Flags    VmObjectFlags
	PhysBase uintptr // valid only when Flags&FlagMmio != 0
}

func (o *VmObject) pteFlags() paging.PageTableEntryFlag {
	flags := paging.FlagPresent
	if o.Flags&FlagWrite != 0 {
		flags |= paging.FlagRW
	}
	if o.Flags&FlagUser != 0 {
		flags |= paging.FlagUserAccessible
	}
	if o.Flags&FlagExec == 0 {
		flags |= paging.FlagNoExecute
	}
	if o.Flags&FlagMmio != 0 {
		flags |= paging.FlagDoNotCache | paging.FlagWriteThroughCaching
	}
	return flags
}

type freeRegion struct {
	base   uintptr
	length mem.Size
}

// AddressSpace holds one PML4 root and the regions mapped within it.
type AddressSpace struct {
	PML4    pmm.Frame
	objects []*VmObject
	free    []freeRegion

	// arenaNext is the bump pointer for VA windows not satisfied by the
	// free list; it only ever grows.
	arenaBase uintptr
	arenaNext uintptr
	arenaTop  uintptr
}

var (
	errNoVirtualSpace = &kernel.Error{Module: "vmm", Message: "address space exhausted"}
	errOutOfMemory    = &kernel.Error{Module: "vmm", Message: "out of memory"}
)

// NewAddressSpace builds an AddressSpace rooted at pml4Frame (assumed
// zeroed, or already pre-populated with the kernel's upper-half entries),
// reserving the VA window [arenaBase, arenaBase+arenaLength) for Alloc.
func NewAddressSpace(pml4Frame pmm.Frame, arenaBase uintptr, arenaLength mem.Size) *AddressSpace {
	return &AddressSpace{
		PML4:      pml4Frame,
		arenaBase: arenaBase,
		arenaNext: arenaBase,
		arenaTop:  arenaBase + uintptr(arenaLength),
	}
}

// NewProcessAddressSpace allocates a fresh PML4, copies the kernel's
// upper-half entries (indices 256-511) from kernelPML4 by value, and returns
// an AddressSpace ready for user-space mappings in its lower half. Per
// spec.md §4.9's create_process and the documented open-question decision:
// kernel PML4 mutations after this call are NOT reflected into copies
// already handed out, which this kernel accepts because the kernel PML4 is
// stable once kmain finishes boot.
func NewProcessAddressSpace(kernelPML4 pmm.Frame, arenaBase uintptr, arenaLength mem.Size) (*AddressSpace, *kernel.Error) {
	pml4, err := pmmAllocFrame()
	if err != nil {
		return nil, errOutOfMemory
	}
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))

	const entrySize = 8
	const halfIndex = 256
	src := paging.PhysToVirt(kernelPML4.Address())
	dst := paging.PhysToVirt(pml4.Address())
	kernel.Memcopy(src+halfIndex*entrySize, dst+halfIndex*entrySize, (512-halfIndex)*entrySize)

	return NewAddressSpace(pml4, arenaBase, arenaLength), nil
}

// Alloc reserves size bytes of page-aligned VA space, maps it (backed by
// fresh PFA frames, or by physBase directly for an MMIO window when
// physBase != 0), and registers the resulting VmObject. Implements spec.md
// §4.3's alloc(size, flags, optional physical_base).
func (as *AddressSpace) Alloc(size mem.Size, flags VmObjectFlags, physBase uintptr) (*VmObject, *kernel.Error) {
	length := alignSize(size)
	base, err := as.reserveVA(length)
	if err != nil {
		return nil, err
	}

	obj := &VmObject{Base: base, Length: length, Flags: flags}
	if physBase != 0 {
		obj.PhysBase = physBase
		obj.Flags |= FlagMmio | FlagReserved
	}

	if flags&FlagGuard != 0 {
		as.objects = append(as.objects, obj)
		return obj, nil
	}

	if obj.PhysBase != 0 {
		if err := paging.MapRange(as.PML4, base, obj.PhysBase, length, obj.pteFlags()); err != nil {
			as.releaseVA(base, length)
			return nil, err
		}
		as.objects = append(as.objects, obj)
		return obj, nil
	}

	pages := uint64(length) >> mem.PageShift
	frames, ferr := pmmAllocFrames(pages)
	if ferr != nil {
		as.releaseVA(base, length)
		return nil, errOutOfMemory
	}
	for i, f := range frames {
		off := uintptr(i) << mem.PageShift
		if err := paging.MapPage(as.PML4, base+off, f.Address(), obj.pteFlags()); err != nil {
			_ = pmmFreeFrames(frames)
			as.releaseVA(base, length)
			return nil, err
		}
	}

	as.objects = append(as.objects, obj)
	return obj, nil
}

// Map installs an explicit mapping for a region whose backing is already
// chosen: a concrete physical base, or, for a guard page, no leaf at all
// (spec.md §4.3's map(region, backing, flags)). region must already be
// registered via Alloc with FlagGuard (to later back it) or be a region the
// caller wants remapped to a new backing.
func (as *AddressSpace) Map(region *VmObject, backing uintptr, flags VmObjectFlags) *kernel.Error {
	region.Flags = flags
	if flags&FlagGuard != 0 {
		// A guard page reserves VA space with no leaf entry: any access
		// faults as not-present, matching spec.md §4.3's "pass Disabled,
		// which skips creating a leaf entry."
		return nil
	}
	region.PhysBase = backing
	return paging.MapRange(as.PML4, region.Base, backing, region.Length, region.pteFlags())
}

// Free unmaps every page in region and releases its backing frames, unless
// the region is Reserved (MMIO windows the PFA never owned), per spec.md
// §4.3's free(region).
func (as *AddressSpace) Free(region *VmObject) *kernel.Error {
	if region.Flags&FlagGuard == 0 {
		pages := uint64(region.Length) >> mem.PageShift
		for i := uint64(0); i < pages; i++ {
			off := uintptr(i) << mem.PageShift
			va := region.Base + off

			if region.Flags&FlagReserved == 0 {
				if err := paging.UnmapPage(as.PML4, va); err != nil {
					return err
				}
			}
		}
	}

	for i, o := range as.objects {
		if o == region {
			as.objects = append(as.objects[:i], as.objects[i+1:]...)
			break
		}
	}
	as.releaseVA(region.Base, region.Length)
	return nil
}

// reserveVA returns a page-aligned VA window of the requested length,
// preferring a first-fit match from the freed list before bumping arenaNext
// further (spec.md §4.3's "bump-per-region policy with freed-list reuse").
func (as *AddressSpace) reserveVA(length mem.Size) (uintptr, *kernel.Error) {
	for i, r := range as.free {
		if r.length < length {
			continue
		}
		base := r.base
		if r.length == length {
			as.free = append(as.free[:i], as.free[i+1:]...)
		} else {
			as.free[i] = freeRegion{base: r.base + uintptr(length), length: r.length - length}
		}
		return base, nil
	}

	base := as.arenaNext
	if base+uintptr(length) > as.arenaTop {
		return 0, errNoVirtualSpace
	}
	as.arenaNext = base + uintptr(length)
	return base, nil
}

// releaseVA returns a VA window to the free list. Adjacent free regions are
// not coalesced; a region can be re-split by a later, smaller reserveVA.
func (as *AddressSpace) releaseVA(base uintptr, length mem.Size) {
	as.free = append(as.free, freeRegion{base: base, length: length})
}

func alignSize(size mem.Size) mem.Size {
	return (size + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

// Overlaps reports whether [base, base+length) intersects any region
// already registered in as. Exposed for callers (e.g. the heap) that hand
// out carved-up sub-ranges of a single VmObject and want to sanity-check
// against the rest of the address space.
func (as *AddressSpace) Overlaps(base uintptr, length mem.Size) bool {
	end := base + uintptr(length)
	for _, o := range as.objects {
		oEnd := o.Base + uintptr(o.Length)
		if base < oEnd && end > o.Base {
			return true
		}
	}
	return false
}
