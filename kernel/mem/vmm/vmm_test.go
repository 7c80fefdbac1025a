package vmm

import (
	"testing"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/boot"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
	"nyxkernel/kernel/mem/pmm"
)

// backingPool hands out "physical" frames from real Go arrays the same way
// kernel/mem/paging's tests do, with hhdmOffset left at 0 so PhysToVirt is
// the identity function.
type backingPool struct {
	tables [16][mem.PageSize / 8]uint64
	data   [16][mem.PageSize]byte
	nextT  int
	nextD  int
}

func withFakeAllocators(t *testing.T, pool *backingPool) {
	t.Helper()
	paging.Init(0)

	origAllocFrame := pmmAllocFrame
	origAllocFrames := pmmAllocFrames
	origFreeFrames := pmmFreeFrames

	pmmAllocFrame = func() (pmm.Frame, *kernel.Error) {
		idx := pool.nextT
		pool.nextT++
		return pmm.Frame(uintptr(unsafe.Pointer(&pool.tables[idx][0])) >> mem.PageShift), nil
	}
	pmmAllocFrames = func(n uint64) ([]pmm.Frame, *kernel.Error) {
		frames := make([]pmm.Frame, n)
		for i := range frames {
			idx := pool.nextD
			pool.nextD++
			frames[i] = pmm.Frame(uintptr(unsafe.Pointer(&pool.data[idx][0])) >> mem.PageShift)
		}
		return frames, nil
	}
	pmmFreeFrames = func(frames []pmm.Frame) *kernel.Error { return nil }

	t.Cleanup(func() {
		pmmAllocFrame = origAllocFrame
		pmmAllocFrames = origAllocFrames
		pmmFreeFrames = origFreeFrames
	})

	// paging.MapPage/MapRange/UnmapPage internally call pmm.AllocFrame /
	// pmm.FreeFrames for intermediate page tables; repoint those package
	// vars at the same fake pool so everything comes from pool.tables.
	setPagingFrameFns(pmmAllocFrame, pmmFreeFrames)
}

// leafEntry walks pml4's tables through the identity HHDM and returns va's
// leaf page-table entry, or 0 if an intermediate table is missing.
func leafEntry(pml4 pmm.Frame, va uintptr) uint64 {
	const addrMask = 0x000ffffffffff000
	table := pml4.Address()
	for shift := uint(39); shift > 12; shift -= 9 {
		entry := (*[512]uint64)(unsafe.Pointer(paging.PhysToVirt(table)))[(va>>shift)&511]
		if entry&uint64(paging.FlagPresent) == 0 {
			return 0
		}
		table = uintptr(entry & addrMask)
	}
	return (*[512]uint64)(unsafe.Pointer(paging.PhysToVirt(table)))[(va>>12)&511]
}

func TestAllocMapsFreshFramesAndRegistersObject(t *testing.T) {
	var pool backingPool
	withFakeAllocators(t, &pool)

	pml4, _ := pmmAllocFrame()
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))

	as := NewAddressSpace(pml4, 0xffff900000000000, 16*mem.Mb)

	obj, err := as.Alloc(2*mem.PageSize, FlagWrite, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}
	if obj.Base != 0xffff900000000000 {
		t.Fatalf("expected first allocation at arena base, got %#x", obj.Base)
	}
	if obj.Length != 2*mem.PageSize {
		t.Fatalf("expected length rounded to 2 pages, got %d", obj.Length)
	}
	if len(as.objects) != 1 {
		t.Fatalf("expected 1 registered object, got %d", len(as.objects))
	}
}

func TestAllocRoundsSizeUpToPageMultiple(t *testing.T) {
	var pool backingPool
	withFakeAllocators(t, &pool)

	pml4, _ := pmmAllocFrame()
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))
	as := NewAddressSpace(pml4, 0xffff900000000000, 16*mem.Mb)

	obj, err := as.Alloc(1, FlagWrite, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}
	if obj.Length != mem.PageSize {
		t.Fatalf("expected a 1-byte request to round up to one page, got %d", obj.Length)
	}
}

func TestAllocMmioUsesRequestedPhysicalBase(t *testing.T) {
	var pool backingPool
	withFakeAllocators(t, &pool)

	pml4, _ := pmmAllocFrame()
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))
	as := NewAddressSpace(pml4, 0xffff900000000000, 16*mem.Mb)

	const mmioPhys = uintptr(0xfee00000)
	obj, err := as.Alloc(mem.PageSize, FlagMmio|FlagWrite, mmioPhys)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}
	if obj.Flags&FlagReserved == 0 {
		t.Fatal("expected an MMIO allocation to be marked Reserved")
	}
	if obj.PhysBase != mmioPhys {
		t.Fatalf("expected PhysBase %#x, got %#x", mmioPhys, obj.PhysBase)
	}
}

func TestFreeReleasesVAForReuse(t *testing.T) {
	var pool backingPool
	withFakeAllocators(t, &pool)

	pml4, _ := pmmAllocFrame()
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))
	as := NewAddressSpace(pml4, 0xffff900000000000, 16*mem.Mb)

	obj, err := as.Alloc(mem.PageSize, FlagWrite, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}
	base := obj.Base

	if err := as.Free(obj); err != nil {
		t.Fatalf("Free failed: %s", err)
	}
	if len(as.objects) != 0 {
		t.Fatalf("expected 0 registered objects after Free, got %d", len(as.objects))
	}

	again, err := as.Alloc(mem.PageSize, FlagWrite, 0)
	if err != nil {
		t.Fatalf("second Alloc failed: %s", err)
	}
	if again.Base != base {
		t.Fatalf("expected freed VA window %#x to be reused, got %#x", base, again.Base)
	}
}

func TestFreeDoesNotReleaseReservedFrames(t *testing.T) {
	var pool backingPool
	withFakeAllocators(t, &pool)

	pml4, _ := pmmAllocFrame()
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))
	as := NewAddressSpace(pml4, 0xffff900000000000, 16*mem.Mb)

	var freed []pmm.Frame
	pmmFreeFrames = func(frames []pmm.Frame) *kernel.Error {
		freed = append(freed, frames...)
		return nil
	}

	obj, _ := as.Alloc(mem.PageSize, FlagMmio|FlagWrite, 0xfee00000)
	if err := as.Free(obj); err != nil {
		t.Fatalf("Free failed: %s", err)
	}
	if len(freed) != 0 {
		t.Fatalf("expected Free to never release Reserved/MMIO frames, freed %v", freed)
	}
}

func TestMapInstallsGuardPageWithNoLeaf(t *testing.T) {
	var pool backingPool
	withFakeAllocators(t, &pool)

	pml4, _ := pmmAllocFrame()
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))
	as := NewAddressSpace(pml4, 0xffff900000000000, 16*mem.Mb)

	region, err := as.Alloc(mem.PageSize, FlagGuard, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}

	if err := as.Map(region, 0, FlagGuard); err != nil {
		t.Fatalf("Map failed: %s", err)
	}
	if leaf := leafEntry(pml4, region.Base); leaf != 0 {
		t.Fatalf("expected no leaf entry for the guard page, got %#x", leaf)
	}
}

func TestOverlapsDetectsIntersectingRegion(t *testing.T) {
	var pool backingPool
	withFakeAllocators(t, &pool)

	pml4, _ := pmmAllocFrame()
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))
	as := NewAddressSpace(pml4, 0xffff900000000000, 16*mem.Mb)

	obj, _ := as.Alloc(2*mem.PageSize, FlagWrite, 0)

	if !as.Overlaps(obj.Base, mem.PageSize) {
		t.Fatal("expected Overlaps to detect a request inside an existing region")
	}
	if as.Overlaps(obj.Base+uintptr(obj.Length), mem.PageSize) {
		t.Fatal("expected Overlaps to report false for a region right after an existing one")
	}
}

func TestNewProcessAddressSpaceCopiesUpperHalf(t *testing.T) {
	var pool backingPool
	withFakeAllocators(t, &pool)

	kernelPML4, _ := pmmAllocFrame()
	kernel.Memset(paging.PhysToVirt(kernelPML4.Address()), 0, uintptr(mem.PageSize))

	// Plant a recognizable non-zero value in a kernel-half entry (index 300).
	kernelTable := (*[mem.PageSize / 8]uint64)(unsafe.Pointer(paging.PhysToVirt(kernelPML4.Address())))
	kernelTable[300] = 0xdeadbeef

	as, err := NewProcessAddressSpace(kernelPML4, 0x0000000000400000, 16*mem.Mb)
	if err != nil {
		t.Fatalf("NewProcessAddressSpace failed: %s", err)
	}

	procTable := (*[mem.PageSize / 8]uint64)(unsafe.Pointer(paging.PhysToVirt(as.PML4.Address())))
	if procTable[300] != 0xdeadbeef {
		t.Fatalf("expected kernel-half entry 300 to be copied, got %#x", procTable[300])
	}
	if procTable[0] != 0 {
		t.Fatalf("expected user-half entry 0 to remain zero, got %#x", procTable[0])
	}
}

func TestHHDMFlagsForMemoryTypes(t *testing.T) {
	cases := []struct {
		in   boot.MemoryType
		want paging.PageTableEntryFlag
		ok   bool
	}{
		{boot.MemoryUsable, paging.FlagPresent | paging.FlagRW, true},
		{boot.MemoryBootloaderReclaimable, paging.FlagPresent | paging.FlagRW, true},
		{boot.MemoryFramebuffer, paging.FlagPresent | paging.FlagRW | paging.FlagWriteThroughCaching | paging.FlagDoNotCache, true},
		{boot.MemoryACPINVS, paging.FlagPresent | paging.FlagRW | paging.FlagWriteThroughCaching | paging.FlagDoNotCache, true},
		{boot.MemoryReserved, 0, false},
		{boot.MemoryBadMemory, 0, false},
	}
	for _, c := range cases {
		got, ok := hhdmFlagsFor(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("hhdmFlagsFor(%v) = (%#x, %v), want (%#x, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestMapKernelSectionsAppliesSectionPermissions(t *testing.T) {
	var pool backingPool
	withFakeAllocators(t, &pool)

	pml4, _ := pmmAllocFrame()
	kernel.Memset(paging.PhysToVirt(pml4.Address()), 0, uintptr(mem.PageSize))

	const virtualBase = uintptr(0xffffffff80000000)
	const physicalBase = uintptr(0x100000)
	sections := []KernelSection{
		{Name: "text", VirtualStart: virtualBase, VirtualEnd: virtualBase + uintptr(mem.PageSize)},
		{Name: "rodata", VirtualStart: virtualBase + uintptr(mem.PageSize), VirtualEnd: virtualBase + 2*uintptr(mem.PageSize)},
		{Name: "data", VirtualStart: virtualBase + 2*uintptr(mem.PageSize), VirtualEnd: virtualBase + 3*uintptr(mem.PageSize)},
	}

	if err := MapKernelSections(pml4, sections, physicalBase); err != nil {
		t.Fatalf("MapKernelSections failed: %s", err)
	}

	// text: read-only, executable; rodata: read-only, NX; data: writable, NX.
	checks := []struct{ rw, nx bool }{{false, false}, {false, true}, {true, true}}
	for i, c := range checks {
		va := virtualBase + uintptr(i)*uintptr(mem.PageSize)
		leaf := leafEntry(pml4, va)
		if leaf&uint64(paging.FlagPresent) == 0 {
			t.Fatalf("section %s: expected a present leaf, got %#x", sections[i].Name, leaf)
		}
		if rw := leaf&uint64(paging.FlagRW) != 0; rw != c.rw {
			t.Fatalf("section %s: expected RW=%v, got entry %#x", sections[i].Name, c.rw, leaf)
		}
		if nx := leaf&uint64(paging.FlagNoExecute) != 0; nx != c.nx {
			t.Fatalf("section %s: expected NX=%v, got entry %#x", sections[i].Name, c.nx, leaf)
		}
		if want := uint64(physicalBase) + uint64(i)*uint64(mem.PageSize); leaf&0x000ffffffffff000 != want {
			t.Fatalf("section %s: expected physical %#x, got entry %#x", sections[i].Name, want, leaf)
		}
	}
}
