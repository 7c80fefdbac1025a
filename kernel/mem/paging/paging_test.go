package paging

import (
	"testing"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pmm"
)

// tablePages backs every page table (and the one "physical" data page) this
// test suite maps; with hhdmOffset left at 0, PhysToVirt is the identity
// function, so a Go pointer into this array can stand in directly for a
// physical frame address.
type tablePage [mem.PageSize / 8]pageTableEntry

func withFakeFrameAllocator(t *testing.T, pages *[8]tablePage) (next *int) {
	t.Helper()
	n := 0
	next = &n
	origAlloc := allocFrameFn
	origFree := freeFramesFn
	allocFrameFn = func() (pmm.Frame, *kernel.Error) {
		idx := *next
		*next++
		return pmm.Frame(uintptr(unsafe.Pointer(&pages[idx][0])) >> mem.PageShift), nil
	}
	freeFramesFn = func(frames []pmm.Frame) *kernel.Error { return nil }
	t.Cleanup(func() {
		allocFrameFn = origAlloc
		freeFramesFn = origFree
		hhdmOffset = 0
	})
	hhdmOffset = 0
	return next
}

func TestMapPageThenWalkFindsLeaf(t *testing.T) {
	var pages [8]tablePage
	withFakeFrameAllocator(t, &pages)

	pml4Frame, err := allocFrameFn()
	if err != nil {
		t.Fatalf("allocFrameFn failed: %s", err)
	}
	kernelMemset(pml4Frame)

	const va = uintptr(0xffff800000000000)
	const pa = uintptr(0x200000)

	if err := MapPage(pml4Frame, va, pa, FlagRW); err != nil {
		t.Fatalf("MapPage failed: %s", err)
	}

	entry := walkExisting(pml4Frame, va)
	if entry == nil {
		t.Fatal("expected walkExisting to find the mapped leaf")
	}
	if !entry.HasFlags(FlagPresent | FlagRW) {
		t.Fatalf("expected leaf to have Present|RW flags, got %#x", *entry)
	}
	if entry.Frame() != pmm.FrameFromAddress(pa) {
		t.Fatalf("expected leaf frame %v, got %v", pmm.FrameFromAddress(pa), entry.Frame())
	}
}

func TestMapRangeCoversEveryPage(t *testing.T) {
	var pages [8]tablePage
	withFakeFrameAllocator(t, &pages)

	pml4Frame, _ := allocFrameFn()
	kernelMemset(pml4Frame)

	const va = uintptr(0xffff800000000000)
	const pa = uintptr(0x400000)
	length := mem.Size(3 * mem.PageSize)

	if err := MapRange(pml4Frame, va, pa, length, FlagRW); err != nil {
		t.Fatalf("MapRange failed: %s", err)
	}

	for i := uintptr(0); i < 3; i++ {
		off := i << mem.PageShift
		entry := walkExisting(pml4Frame, va+off)
		if entry == nil {
			t.Fatalf("expected page %d to be mapped", i)
		}
		if entry.Frame() != pmm.FrameFromAddress(pa+off) {
			t.Fatalf("page %d: expected frame %v, got %v", i, pmm.FrameFromAddress(pa+off), entry.Frame())
		}
	}
}

func TestUnmapPageClearsLeaf(t *testing.T) {
	var pages [8]tablePage
	withFakeFrameAllocator(t, &pages)

	var flushed []uintptr
	origFlush := flushTLBEntryFn
	flushTLBEntryFn = func(va uintptr) { flushed = append(flushed, va) }
	t.Cleanup(func() { flushTLBEntryFn = origFlush })

	pml4Frame, _ := allocFrameFn()
	kernelMemset(pml4Frame)

	const va = uintptr(0xffff800000000000)
	if err := MapPage(pml4Frame, va, 0x200000, FlagRW); err != nil {
		t.Fatalf("MapPage failed: %s", err)
	}

	if err := UnmapPage(pml4Frame, va); err != nil {
		t.Fatalf("UnmapPage failed: %s", err)
	}

	if entry := walkExisting(pml4Frame, va); entry != nil {
		t.Fatal("expected walkExisting to no longer find a mapping after Unmap")
	}
	if len(flushed) == 0 || flushed[0] != va {
		t.Fatalf("expected UnmapPage to flush the TLB entry for %#x, got %v", va, flushed)
	}
}

func TestPhysToVirtAndBack(t *testing.T) {
	defer func() { hhdmOffset = 0 }()
	hhdmOffset = 0xffff800000000000

	const phys = uintptr(0x123456)
	virt := PhysToVirt(phys)
	if virt != phys+uintptr(hhdmOffset) {
		t.Fatalf("PhysToVirt(%#x) = %#x, want %#x", phys, virt, phys+uintptr(hhdmOffset))
	}
	if back := VirtToPhys(virt); back != phys {
		t.Fatalf("VirtToPhys(PhysToVirt(%#x)) = %#x, want %#x", phys, back, phys)
	}
}

// kernelMemset zeroes a freshly "allocated" table frame the way MapPage's
// walkCreate path does for intermediate tables, since the test harness
// allocates raw Go arrays that aren't necessarily zeroed between runs.
func kernelMemset(frame pmm.Frame) {
	kernel.Memset(PhysToVirt(frame.Address()), 0, uintptr(mem.PageSize))
}
