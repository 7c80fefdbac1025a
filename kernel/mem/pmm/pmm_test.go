package pmm

import (
	"testing"
	"unsafe"

	"nyxkernel/kernel/boot"
	"nyxkernel/kernel/mem"
)

const testFrameCount = 16

// newTestArena allocates a Go-backed byte slice to stand in for a span of
// physical RAM, and reports its address as both the "physical" base (since
// hhdmOffset is 0 in these tests, phys_to_virt is the identity function) and
// a one-entry usable memory map covering it.
func newTestArena(t *testing.T) (arena []byte, memoryMap []boot.MemoryMapEntry) {
	t.Helper()
	arena = make([]byte, testFrameCount*uint64(mem.PageSize))
	base := uint64(uintptr(unsafe.Pointer(&arena[0])))
	memoryMap = []boot.MemoryMapEntry{
		{Base: base, Length: testFrameCount * uint64(mem.PageSize), Type: boot.MemoryUsable},
	}
	return arena, memoryMap
}

func resetAllocatorState() {
	bitmap = nil
	totalFrames, freeFrames, reservedFrames, nextCandidate = 0, 0, 0, 0
	disableInterruptsFn = func() {}
	enableInterruptsFn = func() {}
}

func TestInitReservesNullPageAndKernelImage(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	arena, memoryMap := newTestArena(t)
	base := memoryMap[0].Base
	kernelStart := uintptr(base + 2*uint64(mem.PageSize))
	kernelEnd := uintptr(base + 4*uint64(mem.PageSize))

	if err := Init(memoryMap, 0, kernelStart, kernelEnd); err != nil {
		t.Fatalf("Init failed: %s", err)
	}
	_ = arena

	free, reserved, total := Stats()
	if total != testFrameCount {
		t.Fatalf("expected %d total frames, got %d", uint64(testFrameCount), total)
	}
	// reserved: frame 0 (NULL), 2 frames for the kernel image, 1 frame for
	// the bitmap itself.
	if want := uint64(4); reserved != want {
		t.Fatalf("expected %d reserved frames, got %d", want, reserved)
	}
	if free != total-reserved {
		t.Fatalf("free (%d) + reserved (%d) should equal total (%d)", free, reserved, total)
	}
}

func TestAllocFrameSkipsReserved(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	_, memoryMap := newTestArena(t)
	base := memoryMap[0].Base
	if err := Init(memoryMap, 0, uintptr(base), uintptr(base)); err != nil {
		t.Fatalf("Init failed: %s", err)
	}

	f, err := AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %s", err)
	}
	if isFree(f) {
		t.Fatal("expected allocated frame to be marked reserved")
	}
	if f == FrameFromAddress(0) {
		t.Fatal("expected the NULL frame to never be allocated")
	}
}

func TestAllocFramesContiguous(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	_, memoryMap := newTestArena(t)
	base := memoryMap[0].Base
	if err := Init(memoryMap, 0, uintptr(base), uintptr(base)); err != nil {
		t.Fatalf("Init failed: %s", err)
	}

	frames, err := AllocFrames(3)
	if err != nil {
		t.Fatalf("AllocFrames failed: %s", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i] != frames[i-1]+1 {
			t.Fatalf("expected contiguous frames, got %v", frames)
		}
	}
}

func TestFreeFramesDoubleFreeFails(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	_, memoryMap := newTestArena(t)
	base := memoryMap[0].Base
	if err := Init(memoryMap, 0, uintptr(base), uintptr(base)); err != nil {
		t.Fatalf("Init failed: %s", err)
	}

	f, err := AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %s", err)
	}

	if err := FreeFrames([]Frame{f}); err != nil {
		t.Fatalf("expected first free to succeed, got %s", err)
	}
	if err := FreeFrames([]Frame{f}); err != errDoubleFree {
		t.Fatalf("expected errDoubleFree, got %v", err)
	}
}

func TestAllocBytesRoundsUpToPages(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	_, memoryMap := newTestArena(t)
	base := memoryMap[0].Base
	if err := Init(memoryMap, 0, uintptr(base), uintptr(base)); err != nil {
		t.Fatalf("Init failed: %s", err)
	}

	frames, err := AllocBytes(mem.Size(1))
	if err != nil {
		t.Fatalf("AllocBytes failed: %s", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected a single page for a 1-byte request, got %d frames", len(frames))
	}
}

func TestOutOfMemory(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	_, memoryMap := newTestArena(t)
	base := memoryMap[0].Base
	if err := Init(memoryMap, 0, uintptr(base), uintptr(base)); err != nil {
		t.Fatalf("Init failed: %s", err)
	}

	if _, err := AllocFrames(testFrameCount); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory for a request larger than all of RAM, got %v", err)
	}
}
