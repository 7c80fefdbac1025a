package pmm

import (
	"reflect"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/boot"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/mem"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errDoubleFree  = &kernel.Error{Module: "pmm", Message: "double free"}

	// disableInterruptsFn/enableInterruptsFn are mocked by tests so the
	// allocator's critical sections can be exercised without real
	// hardware. Matches spec.md §5's "big kernel lock via cli/sti"
	// locking discipline for PFA bitmap mutation.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// bitmap is the flat free/reserved bitset: bit i of word i/64 (bit i%64,
// LSB-first) corresponds to Frame(i). 1 = free, 0 = reserved, per spec.md §3.
var (
	bitmap       []uint64
	bitmapHeader reflect.SliceHeader

	totalFrames    uint64
	freeFrames     uint64
	reservedFrames uint64

	// nextCandidate speeds up repeated contiguous allocations by
	// remembering where the last successful scan left off.
	nextCandidate uint64
)

// Init builds the bitmap from the bootloader-reported memory map, marks
// every usable frame free, then reserves frame 0 (the NULL trap), every
// frame spanned by the kernel image, and the frames backing the bitmap
// itself. Mirrors the contract of gopheros' allocator.Init(kernelStart,
// kernelEnd), generalized to take the whole memory map directly instead of
// consulting the bootloader package from inside the allocator.
func Init(memoryMap []boot.MemoryMapEntry, hhdmOffset uint64, kernelStart, kernelEnd uintptr) *kernel.Error {
	totalFrames = totalFrameCount(memoryMap)
	requiredBytes := mem.Size(((totalFrames + 63) &^ 63) >> 3)

	bitmapPhysAddr, err := reserveBitmapStorage(memoryMap, requiredBytes, kernelStart, kernelEnd)
	if err != nil {
		return err
	}

	bitmapHeader = reflect.SliceHeader{
		Data: uintptr(hhdmOffset) + bitmapPhysAddr,
		Len:  int(requiredBytes >> 3),
		Cap:  int(requiredBytes >> 3),
	}
	bitmap = *(*[]uint64)(unsafe.Pointer(&bitmapHeader))
	for i := range bitmap {
		bitmap[i] = 0
	}

	freeFrames, reservedFrames = 0, totalFrames

	for _, region := range memoryMap {
		if region.Type != boot.MemoryUsable {
			continue
		}
		startFrame := FrameFromAddress(uintptr(alignUp(region.Base, uint64(mem.PageSize))))
		endFrame := FrameFromAddress(uintptr(alignDown(region.Base+region.Length, uint64(mem.PageSize))))
		for f := startFrame; f < endFrame; f++ {
			markFree(f)
		}
	}

	reserveRange(FrameFromAddress(0), FrameFromAddress(0)+1)
	reserveRange(FrameFromAddress(alignDownPtr(kernelStart)), FrameFromAddress(alignUpPtr(kernelEnd)))
	bitmapEndAddr := bitmapPhysAddr + uintptr(requiredBytes)
	reserveRange(FrameFromAddress(alignDownPtr(bitmapPhysAddr)), FrameFromAddress(alignUpPtr(bitmapEndAddr)))

	return nil
}

// totalFrameCount returns the frame index one past the highest address
// reported by any memory map entry, usable or not: the bitmap must be able
// to address reserved ranges too, it just never marks them free.
func totalFrameCount(memoryMap []boot.MemoryMapEntry) uint64 {
	var top uint64
	for _, region := range memoryMap {
		if end := region.Base + region.Length; end > top {
			top = end
		}
	}
	return uint64(FrameFromAddress(uintptr(alignUp(top, uint64(mem.PageSize)))))
}

// reserveBitmapStorage finds the first usable region (outside the kernel
// image) large enough to hold the bitmap and returns its physical base.
func reserveBitmapStorage(memoryMap []boot.MemoryMapEntry, requiredBytes mem.Size, kernelStart, kernelEnd uintptr) (uintptr, *kernel.Error) {
	for _, region := range memoryMap {
		if region.Type != boot.MemoryUsable {
			continue
		}
		base := alignUp(region.Base, uint64(mem.PageSize))
		if base+uint64(requiredBytes) > region.Base+region.Length {
			continue
		}
		// Skip regions that overlap the kernel image; the kernel
		// loader always reserves its own span as a distinct region
		// in practice, but guard against a loader that doesn't.
		if base < uint64(kernelEnd) && base+uint64(requiredBytes) > uint64(kernelStart) {
			continue
		}
		return uintptr(base), nil
	}
	return 0, errOutOfMemory
}

func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUpPtr(v uintptr) uintptr     { return uintptr(alignUp(uint64(v), uint64(mem.PageSize))) }
func alignDownPtr(v uintptr) uintptr   { return uintptr(alignDown(uint64(v), uint64(mem.PageSize))) }

func bitOf(f Frame) (word uint64, mask uint64) {
	return uint64(f) >> 6, 1 << (uint64(f) & 63)
}

func isFree(f Frame) bool {
	word, mask := bitOf(f)
	return bitmap[word]&mask != 0
}

func markFree(f Frame) {
	word, mask := bitOf(f)
	if bitmap[word]&mask == 0 {
		bitmap[word] |= mask
		freeFrames++
		reservedFrames--
	}
}

func markReserved(f Frame) {
	word, mask := bitOf(f)
	if bitmap[word]&mask != 0 {
		bitmap[word] &^= mask
		freeFrames--
		reservedFrames++
	}
}

func reserveRange(start, end Frame) {
	for f := start; f < end; f++ {
		markReserved(f)
	}
}

// AllocFrame reserves and returns a single free frame (spec.md's
// alloc_page: "single-page fast path, first-set scan").
func AllocFrame() (Frame, *kernel.Error) {
	disableInterruptsFn()
	defer enableInterruptsFn()

	for i := uint64(0); i < uint64(len(bitmap)); i++ {
		word := bitmap[i]
		if word == 0 {
			continue
		}
		bit := trailingZeros64(word)
		f := Frame(i<<6 + uint64(bit))
		if uint64(f) >= totalFrames {
			continue
		}
		markReserved(f)
		return f, nil
	}
	return InvalidFrame, errOutOfMemory
}

// AllocFrames reserves n physically contiguous free frames using a
// skip-on-miss linear scan: advance a candidate start index; the first
// reserved bit found inside the current window restarts the candidate just
// past it. Implements spec.md's alloc(bytes) once the caller has rounded
// bytes up to whole pages.
func AllocFrames(n uint64) ([]Frame, *kernel.Error) {
	if n == 0 {
		return nil, nil
	}

	disableInterruptsFn()
	defer enableInterruptsFn()

	// Scan from nextCandidate to the end, then, on miss, wrap once from
	// frame 0 back to the original starting point.
	for _, start := range [2]uint64{nextCandidate, 0} {
		candidate := start
		for candidate+n <= totalFrames {
			miss := false
			for i := uint64(0); i < n; i++ {
				if !isFree(Frame(candidate + i)) {
					candidate = candidate + i + 1
					miss = true
					break
				}
			}
			if !miss {
				frames := make([]Frame, n)
				for i := uint64(0); i < n; i++ {
					f := Frame(candidate + i)
					markReserved(f)
					frames[i] = f
				}
				nextCandidate = candidate + n
				return frames, nil
			}
		}
		if start == 0 {
			break
		}
	}

	return nil, errOutOfMemory
}

// AllocBytes rounds n up to whole pages and returns that many physically
// contiguous frames. Spec.md's alloc(bytes) entry point.
func AllocBytes(n mem.Size) ([]Frame, *kernel.Error) {
	pages := (uint64(n) + uint64(mem.PageSize) - 1) >> mem.PageShift
	return AllocFrames(pages)
}

// FreeFrames releases frames previously returned by AllocFrame/AllocFrames.
// Freeing an already-free frame is a DoubleFree error (spec.md §4.1); no
// frames are released if any target is already free.
func FreeFrames(frames []Frame) *kernel.Error {
	disableInterruptsFn()
	defer enableInterruptsFn()

	for _, f := range frames {
		if isFree(f) {
			return errDoubleFree
		}
	}
	for _, f := range frames {
		markFree(f)
	}
	return nil
}

// Stats returns the current free/reserved/total frame counts, for
// diagnostics and the testable invariant in spec.md §8.1.
func Stats() (free, reserved, total uint64) {
	return freeFrames, reservedFrames, totalFrames
}

func trailingZeros64(x uint64) uint {
	if x == 0 {
		return 64
	}
	var n uint
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}
