// Package pmm implements the physical frame allocator (spec.md §4.1,
// component C2): a single flat bitset covering every physical page frame,
// one bit per frame, `1 = free, 0 = reserved`.
//
// Grounded on gopheros' kernel/mem/pmm/frame.go (the Frame type) and the
// top-level kernel/mem/pmm/allocator/bitmap_allocator.go (the bitmap
// allocator itself), adapted in one structural way: gopheros bootstraps the
// bitmap's own backing storage through a two-stage bump allocator
// (bootMemAllocator, replayed after the fact to mark its allocations
// reserved) because multiboot only maps the kernel image, not all of RAM.
// Limine maps the entire usable/reclaimable physical address range through
// the HHDM before the kernel ever runs, so this allocator instead reserves
// its own bitmap storage directly out of the first sufficiently large usable
// region and writes to it through the HHDM offset — no bootstrap allocator
// needed.
package pmm

import "nyxkernel/kernel/mem"

// Frame identifies a physical page frame by its 0-based index.
type Frame uint64

// InvalidFrame is returned by allocation paths that fail.
const InvalidFrame = ^Frame(0)

// Valid reports whether f is a real frame index.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the start of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the frame containing the given physical address.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}
