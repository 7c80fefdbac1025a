// Package heap implements the kernel heap (spec.md §4.4, component C5): a
// first-fit free-list allocator over a single VMM-backed region, with
// bidirectional coalescing on free and live expansion on miss.
//
// gopher-os has no equivalent of its own: it bootstraps the Go runtime's
// own allocator directly (see DESIGN.md's Ambient stack section) rather than
// implementing a from-scratch heap, so this package is built from spec.md
// §4.4 directly. The one idiom carried over from the teacher is the
// region-ownership style of kernel/mm/vmm: the heap owns exactly one
// vmm.VmObject for its entire life and grows by mapping more physical frames
// into it, never by asking vmm.AddressSpace for a second region — matching
// this kernel's own resolved open question on heap-expansion pointer
// rebasing (see DESIGN.md): remap-to-same-VA, not a move-and-copy.
package heap

import (
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/kfmt"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/paging"
	"nyxkernel/kernel/mem/pmm"
	"nyxkernel/kernel/mem/vmm"
)

// MinPayload is the smallest payload a chunk may carry, per spec.md §3.
const MinPayload = 16

type chunkStatus uint8

const (
	chunkFree chunkStatus = iota
	chunkUsed
)

// chunkHeader is the doubly-linked list node living at the front of every
// heap chunk, addressed directly over the heap's backing memory rather than
// through a normal Go slice: the heap predates kernel/heap itself, so there
// is no allocator available yet to allocate the headers themselves.
type chunkHeader struct {
	size   uint64
	status chunkStatus
	prev   *chunkHeader
	next   *chunkHeader
}

const headerSize = unsafe.Sizeof(chunkHeader{})

var (
	errDoubleFree     = &kernel.Error{Module: "heap", Message: "double free"}
	errInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer does not belong to the heap"}
	errNoVirtualSpace = &kernel.Error{Module: "heap", Message: "heap reached its reserved virtual ceiling"}

	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	allocFrameFn        = pmm.AllocFrame
)

var (
	addrSpace *vmm.AddressSpace
	region    *vmm.VmObject

	base     uintptr  // region.Base, cached
	backed   mem.Size // bytes of region currently mapped to physical frames
	capacity mem.Size // sum of (header + payload) across every chunk; == backed

	head *chunkHeader
	tail *chunkHeader
)

// Init reserves a VA window of ceiling bytes in addressSpace (mapped
// nowhere yet — a FlagGuard reservation, per spec.md §4.3's guard-page
// mechanism repurposed here for "reserved but not yet backed"), maps
// initialSize bytes of it, and seeds the free list with one chunk spanning
// that initial capacity.
func Init(addressSpace *vmm.AddressSpace, ceiling, initialSize mem.Size) *kernel.Error {
	reg, err := addressSpace.Alloc(ceiling, vmm.FlagGuard, 0)
	if err != nil {
		return err
	}

	addrSpace = addressSpace
	region = reg
	base = reg.Base
	backed = 0
	capacity = 0
	head, tail = nil, nil

	if err := growBacking(initialSize); err != nil {
		return err
	}

	head = headerAt(base)
	head.size = uint64(backed) - uint64(headerSize)
	head.status = chunkFree
	head.prev = nil
	head.next = nil
	tail = head
	capacity = backed
	return nil
}

func headerAt(addr uintptr) *chunkHeader {
	return (*chunkHeader)(unsafe.Pointer(addr))
}

func payloadOf(h *chunkHeader) uintptr {
	return uintptr(unsafe.Pointer(h)) + headerSize
}

// growBacking maps `additional` more bytes (rounded up to whole pages) of
// region starting right after the currently backed span, failing if that
// would exceed the reserved ceiling.
func growBacking(additional mem.Size) *kernel.Error {
	pages := (uint64(additional) + uint64(mem.PageSize) - 1) >> mem.PageShift
	grown := mem.Size(pages) * mem.PageSize
	if backed+grown > region.Length {
		return errNoVirtualSpace
	}
	for i := uint64(0); i < pages; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}
		va := base + uintptr(backed) + uintptr(i)<<mem.PageShift
		if err := paging.MapPage(addrSpace.PML4, va, frame.Address(), paging.FlagRW|paging.FlagNoExecute); err != nil {
			return err
		}
	}
	backed += grown
	return nil
}

func normalize(n uintptr) uint64 {
	s := uint64(n)
	if s < MinPayload {
		s = MinPayload
	}
	const align = unsafe.Alignof(chunkHeader{})
	return (s + uint64(align) - 1) &^ (uint64(align) - 1)
}

// Alloc returns a zeroed payload of at least n bytes, per spec.md §4.4's
// normalize/first-fit-scan/split/expand algorithm.
func Alloc(n uintptr) (uintptr, *kernel.Error) {
	disableInterruptsFn()
	defer enableInterruptsFn()

	s := normalize(n)
	for {
		if payload, ok := firstFit(s); ok {
			kernel.Memset(payload, 0, uintptr(s))
			return payload, nil
		}

		growth := capacity
		if growth < 4*mem.Kb {
			growth = 4 * mem.Kb
		}
		if err := expand(growth); err != nil {
			return 0, err
		}
	}
}

func firstFit(s uint64) (uintptr, bool) {
	for cur := head; cur != nil; cur = cur.next {
		if cur.status != chunkFree || cur.size < s {
			continue
		}
		if cur.size-s >= uint64(headerSize)+MinPayload {
			split(cur, s)
		}
		cur.status = chunkUsed
		return payloadOf(cur), true
	}
	return 0, false
}

// split carves a new Free chunk out of the tail of cur, leaving cur with
// exactly s bytes of payload.
func split(cur *chunkHeader, s uint64) {
	newChunk := headerAt(uintptr(unsafe.Pointer(cur)) + uintptr(headerSize) + uintptr(s))
	newChunk.size = cur.size - s - uint64(headerSize)
	newChunk.status = chunkFree
	newChunk.prev = cur
	newChunk.next = cur.next
	if newChunk.next != nil {
		newChunk.next.prev = newChunk
	} else {
		tail = newChunk
	}
	cur.next = newChunk
	cur.size = s
}

// expand grows the heap's backing memory by growth bytes and appends the
// new span to the free list: either onto the tail chunk if it's Free, or as
// a brand new chunk if the tail is Used.
func expand(growth mem.Size) *kernel.Error {
	if err := growBacking(growth); err != nil {
		return err
	}
	if tail.status == chunkFree {
		tail.size += uint64(growth)
	} else {
		newChunk := headerAt(base + uintptr(capacity))
		newChunk.size = uint64(growth) - uint64(headerSize)
		newChunk.status = chunkFree
		newChunk.prev = tail
		newChunk.next = nil
		tail.next = newChunk
		tail = newChunk
	}
	capacity += growth
	return nil
}

// Free releases a payload previously returned by Alloc, panicking on
// double-free and coalescing with both neighbors, per spec.md §4.4.
func Free(ptr uintptr) *kernel.Error {
	disableInterruptsFn()
	defer enableInterruptsFn()

	if ptr < base+uintptr(headerSize) || ptr >= base+uintptr(capacity) {
		return errInvalidPointer
	}

	hdr := headerAt(ptr - uintptr(headerSize))
	if hdr.status == chunkFree {
		kfmt.Panic(errDoubleFree)
		return errDoubleFree
	}
	hdr.status = chunkFree

	if hdr.next != nil && hdr.next.status == chunkFree {
		absorbed := hdr.next
		hdr.size += uint64(headerSize) + absorbed.size
		hdr.next = absorbed.next
		if hdr.next != nil {
			hdr.next.prev = hdr
		} else {
			tail = hdr
		}
	}

	if hdr.prev != nil && hdr.prev.status == chunkFree {
		prev := hdr.prev
		prev.size += uint64(headerSize) + hdr.size
		prev.next = hdr.next
		if hdr.next != nil {
			hdr.next.prev = prev
		} else {
			tail = prev
		}
	}

	return nil
}

// Stats reports the heap's current backed capacity, for diagnostics.
func Stats() mem.Size {
	return capacity
}
