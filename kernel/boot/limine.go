// Package boot implements the kernel side of the Limine boot protocol
// hand-off (spec.md C1): a set of request structures placed in the
// `.limine_requests` link section (see limine_requests_amd64.s) that the
// bootloader discovers, fills in with a response pointer, and leaves for the
// kernel to read once control reaches Go code.
//
// This generalizes gopheros/multiboot's tag-stream walk (VisitMemRegions,
// GetFramebufferInfo, findTagByType) to Limine's fixed request/response
// layout: instead of scanning a single info blob for variable-length tags,
// each piece of boot information has its own statically allocated request
// struct and its own response pointer, filled in independently.
package boot

import (
	"reflect"
	"unsafe"
)

// MemoryType enumerates the Limine memory map entry types named in
// spec.md §6.
type MemoryType uint64

const (
	MemoryUsable MemoryType = iota
	MemoryReserved
	MemoryACPIReclaimable
	MemoryACPINVS
	MemoryBadMemory
	MemoryBootloaderReclaimable
	MemoryExecutableAndModules
	MemoryFramebuffer
)

// String implements fmt.Stringer.
func (t MemoryType) String() string {
	switch t {
	case MemoryUsable:
		return "usable"
	case MemoryReserved:
		return "reserved"
	case MemoryACPIReclaimable:
		return "ACPI reclaimable"
	case MemoryACPINVS:
		return "ACPI NVS"
	case MemoryBadMemory:
		return "bad memory"
	case MemoryBootloaderReclaimable:
		return "bootloader reclaimable"
	case MemoryExecutableAndModules:
		return "executable and modules"
	case MemoryFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryMapEntry mirrors struct limine_memmap_entry: a physical base,
// length and type, page-granular and non-overlapping by construction of the
// loader.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemoryType
}

// memmapResponse mirrors struct limine_memmap_response.
type memmapResponse struct {
	revision uint64
	count    uint64
	entries  uintptr // **limine_memmap_entry
}

// memmapRequest mirrors struct limine_memmap_request; its storage lives in
// the .limine_requests section (see limine_requests_amd64.s) so the
// bootloader can find it before any Go code runs.
type memmapRequest struct {
	id       [4]uint64
	revision uint64
	response *memmapResponse
}

// hhdmResponse mirrors struct limine_hhdm_response.
type hhdmResponse struct {
	revision uint64
	offset   uint64
}

type hhdmRequest struct {
	id       [4]uint64
	revision uint64
	response *hhdmResponse
}

// rsdpResponse mirrors struct limine_rsdp_response.
type rsdpResponse struct {
	revision uint64
	address  uint64 // physical address of the RSDP
}

type rsdpRequest struct {
	id       [4]uint64
	revision uint64
	response *rsdpResponse
}

// kernelAddressResponse mirrors struct limine_kernel_address_response.
type kernelAddressResponse struct {
	revision    uint64
	physicalBase uint64
	virtualBase  uint64
}

type kernelAddressRequest struct {
	id       [4]uint64
	revision uint64
	response *kernelAddressResponse
}

// framebufferRaw mirrors struct limine_framebuffer (the fields this kernel
// cares about; the real structure has additional video-mode metadata this
// kernel ignores since font rasterization and mode negotiation are out of
// scope).
type framebufferRaw struct {
	address        uint64
	width, height  uint64
	pitch          uint64
	bpp            uint16
	memoryModel    uint8
	redMaskSize    uint8
	redMaskShift   uint8
	greenMaskSize  uint8
	greenMaskShift uint8
	blueMaskSize   uint8
	blueMaskShift  uint8
}

type framebufferResponse struct {
	revision       uint64
	count          uint64
	framebuffers   uintptr // **limine_framebuffer
}

type framebufferRequest struct {
	id       [4]uint64
	revision uint64
	response *framebufferResponse
}

// The request records themselves are not Go variables: they must live in
// the `.limine_requests` link section (see link/linker.ld) so the
// bootloader's loader-time scan can find them before any Go code has run,
// and Go gives no portable way to pin a package-level var to an arbitrary
// section. Each one is instead defined as raw storage in
// limine_requests_amd64.s, with its fixed protocol `id` and `revision`
// fields pre-filled and its `response` field left zeroed for the bootloader
// to overwrite; these extern functions hand back a pointer to that storage,
// following the same "declared in Go, implemented in assembly" idiom
// kernel/cpu uses for port I/O.
func memmapRequestPtr() *memmapRequest
func hhdmRequestPtr() *hhdmRequest
func rsdpRequestPtr() *rsdpRequest
func kernelAddressRequestPtr() *kernelAddressRequest
func framebufferRequestPtr() *framebufferRequest

// baseRevisionPtr returns the address of the 3-entry base revision marker
// (LIMINE_BASE_REVISION): the bootloader zeroes the third entry in place if
// it supports the requested revision.
func baseRevisionPtr() *[3]uint64

func baseRevisionSupported() bool {
	return baseRevisionPtr()[2] == 0
}

// Info is the parsed, Go-native summary of everything kmain needs out of the
// bootloader hand-off, collected once by Parse.
type Info struct {
	HHDMOffset      uint64
	RSDPPhysAddr    uint64
	KernelPhysBase  uint64
	KernelVirtBase  uint64
	MemoryMap       []MemoryMapEntry
	Framebuffer     *FramebufferDescriptor
}

// FramebufferDescriptor is the Go-native form of spec.md §6's framebuffer
// descriptor: `{address, width, height, pitch, bpp}`.
type FramebufferDescriptor struct {
	PhysAddr uintptr
	Width    uint32
	Height   uint32
	Pitch    uint32
	BPP      uint8
}

var (
	errNoHHDMResponse          = &bootError{"limine: no HHDM response"}
	errNoMemmapResponse        = &bootError{"limine: no memory map response"}
	errNoRSDPResponse          = &bootError{"limine: no RSDP response"}
	errNoKernelAddressResponse = &bootError{"limine: no kernel address response"}
	errUnsupportedRevision     = &bootError{"limine: unsupported base revision"}
)

type bootError struct{ msg string }

func (e *bootError) Error() string { return e.msg }

// Parse reads every Limine response the kernel depends on and returns them
// as a single Info value. The memory map and framebuffer responses are
// optional in the protocol. A missing memory map is an error, since the PFA
// cannot initialize without one. A missing framebuffer is not: Parse leaves
// Framebuffer nil and panic output degrades to COM1 only.
func Parse() (*Info, error) {
	if !baseRevisionSupported() {
		return nil, errUnsupportedRevision
	}

	memmapReq := memmapRequestPtr()
	hhdmReq := hhdmRequestPtr()
	rsdpReq := rsdpRequestPtr()
	kernelAddressReq := kernelAddressRequestPtr()

	if hhdmReq.response == nil {
		return nil, errNoHHDMResponse
	}
	if memmapReq.response == nil {
		return nil, errNoMemmapResponse
	}
	if rsdpReq.response == nil {
		return nil, errNoRSDPResponse
	}
	if kernelAddressReq.response == nil {
		return nil, errNoKernelAddressResponse
	}

	info := &Info{
		HHDMOffset:     hhdmReq.response.offset,
		RSDPPhysAddr:   rsdpReq.response.address,
		KernelPhysBase: kernelAddressReq.response.physicalBase,
		KernelVirtBase: kernelAddressReq.response.virtualBase,
	}

	info.MemoryMap = parseMemoryMap(memmapReq.response)
	info.Framebuffer = parseFramebuffer(framebufferRequestPtr().response)

	return info, nil
}

func parseMemoryMap(resp *memmapResponse) []MemoryMapEntry {
	count := int(resp.count)
	if count == 0 {
		return nil
	}

	// entries is a pointer to an array of *limine_memmap_entry pointers.
	ptrArray := *(*[]uintptr)(unsafe.Pointer(&reflect.SliceHeader{
		Data: resp.entries,
		Len:  count,
		Cap:  count,
	}))

	out := make([]MemoryMapEntry, count)
	for i, p := range ptrArray {
		e := (*MemoryMapEntry)(unsafe.Pointer(p))
		out[i] = *e
	}
	return out
}

func parseFramebuffer(resp *framebufferResponse) *FramebufferDescriptor {
	if resp == nil || resp.count == 0 {
		return nil
	}

	ptrArray := *(*[]uintptr)(unsafe.Pointer(&reflect.SliceHeader{
		Data: resp.framebuffers,
		Len:  int(resp.count),
		Cap:  int(resp.count),
	}))

	raw := (*framebufferRaw)(unsafe.Pointer(ptrArray[0]))
	return &FramebufferDescriptor{
		PhysAddr: uintptr(raw.address),
		Width:    uint32(raw.width),
		Height:   uint32(raw.height),
		Pitch:    uint32(raw.pitch),
		BPP:      uint8(raw.bpp),
	}
}
