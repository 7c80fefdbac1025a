// Package acpi discovers the handful of ACPI tables the kernel actually
// needs (component boundary per spec.md §4.7/§6): the RSDP handed off by the
// bootloader, the XSDT it points to, the MADT (LAPIC and I/O APIC records)
// and the HPET table. No generic table map, no FADT/DSDT lookup, no AML
// interpreter — those are out of scope (spec.md §1, §2's "ACPI table
// discovery beyond MADT/HPET parsing ... is out of scope").
//
// gopheros' device/acpi/acpi.go walks the same RSDP→RSDT/XSDT→table chain
// but does so through a temporary identity-mapping dance (mapACPITable,
// locateRSDT) because its address space has no direct map of physical
// memory. This kernel has one (kernel/mem/paging's HHDM): every physical
// address the bootloader hands us is already dereferenceable via
// paging.PhysToVirt, so there is no mapping/unmapping step at all. The one
// idiom carried over verbatim is the byte-sum checksum validation
// (validTable in the teacher).
package acpi

import (
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/mem/paging"
)

var (
	errChecksumMismatch = &kernel.Error{Module: "acpi", Message: "RSDP checksum mismatch"}
	errBadSignature     = &kernel.Error{Module: "acpi", Message: "unexpected table signature"}
	errMADTMissing      = &kernel.Error{Module: "acpi", Message: "MADT not found in XSDT"}
	errHPETMissing      = &kernel.Error{Module: "acpi", Message: "HPET not found in XSDT"}
)

// rsdpV2 overlays the 36-byte ACPI 2.0+ RSDP structure directly over
// physical memory via the HHDM. Revision is 2 for every version this kernel
// supports; spec.md only requires "RSDP v2", so there is no v1 fallback.
type rsdpV2 struct {
	signature [8]byte
	checksum  uint8
	oemID     [6]byte
	revision  uint8
	rsdtAddr  uint32

	length           uint32
	xsdtAddr         uint64
	extendedChecksum uint8
	reserved         [3]byte
}

// sdtHeader is the 36-byte header common to every ACPI table.
type sdtHeader struct {
	signature       [4]byte
	length          uint32
	revision        uint8
	checksum        uint8
	oemID           [6]byte
	oemTableID      [8]byte
	oemRevision     uint32
	creatorID       uint32
	creatorRevision uint32
}

const sdtHeaderSize = unsafe.Sizeof(sdtHeader{})

// madtEntryHeader is the 2-byte header in front of every MADT entry.
type madtEntryHeader struct {
	entryType uint8
	length    uint8
}

const (
	madtEntryLocalAPIC  uint8 = 0
	madtEntryIOAPIC     uint8 = 1
	madtEntryISOverride uint8 = 2
)

type madtIOAPICEntry struct {
	header      madtEntryHeader
	ioapicID    uint8
	reserved    uint8
	address     uint32
	gsiBase     uint32
}

// LocalAPIC describes the single LAPIC this kernel drives (one CPU only,
// per spec.md's Non-goals on SMP).
type LocalAPIC struct {
	// PhysBase is the MMIO physical base address read out of IA32_APIC_BASE
	// by kernel/apic, not the MADT (the MADT's LAPIC entries describe
	// per-CPU IDs, not the shared MMIO base) — recorded here only once
	// kernel/apic has resolved it, for callers that want a single home for
	// both descriptors.
	PhysBase uintptr
}

// IOAPIC describes one I/O APIC's MMIO window and its GSI base, per
// spec.md §3's "Physical base + virtual MMIO pointer + gsi_base".
type IOAPIC struct {
	PhysBase uintptr
	VirtBase uintptr
	GSIBase  uint32
}

// HPET describes the HPET table fields spec.md §6 requires.
type HPET struct {
	Address        uintptr
	MinTicks       uint16
	ID             uint32
	PageProtection uint8
}

// Tables holds everything kernel/acpi discovers at boot.
type Tables struct {
	IOAPICs []IOAPIC
	HPET    *HPET
}

func signatureEquals(sig [4]byte, want string) bool {
	return string(sig[:]) == want
}

// checksumOK sums every byte in [addr, addr+length) and reports whether the
// total is zero mod 256 — the byte-checksum idiom every ACPI table
// (including the RSDP) is validated with, ported from gopheros'
// device/acpi/acpi.go validTable.
func checksumOK(addr uintptr, length uint32) bool {
	var sum uint8
	bytes := (*[1 << 30]byte)(unsafe.Pointer(addr))[:length:length]
	for _, b := range bytes {
		sum += b
	}
	return sum == 0
}

// Discover validates the RSDP at rsdpPhysAddr (handed off by the
// bootloader), walks the XSDT it points to, and returns the MADT's I/O APIC
// records and the HPET table. A checksum mismatch or a missing MADT/HPET is
// unrecoverable per spec.md §7 ("Unrecoverable (panic): ... RSDP checksum
// mismatch, missing MADT/HPET").
func Discover(rsdpPhysAddr uint64) (*Tables, *kernel.Error) {
	rsdp := (*rsdpV2)(unsafe.Pointer(paging.PhysToVirt(uintptr(rsdpPhysAddr))))
	if !signatureEquals([4]byte{rsdp.signature[0], rsdp.signature[1], rsdp.signature[2], rsdp.signature[3]}, "RSD ") {
		return nil, errBadSignature
	}
	if !checksumOK(uintptr(unsafe.Pointer(rsdp)), rsdp.length) {
		return nil, errChecksumMismatch
	}

	xsdtAddr := uintptr(rsdp.xsdtAddr)
	xsdtHeader := (*sdtHeader)(unsafe.Pointer(paging.PhysToVirt(xsdtAddr)))
	if !signatureEquals(xsdtHeader.signature, "XSDT") {
		return nil, errBadSignature
	}
	if !checksumOK(paging.PhysToVirt(xsdtAddr), xsdtHeader.length) {
		return nil, errChecksumMismatch
	}

	entryCount := (uintptr(xsdtHeader.length) - sdtHeaderSize) / 8
	entries := (*[1 << 20]uint64)(unsafe.Pointer(paging.PhysToVirt(xsdtAddr) + sdtHeaderSize))[:entryCount:entryCount]

	tables := &Tables{}
	var madt *sdtHeader
	for _, ptr := range entries {
		header := (*sdtHeader)(unsafe.Pointer(paging.PhysToVirt(uintptr(ptr))))
		switch {
		case signatureEquals(header.signature, "APIC"):
			madt = header
		case signatureEquals(header.signature, "HPET"):
			tables.HPET = parseHPET(header)
		}
	}

	if madt == nil {
		return nil, errMADTMissing
	}
	tables.IOAPICs = parseMADT(madt)
	if tables.HPET == nil {
		return nil, errHPETMissing
	}
	return tables, nil
}

// parseMADT walks the variable-length entry list following the MADT header
// and collects every I/O APIC record's {address, gsi_base}, per spec.md §6.
func parseMADT(madt *sdtHeader) []IOAPIC {
	const fixedFieldsSize = 8 // local_apic_address uint32 + flags uint32
	start := uintptr(unsafe.Pointer(madt)) + sdtHeaderSize + fixedFieldsSize
	end := uintptr(unsafe.Pointer(madt)) + uintptr(madt.length)

	var ioapics []IOAPIC
	for cur := start; cur < end; {
		entry := (*madtEntryHeader)(unsafe.Pointer(cur))
		if entry.length == 0 {
			break
		}
		if entry.entryType == madtEntryIOAPIC {
			rec := (*madtIOAPICEntry)(unsafe.Pointer(cur))
			phys := uintptr(rec.address)
			ioapics = append(ioapics, IOAPIC{
				PhysBase: phys,
				VirtBase: paging.PhysToVirt(phys),
				GSIBase:  rec.gsiBase,
			})
		}
		cur += uintptr(entry.length)
	}
	return ioapics
}

// hpetTable overlays the HPET-specific fields that follow the common SDT
// header, per the ACPI HPET table definition spec.md §6 summarizes.
type hpetTable struct {
	header sdtHeader

	hardwareRevID     uint8
	comparatorInfo    uint8 // bit-packed: comparator count, counter size, legacy capable
	pciVendorID       uint16
	addressSpaceID    uint8
	registerBitWidth  uint8
	registerBitOffset uint8
	reserved          uint8
	address           uint64
	hpetNumber        uint8
	minTicks          uint16
	pageProtection    uint8
}

func parseHPET(header *sdtHeader) *HPET {
	h := (*hpetTable)(unsafe.Pointer(header))
	return &HPET{
		Address:        uintptr(h.address),
		MinTicks:       h.minTicks,
		ID:             uint32(h.hpetNumber),
		PageProtection: h.pageProtection,
	}
}
