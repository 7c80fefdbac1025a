package timer

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/apic"
)

// Kind tags which concrete backend a Backend wraps, per spec.md §9's "tagged
// variant ... not a pointer-to-function table" design note.
type Kind uint8

const (
	KindPIT Kind = iota
	KindLAPIC
	KindTSCDeadline
	KindHPET
)

var errWrongBackend = &kernel.Error{Module: "timer", Message: "Backend method called against an unset variant"}

// Backend is the tagged-variant sum type `{ Pit, Lapic, TscDeadline, Hpet }`
// spec.md §9 calls for: exactly one of its four fields is non-nil, selected
// by Kind, so which timer source is active is explicit in the type system
// rather than hidden behind an interface's dynamic dispatch.
type Backend struct {
	Kind        Kind
	Pit         *PitBackend
	Lapic       *LapicBackend
	TscDeadline *TscBackend
	Hpet        *hpetComparator
}

// hpetComparator binds an HpetBackend to the one comparator/I/O APIC pair
// this kernel drives for vector 0x30.
type hpetComparator struct {
	backend *HpetBackend
	index   int
	ioapic  *apic.IOAPIC
}

// NewPITVariant wraps the PIT as a Backend.
func NewPITVariant() *Backend {
	return &Backend{Kind: KindPIT, Pit: &PitBackend{}}
}

// NewLAPICVariant wraps an already-calibrated LapicBackend as a Backend.
func NewLAPICVariant(b *LapicBackend) *Backend {
	return &Backend{Kind: KindLAPIC, Lapic: b}
}

// NewTSCDeadlineVariant wraps a TscBackend as a Backend.
func NewTSCDeadlineVariant(b *TscBackend) *Backend {
	return &Backend{Kind: KindTSCDeadline, TscDeadline: b}
}

// NewHPETVariant wraps an HpetBackend bound to comparator index and the I/O
// APIC it routes vector 0x30 through.
func NewHPETVariant(b *HpetBackend, index int, ioapic *apic.IOAPIC) *Backend {
	return &Backend{Kind: KindHPET, Hpet: &hpetComparator{backend: b, index: index, ioapic: ioapic}}
}

// Arm schedules the next interrupt approximately ms milliseconds out,
// dispatching on Kind rather than through an interface method table.
func (b *Backend) Arm(ms uint32) *kernel.Error {
	switch b.Kind {
	case KindPIT:
		if b.Pit == nil {
			return errWrongBackend
		}
		b.Pit.Arm(ms)
	case KindLAPIC:
		if b.Lapic == nil {
			return errWrongBackend
		}
		b.Lapic.Arm(ms, true)
	case KindTSCDeadline:
		if b.TscDeadline == nil {
			return errWrongBackend
		}
		b.TscDeadline.Arm(ms)
	case KindHPET:
		if b.Hpet == nil {
			return errWrongBackend
		}
		periodTicks := b.Hpet.backend.PeriodTicksForMs(ms)
		b.Hpet.backend.ArmPeriodic(b.Hpet.index, periodTicks, b.Hpet.ioapic)
	default:
		return errWrongBackend
	}
	return nil
}

// Sleep busy-waits for approximately ms milliseconds via the PIT, the one
// suspension primitive every calibration path shares regardless of which
// Backend.Kind is ultimately armed for steady-state ticking (spec.md §5).
func Sleep(ms uint32) {
	(PitBackend{}).Sleep(ms)
}
