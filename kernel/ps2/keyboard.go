// Package ps2 implements the PS/2 keyboard driver (spec.md component C10):
// an IRQ handler that reads one scancode byte per interrupt, a small
// Normal/Prefix state machine, modifier-bit tracking, and a fixed-size ring
// buffer of decoded key events.
//
// gopher-os has no PS/2 driver; tinyrange-cc's
// internal/devices/amd64/input/{i8042,ps2keyboard}.go model the *other*
// side of this wire protocol (a virtual controller responding to commands),
// which grounds the port/command constants (0x60 data, 0x64 status/command,
// the command-byte translate bit) but not the driver shape itself — this
// package is built from spec.md §4.10 directly.
package ps2

import "nyxkernel/kernel/cpu"

// inB/outB are overridden by tests so Init/Reenable/HandleIRQ can be
// exercised without executing real port I/O instructions.
var (
	inB  = cpu.InB
	outB = cpu.OutB
)

// Controller ports, per spec.md §6.
const (
	portData   = 0x60
	portStatus = 0x64 // read
	portCmd    = 0x64 // write

	cmdReadConfigByte  = 0x20
	cmdWriteConfigByte = 0x60

	configTranslate = 1 << 6
)

// state is the scancode decoder's two states, per spec.md §4.10.
type state uint8

const (
	stateNormal state = iota
	statePrefix
)

const prefixByte = 0xE0

// Scancode names the non-modifier keys this driver recognizes. A comptime
// table (scancodeTable below) maps Set 1 byte values to these, per spec.md
// §4.10's "comptime scancode table."
type Scancode uint8

const (
	ScancodeUnknown Scancode = iota
	ScancodeA
	ScancodeB
	ScancodeC
	ScancodeD
	ScancodeE
	ScancodeEnter
	ScancodeSpace
	ScancodeEscape
	ScancodeBackspace
)

// Kind distinguishes a key press from a key release.
type Kind uint8

const (
	KindMake Kind = iota
	KindBreak
)

// Modifiers is a bitmask of currently-held modifier keys.
type Modifiers uint8

const (
	ModShift Modifiers = 1 << iota
	ModControl
	ModAlt
	ModCapsLock
)

// KeyEvent is what the ring buffer stores for every non-modifier Make
// event, per spec.md §3's data model.
type KeyEvent struct {
	Code      Scancode
	Kind      Kind
	Modifiers Modifiers
}

const ringCapacity = 32

// ring is a fixed-size circular buffer; full writes silently drop the
// oldest unread event rather than blocking (an IRQ handler cannot block).
type ring struct {
	buf   [ringCapacity]KeyEvent
	head  int // next write index
	tail  int // next read index
	count int
}

func (r *ring) push(e KeyEvent) {
	r.buf[r.head] = e
	r.head = (r.head + 1) % ringCapacity
	if r.count == ringCapacity {
		r.tail = (r.tail + 1) % ringCapacity
	} else {
		r.count++
	}
}

func (r *ring) pop() (KeyEvent, bool) {
	if r.count == 0 {
		return KeyEvent{}, false
	}
	e := r.buf[r.tail]
	r.tail = (r.tail + 1) % ringCapacity
	r.count--
	return e, true
}

// Driver owns the decode state machine, modifier mask, and event ring for
// one keyboard.
type Driver struct {
	st        state
	modifiers Modifiers
	events    ring
}

var active Driver

// modifierForNormalMake/Break map a Set 1 normal-state byte to the modifier
// bit it controls, or ok=false if the byte is not a modifier scancode.
func modifierForNormalMake(b byte) (Modifiers, bool) {
	switch b {
	case 0x2A, 0x36: // left/right Shift, make
		return ModShift, true
	case 0x1D: // Control, make
		return ModControl, true
	case 0x38: // Alt, make
		return ModAlt, true
	case 0x3A: // CapsLock, make
		return ModCapsLock, true
	}
	return 0, false
}

// scancodeTable maps Set 1 make-code byte values (MSB clear) to Scancode
// names. Unmapped bytes decode to ScancodeUnknown.
var scancodeTable = map[byte]Scancode{
	0x1E: ScancodeA,
	0x30: ScancodeB,
	0x2E: ScancodeC,
	0x20: ScancodeD,
	0x12: ScancodeE,
	0x1C: ScancodeEnter,
	0x39: ScancodeSpace,
	0x01: ScancodeEscape,
	0x0E: ScancodeBackspace,
}

// HandleIRQ is the IRQ1 entry point: EOI has already been issued by the
// dispatcher (kernel/idt) by the time this runs, per spec.md §4.10 ("EOI
// immediately, read data port ... push scancode through the driver state
// machine"). The interrupt guarantees a byte is present, so this never
// polls the status port's OutputBufferFull bit.
func HandleIRQ() {
	b := inB(portData)
	active.feed(b)
}

func (d *Driver) feed(b byte) {
	if d.st == stateNormal && b == prefixByte {
		d.st = statePrefix
		return
	}

	makeCode := b &^ 0x80
	isBreak := b&0x80 != 0

	// Prefix-state bytes (the extended E0 set) carry no modifier or
	// printable mapping in this driver's scope; consume the byte and
	// return to Normal.
	if d.st == statePrefix {
		d.st = stateNormal
		return
	}

	if mod, ok := modifierForNormalMake(makeCode); ok {
		if mod == ModCapsLock {
			if !isBreak {
				d.modifiers ^= ModCapsLock
			}
			return
		}
		if isBreak {
			d.modifiers &^= mod
		} else {
			d.modifiers |= mod
		}
		return
	}

	if isBreak {
		return
	}

	code := scancodeTable[makeCode]
	d.events.push(KeyEvent{Code: code, Kind: KindMake, Modifiers: d.modifiers})
}

// PopEvent dequeues the oldest pending key event, if any.
func PopEvent() (KeyEvent, bool) {
	return active.events.pop()
}

// Init enables Set 1 -> Set 2 scancode translation at the controller and
// verifies it stuck, per spec.md §4.10: "Translation from controller -> Set
// 1 is enabled once at init; the driver never trusts it and re-enables if
// cleared."
func Init() {
	ensureTranslationEnabled()
}

func readConfigByte() byte {
	outB(portCmd, cmdReadConfigByte)
	return inB(portData)
}

func writeConfigByte(cfg byte) {
	outB(portCmd, cmdWriteConfigByte)
	outB(portData, cfg)
}

func ensureTranslationEnabled() {
	cfg := readConfigByte()
	if cfg&configTranslate == 0 {
		writeConfigByte(cfg | configTranslate)
	}
}

// Reenable re-checks translation, for callers (a periodic diagnostic pass)
// that want to honor "the driver never trusts it and re-enables if
// cleared" outside of Init.
func Reenable() {
	ensureTranslationEnabled()
}
