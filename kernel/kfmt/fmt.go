package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize bounds the scratch buffer fmtInt reverses a formatted integer
// into before emitting it.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf = make([]byte, numBufSize)

	// oneByte is a shared single-byte scratch buffer handed to emit so
	// literal runs and digit-by-digit output never allocate.
	oneByte = []byte{0}

	// earlyPrintBuffer holds Printf output produced before a real output
	// sink (the UART, once kernel/kmain wires one up) is installed.
	earlyPrintBuffer ringBuffer

	// outputSink receives Printf's output once non-nil; until then every
	// call is buffered into earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink installs w as Printf's destination and drains anything
// accumulated in earlyPrintBuffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf is a minimal, allocation-free Printf usable before the Go runtime
// is fully initialized (no goroutine scheduler, no working heap). It
// supports a deliberately small verb set:
//
//	%s  the uninterpreted bytes of a string or []byte
//	%o  integer, base 8
//	%d  integer, base 10
//	%x  integer, base 16, lower-case digits
//	%t  "true" or "false"
//
// An optional decimal width may precede any verb (e.g. "%16x"); strings and
// base-10 integers are left-padded with spaces, base-8/16 integers with
// zeroes. %p is deliberately unsupported: formatting a pointer the
// fmt-package way needs reflect, and importing reflect here makes the
// compiler route argument-slice construction through runtime.convT2E
// (hence runtime.newobject) — a heap allocation this package exists
// specifically to avoid before the allocator comes up.
//
// Output goes to outputSink once SetOutputSink has installed one;
// otherwise it accumulates in a ring buffer for later draining.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf is Printf, but written to w instead of the package's output sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	pos, argIdx := 0, 0
	fmtLen := len(format)

	for pos < fmtLen {
		litStart := pos
		for pos < fmtLen && format[pos] != '%' {
			pos++
		}
		emitLiteral(w, format[litStart:pos])
		if pos >= fmtLen {
			break
		}

		// format[pos] == '%'; scan the optional width and verb that follow.
		pos++
		width := 0
		for pos < fmtLen && format[pos] >= '0' && format[pos] <= '9' {
			width = width*10 + int(format[pos]-'0')
			pos++
		}

		if pos >= fmtLen {
			emit(w, errNoVerb)
			break
		}

		verb := format[pos]
		pos++

		if verb == '%' {
			emitByte(w, '%')
			continue
		}

		if argIdx >= len(args) {
			switch verb {
			case 'o', 'd', 'x', 's', 't':
				emit(w, errMissingArg)
			default:
				emit(w, errNoVerb)
			}
			continue
		}
		writeArg(w, verb, args[argIdx], width)
		argIdx++
	}

	for ; argIdx < len(args); argIdx++ {
		emit(w, errExtraArg)
	}
}

// writeArg dispatches a single verb against its argument, or emits
// errNoVerb/errWrongArgType if verb or arg's type don't match anything
// this package understands.
func writeArg(w io.Writer, verb byte, arg interface{}, width int) {
	switch verb {
	case 'o':
		fmtInt(w, arg, 8, width)
	case 'd':
		fmtInt(w, arg, 10, width)
	case 'x':
		fmtInt(w, arg, 16, width)
	case 's':
		fmtString(w, arg, width)
	case 't':
		fmtBool(w, arg)
	default:
		emit(w, errNoVerb)
	}
}

// emitLiteral writes a run of format-string bytes that isn't part of any
// verb. Passing s straight to emit would box it into an interface-free
// []byte conversion that itself allocates, so it goes out one byte at a
// time through the shared oneByte scratch buffer instead.
func emitLiteral(w io.Writer, s string) {
	for i := 0; i < len(s); i++ {
		emitByte(w, s[i])
	}
}

func emitByte(w io.Writer, b byte) {
	oneByte[0] = b
	emit(w, oneByte)
}

// fmtBool writes "true"/"false" for a bool argument, or errWrongArgType.
func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	if !ok {
		emit(w, errWrongArgType)
		return
	}
	if b {
		emit(w, trueValue)
	} else {
		emit(w, falseValue)
	}
}

// fmtString writes a string or []byte argument, left-padded with spaces to
// width, or errWrongArgType for any other argument type.
func fmtString(w io.Writer, v interface{}, width int) {
	switch val := v.(type) {
	case string:
		padWith(w, ' ', width-len(val))
		emitLiteral(w, val)
	case []byte:
		padWith(w, ' ', width-len(val))
		emit(w, val)
	default:
		emit(w, errWrongArgType)
	}
}

// padWith writes count copies of ch (a no-op for count <= 0).
func padWith(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		emitByte(w, ch)
	}
}

// integerValue extracts v's magnitude and sign as a uint64/bool pair,
// covering every built-in signed and unsigned integer type. ok is false for
// any other argument type.
func integerValue(v interface{}) (mag uint64, negative bool, ok bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), false, true
	case uint16:
		return uint64(n), false, true
	case uint32:
		return uint64(n), false, true
	case uint64:
		return n, false, true
	case uintptr:
		return uint64(n), false, true
	case int8:
		return signedMagnitude(int64(n))
	case int16:
		return signedMagnitude(int64(n))
	case int32:
		return signedMagnitude(int64(n))
	case int64:
		return signedMagnitude(n)
	case int:
		return signedMagnitude(int64(n))
	default:
		return 0, false, false
	}
}

func signedMagnitude(n int64) (uint64, bool, bool) {
	if n < 0 {
		return uint64(-n), true, true
	}
	return uint64(n), false, true
}

// fmtInt writes v (any built-in integer type) in the given base, left-padded
// to width with zeroes (base 8/16) or spaces (base 10).
func fmtInt(w io.Writer, v interface{}, base, width int) {
	mag, negative, ok := integerValue(v)
	if !ok {
		emit(w, errWrongArgType)
		return
	}

	var divider uint64
	var padCh byte
	switch base {
	case 8:
		divider, padCh = 8, '0'
	case 16:
		divider, padCh = 16, '0'
	default:
		divider, padCh = 10, ' '
	}

	if width >= numBufSize {
		width = numBufSize - 1
	}

	// Build digits least-significant-first.
	n := 0
	for {
		digit := byte(mag % divider)
		if digit < 10 {
			numBuf[n] = digit + '0'
		} else {
			numBuf[n] = digit - 10 + 'a'
		}
		n++
		mag /= divider
		if mag == 0 || n >= numBufSize {
			break
		}
	}
	for ; n < width; n++ {
		numBuf[n] = padCh
	}

	// Negative numbers borrow the rightmost pad character for the sign
	// when there's room, otherwise append one more character.
	if negative {
		last := n - 1
		for last >= 0 && numBuf[last] == ' ' {
			last--
		}
		if last == n-1 {
			n++
		}
		numBuf[last+1] = '-'
	}

	reverse(numBuf[:n])
	emit(w, numBuf[:n])
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// emit is a proxy that uses the noEscape hack to hide p from the compiler's
// escape analysis. Without it, the compiler can't prove p doesn't escape
// (it's passed to the not-yet-known outputSink io.Writer) and conservatively
// heap-allocates it via runtime.convT2E, which would crash the kernel if
// Printf is ever called before the allocator is up.
func emit(w io.Writer, p []byte) {
	emitReal(w, noEscape(unsafe.Pointer(&p)))
}

func emitReal(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis, copied from runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
