package kfmt

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	// panicBannerFn, if set, paints a panic banner onto the framebuffer.
	// kernel/kmain wires this to console.Framebuffer once the bootloader's
	// framebuffer descriptor has been parsed; it is nil (a no-op) before
	// that, which is why panic output is never made to depend on it.
	panicBannerFn func()
)

// SetPanicBannerFunc installs the framebuffer banner drawn by Panic, in
// addition to the COM1/ring-buffer text output every panic always produces.
func SetPanicBannerFunc(fn func()) {
	panicBannerFn = fn
}

// SetHaltFunc overrides the function Panic calls to stop the CPU after
// reporting an error. Intended for tests elsewhere in the kernel (e.g.
// kernel/idt's exception-handler tests) that need to observe a panic without
// actually halting; passing nil restores cpu.Halt.
func SetHaltFunc(fn func()) {
	if fn == nil {
		fn = cpu.Halt
	}
	cpuHaltFn = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic).
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if panicBannerFn != nil {
		panicBannerFn()
	}

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw.
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
