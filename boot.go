package main

import "nyxkernel/kernel/kmain"

// main makes a dummy call to the actual kernel entry point. It is
// intentionally defined to prevent the Go compiler from optimizing away
// kmain.Kmain, which is otherwise reached only from _start
// (kernel/kmain/sections_amd64.s) and so has no Go-visible caller.
//
// This package only exists to give the linker a `main` package to build a
// freestanding ELF image from; _start, not main, is the image's real entry
// point (link/linker.ld's ENTRY(_start)), and main itself is never called.
func main() {
	kmain.Kmain()
}
