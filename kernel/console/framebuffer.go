package console

import (
	"unsafe"

	"nyxkernel/kernel"
)

// Framebuffer describes the single linear framebuffer handed to the kernel
// by the bootloader (spec.md §6's framebuffer descriptor). Address is
// expressed as a kernel-virtual address (already translated through HHDM by
// the caller); Pitch is in bytes, BPP in bits.
type Framebuffer struct {
	Address uintptr
	Width   uint32
	Height  uint32
	Pitch   uint32
	BPP     uint8
}

// FB is the active framebuffer, set by kernel/kmain from the Limine
// framebuffer response that kernel/boot parses. It is nil until then; panic output falls back to COM1 only in
// that case.
var FB *Framebuffer

// PutPixel writes a single BGR(A) pixel at (x, y). Out-of-range coordinates
// are silently ignored rather than panicking, since this is itself used from
// the panic path.
func (fb *Framebuffer) PutPixel(x, y uint32, rgb uint32) {
	if fb == nil || x >= fb.Width || y >= fb.Height || fb.BPP != 32 {
		return
	}
	offset := uintptr(y)*uintptr(fb.Pitch) + uintptr(x)*4
	kernel.Memcopy(uintptr(unsafe.Pointer(&rgb)), fb.Address+offset, 4)
}

// FillRect paints a solid rectangle; used to draw the panic-screen banner
// without any glyph rasterization.
func (fb *Framebuffer) FillRect(x, y, w, h uint32, rgb uint32) {
	for row := uint32(0); row < h; row++ {
		for col := uint32(0); col < w; col++ {
			fb.PutPixel(x+col, y+row, rgb)
		}
	}
}
