package boot

import (
	"testing"
	"unsafe"
)

func TestParseMemoryMap(t *testing.T) {
	entries := []MemoryMapEntry{
		{Base: 0x0, Length: 0x1000, Type: MemoryUsable},
		{Base: 0x100000, Length: 0x2000, Type: MemoryReserved},
	}
	ptrs := make([]uintptr, len(entries))
	for i := range entries {
		ptrs[i] = uintptr(unsafe.Pointer(&entries[i]))
	}

	resp := &memmapResponse{
		count:   uint64(len(ptrs)),
		entries: uintptr(unsafe.Pointer(&ptrs[0])),
	}

	got := parseMemoryMap(resp)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Base != 0x0 || got[0].Type != MemoryUsable {
		t.Fatalf("unexpected first entry: %+v", got[0])
	}
	if got[1].Base != 0x100000 || got[1].Type != MemoryReserved {
		t.Fatalf("unexpected second entry: %+v", got[1])
	}
}

func TestParseMemoryMapEmpty(t *testing.T) {
	if got := parseMemoryMap(&memmapResponse{count: 0}); got != nil {
		t.Fatalf("expected nil for empty memory map, got %+v", got)
	}
}

func TestParseFramebuffer(t *testing.T) {
	raw := framebufferRaw{
		address: 0xF0000000,
		width:   1024,
		height:  768,
		pitch:   4096,
		bpp:     32,
	}
	ptrs := []uintptr{uintptr(unsafe.Pointer(&raw))}
	resp := &framebufferResponse{
		count:        1,
		framebuffers: uintptr(unsafe.Pointer(&ptrs[0])),
	}

	got := parseFramebuffer(resp)
	if got == nil {
		t.Fatal("expected non-nil framebuffer descriptor")
	}
	if got.Width != 1024 || got.Height != 768 || got.Pitch != 4096 || got.BPP != 32 {
		t.Fatalf("unexpected descriptor: %+v", got)
	}
}

func TestParseFramebufferNone(t *testing.T) {
	if got := parseFramebuffer(nil); got != nil {
		t.Fatalf("expected nil framebuffer descriptor, got %+v", got)
	}
	if got := parseFramebuffer(&framebufferResponse{count: 0}); got != nil {
		t.Fatalf("expected nil framebuffer descriptor, got %+v", got)
	}
}

func TestMemoryTypeString(t *testing.T) {
	cases := map[MemoryType]string{
		MemoryUsable:                "usable",
		MemoryBootloaderReclaimable: "bootloader reclaimable",
		MemoryType(255):             "unknown",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("MemoryType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
