package boot

import (
	"bytes"
	"testing"
)

type sliceMemory []byte

func (s sliceMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, s[off:]), nil
}

func (s sliceMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(s[off:], p), nil
}

func buildInfo(t *testing.T) (*InfoBuilder, sliceMemory) {
	t.Helper()
	mem := make(sliceMemory, 1<<20)
	var b InfoBuilder
	b.AddMemoryRegion(MemoryRegion{Base: 0x100000, Length: 64 << 20, Type: MmapAvailable})
	b.AddMemoryRegion(MemoryRegion{Base: 0, Length: 0x9F000, Type: MmapReserved})
	return &b, mem
}

func TestInfoRoundTrip(t *testing.T) {
	b, mem := buildInfo(t)
	b.AddModule(Module{Start: ModuleLoadBase, End: ModuleLoadBase + 14, Name: "program1"})
	b.SetFramebuffer(Framebuffer{Addr: 0xFD000000, Pitch: 4096, Width: 1024, Height: 768, BPP: 32})

	size, err := b.WriteTo(mem, 0x1000)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if size%8 != 0 {
		t.Fatalf("total size %d is not 8-byte aligned", size)
	}

	info := NewInfo(mem, 0x1000)
	total, err := info.TotalSize()
	if err != nil {
		t.Fatalf("total size: %v", err)
	}
	if total != size {
		t.Fatalf("total size = %d, want %d", total, size)
	}

	regions, err := info.MemoryMap()
	if err != nil {
		t.Fatalf("memory map: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	if !regions[0].Available() || regions[0].Base != 0x100000 || regions[0].Length != 64<<20 {
		t.Fatalf("region 0 = %+v", regions[0])
	}
	if regions[1].Available() {
		t.Fatalf("reserved region reported available")
	}

	modules, err := info.Modules()
	if err != nil {
		t.Fatalf("modules: %v", err)
	}
	if len(modules) != 1 || modules[0].Name != "program1" {
		t.Fatalf("modules = %+v", modules)
	}
	if modules[0].Start != ModuleLoadBase || modules[0].End != ModuleLoadBase+14 {
		t.Fatalf("module extent = [0x%x, 0x%x)", modules[0].Start, modules[0].End)
	}

	fb, err := info.Framebuffer()
	if err != nil {
		t.Fatalf("framebuffer: %v", err)
	}
	if fb == nil || fb.Width != 1024 || fb.Height != 768 || fb.BPP != 32 {
		t.Fatalf("framebuffer = %+v", fb)
	}
}

func TestInfoWithoutOptionalTags(t *testing.T) {
	b, mem := buildInfo(t)
	if _, err := b.WriteTo(mem, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	info := NewInfo(mem, 0)
	modules, err := info.Modules()
	if err != nil {
		t.Fatalf("modules: %v", err)
	}
	if len(modules) != 0 {
		t.Fatalf("got %d modules, want 0", len(modules))
	}
	fb, err := info.Framebuffer()
	if err != nil {
		t.Fatalf("framebuffer: %v", err)
	}
	if fb != nil {
		t.Fatalf("unexpected framebuffer tag: %+v", fb)
	}
}

func TestInfoMissingMemoryMap(t *testing.T) {
	mem := make(sliceMemory, 4096)
	var b InfoBuilder
	if _, err := b.WriteTo(mem, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewInfo(mem, 0).MemoryMap(); err == nil {
		t.Fatalf("missing memory map not reported")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	b, _ := buildInfo(t)
	if !bytes.Equal(b.Encode(), b.Encode()) {
		t.Fatalf("encode is not deterministic")
	}
}
