package boot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/kern386/internal/helper"
)

// InfoBuilder assembles a Multiboot2 information structure.
type InfoBuilder struct {
	regions []MemoryRegion
	modules []Module
	fb      *Framebuffer
}

// AddMemoryRegion appends one memory map entry.
func (b *InfoBuilder) AddMemoryRegion(region MemoryRegion) {
	b.regions = append(b.regions, region)
}

// AddModule appends one module entry. The module bytes themselves are placed
// by the loader; only the [Start, End) extent and name are recorded here.
func (b *InfoBuilder) AddModule(mod Module) {
	b.modules = append(b.modules, mod)
}

// SetFramebuffer records the framebuffer tag.
func (b *InfoBuilder) SetFramebuffer(fb Framebuffer) {
	b.fb = &fb
}

// Encode renders the structure: a total_size/reserved header followed by
// 8-byte aligned tags, terminated by the end tag.
func (b *InfoBuilder) Encode() []byte {
	var body bytes.Buffer

	appendTag := func(tagType uint32, payload []byte) {
		var hdr [8]byte
		size := uint32(8 + len(payload))
		binary.LittleEndian.PutUint32(hdr[0:], tagType)
		binary.LittleEndian.PutUint32(hdr[4:], size)
		body.Write(hdr[:])
		body.Write(payload)
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
	}

	if len(b.regions) > 0 {
		var payload bytes.Buffer
		binary.Write(&payload, binary.LittleEndian, uint32(24)) // entry_size
		binary.Write(&payload, binary.LittleEndian, uint32(0))  // entry_version
		for _, r := range b.regions {
			binary.Write(&payload, binary.LittleEndian, r.Base)
			binary.Write(&payload, binary.LittleEndian, r.Length)
			binary.Write(&payload, binary.LittleEndian, r.Type)
			binary.Write(&payload, binary.LittleEndian, uint32(0))
		}
		appendTag(TagMmap, payload.Bytes())
	}

	for _, mod := range b.modules {
		var payload bytes.Buffer
		binary.Write(&payload, binary.LittleEndian, mod.Start)
		binary.Write(&payload, binary.LittleEndian, mod.End)
		payload.WriteString(mod.Name)
		payload.WriteByte(0)
		appendTag(TagModule, payload.Bytes())
	}

	if b.fb != nil {
		var payload bytes.Buffer
		binary.Write(&payload, binary.LittleEndian, b.fb.Addr)
		binary.Write(&payload, binary.LittleEndian, b.fb.Pitch)
		binary.Write(&payload, binary.LittleEndian, b.fb.Width)
		binary.Write(&payload, binary.LittleEndian, b.fb.Height)
		payload.WriteByte(b.fb.BPP)
		payload.WriteByte(1) // RGB framebuffer
		binary.Write(&payload, binary.LittleEndian, uint16(0))
		appendTag(TagFramebuffer, payload.Bytes())
	}

	appendTag(TagEnd, nil)

	out := make([]byte, 8+body.Len())
	binary.LittleEndian.PutUint32(out[0:], uint32(len(out)))
	copy(out[8:], body.Bytes())
	return out
}

// WriteTo writes the encoded structure at phys and returns its total size.
func (b *InfoBuilder) WriteTo(w io.WriterAt, phys uint32) (uint32, error) {
	encoded := b.Encode()
	if _, err := w.WriteAt(encoded, int64(phys)); err != nil {
		return 0, fmt.Errorf("boot: write info at 0x%08x: %w", phys, err)
	}
	return uint32(len(encoded)), nil
}

// Info reads a Multiboot2 structure out of guest memory.
type Info struct {
	mem  io.ReaderAt
	addr uint32
}

// NewInfo wraps the structure at addr.
func NewInfo(mem io.ReaderAt, addr uint32) *Info {
	return &Info{mem: mem, addr: addr}
}

// Addr returns the physical address of the structure.
func (i *Info) Addr() uint32 {
	return i.addr
}

func (i *Info) read32(off uint32) (uint32, error) {
	var buf [4]byte
	if _, err := i.mem.ReadAt(buf[:], int64(i.addr+off)); err != nil {
		return 0, fmt.Errorf("boot: read info+0x%x: %w", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// TotalSize returns the size in bytes of the whole structure.
func (i *Info) TotalSize() (uint32, error) {
	return i.read32(0)
}

// eachTag walks the tag list until the end tag, calling fn with each tag's
// type, the offset of its header (the payload starts 8 bytes later), and
// its size including the header.
func (i *Info) eachTag(fn func(tagType, off, size uint32) error) error {
	total, err := i.TotalSize()
	if err != nil {
		return err
	}
	off := uint32(8)
	for off+8 <= total {
		tagType, err := i.read32(off)
		if err != nil {
			return err
		}
		size, err := i.read32(off + 4)
		if err != nil {
			return err
		}
		if size < 8 {
			return fmt.Errorf("boot: malformed tag at +0x%x (size %d)", off, size)
		}
		if tagType == TagEnd {
			return nil
		}
		if err := fn(tagType, off, size); err != nil {
			return err
		}
		off += helper.AlignTo(size, 8)
	}
	return fmt.Errorf("boot: missing end tag")
}

// MemoryMap returns the entries of the memory map tag. The tag is required;
// its absence is an error.
func (i *Info) MemoryMap() ([]MemoryRegion, error) {
	var regions []MemoryRegion
	found := false

	err := i.eachTag(func(tagType, off, size uint32) error {
		if tagType != TagMmap || found {
			return nil
		}
		found = true
		entrySize, err := i.read32(off + 8)
		if err != nil {
			return err
		}
		if entrySize < 24 {
			return fmt.Errorf("boot: mmap entry size %d too small", entrySize)
		}
		for pos := off + 16; pos+entrySize <= off+size; pos += entrySize {
			baseLow, err := i.read32(pos)
			if err != nil {
				return err
			}
			baseHigh, err := i.read32(pos + 4)
			if err != nil {
				return err
			}
			lenLow, err := i.read32(pos + 8)
			if err != nil {
				return err
			}
			lenHigh, err := i.read32(pos + 12)
			if err != nil {
				return err
			}
			regionType, err := i.read32(pos + 16)
			if err != nil {
				return err
			}
			regions = append(regions, MemoryRegion{
				Base:   uint64(baseHigh)<<32 | uint64(baseLow),
				Length: uint64(lenHigh)<<32 | uint64(lenLow),
				Type:   regionType,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("boot: no memory map tag")
	}
	return regions, nil
}

// Modules returns all module tags.
func (i *Info) Modules() ([]Module, error) {
	var modules []Module

	err := i.eachTag(func(tagType, off, size uint32) error {
		if tagType != TagModule {
			return nil
		}
		start, err := i.read32(off + 8)
		if err != nil {
			return err
		}
		end, err := i.read32(off + 12)
		if err != nil {
			return err
		}
		nameLen := size - 16
		name := make([]byte, nameLen)
		if _, err := i.mem.ReadAt(name, int64(i.addr+off+16)); err != nil {
			return fmt.Errorf("boot: read module name: %w", err)
		}
		if idx := bytes.IndexByte(name, 0); idx >= 0 {
			name = name[:idx]
		}
		modules = append(modules, Module{Start: start, End: end, Name: string(name)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modules, nil
}

// Framebuffer returns the framebuffer tag, or nil when the loader supplied
// none.
func (i *Info) Framebuffer() (*Framebuffer, error) {
	var fb *Framebuffer

	err := i.eachTag(func(tagType, off, size uint32) error {
		if tagType != TagFramebuffer || fb != nil {
			return nil
		}
		addrLow, err := i.read32(off + 8)
		if err != nil {
			return err
		}
		addrHigh, err := i.read32(off + 12)
		if err != nil {
			return err
		}
		pitch, err := i.read32(off + 16)
		if err != nil {
			return err
		}
		width, err := i.read32(off + 20)
		if err != nil {
			return err
		}
		height, err := i.read32(off + 24)
		if err != nil {
			return err
		}
		bpp, err := i.read32(off + 28)
		if err != nil {
			return err
		}
		fb = &Framebuffer{
			Addr:   uint64(addrHigh)<<32 | uint64(addrLow),
			Pitch:  pitch,
			Width:  width,
			Height: height,
			BPP:    uint8(bpp),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fb, nil
}
