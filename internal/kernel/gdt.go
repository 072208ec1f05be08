package kernel

import (
	"github.com/tinyrange/kern386/internal/boot"
	"github.com/tinyrange/kern386/internal/mach"
)

// Segment selectors, fixed by the GDT layout below.
const (
	SelKernelCode = 0x08
	SelKernelData = 0x10
	SelUserCode   = 0x1B
	SelUserData   = 0x23
	SelTSS        = 0x2B
)

const gdtDescriptors = 6

// GDT access byte flags.
const (
	gdtReadWrite = 1 << 1
	gdtExecCode  = 1 << 3
	gdtCodeData  = 1 << 4
	gdtMemory    = 1 << 7
)

// Granularity byte flags: 4 KiB granularity, 32-bit segment, limit high bits.
const (
	gdtGranLimitHi = 0x0F
	gdtGran32Bit   = 0x40
	gdtGran4K      = 0x80

	gdtGranFlags = gdtGran4K | gdtGran32Bit | gdtGranLimitHi
)

const (
	gdtAccessKernelCode = gdtReadWrite | gdtExecCode | gdtCodeData | gdtMemory
	gdtAccessKernelData = gdtReadWrite | gdtCodeData | gdtMemory
	gdtAccessUserCode   = gdtReadWrite | gdtExecCode | gdtCodeData | gdtMemory | (3 << 5)
	gdtAccessUserData   = gdtReadWrite | gdtCodeData | gdtMemory | (3 << 5)
)

// pseudoDescriptor is the {limit, base} pair loaded with lgdt/lidt.
type pseudoDescriptor struct {
	limit uint16
	base  uint32
}

// gdtSetEntry packs one descriptor into the GDT in guest memory.
func (k *Kernel) gdtSetEntry(index int, base, limit uint32, access, gran uint8) {
	addr := uint32(boot.GDTPhys + index*8)

	var desc [8]byte
	desc[0] = byte(limit)
	desc[1] = byte(limit >> 8)
	desc[2] = byte(base)
	desc[3] = byte(base >> 8)
	desc[4] = byte(base >> 16)
	desc[5] = access
	desc[6] = byte((limit>>16)&0x0F) | (gran & 0xF0)
	desc[7] = byte(base >> 24)

	if _, err := k.m.WriteAt(desc[:], int64(addr)); err != nil {
		k.panicf("writing GDT entry %d: %v", index, err)
	}
}

// initGDT builds the six descriptors, installs the TSS, and reloads the
// segment registers.
func (k *Kernel) initGDT() {
	k.gdtr = pseudoDescriptor{
		limit: gdtDescriptors*8 - 1,
		base:  boot.GDTPhys,
	}

	// Null segment.
	k.gdtSetEntry(0, 0, 0, 0, 0)
	// Kernel code segment.
	k.gdtSetEntry(1, 0, 0xFFFFFFFF, gdtAccessKernelCode, gdtGranFlags)
	// Kernel data segment.
	k.gdtSetEntry(2, 0, 0xFFFFFFFF, gdtAccessKernelData, gdtGranFlags)
	// User code segment.
	k.gdtSetEntry(3, 0, 0xFFFFFFFF, gdtAccessUserCode, gdtGranFlags)
	// User data segment.
	k.gdtSetEntry(4, 0, 0xFFFFFFFF, gdtAccessUserData, gdtGranFlags)

	k.writeTSS(5, SelKernelData, 0)

	// Reload the segment registers against the new table.
	cpu := k.m.CPU()
	cpu.CS = SelKernelCode
	cpu.SS = SelKernelData
	cpu.DS = SelKernelData
	cpu.ES = SelKernelData
	cpu.FS = SelKernelData
	cpu.GS = SelKernelData
	cpu.CR0 |= mach.CR0PE
}
