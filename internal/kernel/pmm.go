package kernel

import (
	"math/bits"

	"github.com/tinyrange/kern386/internal/boot"
	"github.com/tinyrange/kern386/internal/helper"
)

// PMMBlockSize is the frame size of the physical allocator.
const PMMBlockSize = 0x1000

const pmmBitmapWords = 1024 * 1024 / 32 // one bit per frame of a 4 GiB space

// PMM is the bitmap-based physical frame allocator. A set bit means the
// frame is taken; bit zero is permanently set so the null frame is never
// handed out.
type PMM struct {
	k *Kernel

	bitmap     [pmmBitmapWords]uint32
	memSize    uint32
	usedBlocks uint32
	maxBlocks  uint32
	kernelEnd  uint32
}

// initPMM populates the allocator from the boot memory map: every available
// region is marked free, then low memory, the kernel, its modules, the
// bitmap reservation and the boot info structure are protected.
func (k *Kernel) initPMM(info *boot.Info) {
	p := &k.pmm

	// Compute where the kernel and the boot modules end in physical memory.
	modules, err := info.Modules()
	if err != nil {
		k.panicf("parsing boot modules: %v", err)
	}
	p.kernelEnd = boot.KernelImageEnd
	for _, mod := range modules {
		if mod.End > p.kernelEnd {
			p.kernelEnd = mod.End
		}
	}
	if KernelBaseVirt+p.kernelEnd > KernelEndMap {
		k.panicf("the kernel is too large for its initial mapping")
	}

	// Blocks are taken by default.
	for i := range p.bitmap {
		p.bitmap[i] = 0xFFFFFFFF
	}
	p.usedBlocks = 0
	p.maxBlocks = 0
	p.memSize = 0

	regions, err := info.MemoryMap()
	if err != nil {
		k.panicf("parsing boot memory map: %v", err)
	}

	for _, region := range regions {
		if !region.Available() {
			continue
		}
		top := helper.DivideUp(uint32(region.Base+region.Length), PMMBlockSize)
		if top > p.maxBlocks {
			p.maxBlocks = top
		}
	}
	// Every tracked frame starts out taken; freeing the available regions
	// counts down from there.
	p.usedBlocks = p.maxBlocks

	var available, unavailable uint64
	for _, region := range regions {
		if !region.Available() {
			unavailable += region.Length
			continue
		}
		p.InitRegion(uint32(region.Base), uint32(region.Length))
		available += region.Length
	}
	p.memSize = uint32(available)

	// Protect low memory, the kernel, its modules, the space reserved for
	// this bitmap, and the boot info structure itself.
	totalSize, err := info.TotalSize()
	if err != nil {
		k.panicf("reading boot info size: %v", err)
	}
	p.DeinitRegion(0, p.kernelEnd+p.maxBlocks/8)
	p.DeinitRegion(info.Addr(), totalSize)

	k.console.Infof("memory stats: available: %d MiB", available>>20)
	k.console.Infof("unavailable: %d KiB", unavailable>>10)
	k.console.Infof("taken by modules: %d KiB", (p.kernelEnd-boot.KernelImageEnd)>>10)
	k.log.Debug("pmm initialized",
		"available", available, "unavailable", unavailable,
		"maxBlocks", p.maxBlocks, "usedBlocks", p.usedBlocks)
}

// UsedMemory returns the number of bytes allocated by the PMM.
func (p *PMM) UsedMemory() uint32 {
	return p.usedBlocks * PMMBlockSize
}

// TotalMemory returns the number of free bytes the PMM started with.
func (p *PMM) TotalMemory() uint32 {
	return p.memSize
}

// KernelEnd returns the first address after the kernel, its modules, and the
// frame bitmap reservation.
func (p *PMM) KernelEnd() uint32 {
	return p.kernelEnd + p.maxBlocks/8
}

// InitRegion marks an area of physical memory as available. The null frame
// stays reserved.
func (p *PMM) InitRegion(addr, size uint32) {
	baseBlock := addr / PMMBlockSize
	// A region might be smaller than a block, yet span two: boundaries.
	num := helper.DivideUp(size+addr%PMMBlockSize, PMMBlockSize)

	for ; num > 0; num-- {
		p.unset(baseBlock)
		baseBlock++
	}

	// Never map the null pointer.
	p.set(0)
}

// DeinitRegion marks an area of physical memory as used.
func (p *PMM) DeinitRegion(addr, size uint32) {
	baseBlock := addr / PMMBlockSize
	num := helper.DivideUp(size+addr%PMMBlockSize, PMMBlockSize)

	for ; num > 0; num-- {
		p.set(baseBlock)
		baseBlock++
	}
}

// AllocPage allocates one frame and returns its address, or zero when no
// frame is free. Exhaustion is terminal.
func (p *PMM) AllocPage() uint32 {
	if p.usedBlocks >= p.maxBlocks {
		p.k.panicf("kernel is out of physical memory!")
	}

	block := p.findFree()
	if block == 0 {
		return 0
	}
	p.set(block)

	return block * PMMBlockSize
}

// AllocPages allocates num physically contiguous frames and returns the
// start address, or zero on failure without mutating any state.
func (p *PMM) AllocPages(num uint32) uint32 {
	if p.maxBlocks-p.usedBlocks < num {
		return 0
	}

	firstBlock := p.findFreeRun(num)
	if firstBlock == 0 {
		return 0
	}
	for i := uint32(0); i < num; i++ {
		p.set(firstBlock + i)
	}

	return firstBlock * PMMBlockSize
}

// AllocAlignedLargePage reserves a 4 MiB-aligned 4 MiB region: an 8 MiB free
// window is guaranteed to contain an aligned 4 MiB run.
func (p *PMM) AllocAlignedLargePage() uint32 {
	if p.maxBlocks-p.usedBlocks < 2*1024 {
		return 0
	}

	freeBlock := p.findFreeRun(2 * 1024)
	if freeBlock == 0 {
		return 0
	}

	alignedBlock := (freeBlock/1024 + 1) * 1024
	for i := uint32(0); i < 1024; i++ {
		p.set(alignedBlock + i)
	}

	return alignedBlock * PMMBlockSize
}

// FreePage releases a single frame.
func (p *PMM) FreePage(addr uint32) {
	p.unset(addr / PMMBlockSize)
}

// FreePages releases num frames starting at addr.
func (p *PMM) FreePages(addr, num uint32) {
	firstBlock := addr / PMMBlockSize
	for i := uint32(0); i < num; i++ {
		p.unset(firstBlock + i)
	}
}

// Test reports whether the frame containing addr is allocated.
func (p *PMM) Test(addr uint32) bool {
	return p.test(addr / PMMBlockSize)
}

// set marks a block taken. The counter moves only when the bit flips, so
// usedBlocks always equals the popcount of the tracked range.
func (p *PMM) set(bit uint32) {
	word, mask := bit/32, uint32(1)<<(bit%32)
	if p.bitmap[word]&mask == 0 {
		p.bitmap[word] |= mask
		p.usedBlocks++
	}
}

func (p *PMM) unset(bit uint32) {
	word, mask := bit/32, uint32(1)<<(bit%32)
	if p.bitmap[word]&mask != 0 {
		p.bitmap[word] &^= mask
		p.usedBlocks--
	}
}

func (p *PMM) test(bit uint32) bool {
	return p.bitmap[bit/32]&(uint32(1)<<(bit%32)) != 0
}

// findFree returns the index of the first free bit in the bitmap, scanning a
// word at a time.
func (p *PMM) findFree() uint32 {
	for i := uint32(0); i < p.maxBlocks/32; i++ {
		if p.bitmap[i] != 0xFFFFFFFF {
			return i*32 + uint32(bits.TrailingZeros32(^p.bitmap[i]))
		}
	}
	return 0
}

// findFreeRun returns the first block of num consecutive free bits.
func (p *PMM) findFreeRun(num uint32) uint32 {
	var first, count uint32

	for i := uint32(0); i < p.maxBlocks/32; i++ {
		if p.bitmap[i] == 0xFFFFFFFF {
			first, count = 0, 0
			continue
		}
		for j := uint32(0); j < 32; j++ {
			if p.bitmap[i]&(uint32(1)<<j) == 0 {
				if first == 0 {
					first = i*32 + j
				}
				count++
			} else {
				first, count = 0, 0
			}

			if count == num {
				return first
			}
		}
	}
	return 0
}
