package kernel

import (
	"github.com/tinyrange/kern386/internal/helper"
	"github.com/tinyrange/kern386/internal/mach"
)

// The kernel heap: an intrusive singly-linked list of blocks living inside
// [KernelHeapBegin, KernelHeapBegin+KernelHeapSize). A block is the 8-byte
// header {next, size} followed by its payload; the low bit of size is the
// in-use flag. Blocks are linked in address order. The list starts with a
// zero-sized in-use sentinel to avoid edge cases, and freed blocks coalesce
// with free neighbours.
const (
	heapMinAlign   = 4
	heapHeaderSize = 8
)

// Heap is the kernel allocator, layered on the PMM and the VMM.
type Heap struct {
	k *Kernel

	bottom uint32
	top    uint32
	used   uint32
}

func (h *Heap) blockNext(block uint32) uint32 {
	return h.k.readV32(block)
}

func (h *Heap) setBlockNext(block, next uint32) {
	h.k.writeV32(block, next)
}

func (h *Heap) blockRawSize(block uint32) uint32 {
	return h.k.readV32(block + 4)
}

func (h *Heap) blockSize(block uint32) uint32 {
	return h.blockRawSize(block) &^ 1
}

func (h *Heap) blockUsed(block uint32) bool {
	return h.blockRawSize(block)&1 != 0
}

func (h *Heap) setBlockSize(block, size uint32, used bool) {
	if used {
		size |= 1
	}
	h.k.writeV32(block+4, size)
}

// fullSize returns the size of a block including its header.
func (h *Heap) fullSize(block uint32) uint32 {
	return heapHeaderSize + h.blockSize(block)
}

// init reserves the whole heap range up front: physically contiguous frames
// mapped read/write, and the sentinel block.
func (h *Heap) init() {
	k := h.k
	pages := uint32(KernelHeapSize / mach.PageSize)

	heapPhys := k.pmm.AllocPages(pages)
	if heapPhys == 0 {
		k.panicf("kernel ran out of memory!")
	}
	k.paging.MapPages(KernelHeapBegin, heapPhys, pages, PageRW)

	h.bottom = KernelHeapBegin
	h.top = h.bottom
	h.setBlockNext(h.top, 0)
	h.setBlockSize(h.top, 0, true)
}

// findBlock searches the list for the first free block of at least size
// bytes whose payload meets the alignment.
func (h *Heap) findBlock(size, align uint32) uint32 {
	if h.bottom == 0 {
		return 0
	}
	for block := h.bottom; block != 0; block = h.blockNext(block) {
		if h.blockUsed(block) || h.blockSize(block) < size {
			continue
		}
		if (block+heapHeaderSize)%align == 0 {
			return block
		}
	}
	return 0
}

// newBlock appends a block of the desired size and alignment. A filler free
// block is inserted before it when aligning leaves a reusable gap.
func (h *Heap) newBlock(size, align uint32) uint32 {
	next := h.top + h.fullSize(h.top)
	nextAligned := helper.AlignTo(next+heapHeaderSize, align) - heapHeaderSize

	block := nextAligned
	h.setBlockSize(block, size, true)
	h.setBlockNext(block, 0)

	// Reuse the alignment gap when it can hold a block of its own.
	next = helper.AlignTo(next+heapHeaderSize, heapMinAlign) - heapHeaderSize
	if nextAligned-next > heapHeaderSize+heapMinAlign {
		filler := next
		h.setBlockSize(filler, nextAligned-next-heapHeaderSize, false)
		h.setBlockNext(filler, 0)
		h.setBlockNext(h.top, filler)
		h.top = filler
	}

	h.setBlockNext(h.top, block)
	h.top = block

	return block
}

// AlignedAlloc returns the address of a payload of at least size bytes,
// aligned to align.
func (h *Heap) AlignedAlloc(align, size uint32) uint32 {
	k := h.k
	size = helper.AlignTo(size, 8)

	if h.top == 0 {
		h.init()
	}

	if block := h.findBlock(size, align); block != 0 {
		// First fit. Carve off the tail when the block is oversized enough
		// to hold another header and payload.
		remainder := h.blockSize(block) - size
		if remainder >= heapHeaderSize+heapMinAlign {
			tail := block + heapHeaderSize + size
			h.setBlockSize(tail, remainder-heapHeaderSize, false)
			h.setBlockNext(tail, h.blockNext(block))
			h.setBlockNext(block, tail)
			h.setBlockSize(block, size, false)
			if h.top == block {
				h.top = tail
			}
		}
		used := h.blockSize(block)
		h.setBlockSize(block, used, true)
		h.used += used
		return block + heapHeaderSize
	}

	// Appending: check we have not exceeded the memory we can distribute.
	end := h.top + h.fullSize(h.top) + heapHeaderSize
	end = helper.AlignTo(end, align) + size
	if end > KernelHeapBegin+KernelHeapSize {
		k.panicf("kernel ran out of memory!")
	}

	block := h.newBlock(size, align)
	h.used += size
	return block + heapHeaderSize
}

// KMalloc returns at least size bytes of 4-byte aligned memory.
func (h *Heap) KMalloc(size uint32) uint32 {
	// Accessing basic datatypes at unaligned addresses is undefined;
	// four-byte alignment is enough for most things.
	return h.AlignedAlloc(heapMinAlign, size)
}

// KAMalloc is AlignedAlloc with the historical argument order.
func (h *Heap) KAMalloc(size, align uint32) uint32 {
	return h.AlignedAlloc(align, size)
}

// KFree releases a pointer previously returned by KMalloc. Free neighbours
// are merged so fragmentation from heterogeneous sizes cannot build up.
func (h *Heap) KFree(ptr uint32) {
	if ptr == 0 {
		return
	}
	block := ptr - heapHeaderSize
	size := h.blockSize(block)
	h.setBlockSize(block, size, false)
	h.used -= size

	// Forward merge.
	for next := h.blockNext(block); next != 0 && !h.blockUsed(next); next = h.blockNext(block) {
		h.setBlockSize(block, h.blockSize(block)+h.fullSize(next), false)
		h.setBlockNext(block, h.blockNext(next))
		if h.top == next {
			h.top = block
		}
	}

	// Backward merge; the sentinel at the bottom is always in use.
	if prev := h.findPrev(block); prev != 0 && !h.blockUsed(prev) {
		h.setBlockSize(prev, h.blockSize(prev)+h.fullSize(block), false)
		h.setBlockNext(prev, h.blockNext(block))
		if h.top == block {
			h.top = prev
		}
	}
}

func (h *Heap) findPrev(block uint32) uint32 {
	for cur := h.bottom; cur != 0; cur = h.blockNext(cur) {
		if h.blockNext(cur) == block {
			return cur
		}
	}
	return 0
}

// KRealloc resizes an allocation by allocate-copy-free. A nil pointer
// behaves like KMalloc, a zero size like KFree.
func (h *Heap) KRealloc(ptr, size uint32) uint32 {
	if ptr == 0 {
		return h.KMalloc(size)
	}
	if size == 0 {
		h.KFree(ptr)
		return 0
	}

	newPtr := h.KMalloc(size)
	copySize := h.blockSize(ptr - heapHeaderSize)
	if size < copySize {
		copySize = size
	}
	buf := make([]byte, copySize)
	h.k.readV(ptr, buf)
	h.k.writeV(newPtr, buf)
	h.KFree(ptr)

	return newPtr
}

// MemoryUsage returns the bytes currently allocated on the heap.
func (h *Heap) MemoryUsage() uint32 {
	return h.used
}

// DumpBlocks prints the block list. Only sizes are listed; a '#' marks a
// used block.
func (h *Heap) DumpBlocks() {
	for block := h.bottom; block != 0; block = h.blockNext(block) {
		marker := " "
		if h.blockUsed(block) {
			marker = "# "
		}
		h.k.console.Printf("0x%x%s-> ", h.blockSize(block), marker)
		if next := h.blockNext(block); next != 0 && next < block {
			h.k.console.Printf("chaining error: block overlaps with previous one\n")
		}
	}
	h.k.console.Printf("none\n")
}
