package kernel

import (
	"fmt"
	"math/bits"
	"sort"
)

// PageSize is the fixed physical frame size; the core targets a single
// frame size throughout (no huge pages).
const PageSize = 4096

// Frame identifies a physical page frame by its base physical address. It
// is always a multiple of PageSize.
type Frame uint64

// Valid reports whether f is 4 KiB aligned.
func (f Frame) Valid() bool { return uint64(f)%PageSize == 0 }

// PhysicalMemoryManager owns the bitmap of 4 KiB frames derived from the
// boot memory map (spec.md 4.1). One bit per frame in [baseFrame,
// baseFrame+totalFrames); bit set means "not available for allocation"
// (either genuinely reserved/unavailable, or currently allocated).
type PhysicalMemoryManager struct {
	bitmap      []uint64
	baseFrame   uint64 // frame number of bit 0
	totalFrames uint64
	freeFrames  uint64

	// bitmapPhys/bitmapLen record where the bitmap's own backing frames
	// live, purely for diagnostics.
	bitmapPhys uint64
	bitmapLen  uint64
}

// GlobalPMM is the kernel-wide physical memory manager, initialized once at
// boot from the boot-info memory map.
var GlobalPMM *PhysicalMemoryManager

func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }

// InitPMM builds the frame allocator from the available regions of the boot
// memory map, excluding the kernel heap range [kernelHeapBase,
// kernelHeapBase+kernelHeapLen). The kernel image is not excluded here; its
// frames stay out of the allocator only if the memory map itself does not
// mark them available.
func InitPMM(info *BootInfo, kernelHeapBase, kernelHeapLen uint64) (*PhysicalMemoryManager, error) {
	regions := info.AvailableRegions()
	if len(regions) == 0 {
		return nil, fmt.Errorf("pmm: %w: no available memory regions", ErrOutOfMemory)
	}

	aligned := make([]MemoryMapEntry, 0, len(regions))
	for _, r := range regions {
		base := alignUp(r.Base, PageSize)
		end := alignDown(r.End(), PageSize)
		if end <= base {
			continue
		}
		aligned = append(aligned, MemoryMapEntry{Base: base, Length: end - base, Type: MemAvailable})
	}
	if len(aligned) == 0 {
		return nil, fmt.Errorf("pmm: %w: no page-aligned available memory", ErrOutOfMemory)
	}

	sort.Slice(aligned, func(i, j int) bool { return aligned[i].Base < aligned[j].Base })

	merged := make([]MemoryMapEntry, 0, len(aligned))
	for _, r := range aligned {
		if n := len(merged); n > 0 && r.Base <= merged[n-1].End() {
			if r.End() > merged[n-1].End() {
				merged[n-1].Length = r.End() - merged[n-1].Base
			}
			continue
		}
		merged = append(merged, r)
	}

	if kernelHeapLen > 0 {
		merged = excludeRange(merged, kernelHeapBase, kernelHeapBase+kernelHeapLen)
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("pmm: %w: kernel heap consumed all available memory", ErrOutOfMemory)
	}

	minBase := merged[0].Base
	maxEnd := merged[len(merged)-1].End()
	totalFrames := (maxEnd - minBase) / PageSize

	bitmapWords := (totalFrames + 63) / 64
	bitmapBytes := bitmapWords * 8
	bitmapPages := (bitmapBytes + PageSize - 1) / PageSize
	bitmapSpan := bitmapPages * PageSize

	largest := -1
	for i, r := range merged {
		if largest == -1 || r.Length > merged[largest].Length {
			largest = i
		}
	}
	if merged[largest].Length < bitmapSpan {
		return nil, fmt.Errorf("pmm: %w: no region large enough to hold the frame bitmap", ErrOutOfMemory)
	}
	bitmapPhys := merged[largest].End() - bitmapSpan
	merged[largest].Length -= bitmapSpan

	pmm := &PhysicalMemoryManager{
		bitmap:      make([]uint64, bitmapWords),
		baseFrame:   minBase / PageSize,
		totalFrames: totalFrames,
		bitmapPhys:  bitmapPhys,
		bitmapLen:   bitmapSpan,
	}
	// Start fully reserved; only frames inside a surviving available
	// region (other than the bitmap's own frames) get cleared below.
	for i := range pmm.bitmap {
		pmm.bitmap[i] = ^uint64(0)
	}

	for _, r := range merged {
		startIdx := (r.Base - minBase) / PageSize
		count := r.Length / PageSize
		for i := uint64(0); i < count; i++ {
			pmm.clearBit(startIdx + i)
		}
	}

	pmm.freeFrames = pmm.popcountFree()

	Log.Info("pmm initialized",
		"total_frames", pmm.totalFrames,
		"free_frames", pmm.freeFrames,
		"bitmap_phys", fmt.Sprintf("0x%x", bitmapPhys),
		"bitmap_bytes", bitmapBytes)

	return pmm, nil
}

// excludeRange splits or trims regions so that none of them overlap
// [excludeBase, excludeEnd).
func excludeRange(regions []MemoryMapEntry, excludeBase, excludeEnd uint64) []MemoryMapEntry {
	out := make([]MemoryMapEntry, 0, len(regions)+1)
	for _, r := range regions {
		base, end := r.Base, r.End()
		if excludeEnd <= base || excludeBase >= end {
			out = append(out, r)
			continue
		}
		if excludeBase > base {
			out = append(out, MemoryMapEntry{Base: base, Length: excludeBase - base, Type: MemAvailable})
		}
		if excludeEnd < end {
			out = append(out, MemoryMapEntry{Base: excludeEnd, Length: end - excludeEnd, Type: MemAvailable})
		}
	}
	return out
}

func (pmm *PhysicalMemoryManager) bitIndex(frameIdx uint64) (word, bit uint64) {
	return frameIdx / 64, frameIdx % 64
}

func (pmm *PhysicalMemoryManager) testBit(frameIdx uint64) bool {
	w, b := pmm.bitIndex(frameIdx)
	return pmm.bitmap[w]&(1<<b) != 0
}

func (pmm *PhysicalMemoryManager) setBit(frameIdx uint64) {
	w, b := pmm.bitIndex(frameIdx)
	pmm.bitmap[w] |= 1 << b
}

func (pmm *PhysicalMemoryManager) clearBit(frameIdx uint64) {
	w, b := pmm.bitIndex(frameIdx)
	pmm.bitmap[w] &^= 1 << b
}

func (pmm *PhysicalMemoryManager) popcountFree() uint64 {
	var used uint64
	for i, w := range pmm.bitmap {
		if uint64(i) == pmm.totalFrames/64 {
			// Last partial word: only count bits within totalFrames.
			valid := pmm.totalFrames % 64
			if valid == 0 {
				used += uint64(bits.OnesCount64(w))
			} else {
				mask := uint64(1)<<valid - 1
				used += uint64(bits.OnesCount64(w & mask))
			}
			continue
		}
		used += uint64(bits.OnesCount64(w))
	}
	return pmm.totalFrames - used
}

func (pmm *PhysicalMemoryManager) frameAddr(idx uint64) Frame {
	return Frame((pmm.baseFrame + idx) * PageSize)
}

func (pmm *PhysicalMemoryManager) frameIndex(f Frame) (uint64, bool) {
	addr := uint64(f)
	if addr%PageSize != 0 {
		return 0, false
	}
	frameNum := addr / PageSize
	if frameNum < pmm.baseFrame {
		return 0, false
	}
	idx := frameNum - pmm.baseFrame
	if idx >= pmm.totalFrames {
		return 0, false
	}
	return idx, true
}

// AllocPage allocates a single physical frame using first-fit over the
// bitmap. Returns ErrOutOfMemory when no frame is free.
func (pmm *PhysicalMemoryManager) AllocPage() (Frame, error) {
	g := disableIRQ()
	defer g.restore()

	for i := uint64(0); i < uint64(len(pmm.bitmap)); i++ {
		w := pmm.bitmap[i]
		if w == ^uint64(0) {
			continue
		}
		bit := uint64(bits.TrailingZeros64(^w))
		idx := i*64 + bit
		if idx >= pmm.totalFrames {
			continue
		}
		pmm.setBit(idx)
		pmm.freeFrames--
		return pmm.frameAddr(idx), nil
	}
	return 0, ErrOutOfMemory
}

// AllocPages allocates the first run of n contiguous free frames and
// returns the run's base frame.
func (pmm *PhysicalMemoryManager) AllocPages(n uint64) (Frame, error) {
	if n == 0 {
		return 0, fmt.Errorf("pmm: %w: zero-length allocation", ErrInvalidArgument)
	}

	g := disableIRQ()
	defer g.restore()

	var runStart uint64
	runLen := uint64(0)
	for idx := uint64(0); idx < pmm.totalFrames; idx++ {
		if pmm.testBit(idx) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = idx
		}
		runLen++
		if runLen == n {
			for i := uint64(0); i < n; i++ {
				pmm.setBit(runStart + i)
			}
			pmm.freeFrames -= n
			return pmm.frameAddr(runStart), nil
		}
	}
	return 0, ErrOutOfMemory
}

// FreePage releases a single frame. A double-free is detected (the frame
// is already marked free) and silently ignored, per spec.md 4.1.
func (pmm *PhysicalMemoryManager) FreePage(f Frame) error {
	g := disableIRQ()
	defer g.restore()
	return pmm.freePageLocked(f)
}

func (pmm *PhysicalMemoryManager) freePageLocked(f Frame) error {
	if !f.Valid() {
		return fmt.Errorf("pmm: %w: frame 0x%x is not 4KiB aligned", ErrInvalidArgument, uint64(f))
	}
	idx, ok := pmm.frameIndex(f)
	if !ok {
		return fmt.Errorf("pmm: %w: frame 0x%x out of managed range", ErrInvalidArgument, uint64(f))
	}
	if !pmm.testBit(idx) {
		// Already free: idempotent no-op.
		return nil
	}
	pmm.clearBit(idx)
	pmm.freeFrames++
	return nil
}

// FreePages releases a contiguous run of n frames starting at base.
func (pmm *PhysicalMemoryManager) FreePages(base Frame, n uint64) error {
	g := disableIRQ()
	defer g.restore()

	for i := uint64(0); i < n; i++ {
		if err := pmm.freePageLocked(Frame(uint64(base) + i*PageSize)); err != nil {
			return err
		}
	}
	return nil
}

// IsFree reports whether the frame at addr is currently free. Used by
// tests and by the VMM's invariants.
func (pmm *PhysicalMemoryManager) IsFree(f Frame) bool {
	g := disableIRQ()
	defer g.restore()

	idx, ok := pmm.frameIndex(f)
	if !ok {
		return false
	}
	return !pmm.testBit(idx)
}

// Stats returns total and free frame counts.
func (pmm *PhysicalMemoryManager) Stats() (total, free uint64) {
	g := disableIRQ()
	defer g.restore()
	return pmm.totalFrames, pmm.freeFrames
}
