package kernel

import (
	"fmt"
	"sort"
	"sync"
)

// RegionType classifies a memory region's purpose (spec.md 3's "memory
// region" data model).
type RegionType uint8

const (
	RegionCode RegionType = iota
	RegionData
	RegionHeap
	RegionStack
	RegionGuard // the unmapped null-deref guard installed at virtual 0
)

func (t RegionType) String() string {
	switch t {
	case RegionCode:
		return "code"
	case RegionData:
		return "data"
	case RegionHeap:
		return "heap"
	case RegionStack:
		return "stack"
	case RegionGuard:
		return "guard"
	default:
		return "unknown"
	}
}

// Region is a contiguous, committed range of virtual pages owned
// exclusively by one AddressSpace.
type Region struct {
	VStart, VEnd uint32
	Flags        PTFlags
	Type         RegionType
	PhysBase     Frame // valid once committed; zero for the guard region
}

// Size returns the region's length in bytes.
func (r *Region) Size() uint64 { return uint64(r.VEnd - r.VStart) }

// Layout constants for user address spaces (spec.md 4.3).
const (
	UserCodeBase uint32 = 128 * 1024 * 1024
	UserHeapBase uint32 = 256 * 1024 * 1024
	// UserStackTop sits at the kernel boundary; the stack is carved
	// downward from just below it.
	UserStackTop uint32 = KernelBase
)

// AddressSpace owns one page directory plus a sorted, non-overlapping
// region list (spec.md 3's "address space").
type AddressSpace struct {
	mu sync.Mutex

	Dir Frame

	mmu *MMU
	pmm *PhysicalMemoryManager

	regions []*Region

	heapStart, heapCurrent uint32
	heapRegion             *Region
}

// CreateAddressSpace allocates a fresh page directory (its top-quarter
// entries mirroring the kernel's) and installs the null-guard region at
// virtual address 0.
func CreateAddressSpace(mmu *MMU, pmm *PhysicalMemoryManager) (*AddressSpace, error) {
	dir, err := mmu.AllocDirectory()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{
		Dir: dir,
		mmu: mmu,
		pmm: pmm,
		regions: []*Region{
			{VStart: 0, VEnd: PageSize, Type: RegionGuard},
		},
	}
	return as, nil
}

func (as *AddressSpace) overlapsLocked(vStart, vEnd uint32) bool {
	for _, r := range as.regions {
		if vStart < r.VEnd && vEnd > r.VStart {
			return true
		}
	}
	return false
}

func (as *AddressSpace) insertLocked(r *Region) {
	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].VStart >= r.VStart })
	as.regions = append(as.regions, nil)
	copy(as.regions[idx+1:], as.regions[idx:])
	as.regions[idx] = r
}

func (as *AddressSpace) removeLocked(r *Region) {
	for i, cur := range as.regions {
		if cur == r {
			as.regions = append(as.regions[:i], as.regions[i+1:]...)
			return
		}
	}
}

// MapRegion creates a region of the given type, rounds it to whole pages,
// allocates a contiguous physical run, maps every page through the MMU,
// and inserts the region sorted by VStart. On any failure all partial
// work (mappings and frames) is reverted and no new mapping exists.
func (as *AddressSpace) MapRegion(vStart uint32, size uint64, flags PTFlags, rtype RegionType) (*Region, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	vStart = uint32(alignDown(uint64(vStart), PageSize))
	size = alignUp(size, PageSize)
	vEnd := vStart + uint32(size)

	if as.overlapsLocked(vStart, vEnd) {
		return nil, fmt.Errorf("vmm: %w: region [0x%x,0x%x) overlaps an existing region", ErrInvalidArgument, vStart, vEnd)
	}

	pages := size / PageSize
	physBase, err := as.pmm.AllocPages(pages)
	if err != nil {
		return nil, err
	}

	prevCR3 := as.mmu.GetCurrentCR3()
	if err := as.mmu.LoadCR3(as.Dir); err != nil {
		as.pmm.FreePages(physBase, pages)
		return nil, err
	}

	var mapped uint64
	for i := uint64(0); i < pages; i++ {
		virt := vStart + uint32(i*PageSize)
		phys := Frame(uint64(physBase) + i*PageSize)
		if err := as.mmu.MapPage(virt, phys, flags); err != nil {
			for j := uint64(0); j < mapped; j++ {
				as.mmu.UnmapPage(vStart + uint32(j*PageSize))
			}
			as.mmu.LoadCR3(prevCR3)
			as.pmm.FreePages(physBase, pages)
			return nil, err
		}
		mapped++
	}
	as.mmu.LoadCR3(prevCR3)

	r := &Region{VStart: vStart, VEnd: vEnd, Flags: flags, Type: rtype, PhysBase: physBase}
	as.insertLocked(r)
	return r, nil
}

// UnmapRegion removes the region starting at vStart covering size bytes,
// unmapping its pages and releasing its physical frames.
func (as *AddressSpace) UnmapRegion(vStart uint32, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	vStart = uint32(alignDown(uint64(vStart), PageSize))
	vEnd := vStart + uint32(alignUp(size, PageSize))

	var target *Region
	for _, r := range as.regions {
		if r.VStart == vStart && r.VEnd == vEnd {
			target = r
			break
		}
	}
	if target == nil {
		return fmt.Errorf("vmm: %w: no region at 0x%x", ErrNotFound, vStart)
	}

	prevCR3 := as.mmu.GetCurrentCR3()
	as.mmu.LoadCR3(as.Dir)
	pages := target.Size() / PageSize
	var frames []Frame
	for i := uint64(0); i < pages; i++ {
		virt := target.VStart + uint32(i*PageSize)
		if phys := as.mmu.VirtualToPhysical(virt); phys != 0 {
			frames = append(frames, phys)
		}
		as.mmu.UnmapPage(virt)
	}
	as.mmu.LoadCR3(prevCR3)

	for _, f := range frames {
		if err := as.pmm.FreePage(f); err != nil {
			return err
		}
	}
	as.removeLocked(target)
	return nil
}

// AllocateStack carves a user stack of size bytes ending just below
// UserStackTop and returns the region and an initial ESP strictly inside
// it (spec.md 3's invariant that VEnd always exceeds any ESP that
// executes in the region).
func (as *AddressSpace) AllocateStack(size uint64) (*Region, uint32, error) {
	size = alignUp(size, PageSize)
	vStart := UserStackTop - uint32(size)
	r, err := as.MapRegion(vStart, size, FlagPresent|FlagWritable|FlagUser, RegionStack)
	if err != nil {
		return nil, 0, err
	}
	initialESP := r.VEnd - 16
	return r, initialESP, nil
}

// AllocateHeap creates the fixed-placement heap region at UserHeapBase
// with an initial size, recording the break bookkeeping Brk uses.
func (as *AddressSpace) AllocateHeap(initial uint64) (*Region, error) {
	as.mu.Lock()
	if as.heapRegion != nil {
		as.mu.Unlock()
		return nil, fmt.Errorf("vmm: %w: heap already allocated", ErrState)
	}
	as.mu.Unlock()

	if initial == 0 {
		initial = PageSize
	}
	r, err := as.MapRegion(UserHeapBase, initial, FlagPresent|FlagWritable|FlagUser, RegionHeap)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	as.heapRegion = r
	as.heapStart = r.VStart
	as.heapCurrent = r.VEnd
	as.mu.Unlock()
	return r, nil
}

// Brk extends (or queries, or shrinks down to heapStart) the heap break.
// newAddr == 0 queries the current break without side effects, so
// Brk(Brk(0)) == Brk(0) holds.
func (as *AddressSpace) Brk(newAddr uint32) (uint32, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.heapRegion == nil {
		return 0, fmt.Errorf("vmm: %w: no heap allocated", ErrState)
	}
	if newAddr == 0 {
		return as.heapCurrent, nil
	}
	if newAddr < as.heapStart {
		return 0, fmt.Errorf("vmm: %w: brk below heap start", ErrInvalidArgument)
	}
	if newAddr <= as.heapCurrent {
		as.heapCurrent = newAddr
		return as.heapCurrent, nil
	}

	start := uint32(alignUp(uint64(as.heapCurrent), PageSize))
	end := uint32(alignUp(uint64(newAddr), PageSize))

	prevCR3 := as.mmu.GetCurrentCR3()
	as.mmu.LoadCR3(as.Dir)

	var mappedVirt []uint32
	for v := start; v < end; v += PageSize {
		phys, err := as.pmm.AllocPage()
		if err != nil {
			for _, mv := range mappedVirt {
				as.mmu.UnmapPage(mv)
			}
			as.mmu.LoadCR3(prevCR3)
			return 0, err
		}
		if err := as.mmu.MapPage(v, phys, FlagPresent|FlagWritable|FlagUser); err != nil {
			as.pmm.FreePage(phys)
			for _, mv := range mappedVirt {
				as.mmu.UnmapPage(mv)
			}
			as.mmu.LoadCR3(prevCR3)
			return 0, err
		}
		mappedVirt = append(mappedVirt, v)
	}
	as.mmu.LoadCR3(prevCR3)

	as.heapCurrent = newAddr
	as.heapRegion.VEnd = end
	return as.heapCurrent, nil
}

// FindRegion returns the region containing virtual address addr, or nil.
func (as *AddressSpace) FindRegion(addr uint32) *Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		if addr >= r.VStart && addr < r.VEnd {
			return r
		}
	}
	return nil
}

// Regions returns a snapshot of the address space's region list, sorted
// by VStart.
func (as *AddressSpace) Regions() []*Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]*Region, len(as.regions))
	copy(out, as.regions)
	return out
}

// DestroyAddressSpace frees every region's physical frames, releases the
// directory's privately-owned page tables, and frees the directory frame
// itself. The kernel's shared top-quarter entries are never touched.
func DestroyAddressSpace(as *AddressSpace) error {
	as.mu.Lock()
	prevCR3 := as.mmu.GetCurrentCR3()
	as.mmu.LoadCR3(as.Dir)
	for _, r := range as.regions {
		if r.Type == RegionGuard {
			continue
		}
		pages := r.Size() / PageSize
		for i := uint64(0); i < pages; i++ {
			// Free the frame each page actually maps: a heap grown by Brk
			// is backed page by page, not by one contiguous run.
			virt := r.VStart + uint32(i*PageSize)
			phys := as.mmu.VirtualToPhysical(virt)
			as.mmu.UnmapPage(virt)
			if phys == 0 {
				continue
			}
			if err := as.pmm.FreePage(phys); err != nil {
				as.mmu.LoadCR3(prevCR3)
				as.mu.Unlock()
				return err
			}
		}
	}
	as.mmu.LoadCR3(prevCR3)
	as.regions = nil
	dir := as.Dir
	as.mu.Unlock()

	if err := as.mmu.ReleaseDirectory(dir); err != nil {
		return err
	}
	return as.pmm.FreePage(dir)
}

// FaultInfo describes a decoded page-fault for the scheduler's user-task
// fault path.
type FaultInfo struct {
	Address uint32
	Write   bool
	Region  *Region
}

// ClassifyFault locates the region owning a faulting address and reports
// whether the access is permitted, distinguishing "no owning region" from
// "write to a read-only region" from "access to the null guard" -- the
// permission/protection error kinds from spec.md 7.
func (as *AddressSpace) ClassifyFault(addr uint32, write bool) (*FaultInfo, error) {
	r := as.FindRegion(addr)
	info := &FaultInfo{Address: addr, Write: write, Region: r}
	if r == nil {
		return info, fmt.Errorf("vmm: %w: fault at 0x%x has no owning region", ErrNotFound, addr)
	}
	if r.Type == RegionGuard {
		return info, fmt.Errorf("vmm: %w: access to null-guard page at 0x%x", ErrPermission, addr)
	}
	if write && r.Flags&FlagWritable == 0 {
		return info, fmt.Errorf("vmm: %w: write to read-only region at 0x%x", ErrPermission, addr)
	}
	if !write && r.Flags&FlagUser == 0 {
		return info, fmt.Errorf("vmm: %w: user access to kernel-only page at 0x%x", ErrPermission, addr)
	}
	return info, nil
}
