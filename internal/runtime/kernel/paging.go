package kernel

import (
	"fmt"
	"sync"
)

// PTFlags are the presence/protection/cache bits carried by a page-table
// entry. They mirror the real x86 PTE layout closely enough to reason
// about, without claiming bit-for-bit hardware compatibility (this is a
// hosted simulation, not a bare-metal page-table walker).
type PTFlags uint32

const (
	FlagPresent PTFlags = 1 << iota
	FlagWritable
	FlagUser
	FlagWriteThrough
	FlagNoCache
	FlagAccessed
	FlagDirty
)

// entriesPerTable matches the 1024 32-bit entries of a real x86 page
// directory/page table (4-byte entries, 4 KiB table).
const entriesPerTable = 1024

// pdShift/ptShift/pageShift split a 32-bit virtual address into directory
// index, table index and in-page offset.
const (
	pageShift = 12
	ptShift   = 12
	pdShift   = 22
)

// KernelBase is the virtual address at which the higher half begins; the
// top quarter of the 4 GiB address space (entries 768..1023 of the
// directory) is the shared kernel range every address space mirrors.
const KernelBase uint32 = 0xC0000000

const kernelDirStartIndex = 768 // KernelBase >> pdShift

type pageDirectory struct {
	entries [entriesPerTable]uint32 // (table frame &^ 0xFFF) | flags, 0 = not present
}

type pageTable struct {
	entries [entriesPerTable]uint32 // (data frame &^ 0xFFF) | flags, 0 = not present
}

type mmuCacheEntry struct {
	phys   Frame
	length uint64
	virt   uint32
	valid  bool
}

// MMU owns every page directory and page table in the system and performs
// map/unmap/translate against whichever directory is currently active
// (named by CR3), exactly as real hardware's page-table walker is always
// relative to the loaded CR3 (spec.md 4.2).
type MMU struct {
	mu sync.Mutex

	pmm *PhysicalMemoryManager

	directories map[Frame]*pageDirectory
	tables      map[Frame]*pageTable

	kernelDir  Frame
	currentCR3 Frame

	cache    [8]mmuCacheEntry
	cacheLRU int
}

// NewMMU allocates the boot-time kernel directory and returns a gateway
// with it loaded as the active directory.
func NewMMU(pmm *PhysicalMemoryManager) (*MMU, error) {
	m := &MMU{
		pmm:         pmm,
		directories: make(map[Frame]*pageDirectory),
		tables:      make(map[Frame]*pageTable),
	}

	dirFrame, err := pmm.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("mmu: allocating kernel directory: %w", err)
	}
	m.directories[dirFrame] = &pageDirectory{}
	m.kernelDir = dirFrame
	m.currentCR3 = dirFrame

	return m, nil
}

func splitVirt(virt uint32) (pdIndex, ptIndex uint32) {
	pdIndex = (virt >> pdShift) & (entriesPerTable - 1)
	ptIndex = (virt >> ptShift) & (entriesPerTable - 1)
	return
}

// ensureTable returns the page table backing pdIndex in dirFrame,
// allocating and linking a fresh one on first touch.
func (m *MMU) ensureTable(dirFrame Frame, pdIndex uint32, userAccessible bool) (*pageTable, error) {
	dir, ok := m.directories[dirFrame]
	if !ok {
		return nil, fmt.Errorf("mmu: %w: directory 0x%x not registered", ErrInvalidArgument, uint64(dirFrame))
	}

	entry := dir.entries[pdIndex]
	if entry&uint32(FlagPresent) != 0 {
		tableFrame := Frame(entry &^ 0xFFF)
		pt, ok := m.tables[tableFrame]
		if !ok {
			return nil, fmt.Errorf("mmu: %w: dangling page-table frame 0x%x", ErrState, uint64(tableFrame))
		}
		return pt, nil
	}

	tableFrame, err := m.pmm.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("mmu: allocating page table: %w", err)
	}
	pt := &pageTable{}
	m.tables[tableFrame] = pt

	flags := uint32(FlagPresent | FlagWritable)
	if userAccessible {
		flags |= uint32(FlagUser)
	}
	dir.entries[pdIndex] = uint32(tableFrame) | flags

	return pt, nil
}

// MapPage installs virt -> phys in the currently active directory,
// allocating the owning page table on demand, and flushes the TLB entry.
func (m *MMU) MapPage(virt uint32, phys Frame, flags PTFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pdIndex, ptIndex := splitVirt(virt)
	pt, err := m.ensureTable(m.currentCR3, pdIndex, flags&FlagUser != 0)
	if err != nil {
		return err
	}

	pt.entries[ptIndex] = uint32(phys) | uint32(flags|FlagPresent)
	m.invalidateTLB(virt)
	return nil
}

// UnmapPage clears virt's PTE in the active directory and flushes the TLB.
func (m *MMU) UnmapPage(virt uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pdIndex, ptIndex := splitVirt(virt)
	dir := m.directories[m.currentCR3]
	entry := dir.entries[pdIndex]
	if entry&uint32(FlagPresent) == 0 {
		return nil
	}
	pt := m.tables[Frame(entry&^0xFFF)]
	pt.entries[ptIndex] = 0
	m.invalidateTLB(virt)
	return nil
}

// IsMapped checks PDE presence then PTE presence for virt in the active
// directory.
func (m *MMU) IsMapped(virt uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isMappedLocked(m.currentCR3, virt)
}

func (m *MMU) isMappedLocked(dirFrame Frame, virt uint32) bool {
	dir, ok := m.directories[dirFrame]
	if !ok {
		return false
	}
	pdIndex, ptIndex := splitVirt(virt)
	entry := dir.entries[pdIndex]
	if entry&uint32(FlagPresent) == 0 {
		return false
	}
	pt, ok := m.tables[Frame(entry&^0xFFF)]
	if !ok {
		return false
	}
	return pt.entries[ptIndex]&uint32(FlagPresent) != 0
}

// VirtualToPhysical walks the active directory's tables and returns the
// mapped physical address, or zero when virt is unmapped.
func (m *MMU) VirtualToPhysical(virt uint32) Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.translateLocked(m.currentCR3, virt)
}

func (m *MMU) translateLocked(dirFrame Frame, virt uint32) Frame {
	dir, ok := m.directories[dirFrame]
	if !ok {
		return 0
	}
	pdIndex, ptIndex := splitVirt(virt)
	entry := dir.entries[pdIndex]
	if entry&uint32(FlagPresent) == 0 {
		return 0
	}
	pt, ok := m.tables[Frame(entry&^0xFFF)]
	if !ok {
		return 0
	}
	pte := pt.entries[ptIndex]
	if pte&uint32(FlagPresent) == 0 {
		return 0
	}
	offset := uint32(virt) & 0xFFF
	return Frame((pte &^ 0xFFF) + offset)
}

// SetFlags rewrites virt's PTE flags while preserving the mapped physical
// base.
func (m *MMU) SetFlags(virt uint32, flags PTFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.directories[m.currentCR3]
	pdIndex, ptIndex := splitVirt(virt)
	entry := dir.entries[pdIndex]
	if entry&uint32(FlagPresent) == 0 {
		return fmt.Errorf("mmu: %w: 0x%x is not mapped", ErrNotFound, virt)
	}
	pt := m.tables[Frame(entry&^0xFFF)]
	base := pt.entries[ptIndex] &^ 0xFFF
	pt.entries[ptIndex] = base | uint32(flags|FlagPresent)
	m.invalidateTLB(virt)
	return nil
}

// SetUser ORs the user-accessible bit into virt's existing PTE flags.
func (m *MMU) SetUser(virt uint32) error {
	m.mu.Lock()
	pdIndex, ptIndex := splitVirt(virt)
	dir, ok := m.directories[m.currentCR3]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mmu: %w: no active directory", ErrState)
	}
	entry := dir.entries[pdIndex]
	if entry&uint32(FlagPresent) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("mmu: %w: 0x%x is not mapped", ErrNotFound, virt)
	}
	pt := m.tables[Frame(entry&^0xFFF)]
	pt.entries[ptIndex] |= uint32(FlagUser)
	m.invalidateTLB(virt)
	m.mu.Unlock()
	return nil
}

// PTEFlags returns virt's page-table entry flags in the active directory
// and whether it is present at all.
func (m *MMU) PTEFlags(virt uint32) (PTFlags, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.directories[m.currentCR3]
	if !ok {
		return 0, false
	}
	pdIndex, ptIndex := splitVirt(virt)
	entry := dir.entries[pdIndex]
	if entry&uint32(FlagPresent) == 0 {
		return 0, false
	}
	pt, ok := m.tables[Frame(entry&^0xFFF)]
	if !ok {
		return 0, false
	}
	pte := pt.entries[ptIndex]
	if pte&uint32(FlagPresent) == 0 {
		return 0, false
	}
	return PTFlags(pte & 0xFFF), true
}

// invalidateTLB is a no-op hook standing in for `invlpg`; the hosted
// simulation has no TLB, but every caller that would need to issue one on
// real hardware calls through here so the instrumentation point exists.
func (m *MMU) invalidateTLB(virt uint32) {
	_ = virt
}

// LoadCR3 switches the active page directory.
func (m *MMU) LoadCR3(dir Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.directories[dir]; !ok {
		return fmt.Errorf("mmu: %w: directory 0x%x not registered", ErrInvalidArgument, uint64(dir))
	}
	m.currentCR3 = dir
	return nil
}

// GetCurrentCR3 returns the active page directory's frame.
func (m *MMU) GetCurrentCR3() Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentCR3
}

// KernelDirectory returns the boot-time kernel directory frame.
func (m *MMU) KernelDirectory() Frame {
	return m.kernelDir
}

// AllocDirectory creates a fresh page directory whose top-quarter entries
// mirror the kernel directory's (spec.md 3's shared-by-reference kernel
// range); every entry below KernelBase starts empty, so virtual 0 is
// unmapped. The null-guard region itself is recorded by CreateAddressSpace.
func (m *MMU) AllocDirectory() (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dirFrame, err := m.pmm.AllocPage()
	if err != nil {
		return 0, fmt.Errorf("mmu: allocating page directory: %w", err)
	}
	dir := &pageDirectory{}
	kernelDir := m.directories[m.kernelDir]
	copy(dir.entries[kernelDirStartIndex:], kernelDir.entries[kernelDirStartIndex:])
	m.directories[dirFrame] = dir
	return dirFrame, nil
}

// ReleaseDirectory frees every page-table frame owned exclusively by dir
// (the bottom three-quarters, i.e. everything below KernelBase) and drops
// the directory from the registry. It never touches the shared kernel
// entries or their tables, which belong to the kernel directory.
func (m *MMU) ReleaseDirectory(dir Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pd, ok := m.directories[dir]
	if !ok {
		return fmt.Errorf("mmu: %w: directory 0x%x not registered", ErrInvalidArgument, uint64(dir))
	}

	for i := 0; i < kernelDirStartIndex; i++ {
		entry := pd.entries[i]
		if entry&uint32(FlagPresent) == 0 {
			continue
		}
		tableFrame := Frame(entry &^ 0xFFF)
		delete(m.tables, tableFrame)
		if err := m.pmm.FreePage(tableFrame); err != nil {
			return err
		}
	}

	delete(m.directories, dir)
	return nil
}

// EnsurePhysicalAccessible guarantees a virtual window covering
// [phys, phys+len) exists, mapping it into the higher half on demand. An
// 8-slot cache memoizes recent translations for MMIO-heavy callers (ACPI,
// device drivers); a cached entry is re-validated by walking the page
// tables before reuse and discarded if it no longer matches.
func (m *MMU) EnsurePhysicalAccessible(phys Frame, length uint64) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.cache {
		c := &m.cache[i]
		if !c.valid || phys < c.phys || uint64(phys)+length > uint64(c.phys)+c.length {
			continue
		}
		if m.translateLocked(m.currentCR3, c.virt) != c.phys {
			c.valid = false
			continue
		}
		return c.virt + uint32(uint64(phys)-uint64(c.phys)), nil
	}

	base := uint64(phys) &^ (PageSize - 1)
	end := alignUp(uint64(phys)+length, PageSize)
	virtBase := KernelBase + uint32(base)

	for addr := base; addr < end; addr += PageSize {
		virt := KernelBase + uint32(addr)
		if m.isMappedLocked(m.currentCR3, virt) {
			continue
		}
		pdIndex, _ := splitVirt(virt)
		pt, err := m.ensureTable(m.currentCR3, pdIndex, false)
		if err != nil {
			return 0, err
		}
		_, ptIndex := splitVirt(virt)
		pt.entries[ptIndex] = uint32(addr) | uint32(FlagPresent|FlagWritable)
	}

	slot := m.cacheLRU % len(m.cache)
	m.cacheLRU++
	m.cache[slot] = mmuCacheEntry{phys: Frame(base), length: end - base, virt: virtBase, valid: true}

	return virtBase + uint32(uint64(phys)-base), nil
}
