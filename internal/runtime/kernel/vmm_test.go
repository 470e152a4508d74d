package kernel

import (
	"errors"
	"testing"
)

func newTestAddressSpace(t *testing.T) (*AddressSpace, *MMU, *PhysicalMemoryManager) {
	t.Helper()
	mmu, pmm := newTestMMU(t)
	as, err := CreateAddressSpace(mmu, pmm)
	if err != nil {
		t.Fatalf("CreateAddressSpace: %v", err)
	}
	return as, mmu, pmm
}

func TestCreateAddressSpaceInstallsGuard(t *testing.T) {
	as, _, _ := newTestAddressSpace(t)
	r := as.FindRegion(0)
	if r == nil || r.Type != RegionGuard {
		t.Fatal("expected a guard region covering virtual address 0")
	}
}

func TestMapRegionRejectsOverlap(t *testing.T) {
	as, _, _ := newTestAddressSpace(t)
	if _, err := as.MapRegion(UserCodeBase, PageSize, FlagPresent|FlagUser, RegionCode); err != nil {
		t.Fatalf("first MapRegion: %v", err)
	}
	_, err := as.MapRegion(UserCodeBase, PageSize, FlagPresent|FlagUser, RegionCode)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument on overlap, got %v", err)
	}
}

func TestUnmapRegionFreesFrames(t *testing.T) {
	as, _, pmm := newTestAddressSpace(t)
	r, err := as.MapRegion(UserCodeBase, PageSize, FlagPresent|FlagUser, RegionCode)
	if err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	phys := r.PhysBase
	if err := as.UnmapRegion(UserCodeBase, PageSize); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}
	if !pmm.IsFree(phys) {
		t.Fatal("expected physical frame to be released")
	}
}

func TestBrkGrowAndQuery(t *testing.T) {
	as, _, _ := newTestAddressSpace(t)
	if _, err := as.AllocateHeap(PageSize); err != nil {
		t.Fatalf("AllocateHeap: %v", err)
	}

	cur, err := as.Brk(0)
	if err != nil {
		t.Fatalf("Brk query: %v", err)
	}
	if cur != UserHeapBase+PageSize {
		t.Fatalf("initial break = 0x%x, want 0x%x", cur, UserHeapBase+PageSize)
	}

	grown, err := as.Brk(cur + PageSize*2)
	if err != nil {
		t.Fatalf("Brk grow: %v", err)
	}

	again, err := as.Brk(0)
	if err != nil {
		t.Fatalf("Brk re-query: %v", err)
	}
	if again != grown {
		t.Fatalf("Brk(Brk(0)) = 0x%x, want 0x%x", again, grown)
	}
}

func TestAllocateStackGivesUsableESP(t *testing.T) {
	as, _, _ := newTestAddressSpace(t)
	r, esp, err := as.AllocateStack(16 * 1024)
	if err != nil {
		t.Fatalf("AllocateStack: %v", err)
	}
	if esp <= r.VStart || esp >= r.VEnd {
		t.Fatalf("initial ESP 0x%x not inside stack region [0x%x,0x%x)", esp, r.VStart, r.VEnd)
	}
}

func TestClassifyFaultKinds(t *testing.T) {
	as, _, _ := newTestAddressSpace(t)

	if _, err := as.ClassifyFault(0, false); !errors.Is(err, ErrPermission) {
		t.Fatalf("null-guard fault: expected ErrPermission, got %v", err)
	}

	if _, err := as.ClassifyFault(0xDEAD0000, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unmapped address: expected ErrNotFound, got %v", err)
	}

	r, err := as.MapRegion(UserCodeBase, PageSize, FlagPresent|FlagUser, RegionCode)
	if err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if _, err := as.ClassifyFault(r.VStart, true); !errors.Is(err, ErrPermission) {
		t.Fatalf("write to read-only region: expected ErrPermission, got %v", err)
	}
}

func TestDestroyAddressSpaceReleasesDirectory(t *testing.T) {
	as, mmu, pmm := newTestAddressSpace(t)
	if _, err := as.MapRegion(UserCodeBase, PageSize, FlagPresent|FlagWritable|FlagUser, RegionCode); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	dir := as.Dir
	_, freeBefore := pmm.Stats()

	if err := DestroyAddressSpace(as); err != nil {
		t.Fatalf("DestroyAddressSpace: %v", err)
	}

	_, freeAfter := pmm.Stats()
	if freeAfter <= freeBefore {
		t.Fatalf("expected frames to be released: before=%d after=%d", freeBefore, freeAfter)
	}
	if err := mmu.LoadCR3(dir); err == nil {
		t.Fatal("expected destroyed directory to be unregistered")
	}
}
