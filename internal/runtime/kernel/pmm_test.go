package kernel

import (
	"errors"
	"testing"
)

func testBootInfo() *BootInfo {
	return &BootInfo{
		MemoryMap: []MemoryMapEntry{
			{Base: 0, Length: 0x100000, Type: MemReserved},
			{Base: 0x100000, Length: 4 * 1024 * 1024, Type: MemAvailable},
		},
	}
}

func TestInitPMM(t *testing.T) {
	pmm, err := InitPMM(testBootInfo(), 0, 0)
	if err != nil {
		t.Fatalf("InitPMM: %v", err)
	}
	total, free := pmm.Stats()
	if total == 0 {
		t.Fatal("expected non-zero total frames")
	}
	if free == 0 || free > total {
		t.Fatalf("free frames %d out of range for total %d", free, total)
	}
}

func TestInitPMMNoMemory(t *testing.T) {
	_, err := InitPMM(&BootInfo{}, 0, 0)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	pmm, err := InitPMM(testBootInfo(), 0, 0)
	if err != nil {
		t.Fatalf("InitPMM: %v", err)
	}

	_, free0 := pmm.Stats()

	f, err := pmm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if !f.Valid() {
		t.Fatalf("frame 0x%x is not page aligned", uint64(f))
	}
	if pmm.IsFree(f) {
		t.Fatal("frame should be reported allocated")
	}

	if err := pmm.FreePage(f); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	if !pmm.IsFree(f) {
		t.Fatal("frame should be reported free after FreePage")
	}

	_, free1 := pmm.Stats()
	if free0 != free1 {
		t.Fatalf("free frame count not restored: before=%d after=%d", free0, free1)
	}
}

func TestFreePageDoubleFreeIsIdempotent(t *testing.T) {
	pmm, err := InitPMM(testBootInfo(), 0, 0)
	if err != nil {
		t.Fatalf("InitPMM: %v", err)
	}
	f, err := pmm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if err := pmm.FreePage(f); err != nil {
		t.Fatalf("first FreePage: %v", err)
	}
	if err := pmm.FreePage(f); err != nil {
		t.Fatalf("second FreePage should be a no-op, got: %v", err)
	}
}

func TestAllocPagesContiguous(t *testing.T) {
	pmm, err := InitPMM(testBootInfo(), 0, 0)
	if err != nil {
		t.Fatalf("InitPMM: %v", err)
	}
	base, err := pmm.AllocPages(4)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		if pmm.IsFree(Frame(uint64(base) + i*PageSize)) {
			t.Fatalf("frame %d of run should be allocated", i)
		}
	}
	if err := pmm.FreePages(base, 4); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
}

func TestAllocPageExhaustion(t *testing.T) {
	// Three frames: InitPMM places the one-frame bitmap at the region's
	// tail, leaving exactly two allocatable frames.
	info := &BootInfo{MemoryMap: []MemoryMapEntry{
		{Base: 0x100000, Length: PageSize * 3, Type: MemAvailable},
	}}
	pmm, err := InitPMM(info, 0, 0)
	if err != nil {
		t.Fatalf("InitPMM: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := pmm.AllocPage(); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if _, err := pmm.AllocPage(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory once exhausted, got %v", err)
	}
}
