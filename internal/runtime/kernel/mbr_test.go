package kernel

import (
	"errors"
	"testing"
)

func TestMBREncodeDecodeRoundTrip(t *testing.T) {
	m := &MBR{Signature: 0xCAFEBABE}
	if _, err := m.CreatePartition(0, 0x83, 2048, 0, 1<<20, false); err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}

	encoded := m.encode()
	if encoded[mbrSignatureOffset] != 0x55 || encoded[mbrSignatureOffset+1] != 0xAA {
		t.Fatal("missing 0x55AA boot signature in encoded MBR")
	}

	decoded, err := decodeMBR(encoded)
	if err != nil {
		t.Fatalf("decodeMBR: %v", err)
	}
	if decoded.Signature != m.Signature {
		t.Fatalf("signature = 0x%x, want 0x%x", decoded.Signature, m.Signature)
	}
	if decoded.Partitions[0].SectorCount != 2048 {
		t.Fatalf("sector count = %d, want 2048", decoded.Partitions[0].SectorCount)
	}
}

func TestDecodeMBRRejectsBadSignature(t *testing.T) {
	buf := make([]byte, SectorSize)
	if _, err := decodeMBR(buf); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing signature, got %v", err)
	}
}

func TestCreatePartitionAutoAlignsAndRejectsOverlap(t *testing.T) {
	m := &MBR{}
	slot, err := m.CreatePartition(0, 0x83, 4096, 0, 1<<20, false)
	if err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	if m.Partitions[slot].StartLBA%mbrAlignSectors != 0 {
		t.Fatalf("auto-assigned start LBA %d is not %d-aligned", m.Partitions[slot].StartLBA, mbrAlignSectors)
	}

	firstEnd := uint64(m.Partitions[slot].StartLBA) + uint64(m.Partitions[slot].SectorCount)
	if _, err := m.CreatePartition(1, 0x83, 4096, firstEnd-1, 1<<20, false); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected overlap rejection, got %v", err)
	}

	second, err := m.CreatePartition(1, 0x83, 4096, 0, 1<<20, false)
	if err != nil {
		t.Fatalf("second auto-aligned CreatePartition: %v", err)
	}
	if m.Partitions[second].StartLBA < uint32(firstEnd) {
		t.Fatalf("second partition start 0x%x should not precede first partition's end 0x%x", m.Partitions[second].StartLBA, firstEnd)
	}
}

func TestCreatePartitionRejectsOutOfOrderSlot(t *testing.T) {
	m := &MBR{}
	if _, err := m.CreatePartition(2, 0x83, 2048, 0, 1<<20, false); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument creating slot 2 on an empty table (would leave a gap), got %v", err)
	}
	if _, err := m.CreatePartition(0, 0x83, 2048, 0, 1<<20, false); err != nil {
		t.Fatalf("CreatePartition at the correct next slot: %v", err)
	}
	if _, err := m.CreatePartition(3, 0x83, 2048, 0, 1<<20, false); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument skipping slot 1, got %v", err)
	}
}

func TestCreatePartitionSlotsExhausted(t *testing.T) {
	m := &MBR{}
	for i := 0; i < mbrMaxPartitions; i++ {
		if _, err := m.CreatePartition(i, 0x83, 2048, 0, 1<<24, false); err != nil {
			t.Fatalf("CreatePartition %d: %v", i, err)
		}
	}
	if _, err := m.CreatePartition(0, 0x83, 2048, 0, 1<<24, false); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument once all slots used, got %v", err)
	}
}

func TestDeletePartition(t *testing.T) {
	m := &MBR{}
	slot, err := m.CreatePartition(0, 0x83, 2048, 0, 1<<20, false)
	if err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	if err := m.DeletePartition(slot); err != nil {
		t.Fatalf("DeletePartition: %v", err)
	}
	if !m.Partitions[slot].empty() {
		t.Fatal("expected partition entry to be cleared")
	}
	if err := m.DeletePartition(slot); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting an already-empty slot, got %v", err)
	}
}

func TestWriteMBRVerifiesReadback(t *testing.T) {
	disk := NewPATADisk("test-disk", 4096)
	m := &MBR{Signature: 0x1}
	if _, err := m.CreatePartition(0, 0x83, 2048, 0, disk.SectorCount(), false); err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	if err := WriteMBR(disk, m); err != nil {
		t.Fatalf("WriteMBR: %v", err)
	}

	readBack, err := ReadMBR(disk)
	if err != nil {
		t.Fatalf("ReadMBR: %v", err)
	}
	if readBack.Signature != m.Signature {
		t.Fatalf("round-tripped signature = 0x%x, want 0x%x", readBack.Signature, m.Signature)
	}
}

// TestCreatePartitionBootableReadsBackStatus0x80 reproduces spec.md's
// partition-creation scenario: a fresh 2,097,152-sector disk,
// create_partition(num=0, type=0x0C, start=0, count=1_000_000,
// bootable=true) auto-selects start=2048 and read-back shows status=0x80.
func TestCreatePartitionBootableReadsBackStatus0x80(t *testing.T) {
	const diskSectors = 2_097_152
	disk := NewPATADisk("test-disk", diskSectors)
	m := &MBR{}
	slot, err := m.CreatePartition(0, 0x0C, 1_000_000, 0, diskSectors, true)
	if err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	if slot != 0 {
		t.Fatalf("slot = %d, want 0", slot)
	}
	if m.Partitions[0].StartLBA != mbrAlignSectors {
		t.Fatalf("start LBA = %d, want %d", m.Partitions[0].StartLBA, mbrAlignSectors)
	}

	if err := WriteMBR(disk, m); err != nil {
		t.Fatalf("WriteMBR: %v", err)
	}
	readBack, err := ReadMBR(disk)
	if err != nil {
		t.Fatalf("ReadMBR: %v", err)
	}
	e := readBack.Partitions[0]
	if e.Status != 0x80 {
		t.Fatalf("status = 0x%x, want 0x80", e.Status)
	}
	if e.Type != 0x0C {
		t.Fatalf("type = 0x%x, want 0x0C", e.Type)
	}
	if e.StartLBA != mbrAlignSectors {
		t.Fatalf("start LBA = %d, want %d", e.StartLBA, mbrAlignSectors)
	}
	if e.SectorCount != 1_000_000 {
		t.Fatalf("sector count = %d, want 1,000,000", e.SectorCount)
	}
}
