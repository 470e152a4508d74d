package kernel

import (
	"encoding/binary"
	"fmt"
)

// MBR layout constants (spec.md 4.5): 512 bytes total, 440 bytes of boot
// code, a 4-byte disk signature, 2 reserved bytes, four 16-byte partition
// entries, and the 0x55AA boot signature at the very end.
const (
	mbrBootCodeLen     = 440
	mbrSignatureOffset = 510
	mbrPartitionOffset = 446
	mbrPartitionLen    = 16
	mbrMaxPartitions   = 4
	mbrBootSignature   = 0xAA55 // stored little-endian as bytes 0x55, 0xAA
)

// mbrAlignSectors is the start-LBA alignment create_partition rounds up
// to when the caller does not specify an explicit start (2048 sectors,
// i.e. 1 MiB at 512-byte sectors, the conventional modern alignment).
const mbrAlignSectors = 2048

// PartitionEntry is one of the MBR's four fixed-size partition records.
type PartitionEntry struct {
	Status       uint8 // 0x80 = bootable, 0x00 = not
	FirstCHS     [3]byte
	Type         uint8
	LastCHS      [3]byte
	StartLBA     uint32
	SectorCount  uint32
}

func (e PartitionEntry) empty() bool { return e.Type == 0 && e.SectorCount == 0 }

// MBR is a decoded master boot record.
type MBR struct {
	BootCode   [mbrBootCodeLen]byte
	Signature  uint32
	Partitions [mbrMaxPartitions]PartitionEntry
}

// ReadMBR reads sector 0 of dev and decodes it, rejecting anything whose
// trailing two bytes are not the 0x55AA boot signature.
func ReadMBR(dev BlockDevice) (*MBR, error) {
	buf := make([]byte, SectorSize)
	if err := dev.ReadSectors(0, 1, buf); err != nil {
		return nil, fmt.Errorf("mbr: reading sector 0: %w", err)
	}
	return decodeMBR(buf)
}

func decodeMBR(buf []byte) (*MBR, error) {
	if len(buf) < SectorSize {
		return nil, fmt.Errorf("mbr: %w: short sector buffer", ErrInvalidArgument)
	}
	if buf[mbrSignatureOffset] != 0x55 || buf[mbrSignatureOffset+1] != 0xAA {
		return nil, fmt.Errorf("mbr: %w: missing 0x55AA boot signature", ErrInvalidArgument)
	}

	m := &MBR{}
	copy(m.BootCode[:], buf[:mbrBootCodeLen])
	m.Signature = binary.LittleEndian.Uint32(buf[440:444])

	for i := 0; i < mbrMaxPartitions; i++ {
		off := mbrPartitionOffset + i*mbrPartitionLen
		e := PartitionEntry{}
		e.Status = buf[off]
		copy(e.FirstCHS[:], buf[off+1:off+4])
		e.Type = buf[off+4]
		copy(e.LastCHS[:], buf[off+5:off+8])
		e.StartLBA = binary.LittleEndian.Uint32(buf[off+8 : off+12])
		e.SectorCount = binary.LittleEndian.Uint32(buf[off+12 : off+16])
		m.Partitions[i] = e
	}
	return m, nil
}

func (m *MBR) encode() []byte {
	buf := make([]byte, SectorSize)
	copy(buf[:mbrBootCodeLen], m.BootCode[:])
	binary.LittleEndian.PutUint32(buf[440:444], m.Signature)

	for i, e := range m.Partitions {
		off := mbrPartitionOffset + i*mbrPartitionLen
		buf[off] = e.Status
		copy(buf[off+1:off+4], e.FirstCHS[:])
		buf[off+4] = e.Type
		copy(buf[off+5:off+8], e.LastCHS[:])
		binary.LittleEndian.PutUint32(buf[off+8:off+12], e.StartLBA)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], e.SectorCount)
	}
	buf[mbrSignatureOffset] = 0x55
	buf[mbrSignatureOffset+1] = 0xAA
	return buf
}

// writeRetryBudget is how many times WriteMBR retries a failed
// write-then-verify round before giving up.
const writeRetryBudget = 3

// WriteMBR encodes m and writes it to sector 0, reading the sector back
// to verify the write landed before returning. It retries the full
// write+verify cycle up to writeRetryBudget times on mismatch.
func WriteMBR(dev BlockDevice, m *MBR) error {
	encoded := m.encode()
	var lastErr error
	for attempt := 0; attempt < writeRetryBudget; attempt++ {
		if err := dev.WriteSectors(0, 1, encoded); err != nil {
			lastErr = err
			continue
		}
		readback := make([]byte, SectorSize)
		if err := dev.ReadSectors(0, 1, readback); err != nil {
			lastErr = err
			continue
		}
		if string(readback) == string(encoded) {
			return nil
		}
		lastErr = fmt.Errorf("mbr: %w: write verification mismatch", ErrIO)
	}
	return lastErr
}

func overlaps(aStart, aLen, bStart, bLen uint64) bool {
	aEnd := aStart + aLen
	bEnd := bStart + bLen
	return aStart < bEnd && bStart < aEnd
}

// CreatePartition adds a new entry to m at slot num, which spec.md 4.5's
// "in-order creation (no gaps in the entry array)" rule requires to be the
// first empty slot -- num is taken explicitly from the caller rather than
// inferred so a caller's intended slot is validated, not silently
// redirected. When startLBA is zero the start is chosen automatically: the
// first mbrAlignSectors-aligned LBA at or after the end of the last
// existing partition. bootable sets the entry's Status to 0x80 (0x00
// otherwise). The new partition must not overlap any existing one and must
// fit within diskSectors.
func (m *MBR) CreatePartition(num int, partType uint8, sectors uint64, startLBA uint64, diskSectors uint64, bootable bool) (int, error) {
	if num < 0 || num >= mbrMaxPartitions {
		return -1, fmt.Errorf("mbr: %w: slot %d out of range", ErrInvalidArgument, num)
	}
	firstEmpty := -1
	for i, e := range m.Partitions {
		if e.empty() {
			firstEmpty = i
			break
		}
	}
	if firstEmpty == -1 {
		return -1, fmt.Errorf("mbr: %w: all %d partition slots are in use", ErrInvalidArgument, mbrMaxPartitions)
	}
	if num != firstEmpty {
		return -1, fmt.Errorf("mbr: %w: slot %d would leave a gap, next free slot is %d", ErrInvalidArgument, num, firstEmpty)
	}
	slot := num

	if startLBA == 0 {
		var end uint64
		for _, e := range m.Partitions {
			if e.empty() {
				continue
			}
			if e := uint64(e.StartLBA) + uint64(e.SectorCount); e > end {
				end = e
			}
		}
		if end == 0 {
			end = mbrAlignSectors
		}
		startLBA = alignUp(end, mbrAlignSectors)
	}

	if startLBA+sectors > diskSectors {
		return -1, fmt.Errorf("mbr: %w: partition [%d,%d) exceeds disk of %d sectors", ErrInvalidArgument, startLBA, startLBA+sectors, diskSectors)
	}
	for _, e := range m.Partitions {
		if e.empty() {
			continue
		}
		if overlaps(startLBA, sectors, uint64(e.StartLBA), uint64(e.SectorCount)) {
			return -1, fmt.Errorf("mbr: %w: overlaps existing partition starting at LBA %d", ErrInvalidArgument, e.StartLBA)
		}
	}

	var status uint8
	if bootable {
		status = 0x80
	}
	m.Partitions[slot] = PartitionEntry{
		Status:      status,
		Type:        partType,
		StartLBA:    uint32(startLBA),
		SectorCount: uint32(sectors),
	}
	return slot, nil
}

// DeletePartition clears the entry at slot.
func (m *MBR) DeletePartition(slot int) error {
	if slot < 0 || slot >= mbrMaxPartitions {
		return fmt.Errorf("mbr: %w: slot %d out of range", ErrInvalidArgument, slot)
	}
	if m.Partitions[slot].empty() {
		return fmt.Errorf("mbr: %w: slot %d is already empty", ErrNotFound, slot)
	}
	m.Partitions[slot] = PartitionEntry{}
	return nil
}
