package kernel

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// noctx is used for the semaphore acquires below. The simulated command
// slots never actually block waiting on hardware, so there is no deadline
// or cancellation to thread through from a real caller.
var noctx = context.Background()

// SectorSize is the fixed logical sector size the block layer works in
// throughout (spec.md 4.5). 4Kn drives are out of scope.
const SectorSize = 512

// BlockDevice is the uniform surface every disk kind (PATA, SATA/AHCI,
// ATAPI, and the partition wrapper around any of them) presents to the
// VFS and to the MBR reader/writer.
type BlockDevice interface {
	ReadSectors(lba uint64, count int, buf []byte) error
	WriteSectors(lba uint64, count int, buf []byte) error
	Flush() error
	SectorCount() uint64
}

// DiskKind distinguishes the transport/protocol a Disk speaks, purely for
// logging and diagnostics; all kinds satisfy BlockDevice identically.
type DiskKind uint8

const (
	KindPATA DiskKind = iota
	KindSATA
	KindATAPI
)

func (k DiskKind) String() string {
	switch k {
	case KindPATA:
		return "pata"
	case KindSATA:
		return "sata"
	case KindATAPI:
		return "atapi"
	default:
		return "unknown"
	}
}

// pioRetryBudget bounds how many times a single PIO command is retried
// after an IRQ-reported error before the transfer is abandoned.
const pioRetryBudget = 3

// PATADisk simulates a PIO-driven PATA/IDE disk: each sector transfer is
// modeled as a synchronous read/write against an in-memory backing image
// with a bounded retry budget standing in for the real controller's
// IRQ-driven completion and occasional transient error.
type PATADisk struct {
	mu      sync.Mutex
	image   []byte
	Model   string
	failing bool // injected for tests: every command returns ErrIO until the retry budget is spent
	stuck   bool // injected for tests: controller never reports DRQ, spin-wait exceeded
}

// NewPATADisk creates a PIO PATA disk of the given sector count, zero
// filled.
func NewPATADisk(model string, sectors uint64) *PATADisk {
	return &PATADisk{image: make([]byte, sectors*SectorSize), Model: model}
}

func (d *PATADisk) SectorCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.image)) / SectorSize
}

func (d *PATADisk) boundsCheck(lba uint64, count int) error {
	total := uint64(len(d.image)) / SectorSize
	if count < 0 || lba+uint64(count) > total {
		return fmt.Errorf("pata: %w: lba %d count %d exceeds %d sectors", ErrLBAOutOfRange, lba, count, total)
	}
	return nil
}

// ReadSectors performs an LBA-28/48-style PIO read with up to
// pioRetryBudget attempts on a transient failure.
func (d *PATADisk) ReadSectors(lba uint64, count int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.boundsCheck(lba, count); err != nil {
		return err
	}
	if len(buf) < count*SectorSize {
		return fmt.Errorf("pata: %w: buffer too small for %d sectors", ErrInvalidArgument, count)
	}
	if d.stuck {
		return fmt.Errorf("pata: %w: DRQ spin-wait exceeded", ErrTimeout)
	}

	var err error
	for attempt := 0; attempt < pioRetryBudget; attempt++ {
		if d.failing {
			err = fmt.Errorf("pata: %w: controller reported error", ErrIO)
			continue
		}
		copy(buf, d.image[lba*SectorSize:lba*SectorSize+uint64(count*SectorSize)])
		return nil
	}
	return err
}

// WriteSectors performs a PIO write with the same retry discipline as
// ReadSectors.
func (d *PATADisk) WriteSectors(lba uint64, count int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.boundsCheck(lba, count); err != nil {
		return err
	}
	if len(buf) < count*SectorSize {
		return fmt.Errorf("pata: %w: buffer too small for %d sectors", ErrInvalidArgument, count)
	}
	if d.stuck {
		return fmt.Errorf("pata: %w: DRQ spin-wait exceeded", ErrTimeout)
	}

	var err error
	for attempt := 0; attempt < pioRetryBudget; attempt++ {
		if d.failing {
			err = fmt.Errorf("pata: %w: controller reported error", ErrIO)
			continue
		}
		copy(d.image[lba*SectorSize:lba*SectorSize+uint64(count*SectorSize)], buf)
		return nil
	}
	return err
}

func (d *PATADisk) Flush() error { return nil }

// maxInFlightCommands bounds how many AHCI command slots the controller
// simulation allows outstanding at once, standing in for the real 32-slot
// command list a SATA AHCI HBA exposes per port.
const maxInFlightCommands = 32

// SATADisk simulates an AHCI/SATA disk whose command-list DMA engine
// processes up to maxInFlightCommands transfers concurrently; the
// semaphore bounds concurrent simulated DMA completions the same way the
// real hardware's fixed command-slot count does.
type SATADisk struct {
	mu    sync.Mutex
	image []byte
	Model string

	inflight *semaphore.Weighted
}

// NewSATADisk creates an AHCI-style disk of the given sector count.
func NewSATADisk(model string, sectors uint64) *SATADisk {
	return &SATADisk{
		image:    make([]byte, sectors*SectorSize),
		Model:    model,
		inflight: semaphore.NewWeighted(maxInFlightCommands),
	}
}

func (d *SATADisk) SectorCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.image)) / SectorSize
}

func (d *SATADisk) boundsCheck(lba uint64, count int) error {
	total := uint64(len(d.image)) / SectorSize
	if count < 0 || lba+uint64(count) > total {
		return fmt.Errorf("sata: %w: lba %d count %d exceeds %d sectors", ErrLBAOutOfRange, lba, count, total)
	}
	return nil
}

// ReadSectors acquires one command slot for the duration of the transfer.
func (d *SATADisk) ReadSectors(lba uint64, count int, buf []byte) error {
	if err := d.inflight.Acquire(noctx, 1); err != nil {
		return fmt.Errorf("sata: %w: acquiring command slot: %v", ErrIO, err)
	}
	defer d.inflight.Release(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.boundsCheck(lba, count); err != nil {
		return err
	}
	if len(buf) < count*SectorSize {
		return fmt.Errorf("sata: %w: buffer too small for %d sectors", ErrInvalidArgument, count)
	}
	copy(buf, d.image[lba*SectorSize:lba*SectorSize+uint64(count*SectorSize)])
	return nil
}

// WriteSectors acquires one command slot for the duration of the transfer.
func (d *SATADisk) WriteSectors(lba uint64, count int, buf []byte) error {
	if err := d.inflight.Acquire(noctx, 1); err != nil {
		return fmt.Errorf("sata: %w: acquiring command slot: %v", ErrIO, err)
	}
	defer d.inflight.Release(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.boundsCheck(lba, count); err != nil {
		return err
	}
	if len(buf) < count*SectorSize {
		return fmt.Errorf("sata: %w: buffer too small for %d sectors", ErrInvalidArgument, count)
	}
	copy(d.image[lba*SectorSize:lba*SectorSize+uint64(count*SectorSize)], buf)
	return nil
}

func (d *SATADisk) Flush() error { return nil }

// PartitionDevice wraps a BlockDevice and translates LBAs relative to a
// partition's starting offset, rejecting any access that would cross the
// partition's own bounds with ErrLBAOutOfRange rather than silently
// reading/writing a sibling partition.
type PartitionDevice struct {
	Backing BlockDevice
	Start   uint64 // first LBA of the partition on the backing device
	Sectors uint64 // partition length in sectors
}

func (p *PartitionDevice) SectorCount() uint64 { return p.Sectors }

func (p *PartitionDevice) checkRange(lba uint64, count int) error {
	if count < 0 || lba+uint64(count) > p.Sectors {
		return fmt.Errorf("partition: %w: lba %d count %d exceeds %d sectors", ErrLBAOutOfRange, lba, count, p.Sectors)
	}
	return nil
}

func (p *PartitionDevice) ReadSectors(lba uint64, count int, buf []byte) error {
	if err := p.checkRange(lba, count); err != nil {
		return err
	}
	return p.Backing.ReadSectors(p.Start+lba, count, buf)
}

func (p *PartitionDevice) WriteSectors(lba uint64, count int, buf []byte) error {
	if err := p.checkRange(lba, count); err != nil {
		return err
	}
	return p.Backing.WriteSectors(p.Start+lba, count, buf)
}

func (p *PartitionDevice) Flush() error { return p.Backing.Flush() }
