// Package hostdisk backs the kernel core's BlockDevice interface with a
// real host file, so a disk image on the developer's machine stands in
// for a physical PATA/SATA/ATAPI drive, and a watched directory's
// create/remove events stand in for a removable drive's media being
// inserted or ejected.
package hostdisk

import (
	"fmt"
	"os"
	"sync"

	"github.com/kestrel-os/kestrel/internal/runtime/kernel"
)

// FileDisk is a kernel.BlockDevice backed by a single host file, one
// sector per kernel.SectorSize bytes. It locks the file for the lifetime
// of the FileDisk so two kernel instances never treat the same image as
// two independent disks.
type FileDisk struct {
	mu      sync.Mutex
	f       *os.File
	sectors uint64
}

// OpenFileDisk opens (or creates, if create is set) path as a disk image
// of sectors sectors. A shorter file is extended to sectors*kernel.SectorSize
// bytes; a longer file is left as is and only its first sectors sectors are
// addressable.
func OpenFileDisk(path string, sectors uint64, create bool) (*FileDisk, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hostdisk: opening %s: %w", path, err)
	}

	size := int64(sectors * kernel.SectorSize)
	if fi, err := f.Stat(); err == nil && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("hostdisk: sizing %s to %d bytes: %w", path, size, err)
		}
	}

	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostdisk: locking %s: %w", path, err)
	}

	return &FileDisk{f: f, sectors: sectors}, nil
}

func (d *FileDisk) SectorCount() uint64 {
	return d.sectors
}

func (d *FileDisk) boundsCheck(lba uint64, count int) error {
	if count < 0 || lba+uint64(count) > d.sectors {
		return fmt.Errorf("hostdisk: %w: lba %d count %d exceeds %d sectors", kernel.ErrLBAOutOfRange, lba, count, d.sectors)
	}
	return nil
}

// ReadSectors reads count sectors starting at lba into buf.
func (d *FileDisk) ReadSectors(lba uint64, count int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.boundsCheck(lba, count); err != nil {
		return err
	}
	want := count * kernel.SectorSize
	if len(buf) < want {
		return fmt.Errorf("hostdisk: %w: buffer too small for %d sectors", kernel.ErrInvalidArgument, count)
	}
	n, err := pread(d.f, buf[:want], int64(lba*kernel.SectorSize))
	if err != nil {
		return fmt.Errorf("hostdisk: %w: %v", kernel.ErrIO, err)
	}
	if n != want {
		return fmt.Errorf("hostdisk: %w: short read (%d of %d bytes)", kernel.ErrIO, n, want)
	}
	return nil
}

// WriteSectors writes count sectors from buf starting at lba.
func (d *FileDisk) WriteSectors(lba uint64, count int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.boundsCheck(lba, count); err != nil {
		return err
	}
	want := count * kernel.SectorSize
	if len(buf) < want {
		return fmt.Errorf("hostdisk: %w: buffer too small for %d sectors", kernel.ErrInvalidArgument, count)
	}
	n, err := pwrite(d.f, buf[:want], int64(lba*kernel.SectorSize))
	if err != nil {
		return fmt.Errorf("hostdisk: %w: %v", kernel.ErrIO, err)
	}
	if n != want {
		return fmt.Errorf("hostdisk: %w: short write (%d of %d bytes)", kernel.ErrIO, n, want)
	}
	return nil
}

// Flush syncs the backing file to stable storage.
func (d *FileDisk) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// Close unlocks and closes the backing file.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	unlockFile(d.f)
	return d.f.Close()
}
