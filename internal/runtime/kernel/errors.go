// Package kernel implements the Kestrel kernel core: physical and virtual
// memory management, the task scheduler, and the VFS/block-I/O stack.
package kernel

import "errors"

// Error kinds surfaced by the core. Every leaf operation returns one of
// these (wrapped with fmt.Errorf's %w where extra context helps); callers
// that need to branch on the kind use errors.Is.
var (
	// ErrOutOfMemory is returned when the PMM or VMM cannot satisfy a frame
	// or region request.
	ErrOutOfMemory = errors.New("kernel: out of memory")

	// ErrTaskTableFull is returned when the scheduler has reached its task
	// capacity.
	ErrTaskTableFull = errors.New("kernel: task table full")

	// ErrInvalidArgument covers misaligned pointers, overlapping partitions
	// and overlapping VMM regions. Out-of-range LBAs use ErrLBAOutOfRange.
	ErrInvalidArgument = errors.New("kernel: invalid argument")

	// ErrNotFound covers an absent VFS path component, an absent mount
	// point, or an unregistered filesystem type.
	ErrNotFound = errors.New("kernel: not found")

	// ErrNotSupported covers a missing node-operations vtable entry or an
	// ATAPI command issued against a non-ATAPI drive.
	ErrNotSupported = errors.New("kernel: not supported")

	// ErrIO covers an ATA/ATAPI-reported error status or an MBR
	// read-back mismatch after the retry budget is exhausted.
	ErrIO = errors.New("kernel: I/O error")

	// ErrTimeout covers an exhausted BSY/DRQ spin-wait.
	ErrTimeout = errors.New("kernel: timeout")

	// ErrState covers a task already exited, a device that was never
	// initialized, or removable media that is not present.
	ErrState = errors.New("kernel: invalid state")

	// ErrPermission covers a page fault against a read-only region or a
	// user-mode access to a kernel-only page.
	ErrPermission = errors.New("kernel: permission denied")

	// ErrNotDirectory is returned when a non-leaf path component resolves
	// to a node that is not a directory.
	ErrNotDirectory = errors.New("kernel: not a directory")

	// ErrReadOnlyFS is returned by a write-path VFS operation against a
	// superblock mounted read-only.
	ErrReadOnlyFS = errors.New("kernel: read-only filesystem")

	// ErrLBAOutOfRange is returned by the block dispatcher (and, in
	// particular, by a partition wrapper) when a request falls outside
	// the addressable sector range.
	ErrLBAOutOfRange = errors.New("kernel: LBA out of range")

	// ErrAlreadyMounted is returned when a mount is attempted at a point
	// that already has a superblock mounted on it.
	ErrAlreadyMounted = errors.New("kernel: already mounted")
)
