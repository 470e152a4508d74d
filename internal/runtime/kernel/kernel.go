// Package kernel implements the core of a 32-bit x86 kernel: a physical
// frame allocator, a paging/MMU gateway, a virtual memory manager, a
// preemptive task scheduler, and a VFS with pluggable filesystem and block
// device drivers. It is hosted: physical memory, page tables and device
// registers are modeled as Go data structures rather than driven against
// real hardware, but every data model and operation follows the same
// contract a bare-metal build of this core would expose.
package kernel

import (
	"fmt"
	"log/slog"
)

// KernelConfig controls the boot-time sizing of every core subsystem. A nil
// config passed to InitializeKernel is replaced by DefaultKernelConfig();
// the fields of a non-nil config are used as given, zero values included.
type KernelConfig struct {
	// KernelHeapBase/KernelHeapSize carve out the kernel's own heap range
	// from the boot memory map before the PMM starts handing out frames.
	KernelHeapBase uint64
	KernelHeapSize uint64

	// DefaultUserStackSize/DefaultUserHeapSize record suggested sizes for a
	// user task's initial stack and heap. No core function reads them:
	// CreateUserTask and AllocateHeap take their sizes as arguments.
	DefaultUserStackSize uint64
	DefaultUserHeapSize  uint64

	LogLevel slog.Level
}

// DefaultKernelConfig returns the configuration used when InitializeKernel
// is called with nil.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		KernelHeapBase:       16 * 1024 * 1024,
		KernelHeapSize:       16 * 1024 * 1024,
		DefaultUserStackSize: 64 * 1024,
		DefaultUserHeapSize:  64 * 1024,
		LogLevel:             slog.LevelInfo,
	}
}

// Kernel bundles every core subsystem's singleton after a successful boot.
// It exists mainly so cmd/kestrel and tests have one value to carry around
// instead of reaching for the package-level Global* variables individually.
type Kernel struct {
	Config    *KernelConfig
	PMM       *PhysicalMemoryManager
	MMU       *MMU
	Scheduler *Scheduler
	VFS       *VFS
}

// InitializeKernel runs the boot sequence: physical memory manager, paging
// gateway, scheduler, then the VFS with its ramfs driver mounted at root.
// Each step is logged; a failure at any step aborts the boot and returns
// the wrapped error, leaving no Global* variable assigned past the failed
// step.
func InitializeKernel(info *BootInfo, config *KernelConfig) (*Kernel, error) {
	if config == nil {
		config = DefaultKernelConfig()
	}
	SetLogLevel(config.LogLevel)

	Log.Info("kernel boot starting")

	pmm, err := InitPMM(info, config.KernelHeapBase, config.KernelHeapSize)
	if err != nil {
		return nil, fmt.Errorf("kernel: initializing PMM: %w", err)
	}
	GlobalPMM = pmm

	mmu, err := NewMMU(pmm)
	if err != nil {
		return nil, fmt.Errorf("kernel: initializing MMU: %w", err)
	}

	sched, err := InitScheduler(mmu, pmm)
	if err != nil {
		return nil, fmt.Errorf("kernel: initializing scheduler: %w", err)
	}
	GlobalScheduler = sched

	vfs, err := InitVFS()
	if err != nil {
		return nil, fmt.Errorf("kernel: initializing VFS: %w", err)
	}
	if err := vfs.Mount("/", "ramfs", nil, false); err != nil {
		return nil, fmt.Errorf("kernel: mounting root: %w", err)
	}
	GlobalVFS = vfs

	total, free := pmm.Stats()
	Log.Info("kernel boot complete", "total_frames", total, "free_frames", free)

	return &Kernel{Config: config, PMM: pmm, MMU: mmu, Scheduler: sched, VFS: vfs}, nil
}

// Status is a snapshot of the running kernel's subsystem counters, used by
// diagnostics and by tests asserting on boot side effects.
type Status struct {
	TotalFrames, FreeFrames uint64
	TaskCount               int
	ContextSwitches         uint64
	Ticks                   uint64
}

// Status reports a snapshot of k's subsystem counters.
func (k *Kernel) Status() Status {
	total, free := k.PMM.Stats()
	taskCount, switches, ticks := k.Scheduler.Stats()
	return Status{
		TotalFrames: total, FreeFrames: free,
		TaskCount: taskCount, ContextSwitches: switches, Ticks: ticks,
	}
}
