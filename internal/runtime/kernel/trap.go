package kernel

// CPUContext is the saved register set a context switch preserves, modeled
// on the 32-bit protected-mode frame an IRET/interrupt gate builds on real
// hardware (spec.md 3's "saved CPU context").
type CPUContext struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP                uint32
	EFLAGS             uint32
	CS, DS, ES, FS, GS, SS uint16
}

// Segment selectors. The kernel runs at ring 0 with flat CS/DS; user tasks
// run at ring 3 through the selectors named in spec.md 6.
const (
	KernelCS uint16 = 0x08
	KernelDS uint16 = 0x10
	UserCS   uint16 = 0x1B
	UserDS   uint16 = 0x23
)

// eflagsIF is the interrupt-enable bit a task resumes with.
const eflagsIF uint32 = 0x200

// kernelContext returns the initial saved context for a ring-0 task: flat
// kernel selectors, interrupts enabled, EIP/ESP supplied by the caller.
func kernelContext(eip, esp uint32) CPUContext {
	return CPUContext{
		EIP: eip, ESP: esp, EFLAGS: eflagsIF,
		CS: KernelCS, DS: KernelDS, ES: KernelDS, FS: KernelDS, GS: KernelDS, SS: KernelDS,
	}
}

// userContext returns the initial saved context for a ring-3 task.
func userContext(eip, esp uint32) CPUContext {
	return CPUContext{
		EIP: eip, ESP: esp, EFLAGS: eflagsIF,
		CS: UserCS, DS: UserDS, ES: UserDS, FS: UserDS, GS: UserDS, SS: UserDS,
	}
}
