package kernel

import "sync"

// irqState simulates the single processor's interrupt-enable flag (EFLAGS.IF).
// spec.md's critical-section discipline is "push EFLAGS; cli; ...; popf"
// around the PMM bitmap, the task list, the mount list and MBR writes. A
// hosted build has no real IF bit, but it still has to provide the same
// mutual-exclusion guarantee across goroutines standing in for concurrently
// preemptable contexts (the timer tick, syscalls, IRQ handlers), so the
// simulated flag is backed by a real mutex rather than a bare atomic: the
// critical region genuinely excludes other callers for its duration, the
// same thing "cli" buys on real hardware.
type irqState struct {
	mu      sync.Mutex
	enabled bool
}

var cpuIRQ = &irqState{enabled: true}

// irqGuard is returned by disableIRQ and restores the previous flag value
// when released. Zero value is a no-op guard (never disabled).
type irqGuard struct {
	wasEnabled bool
	held       bool
}

// disableIRQ pushes EFLAGS, clears IF, and returns a guard that must be
// released (via restore) on every exit path of the critical section. It
// also takes the section's mutex, so concurrent simulated contexts observe
// true mutual exclusion while the "interrupt" is masked.
func disableIRQ() irqGuard {
	cpuIRQ.mu.Lock()
	wasEnabled := cpuIRQ.enabled
	cpuIRQ.enabled = false
	return irqGuard{wasEnabled: wasEnabled, held: true}
}

// restore pops the saved interrupt flag (popf) and releases the section.
func (g *irqGuard) restore() {
	if !g.held {
		return
	}
	cpuIRQ.enabled = g.wasEnabled
	g.held = false
	cpuIRQ.mu.Unlock()
}

// InterruptsEnabled reports the simulated EFLAGS.IF state.
func InterruptsEnabled() bool {
	return cpuIRQ.enabled
}
