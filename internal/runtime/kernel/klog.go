package kernel

import (
	"io"
	"log/slog"
	"sync"
)

// ringBufferSize must be a power of two; it is sized to hold a few screens
// worth of log lines so a panic near boot still has recent history attached.
const ringBufferSize = 1 << 16

// ringBuffer is a fixed-capacity, overwrite-oldest byte ring. It backs the
// kernel logger so log volume can never grow the heap unbounded.
type ringBuffer struct {
	mu             sync.Mutex
	buf            [ringBufferSize]byte
	rIndex, wIndex int
	full           bool
}

func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for _, b := range p {
		rb.buf[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.full {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
		if rb.wIndex == rb.rIndex {
			rb.full = true
		}
	}

	return len(p), nil
}

// Snapshot returns a copy of the buffered log tail, oldest first.
func (rb *ringBuffer) Snapshot() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full && rb.rIndex == rb.wIndex {
		return nil
	}

	if !rb.full {
		out := make([]byte, rb.wIndex-rb.rIndex)
		copy(out, rb.buf[rb.rIndex:rb.wIndex])
		return out
	}

	out := make([]byte, 0, ringBufferSize)
	out = append(out, rb.buf[rb.rIndex:]...)
	out = append(out, rb.buf[:rb.rIndex]...)
	return out
}

// consoleRing is the kernel-wide log backing store; it is readable even
// after a panic, the same role gopheros's early kfmt ring buffer plays
// before the real console driver comes up.
var consoleRing = &ringBuffer{}

// Log is the kernel-wide structured logger. Every subsystem logs through
// it rather than fmt.Println directly, so boot output and steady-state
// diagnostics share one sink and one ring-buffered history.
var Log = slog.New(slog.NewTextHandler(io.MultiWriter(consoleRing), &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// LogTail returns the most recent buffered console output, for panic
// diagnostics and for tests that assert on boot messages.
func LogTail() string {
	return string(consoleRing.Snapshot())
}

// SetLogLevel adjusts the minimum level the kernel logger emits, driven by
// KernelConfig.LogLevel.
func SetLogLevel(level slog.Level) {
	Log = slog.New(slog.NewTextHandler(io.MultiWriter(consoleRing), &slog.HandlerOptions{
		Level: level,
	}))
}

// Panic reports a kernel invariant violation: it logs the message to the
// kernel log (whose ring buffer keeps the recent history, see LogTail) and
// panics. It is the single confined entry point for the "this should be
// structurally impossible" class of error -- currently the scheduler's
// double-exit and idle-task-exit checks -- so that every such failure is
// reported the same way instead of each call site inventing its own.
func Panic(msg string) {
	Log.Error("kernel panic", "msg", msg)
	panic("kernel panic: " + msg)
}
