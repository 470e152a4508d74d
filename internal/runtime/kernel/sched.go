package kernel

import (
	"fmt"
	"sync"
)

// TaskState is a task's position in the lifecycle state machine of
// spec.md 4.4: Created -> Ready <-> Running -> {Sleeping, Waiting} -> Ready,
// and Running -> Finished -> Zombie (reaped).
type TaskState uint8

const (
	StateCreated TaskState = iota
	StateReady
	StateRunning
	StateSleeping
	StateWaiting
	StateFinished
	StateZombie
)

func (s TaskState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateWaiting:
		return "waiting"
	case StateFinished:
		return "finished"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Priority bounds. 0 is the highest priority a task can hold; 7 the
// lowest. The idle task always runs at PriorityIdle.
const (
	PriorityHigh   uint8 = 0
	PriorityNormal uint8 = 3
	PriorityIdle   uint8 = 7
)

// defaultQuantumTicks is the number of timer ticks a task runs before the
// scheduler preempts it in favor of another Ready task of equal or higher
// priority (100 Hz tick rate, 10 ticks per quantum -> 100ms slices).
const defaultQuantumTicks = 10

// Task is one thread of control's control block (spec.md 3's TCB). Kernel
// tasks have UserAS == nil and run with kernel selectors throughout; user
// tasks additionally own a user address space and a user stack, and enter
// ring 3 once via the scheduler's trampoline.
type Task struct {
	ID       uint32
	Name     string
	Priority uint8
	State    TaskState

	KernelStack    []byte
	kernelStackTop uint32

	UserAS      *AddressSpace
	UserStack   *Region
	UserEntry   uint32
	enteredUser bool

	Context CPUContext

	FDs *FDTable

	SwitchCount      uint64
	QuantumRemaining int
	WakeTick         uint64
	ExitCode         int

	prevID, nextID uint32
}

// Scheduler owns every task and the single currently-running one. It
// implements spec.md 4.4's single-CPU, round-robin-within-priority policy
// over a circular task list; the list doubles as the sleep queue, scanned
// once per tick to wake tasks whose WakeTick has arrived.
type Scheduler struct {
	mu sync.Mutex

	tasks  map[uint32]*Task
	headID uint32
	tailID uint32

	currentID  uint32
	idleID     uint32
	nextTaskID uint32

	switchCount uint64
	ticks       uint64
	enabled     bool

	mmu *MMU
	pmm *PhysicalMemoryManager
}

// GlobalScheduler is the kernel-wide scheduler, assigned once during boot.
var GlobalScheduler *Scheduler

// InitScheduler creates the scheduler and its always-ready idle task, and
// makes the idle task current so the first nextTaskLocked call has somewhere to
// preempt from.
func InitScheduler(mmu *MMU, pmm *PhysicalMemoryManager) (*Scheduler, error) {
	s := &Scheduler{
		tasks:      make(map[uint32]*Task),
		nextTaskID: 1,
		enabled:    true,
		mmu:        mmu,
		pmm:        pmm,
	}

	idle, err := s.createTaskLocked("idle", PriorityIdle, 4096)
	if err != nil {
		return nil, fmt.Errorf("sched: creating idle task: %w", err)
	}
	idle.State = StateRunning
	s.idleID = idle.ID
	s.currentID = idle.ID

	Log.Info("scheduler initialized", "idle_task", idle.ID, "quantum_ticks", defaultQuantumTicks)
	return s, nil
}

func (s *Scheduler) insertLocked(t *Task) {
	if len(s.tasks) == 0 {
		t.nextID, t.prevID = t.ID, t.ID
		s.headID = t.ID
		s.tailID = t.ID
		s.tasks[t.ID] = t
		return
	}
	tail := s.tasks[s.tailID]
	head := s.tasks[s.headID]
	tail.nextID = t.ID
	t.prevID = s.tailID
	t.nextID = s.headID
	head.prevID = t.ID
	s.tailID = t.ID
	s.tasks[t.ID] = t
}

func (s *Scheduler) removeLocked(t *Task) {
	if len(s.tasks) == 1 {
		s.headID, s.tailID = 0, 0
		delete(s.tasks, t.ID)
		return
	}
	prev := s.tasks[t.prevID]
	next := s.tasks[t.nextID]
	prev.nextID = next.ID
	next.prevID = prev.ID
	if s.headID == t.ID {
		s.headID = next.ID
	}
	if s.tailID == t.ID {
		s.tailID = prev.ID
	}
	delete(s.tasks, t.ID)
}

// maxTasks bounds the scheduler's task table, the same way a fixed-size
// kernel TCB array would on real hardware rather than growing without limit.
const maxTasks = 4096

func (s *Scheduler) createTaskLocked(name string, priority uint8, kernelStackSize uint64) (*Task, error) {
	if priority > PriorityIdle {
		return nil, fmt.Errorf("sched: %w: priority %d out of range [0,7]", ErrInvalidArgument, priority)
	}
	if len(s.tasks) >= maxTasks {
		return nil, fmt.Errorf("sched: %w: %d tasks", ErrTaskTableFull, maxTasks)
	}
	t := &Task{
		ID:               s.nextTaskID,
		Name:             name,
		Priority:         priority,
		State:            StateReady,
		KernelStack:      make([]byte, kernelStackSize),
		QuantumRemaining: defaultQuantumTicks,
		FDs:              newFDTable(),
	}
	t.kernelStackTop = uint32(kernelStackSize)
	t.Context = kernelContext(0, t.kernelStackTop)
	s.nextTaskID++
	s.insertLocked(t)
	return t, nil
}

// CreateTask creates a kernel-mode task in the Ready state and links it
// into the circular task list.
func (s *Scheduler) CreateTask(name string, priority uint8, kernelStackSize uint64) (*Task, error) {
	g := disableIRQ()
	defer g.restore()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.createTaskLocked(name, priority, kernelStackSize)
	if err != nil {
		return nil, err
	}
	Log.Info("task created", "id", t.ID, "name", t.Name, "priority", t.Priority)
	return t, nil
}

// CreateUserTask creates a task that owns a user address space. The user
// stack is allocated in as immediately; entry is validated lazily, at the
// first (and only) EnterUserMode call, not at creation time.
func (s *Scheduler) CreateUserTask(name string, priority uint8, as *AddressSpace, entry uint32, userStackSize uint64) (*Task, error) {
	if as == nil {
		return nil, fmt.Errorf("sched: %w: user task requires an address space", ErrInvalidArgument)
	}
	_, initialESP, err := as.AllocateStack(userStackSize)
	if err != nil {
		return nil, fmt.Errorf("sched: allocating user stack: %w", err)
	}

	g := disableIRQ()
	defer g.restore()
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.createTaskLocked(name, priority, 4096)
	if err != nil {
		return nil, err
	}
	t.UserAS = as
	t.UserEntry = entry
	t.Context = userContext(entry, initialESP)
	Log.Info("user task created", "id", t.ID, "name", t.Name, "entry", fmt.Sprintf("0x%x", entry))
	return t, nil
}

// nextTaskLocked implements the selection rule: starting just after the
// current task, walk the circular list once; among Ready non-idle tasks
// (plus the current task itself, visited last, if it is still Running)
// keep the smallest priority number seen, with ties broken by whichever
// was encountered first (i.e. strictly "<", never "<="). A still-Running
// current task is therefore kept only when no other Ready task has an
// equal or higher priority. Fall back to the idle task, which is always
// eligible.
func (s *Scheduler) nextTaskLocked() *Task {
	cur, ok := s.tasks[s.currentID]
	if !ok || len(s.tasks) == 0 {
		return s.tasks[s.idleID]
	}

	var best *Task
	id := cur.nextID
	for {
		t := s.tasks[id]
		eligible := t.State == StateReady || (t.ID == cur.ID && t.State == StateRunning)
		if t.ID != s.idleID && eligible {
			if best == nil || t.Priority < best.Priority {
				best = t
			}
		}
		if id == cur.ID {
			break
		}
		id = t.nextID
	}
	if best != nil {
		return best
	}
	return s.tasks[s.idleID]
}

// switchToLocked performs the bookkeeping half of a context switch: demote
// the outgoing task (unless it already left Running on its own, e.g. it
// just called Sleep), promote the incoming one, and bump counters. It does
// not touch CPUContext.ESP/EIP: on real hardware those are saved/restored
// by the assembly switch stub; in this hosted model Task.Context simply
// holds whatever the task last recorded there.
func (s *Scheduler) switchToLocked(next *Task) {
	cur := s.tasks[s.currentID]
	if next.ID == cur.ID {
		return
	}
	if cur.State == StateRunning {
		cur.State = StateReady
	}
	next.State = StateRunning
	next.QuantumRemaining = defaultQuantumTicks
	s.currentID = next.ID
	s.switchCount++
	cur.SwitchCount++
	next.SwitchCount++
}

// Yield voluntarily gives up the remainder of the current task's quantum.
// It is idempotent when no other task is Ready: the current task keeps
// running and no switch is counted.
func (s *Scheduler) Yield() {
	g := disableIRQ()
	defer g.restore()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return
	}
	next := s.nextTaskLocked()
	s.switchToLocked(next)
}

// CurrentTask returns the task currently in the Running state.
func (s *Scheduler) CurrentTask() *Task {
	g := disableIRQ()
	defer g.restore()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[s.currentID]
}

// Sleep puts the current task to sleep for at least ms milliseconds (one
// tick minimum) and yields. At 100 Hz, tickPeriodMs is 10.
const tickPeriodMs = 10

func (s *Scheduler) Sleep(ms uint64) {
	g := disableIRQ()
	s.mu.Lock()
	cur := s.tasks[s.currentID]
	ticks := (ms + tickPeriodMs - 1) / tickPeriodMs
	if ticks == 0 {
		ticks = 1
	}
	cur.State = StateSleeping
	cur.WakeTick = s.ticks + ticks
	next := s.nextTaskLocked()
	s.switchToLocked(next)
	s.mu.Unlock()
	g.restore()
}

// Tick advances the scheduler's notion of time by one timer interrupt: it
// wakes sleepers whose deadline has arrived and, if the current task has
// exhausted its quantum, performs a preemptive switch. A tick with no
// current task (scheduler not yet started) is a no-op.
func (s *Scheduler) Tick() {
	g := disableIRQ()
	defer g.restore()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return
	}
	s.ticks++

	for _, t := range s.tasks {
		if t.State == StateSleeping && s.ticks >= t.WakeTick {
			t.State = StateReady
		}
	}

	cur, ok := s.tasks[s.currentID]
	if !ok {
		return
	}
	if cur.State != StateRunning {
		return
	}
	cur.QuantumRemaining--
	if cur.QuantumRemaining <= 0 {
		next := s.nextTaskLocked()
		s.switchToLocked(next)
	}
}

// abortTaskLocked drives t through Finished -> Zombie and, only if t
// happens to be the current task, performs the reschedule. It is the
// shared core of Exit (a task terminating itself) and Abort (the
// scheduler terminating a task on its behalf, e.g. a failed user-mode
// trampoline validation) so both paths leave the task list in the same
// state.
func (s *Scheduler) abortTaskLocked(t *Task, code int) {
	t.State = StateFinished
	t.ExitCode = code
	t.State = StateZombie
	if t.ID == s.currentID {
		next := s.nextTaskLocked()
		s.switchToLocked(next)
	}
}

// Exit terminates the current task with the given exit code (spec.md's
// "Finished tasks become Zombie until reaped" is a single uninterrupted
// transition, since nothing can observe the Finished instant from outside
// the critical section). Calling Exit on a task that already exited is an
// invariant violation, not a recoverable error: spec.md 9 resolves "exit
// from two simultaneous contexts" as a fatal internal error rather than a
// silent no-op, so the second caller panics through Panic.
func (s *Scheduler) Exit(code int) {
	g := disableIRQ()
	s.mu.Lock()
	cur := s.tasks[s.currentID]
	if cur.ID == s.idleID {
		s.mu.Unlock()
		g.restore()
		Panic("sched: idle task called exit")
		return
	}
	if cur.State == StateFinished || cur.State == StateZombie {
		s.mu.Unlock()
		g.restore()
		Panic(fmt.Sprintf("sched: task %d exited twice", cur.ID))
		return
	}
	s.abortTaskLocked(cur, code)
	s.mu.Unlock()
	g.restore()

	Log.Info("task exited", "id", cur.ID, "code", code)
}

// Abort forcibly terminates t with the given exit code regardless of
// whether it is the current task. It is a no-op if t has already exited.
func (s *Scheduler) Abort(t *Task, code int) {
	g := disableIRQ()
	defer g.restore()
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State == StateFinished || t.State == StateZombie {
		return
	}
	s.abortTaskLocked(t, code)
}

// Reap releases a Zombie task's resources (its kernel stack is simply
// dropped for GC, its user address space, if any, is destroyed) and
// removes it from the task list. Reaping a task that is not a Zombie is a
// programming error.
func (s *Scheduler) Reap(id uint32) error {
	g := disableIRQ()
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		g.restore()
		return fmt.Errorf("sched: %w: task %d", ErrNotFound, id)
	}
	if t.State != StateZombie {
		s.mu.Unlock()
		g.restore()
		return fmt.Errorf("sched: %w: task %d is not a zombie", ErrState, id)
	}
	s.removeLocked(t)
	s.mu.Unlock()
	g.restore()

	if t.UserAS != nil {
		return DestroyAddressSpace(t.UserAS)
	}
	return nil
}

// Stats reports scheduler-wide counters used by diagnostics and tests.
func (s *Scheduler) Stats() (taskCount int, switches uint64, ticks uint64) {
	g := disableIRQ()
	defer g.restore()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks), s.switchCount, s.ticks
}

// EnterUserMode performs the ring-0 -> ring-3 trampoline: it validates
// that the task's entry point is present and user-accessible in its
// address space, and if so hands control to run, which stands in for "the
// code that actually executes at ring 3" in this hosted simulation (real
// hardware would IRET into user code and never return here at all; this
// function's one-shot guard preserves that the trampoline can only ever be
// taken once per task). A missing or non-user-accessible entry point
// aborts the task via Abort(-1) rather than faulting, matching spec.md 6's
// "a faulted or invalid user-task context is aborted via exit(-1)"; Abort
// is used rather than Exit since t may never have been scheduled as the
// current task at all.
func (s *Scheduler) EnterUserMode(t *Task, run func(ctx *CPUContext)) error {
	if t.UserAS == nil {
		return fmt.Errorf("sched: %w: task %d has no user address space", ErrInvalidArgument, t.ID)
	}
	if t.enteredUser {
		return fmt.Errorf("sched: %w: task %d's trampoline already used", ErrState, t.ID)
	}

	prevCR3 := s.mmu.GetCurrentCR3()
	s.mmu.LoadCR3(t.UserAS.Dir)
	flags, present := s.mmu.PTEFlags(t.UserEntry)
	s.mmu.LoadCR3(prevCR3)

	if !present || flags&FlagUser == 0 {
		s.Abort(t, -1)
		return fmt.Errorf("sched: %w: entry 0x%x not present/user-accessible", ErrPermission, t.UserEntry)
	}

	t.enteredUser = true
	if run != nil {
		run(&t.Context)
	}
	return nil
}
