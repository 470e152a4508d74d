package kernel

import (
	"errors"
	"testing"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	mmu, pmm := newTestMMU(t)
	s, err := InitScheduler(mmu, pmm)
	if err != nil {
		t.Fatalf("InitScheduler: %v", err)
	}
	return s
}

func TestSchedulerRoundRobinWithinPriority(t *testing.T) {
	s := newTestScheduler(t)

	a, err := s.CreateTask("a", PriorityNormal, 4096)
	if err != nil {
		t.Fatalf("CreateTask a: %v", err)
	}
	b, err := s.CreateTask("b", PriorityNormal, 4096)
	if err != nil {
		t.Fatalf("CreateTask b: %v", err)
	}

	// InitScheduler leaves idle as current; the first Yield must pick the
	// earliest-created Ready task, not idle, since idle is never eligible
	// while another task is Ready.
	s.Yield()
	first := s.CurrentTask()
	if first.ID != a.ID {
		t.Fatalf("expected task a to run first, got %s", first.Name)
	}

	s.Yield()
	second := s.CurrentTask()
	if second.ID != b.ID {
		t.Fatalf("expected task b to run second, got %s", second.Name)
	}

	s.Yield()
	third := s.CurrentTask()
	if third.ID != a.ID {
		t.Fatalf("expected round-robin back to task a, got %s", third.Name)
	}
}

func TestSchedulerPriorityPreemption(t *testing.T) {
	s := newTestScheduler(t)

	if _, err := s.CreateTask("low", PriorityNormal, 4096); err != nil {
		t.Fatalf("CreateTask low: %v", err)
	}
	high, err := s.CreateTask("high", PriorityHigh, 4096)
	if err != nil {
		t.Fatalf("CreateTask high: %v", err)
	}

	s.Yield()
	if cur := s.CurrentTask(); cur.ID != high.ID {
		t.Fatalf("expected highest-priority task to run first, got %s", cur.Name)
	}
}

func TestSchedulerYieldIsIdempotentAlone(t *testing.T) {
	s := newTestScheduler(t)
	_, switches0, _ := s.Stats()
	s.Yield()
	s.Yield()
	_, switches1, _ := s.Stats()
	if switches1 != switches0 {
		t.Fatalf("expected no switches with only the idle task ready, got %d", switches1-switches0)
	}
}

func TestSleepWakesOnTick(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask("sleeper", PriorityNormal, 4096)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	s.Yield() // task becomes current
	if s.CurrentTask().ID != task.ID {
		t.Fatal("expected sleeper to be current before Sleep")
	}

	s.Sleep(25) // 25ms at 10ms/tick -> 3 ticks

	s.mu.Lock()
	if task.State != StateSleeping {
		s.mu.Unlock()
		t.Fatalf("expected task to be Sleeping, got %s", task.State)
	}
	s.mu.Unlock()

	for i := 0; i < 3; i++ {
		s.Tick()
	}

	s.mu.Lock()
	state := task.State
	s.mu.Unlock()
	if state != StateReady {
		t.Fatalf("expected task Ready after its deadline ticks elapsed, got %s", state)
	}
}

func TestExitThenReap(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask("worker", PriorityNormal, 4096)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	s.Yield()
	if s.CurrentTask().ID != task.ID {
		t.Fatal("expected worker to be current")
	}

	s.Exit(7)
	if task.State != StateZombie {
		t.Fatalf("expected Zombie after Exit, got %s", task.State)
	}
	if task.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", task.ExitCode)
	}

	if err := s.Reap(task.ID); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if err := s.Reap(task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound reaping twice, got %v", err)
	}
}

func TestCreateTaskRejectsOnceTaskTableFull(t *testing.T) {
	s := newTestScheduler(t)
	// InitScheduler already created the idle task, so maxTasks-1 more fit.
	for i := 0; i < maxTasks-1; i++ {
		if _, err := s.CreateTask("worker", PriorityNormal, 256); err != nil {
			t.Fatalf("CreateTask %d: %v", i, err)
		}
	}
	if _, err := s.CreateTask("overflow", PriorityNormal, 256); !errors.Is(err, ErrTaskTableFull) {
		t.Fatalf("expected ErrTaskTableFull once the table is full, got %v", err)
	}
}

func TestEnterUserModeRejectsUnmappedEntry(t *testing.T) {
	s := newTestScheduler(t)
	mmu, pmm := s.mmu, s.pmm
	as, err := CreateAddressSpace(mmu, pmm)
	if err != nil {
		t.Fatalf("CreateAddressSpace: %v", err)
	}
	task, err := s.CreateUserTask("user", PriorityNormal, as, 0xDEAD000, 16*1024)
	if err != nil {
		t.Fatalf("CreateUserTask: %v", err)
	}

	err = s.EnterUserMode(task, nil)
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission for unmapped entry, got %v", err)
	}
	if task.State != StateZombie {
		t.Fatalf("expected task aborted via exit(-1), got state %s", task.State)
	}
	if task.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", task.ExitCode)
	}
}

func TestEnterUserModeRunsOnceThenRejects(t *testing.T) {
	s := newTestScheduler(t)
	as, err := CreateAddressSpace(s.mmu, s.pmm)
	if err != nil {
		t.Fatalf("CreateAddressSpace: %v", err)
	}
	if _, err := as.MapRegion(UserCodeBase, PageSize, FlagPresent|FlagUser, RegionCode); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	task, err := s.CreateUserTask("user", PriorityNormal, as, UserCodeBase, 16*1024)
	if err != nil {
		t.Fatalf("CreateUserTask: %v", err)
	}

	ran := false
	if err := s.EnterUserMode(task, func(ctx *CPUContext) {
		ran = true
		if ctx.CS != UserCS || ctx.SS != UserDS {
			t.Fatalf("expected ring-3 selectors, got CS=0x%x SS=0x%x", ctx.CS, ctx.SS)
		}
	}); err != nil {
		t.Fatalf("EnterUserMode: %v", err)
	}
	if !ran {
		t.Fatal("expected run callback to execute")
	}

	if err := s.EnterUserMode(task, nil); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState on second trampoline use, got %v", err)
	}
}
