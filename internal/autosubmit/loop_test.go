package autosubmit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"hpcflow/internal/mailbox"
	"hpcflow/internal/scheduler"
	"hpcflow/internal/store"
	"hpcflow/internal/submit"
	"hpcflow/internal/workflow"
)

// fakeStore returns up to limit of its tasks and records each query.
type fakeStore struct {
	tasks   []store.RunnableTask
	calls   int
	filter  store.TaskFilter
	limit   int
	exclude map[store.Identity]bool
}

func (f *fakeStore) GetRunnableTasks(ctx context.Context, filter store.TaskFilter, limit int, exclude map[store.Identity]bool) ([]store.RunnableTask, error) {
	f.calls++
	f.filter, f.limit, f.exclude = filter, limit, exclude
	var out []store.RunnableTask
	for _, t := range f.tasks {
		if len(out) == limit {
			break
		}
		if exclude[store.Identity{RunName: t.RunName, ProcType: t.ProcType}] {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// fakeSubmitter hands out increasing job ids.
type fakeSubmitter struct {
	next      int64
	submitted []store.RunnableTask
	errFor    map[workflow.ProcessType]error
}

func (f *fakeSubmitter) Submit(ctx context.Context, task store.RunnableTask, machine string) (submit.Result, error) {
	if err := f.errFor[task.ProcType]; err != nil {
		return submit.Result{}, err
	}
	f.next++
	f.submitted = append(f.submitted, task)
	return submit.Result{JobID: 1000 + f.next, Machine: machine, Cores: 40, WallTime: time.Hour}, nil
}

// fakeScheduler only answers queue checks.
type fakeScheduler struct {
	queue []scheduler.QueueEntry
	err   error
}

func (f *fakeScheduler) Name() string { return "fake" }
func (f *fakeScheduler) SubmitJob(ctx context.Context, req scheduler.SubmitRequest) (int64, error) {
	return 0, errors.New("not used")
}
func (f *fakeScheduler) CancelJob(ctx context.Context, jobID int64, machine string) error { return nil }
func (f *fakeScheduler) CheckQueues(ctx context.Context, user, machine string) ([]scheduler.QueueEntry, error) {
	return f.queue, f.err
}
func (f *fakeScheduler) GetJobMetadata(ctx context.Context, jobID int64, machine string) (scheduler.JobMetadata, error) {
	return scheduler.JobMetadata{}, nil
}
func (f *fakeScheduler) CheckWCTExceeded(ctx context.Context, jobID int64, machine string) (bool, error) {
	return false, nil
}

func task(run string, proc workflow.ProcessType) store.RunnableTask {
	return store.RunnableTask{Task: store.Task{RunName: run, ProcType: proc, Status: workflow.StatusCreated}}
}

// procMachines sends HF to mahuika and everything else to maui.
func procMachines(p workflow.ProcessType) string {
	if p == workflow.HF {
		return "mahuika"
	}
	return "maui"
}

func newTestLoop(t *testing.T, s Store, sub Submitter, machines ...Machine) (*Loop, string) {
	t.Helper()
	dir := t.TempDir()
	return New(s, sub, Config{
		Name:          "test",
		ProcTypes:     []workflow.ProcessType{workflow.EMOD3D, workflow.HF, workflow.BB},
		Machines:      machines,
		MachineFor:    procMachines,
		User:          "hpcuser",
		MailboxDir:    dir,
		CycleInterval: time.Millisecond,
		IdleCycles:    2,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), dir
}

func queued(n int) []scheduler.QueueEntry {
	entries := make([]scheduler.QueueEntry, n)
	for i := range entries {
		entries[i] = scheduler.QueueEntry{JobID: int64(i + 1), State: "R"}
	}
	return entries
}

func TestCycle_FillsFreeCapacity(t *testing.T) {
	fs := &fakeStore{tasks: []store.RunnableTask{
		task("Hossack_REL01", workflow.EMOD3D),
		task("Hossack_REL02", workflow.EMOD3D),
		task("Hossack_REL03", workflow.EMOD3D),
	}}
	sub := &fakeSubmitter{}
	maui := Machine{Name: "maui", Scheduler: &fakeScheduler{queue: queued(1)}, AllowedConcurrent: 3}
	l, dir := newTestLoop(t, fs, sub, maui)

	active, err := l.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}
	if !active {
		t.Error("expected an active cycle")
	}
	if fs.limit != 2 {
		t.Errorf("expected runnable limit 2, got %d", fs.limit)
	}
	if len(sub.submitted) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(sub.submitted))
	}

	files, err := mailbox.Snapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 queued updates, got %d", len(files))
	}
	u, err := mailbox.Parse(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != workflow.StatusQueued || u.JobID == nil || *u.JobID != 1001 {
		t.Errorf("unexpected queued update %+v", u)
	}
	if u.Machine == nil || *u.Machine != "maui" || u.QueuedAt == nil || u.WCT == nil || *u.WCT != 3600 {
		t.Errorf("queued update missing submission details %+v", u)
	}
}

func TestCycle_SchedulerErrorMeansNoCapacity(t *testing.T) {
	fs := &fakeStore{tasks: []store.RunnableTask{task("Hossack", workflow.EMOD3D)}}
	sub := &fakeSubmitter{}
	maui := Machine{Name: "maui", Scheduler: &fakeScheduler{err: errors.New("squeue timed out")}, AllowedConcurrent: 5}
	l, _ := newTestLoop(t, fs, sub, maui)

	active, err := l.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}
	if active || fs.calls != 0 || len(sub.submitted) != 0 {
		t.Errorf("expected nothing to happen, active=%v calls=%d submitted=%d", active, fs.calls, len(sub.submitted))
	}
}

func TestCycle_RestrictsToMachinesWithCapacity(t *testing.T) {
	fs := &fakeStore{tasks: []store.RunnableTask{task("Hossack", workflow.HF)}}
	sub := &fakeSubmitter{}
	maui := Machine{Name: "maui", Scheduler: &fakeScheduler{queue: queued(4)}, AllowedConcurrent: 4}
	mahuika := Machine{Name: "mahuika", Scheduler: &fakeScheduler{}, AllowedConcurrent: 2}
	l, _ := newTestLoop(t, fs, sub, maui, mahuika)

	if _, err := l.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}
	if got := fs.filter.ProcTypes; len(got) != 1 || got[0] != workflow.HF {
		t.Errorf("expected only HF to be eligible, got %v", got)
	}
	if fs.limit != 2 {
		t.Errorf("expected limit 2, got %d", fs.limit)
	}
	if len(sub.submitted) != 1 {
		t.Errorf("expected one submission, got %d", len(sub.submitted))
	}
}

func TestCycle_SkipsPendingIdentities(t *testing.T) {
	fs := &fakeStore{tasks: []store.RunnableTask{task("Hossack", workflow.EMOD3D), task("Alpine", workflow.EMOD3D)}}
	sub := &fakeSubmitter{}
	maui := Machine{Name: "maui", Scheduler: &fakeScheduler{}, AllowedConcurrent: 5}
	l, dir := newTestLoop(t, fs, sub, maui)

	job := int64(77)
	if _, err := mailbox.Write(dir, store.TaskUpdate{RunName: "Hossack", ProcType: workflow.EMOD3D, Status: workflow.StatusQueued, JobID: &job}); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}
	if !fs.exclude[store.Identity{RunName: "Hossack", ProcType: workflow.EMOD3D}] {
		t.Error("pending identity not excluded")
	}
	if len(sub.submitted) != 1 || sub.submitted[0].RunName != "Alpine" {
		t.Errorf("expected only Alpine submitted, got %+v", sub.submitted)
	}
}

func TestCycle_PassesPatterns(t *testing.T) {
	fs := &fakeStore{}
	maui := Machine{Name: "maui", Scheduler: &fakeScheduler{}, AllowedConcurrent: 1}
	l, _ := newTestLoop(t, fs, &fakeSubmitter{}, maui)
	l.config.Patterns = []string{"Hossack%"}
	l.config.ExcludePatterns = []string{"Alpine%"}

	active, err := l.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Error("empty queue and no runnable tasks is an idle cycle")
	}
	if len(fs.filter.Patterns) != 1 || fs.filter.Patterns[0] != "Hossack%" || fs.filter.ExcludePatterns[0] != "Alpine%" {
		t.Errorf("unexpected filter %+v", fs.filter)
	}
}

func TestCycle_SubmitFailures(t *testing.T) {
	fs := &fakeStore{tasks: []store.RunnableTask{
		task("Hossack_REL01", workflow.EMOD3D),
		task("Hossack_REL02", workflow.EMOD3D),
		task("Hossack_REL01", workflow.HF),
	}}
	sub := &fakeSubmitter{errFor: map[workflow.ProcessType]error{
		workflow.EMOD3D: &scheduler.SchedulerError{Backend: "slurm", Op: "submit", Machine: "maui", Err: errors.New("exit status 1")},
	}}
	maui := Machine{Name: "maui", Scheduler: &fakeScheduler{}, AllowedConcurrent: 5}
	mahuika := Machine{Name: "mahuika", Scheduler: &fakeScheduler{}, AllowedConcurrent: 5}
	l, dir := newTestLoop(t, fs, sub, maui, mahuika)

	if _, err := l.Cycle(context.Background()); err != nil {
		t.Fatalf("a scheduler failure must not fail the cycle: %v", err)
	}
	if len(sub.submitted) != 1 || sub.submitted[0].ProcType != workflow.HF {
		t.Errorf("expected the HF task to go through, got %+v", sub.submitted)
	}
	files, _ := mailbox.Snapshot(dir)
	if len(files) != 1 {
		t.Errorf("expected a queued update only for the successful submission, got %d", len(files))
	}
}

func TestRun_ConfigErrorIsFatal(t *testing.T) {
	fs := &fakeStore{tasks: []store.RunnableTask{task("Hossack", workflow.EMOD3D)}}
	sub := &fakeSubmitter{errFor: map[workflow.ProcessType]error{
		workflow.EMOD3D: &workflow.ConfigError{Msg: "no command configured for EMOD3D"},
	}}
	maui := Machine{Name: "maui", Scheduler: &fakeScheduler{}, AllowedConcurrent: 5}
	l, _ := newTestLoop(t, fs, sub, maui)

	err := l.Run(context.Background())
	if !workflow.IsConfigError(err) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestRun_ExitsWhenIdle(t *testing.T) {
	fs := &fakeStore{}
	maui := Machine{Name: "maui", Scheduler: &fakeScheduler{}, AllowedConcurrent: 5}
	l, _ := newTestLoop(t, fs, &fakeSubmitter{}, maui)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil on idle exit", err)
	}
	// IdleCycles is 2, so the third idle cycle ends the loop.
	if fs.calls != 3 {
		t.Errorf("expected 3 cycles, got %d", fs.calls)
	}
}

func TestRun_BusyQueueKeepsLoopAlive(t *testing.T) {
	fs := &fakeStore{}
	maui := Machine{Name: "maui", Scheduler: &fakeScheduler{queue: queued(5)}, AllowedConcurrent: 5}
	l, _ := newTestLoop(t, fs, &fakeSubmitter{}, maui)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() = %v, a non-empty queue is never idle", err)
	}
}

func TestNewLimiter(t *testing.T) {
	unlimited := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !unlimited.Allow() {
			t.Fatal("zero rate should be unlimited")
		}
	}

	limited := NewLimiter(0.001, 2)
	if !limited.Allow() || !limited.Allow() {
		t.Error("burst of 2 should allow two submissions")
	}
	if limited.Allow() {
		t.Error("third submission should be throttled")
	}
}
