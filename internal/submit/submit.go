package submit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"hpcflow/internal/scheduler"
	"hpcflow/internal/store"
	"hpcflow/internal/workflow"
)

// Machine is a submission target.
type Machine struct {
	Name      string
	Kind      string
	Account   string
	Scheduler scheduler.Scheduler
}

// Config holds configuration for the Submitter.
type Config struct {
	RunDir        string
	MailboxDir    string
	WorkloadFile  string // Descriptor name inside {RunDir}/{run_name} (default: workload.yaml)
	ReportCommand string // How scripts call the report CLI (default: hpcctl)
	WCTScale      float64
	// Commands are the shell commands run by each process type. A workload descriptor may
	// override them per realisation.
	Commands map[workflow.ProcessType]string
	Machines map[string]Machine
	Logger   *slog.Logger
}

// Result describes a successful submission.
type Result struct {
	JobID      int64
	Machine    string
	ScriptPath string
	WallTime   time.Duration
	Cores      int
	MemoryMB   int
}

// Submitter runs the submission routine of each process type.
type Submitter struct {
	config    Config
	estimator Estimator
	routines  map[workflow.ProcessType]routine
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Submitter. A nil estimator uses HeuristicEstimator.
func New(config Config, estimator Estimator) *Submitter {
	if config.WorkloadFile == "" {
		config.WorkloadFile = "workload.yaml"
	}
	if config.ReportCommand == "" {
		config.ReportCommand = "hpcctl"
	}
	if config.WCTScale < 1 {
		config.WCTScale = 2
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	return &Submitter{
		config:    config,
		estimator: estimator,
		routines:  defaultRoutines(),
		log:       config.Logger.With("component", "submit"),
		now:       time.Now,
	}
}

// Submit prepares and submits the job of a runnable task on the named machine. Problems with the
// run's installation or configuration are returned as *workflow.ConfigError; scheduler problems
// as *scheduler.SchedulerError.
func (s *Submitter) Submit(ctx context.Context, task store.RunnableTask, machineName string) (Result, error) {
	r, ok := s.routines[task.ProcType]
	if !ok {
		return Result{}, &workflow.ConfigError{Msg: fmt.Sprintf("no submission routine for %s", task.ProcType)}
	}
	machine, ok := s.config.Machines[machineName]
	if !ok {
		return Result{}, &workflow.ConfigError{Msg: fmt.Sprintf("unknown machine %s", machineName)}
	}

	runDir := filepath.Join(s.config.RunDir, task.RunName)
	w, err := LoadWorkload(filepath.Join(runDir, s.config.WorkloadFile))
	if err != nil {
		return Result{}, err
	}
	if err := r.requires(w); err != nil {
		return Result{}, &workflow.ConfigError{Msg: fmt.Sprintf("%s/%s: %v", task.RunName, task.ProcType, err)}
	}

	override := w.For(task.ProcType)
	command := override.Command
	if command == "" {
		command = s.config.Commands[task.ProcType]
	}
	if command == "" {
		return Result{}, &workflow.ConfigError{Msg: fmt.Sprintf("no command configured for %s", task.ProcType)}
	}

	est, err := s.estimator.Estimate(ctx, task.ProcType, w)
	if err != nil {
		return Result{}, fmt.Errorf("failed to estimate %s/%s: %w", task.RunName, task.ProcType, err)
	}
	wallTime := ScaleWallTime(est.RunTime, s.config.WCTScale, task.WCTRetries)

	workDir := filepath.Join(runDir, r.dir)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create working directory: %w", err)
	}

	jobName := fmt.Sprintf("%s.%s", task.ProcType, task.RunName)
	script, err := RenderScript(ScriptData{
		Kind:          machine.Kind,
		JobName:       jobName,
		RunName:       task.RunName,
		Proc:          task.ProcType.String(),
		Machine:       machine.Name,
		Account:       machine.Account,
		WorkingDir:    workDir,
		MailboxDir:    s.config.MailboxDir,
		ReportCommand: s.config.ReportCommand,
		Command:       command,
		Cores:         est.Cores,
		MemoryMB:      override.MemoryMB,
		WallTime:      wallTime,
		Env:           override.Env,
	})
	if err != nil {
		return Result{}, err
	}

	scriptPath := filepath.Join(workDir, fmt.Sprintf("%s_%s.%s.sh", task.ProcType, task.RunName, s.now().UTC().Format("20060102_150405")))
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to write batch script: %w", err)
	}

	jobID, err := machine.Scheduler.SubmitJob(ctx, scheduler.SubmitRequest{
		WorkingDir: workDir,
		ScriptPath: scriptPath,
		Machine:    machine.Name,
		JobName:    jobName,
		WallTime:   wallTime,
		Cores:      est.Cores,
		MemoryMB:   override.MemoryMB,
	})
	if err != nil {
		return Result{}, err
	}

	s.log.Info("submitted task",
		"run", task.RunName, "proc", task.ProcType.String(), "machine", machine.Name, "job_id", jobID,
		"cores", est.Cores, "wall_time", wallTime.String(), "wct_retries", task.WCTRetries)
	return Result{
		JobID:      jobID,
		Machine:    machine.Name,
		ScriptPath: scriptPath,
		WallTime:   wallTime,
		Cores:      est.Cores,
		MemoryMB:   override.MemoryMB,
	}, nil
}
