package cmd

import (
	"fmt"
	"log/slog"
	"os/user"
	"time"

	"hpcflow/internal/config"
	"hpcflow/internal/mailbox"
	"hpcflow/internal/scheduler"
	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run_name] [proc_type]",
	Short: "Cancel the batch job of a task",
	Long: `Ask the scheduler to stop the queued or running job of a task, then report the task
as failed so the orchestrator can retry it within retry_max.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		proc, err := workflow.ParseProcessType(args[1])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			cmd.Printf("Failed to load config: %v\n", err)
			return err
		}
		st, err := openStore(ctx, cfg, false)
		if err != nil {
			cmd.Printf("Failed to open task store: %v\n", err)
			return err
		}
		history, err := st.TaskHistory(ctx, args[0], proc)
		st.Close()
		if err != nil {
			cmd.Printf("Failed to read task: %v\n", err)
			return err
		}

		target, err := cancelTarget(cfg, history)
		if err != nil {
			return err
		}
		sched, err := cfg.NewScheduler(target.machine, slog.Default())
		if err != nil {
			return err
		}

		if err := cancelTask(cmd, sched, cfg.MailboxDir, target, cancelledBy()); err != nil {
			return err
		}
		cmd.Printf("%s✓%s Cancelled job %d of %s %s on %s\n", colorGreen, colorReset,
			target.jobID, args[0], proc, target.machine)
		return nil
	},
}

type cancelJob struct {
	runName string
	proc    workflow.ProcessType
	jobID   int64
	machine string
}

// cancelTarget finds the in-flight job of a task from its history.
func cancelTarget(cfg *config.Config, history []store.TaskAttempt) (cancelJob, error) {
	newest := history[len(history)-1]
	if !newest.Status.InFlight() || newest.JobID == nil {
		return cancelJob{}, fmt.Errorf("%s %s is %s, not queued or running", newest.RunName, newest.ProcType, newest.Status)
	}
	machine := cfg.MachineFor(newest.ProcType)
	if d := newest.Duration; d != nil && d.Machine != nil {
		machine = *d.Machine
	}
	return cancelJob{
		runName: newest.RunName,
		proc:    newest.ProcType,
		jobID:   *newest.JobID,
		machine: machine,
	}, nil
}

// cancelTask cancels the job and reports the task failed through the mailbox.
func cancelTask(cmd *cobra.Command, sched scheduler.Scheduler, mailboxDir string, job cancelJob, by string) error {
	if err := sched.CancelJob(cmd.Context(), job.jobID, job.machine); err != nil {
		cmd.Printf("Failed to cancel job %d: %v\n", job.jobID, err)
		return err
	}

	msg := "cancelled by " + by
	now := time.Now().Unix()
	_, err := mailbox.Write(mailboxDir, store.TaskUpdate{
		RunName:  job.runName,
		ProcType: job.proc,
		Status:   workflow.StatusFailed,
		JobID:    &job.jobID,
		Error:    &msg,
		EndedAt:  &now,
	})
	if err != nil {
		cmd.Printf("Job cancelled but the failure could not be reported: %v\n", err)
		return err
	}
	return nil
}

func cancelledBy() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "operator"
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
