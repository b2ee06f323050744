package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hpcflow/internal/mailbox"
	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	"github.com/spf13/cobra"
)

// reportOptions are the flags of the report command.
type reportOptions struct {
	Mailbox string
	Run     string
	Proc    string
	Status  string
	JobID   string
	Machine string
	Error   string
	Cores   int
	Nodes   int
	Memory  int
	WCT     int64
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Record a status change of a task in the mailbox",
	Long: `Write a status update for a task to the mailbox directory. The orchestrator
applies it to the task store on its next cycle.

Batch scripts generated by the orchestrator call this when the job starts, finishes or
fails. It needs no database access, so it is safe to run on compute nodes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts reportOptions
		opts.Mailbox, _ = cmd.Flags().GetString("mailbox")
		opts.Run, _ = cmd.Flags().GetString("run")
		opts.Proc, _ = cmd.Flags().GetString("proc")
		opts.Status, _ = cmd.Flags().GetString("status")
		opts.JobID, _ = cmd.Flags().GetString("job-id")
		opts.Machine, _ = cmd.Flags().GetString("machine")
		opts.Error, _ = cmd.Flags().GetString("error")
		opts.Cores, _ = cmd.Flags().GetInt("cores")
		opts.Nodes, _ = cmd.Flags().GetInt("nodes")
		opts.Memory, _ = cmd.Flags().GetInt("memory")
		opts.WCT, _ = cmd.Flags().GetInt64("wct")

		if opts.Mailbox == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts.Mailbox = cfg.MailboxDir
		}

		u, err := buildUpdate(opts, time.Now())
		if err != nil {
			cmd.Printf("Invalid report: %v\n", err)
			return err
		}
		path, err := mailbox.Write(opts.Mailbox, u)
		if err != nil {
			cmd.Printf("Failed to write report: %v\n", err)
			return err
		}
		cmd.Printf("Reported %s %s %s (%s)\n", u.RunName, u.ProcType, u.Status, path)
		return nil
	},
}

// buildUpdate turns report flags into an update. The status decides which timestamp is
// filled with now.
func buildUpdate(opts reportOptions, now time.Time) (store.TaskUpdate, error) {
	var u store.TaskUpdate
	if opts.Run == "" {
		return u, errors.New("--run is required")
	}
	proc, err := workflow.ParseProcessType(opts.Proc)
	if err != nil {
		return u, err
	}
	status, err := workflow.ParseStatus(opts.Status)
	if err != nil {
		return u, err
	}
	if status == workflow.StatusCreated {
		return u, errors.New("created is not a reportable status")
	}

	u = store.TaskUpdate{RunName: opts.Run, ProcType: proc, Status: status}

	if s := strings.TrimSpace(opts.JobID); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return u, fmt.Errorf("invalid job id %q", opts.JobID)
		}
		u.JobID = &id
	}
	if u.JobID == nil {
		return u, errors.New("--job-id is required")
	}

	ts := now.Unix()
	switch status {
	case workflow.StatusQueued:
		u.QueuedAt = &ts
	case workflow.StatusRunning:
		u.StartedAt = &ts
	default:
		u.EndedAt = &ts
	}

	if opts.Machine != "" {
		u.Machine = &opts.Machine
	}
	if opts.Error != "" {
		u.Error = &opts.Error
	}
	if opts.Cores > 0 {
		u.Cores = &opts.Cores
	}
	if opts.Nodes > 0 {
		u.Nodes = &opts.Nodes
	}
	if opts.Memory > 0 {
		u.Memory = &opts.Memory
	}
	if opts.WCT > 0 {
		u.WCT = &opts.WCT
	}
	return u, nil
}

func init() {
	reportCmd.Flags().String("mailbox", "", "Mailbox directory (default: mailbox_dir of the config)")
	reportCmd.Flags().String("run", "", "Run name of the task")
	reportCmd.Flags().String("proc", "", "Process type of the task")
	reportCmd.Flags().String("status", "", "New status: queued, running, completed, failed or killed_WCT")
	reportCmd.Flags().String("job-id", "", "Scheduler job id (required)")
	reportCmd.Flags().String("machine", "", "Machine the job runs on")
	reportCmd.Flags().String("error", "", "Error message recorded with a failed status")
	reportCmd.Flags().Int("cores", 0, "Cores allocated to the job")
	reportCmd.Flags().Int("nodes", 0, "Nodes allocated to the job")
	reportCmd.Flags().Int("memory", 0, "Memory requested, in MB")
	reportCmd.Flags().Int64("wct", 0, "Wall clock limit in seconds")

	reportCmd.MarkFlagRequired("run")
	reportCmd.MarkFlagRequired("proc")
	reportCmd.MarkFlagRequired("status")

	rootCmd.AddCommand(reportCmd)
}
