package cmd

import (
	"time"

	"hpcflow/pkg/api"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [run_name] [proc_type]",
	Short: "Show every attempt of a task",
	Long:  `List every row of a task's history, oldest first, with the job id, machine, resources and timing of each submission.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := fetchTask(cmd, args[0], args[1])
		if err != nil {
			return err
		}
		printHistory(cmd, *task)
		return nil
	},
}

var errorsCmd = &cobra.Command{
	Use:   "errors [run_name] [proc_type]",
	Short: "Show the error history of a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := fetchTask(cmd, args[0], args[1])
		if err != nil {
			return err
		}
		if len(task.Errors) == 0 {
			cmd.Printf("No errors recorded for %s %s\n", task.RunName, task.ProcType)
			return nil
		}
		for i, e := range task.Errors {
			cmd.Printf("%s%d.%s %s%s%s\n", colorDim, i+1, colorReset, colorRed, e, colorReset)
		}
		return nil
	},
}

func fetchTask(cmd *cobra.Command, run, proc string) (*api.TaskResponse, error) {
	src, err := openSource(cmd.Context())
	if err != nil {
		cmd.Printf("Failed to open task source: %v\n", err)
		return nil, err
	}
	defer src.Close()

	task, err := src.Task(cmd.Context(), run, proc)
	if err != nil {
		cmd.Printf("Failed to read task: %v\n", err)
		return nil, err
	}
	return task, nil
}

func printHistory(cmd *cobra.Command, task api.TaskResponse) {
	icon := statusIcon(task.Status)
	cmd.Printf("%s %s%s %s%s\n", icon, colorBold, task.RunName, task.ProcType, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(task.Status))
	cmd.Printf("%sRetries:%s     %d\n", colorDim, colorReset, task.Retries)
	cmd.Printf("%sErrors:%s      %d\n", colorDim, colorReset, len(task.Errors))

	for i, a := range task.Attempts {
		cmd.Println()
		cmd.Printf("%sAttempt %d%s  %s\n", colorBold, i+1, colorReset, colorizeStatus(a.Status))
		if a.JobID != nil {
			cmd.Printf("%sJob ID:%s      %d\n", colorDim, colorReset, *a.JobID)
		} else {
			cmd.Printf("%sJob ID:%s      -\n", colorDim, colorReset)
		}
		cmd.Printf("%sModified:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(&a.LastModified))

		d := a.Duration
		if d == nil {
			continue
		}
		if d.Machine != nil {
			cmd.Printf("%sMachine:%s     %s\n", colorDim, colorReset, *d.Machine)
		}
		if d.Cores != nil {
			cmd.Printf("%sCores:%s       %d\n", colorDim, colorReset, *d.Cores)
		}
		if d.WCTSeconds != nil {
			cmd.Printf("%sWCT:%s         %s\n", colorDim, colorReset, formatDuration(time.Duration(*d.WCTSeconds)*time.Second))
		}
		cmd.Printf("%sQueued:%s      %s\n", colorDim, colorReset, formatTimeWithRelative(d.QueuedTime))
		cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(d.StartTime))
		if d.StartTime != nil && d.EndTime != nil {
			cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
				formatTimeWithRelative(d.EndTime),
				colorCyan, formatDuration(d.EndTime.Sub(*d.StartTime)), colorReset)
		} else {
			cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(d.EndTime))
		}
	}
}

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(errorsCmd)
}
