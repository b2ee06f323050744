package cmd

import (
	"fmt"
	"sort"
	"time"

	"hpcflow/internal/workflow"
	"hpcflow/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts per process type and status",
	Long: `Count the tasks of every process type by the status of their newest row
(created, queued, running, completed, failed, killed_WCT).

Use --pattern to restrict the count to matching run names (SQL LIKE, e.g. 'Hossack%')
and --proc to restrict it to some process types.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		patterns, _ := cmd.Flags().GetStringSlice("pattern")
		procs, _ := cmd.Flags().GetStringSlice("proc")

		src, err := openSource(cmd.Context())
		if err != nil {
			cmd.Printf("Failed to open task source: %v\n", err)
			return err
		}
		defer src.Close()

		resp, err := src.Status(cmd.Context(), patterns, procs)
		if err != nil {
			cmd.Printf("Failed to read status: %v\n", err)
			return err
		}

		printStatus(cmd, *resp)
		return nil
	},
}

func printStatus(cmd *cobra.Command, resp api.StatusResponse) {
	if len(resp.Counts) == 0 {
		cmd.Println("No tasks found")
		return
	}

	cmd.Printf("%sTask Status%s\n", colorBold, colorReset)
	cmd.Println("──────────────────────────────────────────")
	for _, c := range resp.Counts {
		cmd.Printf("%-16s %-24s %5d\n", c.ProcType, colorizeStatus(c.Status), c.Count)
	}
	cmd.Println("──────────────────────────────────────────")

	// Totals in lifecycle order
	names := make([]string, 0, len(resp.Totals))
	for name := range resp.Totals {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return statusOrder(names[i]) < statusOrder(names[j]) })
	for _, name := range names {
		cmd.Printf("%sTotal%s %-27s %5d\n", colorDim, colorReset, colorizeStatus(name), resp.Totals[name])
	}
}

func statusOrder(name string) int {
	s, err := workflow.ParseStatus(name)
	if err != nil {
		return len(workflow.AllStatuses) + 1
	}
	return int(s)
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed", "killed_WCT":
		return colorRed + "✗" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "queued":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "completed":
		return icon + " " + colorGreen + status + colorReset
	case "failed", "killed_WCT":
		return icon + " " + colorRed + status + colorReset
	case "running":
		return icon + " " + colorYellow + status + colorReset
	case "queued":
		return icon + " " + colorCyan + status + colorReset
	default:
		return icon + " " + status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	statusCmd.Flags().StringSlice("pattern", nil, "SQL LIKE pattern on run names (repeatable)")
	statusCmd.Flags().StringSlice("proc", nil, "Process type to include (repeatable)")
	rootCmd.AddCommand(statusCmd)
}
