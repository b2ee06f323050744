package cmd

import (
	"sort"
	"strings"

	"hpcflow/internal/config"
	"hpcflow/internal/workflow"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the orchestrator configuration",
	Long: `Load the configuration the orchestrator would start with and report problems:
unknown or mutually exclusive process types, unknown machines or scheduler kinds.
On success, print the process types and where each one runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			cmd.Printf("%s✗%s %v\n", colorRed, colorReset, err)
			return err
		}
		printConfigSummary(cmd, cfg)
		return nil
	},
}

func printConfigSummary(cmd *cobra.Command, cfg *config.Config) {
	cmd.Printf("%s✓%s Configuration is valid\n", colorGreen, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sDatabase:%s    %s\n", colorDim, colorReset, cfg.DatabasePath)
	cmd.Printf("%sMailbox:%s     %s\n", colorDim, colorReset, cfg.MailboxDir)
	cmd.Printf("%sRetry max:%s   %d\n", colorDim, colorReset, cfg.RetryMax)

	if len(cfg.Machines) == 0 {
		cmd.Printf("%sMachines:%s    none (nothing will be submitted)\n", colorDim, colorReset)
	}
	for _, m := range cfg.Machines {
		cmd.Printf("%sMachine:%s     %s (%s, %d concurrent)\n", colorDim, colorReset, m.Name, m.Scheduler, m.AllowedConcurrent)
	}

	graph := workflow.DefaultGraph()
	for _, p := range cfg.SelectedProcessTypes() {
		var deps []string
		for _, opt := range graph.Options(p) {
			reqs := make([]string, 0, len(opt))
			for _, r := range opt {
				reqs = append(reqs, r.String())
			}
			sort.Strings(reqs)
			deps = append(deps, strings.Join(reqs, " + "))
		}
		after := "-"
		if len(deps) > 0 {
			after = strings.Join(deps, " | ")
		}
		cmd.Printf("%-16s on %-10s after %s\n", p, cfg.MachineFor(p), after)
	}
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
