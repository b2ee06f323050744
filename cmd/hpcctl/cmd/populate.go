package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"hpcflow/internal/workflow"

	"github.com/spf13/cobra"
)

var populateCmd = &cobra.Command{
	Use:   "populate [run_name...]",
	Short: "Create tasks for realisations",
	Long: `Create a task for every realisation and selected process type. Realisations are
given as arguments, through a list file (--list), or both. Each line of the list file names
a fault and its number of realisations, for example:

  Hossack 5
  AlpineF2K 10r

which creates Hossack and Hossack_REL01 to Hossack_REL05, and so on. The fault's own run
is its median realisation; leave it out with --median=false.

Tasks that already exist and have not failed are left alone, so populate can be rerun.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listFile, _ := cmd.Flags().GetString("list")
		median, _ := cmd.Flags().GetBool("median")
		procNames, _ := cmd.Flags().GetStringSlice("proc")

		runs := append([]string{}, args...)
		if listFile != "" {
			f, err := os.Open(listFile)
			if err != nil {
				return fmt.Errorf("failed to open list: %w", err)
			}
			listed, err := parseRunList(f, median)
			f.Close()
			if err != nil {
				return err
			}
			runs = append(runs, listed...)
		}
		if len(runs) == 0 {
			return fmt.Errorf("no realisations given; pass run names or --list")
		}

		cfg, err := loadConfig()
		if err != nil {
			cmd.Printf("Failed to load config: %v\n", err)
			return err
		}
		procs := cfg.SelectedProcessTypes()
		if len(procNames) > 0 {
			if procs, err = workflow.ParseProcessTypes(procNames); err != nil {
				return err
			}
		}

		st, err := openStore(cmd.Context(), cfg, true)
		if err != nil {
			cmd.Printf("Failed to open task store: %v\n", err)
			return err
		}
		defer st.Close()

		n, err := st.Populate(cmd.Context(), runs, procs)
		if err != nil {
			cmd.Printf("Failed to populate: %v\n", err)
			return err
		}

		cmd.Printf("%s✓%s Created %d tasks for %d realisations\n", colorGreen, colorReset, n, len(runs))
		return nil
	},
}

// parseRunList reads "fault count" lines. Blank lines and # comments are skipped; a count may
// carry an r suffix.
func parseRunList(r io.Reader, median bool) ([]string, error) {
	var runs []string
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		if text == "" {
			continue
		}

		fields := strings.Fields(text)
		fault := fields[0]
		if strings.ContainsAny(fault, `/\`) {
			return nil, fmt.Errorf("line %d: invalid fault name %q", line, fault)
		}
		count := 0
		if len(fields) > 1 {
			n, err := strconv.Atoi(strings.TrimSuffix(fields[1], "r"))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("line %d: invalid realisation count %q", line, fields[1])
			}
			count = n
		}

		if median || count == 0 {
			runs = append(runs, fault)
		}
		width := max(2, len(strconv.Itoa(count)))
		for i := 1; i <= count; i++ {
			runs = append(runs, fmt.Sprintf("%s_REL%0*d", fault, width, i))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func init() {
	populateCmd.Flags().String("list", "", "File listing faults and their realisation counts")
	populateCmd.Flags().Bool("median", true, "Also create the median realisation of each listed fault")
	populateCmd.Flags().StringSlice("proc", nil, "Process types to create (default: process_types of the config)")
	rootCmd.AddCommand(populateCmd)
}
