package cmd

import (
	"context"
	"fmt"
	"os"

	"hpcflow/internal/config"
	"hpcflow/internal/store/sqlite"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hpcctl",
	Short: "hpcctl manages the task store of an hpcflow simulation run",
	Long: `hpcctl is the command-line interface of hpcflow, the orchestrator that drives
simulation pipelines (EMOD3D, HF, BB, IM_calculation, ...) through cluster batch schedulers.

Every realisation of a run needs each selected process type executed once, in dependency
order. The orchestrator submits runnable tasks and records their progress in a SQLite
task store; batch jobs report back by writing updates to a mailbox directory.

Common workflows:

  Create tasks for a list of faults and their realisations:
    hpcctl populate --list list.txt

  Check progress (locally, or through a running orchestrator):
    hpcctl status
    hpcctl status --server http://localhost:8080 --pattern 'Hossack%'

  Inspect one task:
    hpcctl history Hossack_REL01 HF
    hpcctl errors Hossack_REL01 HF

  Report from inside a batch job (done by the generated scripts):
    hpcctl report --mailbox mgmt_db_queue --run Hossack_REL01 --proc HF --status running

Configuration:
  Commands that touch the task store read the orchestrator config file (--config) and
  HPCFLOW_* environment variables, for example:
    HPCFLOW_RUN_DIR      Run directory holding slurm_mgmt.db and mgmt_db_queue
    HPCFLOW_SERVER       Status API of a running orchestrator
    HPCFLOW_TOKEN        Bearer token of the status API`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		// The orchestrator config may carry a server entry; anything else in it is read
		// by config.Load.
		_ = viper.ReadInConfig()
	}

	// Read environment variables that match "HPCFLOW_VARNAME"
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
}

// loadConfig reads the orchestrator configuration named by --config.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// openStore opens the task store of the configured run. Unless create is set, the database
// must already exist.
func openStore(ctx context.Context, cfg *config.Config, create bool) (*sqlite.Store, error) {
	if !create {
		if _, err := os.Stat(cfg.DatabasePath); err != nil {
			return nil, fmt.Errorf("no task database at %s: %w", cfg.DatabasePath, err)
		}
	}
	return sqlite.Open(ctx, sqlite.Options{
		Path:        cfg.DatabasePath,
		LockTimeout: cfg.DBLockTimeout,
		RetryMax:    cfg.RetryMax,
		SkipMigrate: !create,
	})
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "orchestrator config file (default: defaults and HPCFLOW_* environment)")

	rootCmd.PersistentFlags().String("server", "", "Status API of a running orchestrator; reads the database directly when empty")
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Status API token (default: api_token of the config)")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
