// Package config loads the orchestrator configuration from a YAML file, HPCFLOW_* environment
// variables and defaults.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"hpcflow/internal/scheduler"
	"hpcflow/internal/workflow"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. HPCFLOW_RUN_DIR.
const EnvPrefix = "HPCFLOW"

// Config holds all configuration values for the application.
type Config struct {
	// RunDir is the root directory of the orchestrated run.
	RunDir string `mapstructure:"run_dir"`
	// DatabasePath defaults to {run_dir}/slurm_mgmt.db.
	DatabasePath string `mapstructure:"database_path"`
	// MailboxDir defaults to {run_dir}/mgmt_db_queue.
	MailboxDir string `mapstructure:"mailbox_dir"`
	// User owns the jobs whose queues are checked.
	User string `mapstructure:"user"`

	RetryMax      int           `mapstructure:"retry_max"`
	DBLockTimeout time.Duration `mapstructure:"db_lock_timeout"`

	// HTTPPort serves the status API and /metrics. Zero disables it.
	HTTPPort int `mapstructure:"http_port"`
	// APIToken, when set, is required as a bearer token by the status queries.
	APIToken string `mapstructure:"api_token"`
	// APIRateLimit bounds status queries per second. Zero means unlimited.
	APIRateLimit float64 `mapstructure:"api_rate_limit"`
	APIRateBurst int     `mapstructure:"api_rate_burst"`
	// OTELEndpoint enables tracing to an OTLP gRPC collector when set.
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	Monitor    MonitorConfig    `mapstructure:"monitor"`
	AutoSubmit AutoSubmitConfig `mapstructure:"autosubmit"`

	// ProcessTypes are the process types populated for each realisation.
	ProcessTypes []string `mapstructure:"process_types"`

	Machines []MachineConfig `mapstructure:"machines"`
	// ProcMachines maps a process type name to the machine it runs on.
	ProcMachines   map[string]string `mapstructure:"proc_machines"`
	DefaultMachine string            `mapstructure:"default_machine"`

	// WCTScale multiplies the estimated wall clock time once per prior WCT kill.
	WCTScale float64 `mapstructure:"wct_scale"`
	// Commands maps a process type name to the shell command its batch script runs.
	Commands map[string]string `mapstructure:"commands"`
	// WorkloadFile is the descriptor name looked up in {run_dir}/{run_name}/.
	WorkloadFile string `mapstructure:"workload_file"`
	// ReportCommand is how batch scripts invoke the report CLI.
	ReportCommand string `mapstructure:"report_command"`

	procs []workflow.ProcessType
}

// MonitorConfig configures the mailbox monitor.
type MonitorConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// ReconcileEvery runs queue reconciliation every N cycles. Zero disables it.
	ReconcileEvery int `mapstructure:"reconcile_every"`
}

// AutoSubmitConfig configures the auto-submit loops.
type AutoSubmitConfig struct {
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	IdleCycles    int           `mapstructure:"idle_cycles"`
	// Patterns each get their own loop; the unconstrained loop excludes them.
	Patterns []string `mapstructure:"patterns"`
}

// MachineConfig describes one submission target.
type MachineConfig struct {
	Name              string  `mapstructure:"name"`
	Scheduler         string  `mapstructure:"scheduler"`
	AllowedConcurrent int     `mapstructure:"allowed_concurrent"`
	Account           string  `mapstructure:"account"`
	Cluster           string  `mapstructure:"cluster"`
	SubmitRate        float64 `mapstructure:"submit_rate"`
	SubmitBurst       int     `mapstructure:"submit_burst"`

	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
}

// KubernetesConfig is used by machines with scheduler: kubernetes.
type KubernetesConfig struct {
	Namespace      string `mapstructure:"namespace"`
	Image          string `mapstructure:"image"`
	ServiceAccount string `mapstructure:"service_account"`
	VolumeClaim    string `mapstructure:"volume_claim"`
	MountPath      string `mapstructure:"mount_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run_dir", ".")
	v.SetDefault("database_path", "")
	v.SetDefault("mailbox_dir", "")
	v.SetDefault("user", "")
	v.SetDefault("retry_max", 2)
	v.SetDefault("db_lock_timeout", 15*time.Second)
	v.SetDefault("http_port", 0)
	v.SetDefault("api_token", "")
	v.SetDefault("api_rate_limit", 0.0)
	v.SetDefault("api_rate_burst", 10)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("monitor.interval", 5*time.Second)
	v.SetDefault("monitor.max_backoff", time.Minute)
	v.SetDefault("monitor.reconcile_every", 12)
	v.SetDefault("autosubmit.cycle_interval", 30*time.Second)
	v.SetDefault("autosubmit.idle_cycles", 20)
	v.SetDefault("process_types", []string{"EMOD3D", "HF", "BB", "IM_calculation"})
	v.SetDefault("default_machine", "")
	v.SetDefault("wct_scale", 2.0)
	v.SetDefault("workload_file", "workload.yaml")
	v.SetDefault("report_command", "hpcctl")
}

// Load reads configuration from path (optional), the environment and defaults, then
// validates it. Validation failures are *workflow.ConfigError.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &workflow.ConfigError{Msg: fmt.Sprintf("failed to read config %s: %v", path, err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &workflow.ConfigError{Msg: fmt.Sprintf("failed to decode config: %v", err)}
	}
	// Lists set through the environment arrive as one space or comma separated string.
	if env := v.GetString("process_types"); env != "" && len(cfg.ProcessTypes) == 1 {
		cfg.ProcessTypes = splitList(env)
	}
	if env := v.GetString("autosubmit.patterns"); env != "" && len(cfg.AutoSubmit.Patterns) == 1 {
		cfg.AutoSubmit.Patterns = splitList(env)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

func (c *Config) applyDerived() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.RunDir, "slurm_mgmt.db")
	}
	if c.MailboxDir == "" {
		c.MailboxDir = filepath.Join(c.RunDir, "mgmt_db_queue")
	}
	if c.DefaultMachine == "" && len(c.Machines) > 0 {
		c.DefaultMachine = c.Machines[0].Name
	}
}

// Validate checks the configuration and caches the parsed process types.
func (c *Config) Validate() error {
	if c.RetryMax < 0 {
		return &workflow.ConfigError{Msg: "retry_max must not be negative"}
	}
	if c.WCTScale < 1 {
		return &workflow.ConfigError{Msg: "wct_scale must be at least 1"}
	}
	if c.APIRateLimit < 0 {
		return &workflow.ConfigError{Msg: "api_rate_limit must not be negative"}
	}
	if c.AutoSubmit.IdleCycles < 0 {
		return &workflow.ConfigError{Msg: "autosubmit.idle_cycles must not be negative"}
	}

	procs, err := workflow.ParseProcessTypes(c.ProcessTypes)
	if err != nil {
		return err
	}
	if err := workflow.DefaultGraph().ValidateSelection(procs); err != nil {
		return err
	}
	c.procs = procs

	names := make(map[string]bool, len(c.Machines))
	for _, m := range c.Machines {
		if m.Name == "" {
			return &workflow.ConfigError{Msg: "machine without a name"}
		}
		if names[m.Name] {
			return &workflow.ConfigError{Msg: fmt.Sprintf("machine %s configured twice", m.Name)}
		}
		names[m.Name] = true
		switch strings.ToLower(m.Scheduler) {
		case scheduler.KindSlurm, scheduler.KindPBS, scheduler.KindBash, scheduler.KindKubernetes:
		default:
			return &workflow.ConfigError{Msg: fmt.Sprintf("machine %s has unknown scheduler %q", m.Name, m.Scheduler)}
		}
		if m.AllowedConcurrent < 0 {
			return &workflow.ConfigError{Msg: fmt.Sprintf("machine %s: allowed_concurrent must not be negative", m.Name)}
		}
		if m.SubmitRate < 0 {
			return &workflow.ConfigError{Msg: fmt.Sprintf("machine %s: submit_rate must not be negative", m.Name)}
		}
	}
	if c.DefaultMachine != "" && !names[c.DefaultMachine] {
		return &workflow.ConfigError{Msg: fmt.Sprintf("default_machine %s is not configured", c.DefaultMachine)}
	}
	for procName, machine := range c.ProcMachines {
		if _, err := workflow.ParseProcessType(procName); err != nil {
			return err
		}
		if !names[machine] {
			return &workflow.ConfigError{Msg: fmt.Sprintf("proc_machines: %s runs on unknown machine %s", procName, machine)}
		}
	}
	for procName := range c.Commands {
		if _, err := workflow.ParseProcessType(procName); err != nil {
			return err
		}
	}
	return nil
}

// SelectedProcessTypes returns the parsed process_types.
func (c *Config) SelectedProcessTypes() []workflow.ProcessType {
	return c.procs
}

// MachineFor returns the machine a process type runs on.
func (c *Config) MachineFor(p workflow.ProcessType) string {
	for name, machine := range c.ProcMachines {
		if q, err := workflow.ParseProcessType(name); err == nil && q == p {
			return machine
		}
	}
	return c.DefaultMachine
}

// CommandFor returns the configured command of a process type, if any.
func (c *Config) CommandFor(p workflow.ProcessType) string {
	for name, cmd := range c.Commands {
		if q, err := workflow.ParseProcessType(name); err == nil && q == p {
			return cmd
		}
	}
	return ""
}

// Machine returns the named machine.
func (c *Config) Machine(name string) (MachineConfig, bool) {
	for _, m := range c.Machines {
		if m.Name == name {
			return m, true
		}
	}
	return MachineConfig{}, false
}

// NewScheduler builds the backend of the named machine.
func (c *Config) NewScheduler(name string, log *slog.Logger) (scheduler.Scheduler, error) {
	m, ok := c.Machine(name)
	if !ok {
		return nil, &workflow.ConfigError{Msg: fmt.Sprintf("unknown machine %s", name)}
	}
	return scheduler.New(m.Scheduler, scheduler.Options{
		Machine: m.Name,
		Account: m.Account,
		Cluster: m.Cluster,
		Logger:  log,
		Kubernetes: scheduler.KubernetesOptions{
			Namespace:      m.Kubernetes.Namespace,
			Image:          m.Kubernetes.Image,
			ServiceAccount: m.Kubernetes.ServiceAccount,
			VolumeClaim:    m.Kubernetes.VolumeClaim,
			MountPath:      m.Kubernetes.MountPath,
			User:           c.User,
		},
	})
}
