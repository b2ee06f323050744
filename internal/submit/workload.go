// Package submit prepares and submits the batch job of one task: it loads the realisation's
// workload descriptor, sizes the request with an estimator, renders the batch script and hands
// it to the machine's scheduler.
package submit

import (
	"errors"
	"fmt"
	"os"
	"time"

	"hpcflow/internal/workflow"

	"gopkg.in/yaml.v3"
)

// Workload describes the size of a realisation's simulation. It is produced by the run's
// installation step as {run_dir}/{run_name}/workload.yaml.
type Workload struct {
	// Grid dimensions of the low frequency domain.
	NX int `yaml:"nx"`
	NY int `yaml:"ny"`
	NZ int `yaml:"nz"`
	// Duration is the simulated time in seconds.
	Duration float64 `yaml:"duration"`
	// DT is the low frequency time step in seconds.
	DT       float64 `yaml:"dt"`
	Stations int     `yaml:"stations"`

	// Procs holds per process type overrides keyed by process type name.
	Procs map[string]ProcWorkload `yaml:"process_types"`
}

// ProcWorkload overrides the estimate or command of one process type.
type ProcWorkload struct {
	Cores    int               `yaml:"cores"`
	WallTime time.Duration     `yaml:"wall_time"`
	MemoryMB int               `yaml:"memory_mb"`
	Command  string            `yaml:"command"`
	Env      map[string]string `yaml:"env"`
}

// LoadWorkload reads a workload descriptor. A missing or unreadable descriptor is a
// configuration error: the run was not installed properly and retrying will not help.
func LoadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &workflow.ConfigError{Msg: fmt.Sprintf("workload descriptor %s does not exist", path)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workload descriptor: %w", err)
	}

	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, &workflow.ConfigError{Msg: fmt.Sprintf("invalid workload descriptor %s: %v", path, err)}
	}
	for name := range w.Procs {
		if _, err := workflow.ParseProcessType(name); err != nil {
			return nil, &workflow.ConfigError{Msg: fmt.Sprintf("workload descriptor %s: %v", path, err)}
		}
	}
	return &w, nil
}

// For returns the overrides of p, if any.
func (w *Workload) For(p workflow.ProcessType) ProcWorkload {
	for name, pw := range w.Procs {
		if q, err := workflow.ParseProcessType(name); err == nil && q == p {
			return pw
		}
	}
	return ProcWorkload{}
}

// Cells is the number of grid points of the low frequency domain.
func (w *Workload) Cells() int64 {
	return int64(w.NX) * int64(w.NY) * int64(w.NZ)
}

// Steps is the number of low frequency time steps.
func (w *Workload) Steps() int64 {
	if w.DT <= 0 {
		return 0
	}
	return int64(w.Duration / w.DT)
}
