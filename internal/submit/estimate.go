package submit

import (
	"context"
	"math"
	"time"

	"hpcflow/internal/workflow"
)

// Estimate sizes one batch job.
type Estimate struct {
	CoreHours float64
	RunTime   time.Duration
	Cores     int
}

// Estimator predicts the resources a task needs. It is consulted once per submission.
type Estimator interface {
	Estimate(ctx context.Context, proc workflow.ProcessType, w *Workload) (Estimate, error)
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(ctx context.Context, proc workflow.ProcessType, w *Workload) (Estimate, error)

func (f EstimatorFunc) Estimate(ctx context.Context, proc workflow.ProcessType, w *Workload) (Estimate, error) {
	return f(ctx, proc, w)
}

const (
	nodeCores  = 40
	minRunTime = 5 * time.Minute
)

// HeuristicEstimator scales a per process type cost with the workload size. It stands in for
// a trained model and is deliberately generous.
type HeuristicEstimator struct{}

// Estimate implements Estimator.
func (HeuristicEstimator) Estimate(_ context.Context, proc workflow.ProcessType, w *Workload) (Estimate, error) {
	var coreHours float64
	cores := nodeCores

	switch proc {
	case workflow.EMOD3D:
		coreHours = float64(w.Cells()) * float64(w.Steps()) * 1.6e-9
		// One node per 2.5 million grid points, at least two nodes.
		nodes := int(math.Ceil(float64(w.Cells()) / 2.5e6))
		cores = max(nodes, 2) * nodeCores
	case workflow.HF:
		coreHours = float64(w.Stations) * w.Duration * 2e-4
		cores = 2 * nodeCores
	case workflow.BB, workflow.LF2BB, workflow.HF2BB:
		coreHours = float64(w.Stations) * w.Duration * 5e-5
	case workflow.IMCalculation, workflow.AdvancedIM:
		coreHours = float64(w.Stations) * 1e-3
	case workflow.MergeTS, workflow.PlotTS, workflow.IMPlot, workflow.PlotSRF:
		coreHours = 0.5
		cores = 1
	default:
		coreHours = 0.25
		cores = 1
	}

	e := Estimate{CoreHours: coreHours, Cores: cores}
	if o := w.For(proc); o.Cores > 0 {
		e.Cores = o.Cores
	}
	e.RunTime = time.Duration(e.CoreHours / float64(e.Cores) * float64(time.Hour))
	if o := w.For(proc); o.WallTime > 0 {
		e.RunTime = o.WallTime
	}
	e.RunTime = max(e.RunTime, minRunTime)
	return e, nil
}

// ScaleWallTime grows the requested wall time by scale for every prior WCT kill and rounds it
// up to whole minutes.
func ScaleWallTime(runTime time.Duration, scale float64, wctRetries int) time.Duration {
	d := time.Duration(float64(runTime) * math.Pow(scale, float64(wctRetries)))
	if rem := d % time.Minute; rem != 0 {
		d += time.Minute - rem
	}
	return d
}
