package submit

import (
	"errors"

	"hpcflow/internal/workflow"
)

// routine is what differs between process types: where the job runs and which workload
// parameters it cannot do without.
type routine struct {
	dir      string
	requires func(w *Workload) error
}

func needGrid(w *Workload) error {
	if w.NX <= 0 || w.NY <= 0 || w.NZ <= 0 {
		return errors.New("workload is missing the grid size (nx, ny, nz)")
	}
	if w.Duration <= 0 || w.DT <= 0 {
		return errors.New("workload is missing duration or dt")
	}
	return nil
}

func needStations(w *Workload) error {
	if w.Stations <= 0 {
		return errors.New("workload is missing the station count")
	}
	return nil
}

func needStationsAndDuration(w *Workload) error {
	if err := needStations(w); err != nil {
		return err
	}
	if w.Duration <= 0 {
		return errors.New("workload is missing duration")
	}
	return nil
}

func needNothing(*Workload) error { return nil }

func defaultRoutines() map[workflow.ProcessType]routine {
	return map[workflow.ProcessType]routine{
		workflow.EMOD3D:        {dir: "LF", requires: needGrid},
		workflow.MergeTS:       {dir: "LF", requires: needNothing},
		workflow.PlotTS:        {dir: "LF", requires: needNothing},
		workflow.HF:            {dir: "HF", requires: needStationsAndDuration},
		workflow.BB:            {dir: "BB", requires: needStationsAndDuration},
		workflow.LF2BB:         {dir: "BB", requires: needStationsAndDuration},
		workflow.HF2BB:         {dir: "BB", requires: needStationsAndDuration},
		workflow.IMCalculation: {dir: "IM_calc", requires: needStations},
		workflow.IMPlot:        {dir: "IM_calc", requires: needNothing},
		workflow.AdvancedIM:    {dir: "IM_calc", requires: needStations},
		workflow.Rrup:          {dir: "verification", requires: needStations},
		workflow.Empirical:     {dir: "IM_calc", requires: needStations},
		workflow.Verification:  {dir: "verification", requires: needNothing},
		workflow.CleanUp:       {dir: ".", requires: needNothing},
		workflow.PlotSRF:       {dir: "plots", requires: needNothing},
	}
}
