package statusapi

import (
	"hpcflow/internal/store"
	"hpcflow/internal/workflow"
	"hpcflow/pkg/api"
)

// ToStatusResponse converts store counts to the API form.
func ToStatusResponse(counts []store.StatusCount) api.StatusResponse {
	resp := api.StatusResponse{
		Counts: make([]api.StatusCount, 0, len(counts)),
		Totals: make(map[string]int),
	}
	for _, c := range counts {
		resp.Counts = append(resp.Counts, api.StatusCount{
			ProcType: c.ProcType.String(),
			Status:   c.Status.String(),
			Count:    c.Count,
		})
		resp.Totals[c.Status.String()] += c.Count
	}
	return resp
}

// ToTaskResponse converts a task's history to the API form. history must not be empty.
func ToTaskResponse(run string, proc workflow.ProcessType, history []store.TaskAttempt, errs []store.TaskError, retries int) api.TaskResponse {
	resp := api.TaskResponse{
		RunName:  run,
		ProcType: proc.String(),
		Status:   history[len(history)-1].Status.String(),
		Retries:  retries,
		Attempts: make([]api.TaskAttempt, 0, len(history)),
		Errors:   make([]string, 0, len(errs)),
	}
	for _, a := range history {
		attempt := api.TaskAttempt{
			ID:           a.ID,
			Status:       a.Status.String(),
			JobID:        a.JobID,
			LastModified: a.LastModified,
		}
		if d := a.Duration; d != nil {
			attempt.Duration = &api.JobDuration{
				Machine:    d.Machine,
				QueuedTime: d.QueuedTime,
				StartTime:  d.StartTime,
				EndTime:    d.EndTime,
				Nodes:      d.Nodes,
				Cores:      d.Cores,
				Memory:     d.Memory,
			}
			if d.WCT != nil {
				secs := int64(d.WCT.Seconds())
				attempt.Duration.WCTSeconds = &secs
			}
		}
		resp.Attempts = append(resp.Attempts, attempt)
	}
	for _, e := range errs {
		resp.Errors = append(resp.Errors, e.Error)
	}
	return resp
}
