package cmd

import (
	"context"

	"hpcflow/internal/statusapi"
	"hpcflow/internal/store"
	"hpcflow/internal/workflow"
	"hpcflow/pkg/api"

	"github.com/spf13/viper"
)

// taskSource answers the read-only commands, either from the database or a status API.
type taskSource interface {
	Status(ctx context.Context, patterns, procs []string) (*api.StatusResponse, error)
	Task(ctx context.Context, run, proc string) (*api.TaskResponse, error)
	Close() error
}

// openSource picks the status API when a server is configured and the local database
// otherwise.
func openSource(ctx context.Context) (taskSource, error) {
	if server := viper.GetString("server"); server != "" {
		token := viper.GetString("token")
		if token == "" {
			token = viper.GetString("api_token")
		}
		return &remoteSource{client: NewStatusClient(server, token)}, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	return &localSource{store: st, close: st.Close}, nil
}

type remoteSource struct {
	client *StatusClient
}

func (r *remoteSource) Status(ctx context.Context, patterns, procs []string) (*api.StatusResponse, error) {
	return r.client.GetStatus(patterns, procs)
}

func (r *remoteSource) Task(ctx context.Context, run, proc string) (*api.TaskResponse, error) {
	return r.client.GetTask(run, proc)
}

func (r *remoteSource) Close() error { return nil }

type localSource struct {
	store store.Reporter
	close func() error
}

func (l *localSource) Status(ctx context.Context, patterns, procs []string) (*api.StatusResponse, error) {
	filter := store.TaskFilter{Patterns: patterns}
	if len(procs) > 0 {
		parsed, err := workflow.ParseProcessTypes(procs)
		if err != nil {
			return nil, err
		}
		filter.ProcTypes = parsed
	}
	counts, err := l.store.StatusCounts(ctx, filter)
	if err != nil {
		return nil, err
	}
	resp := statusapi.ToStatusResponse(counts)
	return &resp, nil
}

func (l *localSource) Task(ctx context.Context, run, proc string) (*api.TaskResponse, error) {
	p, err := workflow.ParseProcessType(proc)
	if err != nil {
		return nil, err
	}
	history, err := l.store.TaskHistory(ctx, run, p)
	if err != nil {
		return nil, err
	}
	errs, err := l.store.TaskErrors(ctx, run, p)
	if err != nil {
		return nil, err
	}
	retries, err := l.store.Retries(ctx, run, p)
	if err != nil {
		return nil, err
	}
	resp := statusapi.ToTaskResponse(run, p, history, errs, retries)
	return &resp, nil
}

func (l *localSource) Close() error { return l.close() }
