package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"hpcflow/internal/autosubmit"
	"hpcflow/internal/config"
	"hpcflow/internal/ingest"
	"hpcflow/internal/observability"
	"hpcflow/internal/scheduler"
	"hpcflow/internal/statusapi"
	"hpcflow/internal/store/sqlite"
	"hpcflow/internal/submit"
	"hpcflow/internal/workflow"
)

const serviceName = "hpcflow-orchestrator"

// run wires the orchestrator from cfg and blocks until every auto-submit loop exits or ctx is
// cancelled. A configuration error at startup or from a loop is returned.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// Tracing
	if cfg.OTELEndpoint != "" {
		machines := make([]string, 0, len(cfg.Machines))
		for _, m := range cfg.Machines {
			machines = append(machines, m.Name)
		}
		shutdownTracer, err := observability.InitTracer(ctx, observability.TracerOptions{
			ServiceName: serviceName,
			Endpoint:    cfg.OTELEndpoint,
			RunDir:      cfg.RunDir,
			Machines:    machines,
		})
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()
	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	// Store
	st, err := sqlite.Open(ctx, sqlite.Options{
		Path:        cfg.DatabasePath,
		LockTimeout: cfg.DBLockTimeout,
		RetryMax:    cfg.RetryMax,
	})
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer st.Close()

	if _, err := observability.RegisterTaskGauge(st); err != nil {
		log.Warn("failed to register task gauge", "error", err)
	}
	if _, err := observability.RegisterInFlightGauge(st, procsByMachine(cfg)); err != nil {
		log.Warn("failed to register in-flight gauge", "error", err)
	}

	if err := os.MkdirAll(cfg.MailboxDir, 0o755); err != nil {
		return fmt.Errorf("failed to create mailbox: %w", err)
	}

	schedulers, err := buildSchedulers(cfg, log)
	if err != nil {
		return err
	}

	submitter := submit.New(submitConfig(cfg, schedulers, log), nil)

	monitor := ingest.New(st, ingest.Config{
		MailboxDir:     cfg.MailboxDir,
		PollInterval:   cfg.Monitor.Interval,
		MaxBackoff:     cfg.Monitor.MaxBackoff,
		ReconcileEvery: cfg.Monitor.ReconcileEvery,
		User:           cfg.User,
		Schedulers:     schedulers,
		Logger:         log,
		Metrics:        metrics,
	})

	// Status API
	if cfg.HTTPPort > 0 {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		srv := statusapi.New(addr, st, statusapi.Options{
			Metrics:   metricsHandler,
			Token:     cfg.APIToken,
			RateLimit: cfg.APIRateLimit,
			RateBurst: cfg.APIRateBurst,
			Logger:    log,
		})
		go func() {
			log.Info("status API starting", "addr", addr)
			if err := srv.Run(ctx); err != nil {
				log.Error("status API stopped", "error", err)
			}
		}()
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitor.Run(monitorCtx)

	loops := buildLoops(cfg, st, submitter, schedulers, metrics, log)
	loopErr := runLoops(ctx, loops)

	// The loops are idle, so whatever is left in the mailbox is the final reports of the run.
	stopMonitor()
	<-monitor.Done()
	if n, err := monitor.Drain(context.WithoutCancel(ctx)); err != nil {
		log.Error("final mailbox drain failed", "error", err)
	} else if n > 0 {
		log.Info("final mailbox drain", "updates", n)
	}

	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return loopErr
	}
	return nil
}

// buildSchedulers creates one backend per configured machine.
func buildSchedulers(cfg *config.Config, log *slog.Logger) (map[string]scheduler.Scheduler, error) {
	out := make(map[string]scheduler.Scheduler, len(cfg.Machines))
	for _, m := range cfg.Machines {
		s, err := cfg.NewScheduler(m.Name, log)
		if err != nil {
			return nil, err
		}
		out[m.Name] = s
	}
	return out, nil
}

// procsByMachine groups the selected process types by the machine they run on.
func procsByMachine(cfg *config.Config) map[string][]workflow.ProcessType {
	out := make(map[string][]workflow.ProcessType, len(cfg.Machines))
	for _, p := range cfg.SelectedProcessTypes() {
		m := cfg.MachineFor(p)
		out[m] = append(out[m], p)
	}
	return out
}

func submitConfig(cfg *config.Config, schedulers map[string]scheduler.Scheduler, log *slog.Logger) submit.Config {
	commands := make(map[workflow.ProcessType]string)
	for _, p := range workflow.AllProcessTypes {
		if c := cfg.CommandFor(p); c != "" {
			commands[p] = c
		}
	}
	machines := make(map[string]submit.Machine, len(cfg.Machines))
	for _, m := range cfg.Machines {
		machines[m.Name] = submit.Machine{
			Name:      m.Name,
			Kind:      strings.ToLower(m.Scheduler),
			Account:   m.Account,
			Scheduler: schedulers[m.Name],
		}
	}
	return submit.Config{
		RunDir:        cfg.RunDir,
		MailboxDir:    cfg.MailboxDir,
		WorkloadFile:  cfg.WorkloadFile,
		ReportCommand: cfg.ReportCommand,
		WCTScale:      cfg.WCTScale,
		Commands:      commands,
		Machines:      machines,
		Logger:        log,
	}
}

// buildLoops returns the unconstrained loop, which leaves out every scoped pattern, followed by
// one loop per pattern. Rate limiters are shared so a machine's submit rate holds across loops.
func buildLoops(cfg *config.Config, st autosubmit.Store, sub autosubmit.Submitter, schedulers map[string]scheduler.Scheduler, metrics *observability.Metrics, log *slog.Logger) []*autosubmit.Loop {
	machines := make([]autosubmit.Machine, 0, len(cfg.Machines))
	for _, m := range cfg.Machines {
		machines = append(machines, autosubmit.Machine{
			Name:              m.Name,
			Scheduler:         schedulers[m.Name],
			AllowedConcurrent: m.AllowedConcurrent,
			Limiter:           autosubmit.NewLimiter(m.SubmitRate, m.SubmitBurst),
		})
	}

	base := autosubmit.Config{
		ProcTypes:     cfg.SelectedProcessTypes(),
		Machines:      machines,
		MachineFor:    cfg.MachineFor,
		User:          cfg.User,
		MailboxDir:    cfg.MailboxDir,
		CycleInterval: cfg.AutoSubmit.CycleInterval,
		IdleCycles:    cfg.AutoSubmit.IdleCycles,
		Logger:        log,
		Metrics:       metrics,
	}

	unscoped := base
	unscoped.Name = "main"
	unscoped.ExcludePatterns = cfg.AutoSubmit.Patterns
	loops := []*autosubmit.Loop{autosubmit.New(st, sub, unscoped)}

	for _, pattern := range cfg.AutoSubmit.Patterns {
		scoped := base
		scoped.Name = pattern
		scoped.Patterns = []string{pattern}
		loops = append(loops, autosubmit.New(st, sub, scoped))
	}
	return loops
}

// runLoops runs every loop to completion. The first configuration error cancels the others.
func runLoops(ctx context.Context, loops []*autosubmit.Loop) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Run(ctx); err != nil {
				mu.Lock()
				if firstErr == nil || (workflow.IsConfigError(err) && !workflow.IsConfigError(firstErr)) {
					firstErr = err
				}
				mu.Unlock()
				if workflow.IsConfigError(err) {
					cancel()
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}
