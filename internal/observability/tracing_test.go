package observability

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func shutdownWithin(t *testing.T, shutdown func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestInitTracer_LazyConnection(t *testing.T) {
	// gRPC dials lazily, so an unreachable collector does not fail start up.
	for _, tc := range []struct{ service, addr string }{
		{"hpcflow-orchestrator", "invalid-endpoint:9999"},
		{"hpcflow-orchestrator", "localhost:4317"},
		{"", "localhost:4317"},
	} {
		shutdown, err := InitTracer(context.Background(), TracerOptions{ServiceName: tc.service, Endpoint: tc.addr})
		if err != nil {
			t.Logf("InitTracer(%q, %q) returned error (may be expected in this environment): %v", tc.service, tc.addr, err)
			continue
		}
		if shutdown == nil {
			t.Fatal("expected shutdown function to be non-nil")
		}
		shutdownWithin(t, shutdown)
	}
}

func TestTracer_StartsSpans(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerOptions{ServiceName: "hpcflow-test", Endpoint: "localhost:4317"})
	if err != nil {
		t.Skipf("tracer unavailable: %v", err)
	}
	defer shutdownWithin(t, shutdown)

	_, span := Tracer().Start(context.Background(), "monitor.cycle")
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording span with a valid context")
	}
	span.End()
}

func TestTraceResource(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Cybershake_v24p1")
	res, err := traceResource(context.Background(), TracerOptions{
		ServiceName: "hpcflow-orchestrator",
		RunDir:      dir,
		Machines:    []string{"maui", "mahuika"},
	})
	if err != nil {
		t.Fatalf("traceResource failed: %v", err)
	}

	set := res.Set()
	want := map[attribute.Key]string{
		"service.name":      "hpcflow-orchestrator",
		"service.namespace": "hpcflow",
		"hpcflow.run_dir":   dir,
		"hpcflow.run":       "Cybershake_v24p1",
	}
	for key, value := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != value {
			t.Errorf("%s = %q, want %q", key, got.Emit(), value)
		}
	}
	machines, ok := set.Value("hpcflow.machines")
	if !ok || len(machines.AsStringSlice()) != 2 || machines.AsStringSlice()[0] != "mahuika" {
		t.Errorf("hpcflow.machines = %v", machines.Emit())
	}
	if _, ok := set.Value("service.instance.id"); !ok {
		t.Error("missing service.instance.id")
	}
}

func TestTraceResource_WithoutRun(t *testing.T) {
	res, err := traceResource(context.Background(), TracerOptions{ServiceName: "hpcctl"})
	if err != nil {
		t.Fatalf("traceResource failed: %v", err)
	}
	if _, ok := res.Set().Value("hpcflow.run_dir"); ok {
		t.Error("run attributes should be absent without a run directory")
	}
}
