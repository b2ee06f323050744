package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeRunner returns canned output per command name and records every call.
type fakeRunner struct {
	out   map[string]string
	err   map[string]error
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return []byte(f.out[name]), f.err[name]
}

func (f *fakeRunner) call(name string) []string {
	for _, c := range f.calls {
		if c[0] == name {
			return c
		}
	}
	return nil
}

func newTestSlurm(r *fakeRunner) *Slurm {
	s := NewSlurm(Options{Machine: "maui", Account: "nesi00213", Runner: r})
	s.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	return s
}

func TestSlurm_SubmitJob(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    int64
		wantErr bool
	}{
		{"plain", "123456\n", 123456, false},
		{"federated", "123457;maui\n", 123457, false},
		{"garbage", "sbatch: error: Batch job submission failed\n", 0, true},
		{"empty", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{out: map[string]string{"sbatch": tt.out}}
			s := newTestSlurm(r)

			got, err := s.SubmitJob(context.Background(), SubmitRequest{
				WorkingDir: "/runs/R", ScriptPath: "/runs/R/run_emod3d.sl", JobName: "emod3d.R", WallTime: 90 * time.Minute,
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("SubmitJob() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !IsSchedulerError(err) {
					t.Errorf("expected SchedulerError, got %T", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("job id = %d, want %d", got, tt.want)
			}

			args := strings.Join(r.call("sbatch"), " ")
			for _, want := range []string{
				"--parsable",
				"--output=/runs/R/%x_%j_20240501_093000.out",
				"--error=/runs/R/%x_%j_20240501_093000.err",
				"--account=nesi00213",
				"--time=01:30:00",
			} {
				if !strings.Contains(args, want) {
					t.Errorf("sbatch args %q missing %q", args, want)
				}
			}
		})
	}
}

func TestSlurm_SubmitJob_CommandFails(t *testing.T) {
	r := &fakeRunner{
		out: map[string]string{"sbatch": ""},
		err: map[string]error{"sbatch": errors.New("exit status 1")},
	}
	_, err := newTestSlurm(r).SubmitJob(context.Background(), SubmitRequest{ScriptPath: "x.sl"})
	var se *SchedulerError
	if !errors.As(err, &se) || se.Op != "submit" || se.Machine != "maui" {
		t.Fatalf("expected submit SchedulerError, got %v", err)
	}
}

func TestSlurm_CheckQueues(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"squeue": "CLUSTER: maui\n1001 R\n1002 PD\n\nnot a job\n"}}
	entries, err := newTestSlurm(r).CheckQueues(context.Background(), "jpa198", "maui")
	if err != nil {
		t.Fatalf("CheckQueues failed: %v", err)
	}
	if len(entries) != 2 || entries[0] != (QueueEntry{JobID: 1001, State: "R"}) || entries[1].State != "PD" {
		t.Errorf("entries = %+v", entries)
	}
	if args := strings.Join(r.call("squeue"), " "); !strings.Contains(args, "-u jpa198") {
		t.Errorf("squeue args %q missing user", args)
	}
}

func TestSlurm_GetJobMetadata(t *testing.T) {
	r := &fakeRunner{out: map[string]string{
		"sacct": "2001|TIMEOUT|2024-05-01T10:00:00|2024-05-01T12:00:05|02:00:05|80\n",
	}}
	s := newTestSlurm(r)

	md, err := s.GetJobMetadata(context.Background(), 2001, "maui")
	if err != nil {
		t.Fatalf("GetJobMetadata failed: %v", err)
	}
	if md.State != "TIMEOUT" || !md.Finished || md.Succeeded {
		t.Errorf("metadata state = %+v", md)
	}
	if md.Cores != 80 || md.RunTime != 2*time.Hour+5*time.Second {
		t.Errorf("metadata resources = %+v", md)
	}
	if md.Start == nil || md.End == nil {
		t.Errorf("missing times: %+v", md)
	}

	wct, err := s.CheckWCTExceeded(context.Background(), 2001, "maui")
	if err != nil || !wct {
		t.Errorf("CheckWCTExceeded = %v, %v; want true", wct, err)
	}
}

func TestSlurm_GetJobMetadata_CancelledAndMalformed(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"sacct": "2002|CANCELLED by 5012|2024-05-01T10:00:00|Unknown|00:10:00|40\n"}}
	md, err := newTestSlurm(r).GetJobMetadata(context.Background(), 2002, "maui")
	if err != nil {
		t.Fatalf("GetJobMetadata failed: %v", err)
	}
	if md.State != "CANCELLED" || md.End != nil || !md.Finished {
		t.Errorf("metadata = %+v", md)
	}

	r = &fakeRunner{out: map[string]string{"sacct": "garbage"}}
	if _, err := newTestSlurm(r).GetJobMetadata(context.Background(), 2002, "maui"); !IsSchedulerError(err) {
		t.Errorf("expected SchedulerError for malformed output, got %v", err)
	}
}

func TestParseClock(t *testing.T) {
	tests := map[string]time.Duration{
		"00:00:30":   30 * time.Second,
		"01:02:03":   time.Hour + 2*time.Minute + 3*time.Second,
		"1-00:00:00": 24 * time.Hour,
		"10:30":      10*time.Hour + 30*time.Minute,
	}
	for in, want := range tests {
		got, err := parseClock(in)
		if err != nil || got != want {
			t.Errorf("parseClock(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseClock("soon"); err == nil {
		t.Error("expected error for non-clock value")
	}
	if got := formatClock(90*time.Minute + 500*time.Millisecond); got != "01:30:01" {
		t.Errorf("formatClock = %s", got)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	if _, err := New("lsf", Options{Machine: "x"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	s, err := New("SLURM", Options{Machine: "x"})
	if err != nil || s.Name() != KindSlurm {
		t.Errorf("New(SLURM) = %v, %v", s, err)
	}
}
