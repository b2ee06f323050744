package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const qstatTable = `
pbsserver:
                                                            Req'd  Req'd   Elap
Job ID          Username Queue    Jobname    SessID NDS TSK Memory Time  S Time
--------------- -------- -------- ---------- ------ --- --- ------ ----- - -----
3001.pbsserver  jpa198   workq    hf.R1       12345   1  40    --  01:00 R 00:10
3002.pbsserver  jpa198   workq    bb.R1         --    1  40    --  01:00 Q   --
`

const qstatFull = `Job Id: 3003.pbsserver
    Job_Name = emod3d.R2
    job_state = F
    Exit_status = -29
    stime = Wed May  1 10:00:00 2024
    mtime = Wed May  1 11:00:02 2024
    resources_used.walltime = 01:00:02
    Resource_List.ncpus = 160
`

func newTestPBS(r *fakeRunner) *PBS {
	p := NewPBS(Options{Machine: "mahuika", Runner: r})
	p.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	return p
}

func TestPBS_SubmitJob_SetsLogPaths(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"qsub": "3005.pbsserver\n"}}
	id, err := newTestPBS(r).SubmitJob(context.Background(), SubmitRequest{
		WorkingDir: "/runs/R", ScriptPath: "/runs/R/run_hf.pbs", WallTime: time.Hour,
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if id != 3005 {
		t.Errorf("job id = %d, want 3005", id)
	}
	if args := strings.Join(r.call("qsub"), " "); !strings.Contains(args, "-N run_hf") || !strings.Contains(args, "walltime=01:00:00") {
		t.Errorf("qsub args = %q", args)
	}
	alter := strings.Join(r.call("qalter"), " ")
	if !strings.Contains(alter, "/runs/R/run_hf_3005_20240501_093000.out") || !strings.HasSuffix(alter, "3005.pbsserver") {
		t.Errorf("qalter args = %q", alter)
	}
}

func TestPBS_SubmitJob_QalterFailureIsNotFatal(t *testing.T) {
	r := &fakeRunner{
		out: map[string]string{"qsub": "3006.pbsserver\n"},
		err: map[string]error{"qalter": errors.New("exit status 1")},
	}
	id, err := newTestPBS(r).SubmitJob(context.Background(), SubmitRequest{ScriptPath: "run.pbs"})
	if err != nil || id != 3006 {
		t.Errorf("SubmitJob = %d, %v; want 3006, nil", id, err)
	}
}

func TestPBS_SubmitJob_Unparseable(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"qsub": "qsub: Unknown queue\n"}}
	if _, err := newTestPBS(r).SubmitJob(context.Background(), SubmitRequest{ScriptPath: "run.pbs"}); !IsSchedulerError(err) {
		t.Errorf("expected SchedulerError, got %v", err)
	}
}

func TestPBS_CheckQueues(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"qstat": qstatTable}}
	entries, err := newTestPBS(r).CheckQueues(context.Background(), "jpa198", "mahuika")
	if err != nil {
		t.Fatalf("CheckQueues failed: %v", err)
	}
	want := []QueueEntry{{JobID: 3001, State: "R"}, {JobID: 3002, State: "Q"}}
	if len(entries) != len(want) || entries[0] != want[0] || entries[1] != want[1] {
		t.Errorf("entries = %+v, want %+v", entries, want)
	}
}

func TestPBS_GetJobMetadata_WCT(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"qstat": qstatFull}}
	p := newTestPBS(r)

	md, err := p.GetJobMetadata(context.Background(), 3003, "mahuika")
	if err != nil {
		t.Fatalf("GetJobMetadata failed: %v", err)
	}
	if !md.Finished || md.Succeeded || md.Cores != 160 || md.RunTime != time.Hour+2*time.Second {
		t.Errorf("metadata = %+v", md)
	}
	if md.Start == nil || md.End == nil {
		t.Errorf("missing times: %+v", md)
	}

	wct, err := p.CheckWCTExceeded(context.Background(), 3003, "mahuika")
	if err != nil || !wct {
		t.Errorf("CheckWCTExceeded = %v, %v; want true", wct, err)
	}
}

func TestPBS_GetJobMetadata_Missing(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"qstat": "qstat: Unknown Job Id 9\n"}}
	if _, err := newTestPBS(r).GetJobMetadata(context.Background(), 9, "mahuika"); !IsSchedulerError(err) {
		t.Errorf("expected SchedulerError, got %v", err)
	}
}
