package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hpcflow/internal/store/sqlite"
	"hpcflow/internal/workflow"
	"hpcflow/pkg/api"

	"github.com/spf13/viper"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), err
}

func TestStatusCommand_Server(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if r.URL.Path != "/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected Bearer token, got: %s", r.Header.Get("Authorization"))
		}
		resp := api.StatusResponse{
			Counts: []api.StatusCount{
				{ProcType: "EMOD3D", Status: "completed", Count: 3},
				{ProcType: "HF", Status: "running", Count: 2},
			},
			Totals: map[string]int{"completed": 3, "running": 2},
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	viper.Set("server", server.URL)
	viper.Set("token", "test-token")

	output, err := execute(t, "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"EMOD3D", "HF", "completed", "running", "Total"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatusCommand_Local(t *testing.T) {
	resetViper()
	runDir := t.TempDir()
	t.Setenv("HPCFLOW_RUN_DIR", runDir)

	st, err := sqlite.Open(context.Background(), sqlite.Options{Path: filepath.Join(runDir, "slurm_mgmt.db")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Populate(context.Background(), []string{"Hossack"}, []workflow.ProcessType{workflow.EMOD3D}); err != nil {
		t.Fatal(err)
	}
	st.Close()

	output, err := execute(t, "status")
	if err != nil {
		t.Fatalf("unexpected error: %v (output %s)", err, output)
	}
	if !strings.Contains(output, "EMOD3D") || !strings.Contains(output, "created") {
		t.Errorf("expected the created EMOD3D task, got: %s", output)
	}
}

func TestStatusCommand_MissingDatabase(t *testing.T) {
	resetViper()
	t.Setenv("HPCFLOW_RUN_DIR", t.TempDir())

	output, err := execute(t, "status")
	if err == nil {
		t.Fatal("expected error without a database")
	}
	if !strings.Contains(output, "no task database") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestHistoryCommand_Server(t *testing.T) {
	resetViper()

	queued := time.Now().Add(-2 * time.Hour)
	started := time.Now().Add(-90 * time.Minute)
	ended := time.Now().Add(-10 * time.Minute)
	machine := "maui"
	cores := 80
	wct := int64(7200)
	jobID := int64(4242)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/Hossack_REL01/HF" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		resp := api.TaskResponse{
			RunName:  "Hossack_REL01",
			ProcType: "HF",
			Status:   "completed",
			Retries:  1,
			Attempts: []api.TaskAttempt{
				{ID: 1, Status: "failed", LastModified: queued},
				{ID: 2, Status: "completed", JobID: &jobID, LastModified: ended, Duration: &api.JobDuration{
					Machine: &machine, QueuedTime: &queued, StartTime: &started, EndTime: &ended,
					Cores: &cores, WCTSeconds: &wct,
				}},
			},
			Errors: []string{"HF exited with code 137"},
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	viper.Set("server", server.URL)

	output, err := execute(t, "history", "Hossack_REL01", "HF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Hossack_REL01", "Attempt 2", "4242", "maui", "2h 0m", "1h 20m"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}

	output, err = execute(t, "errors", "Hossack_REL01", "HF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "HF exited with code 137") {
		t.Errorf("expected the error history, got: %s", output)
	}
}

func TestHistoryCommand_NotFound(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Task not found", Code: "404"})
	}))
	defer server.Close()

	viper.Set("server", server.URL)

	output, err := execute(t, "history", "Nobody", "HF")
	if err == nil {
		t.Fatal("expected error for missing task")
	}
	if !strings.Contains(output, "Task not found") {
		t.Errorf("expected API error message, got: %s", output)
	}
}
