package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"hpcflow/internal/store"
	"hpcflow/internal/store/sqlite"
	"hpcflow/internal/workflow"
)

func TestParseRunList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		median  bool
		want    []string
		wantErr bool
	}{
		{
			name:   "Median And Realisations",
			input:  "Hossack 2\n",
			median: true,
			want:   []string{"Hossack", "Hossack_REL01", "Hossack_REL02"},
		},
		{
			name:   "Without Median",
			input:  "Hossack 2r\n",
			median: false,
			want:   []string{"Hossack_REL01", "Hossack_REL02"},
		},
		{
			name:   "Count Widens Padding",
			input:  "Alpine 100\n",
			median: false,
			want:   nil,
		},
		{
			name:   "Comments And Bare Names",
			input:  "# faults\n\nHossack 1 # one\nWairau\n",
			median: false,
			want:   []string{"Hossack_REL01", "Wairau"},
		},
		{
			name:    "Bad Count",
			input:   "Hossack many\n",
			wantErr: true,
		},
		{
			name:    "Path In Name",
			input:   "../Hossack 1\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRunList(strings.NewReader(tt.input), tt.median)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want == nil {
				// Only the shape is checked for long lists.
				if len(got) != 100 || got[0] != "Alpine_REL001" || got[99] != "Alpine_REL100" {
					t.Errorf("unexpected list: first %q, len %d", got[0], len(got))
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPopulateCommand(t *testing.T) {
	resetViper()
	runDir := t.TempDir()
	t.Setenv("HPCFLOW_RUN_DIR", runDir)

	list := filepath.Join(runDir, "list.txt")
	if err := os.WriteFile(list, []byte("Hossack 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"populate", "--list", list, "--proc", "EMOD3D,HF"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v (output %s)", err, stdout.String())
	}
	if !strings.Contains(stdout.String(), "Created 6 tasks for 3 realisations") {
		t.Errorf("unexpected output: %s", stdout.String())
	}

	st, err := sqlite.Open(context.Background(), sqlite.Options{Path: filepath.Join(runDir, "slurm_mgmt.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	counts, err := st.StatusCounts(context.Background(), store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, c := range counts {
		if c.Status != workflow.StatusCreated {
			t.Errorf("unexpected status %s", c.Status)
		}
		total += c.Count
	}
	if total != 6 {
		t.Errorf("expected 6 created tasks, got %d", total)
	}
}
