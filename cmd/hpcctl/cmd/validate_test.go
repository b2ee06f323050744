package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hpcflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cfgFile = "" })
	return path
}

func TestValidateCommand_Valid(t *testing.T) {
	resetViper()
	path := writeConfig(t, `
run_dir: /scratch/run1
process_types: [EMOD3D, HF, BB]
machines:
  - name: maui
    scheduler: slurm
    allowed_concurrent: 4
  - name: mahuika
    scheduler: slurm
    allowed_concurrent: 8
proc_machines:
  HF: mahuika
`)

	output, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("unexpected error: %v (output %s)", err, output)
	}
	for _, want := range []string{"Configuration is valid", "/scratch/run1/slurm_mgmt.db", "maui (slurm, 4 concurrent)", "HF", "mahuika"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	resetViper()
	path := writeConfig(t, `
machines:
  - name: maui
    scheduler: lsf
`)

	output, err := execute(t, "validate", "--config", path)
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !strings.Contains(output, "unknown scheduler") {
		t.Errorf("expected the configuration problem in output, got: %s", output)
	}
}
