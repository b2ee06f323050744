package submit

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"hpcflow/internal/scheduler"
)

// ScriptData is everything a batch script template needs.
type ScriptData struct {
	Kind          string
	JobName       string
	RunName       string
	Proc          string
	Machine       string
	Account       string
	WorkingDir    string
	MailboxDir    string
	ReportCommand string
	Command       string
	Cores         int
	MemoryMB      int
	WallTime      time.Duration
	Env           map[string]string
}

var scriptFuncs = template.FuncMap{
	"quote":   shellQuote,
	"clock":   clock,
	"seconds": func(d time.Duration) int64 { return int64(d.Seconds()) },
	"nodes":   nodes,
	"chunk":   perChunk,
	"jobID":   jobIDExpr,
}

var scriptTemplate = template.Must(template.New("script").Funcs(scriptFuncs).Parse(`#!/bin/bash
{{- if eq .Kind "slurm"}}
#SBATCH --job-name={{.JobName}}
#SBATCH --ntasks={{.Cores}}
#SBATCH --time={{clock .WallTime}}
{{- if .MemoryMB}}
#SBATCH --mem={{.MemoryMB}}M
{{- end}}
{{- if .Account}}
#SBATCH --account={{.Account}}
{{- end}}
{{- else if eq .Kind "pbs"}}
#PBS -N {{.JobName}}
#PBS -l select={{nodes .Cores}}:ncpus={{chunk .Cores .Cores}}{{if .MemoryMB}}:mem={{chunk .MemoryMB .Cores}}mb{{end}}
#PBS -l walltime={{clock .WallTime}}
{{- if .Account}}
#PBS -A {{.Account}}
{{- end}}
{{- end}}
set -u

JOB_ID={{jobID .Kind}}
{{- range $k, $v := .Env}}
export {{$k}}={{quote $v}}
{{- end}}

report() {
    {{.ReportCommand}} report --mailbox {{quote .MailboxDir}} --run {{quote .RunName}} --proc {{quote .Proc}} --job-id "$JOB_ID" "$@"
}

report --status running --machine {{quote .Machine}} --cores {{.Cores}} --nodes {{nodes .Cores}}{{if .MemoryMB}} --memory {{.MemoryMB}}{{end}} --wct {{seconds .WallTime}}

cd {{quote .WorkingDir}} || { report --status failed --error "working directory missing"; exit 1; }

{{.Command}}
rc=$?

if [ "$rc" -eq 0 ]; then
    report --status completed
else
    report --status failed --error "{{.Proc}} exited with code $rc"
fi
exit "$rc"
`))

// jobIDExpr is the shell expression that yields the numeric job id inside a running job.
func jobIDExpr(kind string) string {
	switch kind {
	case scheduler.KindSlurm:
		return `"$SLURM_JOB_ID"`
	case scheduler.KindPBS:
		return `"${PBS_JOBID%%.*}"`
	default:
		return `"$` + scheduler.JobIDEnv + `"`
	}
}

// nodes is the number of whole nodes cores spread over.
func nodes(cores int) int {
	return max((cores+nodeCores-1)/nodeCores, 1)
}

// perChunk splits total evenly over the node chunks of a job with the given cores, rounding up.
// PBS applies ncpus and mem to every chunk of a select statement.
func perChunk(total, cores int) int {
	n := nodes(cores)
	return (total + n - 1) / n
}

// RenderScript renders the batch script of one submission.
func RenderScript(d ScriptData) (string, error) {
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("failed to render batch script: %w", err)
	}
	return buf.String(), nil
}

// shellQuote wraps s in single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// clock formats d as HH:MM:SS, rounding up to the second.
func clock(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
