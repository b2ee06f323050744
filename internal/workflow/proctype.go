// Package workflow defines the process types and task statuses of the simulation pipeline
// and the static dependency graph between process types.
package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// ProcessType is one stage of the pipeline. The integer value is the code stored in the
// proc_type_enum table and in mailbox files, so existing values must never be renumbered.
type ProcessType int

const (
	EMOD3D        ProcessType = 1
	MergeTS       ProcessType = 2
	PlotTS        ProcessType = 3
	HF            ProcessType = 4
	BB            ProcessType = 5
	IMCalculation ProcessType = 6
	IMPlot        ProcessType = 7
	Rrup          ProcessType = 8
	Empirical     ProcessType = 9
	Verification  ProcessType = 10
	CleanUp       ProcessType = 11
	LF2BB         ProcessType = 12
	HF2BB         ProcessType = 13
	PlotSRF       ProcessType = 14
	AdvancedIM    ProcessType = 15
)

// AllProcessTypes lists every process type in code order.
var AllProcessTypes = []ProcessType{
	EMOD3D, MergeTS, PlotTS, HF, BB, IMCalculation, IMPlot, Rrup,
	Empirical, Verification, CleanUp, LF2BB, HF2BB, PlotSRF, AdvancedIM,
}

// String returns the canonical name stored in proc_type_enum.
func (p ProcessType) String() string {
	switch p {
	case EMOD3D:
		return "EMOD3D"
	case MergeTS:
		return "merge_ts"
	case PlotTS:
		return "plot_ts"
	case HF:
		return "HF"
	case BB:
		return "BB"
	case IMCalculation:
		return "IM_calculation"
	case IMPlot:
		return "IM_plot"
	case Rrup:
		return "rrup"
	case Empirical:
		return "Empirical"
	case Verification:
		return "Verification"
	case CleanUp:
		return "clean_up"
	case LF2BB:
		return "LF2BB"
	case HF2BB:
		return "HF2BB"
	case PlotSRF:
		return "plot_srf"
	case AdvancedIM:
		return "advanced_IM"
	default:
		return fmt.Sprintf("ProcessType(%d)", int(p))
	}
}

// Valid reports whether p is a known process type.
func (p ProcessType) Valid() bool {
	return p >= EMOD3D && p <= AdvancedIM
}

// ParseProcessType accepts a canonical name (case-insensitive) or an integer code.
func ParseProcessType(s string) (ProcessType, error) {
	s = strings.TrimSpace(s)
	for _, p := range AllProcessTypes {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	if code, err := strconv.Atoi(s); err == nil {
		if p := ProcessType(code); p.Valid() {
			return p, nil
		}
	}
	return 0, &ConfigError{Msg: fmt.Sprintf("unknown process type %q", s)}
}

// ParseProcessTypes parses a list of names, rejecting duplicates.
func ParseProcessTypes(names []string) ([]ProcessType, error) {
	seen := make(map[ProcessType]bool, len(names))
	out := make([]ProcessType, 0, len(names))
	for _, n := range names {
		p, err := ParseProcessType(n)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			return nil, &ConfigError{Msg: fmt.Sprintf("process type %s listed twice", p)}
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}
