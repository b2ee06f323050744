package workflow

import (
	"testing"
)

func TestRemainingDependencies_Linear(t *testing.T) {
	g := DefaultGraph()

	tests := []struct {
		name      string
		proc      ProcessType
		completed []ProcessType
		want      int
	}{
		{"no dependencies", EMOD3D, nil, 0},
		{"bb needs both", BB, nil, 2},
		{"bb needs hf", BB, []ProcessType{EMOD3D}, 1},
		{"bb runnable", BB, []ProcessType{EMOD3D, HF}, 0},
		{"im via lf2bb", IMCalculation, []ProcessType{LF2BB}, 0},
		{"im nothing done", IMCalculation, nil, 1},
		{"verification partial", Verification, []ProcessType{IMCalculation}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.RemainingDependencies(tt.proc, NewCompletedSet(tt.completed, nil))
			if len(got) != tt.want {
				t.Errorf("RemainingDependencies(%s) = %v, want %d entries", tt.proc, got, tt.want)
			}
		})
	}
}

func TestRemainingDependencies_GroupScope(t *testing.T) {
	g := DefaultGraph()

	// rrup completed for the realisation itself does not satisfy a group-scoped requirement.
	c := NewCompletedSet([]ProcessType{Rrup}, nil)
	if g.Runnable(Empirical, c) {
		t.Fatal("Empirical should need rrup completed for the group median")
	}

	c = NewCompletedSet(nil, []ProcessType{Rrup})
	if !g.Runnable(Empirical, c) {
		t.Fatal("Empirical should be runnable once the median's rrup is completed")
	}
}

func TestDependents(t *testing.T) {
	g := DefaultGraph()

	deps := g.Dependents(EMOD3D)
	want := map[ProcessType]bool{MergeTS: true, BB: true, LF2BB: true}
	if len(deps) != len(want) {
		t.Fatalf("Dependents(EMOD3D) = %v", deps)
	}
	for _, d := range deps {
		if !want[d.Proc] {
			t.Errorf("unexpected dependent %s", d.Proc)
		}
	}

	rr := g.Dependents(Rrup)
	if len(rr) != 1 || rr[0].Proc != Empirical || rr[0].Scope != ScopeFaultGroup {
		t.Errorf("Dependents(rrup) = %v", rr)
	}
}

func TestValidateSelection(t *testing.T) {
	g := DefaultGraph()

	if err := g.ValidateSelection([]ProcessType{EMOD3D, HF, BB, IMCalculation}); err != nil {
		t.Errorf("standard selection rejected: %v", err)
	}

	err := g.ValidateSelection([]ProcessType{EMOD3D, BB, LF2BB})
	if err == nil {
		t.Fatal("expected error for BB with LF2BB")
	}
	if !IsConfigError(err) {
		t.Errorf("expected ConfigError, got %T", err)
	}
}

func TestNewGraph_RejectsCycle(t *testing.T) {
	_, err := NewGraph(map[ProcessType][]Option{
		HF: {{{Proc: BB}}},
		BB: {{{Proc: HF}}},
	}, nil)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !IsConfigError(err) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestNeedsGroup(t *testing.T) {
	g := DefaultGraph()
	if !g.NeedsGroup(Empirical) {
		t.Error("Empirical should need group completions")
	}
	if g.NeedsGroup(BB) {
		t.Error("BB has no group requirement")
	}
}
