package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Scope is the granularity at which a dependency must be completed.
type Scope int

const (
	// ScopeRealisation requires completion for the same realisation.
	ScopeRealisation Scope = iota
	// ScopeFaultGroup requires completion for the median realisation of the same fault group.
	ScopeFaultGroup
)

func (s Scope) String() string {
	if s == ScopeFaultGroup {
		return "FAULT_GROUP"
	}
	return "REALISATION"
}

// Requirement is a single upstream process type that must be completed at a given scope.
type Requirement struct {
	Proc  ProcessType
	Scope Scope
}

func (r Requirement) String() string {
	if r.Scope == ScopeFaultGroup {
		return r.Proc.String() + "@group"
	}
	return r.Proc.String()
}

// Option is a set of requirements that together make a process type runnable.
type Option []Requirement

// Dependent is a process type that consumes the output of another.
type Dependent struct {
	Proc  ProcessType
	Scope Scope
}

// CompletedSet holds the process types completed for a realisation and for its group median.
type CompletedSet struct {
	Realisation map[ProcessType]bool
	Group       map[ProcessType]bool
}

// NewCompletedSet builds a CompletedSet from the two completion lists.
func NewCompletedSet(realisation, group []ProcessType) CompletedSet {
	c := CompletedSet{
		Realisation: make(map[ProcessType]bool, len(realisation)),
		Group:       make(map[ProcessType]bool, len(group)),
	}
	for _, p := range realisation {
		c.Realisation[p] = true
	}
	for _, p := range group {
		c.Group[p] = true
	}
	return c
}

// Has reports whether r is satisfied.
func (c CompletedSet) Has(r Requirement) bool {
	if r.Scope == ScopeFaultGroup {
		return c.Group[r.Proc]
	}
	return c.Realisation[r.Proc]
}

// Graph is the static dependency relation between process types.
// A process type with no options has no dependencies. With several options, satisfying any one
// of them is enough.
type Graph struct {
	deps       map[ProcessType][]Option
	exclusive  [][2]ProcessType
	dependents map[ProcessType][]Dependent
}

// NewGraph builds a graph and rejects unknown process types and cycles.
func NewGraph(deps map[ProcessType][]Option, exclusive [][2]ProcessType) (*Graph, error) {
	g := &Graph{
		deps:       deps,
		exclusive:  exclusive,
		dependents: make(map[ProcessType][]Dependent),
	}
	for p, opts := range deps {
		if !p.Valid() {
			return nil, &ConfigError{Msg: fmt.Sprintf("dependency graph names unknown process type %d", int(p))}
		}
		seen := make(map[Dependent]bool)
		for _, opt := range opts {
			for _, r := range opt {
				if !r.Proc.Valid() {
					return nil, &ConfigError{Msg: fmt.Sprintf("%s depends on unknown process type %d", p, int(r.Proc))}
				}
				d := Dependent{Proc: p, Scope: r.Scope}
				if seen[d] {
					continue
				}
				seen[d] = true
				g.dependents[r.Proc] = append(g.dependents[r.Proc], d)
			}
		}
	}
	for p := range g.dependents {
		ds := g.dependents[p]
		sort.Slice(ds, func(i, j int) bool {
			if ds[i].Proc != ds[j].Proc {
				return ds[i].Proc < ds[j].Proc
			}
			return ds[i].Scope < ds[j].Scope
		})
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// DefaultGraph is the standard simulation pipeline.
func DefaultGraph() *Graph {
	r := func(p ProcessType) Requirement { return Requirement{Proc: p} }
	g, err := NewGraph(map[ProcessType][]Option{
		MergeTS:       {{r(EMOD3D)}},
		PlotTS:        {{r(MergeTS)}},
		BB:            {{r(EMOD3D), r(HF)}},
		LF2BB:         {{r(EMOD3D)}},
		HF2BB:         {{r(HF)}},
		IMCalculation: {{r(BB)}, {r(LF2BB)}, {r(HF2BB)}},
		IMPlot:        {{r(IMCalculation)}},
		AdvancedIM:    {{r(BB)}},
		Empirical:     {{Requirement{Proc: Rrup, Scope: ScopeFaultGroup}}},
		Verification:  {{r(IMCalculation), r(Empirical)}},
		CleanUp:       {{r(IMCalculation)}},
	}, [][2]ProcessType{
		{BB, LF2BB},
		{BB, HF2BB},
	})
	if err != nil {
		panic(err)
	}
	return g
}

// Options returns the dependency options of p.
func (g *Graph) Options(p ProcessType) []Option {
	return g.deps[p]
}

// RemainingDependencies returns the unmet requirements of p. An empty result means p is runnable.
// When several options exist and none is met, the option with the fewest unmet requirements is
// reported (the first such option on ties).
func (g *Graph) RemainingDependencies(p ProcessType, completed CompletedSet) []Requirement {
	var best []Requirement
	for i, opt := range g.deps[p] {
		var missing []Requirement
		for _, r := range opt {
			if !completed.Has(r) {
				missing = append(missing, r)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		if i == 0 || len(missing) < len(best) {
			best = missing
		}
	}
	return best
}

// Runnable reports whether every requirement of some option of p is completed.
func (g *Graph) Runnable(p ProcessType, completed CompletedSet) bool {
	return len(g.RemainingDependencies(p, completed)) == 0
}

// Dependents returns the process types that list p in any of their options.
func (g *Graph) Dependents(p ProcessType) []Dependent {
	return g.dependents[p]
}

// NeedsGroup reports whether p has any fault-group scoped requirement.
func (g *Graph) NeedsGroup(p ProcessType) bool {
	for _, opt := range g.deps[p] {
		for _, r := range opt {
			if r.Scope == ScopeFaultGroup {
				return true
			}
		}
	}
	return false
}

// ValidateSelection rejects selections that name mutually exclusive process types together.
func (g *Graph) ValidateSelection(procs []ProcessType) error {
	selected := make(map[ProcessType]bool, len(procs))
	for _, p := range procs {
		if !p.Valid() {
			return &ConfigError{Msg: fmt.Sprintf("unknown process type %d", int(p))}
		}
		selected[p] = true
	}
	var clashes []string
	for _, pair := range g.exclusive {
		if selected[pair[0]] && selected[pair[1]] {
			clashes = append(clashes, pair[0].String()+"/"+pair[1].String())
		}
	}
	if len(clashes) > 0 {
		return &ConfigError{Msg: "mutually exclusive process types selected: " + strings.Join(clashes, ", ")}
	}
	return nil
}

func (g *Graph) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[ProcessType]int)
	var visit func(p ProcessType, path []ProcessType) error
	visit = func(p ProcessType, path []ProcessType) error {
		switch state[p] {
		case visiting:
			names := make([]string, 0, len(path)+1)
			for _, q := range path {
				names = append(names, q.String())
			}
			names = append(names, p.String())
			return &ConfigError{Msg: "dependency cycle: " + strings.Join(names, " -> ")}
		case done:
			return nil
		}
		state[p] = visiting
		for _, opt := range g.deps[p] {
			for _, r := range opt {
				if err := visit(r.Proc, append(path, p)); err != nil {
					return err
				}
			}
		}
		state[p] = done
		return nil
	}
	for _, p := range AllProcessTypes {
		if err := visit(p, nil); err != nil {
			return err
		}
	}
	return nil
}
