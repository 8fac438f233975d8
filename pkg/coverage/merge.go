package coverage

import (
	"slices"
	"sort"
	"sync"

	"github.com/ethpandaops/rpgtestoor/pkg/suite"
)

// Run is one run's coverage of one source, keyed by the source's target URI.
type Run struct {
	Target string
	Level  suite.CoverageLevel
	Data   *Data
}

// Merged is the union of every run's coverage of one (target, level) pair.
// Lines and signatures are sets, so folding the same run twice leaves them
// unchanged. Runs counts contributions and does grow with each fold.
type Merged struct {
	Target      string              `json:"target"`
	Level       suite.CoverageLevel `json:"level"`
	Basename    string              `json:"basename"`
	Path        string              `json:"path"`
	LocalPath   string              `json:"localPath"`
	Signatures  []string            `json:"signatures"`
	ActiveLines map[int]Line        `json:"activeLines"`
	Runs        int                 `json:"runs"`
}

// PercentRan returns the rounded share of executed active lines.
func (m *Merged) PercentRan() string {
	return PercentRan(m.ActiveLines)
}

// Covered returns the number of executed active lines.
func (m *Merged) Covered() int {
	n := 0

	for _, l := range m.ActiveLines {
		if l.Executed {
			n++
		}
	}

	return n
}

// Lines returns the active line numbers in ascending order.
func (m *Merged) Lines() []int {
	lines := make([]int, 0, len(m.ActiveLines))
	for n := range m.ActiveLines {
		lines = append(lines, n)
	}

	sort.Ints(lines)

	return lines
}

func (m *Merged) add(lines map[int]Line, signatures []string) {
	for n, l := range lines {
		prev, ok := m.ActiveLines[n]
		if !ok {
			m.ActiveLines[n] = l

			continue
		}

		if prev.Name == "" {
			prev.Name = l.Name
		}

		prev.Executed = prev.Executed || l.Executed
		m.ActiveLines[n] = prev
	}

	for _, sig := range signatures {
		if i, found := slices.BinarySearch(m.Signatures, sig); !found {
			m.Signatures = slices.Insert(m.Signatures, i, sig)
		}
	}

	m.Runs++
}

func (m *Merged) clone() *Merged {
	cp := *m
	cp.Signatures = append([]string(nil), m.Signatures...)
	cp.ActiveLines = make(map[int]Line, len(m.ActiveLines))

	for n, l := range m.ActiveLines {
		cp.ActiveLines[n] = l
	}

	return &cp
}

type mergeKey struct {
	target string
	level  suite.CoverageLevel
}

// Merger folds coverage runs as they arrive. It is safe for concurrent use.
type Merger struct {
	mu     sync.Mutex
	order  []mergeKey
	groups map[mergeKey]*Merged
}

// NewMerger creates an empty Merger.
func NewMerger() *Merger {
	return &Merger{groups: make(map[mergeKey]*Merged, 16)}
}

// Add folds one run into its (target, level) group. Executed flags are
// OR-ed line by line; line and signature sets are unioned.
func (m *Merger) Add(run Run) {
	if run.Data == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := mergeKey{target: run.Target, level: run.Level}

	group, ok := m.groups[key]
	if !ok {
		group = &Merged{
			Target:      run.Target,
			Level:       run.Level,
			Basename:    run.Data.Basename,
			Path:        run.Data.Path,
			LocalPath:   run.Data.LocalPath,
			Signatures:  make([]string, 0, len(run.Data.Coverage.Signatures)),
			ActiveLines: make(map[int]Line, len(run.Data.Coverage.ActiveLines)),
		}
		m.groups[key] = group
		m.order = append(m.order, key)
	}

	group.add(run.Data.Coverage.ActiveLines, run.Data.Coverage.Signatures)
}

// Results returns a snapshot of every group in first-seen order.
func (m *Merger) Results() []*Merged {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Merged, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.groups[key].clone())
	}

	return out
}

// Merge folds a batch of runs.
func Merge(runs []Run) []*Merged {
	m := NewMerger()

	for _, run := range runs {
		m.Add(run)
	}

	return m.Results()
}
