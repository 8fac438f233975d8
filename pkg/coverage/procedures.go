package coverage

import (
	"bufio"
	"bytes"
	"os"
	"regexp"
	"strings"
	"sync"
)

// ProcedureResolver maps a source line to its enclosing procedure.
type ProcedureResolver interface {
	// ResolveProcedure returns the procedure enclosing the zero-based line
	// of sourcePath, or "" when there is none.
	ResolveProcedure(sourcePath string, line int) string
}

// procRange is an inclusive zero-based line range.
type procRange struct {
	name  string
	start int
	end   int
}

// SourceProcedures resolves procedures by parsing RPG sources for free-form
// dcl-proc/end-proc and fixed-form P specs. Parsed files are cached.
type SourceProcedures struct {
	mu    sync.Mutex
	cache map[string][]procRange
}

// Compile-time interface check.
var _ ProcedureResolver = (*SourceProcedures)(nil)

// NewSourceProcedures creates a caching resolver.
func NewSourceProcedures() *SourceProcedures {
	return &SourceProcedures{cache: make(map[string][]procRange, 8)}
}

// ResolveProcedure implements ProcedureResolver.
func (p *SourceProcedures) ResolveProcedure(sourcePath string, line int) string {
	p.mu.Lock()

	ranges, ok := p.cache[sourcePath]
	if !ok {
		data, err := os.ReadFile(sourcePath)
		if err == nil {
			ranges = parseProcedures(data)
		}

		p.cache[sourcePath] = ranges
	}

	p.mu.Unlock()

	for _, r := range ranges {
		if line >= r.start && line <= r.end {
			return r.name
		}
	}

	return ""
}

var (
	dclProc = regexp.MustCompile(`(?i)^\s*dcl-proc\s+([a-z0-9_#@$]+)`)
	endProc = regexp.MustCompile(`(?i)^\s*end-proc\b`)
)

func parseProcedures(src []byte) []procRange {
	var (
		ranges  []procRange
		current *procRange
	)

	scanner := bufio.NewScanner(bytes.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for i := 0; scanner.Scan(); i++ {
		text := strings.TrimRight(scanner.Text(), "\r")

		name, begin, end := procBoundary(text)

		switch {
		case begin:
			current = &procRange{name: name, start: i, end: -1}
		case end && current != nil:
			current.end = i
			ranges = append(ranges, *current)
			current = nil
		}
	}

	if current != nil {
		current.end = int(^uint(0) >> 1)
		ranges = append(ranges, *current)
	}

	return ranges
}

// procBoundary detects the start or end of a procedure on one line.
func procBoundary(line string) (name string, begin, end bool) {
	if m := dclProc.FindStringSubmatch(line); m != nil {
		return m[1], true, false
	}

	if endProc.MatchString(line) {
		return "", false, true
	}

	if len(line) >= 24 && (line[5] == 'P' || line[5] == 'p') && line[6] != '*' {
		switch line[23] {
		case 'B', 'b':
			return strings.TrimSpace(line[6:21]), true, false
		case 'E', 'e':
			return "", false, true
		}
	}

	return "", false, false
}
