// Package coverage decodes IBM i code coverage archives and merges coverage
// across runs.
package coverage

import (
	"math"
	"strconv"
	"strings"
)

const (
	bitmapBase  = 'A'
	bitmapLimit = 'P'
	bitmapWidth = 4
)

// Line is the coverage state of one active source line.
type Line struct {
	Executed bool `json:"executed"`
	// Name is the enclosing procedure in procedure-level coverage.
	Name string `json:"name,omitempty"`
}

// DecodeHits decodes a hit bitmap into the set of executed active-line
// indices. Each character in A..P carries four bits, most significant
// first; every such character advances the cursor by four indices.
// Characters outside that range are ignored. No index at or beyond
// totalLines is returned.
func DecodeHits(hits string, totalLines int) map[int]struct{} {
	executed := make(map[int]struct{}, len(hits))
	cursor := 0

	for _, ch := range hits {
		if cursor >= totalLines {
			break
		}

		if ch < bitmapBase || ch > bitmapLimit {
			continue
		}

		v := int(ch - bitmapBase)

		for bit := 0; bit < bitmapWidth; bit++ {
			mask := 1 << (bitmapWidth - 1 - bit)
			if v&mask != 0 && cursor+bit < totalLines {
				executed[cursor+bit] = struct{}{}
			}
		}

		cursor += bitmapWidth
	}

	return executed
}

// DecodeLines decodes a line specification into the ordered list of active
// source line numbers.
//
// Outside absolute mode every digit is a delta added to the running line and
// the result is emitted immediately. '#' switches to absolute mode, where
// digits accumulate into a number; ',' and '+' emit that number and make it
// the running line, and '+' also leaves absolute mode. A number still
// pending at the end of input is emitted.
func DecodeLines(spec string) []int {
	lines := make([]int, 0, len(spec))
	line := 0
	absolute := false

	var pending strings.Builder

	flush := func() {
		if pending.Len() == 0 {
			return
		}

		n, err := strconv.Atoi(pending.String())
		pending.Reset()

		if err != nil {
			return
		}

		line = n
		lines = append(lines, n)
	}

	for _, ch := range spec {
		switch {
		case ch == '#':
			flush()
			absolute = true
		case ch == ',':
			flush()
		case ch == '+':
			flush()
			absolute = false
		case ch >= '0' && ch <= '9':
			if absolute {
				pending.WriteRune(ch)

				continue
			}

			line += int(ch - '0')
			lines = append(lines, line)
		}
	}

	flush()

	return lines
}

// Decode combines a line specification and a hit bitmap into active line
// numbers and the executed index set.
func Decode(lineSpec, hits string, totalLines int) ([]int, map[int]struct{}) {
	return DecodeLines(lineSpec), DecodeHits(hits, totalLines)
}

// Join maps the i-th active line to executed iff index i is in executed.
// A line listed more than once is executed if any occurrence is.
func Join(lines []int, executed map[int]struct{}) map[int]Line {
	active := make(map[int]Line, len(lines))

	for i, n := range lines {
		_, hit := executed[i]
		prev := active[n]
		active[n] = Line{Executed: prev.Executed || hit, Name: prev.Name}
	}

	return active
}

// PercentRan returns round(covered/total*100) as a string, "0" for no lines.
func PercentRan(lines map[int]Line) string {
	if len(lines) == 0 {
		return "0"
	}

	covered := 0

	for _, l := range lines {
		if l.Executed {
			covered++
		}
	}

	return strconv.Itoa(int(math.Round(float64(covered) / float64(len(lines)) * 100)))
}
