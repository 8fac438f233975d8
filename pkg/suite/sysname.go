package suite

import (
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	// MaxSystemNameLength is the longest object name the host accepts.
	MaxSystemNameLength = 10

	testMarker = ".test"
	testPrefix = "T"
)

// SystemName derives the host object name for a source file name (without its
// language extension). The result addresses the compiled test program, so
// the rules must stay exactly as they are:
//
//   - a trailing ".test" marker is stripped and becomes a "T" prefix
//   - everything from the first hyphen on is discarded
//   - text before the first underscore becomes a prefix
//   - the name keeps its first character plus every later uppercase character
//   - if that collapses to one character the raw name is used instead
//   - the whole result is bounded to 10 characters and uppercased
func SystemName(name string) string {
	base := path.Base(filepath.ToSlash(name))

	var prefix string

	if strings.HasSuffix(strings.ToLower(base), testMarker) {
		base = base[:len(base)-len(testMarker)]
		prefix = testPrefix
	}

	if i := strings.Index(base, "-"); i >= 0 {
		base = base[:i]
	}

	if i := strings.Index(base, "_"); i > 0 && i < len(base)-1 {
		prefix += base[:i]
		base = base[i+1:]
	}

	if base == "" {
		return truncate(strings.ToUpper(prefix), MaxSystemNameLength)
	}

	budget := MaxSystemNameLength - len([]rune(prefix))
	if budget < 1 {
		prefix = truncate(prefix, MaxSystemNameLength-1)
		budget = 1
	}

	runes := []rune(base)
	short := []rune{runes[0]}

	for _, r := range runes[1:] {
		if unicode.IsUpper(r) {
			short = append(short, r)
		}
	}

	if len(short) == 1 {
		short = runes
	}

	return strings.ToUpper(prefix + truncate(string(short), budget))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}
