package suite

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/rpgtestoor/pkg/config"
)

// Scheme identifies where a bucket or suite is stored.
type Scheme string

const (
	// SchemeFile is a local source root or file.
	SchemeFile Scheme = "file"
	// SchemeStreamfile is a remote IFS directory or stream file.
	SchemeStreamfile Scheme = "streamfile"
	// SchemeObject is a remote library.
	SchemeObject Scheme = "object"
	// SchemeMember is a source member inside a library source file.
	SchemeMember Scheme = "member"
)

// CoverageLevel is the granularity of coverage collection.
type CoverageLevel string

const (
	CoverageNone CoverageLevel = ""
	CoverageLine CoverageLevel = "*LINE"
	CoverageProc CoverageLevel = "*PROC"
)

// ParseCoverageLevel maps config values ("line", "*PROC", ...) to a level.
func ParseCoverageLevel(s string) (CoverageLevel, error) {
	switch strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(s), "*")) {
	case "", "NONE":
		return CoverageNone, nil
	case "LINE":
		return CoverageLine, nil
	case "PROC":
		return CoverageProc, nil
	default:
		return CoverageNone, fmt.Errorf("unknown coverage level %q", s)
	}
}

// CompileMode controls whether suites are (re)compiled before execution.
type CompileMode string

const (
	// CompileSkip trusts the suite's prior compile state.
	CompileSkip CompileMode = "skip"
	// CompileForce always recompiles.
	CompileForce CompileMode = "force"
	// CompileCheck compiles suites not yet compiled in this session.
	CompileCheck CompileMode = "check"
)

// ParseCompileMode validates a compile mode string.
func ParseCompileMode(s string) (CompileMode, error) {
	switch CompileMode(strings.ToLower(s)) {
	case CompileSkip:
		return CompileSkip, nil
	case CompileForce:
		return CompileForce, nil
	case CompileCheck, "":
		return CompileCheck, nil
	default:
		return "", fmt.Errorf("unknown compile mode %q (use skip, force or check)", s)
	}
}

// Language is the source language of a suite.
type Language string

const (
	LanguageRPG   Language = "RPG"
	LanguageCOBOL Language = "COBOL"
)

// LanguageFromExtension derives the language from a file extension or member type.
func LanguageFromExtension(ext string) (Language, bool) {
	switch strings.ToUpper(strings.TrimPrefix(ext, ".")) {
	case "RPGLE", "SQLRPGLE":
		return LanguageRPG, true
	case "CBLLE", "SQLCBLLE":
		return LanguageCOBOL, true
	default:
		return "", false
	}
}

// Item is anything that can be reported on: bucket, suite or case.
type Item interface {
	ID() string
	Label() string
}

// TestBucket is the root of one run scope.
type TestBucket struct {
	Name   string
	Scheme Scheme
	Path   string
	Suites []*TestSuite
}

// ID returns the bucket URI.
func (b *TestBucket) ID() string {
	return string(b.Scheme) + ":" + b.Path
}

// Label returns the display name.
func (b *TestBucket) Label() string {
	return b.Name
}

// IsLocal reports whether the bucket is a local source root that needs deploying.
func (b *TestBucket) IsLocal() bool {
	return b.Scheme == SchemeFile
}

// TestCases returns every case of every suite, in order.
func (b *TestBucket) TestCases() []*TestCase {
	cases := make([]*TestCase, 0, len(b.Suites)*4)

	for _, s := range b.Suites {
		cases = append(cases, s.TestCases...)
	}

	return cases
}

// TestSuite is one compilable and runnable source unit.
type TestSuite struct {
	Name       string
	SystemName string
	Scheme     Scheme
	// Path is the local path for file suites, the IFS path for stream files
	// and LIB/FILE/MBR for members.
	Path string
	// RelPath is the path relative to the bucket root for file and stream file suites.
	RelPath       string
	Language      Language
	TestCases     []*TestCase
	IsCompiled    bool
	IsEntireSuite bool
	CoverageLevel CoverageLevel
	TestingConfig *config.TestingConfig
}

// ID returns the suite URI.
func (s *TestSuite) ID() string {
	return string(s.Scheme) + ":" + s.Path
}

// Label returns the display name.
func (s *TestSuite) Label() string {
	return s.Name
}

// IsStreamOriented reports whether result line numbers are true line numbers.
// Members carry sequence numbers with two implied decimals instead.
func (s *TestSuite) IsStreamOriented() bool {
	return s.Scheme != SchemeMember
}

// Member splits a member suite path into library, source file and member.
func (s *TestSuite) Member() (lib, file, mbr string, err error) {
	parts := strings.Split(strings.Trim(s.Path, "/"), "/")
	if s.Scheme != SchemeMember || len(parts) != 3 {
		return "", "", "", fmt.Errorf("suite %q is not a member path", s.Path)
	}

	mbr = strings.TrimSuffix(parts[2], path.Ext(parts[2]))

	return parts[0], parts[1], mbr, nil
}

// Case looks up a test case by name, ignoring case.
func (s *TestSuite) Case(name string) *TestCase {
	for _, tc := range s.TestCases {
		if strings.EqualFold(tc.Name, name) {
			return tc
		}
	}

	return nil
}

// AddCase appends a test case owned by this suite.
func (s *TestSuite) AddCase(name string) *TestCase {
	tc := &TestCase{Name: name, Suite: s}
	s.TestCases = append(s.TestCases, tc)

	return tc
}

// TestCase is one test procedure within a suite.
type TestCase struct {
	Name  string
	Suite *TestSuite
}

// ID returns the case URI; the fragment is the procedure name.
func (c *TestCase) ID() string {
	return c.Suite.ID() + "#" + c.Name
}

// Label returns the display name.
func (c *TestCase) Label() string {
	return c.Name
}

// NewFileSuite builds a suite for a local or IFS source file.
func NewFileSuite(scheme Scheme, fullPath, relPath string) (*TestSuite, error) {
	base := filepath.Base(fullPath)
	ext := filepath.Ext(base)

	lang, ok := LanguageFromExtension(ext)
	if !ok {
		return nil, fmt.Errorf("unsupported source extension %q", ext)
	}

	return &TestSuite{
		Name:          base,
		SystemName:    SystemName(strings.TrimSuffix(base, ext)),
		Scheme:        scheme,
		Path:          fullPath,
		RelPath:       relPath,
		Language:      lang,
		IsEntireSuite: true,
	}, nil
}

// NewMemberSuite builds a suite for a library source member.
func NewMemberSuite(lib, file, mbr string, lang Language) *TestSuite {
	lib, file, mbr = strings.ToUpper(lib), strings.ToUpper(file), strings.ToUpper(mbr)

	return &TestSuite{
		Name:          mbr,
		SystemName:    mbr,
		Scheme:        SchemeMember,
		Path:          lib + "/" + file + "/" + mbr,
		Language:      lang,
		IsEntireSuite: true,
	}
}
