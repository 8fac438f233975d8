package suite

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/ethpandaops/rpgtestoor/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Source enumerates the suites and cases of one bucket.
type Source interface {
	Discover(ctx context.Context) (*TestBucket, error)
}

// RemoteFS is the part of the transport used to enumerate remote buckets.
type RemoteFS interface {
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	ListDir(ctx context.Context, remoteDir string) ([]transport.Entry, error)
}

// NewSource creates the enumerator for a configured bucket. rfs may be nil
// for local buckets.
func NewSource(log logrus.FieldLogger, cfg *config.BucketConfig, rfs RemoteFS) (Source, error) {
	level, err := ParseCoverageLevel(cfg.Coverage)
	if err != nil {
		return nil, fmt.Errorf("bucket %q: %w", cfg.Name, err)
	}

	base := sourceBase{
		log:   log.WithField("component", "source").WithField("bucket", cfg.Name),
		cfg:   cfg,
		level: level,
	}

	switch cfg.Scheme {
	case config.SchemeFile, "":
		return &localSource{sourceBase: base}, nil
	case config.SchemeStreamfile, config.SchemeObject:
		if rfs == nil {
			return nil, fmt.Errorf("bucket %q: remote bucket needs a connection", cfg.Name)
		}

		return &remoteSource{sourceBase: base, fs: rfs}, nil
	default:
		return nil, fmt.Errorf("bucket %q: unknown scheme %q", cfg.Name, cfg.Scheme)
	}
}

type sourceBase struct {
	log   logrus.FieldLogger
	cfg   *config.BucketConfig
	level CoverageLevel
}

// included applies the bucket's include globs to a slash-separated relative path.
func (b *sourceBase) included(rel string) bool {
	if len(b.cfg.Include) == 0 {
		return true
	}

	for _, pattern := range b.cfg.Include {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}

		if ok, _ := path.Match(pattern, path.Base(rel)); ok {
			return true
		}
	}

	return false
}

// finish attaches discovered cases to the suite and applies the name filter.
// It returns false when nothing is left to run.
func (b *sourceBase) finish(s *TestSuite, src []byte) bool {
	s.CoverageLevel = b.level

	for _, name := range DiscoverTestCases(src, s.Language) {
		if !b.wanted(name) {
			s.IsEntireSuite = false

			continue
		}

		s.AddCase(name)
	}

	if len(s.TestCases) == 0 {
		b.log.WithField("suite", s.Name).Debug("Suite has no test cases, skipping")

		return false
	}

	return true
}

func (b *sourceBase) wanted(name string) bool {
	if len(b.cfg.Tests) == 0 {
		return true
	}

	for _, t := range b.cfg.Tests {
		if strings.EqualFold(t, name) {
			return true
		}
	}

	return false
}

// isTestSource reports whether a file name looks like "<name>.test.<ext>" in
// a supported language.
func isTestSource(name string) bool {
	ext := path.Ext(name)
	if _, ok := LanguageFromExtension(ext); !ok {
		return false
	}

	return strings.HasSuffix(strings.ToLower(strings.TrimSuffix(name, ext)), testMarker)
}

type localSource struct {
	sourceBase
}

func (s *localSource) Discover(ctx context.Context) (*TestBucket, error) {
	root, err := filepath.Abs(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", s.cfg.Path, err)
	}

	bucket := &TestBucket{Name: s.cfg.Name, Scheme: SchemeFile, Path: root}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}

			return nil
		}

		if !isTestSource(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		if !s.included(filepath.ToSlash(rel)) {
			return nil
		}

		ts, err := NewFileSuite(SchemeFile, p, rel)
		if err != nil {
			return nil
		}

		src, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}

		if s.finish(ts, src) {
			bucket.Suites = append(bucket.Suites, ts)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	s.log.WithField("suites", len(bucket.Suites)).Info("Local bucket discovered")

	return bucket, nil
}

type remoteSource struct {
	sourceBase
	fs RemoteFS
}

func (s *remoteSource) Discover(ctx context.Context) (*TestBucket, error) {
	if s.cfg.Scheme == config.SchemeObject {
		return s.discoverLibrary(ctx)
	}

	return s.discoverDirectory(ctx)
}

func (s *remoteSource) discoverDirectory(ctx context.Context) (*TestBucket, error) {
	root := path.Clean(s.cfg.Path)
	bucket := &TestBucket{Name: s.cfg.Name, Scheme: SchemeStreamfile, Path: root}

	var walk func(dir string) error

	walk = func(dir string) error {
		entries, err := s.fs.ListDir(ctx, dir)
		if err != nil {
			return err
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

		for _, e := range entries {
			full := path.Join(dir, e.Name)

			if e.IsDir {
				if strings.HasPrefix(e.Name, ".") {
					continue
				}

				if err := walk(full); err != nil {
					return err
				}

				continue
			}

			if !isTestSource(e.Name) {
				continue
			}

			rel := strings.TrimPrefix(strings.TrimPrefix(full, root), "/")
			if !s.included(rel) {
				continue
			}

			ts, err := NewFileSuite(SchemeStreamfile, full, rel)
			if err != nil {
				continue
			}

			src, err := s.fs.ReadFile(ctx, full)
			if err != nil {
				return fmt.Errorf("reading %s: %w", full, err)
			}

			if s.finish(ts, src) {
				bucket.Suites = append(bucket.Suites, ts)
			}
		}

		return nil
	}

	if err := walk(root); err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}

	s.log.WithField("suites", len(bucket.Suites)).Info("Remote directory discovered")

	return bucket, nil
}

func (s *remoteSource) discoverLibrary(ctx context.Context) (*TestBucket, error) {
	lib := strings.ToUpper(s.cfg.Path)
	bucket := &TestBucket{Name: s.cfg.Name, Scheme: SchemeObject, Path: lib}

	lang, ok := LanguageFromExtension(s.cfg.Language)
	if !ok {
		return nil, fmt.Errorf("unsupported member language %q", s.cfg.Language)
	}

	for _, file := range s.cfg.SourceFiles {
		file = strings.ToUpper(file)
		dir := MemberDir(lib, file)

		entries, err := s.fs.ListDir(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

		for _, e := range entries {
			if e.IsDir || !strings.HasSuffix(strings.ToUpper(e.Name), ".MBR") {
				continue
			}

			mbr := strings.TrimSuffix(strings.ToUpper(e.Name), ".MBR")
			if !s.included(file + "/" + mbr) {
				continue
			}

			ts := NewMemberSuite(lib, file, mbr, lang)

			src, err := s.fs.ReadFile(ctx, path.Join(dir, e.Name))
			if err != nil {
				return nil, fmt.Errorf("reading member %s: %w", ts.Path, err)
			}

			if s.finish(ts, src) {
				bucket.Suites = append(bucket.Suites, ts)
			}
		}
	}

	s.log.WithField("suites", len(bucket.Suites)).Info("Library discovered")

	return bucket, nil
}

// MemberDir returns the IFS path of a source physical file.
func MemberDir(lib, file string) string {
	return "/QSYS.LIB/" + strings.ToUpper(lib) + ".LIB/" + strings.ToUpper(file) + ".FILE"
}

// MemberPath returns the IFS path of a source member.
func MemberPath(lib, file, mbr string) string {
	return MemberDir(lib, file) + "/" + strings.ToUpper(mbr) + ".MBR"
}

var (
	freeFormProc = regexp.MustCompile(`(?i)^\s*dcl-proc\s+([a-z0-9_#@$]+)`)
	cobolProgram = regexp.MustCompile(`(?i)^.{0,7}\s*program-id\.\s*'?([a-z0-9_#@$-]+)`)
)

// DiscoverTestCases returns the test procedures declared in src, in order.
// A test procedure's name starts with "test".
func DiscoverTestCases(src []byte, lang Language) []string {
	var names []string

	seen := make(map[string]struct{}, 8)
	scanner := bufio.NewScanner(bytes.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		var name string

		switch lang {
		case LanguageCOBOL:
			if m := cobolProgram.FindStringSubmatch(line); m != nil {
				name = m[1]
			}
		default:
			if m := freeFormProc.FindStringSubmatch(line); m != nil {
				name = m[1]
			} else {
				name = fixedFormProc(line)
			}
		}

		if name == "" || !strings.HasPrefix(strings.ToUpper(name), "TEST") {
			continue
		}

		key := strings.ToUpper(name)
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}
		names = append(names, name)
	}

	return names
}

// fixedFormProc returns the procedure name of a fixed-form "P name B" spec.
func fixedFormProc(line string) string {
	if len(line) < 24 {
		return ""
	}

	if line[5] != 'P' && line[5] != 'p' {
		return ""
	}

	if line[6] == '*' {
		return ""
	}

	if line[23] != 'B' && line[23] != 'b' {
		return ""
	}

	return strings.TrimSpace(line[6:21])
}
