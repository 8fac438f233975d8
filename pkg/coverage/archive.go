package coverage

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
)

const (
	descriptorName = "ccdata"
	sourceDir      = "src"
	signatureSep   = "+"
)

// Coverage is the decoded coverage of one source file.
type Coverage struct {
	Signatures  []string     `json:"signatures"`
	LineSpec    string       `json:"lineSpec"`
	ActiveLines map[int]Line `json:"activeLines"`
	PercentRan  string       `json:"percentRan"`
}

// Data is the coverage of one source file as reported by one run.
type Data struct {
	Basename string `json:"basename"`
	// Path is the source path as recorded on the host.
	Path string `json:"path"`
	// LocalPath is the extracted copy of the source. It stays valid until
	// the Reader is cleaned up.
	LocalPath string   `json:"localPath"`
	Coverage  Coverage `json:"coverage"`
}

// Downloader fetches a remote file to a local path.
type Downloader interface {
	DownloadFile(ctx context.Context, remotePath, localPath string) error
}

// Reader downloads and decodes coverage archives.
type Reader struct {
	log        logrus.FieldLogger
	downloader Downloader
	resolver   ProcedureResolver

	mu   sync.Mutex
	dirs []string
}

// NewReader creates a Reader. downloader may be nil when only local archives
// are read; a nil resolver parses the extracted sources.
func NewReader(log logrus.FieldLogger, downloader Downloader, resolver ProcedureResolver) *Reader {
	if resolver == nil {
		resolver = NewSourceProcedures()
	}

	return &Reader{
		log:        log.WithField("component", "coverage"),
		downloader: downloader,
		resolver:   resolver,
	}
}

// GetCoverage downloads the archive at remotePath and decodes it.
func (r *Reader) GetCoverage(ctx context.Context, remotePath string, level suite.CoverageLevel) ([]*Data, error) {
	if r.downloader == nil {
		return nil, fmt.Errorf("no downloader configured")
	}

	tmp, err := os.CreateTemp("", "rpgtestoor-*.cczip")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	localPath := tmp.Name()
	_ = tmp.Close()

	defer func() { _ = os.Remove(localPath) }()

	if err := r.downloader.DownloadFile(ctx, remotePath, localPath); err != nil {
		return nil, fmt.Errorf("downloading coverage archive %s: %w", remotePath, err)
	}

	return r.ReadLocal(localPath, level)
}

// ReadLocal decodes an archive that is already on disk.
func (r *Reader) ReadLocal(archivePath string, level suite.CoverageLevel) ([]*Data, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("reading coverage archive: %w", err)
	}

	dir, err := os.MkdirTemp("", "rpgtestoor-coverage-")
	if err != nil {
		return nil, fmt.Errorf("creating extraction directory: %w", err)
	}

	r.mu.Lock()
	r.dirs = append(r.dirs, dir)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"archive": archivePath,
		"size":    units.HumanSize(float64(info.Size())),
	}).Debug("Extracting coverage archive")

	if err := extractArchive(archivePath, dir); err != nil {
		return nil, fmt.Errorf("extracting coverage archive: %w", err)
	}

	descPath, err := findDescriptor(dir)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(descPath)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}

	desc, err := parseDescriptor(raw)
	if err != nil {
		return nil, err
	}

	results := make([]*Data, 0, len(desc.Entries))

	for _, e := range desc.Entries {
		data, err := r.decodeEntry(dir, &e, level)
		if err != nil {
			r.log.WithError(err).WithField("source", e.SourceFile).Warn("Skipping coverage entry")

			continue
		}

		results = append(results, data)
	}

	return results, nil
}

// Cleanup removes every extraction directory created by this Reader.
func (r *Reader) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error

	for _, dir := range r.dirs {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.dirs = nil

	return firstErr
}

func (r *Reader) decodeEntry(dir string, e *entry, level suite.CoverageLevel) (*Data, error) {
	localPath, err := locateSource(dir, e.SourceFile)
	if err != nil {
		return nil, err
	}

	src, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}

	lineSpec := e.lineSpec()
	signatures := splitSignatures(e.signatures())
	lines := DecodeLines(lineSpec)
	total := countLines(src)

	executed := make(map[int]struct{}, len(lines))
	for _, hits := range e.hitBitmaps() {
		for idx := range DecodeHits(hits, total) {
			executed[idx] = struct{}{}
		}
	}

	active := Join(lines, executed)

	if level == suite.CoverageProc {
		for n, l := range active {
			name := r.resolver.ResolveProcedure(localPath, n-1)
			if name == "" && n == 1 && len(signatures) > 0 {
				name = signatures[0]
			}

			l.Name = name
			active[n] = l
		}
	}

	return &Data{
		Basename:  path.Base(filepath.ToSlash(e.SourceFile)),
		Path:      e.SourceFile,
		LocalPath: localPath,
		Coverage: Coverage{
			Signatures:  signatures,
			LineSpec:    lineSpec,
			ActiveLines: active,
			PercentRan:  PercentRan(active),
		},
	}, nil
}

// descriptor is the archive's ccdata document.
type descriptor struct {
	XMLName xml.Name
	Entries []entry `xml:"lineLevelCoverageClass"`
}

type entry struct {
	SourceFile            string       `xml:"sourceFile,attr"`
	Lines                 string       `xml:"lines,attr"`
	V2FileLines           string       `xml:"v2fileLines,attr"`
	Signatures            string       `xml:"signatures,attr"`
	V2QualifiedSignatures string       `xml:"v2qualifiedSignatures,attr"`
	Hits                  string       `xml:"hits,attr"`
	V2FileHits            string       `xml:"v2fileHits,attr"`
	TestCases             []hitsRecord `xml:"testcase"`
}

type hitsRecord struct {
	Hits       string `xml:"hits,attr"`
	V2FileHits string `xml:"v2fileHits,attr"`
}

func (h hitsRecord) bitmap() string {
	if h.V2FileHits != "" {
		return h.V2FileHits
	}

	return h.Hits
}

func (e *entry) lineSpec() string {
	if e.V2FileLines != "" {
		return e.V2FileLines
	}

	return e.Lines
}

func (e *entry) signatures() string {
	if e.V2QualifiedSignatures != "" {
		return e.V2QualifiedSignatures
	}

	return e.Signatures
}

// hitBitmaps returns one bitmap per recorded test case, falling back to the
// entry's own attributes.
func (e *entry) hitBitmaps() []string {
	bitmaps := make([]string, 0, len(e.TestCases)+1)

	for _, tc := range e.TestCases {
		if b := tc.bitmap(); b != "" {
			bitmaps = append(bitmaps, b)
		}
	}

	if len(bitmaps) == 0 {
		if b := (hitsRecord{Hits: e.Hits, V2FileHits: e.V2FileHits}).bitmap(); b != "" {
			bitmaps = append(bitmaps, b)
		}
	}

	return bitmaps
}

func parseDescriptor(raw []byte) (*descriptor, error) {
	var desc descriptor

	if err := xml.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}

	return &desc, nil
}

func splitSignatures(s string) []string {
	parts := strings.Split(s, signatureSep)
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

func countLines(src []byte) int {
	if len(src) == 0 {
		return 0
	}

	n := bytes.Count(src, []byte{'\n'})
	if src[len(src)-1] != '\n' {
		n++
	}

	return n
}

// locateSource finds the extracted copy of a source file: src/<basename>
// first, then src/<path as recorded>.
func locateSource(dir, sourceFile string) (string, error) {
	candidates := []string{
		filepath.Join(dir, sourceDir, path.Base(filepath.ToSlash(sourceFile))),
		filepath.Join(dir, sourceDir, filepath.FromSlash(strings.TrimLeft(sourceFile, "/"))),
	}

	for _, c := range candidates {
		if !within(dir, c) {
			continue
		}

		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}

	return "", fmt.Errorf("source %q not found in archive", sourceFile)
}

func findDescriptor(dir string) (string, error) {
	direct := filepath.Join(dir, descriptorName)
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}

	var found string

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && strings.EqualFold(d.Name(), descriptorName) {
			found = p

			return filepath.SkipAll
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("searching descriptor: %w", err)
	}

	if found == "" {
		return "", fmt.Errorf("archive has no %s descriptor", descriptorName)
	}

	return found, nil
}

func within(root, target string) bool {
	return strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator))
}

func extractArchive(archivePath, targetDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		name := filepath.Clean(filepath.FromSlash(f.Name))

		// Some zip tools record the archive root itself.
		if name == "." {
			continue
		}

		// Sanitize path to prevent directory traversal.
		target := filepath.Join(targetDir, name)
		if !within(targetDir, target) {
			return fmt.Errorf("invalid archive entry: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating directory: %w", err)
			}

			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating parent directory: %w", err)
		}

		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}

	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}
