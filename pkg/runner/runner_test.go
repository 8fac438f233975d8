package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/coverage"
	"github.com/ethpandaops/rpgtestoor/pkg/results"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/ethpandaops/rpgtestoor/pkg/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commandHandler func(ctx context.Context, cmd string, f *fakeTransport) (*transport.CommandResult, error)

// fakeTransport records commands and serves files written by handlers.
type fakeTransport struct {
	mu        sync.Mutex
	handler   commandHandler
	uploadErr error
	files     map[string][]byte
	commands  []string
	uploads   []string
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport(handler commandHandler) *fakeTransport {
	return &fakeTransport{handler: handler, files: make(map[string][]byte)}
}

func (f *fakeTransport) RunCommand(ctx context.Context, cmd string, _ map[string]string) (*transport.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if strings.HasPrefix(cmd, "mkdir ") || f.handler == nil {
		return &transport.CommandResult{}, nil
	}

	return f.handler(ctx, cmd, f)
}

func (f *fakeTransport) UploadDirectory(_ context.Context, localDir, remoteDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads = append(f.uploads, localDir+" -> "+remoteDir)

	return f.uploadErr
}

func (f *fakeTransport) DownloadFile(context.Context, string, string) error {
	return errors.New("not supported")
}

func (f *fakeTransport) ReadFile(_ context.Context, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("%s: file does not exist", remotePath)
	}

	return data, nil
}

func (f *fakeTransport) ListDir(context.Context, string) ([]transport.Entry, error) {
	return nil, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) put(remotePath, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.files[remotePath] = []byte(content)
}

func (f *fakeTransport) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			n++
		}
	}

	return n
}

var xmlStmf = regexp.MustCompile(`XMLSTMF\('+([^']+)'+\)`)

// testsPassing answers compiles with success and test runs with doc.
func testsPassing(doc string) commandHandler {
	return func(_ context.Context, cmd string, f *fakeTransport) (*transport.CommandResult, error) {
		if m := xmlStmf.FindStringSubmatch(cmd); m != nil {
			f.put(m[1], doc)
		}

		return &transport.CommandResult{}, nil
	}
}

// recorder captures observer events as "event id" strings.
type recorder struct {
	BaseObserver
	events   []string
	messages map[string][]results.Message
	warnings []string
	finished *Metrics
}

func newRecorder() *recorder {
	return &recorder{messages: make(map[string][]results.Message)}
}

func (r *recorder) Started(item suite.Item) { r.events = append(r.events, "started "+item.ID()) }

func (r *recorder) Passed(item suite.Item, _ time.Duration) {
	r.events = append(r.events, "passed "+item.ID())
}

func (r *recorder) Failed(item suite.Item, msgs []results.Message, _ time.Duration) {
	r.events = append(r.events, "failed "+item.ID())
	r.messages[item.ID()] = msgs
}

func (r *recorder) Errored(item suite.Item, msgs []results.Message, _ time.Duration) {
	r.events = append(r.events, "errored "+item.ID())
	r.messages[item.ID()] = msgs
}

func (r *recorder) Skipped(item suite.Item, reason string) {
	r.events = append(r.events, "skipped "+item.ID()+" "+reason)
}

func (r *recorder) Compiled(s *suite.TestSuite, _ []results.Message, ok bool) {
	r.events = append(r.events, fmt.Sprintf("compiled %s %t", s.ID(), ok))
}

func (r *recorder) Warning(item suite.Item, msg string) { r.warnings = append(r.warnings, msg) }

func (r *recorder) Finished(m *Metrics, _ []*coverage.Merged) { r.finished = m }

func (r *recorder) count(prefix string) int {
	n := 0

	for _, e := range r.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}

	return n
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func newTestBucket(t *testing.T, suites int, cases ...string) *suite.TestBucket {
	t.Helper()

	root := t.TempDir()
	bucket := &suite.TestBucket{Name: "app", Scheme: suite.SchemeFile, Path: root}

	for i := 0; i < suites; i++ {
		rel := fmt.Sprintf("qtestsrc/tcust%d.test.rpgle", i)

		s, err := suite.NewFileSuite(suite.SchemeFile, filepath.Join(root, filepath.FromSlash(rel)), rel)
		require.NoError(t, err)

		for _, c := range cases {
			s.AddCase(c)
		}

		bucket.Suites = append(bucket.Suites, s)
	}

	return bucket
}

func newTestRunner(t *testing.T, conn transport.Transport, cfg *Config, cov CoverageReader, obs ...Observer) Runner {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}

	cfg.TestLibrary = "RUTESTS"

	r := NewRunner(testLogger(), cfg, conn, NewConfigResolver(testLogger(), nil, ""), cov, obs...)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })

	return r
}

const passFailDocument = `<testsuite name="TCUST">
  <testcase name="test_a" time="2" assertions="1"/>
  <testcase name="test_b" time="3" assertions="2">
    <failure type="Assertion" message="Expected 1, but was 2.">test_b (TCUST->TCUST:120)</failure>
  </testcase>
</testsuite>`

func TestRun_CompileAndExecute(t *testing.T) {
	conn := newFakeTransport(testsPassing(passFailDocument))
	rec := newRecorder()
	bucket := newTestBucket(t, 1, "test_a", "test_b")

	r := newTestRunner(t, conn, nil, nil, rec)

	metrics, merged, err := r.Run(context.Background(), &Request{Mode: suite.CompileCheck, Buckets: []*suite.TestBucket{bucket}})
	require.NoError(t, err)
	assert.Empty(t, merged)

	assert.Equal(t, Counts{Success: 1}, metrics.Deployments)
	assert.Equal(t, Counts{Success: 1}, metrics.Compilations)
	assert.Equal(t, Outcomes{Passed: 1, Failed: 1}, metrics.TestCases)
	assert.Equal(t, Outcomes{Failed: 1}, metrics.TestFiles)
	assert.Equal(t, 3, metrics.Assertions)
	assert.Equal(t, 5*time.Millisecond, metrics.Duration)
	assert.NotEmpty(t, metrics.RunID)
	assert.True(t, metrics.Failed())
	assert.Equal(t, metrics, rec.finished)

	s := bucket.Suites[0]
	a, b := s.TestCases[0], s.TestCases[1]

	assert.Equal(t, []string{
		"compiled " + s.ID() + " true",
		"started " + a.ID(),
		"started " + b.ID(),
		"passed " + a.ID(),
		"failed " + b.ID(),
	}, rec.events)

	require.Len(t, rec.messages[b.ID()], 1)
	require.NotNil(t, rec.messages[b.ID()][0].Line)
	assert.Equal(t, 120, *rec.messages[b.ID()][0].Line)

	assert.Equal(t, []string{bucket.Path + " -> /tmp/rpgtestoor/deploy/app"}, conn.uploads)
	assert.Equal(t, 1, conn.count("SRCSTMF('/tmp/rpgtestoor/deploy/app/qtestsrc/tcust0.test.rpgle')"))
	assert.Equal(t, 1, conn.count("RUCALLTST TSTPGM(RUTESTS/"+s.SystemName+")"))
	assert.Equal(t, 0, conn.count("TSTPRC"))
	assert.True(t, s.IsCompiled)
}

func TestRun_DeploymentFailure(t *testing.T) {
	conn := newFakeTransport(testsPassing(passFailDocument))
	conn.uploadErr = errors.New("connection reset")
	rec := newRecorder()
	bucket := newTestBucket(t, 2, "test_a", "test_b", "test_c")

	metrics, _, err := newTestRunner(t, conn, nil, nil, rec).Run(context.Background(), &Request{
		Mode:    suite.CompileForce,
		Buckets: []*suite.TestBucket{bucket},
	})
	require.NoError(t, err)

	assert.Equal(t, Counts{Failed: 1}, metrics.Deployments)
	assert.Equal(t, Counts{}, metrics.Compilations)
	assert.Equal(t, Outcomes{Errored: 6}, metrics.TestCases)
	assert.Equal(t, Outcomes{Errored: 2}, metrics.TestFiles)
	assert.Equal(t, 6, rec.count("errored "))
	assert.Equal(t, 0, conn.count("RUCRTRPG"))

	id := bucket.Suites[1].TestCases[2].ID()
	assert.Contains(t, rec.messages[id][0].Text, "connection reset")
}

func TestRun_DeploymentFailureLeavesSiblings(t *testing.T) {
	conn := newFakeTransport(testsPassing(`<testsuite><testcase name="test_a"/></testsuite>`))
	conn.uploadErr = errors.New("disk full")

	local := newTestBucket(t, 1, "test_a")
	remote := &suite.TestBucket{Name: "ifs", Scheme: suite.SchemeStreamfile, Path: "/home/dev/tests"}

	s, err := suite.NewFileSuite(suite.SchemeStreamfile, "/home/dev/tests/tcust.test.rpgle", "tcust.test.rpgle")
	require.NoError(t, err)
	s.AddCase("test_a")
	remote.Suites = append(remote.Suites, s)

	metrics, _, err := newTestRunner(t, conn, nil, nil).Run(context.Background(), &Request{
		Buckets: []*suite.TestBucket{local, remote},
	})
	require.NoError(t, err)

	assert.Equal(t, Outcomes{Passed: 1, Errored: 1}, metrics.TestCases)
	assert.Equal(t, 1, conn.count("SRCSTMF('/home/dev/tests/tcust.test.rpgle')"))
}

func TestRun_CompileFailure(t *testing.T) {
	conn := newFakeTransport(func(_ context.Context, cmd string, _ *fakeTransport) (*transport.CommandResult, error) {
		if strings.Contains(cmd, "RUCRTRPG") {
			return &transport.CommandResult{ExitCode: 1, Stderr: "CPF9898: Compilation failed.\n"}, nil
		}

		return &transport.CommandResult{}, nil
	})
	rec := newRecorder()
	bucket := newTestBucket(t, 1, "test_a", "test_b")

	metrics, _, err := newTestRunner(t, conn, nil, nil, rec).Run(context.Background(), &Request{
		Buckets: []*suite.TestBucket{bucket},
	})
	require.NoError(t, err)

	s := bucket.Suites[0]

	assert.Equal(t, Counts{Failed: 1}, metrics.Compilations)
	assert.Equal(t, Outcomes{Errored: 2}, metrics.TestCases)
	assert.Equal(t, Outcomes{Errored: 1}, metrics.TestFiles)
	assert.Equal(t, 0, conn.count("RUCALLTST"))
	assert.Contains(t, rec.events, "compiled "+s.ID()+" false")
	assert.False(t, s.IsCompiled)

	msgs := rec.messages[s.TestCases[0].ID()]
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Text, "exit code 1")
	assert.Equal(t, "CPF9898: Compilation failed.", msgs[1].Text)
}

func TestRun_CompileModes(t *testing.T) {
	tests := []struct {
		name        string
		mode        suite.CompileMode
		preCompiled bool
		compiles    int
		uploads     int
	}{
		{name: "check compiles once per session", mode: suite.CompileCheck, compiles: 1, uploads: 2},
		{name: "check trusts prior state", mode: suite.CompileCheck, preCompiled: true, compiles: 0, uploads: 2},
		{name: "force always compiles", mode: suite.CompileForce, compiles: 2, uploads: 2},
		{name: "skip neither deploys nor compiles", mode: suite.CompileSkip, compiles: 0, uploads: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeTransport(testsPassing(`<testsuite><testcase name="test_a"/></testsuite>`))
			bucket := newTestBucket(t, 1, "test_a")
			bucket.Suites[0].IsCompiled = tt.preCompiled

			r := newTestRunner(t, conn, nil, nil)

			for i := 0; i < 2; i++ {
				metrics, _, err := r.Run(context.Background(), &Request{Mode: tt.mode, Buckets: []*suite.TestBucket{bucket}})
				require.NoError(t, err)
				assert.Equal(t, 1, metrics.TestCases.Passed)
			}

			assert.Equal(t, tt.compiles, conn.count("RUCRTRPG"))
			assert.Len(t, conn.uploads, tt.uploads)
		})
	}
}

func TestRun_CommandTimeout(t *testing.T) {
	conn := newFakeTransport(func(ctx context.Context, cmd string, _ *fakeTransport) (*transport.CommandResult, error) {
		if strings.Contains(cmd, "RUCALLTST") {
			<-ctx.Done()

			return nil, ctx.Err()
		}

		return &transport.CommandResult{}, nil
	})
	rec := newRecorder()
	bucket := newTestBucket(t, 1, "test_a")

	metrics, _, err := newTestRunner(t, conn, &Config{CommandTimeout: 50 * time.Millisecond}, nil, rec).
		Run(context.Background(), &Request{Buckets: []*suite.TestBucket{bucket}})
	require.NoError(t, err)

	assert.Equal(t, Outcomes{Errored: 1}, metrics.TestCases)
	assert.Equal(t, Outcomes{Errored: 1}, metrics.TestFiles)
	assert.Contains(t, rec.messages[bucket.Suites[0].TestCases[0].ID()][0].Text, "timed out after 50ms")
}

func TestRun_CancellationSkipsRemainingCases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeTransport(func(_ context.Context, cmd string, f *fakeTransport) (*transport.CommandResult, error) {
		if m := xmlStmf.FindStringSubmatch(cmd); m != nil {
			f.put(m[1], `<testsuite><testcase name="test_a"/></testsuite>`)
			cancel()
		}

		return &transport.CommandResult{}, nil
	})
	rec := newRecorder()

	bucket := newTestBucket(t, 2, "test_a", "test_b", "test_c")
	first := bucket.Suites[0]
	first.IsEntireSuite = false

	metrics, _, err := newTestRunner(t, conn, nil, nil, rec).Run(ctx, &Request{Buckets: []*suite.TestBucket{bucket}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, Outcomes{Passed: 1, Skipped: 5}, metrics.TestCases)
	assert.Equal(t, Outcomes{Passed: 1, Skipped: 1}, metrics.TestFiles)
	assert.Equal(t, 1, conn.count("TSTPRC(TEST_A)"))
	assert.Contains(t, rec.events, "skipped "+first.TestCases[1].ID()+" "+CancelledReason)
	assert.Equal(t, metrics, rec.finished)
}

func TestRun_NoTestCaseMarker(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		expected Outcomes
	}{
		{
			name:     "forces errored without other results",
			doc:      `<testsuite name="TCUST"/>`,
			expected: Outcomes{Errored: 2},
		},
		{
			name: "does not override a failure",
			doc: `<testsuite>
				<testcase name="test_a"><failure message="bad"/></testcase>
				<testcase name="test_b"/>
			</testsuite>`,
			expected: Outcomes{Passed: 1, Failed: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeTransport(func(_ context.Context, cmd string, f *fakeTransport) (*transport.CommandResult, error) {
				if m := xmlStmf.FindStringSubmatch(cmd); m != nil {
					f.put(m[1], tt.doc)

					return &transport.CommandResult{Stdout: "\x1b[33mWarning: No test case found.\x1b[0m\n"}, nil
				}

				return &transport.CommandResult{}, nil
			})
			rec := newRecorder()
			bucket := newTestBucket(t, 1, "test_a", "test_b")

			metrics, _, err := newTestRunner(t, conn, nil, nil, rec).Run(context.Background(), &Request{
				Buckets: []*suite.TestBucket{bucket},
			})
			require.NoError(t, err)

			assert.Equal(t, tt.expected, metrics.TestCases)
			assert.Equal(t, []string{"Warning: No test case found."}, rec.warnings)
		})
	}
}

func TestRun_UnmatchedResults(t *testing.T) {
	doc := `<testsuite>
		<testcase name="SETUPSUITE" assertions="1"/>
		<testcase name="TEARDOWN"><error type="*ESCAPE" message="MCH3601"/></testcase>
		<testcase name="TEST_A" assertions="2"/>
	</testsuite>`

	rec := newRecorder()
	bucket := newTestBucket(t, 1, "test_a")
	s := bucket.Suites[0]

	metrics, _, err := newTestRunner(t, newFakeTransport(testsPassing(doc)), nil, nil, rec).
		Run(context.Background(), &Request{Buckets: []*suite.TestBucket{bucket}})
	require.NoError(t, err)

	assert.Equal(t, Outcomes{Passed: 2, Errored: 1}, metrics.TestCases)
	assert.Equal(t, Outcomes{Errored: 1}, metrics.TestFiles)
	assert.Equal(t, 3, metrics.Assertions)
	assert.Contains(t, rec.events, "passed "+s.TestCases[0].ID())
	assert.Contains(t, rec.events, "passed "+s.ID())
	assert.Contains(t, rec.events, "errored "+s.ID())
}

func TestRun_MissingResultDocument(t *testing.T) {
	tests := []struct {
		name      string
		result    *transport.CommandResult
		errSubstr string
	}{
		{
			name:      "command failed",
			result:    &transport.CommandResult{ExitCode: 2, Stderr: "CPF0001: Error found on RUCALLTST command."},
			errSubstr: "exit code 2",
		},
		{
			name:      "command succeeded",
			result:    &transport.CommandResult{},
			errSubstr: "Failed to read result document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeTransport(func(_ context.Context, cmd string, _ *fakeTransport) (*transport.CommandResult, error) {
				if strings.Contains(cmd, "RUCALLTST") {
					return tt.result, nil
				}

				return &transport.CommandResult{}, nil
			})
			rec := newRecorder()
			bucket := newTestBucket(t, 1, "test_a")

			metrics, _, err := newTestRunner(t, conn, nil, nil, rec).Run(context.Background(), &Request{
				Buckets: []*suite.TestBucket{bucket},
			})
			require.NoError(t, err)

			assert.Equal(t, Outcomes{Errored: 1}, metrics.TestCases)
			assert.Contains(t, rec.messages[bucket.Suites[0].TestCases[0].ID()][0].Text, tt.errSubstr)
		})
	}
}

func TestRun_MissingCaseResult(t *testing.T) {
	rec := newRecorder()
	bucket := newTestBucket(t, 1, "test_a", "test_b")

	metrics, _, err := newTestRunner(t, newFakeTransport(testsPassing(`<testsuite><testcase name="test_a"/></testsuite>`)), nil, nil, rec).
		Run(context.Background(), &Request{Buckets: []*suite.TestBucket{bucket}})
	require.NoError(t, err)

	assert.Equal(t, Outcomes{Passed: 1, Errored: 1}, metrics.TestCases)
	assert.Equal(t, Outcomes{Errored: 1}, metrics.TestFiles)
	assert.Equal(t, "No result reported for test_b", rec.messages[bucket.Suites[0].TestCases[1].ID()][0].Text)
}

type fakeCoverageReader struct {
	mu    sync.Mutex
	paths []string
	data  []*coverage.Data
	err   error
}

func (f *fakeCoverageReader) GetCoverage(_ context.Context, remotePath string, _ suite.CoverageLevel) ([]*coverage.Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paths = append(f.paths, remotePath)

	return f.data, f.err
}

func TestRun_Coverage(t *testing.T) {
	conn := newFakeTransport(testsPassing(`<testsuite><testcase name="test_a"/><testcase name="test_b"/></testsuite>`))
	cov := &fakeCoverageReader{data: []*coverage.Data{{
		Basename: "customer.rpgle",
		Path:     "/tmp/rpgtestoor/deploy/app/qrpglesrc/customer.rpgle",
		Coverage: coverage.Coverage{ActiveLines: map[int]coverage.Line{3: {Executed: true}, 4: {}}},
	}}}

	bucket := newTestBucket(t, 1, "test_a", "test_b")
	s := bucket.Suites[0]
	s.CoverageLevel = suite.CoverageLine
	s.IsEntireSuite = false

	_, merged, err := newTestRunner(t, conn, nil, cov).Run(context.Background(), &Request{Buckets: []*suite.TestBucket{bucket}})
	require.NoError(t, err)

	require.Len(t, merged, 1)
	assert.Equal(t, "file:"+filepath.Join(bucket.Path, "qrpglesrc", "customer.rpgle"), merged[0].Target)
	assert.Equal(t, 2, merged[0].Runs)
	assert.Equal(t, "50", merged[0].PercentRan())

	assert.Equal(t, 2, conn.count("CODECOV CMD('RUCALLTST"))
	require.Len(t, cov.paths, 2)
	assert.True(t, strings.HasPrefix(cov.paths[0], "/tmp/rpgtestoor/output/"))
	assert.True(t, strings.HasSuffix(cov.paths[0], ".cczip"))
}

func TestRun_CoverageFailureIsWarning(t *testing.T) {
	conn := newFakeTransport(testsPassing(`<testsuite><testcase name="test_a"/></testsuite>`))
	rec := newRecorder()
	bucket := newTestBucket(t, 1, "test_a")
	bucket.Suites[0].CoverageLevel = suite.CoverageProc

	metrics, merged, err := newTestRunner(t, conn, nil, &fakeCoverageReader{err: errors.New("no ccdata descriptor")}, rec).
		Run(context.Background(), &Request{Buckets: []*suite.TestBucket{bucket}})
	require.NoError(t, err)

	assert.Empty(t, merged)
	assert.Equal(t, Outcomes{Passed: 1}, metrics.TestCases)
	require.Len(t, rec.warnings, 1)
	assert.Contains(t, rec.warnings[0], "no ccdata descriptor")
}

func TestRun_ParallelBuckets(t *testing.T) {
	conn := newFakeTransport(testsPassing(`<testsuite><testcase name="test_a"/></testsuite>`))

	buckets := make([]*suite.TestBucket, 0, 4)
	for i := 0; i < 4; i++ {
		b := newTestBucket(t, 2, "test_a")
		b.Name = fmt.Sprintf("app%d", i)
		buckets = append(buckets, b)
	}

	metrics, _, err := newTestRunner(t, conn, &Config{Concurrency: 3}, nil).
		Run(context.Background(), &Request{Buckets: buckets})
	require.NoError(t, err)

	assert.Equal(t, Counts{Success: 4}, metrics.Deployments)
	assert.Equal(t, Counts{Success: 8}, metrics.Compilations)
	assert.Equal(t, Outcomes{Passed: 8}, metrics.TestCases)
	assert.Equal(t, Outcomes{Passed: 8}, metrics.TestFiles)
}
