package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethpandaops/rpgtestoor/pkg/command"
	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/ethpandaops/rpgtestoor/pkg/coverage"
	"github.com/ethpandaops/rpgtestoor/pkg/results"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/ethpandaops/rpgtestoor/pkg/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// CancelledReason is reported for scope that did not run because the
	// run was cancelled.
	CancelledReason = "cancelled"

	// maxOutputMessages caps the output lines attached to a failed command.
	maxOutputMessages = 20
)

// noTestCaseMarker is the runtime warning RUCALLTST prints when the test
// program exports nothing it recognises as a test.
var noTestCaseMarker = regexp.MustCompile(`(?i)no test cases? (were |was )?found`)

// Request selects what a Run processes.
type Request struct {
	Mode    suite.CompileMode
	Buckets []*suite.TestBucket
}

// CoverageReader fetches and decodes one coverage archive.
type CoverageReader interface {
	GetCoverage(ctx context.Context, remotePath string, level suite.CoverageLevel) ([]*coverage.Data, error)
}

// Runner deploys, compiles and executes test suites on the host.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// Run processes every bucket of the request. Failures inside a bucket
	// or suite are reported to observers and counted in the metrics; the
	// returned error is only set when the run was cancelled, in which case
	// the metrics and coverage collected so far are still returned.
	Run(ctx context.Context, req *Request) (*Metrics, []*coverage.Merged, error)
}

// Config for the runner.
type Config struct {
	TestLibrary    string
	LibraryList    []string
	DeployDir      string
	RemoteTempDir  string
	CommandTimeout time.Duration
	Concurrency    int
}

// ConfigFromRunner maps the runner section of the application config.
func ConfigFromRunner(cfg *config.RunnerConfig) *Config {
	return &Config{
		TestLibrary:    cfg.TestLibrary,
		LibraryList:    cfg.LibraryList,
		DeployDir:      cfg.DeployDir,
		RemoteTempDir:  cfg.RemoteTempDir,
		CommandTimeout: cfg.CommandTimeout,
		Concurrency:    cfg.Concurrency,
	}
}

// NewRunner creates a new runner instance.
func NewRunner(
	log logrus.FieldLogger,
	cfg *Config,
	conn transport.Transport,
	configs ConfigResolver,
	coverageReader CoverageReader,
	obs ...Observer,
) Runner {
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = config.DefaultCommandTimeout
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	if cfg.DeployDir == "" {
		cfg.DeployDir = config.DefaultDeployDir
	}

	if cfg.RemoteTempDir == "" {
		cfg.RemoteTempDir = config.DefaultRemoteTempDir
	}

	return &runner{
		log:       log.WithField("component", "runner"),
		cfg:       cfg,
		transport: conn,
		configs:   configs,
		coverage:  coverageReader,
		observers: &observers{list: obs},
		tracer:    otel.Tracer("rpgtestoor/runner"),
		compiled:  make(map[string]struct{}, 16),
	}
}

type runner struct {
	log       logrus.FieldLogger
	cfg       *Config
	transport transport.Transport
	configs   ConfigResolver
	coverage  CoverageReader
	observers *observers
	tracer    trace.Tracer

	// compiled holds the suites compiled during this session.
	mu       sync.Mutex
	compiled map[string]struct{}
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// runState is the mutable state of one Run.
type runState struct {
	id     string
	mode   suite.CompileMode
	merger *coverage.Merger
	seq    atomic.Int64

	mu      sync.Mutex
	metrics Metrics
}

func (st *runState) update(fn func(m *Metrics)) {
	st.mu.Lock()
	defer st.mu.Unlock()

	fn(&st.metrics)
}

// Start prepares the remote output directory.
func (r *runner) Start(ctx context.Context) error {
	res, err := r.transport.RunCommand(ctx, "mkdir -p "+transport.ShellQuote(r.cfg.RemoteTempDir), nil)
	if err != nil {
		return fmt.Errorf("creating remote temp directory: %w", err)
	}

	if !res.Succeeded() {
		return fmt.Errorf("creating remote temp directory: exit code %d: %s",
			res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	r.log.WithField("temp_dir", r.cfg.RemoteTempDir).Debug("Runner started")

	return nil
}

// Stop releases runner resources. The connection is owned by the caller.
func (r *runner) Stop() error {
	r.log.Debug("Runner stopped")

	return nil
}

// Run implements Runner.
func (r *runner) Run(ctx context.Context, req *Request) (*Metrics, []*coverage.Merged, error) {
	mode := req.Mode
	if mode == "" {
		mode = suite.CompileCheck
	}

	st := &runState{
		id:     uuid.New().String(),
		mode:   mode,
		merger: coverage.NewMerger(),
	}
	st.metrics.RunID = st.id

	ctx, span := r.tracer.Start(ctx, "run "+st.id)
	defer span.End()

	log := r.log.WithField("run_id", st.id)
	log.WithFields(logrus.Fields{
		"buckets": len(req.Buckets),
		"mode":    mode,
	}).Info("Starting run")

	start := time.Now()

	// Buckets share nothing but the run state, which is locked.
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)

	for _, bucket := range req.Buckets {
		g.Go(func() error {
			r.runBucket(ctx, st, log, bucket)

			return nil
		})
	}

	_ = g.Wait()

	merged := st.merger.Results()

	st.mu.Lock()
	st.metrics.Elapsed = time.Since(start)
	metrics := st.metrics
	st.mu.Unlock()

	r.observers.finished(&metrics, merged)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")

		return &metrics, merged, fmt.Errorf("run cancelled: %w", err)
	}

	return &metrics, merged, nil
}

func (r *runner) runBucket(ctx context.Context, st *runState, log logrus.FieldLogger, bucket *suite.TestBucket) {
	log = log.WithField("bucket", bucket.Name)

	ctx, span := r.tracer.Start(ctx, "bucket "+bucket.Name, trace.WithAttributes(
		attribute.String("bucket.id", bucket.ID()),
		attribute.Int("bucket.suites", len(bucket.Suites)),
	))
	defer span.End()

	if ctx.Err() != nil {
		for _, s := range bucket.Suites {
			r.skipSuite(st, s, CancelledReason)
		}

		return
	}

	sourceRoot := bucket.Path

	if bucket.IsLocal() {
		sourceRoot = path.Join(r.cfg.DeployDir, bucket.Name)

		if err := r.deploy(ctx, st, log, bucket, sourceRoot); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "deployment failed")

			log.WithError(err).Error("Deployment failed")

			msgs := []results.Message{{Text: fmt.Sprintf("Failed to deploy %s: %v", bucket.Name, err)}}
			for _, s := range bucket.Suites {
				r.failSuite(st, s, msgs)
			}

			return
		}
	}

	for _, s := range bucket.Suites {
		if ctx.Err() != nil {
			r.skipSuite(st, s, CancelledReason)

			continue
		}

		r.runSuite(ctx, st, log, bucket, sourceRoot, s)
	}
}

// deploy uploads a local bucket to deployDir unless compilation is skipped.
func (r *runner) deploy(
	ctx context.Context,
	st *runState,
	log logrus.FieldLogger,
	bucket *suite.TestBucket,
	deployDir string,
) error {
	if st.mode == suite.CompileSkip {
		st.update(func(m *Metrics) { m.Deployments.Skipped++ })
		log.Debug("Deployment skipped")

		return nil
	}

	start := time.Now()

	if err := r.transport.UploadDirectory(ctx, bucket.Path, deployDir); err != nil {
		st.update(func(m *Metrics) { m.Deployments.Failed++ })

		return err
	}

	st.update(func(m *Metrics) { m.Deployments.Success++ })

	log.WithFields(logrus.Fields{
		"deploy_dir": deployDir,
		"duration":   time.Since(start).Round(time.Millisecond),
	}).Info("Bucket deployed")

	return nil
}

func (r *runner) runSuite(
	ctx context.Context,
	st *runState,
	log logrus.FieldLogger,
	bucket *suite.TestBucket,
	sourceRoot string,
	s *suite.TestSuite,
) {
	log = log.WithField("suite", s.Name)

	ctx, span := r.tracer.Start(ctx, "suite "+s.Name, trace.WithAttributes(
		attribute.String("suite.id", s.ID()),
		attribute.String("suite.system_name", s.SystemName),
		attribute.Int("suite.cases", len(s.TestCases)),
	))
	defer span.End()

	tc, err := r.configs.Resolve(ctx, bucket, s)
	if err != nil {
		log.WithError(err).Error("Failed to resolve testing config")
		r.failSuite(st, s, []results.Message{{Text: fmt.Sprintf("Failed to resolve testing config: %v", err)}})

		return
	}

	s.TestingConfig = tc

	if !r.compile(ctx, st, log, s, sourceRoot) {
		span.SetStatus(codes.Error, "compilation failed")

		return
	}

	status, ran := r.execute(ctx, st, log, bucket, sourceRoot, s)

	st.update(func(m *Metrics) {
		if !ran {
			m.TestFiles.Skipped++

			return
		}

		m.TestFiles.add(status)
	})

	span.SetAttributes(attribute.String("suite.status", status.String()))
}

func (r *runner) needsCompile(mode suite.CompileMode, s *suite.TestSuite) bool {
	switch mode {
	case suite.CompileSkip:
		return false
	case suite.CompileForce:
		return true
	default:
		if s.IsCompiled {
			return false
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		_, ok := r.compiled[s.ID()]

		return !ok
	}
}

// includeRoot is the directory relative include directories resolve
// against: the bucket's deployment for deployed sources, otherwise the
// deploy directory itself. Library and remote buckets are never deployed.
func (r *runner) includeRoot(s *suite.TestSuite, sourceRoot string) string {
	if s.Scheme == suite.SchemeFile {
		return sourceRoot
	}

	return r.cfg.DeployDir
}

// compile builds the test program when the mode requires it. It returns
// false when the suite must not be executed; the suite's cases have then
// already been reported.
func (r *runner) compile(
	ctx context.Context,
	st *runState,
	log logrus.FieldLogger,
	s *suite.TestSuite,
	sourceRoot string,
) bool {
	if !r.needsCompile(st.mode, s) {
		st.update(func(m *Metrics) { m.Compilations.Skipped++ })

		return true
	}

	var msgs []results.Message

	cl, err := compileCommand(r.cfg.TestLibrary, sourceRoot, r.includeRoot(s, sourceRoot), s, s.TestingConfig)
	if err == nil {
		var res *transport.CommandResult

		res, err = r.exec(ctx, cl)

		switch {
		case err != nil && ctx.Err() != nil:
			st.update(func(m *Metrics) { m.Compilations.Skipped++ })
			r.skipSuite(st, s, CancelledReason)

			return false
		case err == nil && !res.Succeeded():
			msgs = commandMessages(fmt.Sprintf("Failed to compile %s", s.Name), res)
		}
	}

	if err != nil {
		msgs = []results.Message{{Text: fmt.Sprintf("Failed to compile %s: %v", s.Name, err)}}
	}

	if msgs != nil {
		log.WithField("command", cl).Warn("Compilation failed")

		st.update(func(m *Metrics) { m.Compilations.Failed++ })
		r.observers.compiled(s, msgs, false)
		r.failSuite(st, s, msgs)

		return false
	}

	s.IsCompiled = true

	r.mu.Lock()
	r.compiled[s.ID()] = struct{}{}
	r.mu.Unlock()

	st.update(func(m *Metrics) { m.Compilations.Success++ })
	r.observers.compiled(s, nil, true)

	return true
}

// execute runs the suite as one invocation, or one invocation per case
// when only some cases are selected. ran is false when nothing executed.
func (r *runner) execute(
	ctx context.Context,
	st *runState,
	log logrus.FieldLogger,
	bucket *suite.TestBucket,
	sourceRoot string,
	s *suite.TestSuite,
) (status results.Status, ran bool) {
	if s.IsEntireSuite {
		for _, tc := range s.TestCases {
			r.observers.started(tc)
		}

		return r.invoke(ctx, st, log, bucket, sourceRoot, s, s.TestCases, "")
	}

	status = results.StatusPassed

	for i, tc := range s.TestCases {
		if ctx.Err() != nil {
			r.skipCases(st, s.TestCases[i:], CancelledReason)

			break
		}

		r.observers.started(tc)

		caseStatus, caseRan := r.invoke(ctx, st, log.WithField("case", tc.Name), bucket, sourceRoot, s, []*suite.TestCase{tc}, tc.Name)
		if caseRan {
			ran = true
			status = results.Worst(status, caseStatus)
		}
	}

	return status, ran
}

// invoke performs one RUCALLTST call covering scope and reports its results.
func (r *runner) invoke(
	ctx context.Context,
	st *runState,
	log logrus.FieldLogger,
	bucket *suite.TestBucket,
	sourceRoot string,
	s *suite.TestSuite,
	scope []*suite.TestCase,
	procedure string,
) (results.Status, bool) {
	base := fmt.Sprintf("%s-%s-%d", st.id, s.SystemName, st.seq.Add(1))
	xmlPath := path.Join(r.cfg.RemoteTempDir, base+".xml")

	cl := runCommand(r.cfg.TestLibrary, r.cfg.LibraryList, s, procedure, xmlPath, s.TestingConfig)

	var archivePath string

	if s.CoverageLevel != suite.CoverageNone {
		archivePath = path.Join(r.cfg.RemoteTempDir, base+".cczip")
		cl = coverageCommand(r.cfg.TestLibrary, s, cl, archivePath, s.TestingConfig)
	}

	res, err := r.exec(ctx, cl)
	if err != nil {
		if ctx.Err() != nil {
			r.skipCases(st, scope, CancelledReason)

			return results.StatusPassed, false
		}

		log.WithError(err).Error("Test execution failed")
		r.errorCases(st, scope, []results.Message{{Text: fmt.Sprintf("Failed to run %s: %v", s.Name, err)}})

		return results.StatusErrored, true
	}

	if archivePath != "" {
		r.collectCoverage(ctx, st, log, bucket, sourceRoot, s, archivePath)
	}

	doc, err := r.transport.ReadFile(ctx, xmlPath)
	if err != nil {
		msgs := []results.Message{{Text: fmt.Sprintf("Failed to read result document %s: %v", xmlPath, err)}}
		if !res.Succeeded() {
			msgs = commandMessages(fmt.Sprintf("Failed to run %s", s.Name), res)
		}

		r.errorCases(st, scope, msgs)

		return results.StatusErrored, true
	}

	parsed, err := results.Parse(bytes.NewReader(doc), s.IsStreamOriented())
	if err != nil {
		log.WithError(err).Error("Failed to parse result document")
		r.errorCases(st, scope, []results.Message{{Text: fmt.Sprintf("Failed to parse result document: %v", err)}})

		return results.StatusErrored, true
	}

	return r.correlate(st, log, s, scope, parsed, stripansi.Strip(res.Stdout)), true
}

// correlate reports parsed results against the cases in scope. Results
// that match no case are reported against the suite.
func (r *runner) correlate(
	st *runState,
	log logrus.FieldLogger,
	s *suite.TestSuite,
	scope []*suite.TestCase,
	parsed []*results.TestCaseResult,
	stdout string,
) results.Status {
	worst := results.StatusPassed
	for _, res := range parsed {
		worst = results.Worst(worst, res.Status)
	}

	var markerMsgs []results.Message

	if warning := markerLine(stdout); warning != "" {
		log.Warn(warning)
		r.observers.warning(s, warning)

		if worst == results.StatusPassed {
			worst = results.StatusErrored
			markerMsgs = []results.Message{{Text: warning}}
		}
	}

	reported := make(map[*suite.TestCase]struct{}, len(scope))

	for _, res := range parsed {
		st.update(func(m *Metrics) {
			m.Assertions += res.Assertions
			m.Duration += res.Duration
		})

		var item suite.Item = s

		if tc := findCase(scope, res.Name); tc != nil {
			if _, dup := reported[tc]; !dup {
				reported[tc] = struct{}{}
				item = tc
			}
		} else if res.Status == results.StatusPassed {
			log.WithField("result", res.Name).Warn("Result matches no declared test case")
		}

		r.report(st, item, res.Status, res.Messages, res.Duration)
	}

	missing := 0

	for _, tc := range scope {
		if _, ok := reported[tc]; ok {
			continue
		}

		missing++

		msgs := markerMsgs
		if msgs == nil {
			msgs = []results.Message{{Text: fmt.Sprintf("No result reported for %s", tc.Name)}}
		}

		r.report(st, tc, results.StatusErrored, msgs, 0)
	}

	if missing > 0 {
		worst = results.StatusErrored
	} else if markerMsgs != nil {
		r.observers.errored(s, markerMsgs, 0)
	}

	return worst
}

func (r *runner) collectCoverage(
	ctx context.Context,
	st *runState,
	log logrus.FieldLogger,
	bucket *suite.TestBucket,
	sourceRoot string,
	s *suite.TestSuite,
	archivePath string,
) {
	if r.coverage == nil {
		r.observers.warning(s, "Coverage requested but no coverage reader configured")

		return
	}

	data, err := r.coverage.GetCoverage(ctx, archivePath, s.CoverageLevel)
	if err != nil {
		log.WithError(err).Error("Failed to read coverage")
		r.observers.warning(s, fmt.Sprintf("Failed to read coverage: %v", err))

		return
	}

	for _, d := range data {
		st.merger.Add(coverage.Run{
			Target: coverageTarget(bucket, sourceRoot, d),
			Level:  s.CoverageLevel,
			Data:   d,
		})
	}

	log.WithField("sources", len(data)).Debug("Coverage collected")
}

// exec runs a CL command through the PASE shell with the command timeout.
func (r *runner) exec(ctx context.Context, cl string) (*transport.CommandResult, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	r.log.WithField("command", cl).Debug("Running command")

	res, err := r.transport.RunCommand(cctx, command.System(cl), nil)
	if err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s", r.cfg.CommandTimeout)
		}

		return nil, err
	}

	return res, nil
}

func (r *runner) report(st *runState, item suite.Item, status results.Status, msgs []results.Message, d time.Duration) {
	st.update(func(m *Metrics) { m.TestCases.add(status) })

	switch status {
	case results.StatusPassed:
		r.observers.passed(item, d)
	case results.StatusFailed:
		r.observers.failed(item, msgs, d)
	default:
		r.observers.errored(item, msgs, d)
	}
}

func (r *runner) errorCases(st *runState, cases []*suite.TestCase, msgs []results.Message) {
	for _, tc := range cases {
		r.report(st, tc, results.StatusErrored, msgs, 0)
	}
}

func (r *runner) skipCases(st *runState, cases []*suite.TestCase, reason string) {
	for _, tc := range cases {
		st.update(func(m *Metrics) { m.TestCases.Skipped++ })
		r.observers.skipped(tc, reason)
	}
}

// failSuite reports every case of a suite that could not run as errored.
func (r *runner) failSuite(st *runState, s *suite.TestSuite, msgs []results.Message) {
	st.update(func(m *Metrics) { m.TestFiles.Errored++ })

	if len(s.TestCases) == 0 {
		r.observers.errored(s, msgs, 0)

		return
	}

	r.errorCases(st, s.TestCases, msgs)
}

func (r *runner) skipSuite(st *runState, s *suite.TestSuite, reason string) {
	st.update(func(m *Metrics) { m.TestFiles.Skipped++ })
	r.skipCases(st, s.TestCases, reason)
}

func findCase(scope []*suite.TestCase, name string) *suite.TestCase {
	for _, tc := range scope {
		if strings.EqualFold(tc.Name, name) {
			return tc
		}
	}

	return nil
}

// markerLine returns the output line carrying the no-test-case warning.
func markerLine(output string) string {
	if !noTestCaseMarker.MatchString(output) {
		return ""
	}

	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); noTestCaseMarker.MatchString(line) {
			return line
		}
	}

	return noTestCaseMarker.FindString(output)
}

// commandMessages turns a failed command's output into messages.
func commandMessages(summary string, res *transport.CommandResult) []results.Message {
	msgs := []results.Message{{Text: fmt.Sprintf("%s (exit code %d)", summary, res.ExitCode)}}

	output := res.Stderr
	if strings.TrimSpace(output) == "" {
		output = res.Stdout
	}

	sc := bufio.NewScanner(strings.NewReader(stripansi.Strip(output)))
	for sc.Scan() && len(msgs) <= maxOutputMessages {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			msgs = append(msgs, results.Message{Text: line})
		}
	}

	return msgs
}
