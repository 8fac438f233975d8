package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for run reports.
	DefaultResultsDir = "./results"

	// DefaultSSHPort is the default port of the host's SSH daemon.
	DefaultSSHPort = 22

	// DefaultConnectTimeout bounds the SSH handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultUploadConcurrency is the number of parallel file transfers per deployment.
	DefaultUploadConcurrency = 4

	// DefaultCompileMode compiles suites not yet compiled in this session.
	DefaultCompileMode = "check"

	// DefaultCommandTimeout bounds a single remote compile or test invocation.
	DefaultCommandTimeout = 10 * time.Minute

	// DefaultConcurrency runs buckets one at a time.
	DefaultConcurrency = 1

	// DefaultDeployDir is the IFS directory local buckets are deployed under.
	DefaultDeployDir = "/tmp/rpgtestoor/deploy"

	// DefaultRemoteTempDir holds result documents and coverage archives on the host.
	DefaultRemoteTempDir = "/tmp/rpgtestoor/output"

	// DefaultTestingConfigName is the per-directory testing configuration file.
	DefaultTestingConfigName = "testing.json"

	// DefaultSourceFile is the source file listed for object buckets.
	DefaultSourceFile = "QTESTSRC"

	// DefaultMemberLanguage is assumed for members of object buckets.
	DefaultMemberLanguage = "RPGLE"

	// DefaultAPIListen is the listen address of the results API.
	DefaultAPIListen = ":8080"

	// EnvPrefix prefixes environment overrides, e.g. RPGTESTOOR_GLOBAL_LOG_LEVEL.
	EnvPrefix = "RPGTESTOOR"
)

// Bucket schemes accepted in configuration.
const (
	SchemeFile       = "file"
	SchemeStreamfile = "streamfile"
	SchemeObject     = "object"
)

// ErrNoBuckets is returned when a run has nothing to execute.
var ErrNoBuckets = errors.New("at least one bucket must be configured")

// Config is the root configuration for rpgtestoor.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Connection ConnectionConfig `yaml:"connection" mapstructure:"connection"`
	Runner     RunnerConfig     `yaml:"runner" mapstructure:"runner"`
	Results    ResultsConfig    `yaml:"results" mapstructure:"results"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string        `yaml:"log_level" mapstructure:"log_level"`
	Tracing  TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// TracingConfig controls export of run, bucket and suite spans over OTLP/HTTP.
// An empty endpoint falls back to the standard OTEL_EXPORTER_OTLP_* variables.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty" mapstructure:"sample_ratio"`
}

// ConnectionConfig describes how to reach the IBM i host.
type ConnectionConfig struct {
	Host                  string        `yaml:"host" mapstructure:"host"`
	Port                  int           `yaml:"port" mapstructure:"port"`
	User                  string        `yaml:"user" mapstructure:"user"`
	Password              string        `yaml:"password,omitempty" mapstructure:"password"`
	PrivateKey            string        `yaml:"private_key,omitempty" mapstructure:"private_key"`
	Passphrase            string        `yaml:"passphrase,omitempty" mapstructure:"passphrase"`
	KnownHosts            string        `yaml:"known_hosts,omitempty" mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key" mapstructure:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	CommandsPerSecond     float64       `yaml:"commands_per_second,omitempty" mapstructure:"commands_per_second"`
	UploadConcurrency     int           `yaml:"upload_concurrency" mapstructure:"upload_concurrency"`
}

// Address returns host:port.
func (c *ConnectionConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RunnerConfig contains orchestration settings.
type RunnerConfig struct {
	CompileMode    string         `yaml:"compile_mode" mapstructure:"compile_mode"`
	Coverage       string         `yaml:"coverage,omitempty" mapstructure:"coverage"`
	TestLibrary    string         `yaml:"test_library" mapstructure:"test_library"`
	DeployDir      string         `yaml:"deploy_dir" mapstructure:"deploy_dir"`
	RemoteTempDir  string         `yaml:"remote_temp_dir" mapstructure:"remote_temp_dir"`
	LibraryList    []string       `yaml:"library_list,omitempty" mapstructure:"library_list"`
	CommandTimeout time.Duration  `yaml:"command_timeout" mapstructure:"command_timeout"`
	Concurrency    int            `yaml:"concurrency" mapstructure:"concurrency"`
	TestingConfig  string         `yaml:"testing_config,omitempty" mapstructure:"testing_config"`
	Buckets        []BucketConfig `yaml:"buckets" mapstructure:"buckets"`
}

// BucketConfig defines one run scope.
type BucketConfig struct {
	Name   string `yaml:"name" mapstructure:"name"`
	Scheme string `yaml:"scheme" mapstructure:"scheme"`
	// Path is a local directory, an IFS directory or a library name.
	Path string `yaml:"path" mapstructure:"path"`
	// SourceFiles lists the source physical files scanned in object buckets.
	SourceFiles []string `yaml:"source_files,omitempty" mapstructure:"source_files"`
	// Language is the member type assumed in object buckets.
	Language string `yaml:"language,omitempty" mapstructure:"language"`
	// Include restricts suites to paths matching any of these globs.
	Include []string `yaml:"include,omitempty" mapstructure:"include"`
	// Tests restricts execution to the named test procedures.
	Tests []string `yaml:"tests,omitempty" mapstructure:"tests"`
	// Coverage overrides runner.coverage for this bucket.
	Coverage string `yaml:"coverage,omitempty" mapstructure:"coverage"`
}

// ResultsConfig controls where run reports go.
type ResultsConfig struct {
	Dir      string          `yaml:"dir" mapstructure:"dir"`
	Owner    string          `yaml:"owner,omitempty" mapstructure:"owner"`
	Upload   *UploadConfig   `yaml:"upload,omitempty" mapstructure:"upload"`
	Database *DatabaseConfig `yaml:"database,omitempty" mapstructure:"database"`
}

// Load reads one or more configuration files. Later files are merged over
// earlier ones; RPGTESTOOR_* environment variables override both.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(f)
		} else {
			err = v.MergeConfig(f)
		}

		_ = f.Close()

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers scalar defaults so environment overrides apply to
// keys that are absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.tracing.enabled", false)
	v.SetDefault("global.tracing.endpoint", "")
	v.SetDefault("connection.host", "")
	v.SetDefault("connection.port", DefaultSSHPort)
	v.SetDefault("connection.user", "")
	v.SetDefault("connection.password", "")
	v.SetDefault("connection.private_key", "")
	v.SetDefault("connection.known_hosts", "")
	v.SetDefault("connection.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("connection.upload_concurrency", DefaultUploadConcurrency)
	v.SetDefault("runner.compile_mode", DefaultCompileMode)
	v.SetDefault("runner.coverage", "")
	v.SetDefault("runner.test_library", "")
	v.SetDefault("runner.deploy_dir", DefaultDeployDir)
	v.SetDefault("runner.remote_temp_dir", DefaultRemoteTempDir)
	v.SetDefault("runner.command_timeout", DefaultCommandTimeout)
	v.SetDefault("runner.concurrency", DefaultConcurrency)
	v.SetDefault("results.dir", DefaultResultsDir)
	v.SetDefault("api.listen", DefaultAPIListen)
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Connection.Port == 0 {
		c.Connection.Port = DefaultSSHPort
	}

	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}

	if c.Connection.UploadConcurrency <= 0 {
		c.Connection.UploadConcurrency = DefaultUploadConcurrency
	}

	if c.Runner.CompileMode == "" {
		c.Runner.CompileMode = DefaultCompileMode
	}

	if c.Runner.DeployDir == "" {
		c.Runner.DeployDir = DefaultDeployDir
	}

	if c.Runner.RemoteTempDir == "" {
		c.Runner.RemoteTempDir = DefaultRemoteTempDir
	}

	if c.Runner.CommandTimeout == 0 {
		c.Runner.CommandTimeout = DefaultCommandTimeout
	}

	if c.Runner.Concurrency <= 0 {
		c.Runner.Concurrency = DefaultConcurrency
	}

	c.Runner.TestLibrary = strings.ToUpper(c.Runner.TestLibrary)

	for i := range c.Runner.Buckets {
		b := &c.Runner.Buckets[i]

		if b.Scheme == "" {
			b.Scheme = SchemeFile
		}

		if b.Name == "" {
			b.Name = filepath.Base(b.Path)
		}

		if b.Scheme == SchemeObject {
			if len(b.SourceFiles) == 0 {
				b.SourceFiles = []string{DefaultSourceFile}
			}

			if b.Language == "" {
				b.Language = DefaultMemberLanguage
			}
		}

		if b.Coverage == "" {
			b.Coverage = c.Runner.Coverage
		}
	}

	if c.Results.Dir == "" {
		c.Results.Dir = DefaultResultsDir
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
}

// Validate checks the configuration needed to run tests against a host.
func (c *Config) Validate() error {
	if r := c.Global.Tracing.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("global.tracing.sample_ratio must be between 0 and 1")
	}

	if c.Connection.Host == "" {
		return fmt.Errorf("connection.host is required")
	}

	if c.Connection.User == "" {
		return fmt.Errorf("connection.user is required")
	}

	if c.Connection.Password == "" && c.Connection.PrivateKey == "" {
		return fmt.Errorf("connection: either password or private_key is required")
	}

	if c.Connection.KnownHosts == "" && !c.Connection.InsecureIgnoreHostKey {
		return fmt.Errorf("connection.known_hosts is required unless insecure_ignore_host_key is set")
	}

	if !isValidCompileMode(c.Runner.CompileMode) {
		return fmt.Errorf("runner.compile_mode: unknown mode %q", c.Runner.CompileMode)
	}

	if !isValidCoverage(c.Runner.Coverage) {
		return fmt.Errorf("runner.coverage: unknown level %q", c.Runner.Coverage)
	}

	if c.Runner.TestLibrary == "" {
		return fmt.Errorf("runner.test_library is required")
	}

	if len(c.Runner.Buckets) == 0 {
		return ErrNoBuckets
	}

	seen := make(map[string]struct{}, len(c.Runner.Buckets))

	for i, b := range c.Runner.Buckets {
		if b.Path == "" {
			return fmt.Errorf("bucket %d: path is required", i)
		}

		if _, exists := seen[b.Name]; exists {
			return fmt.Errorf("bucket %d: duplicate name %q", i, b.Name)
		}

		seen[b.Name] = struct{}{}

		switch b.Scheme {
		case SchemeFile:
			info, err := os.Stat(b.Path)
			if err != nil {
				return fmt.Errorf("bucket %q: local path %q does not exist", b.Name, b.Path)
			}

			if !info.IsDir() {
				return fmt.Errorf("bucket %q: local path %q is not a directory", b.Name, b.Path)
			}
		case SchemeStreamfile, SchemeObject:
		default:
			return fmt.Errorf("bucket %q: unknown scheme %q", b.Name, b.Scheme)
		}

		if !isValidCoverage(b.Coverage) {
			return fmt.Errorf("bucket %q: unknown coverage level %q", b.Name, b.Coverage)
		}
	}

	if c.Results.Upload != nil {
		if err := c.Results.Upload.Validate(); err != nil {
			return fmt.Errorf("results.upload: %w", err)
		}
	}

	if c.Results.Database != nil {
		if err := c.Results.Database.Validate(); err != nil {
			return fmt.Errorf("results.database: %w", err)
		}
	}

	return nil
}

// validCompileModes is the list of supported compile modes.
var validCompileModes = map[string]struct{}{
	"skip":  {},
	"force": {},
	"check": {},
}

func isValidCompileMode(mode string) bool {
	_, ok := validCompileModes[strings.ToLower(mode)]

	return ok
}

func isValidCoverage(level string) bool {
	switch strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(level), "*")) {
	case "", "NONE", "LINE", "PROC":
		return true
	default:
		return false
	}
}
