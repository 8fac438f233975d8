package runner

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/sirupsen/logrus"
)

// testingConfigNames are looked up next to a suite, in order.
var testingConfigNames = []string{"testing.json", "testing.yaml", "testing.yml"}

// testingConfigMember is the member holding the configuration of a source file.
const testingConfigMember = "TESTING"

// ConfigResolver returns the testing configuration that applies to a suite.
type ConfigResolver interface {
	Resolve(ctx context.Context, bucket *suite.TestBucket, s *suite.TestSuite) (*config.TestingConfig, error)
}

// RemoteReader reads remote files for configuration lookup.
type RemoteReader interface {
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
}

// LayeredConfigResolver merges an optional global file with the closest
// configuration found next to the suite. Local values override global ones.
type LayeredConfigResolver struct {
	log        logrus.FieldLogger
	remote     RemoteReader
	globalPath string

	mu     sync.Mutex
	layers map[string]*config.TestingLayer
}

var _ ConfigResolver = (*LayeredConfigResolver)(nil)

// NewConfigResolver creates a LayeredConfigResolver. remote may be nil when
// only local buckets are used.
func NewConfigResolver(log logrus.FieldLogger, remote RemoteReader, globalPath string) *LayeredConfigResolver {
	return &LayeredConfigResolver{
		log:        log.WithField("component", "testing-config"),
		remote:     remote,
		globalPath: globalPath,
		layers:     make(map[string]*config.TestingLayer, 8),
	}
}

// Resolve implements ConfigResolver.
func (r *LayeredConfigResolver) Resolve(
	ctx context.Context,
	bucket *suite.TestBucket,
	s *suite.TestSuite,
) (*config.TestingConfig, error) {
	layers := make([]*config.TestingLayer, 0, 2)

	if r.globalPath != "" {
		global, err := r.load("file:"+r.globalPath, func() ([]byte, error) {
			return os.ReadFile(r.globalPath)
		})
		if err != nil {
			return nil, fmt.Errorf("loading global testing config: %w", err)
		}

		if global == nil {
			return nil, fmt.Errorf("global testing config %s not found", r.globalPath)
		}

		layers = append(layers, global)
	}

	local, err := r.local(ctx, bucket, s)
	if err != nil {
		return nil, err
	}

	if local != nil {
		layers = append(layers, local)
	}

	return config.ResolveTestingConfig(layers...)
}

func (r *LayeredConfigResolver) local(
	ctx context.Context,
	bucket *suite.TestBucket,
	s *suite.TestSuite,
) (*config.TestingLayer, error) {
	switch s.Scheme {
	case suite.SchemeFile:
		for _, dir := range ancestors(filepath.Dir(s.Path), bucket.Path, filepath.Dir) {
			for _, name := range testingConfigNames {
				p := filepath.Join(dir, name)

				layer, err := r.load("file:"+p, func() ([]byte, error) { return os.ReadFile(p) })
				if err != nil || layer != nil {
					return layer, err
				}
			}
		}
	case suite.SchemeStreamfile:
		if r.remote == nil {
			return nil, nil
		}

		for _, dir := range ancestors(path.Dir(s.Path), bucket.Path, path.Dir) {
			for _, name := range testingConfigNames {
				p := path.Join(dir, name)

				layer, err := r.load("streamfile:"+p, func() ([]byte, error) { return r.remote.ReadFile(ctx, p) })
				if err != nil || layer != nil {
					return layer, err
				}
			}
		}
	case suite.SchemeMember:
		if r.remote == nil {
			return nil, nil
		}

		lib, file, _, err := s.Member()
		if err != nil {
			return nil, err
		}

		p := suite.MemberPath(lib, file, testingConfigMember)

		return r.load("member:"+p, func() ([]byte, error) { return r.remote.ReadFile(ctx, p) })
	}

	return nil, nil
}

// load parses and caches one layer. A file that cannot be read counts as
// absent and yields a nil layer; a file that cannot be parsed is an error.
func (r *LayeredConfigResolver) load(key string, read func() ([]byte, error)) (*config.TestingLayer, error) {
	r.mu.Lock()
	layer, ok := r.layers[key]
	r.mu.Unlock()

	if ok {
		return layer, nil
	}

	data, err := read()
	if err != nil {
		r.log.WithField("path", key).WithError(err).Debug("No testing config")
	} else {
		layer, err = config.ParseTestingLayer(key, data)
		if err != nil {
			return nil, err
		}

		r.log.WithField("path", key).Debug("Loaded testing config")
	}

	r.mu.Lock()
	r.layers[key] = layer
	r.mu.Unlock()

	return layer, nil
}

// ancestors lists dir and its parents up to and including root, closest
// first. A dir outside root yields only dir.
func ancestors(dir, root string, parent func(string) string) []string {
	dirs := []string{dir}

	if root == "" || (dir != root && !strings.HasPrefix(dir, strings.TrimSuffix(root, "/")+"/")) {
		return dirs
	}

	for dir != root {
		next := parent(dir)
		if next == dir {
			break
		}

		dir = next
		dirs = append(dirs, dir)
	}

	return dirs
}
