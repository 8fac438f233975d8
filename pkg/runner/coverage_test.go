package runner

import (
	"path/filepath"
	"testing"

	"github.com/ethpandaops/rpgtestoor/pkg/coverage"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/stretchr/testify/assert"
)

func TestCoverageTarget(t *testing.T) {
	local := &suite.TestBucket{Name: "app", Scheme: suite.SchemeFile, Path: "/home/dev/app"}
	library := &suite.TestBucket{Name: "lib", Scheme: suite.SchemeObject, Path: "APPLIB"}
	ifs := &suite.TestBucket{Name: "ifs", Scheme: suite.SchemeStreamfile, Path: "/home/dev/ifs"}

	tests := []struct {
		name      string
		bucket    *suite.TestBucket
		deployDir string
		data      *coverage.Data
		expected  string
	}{
		{
			name:      "deployed file mapped back to the workspace",
			bucket:    local,
			deployDir: "/tmp/deploy/app",
			data:      &coverage.Data{Path: "/tmp/deploy/app/qrpglesrc/customer.rpgle"},
			expected:  "file:" + filepath.Join("/home/dev/app", "qrpglesrc", "customer.rpgle"),
		},
		{
			name:      "outside the deploy directory uses the extracted copy",
			bucket:    local,
			deployDir: "/tmp/deploy/app",
			data:      &coverage.Data{Path: "/tmp/deploy/application/x.rpgle", LocalPath: "/tmp/cc123/src/x.rpgle"},
			expected:  "file:/tmp/cc123/src/x.rpgle",
		},
		{
			name:     "three segment member path restructured",
			bucket:   library,
			data:     &coverage.Data{Path: "applib/QRPGLESRC.FILE/CUSTSRV.MBR"},
			expected: "member:APPLIB/QRPGLESRC/CUSTSRV",
		},
		{
			name:     "member path without a file container",
			bucket:   library,
			data:     &coverage.Data{Path: "APPLIB/CUSTSRV"},
			expected: "member:APPLIB/CUSTSRV",
		},
		{
			name:     "stream file in a library bucket",
			bucket:   library,
			data:     &coverage.Data{Path: "/home/dev/ifs/x.rpgle"},
			expected: "streamfile:/home/dev/ifs/x.rpgle",
		},
		{
			name:     "stream file bucket",
			bucket:   ifs,
			data:     &coverage.Data{Path: "/home/dev/ifs/qrpglesrc/x.rpgle"},
			expected: "streamfile:/home/dev/ifs/qrpglesrc/x.rpgle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, coverageTarget(tt.bucket, tt.deployDir, tt.data))
		})
	}
}
