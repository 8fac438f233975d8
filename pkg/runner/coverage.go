package runner

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/rpgtestoor/pkg/coverage"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
)

// coverageTarget maps the host path of a covered source back to the
// identity of the source it came from.
func coverageTarget(bucket *suite.TestBucket, deployDir string, d *coverage.Data) string {
	switch bucket.Scheme {
	case suite.SchemeFile:
		prefix := strings.TrimSuffix(deployDir, "/") + "/"
		if deployDir != "" && strings.HasPrefix(d.Path, prefix) {
			rel := strings.TrimPrefix(d.Path, prefix)

			return string(suite.SchemeFile) + ":" + filepath.Join(bucket.Path, filepath.FromSlash(rel))
		}

		return string(suite.SchemeFile) + ":" + d.LocalPath
	case suite.SchemeObject:
		// The host reports members as LIB/FILE.FILE/MBR instead of a
		// QSYS path.
		parts := strings.Split(strings.Trim(d.Path, "/"), "/")
		if len(parts) == 3 && strings.HasSuffix(strings.ToUpper(parts[1]), ".FILE") {
			file := parts[1][:len(parts[1])-len(".FILE")]
			mbr := strings.TrimSuffix(parts[2], path.Ext(parts[2]))

			return string(suite.SchemeMember) + ":" + strings.ToUpper(parts[0]+"/"+file+"/"+mbr)
		}

		if strings.HasPrefix(d.Path, "/") {
			return string(suite.SchemeStreamfile) + ":" + d.Path
		}

		return string(suite.SchemeMember) + ":" + d.Path
	default:
		return string(suite.SchemeStreamfile) + ":" + d.Path
	}
}
