package coverage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const customerSource = `**free
dcl-proc test_create export;
  dsply 'a';
end-proc;
dcl-proc test_delete export;
  dsply 'b';
end-proc;
`

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func writeArchive(t *testing.T, files map[string]string) string {
	t.Helper()

	archivePath := filepath.Join(t.TempDir(), "coverage.cczip")

	f, err := os.Create(archivePath)
	require.NoError(t, err)

	zw := zip.NewWriter(f)

	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	return archivePath
}

func descriptorXML(entries ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<codeCoverageResult>` + strings.Join(entries, "\n") + `</codeCoverageResult>`
}

func newTestReader(t *testing.T, downloader Downloader) *Reader {
	t.Helper()

	r := NewReader(testLogger(), downloader, nil)
	t.Cleanup(func() { _ = r.Cleanup() })

	return r
}

func TestReader_ReadLocal(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"ccdata": descriptorXML(`<lineLevelCoverageClass
			sourceFile="/deploy/app/qtestsrc/customer.test.rpgle"
			lines="9"
			v2fileLines="#2+1111"
			signatures="OLD"
			v2qualifiedSignatures="TCUSTOMER+TEST_CREATE">
			<testcase hits="A" v2fileHits="K"/>
		</lineLevelCoverageClass>`),
		"src/customer.test.rpgle": customerSource,
	})

	r := newTestReader(t, nil)

	results, err := r.ReadLocal(archive, suite.CoverageLine)
	require.NoError(t, err)
	require.Len(t, results, 1)

	d := results[0]
	assert.Equal(t, "customer.test.rpgle", d.Basename)
	assert.Equal(t, "/deploy/app/qtestsrc/customer.test.rpgle", d.Path)
	assert.FileExists(t, d.LocalPath)
	assert.Equal(t, []string{"TCUSTOMER", "TEST_CREATE"}, d.Coverage.Signatures)
	assert.Equal(t, "#2+1111", d.Coverage.LineSpec)

	// Lines 2..6 are active; K (1010) marks indices 0 and 2.
	assert.Equal(t, map[int]Line{
		2: {Executed: true},
		3: {},
		4: {Executed: true},
		5: {},
		6: {},
	}, d.Coverage.ActiveLines)
	assert.Equal(t, "40", d.Coverage.PercentRan)
}

func TestReader_LegacyAttributesAndEntryHits(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"ccdata":       descriptorXML(`<lineLevelCoverageClass sourceFile="QTESTSRC/CUSTOMER" lines="1111" signatures="A+B" hits="P"/>`),
		"src/CUSTOMER": customerSource,
	})

	results, err := newTestReader(t, nil).ReadLocal(archive, suite.CoverageLine)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, []string{"A", "B"}, results[0].Coverage.Signatures)
	assert.Equal(t, "100", results[0].Coverage.PercentRan)
	assert.Len(t, results[0].Coverage.ActiveLines, 4)
}

func TestReader_MultipleTestcasesUnion(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"ccdata": descriptorXML(`<lineLevelCoverageClass sourceFile="customer.test.rpgle" lines="1111">
			<testcase hits="I"/>
			<testcase hits="B"/>
		</lineLevelCoverageClass>`),
		"src/customer.test.rpgle": customerSource,
	})

	results, err := newTestReader(t, nil).ReadLocal(archive, suite.CoverageLine)
	require.NoError(t, err)

	assert.True(t, results[0].Coverage.ActiveLines[1].Executed)
	assert.True(t, results[0].Coverage.ActiveLines[4].Executed)
	assert.Equal(t, "50", results[0].Coverage.PercentRan)
}

func TestReader_ProcedureLevel(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"ccdata": descriptorXML(`<lineLevelCoverageClass sourceFile="customer.test.rpgle"
			lines="1#3,6" signatures="TCUSTOMER" hits="I"/>`),
		"src/customer.test.rpgle": customerSource,
	})

	results, err := newTestReader(t, nil).ReadLocal(archive, suite.CoverageProc)
	require.NoError(t, err)

	lines := results[0].Coverage.ActiveLines
	assert.Equal(t, Line{Executed: true, Name: "TCUSTOMER"}, lines[1])
	assert.Equal(t, "test_create", lines[3].Name)
	assert.Equal(t, "test_delete", lines[6].Name)
}

func TestReader_NoActiveLines(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"ccdata":                  descriptorXML(`<lineLevelCoverageClass sourceFile="customer.test.rpgle" lines="" hits=""/>`),
		"src/customer.test.rpgle": customerSource,
	})

	results, err := newTestReader(t, nil).ReadLocal(archive, suite.CoverageLine)
	require.NoError(t, err)
	assert.Equal(t, "0", results[0].Coverage.PercentRan)
}

func TestReader_MissingSourceSkipsEntry(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"ccdata": descriptorXML(
			`<lineLevelCoverageClass sourceFile="missing.rpgle" lines="1" hits="P"/>`,
			`<lineLevelCoverageClass sourceFile="customer.test.rpgle" lines="1" hits="P"/>`,
		),
		"src/customer.test.rpgle": customerSource,
	})

	results, err := newTestReader(t, nil).ReadLocal(archive, suite.CoverageLine)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "customer.test.rpgle", results[0].Basename)
}

func TestReader_RootDirectoryEntry(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"./":                      "",
		"ccdata":                  descriptorXML(`<lineLevelCoverageClass sourceFile="customer.test.rpgle" lines="1" hits="P"/>`),
		"src/customer.test.rpgle": customerSource,
	})

	results, err := newTestReader(t, nil).ReadLocal(archive, suite.CoverageLine)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "customer.test.rpgle", results[0].Basename)
}

func TestReader_Errors(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		errSubstr string
	}{
		{
			name:      "no descriptor",
			files:     map[string]string{"src/a.rpgle": "x"},
			errSubstr: "no ccdata descriptor",
		},
		{
			name:      "malformed descriptor",
			files:     map[string]string{"ccdata": "<codeCoverageResult><lineLevel"},
			errSubstr: "parsing descriptor",
		},
		{
			name:      "path traversal",
			files:     map[string]string{"../evil": "x"},
			errSubstr: "extracting coverage archive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeArchive(t, tt.files)

			_, err := newTestReader(t, nil).ReadLocal(archive, suite.CoverageLine)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestReader_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.cczip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	_, err := newTestReader(t, nil).ReadLocal(path, suite.CoverageLine)
	require.Error(t, err)
}

type copyDownloader struct {
	files map[string]string
}

func (d *copyDownloader) DownloadFile(_ context.Context, remotePath, localPath string) error {
	src, ok := d.files[remotePath]
	if !ok {
		return fmt.Errorf("%s: no such file", remotePath)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(localPath, data, 0o644)
}

func TestReader_GetCoverage(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"ccdata":                  descriptorXML(`<lineLevelCoverageClass sourceFile="customer.test.rpgle" lines="11" hits="I"/>`),
		"src/customer.test.rpgle": customerSource,
	})

	r := newTestReader(t, &copyDownloader{files: map[string]string{"/tmp/out/cov.cczip": archive}})

	results, err := r.GetCoverage(context.Background(), "/tmp/out/cov.cczip", suite.CoverageLine)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "50", results[0].Coverage.PercentRan)

	_, err = r.GetCoverage(context.Background(), "/tmp/out/missing.cczip", suite.CoverageLine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downloading coverage archive")

	localPath := results[0].LocalPath
	require.NoError(t, r.Cleanup())
	assert.NoFileExists(t, localPath)
}

func TestSourceProcedures_FixedForm(t *testing.T) {
	src := "     H NOMAIN\n" +
		"     PCALCTAX          B                   EXPORT\n" +
		"     C                   EVAL      X = 1\n" +
		"     P                 E\n"

	path := filepath.Join(t.TempDir(), "calc.rpgle")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	p := NewSourceProcedures()
	assert.Equal(t, "", p.ResolveProcedure(path, 0))
	assert.Equal(t, "CALCTAX", p.ResolveProcedure(path, 1))
	assert.Equal(t, "CALCTAX", p.ResolveProcedure(path, 2))
	assert.Equal(t, "CALCTAX", p.ResolveProcedure(path, 3))
	assert.Equal(t, "", p.ResolveProcedure("/nonexistent.rpgle", 1))
}
