package runner

import (
	"fmt"
	"path"
	"strings"

	"github.com/ethpandaops/rpgtestoor/pkg/command"
	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
)

const (
	cmdCompileRPG   = "RUCRTRPG"
	cmdCompileCOBOL = "RUCRTCBL"
	cmdRunTests     = "RUCALLTST"
	cmdCodeCoverage = "CODECOV"

	eventFileOption = "*EVENTF"
)

// Keywords the runner owns; configuration cannot override them.
var (
	compileReserved  = []string{"TSTPGM", "SRCFILE", "SRCMBR", "SRCSTMF", "INCDIR"}
	runReserved      = []string{"TSTPGM", "TSTPRC", "XMLSTMF"}
	coverageReserved = []string{"CMD", "MODULE", "CCLVL", "OUTSTMF"}
)

// testProgram returns the qualified program name LIB/NAME.
func testProgram(lib string, s *suite.TestSuite) string {
	return strings.ToUpper(lib) + "/" + s.SystemName
}

// compileCommand renders the RUCRTRPG or RUCRTCBL command for a suite.
// sourceRoot is the remote directory the suite's RelPath is relative to:
// the deploy directory for local buckets, the bucket root for stream files.
// Relative include directories resolve against includeRoot.
func compileCommand(lib, sourceRoot, includeRoot string, s *suite.TestSuite, tc *config.TestingConfig) (string, error) {
	name, cfg := cmdCompileRPG, &tc.RPGUnit.Rucrtrpg
	if s.Language == suite.LanguageCOBOL {
		name, cfg = cmdCompileCOBOL, &tc.RPGUnit.Rucrtcbl
	}

	params := command.Params{{Keyword: "TSTPGM", Value: testProgram(lib, s)}}

	switch s.Scheme {
	case suite.SchemeFile, suite.SchemeStreamfile:
		params = params.Set("SRCSTMF", command.Quote(path.Join(sourceRoot, s.RelPath)))
	case suite.SchemeMember:
		mlib, file, mbr, err := s.Member()
		if err != nil {
			return "", err
		}

		params = params.Set("SRCFILE", mlib+"/"+file).Set("SRCMBR", mbr)
	default:
		return "", fmt.Errorf("cannot compile suite with scheme %q", s.Scheme)
	}

	params = params.Merge(cfg.Parameters(), compileReserved...)

	params = params.Default("TGTCCSID", "*JOB")
	params = params.Set("COPTION", withEventFile(params))
	params = params.Default("DBGVIEW", "*SOURCE")

	if s.Language == suite.LanguageRPG {
		params = params.Default("RPGPPOPT", "*LVL2")
	}

	if dirs := includeDirs(includeRoot, cfg.IncludeDirs); dirs != "" {
		params = params.Set("INCDIR", dirs)
	}

	return wrap(command.Build(name, params), cfg.Wrapper), nil
}

// withEventFile returns the COPTION value with *EVENTF present. The event
// file carries the compiler diagnostics.
func withEventFile(params command.Params) string {
	current, _ := params.Get("COPTION")

	for _, opt := range strings.Fields(current) {
		if strings.EqualFold(opt, eventFileOption) {
			return current
		}
	}

	return strings.TrimSpace(current + " " + eventFileOption)
}

// includeDirs resolves relative directories against root and renders them
// as quoted literals. Already quoted entries are unquoted first.
func includeDirs(root string, dirs []string) string {
	quoted := make([]string, 0, len(dirs))

	for _, dir := range dirs {
		dir = strings.TrimSpace(command.Unquote(strings.TrimSpace(dir)))
		if dir == "" {
			continue
		}

		if !path.IsAbs(dir) && root != "" {
			dir = path.Join(root, dir)
		}

		quoted = append(quoted, command.Quote(dir))
	}

	return strings.Join(quoted, " ")
}

// runCommand renders RUCALLTST for a whole suite (procedure empty) or a
// single test procedure.
func runCommand(lib string, libraryList []string, s *suite.TestSuite, procedure, xmlPath string, tc *config.TestingConfig) string {
	cfg := &tc.RPGUnit.Rucalltst

	params := command.Params{{Keyword: "TSTPGM", Value: testProgram(lib, s)}}

	if procedure != "" {
		params = params.Set("TSTPRC", strings.ToUpper(procedure))
	}

	params = params.Set("XMLSTMF", command.Quote(xmlPath))

	if len(libraryList) > 0 {
		params = params.Set("LIBL", strings.ToUpper(strings.Join(libraryList, " ")))
	}

	params = params.Merge(cfg.Parameters(), runReserved...)

	return wrap(command.Build(cmdRunTests, params), cfg.Wrapper)
}

// coverageCommand runs inner under CODECOV. The test program is always
// registered as a whole service program; configured modules follow.
func coverageCommand(lib string, s *suite.TestSuite, inner, outPath string, tc *config.TestingConfig) string {
	modules := []string{"(" + testProgram(lib, s) + " *SRVPGM *ALL)"}

	for _, m := range tc.CodeCov.Modules {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}

		modules = append(modules, "("+strings.Trim(m, "()")+")")
	}

	params := command.Params{
		{Keyword: "CMD", Value: command.Quote(inner)},
		{Keyword: "MODULE", Value: strings.Join(modules, " ")},
		{Keyword: "CCLVL", Value: string(s.CoverageLevel)},
		{Keyword: "OUTSTMF", Value: command.Quote(outPath)},
	}

	params = params.Merge(tc.CodeCov.Parameters(), coverageReserved...)

	return command.Build(cmdCodeCoverage, params)
}

// wrap embeds cl in the configured wrapper command, if any.
func wrap(cl string, w *config.WrapperConfig) string {
	if w == nil || strings.TrimSpace(w.Command) == "" {
		return cl
	}

	return command.Wrap(strings.ToUpper(w.Command), w.Parameter, cl, command.Params{}.Merge(w.Params()))
}
