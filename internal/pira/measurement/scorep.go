package measurement

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/pira/internal/pira/functor"
)

const (
	CCompiler         = "clang"
	CXXCompiler       = "clang++"
	InstrumentFlag    = "-finstrument-functions"
	WhitelistFlag     = "-finstrument-functions-whitelist-inputfile"
	ExecutableName    = "pira.built.exe"
	CompileProcesses  = 8
	ScorepTotalMemory = "500M"
	FilterFileName    = "scorep_filter_file.txt"

	scorepLibs       = "`scorep-config --nomemory --libs`"
	scorepLDFlags    = "`scorep-config --nomemory --ldflags`"
	scorepExtraLibs  = "-lscorep_adapter_memory_mgmt -lscorep_alloc_metric"
	scorepCXXAdapter = "-lscorep_adapter_memory_event_cxx_L64"
)

// ExperimentDir is the Score-P experiment directory of an instrumented iteration.
func ExperimentDir(base, flavor string, iteration int) string {
	return base + "-" + flavor + "-" + strconv.Itoa(iteration)
}

// ScorepEnv returns the environment of an instrumented run. filterFile is only set under
// runtime filtering.
func ScorepEnv(experimentBase, flavor, item string, iteration int, filterFile string) []string {
	env := []string{
		"SCOREP_EXPERIMENT_DIRECTORY=" + ExperimentDir(experimentBase, flavor, iteration),
		"SCOREP_OVERWRITE_EXPERIMENT_DIRECTORY=True",
		"SCOREP_PROFILING_BASE_NAME=" + flavor + "-" + item,
		"SCOREP_TOTAL_MEMORY=" + ScorepTotalMemory,
	}
	if filterFile != "" {
		env = append(env, "SCOREP_FILTERING_FILE="+filterFile)
	}
	return env
}

// WriteFilterFile turns a whitelist of mangled function names into a Score-P region filter
// next to it and returns the filter's path.
func WriteFilterFile(whitelist string) (string, error) {
	content, err := os.ReadFile(whitelist)
	if err != nil {
		return "", errors.Wrapf(err, "cannot read instrumentation file %s", whitelist)
	}
	var b strings.Builder
	b.WriteString("SCOREP_REGION_NAMES_BEGIN\nEXCLUDE *\nINCLUDE MANGLED ")
	b.Write(content)
	b.WriteString("\nSCOREP_REGION_NAMES_END\n")

	path := filepath.Join(filepath.Dir(whitelist), FilterFileName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", errors.Wrapf(err, "cannot write filter file %s", path)
	}
	return path, nil
}

func instrumentationFlags(whitelist string, compileTimeFilter bool) string {
	flags := InstrumentFlag
	if compileTimeFilter && whitelist != "" {
		flags += " " + WhitelistFlag + "=" + whitelist
	}
	return flags
}

func quoted(s string) string {
	return `"` + s + `"`
}

// InstrumentationKwargs are the build kwargs of an instrumented build.
func InstrumentationKwargs(whitelist string, compileTimeFilter bool) functor.Kwargs {
	flags := instrumentationFlags(whitelist, compileTimeFilter)
	return functor.Kwargs{
		"CC":         quoted(CCompiler + " " + flags),
		"CXX":        quoted(CXXCompiler + " " + flags),
		"CLFLAGS":    quoted(strings.Join([]string{"scorep.init.o", scorepLibs, scorepLDFlags, scorepExtraLibs}, " ")),
		"CXXLFLAGS":  quoted(strings.Join([]string{"scorep.init.o", scorepLibs, scorepLDFlags, scorepCXXAdapter, scorepExtraLibs}, " ")),
		"PIRANAME":   ExecutableName,
		"NUMPROCS":   CompileProcesses,
		"FilterFile": whitelist,
	}
}

// VanillaKwargs are the kwargs of uninstrumented builds and of runs.
func VanillaKwargs() functor.Kwargs {
	return functor.Kwargs{
		"CC":         quoted(CCompiler),
		"CXX":        quoted(CXXCompiler),
		"CLFLAGS":    "",
		"CXXLFLAGS":  "",
		"PIRANAME":   ExecutableName,
		"NUMPROCS":   CompileProcesses,
		"FilterFile": "",
	}
}
