package main

import (
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// options collects every flag spec.md §6.6 requires the CLI to expose.
type options struct {
	manifestPath  string
	compiledCache string
	logPath       string

	keepGoing      int
	parallelism    int
	maxLoadAverage float64
	dryRun         bool
	clean          bool
	verbose        bool

	ignoredPrefixes []string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "nbuild [targets...]",
		Short: "A correct-by-construction incremental build engine",
		Long: `nbuild compiles a declarative build manifest, determines exactly which
steps are dirty using content fingerprints and a persistent invocation log,
and executes the minimum set of commands needed to bring the requested
targets (default: the manifest's defaults, else every root) up to date.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			if opts.clean {
				return runClean(opts)
			}
			return runBuild(opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.manifestPath, "manifest", "f", "build.yaml", "path to the build manifest")
	flags.StringVar(&opts.compiledCache, "compiled-cache", ".nbuild.cache", "path to the compiled-manifest cache")
	flags.StringVar(&opts.logPath, "log", ".nbuild.log", "path to the invocation log")
	flags.IntVarP(&opts.keepGoing, "keep-going", "k", 1, "number of step failures tolerated before stopping (0 means unlimited)")
	flags.IntVarP(&opts.parallelism, "parallelism", "j", runtime.NumCPU(), "maximum number of commands to run concurrently")
	flags.Float64VarP(&opts.maxLoadAverage, "load-average", "l", 0, "do not dispatch new commands once the system load average exceeds this value (0 disables the cap)")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "print what would run without invoking commands or writing to disk")
	flags.BoolVar(&opts.clean, "clean", false, "delete every tracked output and created directory, then exit")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringSliceVar(&opts.ignoredPrefixes, "ignore-prefix", defaultIgnoredPrefixes(), "path prefixes excluded from traced, undeclared inputs/outputs")

	return cmd
}

func defaultIgnoredPrefixes() []string {
	prefixes := []string{"/proc/", "/sys/", "/dev/"}
	if tmp := strings.TrimRight(os.TempDir(), "/"); tmp != "" {
		prefixes = append(prefixes, tmp+"/")
	}
	return prefixes
}
