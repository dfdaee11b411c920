// Package cmd provides the root command for the rebuild CLI: argument
// parsing, logging configuration, and the single `rebuild <target>`
// operation spec.md §6 defines. Persistent-flag handling and logger wiring
// are carried over unmodified from the teacher CLI's cmd/root.go; the
// command tree itself collapses to one Runnable command since spec.md
// defines exactly one CLI operation.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rsepassi/rebuild-go/internal/build"
	"github.com/rsepassi/rebuild-go/internal/build/declprovider"
	"github.com/rsepassi/rebuild-go/internal/hashx"
	"github.com/rsepassi/rebuild-go/internal/logger"
	"github.com/rsepassi/rebuild-go/internal/rebuilderr"
	"github.com/rsepassi/rebuild-go/internal/store"
	"github.com/rsepassi/rebuild-go/version"
	"github.com/spf13/cobra"
)

// Exit codes per spec.md §6.
const (
	ExitOK      = 0
	ExitUsage   = 1
	ExitParse   = 3
	ExitExec    = 4
	ExitUnknown = 1
)

var (
	// logLevel stores the logging level flag value.
	logLevel string

	// logFormat stores the logging format flag value (text or json).
	logFormat string

	// logOutput stores the log output destination flag value (stdout or filename).
	logOutput string

	// verbose stores the count of -v flags (0, 1, or 2).
	verbose int

	// quiet stores the quiet mode flag value.
	quiet bool

	// logFile stores the opened log file handle when logging to a file.
	logFile *os.File
)

// rootCmd is the root command for the rebuild CLI. It accepts at most one
// positional argument — the target to build — per spec.md §6: "Only one
// positional target is accepted."
var rootCmd = &cobra.Command{
	Use:     "rebuild [target]",
	Short:   "rebuild — a constructive-trace build engine",
	Long:    `rebuild executes a recipe for the given target, memoizing its effects by a content-addressed fingerprint of its declared dependencies and skipping work when nothing relevant has changed.`,
	Args:    cobra.MaximumNArgs(1),
	Version: version.VERSION,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logLevel
		if quiet {
			level = "error"
		} else if verbose > 0 {
			if verbose >= 2 {
				level = "debug"
			} else {
				level = "info"
			}
		} else if level == "" {
			level = "warn"
		}

		var output io.Writer
		if logOutput == "" || logOutput == "stdout" {
			output = os.Stdout
		} else {
			cleanPath := filepath.Clean(logOutput)
			absPath, err := filepath.Abs(cleanPath)
			if err != nil {
				return fmt.Errorf("error resolving log file path %s: %w", logOutput, err)
			}
			if filepath.Clean(absPath) != absPath {
				return fmt.Errorf("invalid log file path: %s", logOutput)
			}

			logFile, err = os.OpenFile(absPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				return fmt.Errorf("error opening log file %s: %w", logOutput, err)
			}
			output = logFile
		}

		logger.Init(level, logFormat, output)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			if err := logFile.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Error closing log file: %v\n", err)
			}
			logFile = nil
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			cmd.Help() //nolint:errcheck // best-effort usage output before returning the usage error
			return errors.New("usage: rebuild <target>")
		}
		return runBuild(cmd, args[0])
	},
}

// runBuild wires the CORE together exactly as spec.md §13 describes: a
// Store, the recipe source discovered by walking upward from the current
// directory, a declarative RecipeProvider loaded from it, a Registry
// populated from that provider, and a Scheduler that drives the requested
// target to completion or failure.
func runBuild(cmd *cobra.Command, target string) error {
	s, err := store.Init()
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return rebuilderr.Wrap(rebuilderr.Io, "failed to resolve working directory", err)
	}

	sourcePath, err := build.FindRecipeSource(cwd, declprovider.SourceExt)
	if err != nil {
		return err
	}

	provider := declprovider.New()
	if err := provider.Load(sourcePath); err != nil {
		return err
	}

	reg := build.NewRegistry()
	if err := provider.RegisterTargets(reg); err != nil {
		return err
	}

	sched := build.NewScheduler(s, provider)
	sched.SetRegistry(reg)

	if err := sched.Build(target); err != nil {
		return err
	}

	outputPath, _ := sched.Completed(target)
	size := dirSize(outputPath)
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", target, outputPath, hashx.FormatSize(size))
	return nil
}

// dirSize sums the apparent size of every regular file under path. Errors
// (a missing or unreadable output directory) are swallowed; the reported
// size is best-effort diagnostic output, not something the build depends on.
func dirSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Register adds a subcommand to the root command. Kept for the rare case a
// caller wants to attach a diagnostic subcommand during development; the
// spec.md §6 CLI surface itself defines none.
func Register(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// GetRootCmd returns the root command instance, primarily for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// Execute runs the root command and returns the process exit code per
// spec.md §6's table, derived from the returned error's rebuilderr.Kind.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}

	var rerr *rebuilderr.Error
	if errors.As(err, &rerr) {
		switch rerr.Kind {
		case rebuilderr.Parse, rebuilderr.Trace:
			fmt.Fprintln(os.Stderr, err)
			return ExitParse
		case rebuilderr.Exec:
			fmt.Fprintln(os.Stderr, err)
			return ExitExec
		default:
			fmt.Fprintln(os.Stderr, err)
			return ExitUnknown
		}
	}

	fmt.Fprintln(os.Stderr, err)
	return ExitUsage
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	rootCmd.SetVersionTemplate(fmt.Sprintf("rebuild %s (%s) %s\n", version.VERSION, version.COMMIT, version.DATE))

	// spec.md §6: "-h/--help — usage to standard error, exit 0." Cobra's
	// default help func writes to OutOrStdout; capture it before overriding
	// so the override can redirect to the command's error writer (stderr
	// unless SetErr replaced it) without recursing.
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		c.SetOut(c.ErrOrStderr())
		defaultHelpFunc(c, args)
	})

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set the logging level (debug, info, warn, error). Default: warn (only warnings and errors)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Set the logging format (text, json). Default: text")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stdout", "Set the log output destination (stdout or a filename). Default: stdout")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Enable verbose output: -v for info level, -vv for debug level")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output (equivalent to --log-level=error)")
}
