// Package cli implements the modpatch command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/asynkron/modpatch/internal/cache"
	"github.com/asynkron/modpatch/internal/logging"
	"github.com/asynkron/modpatch/internal/manifest"
	"github.com/asynkron/modpatch/internal/metrics"
	"github.com/asynkron/modpatch/internal/pipeline"
	"github.com/asynkron/modpatch/internal/project"
	"github.com/asynkron/modpatch/internal/report"
	"github.com/asynkron/modpatch/pkg/modpatch"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

// exitError carries an exit code for failures whose diagnostics were already printed.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type app struct {
	stdout io.Writer
	stderr io.Writer

	dir              string
	manifest         string
	verbosity        int
	noColor          bool
	refresh          bool
	skipUnchanged    bool
	concurrency      int
	tolerance        int
	ignoreWhitespace bool
	reportFormat     string
	stats            bool

	logger  zerolog.Logger
	metrics *metrics.InMemory
}

// Run executes modpatch with the provided arguments.
// It returns a POSIX-style exit code indicating whether execution succeeded.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	root := NewRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCmd builds the command tree writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr, metrics: metrics.NewInMemory()}

	root := &cobra.Command{
		Use:   "modpatch",
		Short: "Patch third-party Go modules without forking them",
		Long: `modpatch fetches the modules declared in modpatch.toml (or modpatch.yaml),
keeps a pristine copy in a shared cache and applies your patch files to a fresh working
copy that go.mod replace directives can point at.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.logger = logging.New(a.stderr, a.verbosity, !a.color(a.stderr))
			a.logger.Debug().Str("command", cmd.Name()).Msg("command started")
			return nil
		},
		RunE:          a.runPatch,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.dir, "dir", "C", ".", "directory to start manifest discovery from")
	flags.StringVarP(&a.manifest, "manifest", "m", "", "manifest path (default: discover modpatch.toml or modpatch.yaml)")
	flags.CountVarP(&a.verbosity, "verbose", "v", "increase verbosity (-v info, -vv debug, -vvv trace)")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")
	flags.BoolVar(&a.refresh, "refresh", false, "discard cached pristine sources before patching")
	flags.BoolVar(&a.skipUnchanged, "skip-unchanged", false, "keep working copies whose inputs did not change")
	flags.IntVar(&a.concurrency, "concurrency", 0, "dependencies patched in parallel (default: manifest setting or CPU count)")
	flags.IntVar(&a.tolerance, "tolerance", 0, "lines a hunk may drift from its recorded position (negative: exact positions only)")
	flags.BoolVar(&a.ignoreWhitespace, "ignore-whitespace", false, "ignore whitespace when matching hunk context")
	flags.StringVar(&a.reportFormat, "report", "", "write a machine-readable report to stdout (yaml or json)")
	flags.BoolVar(&a.stats, "stats", false, "print download, cache and hunk statistics")

	patchCmd := &cobra.Command{
		Use:   "patch",
		Short: "Patch every dependency declared in the manifest (default)",
		Args:  cobra.NoArgs,
		RunE:  a.runPatch,
	}
	root.AddCommand(patchCmd, a.replaceCmd(), a.watchCmd(), a.cacheCmd(), a.inputsCmd(), a.versionCmd())
	return root
}

func (a *app) color(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return report.ColorEnabled(f, a.noColor)
}

func (a *app) printer() *report.Printer {
	return report.NewPrinter(a.stdout, a.stderr, a.color(a.stdout))
}

func (a *app) options() modpatch.Options {
	return modpatch.Options{
		Dir:              a.dir,
		Manifest:         a.manifest,
		Logger:           a.logger,
		Metrics:          a.metrics,
		Refresh:          a.refresh,
		SkipUnchanged:    a.skipUnchanged,
		IgnoreWhitespace: a.ignoreWhitespace,
		Concurrency:      a.concurrency,
		Tolerance:        a.tolerance,
	}
}

// open loads the project's .env file and wires the pipeline.
func (a *app) open() (*modpatch.Session, error) {
	opts := a.options()
	path, err := modpatch.ManifestPath(opts)
	if err != nil {
		return nil, err
	}
	if err := manifest.LoadDotEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}
	opts.Manifest = path
	return modpatch.Open(opts)
}

// patch runs the pipeline and prints its outcome. It returns the result even on failure so
// callers can act on the dependencies that succeeded.
func (a *app) patch(ctx context.Context, s *modpatch.Session) (*pipeline.Result, error) {
	var format report.Format
	if a.reportFormat != "" {
		f, err := report.ParseFormat(a.reportFormat)
		if err != nil {
			return nil, err
		}
		format = f
	}
	a.metrics.Reset()
	p := a.printer()
	if len(s.Manifest.Specs) == 0 {
		p.NoPatches()
		return &pipeline.Result{}, nil
	}

	res, runErr := s.Run(ctx)
	if res == nil {
		return nil, runErr
	}
	if format != "" {
		if err := report.Write(a.stdout, format, res); err != nil {
			return res, err
		}
		for _, dep := range res.Failed() {
			p.Failure(dep)
		}
	} else {
		p.Result(res)
	}
	if a.stats {
		p.Stats(a.metrics.Snapshot())
	}

	var runError *pipeline.RunError
	if errors.As(runErr, &runError) {
		return res, &exitError{code: 1}
	}
	return res, runErr
}

func (a *app) runPatch(cmd *cobra.Command, _ []string) error {
	s, err := a.open()
	if err != nil {
		return err
	}
	_, err = a.patch(cmd.Context(), s)
	return err
}

func (a *app) replaceCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "replace",
		Short: "Print go.mod replace directives pointing at the working copies",
		Long: `replace patches every dependency, then prints one replace directive per patched
module. With --write the directives are added to go.mod instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			res, runErr := a.patch(cmd.Context(), s)
			if res == nil {
				return runErr
			}
			replaces := s.Replaces(res)
			if write {
				changed, err := s.Project.AddReplaces(replaces)
				if err != nil {
					return err
				}
				if changed {
					fmt.Fprintf(a.stdout, "Updated %s\n", filepath.Join(s.Project.Root(), "go.mod"))
				} else {
					fmt.Fprintln(a.stdout, "go.mod is up to date")
				}
				return runErr
			}
			for _, r := range replaces {
				fmt.Fprintln(a.stdout, s.Project.ReplaceDirective(r))
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "add the replace directives to go.mod")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Patch again whenever the manifest or a patch file changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watchLoop(cmd.Context())
		},
	}
}

func (a *app) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or remove the pristine source cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the cache directory",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				root, err := a.cacheRoot()
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, root)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clean",
			Short: "Remove the cache directory",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				root, err := a.cacheRoot()
				if err != nil {
					return err
				}
				if err := cache.Clean(root); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Removed %s\n", root)
				return nil
			},
		},
	)
	return cmd
}

// cacheRoot returns the cache directory of the current manifest, or the default one when
// there is no manifest.
func (a *app) cacheRoot() (string, error) {
	path, err := modpatch.ManifestPath(a.options())
	if errors.Is(err, project.ErrNoManifest) {
		return cache.DefaultRoot(), nil
	}
	if err != nil {
		return "", err
	}
	if err := manifest.LoadDotEnv(filepath.Dir(path)); err != nil {
		return "", err
	}
	m, err := manifest.Load(path, a.logger)
	if err != nil {
		return "", err
	}
	if dir := m.CacheDir(); dir != "" {
		return dir, nil
	}
	return cache.DefaultRoot(), nil
}

func (a *app) inputsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inputs",
		Short: "Print the files whose change should trigger a new patch run",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			inputs, err := modpatch.Inputs(a.dir, a.manifest)
			if err != nil {
				return err
			}
			for _, in := range inputs {
				fmt.Fprintln(a.stdout, in)
			}
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.stdout, "modpatch %s\n", Version)
		},
	}
}
