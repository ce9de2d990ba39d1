package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/pkg/color"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/jvb"
	"github.com/jvs-project/jvb/pkg/progress"
)

// Exit codes.
const (
	exitError = 1
	// exitStale is returned by check when no recent backup exists.
	exitStale = 2
)

type globalOptions struct {
	repo     string
	json     bool
	progress bool
	noColor  bool
}

// NewRootCmd builds the jvb command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "jvb",
		Short: "JVB - deduplicating backups",
		Long: `JVB backs up directory trees into a content-addressed repository.
Identical file contents are stored once, unchanged files are not re-read,
and old snapshots are reclaimed by a retention policy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(opts.noColor)
		},
	}
	root.PersistentFlags().StringVar(&opts.repo, "repo", "", "repository path (default: discovered from the working directory)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	root.PersistentFlags().BoolVar(&opts.progress, "progress", false, "show progress on stderr")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newInitCmd(opts),
		newBackupCmd(opts),
		newSnapshotsCmd(opts),
		newGCCmd(opts),
		newSyncCmd(opts),
		newRestoreCmd(opts),
		newVerifyCmd(opts),
		newCheckCmd(opts),
		newServeCmd(opts),
		newConfigCmd(opts),
		newLockCmd(opts),
	)
	return root
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running
// operation, which then stops at the next safe point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmtErr("%v", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, errclass.ErrStaleBackup) {
		return exitStale
	}
	return exitError
}

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, color.Error("jvb:")+" "+format+"\n", args...)
}

// openClient opens the repository named by --repo, or the one containing
// the working directory.
func (o *globalOptions) openClient() (*jvb.Client, error) {
	path := o.repo
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("cannot get current directory: %w", err)
		}
		path = cwd
	}
	return jvb.Open(path)
}

// withClient opens the repository, runs fn and closes the client.
func (o *globalOptions) withClient(fn func(c *jvb.Client) error) error {
	c, err := o.openClient()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// progressFor returns a progress callback for op, or nil when --progress is
// off. done must be called once the operation finishes.
func (o *globalOptions) progressFor(cmd *cobra.Command, op string) (cb progress.Callback, done func()) {
	if !o.progress {
		return nil, func() {}
	}
	term := progress.NewTerminalTo(cmd.ErrOrStderr(), op, true)
	return term.Callback(), func() { term.Done("") }
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanSize(n int64) string {
	return units.HumanSize(float64(n))
}
