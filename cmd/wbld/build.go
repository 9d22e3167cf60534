package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wbld/backend/pkg/build"
	"github.com/wbld/backend/pkg/builder"
)

func newBuildCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run a firmware build or inspect one",
	}
	cmd.AddCommand(
		newBuildBuiltinCmd(a),
		newBuildCustomCmd(a),
		newBuildLogCmd(a),
		newBuildShowCmd(a),
	)
	return cmd
}

func newBuildBuiltinCmd(a *app) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "builtin <env> [revision]",
		Short: "Build an environment defined by the firmware project",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			revision := a.cfg.DefaultRevision
			if len(args) == 2 {
				revision = args[1]
			}
			return a.runBuild(cmd.Context(), builder.Builtin{Env: args[0]}, revision, quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not stream the build log")
	return cmd
}

func newBuildCustomCmd(a *app) *cobra.Command {
	var (
		snippetFile string
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "custom [revision]",
		Short: "Build a user supplied environment section",
		Long: `Build a single [env:NAME] section given in a platformio ini snippet.
Use --snippet-file - to read the snippet from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snippet, err := readSnippet(cmd.InOrStdin(), snippetFile)
			if err != nil {
				return err
			}
			revision := a.cfg.DefaultRevision
			if len(args) == 1 {
				revision = args[0]
			}
			return a.runBuild(cmd.Context(), builder.Custom{Config: snippet}, revision, quiet)
		},
	}
	cmd.Flags().StringVarP(&snippetFile, "snippet-file", "f", "", "File holding the environment section (required)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not stream the build log")
	_ = cmd.MarkFlagRequired("snippet-file")
	return cmd
}

func readSnippet(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read snippet: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("snippet is empty")
	}
	return string(data), nil
}

// runBuild sets the build up, streams its log unless quiet, and reports the
// outcome. A failed build is returned as an error so the exit code is non-zero.
func (a *app) runBuild(ctx context.Context, src builder.Source, revision string, quiet bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if a.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.BuildTimeout)
		defer cancel()
	}

	b := a.newEngine(a).New(src, nil)
	if err := b.Setup(ctx, revision); err != nil {
		return err
	}
	defer b.Cleanup()

	rec := b.Record()
	fmt.Fprintf(a.out, "%s build %s of %s at %s\n",
		color.CyanString("→"), rec.ID(), b.Env(), dimColor.Sprint(shortHash(rec.CommitHash())))

	followed := make(chan struct{})
	followCtx, cancelFollow := context.WithCancel(ctx)
	defer cancelFollow()
	if quiet {
		close(followed)
	} else {
		go func() {
			defer close(followed)
			if err := build.Follow(followCtx, rec, a.out); err != nil && followCtx.Err() == nil {
				a.logger.Warn("log follow stopped", "build", rec.ID(), "error", err)
			}
		}()
	}

	rec, runErr := b.Run(ctx)
	if runErr != nil {
		cancelFollow()
	}
	<-followed
	if rec == nil {
		return runErr
	}

	fmt.Fprintln(a.out)
	printSummary(a.out, rec)
	if runErr != nil {
		return runErr
	}
	if rec.State() != build.StateSuccess {
		return fmt.Errorf("build %s %s", rec.ID(), rec.State())
	}
	return nil
}

func newBuildLogCmd(a *app) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Print the combined log of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.catalog.Get(args[0])
			if err != nil {
				return err
			}
			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return build.Follow(ctx, rec, a.out)
			}
			if !rec.HasLog() {
				return fmt.Errorf("build %s has no log yet", rec.ID())
			}
			f, err := os.Open(rec.LogPath())
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(a.out, f)
			return err
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "Keep streaming until the build finishes")
	return cmd
}

func newBuildShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the metadata of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.catalog.Get(args[0])
			if err != nil {
				return err
			}
			printSummary(a.out, rec)
			return nil
		},
	}
}

func printSummary(w io.Writer, rec *build.Record) {
	meta := rec.Metadata()
	field := func(name, value string) {
		fmt.Fprintf(w, "%-10s %s\n", dimColor.Sprint(name+":"), value)
	}

	field("id", rec.ID())
	field("kind", meta.Kind.String())
	field("state", stateString(meta.State))
	field("env", meta.Env)
	field("version", meta.Version)
	field("commit", meta.SHA1)
	if d, ok := rec.Duration(); ok {
		field("duration", formatDuration(d))
	}
	field("created", humanize.Time(rec.CreatedAt()))
	if meta.Author != nil {
		field("author", meta.Author.Name)
	}
	if rec.HasFirmware() {
		size := ""
		if fi, err := os.Stat(rec.FirmwarePath()); err == nil {
			size = " (" + humanize.Bytes(uint64(fi.Size())) + ")"
		}
		field("firmware", rec.FirmwarePath()+size)
		field("download", rec.DownloadName())
	}
	if meta.Snippet != "" {
		fmt.Fprintf(w, "%s\n%s\n", dimColor.Sprint("snippet:"), strings.TrimRight(meta.Snippet, "\n"))
	}
}

func stateString(s build.State) string {
	switch s {
	case build.StateSuccess:
		return color.GreenString(s.String())
	case build.StateFailed:
		return color.RedString(s.String())
	default:
		return color.YellowString(s.String())
	}
}

func formatDuration(d time.Duration) string {
	return d.Round(100 * time.Millisecond).String()
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
