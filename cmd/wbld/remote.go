package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wbld/backend/pkg/client"
)

const defaultServer = "http://localhost:8090"

func newRemoteCmd(a *app) *cobra.Command {
	var (
		server    string
		apiKey    string
		requester string
	)

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running build service",
	}
	cmd.PersistentFlags().StringVar(&server, "server", defaultServer, "Build service base URL")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (defaults to api_key from config)")
	cmd.PersistentFlags().StringVar(&requester, "requester", "", "Requester id used for admission")

	newClient := func() *client.Client {
		key := apiKey
		if key == "" {
			key = a.cfg.APIKey
		}
		return client.New(server, client.WithAPIKey(key), client.WithRequester(requester))
	}

	cmd.AddCommand(
		newRemoteBuildCmd(a, newClient),
		newRemoteShowCmd(a, newClient),
		newRemoteListCmd(a, newClient),
	)
	return cmd
}

func newRemoteBuildCmd(a *app, newClient func() *client.Client) *cobra.Command {
	var (
		revision    string
		snippetFile string
		detach      bool
	)

	cmd := &cobra.Command{
		Use:   "build [env]",
		Short: "Submit a build and stream its log",
		Long: `Submit a builtin build of env, or a custom build with --snippet-file.
The log is streamed until the build finishes unless --detach is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.CreateBuildRequest{Kind: "builtin", Revision: revision}
			switch {
			case snippetFile != "":
				snippet, err := readSnippet(cmd.InOrStdin(), snippetFile)
				if err != nil {
					return err
				}
				req.Kind, req.Snippet = "custom", snippet
			case len(args) == 1:
				req.Env = args[0]
			default:
				return fmt.Errorf("either an env or --snippet-file is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := newClient()
			created, err := c.CreateBuild(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s build %s of %s at %s\n",
				color.CyanString("→"), created.ID, created.Env, dimColor.Sprint(shortHash(created.SHA1)))
			if detach {
				return nil
			}

			state, err := c.StreamLog(ctx, created.ID, a.out)
			if err != nil {
				return err
			}
			final, err := c.GetBuild(ctx, created.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out)
			printRemote(a.out, final)
			if state != "success" {
				return fmt.Errorf("build %s %s", created.ID, state)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&revision, "revision", "r", "", "Revision to build (service default when empty)")
	cmd.Flags().StringVarP(&snippetFile, "snippet-file", "f", "", "Custom environment section, - for stdin")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Return once the build is accepted")
	return cmd
}

func newRemoteShowCmd(a *app, newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a build held by the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newClient().GetBuild(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRemote(a.out, b)
			return nil
		},
	}
}

func newRemoteListCmd(a *app, newClient func() *client.Client) *cobra.Command {
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds held by the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().ListBuilds(cmd.Context(), page, pageSize)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tENV\tVERSION\tSTATE\tCREATED")
			for _, b := range res.Builds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					b.ID, b.Kind, b.Env, b.Version, b.State, humanize.Time(b.CreatedAt))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, dimColor.Sprintf("page %d, showing %d of %d builds", res.Page, len(res.Builds), res.Total))
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number, starting at 1")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Builds per page")
	return cmd
}

func printRemote(w io.Writer, b client.Build) {
	field := func(name, value string) {
		fmt.Fprintf(w, "%-10s %s\n", dimColor.Sprint(name+":"), value)
	}
	field("id", b.ID)
	field("kind", b.Kind)
	field("state", remoteState(b.State))
	field("env", b.Env)
	field("version", b.Version)
	field("commit", b.SHA1)
	if b.Duration != nil {
		field("duration", formatDuration(time.Duration(*b.Duration*float64(time.Second))))
	}
	field("created", humanize.Time(b.CreatedAt))
	field("log", b.LogURL)
	if b.FirmwareURL != "" {
		field("firmware", b.FirmwareURL)
	}
}

func remoteState(s string) string {
	switch s {
	case "success":
		return color.GreenString(s)
	case "failed":
		return color.RedString(s)
	default:
		return color.YellowString(s)
	}
}
