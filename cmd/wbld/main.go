// Command wbld runs firmware builds locally and inspects stored builds.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wbld/backend/pkg/build"
	"github.com/wbld/backend/pkg/builder"
	"github.com/wbld/backend/pkg/config"
	"github.com/wbld/backend/pkg/platformio"
	"github.com/wbld/backend/pkg/telemetry"
	"github.com/wbld/backend/pkg/workspace"
)

var dimColor = color.New(color.Faint)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg     config.BuilderConfig
	store   *build.Store
	catalog *build.Catalog
	logger  *slog.Logger
	out     io.Writer

	// newEngine is replaced in tests.
	newEngine func(a *app) *builder.Engine
}

func defaultEngine(a *app) *builder.Engine {
	provider := workspace.NewProvider(workspace.NewGitCheckouter(a.cfg.RepositoryURL), workspace.WithLogger(a.logger))
	return builder.NewEngine(platformio.New(a.cfg.PioBinary, a.logger), provider, a.store,
		builder.WithLogger(a.logger),
		builder.WithJobs(a.cfg.Jobs),
		builder.WithVerbose(a.cfg.Verbose),
	)
}

func newRootCmd(a *app) *cobra.Command {
	var (
		storageDir string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:           "wbld",
		Short:         "WLED firmware builder",
		Long:          `wbld compiles WLED firmware for a revision and environment and keeps every build on disk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadBuilder()
			if err != nil {
				return err
			}
			if storageDir != "" {
				cfg.StorageDir = storageDir
			}
			level := cfg.LogLevel
			if debug {
				level = "debug"
			}
			a.cfg = cfg
			a.logger = telemetry.NewLogger(cmd.ErrOrStderr(), level, cfg.LogFormat)
			a.out = cmd.OutOrStdout()

			store, err := build.NewStore(cfg.StorageDir, build.WithLogger(a.logger))
			if err != nil {
				return err
			}
			a.store = store
			a.catalog = build.NewCatalog(store, a.logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "", "Directory holding build records (overrides storage_dir)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newBuildCmd(a),
		newBuildsCmd(a),
		newRemoteCmd(a),
	)
	return rootCmd
}

func main() {
	a := &app{newEngine: defaultEngine}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
