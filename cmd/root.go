// Package cmd implements the netplane command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"grimm.is/netplane/internal/brand"
	"grimm.is/netplane/internal/config"
	"grimm.is/netplane/internal/logging"
	"grimm.is/netplane/internal/metrics"
)

// ConfigEnv is set by dnsmasq for the lease script.
const ConfigEnv = "CONFIG_FILE"

// app is the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string

	fs      afero.Fs
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{fs: afero.NewOsFs()}

	root := &cobra.Command{
		Use:           brand.LowerName,
		Short:         brand.Description,
		Version:       brand.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.flushMetrics()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath(), "Configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newConvergeCommand(a),
		newRenderCommand(a),
		newDHCPEventCommand(a),
		newReleaseCommand(a),
		newCheckConfigCommand(a),
		newImportCommand(a),
		newHealthCommand(a),
	)
	return root
}

// setup loads configuration and builds the logger and metrics registry.
func (a *app) setup(cmd *cobra.Command) error {
	path := a.configPath
	explicit := cmd.Flags().Changed("config")
	if !explicit {
		if env := os.Getenv(ConfigEnv); env != "" {
			path, explicit = env, true
		}
	}

	cfg, err := config.LoadFile(a.fs, path, !explicit)
	if err != nil {
		return err
	}
	a.configPath = path
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Output = cmd.ErrOrStderr()
	logCfg.JSON = cfg.Logging.JSON
	a.logger = logging.New(logCfg)

	if a.logLevel != "" {
		override, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return err
		}
		a.logger.SetLevel(override)
	}

	a.metrics = metrics.NewRegistry()
	return nil
}

func (a *app) flushMetrics() error {
	if a.cfg == nil || a.cfg.Metrics.Textfile == "" {
		return nil
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("failed to write metrics textfile", "path", a.cfg.Metrics.Textfile, "error", err)
	}
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", brand.LowerName, err)
		return 1
	}
	return 0
}
