package main

import (
	"fmt"
	"os"

	"github.com/fgrzl/connect/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type app struct {
	configPath string
	backend    string

	cfg     *config.Config
	service *config.Service
}

func main() {
	if err := run(&app{}, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run executes the command line and closes the service whether or not the
// command failed. Cobra skips post-run hooks after a RunE error.
func run(a *app, args []string) error {
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.Execute()
	return multierr.Append(err, a.close())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "connect",
		Short:         "Manage typed, directed connections between nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $"+config.EnvConfigPath+" or ./connect.yaml)")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "override the configured backend")

	root.AddCommand(
		newCreateCmd(a),
		newDestroyCmd(a),
		newConnectCmd(a),
		newDisconnectCmd(a),
		newListCmd(a, "from", "List connections starting at NODE"),
		newListCmd(a, "to", "List connections ending at NODE"),
		newListCmd(a, "list", "List connections starting or ending at NODE"),
		newCheckCmd(a),
		newHasCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Backend = a.backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	// watch only needs the config.
	if cmd.Name() == "watch" {
		a.service = &config.Service{Logger: logger}
		return nil
	}

	service, err := config.NewService(cmd.Context(), cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	a.service = service
	return nil
}

func (a *app) close() error {
	service := a.service
	if service == nil {
		return nil
	}
	a.service = nil
	defer service.Logger.Sync() //nolint:errcheck
	if service.Manager == nil {
		return nil
	}
	if err := service.Close(); err != nil {
		service.Logger.Warn("close", zap.Error(err))
		return err
	}
	return nil
}
