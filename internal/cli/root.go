// Package cli provides the command-line interface for macosvm.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/javanstorm/macosvm/internal/config"
	"github.com/javanstorm/macosvm/internal/vm"
	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

// newDriver creates the backend. Tests replace it.
var newDriver = hypervisor.NewDriver

// app carries state shared by the commands of one invocation.
type app struct {
	configFile string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "macosvm [restore-image.ipsw]",
		Short: "Install and boot a macOS virtual machine",
		Long: `macosvm installs macOS into a virtual machine bundle and boots it using
Apple's Virtualization framework.

With a restore image path, that image is installed. Without one, a restore
image cached in the bundle is used, or the latest image supported by this
Mac is downloaded.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for commands that don't need it
			switch cmd.Name() {
			case "version", "completion":
				return nil
			}
			return a.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return a.runInstall(cmd, path)
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default: config.yaml in the config directory)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newConfigCmd(a))
	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newStatusCmd(a))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	if err := newRootCmd().Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if f := cfg.File(); f != "" {
		log.G(cmd.Context()).WithField("file", f).Debug("loaded config")
	}
	a.cfg = cfg
	return nil
}

// prepare opens the backend and checks the configuration against it.
func (a *app) prepare(cmd *cobra.Command) (hypervisor.Driver, *vm.Bundle, vm.ControllerConfig, error) {
	driver, err := newDriver()
	if err != nil {
		return nil, nil, vm.ControllerConfig{}, fmt.Errorf("create hypervisor driver: %w", err)
	}

	caps, err := driver.Capabilities(cmd.Context())
	if err != nil {
		log.G(cmd.Context()).WithError(err).Warn("could not query backend capabilities")
	}
	errs := config.ValidateConfig(a.cfg, caps)
	if len(errs) > 0 {
		fmt.Fprint(cmd.ErrOrStderr(), config.FormatValidationErrors(errs))
	}
	if config.HasFatal(errs) {
		return nil, nil, vm.ControllerConfig{}, fmt.Errorf("invalid configuration")
	}

	ctrlCfg, err := a.cfg.ControllerConfig()
	if err != nil {
		return nil, nil, vm.ControllerConfig{}, err
	}
	return driver, vm.NewBundle(a.cfg.BundleDir), ctrlCfg, nil
}

// hostCapabilities queries the backend. Without a backend nothing is
// supported.
func hostCapabilities(cmd *cobra.Command) hypervisor.Capabilities {
	driver, err := newDriver()
	if err != nil {
		return hypervisor.Capabilities{}
	}
	caps, err := driver.Capabilities(cmd.Context())
	if err != nil {
		log.G(cmd.Context()).WithError(err).Warn("could not query backend capabilities")
	}
	return caps
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
