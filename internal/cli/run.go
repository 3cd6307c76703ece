package cli

import (
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/javanstorm/macosvm/internal/timing"
	"github.com/javanstorm/macosvm/internal/vm"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Boot the installed macOS guest",
		Long: `Boot the macOS guest installed in the bundle and wait until it shuts down.

Interrupting macosvm saves the guest state when the host supports it (macOS 14
or later); the next run resumes from it. Otherwise the guest is asked to shut
down.`,
		Args: cobra.NoArgs,
		RunE: a.runRun,
	}
}

func (a *app) runRun(cmd *cobra.Command, args []string) error {
	driver, bundle, ctrlCfg, err := a.prepare(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	timer := timing.New()
	runner := vm.NewRunner(driver, bundle, ctrlCfg,
		vm.WithRunTimer(timer),
		vm.WithDelegate(vm.LoggingDelegate{Ctx: ctx}),
	)

	fmt.Fprintf(cmd.OutOrStdout(), "Starting macOS guest from %s\n", bundle.Dir())
	if err := runner.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Guest stopped.")

	if a.cfg.Timing {
		timer.Report(cmd.OutOrStdout(), "Boot Timing")
	}
	log.G(ctx).WithFields(timer.Fields()).Debug("boot timing")
	return nil
}
