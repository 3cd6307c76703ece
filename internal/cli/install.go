package cli

import (
	"fmt"
	"io"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/javanstorm/macosvm/internal/timing"
	"github.com/javanstorm/macosvm/internal/vm"
)

func (a *app) runInstall(cmd *cobra.Command, restoreImage string) error {
	driver, bundle, ctrlCfg, err := a.prepare(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	timer := timing.New()
	src := vm.SelectSource(restoreImage, bundle)

	ctrl := vm.NewController(driver, bundle, ctrlCfg,
		vm.WithTimer(timer),
		vm.WithProgress(percentPrinter(out, "Installation progress")),
		vm.WithDownloadProgress(percentPrinter(out, "Download progress")),
	)
	if err := ctrl.Setup(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Installing macOS from %s into %s\n", src, bundle.Dir())
	if err := ctrl.Install(ctx, src); err != nil {
		return err
	}
	fmt.Fprintln(out, "Installation completed.")

	if a.cfg.Timing {
		timer.Report(out, "Install Timing")
	}
	log.G(ctx).WithFields(timer.Fields()).Debug("install timing")
	return nil
}

// percentPrinter prints whole-percent progress lines, skipping repeats.
func percentPrinter(w io.Writer, label string) func(float64) {
	last := -1
	return func(fraction float64) {
		pct := int(fraction * 100)
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(w, "%s: %d%%\n", label, pct)
	}
}
