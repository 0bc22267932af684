package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btspp/internal/device"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the local adapter state",
	Long: `Shows whether the Bluetooth adapter is present and powered, and its state code.

State codes: 10 off, 11 turning on, 12 on, 13 turning off.`,
	Args: cobra.NoArgs,
	RunE: runState,
}

type adapterReport struct {
	Adapter   string
	Available bool
	Enabled   bool
	State     device.AdapterState
}

func runState(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	report := adapterReport{Adapter: a.cfg.Adapter}

	available, err := a.call(ctx, "isAvailable", nil)
	if err != nil {
		return err
	}
	report.Available = available.(bool)

	enabled, err := a.call(ctx, "isEnabled", nil)
	if err != nil {
		return err
	}
	report.Enabled = enabled.(bool)

	state, err := a.call(ctx, "getState", nil)
	if err != nil {
		return err
	}
	report.State = device.AdapterState(state.(int))

	printAdapterReport(cmd.OutOrStdout(), report)
	return nil
}

func printAdapterReport(w io.Writer, r adapterReport) {
	fmt.Fprintf(w, "Adapter:   %s\n", r.Adapter)
	fmt.Fprintf(w, "Available: %s\n", yesNo(r.Available))
	fmt.Fprintf(w, "Enabled:   %s\n", yesNo(r.Enabled))
	fmt.Fprintf(w, "State:     %s (%d)\n", r.State, int(r.State))
}

func yesNo(v bool) string {
	if v {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}
