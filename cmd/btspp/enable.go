package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Power on the local adapter",
	Args:  cobra.NoArgs,
	RunE:  runEnable,
}

func runEnable(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	available, err := a.call(ctx, "isAvailable", nil)
	if err != nil {
		return err
	}
	if !available.(bool) {
		return ErrAdapterUnavailable
	}

	enabled, err := a.call(ctx, "requestEnable", nil)
	if err != nil {
		return err
	}
	if !enabled.(bool) {
		return errors.New("adapter could not be powered on")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Adapter %s is on\n", a.cfg.Adapter)
	return nil
}
