package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btspp/internal/device"
)

var bondedCmd = &cobra.Command{
	Use:   "bonded",
	Short: "List bonded (paired) devices",
	Long: `Lists devices previously paired with the local adapter.

Pair devices with the system tools (e.g. bluetoothctl) first; btspp never pairs on its own.

Examples:
  btspp bonded
  btspp bonded --json`,
	Args: cobra.NoArgs,
	RunE: runBonded,
}

var bondedJSON bool

func init() {
	bondedCmd.Flags().BoolVar(&bondedJSON, "json", false, "Print the list as JSON")
}

func runBonded(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	result, err := a.call(cmd.Context(), "getBondedDevices", nil)
	if err != nil {
		return err
	}
	devices := result.([]device.BondedDevice)

	if bondedJSON {
		return printBondedJSON(cmd.OutOrStdout(), devices)
	}
	return printBondedTable(cmd.OutOrStdout(), devices)
}

func printBondedJSON(w io.Writer, devices []device.BondedDevice) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}

func printBondedTable(w io.Writer, devices []device.BondedDevice) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No bonded devices")
		return err
	}

	header := color.New(color.Bold)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, header.Sprint("ADDRESS")+"\t"+header.Sprint("TYPE")+"\t"+header.Sprint("NAME"))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Address, deviceTypeName(d.Type), name)
	}
	return tw.Flush()
}

func deviceTypeName(t device.DeviceType) string {
	switch t {
	case device.DeviceTypeClassic:
		return "classic"
	case device.DeviceTypeLE:
		return "le"
	case device.DeviceTypeDual:
		return "dual"
	default:
		return "unknown"
	}
}
