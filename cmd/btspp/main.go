package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "btspp",
	Short: "Bluetooth Classic serial (RFCOMM/SPP) link tool",
	Long: `Bluetooth Classic Serial Port Profile (SPP) command-line tool that provides:

- Query and power on the local adapter
- List bonded (paired) devices
- Open an RFCOMM serial link and stream it from the terminal
- Bridge a serial link to a PTY for use with any serial tool
- Serve the link API to a host application over WebSocket

Connections try the SPP service record first and fall back to a fixed RFCOMM channel.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("btspp %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(bondedCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(serveCmd)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
