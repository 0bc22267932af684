package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <data>",
	Short: "Send one payload over a serial link",
	Long: `Connects, writes data, optionally prints what the device answers, and disconnects.

Examples:
  # Write string data
  btspp write 00:11:22:33:44:55 "AT+VERSION"

  # Write hex data
  btspp write 00:11:22:33:44:55 "41 54 0d 0a" --hex

  # Print the reply received within 500ms
  btspp write 00:11:22:33:44:55 "AT" --wait 500ms`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

var (
	writeHex  bool
	writeCRLF bool
	writeWait time.Duration
)

func init() {
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeCRLF, "crlf", false, "Append CR LF to the payload")
	writeCmd.Flags().DurationVar(&writeWait, "wait", 0, "Print data received for this long after the write")
}

func runWrite(cmd *cobra.Command, args []string) error {
	data, err := parseWriteData(args[1])
	if err != nil {
		return err
	}
	if writeCRLF {
		data = append(data, '\r', '\n')
	}
	if len(data) == 0 {
		return errors.New("data required: payload is empty")
	}

	a, err := newApp(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}
	defer a.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	session, err := openSession(ctx, a, args[0], cmd.ErrOrStderr(), func(reply []byte) {
		if _, err := out.Write(reply); err != nil {
			a.logger.WithError(err).Warn("Failed to write to stdout")
		}
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Write(ctx, data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", len(data), session.address)

	if writeWait <= 0 {
		return nil
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-session.Lost():
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseWriteData converts the data argument according to --hex
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}
